package dialog

import (
	"context"

	"github.com/looplab/fsm"
)

// ReferSubscription states (RFC 3515/6665): pending until the first
// NOTIFY, then tracking the referred call's own progress until a final
// NOTIFY closes it out.
const (
	ReferStatePending    = "pending"
	ReferStateTrying     = "trying"
	ReferStateProceeding = "proceeding"
	ReferStateCompleted  = "completed"
	ReferStateFailed     = "failed"
	ReferStateTerminated = "terminated"
)

const (
	referEvNotify100    = "notify_100"
	referEvNotify1xx    = "notify_1xx"
	referEvNotifyOK     = "notify_success"
	referEvNotifyFailed = "notify_failure"
	referEvTerminate    = "terminate"
)

// newReferFSM wraps looplab/fsm to track one REFER subscription's
// NOTIFY-driven progress.
func newReferFSM() *fsm.FSM {
	return fsm.NewFSM(
		ReferStatePending,
		fsm.Events{
			{Name: referEvNotify100, Src: []string{ReferStatePending}, Dst: ReferStateTrying},
			{Name: referEvNotify1xx, Src: []string{ReferStateTrying, ReferStatePending}, Dst: ReferStateProceeding},
			{Name: referEvNotifyOK, Src: []string{ReferStateTrying, ReferStateProceeding, ReferStatePending}, Dst: ReferStateCompleted},
			{Name: referEvNotifyFailed, Src: []string{ReferStateTrying, ReferStateProceeding, ReferStatePending}, Dst: ReferStateFailed},
			{Name: referEvTerminate, Src: []string{ReferStateCompleted, ReferStateFailed}, Dst: ReferStateTerminated},
		}, nil,
	)
}

// ReferSubscription is the transferor's view of a REFER it sent: the
// primary session it was sent from, the optional linked consultation
// session (attended transfer), and the NOTIFY-driven FSM tracking the
// transfer target's call progress.
type ReferSubscription struct {
	PrimarySession SessionID
	Kind           TransferKind
	fsm            *fsm.FSM
}

func newReferSubscription(primary SessionID, kind TransferKind) *ReferSubscription {
	return &ReferSubscription{PrimarySession: primary, Kind: kind, fsm: newReferFSM()}
}

// applyNotify feeds a NOTIFY's sipfrag body through the subscription FSM
// and reports the resulting TransferProgress. final is true once the
// subscription has reached a terminal outcome (completed or failed).
func (r *ReferSubscription) applyNotify(body []byte) (TransferProgress, bool) {
	code := parseSipfragStatusCode(body)
	event := referEventForCode(code)
	_ = r.fsm.Event(context.Background(), event)

	final := event == referEvNotifyOK || event == referEvNotifyFailed
	return TransferProgress{
		Kind:       r.Kind,
		StatusCode: code,
		Final:      final,
	}, final
}

func referEventForCode(code int) string {
	switch {
	case code == 100:
		return referEvNotify100
	case code >= 101 && code < 200:
		return referEvNotify1xx
	case code >= 200 && code < 300:
		return referEvNotifyOK
	default:
		return referEvNotifyFailed
	}
}
