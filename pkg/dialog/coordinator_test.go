package dialog_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/sipvoice/pkg/dialog"
	"github.com/arzzra/sipvoice/pkg/transaction"
)

func TestIncomingInviteAnswerReachesActive(t *testing.T) {
	co, tr, mgr := newTestCoordinator(t)
	ctx := context.Background()

	events := co.Subscribe()
	defer co.Unsubscribe(events)

	req := incomingInvite(t, "call-incoming-1")
	mgr.HandleRequest(ctx, req, "127.0.0.1:5070")
	tr.next(t) // 180 Ringing sent automatically

	created := waitForSessionEvent(t, events, dialog.SessionCreated)
	require.NotEmpty(t, created.SessionID)

	require.NoError(t, co.Answer(ctx, created.SessionID, nil))
	waitForSessionState(t, co, created.SessionID, dialog.SessionState(dialog.StateActive))
}

func TestIncomingInviteRejectReachesFailed(t *testing.T) {
	co, tr, mgr := newTestCoordinator(t)
	ctx := context.Background()

	events := co.Subscribe()
	defer co.Unsubscribe(events)

	req := incomingInvite(t, "call-incoming-reject")
	mgr.HandleRequest(ctx, req, "127.0.0.1:5070")
	tr.next(t) // 180 Ringing

	created := waitForSessionEvent(t, events, dialog.SessionCreated)

	require.NoError(t, co.Reject(ctx, created.SessionID, 486, "Busy Here"))
	waitForSessionState(t, co, created.SessionID, dialog.SessionState(dialog.StateFailed))

	sent := tr.next(t)
	resp, ok := sent.(*sip.Response)
	require.True(t, ok)
	assert.Equal(t, 486, resp.StatusCode)
}

func TestBlindTransferCompletesOnSuccessNotify(t *testing.T) {
	co, tr, mgr := newTestCoordinator(t)
	ctx := context.Background()

	id := establishActiveOutboundCall(t, co, tr, mgr)
	events := co.Subscribe()
	defer co.Unsubscribe(events)

	target := testURI("carol", "127.0.0.3")
	require.NoError(t, co.TransferBlind(ctx, id, target))

	refer := tr.nextRequest(t, sip.REFER)
	referTo := refer.GetHeader("Refer-To")
	require.NotNil(t, referTo)
	assert.Contains(t, referTo.Value(), "carol")

	accepted := responseFor(t, refer, 202, "bob-tag", nil, nil)
	mgr.HandleResponse(accepted, "127.0.0.2:5060")

	notify := notifyFor(t, refer, "bob-tag", []byte("SIP/2.0 200 OK\r\n"))
	mgr.HandleRequest(ctx, notify, "127.0.0.2:5060")

	progress := waitForSessionEvent(t, events, dialog.SessionTransferProgress)
	require.NotNil(t, progress.Transfer)
	assert.True(t, progress.Transfer.Final)
	assert.Equal(t, 200, progress.Transfer.StatusCode)

	// A final success NOTIFY makes the coordinator hang up its own leg
	// and moves straight to Terminated.
	tr.nextRequest(t, sip.BYE)
	waitForSessionState(t, co, id, dialog.SessionState(dialog.StateTerminated))
}

func TestBlindTransferFailsOnFailureNotify(t *testing.T) {
	co, tr, mgr := newTestCoordinator(t)
	ctx := context.Background()

	id := establishActiveOutboundCall(t, co, tr, mgr)

	target := testURI("carol", "127.0.0.3")
	require.NoError(t, co.TransferBlind(ctx, id, target))
	refer := tr.nextRequest(t, sip.REFER)

	accepted := responseFor(t, refer, 202, "bob-tag", nil, nil)
	mgr.HandleResponse(accepted, "127.0.0.2:5060")

	notify := notifyFor(t, refer, "bob-tag", []byte("SIP/2.0 487 Request Terminated\r\n"))
	mgr.HandleRequest(ctx, notify, "127.0.0.2:5060")

	// A failed transfer leaves the original call right where it was.
	waitForSessionState(t, co, id, dialog.SessionState(dialog.StateActive))
}

func TestSendDTMFSendsInfoWithSignalBody(t *testing.T) {
	co, tr, mgr := newTestCoordinator(t)
	ctx := context.Background()

	id := establishActiveOutboundCall(t, co, tr, mgr)
	require.NoError(t, co.SendDTMF(ctx, id, '5', 100))

	info := tr.nextRequest(t, sip.INFO)
	assert.Contains(t, string(info.Body()), "Signal=5")
}

// TestSubscribeDropsOldestWhenSlow drives more state changes than a
// deliberately tiny event buffer can hold without blocking the
// coordinator's own goroutine.
func TestSubscribeDropsOldestWhenSlow(t *testing.T) {
	tr := newFakeTransport()
	mgr := transaction.NewManager(tr, fastReliableConfig(), nil, zerolog.Nop())
	t.Cleanup(mgr.Close)
	cfg := dialog.Config{EventBufferSize: 1}
	co := dialog.NewCoordinator(mgr, testURI("alice", "127.0.0.1"), cfg, nil, zerolog.Nop())
	t.Cleanup(co.Close)

	ch := co.Subscribe()
	defer co.Unsubscribe(ch)

	id := establishActiveOutboundCall(t, co, tr, mgr)
	require.NoError(t, co.Hold(context.Background(), id))
	reinvite := tr.nextRequest(t, sip.INVITE)
	holdOK := responseFor(t, reinvite, 200, "bob-tag", nil, nil)
	mgr.HandleResponse(holdOK, "127.0.0.2:5060")

	waitForSessionState(t, co, id, dialog.SessionState(dialog.StateOnHold))

	// The coordinator produced more events than the buffer of 1 could
	// hold; it must still be alive and have delivered the most recent one.
	select {
	case ev := <-ch:
		assert.Equal(t, id, ev.SessionID)
		assert.Equal(t, dialog.SessionState(dialog.StateOnHold), ev.State)
	case <-time.After(2 * time.Second):
		t.Fatal("expected a buffered event to survive, coordinator may be stuck")
	}
}

// TestForkedInviteProducesSeparateSession exercises a forking proxy
// delivering a second 2xx, with a different To-tag, for the same INVITE
// after the first client transaction has already terminated and been
// reaped. The second branch must surface as its own confirmed dialog and
// session rather than being dropped as an unroutable stray response.
func TestForkedInviteProducesSeparateSession(t *testing.T) {
	co, tr, mgr := newTestCoordinator(t)
	ctx := context.Background()

	id, err := co.MakeCall(ctx, testURI("bob", "127.0.0.2"), nil)
	require.NoError(t, err)

	invite := tr.nextRequest(t, sip.INVITE)
	bobContact := testURI("bob", "127.0.0.2")
	bobOK := responseFor(t, invite, 200, "bob-tag", &bobContact, nil)
	mgr.HandleResponse(bobOK, "127.0.0.2:5060")
	tr.nextRequest(t, sip.ACK)
	waitForSessionState(t, co, id, dialog.SessionState(dialog.StateActive))

	events := co.Subscribe()
	defer co.Unsubscribe(events)

	carolContact := testURI("carol", "127.0.0.3")
	carolOK := responseFor(t, invite, 200, "carol-tag", &carolContact, nil)
	mgr.HandleResponse(carolOK, "127.0.0.3:5060")

	forkedAck := tr.nextRequest(t, sip.ACK)
	forkedTo, ok := forkedAck.To()
	require.True(t, ok)
	forkedToTag, _ := forkedTo.Params.Get("tag")
	assert.Equal(t, "carol-tag", forkedToTag)

	created := waitForSessionEvent(t, events, dialog.SessionCreated)
	assert.NotEqual(t, id, created.SessionID)
	waitForSessionState(t, co, created.SessionID, dialog.SessionState(dialog.StateActive))
}

// TestByeAnsweredWithFailureStillTerminatesSession checks that a BYE
// answered with a non-2xx final response still drives the session to
// Terminated rather than leaving it stuck in Terminating.
func TestByeAnsweredWithFailureStillTerminatesSession(t *testing.T) {
	co, tr, mgr := newTestCoordinator(t)
	ctx := context.Background()

	id := establishActiveOutboundCall(t, co, tr, mgr)
	events := co.Subscribe()
	defer co.Unsubscribe(events)

	require.NoError(t, co.Terminate(ctx, id))
	bye := tr.nextRequest(t, sip.BYE)

	failure := responseFor(t, bye, 481, "bob-tag", nil, nil)
	mgr.HandleResponse(failure, "127.0.0.2:5060")

	waitForSessionEvent(t, events, dialog.SessionTerminated)
	waitForSessionState(t, co, id, dialog.SessionState(dialog.StateTerminated))
}

// notifyFor builds the NOTIFY bob's side would send back on the dialog a
// REFER was sent on: From carries bob's tag, To carries alice's tag, body
// is a sipfrag reporting the referred call's status.
func notifyFor(t *testing.T, refer *sip.Request, fromTag string, sipfrag []byte) *sip.Request {
	t.Helper()
	via, ok := refer.Via()
	require.True(t, ok)
	from, ok := refer.From()
	require.True(t, ok)
	to, ok := refer.To()
	require.True(t, ok)
	callID, ok := refer.CallID()
	require.True(t, ok)

	headers := []string{
		"NOTIFY sip:alice@127.0.0.1 SIP/2.0",
		"Via: SIP/2.0/" + via.Transport + " " + via.Host + ";branch=" + branchOf(t, refer),
		"Max-Forwards: 70",
		"From: <" + to.Address.String() + ">;tag=" + fromTag,
		"To: <" + from.Address.String() + ">;tag=" + tagOf(t, from.Params),
		"Call-ID: " + callID.Value(),
		"CSeq: 1 NOTIFY",
		"Event: refer",
		"Subscription-State: terminated;reason=noresource",
		"Content-Type: message/sipfrag",
		"Content-Length: " + lenStr(len(sipfrag)),
	}
	raw := strings.Join(headers, "\r\n") + "\r\n\r\n" + string(sipfrag)
	msg, err := sip.ParseMessage([]byte(raw))
	require.NoError(t, err)
	req, ok := msg.(*sip.Request)
	require.True(t, ok)
	return req
}

func lenStr(n int) string {
	if n == 0 {
		return "0"
	}
	var digits []byte
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}
