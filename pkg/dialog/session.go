package dialog

import (
	"context"
	"time"

	"github.com/looplab/fsm"
)

// Session states exposed to the application.
const (
	StateInitiating   = "Initiating"
	StateRinging      = "Ringing"
	StateActive       = "Active"
	StateOnHold       = "OnHold"
	StateTransferring = "Transferring"
	StateTerminating  = "Terminating"
	StateTerminated   = "Terminated"
	StateFailed       = "Failed"
)

// SessionState is a snapshot of a Session's FSM state.
type SessionState string

// session FSM event names, internal to this package; Coordinator drives
// these from transaction-layer events and application calls.
const (
	evProgress       = "progress"
	evAnswer         = "answer"
	evHold           = "hold"
	evResume         = "resume"
	evByeStarted     = "bye_started"
	evByeDone        = "bye_done"
	evFail           = "fail"
	evReferSent      = "refer_sent"
	evTransferOK     = "transfer_ok"
	evTransferFailed = "transfer_failed"
)

// Session is the application-facing call: a richer state machine layered
// over a dialog plus negotiated media. It is owned
// exclusively by the Coordinator's task.
type Session struct {
	ID SessionID

	fsm *fsm.FSM

	Media *MediaDescription

	// Consultation, when set, is the linked consultation session for an
	// attended transfer: the primary session points at
	// its consultation, and the consultation points back.
	Consultation *SessionID
	PrimaryOf    *SessionID

	Transfer *TransferProgress

	createdAt     time.Time
	establishedBy time.Time
}

// newSession builds a Session in Initiating, wired with the exact
// transition table below. An invalid event leaves the state unchanged:
// looplab/fsm returns fsm.InvalidEventError, which Coordinator.transition
// wraps in ErrInvalidTransition; the transaction-event handlers discard
// it and the public API methods return it.
func newSession(id SessionID) *Session {
	s := &Session{ID: id, createdAt: time.Now()}
	s.fsm = fsm.NewFSM(
		StateInitiating,
		fsm.Events{
			{Name: evProgress, Src: []string{StateInitiating}, Dst: StateRinging},
			{Name: evAnswer, Src: []string{StateInitiating, StateRinging}, Dst: StateActive},
			{Name: evHold, Src: []string{StateActive}, Dst: StateOnHold},
			{Name: evResume, Src: []string{StateOnHold}, Dst: StateActive},
			{Name: evByeStarted, Src: []string{StateActive, StateOnHold}, Dst: StateTerminating},
			{Name: evByeDone, Src: []string{StateTerminating}, Dst: StateTerminated},
			{Name: evFail, Src: []string{StateInitiating, StateRinging}, Dst: StateFailed},
			{Name: evReferSent, Src: []string{StateActive}, Dst: StateTransferring},
			{Name: evTransferOK, Src: []string{StateTransferring}, Dst: StateTerminated},
			{Name: evTransferFailed, Src: []string{StateTransferring}, Dst: StateActive},
		}, nil,
	)
	return s
}

// State returns the session's current application-facing state.
func (s *Session) State() SessionState { return SessionState(s.fsm.Current()) }

func (s *Session) apply(ctx context.Context, event string) error {
	return s.fsm.Event(ctx, event)
}

// isTerminal reports whether the session has reached one of the two
// absorbing states.
func (s *Session) isTerminal() bool {
	switch s.State() {
	case StateTerminated, StateFailed:
		return true
	default:
		return false
	}
}
