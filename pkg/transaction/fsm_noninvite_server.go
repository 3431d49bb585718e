package transaction

import (
	"context"

	"github.com/emiago/sipgo/sip"
	"github.com/looplab/fsm"
)

// newNonInviteServerFSM builds the non-INVITE server transaction FSM:
// Trying -> {Proceeding} -> Completed -> Terminated.
func (t *Transaction) newNonInviteServerFSM() *fsm.FSM {
	return fsm.NewFSM(
		StateTrying,
		fsm.Events{
			{Name: "provisional", Src: []string{StateTrying}, Dst: StateProceeding},
			{Name: "final", Src: []string{StateTrying, StateProceeding}, Dst: StateCompleted},
			{Name: "timerJ", Src: []string{StateCompleted}, Dst: StateTerminated},
		},
		fsm.Callbacks{},
	)
}

// SendResponse is called by the TU to send a response on a non-INVITE
// server transaction; the FSM infers provisional vs. final from the
// status code, mirroring SendProvisional/SendFinal on the INVITE side.
func (t *Transaction) SendResponse(ctx context.Context, resp *sip.Response) {
	select {
	case t.inbox <- txMessage{kind: mailSendCommand, response: resp}:
	case <-t.done:
	}
}

func (t *Transaction) nonInviteServerOnRequest(ctx context.Context, req *sip.Request) {
	// A retransmitted request in Proceeding/Completed re-emits the last
	// response sent; a first arrival was already turned into the
	// transaction itself by the manager, so there's nothing further to do
	// here besides the retransmit.
	if t.response != nil {
		_ = t.send(ctx, t.response)
	}
}

func (t *Transaction) handleSendCommandNonInvite(ctx context.Context, resp *sip.Response) {
	t.response = resp
	_ = t.send(ctx, resp)
	switch {
	case statusClass(resp.StatusCode) == 1:
		if t.fsm.Current() == StateTrying {
			_ = t.fsm.Event(ctx, "provisional")
		}
	default:
		if t.fsm.Current() == StateTrying || t.fsm.Current() == StateProceeding {
			_ = t.fsm.Event(ctx, "final")
		}
		t.mgr.scheduler.Schedule(t.key, TimerJ, t.mgr.timers.timerJ())
	}
}

func (t *Transaction) nonInviteServerOnTimer(ctx context.Context, f TimerFired) {
	if f.ID.Name == TimerJ {
		t.terminate(ctx, "timerJ")
	}
}
