package transaction

import (
	"context"

	"github.com/emiago/sipgo/sip"
	"github.com/looplab/fsm"
)

// newNonInviteClientFSM builds the non-INVITE client transaction FSM:
// Trying -> {Proceeding} -> Completed -> Terminated.
func (t *Transaction) newNonInviteClientFSM() *fsm.FSM {
	return fsm.NewFSM(
		StateTrying,
		fsm.Events{
			{Name: "provisional", Src: []string{StateTrying}, Dst: StateProceeding},
			{Name: "final", Src: []string{StateTrying, StateProceeding}, Dst: StateCompleted},
			{Name: "timeoutF", Src: []string{StateTrying, StateProceeding}, Dst: StateTerminated},
			{Name: "timerK", Src: []string{StateCompleted}, Dst: StateTerminated},
		},
		fsm.Callbacks{},
	)
}

func (t *Transaction) nonInviteClientOnResponse(ctx context.Context, resp *sip.Response) {
	if statusClass(resp.StatusCode) == 1 {
		if t.fsm.Current() == StateTrying {
			_ = t.fsm.Event(ctx, "provisional")
		}
		t.emit(EventProvisionalResponse, resp)
		return
	}

	t.response = resp
	t.mgr.scheduler.Cancel(t.key, TimerE)
	t.mgr.scheduler.Cancel(t.key, TimerF)
	_ = t.fsm.Event(ctx, "final")
	t.mgr.scheduler.Schedule(t.key, TimerK, t.mgr.timers.timerK())
	if statusClass(resp.StatusCode) == 2 {
		t.emit(EventSuccessResponse, resp)
	} else {
		t.emit(EventFailureResponse, resp)
	}
}

func (t *Transaction) nonInviteClientOnTimer(ctx context.Context, f TimerFired) {
	switch f.ID.Name {
	case TimerE:
		if t.fsm.Current() != StateTrying && t.fsm.Current() != StateProceeding {
			return
		}
		_ = t.send(ctx, t.request)
		t.mgr.metrics.retransmits.WithLabelValues("E").Inc()
		if t.fsm.Current() == StateProceeding {
			t.retransmitInterval = t.mgr.timers.t2
		} else {
			t.retransmitInterval = cappedBackoff(t.retransmitInterval, t.mgr.timers.t2)
		}
		t.mgr.scheduler.Schedule(t.key, TimerE, t.retransmitInterval)
	case TimerF:
		t.terminate(ctx, "timeoutF")
		t.emit(EventTransactionTimeout, nil)
	case TimerK:
		t.terminate(ctx, "timerK")
	}
}
