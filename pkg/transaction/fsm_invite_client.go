package transaction

import (
	"context"

	"github.com/emiago/sipgo/sip"
	"github.com/looplab/fsm"
)

// newInviteClientFSM builds the INVITE client transaction FSM:
// Calling -> Proceeding -> {Completed | Terminated}, with 2xx short-
// circuiting straight to Terminated from either Calling or Proceeding.
func (t *Transaction) newInviteClientFSM() *fsm.FSM {
	return fsm.NewFSM(
		StateCalling,
		fsm.Events{
			{Name: "provisional", Src: []string{StateCalling}, Dst: StateProceeding},
			{Name: "success", Src: []string{StateCalling, StateProceeding}, Dst: StateTerminated},
			{Name: "final", Src: []string{StateCalling, StateProceeding}, Dst: StateCompleted},
			{Name: "timeoutB", Src: []string{StateCalling, StateProceeding}, Dst: StateTerminated},
			{Name: "timerD", Src: []string{StateCompleted}, Dst: StateTerminated},
		},
		fsm.Callbacks{},
	)
}

func (t *Transaction) inviteClientOnResponse(ctx context.Context, resp *sip.Response) {
	switch {
	case statusClass(resp.StatusCode) == 1:
		if t.fsm.Current() == StateCalling {
			t.mgr.scheduler.Cancel(t.key, TimerA)
			_ = t.fsm.Event(ctx, "provisional")
		}
		t.emit(EventProvisionalResponse, resp)
	case statusClass(resp.StatusCode) == 2:
		t.response = resp
		t.mgr.scheduler.CancelAll(t.key)
		t.terminatedFlag.Store(true)
		_ = t.fsm.Event(ctx, "success")
		t.mgr.metrics.terminated.WithLabelValues(t.key.Family.String(), t.key.Role.String(), "success").Inc()
		t.emit(EventSuccessResponse, resp)
	default:
		t.response = resp
		t.mgr.scheduler.Cancel(t.key, TimerA)
		t.mgr.scheduler.Cancel(t.key, TimerB)
		_ = t.fsm.Event(ctx, "final")
		ack := buildAck(t.request, resp)
		_ = t.send(ctx, ack)
		t.mgr.scheduler.Schedule(t.key, TimerD, t.mgr.timers.timerD())
		t.emit(EventFailureResponse, resp)
	}
}

func (t *Transaction) inviteClientOnTimer(ctx context.Context, f TimerFired) {
	switch f.ID.Name {
	case TimerA:
		if t.fsm.Current() != StateCalling {
			return
		}
		_ = t.send(ctx, t.request)
		t.mgr.metrics.retransmits.WithLabelValues("A").Inc()
		t.retransmitInterval = cappedBackoff(t.retransmitInterval, t.mgr.timers.t2)
		t.mgr.scheduler.Schedule(t.key, TimerA, t.retransmitInterval)
	case TimerB:
		t.terminate(ctx, "timeoutB")
		t.emit(EventTransactionTimeout, nil)
	case TimerD:
		t.terminate(ctx, "timerD")
	}
}
