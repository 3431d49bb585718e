package transaction

import (
	"context"

	"github.com/emiago/sipgo/sip"
	"github.com/looplab/fsm"
)

// newInviteServerFSM builds the INVITE server transaction FSM:
// Proceeding -> {Completed -> Confirmed | Terminated}.
func (t *Transaction) newInviteServerFSM() *fsm.FSM {
	return fsm.NewFSM(
		StateProceeding,
		fsm.Events{
			{Name: "response", Src: []string{StateProceeding}, Dst: StateCompleted},
			{Name: "success", Src: []string{StateProceeding}, Dst: StateTerminated},
			{Name: "ack", Src: []string{StateCompleted}, Dst: StateConfirmed},
			{Name: "timerH", Src: []string{StateCompleted}, Dst: StateTerminated},
			{Name: "timerI", Src: []string{StateConfirmed}, Dst: StateTerminated},
		},
		fsm.Callbacks{},
	)
}

// SendProvisional is called by the TU (dialog layer) to send a 1xx. The
// 100 Trying sent automatically by the provisional-delay timer does not go
// through it; the timer handler sends that response directly.
func (t *Transaction) SendProvisional(ctx context.Context, resp *sip.Response) {
	select {
	case t.inbox <- txMessage{kind: mailSendCommand, response: resp}:
	case <-t.done:
	}
}

// SendFinal is called by the TU to send the transaction's final response.
func (t *Transaction) SendFinal(ctx context.Context, resp *sip.Response) {
	t.SendProvisional(ctx, resp)
}

func (t *Transaction) inviteServerOnRequest(ctx context.Context, req *sip.Request) {
	if req.IsAck() {
		if t.fsm.Current() == StateCompleted {
			t.mgr.scheduler.Cancel(t.key, TimerG)
			t.mgr.scheduler.Cancel(t.key, TimerH)
			_ = t.fsm.Event(ctx, "ack")
			t.mgr.scheduler.Schedule(t.key, TimerI, t.mgr.timers.timerI())
			t.emit(EventAckReceived, nil)
		}
		return
	}
	if req.IsCancel() {
		t.emitWithRequest(EventCancelReceived, req)
		return
	}
	// Retransmitted INVITE: re-emit the latest response we sent.
	if t.response != nil {
		_ = t.send(ctx, t.response)
	}
}

func (t *Transaction) inviteServerOnTimer(ctx context.Context, f TimerFired) {
	switch f.ID.Name {
	case TimerProvisional:
		if t.fsm.Current() == StateProceeding && t.response == nil {
			trying := sip.NewResponse(100, "Trying")
			t.response = trying
			_ = t.send(ctx, trying)
		}
	case TimerG:
		if t.fsm.Current() != StateCompleted {
			return
		}
		_ = t.send(ctx, t.response)
		t.mgr.metrics.retransmits.WithLabelValues("G").Inc()
		t.retransmitInterval = cappedBackoff(t.retransmitInterval, t.mgr.timers.t2)
		t.mgr.scheduler.Schedule(t.key, TimerG, t.retransmitInterval)
	case TimerH:
		t.terminate(ctx, "timerH")
		t.emit(EventAckTimeout, nil)
	case TimerI:
		t.terminate(ctx, "timerI")
	}
}

// handleSendCommand is invoked from the transaction's run loop for
// TU-issued responses (mailSendCommand messages).
func (t *Transaction) handleSendCommand(ctx context.Context, resp *sip.Response) {
	t.response = resp
	switch statusClass(resp.StatusCode) {
	case 1:
		_ = t.send(ctx, resp)
	case 2:
		_ = t.send(ctx, resp)
		t.mgr.scheduler.CancelAll(t.key)
		t.terminatedFlag.Store(true)
		_ = t.fsm.Event(ctx, "success")
		t.mgr.metrics.terminated.WithLabelValues(t.key.Family.String(), t.key.Role.String(), "success").Inc()
	default:
		_ = t.send(ctx, resp)
		_ = t.fsm.Event(ctx, "response")
		t.retransmitInterval = t.mgr.timers.t1
		if !t.mgr.timers.reliable {
			t.mgr.scheduler.Schedule(t.key, TimerG, t.retransmitInterval)
		}
		t.mgr.scheduler.Schedule(t.key, TimerH, t.mgr.timers.inviteTotal)
	}
}
