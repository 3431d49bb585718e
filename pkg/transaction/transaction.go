package transaction

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/looplab/fsm"
	"github.com/rs/zerolog"
)

// Type is the four-way split of RFC 3261 §17 transaction kinds.
type Type int

const (
	TypeInviteClient Type = iota
	TypeInviteServer
	TypeNonInviteClient
	TypeNonInviteServer
)

func typeOf(family MethodFamily, role Role) Type {
	switch {
	case family == FamilyInvite && role == RoleClient:
		return TypeInviteClient
	case family == FamilyInvite && role == RoleServer:
		return TypeInviteServer
	case family == FamilyNonInvite && role == RoleClient:
		return TypeNonInviteClient
	default:
		return TypeNonInviteServer
	}
}

// State names, shared across the four FSM flavors. Not
// every state is reachable from every flavor; looplab/fsm just ignores
// events with no matching transition for the current state.
const (
	StateCalling    = "Calling"
	StateTrying     = "Trying"
	StateProceeding = "Proceeding"
	StateCompleted  = "Completed"
	StateConfirmed  = "Confirmed"
	StateTerminated = "Terminated"
)

// mailType distinguishes what a txMessage carries.
type mailType int

const (
	mailRequest mailType = iota
	mailResponse
	mailTimer
	mailSendCommand
)

type txMessage struct {
	kind     mailType
	request  *sip.Request
	response *sip.Response
	timer    TimerFired
}

// Transaction is one SIP request/response exchange. It
// processes its inbound queue single-threadedly on its own goroutine, so
// no lock guards FSM transitions; only the few fields read by other
// goroutines (Key, State snapshot) use atomics/accessors.
type Transaction struct {
	key         Key
	typ         Type
	method      sip.RequestMethod
	destination string

	request  *sip.Request
	response *sip.Response

	fsm *fsm.FSM

	retransmitInterval time.Duration
	retransmitCount    int

	inbox chan txMessage
	done  chan struct{}

	mgr      *Manager
	log      zerolog.Logger
	startCtx context.Context

	terminatedFlag atomic.Bool
}

func newTransaction(ctx context.Context, mgr *Manager, key Key, method sip.RequestMethod, req *sip.Request, destination string) *Transaction {
	t := &Transaction{
		key:         key,
		typ:         typeOf(key.Family, key.Role),
		method:      method,
		destination: destination,
		request:     req,
		inbox:       make(chan txMessage, 32),
		done:        make(chan struct{}),
		mgr:         mgr,
		log:         mgr.log.With().Str("tx_key", key.String()).Logger(),
		startCtx:    ctx,
	}
	switch t.typ {
	case TypeInviteClient:
		t.fsm = t.newInviteClientFSM()
	case TypeInviteServer:
		t.fsm = t.newInviteServerFSM()
	case TypeNonInviteClient:
		t.fsm = t.newNonInviteClientFSM()
	case TypeNonInviteServer:
		t.fsm = t.newNonInviteServerFSM()
	}
	go t.run()
	return t
}

// State returns a point-in-time snapshot of the FSM's current state.
// Safe to call from any goroutine; looplab/fsm guards its own state field.
func (t *Transaction) State() string {
	return t.fsm.Current()
}

func (t *Transaction) isTerminated() bool {
	return t.terminatedFlag.Load()
}

// Key returns the transaction's identity tuple.
func (t *Transaction) Key() Key { return t.key }

// run is the transaction's dedicated task. start() runs here too, not on
// the manager's calling goroutine, so a message delivered the instant
// after registration can never race the initial send/timer arm.
func (t *Transaction) run() {
	t.start(t.startCtx)
	if t.finishIfTerminated() {
		return
	}
	for msg := range t.inbox {
		t.handle(msg)
		if t.finishIfTerminated() {
			return
		}
	}
}

func (t *Transaction) finishIfTerminated() bool {
	if !t.isTerminated() {
		return false
	}
	t.mgr.remove(t.key)
	// Drain and exit; the manager will not route to us again but a
	// message already in flight must not block the sender.
	go func() {
		for range t.inbox {
		}
	}()
	close(t.done)
	return true
}

func (t *Transaction) handle(msg txMessage) {
	ctx := context.Background()
	switch msg.kind {
	case mailRequest:
		t.onRequest(ctx, msg.request)
	case mailResponse:
		t.onResponse(ctx, msg.response)
	case mailTimer:
		t.onTimer(ctx, msg.timer)
	case mailSendCommand:
		t.onSendCommand(ctx, msg.response)
	}
}

// onSendCommand dispatches a TU-issued outbound response to the handler
// for this transaction's flavor. Only server transactions accept these.
func (t *Transaction) onSendCommand(ctx context.Context, resp *sip.Response) {
	switch t.typ {
	case TypeInviteServer:
		t.handleSendCommand(ctx, resp)
	case TypeNonInviteServer:
		t.handleSendCommandNonInvite(ctx, resp)
	}
}

// onRequest dispatches an in-dialog request (duplicate INVITE, ACK, or
// CANCEL) to the handler for this transaction's flavor. Client
// transactions never receive requests from their peer.
func (t *Transaction) onRequest(ctx context.Context, req *sip.Request) {
	switch t.typ {
	case TypeInviteServer:
		t.inviteServerOnRequest(ctx, req)
	case TypeNonInviteServer:
		t.nonInviteServerOnRequest(ctx, req)
	}
}

// onResponse dispatches a received response. Server transactions never
// receive responses from their peer (they send responses, driven by the
// TU via SendProvisional/SendFinal).
func (t *Transaction) onResponse(ctx context.Context, resp *sip.Response) {
	switch t.typ {
	case TypeInviteClient:
		t.inviteClientOnResponse(ctx, resp)
	case TypeNonInviteClient:
		t.nonInviteClientOnResponse(ctx, resp)
	}
}

func (t *Transaction) onTimer(ctx context.Context, f TimerFired) {
	switch t.typ {
	case TypeInviteClient:
		t.inviteClientOnTimer(ctx, f)
	case TypeInviteServer:
		t.inviteServerOnTimer(ctx, f)
	case TypeNonInviteClient:
		t.nonInviteClientOnTimer(ctx, f)
	case TypeNonInviteServer:
		t.nonInviteServerOnTimer(ctx, f)
	}
}

// start begins the transaction: client transactions send the initial
// request and arm their retransmit/overall timers; server transactions
// arm the provisional-response delay (INVITE only).
func (t *Transaction) start(ctx context.Context) {
	switch t.typ {
	case TypeInviteClient:
		if err := t.send(ctx, t.request); err != nil {
			t.failTransport(err)
			return
		}
		t.retransmitInterval = t.mgr.timers.t1
		t.mgr.scheduler.Schedule(t.key, TimerA, t.retransmitInterval)
		t.mgr.scheduler.Schedule(t.key, TimerB, t.mgr.timers.inviteTotal)
	case TypeNonInviteClient:
		if err := t.send(ctx, t.request); err != nil {
			t.failTransport(err)
			return
		}
		t.retransmitInterval = t.mgr.timers.t1
		t.mgr.scheduler.Schedule(t.key, TimerE, t.retransmitInterval)
		t.mgr.scheduler.Schedule(t.key, TimerF, t.mgr.timers.inviteTotal)
	case TypeInviteServer:
		t.mgr.scheduler.Schedule(t.key, TimerProvisional, t.mgr.cfg.provisionalDelay())
	}
}

// failTransport drives a client transaction straight to Terminated on a
// synchronous send failure.
func (t *Transaction) failTransport(err error) {
	t.mgr.scheduler.CancelAll(t.key)
	t.terminatedFlag.Store(true)
	t.mgr.metrics.terminated.WithLabelValues(t.key.Family.String(), t.key.Role.String(), "transport_error").Inc()
	t.mgr.publish(Event{Kind: EventTransportError, Key: t.key, Request: t.request, Peer: t.destination, Err: err})
}

// terminate transitions the FSM to Terminated via event name and cancels
// any remaining timers for this key.
func (t *Transaction) terminate(ctx context.Context, event string) {
	t.mgr.scheduler.CancelAll(t.key)
	_ = t.fsm.Event(ctx, event)
	t.terminatedFlag.Store(true)
	t.mgr.metrics.terminated.WithLabelValues(t.key.Family.String(), t.key.Role.String(), event).Inc()
}

// deliverRequest enqueues an in-dialog request event (duplicate INVITE,
// ACK, or CANCEL) for server-side transactions.
func (t *Transaction) deliverRequest(req *sip.Request) {
	select {
	case t.inbox <- txMessage{kind: mailRequest, request: req}:
	case <-t.done:
	}
}

// deliverResponse enqueues a response event for client-side transactions.
func (t *Transaction) deliverResponse(resp *sip.Response) {
	select {
	case t.inbox <- txMessage{kind: mailResponse, response: resp}:
	case <-t.done:
	}
}

func (t *Transaction) deliverTimer(f TimerFired) {
	select {
	case t.inbox <- txMessage{kind: mailTimer, timer: f}:
	case <-t.done:
	}
}

func (t *Transaction) send(ctx context.Context, msg sip.Message) error {
	err := t.mgr.transport.Send(ctx, msg, t.destination)
	if err != nil {
		t.log.Warn().Err(err).Msg("transport send failed")
	}
	return err
}

func (t *Transaction) emit(kind EventKind, resp *sip.Response) {
	t.mgr.publish(Event{Kind: kind, Key: t.key, Request: t.request, Response: resp, Peer: t.destination})
}

// emitWithRequest is for the one case where the request worth surfacing
// isn't the transaction's own (CancelReceived: t.request is the INVITE,
// but the DSC needs the CANCEL itself to answer it — CANCEL has no
// transaction of its own in this design).
func (t *Transaction) emitWithRequest(kind EventKind, req *sip.Request) {
	t.mgr.publish(Event{Kind: kind, Key: t.key, Request: req, Peer: t.destination})
}

func statusClass(code int) int { return code / 100 }
