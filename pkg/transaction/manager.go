package transaction

import (
	"context"
	"fmt"

	"github.com/emiago/sipgo/sip"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/arzzra/sipvoice/internal/shardmap"
)

// Manager is the transaction registry and router. Registry mutation goes through a
// sharded map; routing a message to a transaction is a channel send that
// never happens while any registry lock is held.
type Manager struct {
	transport Transport
	cfg       Config
	timers    timers
	scheduler *Scheduler
	metrics   *metrics
	log       zerolog.Logger

	registry *shardmap.Map[*Transaction]
	events   chan Event
}

// NewManager builds a Manager. reg may be nil to skip Prometheus
// registration (useful in tests).
func NewManager(transport Transport, cfg Config, reg prometheus.Registerer, log zerolog.Logger) *Manager {
	m := &Manager{
		transport: transport,
		cfg:       cfg,
		timers:    newTimers(cfg),
		metrics:   newMetrics(reg),
		log:       log.With().Str("component", "transaction_manager").Logger(),
		registry:  shardmap.New[*Transaction](),
		events:    make(chan Event, 256),
	}
	m.scheduler = NewScheduler(m.dispatchTimer)
	return m
}

// Events is the stream of events the dialog coordinator consumes.
func (m *Manager) Events() <-chan Event { return m.events }

func (m *Manager) publish(e Event) {
	select {
	case m.events <- e:
	default:
		// The coordinator must keep up with TL; if its queue is full we
		// log and drop rather than block the owning transaction's task,
		// which would stall retransmission timers for every transaction.
		m.log.Warn().Str("event", e.Kind.String()).Msg("event queue full, dropping")
	}
}

func (m *Manager) dispatchTimer(f TimerFired) {
	tx, ok := m.registry.Get(f.ID.Key.String())
	if !ok {
		return
	}
	tx.deliverTimer(f)
}

func (m *Manager) remove(key Key) {
	if m.registry.Delete(key.String()) {
		m.metrics.active.Dec()
	}
}

// CreateClientTransaction starts a new client transaction for req and
// sends it immediately. req.Method selects INVITE (timers A/B) or
// non-INVITE (timers E/F).
func (m *Manager) CreateClientTransaction(ctx context.Context, req *sip.Request, destination string) (*Transaction, error) {
	key := KeyFromRequest(req, RoleClient)
	if _, exists := m.registry.Get(key.String()); exists {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyExists, key)
	}
	t := newTransaction(ctx, m, key, req.Method, req, destination)
	m.registry.Set(key.String(), t)
	m.metrics.active.Inc()
	m.metrics.created.WithLabelValues(key.Family.String(), key.Role.String()).Inc()
	return t, nil
}

// HandleResponse routes an inbound response to its client transaction, or
// publishes StrayResponse if none matches.
func (m *Manager) HandleResponse(resp *sip.Response, source string) {
	key, ok := KeyFromResponse(resp)
	if !ok {
		m.publish(Event{Kind: EventStrayResponse, Response: resp, Peer: source})
		return
	}
	tx, ok := m.registry.Get(key.String())
	if !ok {
		m.publish(Event{Kind: EventStrayResponse, Response: resp, Peer: source})
		return
	}
	tx.deliverResponse(resp)
}

// HandleRequest routes an inbound request: to an existing server
// transaction if it matches, to the INVITE server transaction it cancels
// or acknowledges, or creates
// a new server transaction and publishes NewRequest.
func (m *Manager) HandleRequest(ctx context.Context, req *sip.Request, source string) {
	switch {
	case req.IsAck():
		m.handleAck(ctx, req, source)
		return
	case req.IsCancel():
		m.handleCancel(req, source)
		return
	}

	key := KeyFromRequest(req, RoleServer)
	if tx, ok := m.registry.Get(key.String()); ok {
		tx.deliverRequest(req)
		return
	}

	t := newTransaction(ctx, m, key, req.Method, req, source)
	m.registry.Set(key.String(), t)
	m.metrics.active.Inc()
	m.metrics.created.WithLabelValues(key.Family.String(), key.Role.String()).Inc()
	m.publish(Event{Kind: EventNewRequest, Key: key, Request: req, Peer: source})
}

func (m *Manager) handleAck(ctx context.Context, req *sip.Request, source string) {
	branch := ""
	if via, ok := req.Via(); ok {
		branch, _ = via.Params.Get("branch")
	}
	key := Key{Branch: branch, Family: FamilyInvite, Role: RoleServer}
	tx, ok := m.registry.Get(key.String())
	if !ok {
		// ACK for a 2xx: the INVITE server transaction already reached
		// Terminated and was reaped. DSC matches this against the dialog.
		m.publish(Event{Kind: EventStrayAck, Request: req, Peer: source})
		return
	}
	tx.deliverRequest(req)
}

func (m *Manager) handleCancel(req *sip.Request, source string) {
	branch := ""
	if via, ok := req.Via(); ok {
		branch, _ = via.Params.Get("branch")
	}
	key := Key{Branch: branch, Family: FamilyInvite, Role: RoleServer}
	tx, ok := m.registry.Get(key.String())
	if !ok {
		m.publish(Event{Kind: EventStrayCancel, Request: req, Peer: source})
		return
	}
	tx.deliverRequest(req)
}

// SendStandalone delivers msg directly through the transport with no
// transaction bookkeeping. The only message this applies to is the ACK
// that acknowledges a 2xx final response: per RFC 3261 it is not itself a
// transaction, so it carries no retransmit timers and is never matched
// against the registry.
func (m *Manager) SendStandalone(ctx context.Context, msg sip.Message, destination string) error {
	return m.transport.Send(ctx, msg, destination)
}

// Lookup returns the transaction for key, if any.
func (m *Manager) Lookup(key Key) (*Transaction, bool) {
	return m.registry.Get(key.String())
}

// Stats reports the number of transactions currently tracked.
func (m *Manager) Stats() int { return m.registry.Count() }

// Close stops the timer scheduler.
func (m *Manager) Close() { m.scheduler.Stop() }
