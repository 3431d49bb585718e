package dialog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/pion/sdp/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/arzzra/sipvoice/internal/shardmap"
	"github.com/arzzra/sipvoice/pkg/transaction"
)

// pendingKind distinguishes what a client transaction the coordinator
// started is for, so the coordinator knows how to react when TL reports
// its outcome.
type pendingKind int

const (
	pendingInvite pendingKind = iota
	pendingReInvite
	pendingBye
	pendingRefer
	pendingCancel
	pendingInfo
	pendingNotify
)

type pendingTx struct {
	kind      pendingKind
	sessionID SessionID
	request   *sip.Request
	holdAfter bool // for pendingReInvite: the offer being sent puts the call on hold
}

// command is one unit of work the coordinator's single task executes;
// public API methods build one and hand it to the run loop instead of
// touching coordinator state from the caller's own goroutine:
// "guarded by a single coordinator task (actor model)").
type command func(c *Coordinator)

// Coordinator is the dialog/session coordinator (DSC). It owns the
// dialog and session tables and is the sole writer to them; all mutation
// happens on its own run() goroutine, fed by a fan-in of transaction
// events and application commands.
type Coordinator struct {
	cfg     Config
	tx      *transaction.Manager
	metrics *metrics
	log     zerolog.Logger

	localURI sip.Uri

	dialogs         *shardmap.Map[*Dialog]
	sessions        *shardmap.Map[*Session]
	dialogOfSession *shardmap.Map[DialogID]
	pending         *shardmap.Map[*pendingTx]
	refers          *shardmap.Map[*ReferSubscription]
	// referTargets maps the SessionID of a call dialed out in response to
	// a received REFER back to the DialogID of the REFER's own dialog, so
	// that call's progress can be reported via NOTIFY.
	referTargets *shardmap.Map[DialogID]

	cmds chan command
	done chan struct{}

	subsMu sync.Mutex
	subs   []chan SessionEvent
}

// NewCoordinator builds a Coordinator bound to txMgr and starts its run
// loop. localURI identifies this endpoint in From/To/Contact headers it
// originates.
func NewCoordinator(txMgr *transaction.Manager, localURI sip.Uri, cfg Config, reg prometheus.Registerer, log zerolog.Logger) *Coordinator {
	c := &Coordinator{
		cfg:             cfg,
		tx:              txMgr,
		metrics:         newMetrics(reg),
		log:             log.With().Str("component", "dialog_coordinator").Logger(),
		localURI:        localURI,
		dialogs:         shardmap.New[*Dialog](),
		sessions:        shardmap.New[*Session](),
		dialogOfSession: shardmap.New[DialogID](),
		pending:         shardmap.New[*pendingTx](),
		refers:          shardmap.New[*ReferSubscription](),
		referTargets:    shardmap.New[DialogID](),
		cmds:            make(chan command, 64),
		done:            make(chan struct{}),
	}
	go c.run()
	return c
}

// Close stops the coordinator's run loop.
func (c *Coordinator) Close() { close(c.done) }

func (c *Coordinator) run() {
	for {
		select {
		case ev, ok := <-c.tx.Events():
			if !ok {
				return
			}
			c.handleTxEvent(ev)
		case cmd := <-c.cmds:
			cmd(c)
		case <-c.done:
			return
		}
	}
}

func (c *Coordinator) enqueue(ctx context.Context, cmd command, reply <-chan struct{}) error {
	select {
	case c.cmds <- cmd:
	case <-c.done:
		return fmt.Errorf("dialog: coordinator is closed")
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-reply:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe returns a channel of SessionEvents. Slow subscribers never
// block the coordinator: a full channel drops its oldest queued event to
// make room.
func (c *Coordinator) Subscribe() <-chan SessionEvent {
	ch := make(chan SessionEvent, c.cfg.eventBufferSize())
	c.subsMu.Lock()
	c.subs = append(c.subs, ch)
	c.subsMu.Unlock()
	return ch
}

// Unsubscribe stops delivering events to a channel returned by Subscribe.
func (c *Coordinator) Unsubscribe(ch <-chan SessionEvent) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	for i, s := range c.subs {
		if (<-chan SessionEvent)(s) == ch {
			close(s)
			c.subs = append(c.subs[:i], c.subs[i+1:]...)
			return
		}
	}
}

func (c *Coordinator) broadcast(ev SessionEvent) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	for _, s := range c.subs {
		select {
		case s <- ev:
		default:
			select {
			case <-s:
				c.metrics.eventsDropped.Inc()
			default:
			}
			select {
			case s <- ev:
			default:
			}
		}
	}
}

func destinationFor(u sip.Uri) string {
	port := u.Port
	if port == 0 {
		port = 5060
	}
	return fmt.Sprintf("%s:%d", u.Host, port)
}

// ---- public API ----

// MakeCall starts an outbound call: builds and sends the initial INVITE,
// records the early dialog, and returns its SessionID.
func (c *Coordinator) MakeCall(ctx context.Context, target sip.Uri, sdpOffer []byte) (SessionID, error) {
	var id SessionID
	var callErr error
	reply := make(chan struct{})
	err := c.enqueue(ctx, func(co *Coordinator) {
		defer close(reply)
		id, callErr = co.makeCall(ctx, target, sdpOffer)
	}, reply)
	if err != nil {
		return "", err
	}
	return id, callErr
}

func (c *Coordinator) makeCall(ctx context.Context, target sip.Uri, sdpOffer []byte) (SessionID, error) {
	return c.makeCallWithReplaces(ctx, target, sdpOffer, nil)
}

func (c *Coordinator) makeCallWithReplaces(ctx context.Context, target sip.Uri, sdpOffer []byte, replaces *ReplacesInfo) (SessionID, error) {
	callID := transaction.NewBranch()
	localTag := transaction.NewTag()
	req := buildInitialInvite(c.localURI, target, callID, localTag, sdpOffer)
	if replaces != nil {
		req.AppendHeader(&sip.GenericHeader{HeaderName: "Replaces", Contents: replacesHeaderValue(*replaces)})
	}

	t, err := c.tx.CreateClientTransaction(ctx, req, destinationFor(target))
	if err != nil {
		return "", err
	}

	d := NewUACDialog(callID, localTag, c.localURI, target)
	sess := newSession(NewSessionID())
	c.dialogs.Set(d.ID.String(), d)
	c.sessions.Set(string(sess.ID), sess)
	c.dialogOfSession.Set(string(sess.ID), d.ID)
	c.pending.Set(t.Key().String(), &pendingTx{kind: pendingInvite, sessionID: sess.ID, request: req})

	c.metrics.sessionsByState.WithLabelValues(sess.State().string()).Inc()
	c.broadcast(SessionEvent{Kind: SessionCreated, SessionID: sess.ID, DialogID: d.ID, State: sess.State()})
	c.armEstablishmentDeadline(sess.ID)
	return sess.ID, nil
}

// Answer accepts an incoming call with a 200 OK carrying sdpAnswer.
func (c *Coordinator) Answer(ctx context.Context, id SessionID, sdpAnswer []byte) error {
	return c.syncCmd(ctx, func(co *Coordinator) error { return co.answer(id, sdpAnswer) })
}

func (c *Coordinator) answer(id SessionID, sdpAnswer []byte) error {
	sess, dlg, pend, err := c.sessionDialogPending(id)
	if err != nil {
		return err
	}
	if sess.isTerminal() {
		return ErrAlreadyTerminated
	}
	resp := sip.NewResponse(200, "OK")
	if len(sdpAnswer) > 0 {
		resp.SetBody(sdpAnswer)
		ct := sip.ContentTypeHeader("application/sdp")
		resp.AppendHeader(&ct)
		c.applyLocalMedia(sess, sdpAnswer)
	}
	toHdr, _ := pend.request.To()
	to := sip.ToHeader{Address: toHdr.Address, Params: tagParams(dlg.ID.LocalTag)}
	resp.AppendHeader(&to)
	if from, ok := pend.request.From(); ok {
		resp.AppendHeader(sip.HeaderClone(from))
	}
	if cid, ok := pend.request.CallID(); ok {
		resp.AppendHeader(sip.HeaderClone(cid))
	}
	if cseq, ok := pend.request.CSeq(); ok {
		resp.AppendHeader(sip.HeaderClone(cseq))
	}
	contact := sip.ContactHeader{Address: c.localURI}
	resp.AppendHeader(&contact)

	t, ok := c.tx.Lookup(transaction.KeyFromRequest(pend.request, transaction.RoleServer))
	if !ok {
		return ErrDialogNotFound
	}
	t.SendFinal(context.Background(), resp)
	dlg.State = DialogConfirmed
	c.metrics.dialogsCreated.Inc()
	c.metrics.dialogsActive.Inc()
	return c.transition(sess, evAnswer)
}

// Reject declines an incoming call with the given final status code.
func (c *Coordinator) Reject(ctx context.Context, id SessionID, statusCode int, reason string) error {
	return c.syncCmd(ctx, func(co *Coordinator) error { return co.reject(id, statusCode, reason) })
}

func (c *Coordinator) reject(id SessionID, statusCode int, reason string) error {
	_, _, pend, err := c.sessionDialogPending(id)
	if err != nil {
		return err
	}
	resp := sip.NewResponse(statusCode, reason)
	if from, ok := pend.request.From(); ok {
		resp.AppendHeader(sip.HeaderClone(from))
	}
	if to, ok := pend.request.To(); ok {
		resp.AppendHeader(sip.HeaderClone(to))
	}
	if cid, ok := pend.request.CallID(); ok {
		resp.AppendHeader(sip.HeaderClone(cid))
	}
	if cseq, ok := pend.request.CSeq(); ok {
		resp.AppendHeader(sip.HeaderClone(cseq))
	}
	t, ok := c.tx.Lookup(transaction.KeyFromRequest(pend.request, transaction.RoleServer))
	if !ok {
		return ErrDialogNotFound
	}
	t.SendFinal(context.Background(), resp)
	sess, _ := c.sessions.Get(string(id))
	return c.transition(sess, evFail)
}

// Hold re-INVITEs with a sendonly offer.
func (c *Coordinator) Hold(ctx context.Context, id SessionID) error {
	return c.syncCmd(ctx, func(co *Coordinator) error { return co.reInvite(id, DirSendOnly) })
}

// Resume re-INVITEs with a sendrecv offer.
func (c *Coordinator) Resume(ctx context.Context, id SessionID) error {
	return c.syncCmd(ctx, func(co *Coordinator) error { return co.reInvite(id, DirSendRecv) })
}

func (c *Coordinator) reInvite(id SessionID, dir MediaDirection) error {
	sess, dlg, err := c.sessionDialog(id)
	if err != nil {
		return err
	}
	wantHold := dir != DirSendRecv
	if wantHold && sess.State() != SessionState(StateActive) {
		return ErrInvalidTransition
	}
	if !wantHold && sess.State() != SessionState(StateOnHold) {
		return ErrInvalidTransition
	}
	body := buildHoldSDP(dir)
	req := dlg.buildReInvite(body)
	t, err := c.tx.CreateClientTransaction(context.Background(), req, destinationFor(dlg.RemoteTarget))
	if err != nil {
		return err
	}
	c.pending.Set(t.Key().String(), &pendingTx{kind: pendingReInvite, sessionID: id, request: req, holdAfter: wantHold})
	return nil
}

// SendDTMF sends one DTMF digit via an in-dialog INFO request carrying
// application/dtmf-relay, the de-facto convention most interop stacks use
// when RFC 2833 telephone-event RTP is unavailable.
func (c *Coordinator) SendDTMF(ctx context.Context, id SessionID, digit rune, durationMs int) error {
	return c.syncCmd(ctx, func(co *Coordinator) error { return co.sendDTMF(id, digit, durationMs) })
}

func (c *Coordinator) sendDTMF(id SessionID, digit rune, durationMs int) error {
	_, dlg, err := c.sessionDialog(id)
	if err != nil {
		return err
	}
	req := dlg.BuildRequest(sip.INFO, dlg.NextLocalCSeq())
	ct := sip.ContentTypeHeader("application/dtmf-relay")
	req.AppendHeader(&ct)
	req.SetBody([]byte(fmt.Sprintf("Signal=%c\r\nDuration=%d\r\n", digit, durationMs)))
	t, err := c.tx.CreateClientTransaction(context.Background(), req, destinationFor(dlg.RemoteTarget))
	if err != nil {
		return err
	}
	c.pending.Set(t.Key().String(), &pendingTx{kind: pendingInfo, sessionID: id, request: req})
	return nil
}

// TransferBlind issues a REFER whose Refer-To is target directly.
func (c *Coordinator) TransferBlind(ctx context.Context, id SessionID, target sip.Uri) error {
	return c.syncCmd(ctx, func(co *Coordinator) error { return co.transfer(id, target, TransferBlind, nil) })
}

// TransferAttended issues a REFER whose Refer-To embeds a Replaces
// pointing at the consultation session's dialog.
func (c *Coordinator) TransferAttended(ctx context.Context, primary, consultation SessionID) error {
	return c.syncCmd(ctx, func(co *Coordinator) error {
		consultDlgID, ok := co.dialogOfSession.Get(string(consultation))
		if !ok {
			return ErrSessionNotFound
		}
		consultDlg, ok := co.dialogs.Get(consultDlgID.String())
		if !ok {
			return ErrDialogNotFound
		}
		replaces := &ReplacesInfo{CallID: consultDlg.ID.CallID, ToTag: consultDlg.ID.RemoteTag, FromTag: consultDlg.ID.LocalTag}
		if err := co.transfer(primary, consultDlg.RemoteURI, TransferAttended, replaces); err != nil {
			return err
		}
		sess, _ := co.sessions.Get(string(primary))
		sess.Consultation = &consultation
		consultSess, _ := co.sessions.Get(string(consultation))
		if consultSess != nil {
			consultSess.PrimaryOf = &primary
		}
		return nil
	})
}

func (c *Coordinator) transfer(id SessionID, target sip.Uri, kind TransferKind, replaces *ReplacesInfo) error {
	sess, dlg, err := c.sessionDialog(id)
	if err != nil {
		return err
	}
	if sess.State() != SessionState(StateActive) {
		return ErrInvalidTransition
	}
	req := dlg.buildRefer(target, replaces)
	t, err := c.tx.CreateClientTransaction(context.Background(), req, destinationFor(dlg.RemoteTarget))
	if err != nil {
		return err
	}
	c.pending.Set(t.Key().String(), &pendingTx{kind: pendingRefer, sessionID: id, request: req})
	referKey := dlg.ID.String()
	sub := newReferSubscription(id, kind)
	c.refers.Set(referKey, sub)
	c.metrics.transfersStarted.WithLabelValues(kind.String()).Inc()
	time.AfterFunc(c.cfg.referTimeout(), func() {
		c.enqueueAsync(func(co *Coordinator) {
			if cur, ok := co.refers.Get(referKey); !ok || cur != sub {
				return
			}
			co.refers.Delete(referKey)
			if s, ok := co.sessions.Get(string(id)); ok && co.transition(s, evTransferFailed) == nil {
				co.metrics.transfersResolved.WithLabelValues("failed").Inc()
			}
		})
	})
	return c.transition(sess, evReferSent)
}

// SessionState reports a session's current state, for callers that need a
// point-in-time read rather than waiting on the subscription channel.
func (c *Coordinator) SessionState(ctx context.Context, id SessionID) (SessionState, error) {
	var state SessionState
	err := c.syncCmd(ctx, func(co *Coordinator) error {
		sess, ok := co.sessions.Get(string(id))
		if !ok {
			return ErrSessionNotFound
		}
		state = sess.State()
		return nil
	})
	return state, err
}

// Terminate ends a session: CANCEL if still establishing, BYE if active.
func (c *Coordinator) Terminate(ctx context.Context, id SessionID) error {
	return c.syncCmd(ctx, func(co *Coordinator) error { return co.terminate(id) })
}

func (c *Coordinator) terminate(id SessionID) error {
	sess, dlg, err := c.sessionDialog(id)
	if err != nil {
		return err
	}
	switch sess.State() {
	case SessionState(StateInitiating), SessionState(StateRinging):
		if dlg.ID.early() {
			inv, ok := c.findPendingRequest(id, pendingInvite)
			if ok {
				cancel := buildCancelFor(inv)
				if _, err := c.tx.CreateClientTransaction(context.Background(), cancel, destinationFor(dlg.RemoteURI)); err != nil {
					return err
				}
			}
		}
		return nil
	case SessionState(StateActive), SessionState(StateOnHold):
		req := dlg.buildBye()
		t, err := c.tx.CreateClientTransaction(context.Background(), req, destinationFor(dlg.RemoteTarget))
		if err != nil {
			return err
		}
		c.pending.Set(t.Key().String(), &pendingTx{kind: pendingBye, sessionID: id, request: req})
		return c.transition(sess, evByeStarted)
	default:
		return nil
	}
}

func (c *Coordinator) findPendingRequest(id SessionID, kind pendingKind) (*sip.Request, bool) {
	var found *sip.Request
	c.pending.ForEach(func(_ string, p *pendingTx) {
		if found == nil && p.sessionID == id && p.kind == kind {
			found = p.request
		}
	})
	return found, found != nil
}

func (c *Coordinator) syncCmd(ctx context.Context, fn func(*Coordinator) error) error {
	var callErr error
	reply := make(chan struct{})
	err := c.enqueue(ctx, func(co *Coordinator) {
		defer close(reply)
		callErr = fn(co)
	}, reply)
	if err != nil {
		return err
	}
	return callErr
}

func (c *Coordinator) sessionDialog(id SessionID) (*Session, *Dialog, error) {
	sess, ok := c.sessions.Get(string(id))
	if !ok {
		return nil, nil, ErrSessionNotFound
	}
	dlgID, ok := c.dialogOfSession.Get(string(id))
	if !ok {
		return nil, nil, ErrNoActiveDialog
	}
	dlg, ok := c.dialogs.Get(dlgID.String())
	if !ok {
		return nil, nil, ErrNoActiveDialog
	}
	return sess, dlg, nil
}

func (c *Coordinator) sessionDialogPending(id SessionID) (*Session, *Dialog, *pendingTx, error) {
	sess, dlg, err := c.sessionDialog(id)
	if err != nil {
		return nil, nil, nil, err
	}
	req, ok := c.findPendingRequest(id, pendingInvite)
	if !ok {
		return nil, nil, nil, ErrDialogNotFound
	}
	return sess, dlg, &pendingTx{kind: pendingInvite, sessionID: id, request: req}, nil
}

func (c *Coordinator) transition(sess *Session, event string) error {
	prev := sess.State()
	if err := sess.apply(context.Background(), event); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTransition, err)
	}
	cur := sess.State()
	if cur == prev {
		return nil
	}
	c.metrics.sessionsByState.WithLabelValues(string(prev)).Dec()
	c.metrics.sessionsByState.WithLabelValues(string(cur)).Inc()
	c.broadcast(SessionEvent{Kind: SessionStateChanged, SessionID: sess.ID, State: cur, PrevState: prev})
	return nil
}

func (s SessionState) string() string { return string(s) }

func (c *Coordinator) applyLocalMedia(sess *Session, sdpBody []byte) {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal(sdpBody); err != nil || len(desc.MediaDescriptions) == 0 {
		return
	}
	md := desc.MediaDescriptions[0]
	media := &MediaDescription{Direction: mediaDirectionFromSDP(md)}
	if md.MediaName.Port.Value > 0 {
		media.Port = md.MediaName.Port.Value
	}
	if desc.ConnectionInformation != nil && desc.ConnectionInformation.Address != nil {
		media.ConnectionAddr = desc.ConnectionInformation.Address.Address
	}
	sess.Media = media
	c.broadcast(SessionEvent{Kind: SessionMediaNegotiated, SessionID: sess.ID, Media: media})
}

func buildHoldSDP(dir MediaDirection) []byte {
	return []byte(fmt.Sprintf("v=0\r\no=- 0 0 IN IP4 0.0.0.0\r\ns=-\r\nc=IN IP4 0.0.0.0\r\nt=0 0\r\nm=audio 0 RTP/AVP 0\r\na=%s\r\n", dir))
}

// enqueueAsync hands cmd to the run loop without waiting for it to run;
// used by timers, which have no caller blocked on a reply.
func (c *Coordinator) enqueueAsync(cmd command) {
	select {
	case c.cmds <- cmd:
	case <-c.done:
	}
}

// armEstablishmentDeadline enforces the session-level dialog-
// establishment deadline: no Active within the configured window forces
// the session to Failed.
func (c *Coordinator) armEstablishmentDeadline(id SessionID) {
	time.AfterFunc(c.cfg.establishmentTimeout(), func() {
		c.enqueueAsync(func(co *Coordinator) {
			sess, ok := co.sessions.Get(string(id))
			if !ok || sess.isTerminal() {
				return
			}
			if sess.State() == SessionState(StateInitiating) || sess.State() == SessionState(StateRinging) {
				_ = co.transition(sess, evFail)
			}
		})
	})
}
