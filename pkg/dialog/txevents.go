package dialog

import (
	"context"
	"strings"

	"github.com/emiago/sipgo/sip"
	"github.com/pion/sdp/v3"

	"github.com/arzzra/sipvoice/pkg/transaction"
)

// handleTxEvent is the coordinator's reaction to one transaction-layer
// event. It always runs on the coordinator's own
// goroutine.
func (c *Coordinator) handleTxEvent(ev transaction.Event) {
	switch ev.Kind {
	case transaction.EventNewRequest:
		c.onNewRequest(ev)
	case transaction.EventProvisionalResponse:
		c.onProvisional(ev)
	case transaction.EventSuccessResponse:
		c.onSuccess(ev)
	case transaction.EventFailureResponse:
		c.onFailure(ev)
	case transaction.EventCancelReceived:
		c.onCancelReceived(ev)
	case transaction.EventTransactionTimeout:
		c.onTimeoutOrTransportError(ev, "transaction timeout")
	case transaction.EventTransportError:
		c.onTimeoutOrTransportError(ev, "transport error")
	case transaction.EventStrayAck:
		c.onStrayAck(ev)
	case transaction.EventStrayResponse:
		c.onStrayResponse(ev)
	case transaction.EventAckReceived, transaction.EventStrayCancel:
		c.log.Debug().Str("event", ev.Kind.String()).Msg("no coordinator action")
	}
}

func (c *Coordinator) onNewRequest(ev transaction.Event) {
	req := ev.Request
	switch req.Method {
	case sip.INVITE:
		c.onIncomingInvite(ev)
	case sip.BYE:
		c.onIncomingBye(ev)
	case sip.REFER:
		c.onIncomingRefer(ev)
	case sip.NOTIFY:
		c.onIncomingNotify(ev)
	case sip.INFO:
		c.onIncomingInfo(ev)
	default:
		c.respondServer(ev.Key, 501, "Not Implemented")
	}
}

// onIncomingInvite handles a brand-new INVITE or a re-INVITE on an existing confirmed dialog (To-tag present,
// matching a dialog we already hold).
func (c *Coordinator) onIncomingInvite(ev transaction.Event) {
	req := ev.Request
	to, ok := req.To()
	if !ok {
		c.respondServer(ev.Key, 400, "Bad Request")
		return
	}
	if toTag, hasTag := to.Params.Get("tag"); hasTag {
		c.onReInvite(ev, toTag)
		return
	}

	localTag := transaction.NewTag()
	dlg, err := NewUASDialog(req, localTag, c.localURI)
	if err != nil {
		c.respondServer(ev.Key, 400, "Bad Request")
		return
	}
	sess := newSession(NewSessionID())
	c.dialogs.Set(dlg.ID.String(), dlg)
	c.sessions.Set(string(sess.ID), sess)
	c.dialogOfSession.Set(string(sess.ID), dlg.ID)
	c.pending.Set(ev.Key.String(), &pendingTx{kind: pendingInvite, sessionID: sess.ID, request: req})

	c.broadcast(SessionEvent{Kind: SessionCreated, SessionID: sess.ID, DialogID: dlg.ID, State: sess.State()})
	c.armEstablishmentDeadline(sess.ID)

	ringing := sip.NewResponse(180, "Ringing")
	toRing := sip.ToHeader{Address: to.Address, Params: tagParams(localTag)}
	ringing.AppendHeader(&toRing)
	if from, ok := req.From(); ok {
		ringing.AppendHeader(sip.HeaderClone(from))
	}
	if cid, ok := req.CallID(); ok {
		ringing.AppendHeader(sip.HeaderClone(cid))
	}
	if cseq, ok := req.CSeq(); ok {
		ringing.AppendHeader(sip.HeaderClone(cseq))
	}
	contact := sip.ContactHeader{Address: c.localURI}
	ringing.AppendHeader(&contact)

	if t, ok := c.tx.Lookup(ev.Key); ok {
		t.SendProvisional(context.Background(), ringing)
	}
	_ = c.transition(sess, evProgress)
}

func (c *Coordinator) onReInvite(ev transaction.Event, toTag string) {
	req := ev.Request
	from, _ := req.From()
	fromTag, _ := from.Params.Get("tag")
	callID, _ := req.CallID()
	id := DialogID{CallID: callID.Value(), LocalTag: toTag, RemoteTag: fromTag}
	dlg, ok := c.dialogs.Get(id.String())
	if !ok {
		c.respondServer(ev.Key, 481, "Call/Transaction Does Not Exist")
		return
	}
	cseq, _ := req.CSeq()
	if err := dlg.AcceptRemoteCSeq(req.Method, cseq.SeqNo); err != nil {
		c.respondServer(ev.Key, 500, "Server Internal Error")
		c.metrics.cseqRejected.Inc()
		return
	}

	sess := c.sessionForDialog(id)
	if sess == nil {
		c.respondServer(ev.Key, 481, "Call/Transaction Does Not Exist")
		return
	}

	resp := sip.NewResponse(200, "OK")
	toHdr := sip.ToHeader{Address: to(req), Params: tagParams(toTag)}
	resp.AppendHeader(&toHdr)
	if from, ok := req.From(); ok {
		resp.AppendHeader(sip.HeaderClone(from))
	}
	if cid, ok := req.CallID(); ok {
		resp.AppendHeader(sip.HeaderClone(cid))
	}
	if cs, ok := req.CSeq(); ok {
		resp.AppendHeader(sip.HeaderClone(cs))
	}
	if len(req.Body()) > 0 {
		dir := sdpOfferDirection(req.Body())
		resp.SetBody(buildHoldSDP(invertDirection(dir)))
		ct := sip.ContentTypeHeader("application/sdp")
		resp.AppendHeader(&ct)
		c.applyLocalMedia(sess, req.Body())
		if t, ok := c.tx.Lookup(ev.Key); ok {
			t.SendFinal(context.Background(), resp)
		}
		if dir == DirSendOnly || dir == DirInactive {
			_ = c.transition(sess, evHold)
		} else {
			_ = c.transition(sess, evResume)
		}
		return
	}
	if t, ok := c.tx.Lookup(ev.Key); ok {
		t.SendFinal(context.Background(), resp)
	}
}

func to(req *sip.Request) sip.Uri {
	h, _ := req.To()
	return h.Address
}

func invertDirection(d MediaDirection) MediaDirection {
	switch d {
	case DirSendOnly:
		return DirRecvOnly
	case DirRecvOnly:
		return DirSendOnly
	default:
		return d
	}
}

func (c *Coordinator) sessionForDialog(id DialogID) *Session {
	var found *Session
	c.dialogOfSession.ForEach(func(sid string, dlgID DialogID) {
		if found == nil && dlgID == id {
			s, _ := c.sessions.Get(sid)
			found = s
		}
	})
	return found
}

// onIncomingBye ends a dialog the peer hung up on.
func (c *Coordinator) onIncomingBye(ev transaction.Event) {
	req := ev.Request
	to, _ := req.To()
	toTag, _ := to.Params.Get("tag")
	from, _ := req.From()
	fromTag, _ := from.Params.Get("tag")
	callID, _ := req.CallID()
	id := DialogID{CallID: callID.Value(), LocalTag: toTag, RemoteTag: fromTag}

	dlg, ok := c.dialogs.Get(id.String())
	if !ok {
		c.respondServer(ev.Key, 481, "Call/Transaction Does Not Exist")
		return
	}
	cseq, _ := req.CSeq()
	if err := dlg.AcceptRemoteCSeq(req.Method, cseq.SeqNo); err != nil {
		c.respondServer(ev.Key, 500, "Server Internal Error")
		return
	}
	dlg.State = DialogTerminated
	c.dialogs.Delete(id.String())
	c.metrics.dialogsActive.Dec()

	resp := sip.NewResponse(200, "OK")
	if to, ok := req.To(); ok {
		resp.AppendHeader(sip.HeaderClone(to))
	}
	if from, ok := req.From(); ok {
		resp.AppendHeader(sip.HeaderClone(from))
	}
	if cid, ok := req.CallID(); ok {
		resp.AppendHeader(sip.HeaderClone(cid))
	}
	if cs, ok := req.CSeq(); ok {
		resp.AppendHeader(sip.HeaderClone(cs))
	}
	if t, ok := c.tx.Lookup(ev.Key); ok {
		t.SendFinal(context.Background(), resp)
	}

	sess := c.sessionForDialog(id)
	if sess == nil {
		return
	}
	if sess.State() == SessionState(StateActive) || sess.State() == SessionState(StateOnHold) {
		_ = c.transition(sess, evByeStarted)
	}
	_ = c.transition(sess, evByeDone)
	c.broadcast(SessionEvent{Kind: SessionTerminated, SessionID: sess.ID, DialogID: id})
}

// onIncomingInfo answers an in-dialog INFO (DTMF relay) with 200 OK and
// surfaces a DTMF event if the body parses as application/dtmf-relay.
func (c *Coordinator) onIncomingInfo(ev transaction.Event) {
	req := ev.Request
	sess := c.sessionForIncomingDialogReq(req)
	c.respondServer(ev.Key, 200, "OK")
	if sess == nil {
		return
	}
	if digit, ok := parseDTMFRelay(req.Body()); ok {
		c.broadcast(SessionEvent{Kind: SessionDTMF, SessionID: sess.ID, DTMFDigit: digit})
	}
}

func (c *Coordinator) sessionForIncomingDialogReq(req *sip.Request) *Session {
	to, _ := req.To()
	toTag, _ := to.Params.Get("tag")
	from, _ := req.From()
	fromTag, _ := from.Params.Get("tag")
	callID, _ := req.CallID()
	id := DialogID{CallID: callID.Value(), LocalTag: toTag, RemoteTag: fromTag}
	return c.sessionForDialog(id)
}

// respondServer looks up a server transaction by key and sends a final
// response built from nothing but a status line; used for error paths
// that need no particular header beyond what TL already has from the
// request.
func (c *Coordinator) respondServer(key transaction.Key, code int, reason string) {
	t, ok := c.tx.Lookup(key)
	if !ok {
		return
	}
	resp := sip.NewResponse(code, reason)
	if code/100 == 1 {
		t.SendProvisional(context.Background(), resp)
		return
	}
	t.SendFinal(context.Background(), resp)
}

// onProvisional/onSuccess/onFailure handle responses to client
// transactions the coordinator itself originated.
func (c *Coordinator) onProvisional(ev transaction.Event) {
	pend, ok := c.pending.Get(ev.Key.String())
	if !ok || pend.kind != pendingInvite {
		return
	}
	sess, ok := c.sessions.Get(string(pend.sessionID))
	if !ok {
		return
	}
	dlgID, ok := c.dialogOfSession.Get(string(pend.sessionID))
	if !ok {
		return
	}
	dlg, ok := c.dialogs.Get(dlgID.String())
	if !ok {
		return
	}
	if to, ok := ev.Response.To(); ok {
		if tag, hasTag := to.Params.Get("tag"); hasTag && dlg.ID.RemoteTag == "" {
			_ = dlg.ConfirmFromResponse(ev.Response)
			c.dialogs.Delete(dlgID.String())
			dlg.ID.RemoteTag = tag
			c.dialogs.Set(dlg.ID.String(), dlg)
			c.dialogOfSession.Set(string(pend.sessionID), dlg.ID)
		}
	}
	c.sendReferNotifyIfTarget(pend.sessionID, ev.Response.StatusCode, ev.Response.Reason, false)
	_ = c.transition(sess, evProgress)
}

func (c *Coordinator) onSuccess(ev transaction.Event) {
	pend, ok := c.pending.Get(ev.Key.String())
	if !ok {
		return
	}
	sess, ok := c.sessions.Get(string(pend.sessionID))
	if !ok {
		return
	}
	switch pend.kind {
	case pendingInvite:
		c.onInviteSuccess(ev, sess, pend)
		// pend is kept in c.pending rather than deleted here: a forked
		// call (RFC 3261 §12.1.2) delivers more 2xx responses with other
		// To-tags after this INVITE's client transaction has already
		// terminated and been reaped, so they arrive as
		// transaction.EventStrayResponse and need this entry to build
		// their own dialog/session (see onStrayResponse).
		return
	case pendingReInvite:
		if pend.holdAfter {
			_ = c.transition(sess, evHold)
		} else {
			_ = c.transition(sess, evResume)
		}
	case pendingBye:
		_ = c.transition(sess, evByeDone)
		c.broadcast(SessionEvent{Kind: SessionTerminated, SessionID: sess.ID})
	case pendingRefer:
		// 2xx on REFER itself (202 Accepted normally arrives here too);
		// the transfer's real outcome comes from NOTIFY, tracked by the
		// ReferSubscription keyed on the dialog.
	case pendingInfo:
	}
	c.pending.Delete(ev.Key.String())
}

func (c *Coordinator) onInviteSuccess(ev transaction.Event, sess *Session, pend *pendingTx) {
	dlgID, ok := c.dialogOfSession.Get(string(pend.sessionID))
	if !ok {
		return
	}
	dlg, ok := c.dialogs.Get(dlgID.String())
	if !ok {
		return
	}
	if err := dlg.ConfirmFromResponse(ev.Response); err != nil {
		return
	}
	c.dialogs.Delete(dlgID.String())
	c.dialogs.Set(dlg.ID.String(), dlg)
	c.dialogOfSession.Set(string(pend.sessionID), dlg.ID)
	c.metrics.dialogsCreated.Inc()
	c.metrics.dialogsActive.Inc()

	ack := dlg.BuildRequest(sip.ACK, dlg.CurrentLocalCSeq())
	_ = c.tx.SendStandalone(context.Background(), ack, destinationFor(dlg.RemoteTarget))

	if len(ev.Response.Body()) > 0 {
		c.applyLocalMedia(sess, ev.Response.Body())
	}
	c.sendReferNotifyIfTarget(sess.ID, ev.Response.StatusCode, ev.Response.Reason, true)
	_ = c.transition(sess, evAnswer)
}

// onStrayResponse handles a response the transaction layer could not match
// to any live transaction. The only case worth acting on here is a further
// 2xx final response to an INVITE whose client transaction already
// terminated: a forking proxy (RFC 3261 §12.1.2) can still deliver more
// 2xx responses, each with its own To-tag, after the one that answered
// first. Every other stray response is logged and dropped, same as before.
func (c *Coordinator) onStrayResponse(ev transaction.Event) {
	resp := ev.Response
	if resp == nil || resp.StatusCode/100 != 2 {
		c.log.Debug().Str("event", ev.Kind.String()).Msg("no coordinator action")
		return
	}
	cseq, ok := resp.CSeq()
	if !ok || cseq.MethodName != sip.INVITE {
		c.log.Debug().Str("event", ev.Kind.String()).Msg("no coordinator action")
		return
	}
	key, ok := transaction.KeyFromResponse(resp)
	if !ok {
		return
	}
	pend, ok := c.pending.Get(key.String())
	if !ok || pend.kind != pendingInvite {
		c.log.Debug().Str("event", ev.Kind.String()).Msg("no coordinator action")
		return
	}
	c.onForkedInviteSuccess(resp, pend)
}

// onForkedInviteSuccess builds (or re-acknowledges) the dialog/session for
// one branch of a forked INVITE. Dialogs are keyed on (Call-ID, local tag,
// To-tag), so a To-tag this coordinator has not seen before always means a
// new forked branch rather than a retransmission of one already confirmed.
func (c *Coordinator) onForkedInviteSuccess(resp *sip.Response, pend *pendingTx) {
	primaryDlgID, ok := c.dialogOfSession.Get(string(pend.sessionID))
	if !ok {
		return
	}
	primaryDlg, ok := c.dialogs.Get(primaryDlgID.String())
	if !ok {
		return
	}
	to, ok := resp.To()
	if !ok {
		return
	}
	toTag, ok := to.Params.Get("tag")
	if !ok {
		return
	}
	from, ok := resp.From()
	if !ok {
		return
	}
	fromTag, _ := from.Params.Get("tag")
	callID, ok := resp.CallID()
	if !ok {
		return
	}
	branchID := DialogID{CallID: callID.Value(), LocalTag: fromTag, RemoteTag: toTag}

	if existing, ok := c.dialogs.Get(branchID.String()); ok {
		// Retransmission of a 2xx already confirmed, for the primary
		// branch or one already forked. The transaction layer does not
		// absorb ACK for a 2xx, so it must be resent every time.
		ack := existing.BuildRequest(sip.ACK, existing.CurrentLocalCSeq())
		_ = c.tx.SendStandalone(context.Background(), ack, destinationFor(existing.RemoteTarget))
		return
	}

	forked := NewUACDialog(primaryDlg.ID.CallID, primaryDlg.ID.LocalTag, primaryDlg.LocalURI, primaryDlg.RemoteURI)
	if err := forked.ConfirmFromResponse(resp); err != nil {
		return
	}
	c.dialogs.Set(forked.ID.String(), forked)
	c.metrics.dialogsCreated.Inc()
	c.metrics.dialogsActive.Inc()

	sess := newSession(NewSessionID())
	c.sessions.Set(string(sess.ID), sess)
	c.dialogOfSession.Set(string(sess.ID), forked.ID)
	c.metrics.sessionsByState.WithLabelValues(sess.State().string()).Inc()
	c.broadcast(SessionEvent{Kind: SessionCreated, SessionID: sess.ID, DialogID: forked.ID, State: sess.State()})

	ack := forked.BuildRequest(sip.ACK, forked.CurrentLocalCSeq())
	_ = c.tx.SendStandalone(context.Background(), ack, destinationFor(forked.RemoteTarget))

	if len(resp.Body()) > 0 {
		c.applyLocalMedia(sess, resp.Body())
	}
	_ = c.transition(sess, evAnswer)
}

func (c *Coordinator) onFailure(ev transaction.Event) {
	pend, ok := c.pending.Get(ev.Key.String())
	if !ok {
		return
	}
	c.pending.Delete(ev.Key.String())
	sess, ok := c.sessions.Get(string(pend.sessionID))
	if !ok {
		return
	}
	switch pend.kind {
	case pendingInvite:
		code, reason := 500, "Internal Error"
		if ev.Response != nil {
			code, reason = ev.Response.StatusCode, ev.Response.Reason
		}
		c.sendReferNotifyIfTarget(sess.ID, code, reason, true)
		_ = c.transition(sess, evFail)
		c.broadcast(SessionEvent{Kind: SessionTerminated, SessionID: sess.ID, TerminateErr: ErrInvalidTransition})
	case pendingReInvite:
		// A rejected re-INVITE leaves the session in its current state
		// (hold/resume attempt simply did not happen); nothing to revert.
	case pendingBye:
		_ = c.transition(sess, evByeDone)
		c.broadcast(SessionEvent{Kind: SessionTerminated, SessionID: sess.ID})
	case pendingRefer:
		_ = c.transition(sess, evTransferFailed)
		c.metrics.transfersResolved.WithLabelValues("failed").Inc()
	}
}

// sendReferNotifyIfTarget reports a referred-to call's progress to the
// peer that sent the original REFER, if sessID is one.
func (c *Coordinator) sendReferNotifyIfTarget(sessID SessionID, statusCode int, reason string, final bool) {
	origID, ok := c.referTargets.Get(string(sessID))
	if !ok {
		return
	}
	origDlg, ok := c.dialogs.Get(origID.String())
	if !ok {
		c.referTargets.Delete(string(sessID))
		return
	}
	state := "active"
	if final {
		state = "terminated;reason=noresource"
	}
	notifyReq := origDlg.buildNotify(statusCode, reason, state)
	t, err := c.tx.CreateClientTransaction(context.Background(), notifyReq, destinationFor(origDlg.RemoteTarget))
	if err == nil {
		c.pending.Set(t.Key().String(), &pendingTx{kind: pendingNotify, sessionID: sessID, request: notifyReq})
	}
	if final {
		c.referTargets.Delete(string(sessID))
	}
}

// onCancelReceived answers the CANCEL itself with 200 OK (it has no
// transaction of its own in this design, so the response goes straight
// to the transport) and the INVITE with 487 via its server transaction.
func (c *Coordinator) onCancelReceived(ev transaction.Event) {
	cancelOK := sip.NewResponse(200, "OK")
	if via, ok := ev.Request.Via(); ok {
		cancelOK.AppendHeader(via.Clone())
	}
	if from, ok := ev.Request.From(); ok {
		cancelOK.AppendHeader(sip.HeaderClone(from))
	}
	if to, ok := ev.Request.To(); ok {
		cancelOK.AppendHeader(sip.HeaderClone(to))
	}
	if cid, ok := ev.Request.CallID(); ok {
		cancelOK.AppendHeader(sip.HeaderClone(cid))
	}
	if cs, ok := ev.Request.CSeq(); ok {
		cancelOK.AppendHeader(sip.HeaderClone(cs))
	}
	_ = c.tx.SendStandalone(context.Background(), cancelOK, ev.Peer)

	c.respondServer(ev.Key, 487, "Request Terminated")

	pend, ok := c.pending.Get(ev.Key.String())
	if !ok {
		return
	}
	sess, ok := c.sessions.Get(string(pend.sessionID))
	if !ok {
		return
	}
	_ = c.transition(sess, evFail)
}

func (c *Coordinator) onTimeoutOrTransportError(ev transaction.Event, reason string) {
	pend, ok := c.pending.Get(ev.Key.String())
	if !ok {
		return
	}
	c.pending.Delete(ev.Key.String())
	sess, ok := c.sessions.Get(string(pend.sessionID))
	if !ok {
		return
	}
	c.log.Warn().Str("session", string(sess.ID)).Str("reason", reason).Msg("client transaction failed")
	switch pend.kind {
	case pendingInvite:
		_ = c.transition(sess, evFail)
		c.broadcast(SessionEvent{Kind: SessionTerminated, SessionID: sess.ID})
	case pendingBye:
		_ = c.transition(sess, evByeDone)
		c.broadcast(SessionEvent{Kind: SessionTerminated, SessionID: sess.ID})
	case pendingRefer:
		_ = c.transition(sess, evTransferFailed)
		c.metrics.transfersResolved.WithLabelValues("failed").Inc()
	}
}

// onStrayAck matches an ACK-for-2xx against the dialog it confirms, per
// the INVITE server transaction is already gone by the
// time this ACK arrives, so only DSC can recognize it.
func (c *Coordinator) onStrayAck(ev transaction.Event) {
	req := ev.Request
	to, _ := req.To()
	toTag, _ := to.Params.Get("tag")
	from, _ := req.From()
	fromTag, _ := from.Params.Get("tag")
	callID, _ := req.CallID()
	id := DialogID{CallID: callID.Value(), LocalTag: fromTag, RemoteTag: toTag}
	if _, ok := c.dialogs.Get(id.String()); !ok {
		id = DialogID{CallID: callID.Value(), LocalTag: toTag, RemoteTag: fromTag}
	}
	if _, ok := c.dialogs.Get(id.String()); !ok {
		return
	}
	sess := c.sessionForDialog(id)
	if sess == nil {
		return
	}
	_ = c.transition(sess, evAnswer)
}

// parseReferTo extracts the target URI and, if present, the embedded
// Replaces info from a REFER's Refer-To header. The
// Replaces value travels as a URI header on the Refer-To URI itself
// (RFC 3891 §3), escaped the way buildRefer wrote it.
func parseReferTo(req *sip.Request) (sip.Uri, *ReplacesInfo, error) {
	h := req.GetHeader("Refer-To")
	if h == nil {
		return sip.Uri{}, nil, ErrBadReferTo
	}
	raw := strings.TrimSpace(h.Value())
	raw = strings.TrimPrefix(raw, "<")
	raw = strings.TrimSuffix(raw, ">")

	var target sip.Uri
	if err := sip.ParseUri(raw, &target); err != nil {
		return sip.Uri{}, nil, ErrBadReferTo
	}
	var replaces *ReplacesInfo
	if val, ok := target.Headers.Get("Replaces"); ok {
		replaces = parseReplacesValue(val)
	}
	return target, replaces, nil
}

// onIncomingRefer accepts a REFER (202 Accepted, RFC 3515 §2.4.2) and
// dials the referred-to target, tracking the new call's progress via
// referTargets so its outcome can be NOTIFYed back.
func (c *Coordinator) onIncomingRefer(ev transaction.Event) {
	req := ev.Request
	sess := c.sessionForIncomingDialogReq(req)
	if sess == nil {
		c.respondServer(ev.Key, 481, "Call/Transaction Does Not Exist")
		return
	}
	target, replaces, err := parseReferTo(req)
	if err != nil {
		c.respondServer(ev.Key, 400, "Bad Request")
		return
	}
	c.respondServer(ev.Key, 202, "Accepted")

	newID, callErr := c.makeCallWithReplaces(context.Background(), target, nil, replaces)
	if callErr != nil {
		return
	}
	dlgID, ok := c.dialogOfSession.Get(string(sess.ID))
	if !ok {
		return
	}
	c.referTargets.Set(string(newID), dlgID)
}

// onIncomingNotify drives the ReferSubscription matching the NOTIFY's
// dialog with the sipfrag body's reported status. A
// terminal 2xx completes the transfer: the transferor's own leg hangs
// up via BYE and the session moves to Terminated.
func (c *Coordinator) onIncomingNotify(ev transaction.Event) {
	req := ev.Request
	c.respondServer(ev.Key, 200, "OK")

	to, _ := req.To()
	toTag, _ := to.Params.Get("tag")
	from, _ := req.From()
	fromTag, _ := from.Params.Get("tag")
	callID, _ := req.CallID()
	id := DialogID{CallID: callID.Value(), LocalTag: toTag, RemoteTag: fromTag}

	sub, ok := c.refers.Get(id.String())
	if !ok {
		return
	}
	sess, ok := c.sessions.Get(string(sub.PrimarySession))
	if !ok {
		return
	}
	progress, final := sub.applyNotify(req.Body())
	c.broadcast(SessionEvent{Kind: SessionTransferProgress, SessionID: sess.ID, Transfer: &progress})
	if !final {
		return
	}
	c.refers.Delete(id.String())
	if progress.StatusCode >= 200 && progress.StatusCode < 300 {
		_ = c.transition(sess, evTransferOK)
		c.metrics.transfersResolved.WithLabelValues("succeeded").Inc()
		if dlg, ok := c.dialogs.Get(id.String()); ok {
			bye := dlg.buildBye()
			if t, err := c.tx.CreateClientTransaction(context.Background(), bye, destinationFor(dlg.RemoteTarget)); err == nil {
				c.pending.Set(t.Key().String(), &pendingTx{kind: pendingBye, sessionID: sess.ID, request: bye})
			}
		}
		c.broadcast(SessionEvent{Kind: SessionTerminated, SessionID: sess.ID})
		return
	}
	_ = c.transition(sess, evTransferFailed)
	c.metrics.transfersResolved.WithLabelValues("failed").Inc()
}

// parseDTMFRelay extracts the signal digit from an application/dtmf-relay
// INFO body ("Signal=X\r\nDuration=...\r\n", the de-facto convention
// sendDTMF writes).
func parseDTMFRelay(body []byte) (rune, bool) {
	for _, line := range strings.Split(string(body), "\n") {
		line = strings.TrimSpace(line)
		if val, ok := strings.CutPrefix(line, "Signal="); ok {
			val = strings.TrimSpace(val)
			if val == "" {
				return 0, false
			}
			return rune(val[0]), true
		}
	}
	return 0, false
}

// sdpOfferDirection parses the direction attribute of the first media
// line in an inbound SDP offer, mirroring mediaDirectionFromSDP for the
// body of a re-INVITE rather than an already-unmarshaled description.
func sdpOfferDirection(body []byte) MediaDirection {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal(body); err != nil || len(desc.MediaDescriptions) == 0 {
		return DirSendRecv
	}
	return mediaDirectionFromSDP(desc.MediaDescriptions[0])
}
