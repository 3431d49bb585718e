package dialog

import (
	"fmt"
	"sync/atomic"

	"github.com/emiago/sipgo/sip"

	"github.com/arzzra/sipvoice/pkg/transaction"
)

// DialogState tracks a dialog's own lifecycle, separate
// from the richer application-facing SessionState.
type DialogState int

const (
	DialogEarly DialogState = iota
	DialogConfirmed
	DialogTerminated
)

func (s DialogState) String() string {
	switch s {
	case DialogEarly:
		return "Early"
	case DialogConfirmed:
		return "Confirmed"
	default:
		return "Terminated"
	}
}

// Dialog is a persistent peer relationship built by a dialog-creating
// request. It is owned exclusively by the Coordinator's
// single task; nothing here needs its own lock.
type Dialog struct {
	ID DialogID

	LocalURI  sip.Uri
	RemoteURI sip.Uri

	// RemoteTarget is the peer's Contact URI; requests inside the dialog
	// target it.
	RemoteTarget sip.Uri

	// RouteSet is frozen at establishment: Record-Route, reversed for the
	// UAC side or taken in request order for the UAS side.
	RouteSet []sip.Uri

	Secure bool
	State  DialogState

	localCSeq  uint32
	remoteCSeq uint32
	remoteSet  bool
}

// NewUACDialog builds the early dialog a UAC records before sending its
// INVITE: local tag, Call-ID, and local CSeq seeded at 1, matching the
// CSeq the INVITE itself already carries.
func NewUACDialog(callID, localTag string, localURI, remoteURI sip.Uri) *Dialog {
	return &Dialog{
		ID:        DialogID{CallID: callID, LocalTag: localTag},
		LocalURI:  localURI,
		RemoteURI: remoteURI,
		State:     DialogEarly,
		localCSeq: 1,
	}
}

// NewUASDialog builds the early dialog a UAS records when it allocates
// its own local tag for an incoming INVITE. The route set is derived from
// Record-Route in the request, order preserved.
func NewUASDialog(req *sip.Request, localTag string, localURI sip.Uri) (*Dialog, error) {
	callID, ok := req.CallID()
	if !ok {
		return nil, fmt.Errorf("%w: request has no Call-ID", ErrMalformedDialogSource)
	}
	from, ok := req.From()
	if !ok {
		return nil, fmt.Errorf("%w: request has no From", ErrMalformedDialogSource)
	}
	remoteTag, _ := from.Params.Get("tag")

	d := &Dialog{
		ID:         DialogID{CallID: callID.Value(), LocalTag: localTag, RemoteTag: remoteTag},
		LocalURI:   localURI,
		RemoteURI:  from.Address,
		State:      DialogEarly,
		remoteCSeq: 0,
	}
	if contact, ok := req.Contact(); ok {
		d.RemoteTarget = contact.Address
	}
	d.RouteSet = recordRouteURIs(req, false)
	return d, nil
}

// ConfirmFromResponse records the remote tag, remote target and (once)
// the frozen route set from a tagged response to the dialog's INVITE. A
// 2xx moves the dialog to confirmed; a 1xx leaves it early.
func (d *Dialog) ConfirmFromResponse(resp *sip.Response) error {
	to, ok := resp.To()
	if !ok {
		return fmt.Errorf("%w: response has no To", ErrMalformedDialogSource)
	}
	remoteTag, ok := to.Params.Get("tag")
	if !ok {
		return fmt.Errorf("%w: dialog-forming response has no To-tag", ErrMalformedDialogSource)
	}
	d.ID.RemoteTag = remoteTag
	if contact, ok := resp.Contact(); ok {
		d.RemoteTarget = contact.Address
	}
	if d.RouteSet == nil {
		d.RouteSet = recordRouteURIs(resp, true)
	}
	if resp.StatusCode/100 == 2 {
		d.State = DialogConfirmed
	}
	return nil
}

// recordRouteURIs collects Record-Route hops from a message in header
// order, optionally reversed.
func recordRouteURIs(msg sip.Message, reverse bool) []sip.Uri {
	var uris []sip.Uri
	for _, h := range msg.GetHeaders("Record-Route") {
		for rr, ok := h.(*sip.RecordRouteHeader); ok && rr != nil; rr = rr.Next {
			uris = append(uris, rr.Address)
			if rr.Next == nil {
				break
			}
		}
	}
	if reverse {
		for i, j := 0, len(uris)-1; i < j; i, j = i+1, j-1 {
			uris[i], uris[j] = uris[j], uris[i]
		}
	}
	return uris
}

// NextLocalCSeq returns the next CSeq number this endpoint must use for a
// request it originates in this dialog, and advances the counter.
func (d *Dialog) NextLocalCSeq() uint32 {
	return atomic.AddUint32(&d.localCSeq, 1)
}

// CurrentLocalCSeq returns the last CSeq issued, for building ACK/CANCEL
// which must reuse the INVITE's number rather than advance it.
func (d *Dialog) CurrentLocalCSeq() uint32 {
	return atomic.LoadUint32(&d.localCSeq)
}

// AcceptRemoteCSeq enforces strict CSeq ordering: a received request's CSeq
// must be strictly greater than remote_cseq, except ACK and CANCEL which
// are exempt and carry the number of the request they accompany.
func (d *Dialog) AcceptRemoteCSeq(method sip.RequestMethod, seq uint32) error {
	if method == sip.ACK || method == sip.CANCEL {
		return nil
	}
	if d.remoteSet && seq <= d.remoteCSeq {
		return ErrCSeqOutOfOrder
	}
	d.remoteCSeq = seq
	d.remoteSet = true
	return nil
}

// BuildRequest constructs an in-dialog request:
// Request-URI is the remote target, From/To carry the local/remote URIs
// and tags, the route set is applied (loose by default, strict if the
// first hop lacks the `lr` parameter), and the Via branch is fresh.
func (d *Dialog) BuildRequest(method sip.RequestMethod, cseq uint32) *sip.Request {
	recipient := d.RemoteTarget
	if recipient.Host == "" {
		recipient = d.RemoteURI
	}

	routeSet := d.RouteSet
	strict := len(routeSet) > 0 && !hasLrParam(routeSet[0])
	if strict {
		recipient, routeSet = routeSet[0], append(append([]sip.Uri{}, routeSet[1:]...), d.RemoteTarget)
	}

	req := sip.NewRequest(method, recipient)
	req.AppendHeader(&sip.FromHeader{Address: d.LocalURI, Params: tagParams(d.ID.LocalTag)})
	req.AppendHeader(&sip.ToHeader{Address: d.RemoteURI, Params: tagParams(d.ID.RemoteTag)})
	callID := sip.CallID(d.ID.CallID)
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeq{SeqNo: cseq, MethodName: method})
	req.AppendHeader(&sip.ViaHeader{
		ProtocolName:    "SIP",
		ProtocolVersion: "2.0",
		Transport:       "UDP",
		Params:          singleParam("branch", transaction.NewBranch()),
	})
	for _, hop := range routeSet {
		req.AppendHeader(&sip.RouteHeader{Address: hop})
	}
	req.AppendHeader(&sip.GenericHeader{HeaderName: "Max-Forwards", Contents: "70"})
	return req
}

func hasLrParam(u sip.Uri) bool {
	_, ok := u.UriParams.Get("lr")
	return ok
}

func tagParams(tag string) sip.HeaderParams {
	if tag == "" {
		return sip.HeaderParams{}
	}
	return singleParam("tag", tag)
}

// singleParam builds a one-entry HeaderParams set. sip.HeaderParams.Add has
// a pointer receiver, so it can't be called on a bare composite literal;
// this gives it an addressable home.
func singleParam(key, val string) sip.HeaderParams {
	p := sip.NewParams()
	p.Add(key, val)
	return p
}
