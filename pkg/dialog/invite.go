package dialog

import (
	"github.com/emiago/sipgo/sip"

	"github.com/arzzra/sipvoice/pkg/transaction"
)

// buildInitialInvite constructs the INVITE a UAC sends to create a dialog.
// The dialog itself is recorded by the caller from the same (callID,
// localTag) before sending.
func buildInitialInvite(localURI, targetURI sip.Uri, callID, localTag string, body []byte) *sip.Request {
	req := sip.NewRequest(sip.INVITE, targetURI)
	req.AppendHeader(&sip.ViaHeader{
		ProtocolName:    "SIP",
		ProtocolVersion: "2.0",
		Transport:       "UDP",
		Params:          singleParam("branch", transaction.NewBranch()),
	})
	req.AppendHeader(&sip.FromHeader{Address: localURI, Params: tagParams(localTag)})
	req.AppendHeader(&sip.ToHeader{Address: targetURI})
	cid := sip.CallID(callID)
	req.AppendHeader(&cid)
	req.AppendHeader(&sip.CSeq{SeqNo: 1, MethodName: sip.INVITE})
	req.AppendHeader(&sip.ContactHeader{Address: localURI})
	req.AppendHeader(&sip.GenericHeader{HeaderName: "Max-Forwards", Contents: "70"})
	if len(body) > 0 {
		req.SetBody(body)
		ct := sip.ContentTypeHeader("application/sdp")
		req.AppendHeader(&ct)
	}
	return req
}

// buildCancelFor constructs the CANCEL for a still-outstanding INVITE the
// coordinator itself originated ("issues ... CANCEL
// (if Initiating/Ringing as UAC)"). It shares the INVITE's branch, From,
// To, Call-ID, and CSeq number so it matches the same server transaction.
func buildCancelFor(invite *sip.Request) *sip.Request {
	cancel := sip.NewRequest(sip.CANCEL, invite.Recipient)
	if via, ok := invite.Via(); ok {
		cancel.AppendHeader(via.Clone())
	}
	sip.CopyHeaders("Route", invite, cancel)
	cancel.AppendHeader(&sip.GenericHeader{HeaderName: "Max-Forwards", Contents: "70"})
	if h, ok := invite.From(); ok {
		cancel.AppendHeader(sip.HeaderClone(h))
	}
	if h, ok := invite.To(); ok {
		cancel.AppendHeader(sip.HeaderClone(h))
	}
	if h, ok := invite.CallID(); ok {
		cancel.AppendHeader(sip.HeaderClone(h))
	}
	if h, ok := invite.CSeq(); ok {
		clone := sip.HeaderClone(h).(*sip.CSeq)
		clone.MethodName = sip.CANCEL
		cancel.AppendHeader(clone)
	}
	return cancel
}
