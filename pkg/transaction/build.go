package transaction

import "github.com/emiago/sipgo/sip"

// buildAck constructs the ACK TL sends for a non-2xx final response on an
// INVITE client transaction ("send ACK (built from the
// original request by TL, not via DSC)"). The 2xx-ACK case belongs to the
// dialog layer, which has the route set and remote target needed to build
// an in-dialog request; this one only ever answers the same transaction's
// own final response, so it reuses the INVITE's Via/From/Call-ID/CSeq and
// Route (or the response's Record-Route when the INVITE had none), and
// copies To, with the remote tag, from the response.
func buildAck(invite *sip.Request, resp *sip.Response) *sip.Request {
	ack := sip.NewRequest(sip.ACK, *invite.Recipient.Clone())
	ack.SipVersion = invite.SipVersion

	sip.CopyHeaders("Via", invite, ack)
	if len(invite.GetHeaders("Route")) > 0 {
		sip.CopyHeaders("Route", invite, ack)
	} else {
		hdrs := resp.GetHeaders("Record-Route")
		for i := len(hdrs) - 1; i >= 0; i-- {
			ack.AppendHeader(sip.HeaderClone(hdrs[i]))
		}
	}

	ack.AppendHeader(&sip.GenericHeader{HeaderName: "Max-Forwards", Contents: "70"})
	if h, ok := invite.From(); ok {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h, ok := resp.To(); ok {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h, ok := invite.CallID(); ok {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h, ok := invite.CSeq(); ok {
		clone := sip.HeaderClone(h).(*sip.CSeq)
		clone.MethodName = sip.ACK
		ack.AppendHeader(clone)
	}

	ack.SetTransport(invite.Transport())
	ack.SetSource(invite.Source())
	ack.Laddr = invite.Laddr
	return ack
}

// buildCancel constructs a CANCEL that aborts a still-outstanding INVITE
// client transaction; nothing in this package calls it. It shares the
// branch (same top Via) so the
// CANCEL matches the INVITE server transaction it targets.
func buildCancel(invite *sip.Request) *sip.Request {
	cancel := sip.NewRequest(sip.CANCEL, invite.Recipient)
	cancel.SipVersion = invite.SipVersion

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

	cancel.SetTransport(invite.Transport())
	cancel.SetSource(invite.Source())
	cancel.SetDestination(invite.Destination())
	return cancel
}
