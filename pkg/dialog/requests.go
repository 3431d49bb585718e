package dialog

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/emiago/sipgo/sip"
)

// ReplacesInfo identifies the consultation dialog an attended transfer's
// Refer-To embeds.
type ReplacesInfo struct {
	CallID    string
	ToTag     string
	FromTag   string
	EarlyOnly bool
}

// replacesHeaderValue renders a ReplacesInfo as an RFC 3891 Replaces
// value: "call-id;to-tag=X;from-tag=Y[;early-only]".
func replacesHeaderValue(r ReplacesInfo) string {
	v := fmt.Sprintf("%s;to-tag=%s;from-tag=%s", r.CallID, r.ToTag, r.FromTag)
	if r.EarlyOnly {
		v += ";early-only"
	}
	return v
}

// parseReplacesValue parses a (URL-escaped, as embedded in a Refer-To
// URI's header params) Replaces value back into a ReplacesInfo.
func parseReplacesValue(escaped string) *ReplacesInfo {
	raw, err := url.QueryUnescape(escaped)
	if err != nil {
		raw = escaped
	}
	parts := strings.Split(raw, ";")
	if len(parts) == 0 {
		return nil
	}
	info := &ReplacesInfo{CallID: parts[0]}
	for _, p := range parts[1:] {
		switch {
		case strings.HasPrefix(p, "to-tag="):
			info.ToTag = strings.TrimPrefix(p, "to-tag=")
		case strings.HasPrefix(p, "from-tag="):
			info.FromTag = strings.TrimPrefix(p, "from-tag=")
		case p == "early-only":
			info.EarlyOnly = true
		}
	}
	return info
}

// buildBye constructs the BYE that ends a confirmed dialog.
func (d *Dialog) buildBye() *sip.Request {
	return d.BuildRequest(sip.BYE, d.NextLocalCSeq())
}

// buildReInvite constructs a re-INVITE carrying a new SDP offer, used to
// put the dialog on hold, resume it, or renegotiate media generally.
func (d *Dialog) buildReInvite(body []byte) *sip.Request {
	req := d.BuildRequest(sip.INVITE, d.NextLocalCSeq())
	req.SetBody(body)
	ct := sip.ContentTypeHeader("application/sdp")
	req.AppendHeader(&ct)
	return req
}

// buildRefer constructs a REFER for blind or attended transfer.
// replaces is nil for blind transfer.
func (d *Dialog) buildRefer(target sip.Uri, replaces *ReplacesInfo) *sip.Request {
	req := d.BuildRequest(sip.REFER, d.NextLocalCSeq())
	referTo := target
	if replaces != nil {
		referTo.Headers = referTo.Headers.Add("Replaces", url.QueryEscape(replacesHeaderValue(*replaces)))
	}
	req.AppendHeader(&sip.GenericHeader{HeaderName: "Refer-To", Contents: fmt.Sprintf("<%s>", referTo.String())})
	req.AppendHeader(&sip.GenericHeader{HeaderName: "Referred-By", Contents: fmt.Sprintf("<%s>", d.LocalURI.String())})
	return req
}

// buildNotify constructs a NOTIFY carrying a sipfrag body reporting the
// progress of a REFER-initiated transfer.
func (d *Dialog) buildNotify(statusCode int, reason string, subscriptionState string) *sip.Request {
	req := d.BuildRequest(sip.NOTIFY, d.NextLocalCSeq())
	req.AppendHeader(&sip.GenericHeader{HeaderName: "Event", Contents: "refer"})
	req.AppendHeader(&sip.GenericHeader{HeaderName: "Subscription-State", Contents: subscriptionState})
	ct := sip.ContentTypeHeader("message/sipfrag")
	req.AppendHeader(&ct)
	req.SetBody([]byte(fmt.Sprintf("SIP/2.0 %d %s\r\n", statusCode, reason)))
	return req
}
