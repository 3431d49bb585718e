package dialog

import (
	"net/url"
	"testing"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReplacesHeaderValueRoundTrips(t *testing.T) {
	info := ReplacesInfo{CallID: "call-1", ToTag: "to-1", FromTag: "from-1"}
	encoded := replacesHeaderValue(info)
	assert.Equal(t, "call-1;to-tag=to-1;from-tag=from-1", encoded)

	parsed := parseReplacesValue(encoded)
	require.NotNil(t, parsed)
	assert.Equal(t, info, *parsed)
}

func TestReplacesHeaderValueIncludesEarlyOnly(t *testing.T) {
	info := ReplacesInfo{CallID: "call-2", ToTag: "to-2", FromTag: "from-2", EarlyOnly: true}
	encoded := replacesHeaderValue(info)
	assert.Contains(t, encoded, ";early-only")

	parsed := parseReplacesValue(encoded)
	require.NotNil(t, parsed)
	assert.True(t, parsed.EarlyOnly)
}

func TestParseReplacesValueHandlesURLEscaping(t *testing.T) {
	info := ReplacesInfo{CallID: "call-3@host.example", ToTag: "t", FromTag: "f"}
	escaped := url.QueryEscape(replacesHeaderValue(info))

	parsed := parseReplacesValue(escaped)
	require.NotNil(t, parsed)
	assert.Equal(t, "call-3@host.example", parsed.CallID)
}

func newEstablishedDialog() *Dialog {
	d := NewUACDialog("call-internal", "alice-tag", sip.Uri{User: "alice", Host: "127.0.0.1", Port: 5060}, sip.Uri{User: "bob", Host: "127.0.0.2", Port: 5060})
	d.ID.RemoteTag = "bob-tag"
	d.RemoteTarget = sip.Uri{User: "bob", Host: "127.0.0.2", Port: 5060}
	d.State = DialogConfirmed
	return d
}

func TestBuildByeCarriesDialogIdentity(t *testing.T) {
	d := newEstablishedDialog()
	req := d.buildBye()
	assert.Equal(t, sip.BYE, req.Method)
	from, ok := req.From()
	require.True(t, ok)
	tag, _ := from.Params.Get("tag")
	assert.Equal(t, "alice-tag", tag)
}

func TestBuildReferWithoutReplacesOmitsHeader(t *testing.T) {
	d := newEstablishedDialog()
	target := sip.Uri{User: "carol", Host: "127.0.0.3", Port: 5060}
	req := d.buildRefer(target, nil)
	h := req.GetHeader("Refer-To")
	require.NotNil(t, h)
	assert.NotContains(t, h.Value(), "Replaces")
}

func TestBuildReferWithReplacesEmbedsEscapedHeader(t *testing.T) {
	d := newEstablishedDialog()
	target := sip.Uri{User: "carol", Host: "127.0.0.3", Port: 5060}
	replaces := &ReplacesInfo{CallID: "consult-call", ToTag: "c-to", FromTag: "c-from"}
	req := d.buildRefer(target, replaces)
	h := req.GetHeader("Refer-To")
	require.NotNil(t, h)
	assert.Contains(t, h.Value(), "Replaces=")

	target2, parsedReplaces, err := parseReferTo(req)
	require.NoError(t, err)
	assert.Equal(t, "carol", target2.User)
	require.NotNil(t, parsedReplaces)
	assert.Equal(t, "consult-call", parsedReplaces.CallID)
	assert.Equal(t, "c-to", parsedReplaces.ToTag)
	assert.Equal(t, "c-from", parsedReplaces.FromTag)
}

func TestBuildNotifyCarriesSipfragBody(t *testing.T) {
	d := newEstablishedDialog()
	req := d.buildNotify(200, "OK", "terminated;reason=noresource")
	assert.Equal(t, "SIP/2.0 200 OK\r\n", string(req.Body()))
	ev := req.GetHeader("Event")
	require.NotNil(t, ev)
	assert.Equal(t, "refer", ev.Value())
}

func TestParseSipfragStatusCode(t *testing.T) {
	assert.Equal(t, 200, parseSipfragStatusCode([]byte("SIP/2.0 200 OK\r\n")))
	assert.Equal(t, 487, parseSipfragStatusCode([]byte("SIP/2.0 487 Request Terminated\r\n")))
	assert.Equal(t, 0, parseSipfragStatusCode([]byte("garbage")))
}

func TestParseDTMFRelay(t *testing.T) {
	digit, ok := parseDTMFRelay([]byte("Signal=7\r\nDuration=100\r\n"))
	require.True(t, ok)
	assert.Equal(t, rune('7'), digit)

	_, ok = parseDTMFRelay([]byte("Duration=100\r\n"))
	assert.False(t, ok)
}

func TestSdpOfferDirectionDefaultsToSendRecv(t *testing.T) {
	body := []byte("v=0\r\no=- 0 0 IN IP4 0.0.0.0\r\ns=-\r\nc=IN IP4 0.0.0.0\r\nt=0 0\r\nm=audio 49170 RTP/AVP 0\r\n")
	assert.Equal(t, DirSendRecv, sdpOfferDirection(body))
}

func TestSdpOfferDirectionParsesSendonly(t *testing.T) {
	body := []byte("v=0\r\no=- 0 0 IN IP4 0.0.0.0\r\ns=-\r\nc=IN IP4 0.0.0.0\r\nt=0 0\r\nm=audio 49170 RTP/AVP 0\r\na=sendonly\r\n")
	assert.Equal(t, DirSendOnly, sdpOfferDirection(body))
}

func TestParseReferToRejectsMissingHeader(t *testing.T) {
	req := sip.NewRequest(sip.REFER, sip.Uri{User: "bob", Host: "127.0.0.1"})
	_, _, err := parseReferTo(req)
	assert.ErrorIs(t, err, ErrBadReferTo)
}
