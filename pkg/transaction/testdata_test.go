package transaction_test

import (
	"strconv"
	"strings"
	"testing"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/require"
)

// rawRequest parses a request out of RFC-shaped text the way sipgo's own
// test suite builds fixtures: a slice of header lines joined by CRLF.
func rawRequest(t *testing.T, lines ...string) *sip.Request {
	t.Helper()
	msg, err := sip.ParseMessage([]byte(strings.Join(append(lines, "", ""), "\r\n")))
	require.NoError(t, err)
	req, ok := msg.(*sip.Request)
	require.True(t, ok, "expected a request")
	return req
}

func rawResponse(t *testing.T, lines ...string) *sip.Response {
	t.Helper()
	msg, err := sip.ParseMessage([]byte(strings.Join(append(lines, "", ""), "\r\n")))
	require.NoError(t, err)
	resp, ok := msg.(*sip.Response)
	require.True(t, ok, "expected a response")
	return resp
}

func testInvite(t *testing.T, branch string) *sip.Request {
	return rawRequest(t,
		"INVITE sip:bob@example.com SIP/2.0",
		"Via: SIP/2.0/UDP 127.0.0.1:5060;branch="+branch,
		"Max-Forwards: 70",
		"From: <sip:alice@example.com>;tag=alice-tag",
		"To: <sip:bob@example.com>",
		"Call-ID: call-"+branch,
		"CSeq: 1 INVITE",
		"Contact: <sip:alice@127.0.0.1:5060>",
		"Content-Length: 0",
	)
}

func testRegister(t *testing.T, branch string) *sip.Request {
	return rawRequest(t,
		"REGISTER sip:example.com SIP/2.0",
		"Via: SIP/2.0/UDP 127.0.0.1:5060;branch="+branch,
		"Max-Forwards: 70",
		"From: <sip:alice@example.com>;tag=alice-tag",
		"To: <sip:alice@example.com>",
		"Call-ID: call-"+branch,
		"CSeq: 1 REGISTER",
		"Contact: <sip:alice@127.0.0.1:5060>",
		"Content-Length: 0",
	)
}

func testResponseTo(t *testing.T, req *sip.Request, status int, reason string) *sip.Response {
	via, _ := req.Via()
	cseq, _ := req.CSeq()
	callID, _ := req.CallID()
	from, _ := req.From()
	return rawResponse(t,
		"SIP/2.0 "+strconv.Itoa(status)+" "+reason,
		"Via: SIP/2.0/"+via.Transport+" "+via.Host+";branch="+mustBranch(t, req),
		"From: <"+from.Address.String()+">;tag=alice-tag",
		"To: <sip:bob@example.com>;tag=bob-tag",
		"Call-ID: "+callID.Value(),
		"CSeq: "+strconv.Itoa(int(cseq.SeqNo))+" "+string(cseq.MethodName),
		"Content-Length: 0",
	)
}

func testAckFor(t *testing.T, invite *sip.Request) *sip.Request {
	return rawRequest(t,
		"ACK sip:bob@example.com SIP/2.0",
		"Via: SIP/2.0/UDP 127.0.0.1:5060;branch="+mustBranch(t, invite),
		"Max-Forwards: 70",
		"From: <sip:alice@example.com>;tag=alice-tag",
		"To: <sip:bob@example.com>;tag=bob-tag",
		"Call-ID: call-"+mustBranch(t, invite),
		"CSeq: 1 ACK",
		"Content-Length: 0",
	)
}

func testCancelFor(t *testing.T, invite *sip.Request) *sip.Request {
	return rawRequest(t,
		"CANCEL sip:bob@example.com SIP/2.0",
		"Via: SIP/2.0/UDP 127.0.0.1:5060;branch="+mustBranch(t, invite),
		"Max-Forwards: 70",
		"From: <sip:alice@example.com>;tag=alice-tag",
		"To: <sip:bob@example.com>",
		"Call-ID: call-"+mustBranch(t, invite),
		"CSeq: 1 CANCEL",
		"Content-Length: 0",
	)
}

func mustBranch(t *testing.T, req *sip.Request) string {
	t.Helper()
	via, ok := req.Via()
	require.True(t, ok)
	branch, ok := via.Params.Get("branch")
	require.True(t, ok)
	return branch
}
