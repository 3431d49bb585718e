package dialog_test

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/sipvoice/pkg/dialog"
	"github.com/arzzra/sipvoice/pkg/transaction"
)

// fakeTransport records every message handed to Send and lets tests block
// on the next one arriving, mirroring pkg/transaction's own test fixture.
type fakeTransport struct {
	mu   sync.Mutex
	sent []sip.Message
	ch   chan sip.Message
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{ch: make(chan sip.Message, 64)}
}

func (f *fakeTransport) Send(_ context.Context, msg sip.Message, _ string) error {
	f.mu.Lock()
	f.sent = append(f.sent, msg)
	f.mu.Unlock()
	f.ch <- msg
	return nil
}

func (f *fakeTransport) next(t *testing.T) sip.Message {
	t.Helper()
	select {
	case m := <-f.ch:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("no message sent in time")
		return nil
	}
}

func (f *fakeTransport) nextRequest(t *testing.T, method sip.RequestMethod) *sip.Request {
	t.Helper()
	for {
		msg := f.next(t)
		req, ok := msg.(*sip.Request)
		if ok && req.Method == method {
			return req
		}
	}
}

func fastReliableConfig() transaction.Config {
	return transaction.Config{
		T1Ms:              15,
		T2Ms:              60,
		T4Ms:              60,
		ReliableTransport: true,
		ProvisionalDelay:  10 * time.Millisecond,
	}
}

func waitForSessionEvent(t *testing.T, ch <-chan dialog.SessionEvent, kind dialog.SessionEventKind) dialog.SessionEvent {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("session event %s not observed in time", kind)
		}
	}
}

func waitForSessionState(t *testing.T, co *dialog.Coordinator, id dialog.SessionID, want dialog.SessionState) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		state, err := co.SessionState(context.Background(), id)
		require.NoError(t, err)
		if state == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("session %s never reached state %s", id, want)
}

func testURI(user, host string) sip.Uri {
	return sip.Uri{User: user, Host: host, Port: 5060}
}

// responseFor builds a response that answers req, tagging the To header
// with toTag and including an optional Contact/body.
func responseFor(t *testing.T, req *sip.Request, status int, toTag string, contact *sip.Uri, body []byte) *sip.Response {
	t.Helper()
	via, ok := req.Via()
	require.True(t, ok)
	from, ok := req.From()
	require.True(t, ok)
	to, ok := req.To()
	require.True(t, ok)
	callID, ok := req.CallID()
	require.True(t, ok)
	cseq, ok := req.CSeq()
	require.True(t, ok)

	lines := []string{
		"SIP/2.0 " + strconv.Itoa(status) + " " + reasonFor(status),
		"Via: SIP/2.0/" + via.Transport + " " + via.Host + ";branch=" + branchOf(t, req),
		"From: <" + from.Address.String() + ">;tag=" + tagOf(t, from.Params),
		"To: <" + to.Address.String() + ">" + toTagSuffix(toTag),
		"Call-ID: " + callID.Value(),
		"CSeq: " + strconv.Itoa(int(cseq.SeqNo)) + " " + string(cseq.MethodName),
	}
	if contact != nil {
		lines = append(lines, "Contact: <"+contact.String()+">")
	}
	if len(body) > 0 {
		lines = append(lines, "Content-Type: application/sdp")
	}
	lines = append(lines, "Content-Length: "+strconv.Itoa(len(body)))
	msg, err := sip.ParseMessage([]byte(strings.Join(lines, "\r\n") + "\r\n\r\n" + string(body)))
	require.NoError(t, err)
	resp, ok := msg.(*sip.Response)
	require.True(t, ok)
	return resp
}

func reasonFor(status int) string {
	switch status {
	case 100:
		return "Trying"
	case 180:
		return "Ringing"
	case 200:
		return "OK"
	case 202:
		return "Accepted"
	case 486:
		return "Busy Here"
	default:
		return "Unknown"
	}
}

func toTagSuffix(tag string) string {
	if tag == "" {
		return ""
	}
	return ";tag=" + tag
}

func branchOf(t *testing.T, req *sip.Request) string {
	t.Helper()
	via, ok := req.Via()
	require.True(t, ok)
	b, ok := via.Params.Get("branch")
	require.True(t, ok)
	return b
}

func tagOf(t *testing.T, params sip.HeaderParams) string {
	t.Helper()
	tag, ok := params.Get("tag")
	require.True(t, ok)
	return tag
}

// establishActiveOutboundCall drives a full outbound INVITE through 200 OK
// and returns the resulting SessionID, already in the Active state, for
// tests that only care about what happens after establishment.
func establishActiveOutboundCall(t *testing.T, co *dialog.Coordinator, tr *fakeTransport, mgr *transaction.Manager) dialog.SessionID {
	t.Helper()
	id, err := co.MakeCall(context.Background(), testURI("bob", "127.0.0.2"), nil)
	require.NoError(t, err)

	invite := tr.nextRequest(t, sip.INVITE)
	contact := testURI("bob", "127.0.0.2")
	ok := responseFor(t, invite, 200, "bob-tag", &contact, nil)
	mgr.HandleResponse(ok, "127.0.0.2:5060")
	tr.nextRequest(t, sip.ACK)
	waitForSessionState(t, co, id, dialog.SessionState(dialog.StateActive))
	return id
}

func newTestCoordinator(t *testing.T) (*dialog.Coordinator, *fakeTransport, *transaction.Manager) {
	t.Helper()
	tr := newFakeTransport()
	mgr := transaction.NewManager(tr, fastReliableConfig(), nil, zerolog.Nop())
	t.Cleanup(mgr.Close)
	local := testURI("alice", "127.0.0.1")
	cfg := dialog.DefaultConfig()
	co := dialog.NewCoordinator(mgr, local, cfg, nil, zerolog.Nop())
	t.Cleanup(co.Close)
	return co, tr, mgr
}
