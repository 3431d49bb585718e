package transaction_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/sipvoice/pkg/transaction"
)

// fakeTransport records every message handed to Send and lets tests block
// on the next one arriving, the way siptest's recorder types do in the
// sipgo test suite.
type fakeTransport struct {
	mu   sync.Mutex
	sent []sip.Message
	ch   chan sip.Message
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{ch: make(chan sip.Message, 32)}
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
	case <-time.After(time.Second):
		t.Fatal("no message sent in time")
		return nil
	}
}

func (f *fakeTransport) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func waitForEvent(t *testing.T, events <-chan transaction.Event, kind transaction.EventKind) transaction.Event {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		select {
		case e := <-events:
			if e.Kind == kind {
				return e
			}
		case <-deadline:
			t.Fatalf("event %s not observed in time", kind)
		}
	}
}

func waitForState(t *testing.T, tx *transaction.Transaction, state string) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if tx.State() == state {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("transaction never reached state %s, stuck at %s", state, tx.State())
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

func TestNonInviteClientSuccessCycleTerminates(t *testing.T) {
	tr := newFakeTransport()
	mgr := transaction.NewManager(tr, fastReliableConfig(), nil, zerolog.Nop())
	defer mgr.Close()

	req := testRegister(t, "z9hG4bK-reg-success")
	tx, err := mgr.CreateClientTransaction(context.Background(), req, "127.0.0.1:5060")
	require.NoError(t, err)

	sent := tr.next(t)
	assert.Equal(t, sip.REGISTER, sent.(*sip.Request).Method)

	resp := testResponseTo(t, req, 200, "OK")
	mgr.HandleResponse(resp, "127.0.0.1:5060")

	waitForEvent(t, mgr.Events(), transaction.EventSuccessResponse)
	waitForState(t, tx, transaction.StateTerminated)
	assert.Equal(t, 0, mgr.Stats())
}

func TestInviteClientRetransmitsUnderTimerA(t *testing.T) {
	tr := newFakeTransport()
	cfg := transaction.Config{T1Ms: 15, T2Ms: 200, T4Ms: 200, ReliableTransport: false}
	mgr := transaction.NewManager(tr, cfg, nil, zerolog.Nop())
	defer mgr.Close()

	req := testInvite(t, "z9hG4bK-invite-retransmit")
	_, err := mgr.CreateClientTransaction(context.Background(), req, "127.0.0.1:5060")
	require.NoError(t, err)

	tr.next(t) // initial send
	tr.next(t) // first retransmit at T1
	tr.next(t) // second retransmit at ~2*T1
	assert.GreaterOrEqual(t, tr.count(), 3)
}

func TestInviteServerAutoSendsProvisional(t *testing.T) {
	tr := newFakeTransport()
	mgr := transaction.NewManager(tr, fastReliableConfig(), nil, zerolog.Nop())
	defer mgr.Close()

	req := testInvite(t, "z9hG4bK-invite-provisional")
	mgr.HandleRequest(context.Background(), req, "127.0.0.1:6060")
	waitForEvent(t, mgr.Events(), transaction.EventNewRequest)

	sent := tr.next(t)
	resp, ok := sent.(*sip.Response)
	require.True(t, ok)
	assert.Equal(t, 100, resp.StatusCode)
}

func TestInviteServerSuccessFinalTerminates(t *testing.T) {
	tr := newFakeTransport()
	mgr := transaction.NewManager(tr, fastReliableConfig(), nil, zerolog.Nop())
	defer mgr.Close()

	req := testInvite(t, "z9hG4bK-invite-ack")
	mgr.HandleRequest(context.Background(), req, "127.0.0.1:6060")
	ev := waitForEvent(t, mgr.Events(), transaction.EventNewRequest)

	tx, ok := mgr.Lookup(ev.Key)
	require.True(t, ok)

	final := testResponseTo(t, req, 200, "OK")
	tx.SendFinal(context.Background(), final)

	sent := tr.next(t)
	resp, ok := sent.(*sip.Response)
	require.True(t, ok)
	assert.Equal(t, 200, resp.StatusCode)

	waitForState(t, tx, transaction.StateTerminated)
}

func TestInviteServerAckMatchesNonSuccessCompletion(t *testing.T) {
	tr := newFakeTransport()
	mgr := transaction.NewManager(tr, fastReliableConfig(), nil, zerolog.Nop())
	defer mgr.Close()

	req := testInvite(t, "z9hG4bK-invite-busy")
	mgr.HandleRequest(context.Background(), req, "127.0.0.1:6060")
	ev := waitForEvent(t, mgr.Events(), transaction.EventNewRequest)

	tx, ok := mgr.Lookup(ev.Key)
	require.True(t, ok)

	busy := testResponseTo(t, req, 486, "Busy Here")
	tx.SendFinal(context.Background(), busy)
	tr.next(t) // the 486

	ack := testAckFor(t, req)
	mgr.HandleRequest(context.Background(), ack, "127.0.0.1:6060")

	waitForEvent(t, mgr.Events(), transaction.EventAckReceived)
	waitForState(t, tx, transaction.StateTerminated)
}

func TestManagerRoutesStrayResponse(t *testing.T) {
	tr := newFakeTransport()
	mgr := transaction.NewManager(tr, fastReliableConfig(), nil, zerolog.Nop())
	defer mgr.Close()

	req := testInvite(t, "z9hG4bK-stray")
	resp := testResponseTo(t, req, 200, "OK")
	mgr.HandleResponse(resp, "127.0.0.1:6060")

	waitForEvent(t, mgr.Events(), transaction.EventStrayResponse)
}

func TestManagerRoutesStrayAck(t *testing.T) {
	tr := newFakeTransport()
	mgr := transaction.NewManager(tr, fastReliableConfig(), nil, zerolog.Nop())
	defer mgr.Close()

	invite := testInvite(t, "z9hG4bK-stray-ack")
	ack := testAckFor(t, invite)
	mgr.HandleRequest(context.Background(), ack, "127.0.0.1:6060")

	waitForEvent(t, mgr.Events(), transaction.EventStrayAck)
}

func TestManagerRoutesCancelToInviteServerTransaction(t *testing.T) {
	tr := newFakeTransport()
	mgr := transaction.NewManager(tr, fastReliableConfig(), nil, zerolog.Nop())
	defer mgr.Close()

	invite := testInvite(t, "z9hG4bK-cancel")
	mgr.HandleRequest(context.Background(), invite, "127.0.0.1:6060")
	waitForEvent(t, mgr.Events(), transaction.EventNewRequest)

	cancel := testCancelFor(t, invite)
	mgr.HandleRequest(context.Background(), cancel, "127.0.0.1:6060")

	waitForEvent(t, mgr.Events(), transaction.EventCancelReceived)
}
