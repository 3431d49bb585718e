package transaction_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/sipvoice/pkg/transaction"
)

func TestSchedulerFiresAfterDelay(t *testing.T) {
	fired := make(chan transaction.TimerFired, 1)
	s := transaction.NewScheduler(func(f transaction.TimerFired) { fired <- f })
	defer s.Stop()

	key := transaction.Key{Branch: "z9hG4bK-1", Family: transaction.FamilyInvite, Role: transaction.RoleClient}
	start := time.Now()
	s.Schedule(key, transaction.TimerA, 30*time.Millisecond)

	select {
	case f := <-fired:
		assert.Equal(t, transaction.TimerA, f.ID.Name)
		assert.WithinDuration(t, start.Add(30*time.Millisecond), time.Now(), 40*time.Millisecond)
	case <-time.After(time.Second):
		t.Fatal("timer never fired")
	}
}

func TestSchedulerCancelSuppressesFire(t *testing.T) {
	fired := make(chan transaction.TimerFired, 1)
	s := transaction.NewScheduler(func(f transaction.TimerFired) { fired <- f })
	defer s.Stop()

	key := transaction.Key{Branch: "z9hG4bK-2", Family: transaction.FamilyInvite, Role: transaction.RoleClient}
	s.Schedule(key, transaction.TimerB, 20*time.Millisecond)
	s.Cancel(key, transaction.TimerB)

	select {
	case f := <-fired:
		t.Fatalf("cancelled timer fired: %+v", f)
	case <-time.After(80 * time.Millisecond):
	}
}

func TestSchedulerRescheduleSupersedesPrior(t *testing.T) {
	var fires []transaction.TimerName
	done := make(chan struct{})
	s := transaction.NewScheduler(func(f transaction.TimerFired) {
		fires = append(fires, f.ID.Name)
		if len(fires) == 1 {
			close(done)
		}
	})
	defer s.Stop()

	key := transaction.Key{Branch: "z9hG4bK-3", Family: transaction.FamilyNonInvite, Role: transaction.RoleClient}
	s.Schedule(key, transaction.TimerE, 10*time.Millisecond)
	// Reschedule before the first fires; the stale generation must be a no-op.
	s.Schedule(key, transaction.TimerE, 30*time.Millisecond)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timer never fired")
	}
	require.Len(t, fires, 1)
}

func TestSchedulerCancelAllClearsEveryTimerForKey(t *testing.T) {
	fired := make(chan transaction.TimerFired, 4)
	s := transaction.NewScheduler(func(f transaction.TimerFired) { fired <- f })
	defer s.Stop()

	key := transaction.Key{Branch: "z9hG4bK-4", Family: transaction.FamilyInvite, Role: transaction.RoleServer}
	s.Schedule(key, transaction.TimerG, 15*time.Millisecond)
	s.Schedule(key, transaction.TimerH, 15*time.Millisecond)
	s.CancelAll(key)

	select {
	case f := <-fired:
		t.Fatalf("timer fired after CancelAll: %+v", f)
	case <-time.After(60 * time.Millisecond):
	}
}
