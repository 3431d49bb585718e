package transaction

import (
	"container/heap"
	"sync"
	"time"
)

// TimerName identifies one of the RFC 3261 §17.1/§17.2 named timers.
type TimerName int

const (
	TimerA TimerName = iota // INVITE client retransmit
	TimerB                  // INVITE client overall timeout
	TimerD                  // INVITE client Completed linger
	TimerE                  // non-INVITE client retransmit
	TimerF                  // non-INVITE client overall timeout
	TimerK                  // non-INVITE client Completed linger
	TimerG                  // INVITE server response retransmit
	TimerH                  // INVITE server ACK wait
	TimerI                  // INVITE server Confirmed linger
	TimerJ                  // non-INVITE server Completed linger
	TimerProvisional        // INVITE server auto-100-Trying delay
)

func (n TimerName) String() string {
	switch n {
	case TimerA:
		return "A"
	case TimerB:
		return "B"
	case TimerD:
		return "D"
	case TimerE:
		return "E"
	case TimerF:
		return "F"
	case TimerK:
		return "K"
	case TimerG:
		return "G"
	case TimerH:
		return "H"
	case TimerI:
		return "I"
	case TimerJ:
		return "J"
	case TimerProvisional:
		return "Provisional"
	default:
		return "Unknown"
	}
}

// TimerID is a timer's identity: (transaction key, name, generation). The
// generation lets the scheduler cancel-by-stale-generation without racing
// a timer that is already in flight.
type TimerID struct {
	Key        Key
	Name       TimerName
	Generation uint64
}

// TimerFired is delivered by the scheduler to the owning transaction.
type TimerFired struct {
	ID TimerID
}

type scheduledTimer struct {
	id       TimerID
	deadline time.Time
	index    int
}

type timerHeap []*scheduledTimer

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].deadline.Before(h[j].deadline) }
func (h timerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *timerHeap) Push(x interface{}) {
	t := x.(*scheduledTimer)
	t.index = len(*h)
	*h = append(*h, t)
}
func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}

// Scheduler is the single priority-queue-based timer scheduler shared by
// every transaction in the manager ("do not spawn one
// timer task per transaction"). Callers register a sink that receives
// TimerFired events; the scheduler runs one goroutine regardless of how
// many timers are outstanding.
type Scheduler struct {
	mu         sync.Mutex
	h          timerHeap
	generation map[Key]map[TimerName]uint64
	wake       chan struct{}
	sink       func(TimerFired)
	stop       chan struct{}
	stopped    bool
}

// NewScheduler starts the scheduler goroutine; sink is invoked for every
// timer that fires and has not been superseded by a newer generation.
func NewScheduler(sink func(TimerFired)) *Scheduler {
	s := &Scheduler{
		generation: make(map[Key]map[TimerName]uint64),
		wake:       make(chan struct{}, 1),
		sink:       sink,
		stop:       make(chan struct{}),
	}
	go s.run()
	return s
}

// Schedule arms (or re-arms) timer `name` for transaction `key`, firing
// after d. Any previously scheduled timer of the same (key, name) is
// implicitly superseded: its generation is bumped so it becomes a no-op
// when it fires.
func (s *Scheduler) Schedule(key Key, name TimerName, d time.Duration) TimerID {
	s.mu.Lock()
	defer s.mu.Unlock()

	byName, ok := s.generation[key]
	if !ok {
		byName = make(map[TimerName]uint64)
		s.generation[key] = byName
	}
	byName[name]++
	gen := byName[name]

	id := TimerID{Key: key, Name: name, Generation: gen}
	heap.Push(&s.h, &scheduledTimer{id: id, deadline: time.Now().Add(d)})
	s.notify()
	return id
}

// Cancel bumps the generation for (key, name) so any timer already
// scheduled for it becomes stale and is ignored when it fires.
func (s *Scheduler) Cancel(key Key, name TimerName) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byName, ok := s.generation[key]
	if !ok {
		return
	}
	byName[name]++
}

// CancelAll forgets every timer generation recorded for key, so timers
// still queued for it no longer match and are dropped when they fire;
// used when a transaction reaches Terminated.
func (s *Scheduler) CancelAll(key Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.generation, key)
}

func (s *Scheduler) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Stop halts the scheduler goroutine.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()
	close(s.stop)
}

func (s *Scheduler) run() {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	for {
		s.mu.Lock()
		var wait time.Duration
		if s.h.Len() == 0 {
			wait = time.Hour
		} else {
			wait = time.Until(s.h[0].deadline)
			if wait < 0 {
				wait = 0
			}
		}
		s.mu.Unlock()

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-s.stop:
			return
		case <-s.wake:
			continue
		case <-timer.C:
			s.fireDue()
		}
	}
}

func (s *Scheduler) fireDue() {
	now := time.Now()
	var due []TimerID
	s.mu.Lock()
	for s.h.Len() > 0 && !s.h[0].deadline.After(now) {
		t := heap.Pop(&s.h).(*scheduledTimer)
		current := s.generation[t.id.Key][t.id.Name]
		if current == t.id.Generation {
			due = append(due, t.id)
		}
	}
	s.mu.Unlock()

	for _, id := range due {
		s.sink(TimerFired{ID: id})
	}
}
