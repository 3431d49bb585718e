// Package jitter implements the adaptive RTP jitter/reorder buffer described
// It reorders packets by extended sequence number and tracks the RFC 3550
// interarrival jitter, from which it derives an adaptive target depth that
// is reported in Stats. Playout is not paced: GetNextPacket hands out the
// lowest buffered packet whenever it is called, and neither the target
// depth nor the RTP timestamps hold packets back.
//
// The buffer is driven by the RTP receive path (add_packet) and the
// playout path (get_next_packet / wait_for_packet); it is not coupled to
// the SIP layer in any way.
package jitter

import (
	"container/heap"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// Config controls the buffer's capacity and adaptive behaviour.
type Config struct {
	// InitialMS is the starting playout depth in milliseconds.
	InitialMS int
	// MinMS / MaxMS clamp the adaptive depth.
	MinMS int
	MaxMS int
	// Adaptive enables automatic depth recomputation (default true).
	Adaptive bool
	// MaxOutOfOrder bounds the number of buffered entries (capacity).
	MaxOutOfOrder int
	// ClockRate is the RTP clock rate in Hz used to convert timestamp
	// deltas into wall-clock time; 8000 for narrowband telephony codecs.
	ClockRate uint32
}

// DefaultConfig mirrors the package defaults.
func DefaultConfig() Config {
	return Config{
		InitialMS:     50,
		MinMS:         20,
		MaxMS:         200,
		Adaptive:      true,
		MaxOutOfOrder: 100,
		ClockRate:     8000,
	}
}

// Stats is a snapshot of buffer counters.
type Stats struct {
	PacketsReceived uint64
	PacketsPlayed   uint64
	TooLate         uint64
	Overflow        uint64
	Duplicate       uint64
	Discontinuities uint64
	Underruns       uint64
	DepthMS         int
	JitterMS        float64
}

// entry is one buffered RTP packet awaiting playout.
type entry struct {
	extSeq  uint32
	packet  *rtp.Packet
	arrival time.Time
	index   int
}

type entryHeap []*entry

func (h entryHeap) Len() int            { return len(h) }
func (h entryHeap) Less(i, j int) bool  { return h[i].extSeq < h[j].extSeq }
func (h entryHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *entryHeap) Push(x interface{}) { e := x.(*entry); e.index = len(*h); *h = append(*h, e) }
func (h *entryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// halfRange is the wraparound guard for 32-bit extended sequence numbers:
// anything more than half the 16-bit range behind the playout head is
// treated as stale rather than a legitimate wrap-forward.
const halfRange = 1 << 15

// Buffer is an adaptive jitter/reorder buffer for one inbound RTP stream.
// One instance is created per session's media stream.
type Buffer struct {
	mu sync.Mutex

	cfg Config

	heap entryHeap
	have map[uint32]struct{}

	seeded      bool
	baseSeq     uint16
	cycle       uint32
	lastSeq     uint16
	playoutHead uint32 // next extended SN expected for in-order playout

	lastArrival  time.Time
	lastRTPTime  uint32
	jitterSec    float64
	lastAdapt    time.Time
	currentMS    int

	stats Stats

	waiters []chan struct{} // parked wait_for_packet callers, one waker each

	log zerolog.Logger
	m   *metrics
}

// New creates a jitter buffer with the given configuration.
func New(cfg Config, log zerolog.Logger) *Buffer {
	if cfg.MaxOutOfOrder <= 0 {
		cfg.MaxOutOfOrder = 100
	}
	if cfg.InitialMS <= 0 {
		cfg.InitialMS = 50
	}
	if cfg.ClockRate == 0 {
		cfg.ClockRate = 8000
	}
	b := &Buffer{
		cfg:       cfg,
		have:      make(map[uint32]struct{}),
		currentMS: cfg.InitialMS,
		lastAdapt: time.Time{},
		log:       log.With().Str("component", "jitter").Logger(),
	}
	heap.Init(&b.heap)
	return b
}

// SetMetrics wires Prometheus instrumentation for this buffer instance.
func (b *Buffer) SetMetrics(reg prometheus.Registerer, streamID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.m = newMetrics(reg, streamID)
}

// extend computes the extended sequence number for an incoming RTP
// sequence number given the current cycle counter, advancing the cycle on
// wraparound.
func (b *Buffer) extend(seq uint16) uint32 {
	if !b.seeded {
		return uint32(seq)
	}
	// Wrapped forward: incoming seq is small, last seen seq was near the
	// top of the 16-bit range.
	if seq < 0x1000 && b.lastSeq > 0xF000 {
		b.cycle++
	} else if seq > 0xF000 && b.lastSeq < 0x1000 && b.cycle > 0 {
		// Late packet that arrived from before the wrap; use the prior cycle.
		return (b.cycle-1)<<16 | uint32(seq)
	}
	return b.cycle<<16 | uint32(seq)
}

// AddPacket inserts a received RTP packet. Returns false if the packet was
// dropped (duplicate, too-late, or the buffer is at capacity and the new
// packet is not preferred over the oldest entry).
func (b *Buffer) AddPacket(pkt *rtp.Packet) bool {
	if pkt == nil {
		return false
	}
	b.mu.Lock()
	now := time.Now()

	if !b.seeded {
		b.seeded = true
		b.baseSeq = pkt.SequenceNumber
		b.lastSeq = pkt.SequenceNumber
		b.playoutHead = uint32(pkt.SequenceNumber)
		b.lastRTPTime = pkt.Timestamp
		b.lastArrival = now
	}

	extSeq := b.extend(pkt.SequenceNumber)
	b.lastSeq = pkt.SequenceNumber

	b.stats.PacketsReceived++

	if b.playoutHead > 0 && extSeq+halfRange < b.playoutHead {
		b.stats.TooLate++
		b.countDropLocked("too_late")
		b.mu.Unlock()
		return false
	}
	if _, dup := b.have[extSeq]; dup {
		b.stats.Duplicate++
		b.countDropLocked("duplicate")
		b.mu.Unlock()
		return false
	}

	b.updateJitterLocked(pkt, now)

	if len(b.heap) >= b.cfg.MaxOutOfOrder {
		if len(b.heap) > 0 && b.heap[0].extSeq < extSeq {
			oldest := heap.Pop(&b.heap).(*entry)
			delete(b.have, oldest.extSeq)
			b.stats.Overflow++
			b.countDropLocked("overflow")
		} else {
			b.stats.Overflow++
			b.countDropLocked("overflow")
			b.mu.Unlock()
			return false
		}
	}

	e := &entry{extSeq: extSeq, packet: pkt, arrival: now}
	heap.Push(&b.heap, e)
	b.have[extSeq] = struct{}{}

	if b.cfg.Adaptive {
		b.maybeAdaptLocked(now)
	}

	if b.m != nil {
		b.m.depth.Set(float64(len(b.heap)))
		b.m.jitterMS.Set(b.jitterSec * 1000)
	}
	b.wakeLocked()
	b.mu.Unlock()
	return true
}

func (b *Buffer) countDropLocked(reason string) {
	if b.m != nil {
		b.m.dropped.WithLabelValues(reason).Inc()
	}
}

// updateJitterLocked applies the RFC 3550 §6.4.1 interarrival jitter
// estimator. Caller holds b.mu.
func (b *Buffer) updateJitterLocked(pkt *rtp.Packet, now time.Time) {
	if b.lastArrival.IsZero() {
		b.lastArrival = now
		b.lastRTPTime = pkt.Timestamp
		return
	}
	arrivalDiff := now.Sub(b.lastArrival).Seconds()
	tsDiff := float64(int64(pkt.Timestamp)-int64(b.lastRTPTime)) / float64(b.cfg.ClockRate)
	d := arrivalDiff - tsDiff
	if d < 0 {
		d = -d
	}
	b.jitterSec += (d - b.jitterSec) / 16
	b.lastArrival = now
	b.lastRTPTime = pkt.Timestamp
}

// maybeAdaptLocked recomputes the desired buffer depth at most once per
// second. Caller holds b.mu.
func (b *Buffer) maybeAdaptLocked(now time.Time) {
	if !b.lastAdapt.IsZero() && now.Sub(b.lastAdapt) < time.Second {
		return
	}
	b.lastAdapt = now

	jitterMS := b.jitterSec * 1000
	desired := int(4 * jitterMS)
	if desired < b.cfg.MinMS {
		desired = b.cfg.MinMS
	}
	if b.cfg.MaxMS > 0 && desired > b.cfg.MaxMS {
		desired = b.cfg.MaxMS
	}

	diff := desired - b.currentMS
	if diff > 10 || diff < -10 {
		b.currentMS = desired
		b.log.Debug().Int("depth_ms", b.currentMS).Float64("jitter_ms", jitterMS).Msg("adapted jitter buffer depth")
	}
}

// GetNextPacket returns the next packet in playout order, or nil (counted
// as an underrun) if the buffer is empty. On a gap, it advances the
// playout head to the smallest available extended SN and counts a
// discontinuity.
func (b *Buffer) GetNextPacket() *rtp.Packet {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.getNextLocked()
}

func (b *Buffer) getNextLocked() *rtp.Packet {
	if len(b.heap) == 0 {
		b.stats.Underruns++
		return nil
	}

	top := b.heap[0]
	if top.extSeq != b.playoutHead {
		// Gap: the expected SN hasn't arrived. If the smallest available
		// is ahead, skip the head forward to it. Insertion only rejects
		// packets more than half the SN range behind the head, so a packet
		// that arrived after its slot was played can sit below the head.
		if top.extSeq < b.playoutHead {
			// Already past its slot: discard it without playing it.
			heap.Pop(&b.heap)
			delete(b.have, top.extSeq)
			return b.getNextLocked()
		}
		b.playoutHead = top.extSeq
		b.stats.Discontinuities++
	}

	e := heap.Pop(&b.heap).(*entry)
	delete(b.have, e.extSeq)
	b.playoutHead = e.extSeq + 1
	b.stats.PacketsPlayed++
	if b.m != nil {
		b.m.played.Inc()
		b.m.depth.Set(float64(len(b.heap)))
	}
	return e.packet
}

// WaitForPacket blocks until a packet is available or the deadline
// passes, returning true if a packet became available. It uses a single
// waker per call rather than polling.
func (b *Buffer) WaitForPacket(deadline time.Time) bool {
	b.mu.Lock()
	if len(b.heap) > 0 && b.heap[0].extSeq == b.playoutHead {
		b.mu.Unlock()
		return true
	}
	ch := make(chan struct{}, 1)
	b.waiters = append(b.waiters, ch)
	b.mu.Unlock()

	var timer *time.Timer
	var timeoutCh <-chan time.Time
	if d := time.Until(deadline); d > 0 {
		timer = time.NewTimer(d)
		timeoutCh = timer.C
	} else {
		timeoutCh = closedTimeCh
	}
	if timer != nil {
		defer timer.Stop()
	}

	select {
	case <-ch:
		return true
	case <-timeoutCh:
		b.removeWaiter(ch)
		return false
	}
}

var closedTimeCh = func() <-chan time.Time {
	c := make(chan time.Time)
	close(c)
	return c
}()

func (b *Buffer) removeWaiter(target chan struct{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, ch := range b.waiters {
		if ch == target {
			b.waiters = append(b.waiters[:i], b.waiters[i+1:]...)
			return
		}
	}
}

// wakeLocked wakes every parked waiter; each only fires once (buffered
// channel of size 1 guards against a blocked send). Caller holds b.mu.
func (b *Buffer) wakeLocked() {
	for _, ch := range b.waiters {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	b.waiters = b.waiters[:0]
}

// Stats returns a snapshot of the buffer's counters.
func (b *Buffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.stats
	s.DepthMS = b.currentMS
	s.JitterMS = b.jitterSec * 1000
	return s
}
