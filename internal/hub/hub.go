// Package hub fans telemetry batches and timing events out to subscribers
// without ever blocking the ingestion loop.
package hub

import (
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/shaunagostinho/racetelem/internal/history"
	"github.com/shaunagostinho/racetelem/internal/lap"
	"github.com/shaunagostinho/racetelem/internal/wire"
)

// DefaultMailbox is the number of undelivered messages a subscriber may lag
// behind before new ones are dropped.
const DefaultMailbox = 16

// Policy decides what happens to a batch that finds the mailbox full.
type Policy int

const (
	// Drop discards the batch and counts it. Suits live views that only need
	// the latest state.
	Drop Policy = iota
	// Merge folds the batch's rows into one pending batch that is delivered
	// once the mailbox has drained. No row is lost.
	Merge
)

func (p Policy) String() string {
	if p == Merge {
		return "merge"
	}
	return "drop"
}

// Subscriber receives published data on its own goroutine. Both callbacks
// for one subscriber are never called concurrently.
type Subscriber interface {
	// OnTelemetryBatch receives a shared snapshot. It must not be modified.
	OnTelemetryBatch(*history.Snapshot)
	// OnTimingEvent receives every decoded gate crossing.
	OnTimingEvent(TimingEvent)
}

// TimingEvent is one gate crossing plus the lap it completed, if any.
type TimingEvent struct {
	At       time.Time
	Crossing wire.Timing
	Lap      *lap.Event
	Splits   []lap.Split
}

// Stats describes one subscriber's delivery counters.
type Stats struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Delivered uint64    `json:"delivered"`
	Dropped   uint64    `json:"dropped"`
	Panics    uint64    `json:"panics"`
	Merged    uint64    `json:"merged"`
	Policy    string    `json:"policy"`
}

type message struct {
	batch  *history.Snapshot
	timing *TimingEvent
}

type mailbox struct {
	id     uuid.UUID
	name   string
	sub    Subscriber
	policy Policy
	in     chan message
	quit   chan struct{}
	kick   chan struct{}
	flush  bool // set by Close before quit is closed

	mu      sync.Mutex
	pending *history.Snapshot

	delivered atomic.Uint64
	dropped   atomic.Uint64
	panics    atomic.Uint64
	merged    atomic.Uint64
}

// Hub is the subscriber registry. The zero value is not usable; use New.
type Hub struct {
	mu      sync.RWMutex
	subs    map[uuid.UUID]*mailbox
	size    int
	closed  bool
	wg      sync.WaitGroup
	batches atomic.Uint64
	timings atomic.Uint64
}

// New creates a hub whose subscribers each buffer up to size messages.
func New(size int) *Hub {
	if size <= 0 {
		size = DefaultMailbox
	}
	return &Hub{subs: make(map[uuid.UUID]*mailbox), size: size}
}

// Subscribe registers sub with the Drop policy and starts its delivery
// goroutine. It returns uuid.Nil when the hub is closed.
func (h *Hub) Subscribe(name string, sub Subscriber) uuid.UUID {
	return h.SubscribeWith(name, sub, Drop)
}

// SubscribeWith is Subscribe with an explicit overflow policy.
func (h *Hub) SubscribeWith(name string, sub Subscriber, p Policy) uuid.UUID {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return uuid.Nil
	}

	mb := &mailbox{
		id:     uuid.New(),
		name:   name,
		sub:    sub,
		policy: p,
		in:     make(chan message, h.size),
		quit:   make(chan struct{}),
		kick:   make(chan struct{}, 1),
	}
	h.subs[mb.id] = mb
	h.wg.Add(1)
	go h.run(mb)
	log.Printf("[hub] subscribed %s (%s, %s)", name, mb.id, p)
	return mb.id
}

// Unsubscribe stops delivery to id. Pending messages are discarded. Unknown
// ids are ignored.
func (h *Hub) Unsubscribe(id uuid.UUID) {
	h.mu.Lock()
	mb, ok := h.subs[id]
	if ok {
		delete(h.subs, id)
		close(mb.quit)
	}
	h.mu.Unlock()
	if ok {
		log.Printf("[hub] unsubscribed %s (%s)", mb.name, id)
	}
}

// PublishBatch hands snap to every subscriber. It never blocks.
func (h *Hub) PublishBatch(snap *history.Snapshot) {
	h.batches.Add(1)
	h.publish(message{batch: snap})
}

// PublishTiming hands ev to every subscriber. It never blocks.
func (h *Hub) PublishTiming(ev TimingEvent) {
	h.timings.Add(1)
	h.publish(message{timing: &ev})
}

func (h *Hub) publish(m message) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	for _, mb := range h.subs {
		mb.offer(m)
	}
}

func (mb *mailbox) offer(m message) {
	merge := m.batch != nil && mb.policy == Merge
	if merge {
		// Once rows are pending, later batches queue behind them.
		mb.mu.Lock()
		if mb.pending != nil {
			mb.pending = mergeBatch(mb.pending, m.batch)
			mb.mu.Unlock()
			mb.merged.Add(1)
			return
		}
		mb.mu.Unlock()
	}
	select {
	case mb.in <- m:
		return
	default:
	}
	if !merge {
		mb.dropped.Add(1)
		return
	}
	mb.mu.Lock()
	mb.pending = mergeBatch(mb.pending, m.batch)
	mb.mu.Unlock()
	mb.merged.Add(1)
	select {
	case mb.kick <- struct{}{}:
	default:
	}
}

// mergeBatch returns next carrying the rows of prev followed by its own.
func mergeBatch(prev, next *history.Snapshot) *history.Snapshot {
	cp := *next
	if prev == nil {
		cp.Rows = append([]history.Row(nil), next.Rows...)
	} else {
		cp.Rows = append(prev.Rows, next.Rows...)
	}
	return &cp
}

func (mb *mailbox) takePending() *history.Snapshot {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	p := mb.pending
	mb.pending = nil
	return p
}

func (h *Hub) run(mb *mailbox) {
	defer h.wg.Done()
	for {
		select {
		case <-mb.quit:
			if mb.flush {
				mb.drain()
			}
			return
		case m := <-mb.in:
			// Unsubscribe may race with a queued message.
			select {
			case <-mb.quit:
				if mb.flush {
					mb.deliver(m)
					mb.drain()
				}
				return
			default:
			}
			mb.deliver(m)
		case <-mb.kick:
		}
		if len(mb.in) == 0 {
			if p := mb.takePending(); p != nil {
				mb.deliver(message{batch: p})
			}
		}
	}
}

// drain delivers what is still queued, pending rows last.
func (mb *mailbox) drain() {
	for {
		select {
		case m := <-mb.in:
			mb.deliver(m)
		default:
			if p := mb.takePending(); p != nil {
				mb.deliver(message{batch: p})
			}
			return
		}
	}
}

func (mb *mailbox) deliver(m message) {
	defer func() {
		if r := recover(); r != nil {
			mb.panics.Add(1)
			log.Printf("[hub] consumer error in %s: %v", mb.name, r)
		}
	}()
	if m.batch != nil {
		mb.sub.OnTelemetryBatch(m.batch)
	} else {
		mb.sub.OnTimingEvent(*m.timing)
	}
	mb.delivered.Add(1)
}

// Stats returns the counters of every registered subscriber.
func (h *Hub) Stats() []Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Stats, 0, len(h.subs))
	for _, mb := range h.subs {
		out = append(out, Stats{
			ID:        mb.id,
			Name:      mb.name,
			Delivered: mb.delivered.Load(),
			Dropped:   mb.dropped.Load(),
			Panics:    mb.panics.Load(),
			Merged:    mb.merged.Load(),
			Policy:    mb.policy.String(),
		})
	}
	return out
}

// Published returns how many batches and timing events were published.
func (h *Hub) Published() (batches, timings uint64) {
	return h.batches.Load(), h.timings.Load()
}

// Len is the number of registered subscribers.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close unregisters everyone and waits for delivery goroutines to exit.
// Merge subscribers receive whatever was still queued for them first.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	for id, mb := range h.subs {
		mb.flush = mb.policy == Merge
		close(mb.quit)
		delete(h.subs, id)
	}
	h.mu.Unlock()
	h.wg.Wait()
}

// Funcs adapts plain functions to Subscriber. Nil fields are skipped.
type Funcs struct {
	Batch  func(*history.Snapshot)
	Timing func(TimingEvent)
}

func (f Funcs) OnTelemetryBatch(s *history.Snapshot) {
	if f.Batch != nil {
		f.Batch(s)
	}
}

func (f Funcs) OnTimingEvent(ev TimingEvent) {
	if f.Timing != nil {
		f.Timing(ev)
	}
}
