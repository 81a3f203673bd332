// Package lap turns timing-gate crossings into lap and sector times.
//
// Each gate reports its own session start as calendar fields plus a running
// millisecond counter. Gates are placed on one timeline by shifting every
// counter by the difference between its start and the reference gate's start.
// The reference gate is the first gate of the current order and acts as the
// start/finish line.
package lap

import (
	"errors"
	"fmt"
	"sync"

	"github.com/shaunagostinho/racetelem/internal/wire"
)

// Calendar conversion used for gate start times. Months and years are fixed
// averages (30.44 and 365.25 days) to stay compatible with the gate firmware.
const (
	msPerSecond = 1000
	msPerMinute = 60 * msPerSecond
	msPerHour   = 60 * msPerMinute
	msPerDay    = 24 * msPerHour
	msPerMonth  = 2629800000
	msPerYear   = 31557600000
)

var ErrBadOrder = errors.New("lap: order must be a permutation of the known gates")

// StartingDelta collapses start-time fields into one millisecond count.
func StartingDelta(s wire.StartTime) float64 {
	return float64(s.Year)*msPerYear +
		float64(s.Month)*msPerMonth +
		float64(s.Day)*msPerDay +
		float64(s.Hour)*msPerHour +
		float64(s.Minute)*msPerMinute +
		float64(s.Second)*msPerSecond +
		float64(s.Millis)
}

// Timer is the state of one gate. Now and Prev are raw gate counters; zero
// means "no crossing".
type Timer struct {
	Gate    int
	Start   wire.StartTime
	StartMs float64
	Now     float64
	Prev    float64
}

// Sector is the time between two consecutive gates of the current order.
type Sector struct {
	From   int
	To     int
	Millis float64
}

// Event is a completed lap.
type Event struct {
	Number  int
	Millis  float64
	Sectors []Sector
}

// Seconds is the lap time in seconds.
func (e Event) Seconds() float64 { return e.Millis / 1000 }

func (e Event) String() string {
	return fmt.Sprintf("lap %d: %.3fs (%d sectors)", e.Number, e.Seconds(), len(e.Sectors))
}

// Split is the live view of one gate: its shifted counter and the difference
// to the reference gate.
type Split struct {
	Gate   int     `json:"gate"`
	Millis float64 `json:"millis"`
	Delta  float64 `json:"delta"`
}

// Correlator tracks gates and emits laps. It is safe for concurrent use.
type Correlator struct {
	mu      sync.Mutex
	timers  map[int]*Timer
	order   []int
	lastLap float64
	laps    []Event
}

// NewCorrelator returns an empty correlator.
func NewCorrelator() *Correlator {
	return &Correlator{timers: make(map[int]*Timer)}
}

// RecordCrossing applies one gate crossing. It returns the completed lap when
// the crossing closes one.
func (c *Correlator) RecordCrossing(t wire.Timing) (Event, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	tm, ok := c.timers[t.Gate]
	if !ok {
		c.timers[t.Gate] = &Timer{
			Gate:    t.Gate,
			Start:   t.Start,
			StartMs: StartingDelta(t.Start),
			Now:     t.NowMillis,
		}
		c.order = append(c.order, t.Gate)
		return Event{}, false
	}
	tm.Start = t.Start
	tm.StartMs = StartingDelta(t.Start)
	tm.Prev = tm.Now
	tm.Now = t.NowMillis

	if len(c.order) == 0 || c.order[0] != t.Gate {
		return Event{}, false
	}
	return c.closeLap(tm)
}

func (c *Correlator) closeLap(ref *Timer) (Event, bool) {
	if ref.Prev == 0 || ref.Now == 0 {
		return Event{}, false
	}
	ms := ref.Now - ref.Prev
	if ms <= 0 || ms == c.lastLap {
		return Event{}, false
	}
	c.lastLap = ms
	ev := Event{Number: len(c.laps) + 1, Millis: ms, Sectors: c.sectors(ref)}
	c.laps = append(c.laps, ev)
	return ev, true
}

// sectors splits the lap just closed by ref. It returns nil unless every
// gate of the order crossed inside the lap.
func (c *Correlator) sectors(ref *Timer) []Sector {
	if len(c.order) < 2 {
		return nil
	}
	out := make([]Sector, 0, len(c.order))
	prevGate, prevAt := ref.Gate, ref.Prev
	for _, g := range c.order[1:] {
		tm := c.timers[g]
		if tm.Now == 0 {
			return nil
		}
		at := c.shift(tm, ref)
		if at < prevAt || at > ref.Now {
			return nil
		}
		out = append(out, Sector{From: prevGate, To: g, Millis: at - prevAt})
		prevGate, prevAt = g, at
	}
	return append(out, Sector{From: prevGate, To: ref.Gate, Millis: ref.Now - prevAt})
}

// shift puts t's counter on ref's timeline.
func (c *Correlator) shift(t, ref *Timer) float64 {
	return t.Now + (t.StartMs - ref.StartMs)
}

// Order returns the gate order; the first gate is start/finish.
func (c *Correlator) Order() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int(nil), c.order...)
}

// Reorder replaces the gate order. order must list every known gate once.
func (c *Correlator) Reorder(order []int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(order) != len(c.timers) {
		return fmt.Errorf("%w: got %d gates, have %d", ErrBadOrder, len(order), len(c.timers))
	}
	seen := make(map[int]bool, len(order))
	for _, g := range order {
		if _, ok := c.timers[g]; !ok || seen[g] {
			return fmt.Errorf("%w: gate %d", ErrBadOrder, g)
		}
		seen[g] = true
	}
	c.order = append(c.order[:0], order...)
	// A new reference gate starts a new lap sequence.
	c.lastLap = 0
	return nil
}

// Splits reports every gate relative to the reference gate, in order.
func (c *Correlator) Splits() []Split {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.order) == 0 {
		return nil
	}
	ref := c.timers[c.order[0]]
	out := make([]Split, 0, len(c.order))
	for i, g := range c.order {
		tm := c.timers[g]
		s := Split{Gate: g, Millis: c.shift(tm, ref)}
		if i > 0 && tm.Now != 0 && ref.Now != 0 {
			s.Delta = s.Millis - ref.Now
		}
		out = append(out, s)
	}
	return out
}

// Timers returns a copy of every gate state, in order.
func (c *Correlator) Timers() []Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Timer, 0, len(c.order))
	for _, g := range c.order {
		out = append(out, *c.timers[g])
	}
	return out
}

// Zero clears every counter. Gates and completed laps are kept.
func (c *Correlator) Zero() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, tm := range c.timers {
		tm.Now, tm.Prev = 0, 0
	}
	c.lastLap = 0
}

// Delete forgets a gate. It reports whether the gate existed.
func (c *Correlator) Delete(gate int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.timers[gate]; !ok {
		return false
	}
	delete(c.timers, gate)
	for i, g := range c.order {
		if g == gate {
			if i == 0 {
				c.lastLap = 0
			}
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	return true
}

// Laps returns the completed laps, oldest first.
func (c *Correlator) Laps() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.laps...)
}

// LapCount is the number of completed laps.
func (c *Correlator) LapCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.laps)
}
