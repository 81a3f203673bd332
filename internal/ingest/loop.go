// Package ingest runs the serial ingestion loop: read a line, decode it,
// append it to the session buffers and publish throttled snapshots.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shaunagostinho/racetelem/internal/channel"
	"github.com/shaunagostinho/racetelem/internal/history"
	"github.com/shaunagostinho/racetelem/internal/hub"
	"github.com/shaunagostinho/racetelem/internal/lap"
	"github.com/shaunagostinho/racetelem/internal/rate"
	"github.com/shaunagostinho/racetelem/internal/source"
	"github.com/shaunagostinho/racetelem/internal/wire"
)

// ErrAlreadyStarted is returned by Run when the loop left the Idle state.
var ErrAlreadyStarted = errors.New("ingest: loop already started")

// State is the lifecycle of a Loop.
type State int32

const (
	Idle State = iota
	Running
	Stopping
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Stopped:
		return "stopped"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Config holds the loop parameters.
type Config struct {
	// BufferInterval is the minimum time between two published batches.
	BufferInterval time.Duration
	// RingSize is the live window length per channel.
	RingSize int
	// RateWindow and RateCeiling configure the refresh rate estimate.
	RateWindow  int
	RateCeiling float64
	// Layouts overrides the wire layout of telemetry modes.
	Layouts map[int]wire.Layout
	// Clock replaces time.Now in tests.
	Clock func() time.Time
}

// DefaultBufferInterval is used when Config.BufferInterval is not set.
const DefaultBufferInterval = 100 * time.Millisecond

// Stats are the loop counters.
type Stats struct {
	State     string  `json:"state"`
	Source    string  `json:"source"`
	Lines     uint64  `json:"lines"`
	Telemetry uint64  `json:"telemetry"`
	Timing    uint64  `json:"timing"`
	Malformed uint64  `json:"malformed"`
	Published uint64  `json:"published"`
	Rows      int     `json:"rows"`
	Laps      int     `json:"laps"`
	RateHz    float64 `json:"rateHz"`
}

// Loop owns the session buffers. Only the loop goroutine appends; every
// other access goes through the lock-protected accessors.
type Loop struct {
	src source.LineSource
	hub *hub.Hub
	cfg Config
	dec *wire.Decoder
	now func() time.Time

	state   atomic.Int32
	started atomic.Bool
	stop    atomic.Bool
	done    chan struct{}
	err     error

	mu     sync.Mutex
	store  *history.Store
	rate   *rate.Estimator
	hz     float64
	warned map[string]bool

	laps *lap.Correlator

	lastFrame   time.Time
	lastPublish time.Time

	lines, telemetry, timing, malformed, published atomic.Uint64
}

// New creates an idle loop reading from src and publishing to h.
func New(src source.LineSource, h *hub.Hub, cfg Config) (*Loop, error) {
	if cfg.BufferInterval <= 0 {
		cfg.BufferInterval = DefaultBufferInterval
	}
	dec, err := wire.NewDecoder(cfg.Layouts)
	if err != nil {
		return nil, fmt.Errorf("ingest: %w", err)
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	return &Loop{
		src:    src,
		hub:    h,
		cfg:    cfg,
		dec:    dec,
		now:    now,
		done:   make(chan struct{}),
		store:  history.New(cfg.RingSize),
		rate:   rate.New(cfg.RateWindow, cfg.RateCeiling),
		warned: make(map[string]bool),
		laps:   lap.NewCorrelator(),
	}, nil
}

// Run opens the source and processes lines until Stop is called or ctx is
// cancelled. Source failures are returned; everything else is logged.
func (l *Loop) Run(ctx context.Context) (err error) {
	if !l.state.CompareAndSwap(int32(Idle), int32(Running)) {
		return ErrAlreadyStarted
	}
	l.started.Store(true)
	defer func() {
		l.err = err
		l.state.Store(int32(Stopped))
		close(l.done)
	}()

	if err := l.src.Open(); err != nil {
		return fmt.Errorf("ingest: %w", err)
	}
	defer l.src.Close()
	log.Printf("[ingest] running on %s (publish every %v)", l.src.Name(), l.cfg.BufferInterval)

	l.lastPublish = l.now()
	for {
		if l.stop.Load() || ctx.Err() != nil {
			l.state.Store(int32(Stopping))
			log.Printf("[ingest] stopping")
			return nil
		}
		line, err := l.src.ReadLine()
		if err != nil {
			return fmt.Errorf("ingest: %w", err)
		}
		if line != "" {
			l.lines.Add(1)
			l.handle(line)
		}
		l.maybePublish()
	}
}

// Start runs the loop on its own goroutine.
func (l *Loop) Start(ctx context.Context) {
	l.started.Store(true)
	go func() {
		if err := l.Run(ctx); err != nil && !errors.Is(err, ErrAlreadyStarted) {
			log.Printf("[ingest] stopped: %v", err)
		}
	}()
}

// Stop asks the loop to finish after the current iteration. It does not
// interrupt a blocking read. Safe to call repeatedly.
func (l *Loop) Stop() {
	l.stop.Store(true)
	l.state.CompareAndSwap(int32(Running), int32(Stopping))
}

// Wait blocks until Run returns and reports its error. It returns nil at once
// if the loop never started.
func (l *Loop) Wait() error {
	if !l.started.Load() {
		return nil
	}
	<-l.done
	return l.err
}

// Done is closed when Run returns.
func (l *Loop) Done() <-chan struct{} { return l.done }

func (l *Loop) State() State { return State(l.state.Load()) }

func (l *Loop) handle(line string) {
	f, err := l.dec.Decode(line)
	if errors.Is(err, wire.ErrSkip) {
		return
	}
	if err != nil {
		l.malformed.Add(1)
		log.Printf("[ingest] dropped frame: %v", err)
		return
	}

	switch f := f.(type) {
	case *wire.Telemetry:
		l.telemetry.Add(1)
		l.applyTelemetry(f)
	case *wire.Timing:
		l.timing.Add(1)
		l.applyTiming(f)
	}
}

func (l *Loop) applyTelemetry(f *wire.Telemetry) {
	at := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	for _, name := range f.Dropped {
		if !l.warned[name] {
			l.warned[name] = true
			log.Printf("[ingest] %v: %q in mode %d layout, field dropped", wire.ErrUnknownChannel, name, f.Mode)
		}
	}
	for _, id := range f.Carried.IDs() {
		l.store.Append(id, f.Values[id])
	}
	l.store.Append(channel.LapCounter, float64(l.laps.LapCount()))
	if !l.lastFrame.IsZero() {
		if hz, ok := l.rate.Observe(at.Sub(l.lastFrame)); ok {
			l.hz = hz
			l.store.Append(channel.RefreshRate, hz)
		}
	}
	l.lastFrame = at
	l.store.CommitRow()
}

func (l *Loop) applyTiming(t *wire.Timing) {
	ev := hub.TimingEvent{At: l.now(), Crossing: *t}
	if done, ok := l.laps.RecordCrossing(*t); ok {
		ev.Lap = &done
		log.Printf("[ingest] %v", done)
	}
	ev.Splits = l.laps.Splits()
	if l.hub != nil {
		l.hub.PublishTiming(ev)
	}
}

// maybePublish emits a snapshot once per elapsed BufferInterval. The publish
// time advances on a fixed grid so the cadence does not drift with frame
// arrival.
func (l *Loop) maybePublish() {
	now := l.now()
	elapsed := now.Sub(l.lastPublish)
	if elapsed < l.cfg.BufferInterval {
		return
	}
	l.lastPublish = l.lastPublish.Add(elapsed.Truncate(l.cfg.BufferInterval))

	l.mu.Lock()
	snap := l.store.Snapshot(now)
	l.mu.Unlock()

	l.published.Add(1)
	if l.hub != nil {
		l.hub.PublishBatch(snap)
	}
}

// Snapshot returns the current windows without consuming pending rows.
func (l *Loop) Snapshot() *history.Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.store.Peek(l.now())
}

// Rows copies the full row log of the session.
func (l *Loop) Rows() []history.Row {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.store.Rows()
}

// History copies the full history of one channel.
func (l *Loop) History(id channel.ID) []float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.store.History(id)
}

// Correlator exposes the lap correlator for reordering and zeroing.
func (l *Loop) Correlator() *lap.Correlator { return l.laps }

// Reset clears the session buffers and rate estimate. Gates are kept.
func (l *Loop) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.store.Reset()
	l.rate.Reset()
	l.hz = 0
	l.lastFrame = time.Time{}
	log.Printf("[ingest] session buffers reset")
}

// Stats reports the loop counters.
func (l *Loop) Stats() Stats {
	l.mu.Lock()
	rows, hz := l.store.RowCount(), l.hz
	l.mu.Unlock()
	return Stats{
		State:     l.State().String(),
		Source:    l.src.Name(),
		Lines:     l.lines.Load(),
		Telemetry: l.telemetry.Load(),
		Timing:    l.timing.Load(),
		Malformed: l.malformed.Load(),
		Published: l.published.Load(),
		Rows:      rows,
		Laps:      l.laps.LapCount(),
		RateHz:    hz,
	}
}
