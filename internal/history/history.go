// Package history keeps per-channel telemetry samples for one session: the
// unbounded history used for exports, a bounded ring used for live display,
// and a row log with the last known value of every channel.
package history

import (
	"time"

	"github.com/shaunagostinho/racetelem/internal/channel"
)

// DefaultCapacity is the ring size used when none is configured.
const DefaultCapacity = 1000

// Row holds one value per channel in schema order.
type Row [channel.Count]float64

// Ring is a fixed-capacity buffer of the most recent values.
type Ring struct {
	buf   []float64
	start int
	n     int
}

// NewRing creates a ring holding at most capacity values.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Ring{buf: make([]float64, capacity)}
}

// Push appends v, evicting the oldest value when full.
func (r *Ring) Push(v float64) {
	if r.n < len(r.buf) {
		r.buf[(r.start+r.n)%len(r.buf)] = v
		r.n++
		return
	}
	r.buf[r.start] = v
	r.start = (r.start + 1) % len(r.buf)
}

func (r *Ring) Len() int { return r.n }
func (r *Ring) Cap() int { return len(r.buf) }

// Values copies the contents oldest first.
func (r *Ring) Values() []float64 {
	out := make([]float64, r.n)
	for i := 0; i < r.n; i++ {
		out[i] = r.buf[(r.start+i)%len(r.buf)]
	}
	return out
}

// Store is the per-session sample buffer. Every schema channel is always
// present, possibly empty. It is not safe for concurrent use; the owner
// serializes Append/CommitRow against Snapshot.
type Store struct {
	capacity  int
	full      [channel.Count][]float64
	rings     [channel.Count]*Ring
	last      Row
	seen      channel.Set
	rows      []Row
	published int
	seq       uint64
}

// New creates an empty store whose rings hold capacity values.
func New(capacity int) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	s := &Store{capacity: capacity}
	for i := range s.rings {
		s.rings[i] = NewRing(capacity)
	}
	return s
}

// Capacity is the ring size.
func (s *Store) Capacity() int { return s.capacity }

// Append adds v to both the full history and the ring of id.
func (s *Store) Append(id channel.ID, v float64) {
	if !id.Valid() {
		return
	}
	s.full[id] = append(s.full[id], v)
	s.rings[id].Push(v)
	s.last[id] = v
	s.seen = s.seen.Add(id)
}

// CommitRow records the last known value of every channel as one row.
// Channels never appended are written as 0.
func (s *Store) CommitRow() {
	s.rows = append(s.rows, s.last)
}

// Len is the full history length of id.
func (s *Store) Len(id channel.ID) int {
	if !id.Valid() {
		return 0
	}
	return len(s.full[id])
}

// History copies the full history of id.
func (s *Store) History(id channel.ID) []float64 {
	if !id.Valid() {
		return nil
	}
	return append([]float64{}, s.full[id]...)
}

// Window copies the ring contents of id, oldest first.
func (s *Store) Window(id channel.ID) []float64 {
	if !id.Valid() {
		return nil
	}
	return s.rings[id].Values()
}

// Last returns the most recent value of id and whether it has one.
func (s *Store) Last(id channel.ID) (float64, bool) {
	if !id.Valid() || !s.seen.Has(id) {
		return 0, false
	}
	return s.last[id], true
}

// Rows copies the full row log.
func (s *Store) Rows() []Row {
	return append([]Row(nil), s.rows...)
}

// RowCount is the length of the row log.
func (s *Store) RowCount() int { return len(s.rows) }

// Snapshot captures an immutable view of the store. Rows holds only rows
// committed since the previous snapshot.
func (s *Store) Snapshot(now time.Time) *Snapshot {
	s.seq++
	snap := &Snapshot{
		Seq:    s.seq,
		Taken:  now,
		Latest: s.last,
		Seen:   s.seen,
		Rows:   append([]Row(nil), s.rows[s.published:]...),
	}
	for i := range s.rings {
		snap.Windows[i] = s.rings[i].Values()
		snap.Totals[i] = len(s.full[i])
	}
	s.published = len(s.rows)
	return snap
}

// Peek is like Snapshot but leaves the publish position alone and carries no
// rows. It serves readers outside the publish cycle.
func (s *Store) Peek(now time.Time) *Snapshot {
	snap := &Snapshot{Seq: s.seq, Taken: now, Latest: s.last, Seen: s.seen}
	for i := range s.rings {
		snap.Windows[i] = s.rings[i].Values()
		snap.Totals[i] = len(s.full[i])
	}
	return snap
}

// Reset discards every sample, starting a new session.
func (s *Store) Reset() {
	*s = *New(s.capacity)
}

// Snapshot is a consistent copy of the store shared by all subscribers.
// Subscribers must treat it as read-only.
type Snapshot struct {
	Seq     uint64
	Taken   time.Time
	Windows [channel.Count][]float64
	Totals  [channel.Count]int
	Latest  Row
	Seen    channel.Set
	Rows    []Row
}

// Window returns the ring window of id.
func (s *Snapshot) Window(id channel.ID) []float64 {
	if !id.Valid() {
		return nil
	}
	return s.Windows[id]
}

// Value returns the latest value of id and whether the session has one.
func (s *Snapshot) Value(id channel.ID) (float64, bool) {
	if !id.Valid() || !s.Seen.Has(id) {
		return 0, false
	}
	return s.Latest[id], true
}

// ByName maps every channel name to its window. Channels without samples map
// to an empty slice.
func (s *Snapshot) ByName() map[string][]float64 {
	m := make(map[string][]float64, channel.Count)
	for i := 0; i < channel.Count; i++ {
		w := s.Windows[i]
		if w == nil {
			w = []float64{}
		}
		m[channel.ID(i).Name()] = w
	}
	return m
}
