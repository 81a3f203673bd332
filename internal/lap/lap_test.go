package lap

import (
	"errors"
	"math"
	"testing"

	"github.com/shaunagostinho/racetelem/internal/wire"
)

var start = wire.StartTime{Year: 2024, Month: 6, Day: 15, Hour: 13, Minute: 30, Second: 5, Millis: 250}

func cross(gate int, now float64) wire.Timing {
	return wire.Timing{Gate: gate, Start: start, NowMillis: now}
}

func TestSingleLapAcrossTwoGates(t *testing.T) {
	c := NewCorrelator()
	if _, ok := c.RecordCrossing(cross(1, 1000)); ok {
		t.Fatal("first sighting emitted a lap")
	}
	if _, ok := c.RecordCrossing(cross(2, 31000)); ok {
		t.Fatal("first sighting of gate 2 emitted a lap")
	}
	ev, ok := c.RecordCrossing(cross(1, 61000))
	if !ok {
		t.Fatal("second crossing of start/finish did not close a lap")
	}
	if ev.Millis != 60000 || ev.Seconds() != 60 || ev.Number != 1 {
		t.Errorf("lap = %+v", ev)
	}
	want := []Sector{{From: 1, To: 2, Millis: 30000}, {From: 2, To: 1, Millis: 30000}}
	if len(ev.Sectors) != len(want) {
		t.Fatalf("sectors = %+v", ev.Sectors)
	}
	for i := range want {
		if ev.Sectors[i] != want[i] {
			t.Errorf("sector %d = %+v, want %+v", i, ev.Sectors[i], want[i])
		}
	}
	if c.LapCount() != 1 {
		t.Errorf("LapCount = %d", c.LapCount())
	}
}

func TestDuplicateLapTimeSuppressed(t *testing.T) {
	c := NewCorrelator()
	var emitted []Event
	for _, now := range []float64{1000, 61000, 121000, 121000, 185000} {
		if ev, ok := c.RecordCrossing(cross(1, now)); ok {
			emitted = append(emitted, ev)
		}
	}
	if len(emitted) != 2 {
		t.Fatalf("emitted %d laps, want 2: %+v", len(emitted), emitted)
	}
	if emitted[0].Millis != 60000 || emitted[1].Millis != 64000 {
		t.Errorf("laps = %v, %v", emitted[0].Millis, emitted[1].Millis)
	}
}

func TestSectorsSumToLapWithStartOffsets(t *testing.T) {
	c := NewCorrelator()
	// Gate 2 booted 500ms after gate 1, so its counter runs 500ms behind.
	late := start
	late.Millis += 500
	gates := []wire.Timing{
		cross(1, 10000),
		{Gate: 2, Start: late, NowMillis: 19500},
		cross(3, 35000),
		cross(1, 52000),
	}
	var ev Event
	var ok bool
	for _, g := range gates {
		ev, ok = c.RecordCrossing(g)
	}
	if !ok {
		t.Fatal("no lap")
	}
	var sum float64
	for _, s := range ev.Sectors {
		sum += s.Millis
	}
	if len(ev.Sectors) != 3 || math.Abs(sum-ev.Millis) > 1e-6 {
		t.Errorf("sectors %+v sum %v, lap %v", ev.Sectors, sum, ev.Millis)
	}
	if ev.Sectors[0].Millis != 10000 {
		t.Errorf("first sector = %v, want 10000", ev.Sectors[0].Millis)
	}
}

func TestReorderChangesReference(t *testing.T) {
	c := NewCorrelator()
	c.RecordCrossing(cross(1, 1000))
	c.RecordCrossing(cross(2, 20000))
	if err := c.Reorder([]int{2, 1}); err != nil {
		t.Fatal(err)
	}
	if _, ok := c.RecordCrossing(cross(1, 61000)); ok {
		t.Error("gate 1 closed a lap after losing start/finish")
	}
	ev, ok := c.RecordCrossing(cross(2, 80000))
	if !ok || ev.Millis != 60000 {
		t.Fatalf("lap = %+v, %v", ev, ok)
	}
	if ev.Sectors[0].From != 2 || ev.Sectors[0].To != 1 || ev.Sectors[0].Millis != 41000 {
		t.Errorf("sectors = %+v", ev.Sectors)
	}

	for _, bad := range [][]int{{1}, {1, 1}, {1, 3}} {
		if err := c.Reorder(bad); !errors.Is(err, ErrBadOrder) {
			t.Errorf("Reorder(%v) error = %v", bad, err)
		}
	}
}

func TestSplits(t *testing.T) {
	c := NewCorrelator()
	if c.Splits() != nil {
		t.Error("splits on empty correlator")
	}
	c.RecordCrossing(cross(1, 1000))
	c.RecordCrossing(cross(2, 4500))
	s := c.Splits()
	if len(s) != 2 || s[0].Millis != 1000 || s[1].Delta != 3500 {
		t.Errorf("splits = %+v", s)
	}
}

func TestZeroAndDelete(t *testing.T) {
	c := NewCorrelator()
	c.RecordCrossing(cross(1, 1000))
	c.RecordCrossing(cross(1, 61000))
	c.Zero()
	if _, ok := c.RecordCrossing(cross(1, 121000)); ok {
		t.Error("crossing right after Zero closed a lap")
	}
	if ev, ok := c.RecordCrossing(cross(1, 181000)); !ok || ev.Millis != 60000 {
		t.Errorf("lap after zero = %+v, %v", ev, ok)
	}

	if !c.Delete(1) || c.Delete(1) {
		t.Error("Delete result wrong")
	}
	if len(c.Order()) != 0 {
		t.Errorf("order = %v", c.Order())
	}
	if len(c.Laps()) != 2 {
		t.Errorf("laps = %d, want 2 kept after delete", len(c.Laps()))
	}
}

func TestStartingDelta(t *testing.T) {
	got := StartingDelta(wire.StartTime{Year: 1, Month: 1, Day: 1, Hour: 1, Minute: 1, Second: 1, Millis: 1})
	want := float64(31557600000 + 2629800000 + 86400000 + 3600000 + 60000 + 1000 + 1)
	if got != want {
		t.Errorf("StartingDelta = %v, want %v", got, want)
	}
}
