package report

import (
	"strings"
	"testing"

	"github.com/shaunagostinho/racetelem/internal/channel"
	"github.com/shaunagostinho/racetelem/internal/history"
)

func row(ts, ax, ay, flShock float64) history.Row {
	var r history.Row
	r[channel.Timestamp] = ts
	r[channel.AccelX] = ax
	r[channel.AccelY] = ay
	r[channel.FrontLeftShockPot] = flShock
	return r
}

func TestFromRows(t *testing.T) {
	rows := []history.Row{
		row(1000, 200, -900, 40),
		row(1500, -1100, 300, 52),
		row(3500, 500, 1200, 35),
	}
	rows[1][channel.FrontRightBrakeTemp] = 410
	rows[2][channel.FrontLeftSpeed] = 61

	c := FromRows(rows)
	if c.Rows != 3 {
		t.Fatalf("Rows = %d", c.Rows)
	}
	if got := c.RunSeconds(); got != 2.5 {
		t.Errorf("RunSeconds = %v", got)
	}
	if c.PeakAccel != 500 || c.PeakBraking != -1100 || c.PeakCornering != 1200 {
		t.Errorf("peaks = %v %v %v", c.PeakAccel, c.PeakBraking, c.PeakCornering)
	}
	if c.MaxFrontRightBrakeTemp != 410 || c.MaxFrontLeftSpeed != 61 {
		t.Errorf("maxima = %+v", c)
	}
	if c.FrontLeftShock.Min != 35 || c.FrontLeftShock.Max != 52 || c.FrontLeftShock.Travel() != 17 {
		t.Errorf("shock = %+v", c.FrontLeftShock)
	}
}

func TestNegativeOnlyCornering(t *testing.T) {
	c := FromRows([]history.Row{row(0, -50, -700, 0), row(10, -60, -200, 0)})
	if c.PeakCornering != 700 || c.PeakAccel != -50 {
		t.Errorf("card = %+v", c)
	}
}

func TestEmptyCard(t *testing.T) {
	var c Card
	if c.RunSeconds() != 0 {
		t.Error("empty card has a run length")
	}
	lines := c.Lines()
	if len(lines) != 13 || !strings.HasPrefix(lines[0], "Length of Run (s)") {
		t.Errorf("lines = %v", lines)
	}
}

func TestTracker(t *testing.T) {
	tr := NewTracker()
	tr.OnTelemetryBatch(&history.Snapshot{Rows: []history.Row{row(0, 10, 0, 0)}})
	tr.OnTelemetryBatch(&history.Snapshot{})
	tr.OnTelemetryBatch(&history.Snapshot{Rows: []history.Row{row(2000, 30, 0, 0)}})
	if c := tr.Card(); c.Rows != 2 || c.PeakAccel != 30 || c.RunSeconds() != 2 {
		t.Errorf("card = %+v", c)
	}
	tr.Reset()
	if tr.Card().Rows != 0 {
		t.Error("Reset kept rows")
	}
}

func TestDistanceFromGPS(t *testing.T) {
	at := func(lat, lon float64) history.Row {
		var r history.Row
		r[channel.GPSLatitude], r[channel.GPSLongitude] = lat, lon
		return r
	}
	c := FromRows([]history.Row{
		at(0, 0), // no fix
		at(43.0000, -79.0000),
		at(43.0009, -79.0000),     // ~100 m
		at(43.00090001, -79.0000), // below threshold
		at(44.0000, -79.0000),     // glitch, skipped
		at(44.0009, -79.0000),     // ~100 m from the glitch position
	})
	if c.DistanceKm < 0.19 || c.DistanceKm > 0.21 {
		t.Errorf("DistanceKm = %v, want ~0.2", c.DistanceKm)
	}
}
