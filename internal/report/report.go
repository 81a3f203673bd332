// Package report computes the session report card: run length, peak g-loads,
// wheel and brake maxima and suspension travel.
package report

import (
	"fmt"
	"math"
	"sync"

	"github.com/shaunagostinho/racetelem/internal/channel"
	"github.com/shaunagostinho/racetelem/internal/history"
	"github.com/shaunagostinho/racetelem/internal/hub"
)

// Range is the observed span of one channel.
type Range struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// Travel is Max - Min.
func (r Range) Travel() float64 { return r.Max - r.Min }

func (r *Range) add(v float64, first bool) {
	if first {
		r.Min, r.Max = v, v
		return
	}
	r.Min = math.Min(r.Min, v)
	r.Max = math.Max(r.Max, v)
}

// Card accumulates peaks over a run of rows. The zero value is an empty card.
type Card struct {
	Rows int `json:"rows"`

	FirstTimestamp float64 `json:"firstTimestamp"`
	LastTimestamp  float64 `json:"lastTimestamp"`

	PeakAccel     float64 `json:"peakAccel"`     // max X, mG
	PeakBraking   float64 `json:"peakBraking"`   // min X, mG
	PeakCornering float64 `json:"peakCornering"` // max |Y|, mG

	MaxFrontLeftSpeed      float64 `json:"maxFrontLeftSpeed"`
	MaxFrontRightSpeed     float64 `json:"maxFrontRightSpeed"`
	MaxFrontLeftBrakeTemp  float64 `json:"maxFrontLeftBrakeTemp"`
	MaxFrontRightBrakeTemp float64 `json:"maxFrontRightBrakeTemp"`

	FrontLeftShock  Range `json:"frontLeftShock"`
	FrontRightShock Range `json:"frontRightShock"`
	BackLeftShock   Range `json:"backLeftShock"`
	BackRightShock  Range `json:"backRightShock"`

	// DistanceKm is accumulated from the GPS channels.
	DistanceKm float64 `json:"distanceKm"`

	lastLat, lastLon float64
	hasFix           bool
}

// Add folds one row into the card.
func (c *Card) Add(r *history.Row) {
	first := c.Rows == 0
	c.Rows++

	ts := r[channel.Timestamp]
	if first {
		c.FirstTimestamp = ts
		c.PeakAccel = r[channel.AccelX]
		c.PeakBraking = r[channel.AccelX]
		c.PeakCornering = math.Abs(r[channel.AccelY])
		c.MaxFrontLeftSpeed = r[channel.FrontLeftSpeed]
		c.MaxFrontRightSpeed = r[channel.FrontRightSpeed]
		c.MaxFrontLeftBrakeTemp = r[channel.FrontLeftBrakeTemp]
		c.MaxFrontRightBrakeTemp = r[channel.FrontRightBrakeTemp]
	} else {
		c.PeakAccel = math.Max(c.PeakAccel, r[channel.AccelX])
		c.PeakBraking = math.Min(c.PeakBraking, r[channel.AccelX])
		c.PeakCornering = math.Max(c.PeakCornering, math.Abs(r[channel.AccelY]))
		c.MaxFrontLeftSpeed = math.Max(c.MaxFrontLeftSpeed, r[channel.FrontLeftSpeed])
		c.MaxFrontRightSpeed = math.Max(c.MaxFrontRightSpeed, r[channel.FrontRightSpeed])
		c.MaxFrontLeftBrakeTemp = math.Max(c.MaxFrontLeftBrakeTemp, r[channel.FrontLeftBrakeTemp])
		c.MaxFrontRightBrakeTemp = math.Max(c.MaxFrontRightBrakeTemp, r[channel.FrontRightBrakeTemp])
	}
	c.LastTimestamp = ts

	c.FrontLeftShock.add(r[channel.FrontLeftShockPot], first)
	c.FrontRightShock.add(r[channel.FrontRightShockPot], first)
	c.BackLeftShock.add(r[channel.BackLeftShockPot], first)
	c.BackRightShock.add(r[channel.BackRightShockPot], first)

	c.addPosition(r[channel.GPSLatitude], r[channel.GPSLongitude])
}

// addPosition accumulates distance between GPS fixes. 0,0 is "no fix".
func (c *Card) addPosition(lat, lon float64) {
	if lat == 0 && lon == 0 {
		return
	}
	if !c.hasFix {
		c.lastLat, c.lastLon, c.hasFix = lat, lon, true
		return
	}

	dist := haversineKm(c.lastLat, c.lastLon, lat, lon)

	// Ignore jumps > 500m between rows (GPS glitch)
	if dist > 0.5 {
		c.lastLat, c.lastLon = lat, lon
		return
	}
	// Minimum movement threshold: ~2 meters
	if dist > 0.002 {
		c.DistanceKm += dist
		c.lastLat, c.lastLon = lat, lon
	}
}

// haversineKm calculates the great-circle distance between two lat/lon points.
func haversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371.0 // Earth radius km
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*
			math.Sin(dLon/2)*math.Sin(dLon/2)
	return R * 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

// RunSeconds is the time covered by the card. Timestamps are milliseconds.
func (c *Card) RunSeconds() float64 {
	if c.Rows == 0 {
		return 0
	}
	return (c.LastTimestamp - c.FirstTimestamp) / 1000
}

// Lines renders the card one labelled value per line.
func (c *Card) Lines() []string {
	return []string{
		fmt.Sprintf("Length of Run (s): %.3f", c.RunSeconds()),
		fmt.Sprintf("Peak Accel (mG): %.0f", c.PeakAccel),
		fmt.Sprintf("Peak Braking (mG): %.0f", c.PeakBraking),
		fmt.Sprintf("Peak Cornering (mG): %.0f", c.PeakCornering),
		fmt.Sprintf("Max FL Wheel Speed: %.1f", c.MaxFrontLeftSpeed),
		fmt.Sprintf("Max FL Rotor Temperature (C): %.1f", c.MaxFrontLeftBrakeTemp),
		fmt.Sprintf("Max FR Wheel Speed: %.1f", c.MaxFrontRightSpeed),
		fmt.Sprintf("Max FR Rotor Temperature (C): %.1f", c.MaxFrontRightBrakeTemp),
		fmt.Sprintf("FR Shock Travel Range (mm): %.1f", c.FrontRightShock.Travel()),
		fmt.Sprintf("FL Shock Travel Range (mm): %.1f", c.FrontLeftShock.Travel()),
		fmt.Sprintf("RL Shock Travel Range (mm): %.1f", c.BackLeftShock.Travel()),
		fmt.Sprintf("RR Shock Travel Range (mm): %.1f", c.BackRightShock.Travel()),
		fmt.Sprintf("Distance (km): %.3f", c.DistanceKm),
	}
}

// FromRows builds a card over rows.
func FromRows(rows []history.Row) Card {
	var c Card
	for i := range rows {
		c.Add(&rows[i])
	}
	return c
}

// Tracker keeps a live card. It is a hub subscriber.
type Tracker struct {
	mu   sync.RWMutex
	card Card
}

func NewTracker() *Tracker { return &Tracker{} }

func (t *Tracker) OnTelemetryBatch(snap *history.Snapshot) {
	if len(snap.Rows) == 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range snap.Rows {
		t.card.Add(&snap.Rows[i])
	}
}

func (t *Tracker) OnTimingEvent(hub.TimingEvent) {}

// Card returns a copy of the current card.
func (t *Tracker) Card() Card {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.card
}

func (t *Tracker) Reset() {
	t.mu.Lock()
	t.card = Card{}
	t.mu.Unlock()
}
