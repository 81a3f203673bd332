// Package rate estimates the sampling rate of the telemetry stream.
package rate

import "time"

const (
	DefaultCapacity = 20
	DefaultCeiling  = 50.0
)

// Estimator keeps a FIFO of accepted instantaneous rates and reports their mean.
// Rates at or above the ceiling come from clock glitches and are rejected.
// Not safe for concurrent use.
type Estimator struct {
	ceiling float64
	samples []float64
	head    int
}

// New returns an Estimator. Non-positive arguments select the defaults.
func New(capacity int, ceiling float64) *Estimator {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if ceiling <= 0 {
		ceiling = DefaultCeiling
	}
	return &Estimator{ceiling: ceiling, samples: make([]float64, 0, capacity)}
}

// Observe feeds the interval between two decoded frames. It returns the smoothed
// rate in Hz, or ok=false when the sample was rejected or no estimate exists.
func (e *Estimator) Observe(interval time.Duration) (hz float64, ok bool) {
	if interval <= 0 {
		return 0, false
	}
	r := float64(time.Second) / float64(interval)
	if !(r < e.ceiling) {
		return 0, false
	}
	if len(e.samples) < cap(e.samples) {
		e.samples = append(e.samples, r)
	} else {
		e.samples[e.head] = r
		e.head = (e.head + 1) % len(e.samples)
	}
	return e.Rate()
}

// Rate returns the current mean without feeding a sample.
func (e *Estimator) Rate() (float64, bool) {
	if len(e.samples) == 0 {
		return 0, false
	}
	var s float64
	for _, v := range e.samples {
		s += v
	}
	return s / float64(len(e.samples)), true
}

// Len is the number of accepted samples held.
func (e *Estimator) Len() int { return len(e.samples) }

// Reset drops all samples.
func (e *Estimator) Reset() {
	e.samples = e.samples[:0]
	e.head = 0
}
