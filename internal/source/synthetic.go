package source

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/shaunagostinho/racetelem/internal/channel"
	"github.com/shaunagostinho/racetelem/internal/wire"
)

// SyntheticConfig tunes the generated session.
type SyntheticConfig struct {
	// Rate is the frame rate in Hz.
	Rate float64 `yaml:"rate" json:"rate"`
	// Gates is the number of timing gates around the simulated track.
	Gates int `yaml:"gates" json:"gates"`
	// LapTime is the nominal lap duration.
	LapTime time.Duration `yaml:"lap_time" json:"lapTime"`
	Seed    int64         `yaml:"seed" json:"seed"`
}

const gateBootMillis = 5000

// Synthetic generates plausible mode-0 frames and gate crossings for running
// without hardware. Lines are produced with wire.Format so they travel the
// same decode path as real data.
type Synthetic struct {
	cfg   SyntheticConfig
	mu    sync.Mutex
	rng   *rand.Rand
	dec   *wire.Decoder
	sleep func(time.Duration)

	open     bool
	t        float64 // virtual seconds since start
	start    time.Time
	nextGate int
	pending  []string
}

// NewSynthetic creates a synthetic source. Zero fields select 20 Hz, three
// gates and a 60s lap. Negative Gates disables timing lines.
func NewSynthetic(cfg SyntheticConfig) *Synthetic {
	if cfg.Rate <= 0 {
		cfg.Rate = 20
	}
	if cfg.Gates < 0 {
		cfg.Gates = 0
	} else if cfg.Gates == 0 {
		cfg.Gates = 3
	}
	if cfg.LapTime <= 0 {
		cfg.LapTime = time.Minute
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	dec, _ := wire.NewDecoder(nil)
	return &Synthetic{
		cfg:   cfg,
		rng:   rand.New(rand.NewSource(seed)),
		dec:   dec,
		sleep: time.Sleep,
	}
}

func (s *Synthetic) Name() string { return "Synthetic (Simulated)" }

// Interval is the pause between two frames.
func (s *Synthetic) Interval() time.Duration {
	return time.Duration(float64(time.Second) / s.cfg.Rate)
}

func (s *Synthetic) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.open = true
	s.t = 0
	s.start = time.Now()
	s.nextGate = 0
	s.pending = nil
	return nil
}

func (s *Synthetic) Close() error {
	s.mu.Lock()
	s.open = false
	s.mu.Unlock()
	return nil
}

// ReadLine sleeps one frame interval, then returns the next line. Gate
// crossings due on a frame are returned ahead of it without sleeping.
func (s *Synthetic) ReadLine() (string, error) {
	if line, ok := s.popPending(); ok {
		return line, nil
	}
	s.sleep(s.Interval())

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return "", ErrPortClosed
	}
	s.t += 1 / s.cfg.Rate
	s.queueCrossings()
	s.pending = append(s.pending, s.frame())
	line := s.pending[0]
	s.pending = s.pending[1:]
	return line, nil
}

func (s *Synthetic) popPending() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open || len(s.pending) == 0 {
		return "", false
	}
	line := s.pending[0]
	s.pending = s.pending[1:]
	return line, true
}

// queueCrossings emits a crossing for every gate the car passed since the
// previous frame. Gates are spread evenly around the lap.
func (s *Synthetic) queueCrossings() {
	if s.cfg.Gates == 0 {
		return
	}
	lap := s.cfg.LapTime.Seconds()
	for {
		due := (float64(s.nextGate) / float64(s.cfg.Gates)) * lap
		if due > s.t {
			return
		}
		gate := s.nextGate%s.cfg.Gates + 1
		st := s.start.UTC()
		tm := &wire.Timing{
			Gate: gate,
			Start: wire.StartTime{
				Year: st.Year(), Month: int(st.Month()), Day: st.Day(),
				Hour: st.Hour(), Minute: st.Minute(), Second: st.Second(),
				Millis: st.Nanosecond() / int(time.Millisecond),
			},
			// Gate counters start at boot, a few seconds before the session.
			NowMillis: math.Round(gateBootMillis + due*1000 + s.rng.Float64()*40),
		}
		s.pending = append(s.pending, wire.FormatTiming(tm))
		s.nextGate++
	}
}

func (s *Synthetic) frame() string {
	t := s.t
	r := s.rng.Float64
	var v [channel.Count]float64

	// Lap phase drives throttle/brake/steering.
	phase := math.Mod(t, s.cfg.LapTime.Seconds()) / s.cfg.LapTime.Seconds() * 2 * math.Pi
	throttle := clamp(0.6+0.5*math.Sin(phase*4), 0, 1)
	brake := clamp(-math.Sin(phase*4)*60, 0, 60)
	steer := 90 * math.Sin(phase*3)
	speed := 25 + 30*throttle + r()*2

	v[channel.Timestamp] = math.Round(t * 1000)
	v[channel.AccelX] = throttle*400 - brake*15 + r()*20
	v[channel.AccelY] = steer*12 + r()*20
	v[channel.AccelZ] = 1000 + r()*30
	v[channel.GyroX] = r()*200 - 100
	v[channel.GyroY] = r()*200 - 100
	v[channel.GyroZ] = steer * 300
	for i, id := range []channel.ID{channel.FrontLeftSpeed, channel.FrontRightSpeed, channel.BackLeftSpeed, channel.BackRightSpeed} {
		v[id] = speed + float64(i%2)*steer/90 + r()
	}
	for _, id := range []channel.ID{channel.FrontLeftBrakeTemp, channel.FrontRightBrakeTemp, channel.BackLeftBrakeTemp, channel.BackRightBrakeTemp} {
		v[id] = 150 + brake*3 + r()*10
	}
	for _, id := range []channel.ID{channel.FrontLeftAmbientTemp, channel.FrontRightAmbientTemp, channel.BackLeftAmbientTemp, channel.BackRightAmbientTemp} {
		v[id] = 28 + r()*2
	}
	v[channel.DifferentialSpeed] = speed * 30
	if throttle > 0.95 {
		v[channel.DRSToggle] = 1
	}
	v[channel.SteeringAngle] = steer
	v[channel.ThrottleInput] = math.Round(throttle * 100)
	v[channel.FrontBrakePressure] = brake
	v[channel.RearBrakePressure] = brake * 0.7
	v[channel.GPSLatitude] = 40.4237 + 0.002*math.Sin(phase)
	v[channel.GPSLongitude] = -86.9212 + 0.003*math.Cos(phase)
	v[channel.BatteryVoltage] = 12600 - r()*300
	v[channel.CurrentDraw] = 3000 + throttle*2000 + r()*100
	for _, id := range []channel.ID{channel.FrontRightShockPot, channel.FrontLeftShockPot, channel.BackRightShockPot, channel.BackLeftShockPot} {
		v[id] = 25 + brake/6 + steer/20 + r()*3
	}
	return s.dec.Format(wire.ModeFull, &v)
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
