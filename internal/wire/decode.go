package wire

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/shaunagostinho/racetelem/internal/channel"
)

var (
	// ErrSkip marks lines that carry no frame (blank lines, firmware banners).
	// Callers drop them without logging.
	ErrSkip = errors.New("wire: no frame on line")
	// ErrMalformed is wrapped by every *DecodeError.
	ErrMalformed = errors.New("wire: malformed frame")
	// ErrUnknownChannel is reported for layout names the schema does not know.
	ErrUnknownChannel = errors.New("wire: unknown channel")
)

// Firmware prints these banners between frames while it polls its sensors.
var sentinels = []string{"IMU READ:", "WHEEL READ:", "DATALOGREAD:"}

// TimingArity is the number of fields after the mode token on a timing line.
const TimingArity = channel.TimingCount

// DecodeError describes a dropped line.
type DecodeError struct {
	Line   string
	Mode   int // -1 when the mode could not be read
	Reason string
}

func (e *DecodeError) Error() string {
	if e.Mode < 0 {
		return fmt.Sprintf("wire: malformed frame: %s", e.Reason)
	}
	return fmt.Sprintf("wire: malformed mode %d frame: %s", e.Mode, e.Reason)
}

func (e *DecodeError) Unwrap() error { return ErrMalformed }

// Frame is either *Telemetry or *Timing.
type Frame interface {
	FrameMode() Mode
}

// Telemetry is a decoded telemetry line. Only channels in Carried hold decoded
// values; all other entries of Values are zero and must not be applied.
type Telemetry struct {
	Mode    Mode
	Values  [channel.Count]float64
	Carried channel.Set
	// Dropped lists layout names that are not in the schema.
	Dropped []string
}

func (t *Telemetry) FrameMode() Mode { return t.Mode }

// Get returns the value of id and whether this frame carried it.
func (t *Telemetry) Get(id channel.ID) (float64, bool) {
	if !id.Valid() || !t.Carried.Has(id) {
		return 0, false
	}
	return t.Values[id], true
}

// StartTime is the wall-clock session start a timing gate reports.
type StartTime struct {
	Year, Month, Day, Hour, Minute, Second, Millis int
}

// Timing is a decoded gate-crossing line.
type Timing struct {
	Gate      int
	Start     StartTime
	NowMillis float64
}

func (t *Timing) FrameMode() Mode { return ModeTiming }

// Decoder maps wire lines onto the channel schema.
type Decoder struct {
	layouts [telemetryModes]compiled
}

// NewDecoder builds a decoder using the default layouts, replaced per mode by any
// entry in overrides.
func NewDecoder(overrides map[int]Layout) (*Decoder, error) {
	d := &Decoder{}
	for m := 0; m < telemetryModes; m++ {
		d.layouts[m] = compile(DefaultLayout(Mode(m)))
	}
	for m, l := range overrides {
		if !Mode(m).IsTelemetry() {
			return nil, fmt.Errorf("wire: layout override for non-telemetry mode %d", m)
		}
		if len(l) == 0 {
			return nil, fmt.Errorf("wire: empty layout override for mode %d", m)
		}
		d.layouts[m] = compile(l)
	}
	return d, nil
}

var defaultDecoder, _ = NewDecoder(nil)

// Decode decodes line with the default layouts.
func Decode(line string) (Frame, error) { return defaultDecoder.Decode(line) }

// Arity returns the number of fields after the mode token for m, or -1.
func (d *Decoder) Arity(m Mode) int {
	switch {
	case m.IsTelemetry():
		return len(d.layouts[m].ids)
	case m == ModeTiming:
		return TimingArity
	}
	return -1
}

// Layout returns the names a telemetry mode carries, in wire order.
func (d *Decoder) Layout(m Mode) Layout {
	if !m.IsTelemetry() {
		return nil
	}
	return append(Layout(nil), d.layouts[m].names...)
}

// Decode parses one line. It returns ErrSkip for lines without a frame and a
// *DecodeError for lines that look like frames but cannot be decoded.
func (d *Decoder) Decode(line string) (Frame, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, ErrSkip
	}
	for _, s := range sentinels {
		if strings.Contains(line, s) {
			return nil, ErrSkip
		}
	}

	tokens := strings.Split(line, ",")
	head := strings.TrimSpace(tokens[0])
	if head == "" || head[0] < '0' || head[0] > '9' {
		return nil, &DecodeError{Line: line, Mode: -1, Reason: fmt.Sprintf("bad mode token %q", head)}
	}
	mode := Mode(head[0] - '0')
	want := d.Arity(mode)
	if want < 0 {
		return nil, &DecodeError{Line: line, Mode: int(mode), Reason: "unknown mode"}
	}

	fields := tokens[1:]
	if len(fields) != want {
		return nil, &DecodeError{Line: line, Mode: int(mode),
			Reason: fmt.Sprintf("got %d fields, want %d", len(fields), want)}
	}
	values := make([]float64, len(fields))
	for i, f := range fields {
		v, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
		if err != nil {
			return nil, &DecodeError{Line: line, Mode: int(mode),
				Reason: fmt.Sprintf("field %d: %q is not a number", i+1, f)}
		}
		values[i] = v
	}

	if mode == ModeTiming {
		return decodeTiming(values), nil
	}

	l := &d.layouts[mode]
	t := &Telemetry{Mode: mode, Carried: l.carried}
	for i, id := range l.ids {
		if id < 0 {
			t.Dropped = append(t.Dropped, l.names[i])
			continue
		}
		t.Values[id] = values[i]
	}
	return t, nil
}

func decodeTiming(v []float64) *Timing {
	return &Timing{
		Gate: int(v[channel.GateNumber]),
		Start: StartTime{
			Year:   int(v[channel.StartingYear]),
			Month:  int(v[channel.StartingMonth]),
			Day:    int(v[channel.StartingDay]),
			Hour:   int(v[channel.StartingHour]),
			Minute: int(v[channel.StartingMinute]),
			Second: int(v[channel.StartingSecond]),
			Millis: int(v[channel.StartingMillis]),
		},
		NowMillis: v[channel.NowMillis],
	}
}
