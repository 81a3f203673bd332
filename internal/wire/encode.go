package wire

import (
	"strconv"
	"strings"

	"github.com/shaunagostinho/racetelem/internal/channel"
)

// Format renders values as a telemetry line of mode m using d's layout.
// Unknown layout slots are written as 0.
func (d *Decoder) Format(m Mode, values *[channel.Count]float64) string {
	if !m.IsTelemetry() {
		return ""
	}
	l := &d.layouts[m]
	var b strings.Builder
	b.WriteString(strconv.Itoa(int(m)))
	for _, id := range l.ids {
		b.WriteByte(',')
		v := 0.0
		if id >= 0 {
			v = values[id]
		}
		b.WriteString(strconv.FormatFloat(v, 'f', -1, 64))
	}
	return b.String()
}

// FormatTiming renders a gate crossing as a mode 5 line.
func FormatTiming(t *Timing) string {
	fields := []int{
		int(ModeTiming), t.Gate,
		t.Start.Year, t.Start.Month, t.Start.Day,
		t.Start.Hour, t.Start.Minute, t.Start.Second, t.Start.Millis,
	}
	var b strings.Builder
	for i, f := range fields {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.Itoa(f))
	}
	b.WriteByte(',')
	b.WriteString(strconv.FormatFloat(t.NowMillis, 'f', -1, 64))
	return b.String()
}
