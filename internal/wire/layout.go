package wire

import (
	"fmt"

	"github.com/shaunagostinho/racetelem/internal/channel"
)

// Mode is the leading selector of a wire line.
type Mode int

const (
	// ModeFull carries every wire channel (33 fields).
	ModeFull Mode = iota
	// ModeNoGPS drops GPS and electrical channels when the radio is congested.
	ModeNoGPS
	// ModeDynamics keeps only vehicle dynamics: IMU, wheel speeds, driver inputs, shocks.
	ModeDynamics
	// ModeThermal carries brake/ambient temperatures and electrical load.
	ModeThermal
	// ModeMinimal is the last-resort link-saver layout.
	ModeMinimal
	// ModeTiming is a timing-gate crossing, not telemetry.
	ModeTiming

	telemetryModes = int(ModeTiming)
)

var modeNames = [...]string{"full", "no-gps", "dynamics", "thermal", "minimal", "timing"}

func (m Mode) String() string {
	if m < 0 || int(m) >= len(modeNames) {
		return fmt.Sprintf("mode(%d)", int(m))
	}
	return modeNames[m]
}

// IsTelemetry reports whether m selects one of the telemetry layouts.
func (m Mode) IsTelemetry() bool { return m >= ModeFull && m < ModeTiming }

// Layout is an ordered list of channel names carried by a telemetry mode.
type Layout []string

var defaultLayouts = [telemetryModes][]channel.ID{
	ModeFull: wireChannels(),
	ModeNoGPS: without(wireChannels(),
		channel.GPSLatitude, channel.GPSLongitude,
		channel.BatteryVoltage, channel.CurrentDraw),
	ModeDynamics: {
		channel.Timestamp,
		channel.AccelX, channel.AccelY, channel.AccelZ,
		channel.GyroX, channel.GyroY, channel.GyroZ,
		channel.FrontLeftSpeed, channel.FrontRightSpeed,
		channel.BackLeftSpeed, channel.BackRightSpeed,
		channel.SteeringAngle, channel.ThrottleInput,
		channel.FrontBrakePressure, channel.RearBrakePressure,
		channel.FrontRightShockPot, channel.FrontLeftShockPot,
		channel.BackRightShockPot, channel.BackLeftShockPot,
	},
	ModeThermal: {
		channel.Timestamp,
		channel.FrontLeftBrakeTemp, channel.FrontRightBrakeTemp,
		channel.BackLeftBrakeTemp, channel.BackRightBrakeTemp,
		channel.FrontLeftAmbientTemp, channel.FrontRightAmbientTemp,
		channel.BackLeftAmbientTemp, channel.BackRightAmbientTemp,
		channel.BatteryVoltage, channel.CurrentDraw,
	},
	ModeMinimal: {
		channel.Timestamp,
		channel.AccelX, channel.AccelY,
		channel.FrontLeftSpeed, channel.FrontRightSpeed,
		channel.ThrottleInput, channel.FrontBrakePressure,
		channel.SteeringAngle,
	},
}

// DefaultLayout returns the built-in layout for a telemetry mode.
func DefaultLayout(m Mode) Layout {
	if !m.IsTelemetry() {
		return nil
	}
	ids := defaultLayouts[m]
	out := make(Layout, len(ids))
	for i, id := range ids {
		out[i] = id.Name()
	}
	return out
}

func wireChannels() []channel.ID {
	ids := make([]channel.ID, channel.Wire)
	for i := range ids {
		ids[i] = channel.ID(i)
	}
	return ids
}

func without(ids []channel.ID, drop ...channel.ID) []channel.ID {
	skip := channel.SetOf(drop...)
	out := ids[:0]
	for _, id := range ids {
		if !skip.Has(id) {
			out = append(out, id)
		}
	}
	return out
}

// compiled is a layout resolved against the schema. A slot of -1 is a name the
// schema does not know; its field is decoded and dropped.
type compiled struct {
	ids     []channel.ID
	names   []string
	carried channel.Set
}

func compile(l Layout) compiled {
	c := compiled{ids: make([]channel.ID, len(l)), names: append([]string(nil), l...)}
	for i, name := range l {
		id, ok := channel.Lookup(name)
		if !ok || int(id) >= channel.Wire {
			c.ids[i] = -1
			continue
		}
		c.ids[i] = id
		c.carried = c.carried.Add(id)
	}
	return c
}
