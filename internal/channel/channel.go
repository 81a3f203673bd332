package channel

import "math/bits"

// ID identifies a telemetry channel. IDs are dense and ordered; the order is the
// column order of every export.
type ID int

const (
	Timestamp ID = iota
	AccelX
	AccelY
	AccelZ
	GyroX
	GyroY
	GyroZ
	FrontLeftSpeed
	FrontLeftBrakeTemp
	FrontLeftAmbientTemp
	FrontRightSpeed
	FrontRightBrakeTemp
	FrontRightAmbientTemp
	BackLeftSpeed
	BackLeftBrakeTemp
	BackLeftAmbientTemp
	BackRightSpeed
	BackRightBrakeTemp
	BackRightAmbientTemp
	DifferentialSpeed
	DRSToggle
	SteeringAngle
	ThrottleInput
	FrontBrakePressure
	RearBrakePressure
	GPSLatitude
	GPSLongitude
	BatteryVoltage
	CurrentDraw
	FrontRightShockPot
	FrontLeftShockPot
	BackRightShockPot
	BackLeftShockPot

	// Derived locally, never on the wire.
	LapCounter
	RefreshRate

	// Count is the number of channels in the schema.
	Count int = iota
)

// Wire is the number of channels a full mode-0 frame carries.
const Wire = int(BackLeftShockPot) + 1

var names = [Count]string{
	Timestamp:             "Timestamp (ms)",
	AccelX:                "X Acceleration (mG)",
	AccelY:                "Y Acceleration (mG)",
	AccelZ:                "Z Acceleration (mG)",
	GyroX:                 "X Gyro (mdps)",
	GyroY:                 "Y Gyro (mdps)",
	GyroZ:                 "Z Gyro (mdps)",
	FrontLeftSpeed:        "Front Left Speed (mph)",
	FrontLeftBrakeTemp:    "Front Left Brake Temp (C)",
	FrontLeftAmbientTemp:  "Front Left Ambient Temperature (C)",
	FrontRightSpeed:       "Front Right Speed (mph)",
	FrontRightBrakeTemp:   "Front Right Brake Temp (C)",
	FrontRightAmbientTemp: "Front Right Ambient Temperature (C)",
	BackLeftSpeed:         "Back Left Speed (mph)",
	BackLeftBrakeTemp:     "Back Left Brake Temp (C)",
	BackLeftAmbientTemp:   "Back Left Ambient Temperature (C)",
	BackRightSpeed:        "Back Right Speed (mph)",
	BackRightBrakeTemp:    "Back Right Brake Temp (C)",
	BackRightAmbientTemp:  "Back Right Ambient Temperature (C)",
	DifferentialSpeed:     "Differential Speed (RPM)",
	DRSToggle:             "DRS Toggle",
	SteeringAngle:         "Steering Angle (deg)",
	ThrottleInput:         "Throttle Input",
	FrontBrakePressure:    "Front Brake Pressure (BAR)",
	RearBrakePressure:     "Rear Brake Pressure (BAR)",
	GPSLatitude:           "GPS Latitude (DD)",
	GPSLongitude:          "GPS Longitude (DD)",
	BatteryVoltage:        "Battery Voltage (mV)",
	CurrentDraw:           "Current Draw (mA)",
	FrontRightShockPot:    "Front Right Shock Pot (mm)",
	FrontLeftShockPot:     "Front Left Shock Pot (mm)",
	BackRightShockPot:     "Back Right Shock Pot (mm)",
	BackLeftShockPot:      "Back Left Shock Pot (mm)",
	LapCounter:            "Lap Counter",
	RefreshRate:           "Refresh Rate",
}

var byName = func() map[string]ID {
	m := make(map[string]ID, Count)
	for i, n := range names {
		m[n] = ID(i)
	}
	return m
}()

// Name returns the stable display name used as the channel key everywhere.
func (id ID) Name() string {
	if !id.Valid() {
		return "unknown"
	}
	return names[id]
}

func (id ID) String() string { return id.Name() }

// Valid reports whether id is inside the schema.
func (id ID) Valid() bool { return id >= 0 && int(id) < Count }

// Lookup resolves a channel by its exact name.
func Lookup(name string) (ID, bool) {
	id, ok := byName[name]
	return id, ok
}

// Names returns the schema names in column order.
func Names() []string {
	out := make([]string, Count)
	copy(out, names[:])
	return out
}

// Set is a bitset of channel IDs.
type Set uint64

// SetOf builds a Set containing ids.
func SetOf(ids ...ID) Set {
	var s Set
	for _, id := range ids {
		s = s.Add(id)
	}
	return s
}

func (s Set) Add(id ID) Set       { return s | 1<<uint(id) }
func (s Set) Has(id ID) bool      { return s&(1<<uint(id)) != 0 }
func (s Set) Len() int            { return bits.OnesCount64(uint64(s)) }
func (s Set) Union(o Set) Set     { return s | o }
func (s Set) Without(id ID) Set   { return s &^ (1 << uint(id)) }
func (s Set) Intersect(o Set) Set { return s & o }

// IDs lists the members of s in schema order.
func (s Set) IDs() []ID {
	out := make([]ID, 0, s.Len())
	for i := 0; i < Count; i++ {
		if s.Has(ID(i)) {
			out = append(out, ID(i))
		}
	}
	return out
}
