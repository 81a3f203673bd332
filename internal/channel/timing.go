package channel

// TimingField indexes the fields of a timing-gate frame.
type TimingField int

const (
	GateNumber TimingField = iota
	StartingYear
	StartingMonth
	StartingDay
	StartingHour
	StartingMinute
	StartingSecond
	StartingMillis
	NowMillis

	TimingCount int = iota
)

var timingNames = [TimingCount]string{
	GateNumber:     "Gate Number",
	StartingYear:   "Starting Year",
	StartingMonth:  "Starting Month",
	StartingDay:    "Starting Day",
	StartingHour:   "Starting Hour",
	StartingMinute: "Starting Minute",
	StartingSecond: "Starting Second",
	StartingMillis: "Starting Millis",
	NowMillis:      "Now Millis",
}

func (f TimingField) Name() string {
	if f < 0 || int(f) >= TimingCount {
		return "unknown"
	}
	return timingNames[f]
}

// TimingNames returns the timing catalog in wire order.
func TimingNames() []string {
	out := make([]string, TimingCount)
	copy(out, timingNames[:])
	return out
}
