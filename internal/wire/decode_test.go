package wire

import (
	"errors"
	"strings"
	"testing"

	"github.com/shaunagostinho/racetelem/internal/channel"
)

const scenarioA = "0,1.0,100,200,300,10,20,30,55,60,15,56,61,16,54,59,14,57,62,17,500,1,45,80,12,13,40.1,-74.2,12500,3000,5,6,7,8"

func TestDecodeFullFrame(t *testing.T) {
	f, err := Decode(scenarioA)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	tel, ok := f.(*Telemetry)
	if !ok {
		t.Fatalf("Decode() = %T, want *Telemetry", f)
	}
	if tel.Mode != ModeFull {
		t.Errorf("mode = %v, want full", tel.Mode)
	}
	if tel.Carried.Len() != 33 {
		t.Errorf("carried %d channels, want 33", tel.Carried.Len())
	}

	want := map[channel.ID]float64{
		channel.Timestamp:            1.0,
		channel.AccelX:               100,
		channel.GyroZ:                30,
		channel.FrontLeftSpeed:       55,
		channel.BackRightAmbientTemp: 17,
		channel.DifferentialSpeed:    500,
		channel.DRSToggle:            1,
		channel.GPSLatitude:          40.1,
		channel.GPSLongitude:         -74.2,
		channel.BatteryVoltage:       12500,
		channel.FrontRightShockPot:   5,
		channel.BackLeftShockPot:     8,
	}
	for id, v := range want {
		got, ok := tel.Get(id)
		if !ok || got != v {
			t.Errorf("%s = %v (carried %v), want %v", id, got, ok, v)
		}
	}
	if _, ok := tel.Get(channel.RefreshRate); ok {
		t.Error("derived channel reported as carried")
	}
}

func TestDecodeArityPerMode(t *testing.T) {
	wantArity := map[Mode]int{
		ModeFull:     33,
		ModeNoGPS:    29,
		ModeDynamics: 19,
		ModeThermal:  11,
		ModeMinimal:  8,
		ModeTiming:   9,
	}
	d, _ := NewDecoder(nil)
	for m, n := range wantArity {
		if got := d.Arity(m); got != n {
			t.Errorf("Arity(%v) = %d, want %d", m, got, n)
		}
	}
	if d.Arity(Mode(7)) != -1 {
		t.Error("Arity of unknown mode should be -1")
	}
}

// Every telemetry mode populates exactly its layout's channels.
func TestDecodePartialModesCarryOnlyTheirLayout(t *testing.T) {
	d, _ := NewDecoder(nil)
	for m := ModeFull; m < ModeTiming; m++ {
		n := d.Arity(m)
		parts := []string{string(rune('0' + m))}
		for i := 0; i < n; i++ {
			parts = append(parts, "7")
		}
		f, err := d.Decode(strings.Join(parts, ","))
		if err != nil {
			t.Fatalf("mode %v: %v", m, err)
		}
		tel := f.(*Telemetry)
		if tel.Carried.Len() != n {
			t.Errorf("mode %v carried %d, want %d", m, tel.Carried.Len(), n)
		}
		for _, name := range d.Layout(m) {
			id, _ := channel.Lookup(name)
			if v, ok := tel.Get(id); !ok || v != 7 {
				t.Errorf("mode %v: %s = %v, %v", m, name, v, ok)
			}
		}
	}
}

func TestDecodeTiming(t *testing.T) {
	f, err := Decode("5,2,2024,6,15,13,30,5,250,98765.5")
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	tm, ok := f.(*Timing)
	if !ok {
		t.Fatalf("Decode() = %T, want *Timing", f)
	}
	if tm.Gate != 2 || tm.Start.Year != 2024 || tm.Start.Millis != 250 || tm.NowMillis != 98765.5 {
		t.Errorf("unexpected timing frame %+v", tm)
	}
	if f.FrameMode() != ModeTiming {
		t.Errorf("FrameMode() = %v", f.FrameMode())
	}
}

func TestDecodeSkips(t *testing.T) {
	for _, line := range []string{"", "   \r\n", "IMU READ:", "WHEEL READ: ok", "xx DATALOGREAD: 42"} {
		if _, err := Decode(line); !errors.Is(err, ErrSkip) {
			t.Errorf("Decode(%q) error = %v, want ErrSkip", line, err)
		}
	}
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name string
		line string
		mode int
	}{
		{"short", "0,1,2,3", 0},
		{"long timing", "5,1,2,3,4,5,6,7,8,9,10", 5},
		{"non numeric", strings.Replace(scenarioA, "500", "abc", 1), 0},
		{"unknown mode", "8,1,2", 8},
		{"bad mode token", "x,1,2", -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.line)
			if !errors.Is(err, ErrMalformed) {
				t.Fatalf("error = %v, want ErrMalformed", err)
			}
			var de *DecodeError
			if !errors.As(err, &de) {
				t.Fatalf("error %T is not *DecodeError", err)
			}
			if de.Mode != tt.mode {
				t.Errorf("DecodeError.Mode = %d, want %d", de.Mode, tt.mode)
			}
		})
	}
}

func TestModeFromLeadingCharacter(t *testing.T) {
	line := "0.0" + scenarioA[1:]
	f, err := Decode(line)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if f.FrameMode() != ModeFull {
		t.Errorf("mode = %v", f.FrameMode())
	}
}

func TestLayoutOverrideWithUnknownChannel(t *testing.T) {
	d, err := NewDecoder(map[int]Layout{
		int(ModeMinimal): {"Timestamp (ms)", "Turbo Boost (psi)", "Throttle Input"},
	})
	if err != nil {
		t.Fatalf("NewDecoder() error = %v", err)
	}
	f, err := d.Decode("4,10,99,0.5")
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	tel := f.(*Telemetry)
	if len(tel.Dropped) != 1 || tel.Dropped[0] != "Turbo Boost (psi)" {
		t.Errorf("Dropped = %v", tel.Dropped)
	}
	if v, ok := tel.Get(channel.ThrottleInput); !ok || v != 0.5 {
		t.Errorf("Throttle = %v, %v", v, ok)
	}
	if tel.Carried.Len() != 2 {
		t.Errorf("carried %d, want 2", tel.Carried.Len())
	}
}

func TestLayoutOverrideValidation(t *testing.T) {
	if _, err := NewDecoder(map[int]Layout{5: {"Timestamp (ms)"}}); err == nil {
		t.Error("override of timing mode accepted")
	}
	if _, err := NewDecoder(map[int]Layout{1: {}}); err == nil {
		t.Error("empty override accepted")
	}
}

func TestFormatRoundTrip(t *testing.T) {
	d, _ := NewDecoder(nil)
	f, _ := d.Decode(scenarioA)
	tel := f.(*Telemetry)
	line := d.Format(ModeFull, &tel.Values)
	again, err := d.Decode(line)
	if err != nil {
		t.Fatalf("Decode(Format()) error = %v", err)
	}
	if again.(*Telemetry).Values != tel.Values {
		t.Error("values changed through Format/Decode")
	}

	tm := &Timing{Gate: 3, Start: StartTime{2025, 1, 2, 3, 4, 5, 6}, NowMillis: 1234.5}
	back, err := Decode(FormatTiming(tm))
	if err != nil {
		t.Fatalf("Decode(FormatTiming()) error = %v", err)
	}
	if *back.(*Timing) != *tm {
		t.Errorf("timing round trip = %+v, want %+v", back, tm)
	}
}
