package channel

import "testing"

func TestSchemaOrder(t *testing.T) {
	n := Names()
	if len(n) != Count {
		t.Fatalf("Names() len = %d, want %d", len(n), Count)
	}
	if n[0] != "Timestamp (ms)" {
		t.Errorf("first channel = %q", n[0])
	}
	if n[Count-1] != "Refresh Rate" {
		t.Errorf("last channel = %q", n[Count-1])
	}
	if Wire != 33 {
		t.Errorf("Wire = %d, want 33", Wire)
	}
}

func TestLookupRoundTrip(t *testing.T) {
	for i := 0; i < Count; i++ {
		id := ID(i)
		got, ok := Lookup(id.Name())
		if !ok || got != id {
			t.Errorf("Lookup(%q) = %v, %v", id.Name(), got, ok)
		}
	}
	if _, ok := Lookup("Flux Capacitor (GW)"); ok {
		t.Error("Lookup of unknown name succeeded")
	}
}

func TestNamesReturnsCopy(t *testing.T) {
	n := Names()
	n[0] = "mutated"
	if Timestamp.Name() != "Timestamp (ms)" {
		t.Error("Names() exposed internal storage")
	}
}

func TestSet(t *testing.T) {
	s := SetOf(AccelX, BackLeftShockPot, RefreshRate)
	if s.Len() != 3 {
		t.Fatalf("Len = %d, want 3", s.Len())
	}
	if !s.Has(BackLeftShockPot) || s.Has(AccelY) {
		t.Error("Has reports wrong membership")
	}
	ids := s.IDs()
	if ids[0] != AccelX || ids[2] != RefreshRate {
		t.Errorf("IDs not in schema order: %v", ids)
	}
	if s.Without(AccelX).Has(AccelX) {
		t.Error("Without did not remove")
	}
}

func TestInvalidID(t *testing.T) {
	if ID(-1).Valid() || ID(Count).Valid() {
		t.Error("out-of-range IDs reported valid")
	}
	if ID(Count).Name() != "unknown" {
		t.Error("out-of-range name")
	}
	if TimingField(TimingCount).Name() != "unknown" {
		t.Error("out-of-range timing field name")
	}
	if NowMillis.Name() != "Now Millis" {
		t.Errorf("NowMillis.Name() = %q", NowMillis.Name())
	}
}
