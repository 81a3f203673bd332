package logger

import (
	"bytes"
	"encoding/csv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/shaunagostinho/racetelem/internal/channel"
	"github.com/shaunagostinho/racetelem/internal/history"
	"github.com/shaunagostinho/racetelem/internal/hub"
)

func batch(vals ...float64) *history.Snapshot {
	snap := &history.Snapshot{}
	for _, v := range vals {
		var r history.Row
		r[channel.Timestamp] = v
		snap.Rows = append(snap.Rows, r)
	}
	return snap
}

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	recs, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	return recs
}

func TestRecordsRowsFromBatches(t *testing.T) {
	dir := t.TempDir()
	l := New(Config{Enabled: true, Path: dir})
	l.OnTelemetryBatch(batch(1, 2))
	l.OnTelemetryBatch(batch())
	l.OnTelemetryBatch(batch(3.5))
	l.Close()

	files, _ := filepath.Glob(filepath.Join(dir, "telemetry_*.csv"))
	if len(files) != 1 {
		t.Fatalf("files = %v", files)
	}
	recs := readCSV(t, files[0])
	if len(recs) != 4 {
		t.Fatalf("records = %d, want header + 3", len(recs))
	}
	if recs[0][0] != "Timestamp (ms)" || len(recs[0]) != channel.Count {
		t.Errorf("header = %v", recs[0])
	}
	if recs[3][0] != "3.5" {
		t.Errorf("last row timestamp = %q", recs[3][0])
	}
	if l.Written() != 3 {
		t.Errorf("Written = %d", l.Written())
	}
}

func TestDisabledLoggerWritesNothing(t *testing.T) {
	dir := t.TempDir()
	l := New(Config{Path: dir})
	l.OnTelemetryBatch(batch(1))
	if files, _ := filepath.Glob(filepath.Join(dir, "*.csv")); len(files) != 0 {
		t.Errorf("disabled logger created %v", files)
	}
	l.SetEnabled(true)
	if !l.IsEnabled() {
		t.Fatal("SetEnabled(true) ignored")
	}
	l.OnTelemetryBatch(batch(1))
	l.SetEnabled(false)
	if l.Written() != 1 {
		t.Errorf("Written = %d", l.Written())
	}
}

func TestWriteCSV(t *testing.T) {
	var r history.Row
	r[channel.BackLeftShockPot] = 8
	var buf bytes.Buffer
	if err := WriteCSV(&buf, []history.Row{r}); err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("lines = %d", len(lines))
	}
	cells := strings.Split(lines[1], ",")
	if cells[channel.BackLeftShockPot] != "8" {
		t.Errorf("row = %s", lines[1])
	}
}

func TestBatchesAfterCloseAreIgnored(t *testing.T) {
	dir := t.TempDir()
	l := New(Config{Enabled: true, Path: dir})
	l.OnTelemetryBatch(batch(1))
	l.Close()

	l.OnTelemetryBatch(batch(2))
	l.SetEnabled(true)
	l.OnTelemetryBatch(batch(3))

	files, _ := filepath.Glob(filepath.Join(dir, "telemetry_*.csv"))
	if len(files) != 1 {
		t.Fatalf("files = %v, want one", files)
	}
	if l.IsEnabled() || l.Written() != 1 {
		t.Errorf("enabled = %v, written = %d", l.IsEnabled(), l.Written())
	}
}

func TestSlowRecorderKeepsEveryRow(t *testing.T) {
	dir := t.TempDir()
	l := New(Config{Enabled: true, Path: dir})
	h := hub.New(2)
	h.SubscribeWith("csv", hub.Funcs{Batch: func(s *history.Snapshot) {
		time.Sleep(5 * time.Millisecond)
		l.OnTelemetryBatch(s)
	}}, hub.Merge)

	const n = 20
	for i := 1; i <= n; i++ {
		h.PublishBatch(batch(float64(i)))
	}
	h.Close()
	l.Close()

	files, _ := filepath.Glob(filepath.Join(dir, "telemetry_*.csv"))
	if len(files) != 1 {
		t.Fatalf("files = %v", files)
	}
	recs := readCSV(t, files[0])
	if len(recs) != n+1 {
		t.Fatalf("records = %d, want header + %d", len(recs), n)
	}
	for i, rec := range recs[1:] {
		if want := strconv.Itoa(i + 1); rec[0] != want {
			t.Errorf("row %d timestamp = %s, want %s", i, rec[0], want)
		}
	}
}
