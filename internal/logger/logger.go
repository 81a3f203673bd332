package logger

import (
	"encoding/csv"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/shaunagostinho/racetelem/internal/channel"
	"github.com/shaunagostinho/racetelem/internal/history"
	"github.com/shaunagostinho/racetelem/internal/hub"
)

// Logger records every committed row of the session to CSV files with
// automatic rotation. It is a hub subscriber.
type Logger struct {
	mu      sync.Mutex
	dir     string
	enabled bool
	closed  bool
	now     func() time.Time

	file   *os.File
	writer *csv.Writer
	rows   int
	total  int
}

// Config holds logger configuration.
type Config struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
}

const (
	maxRowsPerFile = 100_000 // Rotate after 100k rows (~1.4 hrs at 20 Hz)
)

// New creates a new Logger.
func New(cfg Config) *Logger {
	if cfg.Path == "" {
		cfg.Path = "/var/log/racetelem"
	}
	return &Logger{
		dir:     cfg.Path,
		enabled: cfg.Enabled,
		now:     time.Now,
	}
}

// SetEnabled allows toggling logging at runtime. Turning it back on starts a
// new file. It has no effect after Close.
func (l *Logger) SetEnabled(on bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.enabled = on
	if !on && l.file != nil {
		l.closeFile()
	}
}

// IsEnabled returns whether logging is active.
func (l *Logger) IsEnabled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.enabled
}

// Written is the number of rows recorded since New.
func (l *Logger) Written() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.total
}

// OnTelemetryBatch appends the rows committed since the previous batch.
func (l *Logger) OnTelemetryBatch(snap *history.Snapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.enabled || len(snap.Rows) == 0 {
		return
	}
	for i := range snap.Rows {
		if l.writer == nil || l.rows >= maxRowsPerFile {
			if err := l.rotateFile(l.now()); err != nil {
				log.Printf("[logger] rotate failed: %v", err)
				return
			}
		}
		if err := l.writer.Write(formatRow(&snap.Rows[i])); err != nil {
			log.Printf("[logger] write failed: %v", err)
			return
		}
		l.rows++
		l.total++
	}
	l.writer.Flush()
}

// OnTimingEvent is a no-op; lap data is part of the rows.
func (l *Logger) OnTimingEvent(hub.TimingEvent) {}

// Close flushes and closes the current log file. Later batches are ignored.
func (l *Logger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	l.enabled = false
	l.closeFile()
}

func (l *Logger) rotateFile(now time.Time) error {
	l.closeFile()

	if err := os.MkdirAll(l.dir, 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", l.dir, err)
	}

	filename := fmt.Sprintf("telemetry_%s.csv", now.Format("2006-01-02_150405.000"))
	path := filepath.Join(l.dir, filename)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}

	l.file = f
	l.writer = csv.NewWriter(f)
	l.rows = 0

	if err := l.writer.Write(channel.Names()); err != nil {
		return err
	}
	l.writer.Flush()

	log.Printf("[logger] opened %s", path)
	return nil
}

func (l *Logger) closeFile() {
	if l.writer != nil {
		l.writer.Flush()
		l.writer = nil
	}
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
}

func formatRow(r *history.Row) []string {
	row := make([]string, channel.Count)
	for i, v := range r {
		row[i] = strconv.FormatFloat(v, 'f', -1, 64)
	}
	return row
}

// WriteCSV writes a header and rows to w in schema order.
func WriteCSV(w io.Writer, rows []history.Row) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(channel.Names()); err != nil {
		return err
	}
	for i := range rows {
		if err := cw.Write(formatRow(&rows[i])); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
