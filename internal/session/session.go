// Package session loads recorded CSV sessions for offline analysis and splits
// them into laps.
package session

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/shaunagostinho/racetelem/internal/channel"
	"github.com/shaunagostinho/racetelem/internal/history"
)

var (
	ErrNoLapColumn = errors.New("session: no lap column")
	ErrEmpty       = errors.New("session: no columns")
)

// Meta describes who drove what where.
type Meta struct {
	Name   string `json:"name"`
	Date   string `json:"date"` // YYYY-MM-DD
	Time   string `json:"time"` // HHMM
	Driver string `json:"driver"`
	Car    string `json:"car"`
	Track  string `json:"track"`
}

// DefaultMeta holds the placeholders used when a file name carries no metadata.
var DefaultMeta = Meta{
	Name:   "info",
	Date:   "YYYY-MM-DD",
	Time:   "HHMM",
	Driver: "Driver",
	Car:    "Car",
	Track:  "Track",
}

func (m Meta) String() string {
	return fmt.Sprintf("Date: %s , Time: %s , Driver: %s , Car: %s , Track: %s",
		m.Date, m.Time, m.Driver, m.Car, m.Track)
}

// FileName is the canonical CSV name for m.
func (m Meta) FileName() string {
	return strings.Join([]string{m.Name, m.Date, m.Time, m.Driver, m.Car, m.Track}, "_") + ".csv"
}

var (
	dateRe = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
	hourRe = regexp.MustCompile(`^\d{4}$`)
)

// ParseFilename extracts metadata from info_YYYY-MM-DD_HHMM_driver_car_track.csv.
func ParseFilename(path string) (Meta, bool) {
	base := filepath.Base(path)
	ext := filepath.Ext(base)
	if !strings.EqualFold(ext, ".csv") {
		return Meta{}, false
	}
	parts := strings.Split(strings.TrimSuffix(base, ext), "_")
	if len(parts) != 6 {
		return Meta{}, false
	}
	if !dateRe.MatchString(parts[1]) || !hourRe.MatchString(parts[2]) {
		return Meta{}, false
	}
	return Meta{
		Name:   parts[0],
		Date:   parts[1],
		Time:   parts[2],
		Driver: parts[3],
		Car:    parts[4],
		Track:  parts[5],
	}, true
}

// Session is one loaded recording. When a timestamp column exists it is column 0.
type Session struct {
	ID   uuid.UUID `json:"id"`
	Meta Meta      `json:"meta"`

	Columns         []string    `json:"columns"`
	TimestampColumn int         `json:"timestampColumn"` // -1 if none
	LapColumn       int         `json:"lapColumn"`       // -1 if none
	Rows            [][]float64 `json:"-"`
}

// Lap is the rows of one lap with the timestamp column rebased to zero.
type Lap struct {
	Number int
	Rows   [][]float64
}

// Duration is the rebased timestamp of the last row.
func (l Lap) Duration() float64 {
	if len(l.Rows) == 0 {
		return 0
	}
	var max float64
	for _, r := range l.Rows {
		if r[0] > max {
			max = r[0]
		}
	}
	return max
}

// LoadCSV reads a session file. The first column whose name contains "time"
// moves to the front; the first containing "lap" is the lap counter.
func LoadCSV(path string, meta Meta) (*Session, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	defer f.Close()
	s, err := Read(f, meta)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

// Read parses a session from r.
func Read(r io.Reader, meta Meta) (*Session, error) {
	cr := csv.NewReader(r)
	header, err := cr.Read()
	if err == io.EOF {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("session: header: %w", err)
	}
	if len(header) == 0 {
		return nil, ErrEmpty
	}

	ts := findColumn(header, "time")
	order := make([]int, 0, len(header))
	if ts >= 0 {
		order = append(order, ts)
	}
	for i := range header {
		if i != ts {
			order = append(order, i)
		}
	}

	s := &Session{
		ID:              uuid.New(),
		Meta:            meta,
		TimestampColumn: -1,
		LapColumn:       -1,
	}
	for _, i := range order {
		s.Columns = append(s.Columns, strings.TrimSpace(header[i]))
	}
	if ts >= 0 {
		s.TimestampColumn = 0
	}
	s.LapColumn = findColumn(s.Columns, "lap")

	line := 1
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("session: line %d: %w", line, err)
		}
		row := make([]float64, len(order))
		for j, i := range order {
			v, err := strconv.ParseFloat(strings.TrimSpace(rec[i]), 64)
			if err != nil {
				return nil, fmt.Errorf("session: line %d column %q: %w", line, header[i], err)
			}
			row[j] = v
		}
		s.Rows = append(s.Rows, row)
	}
	return s, nil
}

func findColumn(cols []string, needle string) int {
	for i, c := range cols {
		if strings.Contains(strings.ToLower(c), needle) {
			return i
		}
	}
	return -1
}

// SplitLaps groups rows by lap number in ascending order.
func (s *Session) SplitLaps() ([]Lap, error) {
	if s.LapColumn < 0 {
		return nil, ErrNoLapColumn
	}
	byLap := make(map[int][][]float64)
	for _, r := range s.Rows {
		n := int(r[s.LapColumn])
		cp := append([]float64(nil), r...)
		byLap[n] = append(byLap[n], cp)
	}

	laps := make([]Lap, 0, len(byLap))
	for n, rows := range byLap {
		if s.TimestampColumn == 0 {
			min := rows[0][0]
			for _, r := range rows {
				if r[0] < min {
					min = r[0]
				}
			}
			for _, r := range rows {
				r[0] -= min
			}
		}
		laps = append(laps, Lap{Number: n, Rows: rows})
	}
	sort.Slice(laps, func(i, j int) bool { return laps[i].Number < laps[j].Number })
	return laps, nil
}

// SchemaRows maps rows onto the channel schema by column name. Columns that
// are not schema channels are dropped.
func (s *Session) SchemaRows(rows [][]float64) []history.Row {
	ids := make([]channel.ID, len(s.Columns))
	for i, c := range s.Columns {
		id, ok := channel.Lookup(c)
		if !ok {
			id = -1
		}
		ids[i] = id
	}
	out := make([]history.Row, len(rows))
	for r, row := range rows {
		for i, id := range ids {
			if id >= 0 {
				out[r][id] = row[i]
			}
		}
	}
	return out
}

// Save writes the session to dir under its canonical name.
func (s *Session) Save(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("session: mkdir %s: %w", dir, err)
	}
	path := filepath.Join(dir, s.Meta.FileName())
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("session: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(s.Columns); err != nil {
		return "", err
	}
	rec := make([]string, len(s.Columns))
	for _, r := range s.Rows {
		for i, v := range r {
			rec[i] = strconv.FormatFloat(v, 'f', -1, 64)
		}
		if err := w.Write(rec); err != nil {
			return "", err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return "", fmt.Errorf("session: write %s: %w", path, err)
	}
	log.Printf("[session] saved %d rows to %s", len(s.Rows), path)
	return path, nil
}
