package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/shaunagostinho/racetelem/internal/channel"
	"github.com/shaunagostinho/racetelem/internal/history"
	"github.com/shaunagostinho/racetelem/internal/hub"
	"github.com/shaunagostinho/racetelem/internal/ingest"
	"github.com/shaunagostinho/racetelem/internal/source"
	"github.com/shaunagostinho/racetelem/internal/wire"
)

func newTestServer(t *testing.T) (*Server, *Config) {
	t.Helper()
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.path = filepath.Join(dir, "config.yaml")
	cfg.Logging.Path = filepath.Join(dir, "logs")
	cfg.Database.Dir = filepath.Join(dir, "db")

	h := hub.New(hub.DefaultMailbox)
	t.Cleanup(h.Close)
	loop, err := ingest.New(source.NewLines(nil, 0), h, cfg.LoopConfig())
	if err != nil {
		t.Fatal(err)
	}
	return New(cfg, loop, h, nil, nil), cfg
}

func do(t *testing.T, s *Server, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestDeepMerge(t *testing.T) {
	dst := map[string]interface{}{
		"serial": map[string]interface{}{"portPath": "/dev/ttyUSB0", "baudRate": 9600.0},
		"server": map[string]interface{}{"listenAddr": ":8080"},
	}
	deepMerge(dst, map[string]interface{}{
		"serial": map[string]interface{}{"baudRate": 115200.0},
	})
	serial := dst["serial"].(map[string]interface{})
	if serial["portPath"] != "/dev/ttyUSB0" || serial["baudRate"] != 115200.0 {
		t.Errorf("serial = %v", serial)
	}
}

func TestConfigPartialUpdate(t *testing.T) {
	s, cfg := newTestServer(t)

	rec := do(t, s, http.MethodPost, "/api/config", `{"ingest":{"bufferIntervalMs":250},"logging":{"enabled":true}}`)
	if rec.Code != 200 {
		t.Fatalf("POST /api/config = %d %s", rec.Code, rec.Body)
	}
	if cfg.Ingest.BufferIntervalMs != 250 || cfg.Ingest.RingSize != 1000 {
		t.Errorf("ingest = %+v", cfg.Ingest)
	}
	if !s.logger.IsEnabled() {
		t.Error("logging toggle not applied")
	}
	if got := cfg.LoopConfig().BufferInterval; got != 250*time.Millisecond {
		t.Errorf("BufferInterval = %v", got)
	}

	reloaded := LoadConfig(cfg.path)
	if reloaded.Ingest.BufferIntervalMs != 250 || reloaded.Serial.BaudRate != 9600 {
		t.Errorf("reloaded = %+v", reloaded.Ingest)
	}

	rec = do(t, s, http.MethodGet, "/api/config", "")
	var got map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if _, ok := got["mqtt"]; !ok {
		t.Errorf("config json = %s", rec.Body)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SERIAL_PORT", "/dev/ttyACM1")
	t.Setenv("BUFFER_INTERVAL_MS", "50")
	t.Setenv("MQTT_BROKER", "pit:1883")
	t.Setenv("LOG_ENABLED", "yes")

	cfg := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	if cfg.Serial.PortPath != "/dev/ttyACM1" || cfg.Ingest.BufferIntervalMs != 50 {
		t.Errorf("cfg = %+v %+v", cfg.Serial, cfg.Ingest)
	}
	if cfg.MQTT.Broker != "pit:1883" || !cfg.Logging.Enabled {
		t.Errorf("cfg = %+v %+v", cfg.MQTT, cfg.Logging)
	}
}

func TestLoadConfigYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yml := `serial:
  port_path: /dev/ttyUSB3
  baud_rate: 57600
  read_timeout: 250ms
  fallback_synthetic: true
layouts:
  1: ["Timestamp (ms)", "Steering Angle (deg)"]
`
	if err := os.WriteFile(path, []byte(yml), 0644); err != nil {
		t.Fatal(err)
	}
	cfg := LoadConfig(path)
	if cfg.Serial.PortPath != "/dev/ttyUSB3" || cfg.Serial.BaudRate != 57600 || !cfg.Serial.Fallback {
		t.Errorf("serial = %+v", cfg.Serial)
	}
	if cfg.Serial.ReadTimeout != 250*time.Millisecond {
		t.Errorf("ReadTimeout = %v", cfg.Serial.ReadTimeout)
	}
	if l := cfg.Layouts[1]; len(l) != 2 || l[1] != "Steering Angle (deg)" {
		t.Errorf("layouts = %v", cfg.Layouts)
	}
	// untouched sections keep defaults
	if cfg.Ingest.RingSize != 1000 || cfg.Server.ListenAddr != ":8080" {
		t.Errorf("defaults lost: %+v %+v", cfg.Ingest, cfg.Server)
	}
}

func TestLapEndpoints(t *testing.T) {
	s, _ := newTestServer(t)
	c := s.loop.Correlator()
	for _, x := range []wire.Timing{{Gate: 1, NowMillis: 1000}, {Gate: 2, NowMillis: 31000}, {Gate: 1, NowMillis: 61000}} {
		c.RecordCrossing(x)
	}

	rec := do(t, s, http.MethodGet, "/api/laps", "")
	var v LapsView
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatal(err)
	}
	if len(v.Laps) != 1 || v.Laps[0].Seconds != 60 || len(v.Laps[0].Sectors) != 2 {
		t.Errorf("laps = %+v", v)
	}
	if len(v.Order) != 2 || v.Order[0] != 1 {
		t.Errorf("order = %v", v.Order)
	}

	if rec := do(t, s, http.MethodPost, "/api/laps/order", `{"order":[2,1]}`); rec.Code != 200 {
		t.Errorf("reorder = %d %s", rec.Code, rec.Body)
	}
	if got := c.Order(); got[0] != 2 {
		t.Errorf("order after reorder = %v", got)
	}
	if rec := do(t, s, http.MethodPost, "/api/laps/order", `{"order":[3]}`); rec.Code != 400 {
		t.Errorf("bad reorder = %d", rec.Code)
	}
	if rec := do(t, s, http.MethodPost, "/api/laps/delete?gate=9", ""); rec.Code != 404 {
		t.Errorf("delete unknown = %d", rec.Code)
	}
	if rec := do(t, s, http.MethodPost, "/api/laps/delete?gate=2", ""); rec.Code != 200 {
		t.Errorf("delete = %d", rec.Code)
	}
	if rec := do(t, s, http.MethodPost, "/api/laps/zero", ""); rec.Code != 200 {
		t.Errorf("zero = %d", rec.Code)
	}
	if rec := do(t, s, http.MethodGet, "/api/laps/zero", ""); rec.Code != 405 {
		t.Errorf("GET zero = %d", rec.Code)
	}
}

func TestExport(t *testing.T) {
	s, cfg := newTestServer(t)

	rec := do(t, s, http.MethodPost, "/api/export", "")
	if rec.Code != 200 {
		t.Fatalf("sqlite export = %d %s", rec.Code, rec.Body)
	}
	var out struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatal(err)
	}
	if filepath.Dir(out.Path) != cfg.Database.Dir {
		t.Errorf("path = %s", out.Path)
	}
	if _, err := os.Stat(out.Path); err != nil {
		t.Error(err)
	}
	first := out.Path
	rec = do(t, s, http.MethodPost, "/api/export", "")
	if err := json.Unmarshal(rec.Body.Bytes(), &out); rec.Code != 200 || err != nil {
		t.Fatalf("second export = %d %s", rec.Code, rec.Body)
	}
	if out.Path == first {
		t.Errorf("second export reused %s", first)
	}

	rec = do(t, s, http.MethodGet, "/api/export?format=csv", "")
	if rec.Code != 200 || !strings.HasPrefix(rec.Body.String(), "Timestamp (ms),") {
		t.Errorf("csv export = %d %q", rec.Code, rec.Body)
	}
	if rec := do(t, s, http.MethodGet, "/api/export?format=xlsx", ""); rec.Code != 400 {
		t.Errorf("unknown format = %d", rec.Code)
	}
}

func TestHistoryAndStats(t *testing.T) {
	s, _ := newTestServer(t)
	if rec := do(t, s, http.MethodGet, "/api/history?channel=Nope", ""); rec.Code != 404 {
		t.Errorf("unknown channel = %d", rec.Code)
	}
	rec := do(t, s, http.MethodGet, "/api/history?channel="+strings.ReplaceAll("Lap Counter", " ", "%20"), "")
	if rec.Code != 200 {
		t.Errorf("history = %d", rec.Code)
	}

	rec = do(t, s, http.MethodGet, "/api/stats", "")
	var v StatsView
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatal(err)
	}
	if v.Ingest.State != "idle" || len(v.Hub) != 3 || v.MQTT != nil {
		t.Errorf("stats = %+v", v)
	}
}

func TestLoggingToggle(t *testing.T) {
	s, _ := newTestServer(t)
	if rec := do(t, s, http.MethodPost, "/api/logging", `{"enabled":true}`); rec.Code != 200 {
		t.Fatalf("toggle = %d", rec.Code)
	}
	if !s.logger.IsEnabled() {
		t.Error("logging not enabled")
	}
	if rec := do(t, s, http.MethodPost, "/api/logging", `nope`); rec.Code != 400 {
		t.Errorf("bad body = %d", rec.Code)
	}
}

func TestWebSocketFeed(t *testing.T) {
	s, _ := newTestServer(t)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var hello Frame
	if err := conn.ReadJSON(&hello); err != nil {
		t.Fatal(err)
	}
	if len(hello.Channels) != channel.Count {
		t.Errorf("hello channels = %d", len(hello.Channels))
	}

	snap := &history.Snapshot{Seq: 1, Taken: time.Now(), Seen: channel.SetOf(channel.AccelY)}
	snap.Latest[channel.AccelY] = -640
	s.OnTelemetryBatch(snap)

	var f Frame
	if err := conn.ReadJSON(&f); err != nil {
		t.Fatal(err)
	}
	if f.Telemetry == nil || f.Telemetry.Values["Y Acceleration (mG)"] != -640 {
		t.Errorf("frame = %+v", f)
	}
}
