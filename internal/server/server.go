package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/shaunagostinho/racetelem/internal/channel"
	"github.com/shaunagostinho/racetelem/internal/emitter"
	"github.com/shaunagostinho/racetelem/internal/history"
	"github.com/shaunagostinho/racetelem/internal/hub"
	"github.com/shaunagostinho/racetelem/internal/ingest"
	"github.com/shaunagostinho/racetelem/internal/lap"
	"github.com/shaunagostinho/racetelem/internal/logger"
	"github.com/shaunagostinho/racetelem/internal/report"
	"github.com/shaunagostinho/racetelem/internal/store"
)

// Server exposes the live session over WebSocket and a small HTTP API. It
// subscribes itself, the CSV logger and the report tracker to the hub.
type Server struct {
	cfg     *Config
	loop    *ingest.Loop
	hub     *hub.Hub
	webFS   fs.FS
	logger  *logger.Logger
	tracker *report.Tracker
	emitter *emitter.MQTTEmitter
	started time.Time

	clients   map[*wsClient]struct{}
	clientsMu sync.RWMutex

	upgrader websocket.Upgrader
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Frame is the JSON structure sent to all WebSocket clients.
type Frame struct {
	Telemetry *emitter.TelemetryMessage `json:"telemetry,omitempty"`
	Timing    *emitter.TimingMessage    `json:"timing,omitempty"`
	Splits    []lap.Split               `json:"splits,omitempty"`
	Channels  []string                  `json:"channels,omitempty"`
	Stamp     int64                     `json:"stamp"` // Unix ms
}

// LapsView is the body of GET /api/laps.
type LapsView struct {
	Order  []int       `json:"order"`
	Splits []lap.Split `json:"splits"`
	Laps   []LapView   `json:"laps"`
}

type LapView struct {
	Number  int       `json:"number"`
	Seconds float64   `json:"seconds"`
	Sectors []float64 `json:"sectors,omitempty"`
}

// StatsView is the body of GET /api/stats.
type StatsView struct {
	Uptime  string         `json:"uptime"`
	Ingest  ingest.Stats   `json:"ingest"`
	Hub     []hub.Stats    `json:"hub"`
	Clients int            `json:"clients"`
	Logging LoggingView    `json:"logging"`
	MQTT    *emitter.Stats `json:"mqtt,omitempty"`
}

type LoggingView struct {
	Enabled bool `json:"enabled"`
	Written int  `json:"written"`
}

// New creates a Server for loop and subscribes its consumers to h. em may be
// nil when the uplink is disabled.
func New(cfg *Config, loop *ingest.Loop, h *hub.Hub, em *emitter.MQTTEmitter, webFS fs.FS) *Server {
	s := &Server{
		cfg:     cfg,
		loop:    loop,
		hub:     h,
		webFS:   webFS,
		logger:  logger.New(cfg.Logging),
		tracker: report.NewTracker(),
		emitter: em,
		started: time.Now(),
		clients: make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	h.Subscribe("websocket", s)
	h.SubscribeWith("csv", s.logger, hub.Merge)
	h.SubscribeWith("report", s.tracker, hub.Merge)
	return s
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	if s.webFS != nil {
		mux.Handle("/", http.FileServer(http.FS(s.webFS)))
	}
	mux.HandleFunc("/ws", s.handleWS)

	mux.HandleFunc("/api/config", s.handleConfig)
	mux.HandleFunc("/api/stats", s.handleStats)
	mux.HandleFunc("/api/channels", s.handleChannels)
	mux.HandleFunc("/api/history", s.handleHistory)
	mux.HandleFunc("/api/report", s.handleReport)
	mux.HandleFunc("/api/reset", s.handleReset)
	mux.HandleFunc("/api/logging", s.handleLogging)
	mux.HandleFunc("/api/export", s.handleExport)

	mux.HandleFunc("/api/laps", s.handleLaps)
	mux.HandleFunc("/api/laps/order", s.handleLapOrder)
	mux.HandleFunc("/api/laps/zero", s.handleLapZero)
	mux.HandleFunc("/api/laps/delete", s.handleLapDelete)
	return mux
}

// Run serves HTTP until ctx is cancelled. The CSV recorder stays open until
// Close.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.cfg.Server.ListenAddr,
		Handler: s.Handler(),
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	log.Printf("[server] listening on %s", s.cfg.Server.ListenAddr)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Close stops the CSV recorder. Call it after the hub has been closed so the
// recorder has received every row.
func (s *Server) Close() {
	s.logger.Close()
}

// Tracker exposes the live report card.
func (s *Server) Tracker() *report.Tracker { return s.tracker }

// OnTelemetryBatch forwards the latest values to every client.
func (s *Server) OnTelemetryBatch(snap *history.Snapshot) {
	m := emitter.TelemetryFrom(snap)
	s.broadcast(Frame{Telemetry: &m, Stamp: m.Time})
}

// OnTimingEvent forwards a gate crossing with the current splits.
func (s *Server) OnTimingEvent(ev hub.TimingEvent) {
	m := emitter.TimingFrom(ev)
	s.broadcast(Frame{Timing: &m, Splits: ev.Splits, Stamp: time.Now().UnixMilli()})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[ws] upgrade error: %v", err)
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, 64),
	}

	s.clientsMu.Lock()
	s.clients[client] = struct{}{}
	n := len(s.clients)
	s.clientsMu.Unlock()

	log.Printf("[ws] client connected (%d total)", n)

	// Initial frame: column names and current values
	hello := Frame{Channels: channel.Names(), Stamp: time.Now().UnixMilli()}
	if s.loop != nil {
		m := emitter.TelemetryFrom(s.loop.Snapshot())
		hello.Telemetry = &m
		hello.Splits = s.loop.Correlator().Splits()
	}
	if data, err := json.Marshal(hello); err == nil {
		client.send <- data
	}

	// Writer goroutine
	go func() {
		defer conn.Close()
		for msg := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	// Reader goroutine (keep-alive, detects disconnect)
	go func() {
		defer func() {
			s.clientsMu.Lock()
			delete(s.clients, client)
			n := len(s.clients)
			close(client.send)
			s.clientsMu.Unlock()
			log.Printf("[ws] client disconnected (%d total)", n)
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (s *Server) broadcast(frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for client := range s.clients {
		select {
		case client.send <- data:
		default:
			// Client too slow, skip
		}
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[server] encode response: %v", err)
	}
}

func writeOK(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		data, err := s.cfg.ToJSON()
		if err != nil {
			http.Error(w, err.Error(), 500)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)

	case http.MethodPost:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "bad request", 400)
			return
		}
		if err := s.cfg.UpdateFromJSON(body); err != nil {
			http.Error(w, err.Error(), 400)
			return
		}
		if err := s.cfg.Save(); err != nil {
			log.Printf("[config] save failed: %v", err)
		}
		// Only the logging section applies without a restart.
		s.cfg.mu.RLock()
		s.logger.SetEnabled(s.cfg.Logging.Enabled)
		s.cfg.mu.RUnlock()
		writeOK(w)

	default:
		http.Error(w, "method not allowed", 405)
	}
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", 405)
		return
	}
	s.clientsMu.RLock()
	clients := len(s.clients)
	s.clientsMu.RUnlock()

	v := StatsView{
		Uptime:  time.Since(s.started).Round(time.Second).String(),
		Ingest:  s.loop.Stats(),
		Hub:     s.hub.Stats(),
		Clients: clients,
		Logging: LoggingView{Enabled: s.logger.IsEnabled(), Written: s.logger.Written()},
	}
	if s.emitter != nil {
		st := s.emitter.Stats()
		v.MQTT = &st
	}
	writeJSON(w, v)
}

func (s *Server) handleChannels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, channel.Names())
}

// handleHistory returns the full session history of ?channel=<name>.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("channel")
	id, ok := channel.Lookup(name)
	if !ok {
		http.Error(w, fmt.Sprintf("unknown channel %q", name), 404)
		return
	}
	writeJSON(w, map[string]any{"channel": id.Name(), "values": s.loop.History(id)})
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	card := s.tracker.Card()
	writeJSON(w, map[string]any{"card": card, "runSeconds": card.RunSeconds(), "lines": card.Lines()})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", 405)
		return
	}
	s.loop.Reset()
	s.tracker.Reset()
	writeOK(w)
}

func (s *Server) handleLogging(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, LoggingView{Enabled: s.logger.IsEnabled(), Written: s.logger.Written()})
	case http.MethodPost:
		var req struct {
			Enabled bool `json:"enabled"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", 400)
			return
		}
		s.logger.SetEnabled(req.Enabled)
		log.Printf("[server] csv logging enabled=%v", req.Enabled)
		writeOK(w)
	default:
		http.Error(w, "method not allowed", 405)
	}
}

// handleExport writes the session row log. ?format=csv streams a CSV file;
// the default writes a SQLite database to the configured directory.
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	rows := s.loop.Rows()
	switch r.URL.Query().Get("format") {
	case "csv":
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition",
			fmt.Sprintf(`attachment; filename="telemetry_%s.csv"`, time.Now().Format("20060102_150405")))
		if err := logger.WriteCSV(w, rows); err != nil {
			log.Printf("[server] csv export: %v", err)
		}

	case "", "sqlite":
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", 405)
			return
		}
		s.cfg.mu.RLock()
		dir := s.cfg.Database.Dir
		s.cfg.mu.RUnlock()

		path, sess, err := store.Export(r.Context(), dir, store.Session{
			Started: s.started,
			Source:  s.loop.Stats().Source,
		}, rows)
		if err != nil {
			http.Error(w, err.Error(), 500)
			return
		}
		writeJSON(w, map[string]any{"path": path, "session": sess})

	default:
		http.Error(w, "unknown format", 400)
	}
}

func (s *Server) lapsView() LapsView {
	c := s.loop.Correlator()
	v := LapsView{Order: c.Order(), Splits: c.Splits()}
	for _, e := range c.Laps() {
		lv := LapView{Number: e.Number, Seconds: e.Seconds()}
		for _, sec := range e.Sectors {
			lv.Sectors = append(lv.Sectors, sec.Millis/1000)
		}
		v.Laps = append(v.Laps, lv)
	}
	return v
}

func (s *Server) handleLaps(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", 405)
		return
	}
	writeJSON(w, s.lapsView())
}

func (s *Server) handleLapOrder(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", 405)
		return
	}
	var req struct {
		Order []int `json:"order"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", 400)
		return
	}
	if err := s.loop.Correlator().Reorder(req.Order); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	writeJSON(w, s.lapsView())
}

func (s *Server) handleLapZero(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", 405)
		return
	}
	s.loop.Correlator().Zero()
	writeJSON(w, s.lapsView())
}

// handleLapDelete forgets ?gate=<n>.
func (s *Server) handleLapDelete(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", 405)
		return
	}
	gate, err := strconv.Atoi(r.URL.Query().Get("gate"))
	if err != nil {
		http.Error(w, "bad gate", 400)
		return
	}
	if !s.loop.Correlator().Delete(gate) {
		http.Error(w, fmt.Sprintf("no gate %d", gate), 404)
		return
	}
	writeJSON(w, s.lapsView())
}
