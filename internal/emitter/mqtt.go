// Package emitter uplinks telemetry to an MQTT broker for pit-wall consumers.
package emitter

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/shaunagostinho/racetelem/internal/channel"
	"github.com/shaunagostinho/racetelem/internal/history"
	"github.com/shaunagostinho/racetelem/internal/hub"
)

// Config holds the uplink settings. An empty Broker disables the uplink.
type Config struct {
	Broker   string `yaml:"broker" json:"broker"`
	ClientID string `yaml:"client_id" json:"clientId"`
	Prefix   string `yaml:"prefix" json:"prefix"`
	Encoding string `yaml:"encoding" json:"encoding"` // "json" or "msgpack"
	QoS      byte   `yaml:"qos" json:"qos"`
}

// TelemetryMessage is published on <prefix>/telemetry once per batch.
type TelemetryMessage struct {
	Seq     uint64             `json:"seq" msgpack:"seq"`
	Time    int64              `json:"time" msgpack:"time"` // unix ms
	NewRows int                `json:"newRows" msgpack:"newRows"`
	Values  map[string]float64 `json:"values" msgpack:"values"`
}

// TimingMessage is published on <prefix>/timing for every gate crossing.
type TimingMessage struct {
	Time      int64      `json:"time" msgpack:"time"`
	Gate      int        `json:"gate" msgpack:"gate"`
	NowMillis float64    `json:"nowMillis" msgpack:"nowMillis"`
	Lap       *LapRecord `json:"lap,omitempty" msgpack:"lap,omitempty"`
}

// LapRecord is a completed lap inside a TimingMessage.
type LapRecord struct {
	Number  int       `json:"number" msgpack:"number"`
	Seconds float64   `json:"seconds" msgpack:"seconds"`
	Sectors []float64 `json:"sectors" msgpack:"sectors"` // seconds, in gate order
}

// Stats are the uplink counters.
type Stats struct {
	Connected bool              `json:"connected"`
	Published map[string]uint64 `json:"published"`
	Errors    uint64            `json:"errors"`
}

type publishFunc func(topic string, payload []byte) error

// MQTTEmitter publishes batches and timing events. It is a hub subscriber;
// publishing blocks only its own delivery goroutine.
type MQTTEmitter struct {
	cfg     Config
	Client  mqtt.Client
	marshal func(any) ([]byte, error)
	publish publishFunc

	mu        sync.RWMutex
	published map[string]uint64
	errors    uint64
	connected bool
}

// NewMQTTEmitter validates cfg and returns an unconnected emitter.
func NewMQTTEmitter(cfg Config) (*MQTTEmitter, error) {
	if cfg.Prefix == "" {
		cfg.Prefix = "racetelem"
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "racetelem"
	}
	e := &MQTTEmitter{cfg: cfg, published: make(map[string]uint64)}
	switch cfg.Encoding {
	case "", "json":
		e.marshal = json.Marshal
	case "msgpack":
		e.marshal = msgpack.Marshal
	default:
		return nil, fmt.Errorf("emitter: unknown encoding %q", cfg.Encoding)
	}
	e.publish = e.publishMQTT
	return e, nil
}

// Connect establishes the broker connection. The client reconnects on its own
// afterwards.
func (e *MQTTEmitter) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", e.cfg.Broker))
	opts.SetClientID(e.cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		e.setConnected(true)
		log.Printf("[mqtt] connected to %s as %s", e.cfg.Broker, e.cfg.ClientID)
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		e.setConnected(false)
		log.Printf("[mqtt] connection lost, reconnecting: %v", err)
	}

	e.Client = mqtt.NewClient(opts)
	log.Printf("[mqtt] connecting to %s", e.cfg.Broker)

	token := e.Client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		return fmt.Errorf("emitter: connect: %w", ctx.Err())
	case <-time.After(5 * time.Second):
		return fmt.Errorf("emitter: connection timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("emitter: connection failed: %w", err)
	}
	e.setConnected(true)
	return nil
}

func (e *MQTTEmitter) setConnected(v bool) {
	e.mu.Lock()
	e.connected = v
	e.mu.Unlock()
}

func (e *MQTTEmitter) isConnected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connected
}

func (e *MQTTEmitter) publishMQTT(topic string, payload []byte) error {
	if e.Client == nil || !e.isConnected() {
		return fmt.Errorf("mqtt not connected")
	}
	token := e.Client.Publish(topic, e.cfg.QoS, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		return fmt.Errorf("publish timeout")
	}
	return token.Error()
}

func (e *MQTTEmitter) send(suffix string, v any) {
	topic := e.cfg.Prefix + "/" + suffix
	payload, err := e.marshal(v)
	if err == nil {
		err = e.publish(topic, payload)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if err != nil {
		e.errors++
		// first error, then every hundredth
		if e.errors%100 == 1 {
			log.Printf("[mqtt] publish %s: %v (%d errors)", topic, err, e.errors)
		}
		return
	}
	e.published[topic]++
}

// TelemetryFrom builds the batch message: the latest value of every channel
// that has one.
func TelemetryFrom(snap *history.Snapshot) TelemetryMessage {
	m := TelemetryMessage{
		Seq:     snap.Seq,
		Time:    snap.Taken.UnixMilli(),
		NewRows: len(snap.Rows),
		Values:  make(map[string]float64, snap.Seen.Len()),
	}
	for _, id := range snap.Seen.IDs() {
		m.Values[id.Name()] = snap.Latest[id]
	}
	return m
}

// TimingFrom builds the gate message.
func TimingFrom(ev hub.TimingEvent) TimingMessage {
	m := TimingMessage{
		Time:      ev.At.UnixMilli(),
		Gate:      ev.Crossing.Gate,
		NowMillis: ev.Crossing.NowMillis,
	}
	if ev.Lap != nil {
		r := &LapRecord{Number: ev.Lap.Number, Seconds: ev.Lap.Seconds()}
		for _, s := range ev.Lap.Sectors {
			r.Sectors = append(r.Sectors, s.Millis/1000)
		}
		m.Lap = r
	}
	return m
}

func (e *MQTTEmitter) OnTelemetryBatch(snap *history.Snapshot) {
	e.send("telemetry", TelemetryFrom(snap))
}

func (e *MQTTEmitter) OnTimingEvent(ev hub.TimingEvent) {
	e.send("timing", TimingFrom(ev))
}

// Stats returns a copy of the counters.
func (e *MQTTEmitter) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	pub := make(map[string]uint64, len(e.published))
	for k, v := range e.published {
		pub[k] = v
	}
	return Stats{Connected: e.connected, Published: pub, Errors: e.errors}
}

// Disconnect closes the broker connection.
func (e *MQTTEmitter) Disconnect() {
	if e.Client != nil && e.Client.IsConnected() {
		e.Client.Disconnect(250)
		log.Printf("[mqtt] disconnected")
	}
	e.setConnected(false)
}

// PublishSchema sends the channel names in schema order on <prefix>/schema.
func (e *MQTTEmitter) PublishSchema() {
	e.send("schema", channel.Names())
}
