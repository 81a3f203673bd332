package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/shaunagostinho/racetelem/internal/emitter"
	"github.com/shaunagostinho/racetelem/internal/hub"
	"github.com/shaunagostinho/racetelem/internal/ingest"
	"github.com/shaunagostinho/racetelem/internal/server"
	"github.com/shaunagostinho/racetelem/internal/source"
	"github.com/shaunagostinho/racetelem/web"
)

var configPath string

func main() {
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)

	root := &cobra.Command{
		Use:           "racetelem",
		Short:         "Race car serial telemetry ingestion",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", server.DefaultConfigPath, "Path to config file")

	live := liveCmd()
	root.RunE = live.RunE
	root.Flags().AddFlagSet(live.Flags())
	root.AddCommand(live, portsCmd(), sessionCmd(), exportCmd())

	if err := root.ExecuteContext(signalContext()); err != nil {
		fmt.Fprintln(os.Stderr, "racetelem:", err)
		os.Exit(1)
	}
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("[main] received %v, shutting down", sig)
		cancel()
	}()
	return ctx
}

type liveFlags struct {
	port      string
	baud      int
	synthetic bool
	replay    string
	listen    string
	retry     bool
	fallback  bool
	mqtt      string
}

func liveCmd() *cobra.Command {
	var f liveFlags
	cmd := &cobra.Command{
		Use:   "live",
		Short: "Ingest from the serial port (or a simulator) and serve the dashboard",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLive(cmd, f)
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&f.port, "port", "", "Serial port path (null for the simulator)")
	fl.IntVar(&f.baud, "baud", 0, "Serial baud rate")
	fl.BoolVar(&f.synthetic, "synthetic", false, "Run with simulated telemetry")
	fl.StringVar(&f.replay, "replay", "", "Replay a raw capture file instead of reading a port")
	fl.StringVar(&f.listen, "listen", "", "Override listen address (e.g. :8080)")
	fl.BoolVar(&f.retry, "retry", false, "Keep retrying the serial port with backoff")
	fl.BoolVar(&f.fallback, "fallback-synthetic", false, "Use the simulator if the serial port cannot be opened")
	fl.StringVar(&f.mqtt, "mqtt", "", "MQTT broker host:port for the uplink")
	return cmd
}

func runLive(cmd *cobra.Command, f liveFlags) error {
	ctx := cmd.Context()
	log.Println("[main] racetelem starting")

	cfg := server.LoadConfig(configPath)
	fl := cmd.Flags()
	if fl.Changed("port") {
		cfg.Serial.PortPath = f.port
	}
	if fl.Changed("baud") {
		cfg.Serial.BaudRate = f.baud
	}
	if fl.Changed("retry") {
		cfg.Serial.Retry = f.retry
	}
	if fl.Changed("fallback-synthetic") {
		cfg.Serial.Fallback = f.fallback
	}
	if f.listen != "" {
		cfg.Server.ListenAddr = f.listen
	}
	if f.mqtt != "" {
		cfg.MQTT.Broker = f.mqtt
	}

	src := selectSource(ctx, cfg, f)

	h := hub.New(cfg.Ingest.Mailbox)
	defer h.Close()

	loop, err := ingest.New(src, h, cfg.LoopConfig())
	if err != nil {
		return err
	}

	var em *emitter.MQTTEmitter
	if cfg.MQTT.Broker != "" {
		em, err = emitter.NewMQTTEmitter(cfg.MQTT)
		if err != nil {
			return err
		}
		if err := em.Connect(ctx); err != nil {
			// paho keeps retrying in the background
			log.Printf("[main] mqtt: %v", err)
		}
		defer em.Disconnect()
		em.PublishSchema()
		h.Subscribe("mqtt", em)
	}

	srv := server.New(cfg, loop, h, em, web.FS)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	loop.Start(ctx)
	go func() {
		<-loop.Done()
		if err := loop.Wait(); err != nil {
			log.Printf("[main] ingestion ended: %v", err)
		}
	}()

	// The dashboard keeps serving the recorded session after ingestion ends.
	err = srv.Run(ctx)
	loop.Stop()
	select {
	case <-loop.Done():
	case <-time.After(2 * time.Second):
		log.Printf("[main] ingestion still blocked in a read, exiting anyway")
	}
	h.Close()
	srv.Close()
	return err
}

// selectSource picks the line source: replay file, simulator, or serial port
// with optional retry or simulator fallback.
func selectSource(ctx context.Context, cfg *server.Config, f liveFlags) source.LineSource {
	switch {
	case f.replay != "":
		return source.NewReplayFile(f.replay, time.Duration(float64(time.Second)/cfg.Synthetic.Rate))
	case f.synthetic || source.IsNull(cfg.Serial.PortPath):
		return source.NewSynthetic(cfg.Synthetic)
	}

	port := source.NewSerial(cfg.Serial.SerialConfig)
	if cfg.Serial.Retry {
		return &retryingSource{LineSource: port, ctx: ctx, maxAttempts: 10}
	}
	if cfg.Serial.Fallback {
		if err := port.Open(); err != nil {
			log.Printf("[main] %v, falling back to the simulator", err)
			return source.NewSynthetic(cfg.Synthetic)
		}
		port.Close()
	}
	return port
}
