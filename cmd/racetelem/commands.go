package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/shaunagostinho/racetelem/internal/history"
	"github.com/shaunagostinho/racetelem/internal/hub"
	"github.com/shaunagostinho/racetelem/internal/ingest"
	"github.com/shaunagostinho/racetelem/internal/logger"
	"github.com/shaunagostinho/racetelem/internal/report"
	"github.com/shaunagostinho/racetelem/internal/server"
	"github.com/shaunagostinho/racetelem/internal/session"
	"github.com/shaunagostinho/racetelem/internal/source"
	"github.com/shaunagostinho/racetelem/internal/store"
)

func portsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ports",
		Short: "List serial ports",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ports, err := source.ListPorts()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(ports) == 0 {
				fmt.Fprintln(out, "no serial ports found")
				return nil
			}
			for _, p := range ports {
				fmt.Fprintln(out, p)
			}
			return nil
		},
	}
}

func sessionCmd() *cobra.Command {
	var saveDir string
	cmd := &cobra.Command{
		Use:   "session FILE.csv...",
		Short: "Load recorded sessions and print a report card per lap",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			m := session.NewManager()
			for _, path := range args {
				if _, err := m.Import(path); err != nil {
					return err
				}
			}
			for _, s := range m.Active() {
				infoc.Fprintf(out, "== %s (%d rows)\n", s.ID, len(s.Rows))
				fmt.Fprintln(out, s.Meta)

				whole := report.FromRows(s.SchemaRows(s.Rows))
				printCard(out, "session", &whole)

				laps, err := s.SplitLaps()
				if err != nil {
					errc.Fprintf(out, "  %v\n", err)
				}
				for _, l := range laps {
					c := report.FromRows(s.SchemaRows(l.Rows))
					printCard(out, fmt.Sprintf("lap %d (%.3f)", l.Number, l.Duration()), &c)
				}

				if saveDir != "" {
					if _, err := s.Save(saveDir); err != nil {
						return err
					}
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&saveDir, "save", "", "Also save each session under its canonical name in this directory")
	return cmd
}

var (
	infoc = color.New(color.FgBlue, color.Bold)
	errc  = color.New(color.FgRed, color.Bold)
	headc = color.New(color.FgCyan)
)

func printCard(out io.Writer, title string, c *report.Card) {
	headc.Fprintf(out, "  -- %s\n", title)
	for _, l := range c.Lines() {
		fmt.Fprintf(out, "     %s\n", l)
	}
}

func exportCmd() *cobra.Command {
	var (
		outDir string
		format string
	)
	cmd := &cobra.Command{
		Use:   "export CAPTURE",
		Short: "Decode a raw serial capture and export the session rows",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := server.LoadConfig(configPath)
			if outDir == "" {
				outDir = cfg.Database.Dir
			}
			rows, err := decodeCapture(cmd.Context(), cfg, args[0])
			if err != nil {
				return err
			}

			switch format {
			case "sqlite":
				path, sess, err := store.Export(cmd.Context(), outDir, store.Session{
					Started: time.Now(),
					Source:  args[0],
				}, rows)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d rows -> %s (session %s)\n", sess.Rows, path, sess.ID)
			case "csv":
				if err := os.MkdirAll(outDir, 0755); err != nil {
					return err
				}
				base := strings.TrimSuffix(filepath.Base(args[0]), filepath.Ext(args[0]))
				path := filepath.Join(outDir, base+".csv")
				f, err := os.Create(path)
				if err != nil {
					return err
				}
				defer f.Close()
				if err := logger.WriteCSV(f, rows); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d rows -> %s\n", len(rows), path)
			default:
				return fmt.Errorf("unknown format %q", format)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&outDir, "out", "", "Output directory (defaults to database.dir)")
	cmd.Flags().StringVar(&format, "format", "sqlite", "sqlite or csv")
	return cmd
}

// decodeCapture runs a capture file through the ingestion loop as fast as
// possible and returns the row log.
func decodeCapture(ctx context.Context, cfg *server.Config, path string) ([]history.Row, error) {
	rp := source.NewReplayFile(path, 0)
	h := hub.New(0)
	defer h.Close()

	loop, err := ingest.New(rp, h, cfg.LoopConfig())
	if err != nil {
		return nil, err
	}
	loop.Start(ctx)
	select {
	case <-rp.Drained():
	case <-loop.Done():
	case <-ctx.Done():
	}
	loop.Stop()
	if err := loop.Wait(); err != nil {
		return nil, err
	}
	st := loop.Stats()
	log.Printf("[export] %s: %d lines, %d telemetry, %d timing, %d malformed",
		path, st.Lines, st.Telemetry, st.Timing, st.Malformed)
	return loop.Rows(), nil
}
