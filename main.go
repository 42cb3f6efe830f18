// Program falcon runs the blind PDCCH DCI search over recorded subframe traces
// and feeds accepted messages to the console, SQLite, MQTT and Prometheus.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/gebegb3j/falcon/config"
	"github.com/gebegb3j/falcon/phy/scripted"
	"github.com/gebegb3j/falcon/rnti"
	"github.com/gebegb3j/falcon/trackerstore"
)

const (
	defaultConfigPath = "data/config"
	envConfigPath     = "FALCON_CONFIG_PATH"
)

// Version will be set at build time
var Version = "dev"

var (
	configPath   string
	traceSearch  bool
	noShortcut   bool
	summaryEvery int
)

var rootCmd = &cobra.Command{
	Use:           "falcon",
	Short:         "Blind DCI search for LTE PDCCH",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var replayCmd = &cobra.Command{
	Use:   "replay <trace.yaml>",
	Short: "Search every subframe of a recorded trace",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runReplay(cmd.Context(), args[0])
	},
}

var activeSetCmd = &cobra.Command{
	Use:   "active-set",
	Short: "Print the tracker active set saved by the last session",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runActiveSet()
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Validate and print the effective configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, source, err := loadConfig()
		if err != nil {
			return err
		}
		log.Printf("Configuration from %s", source)
		cfg.Print()
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file or directory (default $"+envConfigPath+" or "+defaultConfigPath+")")
	replayCmd.Flags().BoolVar(&traceSearch, "trace", false, "log every dropped and accepted candidate")
	replayCmd.Flags().BoolVar(&noShortcut, "no-shortcut", false, "disable shortcut discovery")
	replayCmd.Flags().IntVar(&summaryEvery, "summary-every", 0, "log counters every N subframes (0 logs only at the end)")
	rootCmd.AddCommand(replayCmd, activeSetCmd, configCmd)
}

func main() {
	log.SetFlags(0)
	log.SetOutput(os.Stdout)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "falcon: %v\n", err)
		os.Exit(1)
	}
}

// Purpose: Load configuration from the flag, env or default location.
// Key aspects: A missing default location yields built-in defaults.
// Upstream: every command.
// Downstream: config.Load.
func loadConfig() (*config.Config, string, error) {
	path := strings.TrimSpace(configPath)
	if path == "" {
		path = strings.TrimSpace(os.Getenv(envConfigPath))
	}
	if path == "" {
		path = defaultConfigPath
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, path, err
	}
	source := cfg.LoadedFrom
	if source == "" {
		source = "built-in defaults"
	}
	return cfg, source, nil
}

// Purpose: Replay a trace through the search and report the results.
// Key aspects: Stops early on SIGINT/SIGTERM; outputs are flushed either way.
// Upstream: replay command.
// Downstream: scripted decoder, session.step, metrics server.
func runReplay(ctx context.Context, tracePath string) error {
	cfg, source, err := loadConfig()
	if err != nil {
		return err
	}
	if traceSearch {
		cfg.Search.Trace = true
	}
	if noShortcut {
		off := false
		cfg.Search.ShortcutDiscovery = &off
	}

	fanout, err := setupLogging(cfg.Logging, os.Stdout)
	log.SetOutput(fanout)
	defer fanout.Close()
	if err != nil {
		log.Printf("Logging: file output disabled: %v", err)
	}
	log.Printf("falcon %s starting; configuration from %s", Version, source)

	trace, err := scripted.LoadTrace(tracePath)
	if err != nil {
		return err
	}
	dec := scripted.NewDecoder(trace)
	sess, err := newSession(cfg, dec)
	if err != nil {
		return err
	}
	if cfg.Logging.Enabled {
		sess.traceLine = fanout.WriteFileOnlyLine
	}
	fanout.SetRotateHook(func(prevDate time.Time, _, _ string) {
		now := time.Now().UTC()
		fanout.WriteFileOnlyLine("Counters at close of "+prevDate.Format(logFileDateLayout)+":", now)
		for _, line := range sess.counts.SnapshotLines() {
			fanout.WriteFileOnlyLine(line, now)
		}
	})

	if sess.metrics != nil {
		go func() {
			if err := sess.metrics.Serve(ctx, cfg.Metrics.Listen); err != nil {
				log.Printf("Metrics: %v", err)
			}
		}()
	}

	log.Printf("Replaying %s subframes from %s", humanize.Comma(int64(trace.Len())), tracePath)
	start := time.Now()
	var runErr error
loop:
	for {
		select {
		case <-ctx.Done():
			log.Printf("Replay interrupted")
			break loop
		default:
		}
		tick, ok := dec.Next()
		if !ok {
			break
		}
		if err := sess.step(tick.SFN, tick.Index); err != nil {
			runErr = err
			break
		}
		if summaryEvery > 0 && sess.searched%summaryEvery == 0 {
			for _, line := range sess.counts.SnapshotLines() {
				log.Print(line)
			}
		}
	}

	elapsed := time.Since(start)
	if err := sess.close(); err != nil && runErr == nil {
		runErr = err
	}
	for _, line := range sess.summaryLines() {
		log.Print(line)
	}
	log.Printf("Replay finished in %s", elapsed.Round(time.Millisecond))
	return runErr
}

// Purpose: Print the active set stored by the last session.
// Key aspects: Read-only; fails when the tracker store is disabled.
// Upstream: active-set command.
// Downstream: trackerstore.Load.
func runActiveSet() error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	if !cfg.TrackerStore.Enabled {
		return fmt.Errorf("tracker store is disabled in the configuration")
	}
	store, err := trackerstore.Open(cfg.TrackerStore.Path, trackerstore.Options{})
	if err != nil {
		return err
	}
	defer store.Close()
	set, savedAt, err := store.Load()
	if err != nil {
		return err
	}
	if savedAt.IsZero() {
		fmt.Println("No saved active set")
		return nil
	}
	fmt.Printf("%d active pairs saved %s (%s)\n", len(set), savedAt.Format(time.RFC3339), humanize.Time(savedAt))
	for _, line := range formatActiveSet(set) {
		fmt.Println(line)
	}
	return nil
}

func formatActiveSet(set []rnti.ActiveEntry) []string {
	lines := make([]string, 0, len(set))
	for _, e := range set {
		lines = append(lines, fmt.Sprintf("  0x%04x  class %d  freq %-4d  %s", e.RNTI, e.Class, e.Frequency, e.Reason))
	}
	return lines
}
