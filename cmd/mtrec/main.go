package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/quietfield/mtrec"
	"github.com/quietfield/mtrec/internal/adapters/store"
	"github.com/quietfield/mtrec/internal/app/analysis"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	var err error

	switch cmd {
	case "run":
		err = runCommand(os.Args[2:])
	case "validate":
		err = validateCommand(os.Args[2:])
	case "analyze":
		err = analyzeCommand(os.Args[2:])
	case "stats":
		err = statsCommand(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		printUsage()
		err = fmt.Errorf("unknown command %q", cmd)
	}

	if err != nil {
		log.Fatalf("mtrec %s: %v", cmd, err)
	}
}

func runCommand(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	cfgPath := fs.String("config", "./config.yaml", "Path to recorder configuration file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := mtrec.LoadConfig(*cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	rt, err := mtrec.NewRuntime(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return rt.Run(ctx)
}

func validateCommand(args []string) error {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	cfgPath := fs.String("config", "./config.yaml", "Path to configuration file to validate")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := mtrec.LoadConfig(*cfgPath)
	if err != nil {
		return err
	}
	fmt.Printf("config %s looks good: %d source(s)\n", *cfgPath, len(cfg.Sources))
	return nil
}

// analyzeCommand replays recorded partitions offline, without a running
// recorder, and prints JSON reports.
func analyzeCommand(args []string) error {
	fs := flag.NewFlagSet("analyze", flag.ExitOnError)
	cfgPath := fs.String("config", "./config.yaml", "Path to recorder configuration file")
	source := fs.String("source", "", "Source ID to analyze (empty: every source)")
	date := fs.String("date", "", "Partition date YYYY-MM-DD (empty: every recorded day)")
	stops := fs.Bool("stops", false, "Report stop intervals instead of integrity")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := mtrec.LoadConfig(*cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	loc, err := cfg.Storage.Location()
	if err != nil {
		return err
	}
	fileStore, err := store.NewFileStore(cfg.Storage.Dir, loc)
	if err != nil {
		return err
	}
	defer fileStore.Close()

	analyzer := analysis.NewAnalyzer(fileStore, analysis.Options{
		StoppedStates:  cfg.Analysis.StoppedStates,
		ActivityFields: cfg.Analysis.ActivityFields,
		MaxStopGap:     cfg.Analysis.MaxStopGap,
	})

	sources := []string{*source}
	if *source == "" {
		sources, err = fileStore.Sources()
		if err != nil {
			return err
		}
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	for _, src := range sources {
		dates := []string{*date}
		if *date == "" {
			dates, err = fileStore.Dates(src)
			if err != nil {
				return err
			}
		}
		for _, d := range dates {
			if *stops {
				intervals, err := analyzer.Stops(src, d)
				if err != nil {
					return err
				}
				if err := enc.Encode(map[string]any{"source_id": src, "date": d, "stops": intervals}); err != nil {
					return err
				}
				continue
			}
			rep, err := analyzer.Analyze(src, d)
			if err != nil {
				return err
			}
			if err := enc.Encode(rep); err != nil {
				return err
			}
		}
	}
	return nil
}

func statsCommand(args []string) error {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	url := fs.String("url", "http://localhost:9700/metrics", "Prometheus metrics endpoint")
	interval := fs.Duration("interval", 2*time.Second, "Refresh interval")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	fmt.Printf("Streaming metrics from %s (Ctrl+C to stop)\n", *url)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := printMetricsSnapshot(*url); err != nil {
				fmt.Fprintf(os.Stderr, "stats error: %v\n", err)
			}
		}
	}
}

func printMetricsSnapshot(url string) error {
	resp, err := http.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}

	totals := map[string]float64{
		"mtrec_samples_recorded_total": 0,
		"mtrec_sequence_missing_total": 0,
		"mtrec_fetch_failures_total":   0,
		"mtrec_archive_queue_length":   0,
	}

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "#") {
			continue
		}
		for key := range totals {
			// per-source series share the metric name prefix; sum them
			if strings.HasPrefix(line, key) {
				idx := strings.LastIndexByte(line, ' ')
				if idx < 0 {
					continue
				}
				var value float64
				if _, err := fmt.Sscanf(line[idx+1:], "%f", &value); err == nil {
					totals[key] += value
				}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	fmt.Printf("[%s] recorded=%.0f missing=%.0f fetch_failures=%.0f queue=%.0f\n",
		time.Now().Format(time.RFC3339),
		totals["mtrec_samples_recorded_total"],
		totals["mtrec_sequence_missing_total"],
		totals["mtrec_fetch_failures_total"],
		totals["mtrec_archive_queue_length"],
	)
	return nil
}

func printUsage() {
	fmt.Printf(`mtrec — machine telemetry recorder

Usage:
  mtrec <command> [flags]

Commands:
  run        Start the recorder using the provided config
  validate   Load and validate a config file without starting the recorder
  analyze    Replay recorded partitions and print integrity or stop reports
  stats      Poll the Prometheus metrics endpoint and print live counters

Examples:
  mtrec run -config ./config.yaml
  mtrec validate -config ./config.yaml
  mtrec analyze -config ./config.yaml -source vtc-300 -date 2025-06-03
  mtrec analyze -config ./config.yaml -stops
  mtrec stats -url http://localhost:9700/metrics -interval 1s
`)
}
