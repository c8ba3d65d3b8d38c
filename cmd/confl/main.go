// Command confl is a dev CLI for confluence maintenance and debugging
// tasks.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/pkg/browser"

	"github.com/tomasweil/confluence/internal/config"
	"github.com/tomasweil/confluence/internal/engine"
	"github.com/tomasweil/confluence/internal/scheduler"
	"github.com/tomasweil/confluence/internal/scorer"
	"github.com/tomasweil/confluence/internal/spool"
	"github.com/tomasweil/confluence/internal/store"
	"github.com/tomasweil/confluence/internal/synth"
	"github.com/tomasweil/confluence/internal/synth/providers"
	"github.com/tomasweil/confluence/internal/types"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "ingest":
		if len(os.Args) < 3 {
			fmt.Println("Usage: confl ingest <batch.json>")
			os.Exit(1)
		}
		runIngest(os.Args[2])
	case "themes":
		runThemes()
	case "history":
		if len(os.Args) < 3 {
			fmt.Println("Usage: confl history <theme-id>")
			os.Exit(1)
		}
		runHistory(os.Args[2])
	case "render":
		tier := 1
		if len(os.Args) > 2 {
			t, err := strconv.Atoi(os.Args[2])
			if err != nil || t < 1 || t > 3 {
				fmt.Println("Usage: confl render [1|2|3]")
				os.Exit(1)
			}
			tier = t
		}
		runRender(tier)
	case "run-batch":
		runBatch()
	case "open":
		if len(os.Args) < 3 {
			fmt.Println("Usage: confl open <config|data>")
			os.Exit(1)
		}
		runOpen(os.Args[2])
	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: confl <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  ingest <file>   Ingest a JSON batch of analyzed content items")
	fmt.Println("  themes          List tracked themes with scores and conviction")
	fmt.Println("  history <id>    Print a theme's conviction trajectory")
	fmt.Println("  render [tier]   Render a synthesis snapshot at the given tier")
	fmt.Println("  run-batch       Drain the spool and refresh synthesis immediately")
	fmt.Println("  open config     Open config file in default editor")
	fmt.Println("  open data       Open data directory in file explorer")
}

func buildEngine() (*engine.Engine, *store.Store, *config.Config) {
	cfg, err := config.Load()
	if err != nil {
		cfg = config.Default()
	}

	dbPath, err := cfg.DBPath()
	if err != nil {
		log.Fatalf("Failed to resolve database path: %v", err)
	}
	st, err := store.New(dbPath)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}

	synthesizer := providers.NewAnthropicProvider(cfg.Synthesis.APIKey, cfg.Synthesis.Model)
	renderer := synth.NewRenderer(synthesizer, scorer.New(cfg.Scoring), cfg.Synthesis)
	return engine.New(st, renderer, cfg), st, cfg
}

func runIngest(path string) {
	items, err := spool.ReadBatch(path)
	if err != nil {
		log.Fatalf("Failed to read batch: %v", err)
	}

	eng, st, _ := buildEngine()
	defer st.Close()

	result, err := eng.Ingest(context.Background(), items)
	if err != nil {
		log.Fatalf("Ingest failed: %v", err)
	}

	fmt.Printf("accepted=%d skipped=%d themes_created=%d themes_updated=%d\n",
		result.Accepted, result.Skipped, result.ThemesCreated, result.ThemesUpdated)
}

func runThemes() {
	eng, st, _ := buildEngine()
	defer st.Close()

	themes, err := eng.ActiveThemes(context.Background(), store.ThemeFilter{})
	if err != nil {
		log.Fatalf("Failed to list themes: %v", err)
	}

	for _, t := range themes {
		fmt.Printf("%s  %-40s %-12s conviction=%.2f core=%d hybrid=%d items=%d\n",
			t.ID, t.Label, t.Status, t.Conviction,
			t.Pillars.CoreScore(), t.Pillars.HybridMax(), len(t.Evidence))
	}
}

func runHistory(themeID string) {
	eng, st, _ := buildEngine()
	defer st.Close()

	points, err := eng.ThemeHistory(context.Background(), themeID)
	if err != nil {
		log.Fatalf("Failed to load history: %v", err)
	}

	for _, p := range points {
		fmt.Printf("%s  %.3f ±%.3f\n", p.Timestamp.Format(time.RFC3339), p.Value, p.Interval)
	}
}

func runRender(tier int) {
	eng, st, _ := buildEngine()
	defer st.Close()

	window := types.TimeRange{From: time.Now().UTC().Add(-24 * time.Hour)}
	snap, err := eng.Synthesis(context.Background(), window, tier)
	if err != nil {
		log.Fatalf("Render failed: %v", err)
	}

	out, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		log.Fatalf("Failed to encode snapshot: %v", err)
	}
	fmt.Println(string(out))
}

func runBatch() {
	eng, st, cfg := buildEngine()
	defer st.Close()

	spoolDir, err := cfg.SpoolDir()
	if err != nil {
		log.Fatalf("Failed to resolve spool directory: %v", err)
	}
	inbox, err := spool.New(spoolDir)
	if err != nil {
		log.Fatalf("Failed to prepare spool: %v", err)
	}

	sched, err := scheduler.New(cfg.Schedule.Timezone)
	if err != nil {
		log.Fatalf("Failed to create scheduler: %v", err)
	}

	if err := sched.RunNow("manual-batch", spool.BatchJob(inbox, eng)); err != nil {
		log.Fatalf("Batch failed: %v", err)
	}
	fmt.Println("batch complete")
}

func runOpen(target string) {
	var path string
	var err error

	switch target {
	case "config":
		path, err = config.ConfigPath()
	case "data":
		path, err = config.DataDir()
	default:
		fmt.Printf("Unknown target: %s\n", target)
		os.Exit(1)
	}

	if err != nil {
		log.Fatalf("Failed to get path: %v", err)
	}

	if err := browser.OpenFile(path); err != nil {
		log.Fatalf("Failed to open: %v", err)
	}
}
