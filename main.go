package main

import (
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"

	"github.com/tomasweil/confluence/internal/config"
	"github.com/tomasweil/confluence/internal/engine"
	"github.com/tomasweil/confluence/internal/scheduler"
	"github.com/tomasweil/confluence/internal/scorer"
	"github.com/tomasweil/confluence/internal/server"
	"github.com/tomasweil/confluence/internal/spool"
	"github.com/tomasweil/confluence/internal/store"
	"github.com/tomasweil/confluence/internal/synth"
	"github.com/tomasweil/confluence/internal/synth/providers"
)

func main() {
	slog.SetDefault(slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		TimeFormat: time.Kitchen,
	})))

	// Load or create configuration
	cfg, err := config.Load()
	if err != nil {
		if os.IsNotExist(err) {
			// First run - create default config
			cfg = config.Default()
			if err := cfg.Save(); err != nil {
				slog.Warn("could not save default config", "error", err)
			} else {
				path, _ := config.ConfigPath()
				slog.Info("created default config", "path", path)
			}
		} else {
			slog.Warn("could not load config, using defaults", "error", err)
			cfg = config.Default()
		}
	}

	dbPath, err := cfg.DBPath()
	if err != nil {
		slog.Error("failed to resolve database path", "error", err)
		os.Exit(1)
	}
	st, err := store.New(dbPath)
	if err != nil {
		slog.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	synthesizer := providers.NewAnthropicProvider(cfg.Synthesis.APIKey, cfg.Synthesis.Model)
	renderer := synth.NewRenderer(synthesizer, scorer.New(cfg.Scoring), cfg.Synthesis)
	eng := engine.New(st, renderer, cfg)

	spoolDir, err := cfg.SpoolDir()
	if err != nil {
		slog.Error("failed to resolve spool directory", "error", err)
		os.Exit(1)
	}
	inbox, err := spool.New(spoolDir)
	if err != nil {
		slog.Error("failed to prepare spool", "error", err)
		os.Exit(1)
	}

	sched, err := scheduler.New(cfg.Schedule.Timezone)
	if err != nil {
		slog.Error("failed to create scheduler", "error", err)
		os.Exit(1)
	}

	batch := spool.BatchJob(inbox, eng)
	if err := sched.AddBatchJob("morning-batch", cfg.Schedule.MorningTime, batch); err != nil {
		slog.Error("failed to schedule morning batch", "error", err)
		os.Exit(1)
	}
	if err := sched.AddBatchJob("evening-batch", cfg.Schedule.EveningTime, batch); err != nil {
		slog.Error("failed to schedule evening batch", "error", err)
		os.Exit(1)
	}

	sched.Start()
	defer sched.Stop()

	for _, job := range sched.ListJobs() {
		slog.Info("batch scheduled", "job", job.Name, "next_run", job.NextRun)
	}

	slog.Info("confluence starting", "addr", cfg.Server.ListenAddr, "db", dbPath, "spool", spoolDir)

	srv := server.New(eng)
	if err := srv.Run(cfg.Server.ListenAddr); err != nil {
		slog.Error("server exited", "error", err)
		os.Exit(1)
	}
}
