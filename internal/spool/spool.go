// Package spool drains analyzed-item batches dropped as JSON files by
// the upstream extraction collaborators.
package spool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/tomasweil/confluence/internal/types"
)

// Ingester is the sink a drained batch feeds; the engine satisfies it.
type Ingester interface {
	Ingest(ctx context.Context, items []types.ContentItem) (types.BatchResult, error)
}

// Spool reads pending item files from an inbox directory and moves
// processed ones aside.
type Spool struct {
	dir string
}

// New creates a Spool over dir, creating the inbox and done
// directories if needed.
func New(dir string) (*Spool, error) {
	for _, d := range []string{dir, filepath.Join(dir, "done")} {
		if err := os.MkdirAll(d, 0700); err != nil {
			return nil, err
		}
	}
	return &Spool{dir: dir}, nil
}

// Drain ingests every pending *.json file in name order. A file that
// fails to parse is logged and left in place; a batch-fatal ingest
// error stops the drain so the file can be retried.
func (s *Spool) Drain(ctx context.Context, sink Ingester) (types.BatchResult, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return types.BatchResult{}, fmt.Errorf("read spool dir: %w", err)
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var total types.BatchResult
	for _, name := range names {
		path := filepath.Join(s.dir, name)

		items, err := ReadBatch(path)
		if err != nil {
			slog.Warn("unreadable spool file, leaving in place", "file", name, "error", err)
			continue
		}

		result, err := sink.Ingest(ctx, items)
		if err != nil {
			return total, fmt.Errorf("ingest %s: %w", name, err)
		}

		total.Accepted += result.Accepted
		total.Skipped += result.Skipped
		total.ThemesCreated += result.ThemesCreated
		total.ThemesUpdated += result.ThemesUpdated

		if err := os.Rename(path, filepath.Join(s.dir, "done", name)); err != nil {
			slog.Warn("failed to move processed spool file", "file", name, "error", err)
		}
		slog.Info("spool file processed", "file", name, "accepted", result.Accepted, "skipped", result.Skipped)
	}

	return total, nil
}

// Refresher regenerates the synthesis snapshot after a drain; the
// engine satisfies it.
type Refresher interface {
	RefreshSynthesis(ctx context.Context) error
}

// BatchJob returns the scheduled-batch body: drain the spool, then
// refresh the synthesis snapshot. The refresh runs even on an empty
// drain so the snapshot's trailing window stays current. A failed
// refresh degrades to the previous snapshot and never fails the batch.
func BatchJob(s *Spool, sink Ingester) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		result, err := s.Drain(ctx, sink)
		if err != nil {
			return err
		}
		slog.Info("scheduled batch drained",
			"accepted", result.Accepted,
			"skipped", result.Skipped,
			"themes_created", result.ThemesCreated,
			"themes_updated", result.ThemesUpdated)

		if r, ok := sink.(Refresher); ok {
			if err := r.RefreshSynthesis(ctx); err != nil {
				slog.Warn("synthesis refresh failed, previous snapshot stands", "error", err)
			}
		}
		return nil
	}
}

// ReadBatch parses one spool file: either a JSON array of items or an
// object with an "items" field.
func ReadBatch(path string) ([]types.ContentItem, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var items []types.ContentItem
	if err := json.Unmarshal(data, &items); err == nil {
		return items, nil
	}

	var wrapped struct {
		Items []types.ContentItem `json:"items"`
	}
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return nil, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	return wrapped.Items, nil
}
