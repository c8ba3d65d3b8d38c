package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tomasweil/confluence/internal/store"
	"github.com/tomasweil/confluence/internal/synth"
	"github.com/tomasweil/confluence/internal/types"
)

// ActiveThemes returns themes matching the filter.
func (e *Engine) ActiveThemes(ctx context.Context, filter store.ThemeFilter) ([]*types.Theme, error) {
	return e.store.Themes(ctx, filter)
}

// ThemeHistory returns a theme's conviction trajectory.
func (e *Engine) ThemeHistory(ctx context.Context, themeID string) ([]types.ConvictionPoint, error) {
	if _, err := e.store.GetTheme(ctx, themeID); err != nil {
		return nil, err
	}
	return e.store.ThemeHistory(ctx, themeID)
}

// MarkTheme applies a manual status transition. Terminal themes reject
// further transitions so audit state cannot be rewritten.
func (e *Engine) MarkTheme(ctx context.Context, themeID string, status types.ThemeStatus) error {
	if !status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, status)
	}

	theme, err := e.store.GetTheme(ctx, themeID)
	if err != nil {
		return err
	}
	if theme.Status.Terminal() {
		return fmt.Errorf("%w: theme %s is already %s", ErrInvalidTransition, themeID, theme.Status)
	}
	if theme.Status == status {
		return fmt.Errorf("%w: theme %s is already %s", ErrInvalidTransition, themeID, status)
	}

	if err := e.store.SetThemeStatus(ctx, themeID, status, e.now()); err != nil {
		return err
	}
	slog.Info("theme status changed", "theme", themeID, "from", theme.Status, "to", status)
	return nil
}

// Synthesis renders a snapshot of the current thesis population for the
// window at the requested tier. Rendering reads committed state only
// and degrades to the last good snapshot when generation fails.
func (e *Engine) Synthesis(ctx context.Context, window types.TimeRange, tier int) (synth.Snapshot, error) {
	if tier < 1 || tier > 3 {
		return synth.Snapshot{}, fmt.Errorf("invalid tier %d: must be 1, 2 or 3", tier)
	}

	themes, err := e.store.Themes(ctx, store.ThemeFilter{})
	if err != nil {
		return synth.Snapshot{}, fmt.Errorf("load themes: %w", err)
	}

	themeIDs := make([]string, 0, len(themes))
	for _, t := range themes {
		themeIDs = append(themeIDs, t.ID)
	}
	items, err := e.store.ItemsForThemes(ctx, themeIDs)
	if err != nil {
		return synth.Snapshot{}, fmt.Errorf("load items: %w", err)
	}

	prev, err := e.store.LatestSnapshot(ctx)
	if err != nil {
		return synth.Snapshot{}, fmt.Errorf("load previous snapshot: %w", err)
	}

	snap, err := e.renderer.Render(ctx, themes, items, window, prev)
	if err != nil {
		return synth.Snapshot{}, err
	}

	if !snap.Degraded {
		if err := e.store.SaveSnapshot(ctx, snap); err != nil {
			slog.Warn("failed to persist snapshot", "error", err)
		}
	}
	return snap.Project(tier), nil
}

// RefreshSynthesis renders and persists a full snapshot covering the
// trailing day; scheduled batches call this after ingestion.
func (e *Engine) RefreshSynthesis(ctx context.Context) error {
	window := types.TimeRange{From: e.now().Add(-24 * time.Hour)}
	if _, err := e.Synthesis(ctx, window, 3); err != nil {
		return fmt.Errorf("refresh synthesis: %w", err)
	}
	return nil
}

// Snapshot returns a persisted snapshot by id, projected to the tier.
func (e *Engine) Snapshot(ctx context.Context, id string, tier int) (*synth.Snapshot, error) {
	snap, err := e.store.GetSnapshot(ctx, id)
	if err != nil || snap == nil {
		return snap, err
	}
	if tier >= 1 && tier <= 3 {
		projected := snap.Project(tier)
		return &projected, nil
	}
	return snap, nil
}
