// Package engine orchestrates matching, scoring, conviction tracking
// and synthesis over the theme store.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/tomasweil/confluence/internal/config"
	"github.com/tomasweil/confluence/internal/conviction"
	"github.com/tomasweil/confluence/internal/matcher"
	"github.com/tomasweil/confluence/internal/scorer"
	"github.com/tomasweil/confluence/internal/store"
	"github.com/tomasweil/confluence/internal/synth"
	"github.com/tomasweil/confluence/internal/types"
)

// ErrInvalidTransition is returned for a manual status change on an
// already-terminal theme.
var ErrInvalidTransition = errors.New("invalid status transition")

// initialConviction is the uninformed prior a freshly created theme
// starts from before its first evidence update.
const initialConviction = 0.5

// Engine is the Confluence Engine facade. At most one ingestion batch
// mutates theme state at a time; runMu is that run lock. Reads and
// synthesis rendering work against committed state and may run
// concurrently with an ingestion batch.
type Engine struct {
	runMu sync.Mutex

	store    *store.Store
	matcher  *matcher.Matcher
	scorer   *scorer.Scorer
	tracker  *conviction.Tracker
	renderer *synth.Renderer
	cfg      *config.Config

	now func() time.Time
}

// New wires an Engine over an explicit store.
func New(st *store.Store, renderer *synth.Renderer, cfg *config.Config) *Engine {
	return &Engine{
		store:    st,
		matcher:  matcher.New(cfg.Matching),
		scorer:   scorer.New(cfg.Scoring),
		tracker:  conviction.New(cfg.Conviction),
		renderer: renderer,
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// runState accumulates one batch's view of theme state: committed items
// plus this batch's additions, so later items in the batch can match
// themes created or extended earlier in it.
type runState struct {
	themes      []*types.Theme
	itemsByID   map[string]map[string]types.ContentItem // themeID -> itemID -> item
	ordered     map[string][]types.ContentItem          // themeID -> arrival order
	created     map[string]bool
	updated     map[string]bool
	newItems    []types.ContentItem
	newEvidence map[string][]indexedRef
	newHistory  map[string][]types.ConvictionPoint
	newEvents   map[string][]types.ContradictionEvent
}

type indexedRef struct {
	ref      types.EvidenceRef
	position int
}

// batchSummaries adapts the run state to the matcher's summary lookups.
// Themes already touched by the batch are answered from the in-memory
// view so in-batch additions participate in similarity; untouched themes
// fall through to the store's committed evidence.
type batchSummaries struct {
	ctx    context.Context
	engine *Engine
	state  *runState
}

func (b batchSummaries) loaded(themeID string) bool {
	_, ok := b.state.itemsByID[themeID]
	return ok || b.state.created[themeID]
}

func (b batchSummaries) RecentSummaries(themeID string, limit int) []string {
	if !b.loaded(themeID) {
		out, err := b.engine.store.RecentSummaries(b.ctx, themeID, limit)
		if err != nil {
			slog.Warn("summary lookup failed, matching on label only", "theme", themeID, "error", err)
			return nil
		}
		return out
	}
	items := b.state.ordered[themeID]
	var out []string
	for i := len(items) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, items[i].Summary)
	}
	return out
}

func (b batchSummaries) RecentTickers(themeID string, limit int) []string {
	if !b.loaded(themeID) {
		out, err := b.engine.store.RecentTickers(b.ctx, themeID, limit)
		if err != nil {
			slog.Warn("ticker lookup failed, matching on label only", "theme", themeID, "error", err)
			return nil
		}
		return out
	}
	items := b.state.ordered[themeID]
	start := len(items) - limit
	if start < 0 {
		start = 0
	}
	var out []string
	for _, it := range items[start:] {
		out = append(out, it.Tickers...)
	}
	return out
}

// Ingest processes one batch of analyzed content items. Items are
// applied in arrival order; all theme mutations commit in a single
// transaction, so a persistence failure aborts the whole batch.
func (e *Engine) Ingest(ctx context.Context, items []types.ContentItem) (types.BatchResult, error) {
	e.runMu.Lock()
	defer e.runMu.Unlock()

	var result types.BatchResult

	// Terminal themes load too: matched items accrete onto them as
	// frozen audit evidence instead of seeding duplicate theses.
	themes, err := e.store.Themes(ctx, store.ThemeFilter{})
	if err != nil {
		return result, fmt.Errorf("load themes: %w", err)
	}

	state := &runState{
		themes:      themes,
		itemsByID:   map[string]map[string]types.ContentItem{},
		ordered:     map[string][]types.ContentItem{},
		created:     map[string]bool{},
		updated:     map[string]bool{},
		newEvidence: map[string][]indexedRef{},
		newHistory:  map[string][]types.ConvictionPoint{},
		newEvents:   map[string][]types.ContradictionEvent{},
	}

	seen := map[string]bool{}
	for _, item := range items {
		if malformed(item) {
			slog.Warn("skipping malformed item", "item", item.ID, "source", item.Source)
			result.Skipped++
			continue
		}
		if seen[item.ID] {
			result.Skipped++
			continue
		}
		seen[item.ID] = true

		exists, err := e.store.ItemExists(ctx, item.ID)
		if err != nil {
			return result, fmt.Errorf("check item %s: %w", item.ID, err)
		}
		if exists {
			// Re-ingesting a processed batch must not duplicate evidence
			// or history points.
			result.Skipped++
			continue
		}

		if err := e.applyItem(ctx, state, item, &result); err != nil {
			return result, err
		}
	}

	if err := e.rescore(ctx, state); err != nil {
		return result, err
	}

	if err := e.commit(ctx, state); err != nil {
		return result, fmt.Errorf("batch commit: %w", err)
	}

	result.ThemesCreated = len(state.created)
	for id := range state.updated {
		if !state.created[id] {
			result.ThemesUpdated++
		}
	}

	slog.Info("batch processed",
		"accepted", result.Accepted,
		"skipped", result.Skipped,
		"themes_created", result.ThemesCreated,
		"themes_updated", result.ThemesUpdated)

	return result, nil
}

// applyItem matches one item, appending it to the winning theme or
// seeding a new one, then applies the conviction update.
func (e *Engine) applyItem(ctx context.Context, state *runState, item types.ContentItem, result *types.BatchResult) error {
	now := e.now()

	match := e.matcher.MatchOrCreate(item, state.themes, batchSummaries{ctx: ctx, engine: e, state: state}, now)
	if match.Skipped {
		result.Skipped++
		return nil
	}

	var theme *types.Theme
	if match.Created {
		theme = &types.Theme{
			ID:         uuid.NewString(),
			Label:      matcher.CanonicalLabel(item),
			CreatedAt:  now,
			UpdatedAt:  now,
			Status:     types.StatusActive,
			Conviction: initialConviction,
		}
		state.themes = append(state.themes, theme)
		state.created[theme.ID] = true
		slog.Info("new theme created", "theme", theme.ID, "label", theme.Label, "item", item.ID)
	} else {
		theme = e.findTheme(state, match.ThemeID)
		if theme == nil {
			return fmt.Errorf("matched theme %s not in run state", match.ThemeID)
		}
	}

	if err := e.ensureOrdered(ctx, state, theme); err != nil {
		return err
	}

	prior := state.ordered[theme.ID]
	outcome := e.tracker.Update(theme, item, prior, now)
	if outcome.Frozen {
		// Terminal themes accept no automatic updates; the item is
		// recorded as evidence for audit but moves nothing.
		slog.Info("theme frozen, conviction unchanged", "theme", theme.ID, "item", item.ID)
	} else {
		state.newHistory[theme.ID] = append(state.newHistory[theme.ID], outcome.Point)
		if outcome.Contradiction != nil {
			theme.Contradictions = append(theme.Contradictions, *outcome.Contradiction)
			state.newEvents[theme.ID] = append(state.newEvents[theme.ID], *outcome.Contradiction)
			slog.Info("contradiction flagged", "theme", theme.ID, "item", item.ID,
				"item_bias", outcome.Contradiction.ItemBias, "dominant_bias", outcome.Contradiction.DominantBias)
		}
		if outcome.Invalidated {
			slog.Info("theme invalidated by falsification criterion", "theme", theme.ID, "item", item.ID)
		}
	}

	// Evidence accretes regardless of freeze: the audit trail never
	// shrinks and never blocks.
	ref := types.EvidenceRef{ItemID: item.ID, Source: item.Source, AddedAt: now}
	position := len(state.ordered[theme.ID])
	theme.Evidence = append(theme.Evidence, ref)
	theme.UpdatedAt = now
	state.ordered[theme.ID] = append(state.ordered[theme.ID], item)
	state.itemsByID[theme.ID][item.ID] = item
	state.newEvidence[theme.ID] = append(state.newEvidence[theme.ID], indexedRef{ref: ref, position: position})
	state.newItems = append(state.newItems, item)
	state.updated[theme.ID] = true

	// New falsification criteria ride in on evidence.
	for _, level := range item.KeyLevels {
		if level.Invalidates && !level.Met && level.Condition != "" {
			if !containsString(theme.FalsificationCriteria, level.Condition) {
				theme.FalsificationCriteria = append(theme.FalsificationCriteria, level.Condition)
			}
		}
	}

	result.Accepted++
	return nil
}

// ensureOrdered lazily loads a theme's committed contributing items the
// first time the batch touches it.
func (e *Engine) ensureOrdered(ctx context.Context, state *runState, theme *types.Theme) error {
	if _, ok := state.itemsByID[theme.ID]; ok {
		return nil
	}
	state.itemsByID[theme.ID] = map[string]types.ContentItem{}

	if state.created[theme.ID] {
		return nil
	}

	items, err := e.store.OrderedItemsForTheme(ctx, theme.ID)
	if err != nil {
		return fmt.Errorf("load items for theme %s: %w", theme.ID, err)
	}
	state.ordered[theme.ID] = items
	for _, it := range items {
		state.itemsByID[theme.ID][it.ID] = it
	}
	return nil
}

func (e *Engine) findTheme(state *runState, id string) *types.Theme {
	for _, t := range state.themes {
		if t.ID == id {
			return t
		}
	}
	return nil
}

// rescore recomputes pillar vectors for every touched theme. Themes are
// independent here, so the recomputation fans out.
func (e *Engine) rescore(ctx context.Context, state *runState) error {
	g, _ := errgroup.WithContext(ctx)
	for id := range state.updated {
		theme := e.findTheme(state, id)
		if theme == nil {
			continue
		}
		items := state.itemsByID[id]
		g.Go(func() error {
			theme.Pillars = e.scorer.Score(theme, items)
			return nil
		})
	}
	return g.Wait()
}

// commit writes the whole batch in one transaction.
func (e *Engine) commit(ctx context.Context, state *runState) error {
	return e.store.WithBatch(ctx, func(b *store.Batch) error {
		for _, item := range state.newItems {
			if err := b.SaveItem(ctx, item); err != nil {
				return fmt.Errorf("save item %s: %w", item.ID, err)
			}
		}
		for id := range state.updated {
			theme := e.findTheme(state, id)
			if err := b.SaveTheme(ctx, theme); err != nil {
				return fmt.Errorf("save theme %s: %w", id, err)
			}
			for _, ir := range state.newEvidence[id] {
				if err := b.AppendEvidence(ctx, id, ir.ref, ir.position); err != nil {
					return fmt.Errorf("append evidence %s: %w", ir.ref.ItemID, err)
				}
			}
			for _, p := range state.newHistory[id] {
				if err := b.AppendHistory(ctx, id, p); err != nil {
					return fmt.Errorf("append history for %s: %w", id, err)
				}
			}
			for _, ev := range state.newEvents[id] {
				if err := b.AppendContradiction(ctx, id, ev); err != nil {
					return fmt.Errorf("append contradiction for %s: %w", id, err)
				}
			}
		}
		return nil
	})
}

func malformed(item types.ContentItem) bool {
	return item.ID == "" || item.Source == "" || item.CollectedAt.IsZero()
}

func containsString(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}
