// Package conviction maintains a theme's sequential belief trajectory.
package conviction

import (
	"math"
	"strings"
	"time"

	"github.com/tomasweil/confluence/internal/config"
	"github.com/tomasweil/confluence/internal/types"
)

// Tracker applies damped sequential updates to a theme's conviction as
// evidence arrives. The trajectory is order-dependent on purpose: it
// mirrors how an analyst's confidence actually evolves, so conviction
// is never recomputed from scratch.
type Tracker struct {
	baseRate      float64
	intervalWidth float64
	biasWindow    int
	weights       config.ConvictionConfig
}

// New creates a Tracker from conviction config.
func New(cfg config.ConvictionConfig) *Tracker {
	return &Tracker{
		baseRate:      cfg.BaseRate,
		intervalWidth: cfg.IntervalWidth,
		biasWindow:    cfg.BiasWindow,
		weights:       cfg,
	}
}

// UpdateOutcome reports what a single evidence arrival did to the theme.
type UpdateOutcome struct {
	Point         types.ConvictionPoint
	Contradiction *types.ContradictionEvent
	Invalidated   bool
	// Frozen is set when the theme is already terminal and the update
	// was therefore not applied.
	Frozen bool
}

// Update applies one new evidence item to the theme's belief state,
// appending a history point, flagging contradictions, and transitioning
// to invalidated when the item reports a stored falsification criterion
// as met. Items for prior are the theme's contributing items in arrival
// order, excluding the new one. The caller holds the run lock.
func (t *Tracker) Update(theme *types.Theme, item types.ContentItem, prior []types.ContentItem, now time.Time) UpdateOutcome {
	if theme.Status.Terminal() {
		// Invalidated and acted-upon theses keep their trajectory frozen;
		// only a manual status change can resume them.
		return UpdateOutcome{Frozen: true}
	}

	outcome := UpdateOutcome{}

	// Contradiction check runs against state before the update.
	if ev := t.detectContradiction(theme, item, prior, now); ev != nil {
		outcome.Contradiction = ev
	}

	n := len(prior)
	eta := t.baseRate / float64(1+n)
	strength := clamp(float64(item.Conviction)/10*t.weights.SourceWeight(item.Source), 0, 1)

	value := clamp(theme.Conviction+eta*(strength-theme.Conviction), 0, 1)
	interval := t.intervalWidth / math.Sqrt(float64(n+1)+1)

	ts := now
	if last := len(theme.History); last > 0 && !ts.After(theme.History[last-1].Timestamp) {
		ts = theme.History[last-1].Timestamp.Add(time.Millisecond)
	}

	point := types.ConvictionPoint{Timestamp: ts, Value: value, Interval: interval}
	theme.Conviction = value
	theme.Interval = interval
	theme.History = append(theme.History, point)
	outcome.Point = point

	if t.falsified(theme, item) {
		theme.Status = types.StatusInvalidated
		outcome.Invalidated = true
	}

	return outcome
}

// detectContradiction flags the item when its bias disagrees with the
// majority bias of the last biasWindow contributing items and it comes
// from a different source than the most recent contributor.
func (t *Tracker) detectContradiction(theme *types.Theme, item types.ContentItem, prior []types.ContentItem, now time.Time) *types.ContradictionEvent {
	if item.Sentiment == types.Neutral || len(prior) == 0 {
		return nil
	}

	window := prior
	if len(window) > t.biasWindow {
		window = window[len(window)-t.biasWindow:]
	}

	counts := map[types.Sentiment]int{}
	for _, p := range window {
		counts[p.Sentiment]++
	}
	dominant := types.Neutral
	best := 0
	for _, s := range []types.Sentiment{types.Bullish, types.Bearish, types.Neutral} {
		if counts[s] > best {
			dominant, best = s, counts[s]
		}
	}

	if dominant == types.Neutral || dominant == item.Sentiment {
		return nil
	}
	// Same source disagreeing with itself is revision, not contradiction.
	if prior[len(prior)-1].Source == item.Source {
		return nil
	}

	return &types.ContradictionEvent{
		ItemID:       item.ID,
		Source:       item.Source,
		ItemBias:     item.Sentiment,
		DominantBias: dominant,
		At:           now,
	}
}

// falsified reports whether the item explicitly marks one of the
// theme's stored falsification criteria as met.
func (t *Tracker) falsified(theme *types.Theme, item types.ContentItem) bool {
	for _, level := range item.KeyLevels {
		if !level.Met {
			continue
		}
		reported := normalizeCondition(level.Condition)
		for _, criterion := range theme.FalsificationCriteria {
			stored := normalizeCondition(criterion)
			if stored == "" || reported == "" {
				continue
			}
			if strings.Contains(reported, stored) || strings.Contains(stored, reported) {
				return true
			}
		}
	}
	return false
}

func normalizeCondition(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
