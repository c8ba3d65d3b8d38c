// Package synth renders the tiered synthesis output from the current
// thesis population.
package synth

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/tomasweil/confluence/internal/config"
	"github.com/tomasweil/confluence/internal/scorer"
	"github.com/tomasweil/confluence/internal/types"
)

// Synthesizer is the injectable text-generation capability. Generation
// is the only call here expected to block for significant wall-clock
// time; implementations must honor ctx and keep output within the
// requested token budget.
type Synthesizer interface {
	Generate(ctx context.Context, prompt string, maxTokens int) (string, error)
}

// Renderer assembles snapshots in two stages:
// Stage 1 generates the executive narrative and assembles per-source
// breakdowns; Stage 2 assembles Tier 3 strictly from summaries the
// upstream analysis step precomputed, never re-summarizing at render
// time. That split keeps Tier 3 cheap and inside the token budget.
type Renderer struct {
	synthesizer Synthesizer
	scorer      *scorer.Scorer
	cfg         config.SynthesisConfig
}

// NewRenderer creates a Renderer.
func NewRenderer(s Synthesizer, sc *scorer.Scorer, cfg config.SynthesisConfig) *Renderer {
	return &Renderer{synthesizer: s, scorer: sc, cfg: cfg}
}

// Render produces a full (tier 3) snapshot for the themes and items in
// the window. Callers project it down with Snapshot.Project; both
// stages always run once, so Tier 1 content is identical whatever tier
// a caller ultimately asks for. prev is the last good snapshot; when
// Stage 1 generation fails after bounded retries the renderer degrades
// to re-serving prev rather than surfacing a hard failure.
func (r *Renderer) Render(ctx context.Context, themes []*types.Theme, items map[string]types.ContentItem, window types.TimeRange, prev *Snapshot) (Snapshot, error) {
	windowItems := r.itemsInWindow(themes, items, window)

	refs := make([]ThemeRef, 0, len(themes))
	themeIDs := make([]string, 0, len(themes))
	conflicted := map[string]bool{}
	for _, t := range themes {
		refs = append(refs, r.themeRef(t))
		themeIDs = append(themeIDs, t.ID)
		if len(t.Contradictions) > 0 && t.Status == types.StatusActive {
			conflicted[t.ID] = true
		}
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].Conviction > refs[j].Conviction })
	sort.Strings(themeIDs)

	exec, err := r.stageOne(ctx, refs, conflicted)
	if err != nil {
		if prev != nil {
			slog.Warn("stage 1 generation failed, degrading to previous snapshot", "error", err)
			degraded := *prev
			degraded.Degraded = true
			return degraded, nil
		}
		return Snapshot{}, fmt.Errorf("stage 1 generation failed with no prior snapshot: %w", err)
	}

	snap := Snapshot{
		ID:               uuid.NewString(),
		GeneratedAt:      time.Now().UTC(),
		Window:           window,
		Tier:             3,
		ThemeIDs:         themeIDs,
		Executive:        exec,
		SourceBreakdowns: r.sourceBreakdowns(themes, windowItems),
		ContentSummaries: r.stageTwo(themes, windowItems),
	}

	return snap, nil
}

func (r *Renderer) themeRef(t *types.Theme) ThemeRef {
	return ThemeRef{
		ThemeID:        t.ID,
		Label:          t.Label,
		Conviction:     t.Conviction,
		CoreScore:      t.Pillars.CoreScore(),
		HybridMax:      t.Pillars.HybridMax(),
		TotalScore:     t.Pillars.TotalScore(),
		MeetsThreshold: r.scorer.MeetsThreshold(t.Pillars),
	}
}

// stageOne generates the executive narrative and classifies themes into
// confluence zones, conflict watch and attention priorities.
func (r *Renderer) stageOne(ctx context.Context, refs []ThemeRef, conflicted map[string]bool) (Executive, error) {
	exec := Executive{
		ConfluenceZones:     []ThemeRef{},
		ConflictWatch:       []ThemeRef{},
		AttentionPriorities: []ThemeRef{},
	}
	for _, ref := range refs {
		if ref.MeetsThreshold {
			exec.ConfluenceZones = append(exec.ConfluenceZones, ref)
		} else if ref.HybridMax >= 1 && ref.CoreScore >= 4 {
			exec.AttentionPriorities = append(exec.AttentionPriorities, ref)
		}
		if conflicted[ref.ThemeID] {
			exec.ConflictWatch = append(exec.ConflictWatch, ref)
		}
	}

	if len(refs) == 0 {
		exec.Narrative = "No tracked theses in the requested window."
		return exec, nil
	}

	prompt := r.buildExecutivePrompt(refs, exec)

	var raw string
	operation := func() error {
		genCtx, cancel := context.WithTimeout(ctx, time.Duration(r.cfg.TimeoutSeconds)*time.Second)
		defer cancel()
		var err error
		raw, err = r.synthesizer.Generate(genCtx, prompt, r.cfg.MaxTokens)
		return err
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(r.cfg.RetryAttempts)),
		ctx,
	)
	if err := backoff.Retry(operation, policy); err != nil {
		return Executive{}, err
	}

	var parsed struct {
		Narrative    string   `json:"narrative"`
		KeyTakeaways []string `json:"key_takeaways"`
	}
	if err := json.Unmarshal([]byte(extractJSON(raw)), &parsed); err != nil {
		return Executive{}, fmt.Errorf("unparseable generation output: %w", err)
	}
	if parsed.Narrative == "" {
		return Executive{}, fmt.Errorf("generation returned empty narrative")
	}

	exec.Narrative = parsed.Narrative
	if len(parsed.KeyTakeaways) > r.cfg.Takeaways {
		parsed.KeyTakeaways = parsed.KeyTakeaways[:r.cfg.Takeaways]
	}
	exec.KeyTakeaways = parsed.KeyTakeaways
	return exec, nil
}

func (r *Renderer) buildExecutivePrompt(refs []ThemeRef, exec Executive) string {
	var b strings.Builder
	b.WriteString("You are writing the executive tier of a research synthesis for tracked investment theses.\n")
	b.WriteString("Respond with a single JSON object: {\"narrative\": string, \"key_takeaways\": [string]}.\n")
	fmt.Fprintf(&b, "Keep the narrative under %d tokens and give 3-%d takeaways.\n\n", r.cfg.MaxTokens/2, r.cfg.Takeaways)
	b.WriteString("Tracked theses (label, conviction 0-1, core score /10, hybrid confirmation /2, meets threshold):\n")
	for _, ref := range refs {
		fmt.Fprintf(&b, "- %s | conviction %.2f | core %d | hybrid %d | confluence=%t\n",
			ref.Label, ref.Conviction, ref.CoreScore, ref.HybridMax, ref.MeetsThreshold)
	}
	if len(exec.ConfluenceZones) > 0 {
		b.WriteString("\nConfluence zones: ")
		for i, z := range exec.ConfluenceZones {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(z.Label)
		}
		b.WriteString("\n")
	}
	return b.String()
}

// sourceBreakdowns assembles one Tier 2 entry per distinct source
// identifier seen in the window.
func (r *Renderer) sourceBreakdowns(themes []*types.Theme, windowItems []itemWithTheme) []SourceBreakdown {
	bySource := map[string][]itemWithTheme{}
	for _, it := range windowItems {
		bySource[it.item.Source] = append(bySource[it.item.Source], it)
	}

	sources := make([]string, 0, len(bySource))
	for s := range bySource {
		sources = append(sources, s)
	}
	sort.Strings(sources)

	labels := map[string]string{}
	for _, t := range themes {
		labels[t.ID] = t.Label
	}

	out := make([]SourceBreakdown, 0, len(sources))
	for _, source := range sources {
		group := bySource[source]
		seen := map[string]bool{}
		var themeLabels []string
		counts := map[types.Sentiment]int{}
		for _, it := range group {
			counts[it.item.Sentiment]++
			if label, ok := labels[it.themeID]; ok && !seen[label] {
				seen[label] = true
				themeLabels = append(themeLabels, label)
			}
		}
		sort.Strings(themeLabels)
		out = append(out, SourceBreakdown{
			Source:    source,
			ItemCount: len(group),
			Themes:    themeLabels,
			Bias:      dominantBias(counts),
		})
	}
	return out
}

// stageTwo assembles Tier 3 from the precomputed per-item summaries.
func (r *Renderer) stageTwo(themes []*types.Theme, windowItems []itemWithTheme) []ItemSummary {
	perSource := map[string]int{}
	out := make([]ItemSummary, 0, len(windowItems))
	for _, it := range windowItems {
		if r.cfg.MaxItemsPerSource > 0 && perSource[it.item.Source] >= r.cfg.MaxItemsPerSource {
			continue
		}
		perSource[it.item.Source]++
		out = append(out, ItemSummary{
			ItemID:      it.item.ID,
			Source:      it.item.Source,
			ThemeID:     it.themeID,
			CollectedAt: it.item.CollectedAt,
			Summary:     it.item.Summary,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CollectedAt.Equal(out[j].CollectedAt) {
			return out[i].CollectedAt.After(out[j].CollectedAt)
		}
		return out[i].ItemID < out[j].ItemID
	})
	return out
}

type itemWithTheme struct {
	item    types.ContentItem
	themeID string
}

func (r *Renderer) itemsInWindow(themes []*types.Theme, items map[string]types.ContentItem, window types.TimeRange) []itemWithTheme {
	var out []itemWithTheme
	for _, t := range themes {
		for _, ref := range t.Evidence {
			item, ok := items[ref.ItemID]
			if !ok || !window.Contains(item.CollectedAt) {
				continue
			}
			out = append(out, itemWithTheme{item: item, themeID: t.ID})
		}
	}
	return out
}

func dominantBias(counts map[types.Sentiment]int) string {
	best := types.Neutral
	n := 0
	for _, s := range []types.Sentiment{types.Bullish, types.Bearish, types.Neutral} {
		if counts[s] > n {
			best, n = s, counts[s]
		}
	}
	return string(best)
}

// extractJSON trims any prose the model wrapped around the JSON object.
func extractJSON(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start >= 0 && end > start {
		return s[start : end+1]
	}
	return s
}
