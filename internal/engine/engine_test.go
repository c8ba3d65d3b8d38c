package engine

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomasweil/confluence/internal/config"
	"github.com/tomasweil/confluence/internal/scorer"
	"github.com/tomasweil/confluence/internal/store"
	"github.com/tomasweil/confluence/internal/synth"
	"github.com/tomasweil/confluence/internal/types"
)

type scriptedSynth struct {
	fail  bool
	calls int
}

func (s *scriptedSynth) Generate(ctx context.Context, prompt string, maxTokens int) (string, error) {
	s.calls++
	if s.fail {
		return "", errors.New("generation unavailable")
	}
	return `{"narrative": "Test narrative.", "key_takeaways": ["one", "two", "three"]}`, nil
}

func newTestEngine(t *testing.T) (*Engine, *store.Store, *scriptedSynth) {
	t.Helper()

	st, err := store.New(filepath.Join(t.TempDir(), "confluence.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cfg := config.Default()
	cfg.Synthesis.RetryAttempts = 0
	cfg.Synthesis.TimeoutSeconds = 5

	gen := &scriptedSynth{}
	renderer := synth.NewRenderer(gen, scorer.New(cfg.Scoring), cfg.Synthesis)

	e := New(st, renderer, cfg)

	base := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	tick := 0
	e.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Minute)
	}
	return e, st, gen
}

func semiBatch() []types.ContentItem {
	collected := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)
	return []types.ContentItem{
		{
			ID:          "item-1",
			Source:      "42macro",
			Kind:        types.KindMacroReport,
			CollectedAt: collected,
			Themes:      []string{"semiconductor upcycle"},
			Sentiment:   types.Bullish,
			Conviction:  8,
			Tickers:     []string{"NVDA", "SMH"},
			Summary:     "AI capex driving semiconductor upcycle",
			Evidence:    types.Evidence{MacroData: &types.MacroEvidence{Regime: "expansion"}},
		},
		{
			ID:          "item-2",
			Source:      "discord:macro-daily",
			Kind:        types.KindDiscordMessage,
			CollectedAt: collected.Add(10 * time.Minute),
			Themes:      []string{"semiconductor upcycle"},
			Sentiment:   types.Bullish,
			Conviction:  7,
			Tickers:     []string{"NVDA"},
			Summary:     "Hyperscaler capex confirms semiconductor upcycle",
			Evidence: types.Evidence{
				MacroData:   &types.MacroEvidence{Regime: "expansion"},
				PriceAction: &types.TechnicalEvidence{Notes: []string{"breakout held"}},
			},
		},
		{
			ID:          "item-3",
			Source:      "youtube:MacroVoices",
			Kind:        types.KindVideoTranscript,
			CollectedAt: collected.Add(20 * time.Minute),
			Themes:      []string{"yen carry unwind"},
			Sentiment:   types.Bearish,
			Conviction:  6,
			Tickers:     []string{"USDJPY"},
			Summary:     "BoJ policy shift forces yen carry unwind",
			Evidence:    types.Evidence{Policy: &types.PolicyEvidence{Notes: []string{"BoJ hike"}}},
		},
	}
}

func TestIngestBatchClustersAndScores(t *testing.T) {
	e, st, _ := newTestEngine(t)
	ctx := context.Background()

	result, err := e.Ingest(ctx, semiBatch())
	require.NoError(t, err)

	assert.Equal(t, 3, result.Accepted)
	assert.Equal(t, 0, result.Skipped)
	assert.Equal(t, 2, result.ThemesCreated)
	assert.Equal(t, 0, result.ThemesUpdated)

	themes, err := st.Themes(ctx, store.ThemeFilter{Status: types.StatusActive})
	require.NoError(t, err)
	require.Len(t, themes, 2)

	var semi *types.Theme
	for _, th := range themes {
		if th.Label == "semiconductor upcycle" {
			semi = th
		}
	}
	require.NotNil(t, semi)
	require.Len(t, semi.Evidence, 2)
	assert.Equal(t, "item-1", semi.Evidence[0].ItemID)
	assert.Equal(t, "item-2", semi.Evidence[1].ItemID)

	// Two independent sources report macro evidence; only one reports
	// price action.
	assert.Equal(t, 2, semi.Pillars.Get(types.MacroData).Score)
	assert.Equal(t, 1, semi.Pillars.Get(types.PriceAction).Score)
	assert.Equal(t, 0, semi.Pillars.Get(types.OptionsVol).Score)
}

func TestIngestConvictionTrajectory(t *testing.T) {
	e, st, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := e.Ingest(ctx, semiBatch())
	require.NoError(t, err)

	themes, err := st.Themes(ctx, store.ThemeFilter{Status: types.StatusActive})
	require.NoError(t, err)
	var semi *types.Theme
	for _, th := range themes {
		if th.Label == "semiconductor upcycle" {
			semi = th
		}
	}
	require.NotNil(t, semi)

	history, err := e.ThemeHistory(ctx, semi.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)

	// 0.5 + 0.2*(0.8-0.5) = 0.56, then 0.56 + 0.1*(0.7-0.56) = 0.574.
	assert.InDelta(t, 0.56, history[0].Value, 1e-9)
	assert.InDelta(t, 0.574, history[1].Value, 1e-9)
	assert.True(t, history[1].Timestamp.After(history[0].Timestamp))
	assert.InDelta(t, 0.574, semi.Conviction, 1e-9)
}

func TestIngestIsIdempotent(t *testing.T) {
	e, st, _ := newTestEngine(t)
	ctx := context.Background()

	batch := semiBatch()
	_, err := e.Ingest(ctx, batch)
	require.NoError(t, err)

	again, err := e.Ingest(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, 0, again.Accepted)
	assert.Equal(t, 3, again.Skipped)
	assert.Equal(t, 0, again.ThemesCreated)
	assert.Equal(t, 0, again.ThemesUpdated)

	themes, err := st.Themes(ctx, store.ThemeFilter{Status: types.StatusActive})
	require.NoError(t, err)
	for _, th := range themes {
		got, err := st.GetTheme(ctx, th.ID)
		require.NoError(t, err)
		history, err := st.ThemeHistory(ctx, th.ID)
		require.NoError(t, err)
		assert.Len(t, got.Evidence, len(history), "re-ingest must not duplicate evidence or history")
	}
}

func TestIngestSkipsMalformedAndDuplicateItems(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	good := semiBatch()[0]
	batch := []types.ContentItem{
		{ID: "", Source: "42macro", CollectedAt: good.CollectedAt},          // no id
		{ID: "bad-2", Source: "", CollectedAt: good.CollectedAt},            // no source
		{ID: "bad-3", Source: "42macro"},                                    // no timestamp
		{ID: "bad-4", Source: "42macro", CollectedAt: good.CollectedAt},     // no theme labels
		good,
		good, // in-batch duplicate
	}

	result, err := e.Ingest(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Accepted)
	assert.Equal(t, 5, result.Skipped)
	assert.Equal(t, 1, result.ThemesCreated)
}

func TestSecondBatchExtendsExistingTheme(t *testing.T) {
	e, st, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := e.Ingest(ctx, semiBatch()[:1])
	require.NoError(t, err)

	followUp := semiBatch()[1]
	result, err := e.Ingest(ctx, []types.ContentItem{followUp})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Accepted)
	assert.Equal(t, 0, result.ThemesCreated)
	assert.Equal(t, 1, result.ThemesUpdated)

	themes, err := st.Themes(ctx, store.ThemeFilter{Status: types.StatusActive})
	require.NoError(t, err)
	require.Len(t, themes, 1)
	assert.Len(t, themes[0].Evidence, 2)
}

func TestFalsificationInvalidatesTheme(t *testing.T) {
	e, st, _ := newTestEngine(t)
	ctx := context.Background()

	seed := semiBatch()[0]
	seed.KeyLevels = []types.KeyLevel{
		{Ticker: "SMH", Condition: "SMH closes below 200", Invalidates: true},
	}
	_, err := e.Ingest(ctx, []types.ContentItem{seed})
	require.NoError(t, err)

	trigger := semiBatch()[1]
	trigger.ID = "item-trigger"
	trigger.Sentiment = types.Bearish
	trigger.KeyLevels = []types.KeyLevel{
		{Ticker: "SMH", Condition: "smh closes below 200", Met: true},
	}
	_, err = e.Ingest(ctx, []types.ContentItem{trigger})
	require.NoError(t, err)

	themes, err := st.Themes(ctx, store.ThemeFilter{})
	require.NoError(t, err)
	require.Len(t, themes, 1)
	assert.Equal(t, types.StatusInvalidated, themes[0].Status)

	// Invalidation freezes automatic updates but keeps the audit trail.
	assert.Len(t, themes[0].Evidence, 2)
	err = e.MarkTheme(ctx, themes[0].ID, types.StatusActive)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestInvalidatedThemeAccretesFrozenEvidence(t *testing.T) {
	e, st, _ := newTestEngine(t)
	ctx := context.Background()

	seed := semiBatch()[0]
	seed.KeyLevels = []types.KeyLevel{
		{Ticker: "SMH", Condition: "SMH closes below 200", Invalidates: true},
	}
	trigger := semiBatch()[1]
	trigger.ID = "item-trigger"
	trigger.KeyLevels = []types.KeyLevel{
		{Ticker: "SMH", Condition: "smh closes below 200", Met: true},
	}
	_, err := e.Ingest(ctx, []types.ContentItem{seed, trigger})
	require.NoError(t, err)

	themes, err := st.Themes(ctx, store.ThemeFilter{})
	require.NoError(t, err)
	require.Len(t, themes, 1)
	require.Equal(t, types.StatusInvalidated, themes[0].Status)
	invalidated := themes[0]

	follow := semiBatch()[2]
	follow.ID = "item-follow"
	follow.Themes = []string{"semiconductor upcycle"}
	follow.Tickers = []string{"NVDA"}
	follow.Summary = "Semiconductor upcycle intact despite pullback"

	result, err := e.Ingest(ctx, []types.ContentItem{follow})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Accepted)
	assert.Equal(t, 0, result.ThemesCreated, "a matching item must not seed a duplicate thesis")
	assert.Equal(t, 1, result.ThemesUpdated)

	got, err := st.GetTheme(ctx, invalidated.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusInvalidated, got.Status)

	// Evidence accretes for audit; the conviction trajectory stays frozen.
	require.Len(t, got.Evidence, 3)
	assert.Equal(t, "item-follow", got.Evidence[2].ItemID)
	assert.Len(t, got.History, len(invalidated.History))
	assert.InDelta(t, invalidated.Conviction, got.Conviction, 1e-9)

	all, err := st.Themes(ctx, store.ThemeFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestMarkThemeTransitions(t *testing.T) {
	e, st, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := e.Ingest(ctx, semiBatch()[:1])
	require.NoError(t, err)
	themes, err := st.Themes(ctx, store.ThemeFilter{})
	require.NoError(t, err)
	require.Len(t, themes, 1)
	id := themes[0].ID

	assert.ErrorIs(t, e.MarkTheme(ctx, id, types.StatusActive), ErrInvalidTransition, "no-op transition")
	assert.ErrorIs(t, e.MarkTheme(ctx, id, types.ThemeStatus("archived")), ErrInvalidTransition, "unknown status")
	assert.ErrorIs(t, e.MarkTheme(ctx, "no-such-theme", types.StatusActedUpon), store.ErrThemeNotFound)

	require.NoError(t, e.MarkTheme(ctx, id, types.StatusActedUpon))
	got, err := st.GetTheme(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusActedUpon, got.Status)

	// Terminal themes reject further transitions.
	assert.ErrorIs(t, e.MarkTheme(ctx, id, types.StatusInvalidated), ErrInvalidTransition)
}

func TestThemeHistoryUnknownTheme(t *testing.T) {
	e, _, _ := newTestEngine(t)
	_, err := e.ThemeHistory(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrThemeNotFound)
}

func TestSynthesisProjectsAndPersists(t *testing.T) {
	e, st, gen := newTestEngine(t)
	ctx := context.Background()

	_, err := e.Ingest(ctx, semiBatch())
	require.NoError(t, err)

	snap, err := e.Synthesis(ctx, types.TimeRange{}, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, snap.Tier)
	assert.Equal(t, "Test narrative.", snap.Executive.Narrative)
	assert.NotEmpty(t, snap.SourceBreakdowns)
	assert.Nil(t, snap.ContentSummaries, "tier 2 carries no per-item detail")
	assert.Equal(t, 1, gen.calls)

	// The full snapshot is persisted; by-id lookup projects on read.
	stored, err := st.GetSnapshot(ctx, snap.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, 3, stored.Tier)
	assert.NotEmpty(t, stored.ContentSummaries)

	tier1, err := e.Snapshot(ctx, snap.ID, 1)
	require.NoError(t, err)
	require.NotNil(t, tier1)
	assert.Nil(t, tier1.SourceBreakdowns)
	assert.Equal(t, snap.Executive, tier1.Executive)
}

func TestSynthesisDegradesToLastGoodSnapshot(t *testing.T) {
	e, st, gen := newTestEngine(t)
	ctx := context.Background()

	_, err := e.Ingest(ctx, semiBatch())
	require.NoError(t, err)

	first, err := e.Synthesis(ctx, types.TimeRange{}, 1)
	require.NoError(t, err)
	require.False(t, first.Degraded)

	gen.fail = true
	second, err := e.Synthesis(ctx, types.TimeRange{}, 1)
	require.NoError(t, err)
	assert.True(t, second.Degraded)
	assert.Equal(t, first.Executive.Narrative, second.Executive.Narrative)

	// Degraded output is never persisted as the latest good snapshot.
	latest, err := st.LatestSnapshot(ctx)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, first.ID, latest.ID)
	assert.False(t, latest.Degraded)
}

func TestSynthesisRejectsInvalidTier(t *testing.T) {
	e, _, _ := newTestEngine(t)
	_, err := e.Synthesis(context.Background(), types.TimeRange{}, 0)
	assert.Error(t, err)
	_, err = e.Synthesis(context.Background(), types.TimeRange{}, 4)
	assert.Error(t, err)
}
