package conviction

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomasweil/confluence/internal/config"
	"github.com/tomasweil/confluence/internal/types"
)

var t0 = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

func newTracker() *Tracker {
	return New(config.Default().Conviction)
}

func activeTheme() *types.Theme {
	return &types.Theme{
		ID:         "t1",
		Label:      "Tech rotation",
		Status:     types.StatusActive,
		Conviction: 0.5,
	}
}

func bullishItem(id, source string, conviction int) types.ContentItem {
	return types.ContentItem{
		ID:         id,
		Source:     source,
		Sentiment:  types.Bullish,
		Conviction: conviction,
	}
}

func TestUpdateDampedTowardEvidence(t *testing.T) {
	tr := newTracker()
	theme := activeTheme()

	out := tr.Update(theme, bullishItem("a", "42macro", 8), nil, t0)
	require.False(t, out.Frozen)

	// eta = 0.2/(1+0), strength = 0.8: 0.5 + 0.2*(0.8-0.5) = 0.56
	assert.InDelta(t, 0.56, out.Point.Value, 1e-9)
	assert.InDelta(t, 0.56, theme.Conviction, 1e-9)
	assert.InDelta(t, 0.5/math.Sqrt(2), out.Point.Interval, 1e-9)
	assert.Len(t, theme.History, 1)
}

func TestEstablishedThemesMoveLess(t *testing.T) {
	tr := newTracker()
	fresh := activeTheme()
	established := activeTheme()

	item := bullishItem("a", "42macro", 10)
	prior := make([]types.ContentItem, 9)
	for i := range prior {
		prior[i] = bullishItem("p", "42macro", 5)
	}

	freshOut := tr.Update(fresh, item, nil, t0)
	establishedOut := tr.Update(established, item, prior, t0)

	freshMove := math.Abs(freshOut.Point.Value - 0.5)
	establishedMove := math.Abs(establishedOut.Point.Value - 0.5)
	assert.Greater(t, freshMove, establishedMove)

	// Interval narrows as evidence accumulates.
	assert.Less(t, establishedOut.Point.Interval, freshOut.Point.Interval)
}

func TestHistoryAppendOnlyStrictlyIncreasing(t *testing.T) {
	tr := newTracker()
	theme := activeTheme()

	// Same wall-clock instant for every update: timestamps must still
	// come out strictly increasing.
	prior := []types.ContentItem{}
	for i, id := range []string{"a", "b", "c"} {
		item := bullishItem(id, "42macro", 6)
		out := tr.Update(theme, item, prior, t0)
		require.False(t, out.Frozen)
		prior = append(prior, item)
		assert.Len(t, theme.History, i+1)
	}

	for i := 1; i < len(theme.History); i++ {
		assert.True(t, theme.History[i].Timestamp.After(theme.History[i-1].Timestamp),
			"history timestamps must be strictly increasing")
	}
}

func TestSourceWeightScalesStrength(t *testing.T) {
	cfg := config.Default().Conviction
	cfg.SourceWeights = map[string]float64{"discord": 0.5}
	tr := New(cfg)

	weighted := activeTheme()
	tr.Update(weighted, bullishItem("a", "discord", 10), nil, t0)

	unweighted := activeTheme()
	tr.Update(unweighted, bullishItem("a", "42macro", 10), nil, t0)

	assert.Less(t, weighted.Conviction, unweighted.Conviction)
	// strength = 1.0*0.5: 0.5 + 0.2*(0.5-0.5) = 0.5
	assert.InDelta(t, 0.5, weighted.Conviction, 1e-9)
}

func TestContradictionFlagged(t *testing.T) {
	tr := newTracker()
	theme := activeTheme()

	prior := []types.ContentItem{
		bullishItem("a", "42macro", 7),
		bullishItem("b", "42macro", 8),
	}
	bearish := types.ContentItem{ID: "c", Source: "discord", Sentiment: types.Bearish, Conviction: 6}

	out := tr.Update(theme, bearish, prior, t0)
	require.NotNil(t, out.Contradiction)
	assert.Equal(t, types.Bearish, out.Contradiction.ItemBias)
	assert.Equal(t, types.Bullish, out.Contradiction.DominantBias)
	assert.Equal(t, "c", out.Contradiction.ItemID)

	// The conviction update still applied.
	assert.Len(t, theme.History, 1)
}

func TestSameSourceDisagreementIsRevisionNotContradiction(t *testing.T) {
	tr := newTracker()
	theme := activeTheme()

	prior := []types.ContentItem{
		bullishItem("a", "42macro", 7),
		bullishItem("b", "42macro", 8),
	}
	bearish := types.ContentItem{ID: "c", Source: "42macro", Sentiment: types.Bearish, Conviction: 6}

	out := tr.Update(theme, bearish, prior, t0)
	assert.Nil(t, out.Contradiction)
}

func TestNeutralItemNeverContradicts(t *testing.T) {
	tr := newTracker()
	theme := activeTheme()

	prior := []types.ContentItem{bullishItem("a", "42macro", 7)}
	neutral := types.ContentItem{ID: "b", Source: "discord", Sentiment: types.Neutral, Conviction: 5}

	out := tr.Update(theme, neutral, prior, t0)
	assert.Nil(t, out.Contradiction)
}

func TestBiasWindowLimitsVote(t *testing.T) {
	tr := newTracker()
	theme := activeTheme()

	// Old bullish run followed by five bearish items: the k=5 window
	// sees only bearish, so a new bullish item contradicts.
	var prior []types.ContentItem
	for i := 0; i < 4; i++ {
		prior = append(prior, bullishItem("bull", "42macro", 8))
	}
	for i := 0; i < 5; i++ {
		prior = append(prior, types.ContentItem{ID: "bear", Source: "discord", Sentiment: types.Bearish, Conviction: 6})
	}

	bullish := bullishItem("new", "youtube:MacroVoices", 7)
	out := tr.Update(theme, bullish, prior, t0)
	require.NotNil(t, out.Contradiction)
	assert.Equal(t, types.Bearish, out.Contradiction.DominantBias)
}

func TestFalsificationInvalidates(t *testing.T) {
	tr := newTracker()
	theme := activeTheme()
	theme.FalsificationCriteria = []string{"SPX closes below 5650"}

	item := types.ContentItem{
		ID:         "a",
		Source:     "discord",
		Sentiment:  types.Bearish,
		Conviction: 9,
		KeyLevels: []types.KeyLevel{
			{Ticker: "SPX", Condition: "spx closes below 5650", Met: true},
		},
	}

	out := tr.Update(theme, item, nil, t0)
	assert.True(t, out.Invalidated)
	assert.Equal(t, types.StatusInvalidated, theme.Status)

	// Subsequent updates are frozen: no history point, no value change.
	before := theme.Conviction
	next := tr.Update(theme, bullishItem("b", "42macro", 10), []types.ContentItem{item}, t0.Add(time.Hour))
	assert.True(t, next.Frozen)
	assert.Equal(t, before, theme.Conviction)
	assert.Len(t, theme.History, 1)
}

func TestUnmetConditionDoesNotInvalidate(t *testing.T) {
	tr := newTracker()
	theme := activeTheme()
	theme.FalsificationCriteria = []string{"SPX closes below 5650"}

	item := types.ContentItem{
		ID:         "a",
		Source:     "discord",
		Sentiment:  types.Bearish,
		Conviction: 5,
		KeyLevels: []types.KeyLevel{
			{Ticker: "SPX", Condition: "SPX closes below 5650", Invalidates: true},
		},
	}

	out := tr.Update(theme, item, nil, t0)
	assert.False(t, out.Invalidated)
	assert.Equal(t, types.StatusActive, theme.Status)
}

func TestConvictionStaysClamped(t *testing.T) {
	tr := newTracker()
	theme := activeTheme()
	theme.Conviction = 0.99

	var prior []types.ContentItem
	for i := 0; i < 20; i++ {
		item := bullishItem("x", "42macro", 10)
		out := tr.Update(theme, item, prior, t0)
		prior = append(prior, item)
		assert.LessOrEqual(t, out.Point.Value, 1.0)
		assert.GreaterOrEqual(t, out.Point.Value, 0.0)
	}
}
