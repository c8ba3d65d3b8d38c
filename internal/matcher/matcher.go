// Package matcher clusters analyzed content items into tracked themes.
package matcher

import (
	"log/slog"
	"strings"
	"time"

	"github.com/tomasweil/confluence/internal/config"
	"github.com/tomasweil/confluence/internal/types"
)

// Matcher decides which tracked theme a new item belongs to.
type Matcher struct {
	threshold     float64
	recencyWindow time.Duration
}

// New creates a Matcher from matching config.
func New(cfg config.MatchingConfig) *Matcher {
	return &Matcher{
		threshold:     cfg.SimilarityThreshold,
		recencyWindow: time.Duration(cfg.RecencyWindowDays) * 24 * time.Hour,
	}
}

// Result reports where an item landed.
type Result struct {
	ThemeID string
	Created bool
	// Skipped is set when the item carries no theme label at all; such
	// items never seed a theme of their own.
	Skipped bool
	// Similarity is the winning score, zero for created/skipped items.
	Similarity float64
}

// summaryProvider looks up recent contributing-item summaries for a
// theme. The store satisfies this.
type summaryProvider interface {
	RecentSummaries(themeID string, limit int) []string
	RecentTickers(themeID string, limit int) []string
}

// MatchOrCreate finds the best theme for the item, or signals that a
// new one should be seeded from it. Terminal themes inside the recency
// window still match: their evidence keeps accreting for audit while
// the tracker holds their conviction frozen. It does not mutate themes;
// the engine applies the append so writes stay in arrival order.
func (m *Matcher) MatchOrCreate(item types.ContentItem, themes []*types.Theme, summaries summaryProvider, now time.Time) Result {
	if len(item.Themes) == 0 {
		slog.Info("item has no theme labels, skipping", "item", item.ID, "source", item.Source)
		return Result{Skipped: true}
	}

	itemTokens := tokenSet(strings.Join(item.Themes, " ") + " " + item.Summary)
	itemKeywords := tokenSet(strings.Join(item.Themes, " "))
	itemTickers := upperSet(item.Tickers)

	var best *types.Theme
	var bestScore float64

	for _, theme := range themes {
		// Cooled-down themes stay queryable but never auto-match.
		if now.Sub(theme.UpdatedAt) > m.recencyWindow {
			continue
		}

		score, anchored := m.similarity(theme, itemTokens, itemKeywords, itemTickers, summaries)
		if score < m.threshold || !anchored {
			continue
		}

		switch {
		case best == nil, score > bestScore:
			best, bestScore = theme, score
		case score == bestScore && theme.UpdatedAt.After(best.UpdatedAt):
			// Exact tie: prefer the narrative updated most recently.
			best = theme
		}
	}

	if best == nil {
		return Result{Created: true}
	}
	return Result{ThemeID: best.ID, Similarity: bestScore}
}

// similarity combines lexical overlap with ticker overlap. The second
// return value reports whether the match is anchored by at least one
// shared ticker or shared explicit theme keyword.
func (m *Matcher) similarity(theme *types.Theme, itemTokens, itemKeywords, itemTickers map[string]bool, summaries summaryProvider) (float64, bool) {
	themeTokens := tokenSet(theme.Label)
	for _, s := range summaries.RecentSummaries(theme.ID, 5) {
		for tok := range tokenSet(s) {
			themeTokens[tok] = true
		}
	}

	themeTickers := map[string]bool{}
	for _, t := range summaries.RecentTickers(theme.ID, 5) {
		themeTickers[strings.ToUpper(t)] = true
	}

	lexical := jaccard(itemTokens, themeTokens)
	ticker := jaccard(itemTickers, themeTickers)

	sharedTicker := intersects(itemTickers, themeTickers)
	sharedKeyword := intersects(itemKeywords, tokenSet(theme.Label))

	return 0.7*lexical + 0.3*ticker, sharedTicker || sharedKeyword
}

// stopwords excluded from lexical overlap.
var stopwords = map[string]bool{
	"the": true, "a": true, "an": true, "and": true, "or": true,
	"of": true, "in": true, "on": true, "to": true, "for": true,
	"is": true, "are": true, "with": true, "as": true, "at": true,
	"by": true, "from": true, "it": true, "this": true, "that": true,
}

func tokenSet(s string) map[string]bool {
	set := map[string]bool{}
	for _, tok := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	}) {
		if len(tok) < 2 || stopwords[tok] {
			continue
		}
		set[tok] = true
	}
	return set
}

func upperSet(ss []string) map[string]bool {
	set := map[string]bool{}
	for _, s := range ss {
		if s != "" {
			set[strings.ToUpper(s)] = true
		}
	}
	return set
}

func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	shared := 0
	for k := range a {
		if b[k] {
			shared++
		}
	}
	union := len(a) + len(b) - shared
	return float64(shared) / float64(union)
}

func intersects(a, b map[string]bool) bool {
	for k := range a {
		if b[k] {
			return true
		}
	}
	return false
}

// CanonicalLabel picks the label a freshly created theme takes: the
// item's first theme label, title-cased as given.
func CanonicalLabel(item types.ContentItem) string {
	return strings.TrimSpace(item.Themes[0])
}
