package types

import "time"

// Sentiment is the directional bias reported by the upstream analysis step.
type Sentiment string

const (
	Bullish Sentiment = "bullish"
	Bearish Sentiment = "bearish"
	Neutral Sentiment = "neutral"
)

// ContentKind tags which upstream extraction schema produced an item.
type ContentKind string

const (
	KindMacroReport     ContentKind = "macro_report"
	KindDiscordMessage  ContentKind = "discord_message"
	KindTechnicalPost   ContentKind = "technical_post"
	KindVideoTranscript ContentKind = "video_transcript"
)

// KeyLevel is a structured price level or invalidation condition
// extracted from an item (e.g. "SPX closes below 5650").
type KeyLevel struct {
	Ticker    string `json:"ticker,omitempty"`
	Condition string `json:"condition"`
	// Invalidates marks the condition as a thesis-falsification trigger
	// rather than an entry/target level.
	Invalidates bool `json:"invalidates,omitempty"`
	// Met is set by the upstream analysis step when the source reports
	// the condition as having occurred.
	Met bool `json:"met,omitempty"`
}

// MacroEvidence holds regime/data-point fields from macro reports.
type MacroEvidence struct {
	Regime     string   `json:"regime,omitempty"`
	DataPoints []string `json:"data_points,omitempty"`
}

// FundamentalsEvidence holds earnings/guidance/balance-sheet fields.
type FundamentalsEvidence struct {
	Notes []string `json:"notes,omitempty"`
}

// ValuationEvidence holds multiple/fair-value fields.
type ValuationEvidence struct {
	Notes []string `json:"notes,omitempty"`
}

// PositioningEvidence holds flow/CoT/crowding fields.
type PositioningEvidence struct {
	Notes []string `json:"notes,omitempty"`
}

// PolicyEvidence holds central-bank/fiscal/regulatory fields.
type PolicyEvidence struct {
	Notes []string `json:"notes,omitempty"`
}

// TechnicalEvidence holds chart-level fields from technical posts.
type TechnicalEvidence struct {
	Levels []KeyLevel `json:"levels,omitempty"`
	Notes  []string   `json:"notes,omitempty"`
}

// VolEvidence holds vol-surface/options-flow fields.
type VolEvidence struct {
	Notes []string `json:"notes,omitempty"`
}

// Evidence carries the pillar-relevant structured fields extracted from
// an item: one named optional field per pillar, so the scorer's lookups
// stay exhaustive instead of digging through a loose JSON blob.
type Evidence struct {
	MacroData    *MacroEvidence        `json:"macro_data,omitempty"`
	Fundamentals *FundamentalsEvidence `json:"fundamentals,omitempty"`
	Valuation    *ValuationEvidence    `json:"valuation,omitempty"`
	Positioning  *PositioningEvidence  `json:"positioning,omitempty"`
	Policy       *PolicyEvidence       `json:"policy,omitempty"`
	PriceAction  *TechnicalEvidence    `json:"price_action,omitempty"`
	OptionsVol   *VolEvidence          `json:"options_vol,omitempty"`
}

// Has reports whether the item carries evidence for the given pillar.
func (e Evidence) Has(p Pillar) bool {
	switch p {
	case MacroData:
		return e.MacroData != nil
	case Fundamentals:
		return e.Fundamentals != nil
	case Valuation:
		return e.Valuation != nil
	case Positioning:
		return e.Positioning != nil
	case Policy:
		return e.Policy != nil
	case PriceAction:
		return e.PriceAction != nil
	case OptionsVol:
		return e.OptionsVol != nil
	}
	return false
}

// ContentItem is one analyzed piece of source commentary, delivered by
// the upstream extraction layer. Immutable once created; the engine
// only reads it.
type ContentItem struct {
	ID          string      `json:"id"`
	Source      string      `json:"source"` // e.g. "42macro", "discord:macro-daily", "youtube:ChannelName"
	Kind        ContentKind `json:"kind"`
	CollectedAt time.Time   `json:"collected_at"`

	Themes     []string   `json:"themes"`
	Sentiment  Sentiment  `json:"sentiment"`
	Conviction int        `json:"conviction"` // 0-10 as reported by the source
	Tickers    []string   `json:"tickers"`
	KeyLevels  []KeyLevel `json:"key_levels,omitempty"`
	Summary    string     `json:"summary"`

	// DerivedFrom links an item that restates or cites another item, so
	// the scorer can collapse the pair for independence purposes.
	DerivedFrom string `json:"derived_from,omitempty"`

	Evidence Evidence `json:"evidence"`
}

// ThemeStatus is the lifecycle state of a tracked thesis.
type ThemeStatus string

const (
	StatusActive      ThemeStatus = "active"
	StatusActedUpon   ThemeStatus = "acted_upon"
	StatusInvalidated ThemeStatus = "invalidated"
)

// Terminal reports whether a status permits no further transitions.
func (s ThemeStatus) Terminal() bool {
	return s == StatusActedUpon || s == StatusInvalidated
}

// Valid reports whether s is one of the known statuses.
func (s ThemeStatus) Valid() bool {
	return s == StatusActive || s == StatusActedUpon || s == StatusInvalidated
}

// EvidenceRef records one contributing item on a theme, in insertion
// order and tagged with its source for independence checks.
type EvidenceRef struct {
	ItemID  string    `json:"item_id"`
	Source  string    `json:"source"`
	AddedAt time.Time `json:"added_at"`
}

// ConvictionPoint is one entry in a theme's append-only belief history.
type ConvictionPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`    // belief in [0,1]
	Interval  float64   `json:"interval"` // confidence interval half-width
}

// ContradictionEvent flags evidence whose directional bias disagrees
// with the theme's dominant bias. Surfaced separately; never blocks the
// conviction update.
type ContradictionEvent struct {
	ItemID       string    `json:"item_id"`
	Source       string    `json:"source"`
	ItemBias     Sentiment `json:"item_bias"`
	DominantBias Sentiment `json:"dominant_bias"`
	At           time.Time `json:"at"`
}

// Theme is a tracked thesis: the persistent cluster a stream of content
// items accretes onto. Evidence never shrinks; invalidation is a status
// transition, not deletion.
type Theme struct {
	ID        string      `json:"id"`
	Label     string      `json:"label"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
	Status    ThemeStatus `json:"status"`

	Evidence []EvidenceRef `json:"evidence"`

	Pillars    PillarScores      `json:"pillars"`
	Conviction float64           `json:"conviction"`
	Interval   float64           `json:"interval"`
	History    []ConvictionPoint `json:"history"`

	FalsificationCriteria []string             `json:"falsification_criteria,omitempty"`
	Contradictions        []ContradictionEvent `json:"contradictions,omitempty"`
}

// HasEvidence reports whether the item already contributes to the theme.
func (t *Theme) HasEvidence(itemID string) bool {
	for _, ref := range t.Evidence {
		if ref.ItemID == itemID {
			return true
		}
	}
	return false
}

// BatchResult summarizes one ingestion run.
type BatchResult struct {
	Accepted      int `json:"accepted"`
	Skipped       int `json:"skipped"`
	ThemesCreated int `json:"themes_created"`
	ThemesUpdated int `json:"themes_updated"`
}

// TimeRange bounds the items a synthesis covers.
type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// Contains reports whether ts falls inside the range. A zero From or To
// leaves that side unbounded.
func (r TimeRange) Contains(ts time.Time) bool {
	if !r.From.IsZero() && ts.Before(r.From) {
		return false
	}
	if !r.To.IsZero() && ts.After(r.To) {
		return false
	}
	return true
}
