package synth

import (
	"time"

	"github.com/tomasweil/confluence/internal/types"
)

// ThemeRef is a compact projection of a theme used inside snapshots.
type ThemeRef struct {
	ThemeID        string  `json:"theme_id"`
	Label          string  `json:"label"`
	Conviction     float64 `json:"conviction"`
	CoreScore      int     `json:"core_score"`
	HybridMax      int     `json:"hybrid_max"`
	TotalScore     int     `json:"total_score"`
	MeetsThreshold bool    `json:"meets_threshold"`
}

// Executive is the Tier 1 payload: the cross-theme narrative and the
// attention lists derived from the current thesis population.
type Executive struct {
	Narrative    string   `json:"narrative"`
	KeyTakeaways []string `json:"key_takeaways"`
	// ConfluenceZones are themes whose evidence meets the core+hybrid
	// threshold.
	ConfluenceZones []ThemeRef `json:"confluence_zones"`
	// ConflictWatch are themes carrying unresolved contradiction events.
	ConflictWatch []ThemeRef `json:"conflict_watch"`
	// AttentionPriorities are themes one core point short of threshold.
	AttentionPriorities []ThemeRef `json:"attention_priorities"`
}

// SourceBreakdown is one Tier 2 entry. Every distinct source identifier
// gets its own entry; sub-channels are never aggregated so low-volume
// high-signal sources keep their weight.
type SourceBreakdown struct {
	Source    string   `json:"source"`
	ItemCount int      `json:"item_count"`
	Themes    []string `json:"themes"`
	Bias      string   `json:"bias"`
}

// ItemSummary is one Tier 3 entry, assembled verbatim from the
// summary the upstream analysis step precomputed at ingestion time.
type ItemSummary struct {
	ItemID      string    `json:"item_id"`
	Source      string    `json:"source"`
	ThemeID     string    `json:"theme_id,omitempty"`
	CollectedAt time.Time `json:"collected_at"`
	Summary     string    `json:"summary"`
}

// Snapshot is a point-in-time rendered synthesis. Immutable once
// generated; a new batch produces a new snapshot rather than mutating
// an old one.
type Snapshot struct {
	ID          string          `json:"id"`
	GeneratedAt time.Time       `json:"generated_at"`
	Window      types.TimeRange `json:"window"`
	Tier        int             `json:"tier"`
	Degraded    bool            `json:"degraded"`
	ThemeIDs    []string        `json:"theme_ids"`

	Executive        Executive         `json:"executive"`
	SourceBreakdowns []SourceBreakdown `json:"source_breakdowns,omitempty"`
	ContentSummaries []ItemSummary     `json:"content_summaries,omitempty"`
}

// Project filters a snapshot to the requested tier. Filtering is a pure
// projection of the same generation output, so Tier 1 content is
// identical regardless of the tier asked for.
func (s Snapshot) Project(tier int) Snapshot {
	out := s
	out.Tier = tier
	if tier < 3 {
		out.ContentSummaries = nil
	}
	if tier < 2 {
		out.SourceBreakdowns = nil
	}
	return out
}
