package types

// Pillar is one of the 7 fixed evidence categories a thesis is scored
// against.
type Pillar string

const (
	MacroData    Pillar = "macro_data"
	Fundamentals Pillar = "fundamentals"
	Valuation    Pillar = "valuation"
	Positioning  Pillar = "positioning"
	Policy       Pillar = "policy"
	PriceAction  Pillar = "price_action"
	OptionsVol   Pillar = "options_vol"
)

// CorePillars are the fundamental-evidence dimensions; their sum is the
// core score.
var CorePillars = []Pillar{MacroData, Fundamentals, Valuation, Positioning, Policy}

// HybridPillars are the market-confirmation dimensions.
var HybridPillars = []Pillar{PriceAction, OptionsVol}

// AllPillars lists every pillar in canonical order.
var AllPillars = []Pillar{MacroData, Fundamentals, Valuation, Positioning, Policy, PriceAction, OptionsVol}

// PillarScore is one scored dimension: 0 (no evidence), 1 (one
// independent source), or 2 (two or more independent sources), plus the
// item ids that justify it.
type PillarScore struct {
	Pillar      Pillar   `json:"pillar"`
	Score       int      `json:"score"`
	EvidenceIDs []string `json:"evidence_ids,omitempty"`
}

// PillarScores is the full 7-dimension vector in canonical pillar order.
type PillarScores []PillarScore

// Get returns the score entry for p, or a zero entry if unset.
func (v PillarScores) Get(p Pillar) PillarScore {
	for _, s := range v {
		if s.Pillar == p {
			return s
		}
	}
	return PillarScore{Pillar: p}
}

// CoreScore sums the five core pillar scores.
func (v PillarScores) CoreScore() int {
	total := 0
	for _, p := range CorePillars {
		total += v.Get(p).Score
	}
	return total
}

// HybridMax returns the highest hybrid pillar score.
func (v PillarScores) HybridMax() int {
	max := 0
	for _, p := range HybridPillars {
		if s := v.Get(p).Score; s > max {
			max = s
		}
	}
	return max
}

// TotalScore sums all seven pillar scores.
func (v PillarScores) TotalScore() int {
	total := 0
	for _, s := range v {
		total += s.Score
	}
	return total
}

// MeetsThreshold is the single gating predicate the rest of the system
// depends on: core score at or above coreMin and at least one hybrid
// pillar fully confirmed.
func (v PillarScores) MeetsThreshold(coreMin, hybridMin int) bool {
	return v.CoreScore() >= coreMin && v.HybridMax() >= hybridMin
}
