// Package scorer computes the 7-pillar evidence rubric for a theme.
package scorer

import (
	"sort"

	"github.com/tomasweil/confluence/internal/config"
	"github.com/tomasweil/confluence/internal/types"
)

// Scorer recomputes pillar scores from a theme's full evidence set.
// There is no incremental path: every call derives the vector from
// scratch so scores never drift.
type Scorer struct {
	coreThreshold   int
	hybridThreshold int
}

// New creates a Scorer from scoring config.
func New(cfg config.ScoringConfig) *Scorer {
	return &Scorer{
		coreThreshold:   cfg.CoreThreshold,
		hybridThreshold: cfg.HybridThreshold,
	}
}

// Score derives the pillar vector for a theme given its contributing
// items. Items absent from the map (not yet persisted, malformed) are
// ignored.
func (s *Scorer) Score(theme *types.Theme, items map[string]types.ContentItem) types.PillarScores {
	contributing := make([]types.ContentItem, 0, len(theme.Evidence))
	for _, ref := range theme.Evidence {
		if item, ok := items[ref.ItemID]; ok {
			contributing = append(contributing, item)
		}
	}

	groups := independenceGroups(contributing)

	vector := make(types.PillarScores, 0, len(types.AllPillars))
	for _, pillar := range types.AllPillars {
		var ids []string
		groupsWithEvidence := map[int]bool{}
		for _, item := range contributing {
			if !item.Evidence.Has(pillar) {
				continue
			}
			ids = append(ids, item.ID)
			groupsWithEvidence[groups[item.ID]] = true
		}

		score := 0
		switch n := len(groupsWithEvidence); {
		case n >= 2:
			score = 2
		case n == 1:
			score = 1
		}

		sort.Strings(ids)
		vector = append(vector, types.PillarScore{Pillar: pillar, Score: score, EvidenceIDs: ids})
	}

	return vector
}

// MeetsThreshold applies the configured gating predicate.
func (s *Scorer) MeetsThreshold(v types.PillarScores) bool {
	return v.MeetsThreshold(s.coreThreshold, s.hybridThreshold)
}

// independenceGroups partitions items into independence classes: items
// sharing a source identifier, or linked by derived_from chains,
// collapse to one class so restated signals cannot inflate a score.
func independenceGroups(items []types.ContentItem) map[string]int {
	parent := map[string]string{}

	var find func(string) string
	find = func(x string) string {
		if parent[x] != x {
			parent[x] = find(parent[x])
		}
		return parent[x]
	}
	union := func(a, b string) {
		ra, rb := find(a), find(b)
		if ra != rb {
			parent[ra] = rb
		}
	}

	for _, item := range items {
		parent[item.ID] = item.ID
	}

	// Same source id collapses.
	bySource := map[string]string{}
	for _, item := range items {
		if first, ok := bySource[item.Source]; ok {
			union(item.ID, first)
		} else {
			bySource[item.Source] = item.ID
		}
	}

	// Explicit derivation collapses, when the cited item is present.
	for _, item := range items {
		if item.DerivedFrom == "" {
			continue
		}
		if _, ok := parent[item.DerivedFrom]; ok {
			union(item.ID, item.DerivedFrom)
		}
	}

	// Number the classes.
	classes := map[string]int{}
	groups := map[string]int{}
	next := 0
	for _, item := range items {
		root := find(item.ID)
		if _, ok := classes[root]; !ok {
			classes[root] = next
			next++
		}
		groups[item.ID] = classes[root]
	}
	return groups
}
