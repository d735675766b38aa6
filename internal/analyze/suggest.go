package analyze

import (
	"sort"

	"github.com/agext/levenshtein"
)

// maxSuggestions bounds the "did you mean" list.
const maxSuggestions = 3

// suggestThreshold is the minimum similarity for a candidate to qualify.
const suggestThreshold = 0.6

// suggest ranks declared target ids by edit similarity to the unknown
// reference.
func suggest(unknown string, declared []string) []string {
	type scored struct {
		id    string
		score float64
	}
	var candidates []scored
	for _, id := range declared {
		s := levenshtein.Similarity(unknown, id, nil)
		if s >= suggestThreshold {
			candidates = append(candidates, scored{id: id, score: s})
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].id < candidates[j].id
	})

	var out []string
	for i := 0; i < len(candidates) && i < maxSuggestions; i++ {
		out = append(out, candidates[i].id)
	}
	return out
}
