// Package search ranks catalog entries against a free-text query with a
// hybrid similarity + substring + token-overlap score. The bonus tiers stack
// deliberately; the stacking is part of the ranking contract with existing
// catalogs, so it is preserved rather than simplified.
package search

import (
	"fmt"
	"strings"

	"marketscope/internal/model"
)

// Candidates scoring at or below this are never returned.
const scoreThreshold = 10.0

// NotFoundError is returned when no candidate clears the threshold. It is a
// result, not a system failure: callers distinguish "no data" from errors.
type NotFoundError struct {
	Query string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no catalog entry matched %q", e.Query)
}

// FindBestMatch returns the highest-scoring entry for the query, ties broken
// by catalog scan order.
func FindBestMatch(query string, catalog []model.CatalogEntry) (*model.CatalogEntry, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("query is required")
	}

	var best *model.CatalogEntry
	bestScore := 0.0
	for i := range catalog {
		score := Score(query, catalog[i])
		if score <= scoreThreshold {
			continue
		}
		if best == nil || score > bestScore {
			best = &catalog[i]
			bestScore = score
		}
	}

	if best == nil {
		return nil, &NotFoundError{Query: query}
	}
	return best, nil
}

// Score computes the ranking score of one entry against the query.
func Score(query string, entry model.CatalogEntry) float64 {
	q := strings.ToLower(strings.TrimSpace(query))
	name := strings.ToLower(strings.TrimSpace(entry.Name))
	desc := strings.ToLower(strings.TrimSpace(entry.Description))

	score := Similarity(q, name)*100 + Similarity(q, desc)*50

	exact := false
	if name == q {
		score += 50
		exact = true
	} else if desc == q {
		score += 30
		exact = true
	}

	prefix := false
	if !exact {
		if strings.HasPrefix(name, q) {
			score += 30
			prefix = true
		}
		if strings.HasPrefix(desc, q) {
			score += 15
			prefix = true
		}
	}

	if !exact && !prefix {
		if strings.Contains(name, q) {
			score += 20
		}
		if strings.Contains(desc, q) {
			score += 10
		}
	}

	tokens := strings.Fields(q)
	if len(tokens) > 1 {
		var nameWordSim, descWordSim float64
		nameHits, descHits := 0, 0

		for _, token := range tokens {
			if strings.Contains(name, token) {
				score += 15
				nameHits++
			} else {
				nameWordSim += Similarity(token, name)
			}
			if strings.Contains(desc, token) {
				score += 8
				descHits++
			} else {
				descWordSim += Similarity(token, desc)
			}
		}

		count := float64(len(tokens))
		score += (nameWordSim / count) * 20
		score += (descWordSim / count) * 10

		if nameHits == len(tokens) {
			score += 25
		}
		if descHits == len(tokens) {
			score += 15
		}
	}

	return score
}
