package etl

import "github.com/smallbiznis/valora-crmsync/internal/normalize"

// ChooseBetter picks the candidate to keep for one (organization, domain) key.
// Rules apply in order: a real domain beats a synthetic one, a known ARR beats an
// unknown one, the later update wins, the longer name wins. Full ties keep a.
func ChooseBetter(a, b Candidate) Candidate {
	aReal, bReal := !normalize.IsSynthetic(a.Domain), !normalize.IsSynthetic(b.Domain)
	if aReal != bReal {
		if aReal {
			return a
		}
		return b
	}

	aARR, bARR := a.ARR != nil, b.ARR != nil
	if aARR != bARR {
		if aARR {
			return a
		}
		return b
	}

	if b.UpdatedAt.After(a.UpdatedAt) {
		return b
	}
	if a.UpdatedAt.After(b.UpdatedAt) {
		return a
	}

	if len([]rune(b.Name)) > len([]rune(a.Name)) {
		return b
	}
	return a
}

type reconcileKey struct {
	organizationID string
	domain         string
}

// Reconcile left-folds candidates sharing a key through ChooseBetter in input order
// and returns one winner per key, ordered by first appearance.
func Reconcile(candidates []Candidate) []Candidate {
	index := make(map[reconcileKey]int, len(candidates))
	winners := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		k := reconcileKey{c.OrganizationID, c.Domain}
		if i, ok := index[k]; ok {
			winners[i] = ChooseBetter(winners[i], c)
			continue
		}
		index[k] = len(winners)
		winners = append(winners, c)
	}
	return winners
}
