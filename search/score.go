package search

import (
	"sort"
	"strings"
	"unicode/utf8"
)

const (
	scoreExact   = 100
	scoreStart   = 75
	scoreContain = 50
	scoreFuzzy   = 25
)

func scoreFor(match MatchType) float64 {
	switch match {
	case MatchExact:
		return scoreExact
	case MatchStart:
		return scoreStart
	case MatchContain:
		return scoreContain
	case MatchFuzzy:
		return scoreFuzzy
	}
	return 0
}

func rankedSearch(q string, catalog []CatalogItem, o options) []Result {
	results := make([]Result, 0, len(catalog))

	for i := range catalog {
		match, ok := classify(q, &catalog[i], o)
		score := scoreFor(match)

		if !ok {
			gaps, fuzzy := subsequence(q, strings.ToLower(catalog[i].DisplayName))
			if !fuzzy {
				continue
			}
			match = MatchFuzzy
			score = fuzzyScore(q, gaps)
		}

		if score < o.minScore {
			continue
		}

		results = append(results, newResult(&catalog[i], match, score))
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})

	return results[:min(len(results), o.maxResults)]
}

// subsequence reports whether every rune of q appears in s in order, and how
// many runes of s were skipped between the first and last matched rune.
func subsequence(q, s string) (gaps int, ok bool) {
	if q == "" {
		return 0, false
	}

	qi := 0
	started := false
	for _, r := range s {
		if qi == len(q) {
			break
		}
		qr, size := utf8.DecodeRuneInString(q[qi:])
		if r == qr {
			qi += size
			started = true
			continue
		}
		if started {
			gaps++
		}
	}

	return gaps, qi == len(q)
}

// fuzzyScore stays below scoreFuzzy and decreases as matched runes spread out.
func fuzzyScore(q string, gaps int) float64 {
	n := utf8.RuneCountInString(q)
	return scoreFuzzy * float64(n) / float64(n+gaps+1)
}
