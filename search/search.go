// Package search filters and ranks a game catalog against free-text queries.
//
// Search is a stable contains-match filter: an item matches when its
// lower-cased display name (or category, or description when enabled)
// contains the lower-cased query. Ranked mode layers exact/prefix/substring
// scoring and ordered-subsequence fuzzy matches on top of that filter.
package search

import (
	"strings"
)

const (
	DefaultMaxResults   = 50
	DefaultPopularLimit = 8
)

type MatchType string

const (
	MatchExact   MatchType = "exact"
	MatchStart   MatchType = "start"
	MatchContain MatchType = "contain"
	MatchFuzzy   MatchType = "fuzzy"
)

// CatalogItem is one searchable game. Name is the canonical identifier.
type CatalogItem struct {
	ID          string `json:"id,omitempty"`
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
	Category    string `json:"category,omitempty"`
	Cover       string `json:"cover,omitempty"`
	Slug        string `json:"slug,omitempty"`
	Description string `json:"description,omitempty"`
}

type Result struct {
	ID          string    `json:"id"`
	Slug        string    `json:"slug"`
	Name        string    `json:"name"`
	DisplayName string    `json:"display_name"`
	Category    string    `json:"category,omitempty"`
	Cover       string    `json:"cover,omitempty"`
	MatchType   MatchType `json:"match_type"`
	Score       float64   `json:"score"`
}

type options struct {
	maxResults         int
	minScore           float64
	includeCategory    bool
	includeDescription bool
	ranked             bool
}

type Option func(*options)

// MaxResults caps the result list. Negative values keep the default.
func MaxResults(n int) Option {
	return func(o *options) {
		if n >= 0 {
			o.maxResults = n
		}
	}
}

// MinScore drops ranked results scoring below score.
func MinScore(score float64) Option {
	return func(o *options) {
		if score >= 0 {
			o.minScore = score
		}
	}
}

func IncludeCategory(include bool) Option {
	return func(o *options) {
		o.includeCategory = include
	}
}

func IncludeDescription(include bool) Option {
	return func(o *options) {
		o.includeDescription = include
	}
}

func Ranked() Option {
	return func(o *options) {
		o.ranked = true
	}
}

func defaultOptions() options {
	return options{
		maxResults:      DefaultMaxResults,
		includeCategory: true,
	}
}

// Search returns the catalog items matching query, never nil.
func Search(query string, catalog []CatalogItem, opts ...Option) []Result {
	o := defaultOptions()
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" || len(catalog) == 0 || o.maxResults == 0 {
		return []Result{}
	}

	if o.ranked {
		return rankedSearch(q, catalog, o)
	}

	results := make([]Result, 0, min(len(catalog), o.maxResults))
	for i := range catalog {
		match, ok := classify(q, &catalog[i], o)
		if !ok {
			continue
		}

		results = append(results, newResult(&catalog[i], match, scoreFor(match)))
		if len(results) == o.maxResults {
			break
		}
	}

	return results
}

// classify reports how item matches q under the contains policy.
func classify(q string, item *CatalogItem, o options) (MatchType, bool) {
	name := strings.ToLower(item.DisplayName)

	switch {
	case name == q:
		return MatchExact, true
	case strings.HasPrefix(name, q):
		return MatchStart, true
	case strings.Contains(name, q):
		return MatchContain, true
	case o.includeCategory && strings.Contains(strings.ToLower(item.Category), q):
		return MatchContain, true
	case o.includeDescription && strings.Contains(strings.ToLower(item.Description), q):
		return MatchContain, true
	}

	return "", false
}

func newResult(item *CatalogItem, match MatchType, score float64) Result {
	return Result{
		ID:          item.Name,
		Slug:        item.Name,
		Name:        item.Name,
		DisplayName: item.DisplayName,
		Category:    item.Category,
		Cover:       item.Cover,
		MatchType:   match,
		Score:       score,
	}
}
