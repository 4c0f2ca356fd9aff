package search

// PopularSearches returns distinct non-empty categories in first-seen order.
// A limit of zero or less means DefaultPopularLimit.
func PopularSearches(catalog []CatalogItem, limit int) []string {
	if limit <= 0 {
		limit = DefaultPopularLimit
	}

	seen := make(map[string]struct{}, limit)
	out := make([]string, 0, min(limit, len(catalog)))

	for i := range catalog {
		category := catalog[i].Category
		if category == "" {
			continue
		}
		if _, dup := seen[category]; dup {
			continue
		}

		seen[category] = struct{}{}
		out = append(out, category)
		if len(out) == limit {
			break
		}
	}

	return out
}
