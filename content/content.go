// Package content defines the payloads served by the portal's read-through domains.
package content

import (
	"time"

	"github.com/saiset-co/sai-portal/search"
)

type Game struct {
	Name        string   `json:"name"`
	DisplayName string   `json:"display_name"`
	Category    string   `json:"category,omitempty"`
	Cover       string   `json:"cover,omitempty"`
	Description string   `json:"description,omitempty"`
	EmbedURL    string   `json:"embed_url,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	Rating      float64  `json:"rating,omitempty"`
}

type Banner struct {
	Title string `json:"title"`
	Image string `json:"image"`
	Link  string `json:"link"`
}

type HomeData struct {
	Locale   string        `json:"locale"`
	Banners  []Banner      `json:"banners"`
	Featured []Game        `json:"featured"`
	Latest   []Game        `json:"latest"`
	Blogs    []BlogSummary `json:"blogs"`
}

type GameList struct {
	Locale string `json:"locale"`
	Games  []Game `json:"games"`
	Total  int    `json:"total"`
}

type GameDetails struct {
	Game
	Locale  string `json:"locale"`
	Content string `json:"content"`
	Related []Game `json:"related,omitempty"`
}

type BlogSummary struct {
	Slug        string    `json:"slug"`
	Title       string    `json:"title"`
	Excerpt     string    `json:"excerpt,omitempty"`
	Cover       string    `json:"cover,omitempty"`
	PublishedAt time.Time `json:"published_at"`
}

type BlogList struct {
	Locale string        `json:"locale"`
	Posts  []BlogSummary `json:"posts"`
	Total  int           `json:"total"`
}

type BlogDetails struct {
	BlogSummary
	Locale string   `json:"locale"`
	Body   string   `json:"body"`
	Author string   `json:"author,omitempty"`
	Tags   []string `json:"tags,omitempty"`
}

// Catalog projects a game list onto search catalog items.
func (l GameList) Catalog() []search.CatalogItem {
	items := make([]search.CatalogItem, 0, len(l.Games))
	for _, g := range l.Games {
		items = append(items, g.CatalogItem())
	}
	return items
}

func (g Game) CatalogItem() search.CatalogItem {
	return search.CatalogItem{
		ID:          g.Name,
		Name:        g.Name,
		DisplayName: g.DisplayName,
		Category:    g.Category,
		Cover:       g.Cover,
		Slug:        g.Name,
		Description: g.Description,
	}
}
