package content

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGameListCatalog(t *testing.T) {
	list := GameList{
		Locale: "en",
		Games: []Game{
			{Name: "speed-stars", DisplayName: "Speed Stars", Category: "racing", Cover: "/c.png"},
			{Name: "puzzle-x", DisplayName: "Puzzle X"},
		},
	}

	catalog := list.Catalog()
	require.Len(t, catalog, 2)
	assert.Equal(t, "speed-stars", catalog[0].Name)
	assert.Equal(t, "speed-stars", catalog[0].Slug)
	assert.Equal(t, "Speed Stars", catalog[0].DisplayName)
	assert.Equal(t, "racing", catalog[0].Category)
	assert.Equal(t, "/c.png", catalog[0].Cover)
	assert.Empty(t, catalog[1].Category)
}

func TestEmptyGameListCatalog(t *testing.T) {
	catalog := GameList{}.Catalog()
	assert.NotNil(t, catalog)
	assert.Empty(t, catalog)
}
