package freshness

import (
	"strings"

	"github.com/saiset-co/sai-portal/locale"
)

// KeyPrefix namespaces cache records inside the shared store.
const KeyPrefix = "fresh:"

type Entity string

const (
	EntityHome        Entity = "home"
	EntityGameList    Entity = "game-list"
	EntityGameDetails Entity = "game-details"
	EntityBlogDetails Entity = "blog-details"
	EntityBlogList    Entity = "blog-list"
)

var entities = []Entity{EntityHome, EntityGameList, EntityGameDetails, EntityBlogDetails, EntityBlogList}

func Entities() []Entity {
	out := make([]Entity, len(entities))
	copy(out, entities)
	return out
}

func (e Entity) Valid() bool {
	for _, known := range entities {
		if e == known {
			return true
		}
	}
	return false
}

// HasSlug reports whether keys of this entity carry a slug.
func (e Entity) HasSlug() bool {
	return e == EntityGameDetails || e == EntityBlogDetails
}

type Key struct {
	Entity Entity
	Locale string
	Slug   string
}

// NewKey normalises the locale; it never fails on bad input.
func NewKey(entity Entity, loc, slug string) Key {
	return Key{
		Entity: entity,
		Locale: locale.Normalize(loc),
		Slug:   strings.TrimSpace(slug),
	}
}

func (k Key) String() string {
	var sb strings.Builder
	sb.Grow(len(KeyPrefix) + len(k.Entity) + len(k.Locale) + len(k.Slug) + 2)
	sb.WriteString(KeyPrefix)
	sb.WriteString(string(k.Entity))
	sb.WriteByte(':')
	sb.WriteString(k.Locale)
	if k.Slug != "" {
		sb.WriteByte(':')
		sb.WriteString(k.Slug)
	}
	return sb.String()
}

// ParseKey is the inverse of Key.String. Slugs may contain colons.
func ParseKey(s string) (Key, bool) {
	if !strings.HasPrefix(s, KeyPrefix) {
		return Key{}, false
	}

	parts := strings.SplitN(strings.TrimPrefix(s, KeyPrefix), ":", 3)
	if len(parts) < 2 || !Entity(parts[0]).Valid() || parts[1] == "" {
		return Key{}, false
	}

	key := Key{Entity: Entity(parts[0]), Locale: parts[1]}
	if len(parts) == 3 {
		key.Slug = parts[2]
	}
	return key, true
}
