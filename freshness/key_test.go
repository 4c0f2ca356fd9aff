package freshness

import (
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func itoa(v int64) string {
	return strconv.FormatInt(v, 10)
}

func TestKey_RoundTrip(t *testing.T) {
	tests := []struct {
		key  Key
		want string
	}{
		{NewKey(EntityHome, "en", ""), "fresh:home:en"},
		{NewKey(EntityGameList, "zh-CN", ""), "fresh:game-list:zh"},
		{NewKey(EntityGameDetails, "", "snake"), "fresh:game-details:en:snake"},
		{NewKey(EntityBlogDetails, "ko", "a:b"), "fresh:blog-details:ko:a:b"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.key.String())

		parsed, ok := ParseKey(tt.want)
		assert.True(t, ok)
		assert.Equal(t, tt.key, parsed)
	}

	for _, bad := range []string{"", "home:en", "fresh:news:en", "fresh:home", "fresh:home:"} {
		_, ok := ParseKey(bad)
		assert.False(t, ok, bad)
	}
}

func TestClassify(t *testing.T) {
	r, c := time.Minute, 5*time.Minute

	assert.Equal(t, Fresh, Classify(0, r, c))
	assert.Equal(t, Fresh, Classify(-time.Second, r, c))
	assert.Equal(t, Expired, Classify(-2*time.Minute, r, c))
	assert.Equal(t, Stale, Classify(r+1, r, c))
	assert.Equal(t, Expired, Classify(c+1, r, c))

	assert.Equal(t, "empty", Empty.String())
	assert.True(t, Stale.Servable())
	assert.False(t, Expired.Servable())
}

func TestEntity(t *testing.T) {
	assert.Len(t, Entities(), 5)
	assert.True(t, EntityBlogDetails.HasSlug())
	assert.False(t, EntityHome.HasSlug())
	assert.False(t, Entity("news").Valid())
}
