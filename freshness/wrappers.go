package freshness

import (
	"context"

	"github.com/saiset-co/sai-portal/content"
)

func GetHomeData(ctx context.Context, c *Coordinator, locale string, fetch Fetcher[content.HomeData]) (content.HomeData, error) {
	return Get(ctx, c, NewKey(EntityHome, locale, ""), fetch)
}

func GetGameList(ctx context.Context, c *Coordinator, locale string, fetch Fetcher[content.GameList]) (content.GameList, error) {
	return Get(ctx, c, NewKey(EntityGameList, locale, ""), fetch)
}

func GetGameDetails(ctx context.Context, c *Coordinator, locale, slug string, fetch Fetcher[content.GameDetails]) (content.GameDetails, error) {
	return Get(ctx, c, NewKey(EntityGameDetails, locale, slug), fetch)
}

func GetBlogDetails(ctx context.Context, c *Coordinator, locale, slug string, fetch Fetcher[content.BlogDetails]) (content.BlogDetails, error) {
	return Get(ctx, c, NewKey(EntityBlogDetails, locale, slug), fetch)
}

func GetBlogList(ctx context.Context, c *Coordinator, locale string, fetch Fetcher[content.BlogList]) (content.BlogList, error) {
	return Get(ctx, c, NewKey(EntityBlogList, locale, ""), fetch)
}
