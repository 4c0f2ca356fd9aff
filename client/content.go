package client

import (
	"context"
	"net/url"

	"github.com/saiset-co/sai-portal/content"
)

// ContentAPI is the typed view of the CMS content endpoints.
type ContentAPI struct {
	http *HTTPClient
}

func NewContentAPI(http *HTTPClient) *ContentAPI {
	return &ContentAPI{http: http}
}

func (a *ContentAPI) Home(ctx context.Context, locale string) (content.HomeData, error) {
	return GetJSON[content.HomeData](ctx, a.http, contentPath(locale, "home"))
}

func (a *ContentAPI) Games(ctx context.Context, locale string) (content.GameList, error) {
	return GetJSON[content.GameList](ctx, a.http, contentPath(locale, "games"))
}

func (a *ContentAPI) Game(ctx context.Context, locale, slug string) (content.GameDetails, error) {
	return GetJSON[content.GameDetails](ctx, a.http, contentPath(locale, "games", slug))
}

func (a *ContentAPI) Blogs(ctx context.Context, locale string) (content.BlogList, error) {
	return GetJSON[content.BlogList](ctx, a.http, contentPath(locale, "blogs"))
}

func (a *ContentAPI) Blog(ctx context.Context, locale, slug string) (content.BlogDetails, error) {
	return GetJSON[content.BlogDetails](ctx, a.http, contentPath(locale, "blogs", slug))
}

func contentPath(locale string, segments ...string) string {
	path := "/content/" + url.PathEscape(locale)
	for _, s := range segments {
		path += "/" + url.PathEscape(s)
	}
	return path
}
