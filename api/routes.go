package api

import (
	"sort"
	"strings"

	"github.com/valyala/fasthttp"

	"github.com/saiset-co/sai-portal/types"
	"github.com/saiset-co/sai-portal/utils"
)

type RouteDoc struct {
	Method      string   `json:"method"`
	Path        string   `json:"path"`
	Middlewares []string `json:"middlewares,omitempty"`
	Disabled    []string `json:"disabled_middlewares,omitempty"`
	Timeout     string   `json:"timeout,omitempty"`
}

type RouteIndex struct {
	Name    string     `json:"name,omitempty"`
	Version string     `json:"version,omitempty"`
	Routes  []RouteDoc `json:"routes"`
}

// Describe lists every route the router knows, ordered by path then method.
func Describe(router types.HTTPRouter) []RouteDoc {
	all := router.GetAllRoutes()
	docs := make([]RouteDoc, 0, len(all))

	for key, info := range all {
		method, path, ok := strings.Cut(key, ":")
		if !ok {
			continue
		}

		doc := RouteDoc{Method: method, Path: path}
		if info != nil && info.Config != nil {
			doc.Middlewares = info.Config.Middlewares
			doc.Disabled = info.Config.DisabledMiddlewares
			if info.Config.Timeout > 0 {
				doc.Timeout = info.Config.Timeout.String()
			}
		}
		docs = append(docs, doc)
	}

	sort.Slice(docs, func(i, j int) bool {
		if docs[i].Path != docs[j].Path {
			return docs[i].Path < docs[j].Path
		}
		return docs[i].Method < docs[j].Method
	})

	return docs
}

func (a *API) routes(router types.HTTPRouter) types.FastHTTPHandler {
	return func(ctx *fasthttp.RequestCtx) {
		utils.WriteJSON(ctx, fasthttp.StatusOK, RouteIndex{
			Name:    a.name,
			Version: a.version,
			Routes:  Describe(router),
		})
	}
}
