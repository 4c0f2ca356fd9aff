package api

import (
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-portal/freshness"
	"github.com/saiset-co/sai-portal/middleware"
	"github.com/saiset-co/sai-portal/types"
	"github.com/saiset-co/sai-portal/utils"
)

const (
	ActionCacheCleared  = "cache.cleared"
	ActionCacheRefresh  = "cache.refresh"
	ActionPublishToggle = "cache.publishing"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

type RefreshRequest struct {
	Locale string `json:"locale" validate:"required"`
	Slug   string `json:"slug" validate:"required"`
}

type PublishingRequest struct {
	Enabled *bool `json:"enabled" validate:"required"`
}

type CacheEntry struct {
	Key        string     `json:"key"`
	Band       string     `json:"band"`
	CapturedAt *time.Time `json:"captured_at,omitempty"`
}

func (a *API) refresh(ctx *fasthttp.RequestCtx) {
	var req RefreshRequest
	if !decode(ctx, &req) {
		return
	}

	loc := a.portal.Locale(req.Locale)
	if err := a.portal.Flags().ForceRefresh(utils.RequestContext(ctx), loc, req.Slug); err != nil {
		a.fail(ctx, "refresh", err)
		return
	}

	a.audit(ctx, "Force refresh set", zap.String("locale", loc), zap.String("slug", req.Slug))
	a.announce(ActionCacheRefresh, map[string]string{"locale": loc, "slug": req.Slug})

	utils.WriteJSON(ctx, fasthttp.StatusAccepted, map[string]string{"locale": loc, "slug": req.Slug})
}

func (a *API) publishing(ctx *fasthttp.RequestCtx) {
	var req PublishingRequest
	if !decode(ctx, &req) {
		return
	}

	reqCtx := utils.RequestContext(ctx)
	if err := a.portal.Flags().SetPublishingMode(reqCtx, *req.Enabled); err != nil {
		a.fail(ctx, "publishing", err)
		return
	}

	a.audit(ctx, "Publishing mode changed", zap.Bool("enabled", *req.Enabled))
	a.announce(ActionPublishToggle, map[string]bool{"enabled": *req.Enabled})

	utils.WriteJSON(ctx, fasthttp.StatusOK, map[string]bool{
		"publishing": a.portal.Flags().IsPublishingMode(reqCtx),
	})
}

func (a *API) clearCache(ctx *fasthttp.RequestCtx) {
	args := ctx.QueryArgs()
	entity := freshness.Entity(args.Peek("entity"))

	if entity != "" && !entity.Valid() {
		utils.WriteError(ctx, fasthttp.StatusBadRequest, types.Errorf(types.ErrEntityUnknown, "%s", entity).Error())
		return
	}

	var loc string
	if raw := args.Peek("locale"); len(raw) > 0 {
		loc = a.portal.Locale(string(raw))
	}

	removed, err := a.portal.Coordinator().Clear(utils.RequestContext(ctx), entity, loc)
	if err != nil {
		a.fail(ctx, "clear", err)
		return
	}

	a.audit(ctx, "Cache cleared",
		zap.String("entity", string(entity)),
		zap.String("locale", loc),
		zap.Int("removed", removed))
	a.announce(ActionCacheCleared, map[string]string{"entity": string(entity), "locale": loc})

	utils.WriteJSON(ctx, fasthttp.StatusOK, map[string]int{"removed": removed})
}

func (a *API) inspectCache(ctx *fasthttp.RequestCtx) {
	args := ctx.QueryArgs()
	entity := freshness.Entity(args.Peek("entity"))
	if !entity.Valid() {
		utils.WriteError(ctx, fasthttp.StatusBadRequest, types.Errorf(types.ErrEntityUnknown, "%q", entity).Error())
		return
	}

	slug := string(args.Peek("slug"))
	if entity.HasSlug() && slug == "" {
		utils.WriteError(ctx, fasthttp.StatusBadRequest, types.Errorf(types.ErrInvalidParameter, "slug is required for %s", entity).Error())
		return
	}

	key := freshness.NewKey(entity, a.portal.Locale(string(args.Peek("locale"))), slug)
	band, capturedAt := a.portal.Coordinator().Inspect(utils.RequestContext(ctx), key)

	entry := CacheEntry{Key: key.String(), Band: band.String()}
	if !capturedAt.IsZero() {
		entry.CapturedAt = &capturedAt
	}

	utils.WriteJSON(ctx, fasthttp.StatusOK, entry)
}

func (a *API) jobs(ctx *fasthttp.RequestCtx) {
	jobs := []types.JobEntry{}
	if a.cron != nil {
		jobs = a.cron.Jobs()
	}
	utils.WriteJSON(ctx, fasthttp.StatusOK, map[string]interface{}{"jobs": jobs})
}

func decode[T any](ctx *fasthttp.RequestCtx, target *T) bool {
	body := ctx.PostBody()
	if len(body) == 0 {
		utils.WriteError(ctx, fasthttp.StatusBadRequest, "request body is required")
		return false
	}

	if err := utils.Unmarshal(body, target); err != nil {
		utils.WriteError(ctx, fasthttp.StatusBadRequest, "malformed JSON body")
		return false
	}

	if err := validate.Struct(target); err != nil {
		utils.WriteError(ctx, fasthttp.StatusBadRequest, err.Error())
		return false
	}

	return true
}

func (a *API) audit(ctx *fasthttp.RequestCtx, msg string, fields ...zap.Field) {
	if claims, ok := middleware.ClaimsFrom(ctx); ok {
		fields = append(fields, zap.String("subject", claims.Subject))
	}
	a.logger.Info(msg, fields...)
}

func (a *API) announce(action string, payload interface{}) {
	if a.publisher == nil {
		return
	}

	if err := a.publisher.Publish(action, payload); err != nil {
		a.logger.Warn("Failed to announce admin action", zap.String("action", action), zap.Error(err))
	}
}
