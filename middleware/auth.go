package middleware

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-portal/types"
	"github.com/saiset-co/sai-portal/utils"
)

const ClaimsKey = "auth_claims"

// Claims are the HS256 bearer token claims accepted on admin routes.
type Claims struct {
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

type AuthMiddleware struct {
	logger     types.Logger
	metrics    types.MetricsManager
	authConfig *AuthConfig
	secret     []byte
	weight     int
	now        func() time.Time
}

type AuthConfig struct {
	Secret string `json:"secret"`
	Issuer string `json:"issuer"`
	Role   string `json:"role"`
}

func NewAuthMiddleware(item *types.MiddlewareItemConfig, logger types.Logger, metrics types.MetricsManager) (*AuthMiddleware, error) {
	authConfig := &AuthConfig{}

	if item.Params != nil {
		if err := utils.UnmarshalConfig(item.Params, authConfig); err != nil {
			logger.Error("Failed to unmarshal Auth middleware config", zap.Error(err))
			return nil, err
		}
	}

	if authConfig.Secret == "" {
		return nil, types.Errorf(types.ErrConfigValidateFailed, "auth middleware requires a secret")
	}

	return &AuthMiddleware{
		logger:     logger,
		metrics:    metrics,
		authConfig: authConfig,
		secret:     []byte(authConfig.Secret),
		weight:     item.Weight,
		now:        time.Now,
	}, nil
}

func (a *AuthMiddleware) Name() string { return "auth" }
func (a *AuthMiddleware) Weight() int  { return a.weight }
func (a *AuthMiddleware) OptIn() bool  { return true }

func (a *AuthMiddleware) Handle(ctx *fasthttp.RequestCtx, next func(*fasthttp.RequestCtx), _ *types.RouteConfig) {
	claims, err := a.authenticate(ctx.Request.Header.Peek(fasthttp.HeaderAuthorization))
	if err != nil {
		a.logger.Warn("Authentication failed",
			zap.ByteString("method", ctx.Method()),
			zap.ByteString("path", ctx.Path()),
			zap.String("request_id", requestIDOf(ctx)),
			zap.Error(err))
		a.count("failure")
		utils.CreateUnauthorizedResponse(ctx)
		return
	}

	a.count("success")
	ctx.SetUserValue(ClaimsKey, claims)
	next(ctx)
}

func (a *AuthMiddleware) authenticate(header []byte) (*Claims, error) {
	scheme, tokenStr, found := strings.Cut(string(header), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(tokenStr) == "" {
		return nil, types.ErrAuthTokenMissing
	}

	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(a.now),
	}
	if a.authConfig.Issuer != "" {
		options = append(options, jwt.WithIssuer(a.authConfig.Issuer))
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(strings.TrimSpace(tokenStr), claims, func(token *jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, options...)
	if err != nil {
		return nil, errors.Join(types.ErrAuthTokenInvalid, err)
	}
	if !token.Valid {
		return nil, types.ErrAuthTokenInvalid
	}

	if a.authConfig.Role != "" && claims.Role != a.authConfig.Role {
		return nil, types.Errorf(types.ErrAuthTokenInvalid, "role %q not allowed", claims.Role)
	}

	return claims, nil
}

func (a *AuthMiddleware) count(result string) {
	if a.metrics == nil {
		return
	}
	a.metrics.Counter("http_auth_total", map[string]string{"result": result}).Inc()
}

// ClaimsFrom returns the claims stored by the auth middleware, if any.
func ClaimsFrom(ctx *fasthttp.RequestCtx) (*Claims, bool) {
	claims, ok := ctx.UserValue(ClaimsKey).(*Claims)
	return claims, ok
}
