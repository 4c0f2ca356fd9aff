package config

import (
	"context"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/saiset-co/sai-portal/types"
)

type Loader struct {
	validator *validator.Validate
}

func NewLoader() *Loader {
	return &Loader{
		validator: validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (l *Loader) LoadFromFile(ctx context.Context, configPath string) (*types.ServiceConfig, map[string]interface{}, error) {
	if configPath == "" {
		return nil, nil, types.ErrConfigNotFound
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, nil, types.Errorf(types.ErrConfigInvalidPath, "file not found: %s", configPath)
	}

	data, err := l.ReadFileWithTimeout(ctx, configPath)
	if err != nil {
		return nil, nil, types.WrapError(err, "failed to read config file")
	}

	return l.LoadFromBytes(data)
}

func (l *Loader) LoadFromBytes(data []byte) (*types.ServiceConfig, map[string]interface{}, error) {
	config := l.Defaults()

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, nil, types.Errorf(types.ErrConfigParseFailed, "%v", err)
	}

	raw := make(map[string]interface{})
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, nil, types.Errorf(types.ErrConfigParseFailed, "%v", err)
	}

	if err := l.validator.Struct(config); err != nil {
		return nil, nil, types.Errorf(types.ErrConfigValidateFailed, "%v", err)
	}

	return config, raw, nil
}

func (l *Loader) ReadFileWithTimeout(ctx context.Context, filepath string) ([]byte, error) {
	type result struct {
		data []byte
		err  error
	}

	resultChan := make(chan result, 1)

	go func() {
		data, err := os.ReadFile(filepath)
		resultChan <- result{data: data, err: err}
	}()

	select {
	case res := <-resultChan:
		return res.data, res.err
	case <-ctx.Done():
		return nil, types.WrapError(ctx.Err(), "file read timeout")
	}
}

func (l *Loader) Defaults() *types.ServiceConfig {
	return &types.ServiceConfig{
		Server: &types.ServerConfig{
			HTTP: &types.HTTPConfig{
				Host:            "localhost",
				Port:            8080,
				ReadTimeout:     30,
				WriteTimeout:    30,
				IdleTimeout:     120,
				ShutdownTimeout: 10,
			},
			TLS: &types.TLSConfig{
				Enabled:  false,
				CacheDir: "./certs",
			},
		},
		Logger: &types.LoggerConfig{
			Type:  "default",
			Level: "info",
		},
		Store: &types.StoreConfig{
			Type:      "memory",
			KeyPrefix: "portal",
		},
		Freshness: &types.FreshnessConfig{
			Revalidate:        60 * time.Second,
			CacheTime:         5 * time.Minute,
			BackgroundTimeout: 8 * time.Second,
			FetchTimeout:      15 * time.Second,
			Retention:         time.Hour,
		},
		Flags: &types.FlagsConfig{
			ForceRefreshTTL:   5 * time.Minute,
			PublishingModeTTL: 10 * time.Second,
		},
		Health: &types.HealthConfig{
			Enabled:          true,
			FailureThreshold: 3,
			CoolDown:         5 * time.Minute,
		},
		Search: &types.SearchConfig{
			MaxResults:   50,
			PopularLimit: 8,
		},
		Locales: &types.LocalesConfig{
			Default: "en",
		},
		Upstream: &types.UpstreamConfig{
			Timeout: 10 * time.Second,
			Retries: 2,
			Backoff: 500 * time.Millisecond,
		},
		Cron: &types.CronConfig{
			Enabled:  true,
			Timezone: "UTC",
			Sweep:    "@every 1m",
		},
		Metrics: &types.MetricsConfig{
			Enabled: true,
			Type:    "memory",
		},
		Actions: &types.ActionsConfig{
			Enabled:        false,
			ReconnectDelay: 5 * time.Second,
			MaxRetries:     0,
		},
		Middlewares: &types.MiddlewaresConfig{
			Enabled: true,
			Recovery: &types.MiddlewareItemConfig{
				Enabled: true,
				Weight:  10,
				Params: map[string]interface{}{
					"stack_trace": true,
				},
			},
			Logging: &types.MiddlewareItemConfig{
				Enabled: true,
				Weight:  20,
				Params: map[string]interface{}{
					"log_level":   "info",
					"log_headers": false,
				},
			},
			Metadata: &types.MiddlewareItemConfig{
				Enabled: true,
				Weight:  30,
				Params: map[string]interface{}{
					"generate_request_id": true,
				},
			},
			Auth: &types.MiddlewareItemConfig{
				Enabled: false,
				Weight:  40,
				Params: map[string]interface{}{
					"secret": "",
					"issuer": "",
				},
			},
			Compression: &types.MiddlewareItemConfig{
				Enabled: false,
				Weight:  50,
				Params: map[string]interface{}{
					"min_size": 1024,
					"level":    5,
				},
			},
		},
	}
}
