package types

import (
	"time"
)

type ConfigManager interface {
	LifecycleManager
	Load() error
	GetConfig() *ServiceConfig
	GetValue(path string, defaultValue interface{}) interface{}
	GetAs(path string, target interface{}) error
}

type ServiceConfig struct {
	Name        string             `yaml:"name" json:"name" validate:"required"`
	Version     string             `yaml:"version" json:"version" validate:"required"`
	Server      *ServerConfig      `yaml:"server" json:"server"`
	Logger      *LoggerConfig      `yaml:"logger" json:"logger"`
	Store       *StoreConfig       `yaml:"store" json:"store" validate:"required"`
	Freshness   *FreshnessConfig   `yaml:"freshness" json:"freshness" validate:"required"`
	Flags       *FlagsConfig       `yaml:"flags" json:"flags" validate:"required"`
	Health      *HealthConfig      `yaml:"health" json:"health"`
	Search      *SearchConfig      `yaml:"search" json:"search"`
	Locales     *LocalesConfig     `yaml:"locales" json:"locales"`
	Upstream    *UpstreamConfig    `yaml:"upstream" json:"upstream" validate:"required"`
	Cron        *CronConfig        `yaml:"cron" json:"cron"`
	Metrics     *MetricsConfig     `yaml:"metrics" json:"metrics"`
	Middlewares *MiddlewaresConfig `yaml:"middlewares" json:"middlewares"`
	Actions     *ActionsConfig     `yaml:"actions" json:"actions"`
}

type ServerConfig struct {
	HTTP *HTTPConfig `yaml:"http" json:"http"`
	TLS  *TLSConfig  `yaml:"tls" json:"tls"`
}

type HTTPConfig struct {
	Host            string `yaml:"host" json:"host"`
	Port            int    `yaml:"port" json:"port" validate:"min=1,max=65535"`
	ReadTimeout     int    `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout    int    `yaml:"write_timeout" json:"write_timeout"`
	IdleTimeout     int    `yaml:"idle_timeout" json:"idle_timeout"`
	ShutdownTimeout int    `yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

type TLSConfig struct {
	Enabled  bool     `yaml:"enabled" json:"enabled"`
	CertFile string   `yaml:"cert_file,omitempty" json:"cert_file,omitempty"`
	KeyFile  string   `yaml:"key_file,omitempty" json:"key_file,omitempty"`
	AutoCert bool     `yaml:"auto_cert" json:"auto_cert"`
	Domains  []string `yaml:"domains,omitempty" json:"domains,omitempty" validate:"required_if=AutoCert true"`
	Email    string   `yaml:"email,omitempty" json:"email,omitempty"`
	CacheDir string   `yaml:"cache_dir,omitempty" json:"cache_dir,omitempty"`
}

type LoggerConfig struct {
	Type   string      `yaml:"type" json:"type"`
	Level  string      `yaml:"level" json:"level" validate:"required"`
	Config interface{} `yaml:"config" json:"config"`
}

type StoreConfig struct {
	Type      string      `yaml:"type" json:"type" validate:"required"`
	KeyPrefix string      `yaml:"key_prefix" json:"key_prefix"`
	Config    interface{} `yaml:"config" json:"config"`
}

type FreshnessConfig struct {
	Revalidate        time.Duration `yaml:"revalidate" json:"revalidate" validate:"gt=0"`
	CacheTime         time.Duration `yaml:"cache_time" json:"cache_time" validate:"gtfield=Revalidate"`
	BackgroundTimeout time.Duration `yaml:"background_timeout" json:"background_timeout" validate:"gt=0"`
	FetchTimeout      time.Duration `yaml:"fetch_timeout" json:"fetch_timeout" validate:"gt=0"`
	Retention         time.Duration `yaml:"retention" json:"retention" validate:"min=0"`
}

type FlagsConfig struct {
	ForceRefreshTTL   time.Duration `yaml:"force_refresh_ttl" json:"force_refresh_ttl" validate:"gt=0"`
	PublishingModeTTL time.Duration `yaml:"publishing_mode_ttl" json:"publishing_mode_ttl" validate:"gt=0"`
}

type HealthConfig struct {
	Enabled          bool          `yaml:"enabled" json:"enabled"`
	FailureThreshold int           `yaml:"failure_threshold" json:"failure_threshold" validate:"min=1"`
	CoolDown         time.Duration `yaml:"cool_down" json:"cool_down" validate:"gt=0"`
	FallbacksFile    string        `yaml:"fallbacks_file" json:"fallbacks_file"`
}

type SearchConfig struct {
	MaxResults   int `yaml:"max_results" json:"max_results" validate:"min=0"`
	PopularLimit int `yaml:"popular_limit" json:"popular_limit" validate:"min=0"`
}

type LocalesConfig struct {
	Default string `yaml:"default" json:"default"`
}

type UpstreamConfig struct {
	BaseURL string            `yaml:"base_url" json:"base_url" validate:"required,url"`
	Timeout time.Duration     `yaml:"timeout" json:"timeout"`
	Retries int               `yaml:"retries" json:"retries" validate:"min=0"`
	Backoff time.Duration     `yaml:"backoff" json:"backoff"`
	Headers map[string]string `yaml:"headers" json:"headers"`
}

type CronConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	Timezone string `yaml:"timezone" json:"timezone" validate:"required_if=Enabled true"`
	Sweep    string `yaml:"sweep" json:"sweep"`
	Warm     string `yaml:"warm" json:"warm"`
}

type MetricsConfig struct {
	Enabled bool              `yaml:"enabled" json:"enabled"`
	Type    string            `yaml:"type" json:"type" validate:"required_if=Enabled true"`
	Config  interface{}       `yaml:"config" json:"config"`
	Labels  map[string]string `yaml:"labels" json:"labels"`
}

type MiddlewaresConfig struct {
	Enabled     bool                  `yaml:"enabled" json:"enabled"`
	Recovery    *MiddlewareItemConfig `yaml:"recovery" json:"recovery"`
	Logging     *MiddlewareItemConfig `yaml:"logging" json:"logging"`
	Metadata    *MiddlewareItemConfig `yaml:"metadata" json:"metadata"`
	Compression *MiddlewareItemConfig `yaml:"compression" json:"compression"`
	Auth        *MiddlewareItemConfig `yaml:"auth" json:"auth"`
}

type MiddlewareItemConfig struct {
	Enabled bool                   `yaml:"enabled" json:"enabled"`
	Weight  int                    `yaml:"weight" json:"weight" validate:"min=0"`
	Params  map[string]interface{} `yaml:"params" json:"params"`
}

type ActionsConfig struct {
	Enabled        bool          `yaml:"enabled" json:"enabled"`
	URL            string        `yaml:"url" json:"url" validate:"required_if=Enabled true"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay" json:"reconnect_delay"`
	MaxRetries     int           `yaml:"max_retries" json:"max_retries"`
}

type VersionInfo struct {
	Name      string `json:"name"`
	Version   string `json:"version"`
	Build     string `json:"build"`
	Commit    string `json:"commit"`
	Branch    string `json:"branch"`
	BuildTime string `json:"build_time,omitempty"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}
