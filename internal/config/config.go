// Package config loads the service configuration from a YAML file with
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cast"
	"github.com/spf13/viper"
	"go.uber.org/multierr"

	"github.com/Kocoro-lab/comfyflow/internal/params"
	"github.com/Kocoro-lab/comfyflow/internal/tracing"
)

// DefaultPath is used when CONFIG_PATH is not set.
const DefaultPath = "config/comfyflow.yaml"

// BackendConfig locates the generation backend.
type BackendConfig struct {
	BaseURL     string        `mapstructure:"base_url"`
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxRetries  int           `mapstructure:"max_retries"`
	SubmitRate  float64       `mapstructure:"submit_rate"`
	SubmitBurst int           `mapstructure:"submit_burst"`
}

// FileServerConfig locates the static server exposing backend outputs.
type FileServerConfig struct {
	IP        string `mapstructure:"ip"`
	Port      int    `mapstructure:"port"`
	AccessKey string `mapstructure:"access_key"`
}

// DefaultsConfig are the parameter defaults applied to every request.
type DefaultsConfig struct {
	Model          string  `mapstructure:"model"`
	Width          int     `mapstructure:"width"`
	Height         int     `mapstructure:"height"`
	Steps          int     `mapstructure:"steps"`
	CFG            float64 `mapstructure:"cfg"`
	Sampler        string  `mapstructure:"sampler"`
	Scheduler      string  `mapstructure:"scheduler"`
	Seed           int64   `mapstructure:"seed"`
	BatchSize      int     `mapstructure:"batch_size"`
	Denoise        float64 `mapstructure:"denoise"`
	NegativePrompt string  `mapstructure:"negative_prompt"`
	QualityTags    string  `mapstructure:"quality_tags"`
}

// WorkflowsConfig configures the template store and the candidate list.
type WorkflowsConfig struct {
	Dir      string   `mapstructure:"dir"`
	Primary  string   `mapstructure:"primary"`
	Fallback []string `mapstructure:"fallback"`
	Watch    bool     `mapstructure:"watch"`
}

// ModesConfig holds the mode selection thresholds.
type ModesConfig struct {
	TemplateThreshold float64 `mapstructure:"template_threshold"`
	HybridThreshold   float64 `mapstructure:"hybrid_threshold"`
}

// CacheConfig sizes the processing and catalog caches.
type CacheConfig struct {
	ProcessingCapacity int           `mapstructure:"processing_capacity"`
	CatalogTTL         time.Duration `mapstructure:"catalog_ttl"`
	RedisURL           string        `mapstructure:"redis_url"`
}

// HistoryConfig controls attempt history retention.
type HistoryConfig struct {
	MaxAge        time.Duration `mapstructure:"max_age"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// HTTPConfig configures the API listener.
type HTTPConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig enables bearer token checks on the API when a secret is set.
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	Issuer    string `mapstructure:"issuer"`
}

// Config is the full service configuration.
type Config struct {
	Debug      bool             `mapstructure:"debug"`
	Backend    BackendConfig    `mapstructure:"backend"`
	FileServer FileServerConfig `mapstructure:"file_server"`
	Defaults   DefaultsConfig   `mapstructure:"defaults"`
	Workflows  WorkflowsConfig  `mapstructure:"workflows"`
	Modes      ModesConfig      `mapstructure:"modes"`
	Cache      CacheConfig      `mapstructure:"cache"`
	History    HistoryConfig    `mapstructure:"history"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Tracing    tracing.Config   `mapstructure:"tracing"`
}

// env maps configuration keys to the variables that override them.
var env = map[string][]string{
	"debug":                  {"DEBUG_MODE"},
	"backend.base_url":       {"COMFYUI_BASE_URL"},
	"backend.timeout":        {"COMFYUI_TIMEOUT"},
	"backend.max_retries":    {"COMFYUI_MAX_RETRIES"},
	"workflows.dir":          {"COMFYUI_WORKFLOW_DIR"},
	"file_server.ip":         {"FILE_SERVER_PUBLIC_IP"},
	"file_server.port":       {"FILE_SERVER_PORT"},
	"file_server.access_key": {"FILE_SERVER_ACCESS_KEY"},
	"http.port":              {"COMFYFLOW_HTTP_PORT"},
	"cache.redis_url":        {"COMFYFLOW_REDIS_URL"},
	"auth.jwt_secret":        {"COMFYFLOW_JWT_SECRET"},
	"tracing.otlp_endpoint":  {"OTEL_EXPORTER_OTLP_ENDPOINT"},
}

func setDefaults(v *viper.Viper) {
	d := params.StockDefaults()

	v.SetDefault("debug", false)
	v.SetDefault("backend.base_url", "http://127.0.0.1:8188")
	v.SetDefault("backend.timeout", 300*time.Second)
	v.SetDefault("backend.max_retries", 3)
	v.SetDefault("backend.submit_rate", 2.0)
	v.SetDefault("backend.submit_burst", 4)

	v.SetDefault("file_server.ip", "127.0.0.1")
	v.SetDefault("file_server.port", 5974)
	v.SetDefault("file_server.access_key", "")

	v.SetDefault("defaults.model", d.Model)
	v.SetDefault("defaults.width", d.Width)
	v.SetDefault("defaults.height", d.Height)
	v.SetDefault("defaults.steps", d.Steps)
	v.SetDefault("defaults.cfg", d.CFG)
	v.SetDefault("defaults.sampler", d.Sampler)
	v.SetDefault("defaults.scheduler", d.Scheduler)
	v.SetDefault("defaults.seed", d.Seed)
	v.SetDefault("defaults.batch_size", d.BatchSize)
	v.SetDefault("defaults.denoise", d.Denoise)
	v.SetDefault("defaults.negative_prompt", d.NegativePrompt)
	v.SetDefault("defaults.quality_tags", d.QualityTags)

	v.SetDefault("workflows.dir", "workflows")
	v.SetDefault("workflows.primary", "text2img_api.json")
	v.SetDefault("workflows.fallback", []string{"text2img_basic.json", "img2img_api.json"})
	v.SetDefault("workflows.watch", true)

	v.SetDefault("modes.template_threshold", 0.7)
	v.SetDefault("modes.hybrid_threshold", 0.5)

	v.SetDefault("cache.processing_capacity", 100)
	v.SetDefault("cache.catalog_ttl", 5*time.Minute)
	v.SetDefault("cache.redis_url", "")

	v.SetDefault("history.max_age", 24*time.Hour)
	v.SetDefault("history.sweep_interval", 10*time.Minute)

	v.SetDefault("http.port", 8090)
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.issuer", "")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", tracing.DefaultServiceName)
	v.SetDefault("tracing.otlp_endpoint", "localhost:4317")
}

// Load reads the configuration at path, or at CONFIG_PATH / DefaultPath when
// path is empty. A missing file is not an error; defaults and environment
// overrides still apply.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path == "" {
		path = DefaultPath
	}

	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		}
	}
	for key, names := range env {
		if err := v.BindEnv(append([]string{key}, names...)...); err != nil {
			return nil, fmt.Errorf("bind env for %s: %w", key, err)
		}
	}

	// COMFYUI_TIMEOUT is historically expressed in milliseconds
	timeout, err := parseTimeout(v.Get("backend.timeout"))
	if err != nil {
		return nil, err
	}
	v.Set("backend.timeout", timeout)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Workflows.Fallback = splitList(cfg.Workflows.Fallback)
	return &cfg, nil
}

// parseTimeout accepts a duration, a duration string, or a bare number of
// milliseconds.
func parseTimeout(raw any) (time.Duration, error) {
	switch t := raw.(type) {
	case time.Duration:
		return t, nil
	case string:
		s := strings.TrimSpace(t)
		if ms, err := cast.ToInt64E(s); err == nil {
			return time.Duration(ms) * time.Millisecond, nil
		}
		d, err := time.ParseDuration(s)
		if err != nil {
			return 0, fmt.Errorf("invalid backend timeout %q: %w", t, err)
		}
		return d, nil
	default:
		ms, err := cast.ToInt64E(raw)
		if err != nil {
			return 0, fmt.Errorf("invalid backend timeout %v: %w", raw, err)
		}
		return time.Duration(ms) * time.Millisecond, nil
	}
}

// splitList accepts both YAML lists and a comma separated single entry.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// Validate checks the configuration. Fatal problems are returned as an
// error; out of range defaults are returned as warnings since requests clamp
// them anyway.
func (c *Config) Validate() (warnings []string, err error) {
	u, perr := url.Parse(c.Backend.BaseURL)
	switch {
	case c.Backend.BaseURL == "":
		err = multierr.Append(err, errors.New("backend.base_url is required"))
	case perr != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "":
		err = multierr.Append(err, fmt.Errorf("backend.base_url %q is not a valid http(s) URL", c.Backend.BaseURL))
	}
	if c.Backend.Timeout <= 0 {
		err = multierr.Append(err, fmt.Errorf("backend.timeout must be positive, got %s", c.Backend.Timeout))
	}
	if c.FileServer.Port < 1 || c.FileServer.Port > 65535 {
		err = multierr.Append(err, fmt.Errorf("file_server.port %d is outside 1..65535", c.FileServer.Port))
	}
	if c.HTTP.Port < 1 || c.HTTP.Port > 65535 {
		err = multierr.Append(err, fmt.Errorf("http.port %d is outside 1..65535", c.HTTP.Port))
	}
	if c.Workflows.Dir == "" {
		err = multierr.Append(err, errors.New("workflows.dir is required"))
	}

	lim := params.DefaultLimits()
	d := c.Defaults
	check := func(name string, ok bool, value any) {
		if !ok {
			warnings = append(warnings, fmt.Sprintf("defaults.%s=%v is out of range and will be clamped", name, value))
		}
	}
	check("width", d.Width >= lim.MinSize && d.Width <= lim.MaxSize, d.Width)
	check("height", d.Height >= lim.MinSize && d.Height <= lim.MaxSize, d.Height)
	check("steps", d.Steps >= lim.MinSteps && d.Steps <= lim.MaxSteps, d.Steps)
	check("cfg", d.CFG >= lim.MinCFG && d.CFG <= lim.MaxCFG, d.CFG)
	check("denoise", d.Denoise >= lim.MinDenoise && d.Denoise <= lim.MaxDenoise, d.Denoise)
	check("batch_size", d.BatchSize >= lim.MinBatch && d.BatchSize <= lim.MaxBatch, d.BatchSize)
	check("seed", d.Seed == params.RandomSeed || (d.Seed >= lim.MinSeed && d.Seed <= lim.MaxSeed), d.Seed)
	if c.Modes.HybridThreshold > c.Modes.TemplateThreshold {
		warnings = append(warnings, "modes.hybrid_threshold is above modes.template_threshold")
	}
	return warnings, err
}

// ParamDefaults converts the defaults section for the parameter merger.
func (c *Config) ParamDefaults() params.Defaults {
	d := c.Defaults
	return params.Defaults{
		Workflow:       c.Workflows.Primary,
		Model:          d.Model,
		Width:          d.Width,
		Height:         d.Height,
		Steps:          d.Steps,
		CFG:            d.CFG,
		Sampler:        d.Sampler,
		Scheduler:      d.Scheduler,
		Seed:           d.Seed,
		BatchSize:      d.BatchSize,
		Denoise:        d.Denoise,
		NegativePrompt: d.NegativePrompt,
		QualityTags:    d.QualityTags,
		Limits:         params.DefaultLimits(),
	}
}
