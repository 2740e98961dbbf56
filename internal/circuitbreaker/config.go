package circuitbreaker

import (
	"time"

	"github.com/spf13/viper"
)

// Settings is the environment tunable part of a breaker Config.
type Settings struct {
	MaxRequests      uint32
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold uint32
	SuccessThreshold uint32
}

// BackendSettings returns breaker settings for generation backend calls.
// Overrides come from CB_COMFYUI_* variables.
func BackendSettings() Settings {
	return fromEnv("CB_COMFYUI", Settings{
		MaxRequests:      3,
		Interval:         60 * time.Second,
		Timeout:          15 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
	})
}

// RedisSettings returns breaker settings for the shared catalog cache.
// Overrides come from CB_REDIS_* variables.
func RedisSettings() Settings {
	return fromEnv("CB_REDIS", Settings{
		MaxRequests:      5,
		Interval:         30 * time.Second,
		Timeout:          15 * time.Second,
		FailureThreshold: 3,
		SuccessThreshold: 2,
	})
}

// ToConfig converts settings into a breaker Config.
func (s Settings) ToConfig() Config {
	return Config{
		MaxRequests:      s.MaxRequests,
		Interval:         s.Interval,
		Timeout:          s.Timeout,
		FailureThreshold: s.FailureThreshold,
		SuccessThreshold: s.SuccessThreshold,
	}
}

func fromEnv(prefix string, defaults Settings) Settings {
	v := viper.New()
	v.SetEnvPrefix(prefix)
	v.AutomaticEnv()
	v.SetDefault("max_requests", defaults.MaxRequests)
	v.SetDefault("interval", defaults.Interval)
	v.SetDefault("timeout", defaults.Timeout)
	v.SetDefault("failure_threshold", defaults.FailureThreshold)
	v.SetDefault("success_threshold", defaults.SuccessThreshold)

	return Settings{
		MaxRequests:      v.GetUint32("max_requests"),
		Interval:         v.GetDuration("interval"),
		Timeout:          v.GetDuration("timeout"),
		FailureThreshold: v.GetUint32("failure_threshold"),
		SuccessThreshold: v.GetUint32("success_threshold"),
	}
}
