package main

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

const (
	envKeyListenAddress         = "LISTEN_ADDR"
	envKeyOriginAllowlist       = "ORIGIN_ALLOWLIST"
	envKeyCDPKeyName            = "CDP_API_KEY_NAME"
	envKeyCDPKeySecret          = "CDP_API_KEY_SECRET"
	envKeyCDPBaseURL            = "CDP_API_BASE_URL"
	envKeyUpstreamTimeout       = "UPSTREAM_TIMEOUT"
	envKeyUpstreamRatePerSecond = "UPSTREAM_RATE_PER_SECOND"
	envKeyOrderRateLimit        = "ORDER_RATE_LIMIT"
	envKeyOrderRateWindow       = "ORDER_RATE_WINDOW"
	envKeySessionRateLimit      = "SESSION_RATE_LIMIT"
	envKeySessionRateWindow     = "SESSION_RATE_WINDOW"
	envKeySweepInterval         = "RATE_LIMIT_SWEEP_INTERVAL"
	envKeyRateLimitBackend      = "RATE_LIMIT_BACKEND"
	envKeyRedisURL              = "REDIS_URL"
	envKeyEnvironment           = "ENVIRONMENT"
	envKeyLogLevel              = "LOG_LEVEL"
	envKeyLogFormat             = "LOG_FORMAT"
	envKeyShutdownTimeout       = "SHUTDOWN_TIMEOUT"

	defaultListenAddress      = ":8080"
	defaultCDPBaseURL         = "https://api.cdp.coinbase.com"
	defaultUpstreamTimeout    = 10 * time.Second
	defaultOrderRateLimit     = 10
	defaultSessionRateLimit   = 20
	defaultRateWindow         = time.Minute
	defaultEnvironment        = "development"
	defaultLogLevel           = "info"
	defaultLogFormat          = "json"
	defaultShutdownTimeout    = 10 * time.Second
	environmentProduction     = "production"
	rateLimitBackendMemory    = "memory"
	rateLimitBackendRedis     = "redis"
	routeNameOrder            = "order"
	routeNameSession          = "session"
	configKeyOriginAllowlist  = "origin_allowlist"
	configKeyCDPKeyName       = "cdp_api_key_name"
	configKeyCDPKeySecret     = "cdp_api_key_secret"
	configKeyRedisURL         = "redis_url"
	configKeyUpstreamRatePerS = "upstream_rate_per_second"
)

type serverConfig struct {
	ListenAddress         string
	AllowedOrigins        map[string]struct{}
	CDPKeyName            string
	CDPKeySecret          string
	CDPBaseURL            *url.URL
	UpstreamTimeout       time.Duration
	UpstreamRatePerSecond float64
	RatePolicies          map[string]RatePolicy
	SweepInterval         time.Duration
	RateLimitBackend      string
	RedisURL              string
	Environment           string
	LogLevel              string
	LogFormat             string
	ShutdownTimeout       time.Duration
}

func (gatewayConfig serverConfig) isProduction() bool {
	return strings.EqualFold(gatewayConfig.Environment, environmentProduction)
}

func (gatewayConfig serverConfig) ratePolicy(routeName string) RatePolicy {
	return gatewayConfig.RatePolicies[routeName]
}

// rawConfig mirrors the environment keys (lower-cased) so the same names work in a
// YAML config file.
type rawConfig struct {
	ListenAddress         string        `mapstructure:"listen_addr"`
	OriginAllowlist       []string      `mapstructure:"origin_allowlist"`
	CDPKeyName            string        `mapstructure:"cdp_api_key_name"`
	CDPKeySecret          string        `mapstructure:"cdp_api_key_secret"`
	CDPBaseURL            string        `mapstructure:"cdp_api_base_url"`
	UpstreamTimeout       time.Duration `mapstructure:"upstream_timeout"`
	UpstreamRatePerSecond float64       `mapstructure:"upstream_rate_per_second"`
	OrderRateLimit        int           `mapstructure:"order_rate_limit"`
	OrderRateWindow       time.Duration `mapstructure:"order_rate_window"`
	SessionRateLimit      int           `mapstructure:"session_rate_limit"`
	SessionRateWindow     time.Duration `mapstructure:"session_rate_window"`
	SweepInterval         time.Duration `mapstructure:"rate_limit_sweep_interval"`
	RateLimitBackend      string        `mapstructure:"rate_limit_backend"`
	RedisURL              string        `mapstructure:"redis_url"`
	Environment           string        `mapstructure:"environment"`
	LogLevel              string        `mapstructure:"log_level"`
	LogFormat             string        `mapstructure:"log_format"`
	ShutdownTimeout       time.Duration `mapstructure:"shutdown_timeout"`
}

func newConfigReader(configFilePath string) (*viper.Viper, error) {
	configReader := viper.New()
	configReader.SetDefault("listen_addr", defaultListenAddress)
	configReader.SetDefault("cdp_api_base_url", defaultCDPBaseURL)
	configReader.SetDefault("upstream_timeout", defaultUpstreamTimeout)
	configReader.SetDefault(configKeyUpstreamRatePerS, 0)
	configReader.SetDefault("order_rate_limit", defaultOrderRateLimit)
	configReader.SetDefault("order_rate_window", defaultRateWindow)
	configReader.SetDefault("session_rate_limit", defaultSessionRateLimit)
	configReader.SetDefault("session_rate_window", defaultRateWindow)
	configReader.SetDefault("rate_limit_sweep_interval", defaultSweepInterval)
	configReader.SetDefault("rate_limit_backend", rateLimitBackendMemory)
	configReader.SetDefault("environment", defaultEnvironment)
	configReader.SetDefault("log_level", defaultLogLevel)
	configReader.SetDefault("log_format", defaultLogFormat)
	configReader.SetDefault("shutdown_timeout", defaultShutdownTimeout)
	for _, requiredKey := range []string{configKeyOriginAllowlist, configKeyCDPKeyName, configKeyCDPKeySecret, configKeyRedisURL} {
		if bindError := configReader.BindEnv(requiredKey); bindError != nil {
			return nil, fmt.Errorf("bind %s: %w", strings.ToUpper(requiredKey), bindError)
		}
	}
	configReader.AutomaticEnv()

	if configFilePath != "" {
		configReader.SetConfigFile(configFilePath)
		if readError := configReader.ReadInConfig(); readError != nil {
			return nil, fmt.Errorf("read config file %s: %w", configFilePath, readError)
		}
	}
	return configReader, nil
}

// loadConfig reads environment variables, optionally layered over a config file.
func loadConfig(configFilePath string) (serverConfig, error) {
	configReader, readerError := newConfigReader(configFilePath)
	if readerError != nil {
		return serverConfig{}, readerError
	}

	var decoded rawConfig
	decodeError := configReader.Unmarshal(&decoded, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)))
	if decodeError != nil {
		return serverConfig{}, fmt.Errorf("decode config: %w", decodeError)
	}

	allowedOrigins := make(map[string]struct{})
	for _, originItem := range decoded.OriginAllowlist {
		trimmed := strings.TrimRight(strings.TrimSpace(originItem), "/")
		if trimmed != "" {
			allowedOrigins[trimmed] = struct{}{}
		}
	}
	if len(allowedOrigins) == 0 {
		return serverConfig{}, fmt.Errorf("missing %s", envKeyOriginAllowlist)
	}

	cdpKeyName := strings.TrimSpace(decoded.CDPKeyName)
	if cdpKeyName == "" {
		return serverConfig{}, fmt.Errorf("missing %s", envKeyCDPKeyName)
	}
	if strings.TrimSpace(decoded.CDPKeySecret) == "" {
		return serverConfig{}, fmt.Errorf("missing %s", envKeyCDPKeySecret)
	}

	cdpBaseURL, parseURLError := url.Parse(strings.TrimSpace(decoded.CDPBaseURL))
	if parseURLError != nil || cdpBaseURL.Scheme == "" || cdpBaseURL.Host == "" {
		return serverConfig{}, fmt.Errorf("bad %s: %q", envKeyCDPBaseURL, decoded.CDPBaseURL)
	}

	if decoded.UpstreamTimeout <= 0 {
		return serverConfig{}, fmt.Errorf("bad %s: must be positive", envKeyUpstreamTimeout)
	}
	if decoded.UpstreamRatePerSecond < 0 {
		return serverConfig{}, fmt.Errorf("bad %s: must not be negative", envKeyUpstreamRatePerSecond)
	}
	if decoded.OrderRateWindow <= 0 {
		return serverConfig{}, fmt.Errorf("bad %s: must be positive", envKeyOrderRateWindow)
	}
	if decoded.SessionRateWindow <= 0 {
		return serverConfig{}, fmt.Errorf("bad %s: must be positive", envKeySessionRateWindow)
	}
	if decoded.SweepInterval <= 0 {
		return serverConfig{}, fmt.Errorf("bad %s: must be positive", envKeySweepInterval)
	}

	rateLimitBackend := strings.ToLower(strings.TrimSpace(decoded.RateLimitBackend))
	switch rateLimitBackend {
	case rateLimitBackendMemory:
	case rateLimitBackendRedis:
		if strings.TrimSpace(decoded.RedisURL) == "" {
			return serverConfig{}, fmt.Errorf("%s=redis but missing %s", envKeyRateLimitBackend, envKeyRedisURL)
		}
	default:
		return serverConfig{}, fmt.Errorf("bad %s: %q", envKeyRateLimitBackend, decoded.RateLimitBackend)
	}

	return serverConfig{
		ListenAddress:         decoded.ListenAddress,
		AllowedOrigins:        allowedOrigins,
		CDPKeyName:            cdpKeyName,
		CDPKeySecret:          decoded.CDPKeySecret,
		CDPBaseURL:            cdpBaseURL,
		UpstreamTimeout:       decoded.UpstreamTimeout,
		UpstreamRatePerSecond: decoded.UpstreamRatePerSecond,
		RatePolicies: map[string]RatePolicy{
			routeNameOrder:   {Limit: decoded.OrderRateLimit, Window: decoded.OrderRateWindow},
			routeNameSession: {Limit: decoded.SessionRateLimit, Window: decoded.SessionRateWindow},
		},
		SweepInterval:    decoded.SweepInterval,
		RateLimitBackend: rateLimitBackend,
		RedisURL:         strings.TrimSpace(decoded.RedisURL),
		Environment:      strings.ToLower(strings.TrimSpace(decoded.Environment)),
		LogLevel:         decoded.LogLevel,
		LogFormat:        decoded.LogFormat,
		ShutdownTimeout:  decoded.ShutdownTimeout,
	}, nil
}
