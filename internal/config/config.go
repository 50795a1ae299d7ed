// Package config loads this proxy's runtime configuration from environment
// variables (and an optional YAML file) via viper, and carries the static
// model catalog used by the /v1/models endpoint.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// ThinkingOutputMode controls how reasoning segments are surfaced on the
// non-streaming response.
type ThinkingOutputMode string

const (
	ThinkingReasoningContent ThinkingOutputMode = "reasoning_content"
	ThinkingRaw              ThinkingOutputMode = "raw"
	ThinkingFilter           ThinkingOutputMode = "filter"
)

// Config is the resolved configuration surface, matching the contract
// named in the external interfaces section: server.*, api.*, defaults.*,
// security.*, retry.*, concurrency.*, thinking.output.
type Config struct {
	ServerPort int
	ServerHost string

	APIURL       string
	APIModelsURL string
	APIHost      string
	APIUserAgent string

	DefaultTemperature float64
	DefaultTopP        float64
	DefaultTopK        int
	DefaultMaxTokens   int

	SecurityMaxRequestSize int64
	SecurityAPIKey         string // empty means auth disabled

	RetryMaxRetries int
	RetryBaseDelay  time.Duration

	ConcurrencyMaxConcurrent    string // integer as string, or "auto"
	ConcurrencyPerTokenConcurrency int
	ConcurrencyQueueLimit       int
	ConcurrencyTimeout          time.Duration

	ThinkingOutput ThinkingOutputMode

	CredentialFilePath string

	OAuthClientID     string
	OAuthClientSecret string
	OAuthTokenURL     string
}

// Load reads a .env file (if present), binds environment variables via
// viper, applies defaults, and returns a validated Config.
func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.host", "0.0.0.0")

	v.SetDefault("api.url", "https://cloudcode-pa.googleapis.com/v1internal:generateContent")
	v.SetDefault("api.modelsurl", "")
	v.SetDefault("api.host", "cloudcode-pa.googleapis.com")
	v.SetDefault("api.useragent", "cloudrelay/0.1 (+https://github.com)")

	v.SetDefault("defaults.temperature", 1.0)
	v.SetDefault("defaults.top_p", 0.95)
	v.SetDefault("defaults.top_k", 64)
	v.SetDefault("defaults.max_tokens", 65535)

	v.SetDefault("security.maxrequestsize", 10<<20)
	v.SetDefault("security.apikey", "")

	v.SetDefault("retry.maxretries", 3)
	v.SetDefault("retry.basedelay", 500)

	v.SetDefault("concurrency.maxconcurrent", "auto")
	v.SetDefault("concurrency.pertokenconcurrency", 2)
	v.SetDefault("concurrency.queuelimit", 100)
	v.SetDefault("concurrency.timeout", 300_000)

	v.SetDefault("thinking.output", string(ThinkingReasoningContent))

	v.SetDefault("credentials.file", "data/accounts.json")

	v.SetDefault("oauth.clientid", "681255809395-oo8ft2oprdrnp9e3aqf6av3hmdib135j.apps.googleusercontent.com")
	v.SetDefault("oauth.clientsecret", "")
	v.SetDefault("oauth.tokenurl", "https://oauth2.googleapis.com/token")

	if cfgFile := v.GetString("config.file"); cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: reading config file %s: %w", cfgFile, err)
		}
	}

	cfg := &Config{
		ServerPort: v.GetInt("server.port"),
		ServerHost: v.GetString("server.host"),

		APIURL:       v.GetString("api.url"),
		APIModelsURL: v.GetString("api.modelsurl"),
		APIHost:      v.GetString("api.host"),
		APIUserAgent: v.GetString("api.useragent"),

		DefaultTemperature: v.GetFloat64("defaults.temperature"),
		DefaultTopP:        v.GetFloat64("defaults.top_p"),
		DefaultTopK:        v.GetInt("defaults.top_k"),
		DefaultMaxTokens:   v.GetInt("defaults.max_tokens"),

		SecurityMaxRequestSize: v.GetInt64("security.maxrequestsize"),
		SecurityAPIKey:         v.GetString("security.apikey"),

		RetryMaxRetries: v.GetInt("retry.maxretries"),
		RetryBaseDelay:  time.Duration(v.GetInt("retry.basedelay")) * time.Millisecond,

		ConcurrencyMaxConcurrent:       v.GetString("concurrency.maxconcurrent"),
		ConcurrencyPerTokenConcurrency: v.GetInt("concurrency.pertokenconcurrency"),
		ConcurrencyQueueLimit:          v.GetInt("concurrency.queuelimit"),
		ConcurrencyTimeout:             time.Duration(v.GetInt("concurrency.timeout")) * time.Millisecond,

		ThinkingOutput: ThinkingOutputMode(v.GetString("thinking.output")),

		CredentialFilePath: v.GetString("credentials.file"),

		OAuthClientID:     v.GetString("oauth.clientid"),
		OAuthClientSecret: v.GetString("oauth.clientsecret"),
		OAuthTokenURL:     v.GetString("oauth.tokenurl"),
	}

	if cfg.APIModelsURL == "" {
		cfg.APIModelsURL = cfg.APIURL
	}

	switch cfg.ThinkingOutput {
	case ThinkingReasoningContent, ThinkingRaw, ThinkingFilter:
	default:
		return nil, fmt.Errorf("config: invalid thinking.output %q", cfg.ThinkingOutput)
	}

	return cfg, nil
}
