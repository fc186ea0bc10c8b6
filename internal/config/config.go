// Package config loads relay settings from defaults, an optional relay.yaml,
// RELAY_* environment variables and command-line flags.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/omochice/token-relay/internal/chat"
	"github.com/omochice/token-relay/internal/upstream"
)

// EnvPrefix is prepended to every environment override, e.g. RELAY_SERVER_ADDR.
const EnvPrefix = "RELAY"

var (
	ErrUnknownProvider = errors.New("unknown provider")
	ErrMissingAPIKey   = errors.New("missing API key")
	ErrInvalidValue    = errors.New("invalid value")
)

// Config is the complete server configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Upstream UpstreamConfig `mapstructure:"upstream"`
	Relay    RelayConfig    `mapstructure:"relay"`
	Log      LogConfig      `mapstructure:"log"`
}

// ServerConfig holds listen addresses. An empty TCPAddr disables the TCP server.
type ServerConfig struct {
	Addr    string `mapstructure:"addr"`
	TCPAddr string `mapstructure:"tcp_addr"`
}

// UpstreamConfig selects the completion provider and fixes its parameters.
// An empty BaseURL keeps the adapter's default endpoint.
type UpstreamConfig struct {
	Provider             string        `mapstructure:"provider"`
	APIKey               string        `mapstructure:"api_key"`
	BaseURL              string        `mapstructure:"base_url"`
	Model                string        `mapstructure:"model"`
	SystemPrompt         string        `mapstructure:"system_prompt"`
	MaxTokens            int64         `mapstructure:"max_tokens"`
	Temperature          float64       `mapstructure:"temperature"`
	FirstFragmentTimeout time.Duration `mapstructure:"first_fragment_timeout"`
	IdleTimeout          time.Duration `mapstructure:"idle_timeout"`
	MockDelay            time.Duration `mapstructure:"mock_delay"`
}

// RelayConfig controls what clients see.
type RelayConfig struct {
	ErrorMessage string `mapstructure:"error_message"`
}

// LogConfig controls the logger.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	p := upstream.DefaultParams()
	return Config{
		Server: ServerConfig{Addr: ":8080"},
		Upstream: UpstreamConfig{
			Provider:             "openai",
			Model:                p.Model,
			SystemPrompt:         p.SystemPrompt,
			MaxTokens:            p.MaxTokens,
			Temperature:          p.Temperature,
			FirstFragmentTimeout: p.FirstFragmentTimeout,
			IdleTimeout:          p.IdleTimeout,
			MockDelay:            50 * time.Millisecond,
		},
		Relay: RelayConfig{ErrorMessage: chat.DefaultErrorMessage},
		Log:   LogConfig{Level: "info", Format: "json"},
	}
}

// apiKeyEnv lists the conventional key variables per provider, tried in
// order when upstream.api_key is unset.
var apiKeyEnv = map[string][]string{
	"openai":    {"GROQ_API_KEY", "OPENAI_API_KEY"},
	"groq":      {"GROQ_API_KEY"},
	"anthropic": {"ANTHROPIC_API_KEY"},
	"gemini":    {"GEMINI_API_KEY", "GOOGLE_API_KEY"},
	"mock":      nil,
}

// InitViper returns a viper instance with defaults registered, the config
// file read and environment overrides bound.
//
// Precedence (highest first): flags bound later by the caller, RELAY_*
// environment variables, the config file, defaults. configFile may be empty,
// in which case relay.yaml is looked up in the working directory and a
// missing file is not an error.
func InitViper(configFile string) (*viper.Viper, error) {
	v := viper.New()
	setDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("relay")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		if configFile != "" || !errors.As(err, &viper.ConfigFileNotFoundError{}) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return v, nil
}

func setDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.tcp_addr", d.Server.TCPAddr)

	v.SetDefault("upstream.provider", d.Upstream.Provider)
	v.SetDefault("upstream.api_key", d.Upstream.APIKey)
	v.SetDefault("upstream.base_url", d.Upstream.BaseURL)
	v.SetDefault("upstream.model", d.Upstream.Model)
	v.SetDefault("upstream.system_prompt", d.Upstream.SystemPrompt)
	v.SetDefault("upstream.max_tokens", d.Upstream.MaxTokens)
	v.SetDefault("upstream.temperature", d.Upstream.Temperature)
	v.SetDefault("upstream.first_fragment_timeout", d.Upstream.FirstFragmentTimeout)
	v.SetDefault("upstream.idle_timeout", d.Upstream.IdleTimeout)
	v.SetDefault("upstream.mock_delay", d.Upstream.MockDelay)

	v.SetDefault("relay.error_message", d.Relay.ErrorMessage)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
}

// Load decodes v into a Config, fills the API key from the provider's
// conventional environment variable when unset, and validates the result.
func Load(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decoding config: %w", err)
	}
	cfg.Upstream.Provider = strings.ToLower(strings.TrimSpace(cfg.Upstream.Provider))

	if cfg.Upstream.APIKey == "" {
		for _, name := range apiKeyEnv[cfg.Upstream.Provider] {
			if key := os.Getenv(name); key != "" {
				cfg.Upstream.APIKey = key
				break
			}
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first setting that cannot work.
func (c Config) Validate() error {
	names, ok := apiKeyEnv[c.Upstream.Provider]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownProvider, c.Upstream.Provider)
	}
	if c.Upstream.Provider != "mock" && c.Upstream.APIKey == "" {
		return fmt.Errorf("%w for provider %q: set upstream.api_key or %s",
			ErrMissingAPIKey, c.Upstream.Provider, strings.Join(names, " / "))
	}
	if c.Server.Addr == "" {
		return fmt.Errorf("%w: server.addr must not be empty", ErrInvalidValue)
	}
	if c.Upstream.MaxTokens <= 0 {
		return fmt.Errorf("%w: upstream.max_tokens must be positive, got %d", ErrInvalidValue, c.Upstream.MaxTokens)
	}
	if c.Upstream.Temperature < 0 || c.Upstream.Temperature > 2 {
		return fmt.Errorf("%w: upstream.temperature must be within [0, 2], got %g", ErrInvalidValue, c.Upstream.Temperature)
	}
	if c.Upstream.FirstFragmentTimeout < 0 || c.Upstream.IdleTimeout < 0 {
		return fmt.Errorf("%w: upstream timeouts must not be negative", ErrInvalidValue)
	}
	if strings.TrimSpace(c.Relay.ErrorMessage) == "" {
		return fmt.Errorf("%w: relay.error_message must not be empty", ErrInvalidValue)
	}
	return nil
}

// Params returns the fixed generation settings for upstream.NewClient.
func (c Config) Params() upstream.Params {
	return upstream.Params{
		Model:                c.Upstream.Model,
		SystemPrompt:         c.Upstream.SystemPrompt,
		MaxTokens:            c.Upstream.MaxTokens,
		Temperature:          c.Upstream.Temperature,
		FirstFragmentTimeout: c.Upstream.FirstFragmentTimeout,
		IdleTimeout:          c.Upstream.IdleTimeout,
	}
}

// LoadDotEnv copies variables from a .env file into the process environment
// without overriding ones already set. A missing file is not an error.
func LoadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}
