package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

const envPrefix = "VIDEOCALL"

type Config struct {
	Mode       string        `mapstructure:"mode"`
	Port       int           `mapstructure:"port"`
	StaticPath string        `mapstructure:"static_path"`
	Secret     string        `mapstructure:"secret"`
	LogLevel   string        `mapstructure:"log_level"`
	PingPeriod time.Duration `mapstructure:"ping_period"`

	Relay     RelayConfig     `mapstructure:"relay"`
	Call      CallConfig      `mapstructure:"call"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
}

// RelayConfig points at the hosted media relay. The token is issued out of
// band and used as is.
type RelayConfig struct {
	URL        string   `mapstructure:"url"`
	AppID      string   `mapstructure:"app_id"`
	Channel    string   `mapstructure:"channel"`
	Token      string   `mapstructure:"token"`
	ICEServers []string `mapstructure:"ice_servers"`
}

type CallConfig struct {
	JoinTimeout         time.Duration `mapstructure:"join_timeout"`
	LeaveTimeout        time.Duration `mapstructure:"leave_timeout"`
	SubscribeTimeout    time.Duration `mapstructure:"subscribe_timeout"`
	BackfillConcurrency int           `mapstructure:"backfill_concurrency"`
}

type RateLimitConfig struct {
	JoinLimit  int           `mapstructure:"join_limit"`
	JoinWindow time.Duration `mapstructure:"join_window"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("static_path", "./web")
	v.SetDefault("secret", "videocall-dev-secret")
	v.SetDefault("log_level", "info")
	v.SetDefault("ping_period", "30s")

	v.SetDefault("relay.url", "")
	v.SetDefault("relay.app_id", "")
	v.SetDefault("relay.channel", "")
	v.SetDefault("relay.token", "")
	v.SetDefault("relay.ice_servers", []string{"stun:stun.l.google.com:19302"})

	v.SetDefault("call.join_timeout", "0s")
	v.SetDefault("call.leave_timeout", "5s")
	v.SetDefault("call.subscribe_timeout", "10s")
	v.SetDefault("call.backfill_concurrency", 4)

	v.SetDefault("ratelimit.join_limit", 5)
	v.SetDefault("ratelimit.join_window", "1m")
}

// Load reads config/config.<CONFIG_ENV>.yaml when present, then applies
// VIDEOCALL_* environment overrides (VIDEOCALL_RELAY_TOKEN for relay.token).
func Load() (*Config, error) {
	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	return LoadFile(fmt.Sprintf("config/config.%s.yaml", env))
}

func LoadFile(fileName string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(fileName)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("config loaded")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	log.Info().
		Str("module", "config").
		Str("mode", cfg.Mode).
		Int("port", cfg.Port).
		Str("relay", cfg.Relay.URL).
		Str("channel", cfg.Relay.Channel).
		Msg("config ready")
	return &cfg, nil
}

var ErrInvalid = errors.New("invalid config")

func (c *Config) Validate() error {
	var errs []error
	if c.Relay.URL == "" {
		errs = append(errs, errors.New("relay.url is required"))
	}
	if c.Relay.AppID == "" {
		errs = append(errs, errors.New("relay.app_id is required"))
	}
	if c.Relay.Channel == "" {
		errs = append(errs, errors.New("relay.channel is required"))
	}
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.Call.BackfillConcurrency < 1 {
		errs = append(errs, errors.New("call.backfill_concurrency must be positive"))
	}
	if c.RateLimit.JoinLimit < 1 || c.RateLimit.JoinWindow <= 0 {
		errs = append(errs, errors.New("ratelimit needs a positive limit and window"))
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
}
