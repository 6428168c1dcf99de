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

type Config struct {
	Mode       string `mapstructure:"mode"`
	Port       int    `mapstructure:"port"`
	StaticPath string `mapstructure:"static_path"`
	Secret     string `mapstructure:"secret"`

	Log       LogConfig       `mapstructure:"log"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Lifecycle LifecycleConfig `mapstructure:"lifecycle"`
	Admission AdmissionConfig `mapstructure:"admission"`
	Signal    SignalConfig    `mapstructure:"signal"`
	ICE       ICEConfig       `mapstructure:"ice"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type DatabaseConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

// RedisConfig selects the distributed signaling relay. Empty Addr keeps
// signaling inside the process.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

type LifecycleConfig struct {
	WaitTimeout time.Duration `mapstructure:"wait_timeout"`
	MinViable   int           `mapstructure:"min_viable"`
	MemberTTL   time.Duration `mapstructure:"member_ttl"`
}

type AdmissionConfig struct {
	MaxAttempts int `mapstructure:"max_attempts"`
	MaxCapacity int `mapstructure:"max_capacity"`
}

type SignalConfig struct {
	ReadLimit    int64         `mapstructure:"read_limit"`
	PingPeriod   time.Duration `mapstructure:"ping_period"`
	RateLimit    int           `mapstructure:"rate_limit"`
	RateInterval time.Duration `mapstructure:"rate_interval"`
	Buffer       int           `mapstructure:"buffer"`
	// Backpressure is what the relay does with a subscriber whose queue is
	// full: "drop" the frame or "kick" the subscriber.
	Backpressure string `mapstructure:"backpressure"`
}

type ICEConfig struct {
	URLs []string `mapstructure:"urls"`
}

type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Namespace string `mapstructure:"namespace"`
}

var (
	knownDrivers      = map[string]bool{"sqlite": true, "postgres": true, "mysql": true}
	knownBackpressure = map[string]bool{"drop": true, "kick": true}
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("static_path", "./web")
	v.SetDefault("secret", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "data/classmate.db")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "session")

	v.SetDefault("lifecycle.wait_timeout", "180s")
	v.SetDefault("lifecycle.min_viable", 2)
	v.SetDefault("lifecycle.member_ttl", "0s")

	v.SetDefault("admission.max_attempts", 5)
	v.SetDefault("admission.max_capacity", 50)

	v.SetDefault("signal.read_limit", 32768)
	v.SetDefault("signal.ping_period", "54s")
	v.SetDefault("signal.rate_limit", 50)
	v.SetDefault("signal.rate_interval", "1s")
	v.SetDefault("signal.buffer", 32)
	v.SetDefault("signal.backpressure", "drop")

	v.SetDefault("ice.urls", []string{"stun:stun.l.google.com:19302"})

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.namespace", "classmate")
}

// Load reads config/config.<CONFIG_ENV>.yaml, then CLASSMATE_* env overrides.
// A missing file is not an error.
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
	v.SetEnvPrefix("CLASSMATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log.Info().
		Str("module", "config").
		Str("mode", cfg.Mode).
		Int("port", cfg.Port).
		Str("db_driver", cfg.Database.Driver).
		Bool("redis_relay", cfg.Redis.Addr != "").
		Msg("config ready")
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("config: port %d out of range", c.Port))
	}
	if !knownDrivers[c.Database.Driver] {
		errs = append(errs, fmt.Errorf("config: unknown database driver %q", c.Database.Driver))
	}
	if c.Database.DSN == "" {
		errs = append(errs, errors.New("config: database.dsn is required"))
	}
	if c.Lifecycle.WaitTimeout <= 0 {
		errs = append(errs, errors.New("config: lifecycle.wait_timeout must be positive"))
	}
	if c.Lifecycle.MinViable < 1 {
		errs = append(errs, errors.New("config: lifecycle.min_viable must be at least 1"))
	}
	if c.Lifecycle.MemberTTL < 0 {
		errs = append(errs, errors.New("config: lifecycle.member_ttl must not be negative"))
	}
	if c.Admission.MaxAttempts < 1 {
		errs = append(errs, errors.New("config: admission.max_attempts must be at least 1"))
	}
	if c.Admission.MaxCapacity < 1 {
		errs = append(errs, errors.New("config: admission.max_capacity must be at least 1"))
	}
	if c.Signal.ReadLimit <= 0 || c.Signal.Buffer <= 0 || c.Signal.RateLimit <= 0 {
		errs = append(errs, errors.New("config: signal limits must be positive"))
	}
	if c.Signal.PingPeriod <= 0 || c.Signal.RateInterval <= 0 {
		errs = append(errs, errors.New("config: signal periods must be positive"))
	}
	if !knownBackpressure[c.Signal.Backpressure] {
		errs = append(errs, fmt.Errorf("config: unknown signal.backpressure %q", c.Signal.Backpressure))
	}
	return errors.Join(errs...)
}

// Addr is the HTTP listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}
