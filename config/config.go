// Package config loads service configuration from configs/config.yaml,
// LEARNERCREDIT_* environment variables and defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/warp/learner-credit/lock"
	"github.com/warp/learner-credit/policy"
	"github.com/warp/learner-credit/remote"
)

// EnvPrefix prefixes every environment override, e.g. LEARNERCREDIT_SERVER_PORT.
const EnvPrefix = "LEARNERCREDIT"

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Lock       LockConfig       `mapstructure:"lock"`
	Services   ServicesConfig   `mapstructure:"services"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Allocation AllocationConfig `mapstructure:"allocation"`
	Expiration ExpirationConfig `mapstructure:"expiration"`
	Logger     LoggerConfig     `mapstructure:"logger"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Mode            string        `mapstructure:"mode"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

func (s *ServerConfig) GetAddr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// RedisConfig selects the lock store. When disabled, an in-process locker is
// used, which only serializes redemptions within one replica.
type RedisConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Host      string `mapstructure:"host"`
	Port      int    `mapstructure:"port"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

func (r *RedisConfig) GetAddr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

type LockConfig struct {
	TTL          time.Duration `mapstructure:"ttl"`
	WaitTimeout  time.Duration `mapstructure:"wait_timeout"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	Scope        string        `mapstructure:"scope"`
}

func (l LockConfig) Options() lock.Options {
	return lock.Options{TTL: l.TTL, WaitTimeout: l.WaitTimeout, PollInterval: l.PollInterval}
}

func (l LockConfig) RedeemerConfig() policy.RedeemerConfig {
	return policy.RedeemerConfig{Lock: l.Options(), Scope: policy.LockScope(l.Scope)}
}

// ServicesConfig locates the remote collaborators. DevMode swaps them for
// seeded in-memory implementations.
type ServicesConfig struct {
	DevMode       bool          `mapstructure:"dev_mode"`
	MembershipURL string        `mapstructure:"membership_url"`
	CatalogURL    string        `mapstructure:"catalog_url"`
	LedgerURL     string        `mapstructure:"ledger_url"`
	TokenURL      string        `mapstructure:"token_url"`
	ClientID      string        `mapstructure:"client_id"`
	ClientSecret  string        `mapstructure:"client_secret"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

func (s ServicesConfig) Client(baseURL string) remote.ClientConfig {
	return remote.ClientConfig{
		BaseURL:      baseURL,
		TokenURL:     s.TokenURL,
		ClientID:     s.ClientID,
		ClientSecret: s.ClientSecret,
		Timeout:      s.Timeout,
	}
}

type CacheConfig struct {
	MaxSize     int           `mapstructure:"max_size"`
	TTL         time.Duration `mapstructure:"ttl"`
	MetadataTTL time.Duration `mapstructure:"metadata_ttl"`
}

func (c CacheConfig) Remote() remote.CacheConfig {
	return remote.CacheConfig{MaxSize: c.MaxSize, TTL: c.TTL, MetadataTTL: c.MetadataTTL}
}

// AllocationConfig keeps the tolerance ratios as strings so they are parsed
// exactly.
type AllocationConfig struct {
	PriceLowerRatio string `mapstructure:"price_lower_ratio"`
	PriceUpperRatio string `mapstructure:"price_upper_ratio"`
}

func (a AllocationConfig) Policy() (policy.AllocationConfig, error) {
	lower, err := decimal.NewFromString(a.PriceLowerRatio)
	if err != nil {
		return policy.AllocationConfig{}, fmt.Errorf("invalid allocation.price_lower_ratio: %w", err)
	}
	upper, err := decimal.NewFromString(a.PriceUpperRatio)
	if err != nil {
		return policy.AllocationConfig{}, fmt.Errorf("invalid allocation.price_upper_ratio: %w", err)
	}
	if lower.GreaterThan(upper) {
		return policy.AllocationConfig{}, errors.New("allocation.price_lower_ratio exceeds price_upper_ratio")
	}
	return policy.AllocationConfig{PriceLowerRatio: lower, PriceUpperRatio: upper}, nil
}

type ExpirationConfig struct {
	Enabled             bool          `mapstructure:"enabled"`
	Interval            time.Duration `mapstructure:"interval"`
	PageSize            int           `mapstructure:"page_size"`
	NotificationTimeout time.Duration `mapstructure:"notification_timeout"`
}

func (e ExpirationConfig) Sweep() policy.SweepConfig {
	return policy.SweepConfig{PageSize: e.PageSize, NotificationTimeout: e.NotificationTimeout}
}

type LoggerConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// Load reads configFile, or config.yaml from ./configs when configFile is
// empty. A missing default file is not an error; defaults and the environment
// still apply.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath("../configs")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("database.path", "./data/learner-credit.db")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "learner-credit:")

	def := lock.DefaultOptions()
	v.SetDefault("lock.ttl", def.TTL)
	v.SetDefault("lock.wait_timeout", def.WaitTimeout)
	v.SetDefault("lock.poll_interval", def.PollInterval)
	v.SetDefault("lock.scope", string(policy.LockScopePolicy))

	v.SetDefault("services.dev_mode", false)
	v.SetDefault("services.membership_url", "")
	v.SetDefault("services.catalog_url", "")
	v.SetDefault("services.ledger_url", "")
	v.SetDefault("services.token_url", "")
	v.SetDefault("services.client_id", "")
	v.SetDefault("services.client_secret", "")
	v.SetDefault("services.timeout", remote.DefaultTimeout)

	cache := remote.DefaultCacheConfig()
	v.SetDefault("cache.max_size", cache.MaxSize)
	v.SetDefault("cache.ttl", cache.TTL)
	v.SetDefault("cache.metadata_ttl", cache.MetadataTTL)

	v.SetDefault("allocation.price_lower_ratio", "0.95")
	v.SetDefault("allocation.price_upper_ratio", "1.05")

	sweep := policy.DefaultSweepConfig()
	v.SetDefault("expiration.enabled", true)
	v.SetDefault("expiration.interval", time.Hour)
	v.SetDefault("expiration.page_size", sweep.PageSize)
	v.SetDefault("expiration.notification_timeout", sweep.NotificationTimeout)

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.output_path", "stdout")
}
