package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type AuthConfig struct {
	Secret           string        `mapstructure:"secret"`
	Issuer           string        `mapstructure:"issuer"`
	TokenTTL         time.Duration `mapstructure:"token_ttl"`
	RedisAddr        string        `mapstructure:"redis_addr"`
	RevocationPrefix string        `mapstructure:"revocation_prefix"`
}

type StoreConfig struct {
	Driver        string `mapstructure:"driver"`
	BadgerPath    string `mapstructure:"badger_path"`
	MongoURI      string `mapstructure:"mongo_uri"`
	MongoDatabase string `mapstructure:"mongo_database"`
}

type AuditConfig struct {
	Buffer         int           `mapstructure:"buffer"`
	MaxRetries     uint64        `mapstructure:"max_retries"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
}

type DetectConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
	GroupID string   `mapstructure:"group_id"`
}

type ICEServer struct {
	URLs       []string `mapstructure:"urls"`
	Username   string   `mapstructure:"username"`
	Credential string   `mapstructure:"credential"`
}

type RTCConfig struct {
	ICEServers []ICEServer `mapstructure:"ice_servers"`
}

type Config struct {
	Mode     string `mapstructure:"mode"`
	Port     int    `mapstructure:"port"`
	LogLevel string `mapstructure:"log_level"`

	ReadLimit    int64         `mapstructure:"read_limit"`
	PingPeriod   time.Duration `mapstructure:"ping_period"`
	PongWait     time.Duration `mapstructure:"pong_wait"`
	WriteWait    time.Duration `mapstructure:"write_wait"`
	SendBuffer   int           `mapstructure:"send_buffer"`
	RateLimit    int           `mapstructure:"rate_limit"`
	RateInterval time.Duration `mapstructure:"rate_interval"`

	ReconcileInterval time.Duration `mapstructure:"reconcile_interval"`
	ReconcileGrace    time.Duration `mapstructure:"reconcile_grace"`

	Auth   AuthConfig   `mapstructure:"auth"`
	Store  StoreConfig  `mapstructure:"store"`
	Audit  AuditConfig  `mapstructure:"audit"`
	Detect DetectConfig `mapstructure:"detect"`
	RTC    RTCConfig    `mapstructure:"rtc"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("log_level", "info")
	v.SetDefault("read_limit", 65536)
	v.SetDefault("ping_period", "25s")
	v.SetDefault("pong_wait", "60s")
	v.SetDefault("write_wait", "10s")
	v.SetDefault("send_buffer", 64)
	v.SetDefault("rate_limit", 50)
	v.SetDefault("rate_interval", "1s")
	v.SetDefault("reconcile_interval", "1m")
	v.SetDefault("reconcile_grace", "2m")

	// every key needs a default so AutomaticEnv can override it
	v.SetDefault("auth.secret", "")
	v.SetDefault("auth.redis_addr", "")
	v.SetDefault("auth.issuer", "proctor")
	v.SetDefault("auth.token_ttl", "12h")
	v.SetDefault("auth.revocation_prefix", "proctor:revoked")

	v.SetDefault("store.driver", "badger")
	v.SetDefault("store.badger_path", "./data/badger")
	v.SetDefault("store.mongo_uri", "")
	v.SetDefault("store.mongo_database", "proctor")

	v.SetDefault("audit.buffer", 1024)
	v.SetDefault("audit.max_retries", 5)
	v.SetDefault("audit.initial_backoff", "50ms")
	v.SetDefault("audit.max_backoff", "2s")

	v.SetDefault("detect.enabled", false)
	v.SetDefault("detect.brokers", []string{})
	v.SetDefault("detect.topic", "proctor.detections")
	v.SetDefault("detect.group_id", "proctor-core")
	v.SetDefault("rtc.ice_servers", []map[string]any{
		{"urls": []string{"stun:stun.l.google.com:19302"}},
	})
}

// Load reads config/config.<CONFIG_ENV>.yaml, then PROCTOR_* environment
// overrides, e.g. PROCTOR_AUTH_SECRET for auth.secret.
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
	v.SetEnvPrefix("PROCTOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("⚠️ Config file not found (%s), using defaults\n", fileName)
	} else {
		fmt.Printf("✅ Loaded config: %s\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	fmt.Printf("🧩 Mode: %s | Port: %d | Store: %s\n", cfg.Mode, cfg.Port, cfg.Store.Driver)
	return &cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if len(c.Auth.Secret) < 16 {
		errs = append(errs, errors.New("auth.secret must be at least 16 bytes"))
	}
	if c.Auth.TokenTTL <= 0 {
		errs = append(errs, errors.New("auth.token_ttl must be positive"))
	}
	if c.PongWait <= 0 || c.PingPeriod <= 0 || c.PingPeriod >= c.PongWait {
		errs = append(errs, errors.New("ping_period must be positive and shorter than pong_wait"))
	}
	if c.WriteWait <= 0 {
		errs = append(errs, errors.New("write_wait must be positive"))
	}
	if c.ReadLimit <= 0 || c.SendBuffer <= 0 {
		errs = append(errs, errors.New("read_limit and send_buffer must be positive"))
	}
	if c.ReconcileInterval <= 0 || c.ReconcileGrace < 0 {
		errs = append(errs, errors.New("reconcile_interval must be positive and reconcile_grace not negative"))
	}
	switch c.Store.Driver {
	case "badger":
	case "mongo":
		if c.Store.MongoURI == "" {
			errs = append(errs, errors.New("store.mongo_uri is required for the mongo driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store.driver %q", c.Store.Driver))
	}
	if c.Audit.Buffer <= 0 {
		errs = append(errs, errors.New("audit.buffer must be positive"))
	}
	if c.Detect.Enabled && (len(c.Detect.Brokers) == 0 || c.Detect.Topic == "" || c.Detect.GroupID == "") {
		errs = append(errs, errors.New("detect needs brokers, topic and group_id when enabled"))
	}
	return errors.Join(errs...)
}
