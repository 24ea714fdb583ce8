package config

import (
	"bytes"
	_ "embed"
	"time"

	"github.com/spf13/viper"
)

//go:embed defaults.yaml
var defaults []byte

// ---- Root ----

type Config struct {
	Log        LogConfig       `mapstructure:"log"`
	HTTP       HTTPConfig      `mapstructure:"http"`
	MySQL      DatabaseConfig  `mapstructure:"mysql"`
	ClickHouse DatabaseConfig  `mapstructure:"clickhouse"`
	Redis      RedisConfig     `mapstructure:"redis"`
	Kafka      KafkaConfig     `mapstructure:"kafka"`
	Mailgun    MailgunConfig   `mapstructure:"mailgun"`
	Network    NetworkConfig   `mapstructure:"network"`
	Relay      RelayConfig     `mapstructure:"relay"`
	RateLimit  RateLimitConfig `mapstructure:"rate_limit"`
}

// ---- Leaf structs ----

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type HTTPConfig struct {
	Addr          string `mapstructure:"addr"`
	OperatorToken string `mapstructure:"operator_token"`
}

type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idletime"`
	PingTimeout     time.Duration `mapstructure:"ping_timeout"`
}

type RedisConfig struct {
	Addr        string        `mapstructure:"addr"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

type KafkaConfig struct {
	Brokers      []string      `mapstructure:"brokers"`
	Topic        string        `mapstructure:"topic"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type BreakerConfig struct {
	FailThreshold int `mapstructure:"fail_threshold" yaml:"fail_threshold"`
	OpenForMs     int `mapstructure:"open_for_ms"    yaml:"open_for_ms"`
}

type MailgunConfig struct {
	BaseURL    string        `mapstructure:"base_url"`
	Domain     string        `mapstructure:"domain"`
	APIKey     string        `mapstructure:"api_key"`
	From       string        `mapstructure:"from"`
	SigningKey string        `mapstructure:"signing_key"`
	Timeout    time.Duration `mapstructure:"timeout"`
	Breaker    BreakerConfig `mapstructure:"breaker"`
}

type NetworkConfig struct {
	BaseURL            string        `mapstructure:"base_url"`
	AuthToken          string        `mapstructure:"auth_token"`
	ConversationHandle string        `mapstructure:"conversation_handle"`
	Timeout            time.Duration `mapstructure:"timeout"`
	PollWait           time.Duration `mapstructure:"poll_wait"`
}

type RelayConfig struct {
	InboundAddress    string        `mapstructure:"inbound_address"`
	Allowlist         []string      `mapstructure:"allowlist"`
	RehydrateInterval time.Duration `mapstructure:"rehydrate_interval"`
	RehydrateLimit    int           `mapstructure:"rehydrate_limit"`
	IdleSleep         time.Duration `mapstructure:"idle_sleep"`
	RetryBackoff      time.Duration `mapstructure:"retry_backoff"`
	MaxRetryBackoff   time.Duration `mapstructure:"max_retry_backoff"`
}

type RateLimitConfig struct {
	RPS int `mapstructure:"rps"`
}

// Load reads embedded defaults, merges user YAML (if provided), and applies env overrides (MBRIDGE_*).
func Load(path string) (Config, error) {
	v := viper.New()

	// embedded defaults
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return Config{}, err
	}

	if path != "" {
		v.SetConfigFile(path)
		_ = v.MergeInConfig()
	}

	// env override (MBRIDGE_*)
	v.SetEnvPrefix("MBRIDGE")
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
