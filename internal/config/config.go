package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type AppConfig struct {
	Env                 string `mapstructure:"env"`
	Port                int    `mapstructure:"port"`
	ShutdownTimeoutSecs int    `mapstructure:"shutdown_timeout_seconds"`
	LogLevel            string `mapstructure:"log_level"`
	CORSOrigins         string `mapstructure:"cors_origins"`
}

func (a AppConfig) PortString() string { return fmt.Sprintf("%d", a.Port) }

func (a AppConfig) IsDev() bool { return a.Env == "" || a.Env == "development" || a.Env == "dev" }

type StorageConfig struct {
	Driver string `mapstructure:"driver"` // mongo | memory
}

type MongoConfig struct {
	URI        string `mapstructure:"uri"`
	DB         string `mapstructure:"db"`
	Collection string `mapstructure:"collection"`
}

type RedisConfig struct {
	Addr            string `mapstructure:"addr"`
	Password        string `mapstructure:"password"`
	DB              int    `mapstructure:"db"`
	Prefix          string `mapstructure:"prefix"`
	PresenceTTLSecs int    `mapstructure:"presence_ttl_seconds"`
	RateLimit       int    `mapstructure:"rate_limit"`
	RateWindowSecs  int    `mapstructure:"rate_window_seconds"`
}

type KafkaConfig struct {
	Brokers        []string `mapstructure:"brokers"`
	TopicEvents    string   `mapstructure:"topic_events"`
	GroupID        string   `mapstructure:"group_id"`
	DLQTopic       string   `mapstructure:"dlq_topic"`
	MaxRetries     int      `mapstructure:"max_retries"`
	RetryBackoffMs int      `mapstructure:"retry_backoff_ms"`
}

type JWTConfig struct {
	Alg           string `mapstructure:"alg"`
	HSSecret      string `mapstructure:"hs_secret"`
	PublicKeyPath string `mapstructure:"public_key_path"`
}

type WSConfig struct {
	PingIntervalSecs int   `mapstructure:"ping_interval_seconds"`
	PongWaitSecs     int   `mapstructure:"pong_wait_seconds"`
	WriteTimeoutSecs int   `mapstructure:"write_timeout_seconds"`
	MaxMessageBytes  int64 `mapstructure:"max_message_bytes"`
	InboundRPS       int   `mapstructure:"inbound_rps"`
}

type HubConfig struct {
	SweepIntervalSecs int `mapstructure:"sweep_interval_seconds"`
	SendTimeoutSecs   int `mapstructure:"send_timeout_seconds"`
	PageSize          int `mapstructure:"page_size"`
}

type Config struct {
	App     AppConfig     `mapstructure:"app"`
	Storage StorageConfig `mapstructure:"storage"`
	Mongo   MongoConfig   `mapstructure:"mongo"`
	Redis   RedisConfig   `mapstructure:"redis"`
	Kafka   KafkaConfig   `mapstructure:"kafka"`
	JWT     JWTConfig     `mapstructure:"jwt"`
	WS      WSConfig      `mapstructure:"ws"`
	Hub     HubConfig     `mapstructure:"hub"`

	// derived
	ShutdownTimeout time.Duration
	PresenceTTL     time.Duration
	RateWindow      time.Duration
	RetryBackoff    time.Duration
	PingInterval    time.Duration
	PongWait        time.Duration
	WriteTimeout    time.Duration
	SweepInterval   time.Duration
	SendTimeout     time.Duration
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.env", "development")
	v.SetDefault("app.port", 8090)
	v.SetDefault("app.shutdown_timeout_seconds", 10)
	v.SetDefault("app.log_level", "")
	v.SetDefault("app.cors_origins", "")

	v.SetDefault("storage.driver", "mongo")

	v.SetDefault("mongo.uri", "mongodb://localhost:27017")
	v.SetDefault("mongo.db", "twigane_db")
	v.SetDefault("mongo.collection", "notifications")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "twigane")
	v.SetDefault("redis.presence_ttl_seconds", 86400)
	v.SetDefault("redis.rate_limit", 60)
	v.SetDefault("redis.rate_window_seconds", 60)

	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic_events", "notification.events")
	v.SetDefault("kafka.group_id", "notification-service")
	v.SetDefault("kafka.dlq_topic", "")
	v.SetDefault("kafka.max_retries", 5)
	v.SetDefault("kafka.retry_backoff_ms", 500)

	v.SetDefault("jwt.alg", "HS256")
	v.SetDefault("jwt.hs_secret", "")
	v.SetDefault("jwt.public_key_path", "")

	v.SetDefault("ws.ping_interval_seconds", 25)
	v.SetDefault("ws.pong_wait_seconds", 60)
	v.SetDefault("ws.write_timeout_seconds", 10)
	v.SetDefault("ws.max_message_bytes", 65536)
	v.SetDefault("ws.inbound_rps", 20)

	v.SetDefault("hub.sweep_interval_seconds", 3600)
	v.SetDefault("hub.send_timeout_seconds", 10)
	v.SetDefault("hub.page_size", 50)
}

// Load reads an optional YAML file at path, then applies APP_* environment
// overrides (APP_MONGO_URI overrides mongo.uri). A .env file in the working
// directory is loaded into the environment first when present.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("APP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	c.derive()
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) derive() {
	sec := func(n int) time.Duration { return time.Duration(n) * time.Second }
	c.ShutdownTimeout = sec(c.App.ShutdownTimeoutSecs)
	c.PresenceTTL = sec(c.Redis.PresenceTTLSecs)
	c.RateWindow = sec(c.Redis.RateWindowSecs)
	c.RetryBackoff = time.Duration(c.Kafka.RetryBackoffMs) * time.Millisecond
	c.PingInterval = sec(c.WS.PingIntervalSecs)
	c.PongWait = sec(c.WS.PongWaitSecs)
	c.WriteTimeout = sec(c.WS.WriteTimeoutSecs)
	c.SweepInterval = sec(c.Hub.SweepIntervalSecs)
	c.SendTimeout = sec(c.Hub.SendTimeoutSecs)
}

func (c *Config) validate() error {
	if c.App.Port <= 0 || c.App.Port > 65535 {
		return fmt.Errorf("invalid app.port: %d", c.App.Port)
	}
	switch c.Storage.Driver {
	case "memory":
	case "mongo":
		if c.Mongo.URI == "" || c.Mongo.DB == "" {
			return errors.New("mongo.uri and mongo.db required for mongo storage")
		}
	default:
		return fmt.Errorf("invalid storage.driver %q (use mongo or memory)", c.Storage.Driver)
	}
	switch strings.ToUpper(c.JWT.Alg) {
	case "HS256":
		if c.JWT.HSSecret == "" {
			return errors.New("jwt.hs_secret required for HS256")
		}
	case "RS256":
		if c.JWT.PublicKeyPath == "" {
			return errors.New("jwt.public_key_path required for RS256")
		}
	default:
		return errors.New("invalid jwt.alg (use RS256 or HS256)")
	}
	if c.PingInterval <= 0 || c.PongWait <= c.PingInterval {
		return errors.New("ws.pong_wait_seconds must exceed ws.ping_interval_seconds")
	}
	if c.SweepInterval <= 0 {
		return errors.New("hub.sweep_interval_seconds must be positive")
	}
	if c.Hub.PageSize <= 0 {
		return errors.New("hub.page_size must be positive")
	}
	return nil
}
