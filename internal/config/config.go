package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v9"

	"beacon/internal/models"
)

// Config holds runtime configuration for the service.
type Config struct {
	Log      LogConfig      `toml:"log"`
	HTTP     HTTPConfig     `toml:"http"`
	Storage  StorageConfig  `toml:"storage"`
	State    StateConfig    `toml:"state"`
	Kafka    KafkaConfig    `toml:"kafka"`
	MQTT     MQTTConfig     `toml:"mqtt"`
	Engine   EngineConfig   `toml:"engine"`
	Dispatch DispatchConfig `toml:"dispatch"`
	Worker   WorkerConfig   `toml:"worker"`
	Channels ChannelsConfig `toml:"channels"`

	// Conditions loaded into an empty trigger store at startup
	Triggers []TriggerSeed `toml:"triggers"`
}

// TriggerSeed is a condition definition from the config file
type TriggerSeed struct {
	ID            string  `toml:"id"`
	Name          string  `toml:"name"`
	Category      string  `toml:"category"`
	Parameter     string  `toml:"parameter"`
	Operator      string  `toml:"operator"`
	Threshold     float64 `toml:"threshold"`
	Unit          string  `toml:"unit"`
	Active        bool    `toml:"active"`
	AlertCategory string  `toml:"alert_category"`
	Severity      string  `toml:"severity"`
}

// Condition converts the seed into a condition ready for upsert
func (s TriggerSeed) Condition() *models.TriggerCondition {
	return &models.TriggerCondition{
		ID:            s.ID,
		Name:          s.Name,
		Category:      models.TriggerCategory(s.Category),
		Parameter:     s.Parameter,
		Comparator:    models.Comparator(s.Operator),
		Threshold:     s.Threshold,
		Unit:          s.Unit,
		Active:        s.Active,
		AlertCategory: models.AlertCategory(s.AlertCategory),
		Severity:      models.Severity(s.Severity),
	}
}

type LogConfig struct {
	Level string `toml:"level" env:"BEACON_LOG_LEVEL"`
}

type HTTPConfig struct {
	Addr         string   `toml:"addr" env:"BEACON_HTTP_ADDR"`
	ReadTimeout  Duration `toml:"read_timeout" env:"BEACON_HTTP_READ_TIMEOUT"`
	WriteTimeout Duration `toml:"write_timeout" env:"BEACON_HTTP_WRITE_TIMEOUT"`
	MaxBodySize  int64    `toml:"max_body_size" env:"BEACON_HTTP_MAX_BODY_SIZE"`
}

// StorageConfig selects the trigger and alert store backend
type StorageConfig struct {
	// memory or postgres
	Backend     string `toml:"backend" env:"BEACON_STORAGE_BACKEND"`
	PostgresDSN string `toml:"postgres_dsn" env:"BEACON_POSTGRES_DSN"`
	MaxConns    int    `toml:"max_conns" env:"BEACON_POSTGRES_MAX_CONNS"`
	MaxIdle     int    `toml:"max_idle" env:"BEACON_POSTGRES_MAX_IDLE"`
}

// StateConfig selects where cool-down leases live
type StateConfig struct {
	// memory or redis
	Backend       string `toml:"backend" env:"BEACON_STATE_BACKEND"`
	RedisAddr     string `toml:"redis_addr" env:"BEACON_REDIS_ADDR"`
	RedisPassword string `toml:"redis_password" env:"BEACON_REDIS_PASSWORD"`
	RedisDB       int    `toml:"redis_db" env:"BEACON_REDIS_DB"`
	KeyPrefix     string `toml:"key_prefix" env:"BEACON_REDIS_KEY_PREFIX"`
}

type KafkaConfig struct {
	Enabled bool     `toml:"enabled" env:"BEACON_KAFKA_ENABLED"`
	Brokers []string `toml:"brokers" env:"BEACON_KAFKA_BROKERS" envSeparator:","`

	// Sensor readings consumed by the reading pipeline
	ReadingTopic string `toml:"reading_topic" env:"BEACON_KAFKA_READING_TOPIC"`
	GroupID      string `toml:"group_id" env:"BEACON_KAFKA_GROUP_ID"`

	// Fire events and dispatch results
	AuditTopic string         `toml:"audit_topic" env:"BEACON_KAFKA_AUDIT_TOPIC"`
	Producer   ProducerConfig `toml:"producer"`
}

// ProducerConfig tunes the audit producer
type ProducerConfig struct {
	PoolSize     int      `toml:"pool_size"`
	BatchSize    int      `toml:"batch_size"`
	BatchTimeout Duration `toml:"batch_timeout"`
	WriteTimeout Duration `toml:"write_timeout"`
	RequiredAcks int      `toml:"required_acks"`
	Compression  string   `toml:"compression"`
	MaxRetries   int      `toml:"max_retries"`
	RetryBackoff Duration `toml:"retry_backoff"`

	// Audit records buffered ahead of the producer, and the bound on one publish
	QueueSize      int      `toml:"queue_size"`
	PublishTimeout Duration `toml:"publish_timeout"`
}

type MQTTConfig struct {
	Enabled  bool   `toml:"enabled" env:"BEACON_MQTT_ENABLED"`
	Broker   string `toml:"broker" env:"BEACON_MQTT_BROKER"`
	ClientID string `toml:"client_id" env:"BEACON_MQTT_CLIENT_ID"`
	Username string `toml:"username" env:"BEACON_MQTT_USERNAME"`
	Password string `toml:"password" env:"BEACON_MQTT_PASSWORD"`

	// Topic filter carrying JSON sensor readings, empty disables the feed
	SensorTopic string `toml:"sensor_topic" env:"BEACON_MQTT_SENSOR_TOPIC"`
}

// EngineConfig holds re-fire suppression settings
type EngineConfig struct {
	Cooldown Duration `toml:"cooldown" env:"BEACON_ENGINE_COOLDOWN"`
}

type DispatchConfig struct {
	// Per-channel send timeout when a channel sets none
	DefaultTimeout Duration `toml:"default_timeout" env:"BEACON_DISPATCH_TIMEOUT"`

	// Expiry given to alerts raised by a fired condition
	AutoAlertTTL Duration `toml:"auto_alert_ttl" env:"BEACON_AUTO_ALERT_TTL"`

	// How often active alerts are checked for expiry
	SweepInterval Duration `toml:"sweep_interval" env:"BEACON_SWEEP_INTERVAL"`
}

// WorkerConfig sizes the reading pipeline
type WorkerConfig struct {
	Workers   int `toml:"workers" env:"BEACON_WORKERS"`
	QueueSize int `toml:"queue_size" env:"BEACON_QUEUE_SIZE"`

	// Upper bound for evaluating one reading and dispatching its fires
	ProcessTimeout Duration `toml:"process_timeout" env:"BEACON_PROCESS_TIMEOUT"`
}

// ChannelsConfig configures channel adapters and the per-category routing table
type ChannelsConfig struct {
	SMS    GatewayConfig `toml:"sms"`
	Social GatewayConfig `toml:"social"`
	Radio  GatewayConfig `toml:"radio"`
	Email  EmailConfig   `toml:"email"`
	Sirens SirenConfig   `toml:"sirens"`

	// Alert category -> ordered channel ids, used for auto-dispatch only
	Defaults map[string][]string `toml:"defaults"`
}

// GatewayConfig is an HTTP gateway channel (sms, social media, radio relay)
type GatewayConfig struct {
	Enabled bool     `toml:"enabled"`
	URL     string   `toml:"url"`
	Token   string   `toml:"token"`
	Timeout Duration `toml:"timeout"`
}

type EmailConfig struct {
	Enabled    bool     `toml:"enabled"`
	Host       string   `toml:"host"`
	Port       int      `toml:"port"`
	Username   string   `toml:"username"`
	Password   string   `toml:"password"`
	From       string   `toml:"from"`
	Recipients []string `toml:"recipients"`
	Timeout    Duration `toml:"timeout"`
}

// SirenConfig publishes activation commands over MQTT
type SirenConfig struct {
	Enabled     bool     `toml:"enabled"`
	TopicPrefix string   `toml:"topic_prefix"`
	Zones       []string `toml:"zones"`

	// Population covered by all configured zones
	Coverage int      `toml:"coverage"`
	Timeout  Duration `toml:"timeout"`
}

// Default returns a sensible default config for local dev.
func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info"},
		HTTP: HTTPConfig{
			Addr:         ":8080",
			ReadTimeout:  Duration(10 * time.Second),
			WriteTimeout: Duration(30 * time.Second),
			MaxBodySize:  10 * 1024 * 1024,
		},
		Storage: StorageConfig{Backend: "memory", MaxConns: 10, MaxIdle: 5},
		State:   StateConfig{Backend: "memory", RedisAddr: "localhost:6379", KeyPrefix: "beacon:cooldown:"},
		Kafka: KafkaConfig{
			Brokers:      []string{"localhost:9092"},
			ReadingTopic: "sensor-readings",
			GroupID:      "beacon",
			AuditTopic:   "beacon-audit",
			Producer: ProducerConfig{
				PoolSize:     2,
				BatchSize:    100,
				BatchTimeout: Duration(100 * time.Millisecond),
				WriteTimeout: Duration(10 * time.Second),
				RequiredAcks: 1,
				Compression:  "snappy",
				MaxRetries:   3,
				RetryBackoff: Duration(100 * time.Millisecond),

				QueueSize:      1024,
				PublishTimeout: Duration(5 * time.Second),
			},
		},
		MQTT: MQTTConfig{
			Broker:      "tcp://localhost:1883",
			ClientID:    "beacon",
			SensorTopic: "sensors/+/readings",
		},
		Engine: EngineConfig{Cooldown: Duration(5 * time.Minute)},
		Dispatch: DispatchConfig{
			DefaultTimeout: Duration(10 * time.Second),
			AutoAlertTTL:   Duration(6 * time.Hour),
			SweepInterval:  Duration(30 * time.Second),
		},
		Worker: WorkerConfig{Workers: 4, QueueSize: 1000, ProcessTimeout: Duration(30 * time.Second)},
		Channels: ChannelsConfig{
			Sirens: SirenConfig{TopicPrefix: "sirens"},
			Defaults: map[string][]string{
				string(models.AlertFlood):      {"sms", "sirens", "radio", "social"},
				string(models.AlertEarthquake): {"sirens", "sms", "radio", "social", "email"},
				string(models.AlertStorm):      {"sms", "radio", "social"},
				string(models.AlertHeat):       {"sms", "social", "email"},
				string(models.AlertAirQuality): {"sms", "social", "email"},
				string(models.AlertFire):       {"sirens", "sms", "radio"},
				string(models.AlertEvacuation): {"sirens", "sms", "radio", "social", "email"},
				string(models.AlertGeneral):    {"sms", "email"},
			},
		},
	}
}

// Load returns the defaults overlaid with the TOML file at path (optional)
// and then with BEACON_* environment variables.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("decode config %s: %w", path, err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the service cannot start with
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case "memory":
	case "postgres":
		if c.Storage.PostgresDSN == "" {
			return fmt.Errorf("storage: postgres backend requires postgres_dsn")
		}
	default:
		return fmt.Errorf("storage: unknown backend %q", c.Storage.Backend)
	}

	switch c.State.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("state: unknown backend %q", c.State.Backend)
	}

	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka: at least one broker is required")
	}

	if c.Channels.Sirens.Enabled && !c.MQTT.Enabled {
		return fmt.Errorf("channels.sirens: requires mqtt to be enabled")
	}

	for category, channels := range c.Channels.Defaults {
		if !models.AlertCategory(category).IsValid() {
			return fmt.Errorf("channels.defaults: unknown alert category %q", category)
		}
		if len(channels) == 0 {
			return fmt.Errorf("channels.defaults: category %q has no channels", category)
		}
	}

	if c.Engine.Cooldown < 0 {
		return fmt.Errorf("engine: cooldown cannot be negative")
	}
	return nil
}

// DefaultChannels returns the routing table keyed by alert category
func (c *Config) DefaultChannels() map[models.AlertCategory][]string {
	out := make(map[models.AlertCategory][]string, len(c.Channels.Defaults))
	for category, channels := range c.Channels.Defaults {
		ids := make([]string, 0, len(channels))
		for _, ch := range channels {
			ids = append(ids, strings.ToLower(strings.TrimSpace(ch)))
		}
		out[models.AlertCategory(strings.ToLower(category))] = ids
	}
	return out
}

// NodeID identifies this instance in envelopes and audit records
func NodeID() string {
	host, _ := os.Hostname()
	if host == "" {
		return "unknown"
	}
	return host
}
