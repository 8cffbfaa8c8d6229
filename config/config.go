package config

import (
	"fmt"
	"os"
	"time"

	"github.com/CheherK/COD-CRM-sub001/internal/models"
	"go.yaml.in/yaml/v4"
)

type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Redis    RedisConfig    `yaml:"redis"`
	Delivery DeliveryConfig `yaml:"delivery"`
	Agencies []AgencySeed   `yaml:"agencies"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DBName   string `yaml:"name"`
	SSLMode  string `yaml:"ssl_mode"`
}

type KafkaConfig struct {
	Host                    string `yaml:"host"`
	Port                    int    `yaml:"port"`
	ShipmentEventsTopicName string `yaml:"shipment_events_topic_name"`
	CarrierUpdatesTopicName string `yaml:"carrier_updates_topic_name"`
}

type RedisConfig struct {
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	KeyPrefix string `yaml:"key_prefix"`
}

type DeliveryConfig struct {
	// Storage is "postgres" or "memory".
	Storage            string `yaml:"storage"`
	GRPCAddr           string `yaml:"grpc_addr"`
	HTTPAddr           string `yaml:"http_addr"`
	KafkaConsumerGroup string `yaml:"kafka_consumer_group"`

	RemoteTimeoutSeconds int `yaml:"remote_timeout_seconds"`
	OrderLockTTLSeconds  int `yaml:"order_lock_ttl_seconds"`
	MaxBulkItems         int `yaml:"max_bulk_items"`

	SyncSchedule           string `yaml:"sync_schedule"`
	SyncConcurrency        int    `yaml:"sync_concurrency"`
	SyncRateLimitPerMinute int    `yaml:"sync_rate_limit_per_minute"`
	SyncErrorCap           int    `yaml:"sync_error_cap"`
	SyncLockTTLSeconds     int    `yaml:"sync_lock_ttl_seconds"`
	SyncPassTimeoutSeconds int    `yaml:"sync_pass_timeout_seconds"`

	WorkerHTTPAddr string `yaml:"worker_http_addr"`
}

// AgencySeed is the initial configuration of an agency. It is written only
// when nothing is stored for the agency yet; later edits go through the API.
type AgencySeed struct {
	ID                     string            `yaml:"id"`
	Enabled                bool              `yaml:"enabled"`
	Username               string            `yaml:"username"`
	Email                  string            `yaml:"email"`
	Password               string            `yaml:"password"`
	APIKey                 string            `yaml:"api_key"`
	Settings               map[string]string `yaml:"settings"`
	PollingIntervalSeconds int               `yaml:"polling_interval_seconds"`
	SupportedRegions       []string          `yaml:"supported_regions"`
}

func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	err = yaml.Unmarshal(data, &config)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal YAML: %w", err)
	}
	config.applyDefaults()

	if err := config.validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *Config) applyDefaults() {
	d := &c.Delivery
	if d.Storage == "" {
		d.Storage = "postgres"
	}
	if d.GRPCAddr == "" {
		d.GRPCAddr = ":50051"
	}
	if d.HTTPAddr == "" {
		d.HTTPAddr = ":8080"
	}
	if d.WorkerHTTPAddr == "" {
		d.WorkerHTTPAddr = ":8082"
	}
	if d.KafkaConsumerGroup == "" {
		d.KafkaConsumerGroup = "delivery-api"
	}
	if d.SyncSchedule == "" {
		d.SyncSchedule = "@every 5m"
	}
	if c.Kafka.ShipmentEventsTopicName == "" {
		c.Kafka.ShipmentEventsTopicName = "delivery.shipment-status"
	}
	if c.Kafka.CarrierUpdatesTopicName == "" {
		c.Kafka.CarrierUpdatesTopicName = "delivery.carrier-updates"
	}
	if c.Redis.KeyPrefix == "" {
		c.Redis.KeyPrefix = "delivery:"
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = "disable"
	}
}

func (c *Config) validate() error {
	switch c.Delivery.Storage {
	case "postgres", "memory":
	default:
		return fmt.Errorf("delivery.storage must be postgres or memory, got %q", c.Delivery.Storage)
	}
	seen := make(map[string]bool, len(c.Agencies))
	for _, a := range c.Agencies {
		if a.ID == "" {
			return fmt.Errorf("agency seed without id")
		}
		if seen[a.ID] {
			return fmt.Errorf("agency %q seeded twice", a.ID)
		}
		seen[a.ID] = true
	}
	return nil
}

func (c *Config) PostgresDSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.Database.Username, c.Database.Password, c.Database.Host, c.Database.Port, c.Database.DBName, c.Database.SSLMode)
}

func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

// RedisEnabled is false when no redis host is configured; locks, rate limits
// and the shared sync result are then process-local.
func (c *Config) RedisEnabled() bool {
	return c.Redis.Host != ""
}

func (c *Config) KafkaBrokers() []string {
	if c.Kafka.Host == "" {
		return nil
	}
	return []string{fmt.Sprintf("%s:%d", c.Kafka.Host, c.Kafka.Port)}
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

func (d DeliveryConfig) RemoteTimeout() time.Duration   { return seconds(d.RemoteTimeoutSeconds) }
func (d DeliveryConfig) OrderLockTTL() time.Duration    { return seconds(d.OrderLockTTLSeconds) }
func (d DeliveryConfig) SyncLockTTL() time.Duration     { return seconds(d.SyncLockTTLSeconds) }
func (d DeliveryConfig) SyncPassTimeout() time.Duration { return seconds(d.SyncPassTimeoutSeconds) }

// Agency converts a seed into a stored configuration. CredentialsType is
// left for the registry to fill from the adapter.
func (a AgencySeed) Agency() models.DeliveryAgency {
	return models.DeliveryAgency{
		ID:      a.ID,
		Enabled: a.Enabled,
		Credentials: models.Credentials{
			Username: a.Username,
			Email:    a.Email,
			Password: a.Password,
			APIKey:   a.APIKey,
		},
		Settings:         a.Settings,
		PollingInterval:  seconds(a.PollingIntervalSeconds),
		SupportedRegions: a.SupportedRegions,
	}
}
