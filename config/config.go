package config

import (
	"fmt"
	"os"

	"go.yaml.in/yaml/v4"
)

type Config struct {
	Database   DatabaseConfig   `yaml:"database"`
	Kafka      KafkaConfig      `yaml:"kafka"`
	Redis      RedisConfig      `yaml:"redis"`
	MailBeacon MailBeaconConfig `yaml:"mailbeacon"`
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
	Host                        string `yaml:"host"`
	Port                        int    `yaml:"port"`
	EngagementRecordedTopicName string `yaml:"engagement_recorded_topic_name"`
}

type RedisConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type MailBeaconConfig struct {
	HTTPAddr           string `yaml:"http_addr"`
	PublicBaseURL      string `yaml:"public_base_url"`
	TrackingDomain     string `yaml:"tracking_domain"`
	KafkaConsumerGroup string `yaml:"kafka_consumer_group"`

	// Приём маяков.
	IngestTimeoutMs          int  `yaml:"ingest_timeout_ms"`
	IngestRequireKnownFlow   bool `yaml:"ingest_require_known_flow"`
	IngestRateLimitPerMinute int  `yaml:"ingest_rate_limit_per_minute"`

	// Дедупликация. 0 в override отключает дедуп для потока.
	DedupWindowSeconds        int            `yaml:"dedup_window_seconds"`
	DedupPerFlowWindowSeconds map[string]int `yaml:"dedup_per_flow_window_seconds"`
	// "redis" (по умолчанию) либо "memory" для single-replica.
	DedupStore string `yaml:"dedup_store"`

	// Аналитика: "scan" либо "incremental".
	AggregationStrategy string `yaml:"aggregation_strategy"`
	SnapshotTTLSeconds  int    `yaml:"snapshot_ttl_seconds"`
	QueryTimeoutSeconds int    `yaml:"query_timeout_seconds"`

	WorkerHTTPAddr string `yaml:"worker_http_addr"`

	// Гео-обогащение в воркере: "ipapi" | "fake" | "" (выключено).
	GeoMode    string `yaml:"geo_mode"`
	GeoBaseURL string `yaml:"geo_base_url"`
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

	return &config, nil
}
