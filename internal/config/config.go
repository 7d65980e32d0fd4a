package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all LiveRelay configuration from environment variables.
// All four services load the same struct; each reads only the fields it needs.
type Config struct {
	// Broker
	RedisURL     string
	StreamMaxLen int64 // approximate cap per tenant stream

	// HTTP listeners
	IngestorPort   string
	RuleEnginePort string
	DevicePort     string

	// Livestream connector bridge (ingestor dials it per session)
	ConnectorURL string

	// Storage (one bbolt file per service)
	IngestDBPath string
	RulesDBPath  string
	DeviceDBPath string

	// Consumer loop
	ConsumerBlock time.Duration // XREAD block timeout
	ConsumerCount int64         // entries per read
	TenantRefresh time.Duration // how often the tenant set is re-listed

	// Action executor
	DevicedURL           string // base URL of the device service
	WebhookTimeout       time.Duration
	DeviceControlTimeout time.Duration

	// Notifications (optional providers for the notification action)
	NotifyWebhookURL     string
	NotifyWebhookHeaders string // comma-separated "Key:Value" pairs
	NotifyMQTTBroker     string
	NotifyMQTTTopic      string

	// Device channels
	HeartbeatInterval time.Duration // ping/heartbeat cadence; reaper uses 3x as the stale cutoff
	ClientTokenTTL    time.Duration // host-client JWT lifetime

	// Auth
	JWTSecret     string // HS256 key for API and host-client tokens
	InternalToken string // shared secret for the internal device-control webhook

	// Gift forwarding worker
	GiftPort       string        // metrics and health listener
	GiftGroup      string        // consumer group name
	GiftMapPath    string        // YAML gift mapping file ("" = built-in defaults)
	GiftClaimIdle  time.Duration // min idle before claiming another consumer's entry
	MQTTBroker     string
	MQTTTopicBase  string
	StreamScanWait time.Duration // how often the worker re-scans for tenant streams

	// Logging
	LogJSON bool
}

// Load reads all configuration from environment variables with defaults.
func Load() *Config {
	return &Config{
		RedisURL:     envStr("LIVERELAY_REDIS_URL", "redis://localhost:6379/0"),
		StreamMaxLen: int64(envInt("LIVERELAY_STREAM_MAXLEN", 10000)),

		IngestorPort:   envStr("LIVERELAY_INGESTOR_PORT", "8002"),
		RuleEnginePort: envStr("LIVERELAY_RULEENGINE_PORT", "8003"),
		DevicePort:     envStr("LIVERELAY_DEVICE_PORT", "8004"),

		ConnectorURL: envStr("LIVERELAY_CONNECTOR_URL", "ws://localhost:8090"),

		IngestDBPath: envStr("LIVERELAY_INGEST_DB_PATH", "/data/ingest.db"),
		RulesDBPath:  envStr("LIVERELAY_RULES_DB_PATH", "/data/rules.db"),
		DeviceDBPath: envStr("LIVERELAY_DEVICE_DB_PATH", "/data/device.db"),

		ConsumerBlock: envDuration("LIVERELAY_CONSUMER_BLOCK", 2*time.Second),
		ConsumerCount: int64(envInt("LIVERELAY_CONSUMER_COUNT", 10)),
		TenantRefresh: envDuration("LIVERELAY_TENANT_REFRESH", 10*time.Second),

		DevicedURL:           envStr("LIVERELAY_DEVICED_URL", "http://localhost:8004"),
		WebhookTimeout:       envDuration("LIVERELAY_WEBHOOK_TIMEOUT", 30*time.Second),
		DeviceControlTimeout: envDuration("LIVERELAY_DEVICE_CONTROL_TIMEOUT", 10*time.Second),

		NotifyWebhookURL:     envStr("LIVERELAY_NOTIFY_WEBHOOK_URL", ""),
		NotifyWebhookHeaders: envStr("LIVERELAY_NOTIFY_WEBHOOK_HEADERS", ""),
		NotifyMQTTBroker:     envStr("LIVERELAY_NOTIFY_MQTT_BROKER", ""),
		NotifyMQTTTopic:      envStr("LIVERELAY_NOTIFY_MQTT_TOPIC", "liverelay/notifications"),

		HeartbeatInterval: envDuration("LIVERELAY_HEARTBEAT_INTERVAL", 30*time.Second),
		ClientTokenTTL:    envDuration("LIVERELAY_CLIENT_TOKEN_TTL", 365*24*time.Hour),

		JWTSecret:     envStr("LIVERELAY_JWT_SECRET", ""),
		InternalToken: envStr("LIVERELAY_INTERNAL_TOKEN", ""),

		GiftPort:       envStr("LIVERELAY_GIFT_PORT", "8005"),
		GiftGroup:      envStr("LIVERELAY_GIFT_GROUP", "giftworker"),
		GiftMapPath:    envStr("LIVERELAY_GIFT_MAP_PATH", ""),
		GiftClaimIdle:  envDuration("LIVERELAY_GIFT_CLAIM_IDLE", time.Minute),
		MQTTBroker:     envStr("LIVERELAY_MQTT_BROKER", "tcp://localhost:1883"),
		MQTTTopicBase:  envStr("LIVERELAY_MQTT_TOPIC_BASE", "liverelay"),
		StreamScanWait: envDuration("LIVERELAY_STREAM_SCAN_WAIT", 10*time.Second),

		LogJSON: envBool("LIVERELAY_LOG_JSON", true),
	}
}

// Validate checks configuration for invalid values.
func (c *Config) Validate() error {
	var errs []error
	if c.JWTSecret == "" {
		errs = append(errs, fmt.Errorf("LIVERELAY_JWT_SECRET must be set"))
	}
	if c.StreamMaxLen <= 0 {
		errs = append(errs, fmt.Errorf("LIVERELAY_STREAM_MAXLEN must be > 0, got %d", c.StreamMaxLen))
	}
	if c.ConsumerBlock <= 0 {
		errs = append(errs, fmt.Errorf("LIVERELAY_CONSUMER_BLOCK must be > 0, got %s", c.ConsumerBlock))
	}
	if c.ConsumerCount <= 0 {
		errs = append(errs, fmt.Errorf("LIVERELAY_CONSUMER_COUNT must be > 0, got %d", c.ConsumerCount))
	}
	if c.HeartbeatInterval <= 0 {
		errs = append(errs, fmt.Errorf("LIVERELAY_HEARTBEAT_INTERVAL must be > 0, got %s", c.HeartbeatInterval))
	}
	if c.ClientTokenTTL <= 0 {
		errs = append(errs, fmt.Errorf("LIVERELAY_CLIENT_TOKEN_TTL must be > 0, got %s", c.ClientTokenTTL))
	}
	if !strings.HasPrefix(c.RedisURL, "redis://") && !strings.HasPrefix(c.RedisURL, "rediss://") {
		errs = append(errs, fmt.Errorf("LIVERELAY_REDIS_URL must be a redis:// or rediss:// URL, got %q", c.RedisURL))
	}
	return errors.Join(errs...)
}

// ParseHeaders parses comma-separated "Key:Value" pairs into a map.
func ParseHeaders(s string) map[string]string {
	if s == "" {
		return nil
	}
	headers := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		kv := strings.SplitN(strings.TrimSpace(pair), ":", 2)
		if len(kv) == 2 {
			headers[strings.TrimSpace(kv[0])] = strings.TrimSpace(kv[1])
		}
	}
	return headers
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
