package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nerrad567/mqttsession/internal/payload"
)

// Config is the root configuration structure for mqttsession.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Sessions  []SessionConfig `yaml:"sessions"`
	Database  DatabaseConfig  `yaml:"database"`
	Journal   JournalConfig   `yaml:"journal"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Logging   LoggingConfig   `yaml:"logging"`
	Security  SecurityConfig  `yaml:"security"`
}

// SessionConfig describes one named MQTT session.
type SessionConfig struct {
	// Name is the stable handle used by the API and CLI.
	Name string `yaml:"name"`

	// Broker is the broker URL, e.g. "tcp://localhost:1883" or "ssl://host:8883".
	Broker string `yaml:"broker"`

	// ClientID defaults to the generated session identity when empty.
	ClientID string `yaml:"client_id"`

	Auth MQTTAuthConfig `yaml:"auth"`

	// KeepAlive and ConnectTimeout are in seconds.
	KeepAlive      int  `yaml:"keep_alive"`
	ConnectTimeout int  `yaml:"connect_timeout"`
	CleanSession   bool `yaml:"clean_session"`

	Reconnect ReconnectConfig  `yaml:"reconnect"`
	TLS       SessionTLSConfig `yaml:"tls"`

	// Will is an explicit last-will message. When Status is true and Will
	// is nil, an offline status will is used instead.
	Will *WillConfig `yaml:"will,omitempty"`

	// Status publishes retained online/offline messages on
	// mqttsession/status/{client_id}.
	Status bool `yaml:"status"`

	Subscriptions []SubscriptionConfig `yaml:"subscriptions"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// ReconnectConfig controls paho's automatic reconnect.
type ReconnectConfig struct {
	Enabled  bool `yaml:"enabled"`
	MaxDelay int  `yaml:"max_delay"` // seconds
}

// SessionTLSConfig points at PEM files for a session.
type SessionTLSConfig struct {
	// CertFile is a PEM bundle holding the client certificate and key.
	CertFile           string `yaml:"cert_file"`
	CAFile             string `yaml:"ca_file"`
	ServerName         string `yaml:"server_name"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
}

// Enabled reports whether any TLS setting is present.
func (t SessionTLSConfig) Enabled() bool {
	return t.CertFile != "" || t.CAFile != "" || t.ServerName != "" || t.InsecureSkipVerify
}

// WillConfig is a last-will message.
type WillConfig struct {
	Topic    string `yaml:"topic"`
	Payload  string `yaml:"payload"`
	Encoding string `yaml:"encoding"` // text, hex, auto or base64
	QoS      int    `yaml:"qos"`
	Retained bool   `yaml:"retained"`
}

// SubscriptionConfig is a topic filter subscribed after connect.
type SubscriptionConfig struct {
	Topic string `yaml:"topic"`
	QoS   int    `yaml:"qos"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// JournalConfig controls the persisted session event journal.
type JournalConfig struct {
	Enabled bool `yaml:"enabled"`

	// Retention is how long events are kept, in hours. 0 keeps everything.
	Retention int `yaml:"retention"`

	// PruneInterval is how often expired events are removed, in minutes.
	PruneInterval int `yaml:"prune_interval"`

	// MaxPayload caps the stored message payload in bytes; larger payloads
	// are truncated.
	MaxPayload int `yaml:"max_payload"`

	Archive ArchiveConfig `yaml:"archive"`
}

// ArchiveConfig uploads expired journal events to S3-compatible storage
// before they are pruned.
type ArchiveConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"` // optional, for MinIO and friends
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	UsePathStyle    bool   `yaml:"use_path_style"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	TLS      TLSConfig        `yaml:"tls"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// TLSConfig contains TLS certificate settings.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// APITimeoutConfig contains HTTP timeout settings.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// WebSocketConfig contains WebSocket server settings.
type WebSocketConfig struct {
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// SecurityConfig contains security settings.
type SecurityConfig struct {
	JWT JWTConfig `yaml:"jwt"`
}

// JWTConfig contains JWT token settings. An empty secret disables API
// authentication.
type JWTConfig struct {
	Secret         string `yaml:"secret"`
	AccessTokenTTL int    `yaml:"access_token_ttl"` // minutes
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Per-session defaults for fields left empty
//  4. Environment variables (override file values)
//
// Environment variables follow the pattern: MQTTSESSION_SECTION_KEY
// For example: MQTTSESSION_DATABASE_PATH, MQTTSESSION_API_HOST
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applySessionDefaults()
	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Session defaults.
const (
	defaultKeepAlive      = 60
	defaultConnectTimeout = 10
	defaultReconnectDelay = 60
)

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Path:        "./data/mqttsession.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		Journal: JournalConfig{
			Enabled:       true,
			Retention:     168,
			PruneInterval: 60,
			MaxPayload:    4096,
			Archive: ArchiveConfig{
				Prefix: "journal/",
				Region: "us-east-1",
			},
		},
		API: APIConfig{
			Host: "127.0.0.1",
			Port: 8080,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			Path:           "/ws",
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		InfluxDB: InfluxDBConfig{
			BatchSize:     100,
			FlushInterval: 10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Security: SecurityConfig{
			JWT: JWTConfig{
				AccessTokenTTL: 60,
			},
		},
	}
}

// applySessionDefaults fills zero-valued session fields. YAML list entries
// start from zero values, so defaults cannot come from defaultConfig.
func (c *Config) applySessionDefaults() {
	for i := range c.Sessions {
		s := &c.Sessions[i]
		if s.KeepAlive == 0 {
			s.KeepAlive = defaultKeepAlive
		}
		if s.ConnectTimeout == 0 {
			s.ConnectTimeout = defaultConnectTimeout
		}
		if s.Reconnect.Enabled && s.Reconnect.MaxDelay == 0 {
			s.Reconnect.MaxDelay = defaultReconnectDelay
		}
		if s.Will != nil && s.Will.Encoding == "" {
			s.Will.Encoding = "text"
		}
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: MQTTSESSION_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Database
	if v := os.Getenv("MQTTSESSION_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// MQTT credentials apply to sessions without their own.
	username := os.Getenv("MQTTSESSION_MQTT_USERNAME")
	password := os.Getenv("MQTTSESSION_MQTT_PASSWORD")
	if username != "" {
		for i := range cfg.Sessions {
			if cfg.Sessions[i].Auth.Username == "" {
				cfg.Sessions[i].Auth.Username = username
				cfg.Sessions[i].Auth.Password = password
			}
		}
	}

	// API
	if v := os.Getenv("MQTTSESSION_API_HOST"); v != "" {
		cfg.API.Host = v
	}

	// InfluxDB
	if v := os.Getenv("MQTTSESSION_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// Security
	if v := os.Getenv("MQTTSESSION_JWT_SECRET"); v != "" {
		cfg.Security.JWT.Secret = v
	}

	// Journal archive credentials
	if v := os.Getenv("MQTTSESSION_S3_ACCESS_KEY_ID"); v != "" {
		cfg.Journal.Archive.AccessKeyID = v
	}
	if v := os.Getenv("MQTTSESSION_S3_SECRET_ACCESS_KEY"); v != "" {
		cfg.Journal.Archive.SecretAccessKey = v
	}
}

// brokerSchemes are the URL schemes paho accepts.
var brokerSchemes = map[string]bool{
	"tcp": true, "mqtt": true, "ssl": true, "tls": true, "mqtts": true, "ws": true, "wss": true,
}

// minJWTSecretLength is the shortest accepted API signing secret.
const minJWTSecretLength = 32

// Validate checks the configuration for errors and security issues.
//
// Returns:
//   - error: Description of every validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	if len(c.Sessions) == 0 {
		errs = append(errs, "at least one session is required")
	}
	seen := make(map[string]bool, len(c.Sessions))
	for i, s := range c.Sessions {
		errs = append(errs, s.validate(i, seen)...)
	}

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if c.Journal.Retention < 0 {
		errs = append(errs, "journal.retention cannot be negative")
	}
	if c.Journal.Retention > 0 && c.Journal.PruneInterval < 1 {
		errs = append(errs, "journal.prune_interval must be at least 1 minute")
	}
	if c.Journal.Archive.Enabled {
		if c.Journal.Archive.Bucket == "" {
			errs = append(errs, "journal.archive.bucket is required when archiving")
		}
		if c.Journal.Retention == 0 {
			errs = append(errs, "journal.archive requires journal.retention")
		}
	}

	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}
	if c.API.TLS.Enabled && (c.API.TLS.CertFile == "" || c.API.TLS.KeyFile == "") {
		errs = append(errs, "api.tls requires cert_file and key_file")
	}

	if c.InfluxDB.Enabled {
		if c.InfluxDB.URL == "" || c.InfluxDB.Org == "" || c.InfluxDB.Bucket == "" {
			errs = append(errs, "influxdb requires url, org and bucket when enabled")
		}
	}

	if s := c.Security.JWT.Secret; s != "" && len(s) < minJWTSecretLength {
		errs = append(errs, "security.jwt.secret must be at least 32 characters for adequate security")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

func (s SessionConfig) validate(i int, seen map[string]bool) []string {
	var errs []string
	prefix := fmt.Sprintf("sessions[%d]", i)

	if s.Name == "" {
		errs = append(errs, prefix+".name is required")
	} else {
		if seen[s.Name] {
			errs = append(errs, fmt.Sprintf("%s.name %q is duplicated", prefix, s.Name))
		}
		seen[s.Name] = true
		prefix = fmt.Sprintf("sessions[%s]", s.Name)
	}

	u, err := url.Parse(s.Broker)
	if err != nil || u.Host == "" || !brokerSchemes[u.Scheme] {
		errs = append(errs, prefix+".broker must be a URL like tcp://host:1883")
	}

	if s.KeepAlive < 0 || s.ConnectTimeout < 0 {
		errs = append(errs, prefix+" timeouts cannot be negative")
	}

	for j, sub := range s.Subscriptions {
		if sub.Topic == "" {
			errs = append(errs, fmt.Sprintf("%s.subscriptions[%d].topic is required", prefix, j))
		}
		if sub.QoS < 0 || sub.QoS > 2 {
			errs = append(errs, fmt.Sprintf("%s.subscriptions[%d].qos must be 0, 1, or 2", prefix, j))
		}
	}

	if w := s.Will; w != nil {
		if w.Topic == "" {
			errs = append(errs, prefix+".will.topic is required")
		}
		if w.QoS < 0 || w.QoS > 2 {
			errs = append(errs, prefix+".will.qos must be 0, 1, or 2")
		}
		if _, err := payload.Parse(w.Payload, w.Encoding); err != nil {
			errs = append(errs, fmt.Sprintf("%s.will.payload: %v", prefix, err))
		}
	}

	return errs
}

// Session returns the session called name.
func (c *Config) Session(name string) (SessionConfig, bool) {
	for _, s := range c.Sessions {
		if s.Name == name {
			return s, true
		}
	}
	return SessionConfig{}, false
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}

// RetentionDuration returns the journal retention as a Duration. Zero means
// events are kept forever.
func (j JournalConfig) RetentionDuration() time.Duration {
	return time.Duration(j.Retention) * time.Hour
}

// PruneEvery returns the journal prune interval as a Duration.
func (j JournalConfig) PruneEvery() time.Duration {
	return time.Duration(j.PruneInterval) * time.Minute
}
