package config

import "time"

// Config is the root configuration for Beacon.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Auth      AuthConfig      `yaml:"auth"`
	Database  DatabaseConfig  `yaml:"database"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Intake    IntakeConfig    `yaml:"intake"`
	CORS      CORSConfig      `yaml:"cors"`
}

type ServerConfig struct {
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"` // "json" or "text"
	LogFile   string `yaml:"log_file"`
}

type AuthConfig struct {
	// Secret signs and verifies HS256 tokens. When empty, a persistent
	// secret is generated under config_dir.
	Secret    string        `yaml:"secret"`
	ConfigDir string        `yaml:"config_dir"`
	TokenTTL  time.Duration `yaml:"token_ttl"`
}

type DatabaseConfig struct {
	Path          string `yaml:"path"`
	RetentionDays int    `yaml:"retention_days"`
}

type WebSocketConfig struct {
	// PingInterval is how often the server sends application-level pings.
	PingInterval time.Duration `yaml:"ping_interval"`
	// MissedPings is how many unanswered pings disconnect a client.
	MissedPings int `yaml:"missed_pings"`
	// SendQueueSize bounds each connection's outbound queue.
	SendQueueSize int `yaml:"send_queue_size"`
	// MaxMessageSize bounds inbound client messages in bytes.
	MaxMessageSize int64 `yaml:"max_message_size"`
	// WriteTimeout bounds each socket write.
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

type DispatchConfig struct {
	MaxRetries int           `yaml:"max_retries"`
	BackoffMin time.Duration `yaml:"backoff_min"`
	BackoffMax time.Duration `yaml:"backoff_max"`
	// Webhooks maps external delivery methods (email, push, sms) to the
	// provider gateway endpoint handling them. Methods without an entry
	// fail immediately.
	Webhooks map[string]string `yaml:"webhooks"`
	// WebhookSecret is sent to provider gateways as a bearer token.
	WebhookSecret string `yaml:"webhook_secret"`
}

type IntakeConfig struct {
	// Secret authenticates internal producers on the HTTP intake endpoint.
	Secret string     `yaml:"secret"`
	AMQP   AMQPConfig `yaml:"amqp"`
}

type AMQPConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Queue   string `yaml:"queue"`
}

type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host:      "127.0.0.1",
			Port:      8480,
			LogLevel:  "info",
			LogFormat: "json",
		},
		Auth: AuthConfig{
			ConfigDir: "~/.config/beacon",
			TokenTTL:  24 * time.Hour,
		},
		Database: DatabaseConfig{
			Path:          "~/.config/beacon/beacon.db",
			RetentionDays: 90,
		},
		WebSocket: WebSocketConfig{
			PingInterval:   25 * time.Second,
			MissedPings:    3,
			SendQueueSize:  64,
			MaxMessageSize: 4096,
			WriteTimeout:   10 * time.Second,
		},
		Dispatch: DispatchConfig{
			MaxRetries: 3,
			BackoffMin: 500 * time.Millisecond,
			BackoffMax: 30 * time.Second,
		},
		Intake: IntakeConfig{
			AMQP: AMQPConfig{
				Queue: "beacon.events",
			},
		},
		CORS: CORSConfig{
			AllowedOrigins: []string{"*"},
		},
	}
}
