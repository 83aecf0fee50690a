package config

import (
	"time"

	"github.com/mgild/feedline/internal/pipeline"
)

// Transport kinds accepted by FeedConfig.Transport.
const (
	TransportWebSocket = "websocket"
	TransportSSE       = "sse"
)

// CaptureConfig is the root configuration for a capture instance.
type CaptureConfig struct {
	Instance InstanceConfig `yaml:"instance"`
	Feed     FeedConfig     `yaml:"feed"`
	Database DBConfig       `yaml:"database"`
	Recorder RecorderConfig `yaml:"recorder"`
	Health   HealthConfig   `yaml:"health"`
}

// InstanceConfig identifies this capture instance.
type InstanceConfig struct {
	ID string `yaml:"id"`
}

// FeedConfig holds the upstream endpoint and reconnect policy.
type FeedConfig struct {
	URL                  string        `yaml:"url"`
	Transport            string        `yaml:"transport"`        // "websocket" or "sse"
	EventTypes           []string      `yaml:"event_types"`      // sse only; empty means ["message"]
	AuthToken            string        `yaml:"auth_token"`       // optional bearer token
	WithCredentials      bool          `yaml:"with_credentials"` // retain cookies across reconnects
	ReconnectBaseDelay   time.Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay    time.Duration `yaml:"reconnect_max_delay"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"` // 0 = retry forever
	StaleThreshold       time.Duration `yaml:"stale_threshold"`
}

// PipelineConfig converts the feed section into a pipeline configuration.
func (f *FeedConfig) PipelineConfig() pipeline.Config {
	return pipeline.Config{
		URL:                  f.URL,
		EventTypes:           f.EventTypes,
		WithCredentials:      f.WithCredentials,
		AuthToken:            f.AuthToken,
		ReconnectBaseDelay:   f.ReconnectBaseDelay,
		ReconnectMaxDelay:    f.ReconnectMaxDelay,
		MaxReconnectAttempts: f.MaxReconnectAttempts,
		StaleThreshold:       f.StaleThreshold,
	}
}

// DBConfig holds a single database connection.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// RecorderConfig holds capture batch writer settings.
type RecorderConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	BufferSize    int           `yaml:"buffer_size"`
	LogPayloads   bool          `yaml:"log_payloads"` // debug-log every captured payload
}

// HealthConfig holds the health endpoint settings.
type HealthConfig struct {
	Port int `yaml:"port"`
}
