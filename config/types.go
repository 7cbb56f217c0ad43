// Package config provides configuration loading, validation, and hot-reload
// watching for the runtime.
package config

import (
	"strings"
	"time"
)

// Config is the complete runtime configuration.
type Config struct {
	System    SystemConfig    `yaml:"system" json:"system"`
	Transport TransportConfig `yaml:"transport" json:"transport"`
	Cluster   ClusterConfig   `yaml:"cluster" json:"cluster"`
	Registry  RegistryConfig  `yaml:"registry" json:"registry"`
	Gateway   GatewayConfig   `yaml:"gateway" json:"gateway"`
}

// SystemConfig configures the actor system.
type SystemConfig struct {
	// NodeID identifies this process in the cluster.
	NodeID string `yaml:"node_id" json:"node_id"`

	// HandleOffset is where handle auto-allocation starts; per-node
	// offsets keep handles cluster-unique.
	HandleOffset uint64 `yaml:"handle_offset" json:"handle_offset"`

	// MailboxCapacity bounds every mailbox; zero keeps mailboxes
	// unbounded.
	MailboxCapacity int `yaml:"mailbox_capacity" json:"mailbox_capacity"`
}

// TransportConfig configures the in-process transport.
type TransportConfig struct {
	// ShortCircuit delivers local mail on the caller's goroutine instead
	// of hopping through the dispatch queue.
	ShortCircuit bool `yaml:"short_circuit" json:"short_circuit"`

	// QueueDepth sizes the dispatch queue in queued mode.
	QueueDepth int `yaml:"queue_depth" json:"queue_depth"`
}

// ClusterConfig configures the TCP cluster transport.
type ClusterConfig struct {
	// ListenAddress is where the transport accepts peer nodes.
	ListenAddress string `yaml:"listen_address" json:"listen_address"`

	// ConnectTimeout bounds outbound dials.
	ConnectTimeout time.Duration `yaml:"connect_timeout" json:"connect_timeout"`

	// HeartbeatInterval is the cadence of heartbeat frames; zero disables
	// them.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" json:"heartbeat_interval"`

	// MaxFrameBytes bounds one frame's payload.
	MaxFrameBytes int `yaml:"max_frame_bytes" json:"max_frame_bytes"`

	// Codec selects the payload codec: "json" or "gob".
	Codec string `yaml:"codec" json:"codec"`
}

// RegistryConfig configures the dynamic (KV-backed) registry.
type RegistryConfig struct {
	// ConnectionString is the backend address, e.g. "localhost:6379".
	ConnectionString string `yaml:"connection_string" json:"connection_string"`

	// DatabaseIndex selects the backend database.
	DatabaseIndex int `yaml:"database_index" json:"database_index"`

	// KeyPrefix namespaces every key this node writes.
	KeyPrefix string `yaml:"key_prefix" json:"key_prefix"`

	// LocalEndpoint is the cluster-transport address peers dial to reach
	// this node.
	LocalEndpoint string `yaml:"local_endpoint" json:"local_endpoint"`

	// RegistrationTTL is the lifetime of this node's registrations.
	RegistrationTTL time.Duration `yaml:"registration_ttl" json:"registration_ttl"`

	// HeartbeatInterval is the TTL refresh cadence; it must be positive
	// and strictly shorter than RegistrationTTL.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" json:"heartbeat_interval"`

	// CacheTTL bounds the staleness of cached remote lookups.
	CacheTTL time.Duration `yaml:"cache_ttl" json:"cache_ttl"`
}

// GatewayConfig configures the external-client gateway.
type GatewayConfig struct {
	TCPEnable  bool   `yaml:"tcp_enable" json:"tcp_enable"`
	TCPAddress string `yaml:"tcp_address" json:"tcp_address"`
	TCPPort    int    `yaml:"tcp_port" json:"tcp_port"`
	TCPBacklog int    `yaml:"tcp_backlog" json:"tcp_backlog"`

	WSEnable     bool   `yaml:"ws_enable" json:"ws_enable"`
	WSHost       string `yaml:"ws_host" json:"ws_host"`
	WSPublicHost string `yaml:"ws_public_host" json:"ws_public_host"`
	WSPort       int    `yaml:"ws_port" json:"ws_port"`
	WSPath       string `yaml:"ws_path" json:"ws_path"`

	MaxMessageBytes    int           `yaml:"max_message_bytes" json:"max_message_bytes"`
	ReceiveBufferBytes int           `yaml:"receive_buffer_bytes" json:"receive_buffer_bytes"`
	IdleTimeout        time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
}

// Default returns the baseline configuration.
func Default() *Config {
	return &Config{
		System: SystemConfig{
			NodeID:       "node-1",
			HandleOffset: 1,
		},
		Transport: TransportConfig{
			ShortCircuit: true,
			QueueDepth:   1024,
		},
		Cluster: ClusterConfig{
			ListenAddress:     ":7000",
			ConnectTimeout:    5 * time.Second,
			HeartbeatInterval: 30 * time.Second,
			MaxFrameBytes:     16 << 20,
			Codec:             "json",
		},
		Registry: RegistryConfig{
			ConnectionString:  "localhost:6379",
			KeyPrefix:         "mesh",
			RegistrationTTL:   30 * time.Second,
			HeartbeatInterval: 10 * time.Second,
			CacheTTL:          3 * time.Second,
		},
		Gateway: GatewayConfig{
			TCPEnable:          true,
			TCPAddress:         "0.0.0.0",
			TCPPort:            7100,
			TCPBacklog:         128,
			WSHost:             "0.0.0.0",
			WSPort:             7101,
			WSPath:             "/ws/",
			MaxMessageBytes:    1 << 20,
			ReceiveBufferBytes: 64 << 10,
			IdleTimeout:        60 * time.Second,
		},
	}
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.System.NodeID == "" {
		return &ValidationError{Field: "system.node_id", Message: "required"}
	}
	if c.Registry.HeartbeatInterval <= 0 {
		return &ValidationError{Field: "registry.heartbeat_interval", Message: "must be positive"}
	}
	if c.Registry.HeartbeatInterval >= c.Registry.RegistrationTTL {
		return &ValidationError{
			Field:   "registry.heartbeat_interval",
			Message: "must be shorter than registry.registration_ttl",
		}
	}
	if c.Gateway.ReceiveBufferBytes != 0 && c.Gateway.ReceiveBufferBytes < 1024 {
		return &ValidationError{Field: "gateway.receive_buffer_bytes", Message: "minimum is 1024"}
	}
	if c.Gateway.WSEnable && c.Gateway.WSPath != "" && !strings.HasSuffix(c.Gateway.WSPath, "/") {
		// Normalized rather than rejected.
		c.Gateway.WSPath += "/"
	}
	if c.Cluster.MaxFrameBytes < 0 {
		return &ValidationError{Field: "cluster.max_frame_bytes", Message: "must not be negative"}
	}
	return nil
}
