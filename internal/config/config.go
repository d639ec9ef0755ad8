// Package config provides environment-driven configuration for the
// shellfleet hub and node binaries.
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Hub holds configuration for the control hub daemon.
type Hub struct {
	ListenAddr string `envconfig:"LISTEN_ADDR" default:"0.0.0.0:7700"`

	// HistoryDBPath is the SQLite file that persists block command history.
	HistoryDBPath string `envconfig:"HISTORY_DB_PATH" default:"/var/lib/shellfleet/hub.db"`

	// Heartbeat liveness: a node that misses MissedHeartbeats consecutive
	// intervals is evicted and its mirrored sessions dropped.
	HeartbeatInterval time.Duration `envconfig:"HEARTBEAT_INTERVAL" default:"10s"`
	MissedHeartbeats  int           `envconfig:"MISSED_HEARTBEATS" default:"3"`

	// Admin authentication. When JWKSEndpoint is empty, admin connections
	// are accepted without a token (development mode).
	JWKSEndpoint string `envconfig:"JWKS_ENDPOINT" default:""`
	JWTIssuer    string `envconfig:"JWT_ISSUER" default:""`
	JWTAudience  string `envconfig:"JWT_AUDIENCE" default:"shellfleet-hub"`

	PeerSendQueue    int           `envconfig:"PEER_SEND_QUEUE" default:"64"`
	HTTPReadTimeout  time.Duration `envconfig:"HTTP_READ_TIMEOUT" default:"15s"`
	HTTPIdleTimeout  time.Duration `envconfig:"HTTP_IDLE_TIMEOUT" default:"60s"`
	WSReadBufferSize int           `envconfig:"WS_READ_BUFFER_SIZE" default:"1024"`
	WSWriteBuffer    int           `envconfig:"WS_WRITE_BUFFER_SIZE" default:"1024"`
}

// Node holds configuration for a shell-hosting node.
type Node struct {
	NodeID     string `envconfig:"NODE_ID" required:"true"`
	ListenAddr string `envconfig:"LISTEN_ADDR" default:"0.0.0.0:7800"`

	// HubURL is the WebSocket URL of the control hub, e.g.
	// ws://hub.internal:7700/control/ws. Empty disables the node link
	// (sessions still work, emergency control does not reach this node).
	HubURL string `envconfig:"HUB_URL" default:""`

	// Identity resolution. When JWKSEndpoint is empty, terminal clients are
	// identified by network address only.
	JWKSEndpoint string `envconfig:"JWKS_ENDPOINT" default:""`
	JWTIssuer    string `envconfig:"JWT_ISSUER" default:""`
	JWTAudience  string `envconfig:"JWT_AUDIENCE" default:"shellfleet-node"`

	DefaultShell string `envconfig:"DEFAULT_SHELL" default:"/bin/bash"`
	WorkDir      string `envconfig:"WORK_DIR" default:""`
	DefaultRows  int    `envconfig:"DEFAULT_ROWS" default:"24"`
	DefaultCols  int    `envconfig:"DEFAULT_COLS" default:"80"`

	// ReplayBufferSize caps the per-session output replay buffer in bytes.
	ReplayBufferSize int `envconfig:"REPLAY_BUFFER_SIZE" default:"262144"`

	// CloseGracePeriod is how long a closing session waits between SIGTERM
	// and SIGKILL.
	CloseGracePeriod time.Duration `envconfig:"CLOSE_GRACE_PERIOD" default:"3s"`

	// AutoCloseOnDetach closes a session when its last subscriber detaches.
	AutoCloseOnDetach bool `envconfig:"AUTO_CLOSE_ON_DETACH" default:"false"`

	HeartbeatInterval     time.Duration `envconfig:"HEARTBEAT_INTERVAL" default:"10s"`
	SessionUpdateInterval time.Duration `envconfig:"SESSION_UPDATE_INTERVAL" default:"15s"`

	ClientSendQueue  int           `envconfig:"CLIENT_SEND_QUEUE" default:"256"`
	AllowedOrigins   []string      `envconfig:"ALLOWED_ORIGINS" default:""`
	HTTPReadTimeout  time.Duration `envconfig:"HTTP_READ_TIMEOUT" default:"15s"`
	HTTPIdleTimeout  time.Duration `envconfig:"HTTP_IDLE_TIMEOUT" default:"60s"`
	WSReadBufferSize int           `envconfig:"WS_READ_BUFFER_SIZE" default:"1024"`
	WSWriteBuffer    int           `envconfig:"WS_WRITE_BUFFER_SIZE" default:"1024"`
}

// LoadHub reads hub configuration from SHELLFLEET_-prefixed environment
// variables.
func LoadHub() (*Hub, error) {
	var cfg Hub
	if err := envconfig.Process("SHELLFLEET", &cfg); err != nil {
		return nil, fmt.Errorf("load hub config: %w", err)
	}
	if cfg.MissedHeartbeats < 1 {
		return nil, fmt.Errorf("MISSED_HEARTBEATS must be at least 1, got %d", cfg.MissedHeartbeats)
	}
	if cfg.HeartbeatInterval <= 0 {
		return nil, fmt.Errorf("HEARTBEAT_INTERVAL must be positive")
	}
	return &cfg, nil
}

// LoadNode reads node configuration from SHELLFLEET_-prefixed environment
// variables.
func LoadNode() (*Node, error) {
	var cfg Node
	if err := envconfig.Process("SHELLFLEET", &cfg); err != nil {
		return nil, fmt.Errorf("load node config: %w", err)
	}
	if cfg.ReplayBufferSize <= 0 {
		return nil, fmt.Errorf("REPLAY_BUFFER_SIZE must be positive, got %d", cfg.ReplayBufferSize)
	}
	if cfg.CloseGracePeriod <= 0 {
		return nil, fmt.Errorf("CLOSE_GRACE_PERIOD must be positive")
	}
	// PTY window dimensions are 16-bit on the wire; reject values the
	// conversion would silently truncate.
	if cfg.DefaultRows < 1 || cfg.DefaultRows > 65535 {
		return nil, fmt.Errorf("DEFAULT_ROWS must be in 1..65535, got %d", cfg.DefaultRows)
	}
	if cfg.DefaultCols < 1 || cfg.DefaultCols > 65535 {
		return nil, fmt.Errorf("DEFAULT_COLS must be in 1..65535, got %d", cfg.DefaultCols)
	}
	return &cfg, nil
}
