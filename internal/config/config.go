// Package config holds the named options from spec.md §6: the signaling
// client config, and the sync/offline-sync room config. Defaults are applied
// the way the teacher's config loader does — load what's on disk, fill zero
// values with sane defaults, never error on a missing file.
package config

import (
	"errors"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ICEServer is a STUN/TURN server entry for WebRTC peer connections.
type ICEServer struct {
	URLs       []string `yaml:"urls" json:"urls"`
	Username   string   `yaml:"username,omitempty" json:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty" json:"credential,omitempty"`
}

// ClientConfig configures the signaling transport and coordinator
// (spec.md §6 "Configuration (named options)").
type ClientConfig struct {
	URL                  string         `yaml:"url" json:"url"`
	ICEServers           []ICEServer    `yaml:"ice_servers,omitempty" json:"ice_servers,omitempty"`
	Alias                string         `yaml:"alias,omitempty" json:"alias,omitempty"`
	Meta                 map[string]any `yaml:"meta,omitempty" json:"meta,omitempty"`
	AutoReconnect        bool           `yaml:"auto_reconnect" json:"auto_reconnect"`
	ReconnectDelay       time.Duration  `yaml:"reconnect_delay,omitempty" json:"reconnect_delay,omitempty"`
	ReconnectMaxDelay    time.Duration  `yaml:"reconnect_max_delay,omitempty" json:"reconnect_max_delay,omitempty"`
	MaxReconnectAttempts int            `yaml:"max_reconnect_attempts,omitempty" json:"max_reconnect_attempts,omitempty"`
	PingInterval         time.Duration  `yaml:"ping_interval,omitempty" json:"ping_interval,omitempty"`
	IdentityKeyFile      string         `yaml:"identity_key_file,omitempty" json:"identity_key_file,omitempty"`
}

// Defaults fills zero-valued fields with spec.md's documented defaults.
func (c *ClientConfig) Defaults() {
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.PingInterval == 0 {
		c.PingInterval = 25 * time.Second
	}
}

// SyncMode selects the conflict-resolution strategy for a sync room
// (spec.md §4.7).
type SyncMode string

const (
	SyncModeLWW         SyncMode = "lww"
	SyncModeOperational SyncMode = "operational"
	SyncModeCRDT        SyncMode = "crdt"
)

// MergeFunc resolves a conflicting write under operational-merge mode
// (spec.md §4.7 "Operational"). Not serializable; supplied programmatically.
type MergeFunc func(local, remote any) (any, error)

// SyncConfig configures a plain (non-durable) sync room (spec.md §6 "For the
// sync room").
type SyncConfig struct {
	Mode  SyncMode
	Merge MergeFunc
}

// ConflictResolution names the offline sync room's conflict policy
// (spec.md §4.8 "Conflict resolution is configurable"). Its only effect is in
// Defaults, where "merge" requires a Merge function; the room itself resolves
// every incoming entry last-writer-wins.
type ConflictResolution string

const (
	ConflictResolutionLWW   ConflictResolution = "lww"
	ConflictResolutionMerge ConflictResolution = "merge"
)

// ErrMergeFuncRequired is returned by OfflineSyncConfig.Defaults when
// ConflictResolution is "merge" but no Merge function was supplied
// (spec.md §4.8: "'merge' requires a merge function; absent it, construction
// fails").
var ErrMergeFuncRequired = errors.New("offline sync room: conflict_resolution=merge requires a Merge function")

// OfflineSyncConfig configures the durable offline sync room (spec.md §6
// "For the offline sync room").
type OfflineSyncConfig struct {
	EncryptionEnabled  bool               `yaml:"encryption_enabled" json:"encryption_enabled"`
	MaxPendingOps      int                `yaml:"max_pending_ops,omitempty" json:"max_pending_ops,omitempty"`
	SyncBatchSize      int                `yaml:"sync_batch_size,omitempty" json:"sync_batch_size,omitempty"`
	ConflictResolution ConflictResolution `yaml:"conflict_resolution,omitempty" json:"conflict_resolution,omitempty"`
	Merge              MergeFunc          `yaml:"-" json:"-"`
	DBName             string             `yaml:"db_name,omitempty" json:"db_name,omitempty"`
}

// Defaults fills zero-valued fields with spec.md's documented defaults.
func (c *OfflineSyncConfig) Defaults() error {
	if c.MaxPendingOps == 0 {
		c.MaxPendingOps = 1000
	}
	if c.SyncBatchSize == 0 {
		c.SyncBatchSize = 50
	}
	if c.ConflictResolution == "" {
		c.ConflictResolution = ConflictResolutionLWW
	}
	if c.ConflictResolution == ConflictResolutionMerge && c.Merge == nil {
		return ErrMergeFuncRequired
	}
	return nil
}

// LoadClientConfig reads a YAML client config from path. A missing file
// yields a zero-value (then-defaulted) config, not an error.
func LoadClientConfig(path string) (*ClientConfig, error) {
	cfg := &ClientConfig{}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.Defaults()
			return cfg, nil
		}
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	cfg.Defaults()
	return cfg, nil
}

// SaveClientConfig writes cfg as YAML to path.
func SaveClientConfig(path string, cfg *ClientConfig) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
