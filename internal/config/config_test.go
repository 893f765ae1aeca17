package config

import (
	"path/filepath"
	"testing"
	"time"
)

func TestLoadClientConfigMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := LoadClientConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.ReconnectDelay != time.Second {
		t.Errorf("ReconnectDelay = %v, want 1s", cfg.ReconnectDelay)
	}
	if cfg.ReconnectMaxDelay != 30*time.Second {
		t.Errorf("ReconnectMaxDelay = %v, want 30s", cfg.ReconnectMaxDelay)
	}
	if cfg.MaxReconnectAttempts != 10 {
		t.Errorf("MaxReconnectAttempts = %d, want 10", cfg.MaxReconnectAttempts)
	}
	if cfg.PingInterval != 25*time.Second {
		t.Errorf("PingInterval = %v, want 25s", cfg.PingInterval)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "client.yaml")

	cfg := &ClientConfig{
		URL:   "wss://example.test/ws",
		Alias: "alice",
		ICEServers: []ICEServer{
			{URLs: []string{"stun:stun.example.test:3478"}},
		},
	}
	if err := SaveClientConfig(path, cfg); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := LoadClientConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.URL != cfg.URL || loaded.Alias != cfg.Alias {
		t.Fatalf("round trip mismatch: %+v", loaded)
	}
	if len(loaded.ICEServers) != 1 || loaded.ICEServers[0].URLs[0] != "stun:stun.example.test:3478" {
		t.Fatalf("ice servers not preserved: %+v", loaded.ICEServers)
	}
	// Defaults should have been applied on load too.
	if loaded.MaxReconnectAttempts != 10 {
		t.Errorf("MaxReconnectAttempts = %d, want 10", loaded.MaxReconnectAttempts)
	}
}

func TestOfflineSyncConfigMergeRequiredWhenConflictResolutionIsMerge(t *testing.T) {
	cfg := &OfflineSyncConfig{ConflictResolution: ConflictResolutionMerge}
	if err := cfg.Defaults(); err != ErrMergeFuncRequired {
		t.Fatalf("expected ErrMergeFuncRequired, got %v", err)
	}

	cfg = &OfflineSyncConfig{
		ConflictResolution: ConflictResolutionMerge,
		Merge:              func(local, remote any) (any, error) { return remote, nil },
	}
	if err := cfg.Defaults(); err != nil {
		t.Fatalf("unexpected error with merge func supplied: %v", err)
	}
}

func TestOfflineSyncConfigDefaults(t *testing.T) {
	cfg := &OfflineSyncConfig{}
	if err := cfg.Defaults(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.MaxPendingOps != 1000 {
		t.Errorf("MaxPendingOps = %d, want 1000", cfg.MaxPendingOps)
	}
	if cfg.SyncBatchSize != 50 {
		t.Errorf("SyncBatchSize = %d, want 50", cfg.SyncBatchSize)
	}
	if cfg.ConflictResolution != ConflictResolutionLWW {
		t.Errorf("ConflictResolution = %q, want lww", cfg.ConflictResolution)
	}
}
