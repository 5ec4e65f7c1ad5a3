package config

import (
	"path/filepath"
	"testing"
)

func TestLoadOrCreateCreatesAndReloadsConfig(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv("NODEMESH_DATA_DIR", tempDir)

	firstCfg, firstPath, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("first LoadOrCreate failed: %v", err)
	}
	if firstCfg.NodeID == "" {
		t.Fatalf("expected non-empty node ID")
	}
	if firstCfg.DiscoveryPort != DefaultDiscoveryPort {
		t.Fatalf("expected default discovery port %d, got %d", DefaultDiscoveryPort, firstCfg.DiscoveryPort)
	}
	if firstCfg.TransferPort != DefaultTransferPort {
		t.Fatalf("expected default transfer port %d, got %d", DefaultTransferPort, firstCfg.TransferPort)
	}
	if firstCfg.ChunkSize != DefaultChunkSize {
		t.Fatalf("expected default chunk size %d, got %d", DefaultChunkSize, firstCfg.ChunkSize)
	}
	if firstCfg.ConcurrentStreams != DefaultConcurrentStreams {
		t.Fatalf("expected default concurrent streams %d, got %d", DefaultConcurrentStreams, firstCfg.ConcurrentStreams)
	}
	if firstCfg.ReceiveDir != filepath.Join(tempDir, "files") {
		t.Fatalf("expected receive dir under data dir, got %q", firstCfg.ReceiveDir)
	}

	expectedConfigPath := filepath.Join(tempDir, "config.json")
	if firstPath != expectedConfigPath {
		t.Fatalf("expected config path %q, got %q", expectedConfigPath, firstPath)
	}

	secondCfg, secondPath, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("second LoadOrCreate failed: %v", err)
	}

	if secondPath != firstPath {
		t.Fatalf("expected config path to be stable, got %q then %q", firstPath, secondPath)
	}
	if secondCfg.NodeID != firstCfg.NodeID {
		t.Fatalf("expected stable node ID, got %q then %q", firstCfg.NodeID, secondCfg.NodeID)
	}
	if secondCfg.NodeName != firstCfg.NodeName {
		t.Fatalf("expected stable node name, got %q then %q", firstCfg.NodeName, secondCfg.NodeName)
	}
}

func TestLoadOrCreateNormalizesPartialConfig(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv("NODEMESH_DATA_DIR", tempDir)

	if err := EnsureDataDirectories(tempDir); err != nil {
		t.Fatalf("EnsureDataDirectories failed: %v", err)
	}

	cfgPath := filepath.Join(tempDir, "config.json")
	partial := &NodeConfig{
		NodeID:       "legacy-node",
		NodeName:     "Legacy",
		TransferPort: 9100,
	}
	if err := Save(cfgPath, partial); err != nil {
		t.Fatalf("Save partial config failed: %v", err)
	}

	cfg, _, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("LoadOrCreate failed: %v", err)
	}
	if cfg.NodeID != "legacy-node" {
		t.Fatalf("expected existing node ID to be retained, got %q", cfg.NodeID)
	}
	if cfg.TransferPort != 9100 {
		t.Fatalf("expected configured transfer port to be retained, got %d", cfg.TransferPort)
	}
	if cfg.DiscoveryPort != DefaultDiscoveryPort {
		t.Fatalf("expected missing discovery port to normalize to %d, got %d", DefaultDiscoveryPort, cfg.DiscoveryPort)
	}
	if cfg.ChunkSize != DefaultChunkSize {
		t.Fatalf("expected missing chunk size to normalize to %d, got %d", DefaultChunkSize, cfg.ChunkSize)
	}
	if len(cfg.Capabilities) == 0 {
		t.Fatalf("expected capabilities to normalize to a non-empty default")
	}

	reloaded, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load after normalize failed: %v", err)
	}
	if reloaded.DiscoveryPort != DefaultDiscoveryPort {
		t.Fatalf("expected normalized config to be persisted, got discovery port %d", reloaded.DiscoveryPort)
	}
}

func TestLoadOrCreateRejectsOutOfRangePorts(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv("NODEMESH_DATA_DIR", tempDir)

	if err := EnsureDataDirectories(tempDir); err != nil {
		t.Fatalf("EnsureDataDirectories failed: %v", err)
	}

	cfgPath := filepath.Join(tempDir, "config.json")
	bad := &NodeConfig{
		NodeID:        "node",
		NodeName:      "node",
		DiscoveryPort: 70000,
		TransferPort:  -1,
	}
	if err := Save(cfgPath, bad); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	cfg, _, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("LoadOrCreate failed: %v", err)
	}
	if cfg.DiscoveryPort != DefaultDiscoveryPort {
		t.Fatalf("expected out-of-range discovery port to reset, got %d", cfg.DiscoveryPort)
	}
	if cfg.TransferPort != DefaultTransferPort {
		t.Fatalf("expected negative transfer port to reset, got %d", cfg.TransferPort)
	}
}
