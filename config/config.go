package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"

	"github.com/google/uuid"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "nodemesh"
	// DefaultDiscoveryPort is the advertised service port for mDNS discovery.
	DefaultDiscoveryPort = 54321
	// DefaultTransferPort is the TCP port the file-transfer server binds.
	DefaultTransferPort = 7879
	// DefaultChunkSize is the per-range chunk size in bytes.
	DefaultChunkSize = 1024 * 1024
	// DefaultConcurrentStreams is the number of parallel send connections.
	DefaultConcurrentStreams = 4
	// configFileName is the persisted configuration file.
	configFileName = "config.json"
)

// NodeConfig contains persistent local-node settings.
type NodeConfig struct {
	NodeID            string   `json:"node_id"`
	NodeName          string   `json:"node_name"`
	DiscoveryPort     int      `json:"discovery_port"`
	TransferPort      int      `json:"transfer_port"`
	ReceiveDir        string   `json:"receive_dir"`
	ChunkSize         int      `json:"chunk_size"`
	ConcurrentStreams int      `json:"concurrent_streams"`
	Capabilities      []string `json:"capabilities"`
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If NODEMESH_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv("NODEMESH_DATA_DIR"); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	dirs := []string{
		dataDir,
		filepath.Join(dataDir, "files"),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*NodeConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg NodeConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *NodeConfig) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate ensures directories and config exist, then returns both.
func LoadOrCreate() (*NodeConfig, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}

		cfg = defaultConfig(dataDir)
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}

		return cfg, cfgPath, nil
	}

	if normalizeDefaults(cfg, dataDir) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}

	return cfg, cfgPath, nil
}

func defaultConfig(dataDir string) *NodeConfig {
	return &NodeConfig{
		NodeID:            uuid.NewString(),
		NodeName:          defaultNodeName(),
		DiscoveryPort:     DefaultDiscoveryPort,
		TransferPort:      DefaultTransferPort,
		ReceiveDir:        filepath.Join(dataDir, "files"),
		ChunkSize:         DefaultChunkSize,
		ConcurrentStreams: DefaultConcurrentStreams,
		Capabilities:      []string{"discovery", "transfer"},
	}
}

func defaultNodeName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "nodemesh-agent"
}

func normalizeDefaults(cfg *NodeConfig, dataDir string) bool {
	updated := false

	if cfg.NodeID == "" {
		cfg.NodeID = uuid.NewString()
		updated = true
	}

	if cfg.NodeName == "" {
		cfg.NodeName = defaultNodeName()
		updated = true
	}

	if cfg.DiscoveryPort <= 0 || cfg.DiscoveryPort > 65535 {
		cfg.DiscoveryPort = DefaultDiscoveryPort
		updated = true
	}

	if cfg.TransferPort <= 0 || cfg.TransferPort > 65535 {
		cfg.TransferPort = DefaultTransferPort
		updated = true
	}

	if cfg.ReceiveDir == "" {
		cfg.ReceiveDir = filepath.Join(dataDir, "files")
		updated = true
	}

	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
		updated = true
	}

	if cfg.ConcurrentStreams <= 0 {
		cfg.ConcurrentStreams = DefaultConcurrentStreams
		updated = true
	}

	if len(cfg.Capabilities) == 0 {
		cfg.Capabilities = []string{"discovery", "transfer"}
		updated = true
	}

	return updated
}
