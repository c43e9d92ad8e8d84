// Package config loads and validates the YAML configuration for both the
// session server and the weaver daemon.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"weavectl/internal/derpmap"
	"weavectl/internal/stunutil"
)

const (
	DefaultListen               = ":8440"
	DefaultMeshPrefix           = "fd7a:115c:a1e0::/64"
	DefaultHeartbeatIntervalSec = 30
	DefaultKeepaliveSec         = 25
	DefaultDerpRefreshSec       = 3600
)

// Config holds both server and weaver settings.
type Config struct {
	Server *ServerConfig `yaml:"server,omitempty"`
	Weaver *WeaverConfig `yaml:"weaver,omitempty"`
	Device *DeviceConfig `yaml:"device,omitempty"`
}

// ServerConfig is used by the session server process.
type ServerConfig struct {
	Listen          string `yaml:"listen"`
	AuthToken       string `yaml:"auth_token"`
	MeshPrefix      string `yaml:"mesh_prefix"`
	DerpMapURL      string `yaml:"derp_map_url"`
	DerpOverlayPath string `yaml:"derp_overlay_path"`
	DerpRefreshSec  int    `yaml:"derp_refresh_sec"`
}

// WeaverConfig is used by the reconciliation daemon on a weaver node.
type WeaverConfig struct {
	// Enabled is the deployment kill-switch: false makes the daemon
	// return immediately without registering.
	Enabled              *bool    `yaml:"enabled,omitempty"`
	Name                 string   `yaml:"name"`
	ServerURL            string   `yaml:"server_url"`
	SVIDPath             string   `yaml:"svid_path"`
	HeartbeatIntervalSec int      `yaml:"heartbeat_interval_sec"`
	ResyncIntervalSec    int      `yaml:"resync_interval_sec"`
	STUNServers          []string `yaml:"stun_servers"`
	DerpHomeRegion       uint16   `yaml:"derp_home_region"`
	AllowInsecure        bool     `yaml:"allow_insecure"`
}

// DeviceConfig is used by end-user CLI commands.
type DeviceConfig struct {
	Name          string `yaml:"name"`
	ServerURL     string `yaml:"server_url"`
	AuthToken     string `yaml:"auth_token"`
	PrivateKey    string `yaml:"private_key"`
	PublicKey     string `yaml:"public_key"`
	AllowInsecure bool   `yaml:"allow_insecure"`
}

// Load reads and parses a YAML config file.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, err
	}

	ApplyDefaults(&cfg)
	return cfg, nil
}

// Save writes a YAML config file to disk. Key material lives here, so the
// file is written 0600.
func Save(path string, cfg Config) error {
	ApplyDefaults(&cfg)
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate performs minimal validation for required fields.
func Validate(cfg Config) error {
	if cfg.Server == nil && cfg.Weaver == nil && cfg.Device == nil {
		return fmt.Errorf("config must contain a server, weaver, or device section")
	}
	if cfg.Server != nil {
		if cfg.Server.Listen == "" {
			return fmt.Errorf("server.listen is required")
		}
		if cfg.Server.AuthToken == "" {
			return fmt.Errorf("server.auth_token is required")
		}
	}
	if cfg.Weaver != nil {
		if cfg.Weaver.Name == "" {
			return fmt.Errorf("weaver.name is required")
		}
		if cfg.Weaver.ServerURL == "" {
			return fmt.Errorf("weaver.server_url is required")
		}
		if !cfg.Weaver.AllowInsecure && !strings.HasPrefix(cfg.Weaver.ServerURL, "https://") {
			return fmt.Errorf("weaver.server_url must use https")
		}
	}
	if cfg.Device != nil {
		if cfg.Device.ServerURL == "" {
			return fmt.Errorf("device.server_url is required")
		}
		if !cfg.Device.AllowInsecure && !strings.HasPrefix(cfg.Device.ServerURL, "https://") {
			return fmt.Errorf("device.server_url must use https")
		}
	}
	return nil
}

// ApplyDefaults fills in default values when empty.
func ApplyDefaults(cfg *Config) {
	if cfg.Server != nil {
		if cfg.Server.Listen == "" {
			cfg.Server.Listen = DefaultListen
		}
		if cfg.Server.MeshPrefix == "" {
			cfg.Server.MeshPrefix = DefaultMeshPrefix
		}
		if cfg.Server.DerpMapURL == "" {
			cfg.Server.DerpMapURL = derpmap.DefaultURL
		}
		if cfg.Server.DerpRefreshSec == 0 {
			cfg.Server.DerpRefreshSec = DefaultDerpRefreshSec
		}
	}

	if cfg.Weaver != nil {
		if cfg.Weaver.Enabled == nil {
			enabled := true
			cfg.Weaver.Enabled = &enabled
		}
		if cfg.Weaver.HeartbeatIntervalSec == 0 {
			cfg.Weaver.HeartbeatIntervalSec = DefaultHeartbeatIntervalSec
		}
		if len(cfg.Weaver.STUNServers) == 0 {
			cfg.Weaver.STUNServers = append([]string(nil), stunutil.DefaultServers...)
		}
	}
}
