// Package config loads and validates the agent's TOML configuration file.
package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// NodeRole is the role this node plays: a full agent running the enabled
// service drivers, or a database-only member that stores and replicates
// state without running any of them.
type NodeRole string

const (
	RoleAgent  NodeRole = "agent"
	RoleDBOnly NodeRole = "db-only"
)

// Config is the root configuration schema.
type Config struct {
	Node     NodeConfig     `toml:"node"`
	KVDB     KVDBConfig     `toml:"kvdb"`
	Cache    CacheConfig    `toml:"cache"`
	VPN      VPNConfig      `toml:"vpn"`
	Services ServicesConfig `toml:"services"`
	Logging  LoggingConfig  `toml:"logging"`
}

type NodeConfig struct {
	Name string   `toml:"name"`
	Role NodeRole `toml:"role"`
}

type TLSConfig struct {
	CACert string `toml:"ca"`
	Cert   string `toml:"cert"`
	Key    string `toml:"key"`
	Verify bool   `toml:"verify"`
}

type KVDBConfig struct {
	Endpoints  []string   `toml:"endpoints"`
	Prefix     string     `toml:"prefix"`
	TimeoutMS  int        `toml:"timeout_ms"`
	TLS        *TLSConfig `toml:"tls"`
}

type CacheConfig struct {
	Path              string `toml:"path"`
	MaxSizeMB         int64  `toml:"max_size_mb"`
	DefaultTTLSecs    int64  `toml:"default_ttl_secs"`
	SweepIntervalSecs int64  `toml:"sweep_interval_secs"`
}

type VPNConfig struct {
	Enabled    bool   `toml:"enabled"`
	BinaryPath string `toml:"binary_path"`
	ConfigPath string `toml:"config_path"`
}

type ServicesConfig struct {
	DNS    DNSServiceConfig    `toml:"dns"`
	DHCP   DHCPServiceConfig   `toml:"dhcp"`
	Filter FilterServiceConfig `toml:"filter"`
	PDP    PDPServiceConfig    `toml:"pdp"`
	Audit  AuditServiceConfig  `toml:"audit"`
}

type DNSServiceConfig struct {
	Enabled    bool   `toml:"enabled"`
	ConfigPath string `toml:"config_path"`
	ZoneDir    string `toml:"zone_dir"`
	KeyDir     string `toml:"key_dir"`
	ReloadCmd  string `toml:"reload_cmd"`
	RestartCmd string `toml:"restart_cmd"`
	// KeyToolPath is the DNSSEC key management binary, defaulting to "keymgr".
	KeyToolPath string `toml:"key_tool_path"`
	// RolloverGraceSecs is the grace period before a retiring DNSSEC key is
	// removed once its successor is active (supplement to the distilled spec).
	RolloverGraceSecs int64 `toml:"rollover_grace_secs"`
}

type DHCPServiceConfig struct {
	Enabled    bool   `toml:"enabled"`
	BinaryPath string `toml:"binary_path"`
	ConfigPath string `toml:"config_path"`
	Interface  string `toml:"interface"`
	HAPairID   string `toml:"ha_pair_id"`
	PeerNode   string `toml:"peer_node"`
	// SharedIP is the floating address the HA coordinator probes to decide
	// Primary/Standby; only meaningful when HAPairID is set.
	SharedIP string `toml:"shared_ip"`
	// HookLibraryPath is published into the rendered config's hooks_libraries
	// stanza so the daemon loads the etcd-lease-sync hook.
	HookLibraryPath string `toml:"hook_library_path"`
	ReloadCmd       string `toml:"reload_cmd"`
	// StopTimeoutSecs bounds how long EnsureStopped waits for a graceful
	// exit before killing the daemon; defaults to 10s when zero.
	StopTimeoutSecs int64 `toml:"stop_timeout_secs"`
}

type FilterServiceConfig struct {
	Enabled    bool   `toml:"enabled"`
	ConfigPath string `toml:"config_path"`
	RPZDir     string `toml:"rpz_dir"`
	ReloadCmd  string `toml:"reload_cmd"`
	// SinkholeResponse is the RPZ action applied to blocked domains, e.g. "NXDOMAIN" or an IP.
	SinkholeResponse string `toml:"sinkhole_response"`
	// DNSResourceKinds resolves the configurable predicate for deciding which
	// policy resources are DNS-shaped.
	DNSResourceKinds []string `toml:"dns_resource_kinds"`
}

type PDPServiceConfig struct {
	Enabled    bool   `toml:"enabled"`
	Endpoint   string `toml:"endpoint"`
	TimeoutMS  int    `toml:"timeout_ms"`
}

type AuditServiceConfig struct {
	Enabled      bool   `toml:"enabled"`
	IntervalSecs int64  `toml:"interval_secs"`
	ReportPath   string `toml:"report_path"`
	Command      string `toml:"command"`
}

type LoggingConfig struct {
	Level string `toml:"level"`
	JSON  bool   `toml:"json"`
	File  string `toml:"file"`
}

// Default returns the built-in defaults. Load decodes a file on top of them,
// so any field the file omits keeps its default value.
func Default() Config {
	return Config{
		Node: NodeConfig{Name: "nnoe-node-1", Role: RoleAgent},
		KVDB: KVDBConfig{
			Endpoints: []string{"http://127.0.0.1:2379"},
			Prefix:    "/nnoe",
			TimeoutMS: 5000,
		},
		Cache: CacheConfig{
			Path:              "/var/lib/nnoe/cache.db",
			MaxSizeMB:         100,
			DefaultTTLSecs:    300,
			SweepIntervalSecs: 60,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads and decodes a TOML file at path, rejecting unknown keys.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config %s: %w", path, err)
	}
	meta, err := toml.Decode(string(data), &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if undec := meta.Undecoded(); len(undec) > 0 {
		return Config{}, fmt.Errorf("config %s: unknown keys: %v", path, undec)
	}
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the fixed, exhaustively enumerated schema for required
// fields and rejects role values outside {agent, db-only}.
func Validate(cfg Config) error {
	if cfg.Node.Name == "" {
		return fmt.Errorf("node.name is required")
	}
	switch cfg.Node.Role {
	case RoleAgent, RoleDBOnly:
	default:
		return fmt.Errorf("node.role must be %q or %q, got %q", RoleAgent, RoleDBOnly, cfg.Node.Role)
	}
	if len(cfg.KVDB.Endpoints) == 0 {
		return fmt.Errorf("kvdb.endpoints must have at least one entry")
	}
	if cfg.KVDB.Prefix == "" {
		return fmt.Errorf("kvdb.prefix is required")
	}
	if cfg.Cache.Path == "" {
		return fmt.Errorf("cache.path is required")
	}
	if cfg.Cache.MaxSizeMB < 0 {
		return fmt.Errorf("cache.max_size_mb must be >= 0")
	}
	if cfg.Cache.SweepIntervalSecs <= 0 {
		cfg.Cache.SweepIntervalSecs = 60
	}
	return nil
}
