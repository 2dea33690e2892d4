// Package config handles Haven configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/haven/config.yaml, /etc/haven/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "haven", "config.yaml"))
	}

	paths = append(paths, "/etc/haven/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Haven configuration.
type Config struct {
	DataDir    string           `yaml:"data_dir"`
	LogLevel   string           `yaml:"log_level"`
	LogFormat  string           `yaml:"log_format"` // text or json
	Listen     ListenConfig     `yaml:"listen"`
	Tiers      []TierConfig     `yaml:"tiers"`
	Selection  SelectionConfig  `yaml:"selection"`
	Remote     RemoteConfig     `yaml:"remote"`
	Bridge     BridgeConfig     `yaml:"bridge"`
	DeviceFeed DeviceFeedConfig `yaml:"device_feed"`
	Sync       SyncConfig       `yaml:"sync"`
	History    HistoryConfig    `yaml:"history"`
}

// ListenConfig defines the local API surface the host application
// calls into. Loopback only; Haven is not a public server.
type ListenConfig struct {
	Addr string `yaml:"addr"` // default 127.0.0.1:8799
}

// TierConfig declares one execution backend. Tiers are static
// configuration; they are not created or destroyed at runtime.
type TierConfig struct {
	Name            string   `yaml:"name"`
	Kind            string   `yaml:"kind"` // embedded, companion, cloud
	Endpoint        string   `yaml:"endpoint"`
	Capabilities    []string `yaml:"capabilities"` // chat, code, long-context
	MaxTokens       int      `yaml:"max_tokens"`
	MinBattery      int      `yaml:"min_battery"`      // percent floor, ignored while charging
	RequiresNetwork bool     `yaml:"requires_network"` // false for the embedded tier
	Priority        int      `yaml:"priority"`         // lower = preferred
}

// SelectionConfig sets the initial selection policy. The policy can be
// changed at runtime but is not persisted across restarts.
type SelectionConfig struct {
	Mode           string `yaml:"mode"` // auto, prefer, manual
	PreferredTier  string `yaml:"preferred_tier"`
	LowBatteryPct  int    `yaml:"low_battery_pct"` // default 20
	TooSlowMs      int    `yaml:"too_slow_ms"`     // default 2000
	AllowCloud     bool   `yaml:"allow_cloud"`
	RefreshSeconds int    `yaml:"refresh_seconds"` // background reselect interval, 0 disables
}

// RemoteConfig defines the remote sync authority.
type RemoteConfig struct {
	BaseURL  string `yaml:"base_url"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// BridgeConfig defines the embedded runtime bridge.
type BridgeConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Command        string   `yaml:"command"` // embedded runtime launcher
	Args           []string `yaml:"args"`
	Port           int      `yaml:"port"`              // loopback port, default 8187
	ReadyTimeoutS  int      `yaml:"ready_timeout_s"`   // default 30
	CallTimeoutS   int      `yaml:"call_timeout_s"`    // per-request deadline, default 60
	HealthPollMs   int      `yaml:"health_poll_ms"`    // default 500
	EngineTimeoutS int      `yaml:"engine_timeout_s"`  // Starting→EngineReady bound, default 15
}

// DeviceFeedConfig defines the optional MQTT device status feed. When
// the broker URL is empty, Haven falls back to polling the platform
// prober directly.
type DeviceFeedConfig struct {
	BrokerURL string `yaml:"broker_url"`
	Topic     string `yaml:"topic"` // default haven/device/status
	ClientID  string `yaml:"client_id"`
	StaleS    int    `yaml:"stale_s"` // event staleness window, default 120
}

// SyncConfig defines synchronization behavior.
type SyncConfig struct {
	Schedule   string `yaml:"schedule"`    // cron spec, e.g. "@every 5m"; empty disables
	BatchSize  int    `yaml:"batch_size"`  // upload batch bound, default 50
	PageSize   int    `yaml:"page_size"`   // download page size, default 100
	TimeoutS   int    `yaml:"timeout_s"`   // per remote call, default 30
	VaultFile  string `yaml:"vault_file"`  // sealed settings mirror path
	VaultPass  string `yaml:"vault_pass"`  // passphrase (usually ${HAVEN_VAULT_PASS})
}

// HistoryConfig bounds the conversation window passed to a tier.
type HistoryConfig struct {
	WindowTurns int `yaml:"window_turns"` // default 20
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	return cfg, nil
}

// Default returns a default configuration: an embedded tier reachable
// through the bridge, a companion server on the local network, and a
// cloud tier that is only used when the policy allows it.
func Default() *Config {
	cfg := &Config{
		DataDir:   "data",
		LogLevel:  "info",
		LogFormat: "text",
		Tiers: []TierConfig{
			{
				Name:         "embedded",
				Kind:         "embedded",
				Capabilities: []string{"chat"},
				MaxTokens:    4096,
				Priority:     2,
			},
			{
				Name:            "companion",
				Kind:            "companion",
				Endpoint:        "http://localhost:8080",
				Capabilities:    []string{"chat", "code", "long-context"},
				MaxTokens:       32768,
				MinBattery:      15,
				RequiresNetwork: true,
				Priority:        1,
			},
			{
				Name:            "cloud",
				Kind:            "cloud",
				Endpoint:        "https://api.haven.example",
				Capabilities:    []string{"chat", "code", "long-context"},
				MaxTokens:       128000,
				MinBattery:      25,
				RequiresNetwork: true,
				Priority:        3,
			},
		},
		Selection: SelectionConfig{
			Mode:          "auto",
			LowBatteryPct: 20,
			TooSlowMs:     2000,
			AllowCloud:    true,
		},
		Bridge: BridgeConfig{
			Port: 8187,
		},
	}
	cfg.applyDefaults()
	return cfg
}

// applyDefaults fills zero-value fields that have non-zero defaults.
func (c *Config) applyDefaults() {
	if c.Listen.Addr == "" {
		c.Listen.Addr = "127.0.0.1:8799"
	}
	if c.Selection.LowBatteryPct == 0 {
		c.Selection.LowBatteryPct = 20
	}
	if c.Selection.TooSlowMs == 0 {
		c.Selection.TooSlowMs = 2000
	}
	if c.Bridge.Port == 0 {
		c.Bridge.Port = 8187
	}
	if c.Bridge.ReadyTimeoutS == 0 {
		c.Bridge.ReadyTimeoutS = 30
	}
	if c.Bridge.CallTimeoutS == 0 {
		c.Bridge.CallTimeoutS = 60
	}
	if c.Bridge.HealthPollMs == 0 {
		c.Bridge.HealthPollMs = 500
	}
	if c.Bridge.EngineTimeoutS == 0 {
		c.Bridge.EngineTimeoutS = 15
	}
	if c.DeviceFeed.Topic == "" {
		c.DeviceFeed.Topic = "haven/device/status"
	}
	if c.DeviceFeed.StaleS == 0 {
		c.DeviceFeed.StaleS = 120
	}
	if c.Sync.BatchSize == 0 {
		c.Sync.BatchSize = 50
	}
	if c.Sync.PageSize == 0 {
		c.Sync.PageSize = 100
	}
	if c.Sync.TimeoutS == 0 {
		c.Sync.TimeoutS = 30
	}
	if c.History.WindowTurns == 0 {
		c.History.WindowTurns = 20
	}
}

// Validate checks invariants that YAML decoding cannot express.
func (c *Config) Validate() error {
	if len(c.Tiers) == 0 {
		return fmt.Errorf("at least one tier must be configured")
	}
	seen := make(map[string]bool, len(c.Tiers))
	hasOffline := false
	for _, t := range c.Tiers {
		if t.Name == "" {
			return fmt.Errorf("tier with empty name")
		}
		if seen[t.Name] {
			return fmt.Errorf("duplicate tier name %q", t.Name)
		}
		seen[t.Name] = true
		if !t.RequiresNetwork {
			hasOffline = true
		}
		switch t.Kind {
		case "embedded", "companion", "cloud":
		default:
			return fmt.Errorf("tier %q: unknown kind %q", t.Name, t.Kind)
		}
		if t.Kind != "embedded" && t.Endpoint == "" {
			return fmt.Errorf("tier %q: endpoint is required for kind %q", t.Name, t.Kind)
		}
	}
	if !hasOffline {
		return fmt.Errorf("no offline-capable tier configured; one tier must have requires_network: false")
	}
	switch c.Selection.Mode {
	case "", "auto", "prefer", "manual":
	default:
		return fmt.Errorf("unknown selection mode %q", c.Selection.Mode)
	}
	if (c.Selection.Mode == "prefer" || c.Selection.Mode == "manual") && !seen[c.Selection.PreferredTier] {
		return fmt.Errorf("selection mode %q names unknown tier %q", c.Selection.Mode, c.Selection.PreferredTier)
	}
	return nil
}
