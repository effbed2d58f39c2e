// Package config loads the recorder configuration.
//
// Values come from, in increasing precedence: built-in defaults, the YAML
// file, XPCREC_* environment variables and command line flags.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/jnesss/xpc-recorder/platform"
	"github.com/jnesss/xpc-recorder/symbols"
	"github.com/jnesss/xpc-recorder/types"
	"github.com/jnesss/xpc-recorder/xpc"
)

// Output formats.
const (
	FormatJSONL   = "jsonl"
	FormatCBOR    = "cbor"
	FormatConsole = "console"
)

// Hooks selects the entry points to intercept.
type Hooks struct {
	Send    []string `yaml:"send"`
	Receive []string `yaml:"receive"`
	OneShot bool     `yaml:"one_shot"`
}

// Symbols configures symbol resolution. Pinned addresses win over the
// symbol file, which wins over the images.
type Symbols struct {
	File      string            `yaml:"file"`
	Images    []symbols.Image   `yaml:"images"`
	Pinned    map[string]uint64 `yaml:"pinned"`
	CacheSize int               `yaml:"cache_size"`
}

// Output configures where events go.
type Output struct {
	Format string `yaml:"format"`
	// File receives the event stream; empty or "-" means stdout.
	File    string `yaml:"file"`
	Console bool   `yaml:"console"`
	Indent  bool   `yaml:"indent"`
}

// Config holds all configurable recorder parameters.
type Config struct {
	Remote       string `yaml:"remote"`
	PID          int    `yaml:"pid"`
	Arch         string `yaml:"arch"`
	AutoContinue bool   `yaml:"auto_continue"`
	MaxDepth     int    `yaml:"max_depth"`

	Hooks   Hooks      `yaml:"hooks"`
	Symbols Symbols    `yaml:"symbols"`
	Layout  xpc.Layout `yaml:"layout"`
	Output  Output     `yaml:"output"`

	DataDir   string `yaml:"data_dir"`
	RulesDir  string `yaml:"rules_dir"`
	Store     bool   `yaml:"store"`
	Detection bool   `yaml:"detection"`
	WebAddr   string `yaml:"web_addr"`
	PeerNames bool   `yaml:"peer_names"`
	LogLevel  string `yaml:"log_level"`
}

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *Config {
	return &Config{
		Remote:       "localhost:1234",
		Arch:         "arm64",
		AutoContinue: true,
		MaxDepth:     xpc.DefaultMaxDepth,
		Hooks: Hooks{
			Send:    append([]string(nil), types.SendFunctions...),
			Receive: append([]string(nil), types.ReceiveFunctions...),
		},
		Symbols: Symbols{CacheSize: 256},
		Layout:  xpc.DefaultLayout(),
		Output:  Output{Format: FormatJSONL, Console: true},
		DataDir: "data",
		// Sigma rules live next to the event store.
		RulesDir:  filepath.Join("data", "rules"),
		Store:     true,
		Detection: true,
		WebAddr:   "127.0.0.1:8080",
		PeerNames: true,
		LogLevel:  "info",
	}
}

// DefaultPath is ~/.xpc-recorder/config.yaml.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".xpc-recorder", "config.yaml")
}

// Load reads the configuration at path, or at XPCREC_CONFIG / DefaultPath
// when path is empty. A missing file yields the defaults; environment
// overrides are applied either way.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		path = os.Getenv("XPCREC_CONFIG")
		explicit = path != ""
	}
	if path == "" {
		path = DefaultPath()
	}

	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			// Start with defaults, YAML overwrites only specified fields
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
			}
		case os.IsNotExist(err) && !explicit:
		default:
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg.ApplyEnv()
	return cfg, nil
}

// ApplyEnv applies XPCREC_REMOTE and XPCREC_DATA_DIR.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("XPCREC_REMOTE"); v != "" {
		c.Remote = v
	}
	if v := os.Getenv("XPCREC_DATA_DIR"); v != "" {
		if c.RulesDir == filepath.Join(c.DataDir, "rules") {
			c.RulesDir = filepath.Join(v, "rules")
		}
		c.DataDir = v
	}
}

// Validate checks the fields that cannot be defaulted at use.
func (c *Config) Validate() error {
	if _, err := platform.LookupArch(c.Arch); err != nil {
		return err
	}
	switch strings.ToLower(c.Output.Format) {
	case FormatJSONL, FormatCBOR, FormatConsole:
	default:
		return fmt.Errorf("unknown output format %q", c.Output.Format)
	}
	if c.MaxDepth < 0 {
		return fmt.Errorf("max_depth must not be negative")
	}
	if len(c.Hooks.Send)+len(c.Hooks.Receive) == 0 {
		return fmt.Errorf("no hooks configured")
	}
	if c.Layout.MaxMembers == 0 || c.Layout.MaxBuckets == 0 {
		return fmt.Errorf("layout limits must be positive")
	}
	return nil
}

// ArchInfo returns the calling convention for the configured architecture.
func (c *Config) ArchInfo() (platform.Arch, error) {
	return platform.LookupArch(c.Arch)
}

// HookList expands the hook names into interceptor hooks.
func (c *Config) HookList() []platform.Hook {
	var hooks []platform.Hook
	for _, fn := range c.Hooks.Send {
		hooks = append(hooks, platform.Hook{Symbol: fn, Direction: types.DirectionSend, OneShot: c.Hooks.OneShot})
	}
	for _, fn := range c.Hooks.Receive {
		hooks = append(hooks, platform.Hook{Symbol: fn, Direction: types.DirectionReceive, OneShot: c.Hooks.OneShot})
	}
	return hooks
}
