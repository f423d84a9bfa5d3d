// Package config handles hl.toml runtime configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/xyproto/env/v2"
)

// FileName is the per-project configuration file looked up from the
// script's directory upwards.
const FileName = "hl.toml"

// DefaultHeapLimit is the heap budget in bytes when none is configured.
const DefaultHeapLimit = 64 << 20

// Config is the runtime configuration.
type Config struct {
	Runtime Runtime `toml:"runtime"`
	Cache   Cache   `toml:"cache"`
	Log     Log     `toml:"log"`

	// Path is the file the configuration was read from, empty for defaults.
	Path string `toml:"-"`
}

// Runtime configures script execution.
type Runtime struct {
	Shell     string `toml:"shell"`
	Plugins   string `toml:"plugins"`
	Analyzer  string `toml:"analyzer"`
	HeapLimit int64  `toml:"heap-limit"`
}

// Cache configures the bytecode cache.
type Cache struct {
	Dir      string `toml:"dir"`
	Disabled bool   `toml:"disabled"`
}

// Log configures diagnostics output.
type Log struct {
	Verbosity int    `toml:"verbosity"`
	File      string `toml:"file"`
}

// HomeDir returns ~/.hackeros/hacker-lang, the root of the installed
// toolchain.
func HomeDir() string {
	return filepath.Join(env.HomeDir(), ".hackeros", "hacker-lang")
}

// UserFile returns the user-wide configuration path.
func UserFile() string {
	return filepath.Join(HomeDir(), "config.toml")
}

// Default returns the built-in configuration.
func Default() *Config {
	home := HomeDir()
	return &Config{
		Runtime: Runtime{
			Shell:     "bash",
			Plugins:   filepath.Join(home, "plugins"),
			Analyzer:  filepath.Join(home, "bin", "hl-plsa"),
			HeapLimit: DefaultHeapLimit,
		},
	}
}

// Load parses the TOML file at path over the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	c := Default()
	md, err := toml.Decode(string(data), c)
	if err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}
	if undec := md.Undecoded(); len(undec) > 0 {
		keys := make([]string, len(undec))
		for i, k := range undec {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("unknown keys in %s: %s", path, strings.Join(keys, ", "))
	}

	c.Path = path
	c.expand()
	return c, nil
}

// Find walks up from startDir looking for hl.toml. It returns "" when
// none is found.
func Find(startDir string) (string, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", err
	}

	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", nil
		}
		dir = parent
	}
}

// FindAndLoad loads the nearest hl.toml above startDir, else the user
// configuration, else the defaults, and then applies environment
// overrides.
func FindAndLoad(startDir string) (*Config, error) {
	path, err := Find(startDir)
	if err != nil {
		return nil, err
	}
	if path == "" {
		if _, err := os.Stat(UserFile()); err == nil {
			path = UserFile()
		}
	}

	c := Default()
	if path != "" {
		if c, err = Load(path); err != nil {
			return nil, err
		}
	}
	c.ApplyEnv()
	return c, nil
}

// ApplyEnv overrides fields from HL_* environment variables.
func (c *Config) ApplyEnv() {
	c.Runtime.Shell = env.Str("HL_SHELL", c.Runtime.Shell)
	c.Runtime.Plugins = env.Str("HL_PLUGINS", c.Runtime.Plugins)
	c.Runtime.Analyzer = env.Str("HL_PLSA", c.Runtime.Analyzer)
	c.Runtime.HeapLimit = env.Int64("HL_HEAP_LIMIT", c.Runtime.HeapLimit)
	c.Cache.Dir = env.Str("HL_CACHE_DIR", c.Cache.Dir)
	if env.Has("HL_NO_CACHE") {
		c.Cache.Disabled = env.Bool("HL_NO_CACHE")
	}
	c.Log.Verbosity = env.Int("HL_VERBOSITY", c.Log.Verbosity)
	c.expand()
}

func (c *Config) expand() {
	c.Runtime.Plugins = expandUser(c.Runtime.Plugins)
	c.Runtime.Analyzer = expandUser(c.Runtime.Analyzer)
	c.Cache.Dir = expandUser(c.Cache.Dir)
	c.Log.File = expandUser(c.Log.File)
}

func expandUser(path string) string {
	if path == "~" {
		return env.HomeDir()
	}
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(env.HomeDir(), path[2:])
	}
	return path
}
