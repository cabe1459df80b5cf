package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config carries the daemon settings. A missing file is not an error: Load
// writes a commented default alongside the requested path so a fresh checkout
// starts with sane values.
type Config struct {
	ListenAddress      string  `toml:"ListenAddress"`
	Env                string  `toml:"Env"`
	DataDir            string  `toml:"DataDir"`
	AuditDBPath        string  `toml:"AuditDBPath"`
	LogFile            string  `toml:"LogFile"`
	SeedDemo           bool    `toml:"SeedDemo"`
	RateLimitPerSecond float64 `toml:"RateLimitPerSecond"`
	RateLimitBurst     int     `toml:"RateLimitBurst"`
}

const defaultConfig = `# microlend daemon configuration.

# Address the HTTP command surface binds to.
ListenAddress = "127.0.0.1:8468"

# Deployment environment tag added to every log line.
Env = "dev"

# Directory for the LevelDB entity store. Leave empty to run fully in memory
# (demo mode; nothing survives a restart).
DataDir = ""

# SQLite file mirroring the transaction audit trail. Leave empty to disable.
AuditDBPath = ""

# Optional rotated log file. Leave empty to log to stdout only.
LogFile = ""

# Seed a handful of demo borrowers and lenders at startup.
SeedDemo = true

# Sustained and burst request limits on mutating routes.
RateLimitPerSecond = 10.0
RateLimitBurst = 20
`

// Load reads the configuration from path, creating a default file when none
// exists yet.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := createDefault(path); err != nil {
			return nil, err
		}
	}

	cfg := &Config{}
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	for _, undecoded := range meta.Undecoded() {
		return nil, fmt.Errorf("config file %s contains unknown field %q", path, undecoded.String())
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate normalises the config and rejects unusable values.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.ListenAddress) == "" {
		c.ListenAddress = "127.0.0.1:8468"
	}
	if strings.TrimSpace(c.Env) == "" {
		c.Env = "dev"
	}
	if c.RateLimitPerSecond <= 0 {
		c.RateLimitPerSecond = 10
	}
	if c.RateLimitBurst <= 0 {
		c.RateLimitBurst = 20
	}
	return nil
}

func createDefault(path string) error {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, []byte(defaultConfig), 0o644)
}
