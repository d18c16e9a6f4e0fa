// Package browserd runs the browser daemon: one Chrome session, a set of
// named browsing contexts, and a unix-socket control server. It owns the
// lifecycle state machine and the watchdog that detects browser death.
package browserd

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvSocket names the environment variable clients and daemon both honor
// when no explicit socket path is given.
const EnvSocket = "BROWSERD_SOCKET"

// Config is the top-level daemon configuration.
type Config struct {
	Socket   string        `yaml:"socket"`
	Browser  BrowserConfig `yaml:"browser"`
	Snapshot SnapConfig    `yaml:"snapshot"`

	// InitialContext is the browsing context opened at startup.
	InitialContext InitialContextConfig `yaml:"initial_context"`

	// PingInterval is how often the watchdog probes the browser.
	PingInterval time.Duration `yaml:"ping_interval"`
}

// BrowserConfig controls the Chrome session.
type BrowserConfig struct {
	Remote           string        `yaml:"remote"` // attach instead of launch
	Stealth          bool          `yaml:"stealth"`
	ResourceBlocking []string      `yaml:"resource_blocking"`
	NavigateTimeout  time.Duration `yaml:"navigate_timeout"`
	LocateTimeout    time.Duration `yaml:"locate_timeout"`
	EvalTimeout      time.Duration `yaml:"eval_timeout"`
}

// SnapConfig controls snapshot output.
type SnapConfig struct {
	TokenLimit int `yaml:"token_limit"`
}

// InitialContextConfig names the context the daemon opens before serving.
type InitialContextConfig struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
}

// LoadFile reads a YAML configuration file.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("browserd: read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("browserd: parse config: %w", err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Socket == "" {
		c.Socket = DefaultSocketPath()
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 5 * time.Second
	}
	if c.Snapshot.TokenLimit <= 0 {
		c.Snapshot.TokenLimit = 4000
	}
	if c.InitialContext.Name == "" {
		c.InitialContext.Name = "main"
	}
	if c.InitialContext.URL == "" {
		c.InitialContext.URL = "about:blank"
	}
}

// ResolveSocket picks the socket path by precedence: explicit flag value,
// then the BROWSERD_SOCKET environment variable, then the configured value,
// then the per-user default.
func ResolveSocket(flagValue string, cfg *Config) string {
	if flagValue != "" {
		return flagValue
	}
	if env := os.Getenv(EnvSocket); env != "" {
		return env
	}
	if cfg != nil && cfg.Socket != "" {
		return cfg.Socket
	}
	return DefaultSocketPath()
}

// DefaultSocketPath returns the per-user socket location. XDG_RUNTIME_DIR
// is preferred; /tmp keeps things working on systems without it.
func DefaultSocketPath() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "browserd.sock")
	}
	return filepath.Join(os.TempDir(), fmt.Sprintf("browserd-%d.sock", os.Getuid()))
}
