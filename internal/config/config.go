package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Room      string          `yaml:"room"`
	Name      string          `yaml:"name"`
	App       AppConfig       `yaml:"app"`
	Fetch     FetchConfig     `yaml:"fetch"`
	Device    DeviceConfig    `yaml:"device"`
	Log       LogConfig       `yaml:"log"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
}

type ServerConfig struct {
	Proto string `yaml:"proto"`
	Host  string `yaml:"host"`
	Port  int    `yaml:"port"`
	Path  string `yaml:"path"`
	Token string `yaml:"token"`
}

type AppConfig struct {
	DataDir        string `yaml:"data_dir"`
	StateDir       string `yaml:"state_dir"`
	PrivateDocsDir string `yaml:"private_docs_dir"`
	// RestrictTo, when set, ignores bundles for any other app name.
	RestrictTo string `yaml:"restrict_to"`
	Entry      string `yaml:"entry"`
	Version    string `yaml:"version"`
}

type FetchConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

type DeviceConfig struct {
	OSName           string `yaml:"os_name"`
	OSVersion        string `yaml:"os_version"`
	DisplayWidth     int    `yaml:"display_width"`
	DisplayHeight    int    `yaml:"display_height"`
	ScreenshotSource string `yaml:"screenshot_source"`
}

type LogConfig struct {
	Level        string `yaml:"level"`
	ForwardLevel string `yaml:"forward_level"`
}

type ReconnectConfig struct {
	Enabled   bool          `yaml:"enabled"`
	BaseDelay time.Duration `yaml:"base_delay"`
	MaxDelay  time.Duration `yaml:"max_delay"`
}

const appDirName = "livepush"

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Proto: "http",
			Host:  "127.0.0.1",
			Port:  3000,
			Path:  "/ws",
		},
		Room: "default",
		Name: hostname(),
		App: AppConfig{
			DataDir: defaultDataDir(),
			Entry:   "app.js",
		},
		Fetch: FetchConfig{Timeout: 10 * time.Second},
		Device: DeviceConfig{
			DisplayWidth:  1080,
			DisplayHeight: 1920,
		},
		Log: LogConfig{
			Level:        "info",
			ForwardLevel: "info",
		},
		Reconnect: ReconnectConfig{
			Enabled:   true,
			BaseDelay: time.Second,
			MaxDelay:  30 * time.Second,
		},
	}
}

// Default returns the built-in configuration.
func Default() *Config {
	return defaultConfig()
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault loads path, falling back to defaults when the file does not
// exist. Any other error is returned.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if err == nil {
		return cfg, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return defaultConfig(), nil
	}
	return nil, err
}

// Validate checks the fields the agent cannot run without.
func (c *Config) Validate() error {
	var errs []error
	switch c.Server.Proto {
	case "http", "https":
	default:
		errs = append(errs, fmt.Errorf("server.proto must be http or https, got %q", c.Server.Proto))
	}
	if c.Server.Host == "" {
		errs = append(errs, errors.New("server.host is required"))
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port out of range: %d", c.Server.Port))
	}
	if c.Room == "" {
		errs = append(errs, errors.New("room is required"))
	}
	if c.App.DataDir == "" {
		errs = append(errs, errors.New("app.data_dir is required"))
	}
	if c.App.StateDir != "" && c.App.DataDir != "" && within(c.App.StateDir, c.App.DataDir) {
		errs = append(errs, errors.New("app.state_dir must not live inside app.data_dir (a cache clear would delete it)"))
	}
	if c.Fetch.Timeout <= 0 {
		errs = append(errs, errors.New("fetch.timeout must be positive"))
	}
	if c.Reconnect.Enabled && (c.Reconnect.BaseDelay <= 0 || c.Reconnect.MaxDelay < c.Reconnect.BaseDelay) {
		errs = append(errs, errors.New("reconnect delays must satisfy 0 < base_delay <= max_delay"))
	}
	return errors.Join(errs...)
}

// origin returns proto://host:port.
func (c *Config) origin() string {
	return c.Server.Proto + "://" + c.Server.Host + ":" + strconv.Itoa(c.Server.Port)
}

// BundleURL is the base of the bundle download endpoint.
func (c *Config) BundleURL() string {
	return c.origin() + "/bundle"
}

// SocketURL is the WebSocket endpoint derived from proto, host, port and path.
func (c *Config) SocketURL() string {
	scheme := "ws"
	if c.Server.Proto == "https" {
		scheme = "wss"
	}
	p := c.Server.Path
	if p == "" {
		p = "/ws"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	u := url.URL{Scheme: scheme, Host: c.Server.Host + ":" + strconv.Itoa(c.Server.Port), Path: p}
	return u.String()
}

func within(path, dir string) bool {
	rel, err := filepath.Rel(filepath.Clean(dir), filepath.Clean(path))
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

func hostname() string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return "device"
}

// defaultDataDir returns ~/.local/share/livepush/apps, respecting
// XDG_DATA_HOME if set.
func defaultDataDir() string {
	if base := os.Getenv("XDG_DATA_HOME"); base != "" {
		return filepath.Join(base, appDirName, "apps")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	return filepath.Join(home, ".local", "share", appDirName, "apps")
}
