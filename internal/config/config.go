package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"
)

// Error indicates a configuration problem that must fail startup rather
// than be worked around at runtime.
type Error struct {
	Msg string
}

func (e *Error) Error() string { return "config: " + e.Msg }

// RoutingVariant selects how deployed instances are exposed.
type RoutingVariant string

const (
	RoutingPort    RoutingVariant = "port"
	RoutingTraefik RoutingVariant = "traefik"
)

// Config is the fully-parsed contents of Config.toml plus the ambient
// sections (logging, slack) the teacher always configures explicitly.
type Config struct {
	Ports      PortsConfig           `toml:"ports"`
	Database   DatabaseConfig        `toml:"database"`
	Redis      RedisConfig           `toml:"redis"`
	Captcha    CaptchaConfig         `toml:"captcha"`
	Scheduler  SchedulerConfig       `toml:"scheduler"`
	Sessions   SessionsConfig        `toml:"sessions"`
	Routing    RoutingConfig         `toml:"routing"`
	Tasks      map[string]TaskConfig `toml:"tasks"`
	Containers ContainersConfig      `toml:"containers"`
	Logging    LoggingConfig         `toml:"logging"`
	Slack      SlackConfig           `toml:"slack"`
}

type PortsConfig struct {
	Min            int `toml:"min"`
	Max            int `toml:"max"`
	Default        int `toml:"default"`
	DefaultTTLSecs int `toml:"default_ttl_secs"`
	ExtendTimeSecs int `toml:"extend_time_secs"`
}

type DatabaseConfig struct {
	URL string `toml:"url"`
}

type RedisConfig struct {
	URL string `toml:"url"`
}

type CaptchaConfig struct {
	Provider  string `toml:"provider"`
	SiteKey   string `toml:"site_key"`
	SecretKey string `toml:"secret_key"`
	VerifyURL string `toml:"verify_url"`
}

type SchedulerConfig struct {
	PollIntervalSecs int `toml:"poll_interval_secs"`
}

type SessionsConfig struct {
	TTLHours     int `toml:"ttl_hours"`
	MaxInstances int `toml:"max_instances"`
}

type RoutingConfig struct {
	Variant       RoutingVariant `toml:"variant"`
	Domain        string         `toml:"domain"`
	TraefikDomain string         `toml:"traefik_domain"`
	HTTPEntry     string         `toml:"http_entry"`
	TCPEntry      string         `toml:"tcp_entry"`
	// TCPEntryPort is the port advertised in the endpoint string for
	// traefik+tcp tasks. Defaults to 9000 if unset, matching the
	// original hard-coded value without baking it into the binary.
	TCPEntryPort int `toml:"tcp_entry_port"`
}

type TaskConfig struct {
	Protocol      string `toml:"protocol"`
	ContainerPort int    `toml:"container_port"`
}

type ContainersConfig struct {
	MemoryLimit           int64    `toml:"memory_limit"`
	SwapLimit             int64    `toml:"swap_limit"`
	CPUQuota              float64  `toml:"cpu_quota"`
	PidsLimit             int64    `toml:"pids_limit"`
	ReadOnlyRootfs        bool     `toml:"read_only_rootfs"`
	DropAllCapabilities   bool     `toml:"drop_all_capabilities"`
	AddCapabilities       []string `toml:"add_capabilities"`
	EnableNoNewPrivileges bool     `toml:"enable_no_new_privileges"`
	EnableTmpfs           bool     `toml:"enable_tmpfs"`
	TmpfsSize             string   `toml:"tmpfs_size"`
}

type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

type SlackConfig struct {
	BotToken     string `toml:"bot_token"`
	AlertChannel string `toml:"alert_channel"`
}

const configFileName = "Config.toml"

// Load locates Config.toml by walking from the working directory toward
// the filesystem root, parses it, and validates the closed-enum and
// required-task invariants that must hold before the service starts.
func Load() (*Config, error) {
	path, err := findConfigFile()
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	cfg := defaultConfig()
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info", Format: "json"},
		Scheduler: SchedulerConfig{
			PollIntervalSecs: 15,
		},
	}
}

func (c *Config) validate() error {
	switch c.Routing.Variant {
	case RoutingPort, RoutingTraefik:
	default:
		return &Error{Msg: fmt.Sprintf("routing.variant must be %q or %q, got %q", RoutingPort, RoutingTraefik, c.Routing.Variant)}
	}

	if _, ok := c.Tasks["_default"]; !ok {
		return &Error{Msg: "tasks._default is required"}
	}

	if c.Routing.TCPEntryPort == 0 {
		c.Routing.TCPEntryPort = 9000
	}

	for name, t := range c.Tasks {
		if t.Protocol == "" {
			t.Protocol = "http"
		}
		if t.ContainerPort == 0 {
			t.ContainerPort = 3000
		}
		c.Tasks[name] = t
	}

	return nil
}

func findConfigFile() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("getting working directory: %w", err)
	}

	for {
		candidate := filepath.Join(dir, configFileName)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", &Error{Msg: fmt.Sprintf("%s not found in %s or any parent directory", configFileName, dir)}
		}
		dir = parent
	}
}
