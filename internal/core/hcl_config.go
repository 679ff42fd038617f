package core

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/hcl/v2/hclsimple"
)

const (
	BaseDirName    = ".config/wharf"
	ConfigFileName = "config.hcl"
	StoreFileName  = "state.db"
)

// On-exposed policies for ports that become exposed and served
const (
	OnExposedNotify      = "notify"
	OnExposedOpenBrowser = "open-browser"
	OnExposedOpenPreview = "open-preview"
	OnExposedIgnore      = "ignore"
)

// Configuration represents the complete wharf configuration
type Configuration struct {
	ConfigPath string // Directory containing config files
	Verbose    int    // Verbosity level
	StorePath  string // Shared state database, visible to every window of the session

	Companion  CompanionConfig
	Lock       LockConfig
	Supervisor SupervisorConfig
	Ports      PortsConfig
	Stream     StreamConfig
	API        APIConfig
}

// CompanionConfig controls how the local companion is installed and started
type CompanionConfig struct {
	InstallationPath  string        // Explicit binary, skips downloading when set
	BinaryName        string        // Download name prefix under /static/bin/
	AutoTunnel        bool          // Passed through to the companion
	Verbose           bool          // Passed through to the companion
	Timeout           string        // Idle timeout passed through to the companion (e.g. "3h")
	AuthRedirectURL   string        // Where the companion redirects after auth; defaults to the local API
	LockTimeout       time.Duration // Lease timeout for install/start
	RetryDelay        time.Duration // Delay between retries while the API is not ready
	StartPollInterval time.Duration // Liveness poll while the process starts
}

// LockConfig controls lease polling
type LockConfig struct {
	PollInterval  time.Duration
	SweepInterval time.Duration
}

// SupervisorConfig describes the workspace supervisor feeding port status
type SupervisorConfig struct {
	Address        string
	WorkspaceID    string
	InstanceID     string
	ShortDeadline  time.Duration
	NormalDeadline time.Duration
	LongDeadline   time.Duration
}

// PortsConfig controls port notifications and the tunnel list
type PortsConfig struct {
	OnExposed   string // notify, open-browser, open-preview, ignore
	TunnelsFile string // YAML tunnel list, watched for changes
}

// StreamConfig controls reconnect behaviour of streaming feeds
type StreamConfig struct {
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration
	BackoffFactor float64 // 1 keeps the delay constant
}

// APIConfig controls the local view API
type APIConfig struct {
	Listen string
}

// HCL parsing structs

type hclConfig struct {
	Verbose    int            `hcl:"verbose,optional"`
	StorePath  string         `hcl:"store_path,optional"`
	Companion  *hclCompanion  `hcl:"companion,block"`
	Lock       *hclLock       `hcl:"lock,block"`
	Supervisor *hclSupervisor `hcl:"supervisor,block"`
	Ports      *hclPorts      `hcl:"ports,block"`
	Stream     *hclStream     `hcl:"stream,block"`
	API        *hclAPI        `hcl:"api,block"`
}

type hclCompanion struct {
	InstallationPath  string `hcl:"installation_path,optional"`
	BinaryName        string `hcl:"binary_name,optional"`
	AutoTunnel        *bool  `hcl:"auto_tunnel,optional"`
	Verbose           *bool  `hcl:"verbose,optional"`
	Timeout           string `hcl:"timeout,optional"`
	AuthRedirectURL   string `hcl:"auth_redirect_url,optional"`
	LockTimeout       string `hcl:"lock_timeout,optional"`
	RetryDelay        string `hcl:"retry_delay,optional"`
	StartPollInterval string `hcl:"start_poll_interval,optional"`
}

type hclLock struct {
	PollInterval  string `hcl:"poll_interval,optional"`
	SweepInterval string `hcl:"sweep_interval,optional"`
}

type hclSupervisor struct {
	Address        string `hcl:"address,optional"`
	WorkspaceID    string `hcl:"workspace_id,optional"`
	InstanceID     string `hcl:"instance_id,optional"`
	ShortDeadline  string `hcl:"short_deadline,optional"`
	NormalDeadline string `hcl:"normal_deadline,optional"`
	LongDeadline   string `hcl:"long_deadline,optional"`
}

type hclPorts struct {
	OnExposed   string `hcl:"on_exposed,optional"`
	TunnelsFile string `hcl:"tunnels_file,optional"`
}

type hclStream struct {
	RetryDelay    string  `hcl:"retry_delay,optional"`
	MaxRetryDelay string  `hcl:"max_retry_delay,optional"`
	BackoffFactor float64 `hcl:"backoff_factor,optional"`
}

type hclAPI struct {
	Listen string `hcl:"listen,optional"`
}

// DefaultConfig returns the configuration used when no config file exists
func DefaultConfig(configPath string) *Configuration {
	return &Configuration{
		ConfigPath: configPath,
		StorePath:  filepath.Join(configPath, StoreFileName),
		Companion: CompanionConfig{
			BinaryName:        "local-companion",
			Timeout:           "3h",
			LockTimeout:       5 * time.Minute,
			RetryDelay:        time.Second,
			StartPollInterval: 150 * time.Millisecond,
		},
		Lock: LockConfig{
			PollInterval:  150 * time.Millisecond,
			SweepInterval: 30 * time.Second,
		},
		Supervisor: SupervisorConfig{
			Address:        "localhost:22999",
			ShortDeadline:  5 * time.Second,
			NormalDeadline: 15 * time.Second,
			LongDeadline:   30 * time.Second,
		},
		Ports: PortsConfig{
			OnExposed: OnExposedNotify,
		},
		Stream: StreamConfig{
			RetryDelay:    time.Second,
			MaxRetryDelay: time.Second,
			BackoffFactor: 1,
		},
		API: APIConfig{
			Listen: "127.0.0.1:0",
		},
	}
}

// LoadConfig loads config.hcl from configPath. A missing file yields the defaults.
func LoadConfig(configPath string) (*Configuration, error) {
	cfg := DefaultConfig(configPath)

	filename := filepath.Join(configPath, ConfigFileName)
	if _, err := os.Stat(filename); errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}

	var hclCfg hclConfig
	if err := hclsimple.DecodeFile(filename, nil, &hclCfg); err != nil {
		return nil, fmt.Errorf("failed to parse HCL config: %w", err)
	}

	if err := cfg.apply(&hclCfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// apply overlays decoded HCL values onto the defaults
func (cfg *Configuration) apply(hclCfg *hclConfig) error {
	cfg.Verbose = hclCfg.Verbose
	if hclCfg.StorePath != "" {
		cfg.StorePath = expandPath(hclCfg.StorePath)
	}

	var err error
	if c := hclCfg.Companion; c != nil {
		if c.InstallationPath != "" {
			cfg.Companion.InstallationPath = expandPath(c.InstallationPath)
		}
		if c.BinaryName != "" {
			cfg.Companion.BinaryName = c.BinaryName
		}
		if c.AutoTunnel != nil {
			cfg.Companion.AutoTunnel = *c.AutoTunnel
		}
		if c.Verbose != nil {
			cfg.Companion.Verbose = *c.Verbose
		}
		if c.Timeout != "" {
			if _, err := time.ParseDuration(c.Timeout); err != nil {
				return fmt.Errorf("companion.timeout: %w", err)
			}
			cfg.Companion.Timeout = c.Timeout
		}
		cfg.Companion.AuthRedirectURL = c.AuthRedirectURL
		if cfg.Companion.LockTimeout, err = durationOr("companion.lock_timeout", c.LockTimeout, cfg.Companion.LockTimeout); err != nil {
			return err
		}
		if cfg.Companion.RetryDelay, err = durationOr("companion.retry_delay", c.RetryDelay, cfg.Companion.RetryDelay); err != nil {
			return err
		}
		if cfg.Companion.StartPollInterval, err = durationOr("companion.start_poll_interval", c.StartPollInterval, cfg.Companion.StartPollInterval); err != nil {
			return err
		}
	}

	if l := hclCfg.Lock; l != nil {
		if cfg.Lock.PollInterval, err = durationOr("lock.poll_interval", l.PollInterval, cfg.Lock.PollInterval); err != nil {
			return err
		}
		if cfg.Lock.SweepInterval, err = durationOr("lock.sweep_interval", l.SweepInterval, cfg.Lock.SweepInterval); err != nil {
			return err
		}
	}

	if s := hclCfg.Supervisor; s != nil {
		if s.Address != "" {
			cfg.Supervisor.Address = s.Address
		}
		cfg.Supervisor.WorkspaceID = s.WorkspaceID
		cfg.Supervisor.InstanceID = s.InstanceID
		if cfg.Supervisor.ShortDeadline, err = durationOr("supervisor.short_deadline", s.ShortDeadline, cfg.Supervisor.ShortDeadline); err != nil {
			return err
		}
		if cfg.Supervisor.NormalDeadline, err = durationOr("supervisor.normal_deadline", s.NormalDeadline, cfg.Supervisor.NormalDeadline); err != nil {
			return err
		}
		if cfg.Supervisor.LongDeadline, err = durationOr("supervisor.long_deadline", s.LongDeadline, cfg.Supervisor.LongDeadline); err != nil {
			return err
		}
	}

	if p := hclCfg.Ports; p != nil {
		switch p.OnExposed {
		case "":
		case OnExposedNotify, OnExposedOpenBrowser, OnExposedOpenPreview, OnExposedIgnore:
			cfg.Ports.OnExposed = p.OnExposed
		default:
			return fmt.Errorf("ports.on_exposed: unknown policy %q", p.OnExposed)
		}
		if p.TunnelsFile != "" {
			cfg.Ports.TunnelsFile = expandPath(p.TunnelsFile)
		}
	}

	if s := hclCfg.Stream; s != nil {
		if cfg.Stream.RetryDelay, err = durationOr("stream.retry_delay", s.RetryDelay, cfg.Stream.RetryDelay); err != nil {
			return err
		}
		// Max delay follows the base delay unless set explicitly
		maxDefault := cfg.Stream.MaxRetryDelay
		if maxDefault < cfg.Stream.RetryDelay {
			maxDefault = cfg.Stream.RetryDelay
		}
		if cfg.Stream.MaxRetryDelay, err = durationOr("stream.max_retry_delay", s.MaxRetryDelay, maxDefault); err != nil {
			return err
		}
		if s.BackoffFactor != 0 {
			if s.BackoffFactor < 1 {
				return fmt.Errorf("stream.backoff_factor must be >= 1, got %v", s.BackoffFactor)
			}
			cfg.Stream.BackoffFactor = s.BackoffFactor
		}
	}

	if a := hclCfg.API; a != nil && a.Listen != "" {
		cfg.API.Listen = a.Listen
	}

	return nil
}

// durationOr parses value as a duration, returning fallback for the empty string
func durationOr(field, value string, fallback time.Duration) (time.Duration, error) {
	if value == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s: must be positive, got %s", field, value)
	}
	return d, nil
}

// expandPath expands a leading ~ to the user's home directory
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}
