package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/atropos/atropos/internal/env"
)

// Environment variable names. Every field of Config can be overridden.
const (
	EnvConfigPath      = "ATROPOS_CONFIG"
	EnvFridaVersion    = "ATROPOS_FRIDA_VERSION"
	EnvTarget          = "ATROPOS_TARGET"
	EnvPayloadPath     = "ATROPOS_PAYLOAD"
	EnvReleaseBaseURL  = "ATROPOS_RELEASE_BASE_URL"
	EnvRemotePath      = "ATROPOS_REMOTE_SERVER_PATH"
	EnvWorkDir         = "ATROPOS_WORK_DIR"
	EnvDeviceSerial    = "ATROPOS_DEVICE_SERIAL"
	EnvConnectTimeout  = "ATROPOS_CONNECT_TIMEOUT"
	EnvTeardownDelay   = "ATROPOS_TEARDOWN_DELAY"
	EnvDownloadTimeout = "ATROPOS_DOWNLOAD_TIMEOUT"
	EnvStrictDeploy    = "ATROPOS_STRICT_DEPLOY"
	EnvWaitOnStdin     = "ATROPOS_WAIT_STDIN"
	EnvJournalPath     = "ATROPOS_JOURNAL_PATH"
	EnvJournalDisable  = "ATROPOS_JOURNAL_DISABLE"
	EnvLogLevel        = "ATROPOS_LOG_LEVEL"
)

// Compiled-in defaults.
const (
	DefaultFridaVersion    = "16.5.9"
	DefaultTarget          = "com.facebook.katana"
	DefaultPayloadPath     = "./MAIN_SSLPINING.js"
	DefaultReleaseBaseURL  = "https://github.com/frida/frida/releases/download"
	DefaultRemotePath      = "/data/local/tmp/frida-server"
	DefaultConnectTimeout  = 5 * time.Second
	DefaultTeardownDelay   = time.Second
	DefaultDownloadTimeout = 5 * time.Minute
	DefaultConfigFile      = "atropos.yaml"
)

// Config holds every tunable of a provisioning run.
type Config struct {
	FridaVersion    string        `yaml:"frida_version"`
	Target          string        `yaml:"target"`
	PayloadPath     string        `yaml:"payload"`
	ReleaseBaseURL  string        `yaml:"release_base_url"`
	RemotePath      string        `yaml:"remote_server_path"`
	WorkDir         string        `yaml:"work_dir"`
	DeviceSerial    string        `yaml:"device_serial"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
	TeardownDelay   time.Duration `yaml:"teardown_delay"`
	DownloadTimeout time.Duration `yaml:"download_timeout"`
	StrictDeploy    bool          `yaml:"strict_deploy"`
	WaitOnStdin     bool          `yaml:"wait_stdin"`
	JournalPath     string        `yaml:"journal_path"`
	JournalDisabled bool          `yaml:"journal_disabled"`
	LogLevel        string        `yaml:"log_level"`
}

// Default returns the compiled-in configuration.
func Default() Config {
	return Config{
		FridaVersion:    DefaultFridaVersion,
		Target:          DefaultTarget,
		PayloadPath:     DefaultPayloadPath,
		ReleaseBaseURL:  DefaultReleaseBaseURL,
		RemotePath:      DefaultRemotePath,
		WorkDir:         ".",
		ConnectTimeout:  DefaultConnectTimeout,
		TeardownDelay:   DefaultTeardownDelay,
		DownloadTimeout: DefaultDownloadTimeout,
		WaitOnStdin:     true,
		LogLevel:        "info",
	}
}

// Load layers defaults, the optional YAML file and environment overrides.
func Load() (Config, error) {
	_ = env.Ensure()
	cfg := Default()

	path, explicit := configFilePath()
	if path != "" {
		if err := cfg.mergeFile(path); err != nil {
			if explicit || !errors.Is(err, os.ErrNotExist) {
				return Config{}, err
			}
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

// Validate rejects configurations that cannot drive a run.
func (c Config) Validate() error {
	if strings.TrimSpace(c.FridaVersion) == "" {
		return errors.New("config: frida version is empty")
	}
	if strings.TrimSpace(c.Target) == "" {
		return errors.New("config: target application is empty")
	}
	if strings.TrimSpace(c.ReleaseBaseURL) == "" {
		return errors.New("config: release base url is empty")
	}
	if !strings.HasPrefix(c.RemotePath, "/") {
		return errors.Errorf("config: remote server path %q must be absolute", c.RemotePath)
	}
	if c.ConnectTimeout <= 0 {
		return errors.New("config: connect timeout must be positive")
	}
	return nil
}

func configFilePath() (string, bool) {
	if explicit := strings.TrimSpace(os.Getenv(EnvConfigPath)); explicit != "" {
		return explicit, true
	}
	wd, err := os.Getwd()
	if err != nil {
		return "", false
	}
	return filepath.Join(wd, DefaultConfigFile), false
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "config: read %s", path)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return errors.Wrapf(err, "config: parse %s", path)
	}
	return nil
}

// applyEnv overrides fields from set environment variables. Values that do
// not parse are reported together instead of being ignored.
func (c *Config) applyEnv() error {
	var o envOverrides
	o.text(EnvFridaVersion, &c.FridaVersion)
	o.text(EnvTarget, &c.Target)
	o.text(EnvPayloadPath, &c.PayloadPath)
	o.text(EnvReleaseBaseURL, &c.ReleaseBaseURL)
	o.text(EnvRemotePath, &c.RemotePath)
	o.text(EnvWorkDir, &c.WorkDir)
	o.text(EnvDeviceSerial, &c.DeviceSerial)
	o.duration(EnvConnectTimeout, &c.ConnectTimeout)
	o.duration(EnvTeardownDelay, &c.TeardownDelay)
	o.duration(EnvDownloadTimeout, &c.DownloadTimeout)
	o.flag(EnvStrictDeploy, &c.StrictDeploy)
	o.flag(EnvWaitOnStdin, &c.WaitOnStdin)
	o.text(EnvJournalPath, &c.JournalPath)
	o.flag(EnvJournalDisable, &c.JournalDisabled)
	o.text(EnvLogLevel, &c.LogLevel)
	c.ReleaseBaseURL = strings.TrimRight(c.ReleaseBaseURL, "/")
	return o.err()
}

type envOverrides struct {
	invalid []string
}

func lookup(key string) (string, bool) {
	val := strings.TrimSpace(os.Getenv(key))
	return val, val != ""
}

func (o *envOverrides) text(key string, dst *string) {
	if val, ok := lookup(key); ok {
		*dst = val
	}
}

func (o *envOverrides) duration(key string, dst *time.Duration) {
	val, ok := lookup(key)
	if !ok {
		return
	}
	parsed, err := time.ParseDuration(val)
	if err != nil || parsed < 0 {
		o.invalid = append(o.invalid, fmt.Sprintf("%s=%q is not a non-negative duration", key, val))
		return
	}
	*dst = parsed
}

func (o *envOverrides) flag(key string, dst *bool) {
	val, ok := lookup(key)
	if !ok {
		return
	}
	switch strings.ToLower(val) {
	case "1", "true", "yes", "on":
		*dst = true
	case "0", "false", "no", "off":
		*dst = false
	default:
		o.invalid = append(o.invalid, fmt.Sprintf("%s=%q is not a boolean", key, val))
	}
}

func (o *envOverrides) err() error {
	if len(o.invalid) == 0 {
		return nil
	}
	return errors.Errorf("config: invalid environment: %s", strings.Join(o.invalid, "; "))
}
