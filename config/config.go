package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// FileName is the config file looked up from the working directory when no path is given.
const FileName = "talkbridge.yaml"

// Config is read once at startup and shared read-only by every session.
type Config struct {
	ListenHost string `yaml:"listen_host"`
	Port       int    `yaml:"port"`

	NeolinkCmd    string  `yaml:"neolink_cmd"`
	CameraName    string  `yaml:"camera_name"`
	NeolinkConfig string  `yaml:"neolink_config"`
	Volume        float64 `yaml:"volume"`

	// WatchdogInterval is how often a session polls the child's liveness, on top of exit notification.
	WatchdogInterval time.Duration `yaml:"watchdog_interval"`
	// WriteTimeout bounds each write to the child's stdin. Zero disables the bound.
	WriteTimeout time.Duration `yaml:"write_timeout"`
	// KillGrace is how long a terminated child gets before it is sent SIGKILL.
	KillGrace time.Duration `yaml:"kill_grace"`

	TLSCert string `yaml:"tls_cert"`
	TLSKey  string `yaml:"tls_key"`

	LogLevel string `yaml:"log_level"`
}

func Default() Config {
	return Config{
		ListenHost:       "0.0.0.0",
		Port:             8585,
		NeolinkCmd:       "./neolink",
		CameraName:       "Door",
		NeolinkConfig:    "neolink.toml",
		Volume:           1.0,
		WatchdogInterval: 100 * time.Millisecond,
		WriteTimeout:     5 * time.Second,
		KillGrace:        3 * time.Second,
		LogLevel:         "info",
	}
}

// Load reads a YAML config file on top of the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config file %q: %w", path, err)
	}
	err = yaml.Unmarshal(b, &cfg)
	if err != nil {
		return cfg, fmt.Errorf("parsing config file %q: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.NeolinkCmd == "" {
		return errors.New("neolink command must be set")
	}
	if c.CameraName == "" {
		return errors.New("camera name must be set")
	}
	if c.NeolinkConfig == "" {
		return errors.New("neolink config must be set")
	}
	if c.Volume < 0 || c.Volume > 1 {
		return fmt.Errorf("volume %v must be within [0.0, 1.0]", c.Volume)
	}
	if c.WatchdogInterval <= 0 {
		return fmt.Errorf("watchdog interval must be positive, got %s", c.WatchdogInterval)
	}
	if c.WriteTimeout < 0 {
		return fmt.Errorf("write timeout must not be negative, got %s", c.WriteTimeout)
	}
	if c.KillGrace < 0 {
		return fmt.Errorf("kill grace must not be negative, got %s", c.KillGrace)
	}
	if (c.TLSCert == "") != (c.TLSKey == "") {
		return errors.New("TLS cert and key must be set together")
	}
	return nil
}

func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.ListenHost, strconv.Itoa(c.Port))
}

// Argv is the argument vector of the neolink talk process for one session.
// Audio is read from stdin through a GStreamer fdsrc.
func (c *Config) Argv() []string {
	return []string{
		c.NeolinkCmd,
		"talk",
		c.CameraName,
		"-c", c.NeolinkConfig,
		"--volume=" + formatVolume(c.Volume),
		"-m",
		"-i", "fdsrc fd=0",
	}
}

// formatVolume always includes a decimal point, so 1 is "1.0".
func formatVolume(v float64) string {
	s := strconv.FormatFloat(v, 'f', -1, 64)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}
