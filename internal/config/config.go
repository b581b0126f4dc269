package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/loykin/psy/internal/logger"
	"github.com/spf13/viper"
)

// Default values for daemon tuning knobs.
const (
	DefaultIdleTimeout  = time.Second
	DefaultSpawnTimeout = 10 * time.Second
	DefaultStopTimeout  = 3 * time.Second
	DefaultMaxBacklog   = 64 << 20
	DefaultHTTPBasePath = "/api"
)

// Config is the resolved configuration shared by the CLI and the daemon.
type Config struct {
	Dir       string        `toml:"dir" mapstructure:"dir"`
	SockFile  string        `toml:"sockfile" mapstructure:"sockfile"`
	PidFile   string        `toml:"pidfile" mapstructure:"pidfile"`
	StateFile string        `toml:"statefile" mapstructure:"statefile"`
	Env       []string      `toml:"env" mapstructure:"env"`
	EnvFiles  []string      `toml:"env_files" mapstructure:"env_files"`
	Daemon    DaemonConfig  `toml:"daemon" mapstructure:"daemon"`
	Log       LogConfig     `toml:"log" mapstructure:"log"`
	Metrics   MetricsConfig `toml:"metrics" mapstructure:"metrics"`
	HTTP      HTTPConfig    `toml:"http" mapstructure:"http"`
	History   HistoryConfig `toml:"history" mapstructure:"history"`
}

type DaemonConfig struct {
	LogFile      string        `toml:"log_file" mapstructure:"log_file"`
	LogLevel     string        `toml:"log_level" mapstructure:"log_level"`
	IdleTimeout  time.Duration `toml:"idle_timeout" mapstructure:"idle_timeout"`
	SpawnTimeout time.Duration `toml:"spawn_timeout" mapstructure:"spawn_timeout"`
	StopTimeout  time.Duration `toml:"stop_timeout" mapstructure:"stop_timeout"`
	MaxBacklog   int64         `toml:"max_backlog" mapstructure:"max_backlog"`
}

// LogConfig controls rotation of the daemon's own log file.
type LogConfig struct {
	MaxSizeMB  int  `toml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int  `toml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int  `toml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool `toml:"compress" mapstructure:"compress"`
}

type MetricsConfig struct {
	Listen string `toml:"listen" mapstructure:"listen"`
}

type HTTPConfig struct {
	Listen   string `toml:"listen" mapstructure:"listen"`
	BasePath string `toml:"base_path" mapstructure:"base_path"`
}

// HistoryConfig selects the lifecycle history database. Path "off" disables it.
type HistoryConfig struct {
	Path string `toml:"path" mapstructure:"path"`
}

// Overrides carries per-invocation values (command-line flags). Empty fields are ignored.
type Overrides struct {
	ConfigPath string
	Dir        string
	SockFile   string
	PidFile    string
	StateFile  string
}

// Load resolves the configuration. Precedence: overrides, PSY_* environment,
// config file (<dir>/config.toml unless ConfigPath is set), defaults.
func Load(o Overrides) (*Config, error) {
	v := viper.New()
	bindEnv(v)
	setDefaults(v)

	dir := firstNonEmpty(o.Dir, v.GetString("dir"))
	if dir == "" {
		d, err := defaultDir()
		if err != nil {
			return nil, err
		}
		dir = d
	}

	cfgPath := o.ConfigPath
	explicit := cfgPath != ""
	if !explicit {
		cfgPath = filepath.Join(dir, "config.toml")
	}
	if _, err := os.Stat(cfgPath); err == nil {
		v.SetConfigFile(cfgPath)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", cfgPath, err)
		}
	} else if explicit {
		return nil, fmt.Errorf("config file %s: %w", cfgPath, err)
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	c.Dir = dir
	c.SockFile = firstNonEmpty(o.SockFile, c.SockFile, filepath.Join(dir, "sock"))
	c.PidFile = firstNonEmpty(o.PidFile, c.PidFile, filepath.Join(dir, "pid"))
	c.StateFile = firstNonEmpty(o.StateFile, c.StateFile, filepath.Join(dir, "state"))
	c.Daemon.LogFile = firstNonEmpty(c.Daemon.LogFile, filepath.Join(dir, "daemon.log"))
	if c.History.Path == "" {
		c.History.Path = filepath.Join(dir, "history.db")
	}
	if c.HTTP.BasePath == "" {
		c.HTTP.BasePath = DefaultHTTPBasePath
	}
	c.normalize()
	return &c, nil
}

func bindEnv(v *viper.Viper) {
	_ = v.BindEnv("dir", "PSY_PATH")
	_ = v.BindEnv("sockfile", "PSY_SOCKFILE")
	_ = v.BindEnv("pidfile", "PSY_PIDFILE")
	_ = v.BindEnv("statefile", "PSY_STATEFILE")
	_ = v.BindEnv("daemon.log_file", "PSY_LOGFILE")
	_ = v.BindEnv("daemon.log_level", "PSY_LOG_LEVEL")
	_ = v.BindEnv("metrics.listen", "PSY_METRICS_LISTEN")
	_ = v.BindEnv("http.listen", "PSY_HTTP_LISTEN")
	_ = v.BindEnv("history.path", "PSY_HISTORY")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("daemon.log_level", "info")
	v.SetDefault("daemon.idle_timeout", DefaultIdleTimeout)
	v.SetDefault("daemon.spawn_timeout", DefaultSpawnTimeout)
	v.SetDefault("daemon.stop_timeout", DefaultStopTimeout)
	v.SetDefault("daemon.max_backlog", DefaultMaxBacklog)
	v.SetDefault("log.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("log.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("log.max_age_days", logger.DefaultMaxAgeDays)
}

func (c *Config) normalize() {
	if c.Daemon.IdleTimeout <= 0 {
		c.Daemon.IdleTimeout = DefaultIdleTimeout
	}
	if c.Daemon.SpawnTimeout <= 0 {
		c.Daemon.SpawnTimeout = DefaultSpawnTimeout
	}
	if c.Daemon.StopTimeout <= 0 {
		c.Daemon.StopTimeout = DefaultStopTimeout
	}
	if c.Daemon.MaxBacklog <= 0 {
		c.Daemon.MaxBacklog = DefaultMaxBacklog
	}
}

// HistoryEnabled reports whether a lifecycle history database should be opened.
func (c *Config) HistoryEnabled() bool {
	p := strings.TrimSpace(c.History.Path)
	return p != "" && !strings.EqualFold(p, "off")
}

// DaemonLog returns the rotation settings for the daemon log file.
func (c *Config) DaemonLog() logger.Config {
	return logger.Config{
		File:       c.Daemon.LogFile,
		MaxSizeMB:  c.Log.MaxSizeMB,
		MaxBackups: c.Log.MaxBackups,
		MaxAgeDays: c.Log.MaxAgeDays,
		Compress:   c.Log.Compress,
	}
}

// EnsureDirs creates the parent directories of every runtime file.
func (c *Config) EnsureDirs() error {
	for _, p := range []string{c.SockFile, c.PidFile, c.StateFile, c.Daemon.LogFile} {
		if p == "" {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(p), 0o750); err != nil {
			return err
		}
	}
	return nil
}

// GlobalEnv merges env_files contents (in order) with the env list, the list winning.
func (c *Config) GlobalEnv() (map[string]string, error) {
	m := make(map[string]string)
	for _, p := range c.EnvFiles {
		pairs, err := loadEnvFile(p)
		if err != nil {
			return nil, err
		}
		for k, v := range pairs {
			m[k] = v
		}
	}
	for _, kv := range c.Env {
		if i := strings.IndexByte(kv, '='); i > 0 {
			m[kv[:i]] = kv[i+1:]
		}
	}
	return m, nil
}

// loadEnvFile parses a simple .env file with KEY=VALUE lines (no export, no quotes). Lines starting with # are ignored.
func loadEnvFile(path string) (map[string]string, error) {
	clean := filepath.Clean(path)
	b, err := os.ReadFile(clean)
	if err != nil {
		return nil, err
	}
	m := make(map[string]string)
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if i := strings.IndexByte(line, '='); i >= 0 {
			k := strings.TrimSpace(line[:i])
			v := strings.TrimSpace(line[i+1:])
			if k != "" {
				m[k] = v
			}
		}
	}
	return m, nil
}

func defaultDir() (string, error) {
	if x := os.Getenv("XDG_CONFIG_HOME"); x != "" {
		return filepath.Join(x, "psy"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.New("cannot resolve home directory; set PSY_PATH")
	}
	return filepath.Join(home, ".config", "psy"), nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
