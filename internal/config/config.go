package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type ServerConfig struct {
	Port           string   `mapstructure:"port"`
	Mode           string   `mapstructure:"mode"`
	ReadTimeout    int      `mapstructure:"read_timeout"`
	WriteTimeout   int      `mapstructure:"write_timeout"`
	IdleTimeout    int      `mapstructure:"idle_timeout"`
	MaxBodyBytes   int64    `mapstructure:"max_body_bytes"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	// TrustedProxies may set X-Forwarded-For; empty trusts none, so the
	// rate limiter keys on the socket peer.
	TrustedProxies []string `mapstructure:"trusted_proxies"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type SchedulerConfig struct {
	MaxConcurrent int           `mapstructure:"max_concurrent"`
	QueueSize     int           `mapstructure:"queue_size"`
	QueueTimeout  time.Duration `mapstructure:"queue_timeout"`
	Grace         time.Duration `mapstructure:"grace"`
}

type SandboxConfig struct {
	Driver            string `mapstructure:"driver"`
	NsJailPath        string `mapstructure:"nsjail_path"`
	IsolateNamespaces bool   `mapstructure:"isolate_namespaces"`
	CgroupRoot        string `mapstructure:"cgroup_root"`
	WorkspaceRoot     string `mapstructure:"workspace_root"`
	PullImages        bool   `mapstructure:"pull_images"`
	// AllowUnconfined permits the process driver without namespaces. Only
	// for tests and trusted code.
	AllowUnconfined bool `mapstructure:"allow_unconfined"`
}

// LimitsConfig holds the defaults applied to any profile field left at zero.
type LimitsConfig struct {
	CPUTime        time.Duration `mapstructure:"cpu_time"`
	WallTimeout    time.Duration `mapstructure:"wall_timeout"`
	CompileTimeout time.Duration `mapstructure:"compile_timeout"`
	MemoryMB       int64         `mapstructure:"memory_mb"`
	OutputBytes    int64         `mapstructure:"output_bytes"`
	MaxProcesses   int           `mapstructure:"max_processes"`
	FileSizeMB     int64         `mapstructure:"file_size_mb"`
}

type RateLimitConfig struct {
	Enabled    bool    `mapstructure:"enabled"`
	GlobalRPS  float64 `mapstructure:"global_rps"`
	PerIPRPS   float64 `mapstructure:"per_ip_rps"`
	PerIPBurst int     `mapstructure:"per_ip_burst"`
}

type JournalConfig struct {
	Driver     string `mapstructure:"driver"`
	SQLitePath string `mapstructure:"sqlite_path"`
}

type DbConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name"`
	SSLMode  string `mapstructure:"sslmode"`
}

type Config struct {
	Server        ServerConfig    `mapstructure:"server"`
	Log           LogConfig       `mapstructure:"log"`
	Scheduler     SchedulerConfig `mapstructure:"scheduler"`
	Sandbox       SandboxConfig   `mapstructure:"sandbox"`
	Limits        LimitsConfig    `mapstructure:"limits"`
	LanguagesFile string          `mapstructure:"languages_file"`
	RateLimit     RateLimitConfig `mapstructure:"rate_limit"`
	Journal       JournalConfig   `mapstructure:"journal"`
	Db            DbConfig        `mapstructure:"db"`
}

// LoadConfig reads runbox.yaml from path (or the default search paths when
// path is empty), applies RUNBOX_* environment overrides and validates the
// result. A missing config file is not an error; defaults apply.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("runbox")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/runbox")
	}

	v.SetEnvPrefix("runbox")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration used when no file or env overrides exist.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8000")
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.read_timeout", 10)
	v.SetDefault("server.write_timeout", 60)
	v.SetDefault("server.idle_timeout", 120)
	v.SetDefault("server.max_body_bytes", 256*1024)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.trusted_proxies", []string{})

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	v.SetDefault("scheduler.max_concurrent", 4)
	v.SetDefault("scheduler.queue_size", 32)
	v.SetDefault("scheduler.queue_timeout", "10s")
	v.SetDefault("scheduler.grace", "2s")

	v.SetDefault("sandbox.driver", "process")
	v.SetDefault("sandbox.nsjail_path", "nsjail")
	v.SetDefault("sandbox.isolate_namespaces", true)
	v.SetDefault("sandbox.cgroup_root", "auto")
	v.SetDefault("sandbox.workspace_root", "")
	v.SetDefault("sandbox.pull_images", true)
	v.SetDefault("sandbox.allow_unconfined", false)

	v.SetDefault("limits.cpu_time", "5s")
	v.SetDefault("limits.wall_timeout", "5s")
	v.SetDefault("limits.compile_timeout", "15s")
	v.SetDefault("limits.memory_mb", 256)
	v.SetDefault("limits.output_bytes", 64*1024)
	v.SetDefault("limits.max_processes", 64)
	v.SetDefault("limits.file_size_mb", 16)

	v.SetDefault("languages_file", "")

	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.global_rps", 100.0)
	v.SetDefault("rate_limit.per_ip_rps", 10.0)
	v.SetDefault("rate_limit.per_ip_burst", 20)

	v.SetDefault("journal.driver", "none")
	v.SetDefault("journal.sqlite_path", "runbox-journal.db")

	v.SetDefault("db.host", "localhost")
	v.SetDefault("db.port", 5432)
	v.SetDefault("db.user", "runbox")
	v.SetDefault("db.name", "runbox")
	v.SetDefault("db.sslmode", "disable")
}
