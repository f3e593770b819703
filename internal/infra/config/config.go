package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port string `mapstructure:"port" yaml:"port"`

	Daemon     DaemonConfig     `mapstructure:"daemon" yaml:"daemon"`
	FileServer FileServerConfig `mapstructure:"file_server" yaml:"file_server"`
	Paths      PathsConfig      `mapstructure:"paths" yaml:"paths"`
	Stream     StreamConfig     `mapstructure:"stream" yaml:"stream"`
	Cleanup    CleanupConfig    `mapstructure:"cleanup" yaml:"cleanup"`
	Admin      AdminConfig      `mapstructure:"admin" yaml:"admin"`
	Log        LogConfig        `mapstructure:"log" yaml:"log"`
	Store      StoreConfig      `mapstructure:"store" yaml:"store"`
}

// DaemonConfig is the default connection to the SABnzbd-compatible download
// daemon. Per-request SourceConfig can override it.
type DaemonConfig struct {
	URL    string `mapstructure:"url" yaml:"url"`
	APIKey string `mapstructure:"api_key" yaml:"api_key"`

	// MinFreeSpaceGB is checked before submitting new jobs.
	MinFreeSpaceGB float64 `mapstructure:"min_free_space_gb" yaml:"min_free_space_gb"`
}

// FileServerConfig points at the optional archive-transparency service.
type FileServerConfig struct {
	URL    string `mapstructure:"url" yaml:"url"`
	APIKey string `mapstructure:"api_key" yaml:"api_key"`
}

type PathsConfig struct {
	IncompleteDir string `mapstructure:"incomplete_dir" yaml:"incomplete_dir"`
	CompleteDir   string `mapstructure:"complete_dir" yaml:"complete_dir"`

	// UnpackDir is the staging directory the daemon extracts archives into
	// while the job is still marked incomplete.
	UnpackDir string `mapstructure:"unpack_dir" yaml:"unpack_dir"`
}

type StreamConfig struct {
	// GrowthPollInterval and GrowthPollTimeout bound every wait for bytes
	// that are not on disk yet.
	GrowthPollInterval time.Duration `mapstructure:"growth_poll_interval" yaml:"growth_poll_interval"`
	GrowthPollTimeout  time.Duration `mapstructure:"growth_poll_timeout" yaml:"growth_poll_timeout"`

	// FrontierMarginBytes is the minimum distance a served read must keep
	// from the current write frontier.
	FrontierMarginBytes int64 `mapstructure:"frontier_margin_bytes" yaml:"frontier_margin_bytes"`

	// EndIndexSeekPercent gates seeks into formats whose index lives at the
	// end of the container (mp4 family).
	EndIndexSeekPercent float64 `mapstructure:"end_index_seek_percent" yaml:"end_index_seek_percent"`

	BackpressurePeriod   time.Duration `mapstructure:"backpressure_period" yaml:"backpressure_period"`
	PauseThresholdPct    float64       `mapstructure:"pause_threshold_pct" yaml:"pause_threshold_pct"`
	ResumeBufferPct      float64       `mapstructure:"resume_buffer_pct" yaml:"resume_buffer_pct"`
}

type CleanupConfig struct {
	InactivityTimeout time.Duration `mapstructure:"inactivity_timeout" yaml:"inactivity_timeout"`
	SweepPeriod       time.Duration `mapstructure:"sweep_period" yaml:"sweep_period"`

	// RetentionPeriod is how long finished remote files are kept;
	// RetentionSweepPeriod is how often the sweep checks.
	RetentionPeriod      time.Duration `mapstructure:"retention_period" yaml:"retention_period"`
	RetentionSweepPeriod time.Duration `mapstructure:"retention_sweep_period" yaml:"retention_sweep_period"`

	// StartupDelay defers the first retention sweep and the orphan recovery
	// pass so the daemon has time to come up alongside us.
	StartupDelay time.Duration `mapstructure:"startup_delay" yaml:"startup_delay"`

	// WatchedThresholdPct is how much of a personal file must have been
	// streamed before delete-on-finish is considered safe.
	WatchedThresholdPct float64       `mapstructure:"watched_threshold_pct" yaml:"watched_threshold_pct"`
	FinishGrace         time.Duration `mapstructure:"finish_grace" yaml:"finish_grace"`

	// DeleteOnStreamStop and AutoCleanOldFiles are the defaults for the
	// per-request source policy; requests can override them per session.
	DeleteOnStreamStop bool `mapstructure:"delete_on_stream_stop" yaml:"delete_on_stream_stop"`
	AutoCleanOldFiles  bool `mapstructure:"auto_clean_old_files" yaml:"auto_clean_old_files"`
}

type AdminConfig struct {
	Token string `mapstructure:"token" yaml:"token"`
}

type LogConfig struct {
	Path          string `mapstructure:"path" yaml:"path"`
	Level         string `mapstructure:"level" yaml:"level"`
	IncludeStdout bool   `mapstructure:"include_stdout" yaml:"include_stdout"`
}

type StoreConfig struct {
	SQLitePath string `mapstructure:"sqlite_path" yaml:"sqlite_path"`
}

func Load(path string) (*Config, error) {

	if path == "" {
		path = "config.yaml"
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		// Docker convention fallback
		if path == "config.yaml" {
			if _, errEx := os.Stat("/config/config.yaml"); errEx == nil {
				path = "/config/config.yaml"
			} else {
				return nil, fmt.Errorf("config file not found: %s", path)
			}
		} else {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
	}

	v := viper.New()

	v.SetDefault("port", "7881")
	v.SetDefault("daemon.min_free_space_gb", 5.0)
	v.SetDefault("paths.incomplete_dir", "./downloads/incomplete")
	v.SetDefault("paths.complete_dir", "./downloads/complete")
	v.SetDefault("paths.unpack_dir", "")
	v.SetDefault("stream.growth_poll_interval", "2s")
	v.SetDefault("stream.growth_poll_timeout", "45s")
	v.SetDefault("stream.frontier_margin_bytes", 8*1024*1024)
	v.SetDefault("stream.end_index_seek_percent", 85.0)
	v.SetDefault("stream.backpressure_period", "10s")
	v.SetDefault("stream.pause_threshold_pct", 99.0)
	v.SetDefault("stream.resume_buffer_pct", 15.0)
	v.SetDefault("cleanup.inactivity_timeout", "120s")
	v.SetDefault("cleanup.sweep_period", "30s")
	v.SetDefault("cleanup.retention_period", "12h")
	v.SetDefault("cleanup.retention_sweep_period", "1h")
	v.SetDefault("cleanup.startup_delay", "60s")
	v.SetDefault("cleanup.watched_threshold_pct", 90.0)
	v.SetDefault("cleanup.finish_grace", "30s")
	v.SetDefault("cleanup.delete_on_stream_stop", false)
	v.SetDefault("cleanup.auto_clean_old_files", false)
	v.SetDefault("log.path", "nzbstream.log")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.include_stdout", true)
	v.SetDefault("store.sqlite_path", "./nzbstream.db")

	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file %s: %w", path, err)
	}

	// Support Environment Variables
	v.SetEnvPrefix("NZBSTREAM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Daemon.URL == "" {
		return errors.New("daemon.url is required")
	}

	if c.Stream.GrowthPollInterval <= 0 {
		c.Stream.GrowthPollInterval = 2 * time.Second
	}
	if c.Stream.GrowthPollTimeout < c.Stream.GrowthPollInterval {
		return fmt.Errorf("stream.growth_poll_timeout (%s) must exceed the poll interval (%s)",
			c.Stream.GrowthPollTimeout, c.Stream.GrowthPollInterval)
	}
	if c.Stream.PauseThresholdPct <= 0 || c.Stream.PauseThresholdPct > 100 {
		return fmt.Errorf("stream.pause_threshold_pct must be in (0,100], got %v", c.Stream.PauseThresholdPct)
	}

	if c.Cleanup.InactivityTimeout <= 0 {
		c.Cleanup.InactivityTimeout = 120 * time.Second
	}

	if c.Admin.Token == "" {
		fmt.Println("Warning: admin.token is empty, admin endpoints are disabled")
	}

	return nil
}
