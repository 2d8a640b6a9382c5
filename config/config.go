// ffbatch/config/config.go
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

const (
	BackoffFixed       = "fixed"
	BackoffExponential = "exponential"

	// ReportDBDisabled turns the sqlite report index off.
	ReportDBDisabled = "-"
)

type Config struct {
	FFBin string `mapstructure:"FF_BIN"`

	MaxConcurrentTasks int           `mapstructure:"MAX_CONCURRENT_TASKS"`
	TaskTimeout        time.Duration `mapstructure:"TASK_TIMEOUT"`
	PollInterval       time.Duration `mapstructure:"POLL_INTERVAL"`

	RetryEnabled  bool          `mapstructure:"RETRY_ENABLED"`
	MaxRetries    int           `mapstructure:"MAX_RETRIES"`
	RetryDelay    time.Duration `mapstructure:"RETRY_DELAY"`
	RetryBackoff  string        `mapstructure:"RETRY_BACKOFF"`
	RetryMaxDelay time.Duration `mapstructure:"RETRY_MAX_DELAY"`

	MemoryLimit      int64         `mapstructure:"MEMORY_LIMIT"`
	MemoryHighWater  float64       `mapstructure:"MEMORY_HIGH_WATER"`
	ThrottleCPU      float64       `mapstructure:"THROTTLE_CPU"`
	DiskSpaceWarning int64         `mapstructure:"DISK_SPACE_WARNING"`
	AdmissionReserve bool          `mapstructure:"ADMISSION_RESERVE"`
	AdmissionDelay   time.Duration `mapstructure:"ADMISSION_DELAY"`

	TempDir   string `mapstructure:"TEMP_DIR"`
	LogDir    string `mapstructure:"LOG_DIR"`
	ResultDir string `mapstructure:"RESULT_DIR"`

	CleanupEnabled  bool          `mapstructure:"CLEANUP_ENABLED"`
	CleanupDays     int           `mapstructure:"CLEANUP_DAYS"`
	TempRetention   time.Duration `mapstructure:"TEMP_RETENTION"`
	SweepInterval   time.Duration `mapstructure:"SWEEP_INTERVAL"`
	CleanupInterval time.Duration `mapstructure:"CLEANUP_INTERVAL"`
	LedgerRetention time.Duration `mapstructure:"LEDGER_RETENTION"`

	CacheEnabled    bool `mapstructure:"CACHE_ENABLED"`
	CacheMaxEntries int  `mapstructure:"CACHE_MAX_ENTRIES"`

	AutoExport bool   `mapstructure:"AUTO_EXPORT"`
	ReportDB   string `mapstructure:"REPORT_DB"`

	LogLevel   string `mapstructure:"LOG_LEVEL"`
	Port       string `mapstructure:"PORT"`
	AuthEnable bool   `mapstructure:"AUTH_ENABLE"`
	AuthKey    string `mapstructure:"AUTH_KEY"`
}

// LogRetention is how long files in LogDir are kept.
func (c *Config) LogRetention() time.Duration {
	return time.Duration(c.CleanupDays) * 24 * time.Hour
}

// stringToDurationHookFunc parses Go duration strings. Bare numbers, as
// strings or numeric values, are taken as seconds.
func stringToDurationHookFunc() mapstructure.DecodeHookFunc {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		if t != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}

		switch f.Kind() {
		case reflect.String:
			s := strings.TrimSpace(data.(string))
			if n, err := strconv.ParseFloat(s, 64); err == nil {
				return time.Duration(n * float64(time.Second)), nil
			}
			return time.ParseDuration(s)
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			return time.Duration(reflect.ValueOf(data).Int()) * time.Second, nil
		case reflect.Float32, reflect.Float64:
			return time.Duration(reflect.ValueOf(data).Float() * float64(time.Second)), nil
		}
		return data, nil
	}
}

// stringToByteSizeHookFunc parses human-readable size strings such as "8192MB".
func stringToByteSizeHookFunc() mapstructure.DecodeHookFunc {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		if f.Kind() != reflect.String || t.Kind() != reflect.Int64 {
			return data, nil
		}

		var size datasize.ByteSize
		err := size.UnmarshalText([]byte(data.(string)))
		if err != nil {
			// Not a valid size string, let other parsers handle it.
			return data, nil
		}

		return int64(size.Bytes()), nil
	}
}

func Load() (*Config, error) {
	vp := viper.New()

	vp.SetDefault("FF_BIN", "ffmpeg")
	vp.SetDefault("MAX_CONCURRENT_TASKS", 4)
	vp.SetDefault("TASK_TIMEOUT", "3600s")
	vp.SetDefault("POLL_INTERVAL", "500ms")
	vp.SetDefault("RETRY_ENABLED", true)
	vp.SetDefault("MAX_RETRIES", 3)
	vp.SetDefault("RETRY_DELAY", "60s")
	vp.SetDefault("RETRY_BACKOFF", BackoffFixed)
	vp.SetDefault("RETRY_MAX_DELAY", "30m")
	vp.SetDefault("MEMORY_LIMIT", "8192MB")
	vp.SetDefault("MEMORY_HIGH_WATER", 90.0)
	vp.SetDefault("THROTTLE_CPU", 0.0)
	vp.SetDefault("DISK_SPACE_WARNING", "1024MB")
	vp.SetDefault("ADMISSION_RESERVE", false)
	vp.SetDefault("ADMISSION_DELAY", "5s")
	vp.SetDefault("TEMP_DIR", "./tmp")
	vp.SetDefault("LOG_DIR", "./logs")
	vp.SetDefault("RESULT_DIR", "./results")
	vp.SetDefault("CLEANUP_ENABLED", true)
	vp.SetDefault("CLEANUP_DAYS", 7)
	vp.SetDefault("TEMP_RETENTION", "24h")
	vp.SetDefault("SWEEP_INTERVAL", "30s")
	vp.SetDefault("CLEANUP_INTERVAL", "1h")
	vp.SetDefault("LEDGER_RETENTION", "24h")
	vp.SetDefault("CACHE_ENABLED", true)
	vp.SetDefault("CACHE_MAX_ENTRIES", 100)
	vp.SetDefault("AUTO_EXPORT", true)
	vp.SetDefault("REPORT_DB", "")
	vp.SetDefault("LOG_LEVEL", "info")
	vp.SetDefault("PORT", "8080")
	vp.SetDefault("AUTH_ENABLE", false)
	vp.SetDefault("AUTH_KEY", "")

	vp.SetConfigName("ffbatch_config")
	vp.SetConfigType("yaml")
	vp.AddConfigPath(".")
	vp.AddConfigPath("/etc/ffbatch/")

	if err := vp.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	vp.SetEnvPrefix("FFBATCH")
	vp.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	vp.AutomaticEnv()

	var cfg Config
	// The first hook that converts the value wins.
	err := vp.Unmarshal(&cfg, viper.DecodeHook(
		mapstructure.ComposeDecodeHookFunc(
			stringToDurationHookFunc(),
			stringToByteSizeHookFunc(),
		),
	))
	if err != nil {
		return nil, err
	}

	if cfg.ReportDB == "" {
		cfg.ReportDB = filepath.Join(cfg.ResultDir, "reports.db")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the scheduler cannot run with.
func (c *Config) Validate() error {
	if c.MaxConcurrentTasks < 1 {
		return fmt.Errorf("MAX_CONCURRENT_TASKS must be at least 1, got %d", c.MaxConcurrentTasks)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("MAX_RETRIES must not be negative, got %d", c.MaxRetries)
	}
	if c.TaskTimeout <= 0 {
		return fmt.Errorf("TASK_TIMEOUT must be positive, got %s", c.TaskTimeout)
	}
	if c.MemoryHighWater <= 0 || c.MemoryHighWater > 100 {
		return fmt.Errorf("MEMORY_HIGH_WATER must be in (0, 100], got %.1f", c.MemoryHighWater)
	}
	if c.AdmissionDelay <= 0 {
		return fmt.Errorf("ADMISSION_DELAY must be positive, got %s", c.AdmissionDelay)
	}
	if c.RetryMaxDelay < 0 {
		return fmt.Errorf("RETRY_MAX_DELAY must not be negative, got %s", c.RetryMaxDelay)
	}
	switch c.RetryBackoff {
	case BackoffFixed, BackoffExponential:
	default:
		return fmt.Errorf("unknown RETRY_BACKOFF %q", c.RetryBackoff)
	}
	if c.CacheEnabled && c.CacheMaxEntries < 1 {
		return fmt.Errorf("CACHE_MAX_ENTRIES must be at least 1 when the cache is enabled")
	}
	return nil
}

// EnsureDirs creates the temp, log and result directories. A failure here
// must abort startup.
func EnsureDirs(c *Config) error {
	for _, dir := range []string{c.TempDir, c.LogDir, c.ResultDir} {
		if dir == "" {
			return fmt.Errorf("required directory is not configured")
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}
