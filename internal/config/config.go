package config

import (
	"os"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/dig-os/digd/internal/errors"
)

const (
	DefaultLogLevel = "info"

	defaultListenAddr       = "127.0.0.1:7788"
	defaultPollIntervalMs   = 1000
	defaultThermalLimitC    = 85.0
	defaultUIReservedCPU    = 5
	defaultUIReservedGPU    = 5
	defaultSmoothingWindow  = 5
	defaultThrottleDivisor  = 2
	defaultRecoveryStepPct  = 5
	defaultNormalBudgetPct  = 80
	defaultMinBudgetPct     = 10
	defaultEcoStartHour     = 22
	defaultEcoEndHour       = 6
	defaultCheckpointDir    = "/var/lib/digd/checkpoints"
	defaultCheckpointKeep   = 3
	defaultDatabasePath     = "/var/lib/digd/digd.db"
	defaultCheckpointRetry  = 5
	defaultEpochBudgetFloor = 1
)

type Config struct {
	ListenAddr       string  `mapstructure:"listen_addr"`
	PollIntervalMs   int     `mapstructure:"poll_interval_ms"`
	ThermalLimitC    float64 `mapstructure:"thermal_limit_c"`
	UIReservedCPUPct int     `mapstructure:"ui_reserved_cpu_percent"`
	UIReservedGPUPct int     `mapstructure:"ui_reserved_gpu_percent"`

	// Policy tuning knobs. The throttle and recovery step magnitudes are
	// deployment-specific, so they are configuration rather than constants.
	SmoothingWindow     int `mapstructure:"smoothing_window"`
	ThrottleStepDivisor int `mapstructure:"throttle_step_divisor"`
	RecoveryStepPct     int `mapstructure:"recovery_step_percent"`
	NormalBudgetPct     int `mapstructure:"normal_budget_percent"`
	MinWorkerBudgetPct  int `mapstructure:"min_worker_budget_percent"`
	EcoStartHour        int `mapstructure:"eco_start_hour"`
	EcoEndHour          int `mapstructure:"eco_end_hour"`

	CheckpointDir        string `mapstructure:"checkpoint_dir"`
	CheckpointKeep       int    `mapstructure:"checkpoint_keep"`
	CheckpointMaxRetries int    `mapstructure:"checkpoint_max_retries"`
	Database             string `mapstructure:"database"`
	Telemetry            bool   `mapstructure:"telemetry"`

	CgroupRoot string `mapstructure:"cgroup_root"`

	LogLevel string `mapstructure:"log_level"`
	Debug    bool   `mapstructure:"debug"`
	Verbose  bool   `mapstructure:"verbose"`
}

func Load() (*Config, error) {
	errFactory := errors.New()

	v := viper.New()
	setDefaults(v)

	flags := pflag.NewFlagSet("digd", pflag.ContinueOnError)
	flags.ParseErrorsWhitelist.UnknownFlags = true
	flags.String("listen-addr", defaultListenAddr, "Address the control API listens on")
	flags.Int("interval", defaultPollIntervalMs, "Telemetry poll interval in milliseconds")
	flags.Float64("thermal-limit", defaultThermalLimitC, "GPU thermal limit in Celsius")
	flags.Int("ui-reserved-cpu", defaultUIReservedCPU, "CPU percentage reserved for the shell")
	flags.Int("ui-reserved-gpu", defaultUIReservedGPU, "GPU percentage reserved for the shell")
	flags.String("log-level", DefaultLogLevel, "Log level (debug, info, warning, error)")
	flags.Bool("debug", false, "Enable debugging mode")
	flags.Bool("verbose", false, "Enable verbose logging")
	configFile := flags.String("config", "", "Path to configuration file")

	if err := flags.Parse(os.Args[1:]); err != nil {
		return nil, errFactory.Wrap(errors.ErrBindFlags, err)
	}

	bindings := map[string]string{
		"listen_addr":             "listen-addr",
		"poll_interval_ms":        "interval",
		"thermal_limit_c":         "thermal-limit",
		"ui_reserved_cpu_percent": "ui-reserved-cpu",
		"ui_reserved_gpu_percent": "ui-reserved-gpu",
		"log_level":               "log-level",
		"debug":                   "debug",
		"verbose":                 "verbose",
	}
	for key, name := range bindings {
		if err := v.BindPFlag(key, flags.Lookup(name)); err != nil {
			return nil, errFactory.Wrap(errors.ErrBindFlags, err)
		}
	}

	v.SetEnvPrefix("DIGD")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if *configFile == "" {
		*configFile = os.Getenv("DIGD_CONFIG")
	}
	if *configFile != "" {
		v.SetConfigFile(*configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, errFactory.Wrap(errors.ErrReadConfig, err)
		}
	} else {
		v.SetConfigName("digd")
		v.SetConfigType("toml")
		v.AddConfigPath("/etc")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, errFactory.Wrap(errors.ErrReadConfig, err)
			}
		}
	}

	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, errFactory.Wrap(errors.ErrInvalidConfig, err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", defaultListenAddr)
	v.SetDefault("poll_interval_ms", defaultPollIntervalMs)
	v.SetDefault("thermal_limit_c", defaultThermalLimitC)
	v.SetDefault("ui_reserved_cpu_percent", defaultUIReservedCPU)
	v.SetDefault("ui_reserved_gpu_percent", defaultUIReservedGPU)
	v.SetDefault("smoothing_window", defaultSmoothingWindow)
	v.SetDefault("throttle_step_divisor", defaultThrottleDivisor)
	v.SetDefault("recovery_step_percent", defaultRecoveryStepPct)
	v.SetDefault("normal_budget_percent", defaultNormalBudgetPct)
	v.SetDefault("min_worker_budget_percent", defaultMinBudgetPct)
	v.SetDefault("eco_start_hour", defaultEcoStartHour)
	v.SetDefault("eco_end_hour", defaultEcoEndHour)
	v.SetDefault("checkpoint_dir", defaultCheckpointDir)
	v.SetDefault("checkpoint_keep", defaultCheckpointKeep)
	v.SetDefault("checkpoint_max_retries", defaultCheckpointRetry)
	v.SetDefault("database", defaultDatabasePath)
	v.SetDefault("telemetry", false)
	v.SetDefault("cgroup_root", "/sys/fs/cgroup")
	v.SetDefault("log_level", DefaultLogLevel)
	v.SetDefault("debug", false)
	v.SetDefault("verbose", false)
}

// Validate checks invariants the policy engine depends on. The shell
// reservation plus the minimum worker budget must always fit within 100%.
func (c *Config) Validate() error {
	errFactory := errors.New()

	if c.PollIntervalMs <= 0 {
		return errFactory.WithData(errors.ErrInvalidInterval, c.PollIntervalMs)
	}
	if c.ThermalLimitC <= 0 {
		return errFactory.WithMessage(errors.ErrInvalidConfig, "thermal limit must be positive")
	}
	if c.UIReservedCPUPct < 0 || c.UIReservedGPUPct < 0 {
		return errFactory.WithMessage(errors.ErrInvalidConfig, "shell reservations must be non-negative")
	}
	if c.UIReservedCPUPct+c.MinWorkerBudgetPct > 100 {
		return errFactory.WithMessage(errors.ErrInvalidConfig,
			"shell reservation and minimum worker budget exceed 100%")
	}
	if c.NormalBudgetPct > 100-c.UIReservedCPUPct {
		return errFactory.WithMessage(errors.ErrInvalidConfig,
			"normal worker budget exceeds the shell-reserved headroom")
	}
	if c.MinWorkerBudgetPct < defaultEpochBudgetFloor {
		return errFactory.WithMessage(errors.ErrInvalidConfig,
			"minimum worker budget must be non-zero to keep checkpoint writes schedulable")
	}
	if c.SmoothingWindow <= 0 {
		return errFactory.WithMessage(errors.ErrInvalidConfig, "smoothing window must be positive")
	}
	if c.ThrottleStepDivisor < 2 {
		return errFactory.WithMessage(errors.ErrInvalidConfig, "throttle step divisor must be at least 2")
	}
	if c.EcoStartHour < 0 || c.EcoStartHour > 23 || c.EcoEndHour < 0 || c.EcoEndHour > 23 {
		return errFactory.WithMessage(errors.ErrInvalidConfig, "eco window hours must fall within 0-23")
	}
	if !LogLevel(c.LogLevel).IsValid() {
		return errFactory.WithData(errors.ErrInvalidLogLevel, c.LogLevel)
	}

	return nil
}

// LogLevel represents valid logging levels
type LogLevel string

const (
	LogLevelDebug   LogLevel = "debug"
	LogLevelInfo    LogLevel = "info"
	LogLevelWarning LogLevel = "warning"
	LogLevelError   LogLevel = "error"
)

// IsValid returns whether the log level is valid
func (l LogLevel) IsValid() bool {
	switch l {
	case LogLevelDebug, LogLevelInfo, LogLevelWarning, LogLevelError:
		return true
	default:
		return false
	}
}

// String implements the Stringer interface
func (l LogLevel) String() string {
	return string(l)
}
