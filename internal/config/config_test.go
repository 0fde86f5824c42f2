package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dig-os/digd/internal/config"
	"github.com/dig-os/digd/internal/errors"
)

func TestLoad(t *testing.T) {
	// Create a temporary config file
	tempDir, err := os.MkdirTemp("", "config_test")
	require.NoError(t, err)
	defer os.RemoveAll(tempDir)

	configContent := []byte(`
listen_addr = "0.0.0.0:9000"
poll_interval_ms = 250
thermal_limit_c = 78.5
ui_reserved_cpu_percent = 10
ui_reserved_gpu_percent = 8
smoothing_window = 3
normal_budget_percent = 75
log_level = "debug"
telemetry = true
database = "/path/to/digd.db"
`)
	configPath := filepath.Join(tempDir, "digd.toml")
	err = os.WriteFile(configPath, configContent, 0o600)
	require.NoError(t, err)

	// Set environment variable to point to the test config file
	t.Setenv("DIGD_CONFIG", configPath)

	// Load the config
	cfg, err := config.Load()
	require.NoError(t, err)

	// Assert
	assert.Equal(t, "0.0.0.0:9000", cfg.ListenAddr, "Expected ListenAddr 0.0.0.0:9000")
	assert.Equal(t, 250, cfg.PollIntervalMs, "Expected PollIntervalMs 250")
	assert.InDelta(t, 78.5, cfg.ThermalLimitC, 0.001, "Expected ThermalLimitC 78.5")
	assert.Equal(t, 10, cfg.UIReservedCPUPct, "Expected UIReservedCPUPct 10")
	assert.Equal(t, 8, cfg.UIReservedGPUPct, "Expected UIReservedGPUPct 8")
	assert.Equal(t, 3, cfg.SmoothingWindow, "Expected SmoothingWindow 3")
	assert.Equal(t, 75, cfg.NormalBudgetPct, "Expected NormalBudgetPct 75")
	assert.Equal(t, "debug", cfg.LogLevel, "Expected LogLevel debug")
	assert.True(t, cfg.Telemetry, "Expected Telemetry true")
	assert.Equal(t, "/path/to/digd.db", cfg.Database, "Expected Database /path/to/digd.db")
}

func TestLoadDefaults(t *testing.T) {
	// Ensure no config file is used
	t.Setenv("DIGD_CONFIG", "")

	cfg, err := config.Load()
	require.NoError(t, err, "Failed to load config")

	// Assert default values
	assert.Equal(t, "127.0.0.1:7788", cfg.ListenAddr, "Expected default ListenAddr")
	assert.Equal(t, 1000, cfg.PollIntervalMs, "Expected default PollIntervalMs 1000")
	assert.InDelta(t, 85.0, cfg.ThermalLimitC, 0.001, "Expected default ThermalLimitC 85")
	assert.Equal(t, 5, cfg.UIReservedCPUPct, "Expected default UIReservedCPUPct 5")
	assert.Equal(t, 5, cfg.UIReservedGPUPct, "Expected default UIReservedGPUPct 5")
	assert.Equal(t, 5, cfg.SmoothingWindow, "Expected default SmoothingWindow 5")
	assert.Equal(t, 2, cfg.ThrottleStepDivisor, "Expected default ThrottleStepDivisor 2")
	assert.Equal(t, 5, cfg.RecoveryStepPct, "Expected default RecoveryStepPct 5")
	assert.Equal(t, 80, cfg.NormalBudgetPct, "Expected default NormalBudgetPct 80")
	assert.Equal(t, 10, cfg.MinWorkerBudgetPct, "Expected default MinWorkerBudgetPct 10")
	assert.Equal(t, 22, cfg.EcoStartHour, "Expected default EcoStartHour 22")
	assert.Equal(t, 6, cfg.EcoEndHour, "Expected default EcoEndHour 6")
	assert.False(t, cfg.Telemetry, "Expected default Telemetry false")
	assert.Equal(t, config.DefaultLogLevel, cfg.LogLevel, "Expected default LogLevel info")
}

func TestLoadConfigFileInvalidFormat(t *testing.T) {
	tempDir, err := os.MkdirTemp("", "config_test")
	require.NoError(t, err)
	defer os.RemoveAll(tempDir)

	configContent := []byte(`
This is not a valid TOML file
`)
	configPath := filepath.Join(tempDir, "digd.toml")
	err = os.WriteFile(configPath, configContent, 0o600)
	require.NoError(t, err)

	t.Setenv("DIGD_CONFIG", configPath)

	_, err = config.Load()
	require.Error(t, err)
}

func TestInvalidLogLevel(t *testing.T) {
	tempDir, err := os.MkdirTemp("", "config_test")
	require.NoError(t, err)
	defer os.RemoveAll(tempDir)

	configContent := []byte(`
log_level = "invalid"
`)
	configPath := filepath.Join(tempDir, "digd.toml")
	err = os.WriteFile(configPath, configContent, 0o600)
	require.NoError(t, err)

	t.Setenv("DIGD_CONFIG", configPath)

	_, err = config.Load()
	require.Error(t, err)
	assert.Equal(t, errors.ErrInvalidLogLevel, errors.CodeOf(err))
}

func TestReservationExceedsBudget(t *testing.T) {
	tempDir, err := os.MkdirTemp("", "config_test")
	require.NoError(t, err)
	defer os.RemoveAll(tempDir)

	// 95% shell reservation leaves no room for the 10% minimum worker budget.
	configContent := []byte(`
ui_reserved_cpu_percent = 95
normal_budget_percent = 5
`)
	configPath := filepath.Join(tempDir, "digd.toml")
	err = os.WriteFile(configPath, configContent, 0o600)
	require.NoError(t, err)

	t.Setenv("DIGD_CONFIG", configPath)

	_, err = config.Load()
	require.Error(t, err)
	assert.Equal(t, errors.ErrInvalidConfig, errors.CodeOf(err))
}

func TestListenAddrFlag(t *testing.T) {
	// Save original args and restore after test
	oldArgs := os.Args
	defer func() { os.Args = oldArgs }()

	t.Setenv("DIGD_CONFIG", "")
	os.Args = []string{"cmd", "--listen-addr", "127.0.0.1:9999", "--log-level", "debug"}

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9999", cfg.ListenAddr, "Expected ListenAddr to be set by flag")
	assert.Equal(t, "debug", cfg.LogLevel, "Expected LogLevel to be set by flag")
}
