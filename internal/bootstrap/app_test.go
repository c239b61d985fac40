package bootstrap

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"trade_executor/internal/config"
	"trade_executor/pkg/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, mutate func(*config.Config)) string {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.DataPath = filepath.Join(dir, "data")
	cfg.Telemetry.EnableMetrics = false
	if mutate != nil {
		mutate(cfg)
	}
	path := filepath.Join(dir, "config.json")
	require.NoError(t, cfg.Save(path))
	return path
}

func TestLoadConfig_CreatesDataPath(t *testing.T) {
	path := writeConfig(t, nil)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	info, err := os.Stat(cfg.DataPath)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestLoadConfig_PendingPathIsDirectory(t *testing.T) {
	path := writeConfig(t, nil)
	cfg, err := config.LoadConfig(path)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(cfg.PendingPath(), 0o755))

	_, err = LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pre-flight")
}

func TestNewApp(t *testing.T) {
	path := writeConfig(t, func(c *config.Config) { c.LogLevel = "DEBUG" })

	app, err := NewApp(path)
	require.NoError(t, err)
	defer app.Close()

	assert.Equal(t, path, app.ConfigPath)
	assert.Equal(t, 0, app.Alerts.Channels())
}

func TestApp_RunReturnsFirstError(t *testing.T) {
	app := &App{Logger: logging.NewNop()}
	boom := errors.New("listener failed")

	var sawCancel bool
	err := app.Run(
		RunnerFunc(func(ctx context.Context) error { return boom }),
		RunnerFunc(func(ctx context.Context) error {
			<-ctx.Done()
			sawCancel = true
			return ctx.Err()
		}),
	)

	assert.ErrorIs(t, err, boom)
	assert.True(t, sawCancel)
}

func TestApp_RunCleanExit(t *testing.T) {
	app := &App{Logger: logging.NewNop()}
	err := app.Run(RunnerFunc(func(ctx context.Context) error {
		select {
		case <-time.After(10 * time.Millisecond):
		case <-ctx.Done():
		}
		return nil
	}))
	assert.NoError(t, err)
}

func TestApp_RunContextStopsOnCancel(t *testing.T) {
	app := &App{Logger: logging.NewNop()}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := app.RunContext(ctx, RunnerFunc(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}))
	assert.NoError(t, err)
}

func TestSignalContext_CancelledBySIGTERM(t *testing.T) {
	ctx, stop := SignalContext()
	defer stop()

	require.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGTERM))

	select {
	case <-ctx.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("signal context not cancelled")
	}
}
