package bootstrap

import (
	"fmt"
	"os"

	"trade_executor/internal/config"
)

// LoadConfig loads and validates the configuration, then checks the
// environment it needs
func LoadConfig(path string) (*config.Config, error) {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, err
	}

	if err := checkPreFlight(cfg); err != nil {
		return nil, fmt.Errorf("pre-flight checks failed: %w", err)
	}

	return cfg, nil
}

// checkPreFlight makes sure data_path exists and is writable, since the
// pending fill file lives there
func checkPreFlight(cfg *config.Config) error {
	if err := os.MkdirAll(cfg.DataPath, 0o755); err != nil {
		return fmt.Errorf("data_path %s not usable: %w", cfg.DataPath, err)
	}

	probe, err := os.CreateTemp(cfg.DataPath, ".preflight-*")
	if err != nil {
		return fmt.Errorf("data_path %s not writable: %w", cfg.DataPath, err)
	}
	name := probe.Name()
	probe.Close()
	_ = os.Remove(name)

	if info, err := os.Stat(cfg.PendingPath()); err == nil && info.IsDir() {
		return fmt.Errorf("%s is a directory", cfg.PendingPath())
	}
	return nil
}
