package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	DataDir    string
	DBPath     string
	ResultsDir string

	// ExecTimeout bounds a single node execution.
	ExecTimeout time.Duration
	// SessionIdle is the idle period after which a project's session is
	// evicted.
	SessionIdle time.Duration
}

// fileConfig is the optional config.yaml inside the data directory.
type fileConfig struct {
	ExecTimeout string `yaml:"execution_timeout"`
	SessionIdle string `yaml:"session_idle_timeout"`
}

func New() (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}

	dataDir := getEnv("LOOM_DATA_DIR", filepath.Join(homeDir, ".loom"))

	c := &Config{
		DataDir:     dataDir,
		DBPath:      filepath.Join(dataDir, "loom.db"),
		ResultsDir:  filepath.Join(dataDir, "results"),
		ExecTimeout: 30 * time.Second,
		SessionIdle: 10 * time.Minute,
	}

	if err := c.loadFile(filepath.Join(dataDir, "config.yaml")); err != nil {
		return nil, err
	}

	return c, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}

	if fc.ExecTimeout != "" {
		d, err := time.ParseDuration(fc.ExecTimeout)
		if err != nil {
			return fmt.Errorf("invalid execution_timeout: %w", err)
		}
		c.ExecTimeout = d
	}
	if fc.SessionIdle != "" {
		d, err := time.ParseDuration(fc.SessionIdle)
		if err != nil {
			return fmt.Errorf("invalid session_idle_timeout: %w", err)
		}
		c.SessionIdle = d
	}

	return nil
}

func (c *Config) EnsureDataDir() error {
	if err := os.MkdirAll(c.DataDir, 0755); err != nil {
		return err
	}
	return os.MkdirAll(c.ResultsDir, 0755)
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}
