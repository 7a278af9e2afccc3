// Package config resolves tool locations, timeouts and table schemas from a
// .env file, the process environment and an optional TOML file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
	"github.com/yumyai/clusterfinder/logger"
	"github.com/yumyai/clusterfinder/pkg/table"
	"go.uber.org/zap"
)

// Environment keys. They override values from the TOML file.
const (
	EnvDataDir           = "CLUSTERFINDER_DATA"
	EnvLogLevel          = "CLUSTERFINDER_LOG_LEVEL"
	EnvNextalign         = "NEXTALIGN_BIN"
	EnvNextclade         = "NEXTCLADE_BIN"
	EnvNextcladeDataset  = "NEXTCLADE_DATASET"
	EnvIQTree            = "IQTREE_BIN"
	EnvIQTreeModel       = "IQTREE_MODEL"
	EnvIQTreeBootstrap   = "IQTREE_BOOTSTRAP"
	EnvIQTreeThreads     = "IQTREE_THREADS"
	EnvPython            = "PYTHON_BIN"
	EnvTreeClusterScript = "TREECLUSTER_SCRIPT"
	EnvToolTimeout       = "TOOL_TIMEOUT"
)

type Tools struct {
	Nextalign         string `toml:"nextalign"`
	Nextclade         string `toml:"nextclade"`
	NextcladeDataset  string `toml:"nextclade_dataset"`
	IQTree            string `toml:"iqtree"`
	IQTreeModel       string `toml:"iqtree_model"`
	IQTreeBootstrap   int    `toml:"iqtree_bootstrap"`
	IQTreeThreads     string `toml:"iqtree_threads"`
	Python            string `toml:"python"`
	TreeClusterScript string `toml:"treecluster_script"`
	// Timeout bounds each tool invocation, e.g. "6h". Empty or "0" waits forever.
	Timeout string `toml:"timeout"`
}

type Config struct {
	DataDir    string        `toml:"data_dir"`
	LogLevel   string        `toml:"log_level"`
	LabelScope string        `toml:"label_scope"`
	Tools      Tools         `toml:"tools"`
	Sources    table.Sources `toml:"sources"`
}

func Default() *Config {
	return &Config{
		DataDir:    "./data",
		LogLevel:   "info",
		LabelScope: "group",
		Tools: Tools{
			Nextalign:       "nextalign",
			Nextclade:       "nextclade",
			IQTree:          "iqtree",
			IQTreeModel:     "GTR+G",
			IQTreeBootstrap: 1000,
			IQTreeThreads:   "AUTO",
			Python:          "python",
		},
		Sources: table.DefaultSources(),
	}
}

// Load builds the configuration: defaults, then the TOML file at path (when
// path is not empty), then environment variables. A .env file in the working
// directory is loaded into the environment first if one exists.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		logger.Warn("No .env found, using local environment")
	}

	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file '%s': %w", path, err)
		}
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse TOML: %w", err)
		}
		logger.Info("Loaded config file", zap.String("path", path))
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if _, err := cfg.ToolTimeout(); err != nil {
		return nil, err
	}
	if err := cfg.Sources.Validate(); err != nil {
		return nil, fmt.Errorf("invalid table schema: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	str := map[string]*string{
		EnvDataDir:           &c.DataDir,
		EnvLogLevel:          &c.LogLevel,
		EnvNextalign:         &c.Tools.Nextalign,
		EnvNextclade:         &c.Tools.Nextclade,
		EnvNextcladeDataset:  &c.Tools.NextcladeDataset,
		EnvIQTree:            &c.Tools.IQTree,
		EnvIQTreeModel:       &c.Tools.IQTreeModel,
		EnvIQTreeThreads:     &c.Tools.IQTreeThreads,
		EnvPython:            &c.Tools.Python,
		EnvTreeClusterScript: &c.Tools.TreeClusterScript,
		EnvToolTimeout:       &c.Tools.Timeout,
	}
	for key, dst := range str {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	if v := os.Getenv(EnvIQTreeBootstrap); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %q is not an integer", EnvIQTreeBootstrap, v)
		}
		c.Tools.IQTreeBootstrap = n
	}
	return nil
}

// ToolTimeout parses Tools.Timeout. Zero means no bound.
func (c *Config) ToolTimeout() (time.Duration, error) {
	if c.Tools.Timeout == "" || c.Tools.Timeout == "0" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.Tools.Timeout)
	if err != nil {
		return 0, fmt.Errorf("invalid tool timeout %q: %w", c.Tools.Timeout, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("invalid tool timeout %q: negative", c.Tools.Timeout)
	}
	return d, nil
}

// LedgerPath is where the SQLite run ledger lives.
func (c *Config) LedgerPath() string {
	return filepath.Join(c.DataDir, "db", "runs.db")
}
