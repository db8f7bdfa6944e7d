// Package config loads the engine's runtime settings and materialized-view
// manifest: a YAML file overlaid with environment variable overrides, an
// optional .env file for local runs, and byte-size/duration parsing for
// the knobs the engine's components expose.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	qaconfig "github.com/adanalytics/queryaccel/infrastructure/config"
)

// LakeSettings configures the partitioned event lake.
type LakeSettings struct {
	Root string `yaml:"root" env:"QA_LAKE_ROOT"`
}

// MVSettings configures the materialized-view builder and registry.
type MVSettings struct {
	Root            string `yaml:"root" env:"QA_MV_ROOT"`
	ManifestPath    string `yaml:"manifest_path" env:"QA_MV_MANIFEST"`
	StalenessPolicy string `yaml:"staleness_policy" env:"QA_MV_STALENESS_POLICY"` // stored only; no component reads it or marks an MV STALE
}

// ExecutorSettings configures the batch executor.
type ExecutorSettings struct {
	Workers        int     `yaml:"workers" env:"QA_EXECUTOR_WORKERS"`
	MemoryLimit    string  `yaml:"memory_limit" env:"QA_EXECUTOR_MEMORY_LIMIT"`
	SamplingRate   float64 `yaml:"sampling_rate" env:"QA_EXECUTOR_SAMPLING_RATE"`
	ResultCacheTTL string  `yaml:"result_cache_ttl" env:"QA_EXECUTOR_RESULT_CACHE_TTL"`
	OutputDir      string  `yaml:"output_dir" env:"QA_EXECUTOR_OUTPUT_DIR"`
}

// MemoryLimitBytes parses ExecutorSettings.MemoryLimit, defaulting to 4 GiB.
func (e ExecutorSettings) MemoryLimitBytes() int64 {
	if e.MemoryLimit == "" {
		return 4 << 30
	}
	n, err := qaconfig.ParseByteSize(e.MemoryLimit)
	if err != nil {
		return 4 << 30
	}
	return n
}

// ResultCacheTTLDuration parses ExecutorSettings.ResultCacheTTL, defaulting
// to disabled (0).
func (e ExecutorSettings) ResultCacheTTLDuration() time.Duration {
	return qaconfig.ParseDurationOrDefault(e.ResultCacheTTL, 0)
}

// TelemetrySettings configures telemetry persistence and the validator.
type TelemetrySettings struct {
	DSN           string `yaml:"dsn" env:"QA_TELEMETRY_DSN"`
	CronSchedule  string `yaml:"cron_schedule" env:"QA_VALIDATOR_CRON"` // empty disables the periodic schedule
	PublishDSN    string `yaml:"publish_dsn" env:"QA_NOTIFY_DSN"`       // pgnotify bus DSN for quarantine events; may equal DSN
}

// LoggingSettings configures structured logging.
type LoggingSettings struct {
	Level  string `yaml:"level" env:"QA_LOG_LEVEL"`
	Format string `yaml:"format" env:"QA_LOG_FORMAT"`
}

// Settings is the engine's top-level runtime configuration.
type Settings struct {
	Lake      LakeSettings      `yaml:"lake"`
	MV        MVSettings        `yaml:"mv"`
	Executor  ExecutorSettings  `yaml:"executor"`
	Telemetry TelemetrySettings `yaml:"telemetry"`
	Logging   LoggingSettings   `yaml:"logging"`
}

// New returns Settings populated with defaults
// (4 GiB memory budget, 10% sampling rate recorded but unused by any scan;
// the physical-core worker count is
// resolved later by the executor itself when Workers is left at 0).
func New() *Settings {
	return &Settings{
		Lake: LakeSettings{Root: "data/lake"},
		MV: MVSettings{
			Root:            "data/mv",
			ManifestPath:    "configs/mv_manifest.yaml",
			StalenessPolicy: "conservative",
		},
		Executor: ExecutorSettings{
			MemoryLimit:  "4GiB",
			SamplingRate: 0.1,
			OutputDir:    "data/results",
		},
		Logging: LoggingSettings{Level: "info", Format: "text"},
	}
}

// Load reads Settings from a YAML file (if present) overlaid with
// environment variable overrides, loading a local .env file first.
func Load() (*Settings, error) {
	_ = godotenv.Load()

	s := New()

	path := strings.TrimSpace(os.Getenv("QA_CONFIG_FILE"))
	if path == "" {
		path = "configs/engine.yaml"
	}
	if err := loadFromFile(path, s); err != nil {
		return nil, err
	}

	if err := envdecode.Decode(s); err != nil {
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("decode env: %w", err)
		}
	}
	return s, nil
}

func loadFromFile(path string, s *Settings) error {
	expanded, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, s)
}
