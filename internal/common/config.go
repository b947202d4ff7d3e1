// -----------------------------------------------------------------------
// Configuration - TOML file plus environment variable overrides
// -----------------------------------------------------------------------

package common

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// ServerConfig controls the HTTP intake API listener.
type ServerConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// LoggingConfig controls arbor logger setup.
type LoggingConfig struct {
	Level      string   `toml:"level"`
	Output     []string `toml:"output"`
	TimeFormat string   `toml:"time_format"`
}

// StorageConfig controls where job bundles, results, and the Badger
// database directory live.
type StorageConfig struct {
	BadgerPath     string `toml:"badger_path"`
	ResetOnStartup bool   `toml:"reset_on_startup"`
	JobsDir        string `toml:"jobs_dir"`
	ResultsDir     string `toml:"results_dir"`
}

// IntakeConfig controls admission control and archive-validation limits (C1/C4).
type IntakeConfig struct {
	MaxUploadBytes   int64 `toml:"max_upload_bytes"`
	MaxQueuedJobs    int   `toml:"max_queued_jobs"`
	MaxZipFiles      int   `toml:"max_zip_files"`
	MaxZipPathDepth  int   `toml:"max_zip_path_depth"`
	MaxUnpackedBytes int64 `toml:"max_unpacked_bytes"`
	MaxFileBytes     int64 `toml:"max_file_bytes"`
}

// DispatcherConfig controls the C5 supervisor loop.
type DispatcherConfig struct {
	Backend        string `toml:"backend"` // "container" or "orchestrator"
	TickInterval   string `toml:"tick_interval"`
	JobTimeoutSecs int    `toml:"job_timeout_secs"`
	StaleAfterMins int    `toml:"stale_after_minutes"`
	ReconcileEvery string `toml:"reconcile_every"`

	// RunInline starts the dispatcher supervisor as a goroutine inside
	// cmd/k2pweb-api rather than requiring a second OS process. Badger's
	// directory lock is exclusive to one process (unlike the original
	// SQLite-backed design, which tolerated concurrent readers/writers
	// across processes), so this is the default; see DESIGN.md.
	RunInline bool `toml:"run_inline"`
}

// ContainerRunnerConfig controls C6 (containerd sandbox execution).
type ContainerRunnerConfig struct {
	ContainerdSocket string `toml:"containerd_socket"`
	Namespace        string `toml:"namespace"`
	Image            string `toml:"image"`
	Entrypoint       string `toml:"entrypoint"`
	ArgsTemplate     string `toml:"args_template"`
	CPUShares        uint64 `toml:"cpu_shares"`
	CPUQuota         int64  `toml:"cpu_quota"`
	CPUPeriod        uint64 `toml:"cpu_period"`
	MemoryBytes      int64  `toml:"memory_bytes"`
	PidsLimit        int64  `toml:"pids_limit"`
	TmpfsSizeBytes   int64  `toml:"tmpfs_size_bytes"`
	HostJobsRoot     string `toml:"host_jobs_root"`
	HostResultsRoot  string `toml:"host_results_root"`
}

// OrchestratorRunnerConfig controls C7 (kubectl-driven Job submission).
type OrchestratorRunnerConfig struct {
	KubectlBin   string `toml:"kubectl_bin"`
	Namespace    string `toml:"namespace"`
	Image        string `toml:"image"`
	HostJobsRoot string `toml:"host_jobs_root"`
}

// MetricsConfig controls the Prometheus /metrics surface.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"`
}

// Config is the top-level configuration struct, loaded as
// defaults -> TOML file(s) -> environment overrides -> CLI flag overrides,
// mirroring the layering the teacher's configuration loader uses.
type Config struct {
	Server       ServerConfig             `toml:"server"`
	Logging      LoggingConfig            `toml:"logging"`
	Storage      StorageConfig            `toml:"storage"`
	Intake       IntakeConfig             `toml:"intake"`
	Dispatcher   DispatcherConfig         `toml:"dispatcher"`
	Container    ContainerRunnerConfig    `toml:"container"`
	Orchestrator OrchestratorRunnerConfig `toml:"orchestrator"`
	Metrics      MetricsConfig            `toml:"metrics"`
}

// NewDefaultConfig returns a Config populated with the service's defaults.
func NewDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Output:     []string{"stdout"},
			TimeFormat: "15:04:05.000",
		},
		Storage: StorageConfig{
			BadgerPath:     "./data/jobstore",
			ResetOnStartup: false,
			JobsDir:        "./data/jobs",
			ResultsDir:     "./data/results",
		},
		Intake: IntakeConfig{
			MaxUploadBytes:   100 * 1024 * 1024,
			MaxQueuedJobs:    100,
			MaxZipFiles:      2000,
			MaxZipPathDepth:  12,
			MaxUnpackedBytes: 512 * 1024 * 1024,
			MaxFileBytes:     64 * 1024 * 1024,
		},
		Dispatcher: DispatcherConfig{
			Backend:        "container",
			TickInterval:   "2s",
			JobTimeoutSecs: 900,
			StaleAfterMins: 30,
			ReconcileEvery: "2s",
			RunInline:      true,
		},
		Container: ContainerRunnerConfig{
			ContainerdSocket: "/run/containerd/containerd.sock",
			Namespace:        "k2pweb",
			CPUShares:        512,
			CPUQuota:         100000,
			CPUPeriod:        100000,
			MemoryBytes:      1024 * 1024 * 1024,
			PidsLimit:        256,
			TmpfsSizeBytes:   64 * 1024 * 1024,
			HostJobsRoot:     "./data/jobs",
			HostResultsRoot:  "./data/results",
		},
		Orchestrator: OrchestratorRunnerConfig{
			KubectlBin:   "kubectl",
			Namespace:    "k2pweb",
			HostJobsRoot: "/mnt/k2pweb/jobs",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    ":9090",
		},
	}
}

// LoadFromFiles loads defaults, merges each TOML file in order (later files
// override earlier ones), then applies environment overrides.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("invalid TOML in %s: %w", path, err)
		}
	}

	applyEnvOverrides(config)

	if err := ValidateReconcileInterval(config.Dispatcher.TickInterval); err != nil {
		return nil, fmt.Errorf("dispatcher.tick_interval: %w", err)
	}
	if err := ValidateReconcileInterval(config.Dispatcher.ReconcileEvery); err != nil {
		return nil, fmt.Errorf("dispatcher.reconcile_every: %w", err)
	}

	return config, nil
}

// applyEnvOverrides reads K2PWEB_-prefixed environment variables, mirroring
// the priority order the teacher's config layer uses (env beats file).
func applyEnvOverrides(config *Config) {
	if v := os.Getenv("K2PWEB_SERVER_HOST"); v != "" {
		config.Server.Host = v
	}
	if v := os.Getenv("K2PWEB_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			config.Server.Port = port
		}
	}
	if v := os.Getenv("K2PWEB_LOG_LEVEL"); v != "" {
		config.Logging.Level = v
	}
	if v := os.Getenv("K2PWEB_STORAGE_BADGER_PATH"); v != "" {
		config.Storage.BadgerPath = v
	}
	if v := os.Getenv("K2PWEB_STORAGE_JOBS_DIR"); v != "" {
		config.Storage.JobsDir = v
	}
	if v := os.Getenv("K2PWEB_STORAGE_RESULTS_DIR"); v != "" {
		config.Storage.ResultsDir = v
	}
	if v := os.Getenv("K2PWEB_MAX_UPLOAD_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			config.Intake.MaxUploadBytes = n
		}
	}
	if v := os.Getenv("K2PWEB_MAX_QUEUED_JOBS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Intake.MaxQueuedJobs = n
		}
	}
	if v := os.Getenv("K2PWEB_MAX_ZIP_FILES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Intake.MaxZipFiles = n
		}
	}
	if v := os.Getenv("K2PWEB_MAX_ZIP_PATH_DEPTH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Intake.MaxZipPathDepth = n
		}
	}
	if v := os.Getenv("K2PWEB_MAX_UNPACKED_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			config.Intake.MaxUnpackedBytes = n
		}
	}
	if v := os.Getenv("K2PWEB_MAX_FILE_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			config.Intake.MaxFileBytes = n
		}
	}
	if v := os.Getenv("K2PWEB_JOB_RUNNER_BACKEND"); v != "" {
		config.Dispatcher.Backend = v
	}
	if v := os.Getenv("K2PWEB_JOB_TIMEOUT_SECS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Dispatcher.JobTimeoutSecs = n
		}
	}
	if v := os.Getenv("K2PWEB_DISPATCHER_TICK_INTERVAL"); v != "" {
		if _, err := time.ParseDuration(v); err == nil {
			config.Dispatcher.TickInterval = v
		}
	}
	if v := os.Getenv("K2PWEB_CONTAINER_IMAGE"); v != "" {
		config.Container.Image = v
	}
	if v := os.Getenv("K2PWEB_CONTAINER_ENTRYPOINT"); v != "" {
		config.Container.Entrypoint = v
	}
	if v := os.Getenv("K2PWEB_ORCHESTRATOR_NAMESPACE"); v != "" {
		config.Orchestrator.Namespace = v
	}
	if v := os.Getenv("K2PWEB_ORCHESTRATOR_IMAGE"); v != "" {
		config.Orchestrator.Image = v
	}
	if v := os.Getenv("K2PWEB_METRICS_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			config.Metrics.Enabled = b
		}
	}
}

// ApplyFlagOverrides applies CLI flag values over the loaded config. A zero
// value for port/host means "flag not supplied", matching the teacher's
// convention of using the flag package's zero values as "unset" sentinels.
func ApplyFlagOverrides(config *Config, port int, host string) {
	if port != 0 {
		config.Server.Port = port
	}
	if host != "" {
		config.Server.Host = host
	}
}

// ValidateReconcileInterval rejects a reconcile interval shorter than one
// second, following the same defensive-minimum-interval check the teacher
// applies to its own scheduled intervals. Called from LoadFromFiles against
// both dispatcher.tick_interval and dispatcher.reconcile_every so a
// misconfigured interval fails fast at startup rather than spinning the
// dispatcher loop needlessly.
func ValidateReconcileInterval(interval string) error {
	d, err := time.ParseDuration(interval)
	if err != nil {
		return fmt.Errorf("invalid interval %q: %w", interval, err)
	}
	if d < time.Second {
		return fmt.Errorf("reconcile interval %q is below the 1s minimum", interval)
	}
	return nil
}
