// Package config resolves the kernel's runtime configuration: defaults,
// layered with an optional YAML file, layered with environment variable
// overrides, loaded once and cached behind a singleton the way the
// teacher's internal/config package does it.
package config

import (
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

// SandboxMode selects how PYTHON:/tool syscalls are executed.
type SandboxMode string

const (
	SandboxHost      SandboxMode = "host"
	SandboxContainer SandboxMode = "container"
	SandboxWasm      SandboxMode = "wasm"
)

// Config is the fully-resolved set of knobs the kernel reads at startup.
// Sub-structs mirror the subsystem they configure so each package can take
// just its slice of Config rather than the whole thing.
type Config struct {
	Listen   ListenConfig  `yaml:"listen"`
	Metrics  MetricsConfig `yaml:"metrics"`
	Paths    PathsConfig   `yaml:"paths"`
	Memory   MemoryConfig  `yaml:"memory"`
	Swap     SwapConfig    `yaml:"swap"`
	Mirror   MirrorConfig  `yaml:"mirror"`
	Sandbox  SandboxConfig `yaml:"sandbox"`
	LogLevel string        `yaml:"log_level"`
}

type ListenConfig struct {
	Addr string `yaml:"addr"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

type PathsConfig struct {
	ModelsDir    string `yaml:"models_dir"`
	WorkspaceDir string `yaml:"workspace_dir"`
}

type MemoryConfig struct {
	BlockSize            int `yaml:"block_size"`
	HiddenDim            int `yaml:"hidden_dim"`
	TotalMemoryMB        int `yaml:"total_memory_mb"`
	TokenSlotQuotaPerPID int `yaml:"token_slot_quota_per_pid"`
}

type SwapConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
}

type MirrorConfig struct {
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
}

type SandboxConfig struct {
	Mode              SandboxMode `yaml:"mode"`
	AllowHostFallback bool        `yaml:"allow_host_fallback"`
	TimeoutSeconds    int         `yaml:"timeout_s"`
	MaxCallsPerWindow int         `yaml:"max_calls_per_window"`
	WindowSeconds     int         `yaml:"window_s"`
	ErrorBurstKill    int         `yaml:"error_burst_kill"`
	RunscPath         string      `yaml:"runsc_path"`
	ContainerImage    string      `yaml:"container_image"`
	PoolMinIdle       int         `yaml:"pool_min_idle"`
	PoolMax           int         `yaml:"pool_max"`
}

var (
	once sync.Once
	cfg  *Config
)

// Get returns the process-wide Config, loading it on first call from
// .env, then AGENTKERNEL_CONFIG_FILE (if set), then the environment.
// Subsequent calls return the same cached value.
func Get() *Config {
	once.Do(func() {
		_ = godotenv.Load()
		c, err := Load(getEnv("AGENTKERNEL_CONFIG_FILE", ""))
		if err != nil {
			// A missing or malformed config file shouldn't stop a kernel
			// that can run entirely off defaults and environment overrides.
			c = defaults()
			c.applyEnvOverrides()
		}
		cfg = c
	})
	return cfg
}

// Load builds a Config starting from defaults, layering in path (a YAML
// file) if non-empty, then applying every AGENTIC_*/AGENTKERNEL_*
// environment override. Exported (rather than folded into Get) so tests
// and cmd/agentkerneld can build one without touching the singleton.
func Load(path string) (*Config, error) {
	c := defaults()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		if err := yaml.NewDecoder(f).Decode(c); err != nil {
			return nil, err
		}
	}
	c.applyEnvOverrides()
	return c, nil
}

func defaults() *Config {
	return &Config{
		Listen:  ListenConfig{Addr: "127.0.0.1:6379"},
		Metrics: MetricsConfig{Addr: "127.0.0.1:9464"},
		Paths: PathsConfig{
			ModelsDir:    "./models",
			WorkspaceDir: "./workspace",
		},
		Memory: MemoryConfig{
			BlockSize:            256,
			HiddenDim:            4096,
			TotalMemoryMB:        2048,
			TokenSlotQuotaPerPID: 8192,
		},
		Swap: SwapConfig{
			Enabled: true,
			Dir:     "./workspace/swap",
		},
		Mirror: MirrorConfig{
			RedisAddr: "",
			RedisDB:   0,
		},
		Sandbox: SandboxConfig{
			Mode:              SandboxHost,
			AllowHostFallback: true,
			TimeoutSeconds:    8,
			MaxCallsPerWindow: 12,
			WindowSeconds:     10,
			ErrorBurstKill:    3,
			RunscPath:         "runsc",
			ContainerImage:    "python:3.11-alpine",
			PoolMinIdle:       0,
			PoolMax:           4,
		},
		LogLevel: "info",
	}
}

func (c *Config) applyEnvOverrides() {
	c.Listen.Addr = getEnv("AGENTKERNEL_LISTEN_ADDR", c.Listen.Addr)
	c.Metrics.Addr = getEnv("AGENTKERNEL_METRICS_ADDR", c.Metrics.Addr)

	c.Paths.ModelsDir = getEnv("AGENTKERNEL_MODELS_DIR", c.Paths.ModelsDir)
	c.Paths.WorkspaceDir = getEnv("AGENTKERNEL_WORKSPACE_DIR", c.Paths.WorkspaceDir)

	c.Memory.BlockSize = getEnvInt("AGENTKERNEL_BLOCK_SIZE", c.Memory.BlockSize)
	c.Memory.HiddenDim = getEnvInt("AGENTKERNEL_HIDDEN_DIM", c.Memory.HiddenDim)
	c.Memory.TotalMemoryMB = getEnvInt("AGENTKERNEL_TOTAL_MEMORY_MB", c.Memory.TotalMemoryMB)
	c.Memory.TokenSlotQuotaPerPID = getEnvInt("AGENTKERNEL_TOKEN_SLOT_QUOTA_PER_PID", c.Memory.TokenSlotQuotaPerPID)

	c.Swap.Enabled = getEnvBool("AGENTKERNEL_SWAP_ENABLED", c.Swap.Enabled)
	c.Swap.Dir = getEnv("AGENTKERNEL_SWAP_DIR", c.Swap.Dir)

	c.Mirror.RedisAddr = getEnv("AGENTKERNEL_REDIS_ADDR", c.Mirror.RedisAddr)
	c.Mirror.RedisPassword = getEnv("AGENTKERNEL_REDIS_PASSWORD", c.Mirror.RedisPassword)
	c.Mirror.RedisDB = getEnvInt("AGENTKERNEL_REDIS_DB", c.Mirror.RedisDB)

	if mode := getEnv("AGENTIC_SANDBOX_MODE", string(c.Sandbox.Mode)); mode != "" {
		c.Sandbox.Mode = SandboxMode(strings.ToLower(mode))
	}
	c.Sandbox.AllowHostFallback = getEnvBool("AGENTIC_ALLOW_HOST_FALLBACK", c.Sandbox.AllowHostFallback)
	c.Sandbox.TimeoutSeconds = getEnvInt("AGENTIC_SYSCALL_TIMEOUT_S", c.Sandbox.TimeoutSeconds)
	c.Sandbox.MaxCallsPerWindow = getEnvInt("AGENTIC_SYSCALL_MAX_PER_WINDOW", c.Sandbox.MaxCallsPerWindow)
	c.Sandbox.WindowSeconds = getEnvInt("AGENTIC_SYSCALL_WINDOW_S", c.Sandbox.WindowSeconds)
	c.Sandbox.ErrorBurstKill = getEnvInt("AGENTIC_SYSCALL_ERROR_BURST_KILL", c.Sandbox.ErrorBurstKill)
	c.Sandbox.RunscPath = getEnv("AGENTKERNEL_RUNSC_PATH", c.Sandbox.RunscPath)
	c.Sandbox.ContainerImage = getEnv("AGENTKERNEL_CONTAINER_IMAGE", c.Sandbox.ContainerImage)
	c.Sandbox.PoolMinIdle = getEnvInt("AGENTKERNEL_SANDBOX_POOL_MIN_IDLE", c.Sandbox.PoolMinIdle)
	c.Sandbox.PoolMax = getEnvInt("AGENTKERNEL_SANDBOX_POOL_MAX", c.Sandbox.PoolMax)

	c.LogLevel = getEnv("AGENTKERNEL_LOG_LEVEL", c.LogLevel)
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func getEnvInt(key string, fallback int) int {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
