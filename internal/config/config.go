/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package config holds process-wide configuration for ignitiond: the
// default tenant/namespace, store location, worker pool sizing, retry
// policy and the observability stack. It is the confinement point for the
// "no mutable globals" design note: everything else reads its settings
// from a *Config passed in at construction time.
package config

import (
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v2"
)

// Config holds all configuration for ignitiond.
type Config struct {
	// Log holds logging configuration.
	Log LogConfig `yaml:"log"`

	// Tracing holds tracing configuration.
	Tracing TracingConfig `yaml:"tracing"`

	// Store holds persistent KV store configuration.
	Store StoreConfig `yaml:"store"`

	// Net holds allocator configuration (IP pool, TAP bridge, port range).
	Net NetConfig `yaml:"net"`

	// VMM holds microVM lifecycle defaults.
	VMM VMMConfig `yaml:"vmm"`

	// Workers holds controller runtime worker pool sizing.
	Workers WorkerConfig `yaml:"workers"`

	// Retry holds the default backoff policy for transient reconcile errors.
	Retry RetryConfig `yaml:"retry"`

	// Defaults holds process-wide defaults (tenant, namespace, TTLs).
	Defaults DefaultsConfig `yaml:"defaults"`

	// API holds the HTTP API listener configuration.
	API APIConfig `yaml:"api"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `yaml:"level"`
	Format      string `yaml:"format"`
	Sampling    bool   `yaml:"sampling"`
	Development bool   `yaml:"development"`
}

// TracingConfig holds tracing configuration.
type TracingConfig struct {
	Enabled           bool    `yaml:"enabled"`
	Endpoint          string  `yaml:"endpoint"`
	SamplingRatio     float64 `yaml:"samplingRatio"`
	InsecureTransport bool    `yaml:"insecureTransport"`
}

// StoreConfig holds persistent KV store configuration.
type StoreConfig struct {
	DataDir string        `yaml:"dataDir"`
	Timeout time.Duration `yaml:"timeout"`
}

// NetConfig holds network allocator configuration.
type NetConfig struct {
	CIDR        string `yaml:"cidr"`
	Bridge      string `yaml:"bridge"`
	TapPrefix   string `yaml:"tapPrefix"`
	PortRangeLo int    `yaml:"portRangeLo"`
	PortRangeHi int    `yaml:"portRangeHi"`
}

// VMMConfig holds microVM lifecycle defaults.
type VMMConfig struct {
	KernelPath     string `yaml:"kernelPath"`
	InitrdPath     string `yaml:"initrdPath"`
	MMIOSize       int64  `yaml:"mmioSize"`
	MaxVCPUs       int    `yaml:"maxVCPUs"`
	StateRetention string `yaml:"stateRetention"`
}

// WorkerConfig holds worker pool configuration.
type WorkerConfig struct {
	PerController int `yaml:"perController"`
}

// RetryConfig holds the retry/backoff policy for transient failures.
type RetryConfig struct {
	MaxAttempts int           `yaml:"maxAttempts"`
	BaseDelay   time.Duration `yaml:"baseDelay"`
	MaxDelay    time.Duration `yaml:"maxDelay"`
	Multiplier  float64       `yaml:"multiplier"`
}

// DefaultsConfig holds process-wide defaults.
type DefaultsConfig struct {
	Tenant    string `yaml:"tenant"`
	Namespace string `yaml:"namespace"`
}

// APIConfig holds the HTTP API listener configuration.
type APIConfig struct {
	Addr string `yaml:"addr"`
}

// DefaultConfig returns a default configuration, seeded from environment
// variables where present.
func DefaultConfig() *Config {
	return &Config{
		Log: LogConfig{
			Level:       getEnvWithDefault("LOG_LEVEL", "info"),
			Format:      getEnvWithDefault("LOG_FORMAT", "json"),
			Sampling:    getEnvBoolWithDefault("LOG_SAMPLING", true),
			Development: getEnvBoolWithDefault("LOG_DEVELOPMENT", false),
		},
		Tracing: TracingConfig{
			Enabled:           getEnvBoolWithDefault("IGNITION_TRACING_ENABLED", false),
			Endpoint:          getEnvWithDefault("IGNITION_TRACING_ENDPOINT", ""),
			SamplingRatio:     getEnvFloatWithDefault("IGNITION_TRACING_SAMPLING_RATIO", 0.1),
			InsecureTransport: getEnvBoolWithDefault("IGNITION_TRACING_INSECURE", true),
		},
		Store: StoreConfig{
			DataDir: getEnvWithDefault("IGNITION_DATA_DIR", "/var/lib/ignitiond"),
			Timeout: getEnvDurationWithDefault("IGNITION_STORE_TIMEOUT", 5*time.Second),
		},
		Net: NetConfig{
			CIDR:        getEnvWithDefault("IGNITION_NET_CIDR", "172.20.0.0/16"),
			Bridge:      getEnvWithDefault("IGNITION_NET_BRIDGE", "ignition0"),
			TapPrefix:   getEnvWithDefault("IGNITION_NET_TAP_PREFIX", "igtap"),
			PortRangeLo: getEnvIntWithDefault("IGNITION_PORT_RANGE_LO", 20000),
			PortRangeHi: getEnvIntWithDefault("IGNITION_PORT_RANGE_HI", 40000),
		},
		VMM: VMMConfig{
			KernelPath:     getEnvWithDefault("IGNITION_KERNEL_PATH", ""),
			InitrdPath:     getEnvWithDefault("IGNITION_INITRD_PATH", ""),
			MMIOSize:       getEnvInt64WithDefault("IGNITION_MMIO_SIZE", 768<<20),
			MaxVCPUs:       getEnvIntWithDefault("IGNITION_MAX_VCPUS", 32),
			StateRetention: getEnvWithDefault("IGNITION_STATE_RETENTION", "in-memory"),
		},
		Workers: WorkerConfig{
			PerController: getEnvIntWithDefault("WORKERS_PER_CONTROLLER", 4),
		},
		Retry: RetryConfig{
			MaxAttempts: getEnvIntWithDefault("RETRY_MAX_ATTEMPTS", 5),
			BaseDelay:   getEnvDurationWithDefault("RETRY_BASE_DELAY", 500*time.Millisecond),
			MaxDelay:    getEnvDurationWithDefault("RETRY_MAX_DELAY", 30*time.Second),
			Multiplier:  getEnvFloatWithDefault("RETRY_MULTIPLIER", 2.0),
		},
		Defaults: DefaultsConfig{
			Tenant:    getEnvWithDefault("IGNITION_DEFAULT_TENANT", "default"),
			Namespace: getEnvWithDefault("IGNITION_DEFAULT_NAMESPACE", "default"),
		},
		API: APIConfig{
			Addr: getEnvWithDefault("IGNITION_API_ADDR", ":7777"),
		},
	}
}

// Manager manages configuration with hot-reload capability.
type Manager struct {
	mu       sync.RWMutex
	config   *Config
	watchers []chan *Config
	watcher  *fsnotify.Watcher
	file     string
}

// NewManager creates a new configuration manager, optionally loading
// overrides from a YAML file.
func NewManager(configFile string) (*Manager, error) {
	cfg := DefaultConfig()

	if configFile != "" {
		if err := loadFromFile(configFile, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	m := &Manager{
		config:   cfg,
		watchers: make([]chan *Config, 0),
		file:     configFile,
	}

	if configFile != "" {
		if err := m.setupFileWatcher(); err != nil {
			fmt.Printf("warning: failed to set up config file watcher: %v\n", err)
		}
	}

	return m, nil
}

// Get returns the current configuration.
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// Watch returns a channel that receives configuration updates.
func (m *Manager) Watch() <-chan *Config {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch := make(chan *Config, 1)
	m.watchers = append(m.watchers, ch)
	ch <- m.config

	return ch
}

// Update replaces the configuration and notifies watchers.
func (m *Manager) Update(cfg *Config) {
	m.mu.Lock()
	m.config = cfg
	watchers := make([]chan *Config, len(m.watchers))
	copy(watchers, m.watchers)
	m.mu.Unlock()

	for _, w := range watchers {
		select {
		case w <- cfg:
		default:
		}
	}
}

// Close shuts down the manager and its file watcher.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, w := range m.watchers {
		close(w)
	}
	m.watchers = nil

	if m.watcher != nil {
		return m.watcher.Close()
	}
	return nil
}

func (m *Manager) setupFileWatcher() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	m.watcher = watcher

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&fsnotify.Write == fsnotify.Write {
					m.reloadConfig()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				fmt.Printf("config file watcher error: %v\n", err)
			}
		}
	}()

	return watcher.Add(m.file)
}

func (m *Manager) reloadConfig() {
	cfg := DefaultConfig()
	if err := loadFromFile(m.file, cfg); err != nil {
		fmt.Printf("error reloading config: %v\n", err)
		return
	}
	m.Update(cfg)
}

func loadFromFile(filename string, cfg *Config) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// Backoff computes the delay for the given retry attempt (0-indexed),
// capped at MaxDelay.
func (c RetryConfig) Backoff(attempt int) time.Duration {
	d := float64(c.BaseDelay)
	for i := 0; i < attempt; i++ {
		d *= c.Multiplier
	}
	delay := time.Duration(d)
	if delay > c.MaxDelay {
		delay = c.MaxDelay
	}
	return delay
}

func getEnvWithDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBoolWithDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvIntWithDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvInt64WithDefault(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvFloatWithDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDurationWithDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
