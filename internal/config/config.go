package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Backend names accepted by device.backend.
const (
	BackendAuto = "auto"
	BackendHost = "host"
	BackendCUDA = "cuda"
	BackendNone = "none"
)

type Config struct {
	Logger struct {
		Verbosity string `yaml:"verbosity"`
		Encoding  string `yaml:"encoding"`
	} `yaml:"logger"`
	Device struct {
		Backend string `yaml:"backend"`
		Host    struct {
			Devices         int   `yaml:"devices"`
			MemoryPerDevice int64 `yaml:"memoryPerDevice"`
			ExplicitDevice  bool  `yaml:"explicitDevice"`
			Workers         int   `yaml:"workers"`
		} `yaml:"host"`
	} `yaml:"device"`
	Queue struct {
		Device        int    `yaml:"device"`
		MaxBatch      int    `yaml:"maxBatch"`
		Heterogeneous string `yaml:"heterogeneous"`
	} `yaml:"queue"`
	Metrics struct {
		ListenAddress     string        `yaml:"listenAddress"`
		ReadHeaderTimeout time.Duration `yaml:"readHeaderTimeout"`
	} `yaml:"metrics"`
	Selftest struct {
		Interval time.Duration `yaml:"interval"`
		Batch    int           `yaml:"batch"`
		Size     int           `yaml:"size"`
		MaxSize  int           `yaml:"maxSize"`
	} `yaml:"selftest"`
}

// Default returns the configuration used for unset fields.
func Default() *Config {
	var c Config
	c.Logger.Verbosity = "info"
	c.Logger.Encoding = "json"
	c.Device.Backend = BackendAuto
	c.Device.Host.Devices = 1
	c.Device.Host.MemoryPerDevice = 1 << 30
	c.Queue.MaxBatch = 1024
	c.Queue.Heterogeneous = "fallback"
	c.Metrics.ListenAddress = ":9464"
	c.Metrics.ReadHeaderTimeout = 5 * time.Second
	c.Selftest.Interval = time.Minute
	c.Selftest.Batch = 16
	c.Selftest.Size = 8
	c.Selftest.MaxSize = 256
	return &c
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	config := Default()
	err = yaml.Unmarshal(data, config)
	if err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}

	return config, nil
}

// Validate rejects values no component can work with.
func (c *Config) Validate() error {
	switch c.Device.Backend {
	case BackendAuto, BackendHost, BackendCUDA, BackendNone:
	default:
		return fmt.Errorf("unknown device backend %q", c.Device.Backend)
	}
	if c.Device.Host.Devices < 0 {
		return fmt.Errorf("device.host.devices must not be negative")
	}
	if c.Queue.Device < 0 {
		return fmt.Errorf("queue.device must not be negative")
	}
	if c.Queue.MaxBatch <= 0 {
		return fmt.Errorf("queue.maxBatch must be positive")
	}
	switch c.Queue.Heterogeneous {
	case "fallback", "reject":
	default:
		return fmt.Errorf("unknown queue.heterogeneous policy %q", c.Queue.Heterogeneous)
	}
	if c.Selftest.Batch < 0 || c.Selftest.Batch > c.Queue.MaxBatch {
		return fmt.Errorf("selftest.batch must be within [0, queue.maxBatch]")
	}
	if c.Selftest.MaxSize <= 0 {
		return fmt.Errorf("selftest.maxSize must be positive")
	}
	if c.Selftest.Size <= 0 || c.Selftest.Size > c.Selftest.MaxSize {
		return fmt.Errorf("selftest.size must be within [1, selftest.maxSize]")
	}
	return nil
}
