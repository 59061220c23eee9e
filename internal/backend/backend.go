// Package backend selects the device runtime and vendor BLAS library a
// process uses.
package backend

import (
	"fmt"

	"github.com/fxnlabs/devblas/internal/config"
	"github.com/fxnlabs/devblas/internal/hostblas"
	"github.com/fxnlabs/devblas/pkg/blas"
	"github.com/fxnlabs/devblas/pkg/device"
	"go.uber.org/zap"
)

// Backend pairs a device session with the BLAS library compiled for its
// runtime. Vendor is nil when no backend is available.
type Backend struct {
	Session *device.Session
	Vendor  blas.Vendor
}

// Open selects the backend named by cfg.Device.Backend. "auto" prefers CUDA
// when it is compiled in and reports at least one device, then falls back to
// the host runtime.
func Open(cfg *config.Config, log *zap.Logger) (*Backend, error) {
	switch cfg.Device.Backend {
	case config.BackendNone:
		log.Info("Using no device backend")
		return &Backend{Session: device.NewSession(device.UnavailableRuntime{}, log)}, nil
	case config.BackendHost:
		return openHost(cfg, log)
	case config.BackendCUDA:
		return openCUDA(log)
	case config.BackendAuto:
		if b, err := openCUDA(log); err == nil {
			if n, err := b.Session.DeviceCount(); err == nil && n > 0 {
				return b, nil
			}
			_ = b.Close()
		}
		log.Info("Using host backend (no CUDA device available)")
		return openHost(cfg, log)
	}
	return nil, fmt.Errorf("unknown device backend %q", cfg.Device.Backend)
}

func openHost(cfg *config.Config, log *zap.Logger) (*Backend, error) {
	rt, err := device.NewHostRuntime(device.HostOptions{
		Devices:         cfg.Device.Host.Devices,
		MemoryPerDevice: cfg.Device.Host.MemoryPerDevice,
		ExplicitDevice:  cfg.Device.Host.ExplicitDevice,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize host runtime: %w", err)
	}
	return &Backend{
		Session: device.NewSession(rt, log),
		Vendor:  hostblas.New(cfg.Device.Host.Workers, log),
	}, nil
}

// NewQueue creates the queue described by cfg.Queue.
func (b *Backend) NewQueue(cfg *config.Config, log *zap.Logger) (*blas.Queue, error) {
	policy, err := blas.ParseHeterogeneousPolicy(cfg.Queue.Heterogeneous)
	if err != nil {
		return nil, err
	}
	return blas.NewQueue(b.Session, b.Vendor, device.Device(cfg.Queue.Device), blas.QueueOptions{
		MaxBatch:      cfg.Queue.MaxBatch,
		Heterogeneous: policy,
	}, log)
}

// Close releases the session's runtime.
func (b *Backend) Close() error {
	return b.Session.Close()
}
