//go:build cuda
// +build cuda

package backend

import (
	"github.com/fxnlabs/devblas/internal/cublas"
	"github.com/fxnlabs/devblas/pkg/device"
	"go.uber.org/zap"
)

// openCUDA pairs the CUDA runtime with cuBLAS when the cuda build tag is present.
func openCUDA(log *zap.Logger) (*Backend, error) {
	log.Info("Using CUDA GPU backend")
	return &Backend{
		Session: device.NewSession(device.NewCUDARuntime(log), log),
		Vendor:  cublas.New(log),
	}, nil
}
