//go:build !cuda
// +build !cuda

package backend

import (
	"github.com/fxnlabs/devblas/pkg/device"
	"go.uber.org/zap"
)

// openCUDA reports the backend as unavailable when the cuda build tag is NOT present.
func openCUDA(log *zap.Logger) (*Backend, error) {
	return nil, &device.Error{Op: "backend_open", Backend: "cuda", Kind: device.ErrBackendUnavailable}
}
