package challengers

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/fxnlabs/devblas/internal/selftest"
	"github.com/fxnlabs/devblas/pkg/blas"
	"go.uber.org/zap"
)

// SelftestChallenger runs a dispatch self-test on demand.
type SelftestChallenger struct {
	queue *SharedQueue
	opts  selftest.Options
}

func NewSelftestChallenger(queue *SharedQueue, opts selftest.Options) *SelftestChallenger {
	return &SelftestChallenger{queue: queue, opts: opts}
}

// Execute runs the self-test. The payload may override batch, size and seed.
// A failed check is part of the returned report, not an error.
func (c *SelftestChallenger) Execute(payload interface{}, log *zap.Logger) (interface{}, error) {
	opts := c.opts
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		var req struct {
			Batch *int   `json:"batch"`
			Size  *int   `json:"size"`
			Seed  *int64 `json:"seed"`
		}
		if err := json.Unmarshal(data, &req); err != nil {
			log.Error("Failed to unmarshal self-test options", zap.Error(err))
			return nil, err
		}
		if req.Batch != nil {
			opts.Batch = *req.Batch
		}
		if req.Size != nil {
			opts.Size = *req.Size
		}
		if req.Seed != nil {
			opts.Seed = *req.Seed
		}
		if err := opts.CheckSize(); err != nil {
			log.Warn("Rejected self-test options", zap.Error(err))
			return nil, err
		}
	}

	var report *selftest.Report
	err := c.queue.Do(func(q *blas.Queue) error {
		var err error
		report, err = selftest.Run(context.Background(), q, opts, log)
		return err
	})
	if err != nil && !errors.Is(err, selftest.ErrFailed) {
		return nil, err
	}
	return report, nil
}
