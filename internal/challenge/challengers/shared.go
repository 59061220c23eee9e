package challengers

import (
	"sync"

	"github.com/fxnlabs/devblas/pkg/blas"
)

// SharedQueue serializes work from concurrent requests onto one queue, whose
// pointer-array buffer admits a single batched call at a time.
type SharedQueue struct {
	mu sync.Mutex
	q  *blas.Queue
}

func NewSharedQueue(q *blas.Queue) *SharedQueue {
	return &SharedQueue{q: q}
}

// Do runs fn with exclusive use of the queue.
func (s *SharedQueue) Do(fn func(q *blas.Queue) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.q)
}

// Queue returns the underlying queue for read-only inspection.
func (s *SharedQueue) Queue() *blas.Queue { return s.q }
