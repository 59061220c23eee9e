package device

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/eapache/queue"
	"go.uber.org/zap"
)

type hostTask struct {
	name string
	run  func() error
}

// HostStream executes submitted work on a single worker goroutine in
// submission order.
type HostStream struct {
	rt  *HostRuntime
	dev Device
	log *zap.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	pending *queue.Queue
	busy    bool
	closed  bool
	err     error
	done    chan struct{}
}

func newHostStream(rt *HostRuntime, dev Device) *HostStream {
	s := &HostStream{
		rt:      rt,
		dev:     dev,
		log:     rt.log.With(zap.Int("device", int(dev))),
		pending: queue.New(),
		done:    make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	go s.run()
	return s
}

func (s *HostStream) Device() Device { return s.dev }

// Runtime returns the runtime that owns the stream.
func (s *HostStream) Runtime() *HostRuntime { return s.rt }

// Launch enqueues fn. A panic inside fn is reported as the stream's error
// instead of crashing the process.
func (s *HostStream) Launch(name string, fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return newError(hostName, name, ErrStreamClosed, "")
	}
	s.pending.Add(hostTask{name: name, run: fn})
	s.cond.Broadcast()
	return nil
}

func (s *HostStream) CopyToDevice(dst Ptr, src []byte) error {
	if len(src) == 0 {
		return nil
	}
	s.rt.mu.Lock()
	block, err := s.rt.resolveLocked("setvector", dst, len(src))
	s.rt.mu.Unlock()
	if err != nil {
		return err
	}
	snapshot := bytes.Clone(src)
	return s.Launch("setvector", func() error {
		copy(block, snapshot)
		return nil
	})
}

func (s *HostStream) CopyToHost(dst []byte, src Ptr) error {
	if len(dst) == 0 {
		return nil
	}
	s.rt.mu.Lock()
	block, err := s.rt.resolveLocked("getvector", src, len(dst))
	s.rt.mu.Unlock()
	if err != nil {
		return err
	}
	return s.Launch("getvector", func() error {
		copy(dst, block)
		return nil
	})
}

func (s *HostStream) Synchronize() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.pending.Length() > 0 || s.busy {
		s.cond.Wait()
	}
	err := s.err
	s.err = nil
	return err
}

func (s *HostStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		<-s.done
		return nil
	}
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()

	<-s.done

	s.rt.mu.Lock()
	delete(s.rt.streams, s)
	s.rt.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.err
	s.err = nil
	return err
}

func (s *HostStream) run() {
	defer close(s.done)
	for {
		s.mu.Lock()
		for s.pending.Length() == 0 && !s.closed {
			s.cond.Wait()
		}
		if s.pending.Length() == 0 {
			s.mu.Unlock()
			return
		}
		task := s.pending.Remove().(hostTask)
		s.busy = true
		s.mu.Unlock()

		err := task.exec()
		if err != nil {
			s.log.Debug("Stream task failed", zap.String("task", task.name), zap.Error(err))
		}

		s.mu.Lock()
		s.busy = false
		if err != nil && s.err == nil {
			s.err = err
		}
		s.cond.Broadcast()
		s.mu.Unlock()
	}
}

func (t hostTask) exec() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = newError(hostName, t.name, nil, "kernel panic: %v", r)
		}
	}()
	if err := t.run(); err != nil {
		return fmt.Errorf("%s: %w", t.name, err)
	}
	return nil
}
