package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/fxnlabs/devblas/internal/backend"
	"github.com/fxnlabs/devblas/internal/challenge"
	"github.com/fxnlabs/devblas/internal/challenge/challengers"
	"github.com/fxnlabs/devblas/internal/config"
	"github.com/fxnlabs/devblas/internal/metrics"
	"github.com/fxnlabs/devblas/internal/selftest"
	"github.com/fxnlabs/devblas/pkg/blas"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Serve metrics and challenges, running the self-test periodically",
		Action: func(c *cli.Context) error {
			cfg, log := fromContext(c)
			app := fx.New(
				serveOptions(cfg, log),
				fx.WithLogger(func() fxevent.Logger {
					return &fxevent.ZapLogger{Logger: log.Named("fx")}
				}),
			)

			startCtx, cancel := context.WithTimeout(c.Context, app.StartTimeout())
			defer cancel()
			if err := app.Start(startCtx); err != nil {
				return err
			}

			select {
			case sig := <-app.Done():
				log.Info("Shutting down", zap.Stringer("signal", sig))
			case <-c.Context.Done():
				log.Info("Shutting down", zap.Error(c.Context.Err()))
			}

			stopCtx, cancel := context.WithTimeout(context.Background(), app.StopTimeout())
			defer cancel()
			return app.Stop(stopCtx)
		},
	}
}

func serveOptions(cfg *config.Config, log *zap.Logger) fx.Option {
	return fx.Options(
		fx.Supply(cfg, log),
		fx.Provide(
			newBackend,
			newQueue,
			challengers.NewSharedQueue,
			newMux,
			newHTTPServer,
		),
		fx.Invoke(
			func(*httpServer) {},
			startSelftestLoop,
		),
	)
}

func newBackend(lc fx.Lifecycle, cfg *config.Config, log *zap.Logger) (*backend.Backend, error) {
	b, err := backend.Open(cfg, log)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return b.Close()
		},
	})
	return b, nil
}

func newQueue(lc fx.Lifecycle, b *backend.Backend, cfg *config.Config, log *zap.Logger) (*blas.Queue, error) {
	q, err := b.NewQueue(cfg, log)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return q.Close()
		},
	})
	return q, nil
}

func newMux(cfg *config.Config, log *zap.Logger, queue *challengers.SharedQueue) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Middleware(promhttp.Handler(), "/metrics"))
	mux.Handle("/challenge", metrics.Middleware(
		challenge.ChallengeHandler(log.Named("challenge"), queue, selftestOptions(cfg)), "/challenge"))
	mux.Handle("/healthz", metrics.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}), "/healthz"))
	return mux
}

// httpServer is the metrics and challenge endpoint.
type httpServer struct {
	srv *http.Server
	mu  sync.Mutex
	ln  net.Listener
}

// Addr returns the bound listen address, or "" before start.
func (s *httpServer) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

func newHTTPServer(lc fx.Lifecycle, cfg *config.Config, mux *http.ServeMux, log *zap.Logger) *httpServer {
	s := &httpServer{
		srv: &http.Server{
			Addr:              cfg.Metrics.ListenAddress,
			Handler:           mux,
			ReadHeaderTimeout: cfg.Metrics.ReadHeaderTimeout,
		},
	}
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ln, err := net.Listen("tcp", s.srv.Addr)
			if err != nil {
				return err
			}
			s.mu.Lock()
			s.ln = ln
			s.mu.Unlock()
			log.Info("Starting server", zap.String("address", ln.Addr().String()))
			go func() {
				if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("Server stopped", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return s.srv.Shutdown(ctx)
		},
	})
	return s
}

func startSelftestLoop(lc fx.Lifecycle, cfg *config.Config, queue *challengers.SharedQueue, log *zap.Logger) {
	interval := cfg.Selftest.Interval
	if interval <= 0 {
		log.Info("Periodic self-test disabled")
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	run := func() {
		err := queue.Do(func(q *blas.Queue) error {
			_, err := selftest.Run(ctx, q, selftestOptions(cfg), log)
			return err
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Error("Periodic self-test failed", zap.Error(err))
		}
	}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				ticker := time.NewTicker(interval)
				defer ticker.Stop()
				run()
				for {
					select {
					case <-ctx.Done():
						return
					case <-ticker.C:
						run()
					}
				}
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
				return nil
			case <-stopCtx.Done():
				return stopCtx.Err()
			}
		},
	})
}
