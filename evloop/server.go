//go:build linux
// +build linux

package evloop

import (
	"context"
	"os/signal"
	"sync"
	"syscall"

	"github.com/fzft/go-evserver/config"
	"github.com/fzft/go-evserver/log"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Server runs one EventLoop from a config.Config and stops it on
// SIGINT, SIGTERM or SIGQUIT.
type Server struct {
	cfg      config.Config
	mu       sync.Mutex
	loop     *EventLoop
	onAccept Handler
	onRead   Handler
}

func NewServer(cfg config.Config) *Server {
	return &Server{cfg: cfg}
}

// SetHandler binds the on-read handler. Without one the server echoes.
func (s *Server) SetHandler(h Handler) {
	s.onRead = h
}

// SetAcceptHandler binds the on-accept handler.
func (s *Server) SetAcceptHandler(h Handler) {
	s.onAccept = h
}

// Loop returns the running loop, nil before Run.
func (s *Server) Loop() *EventLoop {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loop
}

// Run blocks until ctx is done, a signal arrives or the loop fails.
func (s *Server) Run(ctx context.Context) error {
	if err := s.cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	loop := NewEventLoop(
		WithLogger(log.Logger),
		WithMaxEvents(s.cfg.MaxEvents),
		WithMaxHandlers(s.cfg.MaxHandlers),
		WithWriteTimeout(s.cfg.WriteTimeout),
	)
	if err := loop.Configure(s.cfg.Port, s.cfg.Backlog); err != nil {
		return err
	}

	if s.onRead == nil {
		s.onRead = EchoHandler(s.cfg.EchoDelayMin, s.cfg.EchoDelayMax, log.Logger)
	}
	if err := loop.OnRead(s.onRead); err != nil {
		return err
	}
	if s.onAccept != nil {
		if err := loop.OnAccept(s.onAccept); err != nil {
			return err
		}
	}
	s.mu.Lock()
	s.loop = loop
	s.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return loop.Listen(gctx)
	})
	g.Go(func() error {
		select {
		case <-loop.Ready():
			log.Logger.Info("server started", zap.Int("port", loop.Port()))
		case <-gctx.Done():
		}
		return nil
	})

	err := g.Wait()

	// sockets are closed by now, running handlers fail on their next I/O
	d := loop.Dispatcher()
	if s.cfg.ShutdownTimeout > 0 && !d.WaitTimeout(s.cfg.ShutdownTimeout) {
		log.Logger.Warn("handlers still running after shutdown timeout",
			zap.Duration("timeout", s.cfg.ShutdownTimeout),
			zap.Int64("handlers in flight", d.InFlight()))
	}
	log.Logger.Info("shutting down server",
		zap.Int64("handlers in flight", d.InFlight()),
		zap.Int64("handlers dispatched", d.Dispatched()),
		zap.Int64("handler panics", d.Panics()))
	return err
}
