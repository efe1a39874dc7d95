package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type ServerOptions struct {
	Addr        string
	MetricsAddr string
	Commands    Commands
	Session     SessionOptions
}

// Server accepts TCP connections and runs one Session per connection.
type Server struct {
	opts   ServerOptions
	logger *slog.Logger
	reg    *Registry

	listener net.Listener
	metrics  *http.Server

	// wg counts the accept loop and every session goroutine.
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopping chan struct{}
	errCh    chan error
}

func NewServer(opts ServerOptions, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Commands == (Commands{}) {
		opts.Commands = DefaultCommands()
	}
	return &Server{
		opts:     opts,
		logger:   logger,
		reg:      NewRegistry(128, opts.Commands, logger),
		stopping: make(chan struct{}),
		errCh:    make(chan error, 1),
	}
}

func (s *Server) Registry() *Registry {
	return s.reg
}

// Addr returns the bound listener address, or "" before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Err delivers the fatal listener error, if one happens.
func (s *Server) Err() <-chan error {
	return s.errCh
}

func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.opts.Addr, err)
	}
	s.listener = ln

	if s.opts.MetricsAddr != "" {
		s.startMetrics()
	}

	go s.reg.Run()

	s.wg.Add(1)
	go s.acceptLoop(ln)

	s.logger.Info("server started", "addr", ln.Addr().String())
	return nil
}

// Stop closes the listener and every session, waits for the accept loop and
// session goroutines to finish, then stops the registry.
func (s *Server) Stop() {
	s.logger.Info("shutting down")
	s.shutdown()
	s.wg.Wait()

	s.reg.Stop()
	s.reg.Wait()
	s.logger.Info("shutdown complete")
}

func (s *Server) shutdown() {
	s.stopOnce.Do(func() {
		close(s.stopping)
		if s.listener != nil {
			_ = s.listener.Close()
		}
		s.reg.Shutdown()
		if s.metrics != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = s.metrics.Shutdown(ctx)
		}
	})
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.stopping:
				return
			default:
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				s.logger.Warn("accept timeout", "error", err)
				continue
			}
			s.logger.Error("accept failed", "error", err)
			s.shutdown()
			s.errCh <- fmt.Errorf("accept: %w", err)
			return
		}

		s.logger.Info("client connected", "addr", conn.RemoteAddr().String())

		sess := NewSession(conn, s.reg, s.opts.Session, s.logger)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			sess.Run()
		}()
	}
}

func (s *Server) startMetrics() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	s.metrics = &http.Server{
		Addr:              s.opts.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := s.metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("metrics server failed", "error", err)
		}
	}()
	s.logger.Info("metrics endpoint started", "addr", s.opts.MetricsAddr)
}
