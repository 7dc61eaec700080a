// Package server owns the process-wide resources spec.md §5's "pool of
// worker threads, each hosting several sessions" translates to in Go: a
// net.Listener, the bbolt-backed change store, the event broker, the
// session registry, and an HTTP sidecar for health and metrics. Its
// lifecycle shape (Config, stopCh, New/Start/Stop) is grounded on the
// teacher's pkg/worker.Worker.
package server

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/vaultsync/vaultsync/pkg/events"
	"github.com/vaultsync/vaultsync/pkg/log"
	"github.com/vaultsync/vaultsync/pkg/metrics"
	"github.com/vaultsync/vaultsync/pkg/serverstore"
	"github.com/vaultsync/vaultsync/pkg/session"
)

// Config bundles everything a Server needs to accept connections.
type Config struct {
	ListenAddr  string
	MetricsAddr string
	DataDir     string

	// MaxSessions bounds how many connections are served concurrently;
	// additional accepted connections block until a slot frees up.
	MaxSessions int

	IdleTimeout   time.Duration
	DownLimit     int
	DownThreshold int
	QuotaLimit    int64
}

func (c *Config) setDefaults() {
	if c.MaxSessions <= 0 {
		c.MaxSessions = 1024
	}
}

// Server is the top-level process object run by cmd/vaultsyncd.
type Server struct {
	cfg    Config
	logger zerolog.Logger

	listener net.Listener
	health   *healthServer

	store     *serverstore.Store
	broker    *events.Broker
	registry  *registry
	collector *metrics.Collector

	sem    chan struct{}
	wg     sync.WaitGroup
	stopCh chan struct{}
}

// New opens the store, starts the broker, and prepares a Server ready
// for Start. It does not bind a listener yet.
func New(cfg Config) (*Server, error) {
	cfg.setDefaults()

	broker := events.NewBroker()
	broker.Start()

	store, err := serverstore.Open(cfg.DataDir, broker)
	if err != nil {
		broker.Stop()
		return nil, errors.Wrap(err, "server: open store")
	}

	s := &Server{
		cfg:      cfg,
		logger:   log.WithComponent("server"),
		store:    store,
		broker:   broker,
		registry: newRegistry(),
		sem:      make(chan struct{}, cfg.MaxSessions),
		stopCh:   make(chan struct{}),
	}
	s.collector = metrics.NewCollector(store)
	s.health = newHealthServer(s)
	return s, nil
}

// Start binds the sync listener and the HTTP sidecar and begins
// accepting connections. It returns once both listeners are bound;
// the accept loop and HTTP server run in background goroutines until
// Stop is called.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		metrics.RegisterComponent("listener", false, err.Error())
		return errors.Wrap(err, "server: listen")
	}
	s.listener = ln
	metrics.RegisterComponent("listener", true, "")
	metrics.RegisterComponent("serverstore", true, "")

	s.collector.Start()

	s.wg.Add(1)
	go s.acceptLoop()

	if s.cfg.MetricsAddr != "" {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.health.Start(s.cfg.MetricsAddr); err != nil {
				s.logger.Warn().Err(err).Msg("server: health sidecar stopped")
			}
		}()
	}

	s.logger.Info().Str("addr", s.cfg.ListenAddr).Msg("server: listening")
	return nil
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stopCh:
				return
			default:
				s.logger.Warn().Err(err).Msg("server: accept failed")
				return
			}
		}

		select {
		case s.sem <- struct{}{}:
		case <-s.stopCh:
			_ = conn.Close()
			return
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() { <-s.sem }()
			s.serve(conn)
		}()
	}
}

func (s *Server) serve(conn net.Conn) {
	sess, err := session.New(conn, session.Config{
		Store:         s.store,
		Registry:      s.registry,
		Broker:        s.broker,
		IdleTimeout:   s.cfg.IdleTimeout,
		DownLimit:     s.cfg.DownLimit,
		DownThreshold: s.cfg.DownThreshold,
		QuotaLimit:    s.cfg.QuotaLimit,
	})
	if err != nil {
		s.logger.Warn().Err(err).Msg("server: session setup failed")
		_ = conn.Close()
		return
	}
	sess.Run()
}

// Stop closes the listener, waits for in-flight sessions to drain (or
// ctx to expire, whichever comes first), then tears down the store,
// broker, and collector.
func (s *Server) Stop(ctx context.Context) error {
	close(s.stopCh)
	if s.listener != nil {
		_ = s.listener.Close()
	}
	if s.health != nil {
		_ = s.health.Stop(ctx)
	}
	s.collector.Stop()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn().Msg("server: shutdown deadline hit with sessions still draining")
	}

	s.broker.Stop()
	return errors.Wrap(s.store.Close(), "server: close store")
}

// ActiveSessions reports the number of device ids currently registered
// with a live session, for the /ready handler and metrics.
func (s *Server) ActiveSessions() int {
	return s.registry.activeCount()
}
