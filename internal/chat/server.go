package chat

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andy6609/roomchat-server/internal/access"
	"github.com/andy6609/roomchat-server/internal/config"
	"github.com/andy6609/roomchat-server/internal/engine"
	"github.com/andy6609/roomchat-server/internal/msglog"
	"github.com/andy6609/roomchat-server/internal/room"
	"github.com/andy6609/roomchat-server/internal/session"
	"github.com/andy6609/roomchat-server/internal/workerpool"
)

const shutdownNotice = "Server is shutting down. Goodbye!"

// Server wires every component together and owns their lifetimes.
type Server struct {
	cfg    config.Config
	logger *slog.Logger

	sessions   *session.Registry
	access     *access.Control
	rooms      *room.Registry
	log        *msglog.Log
	pool       *workerpool.Pool
	engine     *engine.Engine
	dispatcher *Dispatcher
	store      ModerationStore

	stopSweep chan struct{}
	sweepDone chan struct{}
	started   atomic.Bool
	stopOnce  sync.Once
}

type Option func(*Server)

// WithStore persists bans and admin actions.
func WithStore(st ModerationStore) Option {
	return func(s *Server) { s.store = st }
}

func NewServer(cfg config.Config, logger *slog.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:       cfg,
		logger:    logger,
		sessions:  session.NewRegistry(),
		rooms:     room.NewRegistry(),
		stopSweep: make(chan struct{}),
		sweepDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.access = access.New(access.Config{
		MaxConnections:   cfg.MaxConnections,
		MaxConnPerSecond: cfg.MaxConnPerSecond,
		MaxMsgPerMinute:  cfg.MaxMsgPerMinute,
		IdleTimeout:      cfg.IdleTimeout(),
		IPRate:           cfg.IPConnRate,
		IPBurst:          cfg.IPConnBurst,
	}, logger)
	s.log = msglog.New(msglog.Config{
		MaxPerRoom:   cfg.HistorySize,
		Persist:      cfg.Persist,
		Dir:          cfg.LogDir,
		MaxFileBytes: cfg.LogMaxBytes,
	}, logger)
	s.dispatcher = NewDispatcher(Deps{
		Sessions: s.sessions,
		Access:   s.access,
		Rooms:    s.rooms,
		Log:      s.log,
		Store:    s.store,
		Admins:   cfg.Admins,
		Logger:   logger,
	})
	s.pool = workerpool.New(cfg.Workers, logger)
	s.engine = engine.New(engine.Config{
		Addr:      cfg.Addr(),
		IOThreads: cfg.IOThreads,
		Admit:     s.admit,
	}, s.sessions, s.pool, s.dispatcher, logger)
	s.dispatcher.transport = s.engine

	return s
}

// Start restores persisted bans, starts the engine and the idle sweeper.
func (s *Server) Start() error {
	if s.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		bans, err := s.store.Bans(ctx)
		cancel()
		if err != nil {
			s.logger.Warn("loading persisted bans failed", "error", err)
		}
		for _, b := range bans {
			s.access.Ban(b.Host)
		}
		if len(bans) > 0 {
			s.logger.Info("restored bans", "count", len(bans))
		}
	}

	if err := s.engine.Start(); err != nil {
		return err
	}
	s.started.Store(true)
	go s.sweep()

	s.logger.Info("server started", "addr", s.engine.Addr().String(), "workers", s.pool.Size())
	return nil
}

// Addr is the bound listen address.
func (s *Server) Addr() net.Addr {
	return s.engine.Addr()
}

// Stop announces the shutdown, stops the engine and drains the worker pool.
// It is idempotent.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		s.logger.Info("shutting down")

		s.dispatcher.Announce(shutdownNotice)

		close(s.stopSweep)
		if s.started.Load() {
			<-s.sweepDone
		}
		s.engine.Stop()
		s.pool.Shutdown()

		if err := s.log.Close(); err != nil {
			s.logger.Error("closing message log", "error", err)
		}
		s.logger.Info("shutdown complete")
	})
}

// admit is the engine's admission hook; it runs on the accept goroutine.
func (s *Server) admit(remoteAddr string) error {
	err := s.access.AllowConnection(remoteAddr, s.sessions.Count())
	switch {
	case err == nil:
		return nil
	case errors.Is(err, access.ErrBanned):
		return rejection(errLine(ErrBanned, "You are banned from this server."))
	case errors.Is(err, access.ErrServerFull):
		return rejection(errLine(ErrServerFull, "Server is full. Try again later."))
	default:
		return rejection(errLine(ErrConnRateLimited, "Too many connection attempts. Try again later."))
	}
}

// sweep disconnects idle sessions on every tick. Detection lives in access;
// the engine makes the actual teardown idempotent.
func (s *Server) sweep() {
	defer close(s.sweepDone)

	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			for _, id := range s.access.CheckTimeouts(s.sessions.Snapshot()) {
				s.dispatcher.send(id, systemLine("Disconnected after being idle too long."))
				if s.engine.Disconnect(id) {
					s.logger.Info("idle session disconnected", "id", id)
				}
			}
			s.access.PruneHosts()
		case <-s.stopSweep:
			return
		}
	}
}
