// Package server implements the syncbox sync server: a TCP accept loop,
// a per-connection protocol engine, the per-user session registry, and
// the fan-out engine that propagates each observed change to the user's
// other devices.
package server

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/syncbox/syncbox/internal/logger"
	"github.com/syncbox/syncbox/pkg/metrics"
	"github.com/syncbox/syncbox/pkg/store"
)

// Config holds the sync server settings.
type Config struct {
	// BindAddress is the IP address to bind to. Empty or "0.0.0.0" binds
	// all interfaces.
	BindAddress string

	// Port is the TCP port to listen on.
	Port int

	// MaxConnections limits concurrent TCP connections across all users.
	// 0 means unlimited. The per-user device limit is MaxConnsPerUser and
	// is not configurable.
	MaxConnections int

	// ShutdownTimeout is the maximum wait for active connections to drain
	// during graceful shutdown before they are force-closed.
	ShutdownTimeout time.Duration

	// AckTimeout bounds every wait for an acknowledgement frame, both in
	// download streaming and in fan-out pushes.
	AckTimeout time.Duration

	// PollInterval is the read deadline the engine uses between requests,
	// which is how quickly it notices queued pushes and shutdown.
	PollInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
	if c.AckTimeout == 0 {
		c.AckTimeout = 10 * time.Second
	}
	if c.PollInterval == 0 {
		c.PollInterval = 200 * time.Millisecond
	}
}

// Server accepts sync connections and runs one protocol engine per
// connection. All exported methods are safe for concurrent use; shutdown
// is idempotent.
type Server struct {
	cfg      Config
	root     *store.Root
	registry *Registry
	fanout   *Fanout
	metrics  metrics.SyncMetrics

	listener   net.Listener
	listenerMu sync.RWMutex

	// ListenerReady is closed once the listener accepts connections. Tests
	// use it together with GetListenerAddr to synchronize with startup.
	ListenerReady chan struct{}

	shutdown     chan struct{}
	shutdownOnce sync.Once

	activeConns sync.WaitGroup
	connCount   atomic.Int32
	connSem     chan struct{}

	// activeConnections maps remote address to net.Conn for the shutdown
	// path: interrupting blocked reads and force-closing stragglers.
	activeConnections sync.Map
}

// New creates a server over the given storage root. The metrics recorder
// may be nil to disable collection.
func New(cfg Config, root *store.Root, m metrics.SyncMetrics) *Server {
	cfg.applyDefaults()

	var sem chan struct{}
	if cfg.MaxConnections > 0 {
		sem = make(chan struct{}, cfg.MaxConnections)
	}

	registry := NewRegistry()
	return &Server{
		cfg:           cfg,
		root:          root,
		registry:      registry,
		fanout:        NewFanout(registry, m),
		metrics:       m,
		ListenerReady: make(chan struct{}),
		shutdown:      make(chan struct{}),
		connSem:       sem,
	}
}

// Registry exposes the session table, primarily for the admin API.
func (s *Server) Registry() *Registry {
	return s.registry
}

// Serve runs the accept loop until ctx is cancelled or the listener
// fails. It returns nil on graceful shutdown.
func (s *Server) Serve(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.BindAddress, s.cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	s.listenerMu.Lock()
	s.listener = listener
	s.listenerMu.Unlock()
	close(s.ListenerReady)

	logger.Info("sync server listening", logger.KeyAddr, listener.Addr().String())

	go func() {
		<-ctx.Done()
		s.initiateShutdown()
	}()

	for {
		if s.connSem != nil {
			select {
			case s.connSem <- struct{}{}:
			case <-s.shutdown:
				return s.gracefulShutdown()
			}
		}

		nc, err := listener.Accept()
		if err != nil {
			if s.connSem != nil {
				<-s.connSem
			}
			select {
			case <-s.shutdown:
				return s.gracefulShutdown()
			default:
				logger.Debug("accept failed", logger.KeyError, err.Error())
				continue
			}
		}

		if tcp, ok := nc.(*net.TCPConn); ok {
			if err := tcp.SetNoDelay(true); err != nil {
				logger.Debug("set TCP_NODELAY failed", logger.KeyError, err.Error())
			}
		}

		s.activeConns.Add(1)
		count := s.connCount.Add(1)
		addr := nc.RemoteAddr().String()
		s.activeConnections.Store(addr, nc)

		if s.metrics != nil {
			s.metrics.RecordConnectionAccepted()
			s.metrics.SetActiveConnections(count)
		}
		logger.Debug("connection accepted", logger.KeyRemote, addr, "active", count)

		conn := newConn(s, nc)
		go func(addr string) {
			defer func() {
				s.activeConnections.Delete(addr)
				s.activeConns.Done()
				remaining := s.connCount.Add(-1)
				if s.connSem != nil {
					<-s.connSem
				}
				if s.metrics != nil {
					s.metrics.RecordConnectionClosed()
					s.metrics.SetActiveConnections(remaining)
				}
				logger.Debug("connection closed", logger.KeyRemote, addr, "active", remaining)
			}()
			conn.Serve(ctx)
		}(addr)
	}
}

// Stop initiates graceful shutdown and waits for connections to drain,
// bounded by ctx when given or by ShutdownTimeout otherwise. Safe to call
// multiple times and concurrently with Serve.
func (s *Server) Stop(ctx context.Context) error {
	s.initiateShutdown()
	if ctx == nil {
		return s.gracefulShutdown()
	}

	done := make(chan struct{})
	go func() {
		s.activeConns.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.fanout.Close()
		return nil
	case <-ctx.Done():
		s.forceCloseConnections()
		s.fanout.Close()
		return ctx.Err()
	}
}

func (s *Server) initiateShutdown() {
	s.shutdownOnce.Do(func() {
		logger.Debug("sync server shutdown initiated")
		close(s.shutdown)

		s.listenerMu.Lock()
		if s.listener != nil {
			if err := s.listener.Close(); err != nil {
				logger.Debug("close listener failed", logger.KeyError, err.Error())
			}
		}
		s.listenerMu.Unlock()

		// Short deadline on every live connection unblocks engines parked
		// in a read so they observe the shutdown channel.
		deadline := time.Now().Add(100 * time.Millisecond)
		s.activeConnections.Range(func(_, value any) bool {
			if nc, ok := value.(net.Conn); ok {
				_ = nc.SetReadDeadline(deadline)
			}
			return true
		})
	})
}

func (s *Server) gracefulShutdown() error {
	active := s.connCount.Load()
	logger.Info("waiting for active connections", "active", active, "timeout", s.cfg.ShutdownTimeout)

	done := make(chan struct{})
	go func() {
		s.activeConns.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.fanout.Close()
		logger.Info("sync server stopped")
		return nil
	case <-time.After(s.cfg.ShutdownTimeout):
		remaining := s.connCount.Load()
		logger.Warn("shutdown timeout exceeded, force-closing connections", "active", remaining)
		s.forceCloseConnections()
		s.fanout.Close()
		return fmt.Errorf("shutdown timeout: %d connections force-closed", remaining)
	}
}

func (s *Server) forceCloseConnections() {
	s.activeConnections.Range(func(key, value any) bool {
		if nc, ok := value.(net.Conn); ok {
			if err := nc.Close(); err != nil {
				logger.Debug("force-close failed", logger.KeyRemote, key, logger.KeyError, err.Error())
			}
		}
		return true
	})
}

// GetListenerAddr blocks until the listener is ready and returns its
// address. Tests bind port 0 and read the assigned address here.
func (s *Server) GetListenerAddr() string {
	<-s.ListenerReady

	s.listenerMu.RLock()
	defer s.listenerMu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// ActiveConnections returns the current connection count.
func (s *Server) ActiveConnections() int32 {
	return s.connCount.Load()
}
