package socketserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/codefionn/iqdump/internal/config"
	"github.com/codefionn/iqdump/internal/dispatcher"
	"github.com/codefionn/iqdump/internal/executor"
	"github.com/codefionn/iqdump/internal/logger"
)

// acceptRetryDelay throttles the accept loop after a failed Accept so that
// persistent errors such as fd exhaustion do not spin the CPU.
const acceptRetryDelay = 50 * time.Millisecond

// Server represents the TCP diagnostic server
type Server struct {
	cfg        *config.Config
	dispatcher *dispatcher.Dispatcher
	listener   net.Listener
	log        *logger.Logger

	// Session tracking
	connMu   sync.Mutex
	sessions map[string]net.Conn
	maxConns int
	wg       sync.WaitGroup

	// Control
	mu       sync.Mutex
	running  bool
	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

// NewServer creates a new server that runs tools through ex
func NewServer(cfg *config.Config, ex executor.Executor) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if ex == nil {
		return nil, errors.New("executor is nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Server{
		cfg:        cfg,
		dispatcher: dispatcher.New(cfg, ex),
		log:        logger.Global().WithPrefix("server"),
		sessions:   make(map[string]net.Conn),
		maxConns:   cfg.MaxConnections,
		done:       make(chan struct{}),
	}, nil
}

// Start binds the listen address and starts accepting connections in the background
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("server is already running")
	}

	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.ListenAddr, err)
	}
	s.listener = listener

	sessionCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true

	s.wg.Add(1)
	go s.acceptLoop(sessionCtx)

	s.log.Info("diagnostic server listening on %s (max connections: %s)", listener.Addr(), describeLimit(s.maxConns))
	return nil
}

// Addr returns the bound address, or nil before Start
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Done is closed once the accept loop and all sessions have exited after Stop
func (s *Server) Done() <-chan struct{} {
	return s.done
}

// Stop closes the listener, cancels running tools, disconnects every
// session and waits for them to exit
func (s *Server) Stop() error {
	s.stopOnce.Do(func() {
		s.log.Info("stopping diagnostic server...")

		s.mu.Lock()
		listener := s.listener
		cancel := s.cancel
		s.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		if listener != nil {
			if err := listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				s.log.Error("error closing listener: %v", err)
			}
		}

		s.connMu.Lock()
		for id, conn := range s.sessions {
			if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				s.log.Warn("error closing session %s: %v", id, err)
			}
		}
		s.connMu.Unlock()

		s.wg.Wait()

		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		close(s.done)

		s.log.Info("diagnostic server stopped")
	})
	return nil
}

// IsRunning returns whether the server is running
func (s *Server) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// SessionCount returns the number of live sessions
func (s *Server) SessionCount() int {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	return len(s.sessions)
}

// acceptLoop accepts incoming connections until the listener is closed
func (s *Server) acceptLoop(ctx context.Context) {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				s.log.Info("listener closed, exiting accept loop")
				return
			}
			s.log.Error("error accepting connection: %v", err)
			time.Sleep(acceptRetryDelay)
			continue
		}

		session := NewSession(conn, s.dispatcher, SessionOptions{
			KeepOnDecodeError: s.cfg.KeepSessionOnDecodeError,
			ReadIdleTimeout:   s.cfg.Timeouts.ReadIdle(),
			WriteTimeout:      s.cfg.Timeouts.Write(),
		})

		if !s.trackSession(ctx, session.ID, conn) {
			conn.Close()
			continue
		}

		go s.serveSession(ctx, session, conn)
	}
}

func (s *Server) serveSession(ctx context.Context, session *Session, conn net.Conn) {
	defer s.wg.Done()
	defer s.untrackSession(session.ID)
	defer conn.Close()

	if err := session.Run(ctx); err != nil {
		session.log.Error("session ended: %v", err)
		return
	}
	session.log.Info("session ended")
}

// trackSession registers a session and reserves its slot in the wait group.
// It refuses the session when the server is stopping or full.
func (s *Server) trackSession(ctx context.Context, id string, conn net.Conn) bool {
	s.connMu.Lock()
	defer s.connMu.Unlock()

	if ctx.Err() != nil {
		return false
	}
	if s.maxConns > 0 && len(s.sessions) >= s.maxConns {
		s.log.Warn("connection limit reached, rejecting connection from %s", conn.RemoteAddr())
		return false
	}

	s.sessions[id] = conn
	s.wg.Add(1)
	s.log.Info("new connection accepted: %s from %s (total: %d)", id, conn.RemoteAddr(), len(s.sessions))
	return true
}

func (s *Server) untrackSession(id string) {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	delete(s.sessions, id)
}

func describeLimit(n int) string {
	if n <= 0 {
		return "unlimited"
	}
	return fmt.Sprintf("%d", n)
}
