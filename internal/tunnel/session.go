// Package tunnel implements the localhost tunnel client core: a supervised
// WebSocket control channel to the relay, heartbeat keepalive, inbound frame
// routing, and concurrent forwarding of tunneled requests to a local server.
package tunnel

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"

	"github.com/hookline/hookline/internal/config"
)

const (
	wsHandshakeTimeout  = 10 * time.Second
	controlWriteTimeout = 15 * time.Second
	controlReadLimit    = 32 * 1024 * 1024
	controlQueueSize    = 16
	dataQueueSize       = 64
	closeGracePeriod    = 1 * time.Second
)

// ErrSessionOpen is returned by Open when the session already holds (or is
// establishing) a control channel.
var ErrSessionOpen = errors.New("tunnel session already open")

// State is the supervisor's view of the control channel.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosing
	StateLost
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateLost:
		return "lost"
	}
	return "unknown"
}

// Session is the logical tunnel: one control channel to the relay, forwarding
// to one local target. At most one channel is open at a time; only the
// supervisor mutates the state field.
type Session struct {
	cfg    config.ClientConfig
	log    *slog.Logger
	events Events
	fwd    *forwarder

	// Overridable in tests for deterministic reconnect behavior.
	dial  func(ctx context.Context, endpoint string) (*websocket.Conn, error)
	after func(d time.Duration) <-chan time.Time

	backoff *backoff.Backoff

	mu         sync.Mutex
	state      State
	closing    bool
	rt         *runtime
	reconnects int
	closeCh    chan struct{}
	done       chan struct{}
}

// New creates a Session. The logger may be nil; any Events handler may be nil.
func New(cfg config.ClientConfig, logger *slog.Logger, ev Events) *Session {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.UpstreamTimeout <= 0 {
		cfg.UpstreamTimeout = 30 * time.Second
	}
	if cfg.PingInterval == 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = 10
	}
	if cfg.ReconnectBaseDelay <= 0 {
		cfg.ReconnectBaseDelay = 1 * time.Second
	}

	return &Session{
		cfg:    cfg,
		log:    logger,
		events: ev,
		fwd:    newForwarder(cfg, logger),
		backoff: &backoff.Backoff{
			Min:    cfg.ReconnectBaseDelay,
			Max:    cfg.ReconnectBaseDelay << 9,
			Factor: 2,
			Jitter: false,
		},
		dial:  dialControl,
		after: time.After,
	}
}

func dialControl(ctx context.Context, endpoint string) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: wsHandshakeTimeout,
		TLSClientConfig:  &tls.Config{MinVersion: tls.VersionTLS12},
	}
	conn, _, err := dialer.DialContext(ctx, endpoint, nil)
	return conn, err
}

// Open establishes the control channel. It resolves once the channel is ready
// and fails if the very first attempt cannot connect; after that the
// supervisor recovers losses on its own with bounded exponential backoff.
// A Close issued while the first dial is in flight wins: the connection is
// discarded and Open returns nil with the session back in Idle.
func (s *Session) Open(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return ErrSessionOpen
	}
	s.state = StateConnecting
	s.closing = false
	s.closeCh = make(chan struct{})
	s.done = make(chan struct{})
	s.mu.Unlock()

	conn, err := s.dial(ctx, s.cfg.EndpointURL)
	if err != nil {
		s.mu.Lock()
		s.state = StateIdle
		done := s.done
		s.mu.Unlock()
		close(done)
		return fmt.Errorf("control channel connect: %w", err)
	}

	rt := s.attach(conn)
	if rt == nil {
		// Close raced the first dial and won; the connection was discarded.
		s.mu.Lock()
		s.state = StateIdle
		done := s.done
		s.mu.Unlock()
		close(done)
		return nil
	}
	go s.supervise(ctx, rt)
	return nil
}

// Close performs a scoped graceful shutdown: suppresses reconnects, stops the
// heartbeat, sends a normal-closure signal, and waits for the supervisor to
// settle in Idle. Forwards already in flight complete but write nothing.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.state == StateIdle || s.closing {
		s.mu.Unlock()
		return nil
	}
	s.closing = true
	if s.state == StateOpen {
		s.state = StateClosing
	}
	rt := s.rt
	done := s.done
	close(s.closeCh)
	s.mu.Unlock()

	if rt != nil {
		rt.shutdown(true)
	}
	if done != nil {
		<-done
	}
	return nil
}

// IsConnected reports whether the control channel is currently open.
func (s *Session) IsConnected() bool {
	return s.State() == StateOpen
}

// State returns the supervisor state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ReconnectCount returns the number of reconnect attempts since the last
// successful open.
func (s *Session) ReconnectCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reconnects
}

// Done reports supervisor termination: the channel closes when the session
// returns to Idle, whether through Close, context cancellation, or an
// exhausted reconnect budget. Valid after a successful Open.
func (s *Session) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// attach installs a freshly dialed connection: state moves to Open, the
// reconnect counter and backoff reset, subscribers are notified, and the
// heartbeat and read loops start. The closing check and the runtime install
// happen under one lock hold, so a Close that wins the race is observed here
// and the connection is discarded with attach returning nil.
func (s *Session) attach(conn *websocket.Conn) *runtime {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		_ = conn.Close()
		return nil
	}
	rt := newRuntime(s, conn)
	s.rt = rt
	s.state = StateOpen
	s.reconnects = 0
	s.mu.Unlock()
	s.backoff.Reset()

	s.log.Info("control channel open", "endpoint", s.cfg.EndpointURL)
	s.events.connect()
	rt.start()
	return rt
}

// supervise reacts to connection loss for the session's whole life: it parks
// on the current runtime, and on unexpected termination walks the reconnect
// policy until a dial succeeds, the budget runs out, or the session closes.
func (s *Session) supervise(ctx context.Context, rt *runtime) {
	defer func() {
		s.mu.Lock()
		done := s.done
		s.mu.Unlock()
		close(done)
	}()

	for {
		err := rt.wait()
		rt.shutdown(false)

		if s.isClosing() || ctx.Err() != nil {
			s.setState(StateIdle)
			return
		}

		s.setState(StateLost)
		s.log.Warn("control channel lost", "err", err)
		s.events.disconnect()
		s.events.error(err)

		conn := s.redial(ctx)
		if conn == nil {
			s.setState(StateIdle)
			if !s.isClosing() && ctx.Err() == nil {
				s.log.Error("reconnect budget exhausted; giving up",
					"attempts", s.cfg.MaxReconnectAttempts)
				s.events.disconnect()
			}
			return
		}
		rt = s.attach(conn)
		if rt == nil {
			s.setState(StateIdle)
			return
		}
	}
}

// redial walks the backoff schedule. It returns a fresh connection, or nil
// once the attempt budget is spent or the session is closing. The attempt
// counter increments on every scheduled attempt and is reset only by attach.
func (s *Session) redial(ctx context.Context) *websocket.Conn {
	for {
		s.mu.Lock()
		if s.closing || s.reconnects >= s.cfg.MaxReconnectAttempts {
			s.mu.Unlock()
			return nil
		}
		s.reconnects++
		attempt := s.reconnects
		closeCh := s.closeCh
		s.mu.Unlock()

		delay := s.backoff.Duration()
		s.log.Info("scheduling reconnect", "attempt", attempt, "delay", delay.String())
		select {
		case <-ctx.Done():
			return nil
		case <-closeCh:
			return nil
		case <-s.after(delay):
		}

		s.setState(StateConnecting)
		conn, err := s.dial(ctx, s.cfg.EndpointURL)
		if err != nil {
			s.log.Warn("reconnect failed", "attempt", attempt, "err", err)
			s.events.error(err)
			s.setState(StateLost)
			continue
		}

		s.mu.Lock()
		if s.closing {
			s.mu.Unlock()
			_ = conn.Close()
			return nil
		}
		s.mu.Unlock()
		return conn
	}
}

func (s *Session) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

// setState transitions the supervisor state, except that an in-progress Close
// keeps Closing until the final Idle.
func (s *Session) setState(st State) {
	s.mu.Lock()
	if s.closing && st != StateIdle {
		s.mu.Unlock()
		return
	}
	s.state = st
	s.mu.Unlock()
}
