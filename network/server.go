package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultPairingTimeout bounds how long an outbound session waits for the
// remote ACCEPT, which may include a remote user approval.
const DefaultPairingTimeout = 90 * time.Second

// ServerOptions configures a Server.
type ServerOptions struct {
	Sessions   *SessionManager
	Handshaker *Handshaker
	Dispatcher *Dispatcher

	HandshakeTimeout time.Duration
	PairingTimeout   time.Duration
	SendTimeout      time.Duration

	Logger  *zap.Logger
	Metrics *Metrics
}

func (o ServerOptions) withDefaults() ServerOptions {
	out := o
	if out.HandshakeTimeout <= 0 {
		out.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if out.PairingTimeout <= 0 {
		out.PairingTimeout = DefaultPairingTimeout
	}
	if out.SendTimeout <= 0 {
		out.SendTimeout = DefaultSendTimeout
	}
	if out.Logger == nil {
		out.Logger = zap.NewNop()
	}
	return out
}

func (o ServerOptions) validate() error {
	if o.Sessions == nil {
		return errors.New("session manager is required")
	}
	if o.Handshaker == nil {
		return errors.New("handshaker is required")
	}
	if o.Dispatcher == nil {
		return errors.New("dispatcher is required")
	}
	return nil
}

// unboundHandler decides what to do with a frame on a session that is not
// yet bound. It returns the bound device ID or "" to keep waiting.
type unboundHandler func(env Envelope) (string, error)

// Server accepts inbound TCP sessions and runs one receive loop per session.
type Server struct {
	listener net.Listener
	opts     ServerOptions
	logger   *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	errs chan error

	liveMu sync.Mutex
	live   map[*Session]struct{}

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Listen starts a TCP listener and accept loop.
func Listen(address string, options ServerOptions) (*Server, error) {
	opts := options.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}

	if address == "" {
		address = ":0"
	}

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("listen on %q: %w", address, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	server := &Server{
		listener: listener,
		opts:     opts,
		logger:   opts.Logger.Named("server"),
		ctx:      ctx,
		cancel:   cancel,
		errs:     make(chan error, 16),
		live:     make(map[*Session]struct{}),
		closed:   make(chan struct{}),
	}

	server.wg.Add(1)
	go server.acceptLoop()
	return server, nil
}

// Addr returns the listening address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Port returns the listening TCP port.
func (s *Server) Port() int {
	if addr, ok := s.listener.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}

// Errors returns asynchronous accept errors.
func (s *Server) Errors() <-chan error {
	return s.errs
}

// Close stops accepting, closes every live session and waits for all
// receive loops to exit.
func (s *Server) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		s.liveMu.Lock()
		close(s.closed)
		s.cancel()
		closeErr = s.listener.Close()
		for session := range s.live {
			_ = session.Close()
		}
		s.liveMu.Unlock()

		s.wg.Wait()
		close(s.errs)
	})
	return closeErr
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}

			s.reportError(fmt.Errorf("accept connection: %w", err))
			continue
		}

		session := newSession(conn, s.opts.SendTimeout, s.opts.HandshakeTimeout, s.opts.Logger)
		if !s.track(session) {
			_ = session.Close()
			return
		}
		s.logger.Debug("accepted connection", zap.String("session_id", session.ID()), zap.Stringer("remote", conn.RemoteAddr()))

		go s.serve(session, func(env Envelope) (string, error) {
			return s.opts.Handshaker.HandleFirstFrame(s.ctx, session, env)
		})
	}
}

// serve runs the receive loop of one session. Frames are handled strictly in
// arrival order; handler work is queued on the session.
func (s *Server) serve(session *Session, onUnbound unboundHandler) {
	defer s.wg.Done()
	defer s.untrack(session)

	deviceID := ""
	err := session.readFrames(s.ctx, func(frame string) {
		env, err := ParseEnvelope(frame)
		if err != nil {
			s.opts.Metrics.observeDrop(dropReason(err))
			s.logger.Debug("dropping frame", zap.String("session_id", session.ID()), zap.Error(err))
			return
		}
		s.opts.Metrics.observeFrame(env.Kind)

		if deviceID == "" {
			id, err := onUnbound(env)
			if err != nil || id == "" {
				return
			}
			deviceID = id
			if env.Kind == KindHandshake || env.Kind == KindAccept {
				return
			}
		}
		s.opts.Dispatcher.Handle(s.ctx, session, deviceID, env)
	})

	logger := s.logger.With(zap.String("session_id", session.ID()), zap.String("device_id", deviceID))
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		logger.Debug("session ended")
	case errors.Is(err, ErrFrameTooLarge):
		s.opts.Metrics.observeDrop("oversize")
		logger.Warn("closing session after oversized frame")
	default:
		logger.Debug("session read failed", zap.Error(err))
	}

	s.opts.Sessions.Unbind(session)
	_ = session.Close()
}

// track registers a live session and its receive loop with the wait group.
func (s *Server) track(session *Session) bool {
	s.liveMu.Lock()
	defer s.liveMu.Unlock()
	select {
	case <-s.closed:
		return false
	default:
	}
	s.live[session] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(session *Session) {
	s.liveMu.Lock()
	delete(s.live, session)
	s.liveMu.Unlock()
}

func (s *Server) reportError(err error) {
	if err == nil {
		return
	}

	// Accept loop shutdown produces expected net.ErrClosed errors.
	if errors.Is(err, net.ErrClosed) {
		return
	}

	s.logger.Warn("server error", zap.Error(err))
	select {
	case s.errs <- err:
	default:
	}
}

func dropReason(err error) string {
	switch {
	case errors.Is(err, ErrUnknownHeader):
		return "unknown_header"
	default:
		return "malformed"
	}
}
