package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"
)

type connectResult struct {
	deviceID string
	err      error
}

// Connect dials a peer, sends HANDSHAKE and waits for ACCEPT or REJECT. On
// ACCEPT the session is bound and served like an inbound one; REJECT yields
// ErrPeerRejected.
func (s *Server) Connect(ctx context.Context, address string) (string, error) {
	select {
	case <-s.closed:
		return "", net.ErrClosed
	default:
	}

	dialer := net.Dialer{Timeout: s.opts.HandshakeTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return "", fmt.Errorf("dial %s: %w", address, err)
	}

	session := newSession(conn, s.opts.SendTimeout, s.opts.PairingTimeout, s.opts.Logger)
	if !s.track(session) {
		_ = session.Close()
		return "", net.ErrClosed
	}

	results := make(chan connectResult, 1)
	var reportOnce sync.Once
	report := func(id string, err error) {
		reportOnce.Do(func() { results <- connectResult{deviceID: id, err: err} })
	}

	go func() {
		s.serve(session, func(env Envelope) (string, error) {
			switch env.Kind {
			case KindAccept:
				id, err := s.opts.Handshaker.HandleAccept(s.ctx, session, env)
				report(id, err)
				return id, err
			case KindReject:
				s.opts.Metrics.observeHandshake("rejected_by_peer")
				_ = session.Close()
				report("", ErrPeerRejected)
				return "", ErrPeerRejected
			default:
				s.opts.Metrics.observeDrop("unbound")
				return "", nil
			}
		})
		report("", errors.New("session closed before pairing completed"))
	}()

	hello := s.opts.Handshaker.localHello(session)
	if err := session.SendLine(FormatHandshake(hello)); err != nil {
		_ = session.Close()
		return "", fmt.Errorf("send handshake: %w", err)
	}
	s.logger.Debug("handshake sent", zap.String("address", address), zap.String("session_id", session.ID()))

	select {
	case r := <-results:
		return r.deviceID, r.err
	case <-ctx.Done():
		_ = session.Close()
		return "", ctx.Err()
	}
}
