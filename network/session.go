package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrSessionClosed is returned when writing to a closed session.
	ErrSessionClosed = errors.New("network: session closed")
)

const (
	readChunkSize     = 32 * 1024
	handlerQueueDepth = 64
)

// Session is one live transport connection. It owns the connection, the
// partial-frame buffer and a serial handler queue; it knows nothing about
// which peer it is bound to.
type Session struct {
	id     string
	conn   net.Conn
	logger *zap.Logger

	buffer *FrameBuffer

	sendMu      sync.Mutex
	sendTimeout time.Duration

	// unboundTimeout is the read deadline applied while no peer is bound;
	// zero once bound.
	unboundTimeout atomic.Int64

	jobs      chan func()
	jobsDone  chan struct{}
	closeOnce sync.Once
	closed    chan struct{}

	errMu    sync.Mutex
	closeErr error
}

func newSession(conn net.Conn, sendTimeout, unboundTimeout time.Duration, logger *zap.Logger) *Session {
	if sendTimeout <= 0 {
		sendTimeout = DefaultSendTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	id := uuid.NewString()
	s := &Session{
		id:          id,
		conn:        conn,
		logger:      logger.With(zap.String("session_id", id), zap.Stringer("remote", conn.RemoteAddr())),
		buffer:      NewFrameBuffer(MaxFrameSize),
		sendTimeout: sendTimeout,
		jobs:        make(chan func(), handlerQueueDepth),
		jobsDone:    make(chan struct{}),
		closed:      make(chan struct{}),
	}
	s.unboundTimeout.Store(int64(unboundTimeout))
	go s.runJobs()
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// RemoteAddr returns the peer's transport address.
func (s *Session) RemoteAddr() net.Addr {
	return s.conn.RemoteAddr()
}

// LocalAddr returns the local transport address.
func (s *Session) LocalAddr() net.Addr {
	return s.conn.LocalAddr()
}

// Done is closed once the session is closed.
func (s *Session) Done() <-chan struct{} {
	return s.closed
}

// Err returns the error that closed the session, if any.
func (s *Session) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.closeErr
}

// SendLine writes one frame followed by a newline. Writes are serialized and
// bounded by the send timeout; a failed write closes the session.
func (s *Session) SendLine(line string) error {
	select {
	case <-s.closed:
		return ErrSessionClosed
	default:
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	if err := s.conn.SetWriteDeadline(time.Now().Add(s.sendTimeout)); err != nil {
		s.closeWithError(fmt.Errorf("set write deadline: %w", err))
		return err
	}
	if _, err := io.WriteString(s.conn, line+"\n"); err != nil {
		s.closeWithError(fmt.Errorf("write frame: %w", err))
		return err
	}
	return nil
}

// Close terminates the connection. Safe to call repeatedly.
func (s *Session) Close() error {
	s.closeWithError(nil)
	return nil
}

// markBound lifts the unbound idle deadline.
func (s *Session) markBound() {
	s.unboundTimeout.Store(0)
}

// enqueue schedules fn on the session's serial handler goroutine so slow
// handlers never stall the frame loop. Jobs run in submission order.
func (s *Session) enqueue(fn func()) {
	select {
	case s.jobs <- fn:
	case <-s.closed:
	}
}

// readFrames reads until the connection fails, handing each complete frame
// to handle in arrival order.
func (s *Session) readFrames(ctx context.Context, handle func(frame string)) error {
	buf := make([]byte, readChunkSize)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		deadline := time.Time{}
		if timeout := time.Duration(s.unboundTimeout.Load()); timeout > 0 {
			deadline = time.Now().Add(timeout)
		}
		if err := s.conn.SetReadDeadline(deadline); err != nil {
			return fmt.Errorf("set read deadline: %w", err)
		}

		n, err := s.conn.Read(buf)
		if n > 0 {
			frames, ferr := s.buffer.Feed(buf[:n])
			for _, frame := range frames {
				handle(frame)
			}
			if ferr != nil {
				return ferr
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
	}
}

func (s *Session) runJobs() {
	defer close(s.jobsDone)
	for {
		select {
		case job := <-s.jobs:
			job()
		case <-s.closed:
			return
		}
	}
}

func (s *Session) closeWithError(err error) {
	s.closeOnce.Do(func() {
		s.errMu.Lock()
		s.closeErr = err
		s.errMu.Unlock()

		_ = s.conn.Close()
		close(s.closed)
	})
}
