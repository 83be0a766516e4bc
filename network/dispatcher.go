package network

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"devicelink/crypto"
)

// PayloadHandler receives decrypted application documents. tagOrType is the
// data frame header tag, or "" for bare JSON frames.
type PayloadHandler interface {
	Dispatch(ctx context.Context, tagOrType, deviceID string, plaintext []byte) error
}

// PayloadHandlerFunc adapts a function to PayloadHandler.
type PayloadHandlerFunc func(ctx context.Context, tagOrType, deviceID string, plaintext []byte) error

// Dispatch calls f.
func (f PayloadHandlerFunc) Dispatch(ctx context.Context, tagOrType, deviceID string, plaintext []byte) error {
	return f(ctx, tagOrType, deviceID, plaintext)
}

// Dispatcher routes frames of bound sessions.
type Dispatcher struct {
	sessions *SessionManager
	handler  PayloadHandler
	logger   *zap.Logger
	metrics  *Metrics
}

// NewDispatcher returns a Dispatcher delivering payloads to handler.
func NewDispatcher(sessions *SessionManager, handler PayloadHandler, logger *zap.Logger, metrics *Metrics) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		sessions: sessions,
		handler:  handler,
		logger:   logger.Named("dispatch"),
		metrics:  metrics,
	}
}

// Handle processes one frame from the session bound to deviceID. Faults are
// logged and the frame dropped; the session is never closed here.
func (d *Dispatcher) Handle(ctx context.Context, session *Session, deviceID string, env Envelope) {
	logger := d.logger.With(zap.String("device_id", deviceID), zap.String("session_id", session.ID()))

	switch env.Kind {
	case KindHeartbeat:
		if env.DeviceID != deviceID {
			d.metrics.observeDrop("sender_mismatch")
			logger.Warn("heartbeat sender does not match bound device", zap.String("sender", env.DeviceID))
			return
		}
		d.sessions.MarkAlive(deviceID, env.Battery)

	case KindDataFrame:
		if env.DeviceID != deviceID {
			d.metrics.observeDrop("sender_mismatch")
			logger.Warn("data frame sender does not match bound device", zap.String("sender", env.DeviceID))
			return
		}
		peer, ok := d.sessions.Peer(deviceID)
		if !ok || len(peer.SharedSecret) == 0 {
			d.metrics.observeDrop("no_shared_secret")
			logger.Warn("dropping data frame", zap.String("tag", env.HeaderTag), zap.Error(ErrNoSharedSecret))
			return
		}
		plaintext, err := crypto.Decrypt(env.Ciphertext, peer.SharedSecret)
		if err != nil {
			d.metrics.observeDecryptFailure()
			d.metrics.observeDrop("decrypt")
			logger.Warn("dropping undecryptable data frame", zap.String("tag", env.HeaderTag), zap.Error(err))
			return
		}
		d.sessions.MarkAlive(deviceID, UnknownBattery)
		d.deliver(ctx, session, env.HeaderTag, deviceID, plaintext)

	case KindRawJSON:
		d.sessions.MarkAlive(deviceID, UnknownBattery)
		d.deliver(ctx, session, "", deviceID, []byte(env.Raw))

	default:
		d.metrics.observeDrop("unsupported")
		logger.Debug("dropping unsupported frame", zap.Stringer("kind", env.Kind))
	}
}

// deliver hands the payload to the handler on the session's serial queue.
func (d *Dispatcher) deliver(ctx context.Context, session *Session, tag, deviceID string, plaintext []byte) {
	if d.handler == nil {
		return
	}
	session.enqueue(func() {
		if err := d.invoke(ctx, tag, deviceID, plaintext); err != nil {
			d.logger.Warn("payload handler failed",
				zap.String("device_id", deviceID),
				zap.String("tag", tag),
				zap.Error(err),
			)
		}
	})
}

func (d *Dispatcher) invoke(ctx context.Context, tag, deviceID string, plaintext []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	err = d.handler.Dispatch(ctx, tag, deviceID, plaintext)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
