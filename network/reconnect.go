package network

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff"
	"go.uber.org/zap"

	"devicelink/models"
)

const (
	defaultReconnectInitialInterval = 500 * time.Millisecond
	defaultReconnectMaxInterval     = 30 * time.Second
	defaultReconnectMaxElapsed      = 5 * time.Minute
	defaultReconnectSweepInterval   = 5 * time.Second
)

// ConnectFunc dials address and completes pairing, returning the remote
// device ID.
type ConnectFunc func(ctx context.Context, address string) (string, error)

// ReconnectOptions configures a Reconnector.
type ReconnectOptions struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration

	// Candidates lists the peers discovery currently sees. When set, Start
	// re-checks them every SweepInterval so a peer that went offline while its
	// sighting stayed unchanged is still dialed.
	Candidates    func() []models.PeerDescriptor
	SweepInterval time.Duration
	Clock         clock.Clock

	Logger *zap.Logger
}

func (o ReconnectOptions) withDefaults() ReconnectOptions {
	out := o
	if out.InitialInterval <= 0 {
		out.InitialInterval = defaultReconnectInitialInterval
	}
	if out.MaxInterval <= 0 {
		out.MaxInterval = defaultReconnectMaxInterval
	}
	if out.MaxElapsedTime <= 0 {
		out.MaxElapsedTime = defaultReconnectMaxElapsed
	}
	if out.SweepInterval <= 0 {
		out.SweepInterval = defaultReconnectSweepInterval
	}
	if out.Clock == nil {
		out.Clock = clock.New()
	}
	if out.Logger == nil {
		out.Logger = zap.NewNop()
	}
	return out
}

// Reconnector dials paired peers that discovery sees while they are offline.
// At most one worker runs per device.
type Reconnector struct {
	sessions *SessionManager
	connect  ConnectFunc
	opts     ReconnectOptions
	logger   *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	workers map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// NewReconnector returns a Reconnector dialing through connect.
func NewReconnector(sessions *SessionManager, connect ConnectFunc, options ReconnectOptions) *Reconnector {
	opts := options.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Reconnector{
		sessions: sessions,
		connect:  connect,
		opts:     opts,
		logger:   opts.Logger.Named("reconnect"),
		ctx:      ctx,
		cancel:   cancel,
		workers:  make(map[string]context.CancelFunc),
	}
}

// NotifyPeerDiscovered starts a reconnect worker when descriptor matches a
// paired peer that is offline and unbound.
func (r *Reconnector) NotifyPeerDiscovered(descriptor models.PeerDescriptor) {
	if r.ctx.Err() != nil {
		return
	}
	peer, ok := r.sessions.Peer(descriptor.DeviceID)
	if !ok || !peer.IsAuthenticated || peer.ConnectionStatus {
		return
	}
	if _, bound := r.sessions.SessionFor(descriptor.DeviceID); bound {
		return
	}
	addresses := dialAddresses(descriptor)
	if len(addresses) == 0 {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, running := r.workers[descriptor.DeviceID]; running {
		return
	}
	ctx, cancel := context.WithCancel(r.ctx)
	r.workers[descriptor.DeviceID] = cancel
	r.wg.Add(1)
	go r.run(ctx, descriptor.DeviceID, addresses)
}

// Start launches the periodic candidate sweep. It is a no-op without a
// Candidates source.
func (r *Reconnector) Start() {
	if r.opts.Candidates == nil || r.ctx.Err() != nil {
		return
	}
	ticker := r.opts.Clock.Ticker(r.opts.SweepInterval)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.Sweep()
			case <-r.ctx.Done():
				return
			}
		}
	}()
}

// Sweep offers every current candidate to NotifyPeerDiscovered. Workers that
// gave up earlier are restarted this way.
func (r *Reconnector) Sweep() {
	if r.opts.Candidates == nil {
		return
	}
	for _, descriptor := range r.opts.Candidates() {
		r.NotifyPeerDiscovered(descriptor)
	}
}

// Cancel stops the worker for deviceID, if any.
func (r *Reconnector) Cancel(deviceID string) {
	r.mu.Lock()
	cancel, ok := r.workers[deviceID]
	r.mu.Unlock()
	if ok {
		cancel()
	}
}

// Active reports whether a worker is running for deviceID.
func (r *Reconnector) Active(deviceID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.workers[deviceID]
	return ok
}

// Stop cancels the sweep and every worker and waits for them to exit.
func (r *Reconnector) Stop() {
	r.cancel()
	r.wg.Wait()
}

func (r *Reconnector) run(ctx context.Context, deviceID string, addresses []string) {
	defer r.wg.Done()
	defer func() {
		r.mu.Lock()
		if cancel, ok := r.workers[deviceID]; ok {
			cancel()
			delete(r.workers, deviceID)
		}
		r.mu.Unlock()
	}()

	logger := r.logger.With(zap.String("device_id", deviceID))

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = r.opts.InitialInterval
	policy.MaxInterval = r.opts.MaxInterval
	policy.MaxElapsedTime = r.opts.MaxElapsedTime

	attempt := func() error {
		if _, bound := r.sessions.SessionFor(deviceID); bound {
			return nil
		}
		var lastErr error
		for _, address := range addresses {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			remoteID, err := r.connect(ctx, address)
			if errors.Is(err, ErrPeerRejected) {
				return backoff.Permanent(err)
			}
			if err != nil {
				lastErr = err
				continue
			}
			if remoteID != deviceID {
				logger.Warn("reconnected to a different device", zap.String("address", address), zap.String("remote_device_id", remoteID))
			}
			return nil
		}
		return lastErr
	}

	notify := func(err error, wait time.Duration) {
		logger.Debug("reconnect attempt failed", zap.Error(err), zap.Duration("retry_in", wait))
	}

	if err := backoff.RetryNotify(attempt, backoff.WithContext(policy, ctx), notify); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		logger.Info("reconnect abandoned", zap.Error(err))
		return
	}
	logger.Info("reconnected")
}

func dialAddresses(descriptor models.PeerDescriptor) []string {
	if descriptor.Port <= 0 {
		return nil
	}
	out := make([]string, 0, len(descriptor.Addresses))
	for _, host := range descriptor.Addresses {
		if net.ParseIP(host) == nil {
			continue
		}
		out = append(out, net.JoinHostPort(host, strconv.Itoa(descriptor.Port)))
	}
	return out
}
