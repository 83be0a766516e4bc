package network

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"devicelink/crypto"
	"devicelink/models"
)

const (
	// DefaultHeartbeatInterval is the heartbeat tick period.
	DefaultHeartbeatInterval = 4 * time.Second
	// DefaultHeartbeatTimeout declares a peer offline after this much silence.
	DefaultHeartbeatTimeout = 20 * time.Second

	maxConcurrentHeartbeats = 16
)

var (
	// ErrSessionNotFound indicates no session is bound to the device.
	ErrSessionNotFound = errors.New("network: no session bound to device")
	// ErrNoSharedSecret indicates the peer has no derived shared secret.
	ErrNoSharedSecret = errors.New("network: peer has no shared secret")
	// ErrUnknownPeer indicates the device is not a paired peer.
	ErrUnknownPeer = errors.New("network: unknown peer")
)

// TrustStore persists paired peers.
type TrustStore interface {
	FindPeer(deviceID string) (models.PairedPeer, bool, error)
	UpsertPeer(peer models.PairedPeer) error
	ListPeers() ([]models.PairedPeer, error)
	RemovePeer(deviceID string) error
}

// SessionManagerOptions configures a SessionManager.
type SessionManagerOptions struct {
	Identity models.LocalIdentity
	Trust    TrustStore

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	// Battery reports the local battery level, or UnknownBattery.
	Battery func() int
	// OnConnectivityChange is called outside all locks on every liveness
	// transition.
	OnConnectivityChange func(models.ConnectivityEvent)

	Clock   clock.Clock
	Logger  *zap.Logger
	Metrics *Metrics
}

func (o SessionManagerOptions) withDefaults() SessionManagerOptions {
	out := o
	if out.HeartbeatInterval <= 0 {
		out.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if out.HeartbeatTimeout <= 0 {
		out.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if out.Battery == nil {
		out.Battery = func() int { return UnknownBattery }
	}
	if out.Clock == nil {
		out.Clock = clock.New()
	}
	if out.Logger == nil {
		out.Logger = zap.NewNop()
	}
	return out
}

// SessionManager binds live sessions to paired peers, drives heartbeats and
// owns every connectivity transition.
type SessionManager struct {
	opts   SessionManagerOptions
	logger *zap.Logger

	// mu guards both lookup maps; held only for map updates.
	mu        sync.Mutex
	byDevice  map[string]*Session
	bySession map[string]string

	peersMu sync.RWMutex
	peers   map[string]*models.PairedPeer

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewSessionManager validates options and returns an idle manager.
func NewSessionManager(options SessionManagerOptions) (*SessionManager, error) {
	opts := options.withDefaults()
	if opts.Identity.DeviceID == "" {
		return nil, errors.New("identity device ID is required")
	}
	if opts.Identity.PrivateKey == nil {
		return nil, errors.New("identity private key is required")
	}
	if opts.Trust == nil {
		return nil, errors.New("trust store is required")
	}
	if opts.HeartbeatTimeout <= opts.HeartbeatInterval {
		return nil, fmt.Errorf("heartbeat timeout %s must exceed interval %s", opts.HeartbeatTimeout, opts.HeartbeatInterval)
	}

	return &SessionManager{
		opts:      opts,
		logger:    opts.Logger.Named("sessions"),
		byDevice:  make(map[string]*Session),
		bySession: make(map[string]string),
		peers:     make(map[string]*models.PairedPeer),
	}, nil
}

// LoadPeers seeds the projection from the trust store. Every loaded peer
// starts offline and unbound.
func (m *SessionManager) LoadPeers() error {
	stored, err := m.opts.Trust.ListPeers()
	if err != nil {
		return fmt.Errorf("load paired peers: %w", err)
	}

	m.peersMu.Lock()
	defer m.peersMu.Unlock()
	for _, peer := range stored {
		p := peer.Clone()
		p.ConnectionStatus = false
		p.SessionID = ""
		m.peers[p.DeviceID] = &p
	}
	return nil
}

// Start launches the heartbeat loop.
func (m *SessionManager) Start() {
	m.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		m.cancel = cancel
		m.wg.Add(1)
		go m.heartbeatLoop(ctx)
	})
}

// Stop halts the heartbeat loop and closes every bound session.
func (m *SessionManager) Stop() {
	m.stopOnce.Do(func() {
		if m.cancel != nil {
			m.cancel()
		}
		m.wg.Wait()

		m.mu.Lock()
		sessions := make([]*Session, 0, len(m.byDevice))
		for _, s := range m.byDevice {
			sessions = append(sessions, s)
		}
		m.byDevice = make(map[string]*Session)
		m.bySession = make(map[string]string)
		m.mu.Unlock()

		for _, s := range sessions {
			_ = s.Close()
		}
		m.opts.Metrics.setBoundSessions(0)
	})
}

// Peer returns a copy of one paired peer.
func (m *SessionManager) Peer(deviceID string) (models.PairedPeer, bool) {
	m.peersMu.RLock()
	defer m.peersMu.RUnlock()
	p, ok := m.peers[deviceID]
	if !ok {
		return models.PairedPeer{}, false
	}
	return p.Clone(), true
}

// Peers returns copies of every paired peer sorted by device ID.
func (m *SessionManager) Peers() []models.PairedPeer {
	m.peersMu.RLock()
	defer m.peersMu.RUnlock()

	out := make([]models.PairedPeer, 0, len(m.peers))
	for _, p := range m.peers {
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// KnownAddresses returns every IP of every paired peer.
func (m *SessionManager) KnownAddresses() []string {
	m.peersMu.RLock()
	defer m.peersMu.RUnlock()

	var out []string
	for _, p := range m.peers {
		out = append(out, p.IPAddresses...)
	}
	return out
}

// Update applies fn to the peer under the projection lock. Liveness and
// session fields are owned by the manager and are restored after fn runs.
func (m *SessionManager) Update(deviceID string, fn func(*models.PairedPeer)) bool {
	m.peersMu.Lock()
	defer m.peersMu.Unlock()

	p, ok := m.peers[deviceID]
	if !ok {
		return false
	}
	status, sessionID, heartbeat := p.ConnectionStatus, p.SessionID, p.LastHeartbeatAt
	fn(p)
	p.DeviceID = deviceID
	p.ConnectionStatus, p.SessionID, p.LastHeartbeatAt = status, sessionID, heartbeat
	return true
}

// putPeer inserts or replaces the trust fields of a peer, keeping its
// runtime state.
func (m *SessionManager) putPeer(peer models.PairedPeer) {
	m.peersMu.Lock()
	defer m.peersMu.Unlock()

	next := peer.Clone()
	if existing, ok := m.peers[peer.DeviceID]; ok {
		next.ConnectionStatus = existing.ConnectionStatus
		next.SessionID = existing.SessionID
		if next.LastHeartbeatAt.Before(existing.LastHeartbeatAt) {
			next.LastHeartbeatAt = existing.LastHeartbeatAt
		}
	} else {
		next.ConnectionStatus = false
		next.SessionID = ""
	}
	m.peers[peer.DeviceID] = &next
}

// Bind associates session with deviceID. A different session already bound
// to the device is evicted and closed.
func (m *SessionManager) Bind(deviceID string, session *Session) {
	m.bind(deviceID, session, true)
}

// BindIfUnbound binds session only when no other session is bound to
// deviceID. It never evicts and reports whether the binding was made.
func (m *SessionManager) BindIfUnbound(deviceID string, session *Session) bool {
	return m.bind(deviceID, session, false)
}

func (m *SessionManager) bind(deviceID string, session *Session, evict bool) bool {
	m.mu.Lock()
	previous := m.byDevice[deviceID]
	if !evict && previous != nil && previous != session {
		m.mu.Unlock()
		return false
	}
	if previous != nil && previous != session {
		delete(m.bySession, previous.ID())
	}
	if oldDevice, ok := m.bySession[session.ID()]; ok && oldDevice != deviceID {
		delete(m.byDevice, oldDevice)
	}
	m.byDevice[deviceID] = session
	m.bySession[session.ID()] = deviceID
	bound := len(m.byDevice)
	m.mu.Unlock()

	session.markBound()
	m.opts.Metrics.setBoundSessions(bound)

	m.peersMu.Lock()
	if p, ok := m.peers[deviceID]; ok {
		p.SessionID = session.ID()
	}
	m.peersMu.Unlock()

	if previous != nil && previous != session {
		m.logger.Info("evicting previous session",
			zap.String("device_id", deviceID),
			zap.String("previous_session_id", previous.ID()),
			zap.String("session_id", session.ID()),
		)
		_ = previous.Close()
	}
	return true
}

// Unbind removes session from both lookups. Connection status is left
// untouched; only the heartbeat timeout takes a peer offline.
func (m *SessionManager) Unbind(session *Session) {
	m.mu.Lock()
	deviceID, ok := m.bySession[session.ID()]
	if ok {
		delete(m.bySession, session.ID())
		if m.byDevice[deviceID] == session {
			delete(m.byDevice, deviceID)
		}
	}
	bound := len(m.byDevice)
	m.mu.Unlock()

	if !ok {
		return
	}
	m.opts.Metrics.setBoundSessions(bound)

	m.peersMu.Lock()
	if p, exists := m.peers[deviceID]; exists && p.SessionID == session.ID() {
		p.SessionID = ""
	}
	m.peersMu.Unlock()
}

// SessionFor returns the session bound to deviceID.
func (m *SessionManager) SessionFor(deviceID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byDevice[deviceID]
	return s, ok
}

// DeviceFor returns the device bound to sessionID.
func (m *SessionManager) DeviceFor(sessionID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.bySession[sessionID]
	return id, ok
}

// MarkAlive records a valid frame from deviceID. It is the only path that
// brings a peer back online.
func (m *SessionManager) MarkAlive(deviceID string, battery int) {
	now := m.opts.Clock.Now()

	m.peersMu.Lock()
	p, ok := m.peers[deviceID]
	if !ok {
		m.peersMu.Unlock()
		return
	}
	p.LastHeartbeatAt = now
	if battery >= 0 {
		p.Battery = battery
	}
	cameOnline := !p.ConnectionStatus
	p.ConnectionStatus = true
	m.peersMu.Unlock()

	if cameOnline {
		m.notify(models.ConnectivityEvent{PeerID: deviceID, Connected: true, At: now})
	}
}

// Tick sends one heartbeat to every bound session and then takes silent
// peers offline. Exposed for deterministic tests; the loop calls it.
func (m *SessionManager) Tick(ctx context.Context) {
	m.sendHeartbeats(ctx)
	m.expireStalePeers()
}

func (m *SessionManager) heartbeatLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := m.opts.Clock.Ticker(m.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.Tick(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (m *SessionManager) sendHeartbeats(ctx context.Context) {
	m.mu.Lock()
	targets := make(map[string]*Session, len(m.byDevice))
	for id, s := range m.byDevice {
		targets[id] = s
	}
	m.mu.Unlock()
	if len(targets) == 0 {
		return
	}

	line := FormatHeartbeat(m.opts.Identity.DeviceID, m.opts.Battery())

	var g errgroup.Group
	g.SetLimit(maxConcurrentHeartbeats)
	for deviceID, session := range targets {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			err := session.SendLine(line)
			m.opts.Metrics.observeHeartbeatSend(err)
			if err != nil {
				m.logger.Debug("heartbeat send failed", zap.String("device_id", deviceID), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (m *SessionManager) expireStalePeers() {
	now := m.opts.Clock.Now()

	var (
		events  []models.ConnectivityEvent
		expired []models.PairedPeer
	)
	m.peersMu.Lock()
	for id, p := range m.peers {
		if !p.ConnectionStatus || now.Sub(p.LastHeartbeatAt) <= m.opts.HeartbeatTimeout {
			continue
		}
		p.ConnectionStatus = false
		events = append(events, models.ConnectivityEvent{PeerID: id, Connected: false, At: now})
		expired = append(expired, p.Clone())
	}
	m.peersMu.Unlock()

	for _, p := range expired {
		if session, ok := m.SessionFor(p.DeviceID); ok {
			m.Unbind(session)
			_ = session.Close()
		}
		if err := m.opts.Trust.UpsertPeer(p); err != nil {
			m.logger.Warn("persist last heartbeat failed", zap.String("device_id", p.DeviceID), zap.Error(err))
		}
	}
	sort.Slice(events, func(i, j int) bool { return events[i].PeerID < events[j].PeerID })
	for _, event := range events {
		m.notify(event)
	}
}

// SendData encrypts plaintext with the peer's shared secret and writes one
// data frame to its bound session.
func (m *SessionManager) SendData(deviceID, tag string, plaintext []byte) error {
	peer, ok := m.Peer(deviceID)
	if !ok {
		return ErrUnknownPeer
	}
	if len(peer.SharedSecret) == 0 {
		return ErrNoSharedSecret
	}
	session, ok := m.SessionFor(deviceID)
	if !ok {
		return ErrSessionNotFound
	}

	ciphertext, err := crypto.Encrypt(plaintext, peer.SharedSecret)
	if err != nil {
		return fmt.Errorf("encrypt %s payload: %w", tag, err)
	}
	frame, err := FormatDataFrame(tag, m.opts.Identity.DeviceID, m.opts.Identity.PublicKeyBase64(), ciphertext)
	if err != nil {
		return err
	}
	return session.SendLine(frame)
}

// RemovePeer unbinds and forgets a peer entirely, including its trust record.
func (m *SessionManager) RemovePeer(deviceID string) error {
	if session, ok := m.SessionFor(deviceID); ok {
		m.Unbind(session)
		_ = session.Close()
	}

	m.peersMu.Lock()
	_, existed := m.peers[deviceID]
	delete(m.peers, deviceID)
	m.peersMu.Unlock()

	if err := m.opts.Trust.RemovePeer(deviceID); err != nil {
		return fmt.Errorf("remove trust record %q: %w", deviceID, err)
	}
	if !existed {
		return ErrUnknownPeer
	}
	return nil
}

func (m *SessionManager) notify(event models.ConnectivityEvent) {
	m.opts.Metrics.observeLiveness(event.Connected)
	m.logger.Info("peer connectivity changed",
		zap.String("device_id", event.PeerID),
		zap.Bool("connected", event.Connected),
	)
	if m.opts.OnConnectivityChange != nil {
		m.opts.OnConnectivityChange(event)
	}
}
