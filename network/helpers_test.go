package network

import (
	"bufio"
	"context"
	"net"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"devicelink/crypto"
	"devicelink/models"
)

func waitForCondition(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func testIdentity(t *testing.T, deviceID string) models.LocalIdentity {
	t.Helper()

	_, private, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair failed: %v", err)
	}
	return models.LocalIdentity{DeviceID: deviceID, DeviceName: "Device " + deviceID, PrivateKey: private}
}

type trustEvent struct {
	eventType string
	deviceID  string
}

// memoryTrust is an in-memory TrustStore that also records trust events.
type memoryTrust struct {
	mu     sync.Mutex
	peers  map[string]models.PairedPeer
	events []trustEvent
}

func newMemoryTrust(peers ...models.PairedPeer) *memoryTrust {
	m := &memoryTrust{peers: make(map[string]models.PairedPeer)}
	for _, p := range peers {
		m.peers[p.DeviceID] = p.Clone()
	}
	return m
}

func (m *memoryTrust) FindPeer(deviceID string) (models.PairedPeer, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.peers[deviceID]
	return p.Clone(), ok, nil
}

func (m *memoryTrust) UpsertPeer(peer models.PairedPeer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.peers[peer.DeviceID] = peer.Clone()
	return nil
}

func (m *memoryTrust) ListPeers() ([]models.PairedPeer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.PairedPeer, 0, len(m.peers))
	for _, p := range m.peers {
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out, nil
}

func (m *memoryTrust) RemovePeer(deviceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.peers, deviceID)
	return nil
}

func (m *memoryTrust) RecordTrustEvent(eventType, deviceID, _ string, _ map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, trustEvent{eventType: eventType, deviceID: deviceID})
	return nil
}

func (m *memoryTrust) eventTypes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.events))
	for _, e := range m.events {
		out = append(out, e.eventType)
	}
	return out
}

type connectivityRecorder struct {
	mu     sync.Mutex
	events []models.ConnectivityEvent
}

func (r *connectivityRecorder) record(event models.ConnectivityEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *connectivityRecorder) snapshot() []models.ConnectivityEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.ConnectivityEvent(nil), r.events...)
}

func (r *connectivityRecorder) count(peerID string, connected bool) int {
	n := 0
	for _, e := range r.snapshot() {
		if e.PeerID == peerID && e.Connected == connected {
			n++
		}
	}
	return n
}

type testManagerOptions struct {
	identity models.LocalIdentity
	trust    *memoryTrust
	clock    clock.Clock
}

func newTestManager(t *testing.T, opts testManagerOptions) (*SessionManager, *connectivityRecorder) {
	t.Helper()

	if opts.trust == nil {
		opts.trust = newMemoryTrust()
	}
	if opts.identity.PrivateKey == nil {
		opts.identity = testIdentity(t, "local-device")
	}
	recorder := &connectivityRecorder{}
	manager, err := NewSessionManager(SessionManagerOptions{
		Identity:             opts.identity,
		Trust:                opts.trust,
		HeartbeatInterval:    4 * time.Second,
		HeartbeatTimeout:     20 * time.Second,
		Clock:                opts.clock,
		OnConnectivityChange: recorder.record,
	})
	if err != nil {
		t.Fatalf("NewSessionManager failed: %v", err)
	}
	if err := manager.LoadPeers(); err != nil {
		t.Fatalf("LoadPeers failed: %v", err)
	}
	t.Cleanup(manager.Stop)
	return manager, recorder
}

// pipePeer is the remote end of an in-memory session. Every line written by
// the session is collected on lines.
type pipePeer struct {
	conn  net.Conn
	lines chan string
}

func newPipeSession(t *testing.T) (*Session, *pipePeer) {
	t.Helper()

	local, remote := net.Pipe()
	session := newSession(local, time.Second, 0, nil)
	peer := &pipePeer{conn: remote, lines: make(chan string, 64)}

	go func() {
		scanner := bufio.NewScanner(remote)
		for scanner.Scan() {
			peer.lines <- scanner.Text()
		}
		close(peer.lines)
	}()

	t.Cleanup(func() {
		_ = session.Close()
		_ = remote.Close()
	})
	return session, peer
}

func (p *pipePeer) expectLine(t *testing.T, timeout time.Duration) string {
	t.Helper()

	select {
	case line, ok := <-p.lines:
		if !ok {
			t.Fatalf("connection closed while waiting for a line")
		}
		return line
	case <-time.After(timeout):
		t.Fatalf("no line within %s", timeout)
	}
	return ""
}

func pairedPeer(t *testing.T, deviceID string, local models.LocalIdentity, remote models.LocalIdentity) models.PairedPeer {
	t.Helper()

	remotePub, err := crypto.ParsePublicKey(remote.PublicKeyBase64())
	if err != nil {
		t.Fatalf("ParsePublicKey failed: %v", err)
	}
	secret, err := crypto.DeriveSharedSecret(local.PrivateKey, remotePub)
	if err != nil {
		t.Fatalf("DeriveSharedSecret failed: %v", err)
	}
	return models.PairedPeer{
		DeviceID:        deviceID,
		DeviceName:      "Peer " + deviceID,
		RemotePublicKey: remote.PublicKeyBase64(),
		SharedSecret:    secret,
		IsAuthenticated: true,
		Battery:         UnknownBattery,
	}
}

func approveWith(decision bool, calls chan<- string) Approver {
	return ApproverFunc(func(_ context.Context, deviceName, passkey string) (bool, error) {
		if calls != nil {
			calls <- deviceName + "|" + passkey
		}
		return decision, nil
	})
}
