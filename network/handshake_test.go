package network

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"devicelink/crypto"
	"devicelink/models"
	"devicelink/storage"
)

func newTestHandshaker(t *testing.T, manager *SessionManager, approver Approver) *Handshaker {
	t.Helper()

	handshaker, err := NewHandshaker(manager, HandshakeOptions{
		Approver:        approver,
		ApprovalTimeout: time.Second,
		DisplayName: func(deviceID string) (string, bool) {
			if deviceID == "abc123" {
				return "Pixel", true
			}
			return "", false
		},
	})
	if err != nil {
		t.Fatalf("NewHandshaker failed: %v", err)
	}
	return handshaker
}

func mustParse(t *testing.T, frame string) Envelope {
	t.Helper()
	env, err := ParseEnvelope(frame)
	if err != nil {
		t.Fatalf("ParseEnvelope(%q) failed: %v", frame, err)
	}
	return env
}

func TestFirstHandshakeRequestsApprovalAndAccepts(t *testing.T) {
	local := testIdentity(t, "local-device")
	remote := testIdentity(t, "abc123")
	trust := newMemoryTrust()
	manager, recorder := newTestManager(t, testManagerOptions{identity: local, trust: trust})

	calls := make(chan string, 1)
	handshaker := newTestHandshaker(t, manager, approveWith(true, calls))
	session, peerEnd := newPipeSession(t)

	frame := "HANDSHAKE:abc123:" + remote.PublicKeyBase64()
	deviceID, err := handshaker.HandleFirstFrame(context.Background(), session, mustParse(t, frame))
	require.NoError(t, err)
	require.Equal(t, "abc123", deviceID)

	remoteKey, err := crypto.ParsePublicKey(remote.PublicKeyBase64())
	require.NoError(t, err)
	secret, err := crypto.DeriveSharedSecret(local.PrivateKey, remoteKey)
	require.NoError(t, err)
	passkey := crypto.ComputePasskey(secret)
	require.Len(t, passkey, 6)

	select {
	case call := <-calls:
		require.Equal(t, "Pixel|"+passkey, call)
	default:
		t.Fatalf("approval collaborator was not invoked")
	}

	accept := peerEnd.expectLine(t, time.Second)
	require.True(t, strings.HasPrefix(accept, "ACCEPT:local-device:"+local.PublicKeyBase64()), accept)
	env := mustParse(t, accept)
	require.Equal(t, KindAccept, env.Kind)
	require.Equal(t, LocalDeviceType, env.DeviceType)

	require.Equal(t, 1, recorder.count("abc123", true))
	bound, ok := manager.SessionFor("abc123")
	require.True(t, ok)
	require.Same(t, session, bound)

	stored, found, _ := trust.FindPeer("abc123")
	require.True(t, found)
	require.True(t, stored.IsAuthenticated)
	require.Equal(t, "Pixel", stored.DeviceName)
	require.Equal(t, secret, stored.SharedSecret)
	require.Equal(t, []string{storage.SecurityEventPairingAccepted}, trust.eventTypes())
}

func TestDeclinedHandshakeSendsRejectAndCloses(t *testing.T) {
	local := testIdentity(t, "local-device")
	remote := testIdentity(t, "abc123")
	trust := newMemoryTrust()
	manager, recorder := newTestManager(t, testManagerOptions{identity: local, trust: trust})

	handshaker := newTestHandshaker(t, manager, approveWith(false, nil))
	session, peerEnd := newPipeSession(t)

	_, err := handshaker.HandleFirstFrame(context.Background(), session, mustParse(t, "HANDSHAKE:abc123:"+remote.PublicKeyBase64()))
	if !errors.Is(err, ErrPeerRejected) {
		t.Fatalf("expected ErrPeerRejected, got %v", err)
	}
	if line := peerEnd.expectLine(t, time.Second); line != "REJECT:local-device" {
		t.Fatalf("unexpected response %q", line)
	}
	select {
	case <-session.Done():
	case <-time.After(time.Second):
		t.Fatalf("expected session to be closed after reject")
	}

	if _, found, _ := trust.FindPeer("abc123"); found {
		t.Fatalf("declined peer must not be persisted")
	}
	if len(recorder.snapshot()) != 0 {
		t.Fatalf("declined handshake must not raise connectivity events")
	}
	if got := trust.eventTypes(); len(got) != 1 || got[0] != storage.SecurityEventPairingDeclined {
		t.Fatalf("trust events = %v", got)
	}
}

func TestApprovalTimeoutRejects(t *testing.T) {
	local := testIdentity(t, "local-device")
	remote := testIdentity(t, "abc123")
	manager, _ := newTestManager(t, testManagerOptions{identity: local})

	handshaker, err := NewHandshaker(manager, HandshakeOptions{
		ApprovalTimeout: 50 * time.Millisecond,
		Approver: ApproverFunc(func(ctx context.Context, _, _ string) (bool, error) {
			<-ctx.Done()
			time.Sleep(100 * time.Millisecond)
			return true, nil
		}),
	})
	require.NoError(t, err)

	session, peerEnd := newPipeSession(t)
	_, err = handshaker.HandleFirstFrame(context.Background(), session, mustParse(t, "HANDSHAKE:abc123:"+remote.PublicKeyBase64()))
	require.ErrorIs(t, err, ErrPeerRejected)
	require.Equal(t, "REJECT:local-device", peerEnd.expectLine(t, time.Second))
}

func TestTrustedPeerIsAutoAccepted(t *testing.T) {
	local := testIdentity(t, "local-device")
	remote := testIdentity(t, "abc123")
	stored := pairedPeer(t, "abc123", local, remote)
	stored.IPAddresses = []string{"10.0.0.9"}
	trust := newMemoryTrust(stored)
	manager, recorder := newTestManager(t, testManagerOptions{identity: local, trust: trust})

	calls := make(chan string, 1)
	handshaker := newTestHandshaker(t, manager, approveWith(false, calls))
	session, peerEnd := newPipeSession(t)

	frame := "HANDSHAKE:abc123:" + remote.PublicKeyBase64() + ":192.168.1.7:64:phone"
	deviceID, err := handshaker.HandleFirstFrame(context.Background(), session, mustParse(t, frame))
	require.NoError(t, err)
	require.Equal(t, "abc123", deviceID)
	require.Empty(t, calls, "trusted peer must not trigger approval")
	require.Equal(t, KindAccept, mustParse(t, peerEnd.expectLine(t, time.Second)).Kind)
	require.Equal(t, 1, recorder.count("abc123", true))

	peer, _ := manager.Peer("abc123")
	require.Equal(t, []string{"192.168.1.7"}, peer.IPAddresses)
	require.Equal(t, 64, peer.Battery)
	require.Equal(t, "phone", peer.DeviceType)
	require.Equal(t, stored.SharedSecret, peer.SharedSecret)
}

func TestChangedKeyRequiresApprovalAndIsRecorded(t *testing.T) {
	local := testIdentity(t, "local-device")
	oldRemote := testIdentity(t, "abc123")
	newRemote := testIdentity(t, "abc123")
	trust := newMemoryTrust(pairedPeer(t, "abc123", local, oldRemote))
	manager, _ := newTestManager(t, testManagerOptions{identity: local, trust: trust})

	calls := make(chan string, 1)
	handshaker := newTestHandshaker(t, manager, approveWith(true, calls))
	session, _ := newPipeSession(t)

	_, err := handshaker.HandleFirstFrame(context.Background(), session, mustParse(t, "HANDSHAKE:abc123:"+newRemote.PublicKeyBase64()))
	require.NoError(t, err)
	require.Len(t, calls, 1)
	require.Equal(t, []string{storage.SecurityEventKeyMismatch, storage.SecurityEventPairingAccepted}, trust.eventTypes())

	stored, _, _ := trust.FindPeer("abc123")
	require.Equal(t, newRemote.PublicKeyBase64(), stored.RemotePublicKey)

	newKey, err := crypto.ParsePublicKey(newRemote.PublicKeyBase64())
	require.NoError(t, err)
	want, err := crypto.DeriveSharedSecret(local.PrivateKey, newKey)
	require.NoError(t, err)
	require.Equal(t, want, stored.SharedSecret)
}

func TestInvalidPublicKeyIsRejected(t *testing.T) {
	manager, _ := newTestManager(t, testManagerOptions{})
	calls := make(chan string, 1)
	handshaker := newTestHandshaker(t, manager, approveWith(true, calls))
	session, peerEnd := newPipeSession(t)

	_, err := handshaker.HandleFirstFrame(context.Background(), session, mustParse(t, "HANDSHAKE:abc123:pubkeyX"))
	require.ErrorIs(t, err, ErrPeerRejected)
	require.Empty(t, calls)
	require.Equal(t, "REJECT:local-device", peerEnd.expectLine(t, time.Second))
}

func sealedFrame(t *testing.T, tag string, sender models.LocalIdentity, secret []byte, plaintext string) string {
	t.Helper()

	ciphertext, err := crypto.Encrypt([]byte(plaintext), secret)
	require.NoError(t, err)
	frame, err := FormatDataFrame(tag, sender.DeviceID, sender.PublicKeyBase64(), ciphertext)
	require.NoError(t, err)
	return frame
}

func TestTrustedPeerResumesWithoutHandshake(t *testing.T) {
	local := testIdentity(t, "local-device")
	remote := testIdentity(t, "abc123")
	peer := pairedPeer(t, "abc123", local, remote)
	wrongSecret := make([]byte, len(peer.SharedSecret))

	tests := []struct {
		name  string
		frame string
		want  string
	}{
		{name: "data frame sealed with stored secret", frame: sealedFrame(t, "NOTIFY", remote, peer.SharedSecret, `{"title":"hi"}`), want: "abc123"},
		{name: "data frame sealed with other secret", frame: sealedFrame(t, "NOTIFY", remote, wrongSecret, `{"title":"hi"}`), want: ""},
		{name: "data frame with stored key but junk ciphertext", frame: "NOTIFY:abc123:" + remote.PublicKeyBase64() + ":Y3Q=", want: ""},
		{name: "data frame with other key", frame: "NOTIFY:abc123:" + local.PublicKeyBase64() + ":Y3Q=", want: ""},
		{name: "heartbeat from trusted peer", frame: "HEARTBEAT:abc123:50", want: ""},
		{name: "heartbeat from unknown device", frame: "HEARTBEAT:stranger", want: ""},
		{name: "bare json", frame: `{"type":"ping"}`, want: ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			manager, _ := newTestManager(t, testManagerOptions{identity: local, trust: newMemoryTrust(peer)})
			handshaker := newTestHandshaker(t, manager, nil)

			session, _ := newPipeSession(t)
			got, err := handshaker.HandleFirstFrame(context.Background(), session, mustParse(t, tc.frame))
			require.NoError(t, err)
			require.Equal(t, tc.want, got)

			_, bound := manager.DeviceFor(session.ID())
			require.Equal(t, tc.want != "", bound)
		})
	}
}

func TestBoundSessionSurvivesKeylessHeartbeatOnSecondConnection(t *testing.T) {
	local := testIdentity(t, "local-device")
	remote := testIdentity(t, "abc123")
	manager, _ := newTestManager(t, testManagerOptions{
		identity: local,
		trust:    newMemoryTrust(pairedPeer(t, "abc123", local, remote)),
	})
	handshaker := newTestHandshaker(t, manager, nil)

	legit, legitEnd := newPipeSession(t)
	deviceID, err := handshaker.HandleFirstFrame(context.Background(), legit, mustParse(t, "HANDSHAKE:abc123:"+remote.PublicKeyBase64()))
	require.NoError(t, err)
	require.Equal(t, "abc123", deviceID)
	require.True(t, strings.HasPrefix(legitEnd.expectLine(t, time.Second), "ACCEPT:local-device:"))

	intruder, _ := newPipeSession(t)
	got, err := handshaker.HandleFirstFrame(context.Background(), intruder, mustParse(t, "HEARTBEAT:abc123"))
	require.NoError(t, err)
	require.Empty(t, got)

	bound, ok := manager.SessionFor("abc123")
	require.True(t, ok)
	require.Same(t, legit, bound)
	select {
	case <-legit.Done():
		t.Fatalf("bound session was closed by a keyless heartbeat")
	default:
	}
	_, intruderBound := manager.DeviceFor(intruder.ID())
	require.False(t, intruderBound)
}

func TestSealedReconnectDoesNotEvictBoundSession(t *testing.T) {
	local := testIdentity(t, "local-device")
	remote := testIdentity(t, "abc123")
	peer := pairedPeer(t, "abc123", local, remote)
	manager, _ := newTestManager(t, testManagerOptions{identity: local, trust: newMemoryTrust(peer)})
	handshaker := newTestHandshaker(t, manager, nil)

	first, _ := newPipeSession(t)
	frame := sealedFrame(t, "NOTIFY", remote, peer.SharedSecret, `{"title":"hi"}`)
	got, err := handshaker.HandleFirstFrame(context.Background(), first, mustParse(t, frame))
	require.NoError(t, err)
	require.Equal(t, "abc123", got)

	replayed, _ := newPipeSession(t)
	got, err = handshaker.HandleFirstFrame(context.Background(), replayed, mustParse(t, frame))
	require.NoError(t, err)
	require.Empty(t, got)

	bound, ok := manager.SessionFor("abc123")
	require.True(t, ok)
	require.Same(t, first, bound)
}

func TestUnauthenticatedRecordDoesNotResume(t *testing.T) {
	local := testIdentity(t, "local-device")
	remote := testIdentity(t, "abc123")
	peer := pairedPeer(t, "abc123", local, remote)
	peer.IsAuthenticated = false
	manager, _ := newTestManager(t, testManagerOptions{identity: local, trust: newMemoryTrust(peer)})
	handshaker := newTestHandshaker(t, manager, nil)

	session, _ := newPipeSession(t)
	got, err := handshaker.HandleFirstFrame(context.Background(), session, mustParse(t, sealedFrame(t, "NOTIFY", remote, peer.SharedSecret, `{"title":"hi"}`)))
	require.NoError(t, err)
	require.Empty(t, got)
}
