package network

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type testNode struct {
	identity string
	trust    *memoryTrust
	manager  *SessionManager
	handler  *payloadRecorder
	server   *Server
	events   *connectivityRecorder
}

func newTestNode(t *testing.T, deviceID string, approve bool) *testNode {
	t.Helper()

	identity := testIdentity(t, deviceID)
	trust := newMemoryTrust()
	manager, events := newTestManager(t, testManagerOptions{identity: identity, trust: trust})
	handshaker, err := NewHandshaker(manager, HandshakeOptions{
		Approver:        approveWith(approve, nil),
		ApprovalTimeout: time.Second,
	})
	if err != nil {
		t.Fatalf("NewHandshaker failed: %v", err)
	}
	handler := &payloadRecorder{fail: map[string]bool{}, panic: map[string]bool{}}

	server, err := Listen("127.0.0.1:0", ServerOptions{
		Sessions:         manager,
		Handshaker:       handshaker,
		Dispatcher:       NewDispatcher(manager, handler, nil, nil),
		HandshakeTimeout: 2 * time.Second,
		PairingTimeout:   2 * time.Second,
	})
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	t.Cleanup(func() {
		_ = server.Close()
	})

	return &testNode{
		identity: deviceID,
		trust:    trust,
		manager:  manager,
		handler:  handler,
		server:   server,
		events:   events,
	}
}

func TestConnectPairsBothSidesOverLoopback(t *testing.T) {
	desktop := newTestNode(t, "desktop", true)
	phone := newTestNode(t, "phone", true)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	remoteID, err := phone.server.Connect(ctx, desktop.server.Addr().String())
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if remoteID != "desktop" {
		t.Fatalf("Connect returned %q, want desktop", remoteID)
	}

	waitForCondition(t, 2*time.Second, func() bool {
		_, ok := desktop.manager.SessionFor("phone")
		return ok
	})
	if _, ok := phone.manager.SessionFor("desktop"); !ok {
		t.Fatalf("expected phone to bind desktop session")
	}
	if desktop.events.count("phone", true) != 1 || phone.events.count("desktop", true) != 1 {
		t.Fatalf("expected one online event on each side")
	}

	desktopView, _ := desktop.manager.Peer("phone")
	phoneView, _ := phone.manager.Peer("desktop")
	require.Equal(t, desktopView.SharedSecret, phoneView.SharedSecret)
	require.Equal(t, []string{"127.0.0.1"}, desktopView.IPAddresses)

	require.NoError(t, phone.manager.SendData("desktop", "notification", []byte(`{"title":"ping"}`)))
	waitForCondition(t, 2*time.Second, func() bool { return len(desktop.handler.snapshot()) == 1 })
	require.Equal(t, payloadCall{tag: "notification", deviceID: "phone", plaintext: `{"title":"ping"}`}, desktop.handler.snapshot()[0])

	require.NoError(t, desktop.manager.SendData("phone", "clipboard", []byte(`{"text":"pong"}`)))
	waitForCondition(t, 2*time.Second, func() bool { return len(phone.handler.snapshot()) == 1 })
	require.Equal(t, "clipboard", phone.handler.snapshot()[0].tag)
}

func TestConnectReturnsRejectedWhenDeclined(t *testing.T) {
	desktop := newTestNode(t, "desktop", false)
	phone := newTestNode(t, "phone", true)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := phone.server.Connect(ctx, desktop.server.Addr().String())
	if !errors.Is(err, ErrPeerRejected) {
		t.Fatalf("expected ErrPeerRejected, got %v", err)
	}
	if _, ok := desktop.manager.Peer("phone"); ok {
		t.Fatalf("declined peer must not be added")
	}
}

func TestReconnectedSessionSurvivesOldSocketClose(t *testing.T) {
	desktop := newTestNode(t, "desktop", true)
	phone := newTestNode(t, "phone", true)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := phone.server.Connect(ctx, desktop.server.Addr().String())
	require.NoError(t, err)
	waitForCondition(t, 2*time.Second, func() bool {
		_, ok := desktop.manager.SessionFor("phone")
		return ok
	})
	first, _ := desktop.manager.SessionFor("phone")

	_, err = phone.server.Connect(ctx, desktop.server.Addr().String())
	require.NoError(t, err)
	waitForCondition(t, 2*time.Second, func() bool {
		current, ok := desktop.manager.SessionFor("phone")
		return ok && current != first
	})

	select {
	case <-first.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("expected the previous session to be evicted")
	}

	peer, _ := desktop.manager.Peer("phone")
	require.True(t, peer.ConnectionStatus)
	require.Equal(t, 1, desktop.events.count("phone", true))
	require.Zero(t, desktop.events.count("phone", false))
}

func TestServerDropsJunkBeforeHandshake(t *testing.T) {
	desktop := newTestNode(t, "desktop", true)

	conn, err := net.DialTimeout("tcp", desktop.server.Addr().String(), time.Second)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("hello there\nHEARTBEAT:stranger\n"))
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	buf := make([]byte, 64)
	_, err = conn.Read(buf)
	var netErr net.Error
	require.True(t, errors.As(err, &netErr) && netErr.Timeout(), "expected no response and an open connection, got %v", err)
	require.Empty(t, desktop.manager.Peers())
}

func TestServerCloseIsIdempotentAndStopsConnect(t *testing.T) {
	desktop := newTestNode(t, "desktop", true)

	require.NoError(t, desktop.server.Close())
	require.NoError(t, desktop.server.Close())

	_, err := desktop.server.Connect(context.Background(), "127.0.0.1:1")
	require.ErrorIs(t, err, net.ErrClosed)
}
