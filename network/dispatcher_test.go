package network

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"devicelink/crypto"
)

type payloadCall struct {
	tag       string
	deviceID  string
	plaintext string
}

type payloadRecorder struct {
	mu    sync.Mutex
	calls []payloadCall
	fail  map[string]bool
	panic map[string]bool
}

func (r *payloadRecorder) Dispatch(_ context.Context, tag, deviceID string, plaintext []byte) error {
	r.mu.Lock()
	r.calls = append(r.calls, payloadCall{tag: tag, deviceID: deviceID, plaintext: string(plaintext)})
	shouldPanic, shouldFail := r.panic[tag], r.fail[tag]
	r.mu.Unlock()

	if shouldPanic {
		panic("handler exploded")
	}
	if shouldFail {
		return errors.New("handler failed")
	}
	return nil
}

func (r *payloadRecorder) snapshot() []payloadCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]payloadCall(nil), r.calls...)
}

type dispatchFixture struct {
	manager    *SessionManager
	dispatcher *Dispatcher
	handler    *payloadRecorder
	metrics    *Metrics
	session    *Session
	recorder   *connectivityRecorder
	remotePub  string
	secret     []byte
}

func newDispatchFixture(t *testing.T) *dispatchFixture {
	t.Helper()

	local := testIdentity(t, "local-device")
	remote := testIdentity(t, "abc123")
	peer := pairedPeer(t, "abc123", local, remote)
	manager, recorder := newTestManager(t, testManagerOptions{identity: local, trust: newMemoryTrust(peer)})

	metrics, err := NewMetrics(prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("NewMetrics failed: %v", err)
	}
	handler := &payloadRecorder{fail: map[string]bool{}, panic: map[string]bool{}}
	session, _ := newPipeSession(t)
	manager.Bind("abc123", session)

	return &dispatchFixture{
		manager:    manager,
		dispatcher: NewDispatcher(manager, handler, nil, metrics),
		handler:    handler,
		metrics:    metrics,
		session:    session,
		recorder:   recorder,
		remotePub:  remote.PublicKeyBase64(),
		secret:     peer.SharedSecret,
	}
}

func (f *dispatchFixture) dataFrame(t *testing.T, tag string, secret []byte, plaintext string) Envelope {
	t.Helper()

	ciphertext, err := crypto.Encrypt([]byte(plaintext), secret)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	frame, err := FormatDataFrame(tag, "abc123", f.remotePub, ciphertext)
	if err != nil {
		t.Fatalf("FormatDataFrame failed: %v", err)
	}
	return mustParse(t, frame)
}

func TestDispatcherDeliversDecryptedPayload(t *testing.T) {
	f := newDispatchFixture(t)

	f.dispatcher.Handle(context.Background(), f.session, "abc123", f.dataFrame(t, "notification", f.secret, `{"title":"hi"}`))

	waitForCondition(t, time.Second, func() bool { return len(f.handler.snapshot()) == 1 })
	require.Equal(t, payloadCall{tag: "notification", deviceID: "abc123", plaintext: `{"title":"hi"}`}, f.handler.snapshot()[0])
	require.Equal(t, 1, f.recorder.count("abc123", true))
}

func TestDispatcherDropsUndecryptableFrame(t *testing.T) {
	f := newDispatchFixture(t)
	wrongSecret := make([]byte, 32)

	f.dispatcher.Handle(context.Background(), f.session, "abc123", f.dataFrame(t, "NOTIFY", wrongSecret, `{"title":"hi"}`))

	time.Sleep(50 * time.Millisecond)
	require.Empty(t, f.handler.snapshot())
	require.Equal(t, 1.0, testutil.ToFloat64(f.metrics.decryptFailures))

	select {
	case <-f.session.Done():
		t.Fatalf("decrypt failure must not close the session")
	default:
	}
	bound, ok := f.manager.SessionFor("abc123")
	require.True(t, ok)
	require.Same(t, f.session, bound)
	require.Zero(t, f.recorder.count("abc123", true), "undecryptable frame must not refresh liveness")
}

func TestDispatcherHeartbeatRefreshesLiveness(t *testing.T) {
	f := newDispatchFixture(t)

	f.dispatcher.Handle(context.Background(), f.session, "abc123", mustParse(t, "HEARTBEAT:stranger:10"))
	require.Zero(t, f.recorder.count("abc123", true))

	f.dispatcher.Handle(context.Background(), f.session, "abc123", mustParse(t, "HEARTBEAT:abc123:10"))
	require.Equal(t, 1, f.recorder.count("abc123", true))

	peer, _ := f.manager.Peer("abc123")
	require.Equal(t, 10, peer.Battery)
	require.Empty(t, f.handler.snapshot())
}

func TestDispatcherRoutesBareJSONWithoutDecryption(t *testing.T) {
	f := newDispatchFixture(t)

	f.dispatcher.Handle(context.Background(), f.session, "abc123", mustParse(t, `{"type":"clipboard","text":"x"}`))

	waitForCondition(t, time.Second, func() bool { return len(f.handler.snapshot()) == 1 })
	call := f.handler.snapshot()[0]
	require.Empty(t, call.tag)
	require.Equal(t, `{"type":"clipboard","text":"x"}`, call.plaintext)
}

func TestDispatcherSurvivesHandlerFaults(t *testing.T) {
	f := newDispatchFixture(t)
	f.handler.panic["media-control"] = true
	f.handler.fail["icon-request"] = true

	ctx := context.Background()
	f.dispatcher.Handle(ctx, f.session, "abc123", f.dataFrame(t, "media-control", f.secret, `{}`))
	f.dispatcher.Handle(ctx, f.session, "abc123", f.dataFrame(t, "icon-request", f.secret, `{}`))
	f.dispatcher.Handle(ctx, f.session, "abc123", f.dataFrame(t, "notification", f.secret, `{"n":1}`))

	waitForCondition(t, time.Second, func() bool { return len(f.handler.snapshot()) == 3 })
	calls := f.handler.snapshot()
	require.Equal(t, []string{"media-control", "icon-request", "notification"}, []string{calls[0].tag, calls[1].tag, calls[2].tag})

	select {
	case <-f.session.Done():
		t.Fatalf("handler faults must not close the session")
	default:
	}
}

func TestDispatcherDropsFramesFromOtherSender(t *testing.T) {
	f := newDispatchFixture(t)

	ciphertext, err := crypto.Encrypt([]byte("x"), f.secret)
	require.NoError(t, err)
	frame, err := FormatDataFrame("notification", "impostor", f.remotePub, ciphertext)
	require.NoError(t, err)

	f.dispatcher.Handle(context.Background(), f.session, "abc123", mustParse(t, frame))
	time.Sleep(50 * time.Millisecond)
	require.Empty(t, f.handler.snapshot())
	require.Equal(t, 1.0, testutil.ToFloat64(f.metrics.droppedFrames.WithLabelValues("sender_mismatch")))
}
