package network

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"devicelink/crypto"
	"devicelink/models"
	"devicelink/storage"
)

// DefaultApprovalTimeout bounds one interactive approval request.
const DefaultApprovalTimeout = 60 * time.Second

var (
	// ErrPeerRejected indicates the pairing was declined by either side.
	ErrPeerRejected = errors.New("network: peer rejected")
)

// Approver surfaces a pairing request to the user.
type Approver interface {
	RequestApproval(ctx context.Context, deviceName, passkey string) (bool, error)
}

// ApproverFunc adapts a function to Approver.
type ApproverFunc func(ctx context.Context, deviceName, passkey string) (bool, error)

// RequestApproval calls f.
func (f ApproverFunc) RequestApproval(ctx context.Context, deviceName, passkey string) (bool, error) {
	return f(ctx, deviceName, passkey)
}

// TrustEventRecorder is implemented by trust stores that keep an audit log.
type TrustEventRecorder interface {
	RecordTrustEvent(eventType, deviceID, severity string, details map[string]string) error
}

// HandshakeOptions configures a Handshaker.
type HandshakeOptions struct {
	Secrets  *crypto.SecretCache
	Approver Approver

	ApprovalTimeout time.Duration
	// DisplayName resolves a friendly name for an unpaired device, usually
	// from discovery.
	DisplayName func(deviceID string) (string, bool)

	Logger  *zap.Logger
	Metrics *Metrics
}

func (o HandshakeOptions) withDefaults() HandshakeOptions {
	out := o
	if out.ApprovalTimeout <= 0 {
		out.ApprovalTimeout = DefaultApprovalTimeout
	}
	if out.Logger == nil {
		out.Logger = zap.NewNop()
	}
	return out
}

// Handshaker authenticates the first frames of unbound sessions and binds
// them through the session manager.
type Handshaker struct {
	opts     HandshakeOptions
	sessions *SessionManager
	logger   *zap.Logger
}

// NewHandshaker returns a Handshaker bound to sessions.
func NewHandshaker(sessions *SessionManager, options HandshakeOptions) (*Handshaker, error) {
	if sessions == nil {
		return nil, errors.New("session manager is required")
	}
	opts := options.withDefaults()
	if opts.Secrets == nil {
		secrets, err := crypto.NewSecretCache(sessions.opts.Identity.PrivateKey, 0)
		if err != nil {
			return nil, err
		}
		opts.Secrets = secrets
	}
	return &Handshaker{
		opts:     opts,
		sessions: sessions,
		logger:   opts.Logger.Named("handshake"),
	}, nil
}

// HandleFirstFrame processes a frame received on an unbound inbound session.
// It returns the bound device ID, or "" when the frame was dropped and the
// session stays unbound. A non-nil error means the session was rejected and
// closed.
func (h *Handshaker) HandleFirstFrame(ctx context.Context, session *Session, env Envelope) (string, error) {
	switch env.Kind {
	case KindHandshake:
		return h.acceptHandshake(ctx, session, env.Hello())
	case KindHeartbeat, KindDataFrame:
		return h.resume(session, env), nil
	default:
		h.opts.Metrics.observeDrop("unbound")
		h.logger.Debug("dropping frame on unbound session",
			zap.String("session_id", session.ID()),
			zap.Stringer("kind", env.Kind),
		)
		return "", nil
	}
}

// HandleAccept completes an outbound pairing once the remote sent ACCEPT.
func (h *Handshaker) HandleAccept(ctx context.Context, session *Session, env Envelope) (string, error) {
	if env.Kind != KindAccept {
		return "", fmt.Errorf("%w: expected accept, got %s", ErrMalformedFrame, env.Kind)
	}
	hello := env.Hello()
	peer, err := h.authorize(ctx, hello, hostOf(session.RemoteAddr()))
	if err != nil {
		h.reject(session)
		return "", err
	}

	h.sessions.Bind(peer.DeviceID, session)
	h.sessions.MarkAlive(peer.DeviceID, hello.Battery)
	return peer.DeviceID, nil
}

func (h *Handshaker) acceptHandshake(ctx context.Context, session *Session, hello Hello) (string, error) {
	logger := h.logger.With(zap.String("device_id", hello.DeviceID), zap.String("session_id", session.ID()))

	peer, err := h.authorize(ctx, hello, hostOf(session.RemoteAddr()))
	if err != nil {
		logger.Info("rejecting handshake", zap.Error(err))
		h.reject(session)
		return "", err
	}

	accept := FormatAccept(h.localHello(session))
	if err := session.SendLine(accept); err != nil {
		return "", fmt.Errorf("send accept: %w", err)
	}
	h.sessions.Bind(peer.DeviceID, session)
	h.sessions.MarkAlive(peer.DeviceID, hello.Battery)
	logger.Info("handshake accepted")
	return peer.DeviceID, nil
}

// resume binds a trusted peer that reconnected without repeating the
// handshake. Only a data frame that opens under the stored shared secret
// qualifies, and it never displaces a session already bound to the device.
// Heartbeats carry no key material and are dropped here.
func (h *Handshaker) resume(session *Session, env Envelope) string {
	logger := h.logger.With(
		zap.String("device_id", env.DeviceID),
		zap.String("session_id", session.ID()),
		zap.Stringer("kind", env.Kind),
	)
	if env.Kind != KindDataFrame {
		h.opts.Metrics.observeDrop("unbound")
		logger.Debug("dropping keyless frame on unbound session")
		return ""
	}
	peer, ok := h.sessions.Peer(env.DeviceID)
	if !ok || !peer.IsAuthenticated || len(peer.SharedSecret) == 0 {
		h.opts.Metrics.observeDrop("unbound")
		logger.Debug("dropping frame from untrusted device")
		return ""
	}
	if env.PublicKey != peer.RemotePublicKey {
		h.opts.Metrics.observeDrop("key_mismatch")
		logger.Warn("dropping reconnect frame with mismatched key")
		return ""
	}
	if _, err := crypto.Decrypt(env.Ciphertext, peer.SharedSecret); err != nil {
		h.opts.Metrics.observeDecryptFailure()
		logger.Warn("dropping reconnect frame that failed to decrypt", zap.Error(err))
		return ""
	}
	if !h.sessions.BindIfUnbound(peer.DeviceID, session) {
		h.opts.Metrics.observeDrop("already_bound")
		logger.Warn("refusing reconnect while another session is bound")
		return ""
	}

	h.opts.Metrics.observeHandshake("resumed")
	logger.Info("session resumed")
	return peer.DeviceID
}

// authorize decides whether hello is trusted, asking the approver when the
// device is new or its key changed, and persists the resulting trust record.
func (h *Handshaker) authorize(ctx context.Context, hello Hello, remoteHost string) (models.PairedPeer, error) {
	if hello.DeviceID == h.sessions.opts.Identity.DeviceID {
		h.opts.Metrics.observeHandshake("invalid")
		return models.PairedPeer{}, fmt.Errorf("%w: handshake from own device ID", ErrPeerRejected)
	}
	secret, err := h.opts.Secrets.Derive(hello.PublicKey)
	if err != nil {
		h.opts.Metrics.observeHandshake("invalid")
		return models.PairedPeer{}, fmt.Errorf("%w: invalid public key: %v", ErrPeerRejected, err)
	}

	existing, found, err := h.lookup(hello.DeviceID)
	if err != nil {
		return models.PairedPeer{}, fmt.Errorf("%w: trust lookup: %v", ErrPeerRejected, err)
	}

	if found && existing.IsAuthenticated && existing.RemotePublicKey == hello.PublicKey {
		peer := h.trustRecord(existing, found, hello, remoteHost, secret)
		if err := h.persist(peer); err != nil {
			return models.PairedPeer{}, err
		}
		h.opts.Metrics.observeHandshake("auto_accepted")
		return peer, nil
	}

	if found && existing.RemotePublicKey != "" && existing.RemotePublicKey != hello.PublicKey {
		h.opts.Secrets.Forget(existing.RemotePublicKey)
		h.recordEvent(storage.SecurityEventKeyMismatch, hello.DeviceID, storage.SecuritySeverityWarning, map[string]string{
			"stored_fingerprint":   fingerprintOf(existing.RemotePublicKey),
			"received_fingerprint": fingerprintOf(hello.PublicKey),
		})
		h.logger.Warn("paired device presented a new public key", zap.String("device_id", hello.DeviceID))
	}

	name := h.displayName(hello.DeviceID, existing)
	approved, err := h.requestApproval(ctx, name, crypto.ComputePasskey(secret))
	if err != nil || !approved {
		reason := "declined"
		if err != nil {
			reason = err.Error()
		}
		h.recordEvent(storage.SecurityEventPairingDeclined, hello.DeviceID, storage.SecuritySeverityInfo, map[string]string{
			"reason":      reason,
			"fingerprint": fingerprintOf(hello.PublicKey),
		})
		h.opts.Metrics.observeHandshake("declined")
		if err != nil {
			return models.PairedPeer{}, fmt.Errorf("%w: %v", ErrPeerRejected, err)
		}
		return models.PairedPeer{}, ErrPeerRejected
	}

	peer := h.trustRecord(existing, found, hello, remoteHost, secret)
	peer.DeviceName = name
	if err := h.persist(peer); err != nil {
		return models.PairedPeer{}, err
	}
	h.recordEvent(storage.SecurityEventPairingAccepted, hello.DeviceID, storage.SecuritySeverityInfo, map[string]string{
		"fingerprint": fingerprintOf(hello.PublicKey),
	})
	h.opts.Metrics.observeHandshake("approved")
	return peer, nil
}

func (h *Handshaker) lookup(deviceID string) (models.PairedPeer, bool, error) {
	if peer, ok := h.sessions.Peer(deviceID); ok {
		return peer, true, nil
	}
	return h.sessions.opts.Trust.FindPeer(deviceID)
}

// trustRecord builds the updated record. The stored secret is kept while the
// key is unchanged; addresses are replaced, not merged.
func (h *Handshaker) trustRecord(existing models.PairedPeer, found bool, hello Hello, remoteHost string, secret []byte) models.PairedPeer {
	peer := models.PairedPeer{Battery: UnknownBattery}
	if found {
		peer = existing.Clone()
	}
	peer.DeviceID = hello.DeviceID
	if peer.DeviceName == "" {
		peer.DeviceName = h.displayName(hello.DeviceID, existing)
	}
	if hello.DeviceType != "" {
		peer.DeviceType = hello.DeviceType
	}
	if addrs := peerAddresses(hello.IP, remoteHost); len(addrs) > 0 {
		peer.IPAddresses = addrs
	}
	if peer.RemotePublicKey != hello.PublicKey || len(peer.SharedSecret) == 0 {
		peer.SharedSecret = secret
	}
	peer.RemotePublicKey = hello.PublicKey
	peer.IsAuthenticated = true
	if hello.Battery >= 0 {
		peer.Battery = hello.Battery
	}
	return peer
}

func (h *Handshaker) persist(peer models.PairedPeer) error {
	if err := h.sessions.opts.Trust.UpsertPeer(peer); err != nil {
		return fmt.Errorf("%w: persist trust record: %v", ErrPeerRejected, err)
	}
	h.sessions.putPeer(peer)
	return nil
}

func (h *Handshaker) requestApproval(ctx context.Context, deviceName, passkey string) (bool, error) {
	if h.opts.Approver == nil {
		return false, nil
	}

	ctx, cancel := context.WithTimeout(ctx, h.opts.ApprovalTimeout)
	defer cancel()

	type result struct {
		ok  bool
		err error
	}
	done := make(chan result, 1)
	go func() {
		ok, err := h.opts.Approver.RequestApproval(ctx, deviceName, passkey)
		done <- result{ok: ok, err: err}
	}()

	select {
	case r := <-done:
		return r.ok, r.err
	case <-ctx.Done():
		return false, fmt.Errorf("approval: %w", ctx.Err())
	}
}

func (h *Handshaker) displayName(deviceID string, existing models.PairedPeer) string {
	if h.opts.DisplayName != nil {
		if name, ok := h.opts.DisplayName(deviceID); ok && name != "" {
			return name
		}
	}
	if existing.DeviceName != "" {
		return existing.DeviceName
	}
	return deviceID
}

func (h *Handshaker) recordEvent(eventType, deviceID, severity string, details map[string]string) {
	recorder, ok := h.sessions.opts.Trust.(TrustEventRecorder)
	if !ok {
		return
	}
	if err := recorder.RecordTrustEvent(eventType, deviceID, severity, details); err != nil {
		h.logger.Warn("record trust event failed", zap.String("event_type", eventType), zap.Error(err))
	}
}

func (h *Handshaker) reject(session *Session) {
	_ = session.SendLine(FormatReject(h.sessions.opts.Identity.DeviceID))
	_ = session.Close()
}

func (h *Handshaker) localHello(session *Session) Hello {
	identity := h.sessions.opts.Identity
	return Hello{
		DeviceID:   identity.DeviceID,
		PublicKey:  identity.PublicKeyBase64(),
		IP:         hostOf(session.LocalAddr()),
		Battery:    h.sessions.opts.Battery(),
		DeviceType: LocalDeviceType,
	}
}

func peerAddresses(advertised, observed string) []string {
	var out []string
	for _, addr := range []string{advertised, observed} {
		if net.ParseIP(addr) == nil {
			continue
		}
		dup := false
		for _, existing := range out {
			if existing == addr {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, addr)
		}
	}
	return out
}

func hostOf(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil || net.ParseIP(host) == nil {
		return ""
	}
	return host
}

func fingerprintOf(publicKey string) string {
	raw, err := base64.StdEncoding.DecodeString(publicKey)
	if err != nil {
		return ""
	}
	return crypto.KeyFingerprint(raw)
}
