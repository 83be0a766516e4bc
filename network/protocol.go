package network

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	// MaxFrameSize bounds one newline-delimited frame (8 MiB).
	MaxFrameSize = 8 * 1024 * 1024
	// DefaultHandshakeTimeout bounds how long an unbound connection may stay silent.
	DefaultHandshakeTimeout = 10 * time.Second
	// DefaultSendTimeout bounds a single frame write.
	DefaultSendTimeout = 3 * time.Second
	// LocalDeviceType is advertised in ACCEPT and HANDSHAKE frames.
	LocalDeviceType = "pc"
	// UnknownBattery is sent when the local battery level is unavailable.
	UnknownBattery = -1
)

const (
	prefixHandshake = "HANDSHAKE"
	prefixAccept    = "ACCEPT"
	prefixReject    = "REJECT"
	prefixHeartbeat = "HEARTBEAT"
	prefixDiscover  = "DISCOVER"
)

var (
	// ErrMalformedFrame indicates a frame with a known prefix but bad fields.
	ErrMalformedFrame = errors.New("network: malformed frame")
	// ErrUnknownHeader indicates a frame that matches no known shape.
	ErrUnknownHeader = errors.New("network: unknown frame header")
	// ErrFrameTooLarge indicates a partial frame exceeded MaxFrameSize.
	ErrFrameTooLarge = errors.New("network: frame exceeds max size")
)

// EnvelopeKind classifies a decoded frame.
type EnvelopeKind int

const (
	KindUnknown EnvelopeKind = iota
	KindHandshake
	KindAccept
	KindReject
	KindHeartbeat
	KindDataFrame
	KindRawJSON
)

func (k EnvelopeKind) String() string {
	switch k {
	case KindHandshake:
		return "handshake"
	case KindAccept:
		return "accept"
	case KindReject:
		return "reject"
	case KindHeartbeat:
		return "heartbeat"
	case KindDataFrame:
		return "data"
	case KindRawJSON:
		return "raw_json"
	default:
		return "unknown"
	}
}

// Hello carries the identity fields of HANDSHAKE and ACCEPT frames.
type Hello struct {
	DeviceID   string
	PublicKey  string
	IP         string
	Battery    int
	DeviceType string
}

// Envelope is one decoded wire frame. Only the fields relevant to Kind are set.
type Envelope struct {
	Kind EnvelopeKind

	DeviceID   string
	PublicKey  string
	IP         string
	Battery    int
	DeviceType string

	HeaderTag  string
	Ciphertext string

	Raw string
}

// Hello returns the identity fields of a HANDSHAKE or ACCEPT envelope.
func (e Envelope) Hello() Hello {
	return Hello{
		DeviceID:   e.DeviceID,
		PublicKey:  e.PublicKey,
		IP:         e.IP,
		Battery:    e.Battery,
		DeviceType: e.DeviceType,
	}
}

// ParseEnvelope classifies and decodes one frame. Heartbeats are checked
// first, then the pairing frames, bare JSON, and finally data frames.
func ParseEnvelope(frame string) (Envelope, error) {
	trimmed := strings.TrimSpace(frame)
	if trimmed == "" {
		return Envelope{}, fmt.Errorf("%w: empty frame", ErrMalformedFrame)
	}

	head, _, _ := strings.Cut(trimmed, ":")
	switch head {
	case prefixHeartbeat:
		return parseHeartbeat(trimmed)
	case prefixHandshake:
		return parseHello(trimmed, KindHandshake)
	case prefixAccept:
		return parseHello(trimmed, KindAccept)
	case prefixReject:
		return parseReject(trimmed)
	}

	if trimmed[0] == '{' || trimmed[0] == '[' {
		return Envelope{Kind: KindRawJSON, Raw: trimmed}, nil
	}

	return parseDataFrame(trimmed)
}

// parseHeartbeat reads HEARTBEAT:<deviceId>[:<battery>]. The battery must
// follow a colon; a bare numeric suffix is read as part of the device ID.
func parseHeartbeat(frame string) (Envelope, error) {
	parts := strings.Split(frame, ":")
	if len(parts) < 2 || len(parts) > 3 || strings.TrimSpace(parts[1]) == "" {
		return Envelope{}, fmt.Errorf("%w: heartbeat", ErrMalformedFrame)
	}
	env := Envelope{Kind: KindHeartbeat, DeviceID: parts[1], Battery: UnknownBattery}
	if len(parts) == 3 {
		env.Battery = parseBattery(parts[2])
	}
	return env, nil
}

// parseHello accepts the 3-part and 6-part forms. The IP field may itself
// contain colons (IPv6), so battery and device type are read from the right.
func parseHello(frame string, kind EnvelopeKind) (Envelope, error) {
	parts := strings.Split(frame, ":")
	if len(parts) < 3 || strings.TrimSpace(parts[1]) == "" || strings.TrimSpace(parts[2]) == "" {
		return Envelope{}, fmt.Errorf("%w: %s", ErrMalformedFrame, kind)
	}

	env := Envelope{
		Kind:      kind,
		DeviceID:  parts[1],
		PublicKey: parts[2],
		Battery:   UnknownBattery,
	}
	switch {
	case len(parts) == 3:
	case len(parts) >= 6:
		n := len(parts)
		env.IP = strings.Join(parts[3:n-2], ":")
		env.Battery = parseBattery(parts[n-2])
		env.DeviceType = parts[n-1]
	default:
		return Envelope{}, fmt.Errorf("%w: %s has %d fields", ErrMalformedFrame, kind, len(parts))
	}
	return env, nil
}

func parseReject(frame string) (Envelope, error) {
	parts := strings.Split(frame, ":")
	if len(parts) != 2 || strings.TrimSpace(parts[1]) == "" {
		return Envelope{}, fmt.Errorf("%w: reject", ErrMalformedFrame)
	}
	return Envelope{Kind: KindReject, DeviceID: parts[1]}, nil
}

func parseDataFrame(frame string) (Envelope, error) {
	parts := strings.SplitN(frame, ":", 4)
	if !isHeaderTag(parts[0]) {
		return Envelope{}, ErrUnknownHeader
	}
	if len(parts) != 4 {
		return Envelope{}, fmt.Errorf("%w: data frame %q has %d fields", ErrMalformedFrame, parts[0], len(parts))
	}
	if parts[1] == "" || parts[2] == "" || parts[3] == "" {
		return Envelope{}, fmt.Errorf("%w: data frame %q has empty fields", ErrMalformedFrame, parts[0])
	}
	return Envelope{
		Kind:       KindDataFrame,
		HeaderTag:  parts[0],
		DeviceID:   parts[1],
		PublicKey:  parts[2],
		Ciphertext: parts[3],
	}, nil
}

// isHeaderTag reports whether token is a data frame header tag: a letter
// followed by letters, digits, '-' or '_', and not a reserved prefix.
func isHeaderTag(token string) bool {
	if token == "" || len(token) > 64 {
		return false
	}
	for i, r := range token {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case i > 0 && (r >= '0' && r <= '9' || r == '-' || r == '_'):
		default:
			return false
		}
	}
	switch strings.ToUpper(token) {
	case prefixHandshake, prefixAccept, prefixReject, prefixHeartbeat, prefixDiscover:
		return false
	}
	return true
}

func parseBattery(raw string) int {
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || v < 0 || v > 100 {
		return UnknownBattery
	}
	return v
}

// FormatHandshake encodes the 6-part HANDSHAKE frame.
func FormatHandshake(h Hello) string {
	return formatHello(prefixHandshake, h)
}

// FormatAccept encodes the 6-part ACCEPT frame.
func FormatAccept(h Hello) string {
	return formatHello(prefixAccept, h)
}

func formatHello(prefix string, h Hello) string {
	deviceType := h.DeviceType
	if deviceType == "" {
		deviceType = LocalDeviceType
	}
	return strings.Join([]string{
		prefix,
		h.DeviceID,
		h.PublicKey,
		h.IP,
		strconv.Itoa(h.Battery),
		deviceType,
	}, ":")
}

// FormatReject encodes REJECT:<deviceId>.
func FormatReject(deviceID string) string {
	return prefixReject + ":" + deviceID
}

// FormatHeartbeat encodes HEARTBEAT:<deviceId>[:<battery>]; the battery is
// omitted when unknown.
func FormatHeartbeat(deviceID string, battery int) string {
	if battery < 0 {
		return prefixHeartbeat + ":" + deviceID
	}
	return prefixHeartbeat + ":" + deviceID + ":" + strconv.Itoa(battery)
}

// FormatDataFrame encodes <TAG>:<senderDeviceId>:<senderPublicKey>:<ciphertext>.
func FormatDataFrame(tag, senderDeviceID, senderPublicKey, ciphertext string) (string, error) {
	if !isHeaderTag(tag) {
		return "", fmt.Errorf("%w: invalid header tag %q", ErrMalformedFrame, tag)
	}
	return strings.Join([]string{tag, senderDeviceID, senderPublicKey, ciphertext}, ":"), nil
}
