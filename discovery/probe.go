package discovery

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const probePrefix = "DISCOVER"

// ErrMalformedProbe is returned for datagrams that are not DISCOVER probes.
var ErrMalformedProbe = errors.New("discovery: malformed probe")

// Probe is one decoded UDP discovery datagram.
type Probe struct {
	DeviceID   string
	DeviceName string
	Port       int
}

// FormatProbe encodes DISCOVER:<deviceId>:<base64(name)>:<port>.
func FormatProbe(p Probe) string {
	name := base64.StdEncoding.EncodeToString([]byte(p.DeviceName))
	return fmt.Sprintf("%s:%s:%s:%d", probePrefix, p.DeviceID, name, p.Port)
}

// ParseProbe decodes a probe datagram. Trailing newlines are tolerated.
func ParseProbe(raw string) (Probe, error) {
	parts := strings.Split(strings.TrimSpace(raw), ":")
	if len(parts) != 4 || parts[0] != probePrefix {
		return Probe{}, ErrMalformedProbe
	}

	deviceID := strings.TrimSpace(parts[1])
	if deviceID == "" {
		return Probe{}, fmt.Errorf("%w: empty device id", ErrMalformedProbe)
	}
	name, err := base64.StdEncoding.DecodeString(parts[2])
	if err != nil {
		return Probe{}, fmt.Errorf("%w: device name: %v", ErrMalformedProbe, err)
	}
	port, err := strconv.Atoi(parts[3])
	if err != nil || port <= 0 || port > 65535 {
		return Probe{}, fmt.Errorf("%w: port %q", ErrMalformedProbe, parts[3])
	}

	return Probe{DeviceID: deviceID, DeviceName: string(name), Port: port}, nil
}
