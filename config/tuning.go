package config

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

const tuningFileName = "tuning.toml"

// Tuning holds runtime timings and operational settings. Every field is
// optional in tuning.toml; zero values fall back to defaults.
type Tuning struct {
	HeartbeatInterval time.Duration `toml:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `toml:"heartbeat_timeout"`
	SendTimeout       time.Duration `toml:"send_timeout"`
	HandshakeTimeout  time.Duration `toml:"handshake_timeout"`
	ApprovalTimeout   time.Duration `toml:"approval_timeout"`

	DiscoveryPort    int           `toml:"discovery_port"`
	UDPProbeInterval time.Duration `toml:"udp_probe_interval"`
	UDPStaleAfter    time.Duration `toml:"udp_stale_after"`
	UDPSweepInterval time.Duration `toml:"udp_sweep_interval"`
	MDNSService      string        `toml:"mdns_service"`

	LogLevel       string `toml:"log_level"`
	LogFile        string `toml:"log_file"`
	MetricsAddress string `toml:"metrics_address"`
}

// DefaultTuning returns the built-in runtime settings.
func DefaultTuning() Tuning {
	return Tuning{
		HeartbeatInterval: 4 * time.Second,
		HeartbeatTimeout:  20 * time.Second,
		SendTimeout:       3 * time.Second,
		HandshakeTimeout:  10 * time.Second,
		ApprovalTimeout:   60 * time.Second,
		DiscoveryPort:     5149,
		UDPProbeInterval:  time.Second,
		UDPStaleAfter:     5 * time.Second,
		UDPSweepInterval:  time.Second,
		MDNSService:       "_devicelink._tcp",
		LogLevel:          "info",
	}
}

// TuningPath returns the full path to tuning.toml for a data directory.
func TuningPath(dataDir string) string {
	return filepath.Join(dataDir, tuningFileName)
}

// LoadTuning reads tuning.toml, returning defaults when the file is absent.
func LoadTuning(path string) (Tuning, error) {
	tuning := DefaultTuning()

	var overrides Tuning
	if _, err := toml.DecodeFile(path, &overrides); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return tuning, nil
		}
		return Tuning{}, fmt.Errorf("parse tuning %q: %w", path, err)
	}

	tuning.merge(overrides)
	if err := tuning.Validate(); err != nil {
		return Tuning{}, err
	}
	return tuning, nil
}

// Validate checks cross-field constraints.
func (t Tuning) Validate() error {
	if t.HeartbeatInterval <= 0 {
		return errors.New("heartbeat_interval must be > 0")
	}
	if t.HeartbeatTimeout <= 2*t.HeartbeatInterval {
		return fmt.Errorf("heartbeat_timeout %s must exceed twice heartbeat_interval %s", t.HeartbeatTimeout, t.HeartbeatInterval)
	}
	if t.SendTimeout <= 0 || t.SendTimeout >= t.HeartbeatInterval {
		return fmt.Errorf("send_timeout %s must be > 0 and below heartbeat_interval %s", t.SendTimeout, t.HeartbeatInterval)
	}
	if t.UDPStaleAfter <= t.UDPProbeInterval {
		return fmt.Errorf("udp_stale_after %s must exceed udp_probe_interval %s", t.UDPStaleAfter, t.UDPProbeInterval)
	}
	if t.DiscoveryPort <= 0 || t.DiscoveryPort > 65535 {
		return fmt.Errorf("discovery_port %d out of range", t.DiscoveryPort)
	}
	switch t.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unsupported log_level %q", t.LogLevel)
	}
	return nil
}

func (t *Tuning) merge(o Tuning) {
	if o.HeartbeatInterval > 0 {
		t.HeartbeatInterval = o.HeartbeatInterval
	}
	if o.HeartbeatTimeout > 0 {
		t.HeartbeatTimeout = o.HeartbeatTimeout
	}
	if o.SendTimeout > 0 {
		t.SendTimeout = o.SendTimeout
	}
	if o.HandshakeTimeout > 0 {
		t.HandshakeTimeout = o.HandshakeTimeout
	}
	if o.ApprovalTimeout > 0 {
		t.ApprovalTimeout = o.ApprovalTimeout
	}
	if o.DiscoveryPort != 0 {
		t.DiscoveryPort = o.DiscoveryPort
	}
	if o.UDPProbeInterval > 0 {
		t.UDPProbeInterval = o.UDPProbeInterval
	}
	if o.UDPStaleAfter > 0 {
		t.UDPStaleAfter = o.UDPStaleAfter
	}
	if o.UDPSweepInterval > 0 {
		t.UDPSweepInterval = o.UDPSweepInterval
	}
	if o.MDNSService != "" {
		t.MDNSService = o.MDNSService
	}
	if o.LogLevel != "" {
		t.LogLevel = o.LogLevel
	}
	if o.LogFile != "" {
		t.LogFile = o.LogFile
	}
	if o.MetricsAddress != "" {
		t.MetricsAddress = o.MetricsAddress
	}
}
