package models

import (
	"crypto/ecdh"
	"encoding/base64"
	"time"
)

// PeerOrigin identifies which discovery channel produced a sighting.
type PeerOrigin string

const (
	// OriginUDPBroadcast marks descriptors learned from DISCOVER probes.
	OriginUDPBroadcast PeerOrigin = "udp_broadcast"
	// OriginMDNSService marks descriptors learned from mDNS service instances.
	OriginMDNSService PeerOrigin = "mdns_service"
)

// LocalIdentity is the process-wide identity of this device.
type LocalIdentity struct {
	DeviceID   string
	DeviceName string
	PrivateKey *ecdh.PrivateKey
}

// PublicKey returns the raw X25519 public key.
func (id LocalIdentity) PublicKey() []byte {
	if id.PrivateKey == nil {
		return nil
	}
	return id.PrivateKey.PublicKey().Bytes()
}

// PublicKeyBase64 returns the public key as published on the wire.
func (id LocalIdentity) PublicKeyBase64() string {
	return base64.StdEncoding.EncodeToString(id.PublicKey())
}

// PeerDescriptor is an untrusted, ephemeral discovery sighting.
type PeerDescriptor struct {
	DeviceID   string
	DeviceName string
	PublicKey  string
	Addresses  []string
	Port       int
	Origin     PeerOrigin
	LastSeenAt time.Time
}

// PairedPeer is the in-memory projection of a trusted remote device.
type PairedPeer struct {
	DeviceID         string
	DeviceName       string
	Model            string
	DeviceType       string
	IPAddresses      []string
	RemotePublicKey  string
	SharedSecret     []byte
	IsAuthenticated  bool
	ConnectionStatus bool
	Battery          int
	LastHeartbeatAt  time.Time
	// SessionID references the bound session, empty when unbound.
	SessionID string
}

// Clone returns a deep copy safe to hand to other goroutines.
func (p PairedPeer) Clone() PairedPeer {
	out := p
	if p.IPAddresses != nil {
		out.IPAddresses = append([]string(nil), p.IPAddresses...)
	}
	if p.SharedSecret != nil {
		out.SharedSecret = append([]byte(nil), p.SharedSecret...)
	}
	return out
}

// ConnectivityEvent is raised on every liveness transition of a paired peer.
type ConnectivityEvent struct {
	PeerID    string
	Connected bool
	At        time.Time
}
