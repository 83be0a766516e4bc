package storage

import (
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"devicelink/crypto"
	"devicelink/models"
)

// TrustStore exposes the paired_peers table in terms of models.PairedPeer.
// Runtime-only fields (ConnectionStatus, SessionID, Battery) are not persisted.
type TrustStore struct {
	store *Store
}

// NewTrustStore wraps an open Store.
func NewTrustStore(store *Store) *TrustStore {
	return &TrustStore{store: store}
}

// FindPeer returns the stored peer for deviceID; ok is false when none exists.
func (t *TrustStore) FindPeer(deviceID string) (models.PairedPeer, bool, error) {
	row, err := t.store.GetPeer(deviceID)
	if errors.Is(err, ErrNotFound) {
		return models.PairedPeer{}, false, nil
	}
	if err != nil {
		return models.PairedPeer{}, false, err
	}
	return peerFromRow(*row), true, nil
}

// UpsertPeer persists a trust record.
func (t *TrustStore) UpsertPeer(peer models.PairedPeer) error {
	row, err := rowFromPeer(peer)
	if err != nil {
		return err
	}
	return t.store.UpsertPeer(row)
}

// ListPeers returns every persisted trust record.
func (t *TrustStore) ListPeers() ([]models.PairedPeer, error) {
	rows, err := t.store.ListPeers()
	if err != nil {
		return nil, err
	}
	out := make([]models.PairedPeer, 0, len(rows))
	for _, row := range rows {
		out = append(out, peerFromRow(row))
	}
	return out, nil
}

// RemovePeer deletes a trust record; a missing row is not an error.
func (t *TrustStore) RemovePeer(deviceID string) error {
	if err := t.store.RemovePeer(deviceID); err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	return nil
}

// RecordTrustEvent logs a pairing decision or key mismatch.
func (t *TrustStore) RecordTrustEvent(eventType, deviceID, severity string, details map[string]string) error {
	return t.store.LogSecurityEvent(SecurityEvent{
		EventType:    eventType,
		PeerDeviceID: deviceID,
		Details:      details,
		Severity:     severity,
	})
}

func rowFromPeer(peer models.PairedPeer) (Peer, error) {
	rawKey, err := base64.StdEncoding.DecodeString(peer.RemotePublicKey)
	if err != nil {
		return Peer{}, fmt.Errorf("decode public key for %q: %w", peer.DeviceID, err)
	}

	row := Peer{
		DeviceID:        peer.DeviceID,
		DeviceName:      peer.DeviceName,
		Model:           peer.Model,
		DeviceType:      peer.DeviceType,
		PublicKey:       peer.RemotePublicKey,
		KeyFingerprint:  crypto.KeyFingerprint(rawKey),
		SharedSecret:    peer.SharedSecret,
		IPAddresses:     peer.IPAddresses,
		IsAuthenticated: peer.IsAuthenticated,
	}
	if !peer.LastHeartbeatAt.IsZero() {
		ts := peer.LastHeartbeatAt.UnixMilli()
		row.LastHeartbeatTimestamp = &ts
	}
	if row.DeviceName == "" {
		row.DeviceName = peer.DeviceID
	}
	return row, nil
}

func peerFromRow(row Peer) models.PairedPeer {
	peer := models.PairedPeer{
		DeviceID:        row.DeviceID,
		DeviceName:      row.DeviceName,
		Model:           row.Model,
		DeviceType:      row.DeviceType,
		IPAddresses:     row.IPAddresses,
		RemotePublicKey: row.PublicKey,
		SharedSecret:    row.SharedSecret,
		IsAuthenticated: row.IsAuthenticated,
	}
	if row.LastHeartbeatTimestamp != nil {
		peer.LastHeartbeatAt = time.UnixMilli(*row.LastHeartbeatTimestamp)
	}
	return peer
}
