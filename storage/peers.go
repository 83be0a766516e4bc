package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const peerColumns = `
	device_id,
	device_name,
	model,
	device_type,
	public_key,
	key_fingerprint,
	shared_secret,
	ip_addresses,
	is_authenticated,
	added_timestamp,
	last_heartbeat_timestamp`

// UpsertPeer inserts a paired peer or replaces every mutable column of an
// existing row. The IP address list is replaced, not merged.
func (s *Store) UpsertPeer(peer Peer) error {
	if strings.TrimSpace(peer.DeviceID) == "" {
		return errors.New("device_id is required")
	}
	if strings.TrimSpace(peer.DeviceName) == "" {
		return errors.New("device_name is required")
	}
	if peer.PublicKey == "" {
		return errors.New("public_key is required")
	}
	if peer.KeyFingerprint == "" {
		return errors.New("key_fingerprint is required")
	}
	if peer.AddedTimestamp == 0 {
		peer.AddedTimestamp = nowUnixMilli()
	}

	addresses := peer.IPAddresses
	if addresses == nil {
		addresses = []string{}
	}
	rawAddresses, err := json.Marshal(addresses)
	if err != nil {
		return fmt.Errorf("marshal ip addresses for %q: %w", peer.DeviceID, err)
	}

	_, err = s.db.Exec(
		`INSERT INTO paired_peers (`+peerColumns+`
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET
			device_name = excluded.device_name,
			model = excluded.model,
			device_type = excluded.device_type,
			public_key = excluded.public_key,
			key_fingerprint = excluded.key_fingerprint,
			shared_secret = excluded.shared_secret,
			ip_addresses = excluded.ip_addresses,
			is_authenticated = excluded.is_authenticated,
			last_heartbeat_timestamp = COALESCE(excluded.last_heartbeat_timestamp, paired_peers.last_heartbeat_timestamp)`,
		peer.DeviceID,
		peer.DeviceName,
		peer.Model,
		peer.DeviceType,
		peer.PublicKey,
		peer.KeyFingerprint,
		peer.SharedSecret,
		string(rawAddresses),
		boolToInt(peer.IsAuthenticated),
		peer.AddedTimestamp,
		nullInt64(peer.LastHeartbeatTimestamp),
	)
	if err != nil {
		return fmt.Errorf("upsert peer %q: %w", peer.DeviceID, err)
	}

	return nil
}

// GetPeer fetches a peer by device ID.
func (s *Store) GetPeer(deviceID string) (*Peer, error) {
	row := s.db.QueryRow(
		`SELECT`+peerColumns+`
		FROM paired_peers
		WHERE device_id = ?`,
		deviceID,
	)

	peer, err := scanPeer(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get peer %q: %w", deviceID, err)
	}

	return peer, nil
}

// ListPeers returns all peers sorted by device name.
func (s *Store) ListPeers() ([]Peer, error) {
	rows, err := s.db.Query(
		`SELECT` + peerColumns + `
		FROM paired_peers
		ORDER BY device_name, device_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("list peers: %w", err)
	}
	defer rows.Close()

	peers := make([]Peer, 0)
	for rows.Next() {
		peer, err := scanPeer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan peer row: %w", err)
		}
		peers = append(peers, *peer)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate peer rows: %w", err)
	}

	return peers, nil
}

// UpdatePeerHeartbeat records the most recent liveness timestamp.
func (s *Store) UpdatePeerHeartbeat(deviceID string, timestamp int64) error {
	if deviceID == "" {
		return errors.New("device_id is required")
	}

	res, err := s.db.Exec(
		`UPDATE paired_peers SET last_heartbeat_timestamp = ? WHERE device_id = ?`,
		timestamp,
		deviceID,
	)
	if err != nil {
		return fmt.Errorf("update peer heartbeat %q: %w", deviceID, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for peer heartbeat %q: %w", deviceID, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

// RemovePeer deletes a peer by device ID.
func (s *Store) RemovePeer(deviceID string) error {
	if deviceID == "" {
		return errors.New("device_id is required")
	}

	res, err := s.db.Exec(`DELETE FROM paired_peers WHERE device_id = ?`, deviceID)
	if err != nil {
		return fmt.Errorf("remove peer %q: %w", deviceID, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for remove peer %q: %w", deviceID, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

func scanPeer(row scanner) (*Peer, error) {
	var (
		peer          Peer
		rawAddresses  string
		authenticated int
		lastHeartbeat sql.NullInt64
	)

	if err := row.Scan(
		&peer.DeviceID,
		&peer.DeviceName,
		&peer.Model,
		&peer.DeviceType,
		&peer.PublicKey,
		&peer.KeyFingerprint,
		&peer.SharedSecret,
		&rawAddresses,
		&authenticated,
		&peer.AddedTimestamp,
		&lastHeartbeat,
	); err != nil {
		return nil, err
	}

	if rawAddresses != "" {
		if err := json.Unmarshal([]byte(rawAddresses), &peer.IPAddresses); err != nil {
			return nil, fmt.Errorf("decode ip addresses: %w", err)
		}
	}
	peer.IsAuthenticated = authenticated == 1
	peer.LastHeartbeatTimestamp = int64Ptr(lastHeartbeat)

	return &peer, nil
}
