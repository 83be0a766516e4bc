package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const maxSecurityEventPage = 500

// SetSecurityEventRetention configures how long pairing decisions are kept.
func (s *Store) SetSecurityEventRetention(retention time.Duration) {
	if retention <= 0 {
		retention = DefaultSecurityEventRetention
	}
	s.securityEventRetention = retention
}

// LogSecurityEvent appends a pairing or trust event and prunes rows older than
// the retention horizon.
func (s *Store) LogSecurityEvent(event SecurityEvent) error {
	if strings.TrimSpace(event.EventType) == "" {
		return errors.New("event_type is required")
	}
	if event.Severity == "" {
		event.Severity = SecuritySeverityInfo
	}
	if err := validateSecuritySeverity(event.Severity); err != nil {
		return err
	}
	if event.Timestamp == 0 {
		event.Timestamp = nowUnixMilli()
	}

	details := event.Details
	if details == nil {
		details = map[string]string{}
	}
	rawDetails, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("marshal security event details: %w", err)
	}

	var peerDeviceID *string
	if trimmed := strings.TrimSpace(event.PeerDeviceID); trimmed != "" {
		peerDeviceID = &trimmed
	}

	if _, err := s.db.Exec(
		`INSERT INTO security_events (event_type, peer_device_id, details, severity, timestamp)
		VALUES (?, ?, ?, ?, ?)`,
		event.EventType,
		nullString(peerDeviceID),
		string(rawDetails),
		event.Severity,
		event.Timestamp,
	); err != nil {
		return fmt.Errorf("insert security event %q: %w", event.EventType, err)
	}

	if s.securityEventRetention > 0 {
		cutoff := time.Now().Add(-s.securityEventRetention).UnixMilli()
		if _, err := s.PruneSecurityEvents(cutoff); err != nil {
			return err
		}
	}

	return nil
}

// GetSecurityEvents returns events newest first.
func (s *Store) GetSecurityEvents(filter SecurityEventFilter) ([]SecurityEvent, error) {
	limit := filter.Limit
	if limit <= 0 || limit > maxSecurityEventPage {
		limit = maxSecurityEventPage
	}

	var (
		where []string
		args  []any
	)
	if filter.EventType != "" {
		where = append(where, "event_type = ?")
		args = append(args, filter.EventType)
	}
	if filter.PeerDeviceID != "" {
		where = append(where, "peer_device_id = ?")
		args = append(args, filter.PeerDeviceID)
	}
	if !filter.Since.IsZero() {
		where = append(where, "timestamp >= ?")
		args = append(args, filter.Since.UnixMilli())
	}

	query := `SELECT id, event_type, peer_device_id, details, severity, timestamp FROM security_events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY timestamp DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("get security events: %w", err)
	}
	defer rows.Close()

	events := make([]SecurityEvent, 0)
	for rows.Next() {
		event, err := scanSecurityEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan security event row: %w", err)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate security event rows: %w", err)
	}

	return events, nil
}

// PruneSecurityEvents removes events older than cutoffTimestamp (unix millis).
func (s *Store) PruneSecurityEvents(cutoffTimestamp int64) (int64, error) {
	if cutoffTimestamp <= 0 {
		return 0, errors.New("cutoff timestamp must be > 0")
	}

	res, err := s.db.Exec(`DELETE FROM security_events WHERE timestamp < ?`, cutoffTimestamp)
	if err != nil {
		return 0, fmt.Errorf("prune security events: %w", err)
	}
	return res.RowsAffected()
}

func scanSecurityEvent(row scanner) (SecurityEvent, error) {
	var (
		event        SecurityEvent
		peerDeviceID sql.NullString
		rawDetails   string
	)
	if err := row.Scan(
		&event.ID,
		&event.EventType,
		&peerDeviceID,
		&rawDetails,
		&event.Severity,
		&event.Timestamp,
	); err != nil {
		return SecurityEvent{}, err
	}

	if peerDeviceID.Valid {
		event.PeerDeviceID = peerDeviceID.String
	}
	if rawDetails != "" {
		if err := json.Unmarshal([]byte(rawDetails), &event.Details); err != nil {
			return SecurityEvent{}, fmt.Errorf("decode details: %w", err)
		}
	}
	return event, nil
}
