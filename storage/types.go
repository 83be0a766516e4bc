package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
)

const (
	// SecuritySeverityInfo indicates informational security event context.
	SecuritySeverityInfo = "info"
	// SecuritySeverityWarning indicates potentially suspicious behavior.
	SecuritySeverityWarning = "warning"
	// SecuritySeverityCritical indicates serious security failures.
	SecuritySeverityCritical = "critical"
)

const (
	// SecurityEventPairingDeclined records a user or timeout decline.
	SecurityEventPairingDeclined = "pairing_declined"
	// SecurityEventPairingAccepted records a newly trusted device.
	SecurityEventPairingAccepted = "pairing_accepted"
	// SecurityEventKeyMismatch records a known device presenting a new key.
	SecurityEventKeyMismatch = "key_mismatch"
)

// Peer is the SQLite representation of a paired remote device.
type Peer struct {
	DeviceID               string
	DeviceName             string
	Model                  string
	DeviceType             string
	PublicKey              string
	KeyFingerprint         string
	SharedSecret           []byte
	IPAddresses            []string
	IsAuthenticated        bool
	AddedTimestamp         int64
	LastHeartbeatTimestamp *int64
}

// SecurityEvent is one row of the pairing/trust audit log.
type SecurityEvent struct {
	ID           int64
	EventType    string
	PeerDeviceID string
	Details      map[string]string
	Severity     string
	Timestamp    int64
}

// SecurityEventFilter narrows GetSecurityEvents results. Zero fields match all.
type SecurityEventFilter struct {
	EventType    string
	PeerDeviceID string
	Since        time.Time
	Limit        int
}

type scanner interface {
	Scan(dest ...any) error
}

func validateSecuritySeverity(severity string) error {
	switch severity {
	case SecuritySeverityInfo, SecuritySeverityWarning, SecuritySeverityCritical:
		return nil
	default:
		return fmt.Errorf("invalid security severity %q", severity)
	}
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func nullString(ptr *string) sql.NullString {
	if ptr == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *ptr, Valid: true}
}

func nullInt64(ptr *int64) sql.NullInt64 {
	if ptr == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *ptr, Valid: true}
}

func int64Ptr(ni sql.NullInt64) *int64 {
	if !ni.Valid {
		return nil
	}
	v := ni.Int64
	return &v
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
