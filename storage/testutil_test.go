package storage

import (
	"crypto/sha256"
	"encoding/base64"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dataDir := t.TempDir()
	store, _, err := Open(dataDir)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})

	return store
}

func testPublicKey(seed string) string {
	sum := sha256.Sum256([]byte("storage-test|" + seed))
	return base64.StdEncoding.EncodeToString(sum[:])
}

func mustAddPeer(t *testing.T, store *Store, deviceID, name string) {
	t.Helper()

	err := store.UpsertPeer(Peer{
		DeviceID:       deviceID,
		DeviceName:     name,
		PublicKey:      testPublicKey(deviceID),
		KeyFingerprint: "fingerprint-" + deviceID,
		AddedTimestamp: nowUnixMilli(),
	})
	if err != nil {
		t.Fatalf("add peer %q: %v", deviceID, err)
	}
}
