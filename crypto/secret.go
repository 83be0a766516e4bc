package crypto

import (
	"bytes"
	"crypto/ecdh"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	sharedSecretSize = 32
	sharedSecretInfo = "devicelink shared secret v1"
	passkeyInfo      = "devicelink passkey v1"
)

// DeriveSharedSecret computes the session secret both peers agree on.
//
// X25519 output is expanded with HKDF-SHA256 salted by both public keys in
// sorted order, so DeriveSharedSecret(a, B) == DeriveSharedSecret(b, A).
func DeriveSharedSecret(local *ecdh.PrivateKey, remote *ecdh.PublicKey) ([]byte, error) {
	if local == nil || remote == nil {
		return nil, fmt.Errorf("derive shared secret: %w", ErrInvalidPublicKey)
	}

	raw, err := local.ECDH(remote)
	if err != nil {
		return nil, fmt.Errorf("compute X25519 shared secret: %w", err)
	}

	localPublic := local.PublicKey().Bytes()
	remotePublic := remote.Bytes()
	salt := make([]byte, 0, len(localPublic)+len(remotePublic))
	if bytes.Compare(localPublic, remotePublic) <= 0 {
		salt = append(append(salt, localPublic...), remotePublic...)
	} else {
		salt = append(append(salt, remotePublic...), localPublic...)
	}

	secret := make([]byte, sharedSecretSize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, raw, salt, []byte(sharedSecretInfo)), secret); err != nil {
		return nil, fmt.Errorf("expand shared secret: %w", err)
	}
	return secret, nil
}

// ComputePasskey derives the 6-digit code users compare during pairing.
func ComputePasskey(sharedSecret []byte) string {
	var buf [4]byte
	if _, err := io.ReadFull(hkdf.New(sha256.New, sharedSecret, nil, []byte(passkeyInfo)), buf[:]); err != nil {
		return ""
	}
	return fmt.Sprintf("%06d", binary.BigEndian.Uint32(buf[:])%1_000_000)
}
