package crypto

import (
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

const x25519PrivatePEMType = "X25519 PRIVATE KEY"

var x25519Curve = ecdh.X25519()

// ErrInvalidPublicKey indicates a peer public key that cannot be parsed.
var ErrInvalidPublicKey = errors.New("crypto: invalid public key")

// GenerateKeyPair creates a new X25519 keypair.
func GenerateKeyPair() (*ecdh.PublicKey, *ecdh.PrivateKey, error) {
	privateKey, err := x25519Curve.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate X25519 private key: %w", err)
	}
	return privateKey.PublicKey(), privateKey, nil
}

// EnsurePrivateKey loads the identity key from disk, generating it on first run
// or when the stored file is corrupt.
func EnsurePrivateKey(path string) (*ecdh.PrivateKey, error) {
	privateKey, err := LoadPrivateKey(path)
	if err == nil {
		return privateKey, nil
	}
	if !errors.Is(err, fs.ErrNotExist) && !errors.Is(err, errCorruptKey) {
		return nil, err
	}

	_, privateKey, err = GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	if err := SavePrivateKey(path, privateKey); err != nil {
		return nil, err
	}

	return privateKey, nil
}

var errCorruptKey = errors.New("crypto: corrupt key file")

// LoadPrivateKey reads an X25519 private key from PEM.
func LoadPrivateKey(path string) (*ecdh.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read X25519 private key: %w", err)
	}

	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("decode X25519 PEM: no PEM block: %w", errCorruptKey)
	}
	if block.Type != x25519PrivatePEMType {
		return nil, fmt.Errorf("decode X25519 PEM: unexpected type %q: %w", block.Type, errCorruptKey)
	}
	if len(block.Bytes) != 32 {
		return nil, fmt.Errorf("decode X25519 PEM: invalid private key size %d: %w", len(block.Bytes), errCorruptKey)
	}

	privateKey, err := x25519Curve.NewPrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse X25519 private key: %w", err)
	}

	return privateKey, nil
}

// SavePrivateKey writes an X25519 private key PEM file with 0600 permissions.
func SavePrivateKey(path string, key *ecdh.PrivateKey) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create key directory: %w", err)
	}

	block := &pem.Block{
		Type:  x25519PrivatePEMType,
		Bytes: key.Bytes(),
	}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		return fmt.Errorf("write X25519 private key: %w", err)
	}

	return nil
}

// EncodePublicKey renders a public key in its wire form.
func EncodePublicKey(key *ecdh.PublicKey) string {
	return base64.StdEncoding.EncodeToString(key.Bytes())
}

// ParsePublicKey decodes a wire-form public key.
func ParsePublicKey(encoded string) (*ecdh.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	key, err := x25519Curve.NewPublicKey(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	return key, nil
}
