package identity

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"os"

	"golang.org/x/crypto/ssh"
)

var (
	ErrUnsupportedKey = errors.New("identity: unsupported key type (expected ed25519)")
	ErrKeyEncrypted   = errors.New("identity: key is encrypted (passphrase required)")
)

// PrivateKeyFromFile reads an ed25519 private key for keystore import.
// Accepts a raw 32-byte seed, a raw 64-byte private key, or an OpenSSH
// private key file.
func PrivateKeyFromFile(path string) (ed25519.PrivateKey, error) {
	keyData, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("identity: read key: %w", err)
	}

	if len(keyData) == ed25519.SeedSize {
		return ed25519.NewKeyFromSeed(keyData), nil
	}
	if len(keyData) == ed25519.PrivateKeySize {
		return ed25519.PrivateKey(keyData), nil
	}

	parsed, err := ssh.ParseRawPrivateKey(keyData)
	if err != nil {
		if _, ok := err.(*ssh.PassphraseMissingError); ok {
			return nil, ErrKeyEncrypted
		}
		return nil, fmt.Errorf("identity: parse key: %w", err)
	}
	switch k := parsed.(type) {
	case *ed25519.PrivateKey:
		return *k, nil
	case ed25519.PrivateKey:
		return k, nil
	default:
		return nil, fmt.Errorf("%w: got %T", ErrUnsupportedKey, parsed)
	}
}
