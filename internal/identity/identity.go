// Package identity owns the device keypair and the stable device id.
//
// Ownership boundary:
// - keystore file lifecycle (create-if-absent, load, validate)
// - device id derivation
// - payload signing with the private key
//
// The private key never leaves this package.
package identity

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

var (
	ErrKeystoreUnreadable = errors.New("identity: keystore unreadable")
	ErrKeystoreCorrupt    = errors.New("identity: keystore corrupt")
	ErrKeystoreExists     = errors.New("identity: keystore already exists")
)

// Identity is the public half of the device: the raw ed25519 public key and
// the device id derived from it (lowercase hex SHA-256 of the 32 key bytes).
type Identity struct {
	PublicKey ed25519.PublicKey
	DeviceID  string
}

// Store holds the loaded keypair for the process lifetime. Immutable after
// LoadOrCreate; safe for concurrent use.
type Store struct {
	identity Identity
	private  ed25519.PrivateKey
	path     string
}

type keystoreFile struct {
	PublicKey  string `json:"public_key"`
	PrivateKey string `json:"private_key"`
}

// LoadOrCreate loads the keystore at path, generating and persisting a new
// keypair when no file exists. A file that exists but cannot be read or
// validated is fatal: regenerating would desynchronize the device from a
// gateway it already paired with.
func LoadOrCreate(path string) (*Store, error) {
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		return load(path, data)
	case errors.Is(err, os.ErrNotExist):
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("identity: generate keypair: %w", err)
		}
		return create(path, pub, priv)
	default:
		return nil, fmt.Errorf("%w: %v", ErrKeystoreUnreadable, err)
	}
}

// CreateFromKey persists an externally supplied private key as the device
// keystore. It refuses to overwrite an existing keystore.
func CreateFromKey(path string, priv ed25519.PrivateKey) (*Store, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("%w: private key length %d", ErrKeystoreCorrupt, len(priv))
	}
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrKeystoreExists, path)
	}
	pub := priv.Public().(ed25519.PublicKey)
	return create(path, pub, priv)
}

func load(path string, data []byte) (*Store, error) {
	var raw keystoreFile
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeystoreCorrupt, err)
	}
	pub, err := base64.StdEncoding.DecodeString(raw.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: public key: %v", ErrKeystoreCorrupt, err)
	}
	priv, err := base64.StdEncoding.DecodeString(raw.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("%w: private key: %v", ErrKeystoreCorrupt, err)
	}
	if len(pub) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: public key length %d", ErrKeystoreCorrupt, len(pub))
	}
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("%w: private key length %d", ErrKeystoreCorrupt, len(priv))
	}
	derived := ed25519.PrivateKey(priv).Public().(ed25519.PublicKey)
	if !bytes.Equal(derived, pub) {
		return nil, fmt.Errorf("%w: public key does not match private key", ErrKeystoreCorrupt)
	}
	return &Store{
		identity: Identity{
			PublicKey: ed25519.PublicKey(pub),
			DeviceID:  DeriveDeviceID(pub),
		},
		private: ed25519.PrivateKey(priv),
		path:    path,
	}, nil
}

func create(path string, pub ed25519.PublicKey, priv ed25519.PrivateKey) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("identity: create keystore dir: %w", err)
		}
	}
	raw, err := json.MarshalIndent(keystoreFile{
		PublicKey:  base64.StdEncoding.EncodeToString(pub),
		PrivateKey: base64.StdEncoding.EncodeToString(priv),
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("identity: encode keystore: %w", err)
	}
	raw = append(raw, '\n')

	// O_EXCL keeps the write-if-absent path atomic against a concurrent
	// first run.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("%w: %s", ErrKeystoreExists, path)
		}
		return nil, fmt.Errorf("identity: create keystore: %w", err)
	}
	if _, err := f.Write(raw); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("identity: write keystore: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("identity: close keystore: %w", err)
	}

	return &Store{
		identity: Identity{
			PublicKey: append(ed25519.PublicKey(nil), pub...),
			DeviceID:  DeriveDeviceID(pub),
		},
		private: append(ed25519.PrivateKey(nil), priv...),
		path:    path,
	}, nil
}

// DeriveDeviceID returns the lowercase hex SHA-256 digest of the raw public
// key bytes: always 64 characters.
func DeriveDeviceID(pub []byte) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:])
}

func (s *Store) Identity() Identity {
	return Identity{
		PublicKey: append(ed25519.PublicKey(nil), s.identity.PublicKey...),
		DeviceID:  s.identity.DeviceID,
	}
}

func (s *Store) DeviceID() string {
	return s.identity.DeviceID
}

func (s *Store) Public() ed25519.PublicKey {
	return append(ed25519.PublicKey(nil), s.identity.PublicKey...)
}

// Sign signs payload with the device private key.
func (s *Store) Sign(payload []byte) []byte {
	return ed25519.Sign(s.private, payload)
}
