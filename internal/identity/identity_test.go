package identity

import (
	"crypto/ed25519"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/openclaw/clawlink/internal/testutil/testlog"
)

var deviceIDPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

func TestLoadOrCreateGeneratesAndPersists(t *testing.T) {
	testlog.Start(t)

	path := filepath.Join(t.TempDir(), "keys", "keystore.json")
	store, err := LoadOrCreate(path)
	if err != nil {
		t.Fatalf("create keystore: %v", err)
	}
	if !deviceIDPattern.MatchString(store.DeviceID()) {
		t.Fatalf("device id not 64 lowercase hex chars: %q", store.DeviceID())
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat keystore: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("unexpected keystore mode: %o", perm)
	}

	// Reload must yield the same identity.
	again, err := LoadOrCreate(path)
	if err != nil {
		t.Fatalf("reload keystore: %v", err)
	}
	if again.DeviceID() != store.DeviceID() {
		t.Fatalf("device id changed across reload: %q vs %q", again.DeviceID(), store.DeviceID())
	}
}

func TestLoadOrCreateCorruptIsFatal(t *testing.T) {
	testlog.Start(t)

	cases := []struct {
		name string
		data string
	}{
		{"not json", "not-json\n"},
		{"bad base64", `{"public_key":"!!!","private_key":"!!!"}`},
		{"short keys", `{"public_key":"QUJD","private_key":"QUJD"}`},
	}
	for _, tc := range cases {
		path := filepath.Join(t.TempDir(), "keystore.json")
		if err := os.WriteFile(path, []byte(tc.data), 0o600); err != nil {
			t.Fatalf("%s: seed file: %v", tc.name, err)
		}
		if _, err := LoadOrCreate(path); !errors.Is(err, ErrKeystoreCorrupt) {
			t.Fatalf("%s: expected corrupt error, got %v", tc.name, err)
		}
	}
}

func TestLoadOrCreateMismatchedKeypairIsFatal(t *testing.T) {
	testlog.Start(t)

	path := filepath.Join(t.TempDir(), "keystore.json")
	pubA, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	_, privB, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if _, err := create(path, pubA, privB); err != nil {
		t.Fatalf("seed mismatched keystore: %v", err)
	}
	if _, err := LoadOrCreate(path); !errors.Is(err, ErrKeystoreCorrupt) {
		t.Fatalf("expected corrupt error for mismatched keypair, got %v", err)
	}
}

func TestDeriveDeviceIDStable(t *testing.T) {
	testlog.Start(t)

	seed := make([]byte, ed25519.SeedSize)
	for i := range seed {
		seed[i] = byte(i + 1)
	}
	pub := ed25519.NewKeyFromSeed(seed).Public().(ed25519.PublicKey)

	first := DeriveDeviceID(pub)
	if !deviceIDPattern.MatchString(first) {
		t.Fatalf("device id not 64 lowercase hex chars: %q", first)
	}
	if second := DeriveDeviceID(pub); second != first {
		t.Fatalf("device id not stable: %q vs %q", second, first)
	}
}

func TestSignVerifiesWithStoredPublicKey(t *testing.T) {
	testlog.Start(t)

	store, err := LoadOrCreate(filepath.Join(t.TempDir(), "keystore.json"))
	if err != nil {
		t.Fatalf("create keystore: %v", err)
	}
	msg := []byte("v2|payload")
	sig := store.Sign(msg)
	if !ed25519.Verify(store.Public(), msg, sig) {
		t.Fatalf("signature does not verify with stored public key")
	}
}

func TestCreateFromKeyRefusesOverwrite(t *testing.T) {
	testlog.Start(t)

	path := filepath.Join(t.TempDir(), "keystore.json")
	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if _, err := CreateFromKey(path, priv); err != nil {
		t.Fatalf("import key: %v", err)
	}
	if _, err := CreateFromKey(path, priv); !errors.Is(err, ErrKeystoreExists) {
		t.Fatalf("expected exists error, got %v", err)
	}
}

func TestPrivateKeyFromFileRawSeed(t *testing.T) {
	testlog.Start(t)

	seed := make([]byte, ed25519.SeedSize)
	for i := range seed {
		seed[i] = byte(0x40 + i)
	}
	path := filepath.Join(t.TempDir(), "seed.key")
	if err := os.WriteFile(path, seed, 0o600); err != nil {
		t.Fatalf("write seed: %v", err)
	}

	priv, err := PrivateKeyFromFile(path)
	if err != nil {
		t.Fatalf("load raw seed: %v", err)
	}
	want := ed25519.NewKeyFromSeed(seed)
	if !priv.Equal(want) {
		t.Fatalf("loaded key does not match seed derivation")
	}
}

func TestPrivateKeyFromFileRawPrivate(t *testing.T) {
	testlog.Start(t)

	_, want, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	path := filepath.Join(t.TempDir(), "full.key")
	if err := os.WriteFile(path, want, 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}

	priv, err := PrivateKeyFromFile(path)
	if err != nil {
		t.Fatalf("load raw private key: %v", err)
	}
	if !priv.Equal(want) {
		t.Fatalf("loaded key does not match original")
	}
}

func TestPrivateKeyFromFileRejectsGarbage(t *testing.T) {
	testlog.Start(t)

	path := filepath.Join(t.TempDir(), "junk.key")
	if err := os.WriteFile(path, []byte("not a key at all"), 0o600); err != nil {
		t.Fatalf("write junk: %v", err)
	}
	if _, err := PrivateKeyFromFile(path); err == nil {
		t.Fatalf("expected error for unparseable key material")
	}
}
