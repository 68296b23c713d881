package auth

import (
	"crypto/ed25519"
	"fmt"
	"strings"
	"testing"

	"github.com/openclaw/clawlink/internal/identity"
	"github.com/openclaw/clawlink/internal/testutil/testlog"
)

type fixedKeys struct {
	pub  ed25519.PublicKey
	priv ed25519.PrivateKey
}

func newFixedKeys(t *testing.T) *fixedKeys {
	t.Helper()
	seed := make([]byte, ed25519.SeedSize)
	for i := range seed {
		seed[i] = byte(i + 1)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &fixedKeys{pub: priv.Public().(ed25519.PublicKey), priv: priv}
}

func (k *fixedKeys) DeviceID() string           { return identity.DeriveDeviceID(k.pub) }
func (k *fixedKeys) Public() ed25519.PublicKey  { return k.pub }
func (k *fixedKeys) Sign(payload []byte) []byte { return ed25519.Sign(k.priv, payload) }

func testSession() SessionDescriptor {
	return SessionDescriptor{
		ClientID:      "cli",
		ClientVersion: "1.0.0",
		Platform:      "linux",
		ClientMode:    "cli",
		Role:          "operator",
		Scopes:        []string{"chat", "sessions"},
		MinProtocol:   3,
		MaxProtocol:   3,
	}
}

func TestBuildPayloadCanonicalOrder(t *testing.T) {
	testlog.Start(t)

	keys := newFixedKeys(t)
	got := BuildPayload(keys.DeviceID(), testSession(), 1770151418248, "mytoken", "abc123")
	want := fmt.Sprintf("v2|%s|cli|cli|operator|chat,sessions|1770151418248|mytoken|abc123", keys.DeviceID())
	if got != want {
		t.Fatalf("payload mismatch:\n got %q\nwant %q", got, want)
	}
}

func TestBuildPayloadEmptyTokenKeepsDelimiters(t *testing.T) {
	testlog.Start(t)

	payload := BuildPayload("device", testSession(), 42, "", "nonce")
	if got := strings.Count(payload, "|"); got != 8 {
		t.Fatalf("expected 8 delimiters, got %d in %q", got, payload)
	}
	if !strings.Contains(payload, "|42||nonce") {
		t.Fatalf("empty token not preserved as empty field: %q", payload)
	}
}

func TestProveSignsVerifiablePayload(t *testing.T) {
	testlog.Start(t)

	keys := newFixedKeys(t)
	signer, err := NewSigner(keys, testSession())
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}

	proof, err := signer.Prove("abc123", 1770151418248, "mytoken")
	if err != nil {
		t.Fatalf("prove: %v", err)
	}
	if proof.DeviceID != keys.DeviceID() {
		t.Fatalf("unexpected device id: %q", proof.DeviceID)
	}
	if proof.Nonce != "abc123" || proof.SignedAtMs != 1770151418248 {
		t.Fatalf("proof does not echo inputs: %+v", proof)
	}

	payload := BuildPayload(keys.DeviceID(), testSession(), 1770151418248, "mytoken", "abc123")
	if !Verify(proof.PublicKey, payload, proof.Signature) {
		t.Fatalf("signature does not verify against canonical payload")
	}
}

func TestProveSingleFieldMutationInvalidates(t *testing.T) {
	testlog.Start(t)

	keys := newFixedKeys(t)
	signer, err := NewSigner(keys, testSession())
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	proof, err := signer.Prove("abc123", 1770151418248, "mytoken")
	if err != nil {
		t.Fatalf("prove: %v", err)
	}

	mutations := map[string]string{
		"nonce":    BuildPayload(keys.DeviceID(), testSession(), 1770151418248, "mytoken", "abc124"),
		"token":    BuildPayload(keys.DeviceID(), testSession(), 1770151418248, "other", "abc123"),
		"signedAt": BuildPayload(keys.DeviceID(), testSession(), 1770151418249, "mytoken", "abc123"),
		"deviceId": BuildPayload("someone-else", testSession(), 1770151418248, "mytoken", "abc123"),
	}
	for field, payload := range mutations {
		if Verify(keys.Public(), payload, proof.Signature) {
			t.Fatalf("signature verified after mutating %s", field)
		}
	}
}

func TestProveRequiresNonce(t *testing.T) {
	testlog.Start(t)

	signer, err := NewSigner(newFixedKeys(t), testSession())
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	if _, err := signer.Prove("  ", 1, "tok"); err == nil {
		t.Fatalf("expected error for blank nonce")
	}
}

func TestSessionDescriptorValidate(t *testing.T) {
	testlog.Start(t)

	cases := []struct {
		name   string
		mutate func(*SessionDescriptor)
	}{
		{"missing client id", func(d *SessionDescriptor) { d.ClientID = "" }},
		{"missing client mode", func(d *SessionDescriptor) { d.ClientMode = " " }},
		{"missing role", func(d *SessionDescriptor) { d.Role = "" }},
		{"inverted protocol range", func(d *SessionDescriptor) { d.MinProtocol = 4; d.MaxProtocol = 3 }},
		{"empty scope", func(d *SessionDescriptor) { d.Scopes = []string{"chat", ""} }},
		{"scope with comma", func(d *SessionDescriptor) { d.Scopes = []string{"a,b"} }},
	}
	for _, tc := range cases {
		d := testSession()
		tc.mutate(&d)
		if err := d.Validate(); err == nil {
			t.Fatalf("%s: expected validation error", tc.name)
		}
	}

	if err := testSession().Validate(); err != nil {
		t.Fatalf("valid descriptor rejected: %v", err)
	}
}
