// Package auth builds and signs the gateway authentication payload.
//
// Ownership boundary:
// - session descriptor shape and validation
// - canonical signed-payload format
// - per-attempt proof construction
package auth

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// PayloadVersion tags the canonical signed-payload format.
const PayloadVersion = "v2"

const payloadDelimiter = "|"

var (
	ErrInvalidSession = errors.New("auth: invalid session descriptor")
	ErrNonceRequired  = errors.New("auth: nonce required")
)

// SessionDescriptor is the immutable per-process connection configuration
// advertised during the handshake.
type SessionDescriptor struct {
	ClientID      string
	ClientVersion string
	Platform      string
	ClientMode    string
	Role          string
	Scopes        []string
	MinProtocol   int
	MaxProtocol   int
}

func (d SessionDescriptor) Validate() error {
	if strings.TrimSpace(d.ClientID) == "" {
		return fmt.Errorf("%w: missing client id", ErrInvalidSession)
	}
	if strings.TrimSpace(d.ClientMode) == "" {
		return fmt.Errorf("%w: missing client mode", ErrInvalidSession)
	}
	if strings.TrimSpace(d.Role) == "" {
		return fmt.Errorf("%w: missing role", ErrInvalidSession)
	}
	if d.MinProtocol <= 0 || d.MaxProtocol < d.MinProtocol {
		return fmt.Errorf("%w: bad protocol range %d..%d", ErrInvalidSession, d.MinProtocol, d.MaxProtocol)
	}
	for i, scope := range d.Scopes {
		if strings.TrimSpace(scope) == "" {
			return fmt.Errorf("%w: scopes[%d] empty", ErrInvalidSession, i)
		}
		if strings.Contains(scope, ",") {
			return fmt.Errorf("%w: scopes[%d] contains comma", ErrInvalidSession, i)
		}
	}
	return nil
}

// BuildPayload joins the canonical fields in fixed order. An absent token is
// the empty string, preserving the delimiter count.
func BuildPayload(deviceID string, d SessionDescriptor, signedAtMs int64, token, nonce string) string {
	parts := []string{
		PayloadVersion,
		deviceID,
		d.ClientID,
		d.ClientMode,
		d.Role,
		strings.Join(d.Scopes, ","),
		strconv.FormatInt(signedAtMs, 10),
		token,
		nonce,
	}
	return strings.Join(parts, payloadDelimiter)
}

// Keyholder is what the signer needs from the identity store. The private
// key itself stays behind it.
type Keyholder interface {
	DeviceID() string
	Public() ed25519.PublicKey
	Sign(payload []byte) []byte
}

// Signer produces one authentication proof per challenge nonce.
type Signer struct {
	keys    Keyholder
	session SessionDescriptor
}

func NewSigner(keys Keyholder, session SessionDescriptor) (*Signer, error) {
	if keys == nil {
		return nil, errors.New("auth: keyholder required")
	}
	if err := session.Validate(); err != nil {
		return nil, err
	}
	return &Signer{keys: keys, session: session}, nil
}

func (s *Signer) Session() SessionDescriptor {
	return s.session
}

// Proof is the device object carried in the connect request. Valid for
// exactly one nonce; never reused across attempts.
type Proof struct {
	DeviceID   string
	PublicKey  []byte
	Signature  []byte
	SignedAtMs int64
	Nonce      string
}

// Prove signs the canonical payload for one server-issued nonce. Signature
// bytes may differ between calls with identical inputs; only verification
// against the payload is contractual.
func (s *Signer) Prove(nonce string, signedAtMs int64, token string) (Proof, error) {
	if strings.TrimSpace(nonce) == "" {
		return Proof{}, ErrNonceRequired
	}
	payload := BuildPayload(s.keys.DeviceID(), s.session, signedAtMs, token, nonce)
	return Proof{
		DeviceID:   s.keys.DeviceID(),
		PublicKey:  s.keys.Public(),
		Signature:  s.keys.Sign([]byte(payload)),
		SignedAtMs: signedAtMs,
		Nonce:      nonce,
	}, nil
}

// Verify reports whether sig is a valid signature over payload.
func Verify(pub ed25519.PublicKey, payload string, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, []byte(payload), sig)
}
