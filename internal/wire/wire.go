// Package wire owns the gateway frame vocabulary.
//
// Frames are newline-delimited JSON objects tagged by a "type" field.
// Decoding maps onto a closed kind set with an unknown fallback so
// unrecognized gateway messages degrade gracefully instead of failing the
// connection.
package wire

import (
	"bufio"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	TypeChallenge    = "connect.challenge"
	TypeConnect      = "connect"
	TypeConnectOK    = "connect.ok"
	TypePairing      = "connect.pairing"
	TypeConnectError = "connect.error"
	TypeEvent        = "event"
	TypeError        = "error"
	TypePing         = "ping"
	TypePong         = "pong"
	TypeCommand      = "command"
)

// MaxFrameBytes caps one encoded frame line.
const MaxFrameBytes = 256 * 1024

var (
	ErrMalformedFrame = errors.New("wire: malformed frame")
	ErrFrameTooLarge  = errors.New("wire: frame too large")
	ErrInvalidFrame   = errors.New("wire: invalid frame")
)

// Kind classifies one inbound frame.
type Kind int

const (
	KindUnknown Kind = iota
	KindChallenge
	KindConnectOK
	KindPairing
	KindConnectError
	KindEvent
	KindError
	KindPing
)

func (k Kind) String() string {
	switch k {
	case KindChallenge:
		return "challenge"
	case KindConnectOK:
		return "connect-ok"
	case KindPairing:
		return "pairing"
	case KindConnectError:
		return "connect-error"
	case KindEvent:
		return "event"
	case KindError:
		return "error"
	case KindPing:
		return "ping"
	default:
		return "unknown"
	}
}

// Challenge is the server-issued auth challenge: one nonce per attempt.
type Challenge struct {
	Nonce string `json:"nonce"`
	TS    int64  `json:"ts"`
}

func (c Challenge) Validate() error {
	if strings.TrimSpace(c.Nonce) == "" {
		return fmt.Errorf("%w: challenge missing nonce", ErrInvalidFrame)
	}
	return nil
}

// ConnectOK acknowledges a connect request. Its nonce must echo the
// outstanding challenge.
type ConnectOK struct {
	Nonce string `json:"nonce"`
	TS    int64  `json:"ts"`
}

func (a ConnectOK) Validate() error {
	if strings.TrimSpace(a.Nonce) == "" {
		return fmt.Errorf("%w: connect.ok missing nonce", ErrInvalidFrame)
	}
	return nil
}

// Pairing tells the client its device identity awaits out-of-band approval.
type Pairing struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ConnectError is an explicit auth rejection.
type ConnectError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Event is a post-auth domain event, routed opaquely.
type Event struct {
	Event       string `json:"event"`
	PayloadJSON string `json:"payloadJSON"`
	TS          int64  `json:"ts"`
}

func (e Event) Validate() error {
	if strings.TrimSpace(e.Event) == "" {
		return fmt.Errorf("%w: event missing name", ErrInvalidFrame)
	}
	return nil
}

// ServerError is an out-of-band error report from the gateway.
type ServerError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Ping is a liveness probe; the client echoes the id back in a pong.
type Ping struct {
	ID string `json:"id"`
}

// Frame is one decoded inbound message. Exactly one payload pointer is set
// for known kinds; Raw always holds the original line.
type Frame struct {
	Kind         Kind
	Type         string
	Challenge    *Challenge
	ConnectOK    *ConnectOK
	Pairing      *Pairing
	ConnectError *ConnectError
	Event        *Event
	ServerError  *ServerError
	Ping         *Ping
	Raw          json.RawMessage
}

// Decode classifies one frame line. Unknown types yield KindUnknown with no
// error; malformed JSON and invalid known frames are errors.
func Decode(line []byte) (Frame, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(line, &head); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	raw := append(json.RawMessage(nil), line...)
	out := Frame{Type: head.Type, Raw: raw}

	switch head.Type {
	case TypeChallenge:
		var c Challenge
		if err := json.Unmarshal(line, &c); err != nil {
			return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		if err := c.Validate(); err != nil {
			return Frame{}, err
		}
		out.Kind = KindChallenge
		out.Challenge = &c
	case TypeConnectOK:
		var a ConnectOK
		if err := json.Unmarshal(line, &a); err != nil {
			return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		if err := a.Validate(); err != nil {
			return Frame{}, err
		}
		out.Kind = KindConnectOK
		out.ConnectOK = &a
	case TypePairing:
		var p Pairing
		if err := json.Unmarshal(line, &p); err != nil {
			return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		out.Kind = KindPairing
		out.Pairing = &p
	case TypeConnectError:
		var e ConnectError
		if err := json.Unmarshal(line, &e); err != nil {
			return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		out.Kind = KindConnectError
		out.ConnectError = &e
	case TypeEvent:
		var e Event
		if err := json.Unmarshal(line, &e); err != nil {
			return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		if err := e.Validate(); err != nil {
			return Frame{}, err
		}
		out.Kind = KindEvent
		out.Event = &e
	case TypeError:
		var e ServerError
		if err := json.Unmarshal(line, &e); err != nil {
			return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		out.Kind = KindError
		out.ServerError = &e
	case TypePing:
		var p Ping
		if err := json.Unmarshal(line, &p); err != nil {
			return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		out.Kind = KindPing
		out.Ping = &p
	default:
		out.Kind = KindUnknown
	}
	return out, nil
}

// ReadFrame reads and decodes one newline-terminated frame.
func ReadFrame(r *bufio.Reader) (Frame, error) {
	line, err := r.ReadBytes('\n')
	if err != nil {
		if len(line) > 0 && errors.Is(err, io.EOF) {
			return Frame{}, io.ErrUnexpectedEOF
		}
		return Frame{}, err
	}
	if len(line) > MaxFrameBytes {
		return Frame{}, ErrFrameTooLarge
	}
	return Decode(line)
}

// EncodeFrame marshals one outbound message as a newline-terminated line.
func EncodeFrame(v any) ([]byte, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if len(payload)+1 > MaxFrameBytes {
		return nil, ErrFrameTooLarge
	}
	return append(payload, '\n'), nil
}

// ClientInfo identifies the client build inside a connect request.
type ClientInfo struct {
	ID       string `json:"id"`
	Version  string `json:"version"`
	Platform string `json:"platform"`
	Mode     string `json:"mode"`
}

// Device is the signed device object inside a connect request.
type Device struct {
	ID        string `json:"id"`
	PublicKey string `json:"publicKey"`
	Signature string `json:"signature"`
	SignedAt  int64  `json:"signedAt"`
	Nonce     string `json:"nonce"`
}

// ConnectRequest is the client's authentication message.
type ConnectRequest struct {
	Type        string     `json:"type"`
	MinProtocol int        `json:"minProtocol"`
	MaxProtocol int        `json:"maxProtocol"`
	Client      ClientInfo `json:"client"`
	Role        string     `json:"role"`
	Scopes      []string   `json:"scopes"`
	Token       string     `json:"token,omitempty"`
	Device      Device     `json:"device"`
}

func (r ConnectRequest) Validate() error {
	if r.Type != TypeConnect {
		return fmt.Errorf("%w: connect request type %q", ErrInvalidFrame, r.Type)
	}
	if strings.TrimSpace(r.Device.ID) == "" {
		return fmt.Errorf("%w: connect missing device id", ErrInvalidFrame)
	}
	if strings.TrimSpace(r.Device.Nonce) == "" {
		return fmt.Errorf("%w: connect missing nonce", ErrInvalidFrame)
	}
	if strings.TrimSpace(r.Device.Signature) == "" {
		return fmt.Errorf("%w: connect missing signature", ErrInvalidFrame)
	}
	if _, err := base64.StdEncoding.DecodeString(r.Device.PublicKey); err != nil {
		return fmt.Errorf("%w: connect public key: %v", ErrInvalidFrame, err)
	}
	return nil
}

// Command is one outbound user intent framed for the gateway.
type Command struct {
	Type        string `json:"type"`
	CommandID   string `json:"commandId"`
	Command     string `json:"command"`
	PayloadJSON string `json:"payloadJSON,omitempty"`
}

func (c Command) Validate() error {
	if strings.TrimSpace(c.CommandID) == "" {
		return fmt.Errorf("%w: command missing commandId", ErrInvalidFrame)
	}
	if strings.TrimSpace(c.Command) == "" {
		return fmt.Errorf("%w: command missing command", ErrInvalidFrame)
	}
	return nil
}

// Pong answers a gateway ping.
type Pong struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

func NewPong(id string) Pong {
	return Pong{Type: TypePong, ID: id}
}
