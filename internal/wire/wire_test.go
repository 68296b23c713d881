package wire

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/openclaw/clawlink/internal/testutil/testlog"
)

func TestDecodeKnownFrames(t *testing.T) {
	testlog.Start(t)

	frame, err := Decode([]byte(`{"type":"connect.challenge","nonce":"abc123","ts":1770151418248}`))
	if err != nil {
		t.Fatalf("decode challenge: %v", err)
	}
	if frame.Kind != KindChallenge || frame.Challenge == nil {
		t.Fatalf("unexpected frame: %+v", frame)
	}
	if frame.Challenge.Nonce != "abc123" || frame.Challenge.TS != 1770151418248 {
		t.Fatalf("unexpected challenge: %+v", frame.Challenge)
	}

	frame, err = Decode([]byte(`{"type":"connect.ok","nonce":"abc123"}`))
	if err != nil {
		t.Fatalf("decode connect.ok: %v", err)
	}
	if frame.Kind != KindConnectOK || frame.ConnectOK.Nonce != "abc123" {
		t.Fatalf("unexpected ack: %+v", frame)
	}

	frame, err = Decode([]byte(`{"type":"connect.pairing","code":"PAIR-42","message":"approve me"}`))
	if err != nil {
		t.Fatalf("decode pairing: %v", err)
	}
	if frame.Kind != KindPairing || frame.Pairing.Code != "PAIR-42" {
		t.Fatalf("unexpected pairing: %+v", frame)
	}

	frame, err = Decode([]byte(`{"type":"event","event":"agent.delta","payloadJSON":"{\"x\":1}","ts":7}`))
	if err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if frame.Kind != KindEvent || frame.Event.Event != "agent.delta" || frame.Event.PayloadJSON != `{"x":1}` {
		t.Fatalf("unexpected event: %+v", frame.Event)
	}

	frame, err = Decode([]byte(`{"type":"ping","id":"p1"}`))
	if err != nil {
		t.Fatalf("decode ping: %v", err)
	}
	if frame.Kind != KindPing || frame.Ping.ID != "p1" {
		t.Fatalf("unexpected ping: %+v", frame)
	}
}

func TestDecodeUnknownTypeDegrades(t *testing.T) {
	testlog.Start(t)

	line := []byte(`{"type":"totally.new","stuff":true}`)
	frame, err := Decode(line)
	if err != nil {
		t.Fatalf("unknown type must not error: %v", err)
	}
	if frame.Kind != KindUnknown {
		t.Fatalf("expected unknown kind, got %v", frame.Kind)
	}
	if frame.Type != "totally.new" {
		t.Fatalf("unexpected type tag: %q", frame.Type)
	}
	if !bytes.Equal(frame.Raw, line) {
		t.Fatalf("raw line not preserved: %s", frame.Raw)
	}
}

func TestDecodeMalformedAndInvalid(t *testing.T) {
	testlog.Start(t)

	if _, err := Decode([]byte(`{not json`)); !errors.Is(err, ErrMalformedFrame) {
		t.Fatalf("expected malformed error, got %v", err)
	}
	// Known type failing its validation is an error, not a degrade.
	if _, err := Decode([]byte(`{"type":"connect.challenge","nonce":""}`)); !errors.Is(err, ErrInvalidFrame) {
		t.Fatalf("expected invalid frame error, got %v", err)
	}
	if _, err := Decode([]byte(`{"type":"event","payloadJSON":"{}"}`)); !errors.Is(err, ErrInvalidFrame) {
		t.Fatalf("expected invalid frame error for unnamed event, got %v", err)
	}
}

func TestReadFrameEnforcesSizeCap(t *testing.T) {
	testlog.Start(t)

	big := `{"type":"event","event":"e","payloadJSON":"` + strings.Repeat("x", MaxFrameBytes) + `"}` + "\n"
	r := bufio.NewReaderSize(strings.NewReader(big), MaxFrameBytes*2)
	if _, err := ReadFrame(r); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected frame too large, got %v", err)
	}
}

func TestReadFrameSequence(t *testing.T) {
	testlog.Start(t)

	input := `{"type":"ping","id":"a"}` + "\n" + `{"type":"ping","id":"b"}` + "\n"
	r := bufio.NewReader(strings.NewReader(input))

	for _, want := range []string{"a", "b"} {
		frame, err := ReadFrame(r)
		if err != nil {
			t.Fatalf("read frame: %v", err)
		}
		if frame.Kind != KindPing || frame.Ping.ID != want {
			t.Fatalf("unexpected frame: %+v", frame)
		}
	}
	if _, err := ReadFrame(r); err == nil {
		t.Fatalf("expected error at stream end")
	}
}

func TestEncodeFrameNewlineTerminated(t *testing.T) {
	testlog.Start(t)

	payload, err := EncodeFrame(NewPong("p1"))
	if err != nil {
		t.Fatalf("encode pong: %v", err)
	}
	if payload[len(payload)-1] != '\n' {
		t.Fatalf("frame not newline terminated: %q", payload)
	}
	var decoded Pong
	if err := json.Unmarshal(payload, &decoded); err != nil {
		t.Fatalf("decode encoded pong: %v", err)
	}
	if decoded.Type != TypePong || decoded.ID != "p1" {
		t.Fatalf("unexpected pong: %+v", decoded)
	}
}

func TestConnectRequestValidate(t *testing.T) {
	testlog.Start(t)

	req := ConnectRequest{
		Type:        TypeConnect,
		MinProtocol: 3,
		MaxProtocol: 3,
		Client:      ClientInfo{ID: "cli", Mode: "cli"},
		Role:        "operator",
		Device: Device{
			ID:        "device",
			PublicKey: "cHVibGlj",
			Signature: "c2ln",
			SignedAt:  1,
			Nonce:     "abc123",
		},
	}
	if err := req.Validate(); err != nil {
		t.Fatalf("valid request rejected: %v", err)
	}

	broken := req
	broken.Device.Nonce = ""
	if err := broken.Validate(); err == nil {
		t.Fatalf("expected error for missing nonce")
	}
	broken = req
	broken.Device.PublicKey = "%%%"
	if err := broken.Validate(); err == nil {
		t.Fatalf("expected error for bad public key encoding")
	}
}

func TestCommandValidate(t *testing.T) {
	testlog.Start(t)

	cmd := Command{Type: TypeCommand, CommandID: "id-1", Command: "chat.send"}
	if err := cmd.Validate(); err != nil {
		t.Fatalf("valid command rejected: %v", err)
	}
	cmd.Command = " "
	if err := cmd.Validate(); err == nil {
		t.Fatalf("expected error for blank command")
	}
}
