// Package client drives the gateway protocol state machine.
//
// Ownership boundary:
// - connect/challenge/authenticate/ready sequencing
// - nonce binding between challenge and acknowledgment
// - reconnect policy application
// - framing of bridge intents onto the transport
//
// One goroutine (Run) owns the transport and is the sole writer of the
// connection state.
package client

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openclaw/clawlink/internal/auth"
	"github.com/openclaw/clawlink/internal/bridge"
	"github.com/openclaw/clawlink/internal/transport"
	"github.com/openclaw/clawlink/internal/wire"
)

var (
	ErrAddressRequired   = errors.New("client: gateway address required")
	ErrProtocolViolation = errors.New("client: protocol violation")
	ErrAuthFailure       = errors.New("client: authentication rejected")
	ErrHandshakeTimeout  = errors.New("client: handshake timeout")
	ErrConnectionLost    = errors.New("client: connection lost")
)

// errApprovalGranted signals a pairing approval arrived; the run loop starts
// a fresh attempt with the continuation token.
var errApprovalGranted = errors.New("client: pairing approval granted")

// Config wires one client to one gateway.
type Config struct {
	Address          string
	Token            string
	Session          auth.SessionDescriptor
	HandshakeTimeout time.Duration
	Transport        transport.Config
}

func DefaultConfig() Config {
	return Config{
		HandshakeTimeout: 30 * time.Second,
		Transport:        transport.DefaultConfig(),
	}
}

// Client is the protocol state machine. Collaborators never touch it
// directly; they consume and submit through the bridge.
type Client struct {
	cfg    Config
	signer *auth.Signer
	bridge *bridge.Bridge
	rng    *rand.Rand

	state atomic.Int32

	tokenMu sync.Mutex
	token   string

	approvals chan string
}

func New(cfg Config, keys auth.Keyholder, br *bridge.Bridge) (*Client, error) {
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, ErrAddressRequired
	}
	if br == nil {
		return nil, errors.New("client: bridge required")
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultConfig().HandshakeTimeout
	}
	cfg.Transport = cfg.Transport.WithDefaults()
	signer, err := auth.NewSigner(keys, cfg.Session)
	if err != nil {
		return nil, err
	}
	c := &Client{
		cfg:       cfg,
		signer:    signer,
		bridge:    br,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		token:     cfg.Token,
		approvals: make(chan string, 1),
	}
	c.state.Store(int32(StateDisconnected))
	return c, nil
}

// State returns a read-only snapshot of the connection state.
func (c *Client) State() State {
	return State(c.state.Load())
}

// Approve supplies the pairing continuation token. Safe to call from any
// goroutine; a duplicate approval while one is pending is dropped.
func (c *Client) Approve(token string) {
	select {
	case c.approvals <- token:
	default:
	}
}

// Run owns the transport until ctx is canceled or a terminal failure occurs
// with reconnection disabled. The socket is released before Run returns.
func (c *Client) Run(ctx context.Context) error {
	defer func() {
		c.setState(StateClosing)
		c.bridge.SetReady(false)
		c.setState(StateDisconnected)
		c.bridge.Close()
	}()

	attempt := 0
	for {
		if ctx.Err() != nil {
			return nil
		}
		attempt++
		c.setState(StateConnecting)

		conn, err := transport.Dial(ctx, c.cfg.Address, c.cfg.Transport)
		if err != nil {
			log.Warn().Err(err).Int("attempt", attempt).Str("addr", c.cfg.Address).Msg("gateway dial failed")
			c.setState(StateDisconnected)
			if ctx.Err() != nil {
				return nil
			}
			if !c.cfg.Transport.Reconnect {
				return err
			}
			if err := c.sleepBackoff(ctx, attempt); err != nil {
				return nil
			}
			continue
		}

		reachedReady, serveErr := c.serve(ctx, conn)
		_ = conn.Close()
		c.bridge.SetReady(false)
		if dropped := c.bridge.DrainIntents(); dropped > 0 {
			log.Debug().Int("dropped", dropped).Msg("discarded queued intents on disconnect")
		}
		c.setState(StateDisconnected)

		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(serveErr, errApprovalGranted) {
			// Fresh attempt with the continuation token, fresh backoff.
			attempt = 0
			continue
		}
		if serveErr != nil {
			log.Warn().Err(serveErr).Int("attempt", attempt).Msg("gateway session ended")
		}
		if !c.cfg.Transport.Reconnect {
			return serveErr
		}
		if reachedReady {
			// A successful handshake resets the backoff to its minimum.
			attempt = 1
		}
		if err := c.sleepBackoff(ctx, attempt); err != nil {
			return nil
		}
	}
}

// serve runs one connection from socket-open to teardown. reachedReady
// reports whether the handshake completed, which resets the backoff.
func (c *Client) serve(ctx context.Context, conn *transport.Conn) (reachedReady bool, err error) {
	c.setState(StateAwaitingChallenge)
	challenge, err := c.awaitChallenge(ctx, conn)
	if err != nil {
		return false, err
	}

	c.setState(StateAuthenticating)
	token := c.currentToken()
	proof, err := c.signer.Prove(challenge.Nonce, time.Now().UnixMilli(), token)
	if err != nil {
		return false, err
	}
	if err := conn.Send(c.connectRequest(proof, token)); err != nil {
		return false, err
	}

	switch outcome, frame, err := c.awaitAck(ctx, conn, challenge.Nonce); outcome {
	case ackOK:
		// fall through to ready
	case ackPairing:
		c.setState(StatePairingRequired)
		c.bridge.Publish(bridge.Event{
			Kind:    bridge.EventPairingRequired,
			Code:    frame.Pairing.Code,
			Message: frame.Pairing.Message,
		})
		log.Info().Str("code", frame.Pairing.Code).Msg("device pairing required; waiting for approval")
		return false, c.awaitApproval(ctx, conn)
	case ackRejected:
		c.bridge.Publish(bridge.Event{
			Kind:    bridge.EventAuthFailed,
			Code:    frame.ConnectError.Code,
			Message: frame.ConnectError.Message,
		})
		return false, fmt.Errorf("%w: code=%s message=%q", ErrAuthFailure, frame.ConnectError.Code, frame.ConnectError.Message)
	default:
		return false, err
	}

	c.setState(StateReady)
	c.bridge.SetReady(true)
	defer c.bridge.SetReady(false)
	return true, c.readyLoop(ctx, conn)
}

func (c *Client) connectRequest(proof auth.Proof, token string) wire.ConnectRequest {
	session := c.signer.Session()
	return wire.ConnectRequest{
		Type:        wire.TypeConnect,
		MinProtocol: session.MinProtocol,
		MaxProtocol: session.MaxProtocol,
		Client: wire.ClientInfo{
			ID:       session.ClientID,
			Version:  session.ClientVersion,
			Platform: session.Platform,
			Mode:     session.ClientMode,
		},
		Role:   session.Role,
		Scopes: append([]string(nil), session.Scopes...),
		Token:  token,
		Device: wire.Device{
			ID:        proof.DeviceID,
			PublicKey: base64.StdEncoding.EncodeToString(proof.PublicKey),
			Signature: base64.StdEncoding.EncodeToString(proof.Signature),
			SignedAt:  proof.SignedAtMs,
			Nonce:     proof.Nonce,
		},
	}
}

func (c *Client) awaitChallenge(ctx context.Context, conn *transport.Conn) (wire.Challenge, error) {
	timer := time.NewTimer(c.cfg.HandshakeTimeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return wire.Challenge{}, ctx.Err()
		case <-timer.C:
			return wire.Challenge{}, fmt.Errorf("%w: no challenge", ErrHandshakeTimeout)
		case frame, ok := <-conn.Frames():
			if !ok {
				return wire.Challenge{}, c.connClosed(conn)
			}
			switch frame.Kind {
			case wire.KindChallenge:
				return *frame.Challenge, nil
			case wire.KindPing:
				_ = conn.Send(wire.NewPong(frame.Ping.ID))
			case wire.KindUnknown:
				log.Debug().Str("type", frame.Type).Msg("ignoring unknown pre-auth frame")
			default:
				return wire.Challenge{}, c.violation(fmt.Sprintf("unexpected %s before challenge", frame.Kind))
			}
		}
	}
}

type ackOutcome int

const (
	ackFailed ackOutcome = iota
	ackOK
	ackPairing
	ackRejected
)

func (c *Client) awaitAck(ctx context.Context, conn *transport.Conn, nonce string) (ackOutcome, wire.Frame, error) {
	timer := time.NewTimer(c.cfg.HandshakeTimeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ackFailed, wire.Frame{}, ctx.Err()
		case <-timer.C:
			return ackFailed, wire.Frame{}, fmt.Errorf("%w: no connect acknowledgment", ErrHandshakeTimeout)
		case frame, ok := <-conn.Frames():
			if !ok {
				return ackFailed, wire.Frame{}, c.connClosed(conn)
			}
			switch frame.Kind {
			case wire.KindConnectOK:
				if frame.ConnectOK.Nonce != nonce {
					return ackFailed, wire.Frame{}, c.violation("connect.ok nonce does not match outstanding challenge")
				}
				return ackOK, frame, nil
			case wire.KindPairing:
				return ackPairing, frame, nil
			case wire.KindConnectError:
				return ackRejected, frame, nil
			case wire.KindPing:
				_ = conn.Send(wire.NewPong(frame.Ping.ID))
			case wire.KindError:
				c.bridge.Publish(bridge.Event{
					Kind:    bridge.EventGatewayError,
					Code:    frame.ServerError.Code,
					Message: frame.ServerError.Message,
				})
			case wire.KindUnknown:
				log.Debug().Str("type", frame.Type).Msg("ignoring unknown pre-auth frame")
			default:
				return ackFailed, wire.Frame{}, c.violation(fmt.Sprintf("unexpected %s during authentication", frame.Kind))
			}
		}
	}
}

// awaitApproval halts further connect attempts on this connection until an
// external approval signal arrives. Pings are still answered so the socket
// stays alive.
func (c *Client) awaitApproval(ctx context.Context, conn *transport.Conn) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case token := <-c.approvals:
			c.setToken(token)
			return errApprovalGranted
		case frame, ok := <-conn.Frames():
			if !ok {
				return c.connClosed(conn)
			}
			switch frame.Kind {
			case wire.KindPing:
				_ = conn.Send(wire.NewPong(frame.Ping.ID))
			default:
				log.Debug().Str("type", frame.Type).Msg("ignoring frame while pairing")
			}
		}
	}
}

func (c *Client) readyLoop(ctx context.Context, conn *transport.Conn) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case frame, ok := <-conn.Frames():
			if !ok {
				return c.connClosed(conn)
			}
			switch frame.Kind {
			case wire.KindEvent:
				c.bridge.Publish(bridge.Event{
					Kind:        bridge.EventAgent,
					Name:        frame.Event.Event,
					PayloadJSON: frame.Event.PayloadJSON,
					TS:          frame.Event.TS,
				})
			case wire.KindPing:
				if err := conn.Send(wire.NewPong(frame.Ping.ID)); err != nil {
					return err
				}
			case wire.KindError:
				c.bridge.Publish(bridge.Event{
					Kind:    bridge.EventGatewayError,
					Code:    frame.ServerError.Code,
					Message: frame.ServerError.Message,
				})
			case wire.KindUnknown:
				c.bridge.Publish(bridge.Event{
					Kind:        bridge.EventUnknown,
					Name:        frame.Type,
					PayloadJSON: string(frame.Raw),
				})
			default:
				return c.violation(fmt.Sprintf("unexpected %s while ready", frame.Kind))
			}
		case intent := <-c.bridge.Intents():
			cmd := wire.Command{
				Type:        wire.TypeCommand,
				CommandID:   intent.ID,
				Command:     intent.Command,
				PayloadJSON: intent.PayloadJSON,
			}
			if err := conn.Send(cmd); err != nil {
				return err
			}
		}
	}
}

// violation publishes a distinguished error event and returns the teardown
// error. Violations are never patched over within the same attempt.
func (c *Client) violation(message string) error {
	log.Error().Str("reason", message).Msg("protocol violation")
	c.bridge.Publish(bridge.Event{
		Kind:    bridge.EventProtocolError,
		Message: message,
	})
	return fmt.Errorf("%w: %s", ErrProtocolViolation, message)
}

func (c *Client) connClosed(conn *transport.Conn) error {
	if err := conn.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrConnectionLost, err)
	}
	return ErrConnectionLost
}

func (c *Client) sleepBackoff(ctx context.Context, attempt int) error {
	delay := c.cfg.Transport.Backoff.Next(attempt, c.rng)
	log.Debug().Dur("delay", delay).Int("attempt", attempt).Msg("reconnect backoff")
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (c *Client) setState(s State) {
	prev := State(c.state.Swap(int32(s)))
	if prev == s {
		return
	}
	log.Debug().Str("from", prev.String()).Str("to", s.String()).Msg("connection state")
	c.bridge.PublishStatus(s.String())
}

func (c *Client) currentToken() string {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()
	return c.token
}

func (c *Client) setToken(token string) {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()
	c.token = token
}
