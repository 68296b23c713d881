// Package transport owns byte/frame delivery on the persistent gateway
// socket.
//
// Ownership boundary:
// - dial (TCP, optional TLS) with connect timeout
// - one read loop per connection feeding a frames channel
// - serialized, deadline-bounded sends
// - backoff policy primitives
//
// Transport carries no protocol semantics; the client state machine owns
// those.
package transport

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openclaw/clawlink/internal/wire"
)

var (
	ErrConnect = errors.New("transport: connect failed")
	ErrSend    = errors.New("transport: send failed")
	ErrClosed  = errors.New("transport: connection closed")
)

// Conn is one live gateway connection. The frames channel yields one item
// per received frame and closes when the connection dies; a new dial yields
// a new Conn.
type Conn struct {
	conn   net.Conn
	reader *bufio.Reader
	cfg    Config

	frames chan wire.Frame
	done   chan struct{}

	closeOnce sync.Once
	writeMu   sync.Mutex

	errMu   sync.Mutex
	readErr error
}

// Dial opens the gateway socket. Connection failures wrap ErrConnect so the
// caller can apply the reconnect policy.
func Dial(ctx context.Context, address string, cfg Config) (*Conn, error) {
	if strings.TrimSpace(address) == "" {
		return nil, fmt.Errorf("%w: address required", ErrConnect)
	}
	cfg = cfg.WithDefaults()

	dialer := net.Dialer{Timeout: cfg.ConnectTimeout}
	rawConn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnect, err)
	}

	conn := rawConn
	if cfg.TLS.Enabled {
		tlsCfg, err := clientTLSConfig(address, cfg.TLS)
		if err != nil {
			_ = rawConn.Close()
			return nil, fmt.Errorf("%w: %v", ErrConnect, err)
		}
		tlsConn := tls.Client(rawConn, tlsCfg)
		handshakeCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
		if err := tlsConn.HandshakeContext(handshakeCtx); err != nil {
			_ = rawConn.Close()
			return nil, fmt.Errorf("%w: tls handshake: %v", ErrConnect, err)
		}
		conn = tlsConn
	}

	c := &Conn{
		conn:   conn,
		reader: bufio.NewReader(conn),
		cfg:    cfg,
		frames: make(chan wire.Frame, 16),
		done:   make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func clientTLSConfig(address string, cfg TLSConfig) (*tls.Config, error) {
	out := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
	}

	serverName := strings.TrimSpace(cfg.ServerName)
	if serverName == "" {
		host, _, err := net.SplitHostPort(address)
		if err != nil {
			return nil, err
		}
		serverName = host
	}
	out.ServerName = serverName

	if caPath := strings.TrimSpace(cfg.CAFile); caPath != "" {
		caPEM, err := os.ReadFile(caPath)
		if err != nil {
			return nil, err
		}
		pool := x509.NewCertPool()
		if ok := pool.AppendCertsFromPEM(caPEM); !ok {
			return nil, fmt.Errorf("parse tls ca bundle: %s", caPath)
		}
		out.RootCAs = pool
	}
	return out, nil
}

// Frames returns the inbound frame sequence. Closed on connection death;
// not restartable.
func (c *Conn) Frames() <-chan wire.Frame {
	return c.frames
}

// Err reports why the frames channel closed. Nil until then.
func (c *Conn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.readErr
}

// Send writes one frame with a bounded write deadline. Fails with ErrSend
// once the connection is closed.
func (c *Conn) Send(v any) error {
	payload, err := wire.EncodeFrame(v)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSend, err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	select {
	case <-c.done:
		return fmt.Errorf("%w: %v", ErrSend, ErrClosed)
	default:
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
		return fmt.Errorf("%w: %v", ErrSend, err)
	}
	if _, err := c.conn.Write(payload); err != nil {
		return fmt.Errorf("%w: %v", ErrSend, err)
	}
	return nil
}

// Close releases the socket. Idempotent; the read loop drains out and the
// frames channel closes.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

func (c *Conn) readLoop() {
	defer close(c.frames)
	for {
		if err := c.conn.SetReadDeadline(time.Now().Add(c.cfg.ReadIdleTimeout)); err != nil {
			c.fail(err)
			return
		}
		frame, err := wire.ReadFrame(c.reader)
		if err != nil {
			c.fail(err)
			return
		}
		select {
		case c.frames <- frame:
		case <-c.done:
			return
		}
	}
}

func (c *Conn) fail(err error) {
	select {
	case <-c.done:
		// Deliberate close; the read error is just the socket tearing down.
		return
	default:
	}
	c.errMu.Lock()
	c.readErr = err
	c.errMu.Unlock()
	log.Debug().Err(err).Msg("transport read loop exit")
	_ = c.Close()
}
