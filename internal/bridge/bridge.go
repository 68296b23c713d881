// Package bridge is the seam between the protocol core and the
// display/input collaborators.
//
// Ownership boundary:
// - the normalized event stream collaborators consume
// - the intent path collaborators submit on
// - connection-status coalescing
//
// The bridge performs no business interpretation; its tags are stable and
// independent of the wire vocabulary.
package bridge

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotReady      = errors.New("bridge: connection not ready")
	ErrInvalidIntent = errors.New("bridge: invalid intent")
	ErrBridgeClosed  = errors.New("bridge: closed")
)

// EventKind tags one normalized event.
type EventKind int

const (
	EventUnknown EventKind = iota
	EventStatusChanged
	EventPairingRequired
	EventAuthFailed
	EventProtocolError
	EventGatewayError
	EventAgent
)

func (k EventKind) String() string {
	switch k {
	case EventStatusChanged:
		return "status-changed"
	case EventPairingRequired:
		return "pairing-required"
	case EventAuthFailed:
		return "auth-failed"
	case EventProtocolError:
		return "protocol-error"
	case EventGatewayError:
		return "gateway-error"
	case EventAgent:
		return "agent"
	default:
		return "unknown"
	}
}

// Event is one normalized item on the collaborator-facing stream.
type Event struct {
	Kind        EventKind
	Status      string
	Name        string
	PayloadJSON string
	Code        string
	Message     string
	TS          int64
}

// Intent is one user action destined for the gateway. At-most-once: intents
// queued across a disconnect are dropped.
type Intent struct {
	ID          string
	Command     string
	PayloadJSON string
}

// Bridge multiplexes core-produced events to one consumer and accepts
// intents from any number of collaborator goroutines.
type Bridge struct {
	out     chan Event
	events  chan Event
	status  chan Event
	intents chan Intent

	ready atomic.Bool
	done  chan struct{}
	once  sync.Once

	submitWait time.Duration
}

func New() *Bridge {
	b := &Bridge{
		out:        make(chan Event, 16),
		events:     make(chan Event, 128),
		status:     make(chan Event, 1),
		intents:    make(chan Intent, 16),
		done:       make(chan struct{}),
		submitWait: 100 * time.Millisecond,
	}
	go b.pump()
	return b
}

// Events returns the normalized event stream: infinite until Close, not
// restartable.
func (b *Bridge) Events() <-chan Event {
	return b.out
}

// Intents is the core-side drain of submitted intents.
func (b *Bridge) Intents() <-chan Intent {
	return b.intents
}

// Submit hands one intent to the core. Fails synchronously with ErrNotReady
// when the connection is not Ready or the core cannot take the intent within
// a short bounded interval.
func (b *Bridge) Submit(intent Intent) error {
	if strings.TrimSpace(intent.Command) == "" {
		return fmt.Errorf("%w: missing command", ErrInvalidIntent)
	}
	if !b.ready.Load() {
		return ErrNotReady
	}
	if intent.ID == "" {
		intent.ID = uuid.NewString()
	}

	timer := time.NewTimer(b.submitWait)
	defer timer.Stop()
	select {
	case b.intents <- intent:
		return nil
	case <-b.done:
		return ErrBridgeClosed
	case <-timer.C:
		return fmt.Errorf("%w: outbound backpressure", ErrNotReady)
	}
}

// SetReady flips the submit gate. Only the state-machine goroutine calls it.
func (b *Bridge) SetReady(ready bool) {
	b.ready.Store(ready)
}

// DrainIntents discards queued intents; called when the core leaves Ready.
func (b *Bridge) DrainIntents() int {
	dropped := 0
	for {
		select {
		case <-b.intents:
			dropped++
		default:
			return dropped
		}
	}
}

// PublishStatus coalesces: a newer undelivered status replaces an older one,
// since consumers render current state, not history.
func (b *Bridge) PublishStatus(status string) {
	ev := Event{Kind: EventStatusChanged, Status: status, TS: time.Now().UnixMilli()}
	for {
		select {
		case b.status <- ev:
			return
		case <-b.done:
			return
		default:
		}
		select {
		case <-b.status:
		default:
		}
	}
}

// Publish forwards one non-status event in order.
func (b *Bridge) Publish(ev Event) {
	if ev.TS == 0 {
		ev.TS = time.Now().UnixMilli()
	}
	select {
	case b.events <- ev:
	case <-b.done:
	}
}

// Close ends the event stream. Idempotent.
func (b *Bridge) Close() {
	b.once.Do(func() {
		b.ready.Store(false)
		close(b.done)
	})
}

func (b *Bridge) pump() {
	defer close(b.out)
	for {
		select {
		case <-b.done:
			b.flush()
			return
		case ev := <-b.status:
			if !b.deliver(ev) {
				return
			}
		case ev := <-b.events:
			if !b.deliver(ev) {
				return
			}
		}
	}
}

// flush moves already-queued items into the outbound buffer before the
// stream closes. Terminal events published right before Close (auth
// rejections, protocol violations) must not vanish.
func (b *Bridge) flush() {
	for {
		var ev Event
		select {
		case ev = <-b.status:
		case ev = <-b.events:
		default:
			return
		}
		select {
		case b.out <- ev:
		default:
			return
		}
	}
}

func (b *Bridge) deliver(ev Event) bool {
	select {
	case b.out <- ev:
		return true
	case <-b.done:
		return false
	}
}
