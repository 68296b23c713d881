package client

// State is the connection lifecycle position. Exactly one live value per
// client; only the run-loop goroutine writes it.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateAwaitingChallenge
	StateAuthenticating
	StatePairingRequired
	StateReady
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAwaitingChallenge:
		return "awaiting-challenge"
	case StateAuthenticating:
		return "authenticating"
	case StatePairingRequired:
		return "pairing-required"
	case StateReady:
		return "ready"
	case StateClosing:
		return "closing"
	default:
		return "invalid"
	}
}
