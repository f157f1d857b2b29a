// Package tunnel manages reverse SSH port forwards as long-lived,
// self-healing actors: one goroutine per tunnel name, retrying with a
// fixed interval until the forward holds, reconnecting it if it drops,
// and giving up cleanly once its retry budget is spent.
//
// The id-keyed table of actors (a map from tunnel name to a struct
// owning a cancel func and a command channel, mutated only under one
// mutex, with a background goroutine per active tunnel updating the
// table on every transition) follows a treykane-ssh-manager-style
// Manager: its runtime/cancel maps, its watchProcess-per-tunnel
// goroutine, and its snapshot-under-lock-then-act-without-lock pattern
// for StopAll are all adapted here — generalized from a local
// exec.Command-based SSH process to a *remote* one (a command
// exec'd over a control SSH session to the source host), and from a
// one-shot terminal state to the full
// Idle/Connecting/Connected/Waiting/Retrying/Failed/Disconnected
// machine below.
package tunnel

import "time"

// State is one point in the tunnel lifecycle state diagram.
type State string

const (
	StateIdle         State = "idle"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateWaiting      State = "waiting"
	StateRetrying     State = "retrying"
	StateFailed       State = "failed"
	StateDisconnected State = "disconnected"
)

// Error classification strings used in Status.ErrorType.
const (
	ErrAuthenticationFailed = "AUTHENTICATION_FAILED"
	ErrConnectionFailed     = "CONNECTION_FAILED"
	ErrNetworkError         = "NETWORK_ERROR"
	ErrTimeout              = "TIMEOUT"
	ErrUnknown              = "UNKNOWN"
)

// Status is the broadcast record for one tunnel, readable by subscribers
// via Engine.Status.
type Status struct {
	Name           string
	State          State
	Connected      bool
	ErrorType      string
	Reason         string
	RetryCount     int
	RetryExhausted bool
	NextRetryInSec int
	UpdatedAt      time.Time
}
