package plugin

import (
	"errors"
	"fmt"
)

var (
	// ErrServerNotFound means the manager has no server by that name.
	ErrServerNotFound = errors.New("plugin server not found")

	// ErrNotConnected means the transport has no live connection.
	ErrNotConnected = errors.New("transport not connected")

	// ErrCrashed means the server's process or connection died outside a
	// requested stop.
	ErrCrashed = errors.New("plugin server crashed")

	// ErrOAuthExpired means the authorization exchange window elapsed.
	// The flow resets to discovery; the operator must start over.
	ErrOAuthExpired = errors.New("authorization window expired")

	// ErrOAuthExchange means the code exchange itself failed. The flow
	// stays pending so the exchange can be retried within the window.
	ErrOAuthExchange = errors.New("authorization exchange failed")
)

// StateError reports an operation attempted in the wrong lifecycle state.
type StateError struct {
	Server string
	State  State
	Op     string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("server %s: cannot %s in state %s", e.Server, e.Op, e.State)
}
