package throttle

import "errors"

var (
	// ErrShuttingDown is returned where an outcome cannot be: the registry
	// or the cluster is draining.
	ErrShuttingDown = errors.New("throttle registry is shutting down")
	// ErrAborted reports that the caller's context ended during a wait.
	ErrAborted = errors.New("throttle wait aborted")
	// ErrGroupNotFound is returned for lookups of an undefined throttle group.
	ErrGroupNotFound = errors.New("throttle group not found")
)

// Decision is the answer to a connection request.
type Decision int

const (
	// DecisionPool means reuse an idle pooled connection.
	DecisionPool Decision = iota
	// DecisionCreate means open a new connection.
	DecisionCreate
	// DecisionNowhere means no connection will be granted because of shutdown.
	DecisionNowhere
	// DecisionAborted means the caller's context ended while waiting.
	DecisionAborted
)

func (d Decision) String() string {
	switch d {
	case DecisionPool:
		return "pool"
	case DecisionCreate:
		return "create"
	case DecisionNowhere:
		return "nowhere"
	case DecisionAborted:
		return "aborted"
	default:
		return "unknown"
	}
}
