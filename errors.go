package loom

import (
	"errors"
	"fmt"
)

// Transport errors (spec.md §7, kind a): the link to a peer is down, or
// the peer has terminated. Operations in flight fail with these;
// subsequent operations against the same peer fail immediately.
var (
	ErrNoConnection     = errors.New("loom: no connection to that node")
	ErrLinkTerminated   = errors.New("loom: worker link terminated")
	ErrNodeNotInCluster = errors.New("loom: node is not a member of this process group")
)

// Reference errors (spec.md §7, kind d).
var (
	ErrFutureAlreadySet = errors.New("loom: future already has a value")
	ErrCellDestroyed    = errors.New("loom: remote value has been destroyed")
	ErrChannelClosed    = errors.New("loom: channel is closed")
	ErrNotLocalRRID     = errors.New("loom: RRID is not owned by this node")
)

// Pool errors (spec.md §7, kind e).
var ErrPoolEmpty = errors.New("loom: pool is empty")

// Protocol errors (spec.md §7, kind b).
var ErrDecodeFailed = errors.New("loom: message body failed to decode")

// RemoteError is the Go rendition of spec.md §6's RemoteException: it
// wraps a captured failure (a panic or an error return) from code that
// ran on a remote node, together with a best-effort stack trace taken at
// the point of capture.
type RemoteError struct {
	// Node is the id of the node the failure occurred on.
	Node NodeID
	// Message is the captured error/panic text.
	Message string
	// Stack is a best-effort stack trace captured at the panic site, if
	// the failure was a panic. Empty for ordinary error returns.
	Stack string
}

func (re *RemoteError) Error() string {
	if re.Stack == "" {
		return fmt.Sprintf("loom: remote error from node %d: %s", re.Node, re.Message)
	}
	return fmt.Sprintf("loom: remote error from node %d: %s\n%s", re.Node, re.Message, re.Stack)
}

// captureError renders any recovered panic value or error into the
// message string carried by a RemoteError.
func captureError(v interface{}) string {
	switch e := v.(type) {
	case error:
		return e.Error()
	case fmt.Stringer:
		return e.String()
	default:
		return fmt.Sprintf("%v", v)
	}
}
