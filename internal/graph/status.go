package graph

import (
	"sync"
	"sync/atomic"

	"forge/internal/errdefs"
	"forge/internal/hashing"
	"forge/internal/target"
)

// Status is a node's build state within one invocation.
type Status int32

const (
	StatusPending Status = iota
	StatusReady
	StatusBuilding
	StatusSuccess
	StatusCached
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusReady:
		return "ready"
	case StatusBuilding:
		return "building"
	case StatusSuccess:
		return "success"
	case StatusCached:
		return "cached"
	case StatusFailed:
		return "failed"
	}
	return "unknown"
}

// Terminal reports whether the status ends an attempt.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusCached || s == StatusFailed
}

// Satisfied reports whether dependents may proceed past this node.
func (s Status) Satisfied() bool {
	return s == StatusSuccess || s == StatusCached
}

// allowedTransitions is the legal status machine. Anything absent is an
// internal error: the scheduler and executor must never produce it.
var allowedTransitions = map[Status][]Status{
	StatusPending:  {StatusReady},
	StatusReady:    {StatusBuilding},
	StatusBuilding: {StatusSuccess, StatusCached, StatusFailed},
	StatusFailed:   {StatusReady},
}

func transitionAllowed(from, to Status) bool {
	for _, t := range allowedTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Node wraps one target with its mutable build state. Nodes are owned by
// the Graph; the graph structure never changes after construction, only
// the atomic state fields do.
type Node struct {
	// Target is the immutable declaration.
	Target *target.Target

	status   atomic.Int32
	attempts atomic.Int32

	mu         sync.Mutex
	lastErr    string
	outputHash hashing.Digest
}

// ID returns the target label.
func (n *Node) ID() string { return n.Target.ID }

// Status loads the current status with acquire semantics.
func (n *Node) Status() Status {
	return Status(n.status.Load())
}

// Attempts returns the retry-attempt counter.
func (n *Node) Attempts() int {
	return int(n.attempts.Load())
}

// IncrementAttempts bumps the retry counter and returns the new value.
func (n *Node) IncrementAttempts() int {
	return int(n.attempts.Add(1))
}

// SetError records the most recent failure text.
func (n *Node) SetError(msg string) {
	n.mu.Lock()
	n.lastErr = msg
	n.mu.Unlock()
}

// LastError returns the most recent failure text.
func (n *Node) LastError() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.lastErr
}

// SetOutputHash records the cached output manifest hash.
func (n *Node) SetOutputHash(d hashing.Digest) {
	n.mu.Lock()
	n.outputHash = d
	n.mu.Unlock()
}

// OutputHash returns the recorded output manifest hash.
func (n *Node) OutputHash() hashing.Digest {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.outputHash
}

// transition applies from->to with a compare-and-swap, reporting the old
// status. Illegal transitions return a fatal error.
func (n *Node) transition(to Status) (Status, error) {
	for {
		old := Status(n.status.Load())
		if !transitionAllowed(old, to) {
			return old, errdefs.New(errdefs.KindInvalidTransition,
				"node %s: %s -> %s", n.ID(), old, to).WithTarget(n.ID())
		}
		if n.status.CompareAndSwap(int32(old), int32(to)) {
			return old, nil
		}
	}
}

// forceStatus restores a status without transition checking. Used only by
// checkpoint application, which replays a prior invocation's final states.
func (n *Node) forceStatus(s Status) {
	n.status.Store(int32(s))
}
