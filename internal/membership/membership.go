package membership

import (
	"context"
	"errors"
	"time"
)

const (
	// HeartbeatInterval is how often a node emits heartbeats to every
	// known peer.
	HeartbeatInterval = 3 * time.Second
	// HeartbeatTimeout marks a peer offline when no heartbeat arrived
	// within it.
	HeartbeatTimeout = 9 * time.Second
	// SweepInterval is how often the failure detector scans for expired
	// peers.
	SweepInterval = 1 * time.Second

	// unreachableStrikes is how many reliable-channel failures force an
	// early offline decision, ahead of the heartbeat timeout.
	unreachableStrikes = 3
)

var (
	ErrJoinFailed     = errors.New("failed to join group")
	ErrAlreadyInGroup = errors.New("node is already in a group")
	ErrNotInGroup     = errors.New("node is not in a group")
)

// PeerReturnedFunc is invoked when an offline peer comes back, after
// metadata reconciliation.
type PeerReturnedFunc func(label string)

// MembershipService runs the join handshake, assigns labels, emits
// heartbeats, and feeds liveness into the registry.
type MembershipService interface {
	Start() error
	Stop() error
	Join(ctx context.Context, peerAddr string) (string, error)
	Leave() error
	SelfLabel() string
	InGroup() bool
	Fingerprint() string
	ReportUnreachable(label string)
	SetPeerReturnedHook(f PeerReturnedFunc)
	UpdateCapacity(capacity int64)
}
