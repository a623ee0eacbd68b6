package peer

import (
	"errors"
	"time"
)

var (
	ErrInGroup    = errors.New("capacity change not permitted while in a group")
	ErrBelowUsed  = errors.New("capacity below used bytes")
	ErrOutOfRange = errors.New("capacity out of range")
)

// BlockStatus describes one block relative to this node.
type BlockStatus string

const (
	// BlockOriginalHere means this node holds the original placement.
	BlockOriginalHere BlockStatus = "original_here"
	// BlockReplicaHere means this node holds the replica placement.
	BlockReplicaHere BlockStatus = "replica_here"
	// BlockFreeHere means this node is a host in the metadata but the
	// bytes are not on local disk, or a delete of the block is queued.
	BlockFreeHere BlockStatus = "free_here"
	// BlockPresentElsewhere means some remote host of the block is online.
	BlockPresentElsewhere BlockStatus = "present_elsewhere"
	// BlockOfflineElsewhere means every host of the block is offline.
	BlockOfflineElsewhere BlockStatus = "offline_elsewhere"
)

type NodeRow struct {
	Label    string
	Online   bool
	Capacity int64
	Used     int64
}

type FileRow struct {
	Name      string
	Size      int64
	Owner     string
	CreatedAt time.Time
}

type BlockRow struct {
	File     string
	Index    int
	Original string
	Replica  string
	Status   BlockStatus
}

type NodeStatus struct {
	Label     string
	PeerCount int
	TotalFree int64
	TotalUsed int64
}
