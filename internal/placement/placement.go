package placement

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/blockmesh/blockmesh/internal/wire"
)

// BlockSize is the fixed slice size files are split into. The last block
// of a file may be smaller; all others are exactly this size.
const BlockSize = wire.BlockSize

var (
	ErrInsufficientCapacity = errors.New("insufficient capacity")
	ErrUploadAborted        = errors.New("upload aborted")
	ErrCancelled            = errors.New("transfer cancelled")
	ErrNoSpace              = errors.New("target has no space")
	ErrStorage              = errors.New("storage error")
)

// UnavailableError reports the first block whose hosts were both offline
// during a download.
type UnavailableError struct {
	Index int
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("block %d unavailable", e.Index)
}

// Assignment is the planned pair of placements for one block.
type Assignment struct {
	Index    int
	Size     int64
	Original string
	Replica  string
}

// PlacementEngine drives uploads, downloads, and deletions across the
// mesh while preserving the one-replica-per-distinct-node invariant.
type PlacementEngine interface {
	Start() error
	Upload(ctx context.Context, name string, r io.Reader, size int64) error
	Download(ctx context.Context, name string, w io.Writer) error
	Delete(ctx context.Context, name string) error
	HostedLocally(fileName string, index int) bool
	PendingDelete(fileName string, index int) bool
	Cancel(transferID string) bool
	ActiveTransfers() []string
}

// BlockSizes splits a byte count into block sizes.
func BlockSizes(total int64) []int64 {
	if total <= 0 {
		return nil
	}
	count := int((total + BlockSize - 1) / BlockSize)
	sizes := make([]int64, count)
	for i := range sizes {
		sizes[i] = BlockSize
	}
	if rem := total % BlockSize; rem != 0 {
		sizes[count-1] = rem
	}
	return sizes
}
