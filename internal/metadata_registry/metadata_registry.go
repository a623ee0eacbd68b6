package metadata_registry

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const LabelPrefix = "nodo"

var (
	ErrFileNotFound  = errors.New("file not found")
	ErrDuplicateName = errors.New("file name already exists")
	ErrFileDeleted   = errors.New("file was deleted")
	ErrBlockNotFound = errors.New("block not found")
	ErrNodeNotFound  = errors.New("node not found")
)

// NodeInfo is one row of the node table. Online and LastSeen are locally
// observed liveness; the rest travels with metadata merges.
type NodeInfo struct {
	Label       string    `json:"label"`
	Address     string    `json:"address"`
	UDPAddress  string    `json:"udp_address"`
	Capacity    int64     `json:"capacity"`
	Used        int64     `json:"used"`
	Online      bool      `json:"online"`
	LastSeen    time.Time `json:"last_seen"`
	Fingerprint string    `json:"fingerprint,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (n NodeInfo) Free() int64 {
	if n.Used >= n.Capacity {
		return 0
	}
	return n.Capacity - n.Used
}

type FileInfo struct {
	Name      string    `json:"name"`
	Size      int64     `json:"size"`
	Owner     string    `json:"owner"`
	CreatedAt time.Time `json:"created_at"`
	Blocks    int       `json:"blocks"`
}

// BlockInfo describes one block of a file and its two placements.
type BlockInfo struct {
	FileName string `json:"file_name"`
	Index    int    `json:"index"`
	Size     int64  `json:"size"`
	Original string `json:"original"`
	Replica  string `json:"replica"`
}

func (b BlockInfo) ID() string {
	return fmt.Sprintf("%s__%d", b.FileName, b.Index)
}

// Snapshot is the full replicated state, persisted per node and shipped
// whole in META_SYNC exchanges.
type Snapshot struct {
	Version uint64                 `json:"version"`
	Nodes   map[string]NodeInfo    `json:"nodes"`
	Files   map[string]FileInfo    `json:"files"`
	Blocks  map[string][]BlockInfo `json:"blocks"`
	Deleted map[string]time.Time   `json:"deleted"`
}

type DeltaKind string

const (
	DeltaNodeUpsert DeltaKind = "node_upsert"
	DeltaNodeMark   DeltaKind = "node_mark"
	DeltaFileAdd    DeltaKind = "file_add"
	DeltaFileRemove DeltaKind = "file_remove"
	DeltaBlockHosts DeltaKind = "block_hosts"
	DeltaMerge      DeltaKind = "merge"
)

// Delta records one mutation, stamped with the version it produced.
type Delta struct {
	Version uint64
	Kind    DeltaKind
	Label   string
	File    string
	Index   int
}

type MetadataRegistry interface {
	UpsertNode(n NodeInfo) Delta
	MarkNode(label string, online bool, lastSeen time.Time) Delta
	AddFile(f FileInfo, blocks []BlockInfo) (Delta, error)
	RemoveFile(name string) (Delta, error)
	SetBlockHosts(file string, index int, original, replica string) (Delta, error)

	Node(label string) (NodeInfo, bool)
	Nodes() []NodeInfo
	OnlineNodes() []NodeInfo
	File(name string) (FileInfo, bool)
	Files() []FileInfo
	FileBlocks(name string) []BlockInfo
	AllBlocks() []BlockInfo
	IsDeleted(name string) bool

	BlockAvailable(b BlockInfo) bool
	FileRetrievable(name string) bool

	Snapshot() Snapshot
	Merge(s Snapshot) Delta
	Version() uint64
}

// LabelOrdinal extracts K from a nodo<K> label. Returns 0 when the label
// does not follow the scheme.
func LabelOrdinal(label string) int {
	suffix, ok := strings.CutPrefix(label, LabelPrefix)
	if !ok {
		return 0
	}
	k, err := strconv.Atoi(suffix)
	if err != nil || k < 1 {
		return 0
	}
	return k
}

func FormatLabel(k int) string {
	return LabelPrefix + strconv.Itoa(k)
}

// LabelLess orders labels by their ordinal, so nodo2 sorts before nodo10.
func LabelLess(a, b string) bool {
	return LabelOrdinal(a) < LabelOrdinal(b)
}
