package peer

import (
	"context"
	"os"
	"path/filepath"

	"github.com/blockmesh/blockmesh/internal/block_store"
	"github.com/blockmesh/blockmesh/internal/config_service"
	"github.com/blockmesh/blockmesh/internal/log_service"
	"github.com/blockmesh/blockmesh/internal/membership"
	"github.com/blockmesh/blockmesh/internal/metadata_registry"
	"github.com/blockmesh/blockmesh/internal/placement"
)

// Node is the control surface an external front-end drives. All group
// behavior lives below it in the membership and placement services.
type Node struct {
	cfg    config_service.ConfigService
	reg    metadata_registry.MetadataRegistry
	store  block_store.BlockStore
	engine placement.PlacementEngine
	ms     membership.MembershipService
	ls     log_service.LogService
}

func NewNode(
	cfg config_service.ConfigService,
	reg metadata_registry.MetadataRegistry,
	store block_store.BlockStore,
	engine placement.PlacementEngine,
	ms membership.MembershipService,
	ls log_service.LogService,
) *Node {
	return &Node{
		cfg:    cfg,
		reg:    reg,
		store:  store,
		engine: engine,
		ms:     ms,
		ls:     ls,
	}
}

// Connect joins the group reachable through peerAddr and returns the
// assigned label.
func (n *Node) Connect(ctx context.Context, peerAddr string) (string, error) {
	return n.ms.Join(ctx, peerAddr)
}

// Disconnect leaves the group locally. The persisted label allows a later
// reconnect to reclaim the slot.
func (n *Node) Disconnect() error {
	return n.ms.Leave()
}

func (n *Node) ListNodes() []NodeRow {
	nodes := n.reg.Nodes()
	rows := make([]NodeRow, 0, len(nodes))
	for _, node := range nodes {
		rows = append(rows, NodeRow{
			Label:    node.Label,
			Online:   node.Online,
			Capacity: node.Capacity,
			Used:     node.Used,
		})
	}
	return rows
}

// Upload splits the local file into blocks and scatters them across the
// mesh under the file's base name.
func (n *Node) Upload(ctx context.Context, localPath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}

	name := filepath.Base(localPath)
	n.ls.Info(log_service.LogEvent{
		Message:  "Upload requested",
		Metadata: map[string]any{"name": name, "size": info.Size()},
	})
	return n.engine.Upload(ctx, name, f, info.Size())
}

func (n *Node) ListFiles() []FileRow {
	files := n.reg.Files()
	rows := make([]FileRow, 0, len(files))
	for _, f := range files {
		rows = append(rows, FileRow{
			Name:      f.Name,
			Size:      f.Size,
			Owner:     f.Owner,
			CreatedAt: f.CreatedAt,
		})
	}
	return rows
}

// Download reassembles the file into localPath. Partial output is
// discarded when any block is unavailable.
func (n *Node) Download(ctx context.Context, name, localPath string) error {
	dir := filepath.Dir(localPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".blockmesh-download-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	err = n.engine.Download(ctx, name, tmp)
	cerr := tmp.Close()
	if err != nil || cerr != nil {
		_ = os.Remove(tmpName)
		if err != nil {
			return err
		}
		return cerr
	}

	if err := os.Rename(tmpName, localPath); err != nil {
		_ = os.Remove(tmpName)
		return err
	}

	n.ls.Info(log_service.LogEvent{
		Message:  "Download complete",
		Metadata: map[string]any{"name": name, "path": localPath},
	})
	return nil
}

func (n *Node) Delete(ctx context.Context, name string) error {
	return n.engine.Delete(ctx, name)
}

func (n *Node) ListBlocks() []BlockRow {
	self := n.ms.SelfLabel()
	blocks := n.reg.AllBlocks()
	rows := make([]BlockRow, 0, len(blocks))
	for _, b := range blocks {
		rows = append(rows, BlockRow{
			File:     b.FileName,
			Index:    b.Index,
			Original: b.Original,
			Replica:  b.Replica,
			Status:   n.blockStatus(b, self),
		})
	}
	return rows
}

func (n *Node) blockStatus(b metadata_registry.BlockInfo, self string) BlockStatus {
	if b.Original == self || b.Replica == self {
		if !n.engine.HostedLocally(b.FileName, b.Index) || n.engine.PendingDelete(b.FileName, b.Index) {
			return BlockFreeHere
		}
		if b.Original == self {
			return BlockOriginalHere
		}
		return BlockReplicaHere
	}
	if n.reg.BlockAvailable(b) {
		return BlockPresentElsewhere
	}
	return BlockOfflineElsewhere
}

// SetCapacity changes the declared capacity. Permitted only while
// disconnected, within [50, 100] MiB, and never below used bytes.
func (n *Node) SetCapacity(bytes int64) error {
	if n.ms.InGroup() {
		return ErrInGroup
	}
	if bytes < config_service.MinCapacityBytes || bytes > config_service.MaxCapacityBytes {
		return ErrOutOfRange
	}
	if bytes < n.store.UsedBytes() {
		return ErrBelowUsed
	}

	cfg, err := n.cfg.LoadConfig()
	if err != nil {
		return err
	}
	cfg.CapacityBytes = bytes
	if err := n.cfg.SaveConfig(cfg); err != nil {
		return err
	}

	n.store.SetCapacity(bytes)
	n.ms.UpdateCapacity(bytes)

	if self, ok := n.reg.Node(n.ms.SelfLabel()); ok {
		self.Capacity = bytes
		n.reg.UpsertNode(self)
	}

	n.ls.Info(log_service.LogEvent{
		Message:  "Capacity changed",
		Metadata: map[string]any{"capacity": bytes},
	})
	return nil
}

func (n *Node) Status() NodeStatus {
	status := NodeStatus{Label: n.ms.SelfLabel()}
	for _, node := range n.reg.Nodes() {
		if node.Label != status.Label {
			status.PeerCount++
		}
		if node.Online {
			status.TotalFree += node.Free()
			status.TotalUsed += node.Used
		}
	}
	return status
}
