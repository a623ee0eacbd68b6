package inmemory

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/blockmesh/blockmesh/internal/log_service"
	"github.com/blockmesh/blockmesh/internal/metadata_registry"
)

// InMemoryMetadataRegistry holds the node, file, and block tables behind a
// single mutex. Every mutation bumps the version and schedules a
// write-behind snapshot; at most one snapshot write is in flight and
// pending mutations coalesce with the next write.
type InMemoryMetadataRegistry struct {
	mu      sync.RWMutex
	version uint64
	nodes   map[string]metadata_registry.NodeInfo
	files   map[string]metadata_registry.FileInfo
	blocks  map[string][]metadata_registry.BlockInfo
	deleted map[string]time.Time

	ls           log_service.LogService
	snapshotPath string
	dirty        chan struct{}
	stop         chan struct{}
	done         chan struct{}
}

func NewInMemoryMetadataRegistry(snapshotPath string, ls log_service.LogService) (*InMemoryMetadataRegistry, error) {
	r := &InMemoryMetadataRegistry{
		nodes:        make(map[string]metadata_registry.NodeInfo),
		files:        make(map[string]metadata_registry.FileInfo),
		blocks:       make(map[string][]metadata_registry.BlockInfo),
		deleted:      make(map[string]time.Time),
		ls:           ls,
		snapshotPath: snapshotPath,
		dirty:        make(chan struct{}, 1),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}

	if err := r.loadSnapshot(); err != nil {
		return nil, err
	}

	go r.snapshotLoop()
	return r, nil
}

// loadSnapshot rehydrates the tables. A corrupt snapshot is a fatal
// condition: the registry refuses to start and leaves the file intact.
func (r *InMemoryMetadataRegistry) loadSnapshot() error {
	raw, err := os.ReadFile(r.snapshotPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading metadata snapshot: %w", err)
	}

	var snap metadata_registry.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		r.ls.Error(log_service.LogEvent{
			Message:  "Corrupt metadata snapshot, refusing to start",
			Metadata: map[string]any{"path": r.snapshotPath, "error": err.Error()},
		})
		return fmt.Errorf("corrupt metadata snapshot %s: %w", r.snapshotPath, err)
	}

	r.version = snap.Version
	for label, n := range snap.Nodes {
		// Liveness is observed, never persisted as fact.
		n.Online = false
		r.nodes[label] = n
	}
	for name, f := range snap.Files {
		r.files[name] = f
	}
	for name, bs := range snap.Blocks {
		r.blocks[name] = bs
	}
	for name, ts := range snap.Deleted {
		r.deleted[name] = ts
	}

	r.ls.Info(log_service.LogEvent{
		Message: "Metadata snapshot loaded",
		Metadata: map[string]any{
			"path":    r.snapshotPath,
			"version": snap.Version,
			"nodes":   len(snap.Nodes),
			"files":   len(snap.Files),
		},
	})
	return nil
}

func (r *InMemoryMetadataRegistry) snapshotLoop() {
	defer close(r.done)
	for {
		select {
		case <-r.dirty:
			r.writeSnapshot()
		case <-r.stop:
			// Final flush so nothing scheduled is lost.
			select {
			case <-r.dirty:
				r.writeSnapshot()
			default:
			}
			return
		}
	}
}

// writeSnapshot copies the tables under the read lock, then marshals and
// performs I/O outside it.
// Temp file plus atomic rename keeps the previous snapshot intact on
// crash.
func (r *InMemoryMetadataRegistry) writeSnapshot() {
	snap := r.Snapshot()
	raw, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		r.ls.Error(log_service.LogEvent{
			Message:  "Failed to marshal metadata snapshot",
			Metadata: map[string]any{"error": err.Error()},
		})
		return
	}

	dir := filepath.Dir(r.snapshotPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		r.ls.Error(log_service.LogEvent{
			Message:  "Failed to create snapshot directory",
			Metadata: map[string]any{"dir": dir, "error": err.Error()},
		})
		return
	}

	tmp, err := os.CreateTemp(dir, "metadata-*.tmp")
	if err != nil {
		r.ls.Error(log_service.LogEvent{
			Message:  "Failed to create snapshot temp file",
			Metadata: map[string]any{"error": err.Error()},
		})
		return
	}
	tmpName := tmp.Name()

	_, werr := tmp.Write(raw)
	cerr := tmp.Close()
	if werr != nil || cerr != nil {
		_ = os.Remove(tmpName)
		r.ls.Error(log_service.LogEvent{
			Message:  "Failed to write snapshot temp file",
			Metadata: map[string]any{"path": tmpName},
		})
		return
	}

	if err := os.Rename(tmpName, r.snapshotPath); err != nil {
		_ = os.Remove(tmpName)
		r.ls.Error(log_service.LogEvent{
			Message:  "Failed to rename snapshot into place",
			Metadata: map[string]any{"path": r.snapshotPath, "error": err.Error()},
		})
		return
	}

	r.ls.Debug(log_service.LogEvent{
		Message:  "Metadata snapshot written",
		Metadata: map[string]any{"path": r.snapshotPath, "version": snap.Version},
	})
}

func (r *InMemoryMetadataRegistry) scheduleSnapshot() {
	select {
	case r.dirty <- struct{}{}:
	default:
	}
}

// Close stops the snapshot loop after a final flush.
func (r *InMemoryMetadataRegistry) Close() {
	close(r.stop)
	<-r.done
}

func (r *InMemoryMetadataRegistry) bump(kind metadata_registry.DeltaKind) metadata_registry.Delta {
	r.version++
	return metadata_registry.Delta{Version: r.version, Kind: kind}
}

func (r *InMemoryMetadataRegistry) UpsertNode(n metadata_registry.NodeInfo) metadata_registry.Delta {
	r.mu.Lock()
	if n.UpdatedAt.IsZero() {
		n.UpdatedAt = time.Now().UTC()
	}
	r.nodes[n.Label] = n
	delta := r.bump(metadata_registry.DeltaNodeUpsert)
	delta.Label = n.Label
	r.mu.Unlock()

	r.ls.Debug(log_service.LogEvent{
		Message:  "Node upserted",
		Metadata: map[string]any{"label": n.Label, "address": n.Address, "online": n.Online},
	})
	r.scheduleSnapshot()
	return delta
}

func (r *InMemoryMetadataRegistry) MarkNode(label string, online bool, lastSeen time.Time) metadata_registry.Delta {
	r.mu.Lock()
	n, ok := r.nodes[label]
	if !ok {
		r.mu.Unlock()
		return metadata_registry.Delta{}
	}
	changed := n.Online != online
	n.Online = online
	if !lastSeen.IsZero() {
		n.LastSeen = lastSeen
	}
	r.nodes[label] = n
	delta := r.bump(metadata_registry.DeltaNodeMark)
	delta.Label = label
	r.mu.Unlock()

	if changed {
		r.ls.Info(log_service.LogEvent{
			Message:  "Node liveness changed",
			Metadata: map[string]any{"label": label, "online": online},
		})
	}
	r.scheduleSnapshot()
	return delta
}

func (r *InMemoryMetadataRegistry) AddFile(f metadata_registry.FileInfo, blocks []metadata_registry.BlockInfo) (metadata_registry.Delta, error) {
	r.mu.Lock()
	if _, gone := r.deleted[f.Name]; gone {
		r.mu.Unlock()
		return metadata_registry.Delta{}, metadata_registry.ErrFileDeleted
	}
	if _, exists := r.files[f.Name]; exists {
		r.mu.Unlock()
		return metadata_registry.Delta{}, metadata_registry.ErrDuplicateName
	}

	sorted := make([]metadata_registry.BlockInfo, len(blocks))
	copy(sorted, blocks)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Index < sorted[j].Index })

	f.Blocks = len(sorted)
	r.files[f.Name] = f
	r.blocks[f.Name] = sorted
	delta := r.bump(metadata_registry.DeltaFileAdd)
	delta.File = f.Name
	r.mu.Unlock()

	r.ls.Info(log_service.LogEvent{
		Message:  "File added to registry",
		Metadata: map[string]any{"name": f.Name, "size": f.Size, "owner": f.Owner, "blocks": len(sorted)},
	})
	r.scheduleSnapshot()
	return delta, nil
}

// RemoveFile tombstones a file. Deletes are terminal: once tombstoned the
// name never returns via merge.
func (r *InMemoryMetadataRegistry) RemoveFile(name string) (metadata_registry.Delta, error) {
	r.mu.Lock()
	_, exists := r.files[name]
	if !exists {
		r.mu.Unlock()
		return metadata_registry.Delta{}, metadata_registry.ErrFileNotFound
	}
	delete(r.files, name)
	delete(r.blocks, name)
	r.deleted[name] = time.Now().UTC()
	delta := r.bump(metadata_registry.DeltaFileRemove)
	delta.File = name
	r.mu.Unlock()

	r.ls.Info(log_service.LogEvent{
		Message:  "File removed from registry",
		Metadata: map[string]any{"name": name},
	})
	r.scheduleSnapshot()
	return delta, nil
}

func (r *InMemoryMetadataRegistry) SetBlockHosts(file string, index int, original, replica string) (metadata_registry.Delta, error) {
	r.mu.Lock()
	blocks, ok := r.blocks[file]
	if !ok {
		r.mu.Unlock()
		return metadata_registry.Delta{}, metadata_registry.ErrFileNotFound
	}
	found := false
	for i := range blocks {
		if blocks[i].Index == index {
			blocks[i].Original = original
			blocks[i].Replica = replica
			found = true
			break
		}
	}
	if !found {
		r.mu.Unlock()
		return metadata_registry.Delta{}, metadata_registry.ErrBlockNotFound
	}
	delta := r.bump(metadata_registry.DeltaBlockHosts)
	delta.File = file
	delta.Index = index
	r.mu.Unlock()

	r.scheduleSnapshot()
	return delta, nil
}

func (r *InMemoryMetadataRegistry) Node(label string) (metadata_registry.NodeInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[label]
	return n, ok
}

func (r *InMemoryMetadataRegistry) Nodes() []metadata_registry.NodeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]metadata_registry.NodeInfo, 0, len(r.nodes))
	for _, n := range r.nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool {
		return metadata_registry.LabelLess(out[i].Label, out[j].Label)
	})
	return out
}

func (r *InMemoryMetadataRegistry) OnlineNodes() []metadata_registry.NodeInfo {
	all := r.Nodes()
	out := all[:0]
	for _, n := range all {
		if n.Online {
			out = append(out, n)
		}
	}
	return out
}

func (r *InMemoryMetadataRegistry) File(name string) (metadata_registry.FileInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.files[name]
	return f, ok
}

func (r *InMemoryMetadataRegistry) Files() []metadata_registry.FileInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]metadata_registry.FileInfo, 0, len(r.files))
	for _, f := range r.files {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *InMemoryMetadataRegistry) FileBlocks(name string) []metadata_registry.BlockInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	blocks := r.blocks[name]
	out := make([]metadata_registry.BlockInfo, len(blocks))
	copy(out, blocks)
	return out
}

func (r *InMemoryMetadataRegistry) AllBlocks() []metadata_registry.BlockInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []metadata_registry.BlockInfo
	names := make([]string, 0, len(r.blocks))
	for name := range r.blocks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		out = append(out, r.blocks[name]...)
	}
	return out
}

func (r *InMemoryMetadataRegistry) IsDeleted(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, gone := r.deleted[name]
	return gone
}

func (r *InMemoryMetadataRegistry) BlockAvailable(b metadata_registry.BlockInfo) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.hostOnline(b.Original) || r.hostOnline(b.Replica)
}

func (r *InMemoryMetadataRegistry) hostOnline(label string) bool {
	n, ok := r.nodes[label]
	return ok && n.Online
}

func (r *InMemoryMetadataRegistry) FileRetrievable(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	blocks, ok := r.blocks[name]
	if !ok {
		return false
	}
	for _, b := range blocks {
		if !r.hostOnline(b.Original) && !r.hostOnline(b.Replica) {
			return false
		}
	}
	return true
}

func (r *InMemoryMetadataRegistry) Snapshot() metadata_registry.Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snap := metadata_registry.Snapshot{
		Version: r.version,
		Nodes:   make(map[string]metadata_registry.NodeInfo, len(r.nodes)),
		Files:   make(map[string]metadata_registry.FileInfo, len(r.files)),
		Blocks:  make(map[string][]metadata_registry.BlockInfo, len(r.blocks)),
		Deleted: make(map[string]time.Time, len(r.deleted)),
	}
	for label, n := range r.nodes {
		snap.Nodes[label] = n
	}
	for name, f := range r.files {
		snap.Files[name] = f
	}
	for name, bs := range r.blocks {
		blocks := make([]metadata_registry.BlockInfo, len(bs))
		copy(blocks, bs)
		snap.Blocks[name] = blocks
	}
	for name, ts := range r.deleted {
		snap.Deleted[name] = ts
	}
	return snap
}

// Merge folds a remote snapshot into the local tables. Convergence is
// last-writer-wins over whole entities: node rows prefer the highest
// (used, updated-at) pair, file and block rows are immutable once created,
// and tombstones are terminal. Locally observed liveness of known nodes
// is never overwritten by a merge.
func (r *InMemoryMetadataRegistry) Merge(s metadata_registry.Snapshot) metadata_registry.Delta {
	r.mu.Lock()

	for name, ts := range s.Deleted {
		if _, have := r.deleted[name]; !have {
			r.deleted[name] = ts
		}
		delete(r.files, name)
		delete(r.blocks, name)
	}

	for label, incoming := range s.Nodes {
		local, ok := r.nodes[label]
		if !ok {
			// First sight of this node: adopt the sender's liveness view
			// with a fresh grace period for the failure detector.
			if incoming.Online {
				incoming.LastSeen = time.Now().UTC()
			}
			r.nodes[label] = incoming
			continue
		}
		if incoming.Used > local.Used ||
			(incoming.Used == local.Used && incoming.UpdatedAt.After(local.UpdatedAt)) {
			incoming.Online = local.Online
			incoming.LastSeen = local.LastSeen
			r.nodes[label] = incoming
		}
	}

	for name, incoming := range s.Files {
		if _, gone := r.deleted[name]; gone {
			continue
		}
		if _, have := r.files[name]; !have {
			r.files[name] = incoming
			if blocks, ok := s.Blocks[name]; ok {
				copied := make([]metadata_registry.BlockInfo, len(blocks))
				copy(copied, blocks)
				r.blocks[name] = copied
			}
		}
	}

	if s.Version > r.version {
		r.version = s.Version
	}
	delta := r.bump(metadata_registry.DeltaMerge)
	r.mu.Unlock()

	r.ls.Debug(log_service.LogEvent{
		Message:  "Metadata snapshot merged",
		Metadata: map[string]any{"remoteVersion": s.Version, "version": delta.Version},
	})
	r.scheduleSnapshot()
	return delta
}

func (r *InMemoryMetadataRegistry) Version() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.version
}

var _ metadata_registry.MetadataRegistry = (*InMemoryMetadataRegistry)(nil)
