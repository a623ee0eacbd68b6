package placement

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/exp/rand"

	"github.com/blockmesh/blockmesh/internal/block_store"
	"github.com/blockmesh/blockmesh/internal/log_service"
	"github.com/blockmesh/blockmesh/internal/membership"
	"github.com/blockmesh/blockmesh/internal/metadata_registry"
	"github.com/blockmesh/blockmesh/internal/transport"
	"github.com/blockmesh/blockmesh/internal/wire"
)

const (
	retryBaseDelay = 100 * time.Millisecond
	retryMaxDelay  = time.Second
)

// DefaultPlacementEngine places blocks, serves the block opcodes, and
// keeps deletes flowing to hosts that were offline when a file was torn
// down.
type DefaultPlacementEngine struct {
	reg   metadata_registry.MetadataRegistry
	tr    transport.Transport
	store block_store.BlockStore
	ms    membership.MembershipService
	ls    log_service.LogService

	mu        sync.Mutex
	pending   map[string][]block_store.BlockID
	transfers map[string]context.CancelFunc
	rng       *rand.Rand
}

func NewDefaultPlacementEngine(
	reg metadata_registry.MetadataRegistry,
	tr transport.Transport,
	store block_store.BlockStore,
	ms membership.MembershipService,
	ls log_service.LogService,
) *DefaultPlacementEngine {
	return &DefaultPlacementEngine{
		reg:       reg,
		tr:        tr,
		store:     store,
		ms:        ms,
		ls:        ls,
		pending:   make(map[string][]block_store.BlockID),
		transfers: make(map[string]context.CancelFunc),
		rng:       rand.New(rand.NewSource(uint64(time.Now().UnixNano()))),
	}
}

func (e *DefaultPlacementEngine) Start() error {
	e.tr.RegisterHandler(wire.OpBlockPut, e.handleBlockPut)
	e.tr.RegisterHandler(wire.OpBlockGet, e.handleBlockGet)
	e.tr.RegisterHandler(wire.OpBlockDelete, e.handleBlockDelete)
	e.tr.RegisterHandler(wire.OpFileAnnounce, e.handleFileAnnounce)
	e.tr.RegisterHandler(wire.OpFileDelete, e.handleFileDelete)
	e.ms.SetPeerReturnedHook(e.onPeerReturned)
	return nil
}

func (e *DefaultPlacementEngine) backoff(attempt int) {
	delay := retryBaseDelay << attempt
	if delay > retryMaxDelay {
		delay = retryMaxDelay
	}
	e.mu.Lock()
	jitter := time.Duration(e.rng.Int63n(int64(delay)/2 + 1))
	e.mu.Unlock()
	time.Sleep(delay + jitter)
}

func (e *DefaultPlacementEngine) trackTransfer(cancel context.CancelFunc) string {
	id := uuid.New().String()
	e.mu.Lock()
	e.transfers[id] = cancel
	e.mu.Unlock()
	return id
}

func (e *DefaultPlacementEngine) untrackTransfer(id string) {
	e.mu.Lock()
	delete(e.transfers, id)
	e.mu.Unlock()
}

func (e *DefaultPlacementEngine) Cancel(transferID string) bool {
	e.mu.Lock()
	cancel, ok := e.transfers[transferID]
	e.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

func (e *DefaultPlacementEngine) ActiveTransfers() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.transfers))
	for id := range e.transfers {
		out = append(out, id)
	}
	return out
}

type placedBlock struct {
	id   block_store.BlockID
	host string
}

// Upload splits the stream into blocks, ships each to its original and
// replica hosts, and announces the file once every block is acknowledged.
// Any failure rolls back everything already stored.
func (e *DefaultPlacementEngine) Upload(ctx context.Context, name string, r io.Reader, size int64) error {
	if e.reg.IsDeleted(name) {
		return metadata_registry.ErrFileDeleted
	}
	if _, exists := e.reg.File(name); exists {
		return metadata_registry.ErrDuplicateName
	}

	sizes := BlockSizes(size)
	nodes := e.reg.OnlineNodes()
	plan, err := Plan(sizes, nodes)
	if err != nil {
		e.ls.Warn(log_service.LogEvent{
			Message:  "Upload rejected by planner",
			Metadata: map[string]any{"name": name, "size": size, "onlineNodes": len(nodes)},
		})
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	transferID := e.trackTransfer(cancel)
	defer e.untrackTransfer(transferID)

	e.ls.Info(log_service.LogEvent{
		Message:  "Starting upload",
		Metadata: map[string]any{"name": name, "size": size, "blocks": len(plan), "transferID": transferID},
	})

	var placed []placedBlock
	blocks := make([]metadata_registry.BlockInfo, 0, len(plan))
	buf := make([]byte, BlockSize)

	for i, asgn := range plan {
		if err := ctx.Err(); err != nil {
			e.rollback(placed)
			return ErrCancelled
		}

		data := buf[:asgn.Size]
		if _, err := io.ReadFull(r, data); err != nil {
			e.rollback(placed)
			return fmt.Errorf("%w: reading block %d: %v", ErrUploadAborted, i, err)
		}

		id := block_store.BlockID{FileName: name, Index: asgn.Index}

		original, err := e.placeRole(ctx, id, data, asgn.Original, false, "")
		if err != nil {
			e.rollback(placed)
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return ErrCancelled
			}
			return err
		}
		placed = append(placed, placedBlock{id: id, host: original})

		replica, err := e.placeRole(ctx, id, data, asgn.Replica, true, original)
		if err != nil {
			e.rollback(placed)
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return ErrCancelled
			}
			return err
		}
		placed = append(placed, placedBlock{id: id, host: replica})

		blocks = append(blocks, metadata_registry.BlockInfo{
			FileName: name,
			Index:    asgn.Index,
			Size:     asgn.Size,
			Original: original,
			Replica:  replica,
		})
	}

	file := metadata_registry.FileInfo{
		Name:      name,
		Size:      size,
		Owner:     e.ms.SelfLabel(),
		CreatedAt: time.Now().UTC(),
	}
	if _, err := e.reg.AddFile(file, blocks); err != nil {
		e.rollback(placed)
		return err
	}

	e.broadcastFileAnnounce(file, blocks)

	e.ls.Info(log_service.LogEvent{
		Message:  "Upload complete",
		Metadata: map[string]any{"name": name, "blocks": len(blocks)},
	})
	return nil
}

// placeRole stores one block on the planned host, falling back through
// ranked candidates when a target fails. Each failure is reported to the
// failure detector.
func (e *DefaultPlacementEngine) placeRole(ctx context.Context, id block_store.BlockID, data []byte, planned string, isReplica bool, partner string) (string, error) {
	failed := map[string]bool{}
	if partner != "" {
		failed[partner] = true
	}

	target := planned
	// The planned host plus up to |N|-1 further candidates.
	maxAttempts := len(e.reg.OnlineNodes())
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		err := e.putBlock(ctx, id, data, target, isReplica)
		if err == nil {
			return target, nil
		}

		e.ls.Warn(log_service.LogEvent{
			Message: "Block placement failed, trying next candidate",
			Metadata: map[string]any{
				"blockID": id.String(),
				"target":  target,
				"replica": isReplica,
				"attempt": attempt,
				"error":   err.Error(),
			},
		})
		if !errors.Is(err, ErrNoSpace) {
			e.ms.ReportUnreachable(target)
		}
		failed[target] = true

		next, ok := e.nextCandidate(int64(len(data)), failed)
		if !ok {
			return "", fmt.Errorf("%w: no candidate left for block %s", ErrUploadAborted, id.String())
		}
		target = next
		e.backoff(attempt)
	}
	return "", fmt.Errorf("%w: block %s", ErrUploadAborted, id.String())
}

// nextCandidate re-ranks the current online set the same way the planner
// does, skipping hosts that already failed.
func (e *DefaultPlacementEngine) nextCandidate(size int64, exclude map[string]bool) (string, bool) {
	st := newPlanState(e.reg.OnlineNodes())
	return st.pick(size, exclude)
}

// putBlock writes the block locally when this node is the target, or
// ships it with BLOCK_PUT otherwise.
func (e *DefaultPlacementEngine) putBlock(ctx context.Context, id block_store.BlockID, data []byte, target string, isReplica bool) error {
	if target == e.ms.SelfLabel() {
		if err := e.store.Put(id, data); err != nil {
			if errors.Is(err, block_store.ErrNoSpace) {
				return ErrNoSpace
			}
			return fmt.Errorf("%w: %v", ErrStorage, err)
		}
		e.syncSelfUsage()
		return nil
	}

	node, ok := e.reg.Node(target)
	if !ok {
		return fmt.Errorf("%w: %s", transport.ErrPeerUnreachable, target)
	}

	payload := wire.EncodeBlockPut(wire.BlockPutPayload{
		Ref:       wire.BlockRef{FileName: id.FileName, Index: uint32(id.Index)},
		IsReplica: isReplica,
		Data:      data,
	})

	reqCtx, cancel := context.WithTimeout(ctx, transport.BlockTransferTimeout)
	defer cancel()

	respOp, respPayload, err := e.tr.Request(reqCtx, node.Address, wire.OpBlockPut, payload)
	if err != nil {
		return err
	}
	if respOp != wire.OpBlockPut {
		return transport.ErrUnexpectedOpcode
	}

	status, err := wire.DecodeStatus(respPayload)
	if err != nil {
		return err
	}
	switch status {
	case wire.StatusOK:
		return nil
	case wire.StatusNoSpace:
		return ErrNoSpace
	default:
		return ErrStorage
	}
}

// rollback removes blocks already stored for an aborted upload, best
// effort.
func (e *DefaultPlacementEngine) rollback(placed []placedBlock) {
	if len(placed) == 0 {
		return
	}
	e.ls.Warn(log_service.LogEvent{
		Message:  "Rolling back partial upload",
		Metadata: map[string]any{"blocks": len(placed)},
	})
	for _, p := range placed {
		e.deleteFromHost(p.id, p.host, false)
	}
}

// Download streams the file's blocks in order, preferring the original
// host and falling back to the replica. Both offline aborts with the
// failing block index.
func (e *DefaultPlacementEngine) Download(ctx context.Context, name string, w io.Writer) error {
	if _, ok := e.reg.File(name); !ok {
		return metadata_registry.ErrFileNotFound
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	transferID := e.trackTransfer(cancel)
	defer e.untrackTransfer(transferID)

	blocks := e.reg.FileBlocks(name)
	for _, b := range blocks {
		if err := ctx.Err(); err != nil {
			return ErrCancelled
		}

		data, err := e.fetchBlock(ctx, b)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return ErrCancelled
			}
			return err
		}
		if _, err := w.Write(data); err != nil {
			return fmt.Errorf("%w: %v", ErrStorage, err)
		}
	}
	return nil
}

func (e *DefaultPlacementEngine) fetchBlock(ctx context.Context, b metadata_registry.BlockInfo) ([]byte, error) {
	id := block_store.BlockID{FileName: b.FileName, Index: b.Index}

	for _, host := range []string{b.Original, b.Replica} {
		node, ok := e.reg.Node(host)
		if !ok || !node.Online {
			continue
		}

		if host == e.ms.SelfLabel() {
			data, err := e.store.Get(id)
			if err == nil {
				return data, nil
			}
			continue
		}

		data, err := e.getFromPeer(ctx, id, node.Address)
		if err == nil {
			return data, nil
		}
		e.ls.Warn(log_service.LogEvent{
			Message:  "Block fetch failed",
			Metadata: map[string]any{"blockID": id.String(), "host": host, "error": err.Error()},
		})
		e.ms.ReportUnreachable(host)
	}
	return nil, &UnavailableError{Index: b.Index}
}

func (e *DefaultPlacementEngine) getFromPeer(ctx context.Context, id block_store.BlockID, addr string) ([]byte, error) {
	payload := wire.EncodeBlockRef(wire.BlockRef{FileName: id.FileName, Index: uint32(id.Index)})

	reqCtx, cancel := context.WithTimeout(ctx, transport.BlockTransferTimeout)
	defer cancel()

	respOp, respPayload, err := e.tr.Request(reqCtx, addr, wire.OpBlockGet, payload)
	if err != nil {
		return nil, err
	}
	if respOp != wire.OpBlockGetReply {
		return nil, transport.ErrUnexpectedOpcode
	}

	reply, err := wire.DecodeBlockGetReply(respPayload)
	if err != nil {
		return nil, err
	}
	if reply.Status != wire.StatusOK {
		return nil, block_store.ErrBlockMissing
	}
	return reply.Data, nil
}

// Delete tears down a file: every placement is deleted best effort,
// offline hosts are queued for retry, and FILE_DELETE goes out
// immediately. Deletes are terminal.
func (e *DefaultPlacementEngine) Delete(ctx context.Context, name string) error {
	if _, ok := e.reg.File(name); !ok {
		return metadata_registry.ErrFileNotFound
	}

	blocks := e.reg.FileBlocks(name)
	for _, b := range blocks {
		id := block_store.BlockID{FileName: b.FileName, Index: b.Index}
		e.deleteFromHost(id, b.Original, true)
		e.deleteFromHost(id, b.Replica, true)
	}

	if _, err := e.reg.RemoveFile(name); err != nil {
		return err
	}

	payload, err := wire.MarshalJSON(wire.FileDeletePayload{Name: name})
	if err == nil {
		e.broadcast(wire.OpFileDelete, payload)
	}

	e.ls.Info(log_service.LogEvent{
		Message:  "File deleted",
		Metadata: map[string]any{"name": name, "blocks": len(blocks)},
	})
	return nil
}

// deleteFromHost deletes one placement. When queueOffline is set, a
// delete addressed to an offline host is recorded and replayed on its
// return.
func (e *DefaultPlacementEngine) deleteFromHost(id block_store.BlockID, host string, queueOffline bool) {
	if host == e.ms.SelfLabel() {
		if err := e.store.Delete(id); err == nil {
			e.syncSelfUsage()
		}
		return
	}

	node, ok := e.reg.Node(host)
	if !ok {
		return
	}
	if !node.Online {
		if queueOffline {
			e.mu.Lock()
			e.pending[host] = append(e.pending[host], id)
			e.mu.Unlock()
			e.ls.Info(log_service.LogEvent{
				Message:  "Queued delete for offline host",
				Metadata: map[string]any{"blockID": id.String(), "host": host},
			})
		}
		return
	}

	payload := wire.EncodeBlockRef(wire.BlockRef{FileName: id.FileName, Index: uint32(id.Index)})
	ctx, cancel := context.WithTimeout(context.Background(), transport.RequestTimeout)
	defer cancel()

	if _, _, err := e.tr.Request(ctx, node.Address, wire.OpBlockDelete, payload); err != nil {
		e.ls.Warn(log_service.LogEvent{
			Message:  "Block delete failed",
			Metadata: map[string]any{"blockID": id.String(), "host": host, "error": err.Error()},
		})
		e.ms.ReportUnreachable(host)
		if queueOffline {
			e.mu.Lock()
			e.pending[host] = append(e.pending[host], id)
			e.mu.Unlock()
		}
	}
}

// onPeerReturned replays deletes that were queued while the peer was
// offline.
func (e *DefaultPlacementEngine) onPeerReturned(label string) {
	e.mu.Lock()
	ids := e.pending[label]
	delete(e.pending, label)
	e.mu.Unlock()

	if len(ids) == 0 {
		return
	}
	e.ls.Info(log_service.LogEvent{
		Message:  "Replaying queued deletes",
		Metadata: map[string]any{"host": label, "blocks": len(ids)},
	})
	for _, id := range ids {
		e.deleteFromHost(id, label, true)
	}
}

func (e *DefaultPlacementEngine) HostedLocally(fileName string, index int) bool {
	return e.store.Has(block_store.BlockID{FileName: fileName, Index: index})
}

func (e *DefaultPlacementEngine) PendingDelete(fileName string, index int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ids := range e.pending {
		for _, id := range ids {
			if id.FileName == fileName && id.Index == index {
				return true
			}
		}
	}
	return false
}

// syncSelfUsage refreshes this node's used bytes in the registry and
// tells the mesh.
func (e *DefaultPlacementEngine) syncSelfUsage() {
	self := e.ms.SelfLabel()
	n, ok := e.reg.Node(self)
	if !ok {
		return
	}
	n.Used = e.store.UsedBytes()
	n.UpdatedAt = time.Now().UTC()
	e.reg.UpsertNode(n)

	payload, err := wire.MarshalJSON(wire.CapacityUpdatePayload{
		Label:    self,
		Capacity: n.Capacity,
		Used:     n.Used,
	})
	if err != nil {
		return
	}
	go e.broadcast(wire.OpCapacityUpdate, payload)
}

func (e *DefaultPlacementEngine) broadcast(op wire.Op, payload []byte) {
	self := e.ms.SelfLabel()
	for _, n := range e.reg.OnlineNodes() {
		if n.Label == self {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), transport.RequestTimeout)
		if err := e.tr.Notify(ctx, n.Address, op, payload); err != nil {
			e.ls.Warn(log_service.LogEvent{
				Message:  "Broadcast failed",
				Metadata: map[string]any{"op": op.String(), "peer": n.Label, "error": err.Error()},
			})
			e.ms.ReportUnreachable(n.Label)
		}
		cancel()
	}
}

func (e *DefaultPlacementEngine) broadcastFileAnnounce(file metadata_registry.FileInfo, blocks []metadata_registry.BlockInfo) {
	payload, err := wire.MarshalJSON(wire.FileAnnouncePayload{File: file, Blocks: blocks})
	if err != nil {
		return
	}
	e.broadcast(wire.OpFileAnnounce, payload)
}

func (e *DefaultPlacementEngine) handleBlockPut(ctx context.Context, from string, payload []byte) (wire.Op, []byte, error) {
	put, err := wire.DecodeBlockPut(payload)
	if err != nil {
		return 0, nil, err
	}

	id := block_store.BlockID{FileName: put.Ref.FileName, Index: int(put.Ref.Index)}
	if err := e.store.Put(id, put.Data); err != nil {
		if errors.Is(err, block_store.ErrNoSpace) {
			return wire.OpBlockPut, wire.EncodeStatus(wire.StatusNoSpace), nil
		}
		return wire.OpBlockPut, wire.EncodeStatus(wire.StatusStorageError), nil
	}

	e.syncSelfUsage()
	return wire.OpBlockPut, wire.EncodeStatus(wire.StatusOK), nil
}

func (e *DefaultPlacementEngine) handleBlockGet(ctx context.Context, from string, payload []byte) (wire.Op, []byte, error) {
	ref, err := wire.DecodeBlockRef(payload)
	if err != nil {
		return 0, nil, err
	}

	id := block_store.BlockID{FileName: ref.FileName, Index: int(ref.Index)}
	data, err := e.store.Get(id)
	if err != nil {
		status := wire.StatusMissing
		if !errors.Is(err, block_store.ErrBlockMissing) {
			status = wire.StatusStorageError
		}
		return wire.OpBlockGetReply, wire.EncodeBlockGetReply(wire.BlockGetReplyPayload{Status: status}), nil
	}
	return wire.OpBlockGetReply, wire.EncodeBlockGetReply(wire.BlockGetReplyPayload{Status: wire.StatusOK, Data: data}), nil
}

func (e *DefaultPlacementEngine) handleBlockDelete(ctx context.Context, from string, payload []byte) (wire.Op, []byte, error) {
	ref, err := wire.DecodeBlockRef(payload)
	if err != nil {
		return 0, nil, err
	}

	id := block_store.BlockID{FileName: ref.FileName, Index: int(ref.Index)}
	if err := e.store.Delete(id); err != nil {
		return wire.OpBlockDelete, wire.EncodeStatus(wire.StatusStorageError), nil
	}

	e.syncSelfUsage()
	return wire.OpBlockDelete, wire.EncodeStatus(wire.StatusOK), nil
}

func (e *DefaultPlacementEngine) handleFileAnnounce(ctx context.Context, from string, payload []byte) (wire.Op, []byte, error) {
	var announce wire.FileAnnouncePayload
	if err := wire.UnmarshalJSON(payload, &announce); err != nil {
		return 0, nil, err
	}

	if _, err := e.reg.AddFile(announce.File, announce.Blocks); err != nil {
		// Duplicate announces and tombstoned names are expected during
		// gossip; deletes stay terminal.
		e.ls.Debug(log_service.LogEvent{
			Message:  "Ignoring file announce",
			Metadata: map[string]any{"name": announce.File.Name, "reason": err.Error()},
		})
	}
	return 0, nil, nil
}

func (e *DefaultPlacementEngine) handleFileDelete(ctx context.Context, from string, payload []byte) (wire.Op, []byte, error) {
	var del wire.FileDeletePayload
	if err := wire.UnmarshalJSON(payload, &del); err != nil {
		return 0, nil, err
	}

	// Snapshot the block list before the registry drops it, so local
	// placements can be cleaned up.
	blocks := e.reg.FileBlocks(del.Name)
	if _, err := e.reg.RemoveFile(del.Name); err != nil && !errors.Is(err, metadata_registry.ErrFileNotFound) {
		return 0, nil, nil
	}

	self := e.ms.SelfLabel()
	removed := false
	for _, b := range blocks {
		if b.Original != self && b.Replica != self {
			continue
		}
		id := block_store.BlockID{FileName: b.FileName, Index: b.Index}
		if err := e.store.Delete(id); err == nil {
			removed = true
		}
	}
	if removed {
		e.syncSelfUsage()
	}
	return 0, nil, nil
}

var _ PlacementEngine = (*DefaultPlacementEngine)(nil)
