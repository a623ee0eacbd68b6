package placement

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	blockstore "github.com/blockmesh/blockmesh/internal/block_store/localdisc"
	"github.com/blockmesh/blockmesh/internal/config_service"
	"github.com/blockmesh/blockmesh/internal/config_service/boltconfig"
	"github.com/blockmesh/blockmesh/internal/log_service/noop"
	"github.com/blockmesh/blockmesh/internal/membership"
	"github.com/blockmesh/blockmesh/internal/metadata_registry"
	registryinmemory "github.com/blockmesh/blockmesh/internal/metadata_registry/inmemory"
	"github.com/blockmesh/blockmesh/internal/transport/tcpudp"
)

type testPeer struct {
	ms     *membership.DefaultMembershipService
	tr     *tcpudp.TCPUDPTransport
	reg    *registryinmemory.InMemoryMetadataRegistry
	store  *blockstore.LocalDiscBlockStore
	engine *DefaultPlacementEngine
}

func newTestPeer(t *testing.T) *testPeer {
	t.Helper()
	ls := noop.NewNoopLogService()
	dir := t.TempDir()

	cfg, err := boltconfig.NewBoltConfigService(dir, ls)
	if err != nil {
		t.Fatalf("NewBoltConfigService() error = %v", err)
	}
	t.Cleanup(func() { _ = cfg.Close() })

	store, err := blockstore.NewLocalDiscBlockStore(filepath.Join(dir, "blocks"), config_service.MinCapacityBytes, ls)
	if err != nil {
		t.Fatalf("NewLocalDiscBlockStore() error = %v", err)
	}

	reg, err := registryinmemory.NewInMemoryMetadataRegistry(filepath.Join(dir, "metadata.json"), ls)
	if err != nil {
		t.Fatalf("NewInMemoryMetadataRegistry() error = %v", err)
	}
	t.Cleanup(reg.Close)

	tr := tcpudp.NewTCPUDPTransport("127.0.0.1:0", "127.0.0.1:0", ls)
	if err := tr.Start(); err != nil {
		t.Fatalf("transport Start() error = %v", err)
	}
	t.Cleanup(func() { _ = tr.Stop() })

	ms := membership.NewDefaultMembershipService(reg, tr, cfg, store, config_service.MinCapacityBytes, ls)
	engine := NewDefaultPlacementEngine(reg, tr, store, ms, ls)
	if err := engine.Start(); err != nil {
		t.Fatalf("engine Start() error = %v", err)
	}
	if err := ms.Start(); err != nil {
		t.Fatalf("membership Start() error = %v", err)
	}
	t.Cleanup(func() { _ = ms.Stop() })

	return &testPeer{ms: ms, tr: tr, reg: reg, store: store, engine: engine}
}

func patternBytes(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte((i*31 + 7) % 251)
	}
	return data
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestUploadRequiresTwoOnlineNodes(t *testing.T) {
	peer := newTestPeer(t)

	err := peer.engine.Upload(context.Background(), "doc.bin", bytes.NewReader([]byte("data")), 4)
	if !errors.Is(err, ErrInsufficientCapacity) {
		t.Errorf("Upload() error = %v, want ErrInsufficientCapacity", err)
	}
}

func TestUploadDownloadDeleteRoundTrip(t *testing.T) {
	founder := newTestPeer(t)
	uploader := newTestPeer(t)

	if _, err := uploader.ms.Join(context.Background(), founder.tr.Address()); err != nil {
		t.Fatalf("Join() error = %v", err)
	}

	data := patternBytes(2500000)
	if err := uploader.engine.Upload(context.Background(), "doc.bin", bytes.NewReader(data), int64(len(data))); err != nil {
		t.Fatalf("Upload() error = %v", err)
	}

	// The uploader's registry holds the file immediately.
	file, ok := uploader.reg.File("doc.bin")
	if !ok {
		t.Fatal("file missing from uploader registry")
	}
	if file.Owner != "nodo2" {
		t.Errorf("file owner = %s, want nodo2", file.Owner)
	}

	blocks := uploader.reg.FileBlocks("doc.bin")
	if len(blocks) != 3 {
		t.Fatalf("FileBlocks() = %d blocks, want 3", len(blocks))
	}
	wantSizes := []int64{1048576, 1048576, 402848}
	for i, b := range blocks {
		if b.Size != wantSizes[i] {
			t.Errorf("block %d size = %d, want %d", i, b.Size, wantSizes[i])
		}
		if b.Original == b.Replica {
			t.Errorf("block %d: original and replica share host %s", i, b.Original)
		}
	}

	// The announce reaches the founder within a gossip round.
	waitFor(t, "file announce on founder", func() bool {
		f, ok := founder.reg.File("doc.bin")
		return ok && f.Owner == "nodo2"
	})

	// Any node can read the file back.
	var out bytes.Buffer
	if err := founder.engine.Download(context.Background(), "doc.bin", &out); err != nil {
		t.Fatalf("Download() error = %v", err)
	}
	if !bytes.Equal(out.Bytes(), data) {
		t.Fatal("downloaded bytes differ from uploaded bytes")
	}

	// Delete tears everything down on both nodes.
	if err := uploader.engine.Delete(context.Background(), "doc.bin"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := uploader.engine.Delete(context.Background(), "doc.bin"); !errors.Is(err, metadata_registry.ErrFileNotFound) {
		t.Errorf("second Delete() error = %v, want ErrFileNotFound", err)
	}
	waitFor(t, "file delete on founder", func() bool {
		_, ok := founder.reg.File("doc.bin")
		return !ok
	})
	waitFor(t, "local blocks removed", func() bool {
		return founder.store.UsedBytes() == 0 && uploader.store.UsedBytes() == 0
	})
}

func TestUploadRejectsDuplicateName(t *testing.T) {
	founder := newTestPeer(t)
	uploader := newTestPeer(t)

	if _, err := uploader.ms.Join(context.Background(), founder.tr.Address()); err != nil {
		t.Fatalf("Join() error = %v", err)
	}

	data := patternBytes(1000)
	if err := uploader.engine.Upload(context.Background(), "dup.bin", bytes.NewReader(data), int64(len(data))); err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	err := uploader.engine.Upload(context.Background(), "dup.bin", bytes.NewReader(data), int64(len(data)))
	if !errors.Is(err, metadata_registry.ErrDuplicateName) {
		t.Errorf("Upload() error = %v, want ErrDuplicateName", err)
	}
}

func TestDownloadFallsBackToReplica(t *testing.T) {
	founder := newTestPeer(t)
	uploader := newTestPeer(t)

	if _, err := uploader.ms.Join(context.Background(), founder.tr.Address()); err != nil {
		t.Fatalf("Join() error = %v", err)
	}

	data := patternBytes(1500000)
	if err := uploader.engine.Upload(context.Background(), "doc.bin", bytes.NewReader(data), int64(len(data))); err != nil {
		t.Fatalf("Upload() error = %v", err)
	}

	// With the other peer observed offline, every block must be served
	// from this node's own placements.
	uploader.reg.MarkNode("nodo1", false, time.Time{})

	var out bytes.Buffer
	if err := uploader.engine.Download(context.Background(), "doc.bin", &out); err != nil {
		t.Fatalf("Download() error = %v", err)
	}
	if !bytes.Equal(out.Bytes(), data) {
		t.Fatal("downloaded bytes differ after failover")
	}
}

func TestDownloadUnavailableWhenAllHostsOffline(t *testing.T) {
	founder := newTestPeer(t)
	uploader := newTestPeer(t)

	if _, err := uploader.ms.Join(context.Background(), founder.tr.Address()); err != nil {
		t.Fatalf("Join() error = %v", err)
	}

	data := patternBytes(100000)
	if err := uploader.engine.Upload(context.Background(), "doc.bin", bytes.NewReader(data), int64(len(data))); err != nil {
		t.Fatalf("Upload() error = %v", err)
	}

	// Both hosts offline from the uploader's point of view.
	uploader.reg.MarkNode("nodo1", false, time.Time{})
	uploader.reg.MarkNode("nodo2", false, time.Time{})

	var out bytes.Buffer
	err := uploader.engine.Download(context.Background(), "doc.bin", &out)
	var unavailable *UnavailableError
	if !errors.As(err, &unavailable) {
		t.Fatalf("Download() error = %v, want UnavailableError", err)
	}
	if unavailable.Index != 0 {
		t.Errorf("UnavailableError.Index = %d, want 0", unavailable.Index)
	}
}

func TestDeleteQueuesForOfflineHost(t *testing.T) {
	founder := newTestPeer(t)
	uploader := newTestPeer(t)

	if _, err := uploader.ms.Join(context.Background(), founder.tr.Address()); err != nil {
		t.Fatalf("Join() error = %v", err)
	}

	data := patternBytes(100000)
	if err := uploader.engine.Upload(context.Background(), "doc.bin", bytes.NewReader(data), int64(len(data))); err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	blocks := uploader.reg.FileBlocks("doc.bin")

	uploader.reg.MarkNode("nodo1", false, time.Time{})
	if err := uploader.engine.Delete(context.Background(), "doc.bin"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	// The delete addressed to the offline host is queued for its return.
	queued := false
	for _, b := range blocks {
		if b.Original == "nodo1" || b.Replica == "nodo1" {
			if uploader.engine.PendingDelete(b.FileName, b.Index) {
				queued = true
			}
		}
	}
	if !queued {
		t.Error("no delete queued for the offline host")
	}

	// Replaying on return drains the queue and removes the bytes.
	uploader.reg.MarkNode("nodo1", true, time.Now().UTC())
	uploader.engine.onPeerReturned("nodo1")
	waitFor(t, "queued deletes drained", func() bool {
		return founder.store.UsedBytes() == 0
	})
}

func TestUploadCancellation(t *testing.T) {
	founder := newTestPeer(t)
	uploader := newTestPeer(t)

	if _, err := uploader.ms.Join(context.Background(), founder.tr.Address()); err != nil {
		t.Fatalf("Join() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	data := patternBytes(3 * BlockSize)
	err := uploader.engine.Upload(ctx, "doc.bin", bytes.NewReader(data), int64(len(data)))
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("Upload() error = %v, want ErrCancelled", err)
	}

	// Nothing may survive a cancelled upload.
	if _, ok := uploader.reg.File("doc.bin"); ok {
		t.Error("cancelled upload left file metadata behind")
	}
	if uploader.store.UsedBytes() != 0 {
		t.Error("cancelled upload left local blocks behind")
	}
}
