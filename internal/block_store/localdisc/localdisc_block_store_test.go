package localdisc

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/blockmesh/blockmesh/internal/block_store"
	"github.com/blockmesh/blockmesh/internal/log_service/noop"
)

const testCapacity = 50 * 1024 * 1024

func newTestStore(t *testing.T, capacity int64) *LocalDiscBlockStore {
	t.Helper()
	bs, err := NewLocalDiscBlockStore(t.TempDir(), capacity, noop.NewNoopLogService())
	if err != nil {
		t.Fatalf("NewLocalDiscBlockStore() error = %v", err)
	}
	return bs
}

func TestLocalDiscBlockStore_Put(t *testing.T) {
	tests := []struct {
		name     string
		id       block_store.BlockID
		data     []byte
		capacity int64
		wantErr  error
	}{
		{
			name:     "write block with data",
			id:       block_store.BlockID{FileName: "doc.bin", Index: 0},
			data:     []byte("hello world"),
			capacity: testCapacity,
		},
		{
			name:     "write empty block",
			id:       block_store.BlockID{FileName: "empty.bin", Index: 0},
			data:     []byte{},
			capacity: testCapacity,
		},
		{
			name:     "write binary data",
			id:       block_store.BlockID{FileName: "bin.dat", Index: 3},
			data:     []byte{0x00, 0x01, 0x02, 0xFF},
			capacity: testCapacity,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bs := newTestStore(t, tt.capacity)

			err := bs.Put(tt.id, tt.data)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Put() error = %v, want %v", err, tt.wantErr)
			}

			path := bs.blockPath(tt.id)
			written, err := os.ReadFile(path)
			if err != nil {
				t.Fatalf("failed to read written file: %v", err)
			}
			if !bytes.Equal(written, tt.data) {
				t.Errorf("Put() wrote %v, want %v", written, tt.data)
			}
			if got := bs.UsedBytes(); got != int64(len(tt.data)) {
				t.Errorf("UsedBytes() = %d, want %d", got, len(tt.data))
			}
		})
	}
}

func TestLocalDiscBlockStore_BlockNaming(t *testing.T) {
	bs := newTestStore(t, testCapacity)
	id := block_store.BlockID{FileName: "informe.pdf", Index: 7}
	if err := bs.Put(id, []byte("x")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	want := filepath.Join(bs.baseDir, "informe.pdf__7.blk")
	if _, err := os.Stat(want); err != nil {
		t.Errorf("block file not found at %s: %v", want, err)
	}
}

func TestLocalDiscBlockStore_PutNoSpace(t *testing.T) {
	bs := newTestStore(t, testCapacity)
	bs.SetCapacity(10)

	err := bs.Put(block_store.BlockID{FileName: "big.bin", Index: 0}, make([]byte, 11))
	if !errors.Is(err, block_store.ErrNoSpace) {
		t.Errorf("Put() error = %v, want ErrNoSpace", err)
	}
	if got := bs.UsedBytes(); got != 0 {
		t.Errorf("UsedBytes() = %d after rejected write, want 0", got)
	}
}

func TestLocalDiscBlockStore_GetMissing(t *testing.T) {
	bs := newTestStore(t, testCapacity)
	_, err := bs.Get(block_store.BlockID{FileName: "nope.bin", Index: 0})
	if !errors.Is(err, block_store.ErrBlockMissing) {
		t.Errorf("Get() error = %v, want ErrBlockMissing", err)
	}
}

func TestLocalDiscBlockStore_DeleteTracksUsage(t *testing.T) {
	bs := newTestStore(t, testCapacity)
	id := block_store.BlockID{FileName: "doc.bin", Index: 0}
	data := []byte("some block content")

	if err := bs.Put(id, data); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := bs.Delete(id); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if got := bs.UsedBytes(); got != 0 {
		t.Errorf("UsedBytes() = %d after delete, want 0", got)
	}
	if bs.Has(id) {
		t.Error("Has() = true after delete")
	}

	// Deleting an absent block is not an error.
	if err := bs.Delete(id); err != nil {
		t.Errorf("Delete() second call error = %v", err)
	}
}

func TestLocalDiscBlockStore_StartupRescan(t *testing.T) {
	dir := t.TempDir()
	ls := noop.NewNoopLogService()

	bs, err := NewLocalDiscBlockStore(dir, testCapacity, ls)
	if err != nil {
		t.Fatalf("NewLocalDiscBlockStore() error = %v", err)
	}
	if err := bs.Put(block_store.BlockID{FileName: "a.bin", Index: 0}, make([]byte, 100)); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := bs.Put(block_store.BlockID{FileName: "a.bin", Index: 1}, make([]byte, 42)); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	// A foreign file must not count toward used bytes.
	if err := os.WriteFile(filepath.Join(dir, "stray.txt"), make([]byte, 999), 0644); err != nil {
		t.Fatalf("writing stray file: %v", err)
	}

	reopened, err := NewLocalDiscBlockStore(dir, testCapacity, ls)
	if err != nil {
		t.Fatalf("NewLocalDiscBlockStore() reopen error = %v", err)
	}
	if got := reopened.UsedBytes(); got != 142 {
		t.Errorf("UsedBytes() after rescan = %d, want 142", got)
	}
	if got := reopened.FreeBytes(); got != testCapacity-142 {
		t.Errorf("FreeBytes() after rescan = %d, want %d", got, testCapacity-142)
	}
}
