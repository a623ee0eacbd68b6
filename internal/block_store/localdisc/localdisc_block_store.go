package localdisc

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/blockmesh/blockmesh/internal/block_store"
	"github.com/blockmesh/blockmesh/internal/log_service"
)

const blockExt = ".blk"

// LocalDiscBlockStore keeps blocks as <filename>__<index>.blk files in the
// shared directory. Writes to the same block id are serialized; reads of
// distinct blocks run concurrently.
type LocalDiscBlockStore struct {
	baseDir  string
	ls       log_service.LogService
	mu       sync.Mutex
	used     int64
	capacity int64
	locks    map[block_store.BlockID]*sync.Mutex
}

func NewLocalDiscBlockStore(baseDir string, capacity int64, ls log_service.LogService) (*LocalDiscBlockStore, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, block_store.ErrBlockWriteFailed
	}

	bs := &LocalDiscBlockStore{
		baseDir:  baseDir,
		ls:       ls,
		capacity: capacity,
		locks:    make(map[block_store.BlockID]*sync.Mutex),
	}
	bs.used = bs.scanUsedBytes()

	ls.Info(log_service.LogEvent{
		Message:  "Block store initialized",
		Metadata: map[string]any{"baseDir": baseDir, "capacity": capacity, "used": bs.used},
	})
	return bs, nil
}

func (bs *LocalDiscBlockStore) blockPath(id block_store.BlockID) string {
	return filepath.Join(bs.baseDir, id.String()+blockExt)
}

// scanUsedBytes recomputes the counter from directory contents. Runs once
// at startup; afterwards the counter is maintained incrementally.
func (bs *LocalDiscBlockStore) scanUsedBytes() int64 {
	entries, err := os.ReadDir(bs.baseDir)
	if err != nil {
		bs.ls.Error(log_service.LogEvent{
			Message:  "Failed to scan block directory",
			Metadata: map[string]any{"baseDir": bs.baseDir, "error": err.Error()},
		})
		return 0
	}

	var total int64
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), blockExt) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		total += info.Size()
	}
	return total
}

func (bs *LocalDiscBlockStore) blockLock(id block_store.BlockID) *sync.Mutex {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	l, ok := bs.locks[id]
	if !ok {
		l = &sync.Mutex{}
		bs.locks[id] = l
	}
	return l
}

func (bs *LocalDiscBlockStore) Put(id block_store.BlockID, data []byte) error {
	l := bs.blockLock(id)
	l.Lock()
	defer l.Unlock()

	path := bs.blockPath(id)
	var prev int64
	if info, err := os.Stat(path); err == nil {
		prev = info.Size()
	}

	bs.mu.Lock()
	if bs.used-prev+int64(len(data)) > bs.capacity {
		bs.mu.Unlock()
		bs.ls.Warn(log_service.LogEvent{
			Message:  "Rejecting block write, no space",
			Metadata: map[string]any{"blockID": id.String(), "size": len(data), "used": bs.used, "capacity": bs.capacity},
		})
		return block_store.ErrNoSpace
	}
	bs.mu.Unlock()

	if err := os.WriteFile(path, data, 0644); err != nil {
		bs.ls.Error(log_service.LogEvent{
			Message:  "Failed to write block",
			Metadata: map[string]any{"blockID": id.String(), "error": err.Error()},
		})
		return block_store.ErrBlockWriteFailed
	}

	bs.mu.Lock()
	bs.used += int64(len(data)) - prev
	bs.mu.Unlock()

	bs.ls.Info(log_service.LogEvent{
		Message:  "Block written",
		Metadata: map[string]any{"blockID": id.String(), "size": len(data)},
	})
	return nil
}

func (bs *LocalDiscBlockStore) Get(id block_store.BlockID) ([]byte, error) {
	data, err := os.ReadFile(bs.blockPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, block_store.ErrBlockMissing
		}
		bs.ls.Error(log_service.LogEvent{
			Message:  "Failed to read block",
			Metadata: map[string]any{"blockID": id.String(), "error": err.Error()},
		})
		return nil, block_store.ErrBlockReadFailed
	}
	return data, nil
}

func (bs *LocalDiscBlockStore) Delete(id block_store.BlockID) error {
	l := bs.blockLock(id)
	l.Lock()
	defer l.Unlock()

	path := bs.blockPath(id)
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return block_store.ErrBlockDeleteFailed
	}

	if err := os.Remove(path); err != nil {
		bs.ls.Error(log_service.LogEvent{
			Message:  "Failed to delete block",
			Metadata: map[string]any{"blockID": id.String(), "error": err.Error()},
		})
		return block_store.ErrBlockDeleteFailed
	}

	bs.mu.Lock()
	bs.used -= info.Size()
	if bs.used < 0 {
		bs.used = 0
	}
	delete(bs.locks, id)
	bs.mu.Unlock()

	bs.ls.Info(log_service.LogEvent{
		Message:  "Block deleted",
		Metadata: map[string]any{"blockID": id.String()},
	})
	return nil
}

func (bs *LocalDiscBlockStore) Has(id block_store.BlockID) bool {
	_, err := os.Stat(bs.blockPath(id))
	return err == nil
}

func (bs *LocalDiscBlockStore) UsedBytes() int64 {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	return bs.used
}

func (bs *LocalDiscBlockStore) FreeBytes() int64 {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	if bs.used >= bs.capacity {
		return 0
	}
	return bs.capacity - bs.used
}

func (bs *LocalDiscBlockStore) SetCapacity(capacity int64) {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	bs.capacity = capacity
}

var _ block_store.BlockStore = (*LocalDiscBlockStore)(nil)
