package boltconfig

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/boltdb/bolt"

	"github.com/blockmesh/blockmesh/internal/config_service"
	"github.com/blockmesh/blockmesh/internal/log_service"
)

const (
	configBucket    = "config"
	nodeStateBucket = "node_state"

	configKey    = "config"
	nodeStateKey = "identity"
)

// BoltConfigService keeps the keyed configuration and the node identity in
// a boltdb file inside the node's data directory.
type BoltConfigService struct {
	db *bolt.DB
	ls log_service.LogService
}

func NewBoltConfigService(dataDir string, ls log_service.LogService) (*BoltConfigService, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("%w: %v", config_service.ErrConfigLoadFailed, err)
	}

	db, err := bolt.Open(filepath.Join(dataDir, "blockmesh.db"), 0600, &bolt.Options{})
	if err != nil {
		ls.Error(log_service.LogEvent{
			Message:  "Failed to open config database",
			Metadata: map[string]any{"dataDir": dataDir, "error": err.Error()},
		})
		return nil, fmt.Errorf("%w: %v", config_service.ErrConfigLoadFailed, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(configBucket)); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists([]byte(nodeStateBucket))
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: %v", config_service.ErrConfigLoadFailed, err)
	}

	ls.Info(log_service.LogEvent{
		Message:  "Config database opened",
		Metadata: map[string]any{"dataDir": dataDir},
	})

	return &BoltConfigService{db: db, ls: ls}, nil
}

func defaultConfig() config_service.Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return config_service.Config{
		CapacityBytes: config_service.MinCapacityBytes,
		TCPPort:       config_service.DefaultTCPPort,
		UDPPort:       config_service.DefaultUDPPort,
		StorageDir:    filepath.Join(home, config_service.DefaultStorageDirKey),
	}
}

func (cs *BoltConfigService) LoadConfig() (config_service.Config, error) {
	var raw []byte
	err := cs.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(configBucket))
		if v := b.Get([]byte(configKey)); v != nil {
			raw = make([]byte, len(v))
			copy(raw, v)
		}
		return nil
	})
	if err != nil {
		return config_service.Config{}, fmt.Errorf("%w: %v", config_service.ErrConfigLoadFailed, err)
	}

	if raw == nil {
		cfg := defaultConfig()
		if err := cs.SaveConfig(cfg); err != nil {
			return config_service.Config{}, err
		}
		cs.ls.Info(log_service.LogEvent{
			Message:  "Config initialized with defaults",
			Metadata: map[string]any{"capacity": cfg.CapacityBytes, "tcpPort": cfg.TCPPort},
		})
		return cfg, nil
	}

	var cfg config_service.Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return config_service.Config{}, fmt.Errorf("%w: %v", config_service.ErrConfigLoadFailed, err)
	}
	return cfg, nil
}

func (cs *BoltConfigService) SaveConfig(cfg config_service.Config) error {
	if cfg.CapacityBytes < config_service.MinCapacityBytes || cfg.CapacityBytes > config_service.MaxCapacityBytes {
		return config_service.ErrCapacityOutOfRange
	}

	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("%w: %v", config_service.ErrConfigSaveFailed, err)
	}

	err = cs.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(configBucket)).Put([]byte(configKey), raw)
	})
	if err != nil {
		cs.ls.Error(log_service.LogEvent{
			Message:  "Failed to save config",
			Metadata: map[string]any{"error": err.Error()},
		})
		return fmt.Errorf("%w: %v", config_service.ErrConfigSaveFailed, err)
	}
	return nil
}

func (cs *BoltConfigService) LoadNodeState() (config_service.NodeState, bool, error) {
	var raw []byte
	err := cs.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(nodeStateBucket))
		if v := b.Get([]byte(nodeStateKey)); v != nil {
			raw = make([]byte, len(v))
			copy(raw, v)
		}
		return nil
	})
	if err != nil {
		return config_service.NodeState{}, false, fmt.Errorf("%w: %v", config_service.ErrConfigLoadFailed, err)
	}
	if raw == nil {
		return config_service.NodeState{}, false, nil
	}

	var state config_service.NodeState
	if err := json.Unmarshal(raw, &state); err != nil {
		return config_service.NodeState{}, false, fmt.Errorf("%w: %v", config_service.ErrConfigLoadFailed, err)
	}
	return state, true, nil
}

func (cs *BoltConfigService) SaveNodeState(state config_service.NodeState) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("%w: %v", config_service.ErrConfigSaveFailed, err)
	}

	err = cs.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(nodeStateBucket)).Put([]byte(nodeStateKey), raw)
	})
	if err != nil {
		return fmt.Errorf("%w: %v", config_service.ErrConfigSaveFailed, err)
	}

	cs.ls.Info(log_service.LogEvent{
		Message:  "Node state saved",
		Metadata: map[string]any{"label": state.Label},
	})
	return nil
}

func (cs *BoltConfigService) Close() error {
	return cs.db.Close()
}

var _ config_service.ConfigService = (*BoltConfigService)(nil)
