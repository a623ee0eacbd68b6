package boltconfig

import (
	"errors"
	"testing"

	"github.com/blockmesh/blockmesh/internal/config_service"
	"github.com/blockmesh/blockmesh/internal/log_service/noop"
)

func newTestConfigService(t *testing.T, dir string) *BoltConfigService {
	t.Helper()
	cs, err := NewBoltConfigService(dir, noop.NewNoopLogService())
	if err != nil {
		t.Fatalf("NewBoltConfigService() error = %v", err)
	}
	return cs
}

func TestLoadConfigDefaults(t *testing.T) {
	cs := newTestConfigService(t, t.TempDir())
	defer cs.Close()

	cfg, err := cs.LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.CapacityBytes != config_service.MinCapacityBytes {
		t.Errorf("default capacity = %d, want %d", cfg.CapacityBytes, config_service.MinCapacityBytes)
	}
	if cfg.TCPPort != config_service.DefaultTCPPort {
		t.Errorf("default tcp port = %d, want %d", cfg.TCPPort, config_service.DefaultTCPPort)
	}
	if cfg.UDPPort != config_service.DefaultUDPPort {
		t.Errorf("default udp port = %d, want %d", cfg.UDPPort, config_service.DefaultUDPPort)
	}
	if cfg.StorageDir == "" {
		t.Error("default storage dir is empty")
	}
}

func TestConfigRoundTripAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	cs := newTestConfigService(t, dir)

	cfg, err := cs.LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	cfg.CapacityBytes = 80 * 1024 * 1024
	cfg.TCPPort = 9888
	if err := cs.SaveConfig(cfg); err != nil {
		t.Fatalf("SaveConfig() error = %v", err)
	}
	if err := cs.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	reopened := newTestConfigService(t, dir)
	defer reopened.Close()

	got, err := reopened.LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() after reopen error = %v", err)
	}
	if got.CapacityBytes != cfg.CapacityBytes || got.TCPPort != cfg.TCPPort {
		t.Errorf("reloaded config = %+v, want %+v", got, cfg)
	}
}

func TestSaveConfigValidatesCapacity(t *testing.T) {
	cs := newTestConfigService(t, t.TempDir())
	defer cs.Close()

	cfg, _ := cs.LoadConfig()
	cfg.CapacityBytes = 10 * 1024 * 1024
	if err := cs.SaveConfig(cfg); !errors.Is(err, config_service.ErrCapacityOutOfRange) {
		t.Errorf("SaveConfig() error = %v, want ErrCapacityOutOfRange", err)
	}
}

func TestNodeStatePersistence(t *testing.T) {
	dir := t.TempDir()
	cs := newTestConfigService(t, dir)

	if _, ok, err := cs.LoadNodeState(); err != nil || ok {
		t.Fatalf("LoadNodeState() on fresh store = ok %v, err %v", ok, err)
	}

	state := config_service.NodeState{Label: "nodo3", GroupFingerprint: "abc123"}
	if err := cs.SaveNodeState(state); err != nil {
		t.Fatalf("SaveNodeState() error = %v", err)
	}
	if err := cs.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	reopened := newTestConfigService(t, dir)
	defer reopened.Close()

	got, ok, err := reopened.LoadNodeState()
	if err != nil || !ok {
		t.Fatalf("LoadNodeState() after reopen = ok %v, err %v", ok, err)
	}
	if got != state {
		t.Errorf("reloaded state = %+v, want %+v", got, state)
	}
}
