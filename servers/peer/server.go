package peer

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	blockstore "github.com/blockmesh/blockmesh/internal/block_store/localdisc"
	boltconfig "github.com/blockmesh/blockmesh/internal/config_service/boltconfig"
	logservice "github.com/blockmesh/blockmesh/internal/log_service"
	locallog "github.com/blockmesh/blockmesh/internal/log_service/localdisc"
	"github.com/blockmesh/blockmesh/internal/membership"
	registryinmemory "github.com/blockmesh/blockmesh/internal/metadata_registry/inmemory"
	nodeapi "github.com/blockmesh/blockmesh/internal/peer"
	"github.com/blockmesh/blockmesh/internal/placement"
	"github.com/blockmesh/blockmesh/internal/transport/tcpudp"
)

type Options struct {
	DataDir       string
	TCPPort       int
	UDPPort       int
	CapacityBytes int64
	StorageDir    string
	SeedFile      string
	LogLevel      string
}

// SeedList is the optional YAML bootstrap file: addresses of peers to
// greet on startup.
type SeedList struct {
	Peers []string `yaml:"peers"`
}

// PeerServer is one wired node plus everything it needs to shut down
// cleanly.
type PeerServer struct {
	Node *nodeapi.Node

	ls       *locallog.LocalDiscLogService
	ms       membership.MembershipService
	tr       *tcpudp.TCPUDPTransport
	registry *registryinmemory.InMemoryMetadataRegistry
	cfgStore *boltconfig.BoltConfigService
	seeds    []string
}

// Build wires the full service stack the way a node runs in production:
// logging, config, block store, registry, transport, membership,
// placement, control surface.
func Build(opts Options) (*PeerServer, error) {
	logDir := filepath.Join(opts.DataDir, "logs")
	ls := locallog.NewLocalDiscLogService(logDir, "standalone", opts.LogLevel)

	cfgStore, err := boltconfig.NewBoltConfigService(opts.DataDir, ls)
	if err != nil {
		return nil, err
	}

	cfg, err := cfgStore.LoadConfig()
	if err != nil {
		return nil, err
	}
	if opts.TCPPort != 0 {
		cfg.TCPPort = opts.TCPPort
	}
	if opts.UDPPort != 0 {
		cfg.UDPPort = opts.UDPPort
	}
	if opts.CapacityBytes != 0 {
		cfg.CapacityBytes = opts.CapacityBytes
	}
	if opts.StorageDir != "" {
		cfg.StorageDir = opts.StorageDir
	}
	if err := cfgStore.SaveConfig(cfg); err != nil {
		return nil, err
	}

	if state, ok, err := cfgStore.LoadNodeState(); err == nil && ok && state.Label != "" {
		ls.SetNodeID(state.Label)
	}

	store, err := blockstore.NewLocalDiscBlockStore(cfg.StorageDir, cfg.CapacityBytes, ls)
	if err != nil {
		return nil, err
	}

	registry, err := registryinmemory.NewInMemoryMetadataRegistry(
		filepath.Join(opts.DataDir, "metadata.json"), ls)
	if err != nil {
		return nil, err
	}

	tr := tcpudp.NewTCPUDPTransport(
		net.JoinHostPort("", strconv.Itoa(cfg.TCPPort)),
		net.JoinHostPort("", strconv.Itoa(cfg.UDPPort)),
		ls,
	)

	ms := membership.NewDefaultMembershipService(registry, tr, cfgStore, store, cfg.CapacityBytes, ls)
	engine := placement.NewDefaultPlacementEngine(registry, tr, store, ms, ls)
	node := nodeapi.NewNode(cfgStore, registry, store, engine, ms, ls)

	srv := &PeerServer{
		Node:     node,
		ls:       ls,
		ms:       ms,
		tr:       tr,
		registry: registry,
		cfgStore: cfgStore,
	}

	if opts.SeedFile != "" {
		seeds, err := loadSeeds(opts.SeedFile)
		if err != nil {
			return nil, err
		}
		srv.seeds = seeds.Peers
	}

	if err := tr.Start(); err != nil {
		return nil, err
	}
	if err := engine.Start(); err != nil {
		return nil, err
	}
	if err := ms.Start(); err != nil {
		return nil, err
	}

	ls.Info(logservice.LogEvent{
		Message: "Peer server built",
		Metadata: map[string]any{
			"tcp":      tr.Address(),
			"udp":      tr.UDPAddress(),
			"capacity": cfg.CapacityBytes,
			"storage":  cfg.StorageDir,
		},
	})
	return srv, nil
}

func loadSeeds(path string) (SeedList, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return SeedList{}, fmt.Errorf("reading seed file: %w", err)
	}
	var seeds SeedList
	if err := yaml.Unmarshal(raw, &seeds); err != nil {
		return SeedList{}, fmt.Errorf("parsing seed file: %w", err)
	}
	return seeds, nil
}

// Run connects through the first reachable seed, then blocks until a
// termination signal arrives.
func (s *PeerServer) Run() error {
	for _, seed := range s.seeds {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		label, err := s.Node.Connect(ctx, seed)
		cancel()
		if err != nil {
			s.ls.Warn(logservice.LogEvent{
				Message:  "Seed connect failed",
				Metadata: map[string]any{"seed": seed, "error": err.Error()},
			})
			continue
		}
		s.ls.SetNodeID(label)
		break
	}

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c

	return s.Stop()
}

func (s *PeerServer) Stop() error {
	errMS := s.ms.Stop()
	errTR := s.tr.Stop()
	s.registry.Close()
	errCfg := s.cfgStore.Close()

	if errMS != nil {
		return errMS
	}
	if errTR != nil {
		return errTR
	}
	return errCfg
}
