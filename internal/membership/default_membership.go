package membership

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net"
	"sync"
	"time"

	"github.com/blockmesh/blockmesh/internal/block_store"
	"github.com/blockmesh/blockmesh/internal/config_service"
	"github.com/blockmesh/blockmesh/internal/log_service"
	"github.com/blockmesh/blockmesh/internal/metadata_registry"
	"github.com/blockmesh/blockmesh/internal/transport"
	"github.com/blockmesh/blockmesh/internal/wire"
)

// DefaultMembershipService keeps the peer set through direct exchange:
// HELLO/WELCOME on join, PEER_LIST rebroadcast on first sight, UDP
// heartbeats for liveness, META_SYNC reconciliation on return.
type DefaultMembershipService struct {
	reg   metadata_registry.MetadataRegistry
	tr    transport.Transport
	cfg   config_service.ConfigService
	store block_store.BlockStore
	ls    log_service.LogService

	mu          sync.Mutex
	label       string
	fingerprint string
	capacity    int64
	joined      bool
	seq         uint64
	strikes     map[string]int

	peerReturned PeerReturnedFunc

	stop chan struct{}
	wg   sync.WaitGroup
}

func NewDefaultMembershipService(
	reg metadata_registry.MetadataRegistry,
	tr transport.Transport,
	cfg config_service.ConfigService,
	store block_store.BlockStore,
	capacity int64,
	ls log_service.LogService,
) *DefaultMembershipService {
	ms := &DefaultMembershipService{
		reg:      reg,
		tr:       tr,
		cfg:      cfg,
		store:    store,
		capacity: capacity,
		ls:       ls,
		strikes:  make(map[string]int),
		stop:     make(chan struct{}),
	}

	if state, ok, err := cfg.LoadNodeState(); err == nil && ok {
		ms.label = state.Label
		ms.fingerprint = state.GroupFingerprint
	}
	return ms
}

func (ms *DefaultMembershipService) Start() error {
	ms.tr.RegisterHandler(wire.OpHello, ms.handleHello)
	ms.tr.RegisterHandler(wire.OpPeerList, ms.handlePeerList)
	ms.tr.RegisterHandler(wire.OpMetaSync, ms.handleMetaSync)
	ms.tr.RegisterHandler(wire.OpCapacityUpdate, ms.handleCapacityUpdate)
	ms.tr.SetHeartbeatHandler(ms.onHeartbeat)

	ms.wg.Add(2)
	go ms.emitLoop()
	go ms.sweepLoop()

	ms.ls.Info(log_service.LogEvent{
		Message:  "Membership service started",
		Metadata: map[string]any{"label": ms.SelfLabel()},
	})
	return nil
}

func (ms *DefaultMembershipService) Stop() error {
	close(ms.stop)
	ms.wg.Wait()
	return nil
}

func (ms *DefaultMembershipService) SelfLabel() string {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.label
}

func (ms *DefaultMembershipService) InGroup() bool {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.joined
}

func (ms *DefaultMembershipService) Fingerprint() string {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.fingerprint
}

func (ms *DefaultMembershipService) SetPeerReturnedHook(f PeerReturnedFunc) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.peerReturned = f
}

// UpdateCapacity records a new declared capacity. Only valid while
// disconnected; the control surface guards the preconditions.
func (ms *DefaultMembershipService) UpdateCapacity(capacity int64) {
	ms.mu.Lock()
	ms.capacity = capacity
	ms.mu.Unlock()
}

// groupFingerprint is a stable hash over the two founding labels.
func groupFingerprint(first, second string) string {
	sum := sha256.Sum256([]byte(first + "|" + second))
	return hex.EncodeToString(sum[:])
}

func (ms *DefaultMembershipService) persistState() {
	state := config_service.NodeState{Label: ms.label, GroupFingerprint: ms.fingerprint}
	if err := ms.cfg.SaveNodeState(state); err != nil {
		ms.ls.Error(log_service.LogEvent{
			Message:  "Failed to persist node state",
			Metadata: map[string]any{"label": ms.label, "error": err.Error()},
		})
	}
}

// selfInfo builds this node's registry row. Callers hold ms.mu.
func (ms *DefaultMembershipService) selfInfo() metadata_registry.NodeInfo {
	return metadata_registry.NodeInfo{
		Label:       ms.label,
		Address:     ms.tr.Address(),
		UDPAddress:  ms.tr.UDPAddress(),
		Capacity:    ms.capacity,
		Used:        ms.store.UsedBytes(),
		Online:      true,
		LastSeen:    time.Now().UTC(),
		Fingerprint: ms.fingerprint,
		UpdatedAt:   time.Now().UTC(),
	}
}

// Join connects to a known peer, performs the HELLO/WELCOME handshake,
// and opens the mesh by greeting every peer in the returned snapshot.
func (ms *DefaultMembershipService) Join(ctx context.Context, peerAddr string) (string, error) {
	ms.mu.Lock()
	if ms.joined {
		ms.mu.Unlock()
		return "", ErrAlreadyInGroup
	}
	hello := wire.HelloPayload{
		ClaimedLabel: ms.label,
		Fingerprint:  ms.fingerprint,
		Address:      ms.tr.Address(),
		UDPAddress:   ms.tr.UDPAddress(),
		Capacity:     ms.capacity,
		Used:         ms.store.UsedBytes(),
	}
	ms.mu.Unlock()

	payload, err := wire.MarshalJSON(hello)
	if err != nil {
		return "", err
	}

	respOp, respPayload, err := ms.tr.Request(ctx, peerAddr, wire.OpHello, payload)
	if err != nil {
		ms.ls.Error(log_service.LogEvent{
			Message:  "Join handshake failed",
			Metadata: map[string]any{"peer": peerAddr, "error": err.Error()},
		})
		return "", ErrJoinFailed
	}
	if respOp != wire.OpWelcome {
		return "", transport.ErrUnexpectedOpcode
	}

	var welcome wire.WelcomePayload
	if err := wire.UnmarshalJSON(respPayload, &welcome); err != nil {
		return "", err
	}

	ms.mu.Lock()
	ms.label = welcome.AssignedLabel
	ms.fingerprint = welcome.Fingerprint
	ms.joined = true
	ms.persistState()
	self := ms.selfInfo()
	ms.mu.Unlock()

	ms.reg.Merge(welcome.Snapshot)
	ms.reg.UpsertNode(self)

	// Greet every other peer so the mesh is full within two round-trips.
	for _, peer := range welcome.Snapshot.Nodes {
		if peer.Label == welcome.AssignedLabel || !peer.Online || peer.Address == peerAddr {
			continue
		}
		go ms.greetPeer(peer.Address)
	}

	ms.ls.Info(log_service.LogEvent{
		Message:  "Joined group",
		Metadata: map[string]any{"label": welcome.AssignedLabel, "via": peerAddr},
	})
	return welcome.AssignedLabel, nil
}

func (ms *DefaultMembershipService) greetPeer(addr string) {
	ms.mu.Lock()
	hello := wire.HelloPayload{
		ClaimedLabel: ms.label,
		Fingerprint:  ms.fingerprint,
		Address:      ms.tr.Address(),
		UDPAddress:   ms.tr.UDPAddress(),
		Capacity:     ms.capacity,
		Used:         ms.store.UsedBytes(),
	}
	ms.mu.Unlock()

	payload, err := wire.MarshalJSON(hello)
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), transport.RequestTimeout)
	defer cancel()
	if _, _, err := ms.tr.Request(ctx, addr, wire.OpHello, payload); err != nil {
		ms.ls.Warn(log_service.LogEvent{
			Message:  "Failed to greet peer",
			Metadata: map[string]any{"peer": addr, "error": err.Error()},
		})
	}
}

// Leave exits the group locally. The label and fingerprint stay persisted
// so the slot can be reclaimed on reconnect.
func (ms *DefaultMembershipService) Leave() error {
	ms.mu.Lock()
	if !ms.joined {
		ms.mu.Unlock()
		return ErrNotInGroup
	}
	ms.joined = false
	self := ms.label
	ms.mu.Unlock()

	for _, n := range ms.reg.Nodes() {
		if n.Label == self {
			continue
		}
		ms.reg.MarkNode(n.Label, false, time.Time{})
		ms.tr.ClosePeer(n.Address)
	}

	ms.ls.Info(log_service.LogEvent{
		Message:  "Left group",
		Metadata: map[string]any{"label": self},
	})
	return nil
}

// handleHello serves a join or greeting. The first HELLO a standalone
// node receives founds the group: the receiver takes nodo1 before
// assigning the joiner its label.
func (ms *DefaultMembershipService) handleHello(ctx context.Context, from string, payload []byte) (wire.Op, []byte, error) {
	var hello wire.HelloPayload
	if err := wire.UnmarshalJSON(payload, &hello); err != nil {
		return 0, nil, err
	}

	ms.mu.Lock()
	if ms.label == "" {
		ms.label = metadata_registry.FormatLabel(1)
		ms.joined = true
		ms.reg.UpsertNode(ms.selfInfo())
		ms.persistState()
		ms.ls.Info(log_service.LogEvent{
			Message:  "Founded group",
			Metadata: map[string]any{"label": ms.label},
		})
	} else if !ms.joined {
		// A standalone node that kept its old label accepts a new group
		// forming around it.
		ms.joined = true
		ms.reg.UpsertNode(ms.selfInfo())
	}

	assigned, firstSight := ms.assignLabelLocked(hello)

	if ms.fingerprint == "" {
		ms.fingerprint = groupFingerprint(ms.label, assigned)
		ms.persistState()
	}
	fingerprint := ms.fingerprint

	// Register the joiner before releasing the lock, so a concurrent
	// handshake cannot be assigned the same label.
	ms.reg.UpsertNode(metadata_registry.NodeInfo{
		Label:       assigned,
		Address:     hello.Address,
		UDPAddress:  hello.UDPAddress,
		Capacity:    hello.Capacity,
		Used:        hello.Used,
		Online:      true,
		LastSeen:    time.Now().UTC(),
		Fingerprint: hello.Fingerprint,
		UpdatedAt:   time.Now().UTC(),
	})
	ms.mu.Unlock()

	welcome := wire.WelcomePayload{
		AssignedLabel: assigned,
		Fingerprint:   fingerprint,
		Snapshot:      ms.reg.Snapshot(),
	}
	resp, err := wire.MarshalJSON(welcome)
	if err != nil {
		return 0, nil, err
	}

	if firstSight {
		go ms.broadcastPeerList(assigned)
	}

	ms.ls.Info(log_service.LogEvent{
		Message:  "Handshake served",
		Metadata: map[string]any{"assigned": assigned, "from": from, "claimed": hello.ClaimedLabel},
	})
	return wire.OpWelcome, resp, nil
}

// assignLabelLocked resolves the label for a greeting node. A claimed
// label is honored when it is already in the registry, its fingerprint
// matches, and the slot is not held by a different live peer; otherwise a
// fresh one past the maximum is assigned. Must be called with ms.mu held.
func (ms *DefaultMembershipService) assignLabelLocked(hello wire.HelloPayload) (string, bool) {
	if hello.ClaimedLabel != "" {
		if existing, ok := ms.reg.Node(hello.ClaimedLabel); ok {
			fingerprintOK := hello.Fingerprint != "" && hello.Fingerprint == ms.fingerprint
			sameNode := existing.Address == hello.Address
			if fingerprintOK && (!existing.Online || sameNode) {
				return hello.ClaimedLabel, !existing.Online && !sameNode
			}
		}
	}

	maxK := 0
	for _, n := range ms.reg.Nodes() {
		if k := metadata_registry.LabelOrdinal(n.Label); k > maxK {
			maxK = k
		}
	}
	if self := metadata_registry.LabelOrdinal(ms.label); self > maxK {
		maxK = self
	}
	return metadata_registry.FormatLabel(maxK + 1), true
}

// broadcastPeerList pushes the node table to every online peer after a
// new node is first seen.
func (ms *DefaultMembershipService) broadcastPeerList(newLabel string) {
	peers := ms.reg.Nodes()
	payload, err := wire.MarshalJSON(wire.PeerListPayload{Peers: peers})
	if err != nil {
		return
	}

	self := ms.SelfLabel()
	for _, n := range peers {
		if n.Label == self || n.Label == newLabel || !n.Online {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), transport.RequestTimeout)
		if err := ms.tr.Notify(ctx, n.Address, wire.OpPeerList, payload); err != nil {
			ms.ls.Warn(log_service.LogEvent{
				Message:  "Failed to push peer list",
				Metadata: map[string]any{"peer": n.Label, "error": err.Error()},
			})
			ms.ReportUnreachable(n.Label)
		}
		cancel()
	}
}

func (ms *DefaultMembershipService) handlePeerList(ctx context.Context, from string, payload []byte) (wire.Op, []byte, error) {
	var list wire.PeerListPayload
	if err := wire.UnmarshalJSON(payload, &list); err != nil {
		return 0, nil, err
	}

	self := ms.SelfLabel()
	learned := false
	for _, peer := range list.Peers {
		if peer.Label == self {
			continue
		}
		if _, known := ms.reg.Node(peer.Label); !known {
			peer.LastSeen = time.Now().UTC()
			ms.reg.UpsertNode(peer)
			learned = true
			ms.ls.Info(log_service.LogEvent{
				Message:  "Learned new peer",
				Metadata: map[string]any{"label": peer.Label, "address": peer.Address},
			})
		}
	}

	// Rebroadcast only on first sight so the gossip settles.
	if learned {
		go ms.broadcastPeerList("")
	}
	return 0, nil, nil
}

// handleMetaSync merges the caller's snapshot and answers with ours, so
// one exchange reconciles both sides.
func (ms *DefaultMembershipService) handleMetaSync(ctx context.Context, from string, payload []byte) (wire.Op, []byte, error) {
	var req wire.MetaSyncPayload
	if err := wire.UnmarshalJSON(payload, &req); err != nil {
		return 0, nil, err
	}

	ms.reg.Merge(req.Snapshot)

	resp, err := wire.MarshalJSON(wire.MetaSyncPayload{Snapshot: ms.reg.Snapshot()})
	if err != nil {
		return 0, nil, err
	}
	return wire.OpMetaSync, resp, nil
}

func (ms *DefaultMembershipService) handleCapacityUpdate(ctx context.Context, from string, payload []byte) (wire.Op, []byte, error) {
	var update wire.CapacityUpdatePayload
	if err := wire.UnmarshalJSON(payload, &update); err != nil {
		return 0, nil, err
	}

	if n, ok := ms.reg.Node(update.Label); ok {
		n.Capacity = update.Capacity
		n.Used = update.Used
		n.UpdatedAt = time.Now().UTC()
		ms.reg.UpsertNode(n)
	}
	return 0, nil, nil
}

// onHeartbeat refreshes liveness. A heartbeat from an offline peer marks
// it online again and triggers metadata reconciliation.
func (ms *DefaultMembershipService) onHeartbeat(from *net.UDPAddr, hb wire.Heartbeat) {
	n, ok := ms.reg.Node(hb.Label)
	if !ok {
		return
	}

	wasOffline := !n.Online
	n.Used = hb.Used
	n.Capacity = hb.Capacity
	n.LastSeen = time.Now().UTC()
	n.Online = true
	n.UpdatedAt = time.Now().UTC()
	ms.reg.UpsertNode(n)

	ms.mu.Lock()
	delete(ms.strikes, hb.Label)
	ms.mu.Unlock()

	if wasOffline {
		ms.ls.Info(log_service.LogEvent{
			Message:  "Peer returned",
			Metadata: map[string]any{"label": hb.Label},
		})
		go ms.reconcile(n)
	}
}

// reconcile runs a META_SYNC exchange with a returning peer, then lets
// the placement engine replay pending work for it.
func (ms *DefaultMembershipService) reconcile(peer metadata_registry.NodeInfo) {
	payload, err := wire.MarshalJSON(wire.MetaSyncPayload{Snapshot: ms.reg.Snapshot()})
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), transport.RequestTimeout)
	defer cancel()

	respOp, respPayload, err := ms.tr.Request(ctx, peer.Address, wire.OpMetaSync, payload)
	if err != nil {
		ms.ls.Warn(log_service.LogEvent{
			Message:  "Reconciliation with returning peer failed",
			Metadata: map[string]any{"label": peer.Label, "error": err.Error()},
		})
		return
	}
	if respOp == wire.OpMetaSync {
		var reply wire.MetaSyncPayload
		if err := wire.UnmarshalJSON(respPayload, &reply); err == nil {
			ms.reg.Merge(reply.Snapshot)
		}
	}

	ms.mu.Lock()
	hook := ms.peerReturned
	ms.mu.Unlock()
	if hook != nil {
		hook(peer.Label)
	}
}

// ReportUnreachable is the side channel from the placement engine: repeat
// reliable-channel failures accelerate the offline decision.
func (ms *DefaultMembershipService) ReportUnreachable(label string) {
	ms.mu.Lock()
	ms.strikes[label]++
	strikes := ms.strikes[label]
	if strikes >= unreachableStrikes {
		delete(ms.strikes, label)
	}
	ms.mu.Unlock()

	if strikes >= unreachableStrikes {
		ms.ls.Warn(log_service.LogEvent{
			Message:  "Marking peer offline after repeated failures",
			Metadata: map[string]any{"label": label, "strikes": strikes},
		})
		ms.reg.MarkNode(label, false, time.Time{})
	}
}

func (ms *DefaultMembershipService) emitLoop() {
	defer ms.wg.Done()
	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ms.stop:
			return
		case <-ticker.C:
			ms.emitHeartbeats()
		}
	}
}

func (ms *DefaultMembershipService) emitHeartbeats() {
	ms.mu.Lock()
	if !ms.joined {
		ms.mu.Unlock()
		return
	}
	ms.seq++
	hb := wire.Heartbeat{
		Label:    ms.label,
		Seq:      ms.seq,
		Capacity: ms.capacity,
		Used:     ms.store.UsedBytes(),
	}
	self := ms.label
	ms.mu.Unlock()

	for _, n := range ms.reg.Nodes() {
		if n.Label == self || n.UDPAddress == "" {
			continue
		}
		if err := ms.tr.SendHeartbeat(n.UDPAddress, hb); err != nil {
			ms.ls.Debug(log_service.LogEvent{
				Message:  "Heartbeat send failed",
				Metadata: map[string]any{"label": n.Label, "error": err.Error()},
			})
		}
	}
}

func (ms *DefaultMembershipService) sweepLoop() {
	defer ms.wg.Done()
	ticker := time.NewTicker(SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ms.stop:
			return
		case <-ticker.C:
			ms.sweepExpired()
		}
	}
}

func (ms *DefaultMembershipService) sweepExpired() {
	if !ms.InGroup() {
		return
	}
	self := ms.SelfLabel()
	now := time.Now().UTC()
	for _, n := range ms.reg.Nodes() {
		if n.Label == self || !n.Online {
			continue
		}
		if now.Sub(n.LastSeen) > HeartbeatTimeout {
			ms.ls.Warn(log_service.LogEvent{
				Message:  "Peer heartbeat expired",
				Metadata: map[string]any{"label": n.Label, "lastSeen": n.LastSeen},
			})
			ms.reg.MarkNode(n.Label, false, time.Time{})
		}
	}
}

var _ MembershipService = (*DefaultMembershipService)(nil)
