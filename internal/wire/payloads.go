package wire

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/blockmesh/blockmesh/internal/metadata_registry"
)

// Status bytes carried in block operation replies.
const (
	StatusOK byte = iota
	StatusNoSpace
	StatusMissing
	StatusStorageError
)

// HelloPayload opens the handshake. ClaimedLabel and Fingerprint are set
// when a restarted node tries to reclaim its slot.
type HelloPayload struct {
	ClaimedLabel string `json:"claimed_label,omitempty"`
	Fingerprint  string `json:"fingerprint,omitempty"`
	Address      string `json:"address"`
	UDPAddress   string `json:"udp_address"`
	Capacity     int64  `json:"capacity"`
	Used         int64  `json:"used"`
}

type WelcomePayload struct {
	AssignedLabel string                     `json:"assigned_label"`
	Fingerprint   string                     `json:"fingerprint"`
	Snapshot      metadata_registry.Snapshot `json:"snapshot"`
}

type PeerListPayload struct {
	Peers []metadata_registry.NodeInfo `json:"peers"`
}

type MetaSyncPayload struct {
	Snapshot metadata_registry.Snapshot `json:"snapshot"`
}

type FileAnnouncePayload struct {
	File   metadata_registry.FileInfo    `json:"file"`
	Blocks []metadata_registry.BlockInfo `json:"blocks"`
}

type FileDeletePayload struct {
	Name string `json:"name"`
}

type CapacityUpdatePayload struct {
	Label    string `json:"label"`
	Capacity int64  `json:"capacity"`
	Used     int64  `json:"used"`
}

func MarshalJSON(v any) ([]byte, error) {
	return json.Marshal(v)
}

func UnmarshalJSON(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	return nil
}

// BlockRef names a block on the wire: file_name_len (2 B), file_name,
// index (4 B).
type BlockRef struct {
	FileName string
	Index    uint32
}

func (r BlockRef) encodedLen() int {
	return 2 + len(r.FileName) + 4
}

func (r BlockRef) encode(buf []byte) int {
	binary.BigEndian.PutUint16(buf[0:2], uint16(len(r.FileName)))
	n := 2 + copy(buf[2:], r.FileName)
	binary.BigEndian.PutUint32(buf[n:n+4], r.Index)
	return n + 4
}

func decodeBlockRef(buf []byte) (BlockRef, int, error) {
	if len(buf) < 2 {
		return BlockRef{}, 0, fmt.Errorf("%w: short block ref", ErrProtocol)
	}
	nameLen := int(binary.BigEndian.Uint16(buf[0:2]))
	if len(buf) < 2+nameLen+4 {
		return BlockRef{}, 0, fmt.Errorf("%w: short block ref", ErrProtocol)
	}
	ref := BlockRef{
		FileName: string(buf[2 : 2+nameLen]),
		Index:    binary.BigEndian.Uint32(buf[2+nameLen : 2+nameLen+4]),
	}
	return ref, 2 + nameLen + 4, nil
}

func EncodeBlockRef(r BlockRef) []byte {
	buf := make([]byte, r.encodedLen())
	r.encode(buf)
	return buf
}

func DecodeBlockRef(buf []byte) (BlockRef, error) {
	ref, n, err := decodeBlockRef(buf)
	if err != nil {
		return BlockRef{}, err
	}
	if n != len(buf) {
		return BlockRef{}, fmt.Errorf("%w: trailing bytes in block ref", ErrProtocol)
	}
	return ref, nil
}

// BlockPutPayload is the binary BLOCK_PUT body: block ref, is_replica
// (1 B), block bytes.
type BlockPutPayload struct {
	Ref       BlockRef
	IsReplica bool
	Data      []byte
}

func EncodeBlockPut(p BlockPutPayload) []byte {
	buf := make([]byte, p.Ref.encodedLen()+1+len(p.Data))
	n := p.Ref.encode(buf)
	if p.IsReplica {
		buf[n] = 1
	}
	copy(buf[n+1:], p.Data)
	return buf
}

func DecodeBlockPut(buf []byte) (BlockPutPayload, error) {
	ref, n, err := decodeBlockRef(buf)
	if err != nil {
		return BlockPutPayload{}, err
	}
	if len(buf) < n+1 {
		return BlockPutPayload{}, fmt.Errorf("%w: short BLOCK_PUT payload", ErrProtocol)
	}
	return BlockPutPayload{
		Ref:       ref,
		IsReplica: buf[n] == 1,
		Data:      buf[n+1:],
	}, nil
}

// BlockGetReplyPayload is the binary BLOCK_GET_REPLY body: status (1 B),
// then block bytes when the status is OK.
type BlockGetReplyPayload struct {
	Status byte
	Data   []byte
}

func EncodeBlockGetReply(p BlockGetReplyPayload) []byte {
	buf := make([]byte, 1+len(p.Data))
	buf[0] = p.Status
	copy(buf[1:], p.Data)
	return buf
}

func DecodeBlockGetReply(buf []byte) (BlockGetReplyPayload, error) {
	if len(buf) < 1 {
		return BlockGetReplyPayload{}, fmt.Errorf("%w: empty BLOCK_GET_REPLY payload", ErrProtocol)
	}
	return BlockGetReplyPayload{Status: buf[0], Data: buf[1:]}, nil
}

// EncodeStatus is the one-byte body used to acknowledge BLOCK_PUT and
// BLOCK_DELETE.
func EncodeStatus(status byte) []byte {
	return []byte{status}
}

func DecodeStatus(buf []byte) (byte, error) {
	if len(buf) != 1 {
		return 0, fmt.Errorf("%w: bad status payload length %d", ErrProtocol, len(buf))
	}
	return buf[0], nil
}

// Heartbeat is the UDP datagram body: label_len (1 B), label, sequence
// (8 B), capacity (8 B), used (8 B).
type Heartbeat struct {
	Label    string
	Seq      uint64
	Capacity int64
	Used     int64
}

func EncodeHeartbeat(hb Heartbeat) []byte {
	buf := make([]byte, 1+len(hb.Label)+24)
	buf[0] = byte(len(hb.Label))
	n := 1 + copy(buf[1:], hb.Label)
	binary.BigEndian.PutUint64(buf[n:n+8], hb.Seq)
	binary.BigEndian.PutUint64(buf[n+8:n+16], uint64(hb.Capacity))
	binary.BigEndian.PutUint64(buf[n+16:n+24], uint64(hb.Used))
	return buf
}

func DecodeHeartbeat(buf []byte) (Heartbeat, error) {
	if len(buf) < 1 {
		return Heartbeat{}, fmt.Errorf("%w: empty heartbeat", ErrProtocol)
	}
	labelLen := int(buf[0])
	if len(buf) != 1+labelLen+24 {
		return Heartbeat{}, fmt.Errorf("%w: bad heartbeat length %d", ErrProtocol, len(buf))
	}
	n := 1 + labelLen
	return Heartbeat{
		Label:    string(buf[1:n]),
		Seq:      binary.BigEndian.Uint64(buf[n : n+8]),
		Capacity: int64(binary.BigEndian.Uint64(buf[n+8 : n+16])),
		Used:     int64(binary.BigEndian.Uint64(buf[n+16 : n+24])),
	}, nil
}
