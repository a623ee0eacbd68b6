package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Op is a reliable-channel opcode.
type Op uint32

const (
	OpHello Op = iota + 1
	OpWelcome
	OpPeerList
	OpMetaSync
	OpBlockPut
	OpBlockGet
	OpBlockGetReply
	OpBlockDelete
	OpFileAnnounce
	OpFileDelete
	OpCapacityUpdate
)

func (o Op) String() string {
	switch o {
	case OpHello:
		return "HELLO"
	case OpWelcome:
		return "WELCOME"
	case OpPeerList:
		return "PEER_LIST"
	case OpMetaSync:
		return "META_SYNC"
	case OpBlockPut:
		return "BLOCK_PUT"
	case OpBlockGet:
		return "BLOCK_GET"
	case OpBlockGetReply:
		return "BLOCK_GET_REPLY"
	case OpBlockDelete:
		return "BLOCK_DELETE"
	case OpFileAnnounce:
		return "FILE_ANNOUNCE"
	case OpFileDelete:
		return "FILE_DELETE"
	case OpCapacityUpdate:
		return "CAPACITY_UPDATE"
	default:
		return fmt.Sprintf("OP(%d)", uint32(o))
	}
}

// BlockSize is the fixed block size. Configurable in principle, but every
// node in a group must agree on it, so it is a compile-time constant here.
const BlockSize = 1 << 20

// HeaderSize is the fixed frame header: opcode, correlation id, payload
// length.
const HeaderSize = 16

// MaxPayloadSize bounds a frame to one block plus framing overhead, so a
// reader never buffers more than one block.
const MaxPayloadSize = BlockSize + 16*1024

var (
	ErrProtocol        = errors.New("protocol error")
	ErrPayloadTooLarge = errors.New("payload exceeds frame limit")
)

// Frame is one reliable-channel message. Responses echo the correlation
// id of the request they answer.
type Frame struct {
	Op      Op
	Corr    uint32
	Payload []byte
}

// WriteFrame writes the 16-byte header followed by the payload.
func WriteFrame(w io.Writer, f Frame) error {
	if len(f.Payload) > MaxPayloadSize {
		return ErrPayloadTooLarge
	}

	var header [HeaderSize]byte
	binary.BigEndian.PutUint32(header[0:4], uint32(f.Op))
	binary.BigEndian.PutUint32(header[4:8], f.Corr)
	binary.BigEndian.PutUint64(header[8:16], uint64(len(f.Payload)))

	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	if len(f.Payload) > 0 {
		if _, err := w.Write(f.Payload); err != nil {
			return err
		}
	}
	return nil
}

// ReadFrame reads one frame, tolerating partial reads on the underlying
// stream. The payload buffer is allocated per frame and never exceeds
// MaxPayloadSize.
func ReadFrame(r io.Reader) (Frame, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Frame{}, err
	}

	f := Frame{
		Op:   Op(binary.BigEndian.Uint32(header[0:4])),
		Corr: binary.BigEndian.Uint32(header[4:8]),
	}
	length := binary.BigEndian.Uint64(header[8:16])
	if length > MaxPayloadSize {
		return Frame{}, fmt.Errorf("%w: payload length %d", ErrProtocol, length)
	}
	if f.Op < OpHello || f.Op > OpCapacityUpdate {
		return Frame{}, fmt.Errorf("%w: unknown opcode %d", ErrProtocol, uint32(f.Op))
	}

	if length > 0 {
		f.Payload = make([]byte, length)
		if _, err := io.ReadFull(r, f.Payload); err != nil {
			return Frame{}, err
		}
	}
	return f, nil
}
