package transport

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/blockmesh/blockmesh/internal/wire"
)

const (
	// RequestTimeout bounds one reliable request/response exchange.
	RequestTimeout = 10 * time.Second
	// BlockTransferTimeout bounds one block transfer.
	BlockTransferTimeout = 60 * time.Second
)

var (
	ErrTransportClosed  = errors.New("transport is closed")
	ErrPeerUnreachable  = errors.New("peer unreachable")
	ErrRequestTimeout   = errors.New("request timed out")
	ErrListenFailed     = errors.New("failed to start transport listener")
	ErrUnexpectedOpcode = errors.New("unexpected response opcode")
)

// HandlerFunc serves one inbound request. Returning a zero Op suppresses
// the response frame.
type HandlerFunc func(ctx context.Context, from string, payload []byte) (wire.Op, []byte, error)

// HeartbeatFunc consumes one heartbeat datagram.
type HeartbeatFunc func(from *net.UDPAddr, hb wire.Heartbeat)

// Transport is the two-channel peer link: framed TCP request/response and
// UDP heartbeat datagrams. Pooled connections are never shared between
// concurrent senders.
type Transport interface {
	Start() error
	Stop() error
	Address() string
	UDPAddress() string

	Request(ctx context.Context, addr string, op wire.Op, payload []byte) (wire.Op, []byte, error)
	Notify(ctx context.Context, addr string, op wire.Op, payload []byte) error
	SendHeartbeat(udpAddr string, hb wire.Heartbeat) error

	RegisterHandler(op wire.Op, h HandlerFunc)
	SetHeartbeatHandler(h HeartbeatFunc)
	ClosePeer(addr string)
}
