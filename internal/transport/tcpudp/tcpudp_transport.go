package tcpudp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/blockmesh/blockmesh/internal/log_service"
	"github.com/blockmesh/blockmesh/internal/transport"
	"github.com/blockmesh/blockmesh/internal/wire"
)

// maxIdlePerPeer bounds the connection pool kept per peer address.
const maxIdlePerPeer = 4

type pooledConn struct {
	conn net.Conn
	corr uint32
}

// TCPUDPTransport implements the reliable framed TCP channel and the
// unreliable UDP heartbeat channel. Inbound connections are served one
// frame at a time, which preserves the sender's issue order; outbound
// requests each hold a pooled connection exclusively for the exchange.
type TCPUDPTransport struct {
	tcpAddr string
	udpAddr string
	ls      log_service.LogService

	listener net.Listener
	udpConn  *net.UDPConn

	handlerMu sync.RWMutex
	handlers  map[wire.Op]transport.HandlerFunc
	hbHandler transport.HeartbeatFunc

	poolMu sync.Mutex
	pool   map[string][]*pooledConn

	connsMu sync.Mutex
	conns   map[net.Conn]struct{}

	stopMu  sync.Mutex
	stopped bool
	wg      sync.WaitGroup
}

func NewTCPUDPTransport(tcpAddr, udpAddr string, ls log_service.LogService) *TCPUDPTransport {
	return &TCPUDPTransport{
		tcpAddr:  tcpAddr,
		udpAddr:  udpAddr,
		ls:       ls,
		handlers: make(map[wire.Op]transport.HandlerFunc),
		pool:     make(map[string][]*pooledConn),
		conns:    make(map[net.Conn]struct{}),
	}
}

func (t *TCPUDPTransport) RegisterHandler(op wire.Op, h transport.HandlerFunc) {
	t.handlerMu.Lock()
	defer t.handlerMu.Unlock()
	t.handlers[op] = h
}

func (t *TCPUDPTransport) SetHeartbeatHandler(h transport.HeartbeatFunc) {
	t.handlerMu.Lock()
	defer t.handlerMu.Unlock()
	t.hbHandler = h
}

func (t *TCPUDPTransport) Start() error {
	listener, err := net.Listen("tcp", t.tcpAddr)
	if err != nil {
		t.ls.Error(log_service.LogEvent{
			Message:  "Failed to listen on TCP address",
			Metadata: map[string]any{"address": t.tcpAddr, "error": err.Error()},
		})
		return transport.ErrListenFailed
	}
	t.listener = listener

	udpLaddr, err := net.ResolveUDPAddr("udp", t.udpAddr)
	if err != nil {
		_ = listener.Close()
		return transport.ErrListenFailed
	}
	udpConn, err := net.ListenUDP("udp", udpLaddr)
	if err != nil {
		_ = listener.Close()
		t.ls.Error(log_service.LogEvent{
			Message:  "Failed to listen on UDP address",
			Metadata: map[string]any{"address": t.udpAddr, "error": err.Error()},
		})
		return transport.ErrListenFailed
	}
	t.udpConn = udpConn

	t.ls.Info(log_service.LogEvent{
		Message:  "Transport started",
		Metadata: map[string]any{"tcp": t.Address(), "udp": t.UDPAddress()},
	})

	t.wg.Add(2)
	go t.acceptLoop()
	go t.heartbeatLoop()
	return nil
}

func (t *TCPUDPTransport) Stop() error {
	t.stopMu.Lock()
	if t.stopped {
		t.stopMu.Unlock()
		return nil
	}
	t.stopped = true
	t.stopMu.Unlock()

	if t.listener != nil {
		_ = t.listener.Close()
	}
	if t.udpConn != nil {
		_ = t.udpConn.Close()
	}

	t.poolMu.Lock()
	for addr, conns := range t.pool {
		for _, pc := range conns {
			_ = pc.conn.Close()
		}
		delete(t.pool, addr)
	}
	t.poolMu.Unlock()

	// Inbound connections block their serve loops on reads; close them so
	// the loops can drain.
	t.connsMu.Lock()
	for conn := range t.conns {
		_ = conn.Close()
	}
	t.connsMu.Unlock()

	t.wg.Wait()
	t.ls.Info(log_service.LogEvent{Message: "Transport stopped"})
	return nil
}

func (t *TCPUDPTransport) isStopped() bool {
	t.stopMu.Lock()
	defer t.stopMu.Unlock()
	return t.stopped
}

// Address returns the reliable-channel address, with a loopback host
// substituted when listening on an unspecified one.
func (t *TCPUDPTransport) Address() string {
	if t.listener == nil {
		return t.tcpAddr
	}
	return concreteAddr(t.listener.Addr().String())
}

func (t *TCPUDPTransport) UDPAddress() string {
	if t.udpConn == nil {
		return t.udpAddr
	}
	return concreteAddr(t.udpConn.LocalAddr().String())
}

func concreteAddr(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	if host == "" || host == "::" || host == "0.0.0.0" {
		return net.JoinHostPort("127.0.0.1", port)
	}
	return addr
}

func (t *TCPUDPTransport) acceptLoop() {
	defer t.wg.Done()
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			if t.isStopped() {
				return
			}
			t.ls.Warn(log_service.LogEvent{
				Message:  "Accept failed",
				Metadata: map[string]any{"error": err.Error()},
			})
			continue
		}
		t.wg.Add(1)
		go t.serveConn(conn)
	}
}

// serveConn handles one inbound connection, one frame at a time. A
// malformed frame or an unregistered opcode is a protocol error and
// closes the connection.
func (t *TCPUDPTransport) serveConn(conn net.Conn) {
	defer t.wg.Done()
	defer conn.Close()

	t.connsMu.Lock()
	t.conns[conn] = struct{}{}
	t.connsMu.Unlock()
	defer func() {
		t.connsMu.Lock()
		delete(t.conns, conn)
		t.connsMu.Unlock()
	}()

	remote := conn.RemoteAddr().String()
	for {
		frame, err := wire.ReadFrame(conn)
		if err != nil {
			if err != io.EOF && !t.isStopped() && !errors.Is(err, net.ErrClosed) {
				t.ls.Debug(log_service.LogEvent{
					Message:  "Inbound connection closed",
					Metadata: map[string]any{"remote": remote, "error": err.Error()},
				})
			}
			return
		}

		t.handlerMu.RLock()
		handler, ok := t.handlers[frame.Op]
		t.handlerMu.RUnlock()
		if !ok {
			t.ls.Warn(log_service.LogEvent{
				Message:  "No handler for opcode, closing connection",
				Metadata: map[string]any{"remote": remote, "op": frame.Op.String()},
			})
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), transport.BlockTransferTimeout)
		respOp, respPayload, err := handler(ctx, remote, frame.Payload)
		cancel()
		if err != nil {
			t.ls.Warn(log_service.LogEvent{
				Message:  "Handler failed, closing connection",
				Metadata: map[string]any{"remote": remote, "op": frame.Op.String(), "error": err.Error()},
			})
			return
		}
		if respOp == 0 {
			continue
		}

		resp := wire.Frame{Op: respOp, Corr: frame.Corr, Payload: respPayload}
		if err := wire.WriteFrame(conn, resp); err != nil {
			t.ls.Warn(log_service.LogEvent{
				Message:  "Failed to write response frame",
				Metadata: map[string]any{"remote": remote, "op": respOp.String(), "error": err.Error()},
			})
			return
		}
	}
}

func (t *TCPUDPTransport) acquire(addr string) (*pooledConn, error) {
	t.poolMu.Lock()
	conns := t.pool[addr]
	if len(conns) > 0 {
		pc := conns[len(conns)-1]
		t.pool[addr] = conns[:len(conns)-1]
		t.poolMu.Unlock()
		return pc, nil
	}
	t.poolMu.Unlock()

	conn, err := net.DialTimeout("tcp", addr, transport.RequestTimeout)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", transport.ErrPeerUnreachable, addr, err)
	}
	return &pooledConn{conn: conn}, nil
}

func (t *TCPUDPTransport) release(addr string, pc *pooledConn, healthy bool) {
	if !healthy || t.isStopped() {
		_ = pc.conn.Close()
		return
	}
	t.poolMu.Lock()
	defer t.poolMu.Unlock()
	if len(t.pool[addr]) >= maxIdlePerPeer {
		_ = pc.conn.Close()
		return
	}
	t.pool[addr] = append(t.pool[addr], pc)
}

// Request performs one exchange on an exclusively held connection. The
// next frame on the connection must echo the correlation id.
func (t *TCPUDPTransport) Request(ctx context.Context, addr string, op wire.Op, payload []byte) (wire.Op, []byte, error) {
	if t.isStopped() {
		return 0, nil, transport.ErrTransportClosed
	}

	pc, err := t.acquire(addr)
	if err != nil {
		return 0, nil, err
	}

	deadline := time.Now().Add(transport.RequestTimeout)
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	_ = pc.conn.SetDeadline(deadline)

	pc.corr++
	corr := pc.corr
	if err := wire.WriteFrame(pc.conn, wire.Frame{Op: op, Corr: corr, Payload: payload}); err != nil {
		t.release(addr, pc, false)
		return 0, nil, fmt.Errorf("%w: %s: %v", transport.ErrPeerUnreachable, addr, err)
	}

	resp, err := wire.ReadFrame(pc.conn)
	if err != nil {
		t.release(addr, pc, false)
		if errors.Is(err, wire.ErrProtocol) {
			return 0, nil, err
		}
		if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
			return 0, nil, fmt.Errorf("%w: %s", transport.ErrRequestTimeout, addr)
		}
		return 0, nil, fmt.Errorf("%w: %s: %v", transport.ErrPeerUnreachable, addr, err)
	}
	if resp.Corr != corr {
		t.release(addr, pc, false)
		return 0, nil, fmt.Errorf("%w: correlation id mismatch", wire.ErrProtocol)
	}

	_ = pc.conn.SetDeadline(time.Time{})
	t.release(addr, pc, true)
	return resp.Op, resp.Payload, nil
}

// Notify sends a frame without waiting for a response.
func (t *TCPUDPTransport) Notify(ctx context.Context, addr string, op wire.Op, payload []byte) error {
	if t.isStopped() {
		return transport.ErrTransportClosed
	}

	pc, err := t.acquire(addr)
	if err != nil {
		return err
	}

	deadline := time.Now().Add(transport.RequestTimeout)
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	_ = pc.conn.SetWriteDeadline(deadline)

	pc.corr++
	if err := wire.WriteFrame(pc.conn, wire.Frame{Op: op, Corr: pc.corr, Payload: payload}); err != nil {
		t.release(addr, pc, false)
		return fmt.Errorf("%w: %s: %v", transport.ErrPeerUnreachable, addr, err)
	}

	_ = pc.conn.SetWriteDeadline(time.Time{})
	t.release(addr, pc, true)
	return nil
}

func (t *TCPUDPTransport) SendHeartbeat(udpAddr string, hb wire.Heartbeat) error {
	raddr, err := net.ResolveUDPAddr("udp", udpAddr)
	if err != nil {
		return err
	}
	_, err = t.udpConn.WriteToUDP(wire.EncodeHeartbeat(hb), raddr)
	return err
}

func (t *TCPUDPTransport) heartbeatLoop() {
	defer t.wg.Done()
	buf := make([]byte, 512)
	for {
		n, raddr, err := t.udpConn.ReadFromUDP(buf)
		if err != nil {
			if t.isStopped() || errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}

		hb, err := wire.DecodeHeartbeat(buf[:n])
		if err != nil {
			t.ls.Debug(log_service.LogEvent{
				Message:  "Dropping malformed heartbeat",
				Metadata: map[string]any{"from": raddr.String()},
			})
			continue
		}

		t.handlerMu.RLock()
		handler := t.hbHandler
		t.handlerMu.RUnlock()
		if handler != nil {
			handler(raddr, hb)
		}
	}
}

// ClosePeer drops all pooled connections to a peer, forcing fresh dials.
func (t *TCPUDPTransport) ClosePeer(addr string) {
	t.poolMu.Lock()
	defer t.poolMu.Unlock()
	for _, pc := range t.pool[addr] {
		_ = pc.conn.Close()
	}
	delete(t.pool, addr)
}

var _ transport.Transport = (*TCPUDPTransport)(nil)
