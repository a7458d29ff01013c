// Package transport implements the non-blocking connection layer between the
// packet format and the job sessions built on top of it.
//
// A Conn wraps one endpoint and owns its read/write buffers plus the partial
// frame parse state; a Universal owns a set of Conns and drives them all
// toward readiness through a single Wait loop. Nothing in this package ever
// blocks except Universal.Wait — every send and receive is an attempt that
// either completes, reports ErrWouldBlock for a later retry, or fails hard.
//
//	session ──Send/Receive──► Conn ──pack/unpack──► protocol
//	   │                        ▲
//	   └──────Wait──► Universal ┘  (the single suspension point)
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"jobwire/protocol"
)

// ConnState tracks a connection through its lifecycle.
type ConnState int

const (
	StateUnconnected ConnState = iota // created, no endpoint yet
	StateConnecting                   // dial in progress
	StateReady                        // connected and usable
	StateClosed                       // descriptor released or lost
)

// Read buffer growth bound: once the unparsed backlog clears this mark and
// no received packet still borrows the buffer, the backlog is copied into a
// right-sized allocation.
const readBufHighWater = 8192

// immediateWindow is how long a "non-blocking" attempt may touch the socket.
// Go's netpoller has no zero-length read, so an attempt is a read or write
// bounded by a deadline short enough to be indistinguishable from one.
const immediateWindow = time.Millisecond

// Conn is one buffered, non-blocking network endpoint.
//
// A Conn is owned by exactly one Universal and must only be used from the
// goroutine driving that Universal. It is reused across many packets
// sequentially but never has two inbound packets mid-assembly at once.
type Conn struct {
	u *Universal

	host string
	port int

	nc       net.Conn
	external bool // adopted endpoint: never closed by this layer
	state    ConnState

	// Inbound: bytes received but not yet parsed into a packet. While
	// packetInUse is set, the most recently returned packet still borrows
	// sub-slices of this buffer's array, so the buffer may grow by append
	// but must never be compacted in place.
	readBuf     []byte
	packetInUse bool

	// Outbound: serialized bytes not yet flushed. One in-flight outbound
	// packet at a time; inflight remembers it so a retry of the same Send
	// is distinguishable from an illegal second one.
	writeBuf []byte
	inflight *protocol.Packet

	readable        bool // marked by Universal.Wait, cleared by Receive
	closeAfterFlush bool
	ignoreLost      bool
	waitErr         error // connection-level error observed during Wait
}

// NewConn creates an unconnected Conn owned by u. The endpoint is
// established later by Connect.
func (u *Universal) NewConn() *Conn {
	c := &Conn{u: u, state: StateUnconnected}
	u.conns = append(u.conns, c)
	return c
}

// AdoptConn wraps an externally owned endpoint. The Conn is immediately
// ready, and Close will detach from the endpoint without closing it.
func (u *Universal) AdoptConn(nc net.Conn) *Conn {
	c := &Conn{u: u, nc: nc, external: true, state: StateReady}
	u.conns = append(u.conns, c)
	return c
}

// State returns the connection's lifecycle state.
func (c *Conn) State() ConnState { return c.state }

// Addr returns the configured host:port.
func (c *Conn) Addr() string { return fmt.Sprintf("%s:%d", c.host, c.port) }

// Readable reports whether the last Wait saw inbound readiness here.
func (c *Conn) Readable() bool { return c.readable }

// SetIgnoreLostConnection suppresses last-error recording for peer closes
// on this connection. Sessions that treat a close as normal end-of-stream
// (a worker told to shut down, say) set this.
func (c *Conn) SetIgnoreLostConnection(v bool) { c.ignoreLost = v }

// CloseAfterFlush arranges a graceful shutdown: pending writes are drained
// by Flush and the descriptor is released once the write buffer empties.
func (c *Conn) CloseAfterFlush() { c.closeAfterFlush = true }

// Connect resolves and opens the endpoint. It is an idempotent no-op when
// the connection is already ready, and fails with ErrCouldNotConnect —
// wrapping the dial reason — otherwise.
func (c *Conn) Connect(host string, port int) error {
	if c.state == StateReady {
		return nil
	}
	c.host, c.port = host, port
	c.state = StateConnecting

	d := net.Dialer{}
	if ms := c.u.Timeout(); ms >= 0 {
		d.Timeout = time.Duration(ms) * time.Millisecond
	}
	nc, err := d.Dial("tcp", c.Addr())
	if err != nil {
		c.state = StateUnconnected
		return c.u.setError(fmt.Errorf("%w to %s: %v", protocol.ErrCouldNotConnect, c.Addr(), err), err)
	}
	c.nc = nc
	c.state = StateReady
	c.u.logf(VerboseInfo, "connected to %s", c.Addr())
	return nil
}

// Send serializes the packet into the write buffer if it is not already
// buffered, then attempts a non-blocking flush. A partial write leaves the
// remainder buffered and returns ErrWouldBlock; the caller retries the same
// Send after the next Wait. A second, different packet while one is still
// in flight is a caller bug and fails with ErrInvalidPacket.
//
// In blocking mode (the Universal's NonBlocking option unset) Send drives
// Wait itself until the flush completes or hard-fails.
func (c *Conn) Send(ctx context.Context, p *protocol.Packet) error {
	if c.state != StateReady {
		return c.u.setError(fmt.Errorf("%w: send on %s connection", protocol.ErrLostConnection, c.stateName()), nil)
	}
	if c.inflight != nil && c.inflight != p {
		return c.u.setError(fmt.Errorf("%w: send while another packet is in flight", protocol.ErrInvalidPacket), nil)
	}
	if c.inflight == nil {
		wire, err := p.Pack()
		if err != nil {
			return c.u.setError(err, nil)
		}
		c.writeBuf = append(c.writeBuf, wire...)
		c.inflight = p
		c.u.metricsPacketSent(p, len(wire))
	}
	return c.Flush(ctx)
}

// Flush drains the write buffer. It returns nil once the buffer is empty,
// ErrWouldBlock when the socket stopped accepting bytes in non-blocking
// mode, or a connection error. When CloseAfterFlush was requested and the
// buffer empties, the descriptor is released.
func (c *Conn) Flush(ctx context.Context) error {
	if c.state != StateReady {
		if len(c.writeBuf) == 0 {
			return nil
		}
		return c.u.setError(fmt.Errorf("%w: flush on %s connection", protocol.ErrLostConnection, c.stateName()), nil)
	}
	for len(c.writeBuf) > 0 {
		c.nc.SetWriteDeadline(time.Now().Add(immediateWindow))
		n, err := c.nc.Write(c.writeBuf)
		c.writeBuf = c.writeBuf[n:]
		if err != nil {
			if isWouldBlock(err) {
				if c.u.Blocking() {
					if werr := c.u.Wait(ctx); werr != nil {
						return werr
					}
					continue
				}
				return protocol.ErrWouldBlock
			}
			return c.fail(err)
		}
	}
	c.nc.SetWriteDeadline(time.Time{})
	c.inflight = nil
	c.writeBuf = nil
	if c.closeAfterFlush {
		c.Close()
	}
	return nil
}

// Receive attempts to read and parse one complete packet.
//
// It first tries to parse the bytes already buffered, then performs a
// non-blocking read and tries again. The returned packet's arguments and
// data borrow the read buffer; they stay valid until the next Receive on
// this connection (or until the caller moves the payload out with
// TakeData). Outcomes:
//
//   - a complete packet and nil error;
//   - ErrWouldBlock: nothing complete yet, retry after the next Wait
//     (non-blocking mode only — blocking mode waits internally);
//   - ErrLostConnection: peer closed or reset, the Conn leaves ready;
//   - ErrProtocol: the inbound stream is malformed beyond recovery.
func (c *Conn) Receive(ctx context.Context) (*protocol.Packet, error) {
	if c.state != StateReady {
		return nil, c.u.setError(fmt.Errorf("%w: receive on %s connection", protocol.ErrLostConnection, c.stateName()), nil)
	}
	c.readable = false
	c.releasePacket()

	for {
		pkt, n, err := protocol.Unpack(c.readBuf)
		if err != nil {
			return nil, c.fail(err)
		}
		if pkt != nil {
			c.readBuf = c.readBuf[n:]
			c.packetInUse = true
			c.u.trackPacket(pkt)
			c.u.metricsPacketReceived(pkt, n)
			c.u.logf(VerboseDebug, "recv %s %s from %s", pkt.Magic, pkt.Command, c.Addr())
			return pkt, nil
		}

		// A connection error observed during Wait surfaces once the
		// buffered bytes ahead of it are exhausted.
		if c.waitErr != nil {
			err := c.waitErr
			c.waitErr = nil
			return nil, c.fail(err)
		}

		if err := c.fill(ctx); err != nil {
			return nil, err
		}
	}
}

// ReleasePacket declares the most recently received packet dead, allowing
// the read buffer to be compacted again. Receive calls this implicitly.
func (c *Conn) ReleasePacket() { c.releasePacket() }

func (c *Conn) releasePacket() {
	if !c.packetInUse {
		return
	}
	c.packetInUse = false
	// The old array may still be aliased by the released packet's slices if
	// the caller kept them; move the backlog to a fresh allocation instead
	// of compacting in place.
	if len(c.readBuf) > 0 || cap(c.readBuf) > readBufHighWater {
		fresh := make([]byte, len(c.readBuf), max(len(c.readBuf), readBufHighWater))
		copy(fresh, c.readBuf)
		c.readBuf = fresh
	}
}

// fill performs one read attempt, appending whatever arrived to the read
// buffer. In blocking mode a would-block attempt funnels through Wait.
func (c *Conn) fill(ctx context.Context) error {
	c.nc.SetReadDeadline(time.Now().Add(immediateWindow))
	var scratch [readBufHighWater]byte
	n, err := c.nc.Read(scratch[:])
	if n > 0 {
		c.readBuf = append(c.readBuf, scratch[:n]...)
	}
	if err == nil {
		return nil
	}
	if isWouldBlock(err) {
		if n > 0 {
			return nil
		}
		if c.u.Blocking() {
			return c.u.Wait(ctx)
		}
		return protocol.ErrWouldBlock
	}
	return c.fail(err)
}

// fail records a connection-level failure, downgrades the connection, and
// returns the error the caller should propagate.
func (c *Conn) fail(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || isReset(err) {
		err = fmt.Errorf("%w: %s", protocol.ErrLostConnection, c.Addr())
	}
	c.Close()
	if errors.Is(err, protocol.ErrLostConnection) && c.ignoreLost {
		return err
	}
	return c.u.setError(err, err)
}

// Close releases the descriptor unless it was adopted, and leaves the
// connection unusable. Buffered state is dropped.
func (c *Conn) Close() {
	if c.nc != nil && !c.external {
		c.nc.Close()
	}
	c.nc = nil
	c.state = StateClosed
	c.readBuf = nil
	c.writeBuf = nil
	c.inflight = nil
	c.packetInUse = false
	c.readable = false
}

func (c *Conn) stateName() string {
	switch c.state {
	case StateUnconnected:
		return "unconnected"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	default:
		return "closed"
	}
}

// isWouldBlock reports whether err is the deadline expiry that stands in
// for EWOULDBLOCK on a bounded attempt.
func isWouldBlock(err error) bool {
	return errors.Is(err, os.ErrDeadlineExceeded)
}

// isReset reports a peer reset (ECONNRESET/EPIPE class of failures).
func isReset(err error) bool {
	var op *net.OpError
	return errors.As(err, &op)
}
