package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"syscall"
	"time"

	"jobwire/protocol"
)

// Option flags configure a Universal at creation. Unset options are false.
type Option uint8

const (
	// NonBlocking makes Send/Receive return ErrWouldBlock instead of
	// driving Wait internally.
	NonBlocking Option = 1 << iota

	// DontTrackPackets stops the Universal from keeping references to
	// received packets for bulk release at teardown.
	DontTrackPackets

	// StoredNonBlocking holds the caller's NonBlocking choice while an
	// operation temporarily forces blocking mode (see PushBlocking).
	StoredNonBlocking
)

// Verbosity levels for the pluggable log sink.
type Verbosity int

const (
	VerboseNever Verbosity = iota
	VerboseFatal
	VerboseError
	VerboseInfo
	VerboseDebug
)

// LogFn is the pluggable log sink: it receives every engine message at or
// below the configured verbosity.
type LogFn func(level Verbosity, msg string)

// BufferPool is the pluggable allocator pair for workload buffers. The
// default pool is plain make/GC; callers with large recycled workloads can
// plug a sync.Pool-backed implementation.
type BufferPool interface {
	Get(size int) []byte
	Put(buf []byte)
}

type makePool struct{}

func (makePool) Get(size int) []byte { return make([]byte, size) }
func (makePool) Put([]byte)          {}

// Observer receives engine-level events for instrumentation. All methods
// must be cheap; they run on the multiplexing path.
type Observer interface {
	PacketSent(command string, wireBytes int)
	PacketReceived(command string, wireBytes int)
}

// Universal owns the set of live connections and in-flight packets for one
// client or worker instance, along with the shared policy: timeout,
// blocking mode, verbosity, log sink, and buffer pool.
//
// A Universal and everything it owns belong to a single goroutine. Separate
// instances share nothing and may run on separate goroutines freely.
type Universal struct {
	options Option
	timeout int // milliseconds; -1 blocks indefinitely
	verbose Verbosity
	logFn   LogFn
	pool    BufferPool
	obs     Observer

	conns   []*Conn
	packets []*protocol.Packet

	// Sticky diagnostics: the most recent failure, never cleared by a
	// success. Callers check per-call returns; this is for post-mortems.
	lastErr   error
	lastErrno syscall.Errno
}

// New creates a Universal with the given option flags set, an infinite
// timeout, and empty connection and packet lists.
func New(flags ...Option) *Universal {
	u := &Universal{timeout: -1, pool: makePool{}}
	for _, f := range flags {
		u.options |= f
	}
	return u
}

// Clone produces an independent Universal replicating policy — option
// flags, timeout, verbosity, log sink, buffer pool, observer — but not the
// live connection or packet lists, nor the accumulated error state. Use it
// to derive sibling handles that share configuration but not sockets.
func (u *Universal) Clone() *Universal {
	return &Universal{
		options: u.options,
		timeout: u.timeout,
		verbose: u.verbose,
		logFn:   u.logFn,
		pool:    u.pool,
		obs:     u.obs,
	}
}

// AddOptions sets exactly the given flags, leaving others untouched.
func (u *Universal) AddOptions(flags Option) { u.options |= flags }

// RemoveOptions clears exactly the given flags, leaving others untouched.
func (u *Universal) RemoveOptions(flags Option) { u.options &^= flags }

// HasOption reports whether every flag in flags is set.
func (u *Universal) HasOption(flags Option) bool { return u.options&flags == flags }

// Blocking reports whether operations drive Wait internally.
func (u *Universal) Blocking() bool { return !u.HasOption(NonBlocking) }

// PushBlocking temporarily forces blocking mode, remembering the caller's
// NonBlocking choice in StoredNonBlocking. Paired with PopBlocking.
func (u *Universal) PushBlocking() {
	u.options &^= StoredNonBlocking
	if u.HasOption(NonBlocking) {
		u.options |= StoredNonBlocking
	}
	u.options &^= NonBlocking
}

// PopBlocking restores the NonBlocking choice saved by PushBlocking.
func (u *Universal) PopBlocking() {
	if u.HasOption(StoredNonBlocking) {
		u.options |= NonBlocking
	}
	u.options &^= StoredNonBlocking
}

// SetTimeout sets the Wait bound in milliseconds; -1 blocks indefinitely.
func (u *Universal) SetTimeout(ms int) { u.timeout = ms }

// Timeout returns the Wait bound in milliseconds.
func (u *Universal) Timeout() int { return u.timeout }

// SetLog installs the log sink and its verbosity ceiling.
func (u *Universal) SetLog(fn LogFn, level Verbosity) {
	u.logFn = fn
	u.verbose = level
}

// SetBufferPool installs the workload buffer allocator pair.
func (u *Universal) SetBufferPool(p BufferPool) {
	if p == nil {
		p = makePool{}
	}
	u.pool = p
}

// Pool returns the workload buffer pool.
func (u *Universal) Pool() BufferPool { return u.pool }

// SetObserver installs the instrumentation hook.
func (u *Universal) SetObserver(o Observer) { u.obs = o }

// Error returns the most recent failure message, or "" before any failure.
// It is sticky: success does not clear it.
func (u *Universal) Error() string {
	if u.lastErr == nil {
		return ""
	}
	return u.lastErr.Error()
}

// LastError returns the most recent failure, or nil before any failure.
func (u *Universal) LastError() error { return u.lastErr }

// Errno returns the OS error code underlying the most recent failure, or 0.
func (u *Universal) Errno() syscall.Errno { return u.lastErrno }

// ConnCount returns the number of connections this Universal owns.
func (u *Universal) ConnCount() int { return len(u.conns) }

// PacketCount returns the number of tracked in-flight packets.
func (u *Universal) PacketCount() int { return len(u.packets) }

// setError records err as the sticky last error, extracts the OS errno from
// cause when one exists, logs it, and returns err for direct propagation.
func (u *Universal) setError(err error, cause error) error {
	u.lastErr = err
	var errno syscall.Errno
	if errors.As(cause, &errno) {
		u.lastErrno = errno
	} else if cause != nil {
		// net wraps the errno inside an OpError chain.
		var op *net.OpError
		if errors.As(cause, &op) && errors.As(op.Err, &errno) {
			u.lastErrno = errno
		}
	}
	u.logf(VerboseError, "%v", err)
	return err
}

func (u *Universal) logf(level Verbosity, format string, args ...any) {
	if u.logFn == nil || level > u.verbose {
		return
	}
	u.logFn(level, fmt.Sprintf(format, args...))
}

func (u *Universal) trackPacket(p *protocol.Packet) {
	if u.HasOption(DontTrackPackets) {
		return
	}
	u.packets = append(u.packets, p)
}

// FreePacket releases a tracked packet and drops it from the in-flight list.
func (u *Universal) FreePacket(p *protocol.Packet) {
	p.Free()
	for i, q := range u.packets {
		if q == p {
			u.packets = append(u.packets[:i], u.packets[i+1:]...)
			return
		}
	}
}

func (u *Universal) metricsPacketSent(p *protocol.Packet, n int) {
	if u.obs != nil {
		u.obs.PacketSent(p.Command.String(), n)
	}
}

func (u *Universal) metricsPacketReceived(p *protocol.Packet, n int) {
	if u.obs != nil {
		u.obs.PacketReceived(p.Command.String(), n)
	}
}

// Wait is the multiplexing step and the engine's single suspension point.
//
// It drives every ready connection toward readiness: connections holding a
// complete buffered frame or unflushed writes are ready immediately;
// otherwise one bounded reader per connection watches for inbound bytes,
// with the first arrival waking Wait early. Whatever arrives is appended to
// the owning connection's read buffer, so the following Receive parses
// without touching the socket.
//
// Wait fails with ErrTimeout when the configured timeout (>= 0) elapses
// with nothing ready. With timeout -1 it blocks until readiness or ctx
// cancellation — the only way to cancel an infinite wait.
func (u *Universal) Wait(ctx context.Context) error {
	var watch []*Conn
	for _, c := range u.conns {
		if c.state != StateReady {
			continue
		}
		// Already-buffered complete frame: no socket visit needed.
		if n, err := protocol.FrameSize(c.readBuf); err == nil && n > 0 {
			c.readable = true
			return nil
		}
		// Unflushed writes retry immediately; sockets are writable far
		// more often than not, and the flush itself reports otherwise.
		if len(c.writeBuf) > 0 {
			return nil
		}
		watch = append(watch, c)
	}
	if len(watch) == 0 {
		return u.setError(fmt.Errorf("%w: no connections to wait on", protocol.ErrLostConnection), nil)
	}

	var deadline time.Time
	if u.timeout >= 0 {
		deadline = time.Now().Add(time.Duration(u.timeout) * time.Millisecond)
	}

	ready := make(chan *Conn, len(watch))
	done := make(chan struct{})
	var wg sync.WaitGroup
	for _, c := range watch {
		wg.Add(1)
		go func(c *Conn) {
			defer wg.Done()
			c.nc.SetReadDeadline(deadline)
			var scratch [readBufHighWater]byte
			n, err := c.nc.Read(scratch[:])
			if n > 0 {
				c.readBuf = append(c.readBuf, scratch[:n]...)
			}
			switch {
			case n > 0:
				ready <- c
			case err != nil && !isWouldBlock(err):
				c.waitErr = err
				ready <- c
			}
		}(c)
	}
	go func() {
		wg.Wait()
		close(done)
	}()

	// interrupt unblocks every still-parked reader by expiring its
	// deadline, then joins them so no reader outlives this Wait.
	interrupt := func() {
		past := time.Now().Add(-time.Second)
		for _, c := range watch {
			if c.nc != nil {
				c.nc.SetReadDeadline(past)
			}
		}
		wg.Wait()
	}

	select {
	case c := <-ready:
		c.readable = true
		interrupt()
		// Collect any siblings that became ready in the same window.
		for {
			select {
			case c := <-ready:
				c.readable = true
			default:
				return nil
			}
		}
	case <-done:
		// All readers exited; an event may still be queued, so drain
		// before declaring the window empty.
		marked := false
		for {
			select {
			case c := <-ready:
				c.readable = true
				marked = true
				continue
			default:
			}
			break
		}
		if marked {
			return nil
		}
		return u.setError(fmt.Errorf("%w after %dms", protocol.ErrTimeout, u.timeout), nil)
	case <-ctx.Done():
		interrupt()
		return u.setError(fmt.Errorf("wait canceled: %w", ctx.Err()), nil)
	}
}

// Close releases every owned connection and tracked packet. The Universal
// must not be used afterward.
func (u *Universal) Close() {
	for _, c := range u.conns {
		c.Close()
	}
	u.conns = nil
	for _, p := range u.packets {
		p.Free()
	}
	u.packets = nil
}
