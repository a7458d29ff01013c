// Package client implements the client side of the job protocol: submit a
// named job with an opaque workload, then consume the stream of updates —
// partial result chunks, progress, warnings — until a terminal success or
// failure arrives.
//
// Session state machine:
//
//	IDLE ──Submit──► SUBMITTED ──updates──► STREAMING ──┬─► COMPLETE
//	                                                    ├─► FAILED
//	                                                    └─► ERROR (connection-level)
package client

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"strconv"
	"time"

	xrate "golang.org/x/time/rate"

	"jobwire/loadbalance"
	"jobwire/protocol"
	"jobwire/registry"
	"jobwire/transport"
)

// State is the client job session state.
type State int

const (
	StateIdle State = iota
	StateSubmitted
	StateStreaming
	StateComplete
	StateFailed
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateSubmitted:
		return "SUBMITTED"
	case StateStreaming:
		return "STREAMING"
	case StateComplete:
		return "COMPLETE"
	case StateFailed:
		return "FAILED"
	default:
		return "ERROR"
	}
}

// Priority orders a submission relative to other queued jobs.
type Priority int

const (
	PriorityNormal Priority = iota
	PriorityHigh
	PriorityLow
)

// Recorder receives job lifecycle events for instrumentation.
type Recorder interface {
	JobSubmitted(function string)
	JobCompleted(function string, elapsed time.Duration)
	JobFailed(function string)
}

// Status is a background job's state as reported by STATUS_RES.
type Status struct {
	Handle      string
	Known       bool
	Running     bool
	Numerator   uint32
	Denominator uint32
}

// Client is one client handle: a Universal context, a way to choose a job
// server, and the session state of the job currently in flight. A Client
// belongs to a single goroutine; derive siblings with the Universal's Clone.
type Client struct {
	u    *transport.Universal
	conn *transport.Conn

	servers  []registry.ServerInstance
	reg      registry.Registry
	cluster  string
	balancer loadbalance.Balancer

	limiter *xrate.Limiter
	rec     Recorder

	state State
}

// Option configures a Client.
type Option func(*Client)

// WithRegistry resolves job servers from the named cluster in reg instead
// of (or in addition to) statically added servers.
func WithRegistry(reg registry.Registry, cluster string) Option {
	return func(c *Client) {
		c.reg = reg
		c.cluster = cluster
	}
}

// WithBalancer sets the server selection strategy. Defaults to round-robin.
func WithBalancer(b loadbalance.Balancer) Option {
	return func(c *Client) { c.balancer = b }
}

// WithSubmitRate bounds submissions to r per second with the given burst,
// protecting a shared job server from a runaway submit loop.
func WithSubmitRate(r float64, burst int) Option {
	return func(c *Client) { c.limiter = xrate.NewLimiter(xrate.Limit(r), burst) }
}

// WithRecorder installs the job lifecycle instrumentation hook.
func WithRecorder(rec Recorder) Option {
	return func(c *Client) { c.rec = rec }
}

// New creates a Client on the given Universal context.
func New(u *transport.Universal, opts ...Option) *Client {
	c := &Client{u: u, balancer: &loadbalance.RoundRobinBalancer{}}
	for _, o := range opts {
		o(c)
	}
	return c
}

// AddServer adds a statically configured job server.
func (c *Client) AddServer(host string, port int) {
	c.servers = append(c.servers, registry.ServerInstance{
		Addr:   net.JoinHostPort(host, strconv.Itoa(port)),
		Weight: 1,
	})
}

// State returns the current session state.
func (c *Client) State() State { return c.state }

// resolve picks the job server for this session. Statically added servers
// take precedence; otherwise the registry's live view of the cluster is
// consulted. The unique key feeds affinity-aware balancers.
func (c *Client) resolve(unique string) (string, error) {
	instances := c.servers
	if len(instances) == 0 && c.reg != nil {
		discovered, err := c.reg.Discover(c.cluster)
		if err != nil {
			return "", fmt.Errorf("%w: discovery failed: %v", protocol.ErrNoServers, err)
		}
		instances = discovered
	}
	if len(instances) == 0 {
		return "", protocol.ErrNoServers
	}
	inst, err := c.balancer.Pick(instances, unique)
	if err != nil {
		return "", fmt.Errorf("%w: %v", protocol.ErrNoServers, err)
	}
	return inst.Addr, nil
}

// connect ensures a ready connection to a job server.
func (c *Client) connect(ctx context.Context, unique string) error {
	if c.conn != nil && c.conn.State() == transport.StateReady {
		return nil
	}
	addr, err := c.resolve(unique)
	if err != nil {
		return err
	}
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("%w: bad server address %q", protocol.ErrNoServers, addr)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return fmt.Errorf("%w: bad server port %q", protocol.ErrNoServers, portStr)
	}
	c.conn = c.u.NewConn()
	return c.conn.Connect(host, port)
}

// Conn exposes the active connection; sessions layered on top (and tests)
// use it, applications should not.
func (c *Client) Conn() *transport.Conn { return c.conn }

// makeUnique generates a unique key for submissions that did not supply one.
func makeUnique() string {
	var b [16]byte
	rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

// submitCommand maps priority and background-ness to the wire command.
func submitCommand(p Priority, background bool) protocol.Command {
	switch {
	case p == PriorityHigh && background:
		return protocol.SubmitJobHighBG
	case p == PriorityHigh:
		return protocol.SubmitJobHigh
	case p == PriorityLow && background:
		return protocol.SubmitJobLowBG
	case p == PriorityLow:
		return protocol.SubmitJobLow
	case background:
		return protocol.SubmitJobBG
	default:
		return protocol.SubmitJob
	}
}

// submit sends one submission packet and waits for JOB_CREATED, returning
// the server-issued job handle.
func (c *Client) submit(ctx context.Context, cmd protocol.Command, function, unique string, workload []byte) (string, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return "", err
		}
	}
	if err := c.connect(ctx, unique); err != nil {
		return "", err
	}

	p := protocol.NewPacket(protocol.MagicRequest, cmd)
	if err := p.AddStringArg(function); err != nil {
		return "", err
	}
	if err := p.AddStringArg(unique); err != nil {
		return "", err
	}
	p.GiveData(workload)

	if err := c.conn.Send(ctx, p); err != nil {
		c.state = StateErrored
		return "", err
	}
	c.state = StateSubmitted
	if c.rec != nil {
		c.rec.JobSubmitted(function)
	}

	for {
		in, err := c.conn.Receive(ctx)
		if err != nil {
			c.state = StateErrored
			return "", err
		}
		switch in.Command {
		case protocol.JobCreated:
			return in.ArgString(0), nil
		case protocol.Error:
			c.state = StateErrored
			return "", fmt.Errorf("%w: %s: %s", protocol.ErrServer, in.ArgString(0), in.Data())
		default:
			// A stale update from a previous session on a reused
			// connection; drop it.
		}
	}
}

// Submit submits a foreground job and returns its handle without waiting
// for the result. An empty unique key gets a generated one.
func (c *Client) Submit(ctx context.Context, function, unique string, workload []byte) (string, error) {
	if unique == "" {
		unique = makeUnique()
	}
	c.u.PushBlocking()
	defer c.u.PopBlocking()
	return c.submit(ctx, submitCommand(PriorityNormal, false), function, unique, workload)
}

// SubmitBackground submits a detached job: the server queues it and the
// session ends at JOB_CREATED. Use Status to poll it later by handle.
func (c *Client) SubmitBackground(ctx context.Context, function, unique string, workload []byte, priority Priority) (string, error) {
	if unique == "" {
		unique = makeUnique()
	}
	c.u.PushBlocking()
	defer c.u.PopBlocking()
	handle, err := c.submit(ctx, submitCommand(priority, true), function, unique, workload)
	if err == nil {
		c.state = StateComplete
	}
	return handle, err
}

// Status polls a background job by handle via GET_STATUS.
func (c *Client) Status(ctx context.Context, handle string) (Status, error) {
	c.u.PushBlocking()
	defer c.u.PopBlocking()

	if err := c.connect(ctx, handle); err != nil {
		return Status{}, err
	}
	p := protocol.NewPacket(protocol.MagicRequest, protocol.GetStatus)
	if err := p.AddStringArg(handle); err != nil {
		return Status{}, err
	}
	if err := c.conn.Send(ctx, p); err != nil {
		return Status{}, err
	}
	for {
		in, err := c.conn.Receive(ctx)
		if err != nil {
			return Status{}, err
		}
		if in.Command != protocol.StatusRes {
			continue
		}
		// Unlike streamed WORK_STATUS, a 0/0 pair is legitimate here:
		// it is what the server reports for an unknown or unstarted job.
		num, _ := strconv.ParseUint(in.ArgString(3), 10, 32)
		den, _ := strconv.ParseUint(in.ArgString(4), 10, 32)
		return Status{
			Handle:      in.ArgString(0),
			Known:       in.ArgString(1) == "1",
			Running:     in.ArgString(2) == "1",
			Numerator:   uint32(num),
			Denominator: uint32(den),
		}, nil
	}
}

// Echo round-trips a payload through the job server, a connectivity check
// that exercises the full frame path. Returns the mirrored payload.
func (c *Client) Echo(ctx context.Context, payload []byte) ([]byte, error) {
	c.u.PushBlocking()
	defer c.u.PopBlocking()

	if err := c.connect(ctx, ""); err != nil {
		return nil, err
	}
	p := protocol.NewPacket(protocol.MagicRequest, protocol.EchoReq)
	p.GiveData(payload)
	if err := c.conn.Send(ctx, p); err != nil {
		return nil, err
	}
	for {
		in, err := c.conn.Receive(ctx)
		if err != nil {
			return nil, err
		}
		if in.Command != protocol.EchoRes {
			continue
		}
		return c.copyOut(in.Data()), nil
	}
}

// copyOut moves a borrowed payload into a caller-owned buffer from the
// context's workload pool, so it survives the next Receive.
func (c *Client) copyOut(borrowed []byte) []byte {
	out := c.u.Pool().Get(len(borrowed))
	copy(out, borrowed)
	return out[:len(borrowed)]
}
