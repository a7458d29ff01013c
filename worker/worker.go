// Package worker implements the worker side of the job protocol: register
// the functions this process can execute, then repeatedly grab a job, run
// the registered handler, and report the outcome.
//
// Session state machine:
//
//	REGISTERED ──GrabJob──► WAITING ──JobAssign──► ASSIGNED ──► EXECUTING ──► REPORTED
//	     ▲                     │ NoJob: PreSleep, wait for Noop, re-grab        │
//	     └──────────────────────────────────────────────────────────────────────┘
//
// Handlers run synchronously on the session's goroutine: strictly one job
// in flight per connection. A process wanting parallel execution runs one
// Worker (with its own Universal) per concurrent job.
package worker

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"jobwire/job"
	"jobwire/loadbalance"
	"jobwire/middleware"
	"jobwire/protocol"
	"jobwire/registry"
	"jobwire/transport"
)

// State is the worker session state.
type State int

const (
	StateRegistered State = iota
	StateWaiting
	StateAssigned
	StateExecuting
	StateReported
)

func (s State) String() string {
	switch s {
	case StateRegistered:
		return "REGISTERED"
	case StateWaiting:
		return "WAITING"
	case StateAssigned:
		return "ASSIGNED"
	case StateExecuting:
		return "EXECUTING"
	default:
		return "REPORTED"
	}
}

// Recorder receives job lifecycle events for instrumentation.
type Recorder interface {
	JobAssigned(function string)
	JobCompleted(function string, elapsed time.Duration)
	JobFailed(function string)
}

// registration is one function this worker can execute.
type registration struct {
	handler job.Handler
	timeout time.Duration // 0: none; otherwise sent as CAN_DO_TIMEOUT
	mw      []middleware.Middleware
}

// Worker is one worker handle: a Universal context, the typed handler
// registry, and the state of the job currently assigned. A Worker belongs
// to a single goroutine.
type Worker struct {
	u    *transport.Universal
	conn *transport.Conn

	servers  []registry.ServerInstance
	reg      registry.Registry
	cluster  string
	balancer loadbalance.Balancer

	handlers map[string]*registration
	clientID string
	mw       []middleware.Middleware
	rec      Recorder
	grabUniq bool

	state State
}

// Option configures a Worker.
type Option func(*Worker)

// WithRegistry resolves job servers from the named cluster in reg.
func WithRegistry(reg registry.Registry, cluster string) Option {
	return func(w *Worker) {
		w.reg = reg
		w.cluster = cluster
	}
}

// WithBalancer sets the server selection strategy. Defaults to round-robin.
func WithBalancer(b loadbalance.Balancer) Option {
	return func(w *Worker) { w.balancer = b }
}

// WithMiddleware installs middleware applied to every registered handler,
// outermost first.
func WithMiddleware(mw ...middleware.Middleware) Option {
	return func(w *Worker) { w.mw = append(w.mw, mw...) }
}

// WithRecorder installs the job lifecycle instrumentation hook.
func WithRecorder(rec Recorder) Option {
	return func(w *Worker) { w.rec = rec }
}

// WithGrabUniq makes the worker request the client's unique key with each
// assignment (GRAB_JOB_UNIQ / JOB_ASSIGN_UNIQ).
func WithGrabUniq() Option {
	return func(w *Worker) { w.grabUniq = true }
}

// New creates a Worker on the given Universal context.
func New(u *transport.Universal, opts ...Option) *Worker {
	w := &Worker{
		u:        u,
		handlers: make(map[string]*registration),
		balancer: &loadbalance.RoundRobinBalancer{},
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// AddServer adds a statically configured job server.
func (w *Worker) AddServer(host string, port int) {
	w.servers = append(w.servers, registry.ServerInstance{
		Addr:   net.JoinHostPort(host, strconv.Itoa(port)),
		Weight: 1,
	})
}

// State returns the current session state.
func (w *Worker) State() State { return w.state }

// SetClientID names this worker for server-side introspection; sent as
// SET_CLIENT_ID when the connection is (re)established.
func (w *Worker) SetClientID(id string) { w.clientID = id }

// RegisterOption configures one function registration.
type RegisterOption func(*registration)

// WithJobTimeout bounds each execution of this function. The bound is both
// advertised to the server (CAN_DO_TIMEOUT) and enforced locally through
// the handler's context deadline.
func WithJobTimeout(d time.Duration) RegisterOption {
	return func(r *registration) { r.timeout = d }
}

// WithHandlerMiddleware installs middleware on this function only, applied
// inside the worker-wide chain.
func WithHandlerMiddleware(mw ...middleware.Middleware) RegisterOption {
	return func(r *registration) { r.mw = append(r.mw, mw...) }
}

// RegisterFunction declares that this worker executes jobs of the named
// function with the given handler. Registration is announced to the server
// immediately when connected, or at the next connect otherwise.
func (w *Worker) RegisterFunction(ctx context.Context, name string, h job.Handler, opts ...RegisterOption) error {
	reg := &registration{handler: h}
	for _, o := range opts {
		o(reg)
	}
	w.handlers[name] = reg
	w.state = StateRegistered
	if w.conn == nil || w.conn.State() != transport.StateReady {
		return nil
	}
	return w.announce(ctx, name, reg)
}

// Unregister withdraws a function (CANT_DO).
func (w *Worker) Unregister(ctx context.Context, name string) error {
	delete(w.handlers, name)
	if w.conn == nil || w.conn.State() != transport.StateReady {
		return nil
	}
	p := protocol.NewPacket(protocol.MagicRequest, protocol.CantDo)
	if err := p.AddStringArg(name); err != nil {
		return err
	}
	return w.conn.Send(ctx, p)
}

// ResetAbilities withdraws every function (RESET_ABILITIES).
func (w *Worker) ResetAbilities(ctx context.Context) error {
	w.handlers = make(map[string]*registration)
	if w.conn == nil || w.conn.State() != transport.StateReady {
		return nil
	}
	return w.conn.Send(ctx, protocol.NewPacket(protocol.MagicRequest, protocol.ResetAbilities))
}

// announce sends one CAN_DO (or CAN_DO_TIMEOUT) for a registration.
func (w *Worker) announce(ctx context.Context, name string, reg *registration) error {
	var p *protocol.Packet
	if reg.timeout > 0 {
		p = protocol.NewPacket(protocol.MagicRequest, protocol.CanDoTimeout)
		if err := p.AddStringArg(name); err != nil {
			return err
		}
		secs := int(reg.timeout / time.Second)
		if err := p.AddStringArg(strconv.Itoa(secs)); err != nil {
			return err
		}
	} else {
		p = protocol.NewPacket(protocol.MagicRequest, protocol.CanDo)
		if err := p.AddStringArg(name); err != nil {
			return err
		}
	}
	return w.conn.Send(ctx, p)
}

// connect ensures a ready connection and replays identity plus every
// registration on it.
func (w *Worker) connect(ctx context.Context) error {
	if w.conn != nil && w.conn.State() == transport.StateReady {
		return nil
	}

	instances := w.servers
	if len(instances) == 0 && w.reg != nil {
		discovered, err := w.reg.Discover(w.cluster)
		if err != nil {
			return fmt.Errorf("%w: discovery failed: %v", protocol.ErrNoServers, err)
		}
		instances = discovered
	}
	if len(instances) == 0 {
		return protocol.ErrNoServers
	}
	inst, err := w.balancer.Pick(instances, w.clientID)
	if err != nil {
		return fmt.Errorf("%w: %v", protocol.ErrNoServers, err)
	}
	host, portStr, err := net.SplitHostPort(inst.Addr)
	if err != nil {
		return fmt.Errorf("%w: bad server address %q", protocol.ErrNoServers, inst.Addr)
	}
	port, _ := strconv.Atoi(portStr)

	w.conn = w.u.NewConn()
	if err := w.conn.Connect(host, port); err != nil {
		return err
	}

	if w.clientID != "" {
		p := protocol.NewPacket(protocol.MagicRequest, protocol.SetClientID)
		if err := p.AddStringArg(w.clientID); err != nil {
			return err
		}
		if err := w.conn.Send(ctx, p); err != nil {
			return err
		}
	}
	for name, reg := range w.handlers {
		if err := w.announce(ctx, name, reg); err != nil {
			return err
		}
	}
	return nil
}

// Work executes exactly one job: grab, run the handler, report. When no
// job is queued it parks with PRE_SLEEP and waits for the server's NOOP
// wake signal before re-grabbing.
//
// Handler outcomes are job results, not engine errors: a failing handler
// makes Work send WORK_FAIL and still return nil. Work returns an error
// only for engine-level failures (no servers, lost connection, protocol
// violation, context cancellation).
func (w *Worker) Work(ctx context.Context) error {
	w.u.PushBlocking()
	defer w.u.PopBlocking()

	if err := w.connect(ctx); err != nil {
		return err
	}

	grabCmd := protocol.GrabJob
	if w.grabUniq {
		grabCmd = protocol.GrabJobUniq
	}

	for {
		if err := w.conn.Send(ctx, protocol.NewPacket(protocol.MagicRequest, grabCmd)); err != nil {
			return err
		}

		in, err := w.conn.Receive(ctx)
		if err != nil {
			return err
		}

		switch in.Command {
		case protocol.NoJob:
			w.state = StateWaiting
			if err := w.sleep(ctx); err != nil {
				return err
			}
			continue

		case protocol.JobAssign:
			w.state = StateAssigned
			return w.execute(ctx, in.ArgString(0), in.ArgString(1), "", w.copyWorkload(in.Data()))

		case protocol.JobAssignUniq:
			w.state = StateAssigned
			return w.execute(ctx, in.ArgString(0), in.ArgString(1), in.ArgString(2), w.copyWorkload(in.Data()))

		case protocol.Noop:
			// Stale wake from a previous sleep; just re-grab.
			continue

		case protocol.Error:
			return fmt.Errorf("%w: %s: %s", protocol.ErrServer, in.ArgString(0), in.Data())

		default:
			continue
		}
	}
}

// Run loops Work until the context is canceled or an engine error occurs.
func (w *Worker) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := w.Work(ctx); err != nil {
			return err
		}
	}
}

// sleep parks the connection with PRE_SLEEP until the server's NOOP.
func (w *Worker) sleep(ctx context.Context) error {
	if err := w.conn.Send(ctx, protocol.NewPacket(protocol.MagicRequest, protocol.PreSleep)); err != nil {
		return err
	}
	for {
		in, err := w.conn.Receive(ctx)
		if err != nil {
			return err
		}
		if in.Command == protocol.Noop {
			return nil
		}
	}
}

// copyWorkload moves the assignment's borrowed workload into a buffer from
// the context's pool: the handler may retain it past the next Receive.
func (w *Worker) copyWorkload(borrowed []byte) []byte {
	out := w.u.Pool().Get(len(borrowed))
	copy(out, borrowed)
	return out[:len(borrowed)]
}
