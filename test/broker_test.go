package test

import (
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"jobwire/protocol"
)

// broker is a minimal in-process job server: enough queueing and relaying
// to exercise complete client and worker sessions over real sockets. It is
// deliberately blocking and coarse-locked; correctness over throughput.
type broker struct {
	t  *testing.T
	ln net.Listener

	mu       sync.Mutex
	seq      int
	queues   map[string][]*brokerJob      // pending jobs per function
	workers  map[*brokerConn]map[string]bool
	sleepers map[*brokerConn]bool
	running  map[string]*brokerJob // by handle, for update relaying
}

type brokerJob struct {
	handle   string
	function string
	unique   string
	data     []byte
	client   *brokerConn // nil for background jobs
	num, den string
	done     bool
}

// brokerConn serializes writes; reads happen on the conn's own goroutine.
type brokerConn struct {
	nc  net.Conn
	wmu sync.Mutex
	buf []byte
}

func newBroker(t *testing.T) *broker {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("broker listen: %v", err)
	}
	b := &broker{
		t:        t,
		ln:       ln,
		queues:   make(map[string][]*brokerJob),
		workers:  make(map[*brokerConn]map[string]bool),
		sleepers: make(map[*brokerConn]bool),
		running:  make(map[string]*brokerJob),
	}
	go b.acceptLoop()
	t.Cleanup(func() { ln.Close() })
	return b
}

// hostPort returns the broker's listen address split for AddServer.
func (b *broker) hostPort() (string, int) {
	addr := b.ln.Addr().(*net.TCPAddr)
	return addr.IP.String(), addr.Port
}

func (b *broker) acceptLoop() {
	for {
		nc, err := b.ln.Accept()
		if err != nil {
			return
		}
		go b.serve(&brokerConn{nc: nc})
	}
}

func (c *brokerConn) readFrame() (*protocol.Packet, error) {
	for {
		pkt, n, err := protocol.Unpack(c.buf)
		if err != nil {
			return nil, err
		}
		if pkt != nil {
			c.buf = c.buf[n:]
			return pkt, nil
		}
		chunk := make([]byte, 4096)
		c.nc.SetReadDeadline(time.Now().Add(10 * time.Second))
		got, err := c.nc.Read(chunk)
		if err != nil {
			return nil, err
		}
		c.buf = append(c.buf, chunk[:got]...)
	}
}

func (c *brokerConn) send(cmd protocol.Command, args []string, data []byte) error {
	pkt := protocol.NewPacket(protocol.MagicResponse, cmd)
	for _, a := range args {
		if err := pkt.AddStringArg(a); err != nil {
			return err
		}
	}
	if data != nil {
		pkt.GiveData(data)
	}
	raw, err := pkt.Pack()
	if err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	c.nc.SetWriteDeadline(time.Now().Add(10 * time.Second))
	_, err = c.nc.Write(raw)
	return err
}

func (b *broker) serve(c *brokerConn) {
	defer func() {
		c.nc.Close()
		b.mu.Lock()
		delete(b.workers, c)
		delete(b.sleepers, c)
		b.mu.Unlock()
	}()

	for {
		pkt, err := c.readFrame()
		if err != nil {
			return
		}
		if err := b.dispatch(c, pkt); err != nil {
			return
		}
	}
}

func (b *broker) dispatch(c *brokerConn, pkt *protocol.Packet) error {
	switch pkt.Command {
	case protocol.CanDo, protocol.CanDoTimeout:
		b.mu.Lock()
		if b.workers[c] == nil {
			b.workers[c] = make(map[string]bool)
		}
		b.workers[c][pkt.ArgString(0)] = true
		b.mu.Unlock()
		return nil

	case protocol.CantDo:
		b.mu.Lock()
		delete(b.workers[c], pkt.ArgString(0))
		b.mu.Unlock()
		return nil

	case protocol.ResetAbilities:
		b.mu.Lock()
		b.workers[c] = make(map[string]bool)
		b.mu.Unlock()
		return nil

	case protocol.SetClientID:
		return nil

	case protocol.SubmitJob, protocol.SubmitJobBG, protocol.SubmitJobHigh,
		protocol.SubmitJobHighBG, protocol.SubmitJobLow, protocol.SubmitJobLowBG:
		return b.submit(c, pkt)

	case protocol.GrabJob, protocol.GrabJobUniq:
		return b.grab(c, pkt.Command == protocol.GrabJobUniq)

	case protocol.PreSleep:
		b.mu.Lock()
		pending := false
		for fn := range b.workers[c] {
			if len(b.queues[fn]) > 0 {
				pending = true
			}
		}
		if !pending {
			b.sleepers[c] = true
		}
		b.mu.Unlock()
		if pending {
			return c.send(protocol.Noop, nil, nil)
		}
		return nil

	case protocol.GetStatus:
		return b.status(c, pkt.ArgString(0))

	case protocol.EchoReq:
		return c.send(protocol.EchoRes, nil, append([]byte(nil), pkt.Data()...))

	case protocol.WorkData, protocol.WorkWarning, protocol.WorkStatus,
		protocol.WorkComplete, protocol.WorkFail, protocol.WorkException:
		return b.relay(pkt)

	default:
		return nil
	}
}

func (b *broker) submit(c *brokerConn, pkt *protocol.Packet) error {
	background := pkt.Command == protocol.SubmitJobBG ||
		pkt.Command == protocol.SubmitJobHighBG ||
		pkt.Command == protocol.SubmitJobLowBG

	b.mu.Lock()
	b.seq++
	j := &brokerJob{
		handle:   fmt.Sprintf("H:broker:%d", b.seq),
		function: pkt.ArgString(0),
		unique:   pkt.ArgString(1),
		data:     append([]byte(nil), pkt.Data()...),
		num:      "0",
		den:      "0",
	}
	if !background {
		j.client = c
	}
	b.queues[j.function] = append(b.queues[j.function], j)
	b.running[j.handle] = j

	var wake []*brokerConn
	for sleeper := range b.sleepers {
		if b.workers[sleeper][j.function] {
			wake = append(wake, sleeper)
			delete(b.sleepers, sleeper)
		}
	}
	b.mu.Unlock()

	for _, sleeper := range wake {
		sleeper.send(protocol.Noop, nil, nil)
	}
	return c.send(protocol.JobCreated, []string{j.handle}, nil)
}

func (b *broker) grab(c *brokerConn, uniq bool) error {
	b.mu.Lock()
	var j *brokerJob
	for fn := range b.workers[c] {
		if q := b.queues[fn]; len(q) > 0 {
			j = q[0]
			b.queues[fn] = q[1:]
			break
		}
	}
	b.mu.Unlock()

	if j == nil {
		return c.send(protocol.NoJob, nil, nil)
	}
	if uniq {
		return c.send(protocol.JobAssignUniq, []string{j.handle, j.function, j.unique}, j.data)
	}
	return c.send(protocol.JobAssign, []string{j.handle, j.function}, j.data)
}

func (b *broker) status(c *brokerConn, handle string) error {
	b.mu.Lock()
	j, known := b.running[handle]
	var num, den string
	running := "0"
	if known {
		num, den = j.num, j.den
		if !j.done {
			running = "1"
		}
	} else {
		num, den = "0", "0"
	}
	b.mu.Unlock()

	knownStr := "0"
	if known {
		knownStr = "1"
	}
	return c.send(protocol.StatusRes, []string{handle, knownStr, running, num, den}, nil)
}

// relay forwards a worker's update to the submitting client, flipping the
// magic to response on the way through.
func (b *broker) relay(pkt *protocol.Packet) error {
	handle := pkt.ArgString(0)

	b.mu.Lock()
	j := b.running[handle]
	if j != nil && pkt.Command == protocol.WorkStatus {
		j.num, j.den = pkt.ArgString(1), pkt.ArgString(2)
	}
	if j != nil && (pkt.Command == protocol.WorkComplete || pkt.Command == protocol.WorkFail) {
		j.done = true
		delete(b.running, handle)
	}
	b.mu.Unlock()

	if j == nil || j.client == nil {
		return nil
	}
	args := make([]string, pkt.NumArgs())
	for i := range args {
		args[i] = pkt.ArgString(i)
	}
	var data []byte
	if pkt.Command.HasData() {
		data = append([]byte(nil), pkt.Data()...)
	}
	return j.client.send(pkt.Command, args, data)
}
