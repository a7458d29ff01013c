package transport

import (
	"bytes"
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"jobwire/protocol"
)

// pipePair returns two ready connections wired back to back, each owned by
// its own Universal (one per side, as a real client/server pair would be).
func pipePair(t *testing.T) (*Conn, *Conn) {
	t.Helper()
	a, b := net.Pipe()
	ua := New()
	ub := New()
	ca := ua.AdoptConn(a)
	cb := ub.AdoptConn(b)
	t.Cleanup(func() {
		ua.Close()
		ub.Close()
	})
	return ca, cb
}

func TestSendReceiveRoundTrip(t *testing.T) {
	ca, cb := pipePair(t)

	out := protocol.NewPacket(protocol.MagicRequest, protocol.SubmitJob)
	if err := out.AddStringArg("reverse"); err != nil {
		t.Fatal(err)
	}
	if err := out.AddStringArg("uniq"); err != nil {
		t.Fatal(err)
	}
	out.GiveData([]byte("abc"))

	errCh := make(chan error, 1)
	go func() { errCh <- ca.Send(context.Background(), out) }()

	in, err := cb.Receive(context.Background())
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if in.Command != protocol.SubmitJob || in.ArgString(0) != "reverse" {
		t.Errorf("frame mismatch: %s %q", in.Command, in.ArgString(0))
	}
	if !bytes.Equal(in.Data(), []byte("abc")) {
		t.Errorf("workload mismatch: %q", in.Data())
	}
}

func TestReceiveReassemblesShortReads(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()
	u := New()
	defer u.Close()
	c := u.AdoptConn(a)

	pkt := protocol.NewPacket(protocol.MagicResponse, protocol.WorkComplete)
	if err := pkt.AddStringArg("H:x:1"); err != nil {
		t.Fatal(err)
	}
	pkt.GiveData([]byte("result bytes"))
	wire, err := pkt.Pack()
	if err != nil {
		t.Fatal(err)
	}

	// Dribble the frame across many writes with gaps: the parse state must
	// survive every boundary.
	go func() {
		for i := 0; i < len(wire); i += 5 {
			end := i + 5
			if end > len(wire) {
				end = len(wire)
			}
			b.Write(wire[i:end])
			time.Sleep(2 * time.Millisecond)
		}
	}()

	in, err := c.Receive(context.Background())
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	if !bytes.Equal(in.Data(), []byte("result bytes")) {
		t.Errorf("data mismatch: %q", in.Data())
	}
}

func TestReceiveWouldBlockNonBlocking(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	u := New(NonBlocking)
	c := u.AdoptConn(a)

	_, err := c.Receive(context.Background())
	if !errors.Is(err, protocol.ErrWouldBlock) {
		t.Fatalf("expected ErrWouldBlock with no inbound bytes, got %v", err)
	}
	// Would-block is a retry status, not a failure: it must not latch.
	if u.Error() != "" {
		t.Errorf("would-block should not be recorded as an error, got %q", u.Error())
	}
}

func TestReceiveLostConnection(t *testing.T) {
	a, b := net.Pipe()
	u := New()
	c := u.AdoptConn(a)

	b.Close()
	_, err := c.Receive(context.Background())
	if !errors.Is(err, protocol.ErrLostConnection) {
		t.Fatalf("expected ErrLostConnection on peer close, got %v", err)
	}
	if c.State() != StateClosed {
		t.Error("lost connection should leave the ready state")
	}
	if u.Error() == "" {
		t.Error("lost connection should be recorded in last-error state")
	}
}

func TestSecondInFlightPacketRejected(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	u := New(NonBlocking)
	c := u.AdoptConn(a)

	big := protocol.NewPacket(protocol.MagicRequest, protocol.EchoReq)
	big.GiveData(bytes.Repeat([]byte("x"), 1<<16))
	// No reader on the far side: the pipe will not accept the frame, so
	// the send stays partially buffered.
	err := c.Send(context.Background(), big)
	if !errors.Is(err, protocol.ErrWouldBlock) {
		t.Fatalf("expected ErrWouldBlock for unflushed send, got %v", err)
	}

	other := protocol.NewPacket(protocol.MagicRequest, protocol.GrabJob)
	err = c.Send(context.Background(), other)
	if !errors.Is(err, protocol.ErrInvalidPacket) {
		t.Fatalf("expected ErrInvalidPacket for a second in-flight packet, got %v", err)
	}
}

func TestSendRetryAfterWouldBlock(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()
	u := New(NonBlocking)
	defer u.Close()
	c := u.AdoptConn(a)

	pkt := protocol.NewPacket(protocol.MagicRequest, protocol.EchoReq)
	payload := bytes.Repeat([]byte("y"), 1<<15)
	pkt.GiveData(payload)

	if err := c.Send(context.Background(), pkt); !errors.Is(err, protocol.ErrWouldBlock) {
		t.Fatalf("expected ErrWouldBlock with no reader, got %v", err)
	}

	// Start draining the far side, then retry the same packet until the
	// flush completes — the poll-and-retry discipline.
	received := make(chan []byte, 1)
	go func() {
		var got []byte
		buf := make([]byte, 4096)
		want := protocol.HeaderSize + len(payload)
		for len(got) < want {
			n, err := b.Read(buf)
			if n > 0 {
				got = append(got, buf[:n]...)
			}
			if err != nil {
				break
			}
		}
		received <- got
	}()

	deadline := time.Now().Add(5 * time.Second)
	for {
		err := c.Send(context.Background(), pkt)
		if err == nil {
			break
		}
		if !errors.Is(err, protocol.ErrWouldBlock) {
			t.Fatalf("retry failed: %v", err)
		}
		if time.Now().After(deadline) {
			t.Fatal("send did not complete before deadline")
		}
	}

	got := <-received
	if len(got) != protocol.HeaderSize+len(payload) {
		t.Fatalf("flushed frame truncated: %d bytes", len(got))
	}
}

func TestAdoptedConnNotClosed(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	u := New()
	c := u.AdoptConn(a)
	c.Close()

	// The endpoint was adopted, so the layer must not have closed it.
	go b.Write([]byte("still open"))
	a.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 16)
	if _, err := a.Read(buf); err != nil {
		t.Fatalf("adopted endpoint should remain open after Close: %v", err)
	}
}

func TestConnectRefused(t *testing.T) {
	u := New()
	u.SetTimeout(500)
	c := u.NewConn()

	// Port 1 on localhost is almost certainly closed.
	err := c.Connect("127.0.0.1", 1)
	if !errors.Is(err, protocol.ErrCouldNotConnect) {
		t.Fatalf("expected ErrCouldNotConnect, got %v", err)
	}
	if u.Error() == "" {
		t.Error("failed connect should be recorded in last-error state")
	}
}
