package transport

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"jobwire/protocol"
)

func TestNewDefaults(t *testing.T) {
	u := New()
	if u.Error() != "" {
		t.Errorf("fresh context should have empty error, got %q", u.Error())
	}
	if u.Errno() != 0 {
		t.Errorf("fresh context should have errno 0, got %d", u.Errno())
	}
	if u.Timeout() != -1 {
		t.Errorf("default timeout should be -1 (infinite), got %d", u.Timeout())
	}
	if u.HasOption(NonBlocking) || u.HasOption(DontTrackPackets) || u.HasOption(StoredNonBlocking) {
		t.Error("no option flag should be set by default")
	}
}

func TestOptionFlags(t *testing.T) {
	u := New(NonBlocking, DontTrackPackets)
	if !u.HasOption(NonBlocking) || !u.HasOption(DontTrackPackets) {
		t.Error("creation flags should be set")
	}
	if u.HasOption(StoredNonBlocking) {
		t.Error("unspecified flag should be false")
	}

	// Toggling one flag must not disturb the others.
	u.RemoveOptions(NonBlocking)
	if u.HasOption(NonBlocking) {
		t.Error("RemoveOptions should clear NonBlocking")
	}
	if !u.HasOption(DontTrackPackets) {
		t.Error("RemoveOptions must not touch DontTrackPackets")
	}
	u.AddOptions(NonBlocking)
	if !u.HasOption(NonBlocking) || !u.HasOption(DontTrackPackets) {
		t.Error("AddOptions should set exactly the named flag")
	}
}

func TestPushPopBlocking(t *testing.T) {
	u := New(NonBlocking)
	u.PushBlocking()
	if !u.Blocking() {
		t.Error("PushBlocking should force blocking mode")
	}
	if !u.HasOption(StoredNonBlocking) {
		t.Error("PushBlocking should remember the caller's choice")
	}
	u.PopBlocking()
	if u.Blocking() {
		t.Error("PopBlocking should restore non-blocking mode")
	}
	if u.HasOption(StoredNonBlocking) {
		t.Error("PopBlocking should clear the stored flag")
	}
}

func TestClonePolicyNotState(t *testing.T) {
	var sank []string
	u := New(NonBlocking)
	u.SetTimeout(250)
	u.SetLog(func(level Verbosity, msg string) { sank = append(sank, msg) }, VerboseError)

	// Give the source some live state a clone must not inherit.
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	u.AdoptConn(a)
	u.setError(errors.New("boom"), nil)

	cl := u.Clone()
	if !cl.HasOption(NonBlocking) || cl.Timeout() != 250 {
		t.Error("clone should replicate option flags and timeout")
	}
	if cl.logFn == nil || cl.verbose != VerboseError {
		t.Error("clone should replicate the log sink")
	}
	if cl.ConnCount() != 0 || cl.PacketCount() != 0 {
		t.Error("clone must start with empty connection and packet lists")
	}
	if cl.Error() != "" {
		t.Errorf("clone must not inherit error state, got %q", cl.Error())
	}
}

func TestErrorStateIsSticky(t *testing.T) {
	u := New()
	bad := u.NewConn()

	// Sending on an unconnected connection is a failing operation.
	err := bad.Send(context.Background(), protocol.NewPacket(protocol.MagicRequest, protocol.GrabJob))
	if err == nil {
		t.Fatal("send on unconnected connection should fail")
	}
	if u.Error() == "" {
		t.Fatal("failure should be recorded in the last-error state")
	}
	recorded := u.Error()

	// A subsequent successful operation must not clear it.
	a, b := net.Pipe()
	defer b.Close()
	good := u.AdoptConn(a)
	go func() {
		buf := make([]byte, 64)
		b.Read(buf)
	}()
	if err := good.Send(context.Background(), protocol.NewPacket(protocol.MagicRequest, protocol.GrabJob)); err != nil {
		t.Fatalf("send over pipe failed: %v", err)
	}
	if u.Error() != recorded {
		t.Errorf("error state should be sticky: got %q, want %q", u.Error(), recorded)
	}
}

func TestWaitTimeout(t *testing.T) {
	u := New()
	u.SetTimeout(50)
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	u.AdoptConn(a)

	start := time.Now()
	err := u.Wait(context.Background())
	elapsed := time.Since(start)

	if !errors.Is(err, protocol.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if elapsed < 40*time.Millisecond || elapsed > time.Second {
		t.Errorf("timeout fired outside the configured bound: %v", elapsed)
	}
}

func TestWaitCancellation(t *testing.T) {
	u := New() // timeout -1: infinite wait, cancellable only via ctx
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	u.AdoptConn(a)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()
	err := u.Wait(ctx)
	if err == nil || !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation error, got %v", err)
	}
}

func TestWaitReadiness(t *testing.T) {
	u := New()
	u.SetTimeout(2000)
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	c := u.AdoptConn(a)

	wire, err := protocol.NewPacket(protocol.MagicResponse, protocol.Noop).Pack()
	if err != nil {
		t.Fatal(err)
	}
	go func() {
		time.Sleep(10 * time.Millisecond)
		b.Write(wire)
	}()

	if err := u.Wait(context.Background()); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if !c.Readable() {
		t.Error("connection with inbound bytes should be marked readable")
	}

	pkt, err := c.Receive(context.Background())
	if err != nil {
		t.Fatalf("Receive after Wait failed: %v", err)
	}
	if pkt.Command != protocol.Noop {
		t.Errorf("unexpected command: %s", pkt.Command)
	}
}

func TestPacketTracking(t *testing.T) {
	u := New()
	a, b := net.Pipe()
	defer b.Close()
	c := u.AdoptConn(a)

	wire, _ := protocol.NewPacket(protocol.MagicResponse, protocol.NoJob).Pack()
	go b.Write(wire)

	pkt, err := c.Receive(context.Background())
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	if u.PacketCount() != 1 {
		t.Errorf("received packet should be tracked, count = %d", u.PacketCount())
	}
	u.FreePacket(pkt)
	if u.PacketCount() != 0 {
		t.Errorf("FreePacket should drop the packet, count = %d", u.PacketCount())
	}

	// With DontTrackPackets the list stays empty.
	u2 := New(DontTrackPackets)
	a2, b2 := net.Pipe()
	defer b2.Close()
	c2 := u2.AdoptConn(a2)
	go b2.Write(wire)
	if _, err := c2.Receive(context.Background()); err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	if u2.PacketCount() != 0 {
		t.Errorf("DontTrackPackets should keep the list empty, count = %d", u2.PacketCount())
	}
}
