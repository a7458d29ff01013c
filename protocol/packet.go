package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Packet is one framed protocol message: magic, command, NUL-terminated
// arguments, and an optional raw trailing payload.
//
// The trailing payload has explicit ownership. A packet produced by Unpack
// borrows its byte slices from the caller's read window and must not outlive
// it; GiveData hands a buffer to the packet outright, and TakeData moves it
// back out, leaving the packet's data empty. There is never more than one
// owner of the payload at a time.
type Packet struct {
	Magic   Magic
	Command Command

	args      [][]byte
	data      []byte
	dataOwned bool // false when data borrows the decode window
	complete  bool // a full frame has been consumed into this packet
}

// NewPacket returns an empty packet of the given magic and command.
// Argument storage is allocated lazily by AddArgument.
func NewPacket(m Magic, c Command) *Packet {
	return &Packet{Magic: m, Command: c}
}

// AddArgument appends one NUL-terminated argument. It fails with
// ErrTooManyArgs once the command's fixed arity is reached; the trailing
// data blob is set with GiveData, never through here.
func (p *Packet) AddArgument(arg []byte) error {
	if len(p.args) >= p.Command.ArgCount() {
		return fmt.Errorf("%w: %s takes %d arguments", ErrTooManyArgs, p.Command, p.Command.ArgCount())
	}
	if bytes.IndexByte(arg, 0) >= 0 {
		return fmt.Errorf("%w: argument contains NUL", ErrInvalidPacket)
	}
	p.args = append(p.args, arg)
	return nil
}

// AddStringArg is AddArgument for string arguments.
func (p *Packet) AddStringArg(arg string) error {
	return p.AddArgument([]byte(arg))
}

// Arg returns argument i, or nil when out of range.
func (p *Packet) Arg(i int) []byte {
	if i < 0 || i >= len(p.args) {
		return nil
	}
	return p.args[i]
}

// ArgString returns argument i as a string.
func (p *Packet) ArgString(i int) string {
	return string(p.Arg(i))
}

// NumArgs returns the number of arguments added or parsed so far,
// not counting trailing data.
func (p *Packet) NumArgs() int {
	return len(p.args)
}

// GiveData transfers ownership of buf into the packet as its trailing data.
// The caller must not reuse buf afterward.
func (p *Packet) GiveData(buf []byte) {
	p.data = buf
	p.dataOwned = true
}

// TakeData moves the trailing data out to the caller. The packet's data
// reference becomes empty, so a later Free never touches the taken buffer.
// When the data was borrowed from a decode window the returned slice still
// aliases that window; DataOwned tells the two cases apart.
func (p *Packet) TakeData() []byte {
	d := p.data
	p.data = nil
	p.dataOwned = false
	return d
}

// Data returns the trailing payload without transferring ownership.
func (p *Packet) Data() []byte {
	return p.data
}

// DataOwned reports whether the packet owns its trailing payload outright,
// as opposed to borrowing it from a decode window.
func (p *Packet) DataOwned() bool {
	return p.dataOwned
}

// Complete reports whether the packet was produced from a full wire frame.
func (p *Packet) Complete() bool {
	return p.complete
}

// Free releases the packet's argument and data references. A borrowed data
// slice is dropped, never recycled, so the window it aliases stays intact.
func (p *Packet) Free() {
	p.args = nil
	p.data = nil
	p.dataOwned = false
	p.complete = false
}

// bodySize returns the serialized body length: every argument plus its NUL
// terminator, then the raw trailing data.
func (p *Packet) bodySize() int {
	n := 0
	for _, a := range p.args {
		n += len(a) + 1
	}
	return n + len(p.data)
}

// Pack serializes the packet into wire bytes: header, arguments in order
// with NUL terminators, then the trailing data. It fails with
// ErrInvalidPacket when required arguments for the command are missing.
func (p *Packet) Pack() ([]byte, error) {
	if !p.Command.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidPacket, p.Command)
	}
	if len(p.args) != p.Command.ArgCount() {
		return nil, fmt.Errorf("%w: %s requires %d arguments, have %d",
			ErrInvalidPacket, p.Command, p.Command.ArgCount(), len(p.args))
	}
	if len(p.data) > 0 && !p.Command.HasData() {
		return nil, fmt.Errorf("%w: %s carries no trailing data", ErrInvalidPacket, p.Command)
	}

	body := p.bodySize()
	buf := make([]byte, 0, HeaderSize+body)
	var hdr [HeaderSize]byte
	putHeader(hdr[:], p.Magic, p.Command, body)
	buf = append(buf, hdr[:]...)
	for _, a := range p.args {
		buf = append(buf, a...)
		buf = append(buf, 0)
	}
	buf = append(buf, p.data...)
	return buf, nil
}

// FrameSize returns the total size of the frame at the start of window, or
// 0 when the window does not yet hold a complete frame. It validates the
// header fields it can see, so a poisoned stream fails here rather than
// after more bytes arrive.
func FrameSize(window []byte) (int, error) {
	if len(window) < HeaderSize {
		return 0, nil
	}
	if _, err := parseMagic(window); err != nil {
		return 0, err
	}
	cmd := Command(binary.BigEndian.Uint32(window[4:8]))
	if !cmd.Valid() {
		return 0, fmt.Errorf("%w: unknown command %d", ErrProtocol, uint32(cmd))
	}
	bodyLen := binary.BigEndian.Uint32(window[8:12])
	if bodyLen > MaxBodySize {
		return 0, fmt.Errorf("%w: body size %d exceeds limit", ErrProtocol, bodyLen)
	}
	total := HeaderSize + int(bodyLen)
	if len(window) < total {
		return 0, nil
	}
	return total, nil
}

// Unpack incrementally parses one frame from window.
//
// The window may hold a partial frame: in that case Unpack returns
// (nil, 0, nil) — "need more bytes" — without mutating anything, so the
// caller can retry with the same window grown. On success it returns the
// parsed packet and the number of bytes consumed; the packet's arguments
// and data are sub-slices of window (borrowed, zero-copy). A malformed
// magic, command, or size fails with ErrProtocol and the window should be
// considered poisoned.
func Unpack(window []byte) (*Packet, int, error) {
	total, err := FrameSize(window)
	if err != nil || total == 0 {
		return nil, 0, err
	}
	magic, _ := parseMagic(window)
	cmd := Command(binary.BigEndian.Uint32(window[4:8]))

	p := &Packet{Magic: magic, Command: cmd}
	body := window[HeaderSize:total]
	for i := 0; i < cmd.ArgCount(); i++ {
		nul := bytes.IndexByte(body, 0)
		if nul < 0 {
			return nil, 0, fmt.Errorf("%w: %s missing argument %d", ErrProtocol, cmd, i)
		}
		p.args = append(p.args, body[:nul])
		body = body[nul+1:]
	}
	if cmd.HasData() {
		p.data = body // borrowed view of the window
		p.dataOwned = false
	} else if len(body) != 0 {
		return nil, 0, fmt.Errorf("%w: %s has %d trailing bytes", ErrProtocol, cmd, len(body))
	}
	p.complete = true
	return p, total, nil
}
