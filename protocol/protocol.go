// Package protocol implements the binary frame format spoken between job
// clients, workers, and job servers.
//
// Every message is a fixed 12-byte header followed by a variable-length body.
// The receiver reads the header first to learn the body length, then reads
// exactly that many bytes — this is what keeps frame boundaries intact across
// short reads on a TCP stream.
//
// Frame format:
//
//	0         4         8         12
//	┌─────────┬─────────┬─────────┬──────────────────────────────┐
//	│  magic  │ command │ bodyLen │            body ...           │
//	│ \0REQ   │ uint32  │ uint32  │ args + trailing data          │
//	│ \0RES   │         │         │ bodyLen bytes                 │
//	└─────────┴─────────┴─────────┴──────────────────────────────┘
//
// The body is a fixed, command-dependent number of NUL-terminated argument
// strings. For commands that carry a payload (workloads, results) the final
// argument is a raw trailing blob with no terminator — its length is whatever
// remains of the body.
package protocol

import (
	"encoding/binary"
	"fmt"
)

// Magic selects the wire prefix: requests flow toward the job server,
// responses flow back.
type Magic uint32

const (
	MagicRequest  Magic = iota // "\0REQ"
	MagicResponse              // "\0RES"
)

// Wire prefixes. The leading NUL is deliberate: it makes a frame start
// unmistakable and rejects text-protocol clients hitting the binary port.
var (
	requestPrefix  = [4]byte{0, 'R', 'E', 'Q'}
	responsePrefix = [4]byte{0, 'R', 'E', 'S'}
)

// HeaderSize is the fixed frame header length: 4 (magic) + 4 (command) + 4 (bodyLen).
const HeaderSize = 12

// MaxBodySize bounds a single frame's body. Anything larger is treated as a
// corrupt length field rather than an allocation request.
const MaxBodySize = 64 << 20

// Command identifies the message kind. Values are fixed by the wire protocol
// and must never be renumbered.
type Command uint32

const (
	cmdInvalid       Command = iota // 0 is never valid on the wire
	CanDo                           // worker → server: "I can run jobs of this function"
	CantDo                          // worker → server: withdraw a function
	ResetAbilities                  // worker → server: withdraw every function
	PreSleep                        // worker → server: about to block, wake me with NOOP
	cmdUnused5                      // reserved, never assigned
	Noop                            // server → worker: wake-up signal, no body
	SubmitJob                       // client → server: function, unique, workload
	JobCreated                      // server → client: job handle
	GrabJob                         // worker → server: give me a job
	NoJob                           // server → worker: nothing queued
	JobAssign                       // server → worker: handle, function, workload
	WorkStatus                      // worker ↔ server ↔ client: handle, numerator, denominator
	WorkComplete                    // worker ↔ server ↔ client: handle, result payload
	WorkFail                        // worker ↔ server ↔ client: handle
	GetStatus                       // client → server: poll a background job by handle
	EchoReq                         // either → server: payload mirrored back
	EchoRes                         // server → either: mirrored payload
	SubmitJobBG                     // background submission: no result stream
	Error                           // server → either: error code, error text
	StatusRes                       // server → client: handle, known, running, numerator, denominator
	SubmitJobHigh                   // high-priority submission
	SetClientID                     // worker → server: identity for server-side introspection
	CanDoTimeout                    // CanDo with a server-enforced execution timeout
	AllYours                        // worker → server: this connection is dedicated
	WorkException                   // worker ↔ server ↔ client: handle, exception payload
	OptionReq                       // either → server: enable a connection option
	OptionRes                       // server → either: option acknowledged
	WorkData                        // worker ↔ server ↔ client: handle, partial result chunk
	WorkWarning                     // worker ↔ server ↔ client: handle, warning payload
	GrabJobUniq                     // GrabJob variant requesting the unique ID in the assign
	JobAssignUniq                   // server → worker: handle, function, unique, workload
	SubmitJobHighBG                 // high-priority background submission
	SubmitJobLow                    // low-priority submission
	SubmitJobLowBG                  // low-priority background submission
	SubmitJobSched                  // cron-style scheduled submission
	SubmitJobEpoch                  // submission delayed until a unix timestamp
	commandMax
)

// commandInfo describes the fixed shape of each command's body.
//
// maxArgs counts every argument including the trailing data blob when the
// command carries one, mirroring how the wire lays the body out. A command
// with hasData therefore takes maxArgs-1 NUL-terminated arguments plus the
// raw payload.
type commandInfo struct {
	name    string
	maxArgs int
	hasData bool
}

var commandTable = [commandMax]commandInfo{
	CanDo:           {"CAN_DO", 1, false},
	CantDo:          {"CANT_DO", 1, false},
	ResetAbilities:  {"RESET_ABILITIES", 0, false},
	PreSleep:        {"PRE_SLEEP", 0, false},
	cmdUnused5:      {"UNUSED", 0, false},
	Noop:            {"NOOP", 0, false},
	SubmitJob:       {"SUBMIT_JOB", 3, true},
	JobCreated:      {"JOB_CREATED", 1, false},
	GrabJob:         {"GRAB_JOB", 0, false},
	NoJob:           {"NO_JOB", 0, false},
	JobAssign:       {"JOB_ASSIGN", 3, true},
	WorkStatus:      {"WORK_STATUS", 3, false},
	WorkComplete:    {"WORK_COMPLETE", 2, true},
	WorkFail:        {"WORK_FAIL", 1, false},
	GetStatus:       {"GET_STATUS", 1, false},
	EchoReq:         {"ECHO_REQ", 1, true},
	EchoRes:         {"ECHO_RES", 1, true},
	SubmitJobBG:     {"SUBMIT_JOB_BG", 3, true},
	Error:           {"ERROR", 2, true},
	StatusRes:       {"STATUS_RES", 5, false},
	SubmitJobHigh:   {"SUBMIT_JOB_HIGH", 3, true},
	SetClientID:     {"SET_CLIENT_ID", 1, false},
	CanDoTimeout:    {"CAN_DO_TIMEOUT", 2, false},
	AllYours:        {"ALL_YOURS", 0, false},
	WorkException:   {"WORK_EXCEPTION", 2, true},
	OptionReq:       {"OPTION_REQ", 1, false},
	OptionRes:       {"OPTION_RES", 1, false},
	WorkData:        {"WORK_DATA", 2, true},
	WorkWarning:     {"WORK_WARNING", 2, true},
	GrabJobUniq:     {"GRAB_JOB_UNIQ", 0, false},
	JobAssignUniq:   {"JOB_ASSIGN_UNIQ", 4, true},
	SubmitJobHighBG: {"SUBMIT_JOB_HIGH_BG", 3, true},
	SubmitJobLow:    {"SUBMIT_JOB_LOW", 3, true},
	SubmitJobLowBG:  {"SUBMIT_JOB_LOW_BG", 3, true},
	SubmitJobSched:  {"SUBMIT_JOB_SCHED", 8, true},
	SubmitJobEpoch:  {"SUBMIT_JOB_EPOCH", 4, true},
}

// Valid reports whether c is a command that may appear on the wire.
func (c Command) Valid() bool {
	return c > cmdInvalid && c < commandMax && c != cmdUnused5
}

// String returns the protocol name of the command (e.g. "SUBMIT_JOB").
func (c Command) String() string {
	if !c.Valid() {
		return fmt.Sprintf("INVALID(%d)", uint32(c))
	}
	return commandTable[c].name
}

// ArgCount returns the number of NUL-terminated arguments the command takes,
// not counting the trailing data blob.
func (c Command) ArgCount() int {
	info := commandTable[c]
	if info.hasData {
		return info.maxArgs - 1
	}
	return info.maxArgs
}

// HasData reports whether the command's final argument is a raw trailing blob.
func (c Command) HasData() bool {
	return commandTable[c].hasData
}

// prefix returns the 4-byte wire prefix for the magic.
func (m Magic) prefix() [4]byte {
	if m == MagicRequest {
		return requestPrefix
	}
	return responsePrefix
}

// String returns "REQ" or "RES".
func (m Magic) String() string {
	if m == MagicRequest {
		return "REQ"
	}
	return "RES"
}

// parseMagic maps a wire prefix back to its Magic, or fails with ErrProtocol.
func parseMagic(b []byte) (Magic, error) {
	var p [4]byte
	copy(p[:], b)
	switch p {
	case requestPrefix:
		return MagicRequest, nil
	case responsePrefix:
		return MagicResponse, nil
	}
	return 0, fmt.Errorf("%w: bad magic %q", ErrProtocol, b[:4])
}

// putHeader writes the 12-byte frame header into buf.
func putHeader(buf []byte, m Magic, c Command, bodyLen int) {
	p := m.prefix()
	copy(buf[0:4], p[:])
	binary.BigEndian.PutUint32(buf[4:8], uint32(c))
	binary.BigEndian.PutUint32(buf[8:12], uint32(bodyLen))
}
