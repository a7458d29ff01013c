package protocol

import "errors"

// Sentinel errors for the whole library. Callers classify failures with
// errors.Is; operational detail rides along via fmt.Errorf("%w: ...")
// wrapping, including the underlying OS error where one exists.
var (
	// ErrWouldBlock is not a failure: a non-blocking operation did not
	// complete and must be retried after the next readiness notification.
	ErrWouldBlock = errors.New("operation would block")

	// ErrTimeout reports that a bounded wait elapsed with nothing ready.
	ErrTimeout = errors.New("timeout reached")

	// ErrCouldNotConnect reports a failed dial; the wrapped cause carries
	// the resolver or OS detail.
	ErrCouldNotConnect = errors.New("could not connect")

	// ErrLostConnection reports a peer close or reset. The connection that
	// raised it is no longer usable; sibling connections are unaffected.
	ErrLostConnection = errors.New("lost connection")

	// ErrProtocol reports a malformed frame: bad magic, unknown command,
	// oversized body, or a body that does not match the command's shape.
	ErrProtocol = errors.New("protocol error")

	// ErrTooManyArgs reports an AddArgument past the command's fixed arity.
	ErrTooManyArgs = errors.New("too many arguments")

	// ErrInvalidPacket reports a Pack of a packet missing required arguments.
	ErrInvalidPacket = errors.New("invalid packet")

	// ErrNoServers reports that no job server is configured or discoverable.
	ErrNoServers = errors.New("no job servers available")

	// ErrServer reports an ERROR packet from the job server; the wrapping
	// error carries the server's code and text.
	ErrServer = errors.New("server error")

	// ErrJobFailed is the terminal status of a job whose worker reported
	// WORK_FAIL. It is a job outcome, not an engine failure.
	ErrJobFailed = errors.New("job failed")

	// ErrJobException is the terminal status of a job whose worker reported
	// WORK_EXCEPTION; the exception payload is carried in the wrapping error.
	ErrJobException = errors.New("job raised exception")
)
