package client

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"jobwire/protocol"
)

// doConfig collects the streaming callbacks for one Do session.
type doConfig struct {
	onData    func(chunk []byte)
	onStatus  func(numerator, denominator uint32)
	onWarning func(warning []byte)
}

// DoOption configures a single Do call.
type DoOption func(*doConfig)

// OnData receives each partial result chunk, in arrival order. The chunk
// borrows the connection's read buffer and is only valid inside the
// callback; copy it to retain it.
func OnData(fn func(chunk []byte)) DoOption {
	return func(cfg *doConfig) { cfg.onData = fn }
}

// OnStatus receives progress updates as (numerator, denominator) pairs.
func OnStatus(fn func(numerator, denominator uint32)) DoOption {
	return func(cfg *doConfig) { cfg.onStatus = fn }
}

// OnWarning receives warning payloads; validity rules match OnData.
func OnWarning(fn func(warning []byte)) DoOption {
	return func(cfg *doConfig) { cfg.onWarning = fn }
}

// Do runs one complete foreground job session: submit, consume the update
// stream, and return the final result payload once the job completes.
//
// Terminal outcomes: the result and nil on WORK_COMPLETE; ErrJobFailed on
// WORK_FAIL; ErrJobException (carrying the exception payload) on
// WORK_EXCEPTION; the connection's error if the link dies mid-stream.
func (c *Client) Do(ctx context.Context, function, unique string, workload []byte, opts ...DoOption) ([]byte, error) {
	var cfg doConfig
	for _, o := range opts {
		o(&cfg)
	}
	if unique == "" {
		unique = makeUnique()
	}

	c.u.PushBlocking()
	defer c.u.PopBlocking()

	started := time.Now()
	handle, err := c.submit(ctx, submitCommand(PriorityNormal, false), function, unique, workload)
	if err != nil {
		return nil, err
	}
	result, err := c.awaitResult(ctx, handle, &cfg)
	if c.rec != nil {
		if err == nil {
			c.rec.JobCompleted(function, time.Since(started))
		} else if c.state == StateFailed {
			c.rec.JobFailed(function)
		}
	}
	return result, err
}

// awaitResult consumes update packets for handle until a terminal one.
func (c *Client) awaitResult(ctx context.Context, handle string, cfg *doConfig) ([]byte, error) {
	for {
		in, err := c.conn.Receive(ctx)
		if err != nil {
			c.state = StateErrored
			return nil, err
		}
		if n := in.NumArgs(); n > 0 && in.ArgString(0) != handle {
			// An update for a job this session does not own; drop it.
			continue
		}

		switch in.Command {
		case protocol.WorkData:
			c.state = StateStreaming
			if cfg.onData != nil {
				cfg.onData(in.Data())
			}

		case protocol.WorkWarning:
			c.state = StateStreaming
			if cfg.onWarning != nil {
				cfg.onWarning(in.Data())
			}

		case protocol.WorkStatus:
			c.state = StateStreaming
			num, den, err := parseProgress(in.ArgString(1), in.ArgString(2))
			if err != nil {
				c.state = StateErrored
				return nil, err
			}
			if cfg.onStatus != nil {
				cfg.onStatus(num, den)
			}

		case protocol.WorkComplete:
			c.state = StateComplete
			return c.copyOut(in.Data()), nil

		case protocol.WorkFail:
			c.state = StateFailed
			return nil, protocol.ErrJobFailed

		case protocol.WorkException:
			c.state = StateFailed
			return nil, fmt.Errorf("%w: %s", protocol.ErrJobException, in.Data())

		case protocol.Error:
			c.state = StateErrored
			return nil, fmt.Errorf("%w: %s: %s", protocol.ErrServer, in.ArgString(0), in.Data())

		default:
			// Unknown or unrelated packet kind; skip.
		}
	}
}

// parseProgress decodes a (numerator, denominator) pair from wire strings.
// A zero denominator is a protocol violation by the peer, reported rather
// than divided.
func parseProgress(numStr, denStr string) (uint32, uint32, error) {
	num, err := strconv.ParseUint(numStr, 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: bad status numerator %q", protocol.ErrProtocol, numStr)
	}
	den, err := strconv.ParseUint(denStr, 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: bad status denominator %q", protocol.ErrProtocol, denStr)
	}
	if den == 0 {
		return 0, 0, fmt.Errorf("%w: status denominator is zero", protocol.ErrProtocol)
	}
	return uint32(num), uint32(den), nil
}

// Percent converts a progress pair to a 0–100 percentage. The zero
// denominator guard mirrors parseProgress for callers computing their own.
func Percent(numerator, denominator uint32) (uint32, error) {
	if denominator == 0 {
		return 0, fmt.Errorf("%w: status denominator is zero", protocol.ErrProtocol)
	}
	return numerator * 100 / denominator, nil
}
