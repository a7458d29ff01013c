package worker

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"jobwire/job"
	"jobwire/middleware"
	"jobwire/protocol"
)

// execute runs the registered handler for one assignment and reports the
// outcome on the wire. The handler's error (or panic) becomes WORK_FAIL;
// execute itself fails only when reporting does.
func (w *Worker) execute(ctx context.Context, handle, function, unique string, workload []byte) error {
	reg, ok := w.handlers[function]
	if !ok {
		// The server assigned a function we never registered (or one that
		// was unregistered since the grab). Refuse it.
		if err := w.sendFail(ctx, handle); err != nil {
			return err
		}
		w.state = StateReported
		return nil
	}

	j := job.New(handle, function, unique, workload, &reporter{w: w, ctx: ctx, handle: handle})

	handler := reg.handler
	for i := len(reg.mw) - 1; i >= 0; i-- {
		handler = reg.mw[i](handler)
	}
	for i := len(w.mw) - 1; i >= 0; i-- {
		handler = w.mw[i](handler)
	}
	if reg.timeout > 0 {
		handler = middleware.TimeoutMiddleware(reg.timeout)(handler)
	}

	w.state = StateExecuting
	if w.rec != nil {
		w.rec.JobAssigned(function)
	}
	started := time.Now()

	result, err := w.invoke(ctx, handler, j)

	if err != nil {
		if w.rec != nil {
			w.rec.JobFailed(function)
		}
		if sendErr := w.sendFail(ctx, handle); sendErr != nil {
			return sendErr
		}
	} else {
		if w.rec != nil {
			w.rec.JobCompleted(function, time.Since(started))
		}
		if sendErr := w.sendComplete(ctx, handle, result); sendErr != nil {
			return sendErr
		}
	}
	w.state = StateReported
	return nil
}

// invoke runs the handler, converting a panic into a reported exception so
// one bad job cannot take the worker down.
func (w *Worker) invoke(ctx context.Context, handler job.Handler, j *job.Job) (result []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			msg := fmt.Sprintf("panic: %v", r)
			// Best effort: the client learns what blew up before the FAIL.
			w.sendException(ctx, j.Handle, []byte(msg))
			err = fmt.Errorf("%w: %s", protocol.ErrJobException, msg)
		}
	}()
	return handler(ctx, j)
}

func (w *Worker) sendComplete(ctx context.Context, handle string, result []byte) error {
	p := protocol.NewPacket(protocol.MagicRequest, protocol.WorkComplete)
	if err := p.AddStringArg(handle); err != nil {
		return err
	}
	p.GiveData(result)
	return w.conn.Send(ctx, p)
}

func (w *Worker) sendFail(ctx context.Context, handle string) error {
	p := protocol.NewPacket(protocol.MagicRequest, protocol.WorkFail)
	if err := p.AddStringArg(handle); err != nil {
		return err
	}
	return w.conn.Send(ctx, p)
}

func (w *Worker) sendException(ctx context.Context, handle string, payload []byte) error {
	p := protocol.NewPacket(protocol.MagicRequest, protocol.WorkException)
	if err := p.AddStringArg(handle); err != nil {
		return err
	}
	p.GiveData(payload)
	return w.conn.Send(ctx, p)
}

// reporter streams updates for the in-flight job over the worker's
// connection. It satisfies job.Reporter; the context is the one the job is
// executing under.
type reporter struct {
	w      *Worker
	ctx    context.Context
	handle string
}

func (r *reporter) SendData(chunk []byte) error {
	p := protocol.NewPacket(protocol.MagicRequest, protocol.WorkData)
	if err := p.AddStringArg(r.handle); err != nil {
		return err
	}
	p.GiveData(chunk)
	return r.w.conn.Send(r.ctx, p)
}

func (r *reporter) SendStatus(numerator, denominator uint32) error {
	p := protocol.NewPacket(protocol.MagicRequest, protocol.WorkStatus)
	if err := p.AddStringArg(r.handle); err != nil {
		return err
	}
	if err := p.AddStringArg(strconv.FormatUint(uint64(numerator), 10)); err != nil {
		return err
	}
	if err := p.AddStringArg(strconv.FormatUint(uint64(denominator), 10)); err != nil {
		return err
	}
	return r.w.conn.Send(r.ctx, p)
}

func (r *reporter) SendWarning(warning []byte) error {
	p := protocol.NewPacket(protocol.MagicRequest, protocol.WorkWarning)
	if err := p.AddStringArg(r.handle); err != nil {
		return err
	}
	p.GiveData(warning)
	return r.w.conn.Send(r.ctx, p)
}
