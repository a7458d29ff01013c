// Package job defines the job value handed to worker handlers and the
// handler signature itself. It sits below both the worker and middleware
// packages so that middleware can wrap handlers without importing the
// worker's connection machinery.
package job

import "context"

// Reporter streams intermediate updates for a running job back toward the
// client: partial result chunks, numeric progress, and warnings. The worker
// session implements it over the job's connection.
type Reporter interface {
	SendData(chunk []byte) error
	SendStatus(numerator, denominator uint32) error
	SendWarning(warning []byte) error
}

// Job is one assigned unit of work: a server-issued handle, the function
// name it was submitted under, the client's unique key, and the opaque
// workload bytes.
type Job struct {
	Handle   string
	Function string
	Unique   string

	workload []byte
	reporter Reporter
}

// New builds a Job around an assignment. The workload is owned by the job.
func New(handle, function, unique string, workload []byte, r Reporter) *Job {
	return &Job{
		Handle:   handle,
		Function: function,
		Unique:   unique,
		workload: workload,
		reporter: r,
	}
}

// Workload returns the opaque payload the client submitted.
func (j *Job) Workload() []byte { return j.workload }

// SendData streams a partial result chunk to the client.
func (j *Job) SendData(chunk []byte) error { return j.reporter.SendData(chunk) }

// SendStatus reports numeric progress (numerator of denominator).
func (j *Job) SendStatus(numerator, denominator uint32) error {
	return j.reporter.SendStatus(numerator, denominator)
}

// SendWarning streams a warning payload to the client.
func (j *Job) SendWarning(warning []byte) error { return j.reporter.SendWarning(warning) }

// Handler executes one job and returns its result payload, or an error to
// fail the job. Handlers may stream intermediate updates through the Job
// before returning.
type Handler func(ctx context.Context, j *Job) ([]byte, error)
