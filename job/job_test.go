package job

import (
	"errors"
	"testing"
)

type recordingReporter struct {
	data     [][]byte
	statuses [][2]uint32
	warnings [][]byte
	err      error
}

func (r *recordingReporter) SendData(chunk []byte) error {
	r.data = append(r.data, chunk)
	return r.err
}

func (r *recordingReporter) SendStatus(num, den uint32) error {
	r.statuses = append(r.statuses, [2]uint32{num, den})
	return r.err
}

func (r *recordingReporter) SendWarning(warning []byte) error {
	r.warnings = append(r.warnings, warning)
	return r.err
}

func TestJobForwardsToReporter(t *testing.T) {
	rep := &recordingReporter{}
	j := New("H:1", "resize", "u-1", []byte("pixels"), rep)

	if string(j.Workload()) != "pixels" {
		t.Fatalf("workload %q", j.Workload())
	}
	if err := j.SendData([]byte("chunk")); err != nil {
		t.Fatal(err)
	}
	if err := j.SendStatus(2, 5); err != nil {
		t.Fatal(err)
	}
	if err := j.SendWarning([]byte("careful")); err != nil {
		t.Fatal(err)
	}

	if len(rep.data) != 1 || string(rep.data[0]) != "chunk" {
		t.Fatalf("data %v", rep.data)
	}
	if len(rep.statuses) != 1 || rep.statuses[0] != [2]uint32{2, 5} {
		t.Fatalf("statuses %v", rep.statuses)
	}
	if len(rep.warnings) != 1 || string(rep.warnings[0]) != "careful" {
		t.Fatalf("warnings %v", rep.warnings)
	}
}

func TestJobPropagatesReporterError(t *testing.T) {
	rep := &recordingReporter{err: errors.New("link down")}
	j := New("H:2", "resize", "", nil, rep)

	if err := j.SendData([]byte("x")); err == nil {
		t.Fatal("expected reporter error to surface")
	}
}
