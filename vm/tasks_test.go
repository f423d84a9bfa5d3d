package vm

import (
	"errors"
	"os"
	"os/exec"
	"testing"
)

func TestTaskTable(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}
	tt := NewTaskTable()
	task, err := tt.Start(exec.Command("/bin/sh", "-c", "exit 5"), "exit 5")
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if got, ok := tt.Get(task.PID); !ok || got != task {
		t.Fatal("Get() did not return the started task")
	}
	if tt.Pending() != 1 {
		t.Errorf("Pending() = %d, want 1", tt.Pending())
	}

	status, err := tt.Await(task.PID)
	if err != nil || status != 5 {
		t.Errorf("Await() = %d, %v; want 5, nil", status, err)
	}
	select {
	case <-task.Done():
	default:
		t.Error("Done() not closed after Await")
	}
	if tt.Pending() != 0 || tt.Running() != 0 {
		t.Errorf("Pending() = %d, Running() = %d after Await", tt.Pending(), tt.Running())
	}
	if _, err := tt.Await(task.PID); !errors.Is(err, ErrUnknownTask) {
		t.Errorf("second Await() error = %v, want ErrUnknownTask", err)
	}
}

func TestTaskTableStartFailure(t *testing.T) {
	tt := NewTaskTable()
	if _, err := tt.Start(exec.Command("/nonexistent/binary"), "x"); err == nil {
		t.Error("Start() of a missing binary succeeded")
	}
	if tt.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0", tt.Pending())
	}
}

func TestExitStatus(t *testing.T) {
	if code, err := exitStatus(nil); code != 0 || err != nil {
		t.Errorf("exitStatus(nil) = %d, %v", code, err)
	}
	if code, err := exitStatus(exec.ErrNotFound); code != 127 || err == nil {
		t.Errorf("exitStatus(ErrNotFound) = %d, %v; want 127", code, err)
	}
}
