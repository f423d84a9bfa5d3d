package vm

import (
	"fmt"
	"os/exec"
	"sync"
)

// Task is a spawned child process.
type Task struct {
	PID  int
	Text string

	done   chan struct{}
	status int
	err    error
}

// Done is closed when the process has exited.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Status blocks until the process exits and returns its exit status.
func (t *Task) Status() (int, error) {
	<-t.done
	return t.status, t.err
}

// ---------------------------------------------------------------------------
// TaskTable: outstanding spawned processes
// ---------------------------------------------------------------------------

// TaskTable tracks spawned processes until they are awaited. A task is
// removed from the table by Await, so a handle can be awaited once.
type TaskTable struct {
	mu    sync.Mutex
	tasks map[int]*Task
}

// NewTaskTable creates an empty task table.
func NewTaskTable() *TaskTable {
	return &TaskTable{tasks: make(map[int]*Task)}
}

// Start starts cmd without waiting for it and registers it by PID.
func (tt *TaskTable) Start(cmd *exec.Cmd, text string) (*Task, error) {
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn %q: %w", text, err)
	}
	t := &Task{
		PID:  cmd.Process.Pid,
		Text: text,
		done: make(chan struct{}),
	}
	go func() {
		err := cmd.Wait()
		t.status, t.err = exitStatus(err)
		close(t.done)
	}()

	tt.mu.Lock()
	tt.tasks[t.PID] = t
	tt.mu.Unlock()
	return t, nil
}

// Get returns the task registered under pid.
func (tt *TaskTable) Get(pid int) (*Task, bool) {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	t, ok := tt.tasks[pid]
	return t, ok
}

// Await blocks until the task exits, removes it from the table and returns
// its exit status.
func (tt *TaskTable) Await(pid int) (int, error) {
	tt.mu.Lock()
	t, ok := tt.tasks[pid]
	delete(tt.tasks, pid)
	tt.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("pid %d: %w", pid, ErrUnknownTask)
	}
	return t.Status()
}

// Pending returns the number of tasks not yet awaited.
func (tt *TaskTable) Pending() int {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	return len(tt.tasks)
}

// Running returns the number of registered tasks still executing.
func (tt *TaskTable) Running() int {
	tt.mu.Lock()
	defer tt.mu.Unlock()

	n := 0
	for _, t := range tt.tasks {
		select {
		case <-t.done:
		default:
			n++
		}
	}
	return n
}
