package vm

import (
	"errors"
	"fmt"

	"github.com/chazu/hackerlang/pkg/bytecode"
)

var (
	// ErrHeapExhausted is returned by a Heap when a block does not fit.
	ErrHeapExhausted = errors.New("heap exhausted")
	// ErrKeyInUse is returned by a Heap when the key is already locked.
	ErrKeyInUse = errors.New("heap key already locked")
	// ErrUnknownTask is returned when awaiting a handle that is not in the
	// task table, either because it was never spawned or was already reaped.
	ErrUnknownTask = errors.New("unknown task")
	// ErrUnknownFunction is returned when a call target has no entry.
	ErrUnknownFunction = errors.New("unknown function")
)

// RuntimeError is a fatal error raised while executing an instruction.
type RuntimeError struct {
	IP  int
	Op  bytecode.Opcode
	Msg string
	Err error
}

func (e *RuntimeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("runtime error at %d (%s): %s: %v", e.IP, e.Op, e.Msg, e.Err)
	}
	return fmt.Sprintf("runtime error at %d (%s): %s", e.IP, e.Op, e.Msg)
}

func (e *RuntimeError) Unwrap() error {
	return e.Err
}

// AssertionError reports a failed Assert. The program exits with code 1.
type AssertionError struct {
	IP      int
	Message string
}

func (e *AssertionError) Error() string {
	return "assert: " + e.Message
}

func runtimeError(ip int, op bytecode.Opcode, err error, format string, args ...any) *RuntimeError {
	return &RuntimeError{IP: ip, Op: op, Msg: fmt.Sprintf(format, args...), Err: err}
}
