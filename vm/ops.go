package vm

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strconv"
	"strings"

	"github.com/chazu/hackerlang/pkg/bytecode"
	"github.com/chazu/hackerlang/pkg/cond"
)

// condition decides a JumpIfFalse test: natively when the substituted
// test has literal operands, otherwise by its shell exit status.
func (vm *VM) condition(ctx context.Context, ip int, text string) bool {
	vm.stats.Conditions++
	e := vm.expand(text)
	if r, ok := cond.EvalIn(e, vm.dir); ok {
		vm.stats.NativeConditions++
		return r
	}
	if vm.dryRun {
		seen := vm.dryConds[ip]
		vm.dryConds[ip] = true
		return !seen
	}
	if status, ok := vm.inSession(ctx, e, false, vm.stdout); ok {
		return status == 0
	}
	cmd := vm.command(ctx, e, false)
	status, err := exitStatus(cmd.Run())
	if err != nil {
		log.Warningf("condition %q: %v", e, err)
	}
	return status == 0
}

// assert evaluates an Assert in-process and returns the failure message.
// Tests are decided natively; a test that cannot be decided without a
// shell fails. Anything else is judged by truthiness.
func (vm *VM) assert(ins bytecode.Instruction) (string, bool) {
	e := strings.TrimSpace(vm.expand(vm.str(ins.A)))
	w := cond.Wrap(e)
	ok, decided := cond.EvalIn(w, vm.dir)
	if !decided {
		switch {
		case strings.HasPrefix(w, "((") && strings.HasSuffix(w, "))"):
			v, err := evalArith(strings.TrimSpace(w[2:len(w)-2]), vm.lookup)
			ok, decided = err == nil && v != 0, err == nil
		case cond.IsTest(w):
		default:
			ok, decided = cond.Truthy(e) && !unresolved(e), true
		}
	}
	if ok {
		return "", true
	}
	if ins.HasB {
		return vm.expand(vm.str(ins.B)), false
	}
	if !decided {
		return "Assertion failed: " + e + " (cannot be evaluated in-process)", false
	}
	return "Assertion failed: " + e, false
}

// unresolved reports whether v is a lone variable reference the VM could
// not substitute.
func unresolved(v string) bool {
	if !strings.HasPrefix(v, "$") {
		return false
	}
	name := strings.TrimSuffix(strings.TrimPrefix(v[1:], "{"), "}")
	return isName(name)
}

// lockSize reads a Lock size: a non-negative integer, else the byte
// length of the value, at least 1. "0" reserves the key without bytes.
func lockSize(v string) int {
	if n, err := strconv.ParseUint(strings.TrimSpace(v), 10, 31); err == nil {
		return int(n)
	}
	return max(len(v), 1)
}

func (vm *VM) lock(ip int, ins bytecode.Instruction) error {
	key := vm.expand(vm.str(ins.A))
	size := lockSize(vm.expand(vm.str(ins.B)))
	if err := vm.heap.Alloc(key, size); err != nil {
		return runtimeError(ip, ins.Op, err, "lock %q (%d B)", key, size)
	}
	return nil
}

// spawn starts a task without waiting and records its PID.
func (vm *VM) spawn(ctx context.Context, ip int, ins bytecode.Instruction) error {
	task := ins.A
	if ins.Op == bytecode.OpSpawnAssign {
		task = ins.B
	}
	text := vm.expand(vm.str(task))

	pid := "0"
	if !vm.dryRun {
		cmd := vm.command(context.WithoutCancel(ctx), text, ins.Sudo)
		cmd.Stdin = nil
		t, err := vm.tasks.Start(cmd, text)
		if err != nil {
			return runtimeError(ip, ins.Op, err, "spawn")
		}
		pid = strconv.Itoa(t.PID)
		vm.stats.Spawns++
		log.Debugf("spawned %q as %s", text, pid)
	}

	vm.env[bytecode.SpawnPIDVar] = pid
	if ins.Op == bytecode.OpSpawnAssign {
		key := vm.str(ins.A)
		vm.checkConst(key)
		vm.setLocal(key, pid)
	}
	return nil
}

// await blocks on a task handle, a function call or a command and returns
// the value an AwaitAssign binds: the task's exit status, the function's
// out value or the command's trimmed stdout.
func (vm *VM) await(ctx context.Context, ip int, op bytecode.Opcode, raw string) (val string, code int, exited bool, err error) {
	raw = strings.TrimSpace(raw)
	e := strings.TrimSpace(vm.expand(raw))

	switch {
	case strings.HasPrefix(e, "."):
		name, args, _ := strings.Cut(e[1:], " ")
		vm.out = ""
		code, exited, err := vm.call(ctx, ip, op, name, strings.TrimSpace(args))
		return vm.out, code, exited, err

	case strings.HasPrefix(raw, "$") || isPID(e):
		pid, perr := strconv.Atoi(e)
		if perr != nil {
			return "", 1, true, runtimeError(ip, op, ErrUnknownTask, "await %s", raw)
		}
		if vm.dryRun {
			return "0", 0, false, nil
		}
		status, werr := vm.tasks.Await(pid)
		if errors.Is(werr, ErrUnknownTask) {
			return "", 1, true, runtimeError(ip, op, werr, "await %s", raw)
		}
		if werr != nil {
			log.Warningf("task %d: %v", pid, werr)
		}
		vm.status = status
		return strconv.Itoa(status), 0, false, nil
	}

	if vm.dryRun {
		return "", 0, false, nil
	}
	var buf bytes.Buffer
	vm.stats.Execs++
	if status, ok := vm.inSession(ctx, e, false, &buf); ok {
		vm.status = status
		return strings.TrimSpace(buf.String()), 0, false, nil
	}
	cmd := vm.command(ctx, e, false)
	cmd.Stdout = &buf
	vm.status, err = exitStatus(cmd.Run())
	if err != nil {
		log.Warningf("%s: %v", e, err)
	}
	return strings.TrimSpace(buf.String()), 0, false, nil
}

func isPID(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// pipe runs the stages of a PipeExec left to right, feeding each stage's
// stdout to the next stage's stdin. Function stages run on the VM with
// their streams redirected.
func (vm *VM) pipe(ctx context.Context, ip int, ins bytecode.Instruction) (int, bool, error) {
	if vm.dryRun {
		return 0, false, nil
	}
	stdin, stdout := vm.stdin, vm.stdout
	defer func() { vm.stdin, vm.stdout = stdin, stdout }()

	var input io.Reader = stdin
	for i, id := range ins.Stages {
		stage := strings.TrimSpace(vm.expand(vm.str(id)))
		out := &bytes.Buffer{}
		// Tasks spawned inside a stage write concurrently with it.
		sw := &syncWriter{w: out}
		var w io.Writer = sw
		if i == len(ins.Stages)-1 {
			w = stdout
		}
		vm.stdin, vm.stdout = input, w

		if strings.HasPrefix(stage, ".") {
			name, args, _ := strings.Cut(stage[1:], " ")
			code, exited, err := vm.call(ctx, ip, ins.Op, name, strings.TrimSpace(args))
			if exited || err != nil {
				return code, true, err
			}
		} else {
			vm.status = vm.runCommand(ctx, stage, ins.Sudo)
		}
		sw.mu.Lock()
		input = bytes.NewReader(bytes.Clone(out.Bytes()))
		sw.mu.Unlock()
	}
	return 0, false, nil
}
