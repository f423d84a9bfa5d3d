package vm

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/tliron/commonlog"

	"github.com/chazu/hackerlang/pkg/bytecode"
)

var log = commonlog.GetLogger("hl.vm")

// Return addresses with special meaning.
const (
	retMain = -1 // the program's main body
	retHost = -2 // a call made by the VM itself (await, pipe stage)
)

// DefaultMaxDepth bounds the call stack.
const DefaultMaxDepth = 1024

// Stats counts what a run did.
type Stats struct {
	Instructions     uint64
	Execs            uint64
	Conditions       uint64
	NativeConditions uint64 // conditions decided without a shell
	HotLoops         uint64 // loop header passes
	Calls            uint64
	Spawns           uint64
}

func (s Stats) String() string {
	return fmt.Sprintf("exec: %d instructions, %d processes, %d conditions (%d native), %d loop iterations, %d calls, %d spawns",
		s.Instructions, s.Execs, s.Conditions, s.NativeConditions, s.HotLoops, s.Calls, s.Spawns)
}

type frame struct {
	name   string
	ret    int
	locals map[string]string
}

// VM executes one bytecode program at a time. It is not safe for
// concurrent use.
type VM struct {
	shell     string
	pluginDir string
	heap      Heap
	stdin     io.Reader
	stdout    io.Writer
	stderr    io.Writer
	dryRun    bool
	trace     bool
	maxDepth  int

	prog     *bytecode.Program
	env      map[string]string
	dir      string // working directory of the shell session, "" for ours
	consts   map[string]bool
	frames   []*frame
	tasks    *TaskTable
	status   int    // exit status of the last command, $?
	out      string // last value bound by SetOut
	dryConds map[int]bool
	warnings []string
	stats    Stats

	sess       *session
	sessionOff bool
}

// Option configures a VM.
type Option func(*VM)

// WithShell sets the shell used for commands ("bash" by default).
func WithShell(shell string) Option {
	return func(vm *VM) {
		if shell != "" {
			vm.shell = shell
		}
	}
}

// WithPluginDir sets the directory plugins are resolved in.
func WithPluginDir(dir string) Option {
	return func(vm *VM) { vm.pluginDir = dir }
}

// WithHeap replaces the default unlimited GCHeap.
func WithHeap(h Heap) Option {
	return func(vm *VM) { vm.heap = h }
}

// WithStdio sets the streams given to commands and used for assertion
// messages. Nil arguments keep the process streams.
func WithStdio(stdin io.Reader, stdout, stderr io.Writer) Option {
	return func(vm *VM) {
		if stdin != nil {
			vm.stdin = stdin
		}
		if stdout != nil {
			vm.stdout = stdout
		}
		if stderr != nil {
			vm.stderr = stderr
		}
	}
}

// WithEnv sets environment variables on top of the inherited environment.
func WithEnv(kv map[string]string) Option {
	return func(vm *VM) {
		for k, v := range kv {
			vm.env[k] = v
		}
	}
}

// WithDryRun makes the VM walk the program without starting processes.
// Conditions a shell would have to decide are true on first evaluation and
// false afterwards, so every loop body is visited once.
func WithDryRun(on bool) Option {
	return func(vm *VM) { vm.dryRun = on }
}

// WithTrace prints every instruction to stderr before it executes.
func WithTrace(on bool) Option {
	return func(vm *VM) { vm.trace = on }
}

// WithMaxDepth bounds the call stack.
func WithMaxDepth(n int) Option {
	return func(vm *VM) {
		if n > 0 {
			vm.maxDepth = n
		}
	}
}

// WithSession enables or disables the persistent shell session (on by
// default). Without it every command runs in its own "<shell> -c".
func WithSession(on bool) Option {
	return func(vm *VM) { vm.sessionOff = !on }
}

// New creates a VM with the process environment.
func New(opts ...Option) *VM {
	vm := &VM{
		shell:    DefaultShell,
		heap:     NewGCHeap(0),
		stdin:    os.Stdin,
		stdout:   os.Stdout,
		stderr:   os.Stderr,
		maxDepth: DefaultMaxDepth,
		env:      environMap(os.Environ()),
		consts:   make(map[string]bool),
		tasks:    NewTaskTable(),
		dryConds: make(map[int]bool),
	}
	for _, opt := range opts {
		opt(vm)
	}
	// Spawned tasks write concurrently with the VM.
	if _, ok := vm.stdout.(*os.File); !ok {
		vm.stdout = &syncWriter{w: vm.stdout}
	}
	if _, ok := vm.stderr.(*os.File); !ok {
		vm.stderr = &syncWriter{w: vm.stderr}
	}
	return vm
}

// Run executes prog from its first instruction and returns the program's
// exit code. A non-nil error is a RuntimeError, an AssertionError or a
// context error; the exit code is then non-zero.
func (vm *VM) Run(ctx context.Context, prog *bytecode.Program) (int, error) {
	if err := prog.Validate(); err != nil {
		return 1, fmt.Errorf("vm: %w", err)
	}
	vm.prog = prog
	vm.frames = []*frame{{name: "main", ret: retMain, locals: make(map[string]string)}}

	defer vm.closeSession()
	code, _, err := vm.loop(ctx, 0)

	if n := vm.tasks.Running(); n > 0 {
		log.Debugf("exiting with %d spawned tasks still running", n)
	}
	log.Debugf("exit %d; %s", code, vm.stats)
	return code, err
}

// loop executes from ip until the program ends or, for a frame entered
// with retHost, until that frame returns. exited reports that the whole
// program is over.
func (vm *VM) loop(ctx context.Context, ip int) (code int, exited bool, err error) {
	ops := vm.prog.Ops
	for ip < len(ops) {
		if err := ctx.Err(); err != nil {
			return 1, true, err
		}
		ins := ops[ip]
		vm.stats.Instructions++
		if vm.trace {
			fmt.Fprintf(vm.stderr, "[%04d] %s\n", ip, vm.prog.FormatInstruction(ins))
		}
		next := ip + 1

		switch ins.Op {
		case bytecode.OpNop:

		case bytecode.OpExec, bytecode.OpMatchExec:
			text := vm.str(ins.A)
			if !ins.Raw {
				text = vm.expand(text)
			}
			if !vm.dryRun {
				vm.status = vm.runCommand(ctx, text, ins.Sudo)
			}

		case bytecode.OpPlugin:
			name := vm.expand(vm.str(ins.A))
			args := vm.expand(vm.str(ins.B))
			if !vm.dryRun {
				vm.status = vm.runPlugin(ctx, name, args, ins.Sudo)
			}

		case bytecode.OpPipeExec:
			code, exited, err := vm.pipe(ctx, ip, ins)
			if exited || err != nil {
				return code, true, err
			}

		case bytecode.OpSetEnv:
			key := vm.str(ins.A)
			vm.checkConst(key)
			vm.env[key] = vm.expand(vm.str(ins.B))

		case bytecode.OpSetLocal:
			key := vm.str(ins.A)
			vm.checkConst(key)
			vm.setLocal(key, vm.expand(vm.str(ins.B)))

		case bytecode.OpSetConst:
			key := vm.str(ins.A)
			vm.checkConst(key)
			vm.env[key] = vm.expand(vm.str(ins.B))
			vm.consts[key] = true

		case bytecode.OpSetOut:
			vm.out = vm.expand(vm.str(ins.A))
			vm.env[bytecode.OutVar] = vm.out

		case bytecode.OpJump:
			next = ins.Target

		case bytecode.OpHotLoop:
			vm.stats.HotLoops++
			next = ins.Target

		case bytecode.OpJumpIfFalse:
			if !vm.condition(ctx, ip, vm.str(ins.A)) {
				next = ins.Target
			}

		case bytecode.OpCallFunc:
			name := vm.str(ins.A)
			entry, err := vm.enter(ip, ins.Op, name, next)
			if err != nil {
				return 1, true, err
			}
			next = entry

		case bytecode.OpReturn:
			if len(vm.frames) == 1 {
				return 0, true, nil
			}
			f := vm.frames[len(vm.frames)-1]
			vm.frames = vm.frames[:len(vm.frames)-1]
			if f.ret == retHost {
				return 0, false, nil
			}
			next = f.ret

		case bytecode.OpExit:
			return int(ins.Code), true, nil

		case bytecode.OpAssert:
			if vm.dryRun {
				break
			}
			if msg, ok := vm.assert(ins); !ok {
				fmt.Fprintf(vm.stderr, "assert: %s\n", msg)
				return 1, true, &AssertionError{IP: ip, Message: msg}
			}

		case bytecode.OpLock:
			if err := vm.lock(ip, ins); err != nil {
				return 1, true, err
			}

		case bytecode.OpUnlock:
			key := vm.expand(vm.str(ins.A))
			if !vm.heap.Free(key) {
				vm.warn("unlock of %q, which is not locked", key)
			}

		case bytecode.OpSpawnBg, bytecode.OpSpawnAssign:
			if err := vm.spawn(ctx, ip, ins); err != nil {
				return 1, true, err
			}

		case bytecode.OpAwaitPid, bytecode.OpAwaitAssign:
			expr := ins.A
			if ins.Op == bytecode.OpAwaitAssign {
				expr = ins.B
			}
			val, code, exited, err := vm.await(ctx, ip, ins.Op, vm.str(expr))
			if exited || err != nil {
				return code, true, err
			}
			if ins.Op == bytecode.OpAwaitAssign {
				key := vm.str(ins.A)
				vm.checkConst(key)
				vm.setLocal(key, val)
			}

		default:
			return 1, true, runtimeError(ip, ins.Op, nil, "invalid opcode")
		}
		ip = next
	}
	return 0, true, nil
}

func (vm *VM) str(id uint32) string {
	return vm.prog.Str(id)
}

// ---------------------------------------------------------------------------
// Frames
// ---------------------------------------------------------------------------

// resolve finds a function entry: the exact name, else a unique
// namespaced name ending in ".name".
func (vm *VM) resolve(name string) (string, int, bool) {
	name = strings.TrimPrefix(strings.TrimSpace(name), ".")
	if at, ok := vm.prog.Functions[name]; ok {
		return name, at, true
	}
	for _, fn := range vm.prog.FunctionNames() {
		if strings.HasSuffix(fn, "."+name) {
			return fn, vm.prog.Functions[fn], true
		}
	}
	return "", 0, false
}

// enter pushes a frame for name and returns the entry point. Arguments
// bound to _HL_ARGS in the caller move into the callee frame.
func (vm *VM) enter(ip int, op bytecode.Opcode, name string, ret int) (int, error) {
	fn, entry, ok := vm.resolve(name)
	if !ok {
		return 0, runtimeError(ip, op, ErrUnknownFunction, "call to %q", name)
	}
	if len(vm.frames) >= vm.maxDepth {
		return 0, runtimeError(ip, op, nil, "call to %q exceeds maximum depth %d", fn, vm.maxDepth)
	}
	locals := make(map[string]string)
	caller := vm.frames[len(vm.frames)-1].locals
	if args, ok := caller[bytecode.ArgsVar]; ok {
		locals[bytecode.ArgsVar] = args
		delete(caller, bytecode.ArgsVar)
	}
	vm.frames = append(vm.frames, &frame{name: fn, ret: ret, locals: locals})
	vm.stats.Calls++
	return entry, nil
}

// call runs a function to completion from Go, for await and pipe stages.
func (vm *VM) call(ctx context.Context, ip int, op bytecode.Opcode, name, args string) (int, bool, error) {
	if args != "" {
		vm.setLocal(bytecode.ArgsVar, args)
	}
	entry, err := vm.enter(ip, op, name, retHost)
	if err != nil {
		return 1, true, err
	}
	return vm.loop(ctx, entry)
}

func (vm *VM) setLocal(key, val string) {
	vm.frames[len(vm.frames)-1].locals[key] = val
}

// ---------------------------------------------------------------------------
// Environment and diagnostics
// ---------------------------------------------------------------------------

func environMap(environ []string) map[string]string {
	m := make(map[string]string, len(environ))
	for _, kv := range environ {
		if k, v, ok := strings.Cut(kv, "="); ok {
			m[k] = v
		}
	}
	return m
}

func (vm *VM) environ() []string {
	return environ(vm.env)
}

func environ(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

func (vm *VM) checkConst(key string) {
	if vm.consts[key] {
		vm.warn("reassignment of constant %q", key)
	}
}

func (vm *VM) warn(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	vm.warnings = append(vm.warnings, msg)
	log.Warning(msg)
}

// Warnings returns the warnings raised so far.
func (vm *VM) Warnings() []string {
	return vm.warnings
}

// Stats returns execution counters.
func (vm *VM) Stats() Stats {
	return vm.stats
}

// Heap returns the heap serving Lock and Unlock.
func (vm *VM) Heap() Heap {
	return vm.heap
}

// Tasks returns the spawned task table.
func (vm *VM) Tasks() *TaskTable {
	return vm.tasks
}

// Getenv returns an environment variable as the VM sees it.
func (vm *VM) Getenv(key string) (string, bool) {
	v, ok := vm.env[key]
	return v, ok
}

// Out returns the value most recently bound by SetOut.
func (vm *VM) Out() string {
	return vm.out
}

// Status returns the exit status of the last command.
func (vm *VM) Status() int {
	return vm.status
}
