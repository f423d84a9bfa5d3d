package vm

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/chazu/hackerlang/compiler"
	"github.com/chazu/hackerlang/pkg/ast"
	"github.com/chazu/hackerlang/pkg/bytecode"
)

func newTestVM(t *testing.T, opts ...Option) (*VM, *bytes.Buffer, *bytes.Buffer) {
	t.Helper()
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}
	var stdout, stderr bytes.Buffer
	base := []Option{
		WithShell("/bin/sh"),
		WithStdio(strings.NewReader(""), &stdout, &stderr),
	}
	return New(append(base, opts...)...), &stdout, &stderr
}

func n(c ast.Command) ast.Node {
	return ast.Node{Line: 1, Content: c, OriginalText: c.Kind()}
}

func compile(t *testing.T, main []ast.Node, fns ...ast.Function) *bytecode.Program {
	t.Helper()
	p, err := compiler.Compile(&ast.AnalysisResult{Main: main, Functions: fns})
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}
	return p
}

func run(t *testing.T, v *VM, p *bytecode.Program) (int, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return v.Run(ctx, p)
}

func TestLoopRunsExactlyThreeTimes(t *testing.T) {
	v, stdout, _ := newTestVM(t)
	p := compile(t, []ast.Node{n(ast.Loop{Count: 3, Cmd: "log hi"})})

	code, err := run(t, v, p)
	if err != nil || code != 0 {
		t.Fatalf("Run() = %d, %v", code, err)
	}
	if got := stdout.String(); got != "hi\nhi\nhi\n" {
		t.Errorf("stdout = %q, want three lines", got)
	}
	st := v.Stats()
	if st.Execs != 3 {
		t.Errorf("Execs = %d, want 3", st.Execs)
	}
	if st.HotLoops != 4 {
		t.Errorf("HotLoops = %d, want 4", st.HotLoops)
	}
	if st.NativeConditions != st.Conditions {
		t.Errorf("loop conditions forked a shell: %d of %d native", st.NativeConditions, st.Conditions)
	}
}

func TestLoopWithoutHotLoop(t *testing.T) {
	v, stdout, _ := newTestVM(t)
	p := compile(t, []ast.Node{n(ast.Loop{Count: 3, Cmd: "log hi"})})
	for i := range p.Ops {
		if p.Ops[i].Op == bytecode.OpHotLoop {
			p.Ops[i] = bytecode.Instruction{Op: bytecode.OpNop}
		}
	}
	if _, err := run(t, v, p); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := strings.Count(stdout.String(), "hi\n"); got != 3 {
		t.Errorf("body ran %d times, want 3", got)
	}
}

func TestLoopAfterOptimize(t *testing.T) {
	v, stdout, _ := newTestVM(t)
	p := compile(t, []ast.Node{n(ast.Loop{Count: 3, Cmd: "log hi"})})
	compiler.Optimize(p)
	if _, err := run(t, v, p); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := strings.Count(stdout.String(), "hi\n"); got != 3 {
		t.Errorf("body ran %d times, want 3", got)
	}
}

func TestAssertFailure(t *testing.T) {
	v, _, stderr := newTestVM(t)
	p := compile(t, []ast.Node{
		n(ast.Assert{Cond: "false", Msg: "boom", HasMsg: true}),
		n(ast.Log{Msg: "unreachable"}),
	})

	code, err := run(t, v, p)
	if code != 1 {
		t.Errorf("exit code = %d, want 1", code)
	}
	var ae *AssertionError
	if !errors.As(err, &ae) || ae.Message != "boom" {
		t.Errorf("error = %v, want AssertionError(boom)", err)
	}
	if !strings.Contains(stderr.String(), "boom") {
		t.Errorf("stderr = %q, want it to contain boom", stderr.String())
	}
	if v.Stats().Execs != 0 {
		t.Errorf("assert started %d processes, want 0", v.Stats().Execs)
	}
}

func TestAssertTruthiness(t *testing.T) {
	tests := []struct {
		cond string
		pass bool
	}{
		{"true", true},
		{"yes", true},
		{"1 -eq 1", true},
		{"$v", true},
		{"[[ $v == ok ]]", true},
		{"false", false},
		{"0", false},
		{"no", false},
		{"NULL", false},
		{"1 -eq 2", false},
		{"$unset_var", false},
	}
	for _, tt := range tests {
		t.Run(tt.cond, func(t *testing.T) {
			v, _, stderr := newTestVM(t, WithEnv(map[string]string{"v": "ok"}))
			p := compile(t, []ast.Node{n(ast.Assert{Cond: tt.cond})})
			code, _ := run(t, v, p)
			if pass := code == 0; pass != tt.pass {
				t.Errorf("assert %q passed = %v, want %v (stderr %q)", tt.cond, pass, tt.pass, stderr.String())
			}
			if !tt.pass && !strings.Contains(stderr.String(), "Assertion failed: ") {
				t.Errorf("stderr = %q, want default message", stderr.String())
			}
		})
	}
}

func TestAssertFileTests(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		cond string
		pass bool
	}{
		{"[[ -f /definitely/missing ]]", false},
		{"[ -e /definitely/missing ]", false},
		{"[[ -d " + dir + " ]]", true},
		{"[[ ! -f " + dir + " ]]", true},
		{"(( 2 > 1 ))", true},
		{"(( 1 > 2 ))", false},
		{"[[ abc =~ b ]]", false},
	}
	for _, tt := range tests {
		t.Run(tt.cond, func(t *testing.T) {
			v, _, stderr := newTestVM(t)
			p := compile(t, []ast.Node{n(ast.Assert{Cond: tt.cond})})
			code, _ := run(t, v, p)
			if pass := code == 0; pass != tt.pass {
				t.Errorf("assert %q passed = %v, want %v (stderr %q)", tt.cond, pass, tt.pass, stderr.String())
			}
			if v.Stats().Execs != 0 {
				t.Errorf("assert started %d processes, want 0", v.Stats().Execs)
			}
		})
	}
}

func TestAssertMissingFileMessage(t *testing.T) {
	v, _, stderr := newTestVM(t)
	p := compile(t, []ast.Node{
		n(ast.Assert{Cond: "[[ -f /definitely/missing ]]", Msg: "missing", HasMsg: true}),
		n(ast.Log{Msg: "unreachable"}),
	})
	code, err := run(t, v, p)
	if code != 1 {
		t.Errorf("exit code = %d, want 1", code)
	}
	var ae *AssertionError
	if !errors.As(err, &ae) || ae.Message != "missing" {
		t.Errorf("error = %v, want AssertionError(missing)", err)
	}
	if !strings.Contains(stderr.String(), "missing") {
		t.Errorf("stderr = %q, want it to contain missing", stderr.String())
	}
}

func TestLockUnlockUnlock(t *testing.T) {
	heap := NewGCHeap(0)
	v, _, _ := newTestVM(t, WithHeap(heap))
	p := compile(t, []ast.Node{
		n(ast.Lock{Key: "k", Val: "16"}),
		n(ast.Unlock{Key: "k"}),
		n(ast.Unlock{Key: "k"}),
	})

	code, err := run(t, v, p)
	if err != nil || code != 0 {
		t.Fatalf("Run() = %d, %v", code, err)
	}
	if len(v.Warnings()) != 1 {
		t.Errorf("Warnings() = %v, want one unlock warning", v.Warnings())
	}
	st := heap.Stats()
	if st.Allocs != 1 || st.Frees != 1 || st.InUse != 0 {
		t.Errorf("heap stats = %+v", st)
	}
}

func TestLockRejected(t *testing.T) {
	tests := []struct {
		name string
		main []ast.Node
		want error
	}{
		{"exhausted", []ast.Node{n(ast.Lock{Key: "k", Val: "16"})}, ErrHeapExhausted},
		{"duplicate", []ast.Node{n(ast.Lock{Key: "k", Val: "1"}), n(ast.Lock{Key: "k", Val: "1"})}, ErrKeyInUse},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, _, _ := newTestVM(t, WithHeap(NewGCHeap(8)))
			code, err := run(t, v, compile(t, tt.main))
			if code == 0 {
				t.Error("exit code = 0, want non-zero")
			}
			var re *RuntimeError
			if !errors.As(err, &re) || re.Op != bytecode.OpLock {
				t.Fatalf("error = %v, want RuntimeError at LOCK", err)
			}
			if !errors.Is(err, tt.want) {
				t.Errorf("error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestLockSizeFromValue(t *testing.T) {
	heap := NewGCHeap(0)
	v, _, _ := newTestVM(t, WithHeap(heap))
	p := compile(t, []ast.Node{n(ast.Lock{Key: "buf", Val: "abcd"})})
	if _, err := run(t, v, p); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if size, ok := heap.Size("buf"); !ok || size != 4 {
		t.Errorf("Size(buf) = %d, %v; want 4, true", size, ok)
	}
}

func TestLockZeroAndNegativeSizes(t *testing.T) {
	heap := NewGCHeap(0)
	v, _, _ := newTestVM(t, WithHeap(heap))
	p := compile(t, []ast.Node{
		n(ast.Lock{Key: "k", Val: "0"}),
		n(ast.Lock{Key: "neg", Val: "-5"}),
	})
	code, err := run(t, v, p)
	if err != nil || code != 0 {
		t.Fatalf("Run() = %d, %v", code, err)
	}
	if size, ok := heap.Size("k"); !ok || size != 0 {
		t.Errorf("Size(k) = %d, %v; want 0, true", size, ok)
	}
	if size, ok := heap.Size("neg"); !ok || size != 2 {
		t.Errorf("Size(neg) = %d, %v; want 2, true", size, ok)
	}
}

func TestSpawnAwaitBlocksUntilExit(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "done")
	v, stdout, _ := newTestVM(t)
	p := compile(t, []ast.Node{
		n(ast.AssignSpawn{Key: "t", Task: "sleep 0.3; touch " + marker + "; exit 3"}),
		n(ast.Spawn{Task: "sleep 0.1"}),
		n(ast.AssignAwait{Key: "r", Expr: "$t"}),
		n(ast.Log{Msg: "status=$r"}),
	})

	start := time.Now()
	code, err := run(t, v, p)
	if err != nil || code != 0 {
		t.Fatalf("Run() = %d, %v", code, err)
	}
	if elapsed := time.Since(start); elapsed < 300*time.Millisecond {
		t.Errorf("await returned after %v, before the task exited", elapsed)
	}
	if _, err := os.Stat(marker); err != nil {
		t.Errorf("task output missing after await: %v", err)
	}
	if got := stdout.String(); got != "status=3\n" {
		t.Errorf("stdout = %q, want %q", got, "status=3\n")
	}
	if pid, ok := v.Getenv(bytecode.SpawnPIDVar); !ok || !isPID(pid) {
		t.Errorf("%s = %q, want a pid", bytecode.SpawnPIDVar, pid)
	}
}

func TestAwaitUnknownTask(t *testing.T) {
	tests := []struct {
		name string
		main []ast.Node
	}{
		{"never spawned", []ast.Node{n(ast.AssignAwait{Key: "r", Expr: "$nope"})}},
		{"already reaped", []ast.Node{
			n(ast.AssignSpawn{Key: "t", Task: "true"}),
			n(ast.Await{Expr: "$t"}),
			n(ast.Await{Expr: "$t"}),
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, _, _ := newTestVM(t)
			code, err := run(t, v, compile(t, tt.main))
			if code == 0 {
				t.Error("exit code = 0, want non-zero")
			}
			if !errors.Is(err, ErrUnknownTask) {
				t.Fatalf("error = %v, want ErrUnknownTask", err)
			}
			if !strings.Contains(err.Error(), "$") {
				t.Errorf("error %q does not name the handle", err)
			}
		})
	}
}

func TestAwaitCommandBindsOutput(t *testing.T) {
	v, stdout, _ := newTestVM(t)
	p := compile(t, []ast.Node{
		n(ast.AssignAwait{Key: "r", Expr: "echo '  spaced  '"}),
		n(ast.Log{Msg: "got:$r"}),
	})
	if _, err := run(t, v, p); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := stdout.String(); got != "got:spaced\n" {
		t.Errorf("stdout = %q", got)
	}
}

func TestAwaitFunctionBindsOut(t *testing.T) {
	v, stdout, _ := newTestVM(t)
	fn := ast.Function{Name: "answer", Body: []ast.Node{n(ast.Out{Val: "42"})}}
	p := compile(t, []ast.Node{
		n(ast.AssignAwait{Key: "r", Expr: ".answer"}),
		n(ast.Log{Msg: "got $r"}),
	}, fn)
	if _, err := run(t, v, p); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := stdout.String(); got != "got 42\n" {
		t.Errorf("stdout = %q, want %q", got, "got 42\n")
	}
	if v.Out() != "42" {
		t.Errorf("Out() = %q, want 42", v.Out())
	}
}

func TestAwaitFunctionWithArgs(t *testing.T) {
	v, stdout, _ := newTestVM(t)
	fn := ast.Function{Name: "greet", Body: []ast.Node{n(ast.Out{Val: "hi $_HL_ARGS"})}}
	p := compile(t, []ast.Node{
		n(ast.AssignAwait{Key: "r", Expr: ".greet bob"}),
		n(ast.Log{Msg: "got $r"}),
		n(ast.Await{Expr: ".greet amy lee"}),
	}, fn)
	if _, err := run(t, v, p); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := stdout.String(); got != "got hi bob\n" {
		t.Errorf("stdout = %q, want %q", got, "got hi bob\n")
	}
	if v.Out() != "hi amy lee" {
		t.Errorf("Out() = %q, want %q", v.Out(), "hi amy lee")
	}
}

func TestPipeChain(t *testing.T) {
	v, stdout, _ := newTestVM(t)
	up := ast.Function{Name: "up", Body: []ast.Node{n(ast.RawSub{Cmd: "tr a-z A-Z"})}}
	p := compile(t, []ast.Node{
		n(ast.Pipe{Stages: []string{`printf 'b\na\n'`, ".up", "sort"}}),
	}, up)
	if p.Ops[0].Op != bytecode.OpPipeExec {
		t.Fatalf("Ops[0] = %s, want PIPE_EXEC", p.Ops[0].Op)
	}
	if _, err := run(t, v, p); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := stdout.String(); got != "A\nB\n" {
		t.Errorf("stdout = %q, want %q", got, "A\nB\n")
	}
}

func TestPipeShellOnly(t *testing.T) {
	v, stdout, _ := newTestVM(t)
	p := compile(t, []ast.Node{
		n(ast.Pipe{Stages: []string{"echo abc", "tr a-z A-Z", "tr B X"}}),
	})
	if p.Ops[0].Op != bytecode.OpExec {
		t.Fatalf("Ops[0] = %s, want EXEC", p.Ops[0].Op)
	}
	if _, err := run(t, v, p); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := stdout.String(); got != "AXC\n" {
		t.Errorf("stdout = %q, want %q", got, "AXC\n")
	}
}

func TestPipeStageWithSpawnedTask(t *testing.T) {
	v, stdout, _ := newTestVM(t)
	bg := ast.Function{Name: "bg", Body: []ast.Node{
		n(ast.AssignSpawn{Key: "t", Task: "echo spawned"}),
		n(ast.Await{Expr: "$t"}),
	}}
	p := compile(t, []ast.Node{
		n(ast.Pipe{Stages: []string{".bg", "tr a-z A-Z"}}),
	}, bg)
	if _, err := run(t, v, p); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := stdout.String(); got != "SPAWNED\n" {
		t.Errorf("stdout = %q, want %q", got, "SPAWNED\n")
	}
}

func TestForOverWords(t *testing.T) {
	v, stdout, _ := newTestVM(t)
	p := compile(t, []ast.Node{n(ast.For{Var: "f", In: "a b c", Cmd: "log item $f"})})
	code, err := run(t, v, p)
	if err != nil || code != 0 {
		t.Fatalf("Run() = %d, %v", code, err)
	}
	if got := stdout.String(); got != "item a\nitem b\nitem c\n" {
		t.Errorf("stdout = %q", got)
	}
	st := v.Stats()
	if st.HotLoops != 4 {
		t.Errorf("HotLoops = %d, want 4", st.HotLoops)
	}
	if st.Execs != 3 {
		t.Errorf("Execs = %d, want 3 (one per item)", st.Execs)
	}
}

func TestForOverExpandedListCallsFunction(t *testing.T) {
	v, stdout, _ := newTestVM(t, WithEnv(map[string]string{"items": "x y"}))
	show := ast.Function{Name: "show", Body: []ast.Node{n(ast.Log{Msg: "show $_HL_ARGS"})}}
	p := compile(t, []ast.Node{n(ast.For{Var: "f", In: "$items", Cmd: ".show $f"})}, show)
	if !slices.Contains(opcodes(p), bytecode.OpHotLoop) {
		t.Fatalf("for loop has no HOT_LOOP\n%s", p.Disassemble())
	}
	code, err := run(t, v, p)
	if err != nil || code != 0 {
		t.Fatalf("Run() = %d, %v", code, err)
	}
	if got := stdout.String(); got != "show x\nshow y\n" {
		t.Errorf("stdout = %q, want %q", got, "show x\nshow y\n")
	}
	if st := v.Stats(); st.HotLoops != 3 {
		t.Errorf("HotLoops = %d, want 3", st.HotLoops)
	}
}

func TestForOverEmptyExpansion(t *testing.T) {
	v, stdout, _ := newTestVM(t, WithEnv(map[string]string{"none": ""}))
	p := compile(t, []ast.Node{
		n(ast.For{Var: "f", In: "$none", Cmd: "log never"}),
		n(ast.Log{Msg: "done"}),
	})
	if _, err := run(t, v, p); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := stdout.String(); got != "done\n" {
		t.Errorf("stdout = %q, want %q", got, "done\n")
	}
}

func opcodes(p *bytecode.Program) []bytecode.Opcode {
	out := make([]bytecode.Opcode, len(p.Ops))
	for i, ins := range p.Ops {
		out[i] = ins.Op
	}
	return out
}

func TestConstReassignmentWarns(t *testing.T) {
	v, _, _ := newTestVM(t)
	p := compile(t, []ast.Node{
		n(ast.Const{Key: "LIMIT", Val: "1"}),
		n(ast.AssignEnv{Key: "LIMIT", Val: "2"}),
	})
	code, err := run(t, v, p)
	if err != nil || code != 0 {
		t.Fatalf("Run() = %d, %v", code, err)
	}
	if w := v.Warnings(); len(w) != 1 || !strings.Contains(w[0], "LIMIT") {
		t.Errorf("Warnings() = %v, want one naming LIMIT", w)
	}
	if got, _ := v.Getenv("LIMIT"); got != "2" {
		t.Errorf("LIMIT = %q, want 2", got)
	}
}

func TestFunctionLocalsAreScoped(t *testing.T) {
	v, stdout, _ := newTestVM(t)
	fn := ast.Function{Name: "f", Body: []ast.Node{
		n(ast.AssignLocal{Key: "x", Val: "inner"}),
		n(ast.Log{Msg: "$x $_HL_ARGS"}),
	}}
	p := compile(t, []ast.Node{
		n(ast.AssignLocal{Key: "x", Val: "outer"}),
		n(ast.Call{Path: ".f", Args: "a b"}),
		n(ast.Log{Msg: "$x"}),
	}, fn)
	if _, err := run(t, v, p); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := stdout.String(); got != "inner a b\nouter\n" {
		t.Errorf("stdout = %q", got)
	}
}

func TestTryCatch(t *testing.T) {
	v, stdout, _ := newTestVM(t)
	p := compile(t, []ast.Node{
		n(ast.Try{TryCmd: "false", CatchCmd: "log caught"}),
		n(ast.Try{TryCmd: "true", CatchCmd: "log wrong"}),
	})
	if _, err := run(t, v, p); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := stdout.String(); got != "caught\n" {
		t.Errorf("stdout = %q, want %q", got, "caught\n")
	}
}

func TestIfChainAndMatch(t *testing.T) {
	v, stdout, _ := newTestVM(t, WithEnv(map[string]string{"x": "2", "s": "beta"}))
	p := compile(t, []ast.Node{
		n(ast.If{Cond: "$x == 1", Cmd: "log one"}),
		n(ast.Elif{Cond: "$x == 2", Cmd: "log two"}),
		n(ast.Else{Cmd: "log other"}),
		n(ast.Match{Cond: "$s"}),
		n(ast.MatchArm{Val: "alpha", Cmd: "log A"}),
		n(ast.MatchArm{Val: "b*", Cmd: "log B"}),
		n(ast.MatchArm{Val: "_", Cmd: "log default"}),
	})
	if _, err := run(t, v, p); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := stdout.String(); got != "two\nB\n" {
		t.Errorf("stdout = %q, want %q", got, "two\nB\n")
	}
}

func TestMatchPatterns(t *testing.T) {
	v, stdout, _ := newTestVM(t, WithEnv(map[string]string{"p": "/usr/bin", "c": "b", "q": "x y"}))
	p := compile(t, []ast.Node{
		n(ast.Match{Cond: "$p"}),
		n(ast.MatchArm{Val: "/usr*", Cmd: "log usr"}),
		n(ast.MatchArm{Val: "_", Cmd: "log other"}),
		n(ast.Match{Cond: "$c"}),
		n(ast.MatchArm{Val: "a|b", Cmd: "log ab"}),
		n(ast.MatchArm{Val: "_", Cmd: "log other"}),
		n(ast.Match{Cond: "$q"}),
		n(ast.MatchArm{Val: "x", Cmd: "log x"}),
		n(ast.MatchArm{Val: "'x y'", Cmd: "log xy"}),
	})
	if _, err := run(t, v, p); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := stdout.String(); got != "usr\nab\nxy\n" {
		t.Errorf("stdout = %q, want %q", got, "usr\nab\nxy\n")
	}
	if st := v.Stats(); st.NativeConditions != st.Conditions {
		t.Errorf("match arms forked a shell: %d of %d native", st.NativeConditions, st.Conditions)
	}
}

func TestExitFromFunction(t *testing.T) {
	v, stdout, _ := newTestVM(t)
	fn := ast.Function{Name: "bail", Body: []ast.Node{n(ast.End{Code: 7})}}
	p := compile(t, []ast.Node{
		n(ast.Call{Path: ".bail"}),
		n(ast.Log{Msg: "unreachable"}),
	}, fn)
	code, err := run(t, v, p)
	if err != nil || code != 7 {
		t.Errorf("Run() = %d, %v; want 7, nil", code, err)
	}
	if stdout.Len() != 0 {
		t.Errorf("stdout = %q, want empty", stdout.String())
	}
}

func TestChildFailureIsNotFatal(t *testing.T) {
	v, stdout, _ := newTestVM(t)
	p := compile(t, []ast.Node{
		n(ast.RawSub{Cmd: "exit 4"}),
		n(ast.Log{Msg: "status $?"}),
	})
	code, err := run(t, v, p)
	if err != nil || code != 0 {
		t.Fatalf("Run() = %d, %v", code, err)
	}
	if got := stdout.String(); got != "status 4\n" {
		t.Errorf("stdout = %q", got)
	}
}

func TestRawExecSkipsSubstitution(t *testing.T) {
	v, stdout, _ := newTestVM(t)
	p := compile(t, []ast.Node{
		n(ast.AssignLocal{Key: "greeting", Val: "local"}),
		n(ast.RawNoSub{Cmd: "echo \"[$greeting]\""}),
	})
	if _, err := run(t, v, p); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := stdout.String(); got != "[]\n" {
		t.Errorf("stdout = %q, want the shell's empty expansion", got)
	}
}

func TestUnknownFunction(t *testing.T) {
	v, _, _ := newTestVM(t)
	p := bytecode.NewProgram()
	p.Emit(bytecode.Instruction{Op: bytecode.OpCallFunc, A: p.Pool.Intern("missing")})
	p.Emit(bytecode.Instruction{Op: bytecode.OpExit})

	code, err := run(t, v, p)
	if code == 0 || !errors.Is(err, ErrUnknownFunction) {
		t.Errorf("Run() = %d, %v; want ErrUnknownFunction", code, err)
	}
}

func TestRecursionDepthLimit(t *testing.T) {
	v, _, _ := newTestVM(t, WithMaxDepth(8))
	fn := ast.Function{Name: "loop", Body: []ast.Node{n(ast.Call{Path: ".loop"})}}
	p := compile(t, []ast.Node{n(ast.Call{Path: ".loop"})}, fn)
	code, err := run(t, v, p)
	var re *RuntimeError
	if code == 0 || !errors.As(err, &re) {
		t.Errorf("Run() = %d, %v; want a RuntimeError", code, err)
	}
}

func TestPlugins(t *testing.T) {
	dir := t.TempDir()
	script := "#!/bin/sh\necho \"hello $1\"\n"
	if err := os.WriteFile(filepath.Join(dir, "greet"), []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	v, stdout, _ := newTestVM(t, WithPluginDir(dir))
	p := compile(t, []ast.Node{
		n(ast.Plugin{Name: "greet", Args: "bob"}),
		n(ast.Plugin{Name: "missing"}),
		n(ast.Log{Msg: "$?"}),
	})
	if _, err := run(t, v, p); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := stdout.String(); got != "hello bob\n127\n" {
		t.Errorf("stdout = %q", got)
	}
	if len(v.Warnings()) != 1 {
		t.Errorf("Warnings() = %v, want one", v.Warnings())
	}
}

func TestDryRun(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "touched")
	v, _, _ := newTestVM(t, WithDryRun(true))
	p := compile(t, []ast.Node{
		n(ast.RawSub{Cmd: "touch " + marker}),
		n(ast.While{Cond: "[ -e /nonexistent ]", Cmd: "log spin"}),
		n(ast.Assert{Cond: "false"}),
	})
	code, err := run(t, v, p)
	if err != nil || code != 0 {
		t.Fatalf("Run() = %d, %v", code, err)
	}
	if _, err := os.Stat(marker); err == nil {
		t.Error("dry run executed a command")
	}
	if v.Stats().HotLoops != 2 {
		t.Errorf("HotLoops = %d, want the loop visited once", v.Stats().HotLoops)
	}
}

func TestContextCancel(t *testing.T) {
	v, _, _ := newTestVM(t)
	p := compile(t, []ast.Node{n(ast.While{Cond: "true", Cmd: "true"})})
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	code, err := v.Run(ctx, p)
	if code == 0 || !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Run() = %d, %v; want DeadlineExceeded", code, err)
	}
}
