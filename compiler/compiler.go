package compiler

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/tliron/commonlog"

	"github.com/chazu/hackerlang/pkg/ast"
	"github.com/chazu/hackerlang/pkg/bytecode"
	"github.com/chazu/hackerlang/pkg/cond"
)

var log = commonlog.GetLogger("hl.compiler")

// ---------------------------------------------------------------------------
// Compiler: lower an AnalysisResult to a bytecode Program
// ---------------------------------------------------------------------------

// Compiler lowers analyzed hacker-lang programs to bytecode. A Compiler
// may be reused; each Compile call starts from a fresh Program.
type Compiler struct {
	prog      *bytecode.Program
	funcs     map[string]bool
	funcOrder []string
	errors    []error
	loopSeq   int
}

// NewCompiler creates a new compiler.
func NewCompiler() *Compiler {
	return &Compiler{}
}

// Compile lowers res with a fresh Compiler.
func Compile(res *ast.AnalysisResult) (*bytecode.Program, error) {
	return NewCompiler().Compile(res)
}

// Compile lowers the main body followed by every function body in
// declaration order. Either a complete Program is returned or every
// CompileError found, joined.
func (c *Compiler) Compile(res *ast.AnalysisResult) (*bytecode.Program, error) {
	if res == nil {
		return nil, fmt.Errorf("compiler: nil analysis result")
	}
	c.prog = bytecode.NewProgram()
	c.funcs = make(map[string]bool, len(res.Functions))
	c.funcOrder = c.funcOrder[:0]
	c.errors = nil
	c.loopSeq = 0

	for i := range res.Functions {
		fn := &res.Functions[i]
		name := ast.NormalizeFuncName(fn.Name)
		switch {
		case name == "":
			c.errorAt(firstNode(fn), "empty function name")
		case c.funcs[name]:
			c.errorAt(firstNode(fn), "duplicate function name %q", name)
		default:
			c.funcs[name] = true
			c.funcOrder = append(c.funcOrder, name)
		}
	}

	c.body(res.Main)
	c.prog.Emit(bytecode.Instruction{Op: bytecode.OpExit})

	emitted := make(map[string]bool, len(res.Functions))
	for _, fn := range res.Functions {
		name := ast.NormalizeFuncName(fn.Name)
		if name == "" || emitted[name] {
			continue
		}
		emitted[name] = true
		c.prog.Functions[name] = c.prog.Len()
		c.body(fn.Body)
		c.prog.Emit(bytecode.Instruction{Op: bytecode.OpReturn})
	}

	if len(c.errors) > 0 {
		return nil, errors.Join(c.errors...)
	}
	if err := c.prog.Validate(); err != nil {
		return nil, fmt.Errorf("compiler: internal error: %w", err)
	}
	log.Debugf("compiled %d statements to %d ops, %d functions, %d strings",
		res.NodeCount(), c.prog.Len(), len(c.prog.Functions), c.prog.Pool.Len())
	return c.prog, nil
}

func firstNode(fn *ast.Function) *ast.Node {
	if len(fn.Body) > 0 {
		return &fn.Body[0]
	}
	return &ast.Node{OriginalText: fn.Name}
}

// errorAt records a CompileError positioned at n.
func (c *Compiler) errorAt(n *ast.Node, format string, args ...any) {
	c.errors = append(c.errors, &CompileError{
		Line: n.Line,
		Span: n.Span,
		Text: n.OriginalText,
		Msg:  fmt.Sprintf(format, args...),
	})
}

// resolve maps a call target to a declared function: an exact match
// first, then a unique namespaced name ending in ".name".
func (c *Compiler) resolve(name string) (string, bool) {
	name = ast.NormalizeFuncName(name)
	if c.funcs[name] {
		return name, true
	}
	for _, fn := range c.funcOrder {
		if strings.HasSuffix(fn, "."+name) {
			return fn, true
		}
	}
	return "", false
}

func (c *Compiler) intern(s string) uint32 {
	return c.prog.Pool.Intern(s)
}

func (c *Compiler) emit(ins bytecode.Instruction) int {
	return c.prog.Emit(ins)
}

// ---------------------------------------------------------------------------
// Statement sequences
// ---------------------------------------------------------------------------

type branch struct {
	node    *ast.Node
	cond    string
	hasCond bool
	cmd     string
}

func (c *Compiler) body(nodes []ast.Node) {
	for i := 0; i < len(nodes); {
		n := &nodes[i]
		switch cmd := n.Content.(type) {
		case ast.If:
			branches := []branch{{node: n, cond: cmd.Cond, hasCond: true, cmd: cmd.Cmd}}
			i++
		chain:
			for i < len(nodes) {
				switch next := nodes[i].Content.(type) {
				case ast.Elif:
					branches = append(branches, branch{node: &nodes[i], cond: next.Cond, hasCond: true, cmd: next.Cmd})
					i++
				case ast.Else:
					branches = append(branches, branch{node: &nodes[i], cmd: next.Cmd})
					i++
					break chain
				default:
					break chain
				}
			}
			c.ifChain(branches)

		case ast.Elif, ast.Else:
			c.errorAt(n, "%s without a preceding if", strings.ToLower(cmd.Kind()))
			i++

		case ast.Match:
			var arms []*ast.Node
			i++
			for i < len(nodes) {
				if _, ok := nodes[i].Content.(ast.MatchArm); !ok {
					break
				}
				arms = append(arms, &nodes[i])
				i++
			}
			c.match(n, cmd, arms)

		case ast.MatchArm:
			c.errorAt(n, "match arm outside a match block")
			i++

		default:
			c.node(n)
			i++
		}
	}
}

// ifChain lowers if/elif/else to JumpIfFalse/Jump pairs with backpatching.
func (c *Compiler) ifChain(branches []branch) {
	var ends []int
	for k, b := range branches {
		jif := -1
		if b.hasCond {
			if strings.TrimSpace(b.cond) == "" {
				c.errorAt(b.node, "empty condition")
				return
			}
			jif = c.prog.EmitJump(bytecode.OpJumpIfFalse, c.intern(cond.Wrap(b.cond)))
		}
		if !c.emitBody(b.node, b.cmd) {
			return
		}
		if k < len(branches)-1 {
			ends = append(ends, c.prog.EmitJump(bytecode.OpJump, 0))
		}
		if jif >= 0 {
			c.prog.PatchJump(jif)
		}
	}
	for _, at := range ends {
		c.prog.PatchJump(at)
	}
}

// match lowers a match block to one guarded body per arm. The first arm
// whose pattern matches runs; "_" always matches; no match falls through.
// An arm value may list alternatives separated by "|".
func (c *Compiler) match(n *ast.Node, m ast.Match, arms []*ast.Node) {
	subject := strings.TrimSpace(m.Cond)
	if subject == "" {
		c.errorAt(n, "empty match subject")
		return
	}
	if cond.Unquote(subject) == subject {
		subject = `"` + subject + `"`
	}
	var ends []int
	for k, armNode := range arms {
		arm := armNode.Content.(ast.MatchArm)
		alts := armPatterns(arm.Val)
		if len(alts) == 0 {
			c.errorAt(armNode, "empty match pattern")
			return
		}
		if slices.Contains(alts, "_") || slices.Contains(alts, "*") {
			c.emitBody(armNode, arm.Cmd)
			if k < len(arms)-1 {
				log.Warningf("line %d: match arms after the default arm are unreachable", armNode.Line)
			}
			break
		}
		tests := make([]string, len(alts))
		for i, alt := range alts {
			tests[i] = subject + " == " + alt
		}
		test := "[[ " + strings.Join(tests, " || ") + " ]]"
		jif := c.prog.EmitJump(bytecode.OpJumpIfFalse, c.intern(test))
		if !c.emitBody(armNode, arm.Cmd) {
			return
		}
		if k < len(arms)-1 {
			ends = append(ends, c.prog.EmitJump(bytecode.OpJump, 0))
		}
		c.prog.PatchJump(jif)
	}
	for _, at := range ends {
		c.prog.PatchJump(at)
	}
}

// armPatterns splits an arm value into case patterns. Surrounding quotes
// are dropped so a quoted value still matches as a pattern; a pattern that
// would not survive as one [[ ]] word is quoted back as a literal.
func armPatterns(val string) []string {
	var out []string
	for _, alt := range cond.SplitAlternatives(strings.TrimSpace(val)) {
		p := strings.Trim(strings.Trim(alt, `"`), `'`)
		if p == "" {
			continue
		}
		if strings.ContainsAny(p, " \t|()&;<>\"'") {
			p = strconv.Quote(p)
		}
		out = append(out, p)
	}
	return out
}

// emitBody lowers the single-command body of a branch, loop, arm or try.
// It reports false if an error was recorded.
func (c *Compiler) emitBody(n *ast.Node, cmd string) bool {
	if strings.TrimSpace(cmd) == "" {
		c.errorAt(n, "empty body")
		return false
	}
	if isHLCall(cmd) {
		name, args := splitHLCall(cmd)
		return c.call(n, name, args)
	}
	kind, s, code := shellInline(cmd)
	switch kind {
	case inlineExit:
		c.emit(bytecode.Instruction{Op: bytecode.OpExit, Code: code})
	case inlineOut:
		c.emit(bytecode.Instruction{Op: bytecode.OpSetOut, A: c.intern(s)})
	default:
		c.emit(bytecode.Instruction{Op: bytecode.OpExec, A: c.intern(s), Sudo: n.Sudo})
	}
	return true
}

// call emits an optional _HL_ARGS binding followed by CallFunc.
func (c *Compiler) call(n *ast.Node, name, args string) bool {
	target, ok := c.resolve(name)
	if !ok {
		c.errorAt(n, "call to undefined function %q", ast.NormalizeFuncName(name))
		return false
	}
	if args != "" {
		c.emit(bytecode.Instruction{Op: bytecode.OpSetLocal, A: c.intern(bytecode.ArgsVar), B: c.intern(args)})
	}
	c.emit(bytecode.Instruction{Op: bytecode.OpCallFunc, A: c.intern(target)})
	return true
}

// loop emits the shared back-edge shape:
//
//	HOT_LOOP; JUMP_IF_FALSE cond -> end; [enter]; body; [step]; JUMP -> HOT_LOOP
func (c *Compiler) loop(n *ast.Node, test, cmd string, step, enter func()) {
	head := c.prog.Len()
	c.emit(bytecode.Instruction{Op: bytecode.OpHotLoop, Target: head + 1})
	jif := c.prog.EmitJump(bytecode.OpJumpIfFalse, c.intern(test))
	if enter != nil {
		enter()
	}
	if !c.emitBody(n, cmd) {
		return
	}
	if step != nil {
		step()
	}
	c.emit(bytecode.Instruction{Op: bytecode.OpJump, Target: head})
	c.prog.PatchJump(jif)
}

func (c *Compiler) nextLoopVar() string {
	c.loopSeq++
	return "_hl_loop_" + strconv.Itoa(c.loopSeq)
}

// ---------------------------------------------------------------------------
// Single statements
// ---------------------------------------------------------------------------

func (c *Compiler) node(n *ast.Node) {
	sudo := n.Sudo
	switch cmd := n.Content.(type) {
	case ast.RawNoSub:
		c.emit(bytecode.Instruction{Op: bytecode.OpExec, A: c.intern(cmd.Cmd), Sudo: sudo, Raw: true})
	case ast.RawSub:
		c.emit(bytecode.Instruction{Op: bytecode.OpExec, A: c.intern(cmd.Cmd), Sudo: sudo})
	case ast.Isolated:
		c.emit(bytecode.Instruction{Op: bytecode.OpExec, A: c.intern("( " + cmd.Cmd + " )"), Sudo: sudo})
	case ast.Background:
		c.emit(bytecode.Instruction{Op: bytecode.OpExec, A: c.intern(cmd.Cmd + " &"), Sudo: sudo})
	case ast.Log:
		c.emit(bytecode.Instruction{Op: bytecode.OpExec, A: c.intern("echo " + cmd.Msg), Sudo: sudo})

	case ast.AssignEnv:
		if !c.requireKey(n, cmd.Key) {
			return
		}
		c.emit(bytecode.Instruction{Op: bytecode.OpSetEnv, A: c.intern(cmd.Key), B: c.intern(cmd.Val)})
	case ast.AssignLocal:
		if !c.requireKey(n, cmd.Key) {
			return
		}
		c.emit(bytecode.Instruction{Op: bytecode.OpSetLocal, A: c.intern(cmd.Key), B: c.intern(cmd.Val), Raw: cmd.IsRaw})
	case ast.Const:
		if !c.requireKey(n, cmd.Key) {
			return
		}
		c.emit(bytecode.Instruction{Op: bytecode.OpSetConst, A: c.intern(cmd.Key), B: c.intern(cmd.Val)})
	case ast.Out:
		c.emit(bytecode.Instruction{Op: bytecode.OpSetOut, A: c.intern(cmd.Val)})

	case ast.Loop:
		ctr := c.nextLoopVar()
		key := c.intern(ctr)
		c.emit(bytecode.Instruction{Op: bytecode.OpSetLocal, A: key, B: c.intern("0"), Raw: true})
		test := fmt.Sprintf("[[ $%s -lt %d ]]", ctr, cmd.Count)
		c.loop(n, test, cmd.Cmd, func() {
			inc := fmt.Sprintf("$(( $%s + 1 ))", ctr)
			c.emit(bytecode.Instruction{Op: bytecode.OpSetLocal, A: key, B: c.intern(inc), Raw: true})
		}, nil)
	case ast.While:
		if strings.TrimSpace(cmd.Cond) == "" {
			c.errorAt(n, "empty while condition")
			return
		}
		c.loop(n, cond.Wrap(cmd.Cond), cmd.Cmd, nil, nil)
	case ast.For:
		c.forIn(n, cmd)

	case ast.Call:
		c.call(n, cmd.Path, strings.TrimSpace(cmd.Args))
	case ast.Plugin:
		if strings.TrimSpace(cmd.Name) == "" {
			c.errorAt(n, "empty plugin name")
			return
		}
		c.emit(bytecode.Instruction{Op: bytecode.OpPlugin, A: c.intern(strings.TrimSpace(cmd.Name)), B: c.intern(cmd.Args), Sudo: cmd.IsSuper || sudo})

	case ast.Lock:
		if !c.requireKey(n, cmd.Key) {
			return
		}
		if strings.TrimSpace(cmd.Val) == "" {
			c.errorAt(n, "lock %q has no size", cmd.Key)
			return
		}
		c.emit(bytecode.Instruction{Op: bytecode.OpLock, A: c.intern(cmd.Key), B: c.intern(strings.TrimSpace(cmd.Val))})
	case ast.Unlock:
		if !c.requireKey(n, cmd.Key) {
			return
		}
		c.emit(bytecode.Instruction{Op: bytecode.OpUnlock, A: c.intern(cmd.Key)})

	case ast.Try:
		c.try(n, cmd)
	case ast.End:
		c.emit(bytecode.Instruction{Op: bytecode.OpExit, Code: cmd.Code})

	case ast.Spawn:
		task := strings.TrimPrefix(strings.TrimSpace(cmd.Task), ".")
		if task == "" {
			c.errorAt(n, "empty spawn task")
			return
		}
		c.emit(bytecode.Instruction{Op: bytecode.OpSpawnBg, A: c.intern(task), Sudo: sudo})
	case ast.AssignSpawn:
		task := strings.TrimPrefix(strings.TrimSpace(cmd.Task), ".")
		if !c.requireKey(n, cmd.Key) {
			return
		}
		if task == "" {
			c.errorAt(n, "empty spawn task")
			return
		}
		c.emit(bytecode.Instruction{Op: bytecode.OpSpawnAssign, A: c.intern(cmd.Key), B: c.intern(task), Sudo: sudo})
	case ast.Await:
		expr, ok := c.awaitExpr(n, cmd.Expr)
		if !ok {
			return
		}
		c.emit(bytecode.Instruction{Op: bytecode.OpAwaitPid, A: c.intern(expr)})
	case ast.AssignAwait:
		if !c.requireKey(n, cmd.Key) {
			return
		}
		expr, ok := c.awaitExpr(n, cmd.Expr)
		if !ok {
			return
		}
		c.emit(bytecode.Instruction{Op: bytecode.OpAwaitAssign, A: c.intern(cmd.Key), B: c.intern(expr)})

	case ast.Assert:
		if strings.TrimSpace(cmd.Cond) == "" {
			c.errorAt(n, "empty assert condition")
			return
		}
		ins := bytecode.Instruction{Op: bytecode.OpAssert, A: c.intern(strings.TrimSpace(cmd.Cond))}
		if cmd.HasMsg {
			ins.B, ins.HasB = c.intern(cmd.Msg), true
		}
		c.emit(ins)

	case ast.Pipe:
		c.pipe(n, cmd)

	case ast.Extern, ast.Enum, ast.Struct, ast.Import:
		// Declarations only.
	case nil:
		c.errorAt(n, "statement has no content")
	default:
		c.errorAt(n, "unsupported statement %s", cmd.Kind())
	}
}

func (c *Compiler) requireKey(n *ast.Node, key string) bool {
	if strings.TrimSpace(key) == "" {
		c.errorAt(n, "empty variable name")
		return false
	}
	return true
}

// awaitExpr validates the target of an await. Function targets must
// resolve and are rewritten to their declared name.
func (c *Compiler) awaitExpr(n *ast.Node, expr string) (string, bool) {
	e := strings.TrimSpace(expr)
	if e == "" {
		c.errorAt(n, "empty await expression")
		return "", false
	}
	if isHLCall(e) {
		name, args := splitHLCall(e)
		target, ok := c.resolve(name)
		if !ok {
			c.errorAt(n, "await of undefined function %q", name)
			return "", false
		}
		if args != "" {
			return "." + target + " " + args, true
		}
		return "." + target, true
	}
	return e, true
}

// forIn lowers a for loop to a HotLoop back-edge over a word queue held
// in a hidden local. Each word ends in wordSep. A literal list is queued
// at compile time; any other list is expanded once by the shell through
// AwaitAssign. Every pass pops the head word into the loop variable.
func (c *Compiler) forIn(n *ast.Node, f ast.For) {
	v := strings.TrimSpace(f.Var)
	if v == "" {
		c.errorAt(n, "for loop without a variable")
		return
	}
	if strings.TrimSpace(f.In) == "" {
		return
	}
	q := c.nextLoopVar()
	qkey := c.intern(q)
	if words, ok := staticWords(f.In); ok {
		c.emit(bytecode.Instruction{Op: bytecode.OpSetLocal, A: qkey, B: c.intern(strings.Join(words, wordSep) + wordSep), Raw: true})
	} else {
		list := fmt.Sprintf(`for _hl_w in %s; do printf '%%s\037' "$_hl_w"; done`, f.In)
		c.emit(bytecode.Instruction{Op: bytecode.OpAwaitAssign, A: qkey, B: c.intern(list)})
	}
	test := fmt.Sprintf("[[ ${#%s} -gt 0 ]]", q)
	c.loop(n, test, f.Cmd, nil, func() {
		c.emit(bytecode.Instruction{Op: bytecode.OpSetLocal, A: c.intern(v), B: c.intern("${" + q + "%%" + wordSep + "*}"), Raw: true})
		c.emit(bytecode.Instruction{Op: bytecode.OpSetLocal, A: qkey, B: c.intern("${" + q + "#*" + wordSep + "}"), Raw: true})
	})
}

// try runs the guarded command and enters the catch body only when it
// leaves a non-zero status.
func (c *Compiler) try(n *ast.Node, t ast.Try) {
	if !c.emitBody(n, t.TryCmd) {
		return
	}
	if strings.TrimSpace(t.CatchCmd) == "" {
		return
	}
	jif := c.prog.EmitJump(bytecode.OpJumpIfFalse, c.intern("[[ $? -ne 0 ]]"))
	if !c.emitBody(n, t.CatchCmd) {
		return
	}
	c.prog.PatchJump(jif)
}

// pipe emits one shell pipeline when no stage is a user function,
// otherwise a PipeExec that the VM runs stage by stage.
func (c *Compiler) pipe(n *ast.Node, p ast.Pipe) {
	if len(p.Stages) == 0 {
		return
	}
	hasHL := false
	for _, s := range p.Stages {
		if strings.TrimSpace(s) == "" {
			c.errorAt(n, "empty pipe stage")
			return
		}
		if isHLCall(s) {
			hasHL = true
		}
	}

	if !hasHL {
		parts := make([]string, len(p.Stages))
		for i, s := range p.Stages {
			parts[i] = shellStage(s)
		}
		c.emit(bytecode.Instruction{Op: bytecode.OpExec, A: c.intern(strings.Join(parts, " | ")), Sudo: n.Sudo})
		return
	}

	stages := make([]uint32, len(p.Stages))
	for i, s := range p.Stages {
		if isHLCall(s) {
			name, args := splitHLCall(s)
			target, ok := c.resolve(name)
			if !ok {
				c.errorAt(n, "pipe stage calls undefined function %q", name)
				return
			}
			stage := "." + target
			if args != "" {
				stage += " " + args
			}
			stages[i] = c.intern(stage)
			continue
		}
		stages[i] = c.intern(shellStage(s))
	}
	c.emit(bytecode.Instruction{Op: bytecode.OpPipeExec, Stages: stages, Sudo: n.Sudo})
}
