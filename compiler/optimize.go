package compiler

import (
	"strings"

	"github.com/chazu/hackerlang/pkg/bytecode"
	"github.com/chazu/hackerlang/pkg/cond"
)

// OptStats summarizes one Optimize run.
type OptStats struct {
	Before     int
	After      int
	Folded     int // conditions decided at compile time
	DeadStores int // local writes overwritten before any read
}

// Removed returns the number of instructions the optimizer dropped.
func (s OptStats) Removed() int {
	return s.Before - s.After
}

// Optimize folds statically decidable conditions, removes dead local
// stores and strips the resulting Nops.
func Optimize(p *bytecode.Program) OptStats {
	st := OptStats{Before: p.Len()}
	st.Folded = foldConditions(p)
	st.DeadStores = eliminateDeadStores(p)
	p.StripNops()
	st.After = p.Len()
	if st.Removed() > 0 {
		log.Debugf("optimizer: %d -> %d ops (%d folded, %d dead stores)",
			st.Before, st.After, st.Folded, st.DeadStores)
	}
	return st
}

// foldConditions replaces JumpIfFalse instructions whose condition is a
// literal test. An always-true guard becomes a Nop; an always-false guard
// turns the guarded range into Nops so control falls through to its target.
func foldConditions(p *bytecode.Program) int {
	folded := 0
	n := p.Len()
	for i := 0; i < n; i++ {
		ins := p.Ops[i]
		if ins.Op != bytecode.OpJumpIfFalse {
			continue
		}
		result, ok := cond.Static(p.Str(ins.A))
		if !ok {
			continue
		}
		folded++
		if result {
			p.Ops[i] = bytecode.Instruction{Op: bytecode.OpNop}
			continue
		}
		end := min(ins.Target, n)
		for j := i; j < end; j++ {
			p.Ops[j] = bytecode.Instruction{Op: bytecode.OpNop}
		}
	}
	return folded
}

// eliminateDeadStores drops a SetLocal when the same key is written again
// in straight-line code before anything could read it. The scan gives up
// at any jump target, control transfer or operand mentioning the key.
func eliminateDeadStores(p *bytecode.Program) int {
	targets := make(map[int]bool)
	for _, ins := range p.Ops {
		if ins.Op.IsJump() {
			targets[ins.Target] = true
		}
	}
	for _, entry := range p.Functions {
		targets[entry] = true
	}

	removed := 0
	n := p.Len()
	for i := 0; i < n; i++ {
		ins := p.Ops[i]
		if ins.Op != bytecode.OpSetLocal {
			continue
		}
		key := p.Str(ins.A)
		if overwrittenBeforeRead(p, i, key, targets) {
			p.Ops[i] = bytecode.Instruction{Op: bytecode.OpNop}
			removed++
		}
	}
	return removed
}

func overwrittenBeforeRead(p *bytecode.Program, at int, key string, targets map[int]bool) bool {
	for j := at + 1; j < p.Len(); j++ {
		if targets[j] {
			return false
		}
		ins := p.Ops[j]
		switch ins.Op {
		case bytecode.OpNop:
			continue
		case bytecode.OpJump, bytecode.OpJumpIfFalse, bytecode.OpHotLoop,
			bytecode.OpCallFunc, bytecode.OpReturn, bytecode.OpExit,
			bytecode.OpAwaitPid, bytecode.OpAwaitAssign, bytecode.OpPipeExec:
			return false
		}
		if readsKey(p, ins, key) {
			return false
		}
		if ins.Op == bytecode.OpSetLocal && p.Str(ins.A) == key {
			return true
		}
	}
	return false
}

// readsKey reports whether any string operand of ins may reference $key.
func readsKey(p *bytecode.Program, ins bytecode.Instruction, key string) bool {
	ref := func(s string) bool {
		return strings.Contains(s, "$"+key) || strings.Contains(s, "${"+key)
	}
	if ins.Op.Uses(bytecode.UsesA) && ref(p.Str(ins.A)) {
		return true
	}
	if ins.Op.Uses(bytecode.UsesB) && ref(p.Str(ins.B)) {
		return true
	}
	for _, s := range ins.Stages {
		if ref(p.Str(s)) {
			return true
		}
	}
	return false
}
