package bytecode

import "testing"

// buildLoop lays out: 0 NOP, 1 HOT_LOOP->2, 2 JIF ->6, 3 NOP, 4 EXEC, 5 JUMP->1, 6 NOP, 7 EXIT
func buildLoop() *Program {
	p := NewProgram()
	cond := p.Pool.Intern("[[ $i -lt 3 ]]")
	cmd := p.Pool.Intern("echo hi")
	p.Emit(Instruction{Op: OpNop})
	p.Emit(Instruction{Op: OpHotLoop, Target: 2})
	p.Emit(Instruction{Op: OpJumpIfFalse, A: cond, Target: 6})
	p.Emit(Instruction{Op: OpNop})
	p.Emit(Instruction{Op: OpExec, A: cmd})
	p.Emit(Instruction{Op: OpJump, Target: 1})
	p.Emit(Instruction{Op: OpNop})
	p.Emit(Instruction{Op: OpExit})
	return p
}

func TestStripNopsRenumbersTargets(t *testing.T) {
	p := buildLoop()
	removed := p.StripNops()
	if removed != 3 {
		t.Fatalf("StripNops() = %d, want 3", removed)
	}

	want := []struct {
		op     Opcode
		target int
	}{
		{OpHotLoop, 1},
		{OpJumpIfFalse, 4},
		{OpExec, 0},
		{OpJump, 0},
		{OpExit, 0},
	}
	if len(p.Ops) != len(want) {
		t.Fatalf("len(Ops) = %d, want %d", len(p.Ops), len(want))
	}
	for i, w := range want {
		if p.Ops[i].Op != w.op {
			t.Errorf("Ops[%d].Op = %s, want %s", i, p.Ops[i].Op, w.op)
		}
		if w.op.IsJump() && p.Ops[i].Target != w.target {
			t.Errorf("Ops[%d].Target = %d, want %d", i, p.Ops[i].Target, w.target)
		}
	}
	if err := p.Validate(); err != nil {
		t.Errorf("Validate() after strip: %v", err)
	}
}

func TestStripNopsFunctionEntries(t *testing.T) {
	p := NewProgram()
	p.Emit(Instruction{Op: OpExit})
	p.Emit(Instruction{Op: OpNop})
	p.Functions["f"] = p.Emit(Instruction{Op: OpNop})
	p.Emit(Instruction{Op: OpReturn})
	p.Functions["empty"] = p.Len()

	p.StripNops()

	if got := p.Functions["f"]; got != 1 {
		t.Errorf("Functions[f] = %d, want 1", got)
	}
	if got := p.Functions["empty"]; got != 2 {
		t.Errorf("Functions[empty] = %d, want 2", got)
	}
}

func TestStripNopsTargetPastEnd(t *testing.T) {
	p := NewProgram()
	p.Emit(Instruction{Op: OpJump, Target: 3})
	p.Emit(Instruction{Op: OpNop})
	p.Emit(Instruction{Op: OpNop})

	p.StripNops()

	if p.Ops[0].Target != 1 {
		t.Errorf("Target = %d, want 1 (new length)", p.Ops[0].Target)
	}
}

func TestStripNopsNoop(t *testing.T) {
	p := NewProgram()
	p.Emit(Instruction{Op: OpJump, Target: 1})
	p.Emit(Instruction{Op: OpExit})
	if removed := p.StripNops(); removed != 0 {
		t.Errorf("StripNops() = %d, want 0", removed)
	}
	if p.Ops[0].Target != 1 {
		t.Errorf("Target = %d, want 1", p.Ops[0].Target)
	}
}
