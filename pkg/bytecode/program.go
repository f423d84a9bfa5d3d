package bytecode

import (
	"fmt"
	"sort"
)

// SchemaVersion is the current bytecode schema version.
// Increment when making incompatible changes to Program or Instruction;
// cached programs carrying any other value are discarded.
const SchemaVersion uint32 = 7

// Reserved runtime variable names.
const (
	OutVar      = "_HL_OUT"
	SpawnPIDVar = "_HL_SPAWN_PID"
	ArgsVar     = "_HL_ARGS"
)

// Instruction is a single decoded bytecode instruction. Operands are pool
// indices; Target is an index into Program.Ops.
type Instruction struct {
	Op     Opcode   `cbor:"1,keyasint"`
	A      uint32   `cbor:"2,keyasint,omitempty"`
	B      uint32   `cbor:"3,keyasint,omitempty"`
	Target int      `cbor:"4,keyasint,omitempty"`
	Code   int32    `cbor:"5,keyasint,omitempty"`
	Sudo   bool     `cbor:"6,keyasint,omitempty"`
	Raw    bool     `cbor:"7,keyasint,omitempty"`
	HasB   bool     `cbor:"8,keyasint,omitempty"`
	Stages []uint32 `cbor:"9,keyasint,omitempty"`
}

// Program is a compiled hacker-lang program: a flat, index-addressed
// instruction arena, the function entry table and the string pool.
type Program struct {
	SchemaVersion uint32         `cbor:"1,keyasint"`
	Ops           []Instruction  `cbor:"2,keyasint"`
	Functions     map[string]int `cbor:"3,keyasint"`
	Pool          *Pool          `cbor:"4,keyasint"`
}

// NewProgram creates an empty program at the current schema version.
func NewProgram() *Program {
	return &Program{
		SchemaVersion: SchemaVersion,
		Ops:           make([]Instruction, 0, 64),
		Functions:     make(map[string]int),
		Pool:          NewPool(),
	}
}

// Len returns the number of instructions.
func (p *Program) Len() int {
	return len(p.Ops)
}

// Emit appends an instruction and returns its index.
func (p *Program) Emit(ins Instruction) int {
	p.Ops = append(p.Ops, ins)
	return len(p.Ops) - 1
}

// EmitJump emits a jump-family instruction with a placeholder target
// and returns its index for later patching.
func (p *Program) EmitJump(op Opcode, cond uint32) int {
	return p.Emit(Instruction{Op: op, A: cond, Target: -1})
}

// PatchJump points the jump at index at to the current end of the program.
func (p *Program) PatchJump(at int) {
	p.PatchJumpTo(at, len(p.Ops))
}

// PatchJumpTo points the jump at index at to target.
func (p *Program) PatchJumpTo(at, target int) {
	p.Ops[at].Target = target
}

// Str resolves a pool index.
func (p *Program) Str(id uint32) string {
	return p.Pool.MustGet(id)
}

// FunctionNames returns the function names ordered by entry offset.
func (p *Program) FunctionNames() []string {
	names := make([]string, 0, len(p.Functions))
	for name := range p.Functions {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		ei, ej := p.Functions[names[i]], p.Functions[names[j]]
		if ei != ej {
			return ei < ej
		}
		return names[i] < names[j]
	})
	return names
}

// Validate checks structural consistency: known opcodes, pool indices in
// range, and jump targets and function entries within [0, len(Ops)].
func (p *Program) Validate() error {
	if p.Pool == nil {
		return fmt.Errorf("bytecode: program has no string pool")
	}
	n := len(p.Ops)
	poolLen := uint32(p.Pool.Len())
	for i, ins := range p.Ops {
		if !ins.Op.Valid() {
			return fmt.Errorf("bytecode: invalid opcode 0x%02X at %d", byte(ins.Op), i)
		}
		if ins.Op.Uses(UsesA) && ins.A >= poolLen {
			return fmt.Errorf("bytecode: %s at %d: operand A=%d out of pool range", ins.Op, i, ins.A)
		}
		if ins.Op.Uses(UsesB) && (ins.HasB || ins.Op != OpAssert) && ins.B >= poolLen {
			return fmt.Errorf("bytecode: %s at %d: operand B=%d out of pool range", ins.Op, i, ins.B)
		}
		for _, s := range ins.Stages {
			if s >= poolLen {
				return fmt.Errorf("bytecode: %s at %d: stage %d out of pool range", ins.Op, i, s)
			}
		}
		if ins.Op.IsJump() && (ins.Target < 0 || ins.Target > n) {
			return fmt.Errorf("bytecode: %s at %d: target %d out of range", ins.Op, i, ins.Target)
		}
	}
	for name, entry := range p.Functions {
		if entry < 0 || entry > n {
			return fmt.Errorf("bytecode: function %q entry %d out of range", name, entry)
		}
	}
	return nil
}
