package bytecode

import "fmt"

// Opcode identifies a bytecode instruction.
// Opcodes are grouped into ranges by category.
type Opcode byte

const (
	// ========================================================================
	// Process execution (0x00-0x0F)
	// ========================================================================

	OpNop       Opcode = 0x00 // Dead instruction, stripped before execution
	OpExec      Opcode = 0x01 // Run shell command: A=cmd, Sudo, Raw (no substitution)
	OpPlugin    Opcode = 0x02 // Run plugin: A=name, B=args, Sudo
	OpMatchExec Opcode = 0x03 // Run a case-style match command: A=cmd, Sudo
	OpPipeExec  Opcode = 0x04 // Run a pipe chain natively: Stages=[stage ids], Sudo

	// ========================================================================
	// Variables (0x10-0x1F)
	// ========================================================================

	OpSetEnv   Opcode = 0x10 // Env write: A=key, B=value
	OpSetLocal Opcode = 0x11 // Local write: A=key, B=value, Raw
	OpSetConst Opcode = 0x12 // Const-protected env write: A=key, B=value
	OpSetOut   Opcode = 0x13 // Bind _HL_OUT: A=value

	// ========================================================================
	// Control flow (0x20-0x2F)
	// ========================================================================

	OpJump        Opcode = 0x20 // Unconditional jump: Target
	OpJumpIfFalse Opcode = 0x21 // Jump if condition fails: A=cond, Target
	OpHotLoop     Opcode = 0x22 // Loop header hint: Target=loop start
	OpCallFunc    Opcode = 0x23 // Call function: A=name
	OpReturn      Opcode = 0x24 // Return to caller
	OpExit        Opcode = 0x25 // Terminate VM: Code
	OpAssert      Opcode = 0x26 // Assert condition: A=cond, B=msg (if HasB)

	// ========================================================================
	// Heap (0x30-0x3F)
	// ========================================================================

	OpLock   Opcode = 0x30 // Allocate heap block: A=key, B=size
	OpUnlock Opcode = 0x31 // Free heap block: A=key

	// ========================================================================
	// Tasks (0x40-0x4F)
	// ========================================================================

	OpSpawnBg     Opcode = 0x40 // Spawn detached task: A=cmd, Sudo
	OpSpawnAssign Opcode = 0x41 // Spawn and bind pid: A=key, B=cmd, Sudo
	OpAwaitPid    Opcode = 0x42 // Wait for task or call: A=expr
	OpAwaitAssign Opcode = 0x43 // Wait and bind result: A=key, B=expr
)

// Operand flags describe which Instruction fields an opcode reads.
const (
	UsesA uint8 = 1 << iota
	UsesB
	UsesTarget
	UsesCode
	UsesSudo
	UsesRaw
	UsesStages
)

// OpcodeInfo provides metadata about each opcode for debugging and validation.
type OpcodeInfo struct {
	Name     string // Human-readable name
	Operands uint8  // Bitmask of Uses* flags
	Blocking bool   // Blocks the VM loop on an external process
}

// opcodeInfoTable maps opcodes to their metadata.
var opcodeInfoTable = map[Opcode]OpcodeInfo{
	// Process execution
	OpNop:       {"NOP", 0, false},
	OpExec:      {"EXEC", UsesA | UsesSudo | UsesRaw, true},
	OpPlugin:    {"PLUGIN", UsesA | UsesB | UsesSudo, true},
	OpMatchExec: {"MATCH_EXEC", UsesA | UsesSudo, true},
	OpPipeExec:  {"PIPE_EXEC", UsesStages | UsesSudo, true},

	// Variables
	OpSetEnv:   {"SET_ENV", UsesA | UsesB, false},
	OpSetLocal: {"SET_LOCAL", UsesA | UsesB | UsesRaw, false},
	OpSetConst: {"SET_CONST", UsesA | UsesB, false},
	OpSetOut:   {"SET_OUT", UsesA, false},

	// Control flow
	OpJump:        {"JUMP", UsesTarget, false},
	OpJumpIfFalse: {"JUMP_IF_FALSE", UsesA | UsesTarget, false},
	OpHotLoop:     {"HOT_LOOP", UsesTarget, false},
	OpCallFunc:    {"CALL_FUNC", UsesA, false},
	OpReturn:      {"RETURN", 0, false},
	OpExit:        {"EXIT", UsesCode, false},
	OpAssert:      {"ASSERT", UsesA | UsesB, false},

	// Heap
	OpLock:   {"LOCK", UsesA | UsesB, false},
	OpUnlock: {"UNLOCK", UsesA, false},

	// Tasks
	OpSpawnBg:     {"SPAWN_BG", UsesA | UsesSudo, false},
	OpSpawnAssign: {"SPAWN_ASSIGN", UsesA | UsesB | UsesSudo, false},
	OpAwaitPid:    {"AWAIT_PID", UsesA, true},
	OpAwaitAssign: {"AWAIT_ASSIGN", UsesA | UsesB, true},
}

// GetOpcodeInfo returns metadata for an opcode.
// Returns an OpcodeInfo named "UNKNOWN(0xNN)" if the opcode is not recognized.
func GetOpcodeInfo(op Opcode) OpcodeInfo {
	if info, ok := opcodeInfoTable[op]; ok {
		return info
	}
	return OpcodeInfo{Name: fmt.Sprintf("UNKNOWN(0x%02X)", byte(op))}
}

// String returns the human-readable name of an opcode.
func (op Opcode) String() string {
	return GetOpcodeInfo(op).Name
}

// Valid reports whether op is a defined opcode.
func (op Opcode) Valid() bool {
	_, ok := opcodeInfoTable[op]
	return ok
}

// IsJump returns true if this opcode carries an instruction-index target.
func (op Opcode) IsJump() bool {
	return op == OpJump || op == OpJumpIfFalse || op == OpHotLoop
}

// IsBlocking returns true if the VM waits on an external process for this opcode.
func (op Opcode) IsBlocking() bool {
	return GetOpcodeInfo(op).Blocking
}

// Uses reports whether op reads the operand described by flag.
func (op Opcode) Uses(flag uint8) bool {
	return GetOpcodeInfo(op).Operands&flag != 0
}

// AllOpcodes returns a slice of all defined opcodes.
func AllOpcodes() []Opcode {
	opcodes := make([]Opcode, 0, len(opcodeInfoTable))
	for op := range opcodeInfoTable {
		opcodes = append(opcodes, op)
	}
	return opcodes
}

// OpcodeCount returns the number of defined opcodes.
func OpcodeCount() int {
	return len(opcodeInfoTable)
}
