package bytecode

import (
	"fmt"
	"strings"
)

// Disassemble returns a human-readable listing of the program.
func (p *Program) Disassemble() string {
	return p.DisassembleWithName("")
}

// DisassembleWithName returns a human-readable listing with a name header.
func (p *Program) DisassembleWithName(name string) string {
	var sb strings.Builder

	entries := make(map[int][]string, len(p.Functions))
	for _, fn := range p.FunctionNames() {
		at := p.Functions[fn]
		entries[at] = append(entries[at], fn)
	}

	if name != "" {
		sb.WriteString(fmt.Sprintf("; === %s ===\n", name))
	}
	sb.WriteString(fmt.Sprintf("; hacker-lang bytecode v%d: %d ops, %d functions, %d strings\n",
		p.SchemaVersion, len(p.Ops), len(p.Functions), p.Pool.Len()))

	for i, ins := range p.Ops {
		for _, fn := range entries[i] {
			sb.WriteString(fmt.Sprintf("\nfn .%s:\n", fn))
		}
		sb.WriteString(fmt.Sprintf("%5d:  %s\n", i, p.FormatInstruction(ins)))
	}
	// Functions with an empty body point at len(Ops).
	for _, fn := range entries[len(p.Ops)] {
		sb.WriteString(fmt.Sprintf("\nfn .%s: (empty)\n", fn))
	}

	if p.Pool.Len() > 0 {
		sb.WriteString("\n; String pool:\n")
		for i, s := range p.Pool.Strings {
			sb.WriteString(fmt.Sprintf(";   [%4d] %q\n", i, truncate(s, 60)))
		}
	}
	return sb.String()
}

// FormatInstruction renders one instruction with its pool operands resolved.
func (p *Program) FormatInstruction(ins Instruction) string {
	sudo := ""
	if ins.Sudo {
		sudo = " SUDO"
	}
	s := p.Str
	switch ins.Op {
	case OpNop:
		return "NOP"
	case OpExec:
		raw := ""
		if ins.Raw {
			raw = " RAW"
		}
		return fmt.Sprintf("EXEC%s%s %q", sudo, raw, s(ins.A))
	case OpPlugin:
		return fmt.Sprintf("PLUGIN%s \\%s %s", sudo, s(ins.A), s(ins.B))
	case OpMatchExec:
		return fmt.Sprintf("MATCH_EXEC%s %s", sudo, truncate(s(ins.A), 50))
	case OpPipeExec:
		stages := make([]string, len(ins.Stages))
		for i, id := range ins.Stages {
			stages[i] = s(id)
		}
		return fmt.Sprintf("PIPE_EXEC%s %s", sudo, strings.Join(stages, " | "))
	case OpSetEnv:
		return fmt.Sprintf("SET_ENV %s = %q", s(ins.A), s(ins.B))
	case OpSetLocal:
		raw := ""
		if ins.Raw {
			raw = " RAW"
		}
		return fmt.Sprintf("SET_LOCAL%s $%s = %q", raw, s(ins.A), s(ins.B))
	case OpSetConst:
		return fmt.Sprintf("SET_CONST %%%s = %q", s(ins.A), s(ins.B))
	case OpSetOut:
		return fmt.Sprintf("SET_OUT %q", s(ins.A))
	case OpJump:
		return fmt.Sprintf("JUMP -> %d", ins.Target)
	case OpJumpIfFalse:
		return fmt.Sprintf("JUMP_IF_FALSE %s -> %d", s(ins.A), ins.Target)
	case OpHotLoop:
		return fmt.Sprintf("HOT_LOOP loop=%d", ins.Target)
	case OpCallFunc:
		return fmt.Sprintf("CALL_FUNC .%s", s(ins.A))
	case OpReturn:
		return "RETURN"
	case OpExit:
		return fmt.Sprintf("EXIT %d", ins.Code)
	case OpAssert:
		msg := "(no message)"
		if ins.HasB {
			msg = s(ins.B)
		}
		return fmt.Sprintf("ASSERT %s -> %q", s(ins.A), msg)
	case OpLock:
		return fmt.Sprintf("LOCK %s = %s", s(ins.A), s(ins.B))
	case OpUnlock:
		return fmt.Sprintf("UNLOCK %s", s(ins.A))
	case OpSpawnBg:
		return fmt.Sprintf("SPAWN_BG%s %s", sudo, s(ins.A))
	case OpSpawnAssign:
		return fmt.Sprintf("SPAWN_ASSIGN%s %s = spawn %s", sudo, s(ins.A), s(ins.B))
	case OpAwaitPid:
		return fmt.Sprintf("AWAIT_PID %s", s(ins.A))
	case OpAwaitAssign:
		return fmt.Sprintf("AWAIT_ASSIGN %s = await %s", s(ins.A), s(ins.B))
	default:
		return ins.Op.String()
	}
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", "\\n")
	s = strings.ReplaceAll(s, "\t", "\\t")
	if len(s) > n {
		return s[:n-3] + "..."
	}
	return s
}
