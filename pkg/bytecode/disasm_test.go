package bytecode

import (
	"strings"
	"testing"
)

func TestDisassemble(t *testing.T) {
	out := sampleProgram().DisassembleWithName("sample.hl")

	wants := []string{
		"; === sample.hl ===",
		"7 ops, 1 functions",
		`SET_LOCAL RAW $x = "1"`,
		"CALL_FUNC .greet",
		`ASSERT $x -> "boom"`,
		"PIPE_EXEC ls | wc -l",
		"EXIT 3",
		"fn .greet:",
		`EXEC SUDO "echo hi"`,
		"; String pool:",
	}
	for _, w := range wants {
		if !strings.Contains(out, w) {
			t.Errorf("Disassemble() missing %q\n%s", w, out)
		}
	}
}

func TestFormatInstructionAssertNoMessage(t *testing.T) {
	p := NewProgram()
	ins := Instruction{Op: OpAssert, A: p.Pool.Intern("$ok")}
	if got := p.FormatInstruction(ins); !strings.Contains(got, "(no message)") {
		t.Errorf("FormatInstruction() = %q, want default message", got)
	}
}
