package bytecode

// StripNops removes every OpNop from the program in a single pass and
// rewrites jump targets and function entries through the old-to-new index
// table. A target that pointed at a removed instruction moves to the next
// surviving one; a target at or past the end maps to the new length.
// It returns the number of instructions removed.
func (p *Program) StripNops() int {
	n := len(p.Ops)
	// remap[i] is the new index of the first kept instruction at or after i.
	remap := make([]int, n+1)
	kept := 0
	for i, ins := range p.Ops {
		remap[i] = kept
		if ins.Op != OpNop {
			kept++
		}
	}
	remap[n] = kept
	if kept == n {
		return 0
	}

	patch := func(t int) int {
		if t < 0 {
			return t
		}
		if t >= n {
			return kept
		}
		return remap[t]
	}

	out := make([]Instruction, 0, kept)
	for _, ins := range p.Ops {
		if ins.Op == OpNop {
			continue
		}
		if ins.Op.IsJump() {
			ins.Target = patch(ins.Target)
		}
		out = append(out, ins)
	}
	p.Ops = out
	for name, entry := range p.Functions {
		p.Functions[name] = patch(entry)
	}
	return n - kept
}
