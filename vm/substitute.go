package vm

import (
	"slices"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/chazu/hackerlang/pkg/cond"
)

// lookup resolves a variable: locals of the innermost frame first, then
// the environment.
func (vm *VM) lookup(name string) (string, bool) {
	if n := len(vm.frames); n > 0 {
		if v, ok := vm.frames[n-1].locals[name]; ok {
			return v, true
		}
	}
	v, ok := vm.env[name]
	return v, ok
}

// expand substitutes $name, ${name}, $? and $(( expr )) in s, plus the
// ${#name}, ${name#pat}, ${name##pat}, ${name%pat} and ${name%%pat} forms. Names the VM
// does not know and anything it cannot evaluate are left for the shell.
func (vm *VM) expand(s string) string {
	if !strings.Contains(s, "$") {
		return s
	}
	var sb strings.Builder
	sb.Grow(len(s))
	for i := 0; i < len(s); {
		c := s[i]
		if c == '\\' && i+1 < len(s) {
			sb.WriteByte(c)
			sb.WriteByte(s[i+1])
			i += 2
			continue
		}
		if c != '$' || i+1 >= len(s) {
			sb.WriteByte(c)
			i++
			continue
		}

		rest := s[i+1:]
		switch {
		case rest[0] == '?':
			sb.WriteString(strconv.Itoa(vm.status))
			i += 2

		case strings.HasPrefix(rest, "(("):
			end := matchArith(s, i+3)
			if end < 0 {
				sb.WriteByte(c)
				i++
				continue
			}
			inner := vm.expand(s[i+3 : end])
			if v, err := evalArith(inner, vm.lookup); err == nil {
				sb.WriteString(strconv.FormatInt(v, 10))
			} else {
				sb.WriteString("$((" + inner + "))")
			}
			i = end + 2

		case rest[0] == '{':
			rb := strings.IndexByte(rest, '}')
			if rb < 0 {
				sb.WriteByte(c)
				i++
				continue
			}
			if v, ok := vm.param(rest[1:rb]); ok {
				sb.WriteString(v)
			} else {
				sb.WriteString(s[i : i+rb+2])
			}
			i += rb + 2

		default:
			n := nameLen(rest)
			if n == 0 {
				sb.WriteByte(c)
				i++
				continue
			}
			name := rest[:n]
			if v, ok := vm.lookup(name); ok {
				sb.WriteString(v)
			} else {
				sb.WriteString("$" + name)
			}
			i += 1 + n
		}
	}
	return sb.String()
}

// param evaluates the body of a ${...} expansion for a known variable.
func (vm *VM) param(body string) (string, bool) {
	if name, ok := strings.CutPrefix(body, "#"); ok && isName(name) {
		v, ok := vm.lookup(name)
		if !ok {
			return "", false
		}
		return strconv.Itoa(utf8.RuneCountInString(v)), true
	}
	n := nameLen(body)
	if n == 0 {
		return "", false
	}
	v, ok := vm.lookup(body[:n])
	if !ok {
		return "", false
	}
	op := body[n:]
	switch {
	case op == "":
		return v, true
	case strings.HasPrefix(op, "##"):
		return trimPrefixPattern(v, op[2:], true), true
	case strings.HasPrefix(op, "#"):
		return trimPrefixPattern(v, op[1:], false), true
	case strings.HasPrefix(op, "%%"):
		return trimSuffixPattern(v, op[2:], true), true
	case strings.HasPrefix(op, "%"):
		return trimSuffixPattern(v, op[1:], false), true
	}
	return "", false
}

// trimPrefixPattern removes the shortest (or longest) prefix of v that
// matches the shell pattern p.
func trimPrefixPattern(v, p string, longest bool) string {
	bounds := runeBounds(v)
	if longest {
		slices.Reverse(bounds)
	}
	for _, i := range bounds {
		if cond.Match(p, v[:i]) {
			return v[i:]
		}
	}
	return v
}

// trimSuffixPattern removes the shortest (or longest) suffix of v that
// matches the shell pattern p.
func trimSuffixPattern(v, p string, longest bool) string {
	bounds := runeBounds(v)
	if !longest {
		slices.Reverse(bounds)
	}
	for _, i := range bounds {
		if cond.Match(p, v[i:]) {
			return v[:i]
		}
	}
	return v
}

// runeBounds lists the byte offsets of every rune boundary in v, 0 and
// len(v) included, in increasing order.
func runeBounds(v string) []int {
	out := make([]int, 0, len(v)+1)
	for i := range v {
		out = append(out, i)
	}
	return append(out, len(v))
}

// matchArith returns the index of the "))" closing an arithmetic expansion
// whose body starts at from, or -1.
func matchArith(s string, from int) int {
	depth := 0
	for j := from; j < len(s); j++ {
		switch s[j] {
		case '(':
			depth++
		case ')':
			if depth > 0 {
				depth--
				continue
			}
			if j+1 < len(s) && s[j+1] == ')' {
				return j
			}
			return -1
		}
	}
	return -1
}

func nameLen(s string) int {
	n := 0
	for n < len(s) {
		c := s[n]
		if c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (n > 0 && c >= '0' && c <= '9') {
			n++
			continue
		}
		break
	}
	return n
}

func isName(s string) bool {
	return s != "" && nameLen(s) == len(s)
}
