// Package cond evaluates hacker-lang conditions without a shell.
//
// Conditions are shell test expressions ("[[ $x -lt 3 ]]", "[ -n foo ]").
// Eval decides the ones whose operands are literals; anything it cannot
// decide is reported as undecided so the caller can fall back to a shell.
package cond

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// comparison operators in match order; " == " must precede " = ".
var binaryOps = []string{" == ", " != ", " =~ ", " = ", " -eq ", " -ne ", " -lt ", " -le ", " -gt ", " -ge "}

// Wrap puts a bare comparison into [[ ]] so a shell can evaluate it.
// Conditions already starting with "[", "[[" or "((" are returned trimmed.
func Wrap(c string) string {
	t := strings.TrimSpace(c)
	if strings.HasPrefix(t, "[") || strings.HasPrefix(t, "((") {
		return t
	}
	for _, op := range []string{" == ", " != ", " -eq ", " -ne ", " -lt ", " -le ", " -gt ", " -ge "} {
		if strings.Contains(t, op) {
			return "[[ " + t + " ]]"
		}
	}
	return t
}

// Inner strips the test brackets from a condition.
func Inner(c string) (string, bool) {
	inner, _, ok := brackets(strings.TrimSpace(c))
	return inner, ok
}

// IsTest reports whether c is a bracketed test or an arithmetic command.
func IsTest(c string) bool {
	t := strings.TrimSpace(c)
	return strings.HasPrefix(t, "[") || strings.HasPrefix(t, "((")
}

func brackets(t string) (inner string, double, ok bool) {
	switch {
	case strings.HasPrefix(t, "[[") && strings.HasSuffix(t, "]]") && len(t) >= 4:
		return strings.TrimSpace(t[2 : len(t)-2]), true, true
	case strings.HasPrefix(t, "[") && strings.HasSuffix(t, "]") && len(t) >= 2:
		return strings.TrimSpace(t[1 : len(t)-1]), false, true
	}
	return "", false, false
}

// Static evaluates a condition at compile time. Only tests whose outcome
// cannot depend on program state or the file system are decided: pattern
// matches and file tests are left for run time.
func Static(c string) (result, ok bool) {
	e := evaluator{}
	return e.eval(c)
}

// Eval evaluates an already substituted condition. Besides bracketed
// tests it decides the literals "true", "false" and ":". Relative paths
// in file tests resolve against the working directory.
func Eval(c string) (result, ok bool) {
	return EvalIn(c, "")
}

// EvalIn is Eval with relative paths in file tests resolved against dir.
func EvalIn(c, dir string) (result, ok bool) {
	e := evaluator{runtime: true, dir: dir}
	return e.eval(c)
}

type evaluator struct {
	runtime bool
	dir     string
}

func (e evaluator) eval(c string) (bool, bool) {
	t := strings.TrimSpace(c)
	switch t {
	case "true", ":":
		return true, true
	case "false":
		return false, true
	}
	inner, double, ok := brackets(t)
	if !ok || inner == "" {
		return false, false
	}
	if strings.Contains(inner, "$(") || strings.Contains(inner, "`") {
		return false, false
	}
	if !double {
		if unquotedIndex(inner, " -a ") >= 0 || unquotedIndex(inner, " -o ") >= 0 {
			return false, false
		}
		return e.test(inner, false)
	}
	if unquotedIndex(inner, "(") >= 0 {
		return false, false
	}
	return e.or(inner)
}

// or and and evaluate [[ a || b && c ]] with && binding tighter. Every
// operand must be decidable.
func (e evaluator) or(s string) (bool, bool) {
	result := false
	for _, part := range splitUnquoted(s, " || ") {
		r, ok := e.and(part)
		if !ok {
			return false, false
		}
		result = result || r
	}
	return result, true
}

func (e evaluator) and(s string) (bool, bool) {
	result := true
	for _, part := range splitUnquoted(s, " && ") {
		r, ok := e.test(part, true)
		if !ok {
			return false, false
		}
		result = result && r
	}
	return result, true
}

func (e evaluator) test(s string, double bool) (bool, bool) {
	s = strings.TrimSpace(s)
	if neg, ok := strings.CutPrefix(s, "! "); ok {
		r, ok := e.test(neg, double)
		return !r, ok
	}
	if op, arg, ok := unary(s); ok {
		return e.unaryTest(op, arg)
	}

	for _, op := range binaryOps {
		pos := unquotedIndex(s, op)
		if pos < 0 {
			continue
		}
		lhs, lq, ok1 := operand(s[:pos])
		rhs, rq, ok2 := operand(s[pos+len(op):])
		if !ok1 || !ok2 {
			return false, false
		}
		switch op {
		case " == ", " = ", " != ":
			eq, ok := e.equal(lhs, lq, rhs, rq, double)
			if !ok {
				return false, false
			}
			if op == " != " {
				return !eq, true
			}
			return eq, true
		case " =~ ":
			return false, false
		}
		a, errA := strconv.ParseInt(lhs, 10, 64)
		b, errB := strconv.ParseInt(rhs, 10, 64)
		if errA != nil || errB != nil {
			return false, false
		}
		switch op {
		case " -eq ":
			return a == b, true
		case " -ne ":
			return a != b, true
		case " -lt ":
			return a < b, true
		case " -le ":
			return a <= b, true
		case " -gt ":
			return a > b, true
		case " -ge ":
			return a >= b, true
		}
	}
	return false, false
}

// equal compares for ==, = and !=. Inside [[ ]] an unquoted right-hand
// side is a pattern; inside [ ] unquoted pattern characters would be
// expanded as file names, so those tests stay undecided.
func (e evaluator) equal(lhs string, lq bool, rhs string, rq bool, double bool) (bool, bool) {
	if !lq && strings.ContainsAny(lhs, `*?[\`) {
		if !double || strings.Contains(lhs, `\`) {
			return false, false
		}
	}
	if rq || !HasMeta(rhs) {
		return lhs == rhs, true
	}
	if !double || !e.runtime {
		return false, false
	}
	return Match(rhs, lhs), true
}

func unary(s string) (op, arg string, ok bool) {
	if len(s) < 4 || s[0] != '-' || s[2] != ' ' || !strings.ContainsRune("nzefdrwxsLh", rune(s[1])) {
		return "", "", false
	}
	arg = s[3:]
	for _, b := range binaryOps {
		if unquotedIndex(arg, b) >= 0 {
			return "", "", false
		}
	}
	return s[:2], arg, true
}

func (e evaluator) unaryTest(op, arg string) (bool, bool) {
	v, quoted, ok := operand(arg)
	if !ok {
		return false, false
	}
	switch op {
	case "-n":
		return v != "", true
	case "-z":
		return v == "", true
	}
	if !e.runtime || (!quoted && HasMeta(v)) {
		return false, false
	}
	if v != "" && !filepath.IsAbs(v) && e.dir != "" {
		v = filepath.Join(e.dir, v)
	}
	return fileTest(op[1], v), true
}

// fileTest implements the unary file operators of test(1).
func fileTest(op byte, name string) bool {
	if name == "" {
		return false
	}
	if op == 'L' || op == 'h' {
		fi, err := os.Lstat(name)
		return err == nil && fi.Mode()&os.ModeSymlink != 0
	}
	fi, err := os.Stat(name)
	if err != nil {
		return false
	}
	switch op {
	case 'e':
		return true
	case 'f':
		return fi.Mode().IsRegular()
	case 'd':
		return fi.IsDir()
	case 's':
		return fi.Size() > 0
	case 'r':
		return unix.Access(name, unix.R_OK) == nil
	case 'w':
		return unix.Access(name, unix.W_OK) == nil
	case 'x':
		return unix.Access(name, unix.X_OK) == nil
	}
	return false
}

// operand unquotes one test word. Words the shell would still expand
// ($, backquotes, partial quoting) are rejected.
func operand(raw string) (val string, quoted, ok bool) {
	t := strings.TrimSpace(raw)
	if t == "" {
		return "", false, false
	}
	if len(t) >= 2 {
		q := t[0]
		if (q == '"' || q == '\'') && t[len(t)-1] == q && strings.IndexByte(t[1:len(t)-1], q) < 0 {
			v := t[1 : len(t)-1]
			if q == '"' && strings.ContainsAny(v, "$`\\") {
				return "", false, false
			}
			return v, true, true
		}
	}
	if strings.ContainsAny(t, "\"'$`") {
		return "", false, false
	}
	return t, false, true
}

// unquotedIndex is strings.Index ignoring matches inside quotes.
func unquotedIndex(s, sub string) int {
	var q byte
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case q != 0:
			if c == q {
				q = 0
			}
		case c == '\\':
			i++
		case c == '"' || c == '\'':
			q = c
		case strings.HasPrefix(s[i:], sub):
			return i
		}
	}
	return -1
}

func splitUnquoted(s, sep string) []string {
	var parts []string
	for {
		i := unquotedIndex(s, sep)
		if i < 0 {
			return append(parts, s)
		}
		parts = append(parts, s[:i])
		s = s[i+len(sep):]
	}
}

// SplitAlternatives splits a case pattern on unquoted "|".
func SplitAlternatives(p string) []string {
	var out []string
	for _, alt := range splitUnquoted(p, "|") {
		if alt = strings.TrimSpace(alt); alt != "" {
			out = append(out, alt)
		}
	}
	return out
}

// Unquote strips one level of matching single or double quotes.
func Unquote(s string) string {
	if len(s) >= 2 && ((s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'')) {
		return s[1 : len(s)-1]
	}
	return s
}

var falsy = map[string]bool{
	"false": true, "0": true, "no": true, "off": true,
	"null": true, "nil": true, "none": true,
}

// Truthy applies the assert truthiness policy: non-empty and not a
// recognized falsy literal (case-insensitive).
func Truthy(v string) bool {
	t := strings.TrimSpace(Unquote(strings.TrimSpace(v)))
	if t == "" {
		return false
	}
	return !falsy[strings.ToLower(t)]
}
