package vm

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var errDivByZero = errors.New("division by zero")

// evalArith evaluates the integer expression of a $(( )) expansion.
// Supported: + - * / % with parentheses, unary - + !, and the comparisons
// < <= > >= == != yielding 1 or 0. Bare names resolve through lookup and
// count as 0 when not numeric. Unknown names are an error so the
// expansion is left to the shell.
func evalArith(expr string, lookup func(string) (string, bool)) (int64, error) {
	p := &arithParser{src: expr, lookup: lookup}
	v, err := p.comparison()
	if err != nil {
		return 0, err
	}
	p.skipSpace()
	if p.pos != len(p.src) {
		return 0, fmt.Errorf("arith: unexpected %q", p.src[p.pos:])
	}
	return v, nil
}

type arithParser struct {
	src    string
	pos    int
	lookup func(string) (string, bool)
}

func (p *arithParser) skipSpace() {
	for p.pos < len(p.src) && (p.src[p.pos] == ' ' || p.src[p.pos] == '\t') {
		p.pos++
	}
}

func (p *arithParser) accept(op string) bool {
	p.skipSpace()
	if strings.HasPrefix(p.src[p.pos:], op) {
		p.pos += len(op)
		return true
	}
	return false
}

func (p *arithParser) comparison() (int64, error) {
	l, err := p.additive()
	if err != nil {
		return 0, err
	}
	for {
		var op string
		// Two-character operators first.
		for _, cand := range []string{"<=", ">=", "==", "!=", "<", ">"} {
			if p.accept(cand) {
				op = cand
				break
			}
		}
		if op == "" {
			return l, nil
		}
		r, err := p.additive()
		if err != nil {
			return 0, err
		}
		var b bool
		switch op {
		case "<":
			b = l < r
		case "<=":
			b = l <= r
		case ">":
			b = l > r
		case ">=":
			b = l >= r
		case "==":
			b = l == r
		case "!=":
			b = l != r
		}
		l = 0
		if b {
			l = 1
		}
	}
}

func (p *arithParser) additive() (int64, error) {
	l, err := p.multiplicative()
	if err != nil {
		return 0, err
	}
	for {
		switch {
		case p.accept("+"):
			r, err := p.multiplicative()
			if err != nil {
				return 0, err
			}
			l += r
		case p.accept("-"):
			r, err := p.multiplicative()
			if err != nil {
				return 0, err
			}
			l -= r
		default:
			return l, nil
		}
	}
}

func (p *arithParser) multiplicative() (int64, error) {
	l, err := p.unary()
	if err != nil {
		return 0, err
	}
	for {
		var op byte
		switch {
		case p.accept("*"):
			op = '*'
		case p.accept("/"):
			op = '/'
		case p.accept("%"):
			op = '%'
		default:
			return l, nil
		}
		r, err := p.unary()
		if err != nil {
			return 0, err
		}
		switch op {
		case '*':
			l *= r
		case '/', '%':
			if r == 0 {
				return 0, errDivByZero
			}
			if op == '/' {
				l /= r
			} else {
				l %= r
			}
		}
	}
}

func (p *arithParser) unary() (int64, error) {
	switch {
	case p.accept("-"):
		v, err := p.unary()
		return -v, err
	case p.accept("+"):
		return p.unary()
	case p.accept("!"):
		v, err := p.unary()
		if v == 0 {
			return 1, err
		}
		return 0, err
	}
	return p.primary()
}

func (p *arithParser) primary() (int64, error) {
	p.skipSpace()
	if p.pos >= len(p.src) {
		return 0, errors.New("arith: unexpected end of expression")
	}
	if p.accept("(") {
		v, err := p.comparison()
		if err != nil {
			return 0, err
		}
		if !p.accept(")") {
			return 0, errors.New("arith: missing )")
		}
		return v, nil
	}

	start := p.pos
	c := p.src[p.pos]
	switch {
	case c >= '0' && c <= '9':
		for p.pos < len(p.src) && p.src[p.pos] >= '0' && p.src[p.pos] <= '9' {
			p.pos++
		}
		return strconv.ParseInt(p.src[start:p.pos], 10, 64)
	case c == '$':
		// A name the VM could not substitute belongs to the shell.
		return 0, fmt.Errorf("arith: unresolved %q", p.src[start:])
	}
	n := nameLen(p.src[p.pos:])
	if n == 0 {
		return 0, fmt.Errorf("arith: unexpected %q", p.src[p.pos:])
	}
	p.pos += n
	v, ok := p.lookup(p.src[start:p.pos])
	if !ok {
		return 0, fmt.Errorf("arith: unresolved %q", p.src[start:p.pos])
	}
	i, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return 0, nil
	}
	return i, nil
}
