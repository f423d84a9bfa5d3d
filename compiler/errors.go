package compiler

import (
	"errors"
	"fmt"

	"github.com/chazu/hackerlang/pkg/ast"
)

// CompileError reports a statement the compiler cannot lower. It carries
// the statement's source position so tools can point at it.
type CompileError struct {
	Line int
	Span ast.Span
	Text string // original statement text
	Msg  string
}

func (e *CompileError) Error() string {
	if e.Text != "" {
		return fmt.Sprintf("line %d: %s: %q", e.Line, e.Msg, e.Text)
	}
	return fmt.Sprintf("line %d: %s", e.Line, e.Msg)
}

// Errors returns every CompileError wrapped in err.
func Errors(err error) []*CompileError {
	if err == nil {
		return nil
	}
	var out []*CompileError
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		for _, e := range joined.Unwrap() {
			out = append(out, Errors(e)...)
		}
		return out
	}
	var ce *CompileError
	if errors.As(err, &ce) {
		out = append(out, ce)
	}
	return out
}
