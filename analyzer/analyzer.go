// Package analyzer runs the external hl-plsa parser and safety analyzer
// and decodes its JSON output.
package analyzer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"unicode/utf8"

	"github.com/tliron/commonlog"

	"github.com/chazu/hackerlang/pkg/ast"
)

var log = commonlog.GetLogger("hl.analyzer")

// previewLen bounds how much of bad analyzer output is quoted in errors.
const previewLen = 512

// ErrNotFound is returned when the analyzer binary cannot be started.
var ErrNotFound = errors.New("analyzer not found")

// ExitError reports a non-zero analyzer exit.
type ExitError struct {
	Path   string
	Code   int
	Stderr string
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("%s failed (exit %d)", e.Path, e.Code)
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ":\n" + s
	}
	return msg
}

// DecodeError reports analyzer output that is not a valid AnalysisResult.
type DecodeError struct {
	Preview string
	Err     error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("invalid analyzer JSON: %v\n%s", e.Err, e.Preview)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Analyzer invokes one hl-plsa binary.
type Analyzer struct {
	bin string
}

// New returns an analyzer that runs bin.
func New(bin string) *Analyzer {
	return &Analyzer{bin: bin}
}

// Path returns the analyzer binary path.
func (a *Analyzer) Path() string {
	return a.bin
}

// Analyze runs `hl-plsa <file> --json --resolve-libs` and decodes its
// stdout.
func (a *Analyzer) Analyze(ctx context.Context, file string) (*ast.AnalysisResult, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, a.bin, file, "--json", "--resolve-libs")
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	log.Debugf("analyzing %s with %s", file, a.bin)
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, &ExitError{Path: a.bin, Code: exitErr.ExitCode(), Stderr: stderr.String()}
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrNotFound, a.bin, err)
	}

	res, err := Decode(&stdout)
	if err != nil {
		return nil, err
	}
	log.Debugf("%s: %d functions, %d nodes, %d deps", file, len(res.Functions), len(res.Main), len(res.Deps))
	return res, nil
}

// Decode reads an AnalysisResult from r. Errors carry a preview of the
// offending input.
func Decode(r io.Reader) (*ast.AnalysisResult, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading analyzer output: %w", err)
	}
	res, err := ast.Parse(data)
	if err != nil {
		return nil, &DecodeError{Preview: preview(data), Err: err}
	}
	return res, nil
}

func preview(data []byte) string {
	if len(data) <= previewLen {
		return string(data)
	}
	cut := previewLen
	for cut > 0 && !utf8.RuneStart(data[cut]) {
		cut--
	}
	return string(data[:cut])
}
