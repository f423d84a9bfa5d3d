package server

import (
	"regexp"
	"strconv"

	protocol "github.com/tliron/glsp/protocol_3_16"

	"github.com/chazu/hackerlang/compiler"
	"github.com/chazu/hackerlang/pkg/ast"
)

var warningLine = regexp.MustCompile(`^line (\d+)\b`)

// diagnostics turns an analysis outcome into LSP diagnostics: an analysis
// failure is one error, otherwise every safety warning and every compile
// error of the result is reported.
func diagnostics(res *ast.AnalysisResult, err error) []protocol.Diagnostic {
	diags := []protocol.Diagnostic{}
	if err != nil {
		return append(diags, diagnostic(0, 0, 0, protocol.DiagnosticSeverityError, err.Error()))
	}
	if res == nil {
		return diags
	}

	for _, w := range res.SafetyWarnings {
		line := 0
		if m := warningLine.FindStringSubmatch(w); m != nil {
			if n, err := strconv.Atoi(m[1]); err == nil {
				line = n - 1
			}
		}
		diags = append(diags, diagnostic(line, 0, 0, protocol.DiagnosticSeverityWarning, w))
	}

	_, cerr := compiler.Compile(res)
	errs := compiler.Errors(cerr)
	for _, ce := range errs {
		diags = append(diags, diagnostic(ce.Line-1, ce.Span.Start, ce.Span.Len, protocol.DiagnosticSeverityError, ce.Msg))
	}
	if cerr != nil && len(errs) == 0 {
		diags = append(diags, diagnostic(0, 0, 0, protocol.DiagnosticSeverityError, cerr.Error()))
	}
	return diags
}

func diagnostic(line, col, length int, severity protocol.DiagnosticSeverity, msg string) protocol.Diagnostic {
	if line < 0 {
		line = 0
	}
	if col < 0 {
		col = 0
	}
	if length < 0 {
		length = 0
	}
	source := lspName
	return protocol.Diagnostic{
		Range: protocol.Range{
			Start: protocol.Position{Line: protocol.UInteger(line), Character: protocol.UInteger(col)},
			End:   protocol.Position{Line: protocol.UInteger(line), Character: protocol.UInteger(col + length)},
		},
		Severity: &severity,
		Source:   &source,
		Message:  msg,
	}
}
