// Package server implements the hacker-lang language server.
package server

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/tliron/commonlog"
	"github.com/tliron/glsp"
	protocol "github.com/tliron/glsp/protocol_3_16"
	glspserver "github.com/tliron/glsp/server"

	"github.com/chazu/hackerlang/pkg/ast"

	_ "github.com/tliron/commonlog/simple"
)

const lspName = "hl-lsp"

var log = commonlog.GetLogger("hl.lsp")

// AnalyzeFunc produces the analysis of the script at path.
type AnalyzeFunc func(ctx context.Context, path string) (*ast.AnalysisResult, error)

// LspServer publishes analyzer warnings and compile errors for open
// hacker-lang documents.
type LspServer struct {
	worker  *Worker
	analyze AnalyzeFunc

	mu      sync.Mutex
	docs    map[protocol.DocumentUri]string
	results map[protocol.DocumentUri]*ast.AnalysisResult

	handler protocol.Handler
	server  *glspserver.Server
	version string
}

// NewLSP creates a language server that analyzes documents with analyze.
func NewLSP(analyze AnalyzeFunc) *LspServer {
	s := &LspServer{
		worker:  NewWorker(),
		analyze: analyze,
		docs:    make(map[protocol.DocumentUri]string),
		results: make(map[protocol.DocumentUri]*ast.AnalysisResult),
		version: "0.1.0",
	}

	s.handler = protocol.Handler{
		Initialize:  s.initialize,
		Initialized: s.initialized,
		Shutdown:    s.shutdown,
		SetTrace:    s.setTrace,

		TextDocumentDidOpen:   s.textDocumentDidOpen,
		TextDocumentDidChange: s.textDocumentDidChange,
		TextDocumentDidSave:   s.textDocumentDidSave,
		TextDocumentDidClose:  s.textDocumentDidClose,

		TextDocumentCompletion: s.textDocumentCompletion,
		TextDocumentHover:      s.textDocumentHover,
	}

	s.server = glspserver.NewServer(&s.handler, lspName, false)

	return s
}

// Run starts the server on stdio. Blocks until the client disconnects.
func (s *LspServer) Run() error {
	return s.server.RunStdio()
}

// --- LSP lifecycle handlers ---

func (s *LspServer) initialize(ctx *glsp.Context, params *protocol.InitializeParams) (any, error) {
	log.Info("hl LSP initializing")

	capabilities := s.handler.CreateServerCapabilities()

	syncKind := protocol.TextDocumentSyncKindFull
	capabilities.TextDocumentSync = &protocol.TextDocumentSyncOptions{
		OpenClose: boolPtr(true),
		Change:    &syncKind,
		Save:      boolPtr(true),
	}

	capabilities.CompletionProvider = &protocol.CompletionOptions{
		TriggerCharacters: []string{"."},
	}
	capabilities.HoverProvider = true

	return protocol.InitializeResult{
		Capabilities: capabilities,
		ServerInfo: &protocol.InitializeResultServerInfo{
			Name:    lspName,
			Version: &s.version,
		},
	}, nil
}

func (s *LspServer) initialized(ctx *glsp.Context, params *protocol.InitializedParams) error {
	return nil
}

func (s *LspServer) shutdown(ctx *glsp.Context) error {
	s.worker.Stop()
	return nil
}

func (s *LspServer) setTrace(ctx *glsp.Context, params *protocol.SetTraceParams) error {
	return nil
}

// --- Document synchronization ---

func (s *LspServer) textDocumentDidOpen(ctx *glsp.Context, params *protocol.DidOpenTextDocumentParams) error {
	uri := params.TextDocument.URI

	s.mu.Lock()
	s.docs[uri] = params.TextDocument.Text
	s.mu.Unlock()

	s.publishDiagnostics(ctx, uri)
	return nil
}

// The analyzer reads scripts from disk, so edits are only tracked for
// completion and hover until the document is saved.
func (s *LspServer) textDocumentDidChange(ctx *glsp.Context, params *protocol.DidChangeTextDocumentParams) error {
	if len(params.ContentChanges) > 0 {
		last := params.ContentChanges[len(params.ContentChanges)-1]
		if whole, ok := last.(protocol.TextDocumentContentChangeEventWhole); ok {
			s.mu.Lock()
			s.docs[params.TextDocument.URI] = whole.Text
			s.mu.Unlock()
		}
	}
	return nil
}

func (s *LspServer) textDocumentDidSave(ctx *glsp.Context, params *protocol.DidSaveTextDocumentParams) error {
	s.publishDiagnostics(ctx, params.TextDocument.URI)
	return nil
}

func (s *LspServer) textDocumentDidClose(ctx *glsp.Context, params *protocol.DidCloseTextDocumentParams) error {
	uri := params.TextDocument.URI

	s.mu.Lock()
	delete(s.docs, uri)
	delete(s.results, uri)
	s.mu.Unlock()

	go ctx.Notify(protocol.ServerTextDocumentPublishDiagnostics, protocol.PublishDiagnosticsParams{
		URI:         uri,
		Diagnostics: []protocol.Diagnostic{},
	})
	return nil
}

// --- Language features ---

func (s *LspServer) textDocumentCompletion(ctx *glsp.Context, params *protocol.CompletionParams) (any, error) {
	text, res := s.document(params.TextDocument.URI)
	if res == nil {
		return nil, nil
	}
	prefix := extractPrefix(text, params.Position)
	if !strings.HasPrefix(prefix, ".") {
		return nil, nil
	}
	return complete(res, prefix[1:]), nil
}

func (s *LspServer) textDocumentHover(ctx *glsp.Context, params *protocol.HoverParams) (*protocol.Hover, error) {
	text, res := s.document(params.TextDocument.URI)
	if res == nil {
		return nil, nil
	}
	word := extractWord(text, params.Position)
	if word == "" {
		return nil, nil
	}
	return hover(res, word), nil
}

func (s *LspServer) document(uri protocol.DocumentUri) (string, *ast.AnalysisResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.docs[uri], s.results[uri]
}

// complete lists functions whose name starts with prefix.
func complete(res *ast.AnalysisResult, prefix string) []protocol.CompletionItem {
	var items []protocol.CompletionItem
	lowerPrefix := strings.ToLower(prefix)

	for _, fn := range res.Functions {
		name := ast.NormalizeFuncName(fn.Name)
		if !strings.HasPrefix(strings.ToLower(name), lowerPrefix) {
			continue
		}
		kind := protocol.CompletionItemKindFunction
		detail := "function"
		if fn.Sig != "" {
			detail = fn.Sig
		}
		nameCopy := name
		items = append(items, protocol.CompletionItem{
			Label:      name,
			Kind:       &kind,
			Detail:     &detail,
			InsertText: &nameCopy,
		})
	}

	sort.Slice(items, func(i, j int) bool { return items[i].Label < items[j].Label })

	const maxItems = 100
	if len(items) > maxItems {
		items = items[:maxItems]
	}
	return items
}

// hover describes the function named word, if any.
func hover(res *ast.AnalysisResult, word string) *protocol.Hover {
	name := ast.NormalizeFuncName(word)
	var fn *ast.Function
	for i := range res.Functions {
		if ast.NormalizeFuncName(res.Functions[i].Name) == name {
			fn = &res.Functions[i]
			break
		}
	}
	if fn == nil {
		return nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "**.%s**", name)
	if fn.Sig != "" {
		fmt.Fprintf(&b, " `%s`", fn.Sig)
	}
	b.WriteString("\n\n")
	fmt.Fprintf(&b, "%d statements", len(fn.Body))
	if len(fn.Body) > 0 {
		fmt.Fprintf(&b, ", defined near line %d", fn.Body[0].Line)
	}
	if fn.Unsafe {
		b.WriteString("\n\n**unsafe**: runs commands with sudo")
	}

	return &protocol.Hover{
		Contents: protocol.MarkupContent{
			Kind:  protocol.MarkupKindMarkdown,
			Value: b.String(),
		},
	}
}

// --- Diagnostics ---

func (s *LspServer) publishDiagnostics(ctx *glsp.Context, uri protocol.DocumentUri) {
	path, err := uriToPath(uri)
	if err != nil {
		log.Warningf("%s: %v", uri, err)
		return
	}

	value, err := s.worker.Do(func() any {
		res, err := s.analyze(context.Background(), path)
		return analysis{res: res, err: err}
	})
	if err != nil {
		log.Errorf("analyzing %s: %v", path, err)
		return
	}
	a := value.(analysis)

	s.mu.Lock()
	if a.res != nil {
		s.results[uri] = a.res
	}
	s.mu.Unlock()

	go ctx.Notify(protocol.ServerTextDocumentPublishDiagnostics, protocol.PublishDiagnosticsParams{
		URI:         uri,
		Diagnostics: diagnostics(a.res, a.err),
	})
}

type analysis struct {
	res *ast.AnalysisResult
	err error
}

func uriToPath(uri protocol.DocumentUri) (string, error) {
	u, err := url.Parse(string(uri))
	if err != nil {
		return "", err
	}
	if u.Scheme != "file" {
		return "", fmt.Errorf("unsupported URI scheme %q", u.Scheme)
	}
	return u.Path, nil
}

// --- Text extraction helpers ---

func isWordChar(ch rune) bool {
	return unicode.IsLetter(ch) || unicode.IsDigit(ch) || ch == '_' || ch == '-'
}

// extractPrefix returns the call fragment before the cursor, including a
// leading '.' and any namespace dots.
func extractPrefix(text string, pos protocol.Position) string {
	lines := strings.Split(text, "\n")
	if int(pos.Line) >= len(lines) {
		return ""
	}
	line := lines[pos.Line]
	col := int(pos.Character)
	if col > len(line) {
		col = len(line)
	}

	start := col
	for start > 0 {
		ch := rune(line[start-1])
		if isWordChar(ch) || ch == '.' {
			start--
		} else {
			break
		}
	}

	if start == col {
		return ""
	}

	return line[start:col]
}

// extractWord returns the full function reference under the cursor.
func extractWord(text string, pos protocol.Position) string {
	lines := strings.Split(text, "\n")
	if int(pos.Line) >= len(lines) {
		return ""
	}
	line := lines[pos.Line]
	col := int(pos.Character)
	if col > len(line) {
		col = len(line)
	}

	start := col
	for start > 0 {
		ch := rune(line[start-1])
		if isWordChar(ch) || ch == '.' {
			start--
		} else {
			break
		}
	}

	end := col
	for end < len(line) {
		ch := rune(line[end])
		if isWordChar(ch) || ch == '.' {
			end++
		} else {
			break
		}
	}

	if start == end {
		return ""
	}

	return strings.TrimRight(line[start:end], ".")
}

func boolPtr(b bool) *bool {
	return &b
}
