// Package ast defines the program representation produced by the
// hacker-lang analyzer (hl-plsa) and consumed by the compiler.
package ast

import (
	"fmt"
	"strings"
)

// LibType selects the resolution channel of a library reference.
type LibType string

const (
	LibSource LibType = "source"
	LibCore   LibType = "core"
	LibBytes  LibType = "bytes"
	LibGithub LibType = "github"
	LibVirus  LibType = "virus"
	LibVira   LibType = "vira"
)

// Valid reports whether t is a known library type.
func (t LibType) Valid() bool {
	switch t {
	case LibSource, LibCore, LibBytes, LibGithub, LibVirus, LibVira:
		return true
	}
	return false
}

// LibRef declares an external library dependency.
type LibRef struct {
	Type    LibType `json:"lib_type"`
	Name    string  `json:"name"`
	Version *string `json:"version"`
}

func (l LibRef) String() string {
	if l.Version != nil && *l.Version != "" {
		return fmt.Sprintf("%s:%s@%s", l.Type, l.Name, *l.Version)
	}
	return fmt.Sprintf("%s:%s", l.Type, l.Name)
}

// Span is a (start, length) byte range in the source line.
type Span struct {
	Start int
	Len   int
}

// Node is one statement of a script.
type Node struct {
	Line         int
	Sudo         bool
	Content      Command
	OriginalText string
	Span         Span
}

// Function is a named body declared in a script. Functions keep the order
// in which the analyzer listed them.
type Function struct {
	Name   string
	Unsafe bool
	Sig    string // empty when untyped
	Body   []Node
}

// AnalysisResult is the analyzer's output and the only input to the compiler.
type AnalysisResult struct {
	Deps              []string
	Libs              []LibRef
	Functions         []Function
	Main              []Node
	PotentiallyUnsafe bool
	SafetyWarnings    []string
}

// Function looks up a function by exact name.
func (r *AnalysisResult) Function(name string) (*Function, bool) {
	for i := range r.Functions {
		if r.Functions[i].Name == name {
			return &r.Functions[i], true
		}
	}
	return nil, false
}

// NodeCount returns the number of statements in the main body and all functions.
func (r *AnalysisResult) NodeCount() int {
	n := len(r.Main)
	for _, f := range r.Functions {
		n += len(f.Body)
	}
	return n
}

// Command is one of the statement variants. The concrete types below are
// the complete set.
type Command interface {
	Kind() string
}

type (
	// RawNoSub runs a command without variable substitution (">>" prefix).
	RawNoSub struct{ Cmd string }
	// RawSub runs a command after variable substitution (">" prefix).
	RawSub struct{ Cmd string }
	// Isolated runs a command in a subshell.
	Isolated struct{ Cmd string }
	// AssignEnv writes an environment variable: @KEY = val.
	AssignEnv struct{ Key, Val string }
	// AssignLocal writes a function-scoped variable.
	AssignLocal struct {
		Key, Val string
		IsRaw    bool
	}
	// Loop runs Cmd Count times.
	Loop struct {
		Count uint64
		Cmd   string
	}
	If   struct{ Cond, Cmd string }
	Elif struct{ Cond, Cmd string }
	Else struct{ Cmd string }
	// While runs Cmd while Cond holds.
	While struct{ Cond, Cmd string }
	// For binds Var to each word of In and runs Cmd.
	For struct{ Var, In, Cmd string }
	// Background runs Cmd with a trailing "&".
	Background struct{ Cmd string }
	// Call invokes a user function: .name args.
	Call struct{ Path, Args string }
	// Plugin invokes a plugin from the plugin directory.
	Plugin struct {
		Name, Args string
		IsSuper    bool
	}
	Log struct{ Msg string }
	// Lock requests a heap block of Val bytes under Key.
	Lock   struct{ Key, Val string }
	Unlock struct{ Key string }
	// Extern links a native library. It has no runtime effect.
	Extern struct {
		Path       string
		StaticLink bool
	}
	Enum struct {
		Name     string
		Variants []string
	}
	Import struct {
		Resource  string
		Namespace string
	}
	Struct struct {
		Name   string
		Fields []Field
	}
	// Try runs TryCmd and routes a non-zero exit status to CatchCmd.
	Try struct{ TryCmd, CatchCmd string }
	End struct{ Code int32 }
	// Out binds the function's return value.
	Out   struct{ Val string }
	Const struct{ Key, Val string }
	// Spawn starts a task without waiting for it.
	Spawn struct{ Task string }
	// Await waits for a task or call without binding its result.
	Await       struct{ Expr string }
	AssignSpawn struct{ Key, Task string }
	AssignAwait struct{ Key, Expr string }
	// Assert checks Cond in-process. Msg is optional.
	Assert struct {
		Cond   string
		Msg    string
		HasMsg bool
	}
	Match    struct{ Cond string }
	MatchArm struct{ Val, Cmd string }
	// Pipe chains calls left to right through stdout/stdin.
	Pipe struct{ Stages []string }
)

// Field is a struct field declaration.
type Field struct {
	Name string
	Type string
}

func (RawNoSub) Kind() string    { return "RawNoSub" }
func (RawSub) Kind() string      { return "RawSub" }
func (Isolated) Kind() string    { return "Isolated" }
func (AssignEnv) Kind() string   { return "AssignEnv" }
func (AssignLocal) Kind() string { return "AssignLocal" }
func (Loop) Kind() string        { return "Loop" }
func (If) Kind() string          { return "If" }
func (Elif) Kind() string        { return "Elif" }
func (Else) Kind() string        { return "Else" }
func (While) Kind() string       { return "While" }
func (For) Kind() string         { return "For" }
func (Background) Kind() string  { return "Background" }
func (Call) Kind() string        { return "Call" }
func (Plugin) Kind() string      { return "Plugin" }
func (Log) Kind() string         { return "Log" }
func (Lock) Kind() string        { return "Lock" }
func (Unlock) Kind() string      { return "Unlock" }
func (Extern) Kind() string      { return "Extern" }
func (Enum) Kind() string        { return "Enum" }
func (Import) Kind() string      { return "Import" }
func (Struct) Kind() string      { return "Struct" }
func (Try) Kind() string         { return "Try" }
func (End) Kind() string         { return "End" }
func (Out) Kind() string         { return "Out" }
func (Const) Kind() string       { return "Const" }
func (Spawn) Kind() string       { return "Spawn" }
func (Await) Kind() string       { return "Await" }
func (AssignSpawn) Kind() string { return "AssignSpawn" }
func (AssignAwait) Kind() string { return "AssignAwait" }
func (Assert) Kind() string      { return "Assert" }
func (Match) Kind() string       { return "Match" }
func (MatchArm) Kind() string    { return "MatchArm" }
func (Pipe) Kind() string        { return "Pipe" }

// IsMetadata reports whether c is a declaration with no runtime effect.
func IsMetadata(c Command) bool {
	switch c.(type) {
	case Extern, Enum, Struct, Import:
		return true
	}
	return false
}

// NormalizeFuncName strips the leading "." of an HL call target.
func NormalizeFuncName(name string) string {
	return strings.TrimPrefix(strings.TrimSpace(name), ".")
}

// String renders a node for diagnostics.
func (n Node) String() string {
	text := n.OriginalText
	if text == "" && n.Content != nil {
		text = n.Content.Kind()
	}
	return fmt.Sprintf("line %d: %s", n.Line, text)
}
