package ast

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// Decode reads one AnalysisResult from r in the analyzer's JSON format.
func Decode(r io.Reader) (*AnalysisResult, error) {
	var res AnalysisResult
	if err := json.NewDecoder(r).Decode(&res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Parse decodes an AnalysisResult from a byte slice.
func Parse(data []byte) (*AnalysisResult, error) {
	return Decode(bytes.NewReader(data))
}

type analysisJSON struct {
	Deps              []string        `json:"deps"`
	Libs              []LibRef        `json:"libs"`
	Functions         json.RawMessage `json:"functions"`
	MainBody          []Node          `json:"main_body"`
	PotentiallyUnsafe bool            `json:"is_potentially_unsafe"`
	SafetyWarnings    []string        `json:"safety_warnings"`
}

// UnmarshalJSON decodes the analyzer's result. The functions object is
// read token by token so declaration order and duplicate names survive.
func (r *AnalysisResult) UnmarshalJSON(data []byte) error {
	var raw analysisJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	r.Deps = raw.Deps
	r.Libs = raw.Libs
	r.Main = raw.MainBody
	r.PotentiallyUnsafe = raw.PotentiallyUnsafe
	r.SafetyWarnings = raw.SafetyWarnings
	for _, lib := range r.Libs {
		if !lib.Type.Valid() {
			return fmt.Errorf("unknown lib_type %q for library %q", lib.Type, lib.Name)
		}
	}

	fns, err := decodeFunctions(raw.Functions)
	if err != nil {
		return err
	}
	r.Functions = fns
	return nil
}

func decodeFunctions(data json.RawMessage) ([]Function, error) {
	if len(bytes.TrimSpace(data)) == 0 || bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("functions: %w", err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, fmt.Errorf("functions: expected object, got %v", tok)
	}

	var fns []Function
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("functions: %w", err)
		}
		name, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("functions: expected name, got %v", tok)
		}

		// [is_unsafe, type_sig | null, [nodes]]
		var tuple []json.RawMessage
		if err := dec.Decode(&tuple); err != nil {
			return nil, fmt.Errorf("function %q: %w", name, err)
		}
		if len(tuple) != 3 {
			return nil, fmt.Errorf("function %q: expected 3 elements, got %d", name, len(tuple))
		}
		fn := Function{Name: name}
		if err := json.Unmarshal(tuple[0], &fn.Unsafe); err != nil {
			return nil, fmt.Errorf("function %q: is_unsafe: %w", name, err)
		}
		var sig *string
		if err := json.Unmarshal(tuple[1], &sig); err != nil {
			return nil, fmt.Errorf("function %q: signature: %w", name, err)
		}
		if sig != nil {
			fn.Sig = *sig
		}
		if err := json.Unmarshal(tuple[2], &fn.Body); err != nil {
			return nil, fmt.Errorf("function %q: body: %w", name, err)
		}
		fns = append(fns, fn)
	}
	if _, err := dec.Token(); err != nil {
		return nil, fmt.Errorf("functions: %w", err)
	}
	return fns, nil
}

type nodeJSON struct {
	LineNum      int             `json:"line_num"`
	IsSudo       bool            `json:"is_sudo"`
	Content      json.RawMessage `json:"content"`
	OriginalText string          `json:"original_text"`
	Span         [2]int          `json:"span"`
}

type contentJSON struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// UnmarshalJSON decodes a ProgramNode.
func (n *Node) UnmarshalJSON(data []byte) error {
	var raw nodeJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	cmd, err := decodeCommand(raw.Content)
	if err != nil {
		return fmt.Errorf("line %d: %w", raw.LineNum, err)
	}
	*n = Node{
		Line:         raw.LineNum,
		Sudo:         raw.IsSudo,
		Content:      cmd,
		OriginalText: raw.OriginalText,
		Span:         Span{Start: raw.Span[0], Len: raw.Span[1]},
	}
	return nil
}

func decodeCommand(data json.RawMessage) (Command, error) {
	var c contentJSON
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("content: %w", err)
	}

	str := func() (string, error) {
		var s string
		err := json.Unmarshal(c.Data, &s)
		return s, err
	}
	obj := func(v any) error {
		return json.Unmarshal(c.Data, v)
	}

	var (
		cmd Command
		err error
	)
	switch c.Type {
	case "RawNoSub":
		var s string
		s, err = str()
		cmd = RawNoSub{Cmd: s}
	case "RawSub":
		var s string
		s, err = str()
		cmd = RawSub{Cmd: s}
	case "Isolated":
		var s string
		s, err = str()
		cmd = Isolated{Cmd: s}
	case "Background":
		var s string
		s, err = str()
		cmd = Background{Cmd: s}
	case "Log":
		var s string
		s, err = str()
		cmd = Log{Msg: s}
	case "Out":
		var s string
		s, err = str()
		cmd = Out{Val: s}
	case "Spawn":
		var s string
		s, err = str()
		cmd = Spawn{Task: s}
	case "Await":
		var s string
		s, err = str()
		cmd = Await{Expr: s}
	case "AssignEnv":
		var v struct{ Key, Val string }
		err = obj(&v)
		cmd = AssignEnv{Key: v.Key, Val: v.Val}
	case "AssignLocal":
		var v struct {
			Key   string `json:"key"`
			Val   string `json:"val"`
			IsRaw bool   `json:"is_raw"`
		}
		err = obj(&v)
		cmd = AssignLocal{Key: v.Key, Val: v.Val, IsRaw: v.IsRaw}
	case "Loop":
		var v struct {
			Count uint64 `json:"count"`
			Cmd   string `json:"cmd"`
		}
		err = obj(&v)
		cmd = Loop{Count: v.Count, Cmd: v.Cmd}
	case "If":
		var v struct{ Cond, Cmd string }
		err = obj(&v)
		cmd = If{Cond: v.Cond, Cmd: v.Cmd}
	case "Elif":
		var v struct{ Cond, Cmd string }
		err = obj(&v)
		cmd = Elif{Cond: v.Cond, Cmd: v.Cmd}
	case "Else":
		var v struct{ Cmd string }
		err = obj(&v)
		cmd = Else{Cmd: v.Cmd}
	case "While":
		var v struct{ Cond, Cmd string }
		err = obj(&v)
		cmd = While{Cond: v.Cond, Cmd: v.Cmd}
	case "For":
		var v struct {
			Var string `json:"var"`
			In  string `json:"in_"`
			Cmd string `json:"cmd"`
		}
		err = obj(&v)
		cmd = For{Var: v.Var, In: v.In, Cmd: v.Cmd}
	case "Call":
		var v struct{ Path, Args string }
		err = obj(&v)
		cmd = Call{Path: v.Path, Args: v.Args}
	case "Plugin":
		var v struct {
			Name    string `json:"name"`
			Args    string `json:"args"`
			IsSuper bool   `json:"is_super"`
		}
		err = obj(&v)
		cmd = Plugin{Name: v.Name, Args: v.Args, IsSuper: v.IsSuper}
	case "Lock":
		var v struct{ Key, Val string }
		err = obj(&v)
		cmd = Lock{Key: v.Key, Val: v.Val}
	case "Unlock":
		var v struct{ Key string }
		err = obj(&v)
		cmd = Unlock{Key: v.Key}
	case "Extern":
		var v struct {
			Path       string `json:"path"`
			StaticLink bool   `json:"static_link"`
		}
		err = obj(&v)
		cmd = Extern{Path: v.Path, StaticLink: v.StaticLink}
	case "Enum":
		var v struct {
			Name     string   `json:"name"`
			Variants []string `json:"variants"`
		}
		err = obj(&v)
		cmd = Enum{Name: v.Name, Variants: v.Variants}
	case "Import":
		var v struct {
			Resource  string  `json:"resource"`
			Namespace *string `json:"namespace"`
		}
		err = obj(&v)
		imp := Import{Resource: v.Resource}
		if v.Namespace != nil {
			imp.Namespace = *v.Namespace
		}
		cmd = imp
	case "Struct":
		var v struct {
			Name   string      `json:"name"`
			Fields [][2]string `json:"fields"`
		}
		err = obj(&v)
		st := Struct{Name: v.Name}
		for _, f := range v.Fields {
			st.Fields = append(st.Fields, Field{Name: f[0], Type: f[1]})
		}
		cmd = st
	case "Try":
		var v struct {
			TryCmd   string `json:"try_cmd"`
			CatchCmd string `json:"catch_cmd"`
		}
		err = obj(&v)
		cmd = Try{TryCmd: v.TryCmd, CatchCmd: v.CatchCmd}
	case "End":
		var v struct {
			Code int32 `json:"code"`
		}
		err = obj(&v)
		cmd = End{Code: v.Code}
	case "Const":
		var v struct{ Key, Val string }
		err = obj(&v)
		cmd = Const{Key: v.Key, Val: v.Val}
	case "AssignSpawn":
		var v struct{ Key, Task string }
		err = obj(&v)
		cmd = AssignSpawn{Key: v.Key, Task: v.Task}
	case "AssignAwait":
		var v struct{ Key, Expr string }
		err = obj(&v)
		cmd = AssignAwait{Key: v.Key, Expr: v.Expr}
	case "Assert":
		var v struct {
			Cond string  `json:"cond"`
			Msg  *string `json:"msg"`
		}
		err = obj(&v)
		a := Assert{Cond: v.Cond}
		if v.Msg != nil {
			a.Msg, a.HasMsg = *v.Msg, true
		}
		cmd = a
	case "Match":
		var v struct{ Cond string }
		err = obj(&v)
		cmd = Match{Cond: v.Cond}
	case "MatchArm":
		var v struct{ Val, Cmd string }
		err = obj(&v)
		cmd = MatchArm{Val: v.Val, Cmd: v.Cmd}
	case "Pipe":
		var stages []string
		err = obj(&stages)
		cmd = Pipe{Stages: stages}
	default:
		return nil, fmt.Errorf("unknown command type %q", c.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", c.Type, err)
	}
	return cmd, nil
}
