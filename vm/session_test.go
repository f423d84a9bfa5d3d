package vm

import (
	"bytes"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/chazu/hackerlang/pkg/ast"
)

func newSessionVM(t *testing.T, opts ...Option) (*VM, *bytes.Buffer) {
	t.Helper()
	bash, err := exec.LookPath("bash")
	if err != nil {
		t.Skip("bash not available")
	}
	stdin, err := os.Open(os.DevNull)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { stdin.Close() })
	var stdout, stderr bytes.Buffer
	base := []Option{WithShell(bash), WithStdio(stdin, &stdout, &stderr)}
	return New(append(base, opts...)...), &stdout
}

func TestSessionKeepsShellState(t *testing.T) {
	dir := t.TempDir()
	v, stdout := newSessionVM(t)
	p := compile(t, []ast.Node{
		n(ast.RawNoSub{Cmd: "cd " + dir}),
		n(ast.RawNoSub{Cmd: "greet() { echo hello $1; }"}),
		n(ast.RawNoSub{Cmd: "local_only=kept"}),
		n(ast.RawNoSub{Cmd: "greet you"}),
		n(ast.RawNoSub{Cmd: "echo $local_only $PWD"}),
		n(ast.AssignEnv{Key: "Y", Val: "fromvm"}),
		n(ast.RawNoSub{Cmd: "echo $Y"}),
		n(ast.RawNoSub{Cmd: "printf foo"}),
		n(ast.RawNoSub{Cmd: "echo bar"}),
		n(ast.RawNoSub{Cmd: "touch marker"}),
		n(ast.If{Cond: "[[ -f marker ]]", Cmd: "log found"}),
	})
	code, err := run(t, v, p)
	if err != nil || code != 0 {
		t.Fatalf("Run() = %d, %v", code, err)
	}
	want := "hello you\nkept " + dir + "\nfromvm\nfoobar\nfound\n"
	if got := stdout.String(); got != want {
		t.Errorf("stdout = %q, want %q", got, want)
	}
	if _, err := os.Stat(filepath.Join(dir, "marker")); err != nil {
		t.Errorf("marker not created in the session directory: %v", err)
	}
	if st := v.Stats(); st.NativeConditions != st.Conditions {
		t.Errorf("relative file test forked a shell: %d of %d native", st.NativeConditions, st.Conditions)
	}
}

func TestSessionRestartsAfterExit(t *testing.T) {
	v, stdout := newSessionVM(t)
	p := compile(t, []ast.Node{
		n(ast.RawNoSub{Cmd: "x=1"}),
		n(ast.RawNoSub{Cmd: "exit 3"}),
		n(ast.RawNoSub{Cmd: "echo after ${x:-unset}"}),
	})
	code, err := run(t, v, p)
	if err != nil || code != 0 {
		t.Fatalf("Run() = %d, %v", code, err)
	}
	if got := stdout.String(); got != "after unset\n" {
		t.Errorf("stdout = %q, want %q", got, "after unset\n")
	}
}

func TestSessionDisabled(t *testing.T) {
	dir := t.TempDir()
	v, stdout := newSessionVM(t, WithSession(false))
	p := compile(t, []ast.Node{
		n(ast.RawNoSub{Cmd: "cd " + dir + "; x=1"}),
		n(ast.RawNoSub{Cmd: "echo ${x:-unset}"}),
	})
	if _, err := run(t, v, p); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := stdout.String(); got != "unset\n" {
		t.Errorf("stdout = %q, want %q", got, "unset\n")
	}
}

func TestSessionDrainSplitsMarkers(t *testing.T) {
	var out bytes.Buffer
	s := &session{dst: &out, results: make(chan sessionResult, 4)}

	rest := s.drain([]byte("foo\x1e__HL_"))
	if got := out.String(); got != "foo" {
		t.Fatalf("forwarded %q before the marker completed, want %q", got, "foo")
	}
	rest = s.drain(append(rest, []byte("X__:2:/srv/app\nbar")...))
	if got := out.String(); got != "foobar" {
		t.Errorf("forwarded = %q, want %q", got, "foobar")
	}
	if len(rest) != 0 {
		t.Errorf("kept %q, want nothing", rest)
	}
	select {
	case r := <-s.results:
		if r.status != 2 || r.dir != "/srv/app" {
			t.Errorf("result = %+v, want status 2 in /srv/app", r)
		}
	default:
		t.Fatal("no result for a complete marker")
	}
}

func TestPartialSuffix(t *testing.T) {
	marker := []byte(sessionMarker)
	tests := []struct {
		in   string
		want int
	}{
		{"plain", 0},
		{"abc\x1e", 1},
		{"abc\x1e__HL", 5},
		{"", 0},
	}
	for _, tt := range tests {
		if got := partialSuffix([]byte(tt.in), marker); got != tt.want {
			t.Errorf("partialSuffix(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
