package vm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

// sessionMarker precedes the status line the driver prints after every
// command. It starts with a record separator so it can follow output
// that does not end in a newline.
const sessionMarker = "\x1e__HL_X__:"

// sessionDriver reads NUL-terminated commands from fd 3 (moved to fd 9)
// and evaluates each in the session shell, then prints the marker, the
// status and the working directory.
const sessionDriver = `exec 9<&3 3<&-
while IFS= read -r -d '' __hl_cmd <&9; do
  eval "$__hl_cmd" 9<&-
  printf '\036__HL_X__:%d:%s\n' "$?" "$PWD"
done`

// session is a persistent shell. Commands run in one process, so cd,
// shell functions and unexported shell variables carry over between
// statements.
type session struct {
	cmd    *exec.Cmd
	script *os.File
	stdin  *os.File

	mu  sync.Mutex
	dst io.Writer

	results chan sessionResult
	exited  chan struct{}
	waitErr error

	env map[string]string // exported values the shell has seen
	dir string
}

type sessionResult struct {
	status int
	dir    string
}

// supportsSession reports whether shell can run the session driver.
func supportsSession(shell string) bool {
	return filepath.Base(shell) == "bash"
}

// startSession starts shell with the session driver. stdin is shared by
// every command; stderr receives the shell's error stream.
func startSession(shell string, env map[string]string, dir string, stdin *os.File, stderr io.Writer) (*session, error) {
	scriptR, scriptW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	outR, outW, err := os.Pipe()
	if err != nil {
		scriptR.Close()
		scriptW.Close()
		return nil, fmt.Errorf("session: %w", err)
	}
	closeAll := func() {
		for _, f := range []*os.File{scriptR, scriptW, outR, outW} {
			f.Close()
		}
	}

	s := &session{
		script:  scriptW,
		stdin:   stdin,
		results: make(chan sessionResult, 1),
		exited:  make(chan struct{}),
		env:     make(map[string]string, len(env)),
		dir:     dir,
	}
	for k, v := range env {
		s.env[k] = v
	}

	cmd := exec.Command(shell, "--norc", "--noprofile", "-c", sessionDriver)
	cmd.Env = environ(env)
	cmd.Dir = dir
	cmd.Stdin = stdin
	cmd.Stdout = outW
	cmd.ExtraFiles = []*os.File{scriptR}

	// A non-file stderr would make Wait block on background jobs that
	// still hold the stream.
	var errR, errW *os.File
	if f, ok := stderr.(*os.File); ok {
		cmd.Stderr = f
	} else {
		if errR, errW, err = os.Pipe(); err != nil {
			closeAll()
			return nil, fmt.Errorf("session: %w", err)
		}
		cmd.Stderr = errW
	}

	if err := cmd.Start(); err != nil {
		closeAll()
		if errR != nil {
			errR.Close()
			errW.Close()
		}
		return nil, fmt.Errorf("session: starting %s: %w", shell, err)
	}
	scriptR.Close()
	outW.Close()
	if errW != nil {
		errW.Close()
		go func() {
			io.Copy(stderr, errR)
			errR.Close()
		}()
	}

	s.cmd = cmd
	go s.read(outR)
	go func() {
		s.waitErr = cmd.Wait()
		close(s.exited)
	}()
	log.Debugf("shell session started (pid %d)", cmd.Process.Pid)
	return s, nil
}

// run sends one command and waits for its status. ok is false when the
// command could not be delivered and nothing ran.
func (s *session) run(ctx context.Context, text string, dst io.Writer) (status int, ok bool) {
	s.mu.Lock()
	s.dst = dst
	s.mu.Unlock()

	if strings.IndexByte(text, 0) >= 0 {
		return 0, false
	}
	if _, err := io.WriteString(s.script, text+"\x00"); err != nil {
		return 0, false
	}

	select {
	case r := <-s.results:
		s.dir = r.dir
		return r.status, true
	case <-s.exited:
		select {
		case r := <-s.results:
			s.dir = r.dir
			return r.status, true
		default:
		}
		status, _ := exitStatus(s.waitErr)
		return status, true
	case <-ctx.Done():
		s.cmd.Process.Kill()
		<-s.exited
		return 1, true
	}
}

// alive reports whether the shell is still running.
func (s *session) alive() bool {
	select {
	case <-s.exited:
		return false
	default:
		return true
	}
}

// sync returns the export and unset lines that bring the shell's
// environment up to date with env.
func (s *session) sync(env map[string]string) string {
	var sb strings.Builder
	for k, v := range env {
		if old, ok := s.env[k]; ok && old == v {
			continue
		}
		s.env[k] = v
		if isName(k) {
			sb.WriteString("export " + k + "=" + shellQuote(v) + "\n")
		}
	}
	for k := range s.env {
		if _, ok := env[k]; !ok {
			delete(s.env, k)
			if isName(k) {
				sb.WriteString("unset " + k + "\n")
			}
		}
	}
	return sb.String()
}

func (s *session) close() {
	s.script.Close()
	<-s.exited
}

// read forwards the shell's stdout to the current destination and
// turns status markers into results.
func (s *session) read(r *os.File) {
	defer r.Close()
	buf := make([]byte, 0, 32<<10)
	chunk := make([]byte, 32<<10)
	for {
		n, err := r.Read(chunk)
		buf = s.drain(append(buf, chunk[:n]...))
		if err != nil {
			s.forward(buf)
			return
		}
	}
}

// drain forwards everything in buf up to the last complete marker line
// and returns what must wait for more input.
func (s *session) drain(buf []byte) []byte {
	marker := []byte(sessionMarker)
	for {
		i := bytes.Index(buf, marker)
		if i < 0 {
			keep := partialSuffix(buf, marker)
			s.forward(buf[:len(buf)-keep])
			return append(buf[:0], buf[len(buf)-keep:]...)
		}
		s.forward(buf[:i])
		rest := buf[i+len(marker):]
		nl := bytes.IndexByte(rest, '\n')
		if nl < 0 {
			return append(buf[:0], buf[i:]...)
		}
		code, dir, _ := strings.Cut(string(rest[:nl]), ":")
		status, err := strconv.Atoi(code)
		if err != nil {
			status = 1
		}
		s.results <- sessionResult{status: status, dir: dir}
		buf = rest[nl+1:]
	}
}

func (s *session) forward(p []byte) {
	if len(p) == 0 {
		return
	}
	s.mu.Lock()
	dst := s.dst
	s.mu.Unlock()
	if dst != nil {
		dst.Write(p)
	}
}

// partialSuffix returns the length of the longest suffix of b that is a
// proper prefix of marker.
func partialSuffix(b, marker []byte) int {
	for n := min(len(b), len(marker)-1); n > 0; n-- {
		if bytes.HasSuffix(b, marker[:n]) {
			return n
		}
	}
	return 0
}

// ---------------------------------------------------------------------------
// VM side
// ---------------------------------------------------------------------------

// shellSession returns the persistent shell for a command that reads the
// VM's own stdin, starting it on first use. It returns nil when commands
// must run one by one.
func (vm *VM) shellSession() *session {
	if vm.sessionOff || vm.dryRun || !supportsSession(vm.shell) {
		return nil
	}
	if vm.sess != nil {
		if vm.sess.alive() && vm.stdin == io.Reader(vm.sess.stdin) {
			return vm.sess
		}
		if !vm.sess.alive() {
			vm.sess = nil
		} else {
			return nil
		}
	}
	stdin, ok := vm.stdin.(*os.File)
	if !ok {
		return nil
	}
	s, err := startSession(vm.shell, vm.env, vm.dir, stdin, vm.stderr)
	if err != nil {
		log.Warningf("%v; running commands one by one", err)
		vm.sessionOff = true
		return nil
	}
	vm.sess = s
	return s
}

// sessionRun runs text in the session with its stdout sent to dst.
func (vm *VM) sessionRun(ctx context.Context, s *session, text string, dst io.Writer) (int, bool) {
	status, ok := s.run(ctx, s.sync(vm.env)+text, dst)
	if !ok {
		return 0, false
	}
	if s.dir != "" {
		vm.dir = s.dir
	}
	if !s.alive() {
		log.Debugf("shell session ended with status %d", status)
		s.script.Close()
		vm.sess = nil
	}
	return status, true
}

func (vm *VM) closeSession() {
	if vm.sess == nil {
		return
	}
	vm.sess.close()
	if vm.sess.waitErr != nil {
		var ee *exec.ExitError
		if !errors.As(vm.sess.waitErr, &ee) {
			log.Debugf("shell session: %v", vm.sess.waitErr)
		}
	}
	vm.sess = nil
}
