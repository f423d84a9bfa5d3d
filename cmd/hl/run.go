package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/chazu/hackerlang/analyzer"
	"github.com/chazu/hackerlang/cache"
	"github.com/chazu/hackerlang/compiler"
	"github.com/chazu/hackerlang/config"
	"github.com/chazu/hackerlang/pkg/ast"
	"github.com/chazu/hackerlang/pkg/bytecode"
	"github.com/chazu/hackerlang/vm"
)

// runner holds everything one invocation needs to load and run scripts.
type runner struct {
	cfg   *config.Config
	ui    *console
	cache *cache.Cache // nil when caching is off

	verbose   bool
	noCache   bool
	noOpt     bool
	dryRun    bool
	disasm    bool
	trace     bool
	gcStats   bool
	execStats bool
	noSession bool

	// analyze defaults to the configured hl-plsa binary.
	analyze func(ctx context.Context, file string) (*ast.AnalysisResult, error)
	stdout  io.Writer
	vmOpts  []vm.Option
}

// run loads and executes file and returns the process exit code.
func (r *runner) run(ctx context.Context, file string) int {
	prog, err := r.load(ctx, file)
	if err != nil {
		r.reportError(err)
		return 1
	}

	if r.disasm {
		fmt.Fprint(r.out(), prog.DisassembleWithName(filepath.Base(file)))
		return 0
	}

	heap := vm.NewGCHeap(r.cfg.Runtime.HeapLimit)
	opts := []vm.Option{
		vm.WithShell(r.cfg.Runtime.Shell),
		vm.WithPluginDir(r.cfg.Runtime.Plugins),
		vm.WithHeap(heap),
		vm.WithDryRun(r.dryRun),
		vm.WithTrace(r.trace),
		vm.WithSession(!r.noSession),
	}
	machine := vm.New(append(opts, r.vmOpts...)...)

	start := time.Now()
	code, err := machine.Run(ctx, prog)
	elapsed := time.Since(start)

	if err != nil {
		// The VM has already printed the assertion message.
		var assertErr *vm.AssertionError
		if !errors.As(err, &assertErr) {
			r.ui.errorf("%v", err)
		}
	}

	if r.verbose {
		r.ui.infof("exit %d after %s", code, elapsed.Round(time.Microsecond))
		for _, w := range machine.Warnings() {
			r.ui.warnf("%s", w)
		}
	}
	if r.execStats {
		r.ui.infof("%s", machine.Stats())
	}
	if r.gcStats || r.verbose {
		r.ui.infof("%s", heap.Stats())
	}
	return code
}

// load returns the program for file from the cache, or analyzes,
// compiles and caches it.
func (r *runner) load(ctx context.Context, file string) (*bytecode.Program, error) {
	if r.cache != nil && !r.noCache {
		if prog, ok := r.cache.Load(file); ok {
			if r.verbose {
				r.ui.notef("cache hit: %s", file)
			}
			return prog, nil
		}
	}

	if r.verbose {
		r.ui.notef("cache miss, analyzing: %s", file)
	}
	res, err := r.analyzeFile(ctx, file)
	if err != nil {
		return nil, err
	}
	if r.verbose {
		r.describe(res)
	}

	prog, err := compiler.Compile(res)
	if err != nil {
		return nil, err
	}
	if !r.noOpt {
		st := compiler.Optimize(prog)
		if r.verbose && st.Removed() > 0 {
			r.ui.infof("optimizer: %d -> %d ops (%d folded, %d dead stores)",
				st.Before, st.After, st.Folded, st.DeadStores)
		}
	}

	if r.cache != nil && !r.noCache {
		if err := r.cache.Store(file, prog); err != nil {
			log.Debugf("%v", err)
		}
	}
	return prog, nil
}

func (r *runner) analyzeFile(ctx context.Context, file string) (*ast.AnalysisResult, error) {
	if r.analyze != nil {
		return r.analyze(ctx, file)
	}
	if _, err := os.Stat(file); err != nil {
		return nil, err
	}
	return analyzer.New(r.cfg.Runtime.Analyzer).Analyze(ctx, file)
}

// describe prints an analysis summary in verbose mode.
func (r *runner) describe(res *ast.AnalysisResult) {
	r.ui.infof("AST: %d functions, %d nodes, %d deps", len(res.Functions), len(res.Main), len(res.Deps))
	if res.PotentiallyUnsafe {
		r.ui.warnf("sudo commands (^):")
		for _, w := range res.SafetyWarnings {
			r.ui.detail("%s", w)
		}
	}
	for _, fn := range res.Functions {
		if fn.Sig != "" {
			r.ui.detail(".%s %s", ast.NormalizeFuncName(fn.Name), fn.Sig)
		}
	}
}

func (r *runner) reportError(err error) {
	if errs := compiler.Errors(err); len(errs) > 0 {
		for _, ce := range errs {
			r.ui.errorf("%v", ce)
		}
		return
	}
	r.ui.errorf("%v", err)
}

func (r *runner) out() io.Writer {
	if r.stdout != nil {
		return r.stdout
	}
	return os.Stdout
}
