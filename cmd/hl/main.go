// hl runs hacker-lang scripts: it loads cached bytecode or compiles the
// analyzer's output, then executes it on the bytecode VM.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/tliron/commonlog"

	"github.com/chazu/hackerlang/cache"
	"github.com/chazu/hackerlang/config"

	_ "github.com/tliron/commonlog/simple"
)

var log = commonlog.GetLogger("hl")

func main() {
	os.Exit(hlMain())
}

func hlMain() int {
	verbose := flag.Bool("v", false, "Verbose output")
	noCache := flag.Bool("no-cache", false, "Ignore and do not update the bytecode cache")
	gcStats := flag.Bool("gc-stats", false, "Print heap statistics after the run")
	dryRun := flag.Bool("dry-run", false, "Walk the program without starting processes")
	disasm := flag.Bool("disasm", false, "Print the bytecode and exit")
	cleanCache := flag.Bool("clean-cache", false, "Remove every cached program and exit")
	cacheStats := flag.Bool("cache-stats", false, "Print cache size and exit")
	execStats := flag.Bool("exec-stats", false, "Print execution statistics after the run")
	noOpt := flag.Bool("no-opt", false, "Disable the bytecode optimizer")
	trace := flag.Bool("trace", false, "Print each instruction as it executes")
	watch := flag.Bool("watch", false, "Re-run the script whenever it changes")
	noSession := flag.Bool("no-session", false, "Run every command in its own shell instead of one persistent session")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: hl [options] <script.hl>\n\n")
		fmt.Fprintf(os.Stderr, "Compiles a hacker-lang script to bytecode (cached between runs) and executes it.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  hl deploy.hl                # Run a script\n")
		fmt.Fprintf(os.Stderr, "  hl --disasm deploy.hl       # Show its bytecode\n")
		fmt.Fprintf(os.Stderr, "  hl --dry-run -v deploy.hl   # Walk it without side effects\n")
		fmt.Fprintf(os.Stderr, "  hl --cache-stats            # Show cache usage\n")
		fmt.Fprintf(os.Stderr, "\nConfiguration is read from hl.toml (searched upwards from the script)\n")
		fmt.Fprintf(os.Stderr, "or ~/.hackeros/hacker-lang/config.toml; HL_* variables override it.\n")
	}
	flag.Parse()

	file := flag.Arg(0)
	startDir := "."
	if file != "" {
		startDir = filepath.Dir(file)
	}
	cfg, err := config.FindAndLoad(startDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	configureLogging(cfg, *verbose)
	if cfg.Path != "" {
		log.Debugf("config: %s", cfg.Path)
	}

	ui := newConsole(os.Stderr)

	if *cleanCache || *cacheStats {
		return maintainCache(ui, cfg, *cleanCache)
	}

	if file == "" {
		flag.Usage()
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	r := &runner{
		cfg:       cfg,
		ui:        ui,
		verbose:   *verbose,
		noCache:   *noCache || *noOpt || cfg.Cache.Disabled,
		noOpt:     *noOpt,
		dryRun:    *dryRun,
		disasm:    *disasm,
		trace:     *trace,
		gcStats:   *gcStats,
		execStats: *execStats,
		noSession: *noSession,
	}
	if !r.noCache {
		r.cache = openCache(cfg)
		if r.cache != nil {
			defer r.cache.Close()
		}
	}

	if *watch {
		if err := watchAndRun(ctx, r, file); err != nil && !errors.Is(err, context.Canceled) {
			ui.errorf("%v", err)
			return 1
		}
		return 0
	}

	return r.run(ctx, file)
}

// configureLogging maps -v and the configured verbosity onto commonlog.
func configureLogging(cfg *config.Config, verbose bool) {
	verbosity := cfg.Log.Verbosity
	if verbose && verbosity < 2 {
		verbosity = 2
	}
	var path *string
	if cfg.Log.File != "" {
		path = &cfg.Log.File
	}
	commonlog.Configure(verbosity, path)
}

func cacheDir(cfg *config.Config) (string, error) {
	if cfg.Cache.Dir != "" {
		return cfg.Cache.Dir, nil
	}
	return cache.DefaultDir()
}

// openCache returns nil when the cache cannot be used; runs then proceed
// without it.
func openCache(cfg *config.Config) *cache.Cache {
	dir, err := cacheDir(cfg)
	if err != nil {
		log.Debugf("cache disabled: %v", err)
		return nil
	}
	c, err := cache.Open(dir)
	if err != nil {
		log.Debugf("cache disabled: %v", err)
		return nil
	}
	return c
}

func maintainCache(ui *console, cfg *config.Config, clean bool) int {
	dir, err := cacheDir(cfg)
	if err != nil {
		ui.errorf("%v", err)
		return 1
	}
	c, err := cache.Open(dir)
	if err != nil {
		ui.errorf("%v", err)
		return 1
	}
	defer c.Close()

	if clean {
		n, err := c.Clean()
		if err != nil {
			ui.errorf("%v", err)
			return 1
		}
		ui.infof("removed %d cached files from %s", n, dir)
		return 0
	}

	st, err := c.Stats()
	if err != nil {
		ui.errorf("%v", err)
		return 1
	}
	ui.infof("cache: %s programs, %s in %s",
		humanize.Comma(int64(st.Entries)), humanize.IBytes(uint64(st.Bytes)), st.Dir)
	return 0
}
