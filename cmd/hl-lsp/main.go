// hl-lsp serves hacker-lang diagnostics to editors over stdio.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/tliron/commonlog"

	"github.com/chazu/hackerlang/analyzer"
	"github.com/chazu/hackerlang/config"
	"github.com/chazu/hackerlang/server"

	_ "github.com/tliron/commonlog/simple"
)

func main() {
	verbosity := flag.Int("verbosity", 0, "Log verbosity (logs go to stderr or the configured file)")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: hl-lsp [options]\n\n")
		fmt.Fprintf(os.Stderr, "Language server for hacker-lang. Speaks LSP on stdin/stdout.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	cfg, err := config.FindAndLoad(".")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	v := cfg.Log.Verbosity
	if *verbosity > v {
		v = *verbosity
	}
	var path *string
	if cfg.Log.File != "" {
		path = &cfg.Log.File
	}
	commonlog.Configure(v, path)

	a := analyzer.New(cfg.Runtime.Analyzer)
	srv := server.NewLSP(a.Analyze)
	if err := srv.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
