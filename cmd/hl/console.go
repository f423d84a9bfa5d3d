package main

import (
	"fmt"
	"io"
	"os"

	"github.com/muesli/termenv"
	"golang.org/x/term"
)

// console writes tagged status lines ("[x] ...") to stderr, colored when
// stderr is a terminal.
type console struct {
	w   io.Writer
	out *termenv.Output
}

func newConsole(w io.Writer) *console {
	var opts []termenv.OutputOption
	if f, ok := w.(*os.File); !ok || !term.IsTerminal(int(f.Fd())) {
		opts = append(opts, termenv.WithProfile(termenv.Ascii))
	}
	return &console{w: w, out: termenv.NewOutput(w, opts...)}
}

func (c *console) tag(tag, color string) string {
	return c.out.String(tag).Foreground(c.out.Color(color)).Bold().String()
}

func (c *console) printf(tag, color, format string, args ...any) {
	fmt.Fprintf(c.w, "%s %s\n", c.tag(tag, color), fmt.Sprintf(format, args...))
}

func (c *console) errorf(format string, args ...any) { c.printf("[x]", "1", format, args...) }
func (c *console) warnf(format string, args ...any)  { c.printf("[!]", "3", format, args...) }
func (c *console) infof(format string, args ...any)  { c.printf("[i]", "4", format, args...) }
func (c *console) notef(format string, args ...any)  { c.printf("[*]", "3", format, args...) }

// detail writes an indented continuation line.
func (c *console) detail(format string, args ...any) {
	fmt.Fprintf(c.w, "    %s\n", fmt.Sprintf(format, args...))
}
