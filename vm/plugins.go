package vm

import (
	"context"
	"os"
	"path/filepath"
	"strings"
)

// resolvePlugin finds a plugin in the plugin directory: an executable
// <dir>/<name>, else a script <dir>/<name>.hl run by the current binary.
func (vm *VM) resolvePlugin(name string) (string, bool) {
	if vm.pluginDir == "" || strings.ContainsRune(name, '/') {
		return "", false
	}
	bin := filepath.Join(vm.pluginDir, name)
	if fi, err := os.Stat(bin); err == nil && !fi.IsDir() {
		return shellQuote(bin), true
	}
	script := bin + ".hl"
	if _, err := os.Stat(script); err == nil {
		self, err := os.Executable()
		if err != nil {
			self = "hl"
		}
		return shellQuote(self) + " " + shellQuote(script), true
	}
	return "", false
}

func (vm *VM) runPlugin(ctx context.Context, name, args string, sudo bool) int {
	base, ok := vm.resolvePlugin(name)
	if !ok {
		vm.warn("plugin %q not found in %s", name, vm.pluginDir)
		return 127
	}
	cmd := base
	if args != "" {
		cmd += " " + args
	}
	return vm.runCommand(ctx, cmd, sudo)
}

// shellQuote single-quotes s for sh.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
