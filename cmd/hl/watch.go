package main

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watchDebounce coalesces the bursts of events editors produce on save.
const watchDebounce = 150 * time.Millisecond

// watchAndRun runs file, then runs it again after every change until ctx
// is cancelled. The directory is watched rather than the file so saves
// that replace the file are seen.
func watchAndRun(ctx context.Context, r *runner, file string) error {
	abs, err := filepath.Abs(file)
	if err != nil {
		return err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch: %w", err)
	}
	defer w.Close()
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	r.ui.infof("exit %d", r.run(ctx, file))

	var rerun <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) == abs && ev.Has(fsnotify.Write|fsnotify.Create) {
				rerun = time.After(watchDebounce)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Warningf("watch: %v", err)
		case <-rerun:
			rerun = nil
			r.ui.notef("%s changed, re-running", file)
			r.ui.infof("exit %d", r.run(ctx, file))
		}
	}
}
