package server

import (
	"fmt"

	"github.com/google/uuid"
)

// request is a unit of work run on the worker goroutine.
type request struct {
	id   string
	fn   func() any
	done chan result
}

// result holds the return value of a request.
type result struct {
	value any
	err   error
}

// Worker serializes analysis jobs on one goroutine. Each job starts an
// analyzer process; running them one at a time keeps a burst of saves
// from forking a process per keystroke.
type Worker struct {
	requests chan request
	quit     chan struct{}
}

// NewWorker creates a Worker and starts the processing goroutine.
func NewWorker() *Worker {
	w := &Worker{
		requests: make(chan request, 64),
		quit:     make(chan struct{}),
	}
	go w.loop()
	return w
}

func (w *Worker) loop() {
	for {
		select {
		case req := <-w.requests:
			log.Debugf("job %s: start", req.id)
			req.done <- w.execute(req.fn)
			log.Debugf("job %s: done", req.id)
		case <-w.quit:
			return
		}
	}
}

// execute runs fn, recovering from panics.
func (w *Worker) execute(fn func() any) result {
	var res result
	func() {
		defer func() {
			if r := recover(); r != nil {
				res.err = fmt.Errorf("%v", r)
			}
		}()
		res.value = fn()
	}()
	return res
}

// Do runs fn on the worker goroutine and blocks until it completes.
func (w *Worker) Do(fn func() any) (any, error) {
	req := request{
		id:   uuid.NewString(),
		fn:   fn,
		done: make(chan result, 1),
	}
	select {
	case w.requests <- req:
	case <-w.quit:
		return nil, fmt.Errorf("worker stopped")
	}
	res := <-req.done
	return res.value, res.err
}

// Stop shuts down the worker goroutine.
func (w *Worker) Stop() {
	close(w.quit)
}
