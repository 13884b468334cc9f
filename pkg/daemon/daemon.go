// Package daemon hosts the watch-and-restart pipelines and their lifecycle
// state machine.
//
// A [Daemon] runs one [Pipeline] per configured watch. Pipelines share no
// mutable state; any pipeline reaching its terminal Failed state cancels
// the rest and fails the process, so the external supervisor restarts the
// whole daemon.
package daemon

import (
	"context"
	"errors"
	"sync"
)

// Daemon runs a set of independent pipelines.
type Daemon struct {
	pipelines []*Pipeline
}

// New creates a [Daemon] from one or more pipelines.
func New(pipelines ...*Pipeline) (*Daemon, error) {
	if len(pipelines) == 0 {
		return nil, errors.New("at least one pipeline is required")
	}

	return &Daemon{pipelines: pipelines}, nil
}

// Pipelines returns the daemon's pipelines.
func (d *Daemon) Pipelines() []*Pipeline {
	return d.pipelines
}

// Run starts every pipeline and blocks until all have stopped. A terminal
// pipeline failure cancels the remaining pipelines; the joined errors are
// returned. Cancellation of ctx is a graceful shutdown and returns nil.
func (d *Daemon) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup

	errs := make([]error, len(d.pipelines))

	for i, p := range d.pipelines {
		wg.Add(1)

		go func() {
			defer wg.Done()

			err := p.Run(ctx)
			if err != nil {
				errs[i] = err

				// One failed pipeline fails the whole process; the
				// supervisor restarts it.
				cancel()
			}
		}()
	}

	wg.Wait()

	return errors.Join(errs...)
}
