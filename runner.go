package logextract

import (
	"runtime"

	"golang.org/x/sync/errgroup"
)

// DefaultWorkers is half the logical CPUs, never less than one.
func DefaultWorkers() int {
	n := runtime.NumCPU() / 2
	if n < 1 {
		return 1
	}
	return n
}

// DefaultRunner returns a bounded runner sized by DefaultWorkers.
func DefaultRunner() Runner {
	return newErrGroupRunner(DefaultWorkers())
}

// NewLimitedRunner creates a runner with bounded concurrency.
func NewLimitedRunner(maxConcurrency int) Runner {
	return newErrGroupRunner(maxConcurrency)
}

// errGroupRunner is the default implementation backed by errgroup.Group.
// The group carries no shared context: one task's error never cancels the
// others.
type errGroupRunner struct {
	eg  *errgroup.Group
	sem chan struct{} // concurrency gate
}

func newErrGroupRunner(maxConcurrency int) *errGroupRunner {
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}
	return &errGroupRunner{
		eg:  new(errgroup.Group),
		sem: make(chan struct{}, maxConcurrency),
	}
}

func (r *errGroupRunner) Go(fn func() error) {
	r.eg.Go(func() error {
		r.sem <- struct{}{}        // acquire
		defer func() { <-r.sem }() // release
		return fn()
	})
}

func (r *errGroupRunner) Wait() error { return r.eg.Wait() }
