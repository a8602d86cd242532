// Package errgroup provides a panic-safe goroutine group with first-error
// cancellation and an optional concurrency limit. It backs the bounded
// handler fan-out in the bus package.
package errgroup

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/taskmesh/lib-dispatch/dispatch/log"
)

// ErrPanicRecovered is returned when a goroutine in the group panics.
var ErrPanicRecovered = errors.New("errgroup: panic recovered")

// Group manages a set of goroutines that share a cancellation context.
// The first error returned by any goroutine cancels the group's context
// and is returned by Wait. Subsequent errors are discarded.
//
// Unlike the errgroup in golang.org/x/sync, a panicking goroutine does not
// crash the process: the panic is recovered, logged, and surfaced as an
// ErrPanicRecovered from Wait.
type Group struct {
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	sem     chan struct{}
	errOnce sync.Once
	err     error
	logger  log.Logger
}

// WithContext returns a new Group and a derived context.Context. The derived
// context is canceled when the first goroutine in the Group returns a non-nil
// error or when Wait returns, whichever occurs first.
func WithContext(ctx context.Context) (*Group, context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	return &Group{ctx: ctx, cancel: cancel}, ctx
}

// SetLogger sets an optional logger for panic recovery observability.
func (grp *Group) SetLogger(logger log.Logger) {
	if grp == nil {
		return
	}

	grp.logger = logger
}

// SetLimit bounds the number of goroutines running concurrently in the group.
// Must be called before any call to Go. A limit of zero or below means
// unbounded.
func (grp *Group) SetLimit(limit int) {
	if grp == nil || limit <= 0 {
		return
	}

	grp.sem = make(chan struct{}, limit)
}

// Go starts a new goroutine in the Group, blocking first if the concurrency
// limit is reached. The first non-nil error returned by a goroutine is
// recorded and triggers cancellation of the group context.
func (grp *Group) Go(fn func() error) {
	if grp.sem != nil {
		grp.sem <- struct{}{}
	}

	grp.wg.Add(1)

	go func() {
		defer grp.wg.Done()
		defer func() {
			if grp.sem != nil {
				<-grp.sem
			}
		}()
		defer func() {
			if recovered := recover(); recovered != nil {
				if grp.logger != nil {
					grp.logger.Errorf("errgroup: recovered panic: %v\n%s", recovered, debug.Stack())
				}

				grp.setErr(fmt.Errorf("%w: %v", ErrPanicRecovered, recovered))
			}
		}()

		if err := fn(); err != nil {
			grp.setErr(err)
		}
	}()
}

func (grp *Group) setErr(err error) {
	grp.errOnce.Do(func() {
		grp.err = err
		if grp.cancel != nil {
			grp.cancel()
		}
	})
}

// Wait blocks until all goroutines in the Group have completed. It cancels
// the group context after all goroutines finish and returns the first
// non-nil error (if any) recorded by Go.
func (grp *Group) Wait() error {
	grp.wg.Wait()

	if grp.cancel != nil {
		grp.cancel()
	}

	return grp.err
}
