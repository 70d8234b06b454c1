package workers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"
)

// SafeGroup is an errgroup.Group for supervision loops: workers that panic are
// restarted with backoff instead of taking the process down.
type SafeGroup struct {
	*errgroup.Group
	// ctx is canceled on parent cancellation or the first worker error.
	ctx context.Context
	// parent is kept so WaitOrInterrupt reports the caller's cancellation
	// rather than the errgroup's derived one.
	parent context.Context

	// MaxRestarts bounds panic restarts per worker; <= 0 means unbounded.
	MaxRestarts int
	// PanicOutput receives panic reports; defaults to os.Stderr.
	PanicOutput io.Writer
}

// New creates a SafeGroup bound to ctx.
func New(ctx context.Context) *SafeGroup {
	if ctx == nil {
		ctx = context.Background()
	}
	group, groupCtx := errgroup.WithContext(ctx)
	return &SafeGroup{Group: group, ctx: groupCtx, parent: ctx}
}

// Context returns the group's derived context.
func (sg *SafeGroup) Context() context.Context {
	return sg.ctx
}

// GoSafe runs fn and restarts it after a panic. A returned error keeps
// errgroup semantics and cancels the siblings.
//
// Panics go to PanicOutput unformatted: the logger itself may be the culprit.
func (sg *SafeGroup) GoSafe(name string, fn func(context.Context) error) {
	if sg == nil || sg.Group == nil || fn == nil {
		return
	}
	out := sg.PanicOutput
	if out == nil {
		out = os.Stderr
	}
	sg.Group.Go(func() (err error) {
		backoff := 100 * time.Millisecond
		const maxBackoff = 5 * time.Second
		restarts := 0
		for {
			select {
			case <-sg.ctx.Done():
				return nil
			default:
			}

			var recovered any
			func() {
				defer func() {
					recovered = recover()
				}()
				err = fn(sg.ctx)
			}()
			if recovered == nil {
				return err
			}

			_, _ = fmt.Fprintf(out, "WARN: %s panicked: %v\n%s\n", name, recovered, debug.Stack())
			restarts++
			if sg.MaxRestarts > 0 && restarts > sg.MaxRestarts {
				return fmt.Errorf("%s: gave up after %d panics: %v", name, restarts, recovered)
			}
			select {
			case <-sg.ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
	})
}

// WaitOrInterrupt waits for all workers. When the parent context ends first it
// waits up to gracePeriod more and then returns parent.Err().
func (sg *SafeGroup) WaitOrInterrupt(gracePeriod time.Duration) error {
	if sg == nil || sg.Group == nil {
		return nil
	}
	waitCh := make(chan error, 1)
	go func() {
		waitCh <- sg.Group.Wait()
	}()

	select {
	case err := <-waitCh:
		return normalizeInterruptError(sg.parent, err)
	case <-sg.parent.Done():
		if gracePeriod <= 0 {
			return sg.parent.Err()
		}
		select {
		case err := <-waitCh:
			return normalizeInterruptError(sg.parent, err)
		case <-time.After(gracePeriod):
			return sg.parent.Err()
		}
	}
}

func normalizeInterruptError(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return err
}
