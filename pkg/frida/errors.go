// Package frida adapts the Frida runtime to the session.Runtime interface.
//
// The real adapter needs cgo and the frida-core devkit and is compiled with
// the "frida" build tag. Without the tag, New returns a runtime whose Connect
// reports that support was not built in.
package frida

import (
	"context"
	"strings"

	"github.com/atropos/atropos/pkg/session"
	"github.com/pkg/errors"
)

// ErrUnsupported is returned by the runtime built without the frida tag.
var ErrUnsupported = errors.New("built without frida support, rebuild with -tags frida")

var transportHints = []string{
	"unable to connect to remote frida-server",
	"connection refused",
	"connection closed",
	"connection is closed",
	"timed out",
	"transport",
}

// classify wraps runtime failures that mean the server is unreachable with
// session.ErrTransport.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, session.ErrTransport) {
		return err
	}
	msg := strings.ToLower(err.Error())
	for _, hint := range transportHints {
		if strings.Contains(msg, hint) {
			return &transportError{err: err}
		}
	}
	return err
}

type transportError struct {
	err error
}

func (e *transportError) Error() string { return e.err.Error() }

func (e *transportError) Unwrap() []error { return []error{session.ErrTransport, e.err} }

// call runs fn and gives up when ctx ends first. fn keeps running in the
// background; frida calls cannot be interrupted.
func call[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	type result struct {
		val T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn()
		ch <- result{val: v, err: err}
	}()
	select {
	case r := <-ch:
		return r.val, classify(r.err)
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
