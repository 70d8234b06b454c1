//go:build !frida

package frida

import (
	"context"

	"github.com/atropos/atropos/pkg/session"
)

// Supported reports whether the real runtime is compiled in.
const Supported = false

type unsupported struct{}

// New returns a runtime that fails every connection with ErrUnsupported.
func New() session.Runtime {
	return unsupported{}
}

// Check reports ErrUnsupported; nothing can be instrumented in this build.
func Check() error {
	return ErrUnsupported
}

func (unsupported) Connect(ctx context.Context, serial string) (session.Device, error) {
	return nil, ErrUnsupported
}
