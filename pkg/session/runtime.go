package session

import (
	"context"

	"github.com/pkg/errors"
)

// ErrTransport marks failures to reach the instrumentation server. Runtime
// adapters wrap connection timeouts and refusals with it.
var ErrTransport = errors.New("instrumentation transport unavailable")

// Runtime connects to the instrumentation server of a device.
type Runtime interface {
	// Connect must honor ctx's deadline.
	Connect(ctx context.Context, serial string) (Device, error)
}

// Device is a connected instrumentation server.
type Device interface {
	// Spawn starts program suspended and returns its pid.
	Spawn(ctx context.Context, program string) (int, error)
	Attach(ctx context.Context, pid int) (Attachment, error)
	Resume(ctx context.Context, pid int) error
	Kill(ctx context.Context, pid int) error
}

// Attachment is an instrumentation session inside one process.
type Attachment interface {
	CreateScript(ctx context.Context, source string) (Script, error)
	// OnDetached registers fn for when the session ends on the device side.
	OnDetached(fn func(reason string))
	Detach() error
}

// Script is injected payload code.
type Script interface {
	// OnMessage registers fn; it runs on the runtime's event thread.
	OnMessage(fn func(raw string, data []byte))
	Load(ctx context.Context) error
	Unload() error
}
