package device

import (
	"context"
	"strings"
)

// UnknownProperty is returned by Transport.Property when a property cannot be read.
const UnknownProperty = "Unknown"

// Handle identifies the device every transport call targets.
type Handle struct {
	Serial string
}

func (h Handle) String() string {
	return h.Serial
}

// Valid reports whether the handle names a device.
func (h Handle) Valid() bool {
	return strings.TrimSpace(h.Serial) != ""
}

// ShellResult holds the observable outcome of a device command.
// ExitCode is -1 when the command's status could not be recovered.
type ShellResult struct {
	Command  string
	Output   string
	ExitCode int
}

// OK reports whether the command exited with status zero.
func (r ShellResult) OK() bool {
	return r.ExitCode == 0
}

// Transport is the debug-bridge channel to a device.
type Transport interface {
	// CheckAvailable fails when the adb tool or server cannot be reached.
	CheckAvailable(ctx context.Context) error
	// Connected returns the handle of the single online device.
	Connected(ctx context.Context) (Handle, error)
	// Property returns a system property, or UnknownProperty on failure.
	Property(ctx context.Context, h Handle, name string) string
	// Exists reports whether path exists on the device.
	Exists(ctx context.Context, h Handle, path string) (bool, error)
	// Push copies localPath to remotePath on the device.
	Push(ctx context.Context, h Handle, localPath, remotePath string) (ShellResult, error)
	// RunPrivileged runs command as root on the device.
	RunPrivileged(ctx context.Context, h Handle, command string) (ShellResult, error)
}

// Meta is the static device description shown to the operator and journaled.
type Meta struct {
	Manufacturer string
	Device       string
	Model        string
	Release      string
	ABI          string
	IsRoot       bool
}
