// Package fault classifies pipeline failures so the CLI can print a short,
// categorized diagnostic and exit non-zero.
package fault

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind is the failure category of a pipeline stage.
type Kind string

const (
	// KindEnvironment covers a missing adb tool or no usable device.
	KindEnvironment Kind = "environment"
	// KindArtifact covers download and decompression failures.
	KindArtifact Kind = "artifact"
	// KindDeployment covers push/chmod/launch failures on the device.
	KindDeployment Kind = "deployment"
	// KindSession covers payload, spawn, attach and script failures.
	KindSession Kind = "session"
	// KindServerUnreachable marks a session whose connection to frida-server
	// timed out or was refused.
	KindServerUnreachable Kind = "server_unreachable"
	// KindUnknown is returned by KindOf for errors that carry no category.
	KindUnknown Kind = "unknown"
)

// Error is a categorized failure. Op names the step that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Op)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with kind and op. A nil err yields a bare categorized error.
func New(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Environment returns a KindEnvironment error.
func Environment(op string, err error) error { return New(KindEnvironment, op, err) }

// Artifact returns a KindArtifact error.
func Artifact(op string, err error) error { return New(KindArtifact, op, err) }

// Deployment returns a KindDeployment error.
func Deployment(op string, err error) error { return New(KindDeployment, op, err) }

// Session returns a KindSession error.
func Session(op string, err error) error { return New(KindSession, op, err) }

// ServerUnreachable returns a KindServerUnreachable error.
func ServerUnreachable(op string, err error) error { return New(KindServerUnreachable, op, err) }

// KindOf returns the category of the outermost *Error in err's chain.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Diagnostic renders the operator-facing message for err.
func Diagnostic(err error) string {
	if err == nil {
		return ""
	}
	switch KindOf(err) {
	case KindEnvironment:
		return "environment not ready: " + err.Error()
	case KindArtifact:
		return "could not obtain frida-server: " + err.Error()
	case KindDeployment:
		return "could not deploy frida-server: " + err.Error()
	case KindServerUnreachable:
		return "failed to connect to the device, ensure frida-server is running: " + err.Error()
	case KindSession:
		return "instrumentation session failed: " + err.Error()
	default:
		return err.Error()
	}
}
