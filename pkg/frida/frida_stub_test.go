//go:build !frida

package frida

import (
	"context"
	"errors"
	"testing"
)

func TestStubReportsUnsupported(t *testing.T) {
	if Supported {
		t.Fatalf("stub build must not claim support")
	}
	if !errors.Is(Check(), ErrUnsupported) {
		t.Fatalf("Check should report ErrUnsupported")
	}
	if _, err := New().Connect(context.Background(), "emulator-5554"); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("Connect should report ErrUnsupported, got %v", err)
	}
}
