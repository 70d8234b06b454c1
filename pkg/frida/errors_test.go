package frida

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/atropos/atropos/pkg/session"
)

func TestClassifyTransportFailures(t *testing.T) {
	for _, msg := range []string{
		"unable to connect to remote frida-server: closed",
		"Connection refused",
		"timed out while waiting for the app to launch",
	} {
		err := classify(errors.New(msg))
		if !errors.Is(err, session.ErrTransport) {
			t.Errorf("%q should classify as transport error", msg)
		}
		if err.Error() != msg {
			t.Errorf("message should be preserved, got %q", err.Error())
		}
	}
}

func TestClassifyOtherFailures(t *testing.T) {
	err := classify(errors.New("unable to find application with identifier 'com.example'"))
	if errors.Is(err, session.ErrTransport) {
		t.Fatalf("spawn lookup failure is not a transport error")
	}
	if classify(nil) != nil {
		t.Fatalf("nil stays nil")
	}
}

func TestCallHonorsContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	release := make(chan struct{})
	defer close(release)
	_, err := call(ctx, func() (int, error) {
		<-release
		return 1, nil
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestCallReturnsValue(t *testing.T) {
	v, err := call(context.Background(), func() (string, error) { return "ok", nil })
	if err != nil || v != "ok" {
		t.Fatalf("unexpected %q %v", v, err)
	}
}
