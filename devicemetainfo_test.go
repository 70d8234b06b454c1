package atropos

import (
	"context"
	"errors"
	"testing"

	"github.com/atropos/atropos/pkg/arch"
	"github.com/atropos/atropos/pkg/device"
)

type nonRootTransport struct {
	stubTransport
	whichOutput string
	shellCalls  []string
}

func (n *nonRootTransport) RunPrivileged(ctx context.Context, h device.Handle, command string) (device.ShellResult, error) {
	return device.ShellResult{}, errors.New("su: not found")
}

func (n *nonRootTransport) RunShell(ctx context.Context, h device.Handle, line string) (device.ShellResult, error) {
	n.shellCalls = append(n.shellCalls, line)
	return device.ShellResult{Command: line, Output: n.whichOutput}, nil
}

func TestFetchDeviceMetaReadsProperties(t *testing.T) {
	tr := armTransport()
	meta := fetchDeviceMeta(context.Background(), tr, device.Handle{Serial: "emulator-5554"})
	if meta.ABI != "arm64-v8a" || meta.Release != "13" || meta.Manufacturer != "google" {
		t.Fatalf("unexpected meta %+v", meta)
	}
	if meta.Model != device.UnknownProperty {
		t.Fatalf("missing property should be %q, got %q", device.UnknownProperty, meta.Model)
	}
	if !meta.IsRoot {
		t.Fatalf("uid=0 should mark the device rooted")
	}
	if arch.Resolve(meta.ABI) != arch.ARM64 {
		t.Fatalf("unexpected tag")
	}
}

func TestProbeRootFallsBackToWhich(t *testing.T) {
	tr := &nonRootTransport{whichOutput: "/system/xbin/su"}
	if !probeRoot(context.Background(), tr, device.Handle{Serial: "x"}) {
		t.Fatalf("su binary on PATH should count as rooted")
	}
	if len(tr.shellCalls) != 1 || tr.shellCalls[0] != "which su" {
		t.Fatalf("unexpected shell calls %v", tr.shellCalls)
	}

	tr = &nonRootTransport{}
	if probeRoot(context.Background(), tr, device.Handle{Serial: "x"}) {
		t.Fatalf("device without su should not be rooted")
	}
}
