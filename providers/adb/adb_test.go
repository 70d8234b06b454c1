package adb

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/atropos/atropos/pkg/device"
	"github.com/httprunner/httprunner/v5/pkg/gadb"
)

type stubDevice struct {
	serial   string
	state    gadb.DeviceState
	stateErr error
	props    map[string]string
	files    map[string]bool
	commands []string
	pushed   map[string][]byte
	shellErr error
}

func (d *stubDevice) Serial() string { return d.serial }

func (d *stubDevice) State() (gadb.DeviceState, error) { return d.state, d.stateErr }

func (d *stubDevice) RunShellCommand(cmd string, args ...string) (string, error) {
	line := strings.TrimSpace(cmd + " " + strings.Join(args, " "))
	d.commands = append(d.commands, line)
	if d.shellErr != nil {
		return "", d.shellErr
	}
	if cmd == "getprop" && len(args) == 1 {
		return d.props[args[0]] + "\n", nil
	}
	if strings.HasPrefix(line, "ls ") {
		path := strings.Trim(strings.Fields(line)[1], "';")
		if d.files[path] {
			return path + "\n" + exitMarker + "0\n", nil
		}
		return "ls: " + path + ": No such file or directory\n" + exitMarker + "1\n", nil
	}
	return "ok\n" + exitMarker + "0\n", nil
}

func (d *stubDevice) PushFile(localPath, remotePath string, modification ...time.Time) error {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return err
	}
	if d.pushed == nil {
		d.pushed = make(map[string][]byte)
	}
	d.pushed[remotePath] = data
	return nil
}

type stubBackend struct {
	devices []*stubDevice
	err     error
}

func (b *stubBackend) ServerVersion() (int, error) { return 41, b.err }

func (b *stubBackend) Devices() ([]shellDevice, error) {
	if b.err != nil {
		return nil, b.err
	}
	out := make([]shellDevice, 0, len(b.devices))
	for _, d := range b.devices {
		out = append(out, d)
	}
	return out, nil
}

func TestConnectedSingleOnlineDevice(t *testing.T) {
	p := newWithBackend(&stubBackend{devices: []*stubDevice{
		{serial: "emulator-5554", state: gadb.StateOnline},
		{serial: "offline-1", state: gadb.StateOffline},
	}}, Options{})

	h, err := p.Connected(context.Background())
	if err != nil {
		t.Fatalf("connected failed: %v", err)
	}
	if h.Serial != "emulator-5554" {
		t.Fatalf("unexpected serial %s", h.Serial)
	}
}

func TestConnectedNoDevice(t *testing.T) {
	p := newWithBackend(&stubBackend{devices: []*stubDevice{
		{serial: "offline-1", state: gadb.StateOffline},
	}}, Options{})
	if _, err := p.Connected(context.Background()); !errors.Is(err, ErrNoDevice) {
		t.Fatalf("expected ErrNoDevice, got %v", err)
	}
}

func TestConnectedMultipleDevicesNeedsSelection(t *testing.T) {
	devs := []*stubDevice{
		{serial: "b-device", state: gadb.StateOnline},
		{serial: "a-device", state: gadb.StateOnline},
	}
	p := newWithBackend(&stubBackend{devices: devs}, Options{})
	_, err := p.Connected(context.Background())
	if !errors.Is(err, ErrMultipleDevices) {
		t.Fatalf("expected ErrMultipleDevices, got %v", err)
	}
	if !strings.Contains(err.Error(), "a-device, b-device") {
		t.Fatalf("candidates should be listed sorted: %v", err)
	}

	p = newWithBackend(&stubBackend{devices: devs}, Options{PreferredSerial: "b-device"})
	h, err := p.Connected(context.Background())
	if err != nil || h.Serial != "b-device" {
		t.Fatalf("preferred serial not honored: %v %v", h, err)
	}
}

func TestPropertyFailsSoft(t *testing.T) {
	dev := &stubDevice{serial: "s1", state: gadb.StateOnline, props: map[string]string{"ro.product.cpu.abi": "arm64-v8a"}}
	p := newWithBackend(&stubBackend{devices: []*stubDevice{dev}}, Options{})
	h := device.Handle{Serial: "s1"}

	if got := p.Property(context.Background(), h, "ro.product.cpu.abi"); got != "arm64-v8a" {
		t.Fatalf("unexpected abi %q", got)
	}
	if got := p.Property(context.Background(), h, "ro.missing"); got != device.UnknownProperty {
		t.Fatalf("missing property should be Unknown, got %q", got)
	}
	dev.shellErr = errors.New("closed")
	if got := p.Property(context.Background(), h, "ro.product.cpu.abi"); got != device.UnknownProperty {
		t.Fatalf("shell failure should be Unknown, got %q", got)
	}
	if got := p.Property(context.Background(), device.Handle{Serial: "gone"}, "x"); got != device.UnknownProperty {
		t.Fatalf("unknown device should be Unknown, got %q", got)
	}
}

func TestExistsUsesExitStatus(t *testing.T) {
	dev := &stubDevice{serial: "s1", state: gadb.StateOnline, files: map[string]bool{"/data/local/tmp/frida-server": true}}
	p := newWithBackend(&stubBackend{devices: []*stubDevice{dev}}, Options{})
	h := device.Handle{Serial: "s1"}

	ok, err := p.Exists(context.Background(), h, "/data/local/tmp/frida-server")
	if err != nil || !ok {
		t.Fatalf("expected existing file, got %v %v", ok, err)
	}
	ok, err = p.Exists(context.Background(), h, "/data/local/tmp/other")
	if err != nil || ok {
		t.Fatalf("expected missing file, got %v %v", ok, err)
	}
}

func TestRunPrivilegedQuotesCommand(t *testing.T) {
	dev := &stubDevice{serial: "s1", state: gadb.StateOnline}
	p := newWithBackend(&stubBackend{devices: []*stubDevice{dev}}, Options{})

	res, err := p.RunPrivileged(context.Background(), device.Handle{Serial: "s1"}, "chmod 755 /data/local/tmp/frida-server")
	if err != nil {
		t.Fatalf("run privileged failed: %v", err)
	}
	if !res.OK() || res.Output != "ok" {
		t.Fatalf("unexpected result %+v", res)
	}
	want := "su -c 'chmod 755 /data/local/tmp/frida-server'; echo " + exitMarker + "$?"
	if dev.commands[0] != want {
		t.Fatalf("unexpected command %q", dev.commands[0])
	}
}

func TestPushReportsSummary(t *testing.T) {
	dev := &stubDevice{serial: "s1", state: gadb.StateOnline}
	p := newWithBackend(&stubBackend{devices: []*stubDevice{dev}}, Options{})
	local := filepath.Join(t.TempDir(), "frida-server")
	if err := os.WriteFile(local, []byte("ELF"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	res, err := p.Push(context.Background(), device.Handle{Serial: "s1"}, local, "/data/local/tmp/frida-server")
	if err != nil {
		t.Fatalf("push failed: %v", err)
	}
	if !strings.Contains(res.Output, "pushed") {
		t.Fatalf("summary should mention pushed: %q", res.Output)
	}
	if string(dev.pushed["/data/local/tmp/frida-server"]) != "ELF" {
		t.Fatalf("unexpected pushed content")
	}
}

func TestPushMissingLocalFile(t *testing.T) {
	dev := &stubDevice{serial: "s1", state: gadb.StateOnline}
	p := newWithBackend(&stubBackend{devices: []*stubDevice{dev}}, Options{})

	res, err := p.Push(context.Background(), device.Handle{Serial: "s1"}, filepath.Join(t.TempDir(), "missing"), "/data/local/tmp/frida-server")
	if err == nil {
		t.Fatalf("expected error for missing local file")
	}
	if res.ExitCode != -1 || len(dev.pushed) != 0 {
		t.Fatalf("nothing may be pushed: %+v %v", res, dev.pushed)
	}
}

func TestGadbDeviceSatisfiesShellDevice(t *testing.T) {
	var dev shellDevice = (*gadb.Device)(nil)
	if dev == nil {
		t.Fatalf("interface value should hold a typed nil")
	}
}

func TestSplitExitCode(t *testing.T) {
	cases := []struct {
		in   string
		out  string
		code int
	}{
		{"hello\n" + exitMarker + "0\n", "hello", 0},
		{exitMarker + "127\r\n", "", 127},
		{"no marker", "no marker", -1},
		{"x\n" + exitMarker + "abc", "x", -1},
	}
	for _, tc := range cases {
		out, code := splitExitCode(tc.in)
		if out != tc.out || code != tc.code {
			t.Errorf("splitExitCode(%q) = %q,%d want %q,%d", tc.in, out, code, tc.out, tc.code)
		}
	}
}

func TestCheckAvailableMissingTool(t *testing.T) {
	p := NewDefault(Options{})
	p.lookPath = func(string) (string, error) { return "", errors.New("not found") }
	if err := p.CheckAvailable(context.Background()); !errors.Is(err, ErrToolMissing) {
		t.Fatalf("expected ErrToolMissing, got %v", err)
	}
}

func TestCheckAvailableStartsServer(t *testing.T) {
	p := NewDefault(Options{})
	p.lookPath = func(string) (string, error) { return "/usr/bin/adb", nil }
	attempts := 0
	started := false
	p.connect = func() (backend, error) {
		attempts++
		if !started {
			return nil, errors.New("connection refused")
		}
		return &stubBackend{}, nil
	}
	p.startServer = func(context.Context) error {
		started = true
		return nil
	}
	if err := p.CheckAvailable(context.Background()); err != nil {
		t.Fatalf("check available failed: %v", err)
	}
	if attempts != 2 || !started {
		t.Fatalf("expected server start and reconnect, attempts=%d started=%v", attempts, started)
	}
}
