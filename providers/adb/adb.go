package adb

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/atropos/atropos/pkg/device"
	"github.com/httprunner/httprunner/v5/pkg/gadb"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

var (
	// ErrToolMissing is returned when the adb executable is not on PATH.
	ErrToolMissing = errors.New("adb not found, install android platform tools and add adb to PATH")
	// ErrNoDevice is returned when no online device is attached.
	ErrNoDevice = errors.New("no device connected, connect an android device and authorize debugging")
	// ErrMultipleDevices is returned when several devices are online and none was selected.
	ErrMultipleDevices = errors.New("multiple devices connected")
)

const exitMarker = "__ATROPOS_RC="

// shellDevice is the subset of *gadb.Device the provider drives.
type shellDevice interface {
	Serial() string
	State() (gadb.DeviceState, error)
	RunShellCommand(cmd string, args ...string) (string, error)
	PushFile(localPath, remotePath string, modification ...time.Time) error
}

var _ shellDevice = (*gadb.Device)(nil)

// backend reaches the adb server.
type backend interface {
	ServerVersion() (int, error)
	Devices() ([]shellDevice, error)
}

type gadbBackend struct {
	client gadb.Client
}

func (b gadbBackend) ServerVersion() (int, error) {
	return b.client.ServerVersion()
}

func (b gadbBackend) Devices() ([]shellDevice, error) {
	devs, err := b.client.DeviceList()
	if err != nil {
		return nil, err
	}
	out := make([]shellDevice, 0, len(devs))
	for _, d := range devs {
		if d == nil {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

// Options tweak provider behavior.
type Options struct {
	// PreferredSerial selects a device when several are online.
	PreferredSerial string
}

// Provider implements device.Transport on top of gadb.
type Provider struct {
	opts Options

	lookPath    func(file string) (string, error)
	startServer func(ctx context.Context) error
	connect     func() (backend, error)

	backend backend
}

var _ device.Transport = (*Provider)(nil)

// New creates a Provider backed by the given gadb client.
func New(client gadb.Client, opts Options) *Provider {
	p := NewDefault(opts)
	p.backend = gadbBackend{client: client}
	return p
}

// NewDefault creates a Provider that connects to the local adb server lazily.
func NewDefault(opts Options) *Provider {
	return &Provider{
		opts:        opts,
		lookPath:    exec.LookPath,
		startServer: startADBServer,
		connect: func() (backend, error) {
			client, err := gadb.NewClient()
			if err != nil {
				return nil, err
			}
			return gadbBackend{client: client}, nil
		},
	}
}

func newWithBackend(b backend, opts Options) *Provider {
	return &Provider{
		opts:        opts,
		lookPath:    func(string) (string, error) { return "adb", nil },
		startServer: func(context.Context) error { return nil },
		backend:     b,
	}
}

func startADBServer(ctx context.Context) error {
	out, err := exec.CommandContext(ctx, "adb", "start-server").CombinedOutput()
	if err != nil {
		return errors.Wrapf(err, "adb start-server: %s", strings.TrimSpace(string(out)))
	}
	return nil
}

// CheckAvailable verifies the adb tool is installed and its server answers.
func (p *Provider) CheckAvailable(ctx context.Context) error {
	if p == nil {
		return errors.New("adb provider is nil")
	}
	if p.backend != nil {
		_, err := p.backend.ServerVersion()
		return errors.Wrap(err, "query adb server version")
	}
	path, err := p.lookPath("adb")
	if err != nil {
		return ErrToolMissing
	}
	b, err := p.connect()
	if err != nil {
		log.Debug().Err(err).Msg("adb server not reachable, starting it")
		if startErr := p.startServer(ctx); startErr != nil {
			return errors.Wrap(startErr, "start adb server")
		}
		if b, err = p.connect(); err != nil {
			return errors.Wrap(err, "connect adb server")
		}
	}
	version, err := b.ServerVersion()
	if err != nil {
		return errors.Wrap(err, "query adb server version")
	}
	p.backend = b
	log.Debug().Str("adb", path).Int("server_version", version).Msg("adb available")
	return nil
}

// ListDevicesWithState returns device serials with their raw gadb state names.
func (p *Provider) ListDevicesWithState(ctx context.Context) (map[string]string, error) {
	devs, err := p.devices()
	if err != nil {
		return nil, err
	}
	stateBySerial := make(map[string]string, len(devs))
	for _, dev := range devs {
		serial := strings.TrimSpace(dev.Serial())
		if serial == "" {
			continue
		}
		state, err := dev.State()
		if err != nil {
			stateBySerial[serial] = string(gadb.StateUnknown)
			continue
		}
		stateBySerial[serial] = string(state)
	}
	return stateBySerial, nil
}

// Connected returns the handle of the online device, honoring PreferredSerial.
func (p *Provider) Connected(ctx context.Context) (device.Handle, error) {
	states, err := p.ListDevicesWithState(ctx)
	if err != nil {
		return device.Handle{}, err
	}
	online := make([]string, 0, len(states))
	for serial, state := range states {
		if state == string(gadb.StateOnline) {
			online = append(online, serial)
			continue
		}
		log.Warn().Str("serial", serial).Str("state", state).Msg("skipping device that is not online")
	}
	sort.Strings(online)

	preferred := strings.TrimSpace(p.opts.PreferredSerial)
	if preferred != "" {
		for _, serial := range online {
			if serial == preferred {
				return device.Handle{Serial: serial}, nil
			}
		}
		return device.Handle{}, errors.Wrapf(ErrNoDevice, "device %s is not online", preferred)
	}
	switch len(online) {
	case 0:
		return device.Handle{}, ErrNoDevice
	case 1:
		return device.Handle{Serial: online[0]}, nil
	default:
		return device.Handle{}, errors.Wrapf(ErrMultipleDevices, "choose one of %s", strings.Join(online, ", "))
	}
}

// Property reads a system property; failures collapse to device.UnknownProperty.
func (p *Provider) Property(ctx context.Context, h device.Handle, name string) string {
	dev, err := p.find(h)
	if err != nil {
		return device.UnknownProperty
	}
	out, err := dev.RunShellCommand("getprop", name)
	if err != nil {
		log.Debug().Err(err).Str("serial", h.Serial).Str("property", name).Msg("getprop failed")
		return device.UnknownProperty
	}
	value := strings.TrimSpace(out)
	if value == "" {
		return device.UnknownProperty
	}
	return value
}

// Exists runs ls on path and reports whether it succeeded.
func (p *Provider) Exists(ctx context.Context, h device.Handle, path string) (bool, error) {
	res, err := p.RunShell(ctx, h, "ls "+shellQuote(path))
	if err != nil {
		return false, err
	}
	return res.OK(), nil
}

// Push copies a local file to the device and reports an adb-style summary.
func (p *Provider) Push(ctx context.Context, h device.Handle, localPath, remotePath string) (device.ShellResult, error) {
	cmd := fmt.Sprintf("push %s %s", localPath, remotePath)
	dev, err := p.find(h)
	if err != nil {
		return device.ShellResult{Command: cmd, ExitCode: -1}, err
	}
	info, err := os.Stat(localPath)
	if err != nil {
		return device.ShellResult{Command: cmd, ExitCode: -1}, errors.Wrap(err, "stat local file")
	}
	if info.IsDir() {
		return device.ShellResult{Command: cmd, ExitCode: -1}, errors.Errorf("%s is a directory", localPath)
	}

	start := time.Now()
	if err := dev.PushFile(localPath, remotePath, time.Now()); err != nil {
		return device.ShellResult{Command: cmd, Output: err.Error(), ExitCode: 1}, errors.Wrapf(err, "push %s", remotePath)
	}
	elapsed := time.Since(start)
	summary := fmt.Sprintf("%s: 1 file pushed, %d bytes in %.3fs", localPath, info.Size(), elapsed.Seconds())
	return device.ShellResult{Command: cmd, Output: summary, ExitCode: 0}, nil
}

// RunPrivileged runs command through su on the device.
func (p *Provider) RunPrivileged(ctx context.Context, h device.Handle, command string) (device.ShellResult, error) {
	return p.RunShell(ctx, h, "su -c "+shellQuote(command))
}

// RunShell executes a shell line and recovers its exit status.
func (p *Provider) RunShell(ctx context.Context, h device.Handle, line string) (device.ShellResult, error) {
	res := device.ShellResult{Command: line, ExitCode: -1}
	if strings.TrimSpace(line) == "" {
		return res, errors.New("adb provider: empty shell command")
	}
	if err := ctx.Err(); err != nil {
		return res, err
	}
	dev, err := p.find(h)
	if err != nil {
		return res, err
	}
	out, err := dev.RunShellCommand(line + "; echo " + exitMarker + "$?")
	if err != nil {
		return res, errors.Wrapf(err, "adb shell %s", line)
	}
	res.Output, res.ExitCode = splitExitCode(out)
	return res, nil
}

func (p *Provider) devices() ([]shellDevice, error) {
	if p == nil {
		return nil, errors.New("adb provider is nil")
	}
	if p.backend == nil {
		return nil, errors.New("adb provider: server not checked, call CheckAvailable first")
	}
	devs, err := p.backend.Devices()
	if err != nil {
		return nil, errors.Wrap(err, "list adb devices")
	}
	return devs, nil
}

func (p *Provider) find(h device.Handle) (shellDevice, error) {
	if !h.Valid() {
		return nil, errors.New("adb provider: empty device handle")
	}
	devs, err := p.devices()
	if err != nil {
		return nil, err
	}
	target := strings.TrimSpace(h.Serial)
	for _, d := range devs {
		if strings.TrimSpace(d.Serial()) == target {
			return d, nil
		}
	}
	return nil, errors.Errorf("device %s not found", h.Serial)
}

// splitExitCode strips the exit marker line from out and parses the status.
func splitExitCode(out string) (string, int) {
	idx := strings.LastIndex(out, exitMarker)
	if idx < 0 {
		return strings.TrimSpace(out), -1
	}
	body := out[:idx]
	rest := strings.TrimSpace(out[idx+len(exitMarker):])
	if nl := strings.IndexAny(rest, "\r\n"); nl >= 0 {
		rest = rest[:nl]
	}
	code, err := strconv.Atoi(rest)
	if err != nil {
		code = -1
	}
	return strings.TrimSpace(body), code
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
