//go:build frida

package frida

import (
	"context"
	"time"

	"github.com/atropos/atropos/pkg/session"
	fridago "github.com/frida/frida-go/frida"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const devicePollInterval = 200 * time.Millisecond

// Supported reports whether the real runtime is compiled in.
const Supported = true

// Check always succeeds when the runtime is compiled in.
func Check() error {
	return nil
}

// fridaDevice is the subset of a frida-go device the adapter drives.
type fridaDevice interface {
	ID() string
	Spawn(name string, opts *fridago.SpawnOptions) (int, error)
	Resume(pid int) error
	Kill(pid int) error
	Attach(val any, opts *fridago.SessionOptions) (*fridago.Session, error)
}

// Runtime is the frida-go backed session.Runtime.
type Runtime struct {
	manager *fridago.DeviceManager
}

// New returns the frida-go runtime.
func New() session.Runtime {
	return &Runtime{manager: fridago.NewDeviceManager()}
}

// Connect waits for the device whose id matches the adb serial.
func (r *Runtime) Connect(ctx context.Context, serial string) (session.Device, error) {
	for {
		devices, err := r.manager.EnumerateDevices()
		if err != nil {
			return nil, classify(errors.Wrap(err, "enumerate frida devices"))
		}
		for _, d := range devices {
			var dev fridaDevice = d
			if dev.ID() == serial {
				log.Debug().Str("serial", serial).Msg("frida device found")
				return &device{dev: dev}, nil
			}
		}
		select {
		case <-ctx.Done():
			return nil, errors.Wrapf(ctx.Err(), "frida device %s not visible", serial)
		case <-time.After(devicePollInterval):
		}
	}
}

type device struct {
	dev fridaDevice
}

func (d *device) Spawn(ctx context.Context, program string) (int, error) {
	return call(ctx, func() (int, error) {
		return d.dev.Spawn(program, nil)
	})
}

func (d *device) Attach(ctx context.Context, pid int) (session.Attachment, error) {
	sess, err := call(ctx, func() (*fridago.Session, error) {
		return d.dev.Attach(pid, nil)
	})
	if err != nil {
		return nil, err
	}
	return &attachment{sess: sess}, nil
}

func (d *device) Resume(ctx context.Context, pid int) error {
	_, err := call(ctx, func() (struct{}, error) {
		return struct{}{}, d.dev.Resume(pid)
	})
	return err
}

func (d *device) Kill(ctx context.Context, pid int) error {
	_, err := call(ctx, func() (struct{}, error) {
		return struct{}{}, d.dev.Kill(pid)
	})
	return err
}

type attachment struct {
	sess *fridago.Session
}

func (a *attachment) CreateScript(ctx context.Context, source string) (session.Script, error) {
	sc, err := call(ctx, func() (*fridago.Script, error) {
		return a.sess.CreateScript(source)
	})
	if err != nil {
		return nil, err
	}
	return &script{sc: sc}, nil
}

func (a *attachment) OnDetached(fn func(reason string)) {
	a.sess.On("detached", func(reason fridago.SessionDetachReason) {
		fn(reason.String())
	})
}

func (a *attachment) Detach() error {
	return a.sess.Detach()
}

type script struct {
	sc *fridago.Script
}

func (s *script) OnMessage(fn func(raw string, data []byte)) {
	s.sc.On("message", func(msg string, data []byte) {
		fn(msg, data)
	})
}

func (s *script) Load(ctx context.Context) error {
	_, err := call(ctx, func() (struct{}, error) {
		return struct{}{}, s.sc.Load()
	})
	return err
}

func (s *script) Unload() error {
	return s.sc.Unload()
}
