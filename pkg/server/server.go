package server

import (
	"context"
	"path"
	"strings"
	"time"

	"github.com/atropos/atropos/pkg/artifact"
	"github.com/atropos/atropos/pkg/device"
	"github.com/atropos/atropos/pkg/fault"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// State is the best-effort view of the frida-server process on the device.
type State string

const (
	StateAbsent  State = "absent"
	StateStopped State = "stopped"
	StateRunning State = "running"
)

// Deployer is the part of the device transport the manager needs.
type Deployer interface {
	Push(ctx context.Context, h device.Handle, localPath, remotePath string) (device.ShellResult, error)
	RunPrivileged(ctx context.Context, h device.Handle, command string) (device.ShellResult, error)
}

// Options configures a Manager.
type Options struct {
	// TeardownDelay is the pause between kill and relaunch.
	TeardownDelay time.Duration
	// Strict turns non-zero chmod/launch exit codes into deployment errors.
	Strict bool
}

// Manager restarts frida-server on a device.
type Manager struct {
	deployer Deployer
	opts     Options
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewManager builds a Manager.
func NewManager(deployer Deployer, opts Options) *Manager {
	return &Manager{deployer: deployer, opts: opts, sleep: sleepContext}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// EnsureRunning kills any running server, deploys art when it was downloaded
// and launches the server in daemon mode. The returned state is optimistic:
// nothing here confirms the server accepts connections.
func (m *Manager) EnsureRunning(ctx context.Context, h device.Handle, art artifact.Artifact) (State, error) {
	remote := strings.TrimSpace(art.RemotePath)
	if remote == "" {
		return StateAbsent, fault.Deployment("resolve remote path", errors.New("artifact has no remote path"))
	}
	name := path.Base(remote)
	logger := log.With().Str("serial", h.Serial).Str("path", remote).Logger()

	logger.Info().Msg("attempting to kill existing frida-server")
	if res, err := m.deployer.RunPrivileged(ctx, h, "pkill -9 "+name); err != nil {
		logger.Debug().Err(err).Msg("kill frida-server failed, continuing")
	} else if !res.OK() {
		logger.Debug().Int("exit_code", res.ExitCode).Msg("no frida-server process killed")
	}

	if err := m.sleep(ctx, m.opts.TeardownDelay); err != nil {
		return StateStopped, errors.Wrap(err, "wait for frida-server teardown")
	}

	if art.NeedsPush() {
		logger.Info().Str("local", art.LocalPath).Msg("pushing frida-server to device")
		res, err := m.deployer.Push(ctx, h, art.LocalPath, remote)
		if err != nil {
			return StateAbsent, fault.Deployment("push frida-server", err)
		}
		if strings.Contains(res.Output, "pushed") {
			logger.Info().Msg(res.Output)
		}
	}

	logger.Info().Msg("setting permissions")
	if err := m.runStep(ctx, h, "chmod", "chmod 755 "+remote); err != nil {
		return StateStopped, err
	}

	logger.Info().Msg("running frida-server")
	if err := m.runStep(ctx, h, "launch", remote+" -D"); err != nil {
		return StateStopped, err
	}
	logger.Info().Msg("frida-server is running")
	return StateRunning, nil
}

func (m *Manager) runStep(ctx context.Context, h device.Handle, op, command string) error {
	res, err := m.deployer.RunPrivileged(ctx, h, command)
	if err != nil {
		return fault.Deployment(op, err)
	}
	if res.OK() {
		return nil
	}
	if m.opts.Strict {
		return fault.Deployment(op, errors.Errorf("%q exited with %d: %s", command, res.ExitCode, res.Output))
	}
	log.Warn().Str("serial", h.Serial).Str("command", command).Int("exit_code", res.ExitCode).
		Str("output", res.Output).Msg("device command reported failure, continuing")
	return nil
}
