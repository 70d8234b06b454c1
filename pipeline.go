package atropos

import (
	"context"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/atropos/atropos/pkg/arch"
	"github.com/atropos/atropos/pkg/artifact"
	"github.com/atropos/atropos/pkg/device"
	"github.com/atropos/atropos/pkg/fault"
	"github.com/atropos/atropos/pkg/server"
	"github.com/atropos/atropos/pkg/session"
	"github.com/atropos/atropos/pkg/storage"
)

// ArtifactSource obtains a frida-server build for a device.
type ArtifactSource interface {
	Ensure(ctx context.Context, h device.Handle, version string, tag arch.Tag) (artifact.Artifact, error)
}

// ServerLauncher (re)starts frida-server on a device.
type ServerLauncher interface {
	EnsureRunning(ctx context.Context, h device.Handle, art artifact.Artifact) (server.State, error)
}

// SessionRunner drives one instrumentation session until it ends.
type SessionRunner interface {
	Run(ctx context.Context, h device.Handle, payloadPath, target string) error
}

// SessionFactory builds a SessionRunner that forwards payload messages to sink.
type SessionFactory func(sink session.MessageSink) SessionRunner

// ControllerFactory returns a SessionFactory backed by session.Controller.
func ControllerFactory(rt session.Runtime, opts session.Options) SessionFactory {
	return func(sink session.MessageSink) SessionRunner {
		o := opts
		o.Sink = sink
		return session.NewController(rt, o)
	}
}

// Options carries what a run needs besides its collaborators.
type Options struct {
	FridaVersion string
	Target       string
	PayloadPath  string
	HostID       string
	// Preflight, when set, must succeed before the device is touched.
	Preflight func() error
}

// Pipeline runs the provisioning stages in order. Every stage is a gate: the
// first failure ends the run with a categorized fault.
type Pipeline struct {
	transport device.Transport
	artifacts ArtifactSource
	launcher  ServerLauncher
	sessions  SessionFactory
	recorder  RunRecorder
	opts      Options

	newRunID func() string
}

// NewPipeline wires the stages. A nil recorder disables the run journal.
func NewPipeline(transport device.Transport, artifacts ArtifactSource, launcher ServerLauncher,
	sessions SessionFactory, recorder RunRecorder, opts Options,
) *Pipeline {
	if recorder == nil {
		recorder = noopRecorder{}
	}
	return &Pipeline{
		transport: transport,
		artifacts: artifacts,
		launcher:  launcher,
		sessions:  sessions,
		recorder:  recorder,
		opts:      opts,
		newRunID:  func() string { return uuid.NewString() },
	}
}

// Run executes environment check, device discovery, artifact acquisition,
// server deployment and the instrumentation session.
func (p *Pipeline) Run(ctx context.Context) (err error) {
	if p == nil || p.transport == nil || p.artifacts == nil || p.launcher == nil || p.sessions == nil {
		return errors.New("pipeline is not fully configured")
	}
	runID := p.newRunID()
	logger := log.With().Str("run_id", runID).Logger()
	ctx = logger.WithContext(ctx)

	started := time.Now()
	p.record(ctx, "start run", p.recorder.StartRun(ctx, storage.Run{
		ID:           runID,
		StartedAt:    started,
		HostID:       p.opts.HostID,
		FridaVersion: p.opts.FridaVersion,
		Target:       p.opts.Target,
		Stage:        StageEnvironment,
	}))
	defer func() {
		status, kind := storage.StatusSuccess, ""
		if err != nil {
			status, kind = storage.StatusFailed, string(fault.KindOf(err))
		}
		// ctx may already be cancelled by an interrupt.
		finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		p.record(finishCtx, "finish run", p.recorder.FinishRun(finishCtx, runID, status, kind, err))
		logger.Info().Str("status", status).Dur("elapsed", time.Since(started)).Msg("run finished")
	}()

	if p.opts.Preflight != nil {
		if err := p.opts.Preflight(); err != nil {
			return fault.Environment("check instrumentation support", err)
		}
	}
	if err := p.transport.CheckAvailable(ctx); err != nil {
		return fault.Environment("check adb", err)
	}
	logger.Info().Msg("adb is available")

	h, err := p.transport.Connected(ctx)
	if err != nil {
		return fault.Environment("discover device", err)
	}
	logger = logger.With().Str("serial", h.Serial).Logger()

	meta := fetchDeviceMeta(ctx, p.transport, h)
	logger.Info().
		Str("manufacturer", titleCase(meta.Manufacturer)).
		Str("device", titleCase(meta.Device)).
		Str("android", meta.Release).
		Str("model", meta.Model).
		Str("abi", meta.ABI).
		Msg("device connected")
	if !meta.IsRoot {
		logger.Warn().Msg("device does not look rooted, privileged commands will likely fail")
	}

	tag := arch.Resolve(meta.ABI)
	if !tag.Known() {
		logger.Warn().Str("abi", meta.ABI).Msg("unrecognized abi, the release lookup will likely fail")
	}
	p.update(ctx, storage.Run{
		ID:           runID,
		DeviceSerial: h.Serial,
		Manufacturer: meta.Manufacturer,
		Model:        meta.Model,
		Release:      meta.Release,
		ABI:          meta.ABI,
		Arch:         string(tag),
		Stage:        StageArtifact,
	})

	art, err := p.artifacts.Ensure(ctx, h, p.opts.FridaVersion, tag)
	if err != nil {
		return asFault(fault.KindArtifact, "obtain frida-server", err)
	}
	p.update(ctx, storage.Run{
		ID:               runID,
		ArtifactSource:   string(art.Source),
		ArtifactChecksum: art.Checksum,
		Stage:            StageDeploy,
	})

	_, err = p.launcher.EnsureRunning(ctx, h, art)
	if art.NeedsPush() {
		if cerr := art.Cleanup(); cerr != nil {
			logger.Warn().Err(cerr).Msg("remove local frida-server failed")
		} else {
			logger.Debug().Str("path", art.LocalPath).Msg("removed local frida-server")
		}
	}
	if err != nil {
		return asFault(fault.KindDeployment, "start frida-server", err)
	}

	p.update(ctx, storage.Run{ID: runID, Stage: StageSession})
	runner := p.sessions(p.recorder.MessageSink(runID))
	if err := runner.Run(ctx, h, p.opts.PayloadPath, p.opts.Target); err != nil {
		return asFault(fault.KindSession, "instrument target", err)
	}
	return nil
}

func (p *Pipeline) update(ctx context.Context, run storage.Run) {
	p.record(ctx, "update run", p.recorder.UpdateRun(ctx, run))
}

func (p *Pipeline) record(ctx context.Context, op string, err error) {
	if err != nil {
		log.Ctx(ctx).Warn().Err(err).Str("op", op).Msg("run journal write failed")
	}
}

// asFault keeps an existing categorization and otherwise applies kind.
func asFault(kind fault.Kind, op string, err error) error {
	if fault.KindOf(err) != fault.KindUnknown {
		return err
	}
	return fault.New(kind, op, err)
}

func titleCase(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return s
	}
	words := strings.Fields(strings.ToLower(s))
	for i, w := range words {
		r, size := utf8.DecodeRuneInString(w)
		words[i] = string(unicode.ToUpper(r)) + w[size:]
	}
	return strings.Join(words, " ")
}
