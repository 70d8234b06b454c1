// Package session attaches the interception payload to a freshly spawned
// target process and keeps the session alive until the operator stops it.
package session

import (
	"context"
	"io"
	"os"
	"strings"
	"time"

	"github.com/atropos/atropos/internal/workers"
	"github.com/atropos/atropos/pkg/device"
	"github.com/atropos/atropos/pkg/fault"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	defaultConnectTimeout = 5 * time.Second
	defaultBufferSize     = 256
	shutdownGrace         = 2 * time.Second
	killTimeout           = 3 * time.Second
)

// Session end reasons.
const (
	ReasonInterrupted = "interrupted"
	ReasonInputClosed = "input closed"
	ReasonDetached    = "target detached"
)

// MessageSink persists payload messages.
type MessageSink interface {
	RecordMessage(ctx context.Context, msg Message) error
}

// Options configures a Controller.
type Options struct {
	ConnectTimeout time.Duration
	// Stdin, when set, ends supervision once it reaches EOF.
	Stdin      io.Reader
	BufferSize int
	Sink       MessageSink
}

// Controller drives connect, spawn, attach, inject and supervision.
type Controller struct {
	runtime Runtime
	opts    Options
}

// NewController builds a Controller on top of rt.
func NewController(rt Runtime, opts Options) *Controller {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaultConnectTimeout
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = defaultBufferSize
	}
	return &Controller{runtime: rt, opts: opts}
}

// Run establishes the session and supervises it until interruption, end of
// input or target exit. Those three endings return nil.
func (c *Controller) Run(ctx context.Context, h device.Handle, payloadPath, target string) error {
	s, err := c.Establish(ctx, h, payloadPath, target)
	if err != nil {
		return err
	}
	return c.Supervise(ctx, s)
}

// LoadPayload validates and reads the payload file.
func LoadPayload(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fault.Session("load payload", errors.New("payload path is empty"))
	}
	info, err := os.Stat(path)
	if err != nil {
		return "", fault.Session("load payload", errors.Wrapf(err, "javascript file not found: %s", path))
	}
	if info.IsDir() {
		return "", fault.Session("load payload", errors.Errorf("payload %s is a directory", path))
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fault.Session("load payload", errors.Wrapf(err, "read %s", path))
	}
	return string(data), nil
}

// Establish spawns target suspended, attaches, resumes it and loads the
// payload. A target still suspended when a step fails is killed.
func (c *Controller) Establish(ctx context.Context, h device.Handle, payloadPath, target string) (*Session, error) {
	source, err := LoadPayload(payloadPath)
	if err != nil {
		return nil, err
	}
	logger := log.With().Str("serial", h.Serial).Str("target", target).Logger()

	connectCtx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	dev, err := c.runtime.Connect(connectCtx, h.Serial)
	cancel()
	if err != nil {
		if errors.Is(err, ErrTransport) || errors.Is(err, context.DeadlineExceeded) {
			return nil, fault.ServerUnreachable("connect", err)
		}
		return nil, fault.Session("connect", err)
	}

	s := newSession(target, c.opts.BufferSize)
	suspended := false
	fail := func(op string, err error) (*Session, error) {
		s.finish(StateFailed, op)
		c.teardown(s)
		if suspended {
			killCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), killTimeout)
			if kerr := dev.Kill(killCtx, s.TargetPID); kerr != nil {
				logger.Warn().Err(kerr).Int("pid", s.TargetPID).Msg("kill suspended target failed")
			}
			cancel()
		}
		if errors.Is(err, ErrTransport) {
			return nil, fault.ServerUnreachable(op, err)
		}
		return nil, fault.Session(op, err)
	}

	logger.Info().Msg("spawning target")
	pid, err := dev.Spawn(ctx, target)
	if err != nil {
		return fail("spawn", err)
	}
	s.TargetPID = pid
	suspended = true
	s.setState(StateSpawned)

	attachment, err := dev.Attach(ctx, pid)
	if err != nil {
		return fail("attach", err)
	}
	s.attachment = attachment
	attachment.OnDetached(s.markDetached)
	s.setState(StateAttached)

	if err := dev.Resume(ctx, pid); err != nil {
		return fail("resume", err)
	}
	suspended = false
	s.setState(StateResumed)

	script, err := attachment.CreateScript(ctx, source)
	if err != nil {
		return fail("create script", err)
	}
	s.script = script
	script.OnMessage(func(raw string, data []byte) {
		s.deliver(ParseMessage(raw, data))
	})
	if err := script.Load(ctx); err != nil {
		return fail("load script", err)
	}
	s.setState(StateScriptLoaded)

	s.setState(StateActive)
	logger.Info().Int("pid", pid).Msg("script loaded and running, press Ctrl+C to stop")
	return s, nil
}

// Supervise blocks until ctx ends, stdin closes or the target detaches, while
// an observer drains payload messages. The session is torn down on return.
func (c *Controller) Supervise(ctx context.Context, s *Session) error {
	if s == nil {
		return errors.New("session is nil")
	}
	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	inputClosed := make(chan struct{})
	if c.opts.Stdin != nil {
		go func() {
			_, _ = io.Copy(io.Discard, c.opts.Stdin)
			close(inputClosed)
		}()
	}

	group := workers.New(runCtx)
	group.GoSafe("payload-messages", func(gctx context.Context) error {
		return c.observe(gctx, s)
	})

	reason := ReasonInterrupted
	select {
	case <-ctx.Done():
	case <-inputClosed:
		reason = ReasonInputClosed
	case why := <-s.detached:
		reason = ReasonDetached
		if why != "" {
			reason += ": " + why
		}
	}
	stop()
	if err := group.WaitOrInterrupt(shutdownGrace); err != nil && !errors.Is(err, context.Canceled) {
		log.Warn().Err(err).Msg("payload message observer stopped with error")
	}
	c.flush(s)

	c.teardown(s)
	s.finish(StateTerminated, reason)
	log.Info().Str("target", s.Target).Int("pid", s.TargetPID).Str("reason", reason).
		Int64("dropped_messages", s.Dropped()).Msg("instrumentation session ended")
	return nil
}

func (c *Controller) observe(ctx context.Context, s *Session) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-s.messages:
			c.handle(ctx, msg)
		}
	}
}

// flush handles messages still buffered after the observer stopped.
func (c *Controller) flush(s *Session) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	for {
		select {
		case msg := <-s.messages:
			c.handle(ctx, msg)
		default:
			return
		}
	}
}

func (c *Controller) handle(ctx context.Context, msg Message) {
	event := log.WithLevel(messageLevel(msg)).Str("source", "payload").Str("type", msg.Type)
	if len(msg.Data) > 0 {
		event = event.Int("data_bytes", len(msg.Data))
	}
	event.Msg(msg.Text())

	if c.opts.Sink == nil {
		return
	}
	if err := c.opts.Sink.RecordMessage(ctx, msg); err != nil {
		log.Debug().Err(err).Msg("record payload message failed")
	}
}

func messageLevel(msg Message) zerolog.Level {
	switch msg.Type {
	case MessageError:
		return zerolog.ErrorLevel
	case MessageLog:
		switch strings.ToLower(msg.Level) {
		case "debug":
			return zerolog.DebugLevel
		case "warning", "warn":
			return zerolog.WarnLevel
		case "error":
			return zerolog.ErrorLevel
		}
	}
	return zerolog.InfoLevel
}

func (c *Controller) teardown(s *Session) {
	if s.script != nil {
		if err := s.script.Unload(); err != nil {
			log.Debug().Err(err).Msg("unload script failed")
		}
	}
	if s.attachment != nil {
		if err := s.attachment.Detach(); err != nil {
			log.Debug().Err(err).Msg("detach session failed")
		}
	}
}
