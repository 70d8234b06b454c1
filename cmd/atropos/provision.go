package main

import (
	"context"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/atropos/atropos"
	"github.com/atropos/atropos/internal/config"
	"github.com/atropos/atropos/pkg/artifact"
	"github.com/atropos/atropos/pkg/fault"
	"github.com/atropos/atropos/pkg/frida"
	"github.com/atropos/atropos/pkg/server"
	"github.com/atropos/atropos/pkg/session"
	"github.com/atropos/atropos/pkg/storage"
	"github.com/atropos/atropos/providers/adb"
)

type provisionFlags struct {
	target  string
	payload string
	version string
	serial  string
	noWait  bool
}

func (f *provisionFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.target, "target", "", "Application identifier to spawn, overriding $"+config.EnvTarget)
	cmd.Flags().StringVar(&f.payload, "payload", "", "Payload script path, overriding $"+config.EnvPayloadPath)
	cmd.Flags().StringVar(&f.version, "frida-version", "", "frida-server release, overriding $"+config.EnvFridaVersion)
	cmd.Flags().StringVar(&f.serial, "serial", "", "Device serial when several are online, overriding $"+config.EnvDeviceSerial)
	cmd.Flags().BoolVar(&f.noWait, "no-stdin", false, "Do not end the session when stdin closes")
}

func runProvision(ctx context.Context, flags provisionFlags) error {
	cfg, err := config.Load()
	if err != nil {
		return fault.Environment("load config", err)
	}
	cfg.Target = firstNonEmpty(flags.target, cfg.Target)
	cfg.PayloadPath = firstNonEmpty(flags.payload, cfg.PayloadPath)
	cfg.FridaVersion = firstNonEmpty(flags.version, cfg.FridaVersion)
	cfg.DeviceSerial = firstNonEmpty(flags.serial, cfg.DeviceSerial)
	if flags.noWait {
		cfg.WaitOnStdin = false
	}
	applyLogLevel(cfg.LogLevel)

	log.Info().
		Str("frida_version", cfg.FridaVersion).
		Str("target", cfg.Target).
		Str("payload", cfg.PayloadPath).
		Msg("starting provisioning run")

	transport := adb.NewDefault(adb.Options{PreferredSerial: cfg.DeviceSerial})
	fetcher := artifact.New(transport, artifact.Options{
		ReleaseBaseURL: cfg.ReleaseBaseURL,
		RemotePath:     cfg.RemotePath,
		WorkDir:        cfg.WorkDir,
		Timeout:        cfg.DownloadTimeout,
	})
	manager := server.NewManager(transport, server.Options{
		TeardownDelay: cfg.TeardownDelay,
		Strict:        cfg.StrictDeploy,
	})
	sessionOpts := session.Options{ConnectTimeout: cfg.ConnectTimeout}
	if cfg.WaitOnStdin {
		sessionOpts.Stdin = os.Stdin
	}

	var recorder atropos.RunRecorder
	if !cfg.JournalDisabled {
		journal, err := openJournal(cfg.JournalPath)
		if err != nil {
			log.Warn().Err(err).Msg("run journal unavailable, continuing without it")
		} else {
			defer journal.Close()
			recorder = journal
			log.Debug().Str("path", journal.Path()).Msg("run journal opened")
		}
	}

	pipeline := atropos.NewPipeline(transport, fetcher, manager,
		atropos.ControllerFactory(frida.New(), sessionOpts), recorder,
		atropos.Options{
			FridaVersion: cfg.FridaVersion,
			Target:       cfg.Target,
			PayloadPath:  filepath.Clean(cfg.PayloadPath),
			HostID:       atropos.HostID(),
			Preflight:    frida.Check,
		})
	return pipeline.Run(ctx)
}

func openJournal(custom string) (*storage.Journal, error) {
	path, err := storage.ResolvePath(custom)
	if err != nil {
		return nil, err
	}
	journal, err := storage.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open journal %s", path)
	}
	return journal, nil
}
