package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/atropos/atropos/internal/env"
	"github.com/atropos/atropos/pkg/fault"
)

var rootCmd = &cobra.Command{
	Use:   "atropos",
	Short: "Provision frida-server on an Android device and inject a payload",
	Long: `atropos checks adb, picks the connected device, downloads the matching
frida-server when the device lacks one, (re)starts it as root and runs the
payload script inside a freshly spawned target application until interrupted.`,
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runProvision(cmd.Context(), rootFlags)
	},
}

var rootFlags provisionFlags

func init() {
	output := zerolog.ConsoleWriter{Out: os.Stderr}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
	rootFlags.register(rootCmd)
	rootCmd.AddCommand(newRunsCmd())
	_ = env.Ensure()
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		log.Error().Str("kind", string(fault.KindOf(err))).Msg(fault.Diagnostic(err))
		os.Exit(1)
	}
}
