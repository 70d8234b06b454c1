package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/atropos/atropos/internal/config"
)

func newRunsCmd() *cobra.Command {
	var (
		flagLimit    int
		flagMessages string
	)

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recent provisioning runs from the local journal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			journal, err := openJournal(cfg.JournalPath)
			if err != nil {
				return err
			}
			defer journal.Close()

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			defer w.Flush()

			if flagMessages != "" {
				msgs, err := journal.Messages(cmd.Context(), flagMessages)
				if err != nil {
					return err
				}
				fmt.Fprintln(w, "TIME\tTYPE\tLEVEL\tTEXT")
				for _, m := range msgs {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", m.ReceivedAt.Format(time.RFC3339), m.Type, m.Level, m.Text)
				}
				return nil
			}

			runs, err := journal.RecentRuns(cmd.Context(), flagLimit)
			if err != nil {
				return err
			}
			fmt.Fprintln(w, "RUN\tSTARTED\tDEVICE\tARCH\tSOURCE\tSTAGE\tSTATUS\tERROR")
			for _, r := range runs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
					r.ID, r.StartedAt.Format(time.RFC3339), r.DeviceSerial, r.Arch,
					r.ArtifactSource, r.Stage, r.Status, r.ErrorKind)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&flagLimit, "limit", 20, "Maximum number of runs to list")
	cmd.Flags().StringVar(&flagMessages, "messages", "", "Show payload messages of the given run id instead")
	return cmd
}
