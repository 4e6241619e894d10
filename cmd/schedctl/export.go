package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/AllWorkNoPlay/CalendarAgents/internal/calendar"
	"github.com/AllWorkNoPlay/CalendarAgents/internal/model"
)

func newExportCmd(a *app) *cobra.Command {
	var (
		out  string
		name string
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the term's events as ICS",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			provider, closeProvider, err := a.openProvider(ctx)
			if err != nil {
				return err
			}
			defer closeProvider()

			term, err := a.cfg.Policy.Term()
			if err != nil {
				return err
			}
			events, err := provider.ListEvents(ctx, term)
			if err != nil {
				return fmt.Errorf("%w: %v", model.ErrCalendarRead, err)
			}

			var w io.Writer = cmd.OutOrStdout()
			if out != "" {
				f, err := os.Create(out)
				if err != nil {
					return err
				}
				defer f.Close()
				w = f
			}
			if err := calendar.ExportICS(w, name, events); err != nil {
				return err
			}
			if out != "" {
				fmt.Fprintf(cmd.ErrOrStderr(), "exported %d events to %s\n", len(events), out)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "output file (default stdout)")
	cmd.Flags().StringVar(&name, "name", "Schedule", "calendar name")
	return cmd
}
