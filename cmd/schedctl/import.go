package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/AllWorkNoPlay/CalendarAgents/internal/calendar"
	"github.com/AllWorkNoPlay/CalendarAgents/internal/model"
)

func newImportCmd(a *app) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "import FILE.ics",
		Short: "Add the events of an ICS file to the calendar",
		Long: `Import checks the file like "schedctl check" and refuses to write when it
finds problems. With --force, valid events are imported and conflicts are
kept; invalid events and events already present are left out.

The import is atomic: if any write fails, the events already written are
removed again.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			provider, closeProvider, err := a.openProvider(ctx)
			if err != nil {
				return err
			}
			defer closeProvider()

			r, err := a.analyze(ctx, args[0], provider)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			r.print(out)
			if n := r.problems(); n > 0 && !force {
				return fmt.Errorf("refusing to import with %d problems (use --force)", n)
			}
			if len(r.valid) == 0 {
				fmt.Fprintln(out, "nothing to import")
				return nil
			}

			res, err := calendar.ApplyBatch(ctx, provider, model.Batch{Creates: r.valid}, a.log)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "imported %d events into %s\n", len(res.Created), provider.Name())
			return nil
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "import valid events despite problems")
	return cmd
}
