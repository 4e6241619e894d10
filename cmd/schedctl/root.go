package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/AllWorkNoPlay/CalendarAgents/internal/calendar"
	"github.com/AllWorkNoPlay/CalendarAgents/internal/config"
	"github.com/AllWorkNoPlay/CalendarAgents/pkg/logger"
)

// app holds the state shared by the subcommands.
type app struct {
	policyFile string
	provider   string
	dsn        string
	verbose    bool

	cfg *config.Config
	log *logger.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}
	cmd := &cobra.Command{
		Use:   "schedctl",
		Short: "Check, import and export schedules",
		Long: `schedctl works on the calendar store used by the API server.

It reads the same environment (.env, CALENDAR_PROVIDER, DATABASE_DSN,
POLICY_FILE); flags override it.

Examples:
  schedctl check timetable.ics
  schedctl import --provider sqlite --dsn data/calendar.db timetable.ics
  schedctl export --out schedule.ics`,
		SilenceUsage:      true,
		PersistentPreRunE: a.setup,
	}

	cmd.PersistentFlags().StringVar(&a.policyFile, "policy", "", "policy file (default $POLICY_FILE)")
	cmd.PersistentFlags().StringVar(&a.provider, "provider", "", "calendar provider: memory, sqlite, postgres or google (default $CALENDAR_PROVIDER)")
	cmd.PersistentFlags().StringVar(&a.dsn, "dsn", "", "database DSN for sqlite or postgres (default $DATABASE_DSN)")
	cmd.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "log to stderr")

	cmd.AddCommand(newCheckCmd(a))
	cmd.AddCommand(newImportCmd(a))
	cmd.AddCommand(newExportCmd(a))
	return cmd
}

func (a *app) setup(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if a.policyFile != "" {
		if cfg.Policy, err = config.LoadPolicy(a.policyFile); err != nil {
			return err
		}
	}
	if a.provider != "" {
		cfg.CalendarProvider = a.provider
	}
	if a.dsn != "" {
		cfg.DatabaseDSN = a.dsn
	}
	a.cfg = cfg

	a.log = logger.NewNop()
	if a.verbose {
		if a.log, err = logger.NewDevelopment(); err != nil {
			return err
		}
	}
	return nil
}

func (a *app) openProvider(ctx context.Context) (calendar.Provider, func() error, error) {
	return calendar.Open(ctx, calendar.OpenConfig{
		Kind: a.cfg.CalendarProvider,
		DSN:  a.cfg.DatabaseDSN,
		Google: calendar.GoogleConfig{
			CredentialsFile: a.cfg.GoogleCredentialsFile,
			APIKey:          a.cfg.GoogleAPIKey,
			CalendarID:      a.cfg.GoogleCalendarID,
			Timezone:        a.cfg.Policy.Timezone,
		},
	})
}
