package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"slices"

	"github.com/spf13/cobra"

	"github.com/AllWorkNoPlay/CalendarAgents/internal/calendar"
	"github.com/AllWorkNoPlay/CalendarAgents/internal/conflict"
	"github.com/AllWorkNoPlay/CalendarAgents/internal/model"
)

// report is the outcome of checking an ICS file against the calendar.
type report struct {
	valid     []model.Event
	present   []model.Event
	skipped   []calendar.ImportError
	invalid   []calendar.ImportError
	conflicts []model.Conflict
}

func (r *report) problems() int {
	return len(r.skipped) + len(r.invalid) + len(r.present) + len(r.conflicts)
}

func (r *report) print(w io.Writer) {
	for _, s := range r.skipped {
		fmt.Fprintf(w, "skipped  %v\n", s)
	}
	for _, s := range r.invalid {
		fmt.Fprintf(w, "invalid  %v\n", s)
	}
	for _, e := range r.present {
		fmt.Fprintf(w, "present  %q (%s) is already in the calendar\n", e.Title, e.ID)
	}
	for _, c := range r.conflicts {
		fmt.Fprintf(w, "conflict %q overlaps %q by %d min", c.Candidate.Title, c.Existing.Title, c.OverlapMinutes)
		if c.Occurrences > 1 {
			fmt.Fprintf(w, " on %d occurrences", c.Occurrences)
		}
		fmt.Fprintf(w, ", first at %s\n", c.Overlap.Start.Format("Mon 2 Jan 15:04"))
	}
	fmt.Fprintf(w, "%d events ok, %d skipped, %d invalid, %d already present, %d conflicts\n",
		len(r.valid), len(r.skipped), len(r.invalid), len(r.present), len(r.conflicts))
}

func newCheckCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "check FILE.ics",
		Short: "Validate an ICS file and report conflicts with the calendar",
		Args:  cobra.ExactArgs(1),
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
			r.print(cmd.OutOrStdout())
			if n := r.problems(); n > 0 {
				return fmt.Errorf("found %d problems", n)
			}
			return nil
		},
	}
}

// analyze validates the events of path and evaluates each one against the
// calendar and the events before it in the file.
func (a *app) analyze(ctx context.Context, path string, provider calendar.Provider) (*report, error) {
	term, err := a.cfg.Policy.Term()
	if err != nil {
		return nil, err
	}
	loc, err := a.cfg.Policy.Location()
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	events, skipped, err := calendar.ImportICS(f, loc)
	if err != nil {
		return nil, err
	}
	snapshot, err := provider.ListEvents(ctx, term)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrCalendarRead, err)
	}

	r := &report{skipped: skipped}
	for _, e := range events {
		if slices.ContainsFunc(snapshot, func(s model.Event) bool { return s.ID == e.ID }) {
			r.present = append(r.present, e)
			continue
		}
		if err := e.Validate(term); err != nil {
			r.invalid = append(r.invalid, calendar.ImportError{UID: e.ID, Err: err})
			continue
		}
		r.valid = append(r.valid, e)
	}

	engine := conflict.New(conflict.Config{
		Term:       term,
		Compatible: a.cfg.Policy.CompatiblePairs(),
		Step:       a.cfg.Policy.RescheduleStep,
		Horizon:    a.cfg.Policy.SearchHorizon,
	})
	for i, e := range r.valid {
		r.conflicts = append(r.conflicts, engine.Evaluate([]model.Event{e}, slices.Concat(snapshot, r.valid[:i]))...)
	}
	return r, nil
}
