package service

import (
	"fmt"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Sweep discards idle conversations and their cached intents.
func (s *TurnService) Sweep() []string {
	ids := s.orch.Sweep(s.ttl)
	for _, id := range ids {
		s.interp.Forget(id)
	}
	return ids
}

// StartSweeper runs Sweep on schedule, a cron expression or descriptor such
// as "@every 1m".
func (s *TurnService) StartSweeper(schedule string) error {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(cron.WithParser(parser), cron.WithChain(
		cron.Recover(cron.DefaultLogger),
		cron.SkipIfStillRunning(cron.DefaultLogger),
	))
	if _, err := c.AddFunc(schedule, func() {
		if ids := s.Sweep(); len(ids) > 0 {
			s.logger.Debug("sweep finished", zap.Strings("expired", ids))
		}
	}); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}
	c.Start()
	s.cron = c
	s.logger.Info("session sweeper started",
		zap.String("schedule", schedule),
		zap.Duration("ttl", s.ttl),
	)
	return nil
}

// Stop stops the sweeper and waits for a running sweep to finish.
func (s *TurnService) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}
