// Copyright 2025 James Ross
package archive

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// RunOnSchedule runs the sweeper on the Config.SweepCron schedule (standard
// five-field cron, as validated the same way the teacher's calendar-view
// validates its own cron strings) until ctx is canceled. Each tick gets its
// own bounded context so a stuck export can't wedge every future sweep.
func (s *Sweeper) RunOnSchedule(ctx context.Context) error {
	c := cron.New()
	_, err := c.AddFunc(s.Config.SweepCron, func() {
		tickCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
		defer cancel()
		if _, err := s.SweepOnce(tickCtx); err != nil {
			s.Log.Error("scheduled archive sweep failed", zap.Error(err))
		}
	})
	if err != nil {
		return err
	}

	c.Start()
	<-ctx.Done()
	stopCtx := c.Stop()
	<-stopCtx.Done()
	return nil
}
