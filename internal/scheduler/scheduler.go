// Package scheduler runs recurring jobs such as the nightly feed refresh.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	appLog "calsync/internal/log"
)

// Scheduler runs tasks on cron schedules.
type Scheduler interface {
	Schedule(spec string, task func()) error
	Start()
	// Stop prevents new runs and waits for running tasks until ctx is done.
	Stop(ctx context.Context) error
}

// Cron is a Scheduler backed by robfig/cron. A panicking task is logged
// and recovered; later runs still happen.
type Cron struct {
	c *cron.Cron
}

func NewCron(loc *time.Location) *Cron {
	if loc == nil {
		loc = time.UTC
	}
	logger := cronLogger{}
	return &Cron{
		c: cron.New(
			cron.WithLocation(loc),
			cron.WithLogger(logger),
			cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		),
	}
}

func (s *Cron) Schedule(spec string, task func()) error {
	id, err := s.c.AddFunc(spec, task)
	if err != nil {
		return fmt.Errorf("schedule %q: %w", spec, err)
	}
	appLog.Info("job scheduled", "spec", spec, "entry", int(id))
	return nil
}

func (s *Cron) Start() {
	s.c.Start()
}

func (s *Cron) Stop(ctx context.Context) error {
	select {
	case <-s.c.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// cronLogger routes cron's logging into the application log.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	appLog.Debug("cron: "+msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	appLog.Error("cron: "+msg, err, keysAndValues...)
}
