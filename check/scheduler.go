package check

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Scheduler runs the monitor on fixed cadences: node-down checks every
// hour, version checks at midnight UTC, monthly checks on the first of
// each month. Runs of the same cadence never overlap; different cadences
// may run concurrently.
type Scheduler struct {
	cron    *cron.Cron
	monitor *Monitor
	logger  *slog.Logger
	entries []cron.EntryID
}

// NewScheduler creates a scheduler around the given monitor. Jobs are
// registered but do not run until Start is called.
func NewScheduler(monitor *Monitor, logger *slog.Logger) (*Scheduler, error) {
	cl := cronLogger{logger: logger}
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithChain(cron.SkipIfStillRunning(cl), cron.Recover(cl)),
	)

	s := &Scheduler{cron: c, monitor: monitor, logger: logger}

	jobs := []struct {
		spec string
		name string
		run  func(context.Context) error
	}{
		{"@every 1h", "hourly", monitor.RunHourly},
		{"0 0 * * *", "daily", monitor.RunDaily},
		{"0 0 1 * *", "monthly", monitor.RunMonthly},
	}
	for _, job := range jobs {
		job := job
		id, err := c.AddFunc(job.spec, func() {
			if err := job.run(context.Background()); err != nil {
				logger.Error("Scheduled check failed", "cadence", job.name, "error", err)
			}
		})
		if err != nil {
			return nil, err
		}
		s.entries = append(s.entries, id)
	}
	return s, nil
}

// Start begins scheduled execution in the cron's own goroutines.
func (s *Scheduler) Start() {
	s.logger.Info("Starting check scheduler",
		"hourly", "@every 1h",
		"daily", "0 0 * * *",
		"monthly", "0 0 1 * *")
	s.cron.Start()
}

// Stop halts scheduling and waits for any running jobs to finish or the
// context to expire, whichever comes first.
func (s *Scheduler) Stop(ctx context.Context) {
	s.logger.Info("Stopping check scheduler")
	done := s.cron.Stop().Done()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("Timed out waiting for running checks", "error", ctx.Err())
	}
}

// cronLogger adapts slog to the cron logging interface.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append([]any{"error", err}, keysAndValues...)...)
}
