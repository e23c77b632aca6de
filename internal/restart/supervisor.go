// Package restart relaunches local jobs that are flagged for restarts and
// stopped without being asked to.
package restart

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	gocron "github.com/go-co-op/gocron/v2"
	"github.com/gofrs/flock"
	"github.com/rs/zerolog"

	"github.com/edvin/pipejobs/internal/jobs"
	"github.com/edvin/pipejobs/internal/metrics"
)

// Report summarizes one scan.
type Report struct {
	// Skipped is set when another process held the lock.
	Skipped   bool
	Checked   int
	Restarted int
	Failed    int
}

// Supervisor scans local jobs at a fixed interval. Only one supervisor per
// root directory scans at a time; the others skip their tick.
type Supervisor struct {
	registry *jobs.Registry
	interval time.Duration
	lock     *flock.Flock
	logger   zerolog.Logger
}

func NewSupervisor(registry *jobs.Registry, logger zerolog.Logger) *Supervisor {
	cfg := registry.Config()
	interval := cfg.RestartInterval
	if interval <= 0 {
		interval = time.Second
	}
	return &Supervisor{
		registry: registry,
		interval: interval,
		lock:     flock.New(cfg.LockPath()),
		logger:   logger.With().Str("component", "restart-supervisor").Logger(),
	}
}

// Scan checks every local job once and restarts those that are due. A job
// that fails to restart is logged and counted; the scan carries on.
func (s *Supervisor) Scan(ctx context.Context) (Report, error) {
	if err := os.MkdirAll(filepath.Dir(s.lock.Path()), 0o755); err != nil {
		return Report{}, fmt.Errorf("create lock directory: %w", err)
	}
	locked, err := s.lock.TryLock()
	if err != nil {
		metrics.SupervisorScansTotal.WithLabelValues("error").Inc()
		return Report{}, fmt.Errorf("acquire restart lock: %w", err)
	}
	if !locked {
		metrics.SupervisorScansTotal.WithLabelValues("skipped").Inc()
		return Report{Skipped: true}, nil
	}
	defer s.lock.Unlock()

	metrics.SupervisorScansTotal.WithLabelValues("scanned").Inc()
	start := time.Now()
	defer func() {
		metrics.SupervisorScanDuration.Observe(time.Since(start).Seconds())
	}()

	list, err := s.registry.Jobs(ctx, "local")
	if err != nil {
		return Report{}, fmt.Errorf("list jobs: %w", err)
	}

	var report Report
	for _, j := range list {
		if ctx.Err() != nil {
			break
		}
		report.Checked++
		if !j.RestartDue(ctx) {
			continue
		}

		res := j.CheckRestart(ctx)
		metrics.RestartsTotal.WithLabelValues(metrics.Outcome(res.Success)).Inc()
		if !res.Success {
			report.Failed++
			s.logger.Error().Str("job", j.Name()).Msg(res.Message)
			continue
		}
		report.Restarted++
		s.logger.Info().Str("job", j.Name()).Msg(res.Message)
	}
	return report, nil
}

// Run scans on every interval until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) error {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	_, err = sched.NewJob(
		gocron.DurationJob(s.interval),
		gocron.NewTask(func() {
			report, err := s.Scan(ctx)
			if err != nil {
				s.logger.Warn().Err(err).Msg("restart scan failed")
				return
			}
			if report.Restarted > 0 || report.Failed > 0 {
				s.logger.Info().
					Int("checked", report.Checked).
					Int("restarted", report.Restarted).
					Int("failed", report.Failed).
					Msg("restart scan")
			}
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		return fmt.Errorf("initializing gocron job: %w", err)
	}

	s.logger.Info().Dur("interval", s.interval).Msg("restart supervisor started")
	sched.Start()
	<-ctx.Done()

	if err := sched.Shutdown(); err != nil {
		return fmt.Errorf("shutting down scheduler: %w", err)
	}
	s.logger.Info().Msg("restart supervisor stopped")
	return nil
}
