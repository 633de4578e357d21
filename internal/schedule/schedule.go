// Package schedule runs the optional auto-publish cron: on every due tick it
// executes one publish run per configured host. Failures are logged and the
// loop keeps going; the scheduler never takes the process down.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"
	"github.com/google/uuid"

	"github.com/picvault/picvault/internal/logging"
	"github.com/picvault/picvault/internal/tenant"
	"github.com/picvault/picvault/internal/workflow"
)

// Runner executes one publish run for a tenant.
type Runner interface {
	Execute(ctx context.Context, cfg *tenant.Config, req workflow.ExecuteRequest) (*workflow.Result, error)
}

// ConfigSource resolves a host to its tenant configuration.
type ConfigSource interface {
	GetConfig(ctx context.Context, host string) (*tenant.Config, error)
}

// Options wires the scheduler.
type Options struct {
	Cron    string
	Hosts   []string
	Tenants ConfigSource
	Runner  Runner
	Logger  *slog.Logger
}

// Scheduler fires publish runs on a cron expression.
type Scheduler struct {
	cron    string
	hosts   []string
	tenants ConfigSource
	runner  Runner
	log     *slog.Logger
	gron    *gronx.Gronx

	tick time.Duration
}

// New validates the cron expression and builds the scheduler.
func New(opts Options) (*Scheduler, error) {
	gron := gronx.New()
	if !gron.IsValid(opts.Cron) {
		return nil, fmt.Errorf("invalid cron expression %q", opts.Cron)
	}
	if len(opts.Hosts) == 0 {
		return nil, fmt.Errorf("auto publish requires at least one host")
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		cron:    opts.Cron,
		hosts:   opts.Hosts,
		tenants: opts.Tenants,
		runner:  opts.Runner,
		log:     log,
		gron:    gron,
		tick:    time.Minute,
	}, nil
}

// Run blocks until ctx is canceled, checking the expression once a minute.
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.Info("schedule_start", "cron", s.cron, "hosts", len(s.hosts))
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.log.Info("schedule_stop")
			return nil
		case now := <-ticker.C:
			s.tickOnce(ctx, now)
		}
	}
}

func (s *Scheduler) tickOnce(ctx context.Context, now time.Time) {
	due, err := s.gron.IsDue(s.cron, now)
	if err != nil {
		s.log.Warn("schedule_cron_error", "error", err.Error())
		return
	}
	if !due {
		return
	}
	for _, host := range s.hosts {
		s.runHost(ctx, host)
	}
}

// runHost resolves the tenant and runs one publish with a fresh correlation
// ID so each scheduled run is traceable on its own.
func (s *Scheduler) runHost(ctx context.Context, host string) {
	ctx = logging.WithCorrelationID(ctx, uuid.NewString())
	timer := logging.StartTimer()

	cfg, err := s.tenants.GetConfig(ctx, host)
	if err != nil {
		s.log.ErrorContext(ctx, "schedule_tenant_failed", "host", host, "error", err.Error())
		return
	}
	res, err := s.runner.Execute(ctx, cfg, workflow.ExecuteRequest{})
	if err != nil {
		s.log.ErrorContext(ctx, "schedule_run_failed", "host", host, "error", err.Error())
		return
	}
	s.log.InfoContext(ctx, "schedule_run_ms",
		"elapsed_ms", timer.ElapsedMS(), "host", host,
		"status", res.Status, "any_success", res.AnySuccess)
}
