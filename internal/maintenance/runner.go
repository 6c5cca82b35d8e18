// Package maintenance runs periodic housekeeping jobs for the lifetime of the
// process. Jobs are plain values handed to a Runner at startup; there is no
// package-level scheduler.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"golang.org/x/sync/errgroup"

	"latch/internal/metrics"
)

// Job is one periodic task. Run returns the number of rows it changed.
type Job struct {
	Name     string
	Interval time.Duration
	Jitter   time.Duration
	Run      func(ctx context.Context) (int64, error)
}

func (j Job) validate() error {
	if j.Name == "" || j.Run == nil || j.Interval <= 0 || j.Jitter < 0 {
		return fmt.Errorf("maintenance: invalid job %q", j.Name)
	}
	return nil
}

// Runner drives a fixed set of jobs until its context is cancelled.
type Runner struct {
	jobs    []Job
	lease   Lease
	log     *slog.Logger
	metrics *metrics.Metrics
	jitter  func(max time.Duration) time.Duration
}

// NewRunner validates jobs and builds a Runner. A nil lease means every
// instance runs every job.
func NewRunner(jobs []Job, lease Lease, log *slog.Logger, m *metrics.Metrics) (*Runner, error) {
	for _, j := range jobs {
		if err := j.validate(); err != nil {
			return nil, err
		}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Runner{
		jobs:    jobs,
		lease:   lease,
		log:     log,
		metrics: m,
		jitter: func(max time.Duration) time.Duration {
			if max <= 0 {
				return 0
			}
			return time.Duration(rand.Int64N(int64(max) + 1))
		},
	}, nil
}

// Run blocks until ctx is done. Job failures are logged and do not stop the runner.
func (r *Runner) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, j := range r.jobs {
		g.Go(func() error {
			r.loop(ctx, j)
			return nil
		})
	}
	return g.Wait()
}

func (r *Runner) loop(ctx context.Context, j Job) {
	t := time.NewTimer(j.Interval + r.jitter(j.Jitter))
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		_ = r.RunOnce(ctx, j)
		t.Reset(j.Interval + r.jitter(j.Jitter))
	}
}

// ErrLeaseHeld reports that another holder owns the job's current window.
var ErrLeaseHeld = errors.New("maintenance: lease held elsewhere")

// RunOnce executes j now, subject to the lease.
func (r *Runner) RunOnce(ctx context.Context, j Job) error {
	if r.lease != nil {
		ok, err := r.lease.Acquire(ctx, j.Name, leaseTTL(j.Interval))
		if err != nil {
			r.log.WarnContext(ctx, "maintenance.lease.fail", "job", j.Name, "err", err)
			r.metrics.JobRun(j.Name, 0, err)
			return err
		}
		if !ok {
			r.log.DebugContext(ctx, "maintenance.job.skipped", "job", j.Name, "holder", r.holder(ctx, j.Name))
			return ErrLeaseHeld
		}
	}

	start := time.Now()
	n, err := j.Run(ctx)
	r.metrics.JobRun(j.Name, n, err)
	if err != nil {
		r.log.ErrorContext(ctx, "maintenance.job.fail", "job", j.Name, "err", err)
		return err
	}
	r.log.InfoContext(ctx, "maintenance.job.done",
		"job", j.Name,
		"affected", n,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// holder names the current lease owner when the lease can report it.
func (r *Runner) holder(ctx context.Context, name string) string {
	h, ok := r.lease.(interface {
		Holder(ctx context.Context, name string) (string, error)
	})
	if !ok {
		return ""
	}
	owner, err := h.Holder(ctx, name)
	if err != nil {
		return ""
	}
	return owner
}

// leaseTTL spans half an interval: peers firing in the same jittered window
// skip, and the lease is free again before the next one.
func leaseTTL(interval time.Duration) time.Duration {
	ttl := interval / 2
	if ttl < time.Second {
		ttl = time.Second
	}
	return ttl
}
