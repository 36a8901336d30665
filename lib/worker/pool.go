// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package worker runs queued jobs: it claims them from the work
// queue, picks a docker host, runs the container, and records the
// outcome.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/heynemann/easyq/lib/config"
	"github.com/heynemann/easyq/lib/metrics"
	"github.com/heynemann/easyq/lib/workqueue"
	"github.com/heynemann/easyq/sdk/go/ctxlog"
	"github.com/heynemann/easyq/sdk/go/easyq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Store is the subset of the job store used by the pool.
type Store interface {
	GetJob(ctx context.Context, jobID string) (easyq.Job, error)
	CreateJob(ctx context.Context, taskID, image, command string, metadata map[string]interface{}) (easyq.Job, error)
	UpdateJob(ctx context.Context, jobID string, patch easyq.JobPatch) (easyq.Job, error)
}

// Queue is the work queue the pool consumes.
type Queue interface {
	Claim(ctx context.Context, consumer string, wait time.Duration) (*workqueue.Message, error)
	Ack(ctx context.Context, consumer string, msg *workqueue.Message) error
	Recover(ctx context.Context, consumer string) (int, error)
	Len(ctx context.Context) (int64, error)
}

// Scheduler accepts retries that should run later.
type Scheduler interface {
	ScheduleAt(ctx context.Context, at time.Time, ref easyq.JobRef, timeout time.Duration) (string, error)
	Len(ctx context.Context) (int64, error)
}

// HostSelector picks a docker host among candidates.
type HostSelector interface {
	Select(ctx context.Context, candidates []string) (string, error)
}

// Executor runs one container to completion.
type Executor interface {
	Run(ctx context.Context, host, image, command string, timeout time.Duration) (easyq.ExecutionResult, error)
}

// StopSignals delivers requests to stop running jobs.
type StopSignals interface {
	Subscribe(ctx context.Context, fn func(jobID string)) (io.Closer, error)
}

// MetricReporter receives job events.
type MetricReporter interface {
	ReportMetric(event string, args ...interface{})
}

// metricsInterval is how often queue and schedule gauges are
// refreshed.
var metricsInterval = 10 * time.Second

// Pool is a fixed set of goroutines, each consuming jobs from the
// work queue one at a time.
type Pool struct {
	Store       Store
	Queue       Queue
	Scheduler   Scheduler
	Selector    HostSelector
	Executor    Executor
	StopSignals StopSignals
	Reporter    MetricReporter
	Logger      logrus.FieldLogger
	Registry    *prometheus.Registry
	Config      *config.Config

	// ConsumerName identifies this process to the work queue.
	// It must be stable across restarts so messages claimed
	// before a crash are recovered.
	ConsumerName string

	// Now returns the current time. Tests can replace it.
	Now func() time.Time

	setupOnce sync.Once
	limiter   *rate.Limiter
	stop      context.CancelFunc
	wg        sync.WaitGroup
	stopSub   io.Closer

	mtx     sync.Mutex
	hosts   []string
	running map[string]context.CancelFunc

	mContainersRunning prometheus.Gauge
	mQueueDepth        prometheus.Gauge
	mScheduled         prometheus.Gauge
}

func (p *Pool) setup() {
	if p.Logger == nil {
		p.Logger = logrus.StandardLogger()
	}
	if p.Now == nil {
		p.Now = time.Now
	}
	if r := p.Config.Workers.MaxDispatchRate; r > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(r), 1)
	} else {
		p.limiter = rate.NewLimiter(rate.Inf, 0)
	}
	p.hosts = append([]string(nil), p.Config.Docker.Hosts...)
	p.running = map[string]context.CancelFunc{}
	p.registerMetrics(p.Registry)
}

func (p *Pool) registerMetrics(reg *prometheus.Registry) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	p.mContainersRunning = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "easyq",
		Subsystem: "worker",
		Name:      "containers_running",
		Help:      "Number of job containers being run by this process.",
	})
	reg.MustRegister(p.mContainersRunning)
	p.mQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "easyq",
		Subsystem: "worker",
		Name:      "queue_depth",
		Help:      "Number of jobs waiting in the work queue.",
	})
	reg.MustRegister(p.mQueueDepth)
	p.mScheduled = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "easyq",
		Subsystem: "worker",
		Name:      "scheduled_entries",
		Help:      "Number of delayed, retrying, and cron entries waiting in the schedule.",
	})
	reg.MustRegister(p.mScheduled)
}

// Start recovers messages left unacknowledged by a previous run of
// this process, and starts Config.Workers.Count consumers.
func (p *Pool) Start(ctx context.Context) error {
	p.setupOnce.Do(p.setup)
	ctx, p.stop = context.WithCancel(ctx)
	var err error
	p.stopSub, err = p.StopSignals.Subscribe(ctx, p.cancelJob)
	if err != nil {
		p.stop()
		return fmt.Errorf("subscribing to stop signals: %w", err)
	}
	for i := 0; i < p.Config.Workers.Count; i++ {
		consumer := fmt.Sprintf("%s-%d", p.ConsumerName, i)
		n, err := p.Queue.Recover(ctx, consumer)
		if err != nil {
			p.Stop()
			return fmt.Errorf("recovering unacknowledged messages: %w", err)
		} else if n > 0 {
			p.Logger.WithFields(logrus.Fields{"Consumer": consumer, "Recovered": n}).Info("requeued messages left over from previous run")
		}
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.consume(ctx, consumer)
		}()
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.runMetrics(ctx)
	}()
	return nil
}

// Stop stops claiming new jobs, and waits for running jobs to
// finish.
func (p *Pool) Stop() {
	p.stop()
	p.wg.Wait()
	if p.stopSub != nil {
		p.stopSub.Close()
		p.stopSub = nil
	}
}

// SetHosts replaces the list of candidate docker hosts. Jobs
// already running are not affected.
func (p *Pool) SetHosts(hosts []string) {
	p.setupOnce.Do(p.setup)
	p.mtx.Lock()
	defer p.mtx.Unlock()
	p.hosts = append([]string(nil), hosts...)
}

func (p *Pool) candidates() []string {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return p.hosts
}

// Running returns the number of jobs being run.
func (p *Pool) Running() int {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return len(p.running)
}

func (p *Pool) cancelJob(jobID string) {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	if cancel, ok := p.running[jobID]; ok {
		p.Logger.WithField("JobID", jobID).Info("stop requested")
		cancel()
	}
}

func (p *Pool) runMetrics(ctx context.Context) {
	ticker := time.NewTicker(metricsInterval)
	defer ticker.Stop()
	for {
		if n, err := p.Queue.Len(ctx); err == nil {
			p.mQueueDepth.Set(float64(n))
		}
		if n, err := p.Scheduler.Len(ctx); err == nil {
			p.mScheduled.Set(float64(n))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (p *Pool) consume(ctx context.Context, consumer string) {
	logger := p.Logger.WithField("Consumer", consumer)
	for ctx.Err() == nil {
		msg, err := p.Queue.Claim(ctx, consumer, p.Config.Queue.ClaimTimeout.Duration())
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.WithError(err).Warn("error claiming from work queue")
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
			continue
		}
		if msg == nil {
			continue
		}
		if p.handle(logger, msg) {
			if err := p.Queue.Ack(context.Background(), consumer, msg); err != nil {
				logger.WithError(err).WithField("MessageID", msg.ID).Warn("error acknowledging message")
			}
		}
	}
}

// handle runs the job referenced by msg, and returns true if the
// message should be acknowledged. Jobs are run with a context that
// is not cancelled when the pool stops, so they can finish.
func (p *Pool) handle(logger logrus.FieldLogger, msg *workqueue.Message) bool {
	ref := msg.Ref
	logger = logger.WithFields(logrus.Fields{
		"TaskID":    ref.TaskID,
		"JobID":     ref.JobID,
		"MessageID": msg.ID,
	})
	ctx := ctxlog.Context(context.Background(), logger)
	job, err := p.Store.GetJob(ctx, ref.JobID)
	if errors.Is(err, easyq.ErrNotFound) {
		logger.Warn("dropping message for nonexistent job")
		return true
	} else if err != nil {
		logger.WithError(err).Warn("error loading job")
		return p.deferMessage(ctx, logger, msg)
	}
	if job.Status.Final() {
		logger.WithField("Status", job.Status).Info("skipping job in final state")
		return true
	}
	if ref.Recurring {
		// Each cron tick runs as a new job; the job the cron
		// entry was created for stays scheduled.
		child, err := p.Store.CreateJob(ctx, job.TaskID, job.Image, job.Command, map[string]interface{}{
			easyq.MetaCronParent: job.JobID,
			easyq.MetaEnqueuedID: msg.ID,
		})
		if err != nil {
			logger.WithError(err).Warn("error creating job for cron tick")
			return p.deferMessage(ctx, logger, msg)
		}
		job = child
		logger = logger.WithField("JobID", job.JobID)
		ctx = ctxlog.Context(ctx, logger)
		logger.WithField("CronParent", ref.JobID).Info("created job for cron tick")
	}
	timeout := msg.Timeout.Duration()
	if timeout == 0 {
		timeout = p.Config.Workers.DefaultTimeout.Duration()
	}
	return p.run(ctx, logger, job, timeout)
}

// deferMessage schedules msg to be delivered again after the base
// retry delay. It returns false if that failed too, in which case
// the message stays claimed until the consumer restarts.
func (p *Pool) deferMessage(ctx context.Context, logger logrus.FieldLogger, msg *workqueue.Message) bool {
	_, err := p.Scheduler.ScheduleAt(ctx, p.Now().Add(p.Config.Workers.RetryBaseDelay.Duration()), msg.Ref, msg.Timeout.Duration())
	if err != nil {
		logger.WithError(err).Error("error deferring message, leaving it unacknowledged")
		return false
	}
	return true
}

func (p *Pool) run(ctx context.Context, logger logrus.FieldLogger, job easyq.Job, timeout time.Duration) bool {
	// Register before marking the job running: Stop only signals
	// jobs it sees running.
	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	p.mtx.Lock()
	p.running[job.JobID] = cancel
	p.mContainersRunning.Set(float64(len(p.running)))
	p.mtx.Unlock()
	defer func() {
		p.mtx.Lock()
		delete(p.running, job.JobID)
		p.mContainersRunning.Set(float64(len(p.running)))
		p.mtx.Unlock()
	}()
	job, err := p.Store.UpdateJob(ctx, job.JobID, easyq.StatusPatch(easyq.JobRunning, map[string]interface{}{
		easyq.MetaStartedAt: p.Now().UTC().Format(time.RFC3339Nano),
	}))
	if errors.Is(err, easyq.ErrInvalidTransition) || errors.Is(err, easyq.ErrNotFound) {
		// Cancelled (or finished by another worker) since we
		// loaded it.
		logger.WithError(err).Info("not running job")
		return true
	} else if err != nil {
		logger.WithError(err).Warn("error marking job running")
		return false
	}

	var result easyq.ExecutionResult
	err = p.limiter.Wait(jobCtx)
	if err == nil {
		var host string
		host, err = p.Selector.Select(jobCtx, p.candidates())
		if err == nil {
			logger = logger.WithField("Host", host)
			result, err = p.Executor.Run(ctxlog.Context(jobCtx, logger), host, job.Image, job.Command, timeout)
		}
	}
	if err == nil && jobCtx.Err() != nil && ctx.Err() == nil {
		// Stop signal arrived; whatever the container did, the
		// job was cancelled.
		result.Outcome = easyq.OutcomeCancelled
	}
	p.finish(ctx, logger, job, timeout, result, err)
	return true
}

func (p *Pool) finish(ctx context.Context, logger logrus.FieldLogger, job easyq.Job, timeout time.Duration, result easyq.ExecutionResult, err error) {
	now := p.Now().UTC()
	switch {
	case err == nil:
		status := result.Outcome.Status()
		md := result.Metadata()
		md[easyq.MetaFinishedAt] = now.Format(time.RFC3339Nano)
		p.update(ctx, logger, job.JobID, easyq.StatusPatch(status, md))
		p.report(metrics.EventFinished, status, result.Duration)
		logger.WithFields(logrus.Fields{
			"Status":   status,
			"ExitCode": result.ExitCode,
			"Output":   humanize.Bytes(uint64(len(result.Output))),
		}).Info("job finished")

	case errors.Is(err, context.Canceled):
		p.update(ctx, logger, job.JobID, easyq.StatusPatch(easyq.JobCancelled, map[string]interface{}{
			easyq.MetaFinishedAt: now.Format(time.RFC3339Nano),
		}))
		p.report(metrics.EventFinished, easyq.JobCancelled, time.Duration(0))
		logger.Info("job cancelled before it started")

	case easyq.IsFatal(err):
		p.fail(ctx, logger, job, now, err, nil)

	default:
		// Transient, or unclassified: try again later.
		attempt := job.RetryCount + 1
		if attempt >= p.Config.Workers.MaxRetries {
			p.fail(ctx, logger, job, now, fmt.Errorf("giving up after %d attempts: %w", attempt, err), &attempt)
			return
		}
		delay := backoff(p.Config.Workers.RetryBaseDelay.Duration(), p.Config.Workers.RetryMaxDelay.Duration(), attempt)
		retrying := easyq.JobRetrying
		job, uerr := p.Store.UpdateJob(ctx, job.JobID, easyq.JobPatch{
			Status:     &retrying,
			RetryCount: &attempt,
			Metadata:   map[string]interface{}{easyq.MetaError: err.Error()},
		})
		if uerr != nil {
			logger.WithError(uerr).Warn("error marking job retrying")
			return
		}
		handle, serr := p.Scheduler.ScheduleAt(ctx, now.Add(delay), job.Ref(), timeout)
		if serr != nil {
			p.fail(ctx, logger, job, now, fmt.Errorf("scheduling retry after %q: %w", err, serr), nil)
			return
		}
		p.update(ctx, logger, job.JobID, easyq.JobPatch{Metadata: map[string]interface{}{easyq.MetaEnqueuedID: handle}})
		p.report(metrics.EventRetried)
		logger.WithError(err).WithFields(logrus.Fields{
			"Attempt": attempt,
			"RetryAt": humanize.Time(now.Add(delay)),
		}).Warn("job failed with a transient error, will retry")
	}
}

func (p *Pool) fail(ctx context.Context, logger logrus.FieldLogger, job easyq.Job, now time.Time, err error, retryCount *int) {
	patch := easyq.StatusPatch(easyq.JobFailed, map[string]interface{}{
		easyq.MetaError:      err.Error(),
		easyq.MetaFinishedAt: now.Format(time.RFC3339Nano),
	})
	patch.RetryCount = retryCount
	p.update(ctx, logger, job.JobID, patch)
	p.report(metrics.EventFinished, easyq.JobFailed, time.Duration(0))
	logger.WithError(err).Warn("job failed")
}

func (p *Pool) update(ctx context.Context, logger logrus.FieldLogger, jobID string, patch easyq.JobPatch) {
	_, err := p.Store.UpdateJob(ctx, jobID, patch)
	if err != nil {
		logger.WithError(err).Warn("error updating job")
	}
}

func (p *Pool) report(event string, args ...interface{}) {
	if p.Reporter != nil {
		p.Reporter.ReportMetric(event, args...)
	}
}

// backoff returns base * 2^(attempt-1), capped at max.
func backoff(base, max time.Duration, attempt int) time.Duration {
	d := base
	for i := 1; i < attempt && d < max; i++ {
		d *= 2
	}
	if d > max {
		d = max
	}
	return d
}
