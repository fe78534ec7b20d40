package core

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const maxUpdateAttempts = 3

type EngineConfig struct {
	PollInterval    time.Duration
	JobTimeout      time.Duration
	CallTimeout     time.Duration
	SubmissionGrace time.Duration
	// TimeoutHeld applies JobTimeout to held jobs too. A held job may be a
	// print the user paused on purpose.
	TimeoutHeld bool
}

// CycleReport summarises one reconciliation cycle.
type CycleReport struct {
	Examined  int
	Changed   int
	Conflicts int
	Errors    int
	Skipped   bool
}

// Engine reconciles the local job records against the spooler. It is the
// only component that decides what a job's next status is.
type Engine struct {
	repo      Repository
	spooler   PrintService
	publisher Publisher
	cfg       EngineConfig
	log       logrus.FieldLogger
	now       func() time.Time

	cycleMu  sync.Mutex
	notifyCh chan struct{}
	stopCh   chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
	running  bool
	stopped  bool
}

func NewEngine(repo Repository, spooler PrintService, publisher Publisher, cfg EngineConfig, log logrus.FieldLogger) *Engine {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 5 * time.Minute
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	if log == nil {
		log = logrus.StandardLogger()
	}

	return &Engine{
		repo:      repo,
		spooler:   spooler,
		publisher: publisher,
		cfg:       cfg,
		log:       log.WithField("component", "sync"),
		now:       time.Now,
		notifyCh:  make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
	}
}

func (e *Engine) Start() {
	e.mu.Lock()
	if e.running || e.stopped {
		e.mu.Unlock()
		return
	}
	e.running = true
	e.wg.Add(1)
	e.mu.Unlock()

	go e.loop()

	e.log.WithField("interval", e.cfg.PollInterval.String()).Info("job sync engine started")
}

// Stop ends the loop and waits for in-flight cycles and cancel requests.
// A stopped engine cannot be restarted.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	e.running = false
	e.mu.Unlock()

	close(e.stopCh)
	e.wg.Wait()

	e.log.Info("job sync engine stopped")
}

// goBackground runs fn under the engine's wait group unless Stop has begun.
func (e *Engine) goBackground(fn func()) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return false
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn()
	}()
	return true
}

// Notify asks for a cycle as soon as possible. Calls coalesce.
func (e *Engine) Notify() {
	select {
	case e.notifyCh <- struct{}{}:
	default:
	}
}

func (e *Engine) loop() {
	defer e.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-e.stopCh
		cancel()
	}()

	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	e.RunCycle(ctx)

	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.RunCycle(ctx)
		case <-e.notifyCh:
			e.RunCycle(ctx)
		}
	}
}

type observation struct {
	attrs    *JobAttributes
	notFound bool
}

type decision struct {
	next            JobStatus
	fields          UpdateFields
	write           bool
	cancelAtSpooler bool
}

// RunCycle executes one poll-compare-update pass.
func (e *Engine) RunCycle(ctx context.Context) CycleReport {
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()

	var report CycleReport

	jobs, err := e.repo.GetActiveJobs(ctx)
	if err != nil {
		e.log.WithError(err).Error("failed to load active jobs")
		report.Errors++
		return report
	}
	report.Examined = len(jobs)
	if len(jobs) == 0 {
		return report
	}

	now := e.now()

	var tracked, unsubmitted []*Job
	for _, job := range jobs {
		if job.ExternalID == nil {
			unsubmitted = append(unsubmitted, job)
		} else {
			tracked = append(tracked, job)
		}
	}

	active := &ActiveJobs{}
	if len(tracked) > 0 {
		callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
		active, err = e.spooler.ListActiveJobs(callCtx)
		cancel()
		switch {
		case err == nil:
		case errors.Is(err, ErrPartialResult):
			e.log.WithError(err).Warn("spooler returned partial job list")
		default:
			e.log.WithError(err).Warn("spooler unreachable, skipping cycle")
			report.Skipped = true
			return report
		}
		if active == nil {
			active = &ActiveJobs{}
		}
	}

	for _, job := range unsubmitted {
		e.apply(ctx, job, now, &report, func(j *Job) decision {
			return e.decideUnsubmitted(j, now)
		})
	}

	spoolerDown := false
	for _, job := range tracked {
		if ctx.Err() != nil {
			return report
		}
		obs, ok := e.observe(ctx, job, active, &spoolerDown)
		if !ok {
			continue
		}
		e.apply(ctx, job, now, &report, func(j *Job) decision {
			return e.decide(j, obs, now)
		})
	}

	if report.Changed > 0 || report.Errors > 0 {
		e.log.WithFields(logrus.Fields{
			"examined":  report.Examined,
			"changed":   report.Changed,
			"conflicts": report.Conflicts,
			"errors":    report.Errors,
		}).Debug("sync cycle finished")
	}

	return report
}

// observe finds what the spooler knows about job. ok is false when nothing
// usable could be learned this tick.
func (e *Engine) observe(ctx context.Context, job *Job, active *ActiveJobs, spoolerDown *bool) (observation, bool) {
	extID := *job.ExternalID
	if attrs, ok := active.Jobs[extID]; ok {
		if _, incomplete := active.Incomplete[extID]; !incomplete {
			return observation{attrs: &attrs}, true
		}
	}

	if *spoolerDown {
		return observation{}, false
	}

	callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	attrs, err := e.spooler.GetJobAttributes(callCtx, extID)
	cancel()

	switch {
	case err == nil:
		return observation{attrs: attrs}, true
	case errors.Is(err, ErrNotFound):
		return observation{notFound: true}, true
	case errors.Is(err, ErrServiceUnavailable), errors.Is(err, context.DeadlineExceeded):
		*spoolerDown = true
		e.log.WithError(err).WithFields(logrus.Fields{
			"job_id":      job.ID,
			"cups_job_id": extID,
		}).Warn("spooler stopped answering, deferring remaining jobs to next tick")
		return observation{}, false
	default:
		// a degraded record only costs this job its tick
		e.log.WithError(err).WithFields(logrus.Fields{
			"job_id":      job.ID,
			"cups_job_id": extID,
		}).Warn("unusable spooler record, retrying job next tick")
		return observation{}, false
	}
}

func (e *Engine) decideUnsubmitted(job *Job, now time.Time) decision {
	if job.Status != JobStatusPending || job.ExternalID != nil || now.Sub(job.SubmittedAt) <= e.cfg.SubmissionGrace {
		return decision{}
	}
	msg := "submission never completed"
	zero := 0
	return decision{
		next:  JobStatusAborted,
		write: true,
		fields: UpdateFields{
			StatusMessage: &msg,
			PagesPrinted:  &zero,
			CompletedAt:   &now,
			SyncedAt:      &now,
			Unsubmitted:   true,
		},
	}
}

func (e *Engine) decide(job *Job, obs observation, now time.Time) decision {
	if job.CancelPending {
		return e.decideCancelPending(job, obs, now)
	}
	if job.Status.IsTerminal() {
		return decision{}
	}

	target := job.Status
	reportedTerminal := false
	var impressions *int
	var msg string

	if obs.notFound {
		target = JobStatusAborted
		msg = "job no longer known to the print service"
	} else {
		if st, ok := obs.attrs.State.LocalStatus(); ok {
			target = st
		} else {
			e.log.WithFields(logrus.Fields{
				"job_id": job.ID,
				"state":  int(obs.attrs.State),
			}).Warn("unknown spooler job state")
		}
		reportedTerminal = obs.attrs.State.IsTerminal()
		impressions = obs.attrs.ImpressionsCompleted
		msg = obs.attrs.StateMessage
	}

	if err := CheckTransition(job.Status, target, false); err != nil && !errors.Is(err, ErrNoChange) {
		target = job.Status
	}

	d := decision{next: target}
	pages := job.PagesPrinted

	if e.timedOut(job, target, now) && !reportedTerminal {
		d.next = JobStatusTimedOut
		if job.Status == JobStatusProcessing {
			msg = "job timed out but may have printed"
		} else {
			msg = "job timed out and was canceled"
			pages = 0
			d.cancelAtSpooler = true
		}
	}

	switch d.next {
	case JobStatusCompleted:
		if impressions != nil && *impressions > 0 {
			pages = *impressions
		} else {
			pages = job.PagesTotal
		}
	case JobStatusCanceled, JobStatusAborted:
		pages = 0
		if impressions != nil {
			pages = *impressions
		}
	case JobStatusTimedOut:
		if !d.cancelAtSpooler && impressions != nil {
			pages = *impressions
		}
	default:
		if impressions != nil {
			pages = *impressions
		}
	}

	if d.next == job.Status && pages == job.PagesPrinted {
		return d
	}

	d.write = true
	d.fields.SyncedAt = &now
	if pages != job.PagesPrinted {
		d.fields.PagesPrinted = &pages
	}
	if msg != "" {
		d.fields.StatusMessage = &msg
	}
	if d.next.IsTerminal() {
		d.fields.CompletedAt = &now
	}
	return d
}

// decideCancelPending settles a user cancel against what the spooler did.
// A real completed or aborted outcome overrides the cancel.
func (e *Engine) decideCancelPending(job *Job, obs observation, now time.Time) decision {
	cleared := false
	d := decision{
		next:  JobStatusCanceled,
		write: true,
		fields: UpdateFields{
			CancelPending: &cleared,
			SyncedAt:      &now,
		},
	}

	if obs.notFound {
		return d
	}

	impressions := obs.attrs.ImpressionsCompleted
	switch obs.attrs.State {
	case SpoolerCompleted:
		pages := job.PagesTotal
		if impressions != nil && *impressions > 0 {
			pages = *impressions
		}
		msg := obs.attrs.StateMessage
		if msg == "" {
			msg = "job completed before cancel took effect"
		}
		d.next = JobStatusCompleted
		d.fields.PagesPrinted = &pages
		d.fields.StatusMessage = &msg
	case SpoolerAborted:
		pages := 0
		if impressions != nil {
			pages = *impressions
		}
		d.next = JobStatusAborted
		d.fields.PagesPrinted = &pages
		if msg := obs.attrs.StateMessage; msg != "" {
			d.fields.StatusMessage = &msg
		}
	case SpoolerCanceled:
		if impressions != nil {
			pages := *impressions
			d.fields.PagesPrinted = &pages
		}
	default:
		return decision{cancelAtSpooler: true}
	}
	return d
}

func (e *Engine) timedOut(job *Job, target JobStatus, now time.Time) bool {
	if !job.Status.IsActive() {
		return false
	}
	if target == JobStatusHeld && !e.cfg.TimeoutHeld {
		return false
	}
	return now.Sub(job.SubmittedAt) > e.cfg.JobTimeout
}

// apply persists the decision for job, recomputing it on the freshly read
// record whenever the optimistic update loses a race.
func (e *Engine) apply(ctx context.Context, job *Job, now time.Time, report *CycleReport, decide func(*Job) decision) {
	current := job
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		d := decide(current)
		if !d.write {
			if d.cancelAtSpooler {
				e.cancelAtSpooler(ctx, current)
			}
			return
		}

		err := e.repo.UpdateStatus(ctx, current.ID, current.Status, d.next, d.fields)
		if err == nil {
			if d.next != current.Status {
				report.Changed++
				e.publish(current, d, now)
			}
			if d.cancelAtSpooler {
				e.cancelAtSpooler(ctx, current)
			}
			return
		}

		if !errors.Is(err, ErrConflict) {
			report.Errors++
			e.log.WithError(err).WithField("job_id", current.ID).Error("failed to persist job update")
			return
		}

		report.Conflicts++
		fresh, err := e.repo.GetJob(ctx, current.ID)
		if err != nil {
			report.Errors++
			e.log.WithError(err).WithField("job_id", current.ID).Error("failed to re-read job after conflict")
			return
		}
		if fresh.Status.IsTerminal() && !fresh.CancelPending {
			return
		}
		current = fresh
	}

	e.log.WithField("job_id", job.ID).Warn("giving up on job update after repeated conflicts")
}

func (e *Engine) publish(job *Job, d decision, now time.Time) {
	evt := JobEvent{
		JobID:     job.ID,
		UserID:    job.UserID,
		OldStatus: job.Status,
		NewStatus: d.next,
		Timestamp: now,
	}
	if d.fields.PagesPrinted != nil {
		pages := *d.fields.PagesPrinted
		evt.PagesPrinted = &pages
	} else if d.next.IsTerminal() {
		pages := job.PagesPrinted
		evt.PagesPrinted = &pages
	}

	e.log.WithFields(logrus.Fields{
		"job_id":     job.ID,
		"old_status": job.Status,
		"new_status": d.next,
	}).Info("job status changed")

	if e.publisher != nil {
		e.publisher.Publish(evt)
	}
}

func (e *Engine) cancelAtSpooler(ctx context.Context, job *Job) {
	if job.ExternalID == nil {
		return
	}
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()

	err := e.spooler.CancelJob(callCtx, *job.ExternalID)
	if err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, ErrAlreadyTerminal) {
		return
	}
	e.log.WithError(err).WithFields(logrus.Fields{
		"job_id":      job.ID,
		"cups_job_id": *job.ExternalID,
	}).Warn("failed to cancel job at spooler")
}
