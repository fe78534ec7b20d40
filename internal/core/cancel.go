package core

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"
)

// Cancel marks a job canceled on behalf of its owner and forwards the cancel
// to the spooler in the background. When the job already reached the spooler
// the cancel stays provisional until the next cycle confirms it.
func (e *Engine) Cancel(ctx context.Context, jobID string) (*Job, error) {
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		job, err := e.repo.GetJob(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if job.Status.IsTerminal() {
			return job, ErrAlreadyTerminal
		}

		now := e.now()
		pending := job.ExternalID != nil
		msg := "canceled by user"
		fields := UpdateFields{
			StatusMessage: &msg,
			CancelPending: &pending,
			CompletedAt:   &now,
		}

		err = e.repo.UpdateStatus(ctx, job.ID, job.Status, JobStatusCanceled, fields)
		if errors.Is(err, ErrConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}

		e.publish(job, decision{next: JobStatusCanceled, fields: fields}, now)

		updated := job.Clone()
		updated.Status = JobStatusCanceled
		updated.StatusMessage = msg
		updated.CancelPending = pending
		updated.CompletedAt = &now
		updated.UpdatedAt = now

		if pending {
			extID := *job.ExternalID
			if !e.goBackground(func() { e.forwardCancel(job.ID, extID) }) {
				e.log.WithField("job_id", job.ID).Info("engine stopped, cancel left for the next sync")
			}
		}
		return updated, nil
	}
	return nil, ErrConflict
}

func (e *Engine) forwardCancel(jobID string, externalID int) {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.CallTimeout)
	defer cancel()

	err := e.spooler.CancelJob(ctx, externalID)
	log := e.log.WithFields(logrus.Fields{"job_id": jobID, "cups_job_id": externalID})
	switch {
	case err == nil:
		log.Info("cancel forwarded to spooler")
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrAlreadyTerminal):
		log.WithError(err).Debug("spooler had already finished the job")
	default:
		log.WithError(err).Warn("failed to forward cancel, will retry on next cycle")
	}
	e.Notify()
}
