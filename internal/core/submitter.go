package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

type Notifier interface {
	Notify()
}

type SubmitRequest struct {
	UserID      string
	PrinterName string
	FilePath    string
	FileName    string
	PagesTotal  int
	ColorMode   ColorMode
	Copies      int
	Options     map[string]string
}

// Submitter creates job records and hands the documents to the spooler.
type Submitter struct {
	repo        Repository
	spooler     PrintService
	publisher   Publisher
	notifier    Notifier
	callTimeout time.Duration
	log         logrus.FieldLogger
	now         func() time.Time
}

func NewSubmitter(repo Repository, spooler PrintService, publisher Publisher, notifier Notifier, callTimeout time.Duration, log logrus.FieldLogger) *Submitter {
	if callTimeout <= 0 {
		callTimeout = 10 * time.Second
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Submitter{
		repo:        repo,
		spooler:     spooler,
		publisher:   publisher,
		notifier:    notifier,
		callTimeout: callTimeout,
		log:         log.WithField("component", "submitter"),
		now:         time.Now,
	}
}

// Submit creates the job in pending and submits it. On a spooler refusal the
// job is marked aborted and the returned job carries the final state.
func (s *Submitter) Submit(ctx context.Context, req SubmitRequest) (*Job, error) {
	if req.UserID == "" {
		return nil, errors.New("user id is required")
	}
	if req.PrinterName == "" {
		return nil, errors.New("printer name is required")
	}
	if req.FilePath == "" {
		return nil, errors.New("file path is required")
	}

	colorMode := req.ColorMode
	if !colorMode.Valid() {
		colorMode = DetectColorMode(req.Options)
	}
	if req.Copies <= 0 {
		req.Copies = 1
	}

	now := s.now()
	job := &Job{
		ID:            NewJobID(),
		UserID:        req.UserID,
		PrinterName:   req.PrinterName,
		FileName:      req.FileName,
		ColorMode:     colorMode,
		Status:        JobStatusPending,
		StatusMessage: "Submitting to printer...",
		PagesTotal:    req.PagesTotal,
		SubmittedAt:   now,
		UpdatedAt:     now,
	}
	if err := s.repo.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	log := s.log.WithFields(logrus.Fields{"job_id": job.ID, "printer": req.PrinterName})

	callCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
	extID, err := s.spooler.SubmitJob(callCtx, req.PrinterName, req.FilePath, SubmitOptions{
		Title:     req.FileName,
		Copies:    req.Copies,
		ColorMode: colorMode,
		Extra:     req.Options,
	})
	cancel()
	if err != nil {
		log.WithError(err).Warn("spooler rejected print job")
		return s.abort(ctx, job, err), err
	}

	log = log.WithField("cups_job_id", extID)
	if err := s.attach(ctx, job, extID); err != nil {
		log.WithError(err).Error("failed to record spooler job id")
		return job, fmt.Errorf("failed to record spooler job id: %w", err)
	}
	log.Info("print job submitted")

	if s.notifier != nil {
		s.notifier.Notify()
	}
	return job, nil
}

func (s *Submitter) abort(ctx context.Context, job *Job, cause error) *Job {
	now := s.now()
	reason := cause.Error()
	var subErr *SubmissionError
	if errors.As(cause, &subErr) {
		reason = subErr.Reason
	}
	msg := "Failed to submit: " + reason
	zero := 0

	err := s.repo.UpdateStatus(ctx, job.ID, JobStatusPending, JobStatusAborted, UpdateFields{
		StatusMessage: &msg,
		PagesPrinted:  &zero,
		CompletedAt:   &now,
	})
	if err != nil {
		s.log.WithError(err).WithField("job_id", job.ID).Error("failed to mark job aborted")
		return job
	}

	old := job.Status
	job.Status = JobStatusAborted
	job.StatusMessage = msg
	job.CompletedAt = &now
	job.UpdatedAt = now

	if s.publisher != nil {
		s.publisher.Publish(JobEvent{
			JobID:        job.ID,
			UserID:       job.UserID,
			OldStatus:    old,
			NewStatus:    JobStatusAborted,
			PagesPrinted: &zero,
			Timestamp:    now,
		})
	}
	return job
}

// attach records the spooler id while the job is still pending. A job that
// was cancelled or given up on meanwhile still gets the id, and the spooler
// copy is cancelled.
func (s *Submitter) attach(ctx context.Context, job *Job, extID int) error {
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		fields := UpdateFields{ExternalID: &extID}
		if job.Status.IsTerminal() {
			pending := job.Status == JobStatusCanceled
			fields.CancelPending = &pending
		} else {
			msg := "Submitted to printer"
			fields.StatusMessage = &msg
		}

		err := s.repo.UpdateStatus(ctx, job.ID, job.Status, job.Status, fields)
		if err == nil {
			job.ExternalID = &extID
			if fields.CancelPending != nil {
				job.CancelPending = *fields.CancelPending
				s.cancelOrphan(ctx, job.ID, extID)
			} else {
				job.StatusMessage = *fields.StatusMessage
			}
			return nil
		}
		if !errors.Is(err, ErrConflict) {
			return err
		}

		fresh, err := s.repo.GetJob(ctx, job.ID)
		if err != nil {
			return err
		}
		*job = *fresh
	}
	return ErrConflict
}

func (s *Submitter) cancelOrphan(ctx context.Context, jobID string, extID int) {
	callCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()
	err := s.spooler.CancelJob(callCtx, extID)
	if err != nil && !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrAlreadyTerminal) {
		s.log.WithError(err).WithFields(logrus.Fields{
			"job_id":      jobID,
			"cups_job_id": extID,
		}).Warn("failed to cancel spooler copy of finished job")
	}
}

var colorIndicators = []struct {
	option string
	values map[string]ColorMode
}{
	{"ColorModel", map[string]ColorMode{
		"rgb": ColorModeRGB, "cmyk": ColorModeRGB, "cmy": ColorModeRGB, "color": ColorModeRGB,
		"gray": ColorModeGray, "grayscale": ColorModeGray, "black": ColorModeGray,
	}},
	{"print-color-mode", map[string]ColorMode{
		"color": ColorModeRGB, "auto": ColorModeRGB, "monochrome": ColorModeGray,
	}},
	{"output-mode", map[string]ColorMode{
		"color": ColorModeRGB, "grayscale": ColorModeGray,
	}},
	{"HPColorMode", map[string]ColorMode{
		"colorprint": ColorModeRGB, "grayscaleprint": ColorModeGray,
	}},
	{"CNColorMode", map[string]ColorMode{
		"color": ColorModeRGB, "mono": ColorModeGray,
	}},
}

// DetectColorMode infers the billing color mode from submitted print
// options. Unknown or missing options count as color.
func DetectColorMode(options map[string]string) ColorMode {
	for _, ind := range colorIndicators {
		value, ok := options[ind.option]
		if !ok {
			continue
		}
		if mode, ok := ind.values[strings.ToLower(value)]; ok {
			return mode
		}
	}
	return ColorModeRGB
}
