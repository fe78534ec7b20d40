package core

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	ErrServiceUnavailable = errors.New("print service unavailable")
	ErrNotFound           = errors.New("job not found at print service")
	ErrPartialResult      = errors.New("print service returned partial result")
	ErrAlreadyTerminal    = errors.New("job already in terminal state")
	ErrConflict           = errors.New("job status changed concurrently")
	ErrJobNotFound        = errors.New("job not found")
	ErrDowngrade          = errors.New("status downgrade rejected")
	ErrNoChange           = errors.New("status unchanged")
	ErrInvalidStatus      = errors.New("invalid job status")
)

// SubmissionError is returned when the spooler refuses a new job.
type SubmissionError struct {
	Reason string
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("submission failed: %s", e.Reason)
}

type ColorMode string

const (
	ColorModeRGB  ColorMode = "rgb"
	ColorModeGray ColorMode = "gray"
)

func (m ColorMode) Valid() bool {
	return m == ColorModeRGB || m == ColorModeGray
}

type Job struct {
	ID            string     `json:"id"`
	ExternalID    *int       `json:"cups_job_id,omitempty"`
	UserID        string     `json:"user_id"`
	PrinterName   string     `json:"printer_name"`
	FileName      string     `json:"filename"`
	ColorMode     ColorMode  `json:"color_mode"`
	Status        JobStatus  `json:"status"`
	StatusMessage string     `json:"status_message,omitempty"`
	CancelPending bool       `json:"cancel_pending"`
	PagesTotal    int        `json:"page_count"`
	PagesPrinted  int        `json:"pages_printed"`
	SubmittedAt   time.Time  `json:"submitted_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	LastSyncedAt  *time.Time `json:"last_synced_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

func (j *Job) Clone() *Job {
	c := *j
	if j.ExternalID != nil {
		v := *j.ExternalID
		c.ExternalID = &v
	}
	if j.LastSyncedAt != nil {
		v := *j.LastSyncedAt
		c.LastSyncedAt = &v
	}
	if j.CompletedAt != nil {
		v := *j.CompletedAt
		c.CompletedAt = &v
	}
	return &c
}

// NewJobID returns a 22 character URL-safe identifier.
func NewJobID() string {
	id := uuid.New()
	return base64.RawURLEncoding.EncodeToString(id[:])
}

// JobEvent is an immutable snapshot of one observed status change.
type JobEvent struct {
	JobID        string    `json:"jobId"`
	UserID       string    `json:"-"`
	OldStatus    JobStatus `json:"oldStatus"`
	NewStatus    JobStatus `json:"newStatus"`
	PagesPrinted *int      `json:"pagesPrinted,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// UpdateFields carries the optional column changes applied together with a
// status update. Nil pointers leave the stored value untouched.
type UpdateFields struct {
	ExternalID    *int
	PagesPrinted  *int
	StatusMessage *string
	CancelPending *bool
	CompletedAt   *time.Time
	SyncedAt      *time.Time
	// Unsubmitted makes the update conditional on no spooler id being
	// recorded yet.
	Unsubmitted   bool
}

// JobAttributes is what the spooler reports about one job.
type JobAttributes struct {
	ExternalID           int
	State                SpoolerState
	StateMessage         string
	StateReasons         []string
	ImpressionsCompleted *int
	Name                 string
	Printer              string
}

// ActiveJobs is the bulk answer of ListActiveJobs. Incomplete holds ids the
// spooler listed without a usable state.
type ActiveJobs struct {
	Jobs       map[int]JobAttributes
	Incomplete map[int]struct{}
}

type SubmitOptions struct {
	Title     string
	Copies    int
	ColorMode ColorMode
	Extra     map[string]string
}

// PrintService is the narrow view of the external spooler.
type PrintService interface {
	ListActiveJobs(ctx context.Context) (*ActiveJobs, error)
	GetJobAttributes(ctx context.Context, externalID int) (*JobAttributes, error)
	CancelJob(ctx context.Context, externalID int) error
	SubmitJob(ctx context.Context, printer, filePath string, opts SubmitOptions) (int, error)
}

// Repository is the durable job store. UpdateStatus must only apply when the
// stored status still equals expected, and returns ErrConflict otherwise.
type Repository interface {
	CreateJob(ctx context.Context, job *Job) error
	GetJob(ctx context.Context, id string) (*Job, error)
	GetActiveJobs(ctx context.Context) ([]*Job, error)
	UpdateStatus(ctx context.Context, id string, expected, next JobStatus, fields UpdateFields) error
}

type Publisher interface {
	Publish(event JobEvent)
}
