package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/orrn/printsync/internal/core"
)

const (
	defaultPerPage = 20
	maxPerPage     = 100
)

// JobStore is the SQLite implementation of core.Repository.
type JobStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewJobStore(conn *sql.DB) *JobStore {
	return &JobStore{db: conn, now: time.Now}
}

func (s *JobStore) CreateJob(ctx context.Context, j *core.Job) error {
	_, err := s.db.ExecContext(ctx, InsertJob,
		j.ID, nullInt(j.ExternalID), j.UserID, j.PrinterName, j.FileName, string(j.ColorMode),
		string(j.Status), j.StatusMessage, j.CancelPending, j.PagesTotal, j.PagesPrinted,
		j.SubmittedAt.UTC(), j.UpdatedAt.UTC(), nullTime(j.LastSyncedAt), nullTime(j.CompletedAt))
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

func (s *JobStore) GetJob(ctx context.Context, id string) (*core.Job, error) {
	j, err := scanJob(s.db.QueryRowContext(ctx, GetJobByID, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return j, nil
}

// GetJobForUser returns the job only when userID owns it.
func (s *JobStore) GetJobForUser(ctx context.Context, id, userID string) (*core.Job, error) {
	j, err := scanJob(s.db.QueryRowContext(ctx, GetJobByIDForUser, id, userID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return j, nil
}

func (s *JobStore) GetActiveJobs(ctx context.Context) ([]*core.Job, error) {
	rows, err := s.db.QueryContext(ctx, GetActiveJobs)
	if err != nil {
		return nil, fmt.Errorf("failed to list active jobs: %w", err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

func (s *JobStore) GetActiveJobsForUser(ctx context.Context, userID string) ([]*core.Job, error) {
	rows, err := s.db.QueryContext(ctx, GetActiveJobsForUser, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list active jobs: %w", err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

// UpdateStatus applies next and fields only if the stored status is still
// expected, and with f.Unsubmitted only while no cups job id is stored. It
// returns core.ErrConflict when another writer got there first.
func (s *JobStore) UpdateStatus(ctx context.Context, id string, expected, next core.JobStatus, f core.UpdateFields) error {
	var cancelPending interface{}
	if f.CancelPending != nil {
		cancelPending = *f.CancelPending
	}
	var msg interface{}
	if f.StatusMessage != nil {
		msg = *f.StatusMessage
	}

	result, err := s.db.ExecContext(ctx, UpdateJobStatus,
		string(next), nullInt(f.ExternalID), nullInt(f.PagesPrinted), msg, cancelPending,
		nullTime(f.CompletedAt), nullTime(f.SyncedAt), s.now().UTC(),
		id, string(expected), f.Unsubmitted)
	if err != nil {
		return fmt.Errorf("failed to update job status: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n > 0 {
		return nil
	}

	var count int
	if err := s.db.QueryRowContext(ctx, JobExists, id).Scan(&count); err != nil {
		return fmt.Errorf("failed to check job: %w", err)
	}
	if count == 0 {
		return core.ErrJobNotFound
	}
	return core.ErrConflict
}

// ListJobs returns one page of a user's jobs, newest first.
func (s *JobStore) ListJobs(ctx context.Context, filter JobFilter) (*JobPage, error) {
	conditions := []string{"user_id = ?"}
	args := []interface{}{filter.UserID}

	if statuses := filter.Status.statuses(); len(statuses) > 0 {
		placeholders := make([]string, len(statuses))
		for i, st := range statuses {
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		conditions = append(conditions, "status IN ("+strings.Join(placeholders, ", ")+")")
	}
	if filter.ColorMode.Valid() {
		conditions = append(conditions, "color_mode = ?")
		args = append(args, string(filter.ColorMode))
	}
	if filter.FromDate != nil {
		conditions = append(conditions, "submitted_at >= ?")
		args = append(args, filter.FromDate.UTC())
	}
	if filter.ToDate != nil {
		conditions = append(conditions, "submitted_at <= ?")
		args = append(args, filter.ToDate.UTC())
	}
	where := " WHERE " + strings.Join(conditions, " AND ")

	page := filter.Page
	if page < 1 {
		page = 1
	}
	perPage := filter.PerPage
	if perPage <= 0 {
		perPage = defaultPerPage
	}
	if perPage > maxPerPage {
		perPage = maxPerPage
	}

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM print_jobs"+where, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}

	query := "SELECT " + jobColumns + " FROM print_jobs" + where +
		" ORDER BY submitted_at DESC, id DESC LIMIT ? OFFSET ?"
	rows, err := s.db.QueryContext(ctx, query, append(args, perPage, (page-1)*perPage)...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	jobs, err := scanJobs(rows)
	if err != nil {
		return nil, err
	}
	if jobs == nil {
		jobs = []*core.Job{}
	}

	pages := (total + perPage - 1) / perPage
	return &JobPage{
		Jobs:    jobs,
		Page:    page,
		PerPage: perPage,
		Total:   total,
		Pages:   pages,
		HasNext: page < pages,
		HasPrev: page > 1,
	}, nil
}

// Stats counts a user's jobs and printed pages. Pages only count once a job
// is terminal.
func (s *JobStore) Stats(ctx context.Context, userID string) (*JobStats, error) {
	st := &JobStats{}
	err := s.db.QueryRowContext(ctx, JobStatsForUser, userID).Scan(
		&st.TotalJobs, &st.PendingJobs, &st.RGBPages, &st.GrayPages)
	if err != nil {
		return nil, fmt.Errorf("failed to compute job stats: %w", err)
	}
	st.TotalPages = st.RGBPages + st.GrayPages
	return st, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*core.Job, error) {
	var (
		j                     core.Job
		extID                 sql.NullInt64
		colorMode, status     string
		lastSynced, completed sql.NullTime
	)
	err := row.Scan(
		&j.ID, &extID, &j.UserID, &j.PrinterName, &j.FileName, &colorMode, &status,
		&j.StatusMessage, &j.CancelPending, &j.PagesTotal, &j.PagesPrinted,
		&j.SubmittedAt, &j.UpdatedAt, &lastSynced, &completed)
	if err != nil {
		return nil, err
	}

	j.ColorMode = core.ColorMode(colorMode)
	j.Status = core.JobStatus(status)
	if extID.Valid {
		v := int(extID.Int64)
		j.ExternalID = &v
	}
	if lastSynced.Valid {
		t := lastSynced.Time
		j.LastSyncedAt = &t
	}
	if completed.Valid {
		t := completed.Time
		j.CompletedAt = &t
	}
	return &j, nil
}

func scanJobs(rows *sql.Rows) ([]*core.Job, error) {
	var jobs []*core.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func nullInt(p *int) interface{} {
	if p == nil {
		return nil
	}
	return int64(*p)
}

func nullTime(p *time.Time) interface{} {
	if p == nil {
		return nil
	}
	return p.UTC()
}
