package db

import (
	"encoding/json"
	"time"

	"github.com/orrn/printsync/internal/core"
)

type Webhook struct {
	ID         int64     `json:"id"`
	Name       string    `json:"name"`
	URL        string    `json:"url"`
	Secret     string    `json:"secret,omitempty"`
	EventsJSON string    `json:"-"`
	Enabled    bool      `json:"enabled"`
	CreatedAt  time.Time `json:"created_at"`
}

// Events decodes the subscribed event names. A malformed column yields nil.
func (w *Webhook) Events() []string {
	var events []string
	if err := json.Unmarshal([]byte(w.EventsJSON), &events); err != nil {
		return nil
	}
	return events
}

func (w *Webhook) SetEvents(events []string) {
	if events == nil {
		events = []string{}
	}
	b, _ := json.Marshal(events)
	w.EventsJSON = string(b)
}

// MarshalJSON exposes events as a list instead of the raw column.
func (w Webhook) MarshalJSON() ([]byte, error) {
	type alias Webhook
	return json.Marshal(struct {
		alias
		Events []string `json:"events"`
	}{alias(w), w.Events()})
}

// StatusGroup selects a family of statuses in job listings.
type StatusGroup string

const (
	StatusGroupAll       StatusGroup = "all"
	StatusGroupCompleted StatusGroup = "completed"
	StatusGroupFailed    StatusGroup = "failed"
	StatusGroupPending   StatusGroup = "pending"
)

func (g StatusGroup) statuses() []core.JobStatus {
	switch g {
	case StatusGroupCompleted:
		return []core.JobStatus{core.JobStatusCompleted}
	case StatusGroupFailed:
		return []core.JobStatus{core.JobStatusCanceled, core.JobStatusAborted, core.JobStatusTimedOut}
	case StatusGroupPending:
		return core.ActiveStatuses
	default:
		return nil
	}
}

type JobFilter struct {
	UserID    string
	Status    StatusGroup
	ColorMode core.ColorMode
	FromDate  *time.Time
	ToDate    *time.Time
	Page      int
	PerPage   int
}

type JobPage struct {
	Jobs    []*core.Job `json:"jobs"`
	Page    int         `json:"page"`
	PerPage int         `json:"per_page"`
	Total   int         `json:"total"`
	Pages   int         `json:"pages"`
	HasNext bool        `json:"has_next"`
	HasPrev bool        `json:"has_prev"`
}

type JobStats struct {
	TotalJobs   int `json:"total_jobs"`
	PendingJobs int `json:"pending_jobs"`
	TotalPages  int `json:"total_pages"`
	RGBPages    int `json:"rgb_pages"`
	GrayPages   int `json:"gray_pages"`
}
