package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/orrn/printsync/internal/api/middleware"
	"github.com/orrn/printsync/internal/core"
	"github.com/orrn/printsync/internal/db"
	"github.com/orrn/printsync/internal/events"
)

const dateLayout = "2006-01-02"

type JobStore interface {
	GetJobForUser(ctx context.Context, id, userID string) (*core.Job, error)
	GetActiveJobsForUser(ctx context.Context, userID string) ([]*core.Job, error)
	ListJobs(ctx context.Context, filter db.JobFilter) (*db.JobPage, error)
	Stats(ctx context.Context, userID string) (*db.JobStats, error)
}

type Canceler interface {
	Cancel(ctx context.Context, jobID string) (*core.Job, error)
}

type Subscriber interface {
	Subscribe(userID string) *events.Subscription
}

type ListJobsQuery struct {
	Status    string `form:"status"`
	ColorMode string `form:"color_mode"`
	StartDate string `form:"start_date"`
	EndDate   string `form:"end_date"`
	Page      int    `form:"page"`
	PerPage   int    `form:"per_page" binding:"omitempty,min=1,max=100"`
}

type CancelResponse struct {
	Status string    `json:"status"`
	Job    *core.Job `json:"job"`
}

type JobHandler struct {
	jobs     JobStore
	canceler Canceler
	bus      Subscriber
	log      logrus.FieldLogger
}

func NewJobHandler(jobs JobStore, canceler Canceler, bus Subscriber, log logrus.FieldLogger) *JobHandler {
	return &JobHandler{
		jobs:     jobs,
		canceler: canceler,
		bus:      bus,
		log:      log.WithField("component", "api"),
	}
}

func (h *JobHandler) GetJob(c *gin.Context) {
	job, err := h.jobs.GetJobForUser(c.Request.Context(), c.Param("id"), middleware.UserID(c))
	if err != nil {
		h.jobError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (h *JobHandler) ListJobs(c *gin.Context) {
	var query ListJobsQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "validation_error", Message: err.Error()})
		return
	}

	filter := db.JobFilter{
		UserID:    middleware.UserID(c),
		Status:    db.StatusGroup(query.Status),
		ColorMode: core.ColorMode(query.ColorMode),
		Page:      query.Page,
		PerPage:   query.PerPage,
	}

	if query.StartDate != "" {
		from, err := time.Parse(dateLayout, query.StartDate)
		if err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid_date", Message: "start_date must be YYYY-MM-DD"})
			return
		}
		filter.FromDate = &from
	}
	if query.EndDate != "" {
		to, err := time.Parse(dateLayout, query.EndDate)
		if err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid_date", Message: "end_date must be YYYY-MM-DD"})
			return
		}
		// inclusive of the whole end day
		to = to.Add(24*time.Hour - time.Nanosecond)
		filter.ToDate = &to
	}

	page, err := h.jobs.ListJobs(c.Request.Context(), filter)
	if err != nil {
		h.log.WithError(err).Error("failed to list jobs")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "database_error", Message: "Failed to list jobs"})
		return
	}
	c.JSON(http.StatusOK, page)
}

func (h *JobHandler) GetJobStats(c *gin.Context) {
	stats, err := h.jobs.Stats(c.Request.Context(), middleware.UserID(c))
	if err != nil {
		h.log.WithError(err).Error("failed to compute job stats")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "database_error", Message: "Failed to compute job stats"})
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (h *JobHandler) CancelJob(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	if _, err := h.jobs.GetJobForUser(ctx, id, middleware.UserID(c)); err != nil {
		h.jobError(c, err)
		return
	}

	job, err := h.canceler.Cancel(ctx, id)
	switch {
	case errors.Is(err, core.ErrAlreadyTerminal):
		c.JSON(http.StatusConflict, ErrorResponse{Error: "already_terminal", Message: "Job has already finished"})
	case err != nil:
		h.jobError(c, err)
	default:
		c.JSON(http.StatusOK, CancelResponse{Status: "canceled", Job: job})
	}
}

// StreamJobs sends the user's active jobs, then every status change, as
// server-sent events until the client goes away.
func (h *JobHandler) StreamJobs(c *gin.Context) {
	ctx := c.Request.Context()
	userID := middleware.UserID(c)

	// subscribe before the snapshot so no change falls between them
	sub := h.bus.Subscribe(userID)
	defer sub.Close()

	initial := gin.H{}
	active, err := h.jobs.GetActiveJobsForUser(ctx, userID)
	if err != nil {
		h.log.WithError(err).WithField("user_id", userID).Error("failed to fetch active jobs for stream")
		initial["error"] = "Failed to fetch active jobs"
	}
	if active == nil {
		active = []*core.Job{}
	}
	initial["active_jobs"] = active

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	c.SSEvent("connected", initial)
	c.Writer.Flush()

	c.Stream(func(w io.Writer) bool {
		msg, err := sub.Next(ctx)
		if err != nil {
			return false
		}
		if msg.KeepAlive {
			_, err := io.WriteString(w, ": keepalive\n\n")
			return err == nil
		}
		c.SSEvent("job-update", msg.Event)
		return true
	})

	if dropped := sub.Dropped(); dropped > 0 {
		h.log.WithFields(logrus.Fields{"user_id": userID, "dropped": dropped}).Info("stream closed with dropped events")
	}
}

func (h *JobHandler) jobError(c *gin.Context, err error) {
	if errors.Is(err, core.ErrJobNotFound) {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "not_found", Message: "Job not found"})
		return
	}
	h.log.WithError(err).WithField("job_id", c.Param("id")).Error("job request failed")
	c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal_error", Message: "Failed to process job"})
}

func (h *JobHandler) RegisterRoutes(r *gin.RouterGroup) {
	jobs := r.Group("/jobs")
	{
		jobs.GET("", h.ListJobs)
		jobs.GET("/stats", h.GetJobStats)
		jobs.GET("/stream", h.StreamJobs)
		jobs.GET("/:id", h.GetJob)
		jobs.POST("/:id/cancel", h.CancelJob)
	}
}
