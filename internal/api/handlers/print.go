package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/sirupsen/logrus"

	"github.com/orrn/printsync/internal/api/middleware"
	"github.com/orrn/printsync/internal/core"
)

// Form fields that are not print options.
var reservedFields = map[string]bool{
	"file":    true,
	"printer": true,
	"copies":  true,
}

type JobSubmitter interface {
	Submit(ctx context.Context, req core.SubmitRequest) (*core.Job, error)
}

type SubmitErrorResponse struct {
	Error   string    `json:"error"`
	Message string    `json:"message"`
	Job     *core.Job `json:"job,omitempty"`
}

type PrintHandler struct {
	submitter  JobSubmitter
	uploadDir  string
	maxBytes   int64
	countPages func(path string) (int, error)
	log        logrus.FieldLogger
}

func NewPrintHandler(submitter JobSubmitter, uploadDir string, maxBytes int64, log logrus.FieldLogger) *PrintHandler {
	return &PrintHandler{
		submitter:  submitter,
		uploadDir:  uploadDir,
		maxBytes:   maxBytes,
		countPages: api.PageCountFile,
		log:        log.WithField("component", "api"),
	}
}

func (h *PrintHandler) Print(c *gin.Context) {
	// room for the multipart envelope on top of the document
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxBytes+1<<20)

	fh, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, ErrorResponse{Error: "file_too_large", Message: "File exceeds the upload limit"})
			return
		}
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "no_file", Message: "No file selected"})
		return
	}

	printer := strings.TrimSpace(c.PostForm("printer"))
	if printer == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "validation_error", Message: "printer is required"})
		return
	}
	if fh.Size > h.maxBytes {
		c.JSON(http.StatusRequestEntityTooLarge, ErrorResponse{Error: "file_too_large", Message: "File exceeds the upload limit"})
		return
	}

	fileName := filepath.Base(fh.Filename)
	if !strings.EqualFold(filepath.Ext(fileName), ".pdf") {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid_file", Message: "Only PDF files are allowed"})
		return
	}

	copies := 1
	if raw := c.PostForm("copies"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "validation_error", Message: "copies must be a positive number"})
			return
		}
		copies = n
	}

	if err := os.MkdirAll(h.uploadDir, 0o750); err != nil {
		h.log.WithError(err).Error("failed to create upload directory")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "storage_error", Message: "Failed to store upload"})
		return
	}
	path := filepath.Join(h.uploadDir, uuid.NewString()+"_"+fileName)
	if err := c.SaveUploadedFile(fh, path); err != nil {
		h.log.WithError(err).Error("failed to save upload")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "storage_error", Message: "Failed to store upload"})
		return
	}
	// the spooler keeps its own copy once the job is accepted
	defer os.Remove(path)

	if !isPDF(path) {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid_file", Message: "Invalid PDF file"})
		return
	}

	pages, err := h.countPages(path)
	if err != nil {
		h.log.WithError(err).WithField("filename", fileName).Warn("failed to count pdf pages")
		pages = 0
	}

	job, err := h.submitter.Submit(c.Request.Context(), core.SubmitRequest{
		UserID:      middleware.UserID(c),
		PrinterName: printer,
		FilePath:    path,
		FileName:    fileName,
		PagesTotal:  pages,
		Copies:      copies,
		Options:     printOptions(c),
	})

	var subErr *core.SubmissionError
	switch {
	case errors.As(err, &subErr):
		c.JSON(http.StatusBadGateway, SubmitErrorResponse{Error: "submission_failed", Message: subErr.Reason, Job: job})
	case errors.Is(err, core.ErrServiceUnavailable):
		c.JSON(http.StatusServiceUnavailable, SubmitErrorResponse{Error: "print_service_unavailable", Message: "Print service is unavailable", Job: job})
	case err != nil:
		h.log.WithError(err).Error("failed to submit job")
		c.JSON(http.StatusInternalServerError, SubmitErrorResponse{Error: "internal_error", Message: "Failed to submit job", Job: job})
	default:
		c.JSON(http.StatusCreated, job)
	}
}

func printOptions(c *gin.Context) map[string]string {
	options := make(map[string]string)
	if c.Request.MultipartForm == nil {
		return options
	}
	for key, values := range c.Request.MultipartForm.Value {
		if reservedFields[key] || len(values) == 0 || values[0] == "" {
			continue
		}
		options[key] = values[0]
	}
	return options
}

// isPDF checks the content signature rather than the name.
func isPDF(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	head := make([]byte, 512)
	n, err := io.ReadFull(f, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return false
	}
	return http.DetectContentType(head[:n]) == "application/pdf"
}

func (h *PrintHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/print", h.Print)
}
