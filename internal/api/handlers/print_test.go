package handlers

import (
	"bytes"
	"context"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orrn/printsync/internal/core"
)

var samplePDF = []byte("%PDF-1.4\n1 0 obj\n<< /Type /Catalog >>\nendobj\ntrailer\n<< /Root 1 0 R >>\n%%EOF\n")

type fakeSubmitter struct {
	req       core.SubmitRequest
	fileSeen  bool
	job       *core.Job
	err       error
	submitted bool
}

func (f *fakeSubmitter) Submit(_ context.Context, req core.SubmitRequest) (*core.Job, error) {
	f.submitted = true
	f.req = req
	_, statErr := os.Stat(req.FilePath)
	f.fileSeen = statErr == nil
	return f.job, f.err
}

func newPrintRouter(t *testing.T, sub JobSubmitter, maxBytes int64) (*gin.Engine, string) {
	t.Helper()
	dir := t.TempDir()
	h := NewPrintHandler(sub, dir, maxBytes, quietLogger())
	h.countPages = func(string) (int, error) { return 7, nil }
	return newEngine(h.RegisterRoutes), dir
}

func multipartBody(t *testing.T, fields map[string]string, fileName string, content []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	if fileName != "" {
		fw, err := mw.CreateFormFile("file", fileName)
		require.NoError(t, err)
		_, err = fw.Write(content)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func postPrint(t *testing.T, r http.Handler, body *bytes.Buffer, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/print", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+token(t, "alice"))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestPrint_Submits(t *testing.T) {
	sub := &fakeSubmitter{job: &core.Job{ID: "job-1", Status: core.JobStatusPending}}
	r, dir := newPrintRouter(t, sub, 1<<20)

	body, ct := multipartBody(t, map[string]string{
		"printer":    "office",
		"copies":     "2",
		"sides":      "two-sided-long-edge",
		"ColorModel": "Gray",
		"media":      "",
	}, "report.pdf", samplePDF)

	w := postPrint(t, r, body, ct)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var job core.Job
	decode(t, w, &job)
	assert.Equal(t, "job-1", job.ID)

	assert.Equal(t, "alice", sub.req.UserID)
	assert.Equal(t, "office", sub.req.PrinterName)
	assert.Equal(t, "report.pdf", sub.req.FileName)
	assert.Equal(t, 7, sub.req.PagesTotal)
	assert.Equal(t, 2, sub.req.Copies)
	assert.Equal(t, map[string]string{"sides": "two-sided-long-edge", "ColorModel": "Gray"}, sub.req.Options)
	assert.True(t, sub.fileSeen)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "upload should be removed after submission")
}

func TestPrint_Rejections(t *testing.T) {
	tests := []struct {
		name     string
		fields   map[string]string
		fileName string
		content  []byte
		want     int
		code     string
	}{
		{"no file", map[string]string{"printer": "office"}, "", nil, http.StatusBadRequest, "no_file"},
		{"no printer", nil, "a.pdf", samplePDF, http.StatusBadRequest, "validation_error"},
		{"wrong extension", map[string]string{"printer": "office"}, "a.docx", samplePDF, http.StatusBadRequest, "invalid_file"},
		{"not a pdf", map[string]string{"printer": "office"}, "a.pdf", []byte("hello world"), http.StatusBadRequest, "invalid_file"},
		{"bad copies", map[string]string{"printer": "office", "copies": "0"}, "a.pdf", samplePDF, http.StatusBadRequest, "validation_error"},
		{"too large", map[string]string{"printer": "office"}, "a.pdf", append(samplePDF, bytes.Repeat([]byte("x"), 4096)...), http.StatusRequestEntityTooLarge, "file_too_large"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sub := &fakeSubmitter{}
			r, _ := newPrintRouter(t, sub, 1024)

			body, ct := multipartBody(t, tt.fields, tt.fileName, tt.content)
			w := postPrint(t, r, body, ct)
			assert.Equal(t, tt.want, w.Code, w.Body.String())

			var resp ErrorResponse
			decode(t, w, &resp)
			assert.Equal(t, tt.code, resp.Error)
			assert.False(t, sub.submitted)
		})
	}
}

func TestPrint_SubmissionErrors(t *testing.T) {
	aborted := &core.Job{ID: "job-1", Status: core.JobStatusAborted}
	tests := []struct {
		name string
		err  error
		want int
		code string
	}{
		{"refused", &core.SubmissionError{Reason: "printer is not accepting jobs"}, http.StatusBadGateway, "submission_failed"},
		{"unavailable", core.ErrServiceUnavailable, http.StatusServiceUnavailable, "print_service_unavailable"},
		{"other", errors.New("disk full"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, _ := newPrintRouter(t, &fakeSubmitter{job: aborted, err: tt.err}, 1<<20)
			body, ct := multipartBody(t, map[string]string{"printer": "office"}, "a.pdf", samplePDF)

			w := postPrint(t, r, body, ct)
			require.Equal(t, tt.want, w.Code)

			var resp SubmitErrorResponse
			decode(t, w, &resp)
			assert.Equal(t, tt.code, resp.Error)
			require.NotNil(t, resp.Job)
			assert.Equal(t, core.JobStatusAborted, resp.Job.Status)
		})
	}

	r, _ := newPrintRouter(t, &fakeSubmitter{err: &core.SubmissionError{Reason: "bad document"}}, 1<<20)
	body, ct := multipartBody(t, map[string]string{"printer": "office"}, "a.pdf", samplePDF)
	var resp SubmitErrorResponse
	decode(t, postPrint(t, r, body, ct), &resp)
	assert.Equal(t, "bad document", resp.Message)
}

func TestPrint_PageCountFailureIsNotFatal(t *testing.T) {
	sub := &fakeSubmitter{job: &core.Job{ID: "job-1"}}
	dir := t.TempDir()
	h := NewPrintHandler(sub, dir, 1<<20, quietLogger())
	h.countPages = func(string) (int, error) { return 0, errors.New("malformed xref") }
	r := newEngine(h.RegisterRoutes)

	body, ct := multipartBody(t, map[string]string{"printer": "office"}, "a.pdf", samplePDF)
	w := postPrint(t, r, body, ct)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, 0, sub.req.PagesTotal)
}
