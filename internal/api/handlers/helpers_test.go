package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/orrn/printsync/internal/api/middleware"
	"github.com/orrn/printsync/internal/config"
	"github.com/orrn/printsync/internal/core"
	"github.com/orrn/printsync/internal/db"
)

var testAuth = middleware.NewAuth(config.AuthConfig{JWTSecret: "handler-tests"})

func init() {
	gin.SetMode(gin.TestMode)
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func openStores(t *testing.T) (*db.JobStore, *db.WebhookStore) {
	t.Helper()
	conn, err := db.Open(db.Config{Path: filepath.Join(t.TempDir(), "printsync.db")})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return db.NewJobStore(conn), db.NewWebhookStore(conn)
}

func newEngine(register func(*gin.RouterGroup)) *gin.Engine {
	r := gin.New()
	register(r.Group("/api", testAuth.RequireAuth()))
	return r
}

func token(t *testing.T, userID string) string {
	t.Helper()
	tok, err := testAuth.IssueToken(userID, time.Hour)
	require.NoError(t, err)
	return tok
}

func request(t *testing.T, r http.Handler, method, path, userID string, body io.Reader) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if userID != "" {
		req.Header.Set("Authorization", "Bearer "+token(t, userID))
	}
	if body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v), w.Body.String())
}

func seedJob(t *testing.T, store *db.JobStore, id, user string, status core.JobStatus, submitted time.Time) *core.Job {
	t.Helper()
	j := &core.Job{
		ID:          id,
		UserID:      user,
		PrinterName: "office",
		FileName:    id + ".pdf",
		ColorMode:   core.ColorModeRGB,
		Status:      status,
		PagesTotal:  4,
		SubmittedAt: submitted,
		UpdatedAt:   submitted,
	}
	require.NoError(t, store.CreateJob(context.Background(), j))
	return j
}
