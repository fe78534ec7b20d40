package cups

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/phin1x/go-ipp"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orrn/printsync/internal/core"
)

type fakeIPP struct {
	jobs      map[int]ipp.Attributes
	jobsErr   error
	attrs     map[int]ipp.Attributes
	attrsErr  error
	cancelErr error
	printID   int
	printErr  error
	printers  map[string]ipp.Attributes
	printer   ipp.Attributes
	block     chan struct{}

	printedDoc   ipp.Document
	printedAttrs map[string]interface{}
}

func (f *fakeIPP) GetJobs(_, _, _ string, _ bool, _, _ int, _ []string) (map[int]ipp.Attributes, error) {
	if f.block != nil {
		<-f.block
	}
	return f.jobs, f.jobsErr
}

func (f *fakeIPP) GetJobAttributes(id int, _ []string) (ipp.Attributes, error) {
	if f.attrsErr != nil {
		return nil, f.attrsErr
	}
	return f.attrs[id], nil
}

func (f *fakeIPP) CancelJob(int, bool) error { return f.cancelErr }

func (f *fakeIPP) PrintJob(doc ipp.Document, _ string, attrs map[string]interface{}) (int, error) {
	f.printedDoc = doc
	f.printedAttrs = attrs
	return f.printID, f.printErr
}

func (f *fakeIPP) GetPrinters([]string) (map[string]ipp.Attributes, error) { return f.printers, nil }

func (f *fakeIPP) GetPrinterAttributes(string, []string) (ipp.Attributes, error) {
	if f.attrsErr != nil {
		return nil, f.attrsErr
	}
	return f.printer, nil
}

func attr(name string, values ...interface{}) []ipp.Attribute {
	out := make([]ipp.Attribute, 0, len(values))
	for _, v := range values {
		out = append(out, ipp.Attribute{Name: name, Value: v})
	}
	return out
}

func testClient(f *fakeIPP) *Client {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return newClient(f, log)
}

func TestListActiveJobs(t *testing.T) {
	f := &fakeIPP{jobs: map[int]ipp.Attributes{
		11: {
			"job-id":                    attr("job-id", 11),
			"job-state":                 attr("job-state", 5),
			"job-impressions-completed": attr("job-impressions-completed", 2),
			"job-state-reasons":         attr("job-state-reasons", "job-printing"),
			"job-printer-uri":           attr("job-printer-uri", "ipp://cups.local:631/printers/office"),
		},
		12: {
			"job-id":    attr("job-id", 12),
			"job-state": attr("job-state", 4),
		},
	}}

	active, err := testClient(f).ListActiveJobs(context.Background())
	require.NoError(t, err)
	require.Len(t, active.Jobs, 2)
	assert.Empty(t, active.Incomplete)

	j := active.Jobs[11]
	assert.Equal(t, core.SpoolerProcessing, j.State)
	require.NotNil(t, j.ImpressionsCompleted)
	assert.Equal(t, 2, *j.ImpressionsCompleted)
	assert.Equal(t, "office", j.Printer)
	assert.Equal(t, []string{"job-printing"}, j.StateReasons)

	assert.Equal(t, core.SpoolerHeld, active.Jobs[12].State)
	assert.Nil(t, active.Jobs[12].ImpressionsCompleted)
}

func TestListActiveJobs_Partial(t *testing.T) {
	f := &fakeIPP{jobs: map[int]ipp.Attributes{
		1: {"job-state": attr("job-state", 3)},
		2: {"job-name": attr("job-name", "report.pdf")},
	}}

	active, err := testClient(f).ListActiveJobs(context.Background())
	assert.ErrorIs(t, err, core.ErrPartialResult)
	require.NotNil(t, active)
	assert.Contains(t, active.Jobs, 1)
	assert.Contains(t, active.Incomplete, 2)
}

func TestListActiveJobs_Unavailable(t *testing.T) {
	f := &fakeIPP{jobsErr: errors.New("dial tcp: connection refused")}
	_, err := testClient(f).ListActiveJobs(context.Background())
	assert.ErrorIs(t, err, core.ErrServiceUnavailable)

	f = &fakeIPP{jobsErr: ipp.HTTPError{Code: 503}}
	_, err = testClient(f).ListActiveJobs(context.Background())
	assert.ErrorIs(t, err, core.ErrServiceUnavailable)
}

func TestListActiveJobs_HonoursContext(t *testing.T) {
	f := &fakeIPP{block: make(chan struct{})}
	defer close(f.block)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := testClient(f).ListActiveJobs(ctx)
	assert.ErrorIs(t, err, core.ErrServiceUnavailable)
	assert.Less(t, time.Since(start), time.Second)
}

func TestGetJobAttributes(t *testing.T) {
	f := &fakeIPP{attrs: map[int]ipp.Attributes{
		5: {
			"job-state":                 attr("job-state", 9),
			"job-impressions-completed": attr("job-impressions-completed", 5),
			"job-state-message":         attr("job-state-message", "done"),
		},
	}}
	c := testClient(f)

	got, err := c.GetJobAttributes(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, 5, got.ExternalID)
	assert.Equal(t, core.SpoolerCompleted, got.State)
	assert.Equal(t, "done", got.StateMessage)
	assert.Equal(t, 5, *got.ImpressionsCompleted)

	_, err = c.GetJobAttributes(context.Background(), 6)
	assert.ErrorIs(t, err, core.ErrNotFound)

	f.attrsErr = ipp.IPPError{Status: statusNotFound, Message: "job not found"}
	_, err = c.GetJobAttributes(context.Background(), 5)
	assert.ErrorIs(t, err, core.ErrNotFound)

	f.attrsErr = errors.New(noJobAttributesMsg)
	_, err = c.GetJobAttributes(context.Background(), 5)
	assert.ErrorIs(t, err, core.ErrNotFound)
	assert.NotErrorIs(t, err, core.ErrServiceUnavailable)
}

func TestCancelJob(t *testing.T) {
	f := &fakeIPP{}
	c := testClient(f)
	assert.NoError(t, c.CancelJob(context.Background(), 1))

	f.cancelErr = ipp.IPPError{Status: statusNotPossible, Message: "job already completed"}
	assert.ErrorIs(t, c.CancelJob(context.Background(), 1), core.ErrAlreadyTerminal)

	f.cancelErr = ipp.IPPError{Status: statusNotFound}
	assert.ErrorIs(t, c.CancelJob(context.Background(), 1), core.ErrNotFound)
}

func TestSubmitJob(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.pdf")
	require.NoError(t, os.WriteFile(path, []byte("%PDF-1.4\n"), 0o600))

	f := &fakeIPP{printID: 99}
	c := testClient(f)

	id, err := c.SubmitJob(context.Background(), "office", path, core.SubmitOptions{
		Title:     "report.pdf",
		Copies:    2,
		ColorMode: core.ColorModeGray,
		Extra:     map[string]string{"sides": "two-sided-long-edge", "print-quality": "5", "ColorModel": "Gray"},
	})
	require.NoError(t, err)
	assert.Equal(t, 99, id)

	assert.Equal(t, "report.pdf", f.printedDoc.Name)
	assert.Equal(t, 9, f.printedDoc.Size)
	assert.Equal(t, map[string]interface{}{
		"copies":           2,
		"sides":            "two-sided-long-edge",
		"print-quality":    5,
		"print-color-mode": "monochrome",
	}, f.printedAttrs)
}

func TestSubmitJob_Errors(t *testing.T) {
	c := testClient(&fakeIPP{})
	_, err := c.SubmitJob(context.Background(), "office", filepath.Join(t.TempDir(), "missing.pdf"), core.SubmitOptions{})
	var subErr *core.SubmissionError
	assert.True(t, errors.As(err, &subErr))

	path := filepath.Join(t.TempDir(), "doc.pdf")
	require.NoError(t, os.WriteFile(path, []byte("%PDF"), 0o600))

	c = testClient(&fakeIPP{printErr: ipp.IPPError{Status: 0x0507, Message: "printer is not accepting jobs"}})
	_, err = c.SubmitJob(context.Background(), "office", path, core.SubmitOptions{})
	require.True(t, errors.As(err, &subErr))
	assert.Equal(t, "printer is not accepting jobs", subErr.Reason)

	c = testClient(&fakeIPP{printErr: errors.New("connection reset")})
	_, err = c.SubmitJob(context.Background(), "office", path, core.SubmitOptions{})
	assert.ErrorIs(t, err, core.ErrServiceUnavailable)
}
