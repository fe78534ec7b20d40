// Package cups talks to a CUPS server over IPP and translates its answers
// into core job attributes.
package cups

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"strconv"
	"strings"

	"github.com/phin1x/go-ipp"
	"github.com/sirupsen/logrus"

	"github.com/orrn/printsync/internal/config"
	"github.com/orrn/printsync/internal/core"
)

// IPP status codes the adapter distinguishes.
const (
	statusNotPossible int16 = 0x0404
	statusNotFound    int16 = 0x0406
)

var ErrPrinterNotFound = errors.New("printer not found")

// go-ipp reports a reply without a job group as a plain error.
const noJobAttributesMsg = "server doesn't return any job attributes"

var jobAttributeNames = []string{
	"job-id",
	"job-state",
	"job-state-reasons",
	"job-state-message",
	"job-impressions-completed",
	"job-name",
	"job-printer-uri",
}

// ippAPI is the subset of the go-ipp CUPS client the adapter uses.
type ippAPI interface {
	GetJobs(printer, class, whichJobs string, myJobs bool, firstJobId, limit int, attributes []string) (map[int]ipp.Attributes, error)
	GetJobAttributes(jobID int, attributes []string) (ipp.Attributes, error)
	CancelJob(jobID int, purge bool) error
	PrintJob(doc ipp.Document, printer string, jobAttributes map[string]interface{}) (int, error)
	GetPrinters(attributes []string) (map[string]ipp.Attributes, error)
	GetPrinterAttributes(printer string, attributes []string) (ipp.Attributes, error)
}

var _ ippAPI = (*ipp.CUPSClient)(nil)

// Client implements core.PrintService against a CUPS server.
type Client struct {
	ipp ippAPI
	log logrus.FieldLogger
}

func New(cfg config.CupsConfig, log logrus.FieldLogger) *Client {
	return newClient(ipp.NewCUPSClient(cfg.Host, cfg.Port, cfg.Username, cfg.Password, cfg.UseTLS), log)
}

func newClient(api ippAPI, log logrus.FieldLogger) *Client {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Client{ipp: api, log: log.WithField("component", "cups")}
}

// call runs fn and gives up when ctx ends first. go-ipp has no context
// support, so an abandoned call finishes in the background.
func call[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn()
		ch <- result{v, err}
	}()

	select {
	case <-ctx.Done():
		var zero T
		return zero, fmt.Errorf("%w: %v", core.ErrServiceUnavailable, ctx.Err())
	case r := <-ch:
		return r.v, r.err
	}
}

func (c *Client) ListActiveJobs(ctx context.Context) (*core.ActiveJobs, error) {
	raw, err := call(ctx, func() (map[int]ipp.Attributes, error) {
		return c.ipp.GetJobs("", "", ipp.JobStateFilterNotCompleted, false, 0, 0, jobAttributeNames)
	})
	if err != nil {
		return nil, classify(err)
	}

	active := &core.ActiveJobs{
		Jobs:       make(map[int]core.JobAttributes, len(raw)),
		Incomplete: make(map[int]struct{}),
	}
	for id, attrs := range raw {
		ja, ok := toJobAttributes(id, attrs)
		if !ok {
			active.Incomplete[id] = struct{}{}
			continue
		}
		active.Jobs[id] = ja
	}

	if len(active.Incomplete) > 0 {
		return active, fmt.Errorf("%w: %d jobs without state", core.ErrPartialResult, len(active.Incomplete))
	}
	return active, nil
}

func (c *Client) GetJobAttributes(ctx context.Context, externalID int) (*core.JobAttributes, error) {
	attrs, err := call(ctx, func() (ipp.Attributes, error) {
		return c.ipp.GetJobAttributes(externalID, jobAttributeNames)
	})
	if err != nil {
		if err.Error() == noJobAttributesMsg {
			return nil, fmt.Errorf("%w: job %d", core.ErrNotFound, externalID)
		}
		return nil, classify(err)
	}
	if len(attrs) == 0 {
		return nil, core.ErrNotFound
	}

	ja, ok := toJobAttributes(externalID, attrs)
	if !ok {
		return nil, fmt.Errorf("%w: job %d has no state", core.ErrPartialResult, externalID)
	}
	return &ja, nil
}

func (c *Client) CancelJob(ctx context.Context, externalID int) error {
	_, err := call(ctx, func() (struct{}, error) {
		return struct{}{}, c.ipp.CancelJob(externalID, false)
	})
	return classify(err)
}

// SubmitJob prints the document at filePath on printer.
func (c *Client) SubmitJob(ctx context.Context, printer, filePath string, opts core.SubmitOptions) (int, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return 0, &core.SubmissionError{Reason: "document not readable"}
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, &core.SubmissionError{Reason: "document not readable"}
	}

	title := opts.Title
	if title == "" {
		title = path.Base(filePath)
	}
	doc := ipp.Document{
		Document: f,
		Size:     int(info.Size()),
		Name:     title,
		MimeType: "application/pdf",
	}

	id, err := call(ctx, func() (int, error) {
		return c.ipp.PrintJob(doc, printer, jobAttributes(opts))
	})
	if err != nil {
		err = classify(err)
		if errors.Is(err, core.ErrServiceUnavailable) {
			return 0, err
		}
		return 0, &core.SubmissionError{Reason: submissionReason(err)}
	}

	c.log.WithFields(logrus.Fields{"printer": printer, "cups_job_id": id}).Debug("job accepted by cups")
	return id, nil
}

var intJobAttributes = map[string]bool{
	"print-quality":         true,
	"number-up":             true,
	"orientation-requested": true,
	"job-priority":          true,
}

var stringJobAttributes = map[string]bool{
	"sides":            true,
	"media":            true,
	"print-color-mode": true,
	"job-hold-until":   true,
}

// jobAttributes keeps only IPP job template attributes go-ipp can encode.
func jobAttributes(opts core.SubmitOptions) map[string]interface{} {
	out := make(map[string]interface{})
	for k, v := range opts.Extra {
		switch {
		case stringJobAttributes[k] && v != "":
			out[k] = v
		case intJobAttributes[k]:
			if n, err := strconv.Atoi(v); err == nil {
				out[k] = n
			}
		}
	}

	if opts.Copies > 1 {
		out["copies"] = opts.Copies
	}
	if _, ok := out["print-color-mode"]; !ok {
		switch opts.ColorMode {
		case core.ColorModeGray:
			out["print-color-mode"] = "monochrome"
		case core.ColorModeRGB:
			out["print-color-mode"] = "color"
		}
	}
	return out
}

func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, core.ErrServiceUnavailable) {
		return err
	}

	if status, ok := ippStatus(err); ok {
		switch status {
		case statusNotFound:
			return fmt.Errorf("%w: %v", core.ErrNotFound, err)
		case statusNotPossible:
			return fmt.Errorf("%w: %v", core.ErrAlreadyTerminal, err)
		}
		return &ippFailure{status: status, err: err}
	}

	return fmt.Errorf("%w: %v", core.ErrServiceUnavailable, err)
}

// ippFailure is an IPP-level refusal from a reachable server.
type ippFailure struct {
	status int16
	err    error
}

func (e *ippFailure) Error() string { return e.err.Error() }
func (e *ippFailure) Unwrap() error { return e.err }

func ippStatus(err error) (int16, bool) {
	var v ipp.IPPError
	if errors.As(err, &v) {
		return v.Status, true
	}
	var p *ipp.IPPError
	if errors.As(err, &p) && p != nil {
		return p.Status, true
	}
	return 0, false
}

func submissionReason(err error) string {
	var v ipp.IPPError
	if errors.As(err, &v) && v.Message != "" {
		return v.Message
	}
	var p *ipp.IPPError
	if errors.As(err, &p) && p != nil && p.Message != "" {
		return p.Message
	}
	return err.Error()
}

func toJobAttributes(id int, attrs ipp.Attributes) (core.JobAttributes, bool) {
	state, ok := intAttr(attrs, "job-state")
	if !ok {
		return core.JobAttributes{}, false
	}
	if v, ok := intAttr(attrs, "job-id"); ok {
		id = v
	}

	ja := core.JobAttributes{
		ExternalID:   id,
		State:        core.SpoolerState(state),
		StateMessage: stringAttr(attrs, "job-state-message"),
		StateReasons: stringsAttr(attrs, "job-state-reasons"),
		Name:         stringAttr(attrs, "job-name"),
		Printer:      printerFromURI(stringAttr(attrs, "job-printer-uri")),
	}
	if n, ok := intAttr(attrs, "job-impressions-completed"); ok {
		ja.ImpressionsCompleted = &n
	}
	return ja, true
}

func printerFromURI(raw string) string {
	if raw == "" {
		return ""
	}
	if u, err := url.Parse(raw); err == nil && u.Path != "" {
		return path.Base(u.Path)
	}
	return raw[strings.LastIndex(raw, "/")+1:]
}

func intAttr(attrs ipp.Attributes, name string) (int, bool) {
	vals := attrs[name]
	if len(vals) == 0 {
		return 0, false
	}
	switch v := vals[0].Value.(type) {
	case int:
		return v, true
	case int8:
		return int(v), true
	case int16:
		return int(v), true
	case int32:
		return int(v), true
	case int64:
		return int(v), true
	default:
		return 0, false
	}
}

func stringAttr(attrs ipp.Attributes, name string) string {
	vals := attrs[name]
	if len(vals) == 0 {
		return ""
	}
	if s, ok := vals[0].Value.(string); ok {
		return s
	}
	return fmt.Sprint(vals[0].Value)
}

func stringsAttr(attrs ipp.Attributes, name string) []string {
	vals := attrs[name]
	out := make([]string, 0, len(vals))
	for _, v := range vals {
		if s, ok := v.Value.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func boolAttr(attrs ipp.Attributes, name string) (bool, bool) {
	vals := attrs[name]
	if len(vals) == 0 {
		return false, false
	}
	b, ok := vals[0].Value.(bool)
	return b, ok
}
