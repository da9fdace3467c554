// Package reporter formats sets of bounce records into a daily report and
// delivers it through the outbound mail transport with bounded retry.
package reporter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"bounce-sentinel-go/internal/metrics"
	"bounce-sentinel-go/internal/model"
	"bounce-sentinel-go/internal/store"
)

// ErrSendFailed is returned after every delivery attempt has failed.
var ErrSendFailed = errors.New("report delivery failed")

const (
	defaultAttempts  = 3
	defaultRetryWait = 5 * time.Second
)

// Report is one rendered bounce report.
type Report struct {
	Subject     string
	Summary     string
	CSV         []byte
	RecordCount int
}

// Transport delivers a rendered report to the configured recipients. It is
// implemented externally (SMTP in production, fakes in tests).
type Transport interface {
	Send(ctx context.Context, r *Report) error
}

// Reporter renders and delivers bounce reports.
type Reporter struct {
	transport Transport
	metrics   *metrics.Metrics

	attempts  int
	retryWait time.Duration
	sleep     func(time.Duration)
}

// Option configures a Reporter.
type Option func(*Reporter)

// WithRetryWait overrides the pause between delivery attempts.
func WithRetryWait(d time.Duration) Option {
	return func(r *Reporter) { r.retryWait = d }
}

// WithSleep overrides the sleep function. Tests use this to observe waits
// without waiting.
func WithSleep(sleep func(time.Duration)) Option {
	return func(r *Reporter) { r.sleep = sleep }
}

func New(transport Transport, m *metrics.Metrics, opts ...Option) *Reporter {
	r := &Reporter{
		transport: transport,
		metrics:   m,
		attempts:  defaultAttempts,
		retryWait: defaultRetryWait,
		sleep:     time.Sleep,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Send renders the records into a report and delivers it, retrying up to
// three attempts with a fixed wait in between. The report is sent as a
// whole unit; there are no partial-send semantics.
func (r *Reporter) Send(ctx context.Context, records []model.BounceRecord) error {
	report, err := Build(records)
	if err != nil {
		return fmt.Errorf("failed to build report: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= r.attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := r.transport.Send(ctx, report)
		if err == nil {
			logrus.Infof("Delivered bounce report with %d records (attempt %d/%d)",
				report.RecordCount, attempt, r.attempts)
			if r.metrics != nil {
				r.metrics.ReportsSent.Inc()
			}
			return nil
		}

		lastErr = err
		logrus.Warnf("Failed to deliver bounce report (attempt %d/%d): %v", attempt, r.attempts, err)
		if attempt < r.attempts {
			r.sleep(r.retryWait)
		}
	}

	if r.metrics != nil {
		r.metrics.ReportSendFailures.Inc()
	}
	return fmt.Errorf("%w after %d attempts: %v", ErrSendFailed, r.attempts, lastErr)
}

// Build renders records into the CSV body and the plain-text summary:
// total count plus counts grouped by bounce sub-type.
func Build(records []model.BounceRecord) (*Report, error) {
	var csvBuf bytes.Buffer
	if err := store.WriteCSV(&csvBuf, records); err != nil {
		return nil, err
	}

	counts := make(map[string]int)
	for i := range records {
		subType := records[i].BounceSubType
		if subType == "" {
			subType = model.PlaceholderUnknown
		}
		counts[subType]++
	}

	subTypes := make([]string, 0, len(counts))
	for subType := range counts {
		subTypes = append(subTypes, subType)
	}
	sort.Strings(subTypes)

	var summary bytes.Buffer
	fmt.Fprintf(&summary, "Bounce report for the last 24 hours.\n\n")
	fmt.Fprintf(&summary, "Total bounces: %d\n\n", len(records))
	fmt.Fprintf(&summary, "By sub-type:\n")
	for _, subType := range subTypes {
		fmt.Fprintf(&summary, "  %s: %d\n", subType, counts[subType])
	}

	return &Report{
		Subject:     fmt.Sprintf("Bounce report %s", time.Now().UTC().Format("2006-01-02")),
		Summary:     summary.String(),
		CSV:         csvBuf.Bytes(),
		RecordCount: len(records),
	}, nil
}
