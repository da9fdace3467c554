// Package store provides append-only, de-duplicating persistence for bounce
// records with windowed reads and retention deletes. Two backends implement
// the same contract: a CSV file store and a MySQL store.
package store

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"time"

	"bounce-sentinel-go/internal/model"
)

var (
	// ErrStoreUnavailable wraps failures of the backing medium. Callers must
	// treat the append as not having happened at all.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrStoreEmpty is returned by All when no records have been persisted.
	ErrStoreEmpty = errors.New("store is empty")
)

// Header is the fixed nine-column schema, present as the first row of the
// live dataset and of every snapshot. All fields appear on every row, in
// this order; there is no schema version.
var Header = []string{
	"email",
	"timestamp",
	"sourceEmail",
	"sourceIp",
	"bounceType",
	"bounceSubType",
	"diagnosticCode",
	"reportingAgent",
	"feedbackId",
}

// Store is the persistence contract shared by all backends.
//
// Append is atomic with respect to concurrent Append calls: no interleaved
// partial rows, all-or-nothing per call. Records already present (by dedup
// key) are skipped silently.
//
// QueryWindow returns records with since < timestamp <= until; rows with
// unparseable timestamps are excluded, never an error.
//
// DeleteOlderThan removes records with timestamp <= horizon and reports how
// many were removed. It is idempotent.
type Store interface {
	Append(ctx context.Context, records []model.BounceRecord) error
	QueryWindow(ctx context.Context, since, until time.Time) ([]model.BounceRecord, error)
	All(ctx context.Context) ([]model.BounceRecord, error)
	DeleteOlderThan(ctx context.Context, horizon time.Time) (int, error)
	Snapshot(ctx context.Context) (Snapshot, error)
	ListSnapshots() ([]Snapshot, error)
	RemoveSnapshot(s Snapshot) error
	Ping(ctx context.Context) error
	Close() error
}

// recordRow flattens a record into its nine CSV columns.
func recordRow(r *model.BounceRecord) []string {
	return []string{
		r.Email,
		r.Timestamp.UTC().Format(time.RFC3339),
		r.SourceEmail,
		r.SourceIP,
		r.BounceType,
		r.BounceSubType,
		r.DiagnosticCode,
		r.ReportingAgent,
		r.FeedbackID,
	}
}

// recordFromRow parses one CSV row back into a record. Rows with an
// unparseable timestamp are reported via the bool so callers can skip them
// without failing the whole read.
func recordFromRow(row []string) (model.BounceRecord, bool) {
	if len(row) != len(Header) {
		return model.BounceRecord{}, false
	}
	ts, err := time.Parse(time.RFC3339, row[1])
	if err != nil {
		return model.BounceRecord{}, false
	}
	return model.BounceRecord{
		Email:          row[0],
		Timestamp:      ts,
		SourceEmail:    row[2],
		SourceIP:       row[3],
		BounceType:     row[4],
		BounceSubType:  row[5],
		DiagnosticCode: row[6],
		ReportingAgent: row[7],
		FeedbackID:     row[8],
	}, true
}

// WriteCSV writes the header and one row per record to w. It is used for
// the live dataset, snapshots of the MySQL backend, and the export endpoint.
func WriteCSV(w io.Writer, records []model.BounceRecord) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Header); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	for i := range records {
		if err := cw.Write(recordRow(&records[i])); err != nil {
			return fmt.Errorf("failed to write record: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// inWindow reports whether ts falls in (since, until].
func inWindow(ts, since, until time.Time) bool {
	return ts.After(since) && !ts.After(until)
}
