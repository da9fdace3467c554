package retention

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bounce-sentinel-go/internal/model"
	"bounce-sentinel-go/internal/store"
)

type fakeStore struct {
	records   []model.BounceRecord
	snapshots []store.Snapshot

	snapshotErr error
	queryErr    error
	deleteErr   error

	snapshotCalls int
	deleteCalls   int
	deleteHorizon time.Time
	removed       []store.Snapshot
}

func (f *fakeStore) Append(ctx context.Context, records []model.BounceRecord) error {
	f.records = append(f.records, records...)
	return nil
}

func (f *fakeStore) QueryWindow(ctx context.Context, since, until time.Time) ([]model.BounceRecord, error) {
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	var out []model.BounceRecord
	for _, r := range f.records {
		if r.Timestamp.After(since) && !r.Timestamp.After(until) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeStore) All(ctx context.Context) ([]model.BounceRecord, error) {
	return f.records, nil
}

func (f *fakeStore) DeleteOlderThan(ctx context.Context, horizon time.Time) (int, error) {
	f.deleteCalls++
	f.deleteHorizon = horizon
	if f.deleteErr != nil {
		return 0, f.deleteErr
	}
	kept := f.records[:0]
	removed := 0
	for _, r := range f.records {
		if r.Timestamp.After(horizon) {
			kept = append(kept, r)
		} else {
			removed++
		}
	}
	f.records = kept
	return removed, nil
}

func (f *fakeStore) Snapshot(ctx context.Context) (store.Snapshot, error) {
	f.snapshotCalls++
	if f.snapshotErr != nil {
		return store.Snapshot{}, f.snapshotErr
	}
	snap := store.Snapshot{Path: "snap", CreatedAt: time.Now()}
	return snap, nil
}

func (f *fakeStore) ListSnapshots() ([]store.Snapshot, error) {
	return f.snapshots, nil
}

func (f *fakeStore) RemoveSnapshot(s store.Snapshot) error {
	f.removed = append(f.removed, s)
	return nil
}

func (f *fakeStore) Ping(ctx context.Context) error { return nil }
func (f *fakeStore) Close() error                   { return nil }

type fakeSender struct {
	sent [][]model.BounceRecord
	err  error
}

func (f *fakeSender) Send(ctx context.Context, records []model.BounceRecord) error {
	f.sent = append(f.sent, records)
	return f.err
}

func rec(email string, ts time.Time) model.BounceRecord {
	return model.BounceRecord{Email: email, Timestamp: ts, FeedbackID: "fb-" + email}
}

func newEngine(s store.Store, sender Sender, now time.Time) *Engine {
	e := NewEngine(s, sender, 7, nil)
	e.now = func() time.Time { return now }
	return e
}

func TestRunFullCycle(t *testing.T) {
	now := time.Date(2024, 5, 10, 2, 0, 0, 0, time.UTC)
	fs := &fakeStore{
		records: []model.BounceRecord{
			rec("fresh@example.com", now.Add(-2*time.Hour)),
			rec("old@example.com", now.AddDate(0, 0, -10)),
		},
		snapshots: []store.Snapshot{
			{Path: "old-snap", CreatedAt: now.AddDate(0, 0, -9)},
			{Path: "new-snap", CreatedAt: now.AddDate(0, 0, -1)},
		},
	}
	sender := &fakeSender{}

	err := newEngine(fs, sender, now).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, fs.snapshotCalls)
	require.Len(t, sender.sent, 1)
	require.Len(t, sender.sent[0], 1)
	assert.Equal(t, "fresh@example.com", sender.sent[0][0].Email)

	assert.Equal(t, 1, fs.deleteCalls)
	assert.Equal(t, now.AddDate(0, 0, -7), fs.deleteHorizon)
	require.Len(t, fs.records, 1)
	assert.Equal(t, "fresh@example.com", fs.records[0].Email)

	require.Len(t, fs.removed, 1)
	assert.Equal(t, "old-snap", fs.removed[0].Path)
}

func TestRunSkipsEmptyReport(t *testing.T) {
	now := time.Date(2024, 5, 10, 2, 0, 0, 0, time.UTC)
	fs := &fakeStore{}
	sender := &fakeSender{}

	err := newEngine(fs, sender, now).Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, sender.sent)
}

func TestSnapshotFailureAbortsCycle(t *testing.T) {
	now := time.Date(2024, 5, 10, 2, 0, 0, 0, time.UTC)
	fs := &fakeStore{
		snapshotErr: errors.New("disk full"),
		records:     []model.BounceRecord{rec("old@example.com", now.AddDate(0, 0, -10))},
	}
	sender := &fakeSender{}

	err := newEngine(fs, sender, now).Run(context.Background())
	require.Error(t, err)
	assert.Empty(t, sender.sent)
	assert.Equal(t, 0, fs.deleteCalls)
}

func TestReportFailureDoesNotBlockPruning(t *testing.T) {
	now := time.Date(2024, 5, 10, 2, 0, 0, 0, time.UTC)
	fs := &fakeStore{
		records: []model.BounceRecord{
			rec("fresh@example.com", now.Add(-time.Hour)),
			rec("old@example.com", now.AddDate(0, 0, -10)),
		},
		snapshots: []store.Snapshot{{Path: "old-snap", CreatedAt: now.AddDate(0, 0, -9)}},
	}
	sender := &fakeSender{err: errors.New("smtp down")}

	err := newEngine(fs, sender, now).Run(context.Background())
	require.Error(t, err)

	// Pruning ran even though the report stage failed.
	assert.Equal(t, 1, fs.deleteCalls)
	require.Len(t, fs.records, 1)
	assert.Len(t, fs.removed, 1)
}

func TestQueryFailureDoesNotBlockPruning(t *testing.T) {
	now := time.Date(2024, 5, 10, 2, 0, 0, 0, time.UTC)
	fs := &fakeStore{queryErr: errors.New("io error")}
	sender := &fakeSender{}

	err := newEngine(fs, sender, now).Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, fs.deleteCalls)
}
