package store

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bounce-sentinel-go/internal/model"
)

func newTestStore(t *testing.T) *CSVStore {
	t.Helper()
	s, err := NewCSVStore(t.TempDir(), t.TempDir())
	require.NoError(t, err)
	return s
}

func record(email string, ts time.Time) model.BounceRecord {
	return model.BounceRecord{
		Email:          email,
		Timestamp:      ts,
		SourceEmail:    "sender@example.com",
		SourceIP:       "192.0.2.10",
		BounceType:     "Permanent",
		BounceSubType:  "General",
		DiagnosticCode: model.PlaceholderNotProvided,
		ReportingAgent: model.PlaceholderUnknown,
		FeedbackID:     "fb-" + email,
	}
}

func TestAppendAndQueryRoundtrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ts := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, s.Append(ctx, []model.BounceRecord{record("alice@example.com", ts)}))

	records, err := s.QueryWindow(ctx, time.Time{}, time.Date(2100, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "alice@example.com", records[0].Email)
	assert.Equal(t, ts, records[0].Timestamp.UTC())
	assert.Equal(t, "Permanent", records[0].BounceType)
}

func TestAppendDeduplicates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ts := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	batch := []model.BounceRecord{
		record("alice@example.com", ts),
		record("bob@example.com", ts),
	}

	require.NoError(t, s.Append(ctx, batch))
	require.NoError(t, s.Append(ctx, batch))

	records, err := s.All(ctx)
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestAppendDedupSurvivesReopen(t *testing.T) {
	dataDir, backupDir := t.TempDir(), t.TempDir()
	ctx := context.Background()
	ts := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	s, err := NewCSVStore(dataDir, backupDir)
	require.NoError(t, err)
	require.NoError(t, s.Append(ctx, []model.BounceRecord{record("alice@example.com", ts)}))

	reopened, err := NewCSVStore(dataDir, backupDir)
	require.NoError(t, err)
	require.NoError(t, reopened.Append(ctx, []model.BounceRecord{record("alice@example.com", ts)}))

	records, err := reopened.All(ctx)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestConcurrentAppends(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec := record(fmt.Sprintf("user%d@example.com", i), base.Add(time.Duration(i)*time.Minute))
			assert.NoError(t, s.Append(ctx, []model.BounceRecord{rec}))
		}(i)
	}
	wg.Wait()

	records, err := s.All(ctx)
	require.NoError(t, err)
	assert.Len(t, records, 10)
}

func TestQueryWindowBoundaries(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	rng := rand.New(rand.NewSource(42))
	var all []model.BounceRecord
	for i := 0; i < 100; i++ {
		ts := base.Add(time.Duration(rng.Intn(100*24)) * time.Hour)
		all = append(all, record(fmt.Sprintf("user%d@example.com", i), ts))
	}
	require.NoError(t, s.Append(ctx, all))

	since := base.Add(20 * 24 * time.Hour)
	until := base.Add(60 * 24 * time.Hour)

	expected := 0
	for i := range all {
		if all[i].Timestamp.After(since) && !all[i].Timestamp.After(until) {
			expected++
		}
	}

	got, err := s.QueryWindow(ctx, since, until)
	require.NoError(t, err)
	assert.Len(t, got, expected)

	// Result count is invariant to taking a snapshot first.
	_, err = s.Snapshot(ctx)
	require.NoError(t, err)
	got, err = s.QueryWindow(ctx, since, until)
	require.NoError(t, err)
	assert.Len(t, got, expected)

	// Boundary semantics: strictly after since, inclusive until.
	boundary := record("boundary@example.com", since)
	inclusive := record("inclusive@example.com", until)
	require.NoError(t, s.Append(ctx, []model.BounceRecord{boundary, inclusive}))
	got, err = s.QueryWindow(ctx, since, until)
	require.NoError(t, err)
	assert.Len(t, got, expected+1)
}

func TestDeleteOlderThanIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.Append(ctx, []model.BounceRecord{
		record("new@example.com", now),
		record("old@example.com", now.AddDate(0, 0, -9)),
	}))

	horizon := now.AddDate(0, 0, -7)
	removed, err := s.DeleteOlderThan(ctx, horizon)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	removed, err = s.DeleteOlderThan(ctx, horizon)
	require.NoError(t, err)
	assert.Equal(t, 0, removed)

	records, err := s.All(ctx)
	require.NoError(t, err)
	assert.Len(t, records, 1)
	assert.Equal(t, "new@example.com", records[0].Email)
}

func TestRetentionScenario(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.Append(ctx, []model.BounceRecord{
		record("t@example.com", now),
		record("t-8d@example.com", now.AddDate(0, 0, -8)),
		record("t-10d@example.com", now.AddDate(0, 0, -10)),
		record("t-6d@example.com", now.AddDate(0, 0, -6)),
		record("t-1d@example.com", now.AddDate(0, 0, -1)),
	}))

	removed, err := s.DeleteOlderThan(ctx, now.AddDate(0, 0, -7))
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	records, err := s.All(ctx)
	require.NoError(t, err)
	require.Len(t, records, 3)

	remaining := make(map[string]bool)
	for _, r := range records {
		remaining[r.Email] = true
	}
	assert.True(t, remaining["t@example.com"])
	assert.True(t, remaining["t-6d@example.com"])
	assert.True(t, remaining["t-1d@example.com"])

	reportable, err := s.QueryWindow(ctx, now.Add(-24*time.Hour), now)
	require.NoError(t, err)
	require.Len(t, reportable, 2)
	inReport := make(map[string]bool)
	for _, r := range reportable {
		inReport[r.Email] = true
	}
	assert.True(t, inReport["t@example.com"])
	assert.True(t, inReport["t-1d@example.com"])
	assert.False(t, inReport["t-6d@example.com"])
}

func TestDeletePreservesHeader(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.Append(ctx, []model.BounceRecord{record("old@example.com", now.AddDate(0, 0, -30))}))
	_, err := s.DeleteOlderThan(ctx, now)
	require.NoError(t, err)

	raw, err := os.ReadFile(s.path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "email,timestamp,sourceEmail")
}

func TestUnparseableRowsAreSkipped(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ts := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, s.Append(ctx, []model.BounceRecord{record("alice@example.com", ts)}))

	// Inject a row with a broken timestamp directly into the file.
	f, err := os.OpenFile(s.path, os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("bad@example.com,not-a-timestamp,s,ip,t,st,d,r,f\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	records, err := s.QueryWindow(ctx, time.Time{}, ts.AddDate(1, 0, 0))
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestAppendDeduplicatesWithinBatch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ts := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	rec := record("alice@example.com", ts)
	require.NoError(t, s.Append(ctx, []model.BounceRecord{rec, rec}))

	records, err := s.All(ctx)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestDeleteKeepsUnparseableRows(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.Append(ctx, []model.BounceRecord{
		record("old@example.com", now.AddDate(0, 0, -30)),
		record("fresh@example.com", now),
	}))

	f, err := os.OpenFile(s.path, os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("keepme@example.com,not-a-timestamp,s,ip,t,st,d,r,f\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	removed, err := s.DeleteOlderThan(ctx, now.AddDate(0, 0, -7))
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	// The unparseable row is outside the horizon predicate and survives
	// the rewrite verbatim.
	raw, err := os.ReadFile(s.path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "keepme@example.com,not-a-timestamp")
	assert.NotContains(t, string(raw), "old@example.com")

	records, err := s.All(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "fresh@example.com", records[0].Email)
}

func TestSnapshotStampIsZoneIndependent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Append(ctx, []model.BounceRecord{record("alice@example.com", time.Now().UTC())}))

	at := time.Date(2024, 5, 9, 7, 0, 0, 0, time.FixedZone("UTC+5", 5*3600))
	s.now = func() time.Time { return at }

	snap, err := s.Snapshot(ctx)
	require.NoError(t, err)
	assert.True(t, snap.CreatedAt.Equal(at))

	snapshots, err := s.ListSnapshots()
	require.NoError(t, err)
	require.Len(t, snapshots, 1)
	assert.True(t, snapshots[0].CreatedAt.Equal(at))
}

func TestSnapshotListAndPrune(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Append(ctx, []model.BounceRecord{record("alice@example.com", time.Now().UTC())}))

	old := time.Date(2024, 4, 1, 2, 0, 0, 0, time.UTC)
	recent := time.Date(2024, 5, 9, 2, 0, 0, 0, time.UTC)

	s.now = func() time.Time { return old }
	_, err := s.Snapshot(ctx)
	require.NoError(t, err)

	s.now = func() time.Time { return recent }
	_, err = s.Snapshot(ctx)
	require.NoError(t, err)

	snapshots, err := s.ListSnapshots()
	require.NoError(t, err)
	require.Len(t, snapshots, 2)
	assert.Equal(t, old, snapshots[0].CreatedAt.UTC())
	assert.Equal(t, recent, snapshots[1].CreatedAt.UTC())

	require.NoError(t, s.RemoveSnapshot(snapshots[0]))
	snapshots, err = s.ListSnapshots()
	require.NoError(t, err)
	require.Len(t, snapshots, 1)
	assert.Equal(t, recent, snapshots[0].CreatedAt.UTC())
}

func TestAllOnEmptyStore(t *testing.T) {
	s := newTestStore(t)
	_, err := s.All(context.Background())
	assert.ErrorIs(t, err, ErrStoreEmpty)
}
