package store

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"bounce-sentinel-go/internal/model"
)

const datasetFile = "bounces.csv"

// CSVStore persists records in a single CSV file. Mutual exclusion over
// mutation is an in-process mutex held only for the duration of the write;
// reads go through the filesystem without taking it, so they never block on
// an in-flight append.
type CSVStore struct {
	path      string
	backupDir string

	mu   sync.Mutex
	seen map[string]struct{}

	now func() time.Time
}

// NewCSVStore opens (or bootstraps) the live dataset under dataDir and
// loads the dedup index from the existing rows.
func NewCSVStore(dataDir, backupDir string) (*CSVStore, error) {
	for _, dir := range []string{dataDir, backupDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("%w: failed to create %s: %v", ErrStoreUnavailable, dir, err)
		}
	}

	s := &CSVStore{
		path:      filepath.Join(dataDir, datasetFile),
		backupDir: backupDir,
		seen:      make(map[string]struct{}),
		now:       time.Now,
	}

	if _, err := os.Stat(s.path); os.IsNotExist(err) {
		var buf bytes.Buffer
		if err := WriteCSV(&buf, nil); err != nil {
			return nil, err
		}
		if err := os.WriteFile(s.path, buf.Bytes(), 0o644); err != nil {
			return nil, fmt.Errorf("%w: failed to bootstrap dataset: %v", ErrStoreUnavailable, err)
		}
		logrus.Infof("Bootstrapped bounce dataset at %s", s.path)
		return s, nil
	}

	records, err := s.load()
	if err != nil {
		return nil, err
	}
	for i := range records {
		s.seen[records[i].DedupKey()] = struct{}{}
	}
	logrus.Infof("Opened bounce dataset at %s with %d records", s.path, len(records))
	return s, nil
}

// Append writes the records as a single buffered write so a failure cannot
// leave partial rows behind. Records already present are skipped.
func (s *CSVStore) Append(ctx context.Context, records []model.BounceRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var buf bytes.Buffer
	cw := csv.NewWriter(&buf)
	batch := make(map[string]struct{}, len(records))
	for i := range records {
		key := records[i].DedupKey()
		if _, dup := s.seen[key]; dup {
			logrus.Debugf("Skipping duplicate bounce record for %s", records[i].Email)
			continue
		}
		if _, dup := batch[key]; dup {
			logrus.Debugf("Skipping duplicate bounce record for %s", records[i].Email)
			continue
		}
		if err := cw.Write(recordRow(&records[i])); err != nil {
			return fmt.Errorf("failed to encode record: %w", err)
		}
		batch[key] = struct{}{}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("failed to encode records: %w", err)
	}
	if buf.Len() == 0 {
		return nil
	}

	f, err := os.OpenFile(s.path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	defer f.Close()

	if _, err := f.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	// Only mark records seen once the write is durable.
	for key := range batch {
		s.seen[key] = struct{}{}
	}
	return nil
}

// QueryWindow returns records with since < timestamp <= until.
func (s *CSVStore) QueryWindow(ctx context.Context, since, until time.Time) ([]model.BounceRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	records, err := s.load()
	if err != nil {
		return nil, err
	}
	var matched []model.BounceRecord
	for i := range records {
		if inWindow(records[i].Timestamp, since, until) {
			matched = append(matched, records[i])
		}
	}
	return matched, nil
}

// All returns the full persisted dataset.
func (s *CSVStore) All(ctx context.Context) ([]model.BounceRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	records, err := s.load()
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, ErrStoreEmpty
	}
	return records, nil
}

// DeleteOlderThan rewrites the dataset without records at or before the
// horizon. The rewrite goes through a temp file and a rename so concurrent
// readers always see either the old or the new dataset, never a torn one.
// Rows that do not parse are outside the horizon predicate and carried
// through the rewrite verbatim.
func (s *CSVStore) DeleteOlderThan(ctx context.Context, horizon time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.loadRows()
	if err != nil {
		return 0, err
	}

	var kept [][]string
	var keptRecords []model.BounceRecord
	removed := 0
	for _, row := range rows {
		rec, ok := recordFromRow(row)
		if ok && !rec.Timestamp.After(horizon) {
			removed++
			continue
		}
		kept = append(kept, row)
		if ok {
			keptRecords = append(keptRecords, rec)
		}
	}
	if removed == 0 {
		return 0, nil
	}

	var buf bytes.Buffer
	cw := csv.NewWriter(&buf)
	if err := cw.Write(Header); err != nil {
		return 0, fmt.Errorf("failed to write header: %w", err)
	}
	if err := cw.WriteAll(kept); err != nil {
		return 0, fmt.Errorf("failed to write records: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	s.seen = make(map[string]struct{}, len(keptRecords))
	for i := range keptRecords {
		s.seen[keptRecords[i].DedupKey()] = struct{}{}
	}
	return removed, nil
}

// Snapshot writes a compressed point-in-time copy of the live dataset into
// the backup directory.
func (s *CSVStore) Snapshot(ctx context.Context) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}
	f, err := os.Open(s.path)
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	defer f.Close()
	return writeSnapshot(s.backupDir, f, s.now())
}

// ListSnapshots enumerates prior snapshots, oldest first.
func (s *CSVStore) ListSnapshots() ([]Snapshot, error) {
	return listSnapshots(s.backupDir)
}

// RemoveSnapshot deletes one snapshot file.
func (s *CSVStore) RemoveSnapshot(snap Snapshot) error {
	return removeSnapshot(snap)
}

// Ping verifies the backing file is reachable.
func (s *CSVStore) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := os.Stat(s.path); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// Close is a no-op; the store holds no long-lived handles.
func (s *CSVStore) Close() error {
	return nil
}

// load reads the full dataset. Rows that do not parse (wrong width,
// unparseable timestamp) are skipped so a single bad row can never take the
// window computation down.
func (s *CSVStore) load() ([]model.BounceRecord, error) {
	rows, err := s.loadRows()
	if err != nil {
		return nil, err
	}
	var records []model.BounceRecord
	for _, row := range rows {
		if rec, ok := recordFromRow(row); ok {
			records = append(records, rec)
		} else {
			logrus.Warnf("Skipping unparseable row in %s", s.path)
		}
	}
	return records, nil
}

// loadRows reads every raw data row after the header, parseable or not.
func (s *CSVStore) loadRows() ([][]string, error) {
	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	defer f.Close()

	cr := csv.NewReader(f)
	cr.FieldsPerRecord = -1

	var rows [][]string
	first := true
	for {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		if first {
			first = false
			continue
		}
		rows = append(rows, row)
	}
	return rows, nil
}
