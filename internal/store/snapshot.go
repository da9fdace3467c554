package store

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
)

const (
	snapshotPrefix  = "backup-"
	snapshotSuffix  = ".csv.gz"
	snapshotStamp   = "20060102-150405"
	snapshotDateDir = "2006-01-02"
)

// Snapshot is a handle to one compressed point-in-time copy of the dataset.
// The creation instant is encoded in the file name so snapshots can be
// pruned without any side index.
type Snapshot struct {
	Path      string
	CreatedAt time.Time
}

// writeSnapshot gzip-compresses src into the backup directory, grouped by
// creation date, and returns the handle. The stamp is written in UTC so it
// round-trips through listSnapshots regardless of the host zone.
func writeSnapshot(backupDir string, src io.Reader, now time.Time) (Snapshot, error) {
	now = now.UTC()
	dir := filepath.Join(backupDir, now.Format(snapshotDateDir))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Snapshot{}, fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	name := snapshotPrefix + now.Format(snapshotStamp) + snapshotSuffix
	path := filepath.Join(dir, name)

	f, err := os.Create(path)
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to create snapshot file: %w", err)
	}
	defer f.Close()

	gz := gzip.NewWriter(f)
	if _, err := io.Copy(gz, src); err != nil {
		gz.Close()
		return Snapshot{}, fmt.Errorf("failed to compress snapshot: %w", err)
	}
	if err := gz.Close(); err != nil {
		return Snapshot{}, fmt.Errorf("failed to finalize snapshot: %w", err)
	}

	return Snapshot{Path: path, CreatedAt: now}, nil
}

// listSnapshots walks the backup directory and returns all snapshots sorted
// oldest first. Files whose names do not carry a parseable stamp are ignored.
func listSnapshots(backupDir string) ([]Snapshot, error) {
	var snapshots []Snapshot
	err := filepath.Walk(backupDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() {
			return nil
		}
		name := info.Name()
		if !strings.HasPrefix(name, snapshotPrefix) || !strings.HasSuffix(name, snapshotSuffix) {
			return nil
		}
		stamp := strings.TrimSuffix(strings.TrimPrefix(name, snapshotPrefix), snapshotSuffix)
		created, perr := time.Parse(snapshotStamp, stamp)
		if perr != nil {
			return nil
		}
		snapshots = append(snapshots, Snapshot{Path: path, CreatedAt: created})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	sort.Slice(snapshots, func(i, j int) bool {
		return snapshots[i].CreatedAt.Before(snapshots[j].CreatedAt)
	})
	return snapshots, nil
}

// removeSnapshot deletes the snapshot file and cleans up its date directory
// when that was the last snapshot in it.
func removeSnapshot(s Snapshot) error {
	if err := os.Remove(s.Path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove snapshot: %w", err)
	}
	// Best effort; fails when the directory still holds other snapshots.
	dir := filepath.Dir(s.Path)
	if entries, err := os.ReadDir(dir); err == nil && len(entries) == 0 {
		os.Remove(dir)
	}
	return nil
}
