// Package archive moves old batch history out of the live database into
// monthly sqlite files.
package archive

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/orrn/labeld/internal/db"
)

const (
	filePrefix = "archive_"
	fileSuffix = ".db"
)

type Archiver struct {
	archivePath string
	archiveDays int
	interval    time.Duration
	now         func() time.Time
	logger      *slog.Logger

	mu       sync.Mutex
	stopCh   chan struct{}
	stopOnce sync.Once
}

type ArchiveFile struct {
	Filename   string    `json:"filename"`
	Size       int64     `json:"size"`
	ModifiedAt time.Time `json:"modified_at"`
	BatchCount int       `json:"batch_count"`
}

type Config struct {
	ArchivePath string
	ArchiveDays int
}

func NewArchiver(cfg Config, logger *slog.Logger) (*Archiver, error) {
	if cfg.ArchivePath == "" {
		cfg.ArchivePath = "./data/archives"
	}
	if cfg.ArchiveDays <= 0 {
		return nil, fmt.Errorf("archive days must be positive, got %d", cfg.ArchiveDays)
	}
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(cfg.ArchivePath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}

	return &Archiver{
		archivePath: cfg.ArchivePath,
		archiveDays: cfg.ArchiveDays,
		interval:    24 * time.Hour,
		now:         time.Now,
		logger:      logger.With("component", "archive"),
		stopCh:      make(chan struct{}),
	}, nil
}

// Start archives once right away and then daily.
func (a *Archiver) Start() {
	go a.runDailyArchive()
}

func (a *Archiver) Stop() {
	a.stopOnce.Do(func() { close(a.stopCh) })
}

func (a *Archiver) runDailyArchive() {
	a.runOnce()

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-a.stopCh:
			return
		case <-ticker.C:
			a.runOnce()
		}
	}
}

func (a *Archiver) runOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	n, err := a.RunArchive(ctx)
	if err != nil {
		a.logger.Error("archive run failed", "error", err)
		return
	}
	if n > 0 {
		a.logger.Info("archived batches", "count", n, "older_than_days", a.archiveDays)
	}
}

// RunArchive moves batches older than the retention window into archive files
// and returns how many were moved. Rows are deleted from the live database
// only after every archive file has been committed.
func (a *Archiver) RunArchive(ctx context.Context) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	cutoff := a.now().AddDate(0, 0, -a.archiveDays)

	batches, err := db.Batches.ListBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to get batches for archival: %w", err)
	}
	if len(batches) == 0 {
		return 0, nil
	}

	byMonth := make(map[string][]*db.Batch)
	for _, b := range batches {
		name := filePrefix + b.StartedAt.Format("2006_01") + fileSuffix
		byMonth[name] = append(byMonth[name], b)
	}

	for name, group := range byMonth {
		if err := a.writeArchive(ctx, filepath.Join(a.archivePath, name), group); err != nil {
			return 0, fmt.Errorf("failed to write %s: %w", name, err)
		}
	}

	if _, err := db.Batches.DeleteBefore(ctx, cutoff); err != nil {
		return 0, fmt.Errorf("failed to delete archived batches: %w", err)
	}

	return len(batches), nil
}

func (a *Archiver) writeArchive(ctx context.Context, path string, batches []*db.Batch) error {
	archiveDB, err := openOrCreateArchiveDB(path)
	if err != nil {
		return err
	}
	defer archiveDB.Close()

	tx, err := archiveDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin archive transaction: %w", err)
	}

	for _, b := range batches {
		var completed any
		if b.CompletedAt != nil {
			completed = *b.CompletedAt
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO batches (id, requested, printed, failed_index, stage, error, started_at, completed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, b.ID, b.Requested, b.Printed, b.FailedIndex, b.Stage, b.Error, b.StartedAt, completed); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to insert batch %d: %w", b.ID, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO archive_metadata (id, archived_at, source_database)
		VALUES (1, ?, 'main')
	`, a.now()); err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to update archive metadata: %w", err)
	}

	return tx.Commit()
}

func openOrCreateArchiveDB(path string) (*sql.DB, error) {
	conn, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}

	_, err = conn.Exec(`
		CREATE TABLE IF NOT EXISTS batches (
			id INTEGER PRIMARY KEY,
			requested INTEGER NOT NULL,
			printed INTEGER NOT NULL,
			failed_index INTEGER NOT NULL DEFAULT 0,
			stage TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			started_at DATETIME NOT NULL,
			completed_at DATETIME
		);

		CREATE TABLE IF NOT EXISTS archive_metadata (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			archived_at DATETIME,
			source_database TEXT
		);
	`)
	if err != nil {
		conn.Close()
		return nil, err
	}

	return conn, nil
}

// ListArchives returns the archive files, newest month first.
func (a *Archiver) ListArchives() ([]*ArchiveFile, error) {
	files, err := os.ReadDir(a.archivePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read archive directory: %w", err)
	}

	archives := []*ArchiveFile{}
	for _, file := range files {
		name := file.Name()
		if file.IsDir() || !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
			continue
		}

		info, err := file.Info()
		if err != nil {
			continue
		}

		count, err := batchCount(filepath.Join(a.archivePath, name))
		if err != nil {
			a.logger.Warn("unreadable archive file", "file", name, "error", err)
		}

		archives = append(archives, &ArchiveFile{
			Filename:   name,
			Size:       info.Size(),
			ModifiedAt: info.ModTime(),
			BatchCount: count,
		})
	}

	sort.Slice(archives, func(i, j int) bool {
		return archives[i].Filename > archives[j].Filename
	})
	return archives, nil
}

func batchCount(path string) (int, error) {
	conn, err := sql.Open("sqlite3", "file:"+path+"?mode=ro")
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	var n int
	err = conn.QueryRow(`SELECT COUNT(*) FROM batches`).Scan(&n)
	return n, err
}
