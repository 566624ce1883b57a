package archive

import (
	"context"
	"testing"
	"time"

	"github.com/orrn/labeld/internal/core"
	"github.com/orrn/labeld/internal/db"
)

func TestRunArchive_MovesOldBatches(t *testing.T) {
	if err := db.Init(db.Config{Path: ":memory:"}); err != nil {
		t.Fatalf("db.Init() err=%v", err)
	}
	ctx := context.Background()

	now := time.Date(2024, 6, 15, 12, 0, 0, 0, time.Local)
	records := []*core.BatchRecord{
		{Requested: 2, Printed: 2, StartedAt: time.Date(2024, 1, 10, 9, 0, 0, 0, time.Local)},
		{Requested: 4, Printed: 1, FailedIndex: 2, Stage: core.StageTransport, Error: "offline", StartedAt: time.Date(2024, 2, 3, 9, 0, 0, 0, time.Local)},
		{Requested: 1, Printed: 1, StartedAt: now.Add(-time.Hour)},
	}
	for _, rec := range records {
		if err := db.Batches.Record(ctx, rec); err != nil {
			t.Fatal(err)
		}
	}

	a, err := NewArchiver(Config{ArchivePath: t.TempDir(), ArchiveDays: 90}, nil)
	if err != nil {
		t.Fatalf("NewArchiver() err=%v", err)
	}
	a.now = func() time.Time { return now }

	n, err := a.RunArchive(ctx)
	if err != nil {
		t.Fatalf("RunArchive() err=%v", err)
	}
	if n != 2 {
		t.Fatalf("archived %d batches, want 2", n)
	}

	remaining, err := db.Batches.ListRecent(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(remaining) != 1 || remaining[0].ID != records[2].ID {
		t.Fatalf("unexpected remaining batches %+v", remaining)
	}

	files, err := a.ListArchives()
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 2 || files[0].Filename != "archive_2024_02.db" || files[1].Filename != "archive_2024_01.db" {
		t.Fatalf("unexpected archive files %+v", files)
	}
	for _, f := range files {
		if f.BatchCount != 1 {
			t.Fatalf("%s holds %d batches", f.Filename, f.BatchCount)
		}
	}

	if n, err := a.RunArchive(ctx); err != nil || n != 0 {
		t.Fatalf("second run=%d, %v", n, err)
	}
}

func TestNewArchiver_RequiresRetention(t *testing.T) {
	if _, err := NewArchiver(Config{ArchivePath: t.TempDir()}, nil); err == nil {
		t.Fatal("expected error for zero archive days")
	}
}
