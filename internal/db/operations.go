package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/orrn/labeld/internal/core"
)

type BatchOperations struct{}

func (o *BatchOperations) Record(ctx context.Context, rec *core.BatchRecord) error {
	conn := GetDB()
	if conn == nil {
		return ErrNotInitialized
	}

	var completed any
	if rec.CompletedAt != nil {
		completed = *rec.CompletedAt
	}

	result, err := conn.ExecContext(ctx, InsertBatch,
		rec.Requested, rec.Printed, rec.FailedIndex, rec.Stage, rec.Error,
		rec.StartedAt, completed)
	if err != nil {
		return fmt.Errorf("failed to record batch: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get batch id: %w", err)
	}
	rec.ID = id
	return nil
}

func (o *BatchOperations) ListRecent(ctx context.Context, limit int) ([]*Batch, error) {
	conn := GetDB()
	if conn == nil {
		return nil, ErrNotInitialized
	}

	rows, err := conn.QueryContext(ctx, ListRecentBatches, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list batches: %w", err)
	}
	defer rows.Close()
	return scanBatches(rows)
}

// ListBefore returns batches started before cutoff, oldest first.
func (o *BatchOperations) ListBefore(ctx context.Context, cutoff time.Time) ([]*Batch, error) {
	conn := GetDB()
	if conn == nil {
		return nil, ErrNotInitialized
	}

	rows, err := conn.QueryContext(ctx, ListBatchesBefore, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to list batches: %w", err)
	}
	defer rows.Close()
	return scanBatches(rows)
}

func (o *BatchOperations) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	conn := GetDB()
	if conn == nil {
		return 0, ErrNotInitialized
	}

	result, err := conn.ExecContext(ctx, DeleteBatchesBefore, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete batches: %w", err)
	}
	return result.RowsAffected()
}

func scanBatches(rows *sql.Rows) ([]*Batch, error) {
	var batches []*Batch
	for rows.Next() {
		b := &Batch{}
		var completed sql.NullTime
		if err := rows.Scan(
			&b.ID, &b.Requested, &b.Printed, &b.FailedIndex,
			&b.Stage, &b.Error, &b.StartedAt, &completed); err != nil {
			return nil, fmt.Errorf("failed to scan batch: %w", err)
		}
		if completed.Valid {
			t := completed.Time
			b.CompletedAt = &t
		}
		batches = append(batches, b)
	}
	return batches, rows.Err()
}

func (o *BatchOperations) CountFailedSince(ctx context.Context, since time.Time) (int64, error) {
	conn := GetDB()
	if conn == nil {
		return 0, ErrNotInitialized
	}

	var n int64
	if err := conn.QueryRowContext(ctx, CountFailedBatchesSince, since).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count failed batches: %w", err)
	}
	return n, nil
}

type CounterOperations struct{}

// Add adds n printed labels to the counter for date's calendar day.
func (o *CounterOperations) Add(ctx context.Context, date time.Time, n int) error {
	conn := GetDB()
	if conn == nil {
		return ErrNotInitialized
	}
	if _, err := conn.ExecContext(ctx, AddPrintCounter, date.Format(dateLayout), n); err != nil {
		return fmt.Errorf("failed to add to daily counter: %w", err)
	}
	return nil
}

func (o *CounterOperations) Get(ctx context.Context, date time.Time) (int64, error) {
	conn := GetDB()
	if conn == nil {
		return 0, ErrNotInitialized
	}

	var n int64
	err := conn.QueryRowContext(ctx, GetPrintCounter, date.Format(dateLayout)).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get daily counter: %w", err)
	}
	return n, nil
}

func (o *CounterOperations) Today(ctx context.Context) (int64, error) {
	return o.Get(ctx, time.Now())
}

func (o *CounterOperations) Range(ctx context.Context, from, to time.Time) ([]*PrintCounter, error) {
	conn := GetDB()
	if conn == nil {
		return nil, ErrNotInitialized
	}

	rows, err := conn.QueryContext(ctx, GetPrintCountersByDateRange, from.Format(dateLayout), to.Format(dateLayout))
	if err != nil {
		return nil, fmt.Errorf("failed to get counters: %w", err)
	}
	defer rows.Close()

	var counters []*PrintCounter
	for rows.Next() {
		c := &PrintCounter{}
		var dateStr string
		if err := rows.Scan(&dateStr, &c.Count); err != nil {
			return nil, fmt.Errorf("failed to scan counter: %w", err)
		}
		c.Date, _ = time.Parse(dateLayout, dateStr)
		counters = append(counters, c)
	}
	return counters, rows.Err()
}

type SettingsOperations struct{}

// Get returns sql.ErrNoRows when key is unset.
func (o *SettingsOperations) Get(ctx context.Context, key string) (*Setting, error) {
	conn := GetDB()
	if conn == nil {
		return nil, ErrNotInitialized
	}

	s := &Setting{Key: key}
	err := conn.QueryRowContext(ctx, GetSetting, key).Scan(&s.Value, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("failed to get setting: %w", err)
	}
	return s, nil
}

func (o *SettingsOperations) Set(ctx context.Context, key, value string) error {
	conn := GetDB()
	if conn == nil {
		return ErrNotInitialized
	}
	if _, err := conn.ExecContext(ctx, SetSetting, key, value); err != nil {
		return fmt.Errorf("failed to set setting: %w", err)
	}
	return nil
}

// History stores finished batches and feeds the daily counter.
type History struct{}

func (History) RecordBatch(ctx context.Context, rec *core.BatchRecord) error {
	if err := Batches.Record(ctx, rec); err != nil {
		return err
	}
	if rec.Printed == 0 {
		return nil
	}
	return Counters.Add(ctx, rec.StartedAt, rec.Printed)
}

var (
	Batches  = &BatchOperations{}
	Counters = &CounterOperations{}
	Settings = &SettingsOperations{}
)
