package db

const (
	InsertBatch = `
		INSERT INTO batches (requested, printed, failed_index, stage, error, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	ListRecentBatches = `
		SELECT id, requested, printed, failed_index, stage, error, started_at, completed_at
		FROM batches ORDER BY started_at DESC, id DESC LIMIT ?
	`

	ListBatchesBefore = `
		SELECT id, requested, printed, failed_index, stage, error, started_at, completed_at
		FROM batches WHERE started_at < ? ORDER BY started_at ASC
	`

	DeleteBatchesBefore = `DELETE FROM batches WHERE started_at < ?`

	CountFailedBatchesSince = `
		SELECT COUNT(*) FROM batches WHERE error != '' AND started_at >= ?
	`
)

const (
	AddPrintCounter = `
		INSERT INTO print_counters (date, count)
		VALUES (?, ?)
		ON CONFLICT(date) DO UPDATE SET count = count + excluded.count
	`

	GetPrintCounter = `
		SELECT count FROM print_counters WHERE date = ?
	`

	GetPrintCountersByDateRange = `
		SELECT date, count
		FROM print_counters WHERE date >= ? AND date <= ? ORDER BY date ASC
	`
)

const (
	GetSetting = `
		SELECT value, updated_at FROM settings WHERE key = ?
	`

	SetSetting = `
		INSERT INTO settings (key, value, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP
	`
)

const (
	InsertMigration = `INSERT INTO schema_migrations (version) VALUES (?)`

	GetAppliedMigrations = `
		SELECT version FROM schema_migrations
	`
)
