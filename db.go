package main

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// HistoryStore is the read-only view of guardian.db the detectors and the
// agent tools consume.
type HistoryStore interface {
	GetVolumeHistory(taskName string) ([]HistoryRecord, error)
	GetQualityHistory(limit int) ([]QualityRecord, error)
	GetPrev7dNullAvg(column string) (float64, error)
	GetLatestEtlRuns(limit int) ([]EtlRun, error)
}

// GuardianDB wraps the local sqlite file holding run history, quality
// history and collected ETL run logs.
type GuardianDB struct {
	db *sql.DB
}

func InitDB(path string) (*GuardianDB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}

	schema := `
	CREATE TABLE IF NOT EXISTS task_history (
		id             INTEGER PRIMARY KEY AUTOINCREMENT,
		task_name      TEXT NOT NULL,
		run_date       TEXT NOT NULL,
		day_of_week    INTEGER NOT NULL,
		rows_processed INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_task_history_task ON task_history(task_name, run_date);

	CREATE TABLE IF NOT EXISTS quality_history (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		run_date    TEXT NOT NULL,
		column_name TEXT NOT NULL,
		total_rows  INTEGER NOT NULL,
		null_count  INTEGER NOT NULL,
		null_pct    REAL NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_quality_history_col ON quality_history(column_name, run_date);

	CREATE TABLE IF NOT EXISTS etl_runs (
		run_id      TEXT,
		object_name TEXT,
		status      TEXT,
		source_rows INTEGER,
		target_rows INTEGER,
		start_time  TEXT,
		end_time    TEXT,
		PRIMARY KEY (run_id, start_time)
	);
	`
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("creating guardian schema: %w", err)
	}

	return &GuardianDB{db: db}, nil
}

func (g *GuardianDB) Close() error { return g.db.Close() }

func (g *GuardianDB) GetVolumeHistory(taskName string) ([]HistoryRecord, error) {
	rows, err := g.db.Query(
		`SELECT run_date, day_of_week, rows_processed
		 FROM task_history WHERE task_name = ? ORDER BY run_date`,
		taskName,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []HistoryRecord
	for rows.Next() {
		var r HistoryRecord
		if err := rows.Scan(&r.RunDate, &r.DayOfWeek, &r.RowsProcessed); err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

func (g *GuardianDB) GetQualityHistory(limit int) ([]QualityRecord, error) {
	rows, err := g.db.Query(
		`SELECT run_date, column_name, total_rows, null_count, null_pct
		 FROM quality_history ORDER BY run_date DESC, id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []QualityRecord
	for rows.Next() {
		var r QualityRecord
		if err := rows.Scan(&r.RunDate, &r.ColumnName, &r.TotalRows, &r.NullCount, &r.NullPct); err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// GetPrev7dNullAvg returns the trailing average NULL percentage for one
// column over its seven most recent history rows. Zero when no history.
func (g *GuardianDB) GetPrev7dNullAvg(column string) (float64, error) {
	var avg sql.NullFloat64
	err := g.db.QueryRow(
		`SELECT AVG(null_pct) FROM (
		     SELECT null_pct FROM quality_history
		     WHERE column_name = ? ORDER BY run_date DESC LIMIT 7
		 )`,
		column,
	).Scan(&avg)
	if err != nil {
		return 0, err
	}
	if !avg.Valid {
		return 0, nil
	}
	return avg.Float64, nil
}

func (g *GuardianDB) GetLatestEtlRuns(limit int) ([]EtlRun, error) {
	rows, err := g.db.Query(
		`SELECT run_id, object_name, status, source_rows, target_rows, start_time, end_time
		 FROM etl_runs ORDER BY start_time DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []EtlRun
	for rows.Next() {
		var r EtlRun
		if err := rows.Scan(&r.RunID, &r.ObjectName, &r.Status, &r.SourceRows, &r.TargetRows, &r.StartTime, &r.EndTime); err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// --- append side, used by the collector and the daily recorder ---

func (g *GuardianDB) InsertHistoryRecord(taskName string, r HistoryRecord) error {
	_, err := g.db.Exec(
		`INSERT INTO task_history (task_name, run_date, day_of_week, rows_processed)
		 VALUES (?, ?, ?, ?)`,
		taskName, r.RunDate, r.DayOfWeek, r.RowsProcessed,
	)
	return err
}

func (g *GuardianDB) HasHistoryForDate(taskName, runDate string) (bool, error) {
	var count int
	err := g.db.QueryRow(
		`SELECT COUNT(*) FROM task_history WHERE task_name = ? AND run_date = ?`,
		taskName, runDate,
	).Scan(&count)
	return count > 0, err
}

func (g *GuardianDB) InsertQualityRecords(records []QualityRecord) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := g.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(
		`INSERT INTO quality_history (run_date, column_name, total_rows, null_count, null_pct)
		 VALUES (?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range records {
		if _, err := stmt.Exec(r.RunDate, r.ColumnName, r.TotalRows, r.NullCount, r.NullPct); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (g *GuardianDB) HasQualityForDate(runDate string) (bool, error) {
	var count int
	err := g.db.QueryRow(
		`SELECT COUNT(*) FROM quality_history WHERE run_date = ?`,
		runDate,
	).Scan(&count)
	return count > 0, err
}

// UpsertEtlRuns stores collected run-log entries, ignoring duplicates on
// (run_id, start_time) so repeated collection passes stay idempotent.
func (g *GuardianDB) UpsertEtlRuns(runs []EtlRun) (int, error) {
	tx, err := g.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(
		`INSERT OR IGNORE INTO etl_runs (run_id, object_name, status, source_rows, target_rows, start_time, end_time)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	inserted := 0
	for _, r := range runs {
		res, err := stmt.Exec(r.RunID, r.ObjectName, r.Status, r.SourceRows, r.TargetRows, r.StartTime, r.EndTime)
		if err != nil {
			return inserted, err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted++
		}
	}
	return inserted, tx.Commit()
}
