package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const dbName = "session.db"

// Target is a row of the targets table
type Target struct {
	ID          int64
	Name        string
	Description *string
	IPAddress   *string
	Hostname    *string
	OS          *string
	Status      *string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (t Target) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "id: %d, name: %q", t.ID, t.Name)
	for _, f := range []struct {
		name  string
		value *string
	}{
		{"ip_address", t.IPAddress},
		{"hostname", t.Hostname},
		{"os", t.OS},
		{"status", t.Status},
	} {
		if f.value != nil {
			fmt.Fprintf(&sb, ", %s: %q", f.name, *f.value)
		} else {
			fmt.Fprintf(&sb, ", %s: nil", f.name)
		}
	}
	return sb.String()
}

// Finding is a row of the findings table
type Finding struct {
	ID          int64
	TargetID    int64
	Name        string
	Description *string
	Severity    *string
	Status      *string
	Source      *string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func initDB(ctx context.Context, dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, err
	}
	// sqlite allows one writer, database/sql would otherwise open more
	db.SetMaxOpenConns(1)

	_, err = db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS targets (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			description TEXT DEFAULT NULL,
			ip_address TEXT DEFAULT NULL,
			hostname TEXT DEFAULT NULL,
			os TEXT DEFAULT NULL,
			status TEXT DEFAULT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS findings (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			target_id INTEGER NOT NULL REFERENCES targets(id) ON DELETE CASCADE,
			name TEXT NOT NULL,
			description TEXT DEFAULT NULL,
			severity TEXT DEFAULT NULL,
			status TEXT DEFAULT NULL,
			source TEXT DEFAULT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS targets_ip_address ON targets(ip_address);
		CREATE INDEX IF NOT EXISTS findings_target_id ON findings(target_id);`,
	)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTimestamp(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

// inTx runs fn in a transaction, which is committed when fn returns nil
func inTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			slog.ErrorContext(ctx, "Calling `tx.Rollback()` failed.", "error", err)
		}
	}()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction failed: %w", err)
	}
	return nil
}

func insertTarget(ctx context.Context, tx *sql.Tx, t Target, now time.Time) (int64, error) {
	result, err := tx.ExecContext(ctx,
		`INSERT INTO targets (name, description, ip_address, hostname, os, status, created_at, updated_at)
		 VALUES (?,?,?,?,?,?,?,?);`,
		t.Name, t.Description, t.IPAddress, t.Hostname, t.OS, t.Status, timestamp(now), timestamp(now),
	)
	if err != nil {
		return 0, fmt.Errorf("executing sql insert failed: %w", err)
	}
	return result.LastInsertId()
}

// upsertTarget updates the target with the same IP address or with the
// same name when there is no address. Known values are never replaced
// by NULL.
func upsertTarget(ctx context.Context, tx *sql.Tx, t Target, now time.Time) (int64, error) {
	var row *sql.Row
	if t.IPAddress != nil {
		row = tx.QueryRowContext(ctx, `SELECT id FROM targets WHERE ip_address=? ORDER BY id LIMIT 1`, *t.IPAddress)
	} else {
		row = tx.QueryRowContext(ctx, `SELECT id FROM targets WHERE name=? AND ip_address IS NULL ORDER BY id LIMIT 1`, t.Name)
	}
	var id int64
	err := row.Scan(&id)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return insertTarget(ctx, tx, t, now)
	case err != nil:
		return 0, fmt.Errorf("executing sql query failed: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE targets
		 SET
			description = COALESCE(?, description),
			hostname = COALESCE(?, hostname),
			os = COALESCE(?, os),
			status = COALESCE(?, status),
			updated_at = ?
		 WHERE id = ?;
		`, t.Description, t.Hostname, t.OS, t.Status, timestamp(now), id,
	)
	if err != nil {
		return 0, fmt.Errorf("executing sql update failed: %w", err)
	}
	return id, nil
}

func insertFinding(ctx context.Context, tx *sql.Tx, f Finding, now time.Time) (int64, error) {
	result, err := tx.ExecContext(ctx,
		`INSERT INTO findings (target_id, name, description, severity, status, source, created_at, updated_at)
		 VALUES (?,?,?,?,?,?,?,?);`,
		f.TargetID, f.Name, f.Description, f.Severity, f.Status, f.Source, timestamp(now), timestamp(now),
	)
	if err != nil {
		return 0, fmt.Errorf("executing sql insert failed: %w", err)
	}
	return result.LastInsertId()
}

// upsertFinding returns true when a new finding was inserted. A finding
// with the same target, name and description is only touched.
func upsertFinding(ctx context.Context, tx *sql.Tx, f Finding, now time.Time) (bool, error) {
	var id int64
	err := tx.QueryRowContext(ctx,
		`SELECT id FROM findings WHERE target_id=? AND name=? AND description IS ? ORDER BY id LIMIT 1`,
		f.TargetID, f.Name, f.Description,
	).Scan(&id)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err := insertFinding(ctx, tx, f, now)
		return err == nil, err
	case err != nil:
		return false, fmt.Errorf("executing sql query failed: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE findings SET severity = COALESCE(?, severity), updated_at = ? WHERE id = ?;`,
		f.Severity, timestamp(now), id,
	)
	if err != nil {
		return false, fmt.Errorf("executing sql update failed: %w", err)
	}
	return false, nil
}

func scanTarget(row interface{ Scan(...any) error }) (Target, error) {
	var t Target
	var created, updated string
	err := row.Scan(
		&t.ID,
		&t.Name,
		&t.Description,
		&t.IPAddress,
		&t.Hostname,
		&t.OS,
		&t.Status,
		&created,
		&updated,
	)
	if err != nil {
		return Target{}, err
	}
	if t.CreatedAt, err = parseTimestamp(created); err != nil {
		return Target{}, err
	}
	if t.UpdatedAt, err = parseTimestamp(updated); err != nil {
		return Target{}, err
	}
	return t, nil
}

func scanFinding(row interface{ Scan(...any) error }) (Finding, error) {
	var f Finding
	var created, updated string
	err := row.Scan(
		&f.ID,
		&f.TargetID,
		&f.Name,
		&f.Description,
		&f.Severity,
		&f.Status,
		&f.Source,
		&created,
		&updated,
	)
	if err != nil {
		return Finding{}, err
	}
	if f.CreatedAt, err = parseTimestamp(created); err != nil {
		return Finding{}, err
	}
	if f.UpdatedAt, err = parseTimestamp(updated); err != nil {
		return Finding{}, err
	}
	return f, nil
}

func queryTargets(ctx context.Context, db *sql.DB) ([]Target, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT id, name, description, ip_address, hostname, os, status, created_at, updated_at
		 FROM targets ORDER BY id`,
	)
	if err != nil {
		return nil, fmt.Errorf("executing sql query failed: %w", err)
	}
	defer rows.Close()

	var ret []Target
	for rows.Next() {
		t, err := scanTarget(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning target failed: %w", err)
		}
		ret = append(ret, t)
	}
	return ret, rows.Err()
}

func queryTarget(ctx context.Context, db *sql.DB, id int64) (Target, error) {
	row := db.QueryRowContext(ctx,
		`SELECT id, name, description, ip_address, hostname, os, status, created_at, updated_at
		 FROM targets WHERE id=?`, id,
	)
	t, err := scanTarget(row)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return Target{}, ErrNotFound
	case err != nil:
		return Target{}, fmt.Errorf("executing sql query failed: %w", err)
	}
	return t, nil
}

func queryFindings(ctx context.Context, db *sql.DB, targetID *int64) ([]Finding, error) {
	query := `SELECT id, target_id, name, description, severity, status, source, created_at, updated_at
		 FROM findings`
	var args []any
	if targetID != nil {
		query += ` WHERE target_id=?`
		args = append(args, *targetID)
	}
	rows, err := db.QueryContext(ctx, query+` ORDER BY id`, args...)
	if err != nil {
		return nil, fmt.Errorf("executing sql query failed: %w", err)
	}
	defer rows.Close()

	var ret []Finding
	for rows.Next() {
		f, err := scanFinding(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning finding failed: %w", err)
		}
		ret = append(ret, f)
	}
	return ret, rows.Err()
}
