package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"monthlypay/internal/core"
	"monthlypay/internal/ledger"
)

// insertBatchSize keeps multi-row inserts under SQLite's bound parameter limit.
const insertBatchSize = 500

type SQLiteRepository struct {
	db *sqlx.DB
}

var _ Repository = (*SQLiteRepository)(nil)

func NewSQLiteRepository(dbPath string) (*SQLiteRepository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sqlx.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := migrateSQLite(dbPath); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteRepository{db: db}, nil
}

func (r *SQLiteRepository) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

func (r *SQLiteRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func namedInsert(table string, columns []string) string {
	params := make([]string, len(columns))
	for i, c := range columns {
		params[i] = ":" + c
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		table, strings.Join(columns, ", "), strings.Join(params, ", "))
}

func insertBatches[T any](ctx context.Context, tx *sqlx.Tx, query string, rows []T) error {
	for start := 0; start < len(rows); start += insertBatchSize {
		end := min(start+insertBatchSize, len(rows))
		if _, err := tx.NamedExecContext(ctx, query, rows[start:end]); err != nil {
			return err
		}
	}
	return nil
}

// ReplaceRaw implements ReportStore
func (r *SQLiteRepository) ReplaceRaw(ctx context.Context, table RawTable, rows []core.RawRow, ingestedAt time.Time) error {
	if err := table.Validate(); err != nil {
		return err
	}

	records := make([]RawRecord, len(rows))
	for i, row := range rows {
		records[i] = NewRawRecord(row, ingestedAt)
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM "+string(table)); err != nil {
		return fmt.Errorf("clear %s: %w", table, err)
	}
	if err := insertBatches(ctx, tx, namedInsert(string(table), RawColumnNames), records); err != nil {
		return fmt.Errorf("insert %s: %w", table, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit %s: %w", table, err)
	}

	slog.InfoContext(ctx, "Raw table replaced", "table", string(table), "rows", len(records))
	return nil
}

// ReadRaw implements ReportStore
func (r *SQLiteRepository) ReadRaw(ctx context.Context, table RawTable) ([]core.RawRow, error) {
	if err := table.Validate(); err != nil {
		return nil, err
	}

	var records []RawRecord
	query := fmt.Sprintf("SELECT %s FROM %s ORDER BY id", strings.Join(RawColumnNames, ", "), table)
	if err := r.db.SelectContext(ctx, &records, query); err != nil {
		return nil, fmt.Errorf("read %s: %w", table, err)
	}

	rows := make([]core.RawRow, len(records))
	for i, rec := range records {
		rows[i] = rec.Row()
	}
	return rows, nil
}

func (r *SQLiteRepository) ReplaceWithholdingTargets(ctx context.Context, targets []core.WithholdingTarget) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM withholding_targets"); err != nil {
		return fmt.Errorf("clear withholding targets: %w", err)
	}
	query := namedInsert("withholding_targets", []string{"work_category", "licensed_member_id"})
	if err := insertBatches(ctx, tx, query, targets); err != nil {
		return fmt.Errorf("insert withholding targets: %w", err)
	}
	return tx.Commit()
}

func (r *SQLiteRepository) ListWithholdingTargets(ctx context.Context) ([]core.WithholdingTarget, error) {
	var targets []core.WithholdingTarget
	err := r.db.SelectContext(ctx, &targets,
		"SELECT work_category, licensed_member_id FROM withholding_targets ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("list withholding targets: %w", err)
	}
	return targets, nil
}

// ReplaceCompensation implements CompensationStore. Readers see either
// the previous run or this one, never a mix.
func (r *SQLiteRepository) ReplaceCompensation(ctx context.Context, records []core.MonthlyCompensationRecord, computedAt time.Time) error {
	rows := make([]CompensationRow, len(records))
	for i, rec := range records {
		rows[i] = NewCompensationRow(rec, computedAt)
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM monthly_compensation"); err != nil {
		return fmt.Errorf("clear monthly compensation: %w", err)
	}
	if err := insertBatches(ctx, tx, namedInsert("monthly_compensation", CompensationColumnNames), rows); err != nil {
		return fmt.Errorf("insert monthly compensation: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit monthly compensation: %w", err)
	}

	slog.InfoContext(ctx, "Monthly compensation replaced", "rows", len(rows))
	return nil
}

func (r *SQLiteRepository) ListCompensation(ctx context.Context, year, month int) ([]core.MonthlyCompensationRecord, error) {
	query := fmt.Sprintf("SELECT %s FROM monthly_compensation WHERE 1=1", strings.Join(CompensationColumnNames, ", "))
	var args []any
	if year > 0 {
		query += " AND year = ?"
		args = append(args, year)
	}
	if month > 0 {
		query += " AND month = ?"
		args = append(args, month)
	}
	query += " ORDER BY source_id, year, month"

	var rows []CompensationRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list monthly compensation: %w", err)
	}

	records := make([]core.MonthlyCompensationRecord, len(rows))
	for i, row := range rows {
		records[i] = row.Record()
	}
	return records, nil
}

const checkColumns = "source_id, year, month, status, checker, memo, action_log, updated_at"

// GetCheck implements ledger.Store
func (r *SQLiteRepository) GetCheck(ctx context.Context, key core.Key) (ledger.StoredCheck, bool, error) {
	var row CheckRow
	err := r.db.GetContext(ctx, &row,
		"SELECT "+checkColumns+" FROM check_logs WHERE source_id = ? AND year = ? AND month = ?",
		key.SourceID, key.Year, key.Month)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.StoredCheck{}, false, nil
	}
	if err != nil {
		return ledger.StoredCheck{}, false, fmt.Errorf("get check %s: %w", key, err)
	}
	return row.Stored(), true, nil
}

// InsertCheck implements ledger.Store
func (r *SQLiteRepository) InsertCheck(ctx context.Context, c ledger.StoredCheck) (bool, error) {
	res, err := r.db.NamedExecContext(ctx, `
		INSERT INTO check_logs (`+checkColumns+`)
		VALUES (:source_id, :year, :month, :status, :checker, :memo, :action_log, :updated_at)
		ON CONFLICT (source_id, year, month) DO NOTHING`, NewCheckRow(c))
	if err != nil {
		return false, fmt.Errorf("insert check %s: %w", c.Key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert check %s: %w", c.Key, err)
	}
	return n == 1, nil
}

// UpdateCheck implements ledger.Store
func (r *SQLiteRepository) UpdateCheck(ctx context.Context, c ledger.StoredCheck, expected time.Time) (int64, error) {
	row := NewCheckRow(c)
	res, err := r.db.ExecContext(ctx, `
		UPDATE check_logs
		SET status = ?, checker = ?, memo = ?, action_log = ?, updated_at = ?
		WHERE source_id = ? AND year = ? AND month = ? AND updated_at = ?`,
		row.Status, row.Checker, row.Memo, row.ActionLog, row.UpdatedAtMicros,
		row.SourceID, row.Year, row.Month, expected.UnixMicro())
	if err != nil {
		return 0, fmt.Errorf("update check %s: %w", c.Key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("update check %s: %w", c.Key, err)
	}
	return n, nil
}

// ListChecks implements ledger.Store
func (r *SQLiteRepository) ListChecks(ctx context.Context, year, month int) ([]ledger.StoredCheck, error) {
	var rows []CheckRow
	err := r.db.SelectContext(ctx, &rows,
		"SELECT "+checkColumns+" FROM check_logs WHERE year = ? AND month = ? ORDER BY source_id",
		year, month)
	if err != nil {
		return nil, fmt.Errorf("list checks: %w", err)
	}
	checks := make([]ledger.StoredCheck, len(rows))
	for i, row := range rows {
		checks[i] = row.Stored()
	}
	return checks, nil
}

const userColumns = "email, role, display_name, added_by, created_at, updated_at"

// GetUser implements UserStore
func (r *SQLiteRepository) GetUser(ctx context.Context, email string) (core.DashboardUser, bool, error) {
	var u core.DashboardUser
	err := r.db.GetContext(ctx, &u, "SELECT "+userColumns+" FROM dashboard_users WHERE email = ?", email)
	if errors.Is(err, sql.ErrNoRows) {
		return core.DashboardUser{}, false, nil
	}
	if err != nil {
		return core.DashboardUser{}, false, fmt.Errorf("get user: %w", err)
	}
	return u, true, nil
}

func (r *SQLiteRepository) ListUsers(ctx context.Context) ([]core.DashboardUser, error) {
	var users []core.DashboardUser
	if err := r.db.SelectContext(ctx, &users, "SELECT "+userColumns+" FROM dashboard_users ORDER BY email"); err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	return users, nil
}

func (r *SQLiteRepository) AddUser(ctx context.Context, u core.DashboardUser) (bool, error) {
	res, err := r.db.NamedExecContext(ctx, `
		INSERT INTO dashboard_users (`+userColumns+`)
		VALUES (:email, :role, :display_name, :added_by, :created_at, :updated_at)
		ON CONFLICT (email) DO NOTHING`, u)
	if err != nil {
		return false, fmt.Errorf("add user: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("add user: %w", err)
	}
	return n == 1, nil
}

func (r *SQLiteRepository) UpdateUserRole(ctx context.Context, email string, role core.Role, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		"UPDATE dashboard_users SET role = ?, updated_at = ? WHERE email = ?", string(role), at.UTC(), email)
	if err != nil {
		return false, fmt.Errorf("update user role: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update user role: %w", err)
	}
	return n == 1, nil
}

func (r *SQLiteRepository) DeleteUser(ctx context.Context, email string) (bool, error) {
	res, err := r.db.ExecContext(ctx, "DELETE FROM dashboard_users WHERE email = ?", email)
	if err != nil {
		return false, fmt.Errorf("delete user: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete user: %w", err)
	}
	return n == 1, nil
}
