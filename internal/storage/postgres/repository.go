// Package postgres is the PostgreSQL backend. It stores the same tables as
// the SQLite backend and follows the same conditional-write contract for
// check records.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"

	"monthlypay/internal/core"
	"monthlypay/internal/ledger"
	"monthlypay/internal/storage"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type Repository struct {
	pool *pgxpool.Pool
}

var _ storage.Repository = (*Repository)(nil)

func NewRepository(ctx context.Context, dsn string) (*Repository, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := runMigrations(dsn); err != nil {
		pool.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Repository{pool: pool}, nil
}

// runMigrations uses its own database/sql connection, separate from the pool.
func runMigrations(dsn string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open migration database: %w", err)
	}
	defer db.Close()

	driver, err := migratepgx.WithInstance(db, &migratepgx.Config{})
	if err != nil {
		return fmt.Errorf("create pgx driver: %w", err)
	}
	if _, err := storage.ApplyMigrations(migrationsFS, "pgx5", driver); err != nil {
		return err
	}
	return nil
}

func (r *Repository) Close() error {
	r.pool.Close()
	return nil
}

func (r *Repository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// replaceTable truncates table and bulk-loads rows in one transaction.
func (r *Repository) replaceTable(ctx context.Context, table string, columns []string, n int, values func(i int) []any) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "DELETE FROM "+pgx.Identifier{table}.Sanitize()); err != nil {
		return fmt.Errorf("clear %s: %w", table, err)
	}
	if n > 0 {
		_, err = tx.CopyFrom(ctx, pgx.Identifier{table}, columns,
			pgx.CopyFromSlice(n, func(i int) ([]any, error) { return values(i), nil }))
		if err != nil {
			return fmt.Errorf("copy into %s: %w", table, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit %s: %w", table, err)
	}
	return nil
}

func (r *Repository) ReplaceRaw(ctx context.Context, table storage.RawTable, rows []core.RawRow, ingestedAt time.Time) error {
	if err := table.Validate(); err != nil {
		return err
	}
	records := make([]storage.RawRecord, len(rows))
	for i, row := range rows {
		records[i] = storage.NewRawRecord(row, ingestedAt)
	}
	err := r.replaceTable(ctx, string(table), storage.RawColumnNames, len(records),
		func(i int) []any { return records[i].Values() })
	if err != nil {
		return err
	}
	slog.InfoContext(ctx, "Raw table replaced", "table", string(table), "rows", len(records))
	return nil
}

func (r *Repository) ReadRaw(ctx context.Context, table storage.RawTable) ([]core.RawRow, error) {
	if err := table.Validate(); err != nil {
		return nil, err
	}
	query := fmt.Sprintf("SELECT %s FROM %s ORDER BY id",
		strings.Join(storage.RawColumnNames, ", "), pgx.Identifier{string(table)}.Sanitize())
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", table, err)
	}
	records, err := pgx.CollectRows(rows, pgx.RowToStructByName[storage.RawRecord])
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", table, err)
	}
	out := make([]core.RawRow, len(records))
	for i, rec := range records {
		out[i] = rec.Row()
	}
	return out, nil
}

func (r *Repository) ReplaceWithholdingTargets(ctx context.Context, targets []core.WithholdingTarget) error {
	return r.replaceTable(ctx, "withholding_targets", []string{"work_category", "licensed_member_id"}, len(targets),
		func(i int) []any { return []any{targets[i].WorkCategory, targets[i].LicensedMemberID} })
}

func (r *Repository) ListWithholdingTargets(ctx context.Context) ([]core.WithholdingTarget, error) {
	rows, err := r.pool.Query(ctx, "SELECT work_category, licensed_member_id FROM withholding_targets ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("list withholding targets: %w", err)
	}
	targets, err := pgx.CollectRows(rows, pgx.RowToStructByName[core.WithholdingTarget])
	if err != nil {
		return nil, fmt.Errorf("scan withholding targets: %w", err)
	}
	return targets, nil
}

func (r *Repository) ReplaceCompensation(ctx context.Context, records []core.MonthlyCompensationRecord, computedAt time.Time) error {
	rows := make([]storage.CompensationRow, len(records))
	for i, rec := range records {
		rows[i] = storage.NewCompensationRow(rec, computedAt)
	}
	err := r.replaceTable(ctx, "monthly_compensation", storage.CompensationColumnNames, len(rows),
		func(i int) []any { return rows[i].Values() })
	if err != nil {
		return err
	}
	slog.InfoContext(ctx, "Monthly compensation replaced", "rows", len(rows))
	return nil
}

func (r *Repository) ListCompensation(ctx context.Context, year, month int) ([]core.MonthlyCompensationRecord, error) {
	query := fmt.Sprintf(`SELECT %s FROM monthly_compensation
		WHERE ($1 = 0 OR year = $1) AND ($2 = 0 OR month = $2)
		ORDER BY source_id, year, month`, strings.Join(storage.CompensationColumnNames, ", "))
	rows, err := r.pool.Query(ctx, query, year, month)
	if err != nil {
		return nil, fmt.Errorf("list monthly compensation: %w", err)
	}
	scanned, err := pgx.CollectRows(rows, pgx.RowToStructByName[storage.CompensationRow])
	if err != nil {
		return nil, fmt.Errorf("scan monthly compensation: %w", err)
	}
	out := make([]core.MonthlyCompensationRecord, len(scanned))
	for i, row := range scanned {
		out[i] = row.Record()
	}
	return out, nil
}

const checkColumns = "source_id, year, month, status, checker, memo, action_log, updated_at"

func scanCheck(row pgx.Row) (ledger.StoredCheck, error) {
	var (
		c      ledger.StoredCheck
		status string
	)
	err := row.Scan(&c.Key.SourceID, &c.Key.Year, &c.Key.Month, &status, &c.Checker, &c.Memo, &c.ActionLog, &c.UpdatedAt)
	c.Status = core.CheckStatus(status)
	c.UpdatedAt = c.UpdatedAt.UTC()
	return c, err
}

func (r *Repository) GetCheck(ctx context.Context, key core.Key) (ledger.StoredCheck, bool, error) {
	c, err := scanCheck(r.pool.QueryRow(ctx,
		"SELECT "+checkColumns+" FROM check_logs WHERE source_id = $1 AND year = $2 AND month = $3",
		key.SourceID, key.Year, key.Month))
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.StoredCheck{}, false, nil
	}
	if err != nil {
		return ledger.StoredCheck{}, false, fmt.Errorf("get check %s: %w", key, err)
	}
	return c, true, nil
}

func (r *Repository) InsertCheck(ctx context.Context, c ledger.StoredCheck) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
INSERT INTO check_logs (`+checkColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (source_id, year, month) DO NOTHING`,
		c.Key.SourceID, c.Key.Year, c.Key.Month, string(c.Status), c.Checker, c.Memo, c.ActionLog, c.UpdatedAt.UTC())
	if err != nil {
		return false, fmt.Errorf("insert check %s: %w", c.Key, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *Repository) UpdateCheck(ctx context.Context, c ledger.StoredCheck, expected time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
UPDATE check_logs
SET status = $4, checker = $5, memo = $6, action_log = $7, updated_at = $8
WHERE source_id = $1 AND year = $2 AND month = $3 AND updated_at = $9`,
		c.Key.SourceID, c.Key.Year, c.Key.Month, string(c.Status), c.Checker, c.Memo, c.ActionLog,
		c.UpdatedAt.UTC(), expected.UTC())
	if err != nil {
		return 0, fmt.Errorf("update check %s: %w", c.Key, err)
	}
	return tag.RowsAffected(), nil
}

func (r *Repository) ListChecks(ctx context.Context, year, month int) ([]ledger.StoredCheck, error) {
	rows, err := r.pool.Query(ctx,
		"SELECT "+checkColumns+" FROM check_logs WHERE year = $1 AND month = $2 ORDER BY source_id", year, month)
	if err != nil {
		return nil, fmt.Errorf("list checks: %w", err)
	}
	defer rows.Close()

	var out []ledger.StoredCheck
	for rows.Next() {
		c, err := scanCheck(rows)
		if err != nil {
			return nil, fmt.Errorf("scan check: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

const userColumns = "email, role, display_name, added_by, created_at, updated_at"

func (r *Repository) GetUser(ctx context.Context, email string) (core.DashboardUser, bool, error) {
	rows, err := r.pool.Query(ctx, "SELECT "+userColumns+" FROM dashboard_users WHERE email = $1", email)
	if err != nil {
		return core.DashboardUser{}, false, fmt.Errorf("get user: %w", err)
	}
	u, err := pgx.CollectOneRow(rows, pgx.RowToStructByName[core.DashboardUser])
	if errors.Is(err, pgx.ErrNoRows) {
		return core.DashboardUser{}, false, nil
	}
	if err != nil {
		return core.DashboardUser{}, false, fmt.Errorf("get user: %w", err)
	}
	return u, true, nil
}

func (r *Repository) ListUsers(ctx context.Context) ([]core.DashboardUser, error) {
	rows, err := r.pool.Query(ctx, "SELECT "+userColumns+" FROM dashboard_users ORDER BY email")
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	users, err := pgx.CollectRows(rows, pgx.RowToStructByName[core.DashboardUser])
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	return users, nil
}

func (r *Repository) AddUser(ctx context.Context, u core.DashboardUser) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
INSERT INTO dashboard_users (`+userColumns+`)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (email) DO NOTHING`,
		u.Email, string(u.Role), u.DisplayName, u.AddedBy, u.CreatedAt.UTC(), u.UpdatedAt.UTC())
	if err != nil {
		return false, fmt.Errorf("add user: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *Repository) UpdateUserRole(ctx context.Context, email string, role core.Role, at time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		"UPDATE dashboard_users SET role = $2, updated_at = $3 WHERE email = $1", email, string(role), at.UTC())
	if err != nil {
		return false, fmt.Errorf("update user role: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *Repository) DeleteUser(ctx context.Context, email string) (bool, error) {
	tag, err := r.pool.Exec(ctx, "DELETE FROM dashboard_users WHERE email = $1", email)
	if err != nil {
		return false, fmt.Errorf("delete user: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}
