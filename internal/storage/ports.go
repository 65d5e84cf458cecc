package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"monthlypay/internal/core"
	"monthlypay/internal/ledger"
)

// RawTable names one of the collected spreadsheet tables.
type RawTable string

const (
	TableWorkReports    RawTable = "work_reports"
	TableExpenseReports RawTable = "expense_reports"
	TableMembers        RawTable = "members"
)

var ErrUnknownTable = errors.New("unknown raw table")

func RawTables() []RawTable {
	return []RawTable{TableWorkReports, TableExpenseReports, TableMembers}
}

func (t RawTable) Validate() error {
	switch t {
	case TableWorkReports, TableExpenseReports, TableMembers:
		return nil
	}
	return fmt.Errorf("%w: %q", ErrUnknownTable, string(t))
}

// ReportStore holds the collected spreadsheet rows. Each table is only
// ever replaced as a whole.
type ReportStore interface {
	ReplaceRaw(ctx context.Context, table RawTable, rows []core.RawRow, ingestedAt time.Time) error
	ReadRaw(ctx context.Context, table RawTable) ([]core.RawRow, error)
	ReplaceWithholdingTargets(ctx context.Context, targets []core.WithholdingTarget) error
	ListWithholdingTargets(ctx context.Context) ([]core.WithholdingTarget, error)
}

// CompensationStore holds the aggregator output.
type CompensationStore interface {
	// ReplaceCompensation swaps the whole table in one transaction.
	ReplaceCompensation(ctx context.Context, records []core.MonthlyCompensationRecord, computedAt time.Time) error

	// ListCompensation filters by year and month; zero means any.
	ListCompensation(ctx context.Context, year, month int) ([]core.MonthlyCompensationRecord, error)
}

// UserStore is the dashboard whitelist.
type UserStore interface {
	GetUser(ctx context.Context, email string) (core.DashboardUser, bool, error)
	ListUsers(ctx context.Context) ([]core.DashboardUser, error)

	// AddUser reports false when the email is already registered.
	AddUser(ctx context.Context, u core.DashboardUser) (bool, error)
	UpdateUserRole(ctx context.Context, email string, role core.Role, at time.Time) (bool, error)
	DeleteUser(ctx context.Context, email string) (bool, error)
}

// Repository is everything a backend provides.
type Repository interface {
	ReportStore
	CompensationStore
	UserStore
	ledger.Store
	Ping(ctx context.Context) error
	Close() error
}
