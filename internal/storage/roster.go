package storage

import (
	"context"
	"fmt"

	"monthlypay/internal/core"
	"monthlypay/internal/ledger"
)

// Roster decodes the raw member and expense tables for the review screen.
type Roster struct {
	reports ReportStore
}

var _ ledger.RosterReader = (*Roster)(nil)

func NewRoster(reports ReportStore) *Roster {
	return &Roster{reports: reports}
}

func (r *Roster) ListMembers(ctx context.Context) ([]core.MemberAttributes, error) {
	raw, err := r.reports.ReadRaw(ctx, TableMembers)
	if err != nil {
		return nil, fmt.Errorf("read members: %w", err)
	}
	return core.DecodeMembers(raw), nil
}

func (r *Roster) ListExpenseReports(ctx context.Context, year, month int) ([]core.ExpenseReportRow, error) {
	raw, err := r.reports.ReadRaw(ctx, TableExpenseReports)
	if err != nil {
		return nil, fmt.Errorf("read expense reports: %w", err)
	}
	var out []core.ExpenseReportRow
	for _, e := range core.DecodeExpenseReports(raw) {
		if e.Year == year && e.Month == month {
			out = append(out, e)
		}
	}
	return out, nil
}
