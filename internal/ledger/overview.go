package ledger

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"monthlypay/internal/core"
)

// UnsetDisplayName stands in for members without a nickname.
const UnsetDisplayName = "(未設定)"

// RosterReader provides the member roster and the month's expense report
// figures that the review screen shows next to each check.
type RosterReader interface {
	ListMembers(ctx context.Context) ([]core.MemberAttributes, error)
	ListExpenseReports(ctx context.Context, year, month int) ([]core.ExpenseReportRow, error)
}

type OverviewRow struct {
	SourceID        string                `json:"source_id"`
	MemberID        string                `json:"member_id"`
	DisplayName     string                `json:"display_name"`
	Hours           decimal.Decimal       `json:"hours"`
	Compensation    decimal.Decimal       `json:"compensation"`
	DXSubsidy       decimal.Decimal       `json:"dx_subsidy"`
	Reimbursement   decimal.Decimal       `json:"reimbursement"`
	TotalAmount     decimal.Decimal       `json:"total_amount"`
	MonthlyComplete bool                  `json:"monthly_complete"`
	HasReport       bool                  `json:"has_report"`
	Status          core.CheckStatus      `json:"status"`
	Checker         string                `json:"checker,omitempty"`
	Memo            string                `json:"memo,omitempty"`
	ActionLog       []core.ActionLogEntry `json:"action_log"`

	// UpdatedAt is the version to send back with the next submit. It is
	// nil when no check exists yet.
	UpdatedAt *time.Time `json:"updated_at"`
}

type Overview struct {
	Year                 int                      `json:"year"`
	Month                int                      `json:"month"`
	Rows                 []OverviewRow            `json:"rows"`
	StatusCounts         map[core.CheckStatus]int `json:"status_counts"`
	MonthlyCompleteCount int                      `json:"monthly_complete_count"`
}

// Filter keeps rows with the given status; an empty status keeps all.
func (o Overview) Filter(status core.CheckStatus) []OverviewRow {
	if status == "" {
		return o.Rows
	}
	var rows []OverviewRow
	for _, r := range o.Rows {
		if r.Status == status {
			rows = append(rows, r)
		}
	}
	return rows
}

func overviewKey(year, month int) string {
	return fmt.Sprintf("%04d-%02d", year, month)
}

// Overview lists every rostered member for a month with their expense
// figures and current check. Members without a check are unconfirmed.
func (s *Service) Overview(ctx context.Context, year, month int) (Overview, error) {
	if !core.ValidYear(year) {
		return Overview{}, fmt.Errorf("%w: %w", ErrInvalidKey, core.ErrInvalidYear)
	}
	if month < 1 || month > 12 {
		return Overview{}, fmt.Errorf("%w: %w", ErrInvalidKey, core.ErrInvalidMonth)
	}
	if s.roster == nil {
		return Overview{}, fmt.Errorf("overview: no roster configured")
	}

	ck := overviewKey(year, month)
	if s.overview != nil {
		if o, ok := s.overview.Get(ck); ok {
			return o, nil
		}
	}

	members, err := s.roster.ListMembers(ctx)
	if err != nil {
		return Overview{}, fmt.Errorf("list members: %w", err)
	}
	expenses, err := s.roster.ListExpenseReports(ctx, year, month)
	if err != nil {
		return Overview{}, fmt.Errorf("list expense reports: %w", err)
	}
	checks, err := s.store.ListChecks(ctx, year, month)
	if err != nil {
		return Overview{}, fmt.Errorf("list checks: %w", err)
	}

	o := buildOverview(year, month, members, expenses, checks)
	if s.overview != nil {
		s.overview.Set(ck, o)
	}
	return o, nil
}

func buildOverview(year, month int, members []core.MemberAttributes, expenses []core.ExpenseReportRow, checks []StoredCheck) Overview {
	type figures struct {
		hours, comp, dx, reimb, total decimal.Decimal
		complete                      bool
	}
	bySource := make(map[string]*figures)
	for _, e := range expenses {
		if e.Year != year || e.Month != month {
			continue
		}
		f, ok := bySource[e.SourceID]
		if !ok {
			f = &figures{}
			bySource[e.SourceID] = f
		}
		f.hours = f.hours.Add(decimal.NewFromFloat(e.Hours))
		f.comp = f.comp.Add(decimal.NewFromFloat(e.Compensation))
		f.dx = f.dx.Add(decimal.NewFromFloat(e.DXSubsidy))
		f.reimb = f.reimb.Add(decimal.NewFromFloat(e.Reimbursement))
		f.total = f.total.Add(decimal.NewFromFloat(e.TotalAmount))
		f.complete = f.complete || e.MonthlyComplete
	}

	checkBySource := make(map[string]StoredCheck, len(checks))
	for _, c := range checks {
		checkBySource[c.Key.SourceID] = c
	}

	o := Overview{
		Year:         year,
		Month:        month,
		Rows:         make([]OverviewRow, 0, len(members)),
		StatusCounts: make(map[core.CheckStatus]int, 4),
	}
	for _, st := range core.CheckStatuses() {
		o.StatusCounts[st] = 0
	}

	seen := make(map[string]struct{}, len(members))
	for _, m := range members {
		if m.SourceID == "" {
			continue
		}
		if _, dup := seen[m.SourceID]; dup {
			continue
		}
		seen[m.SourceID] = struct{}{}

		row := OverviewRow{
			SourceID:    m.SourceID,
			MemberID:    m.MemberID,
			DisplayName: strings.TrimSpace(m.DisplayName),
			Status:      core.StatusUnconfirmed,
			ActionLog:   []core.ActionLogEntry{},
		}
		if row.DisplayName == "" {
			row.DisplayName = UnsetDisplayName
		}
		if f, ok := bySource[m.SourceID]; ok {
			row.HasReport = true
			row.Hours = f.hours
			row.Compensation = f.comp
			row.DXSubsidy = f.dx
			row.Reimbursement = f.reimb
			row.TotalAmount = f.total
			row.MonthlyComplete = f.complete
		}
		if c, ok := checkBySource[m.SourceID]; ok {
			rec := c.Decode()
			row.Status = rec.Status
			row.Checker = rec.Checker
			row.Memo = rec.Memo
			row.ActionLog = rec.ActionLog
			updated := rec.UpdatedAt
			row.UpdatedAt = &updated
		}

		o.StatusCounts[row.Status]++
		if row.MonthlyComplete {
			o.MonthlyCompleteCount++
		}
		o.Rows = append(o.Rows, row)
	}

	sort.SliceStable(o.Rows, func(i, j int) bool {
		if o.Rows[i].DisplayName != o.Rows[j].DisplayName {
			return o.Rows[i].DisplayName < o.Rows[j].DisplayName
		}
		return o.Rows[i].SourceID < o.Rows[j].SourceID
	})
	return o
}
