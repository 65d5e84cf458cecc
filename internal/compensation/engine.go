// Package compensation turns raw work and expense reports into one
// MonthlyCompensationRecord per member-month.
//
// The pipeline runs in seven stages:
//
//  1. aggregate work rows per (source, year, month of date)
//  2. aggregate expense rows per (source, year, month)
//  3. union the keys of both sides
//  4. left-join member attributes
//  5. subtotal, position rate and qualification allowance
//  6. withholding base and tax
//  7. final payment and donation bucket
//
// Compute is pure: it reads no clock and keeps no state between calls, so
// the same snapshot always yields the same records. All arithmetic is exact
// decimal; the withholding floor is the only truncation.
package compensation

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"monthlypay/internal/core"
)

type IssueKind string

const (
	IssueUnkeyedWorkRow    IssueKind = "unkeyed_work_row"
	IssueUnkeyedExpenseRow IssueKind = "unkeyed_expense_row"
	IssueMemberMissing     IssueKind = "member_missing"
	IssueDuplicateMember   IssueKind = "duplicate_member"
)

// Issue is a data-quality signal raised while computing. Issues never stop
// the computation.
type Issue struct {
	Kind     IssueKind `json:"kind"`
	SourceID string    `json:"source_id"`
	Key      core.Key  `json:"key"`
	Detail   string    `json:"detail,omitempty"`
}

// Snapshot is the complete input of one computation.
type Snapshot struct {
	Work               []core.WorkReportRow
	Expenses           []core.ExpenseReportRow
	Members            []core.MemberAttributes
	WithholdingTargets []core.WithholdingTarget
}

type Result struct {
	Records []core.MonthlyCompensationRecord
	Issues  []Issue
}

// IssueCounts tallies issues by kind.
func (r Result) IssueCounts() map[IssueKind]int {
	counts := make(map[IssueKind]int)
	for _, is := range r.Issues {
		counts[is.Kind]++
	}
	return counts
}

type Engine struct {
	rules Rules
}

func NewEngine(rules Rules) *Engine {
	return &Engine{rules: rules}
}

func (e *Engine) Rules() Rules {
	return e.rules
}

type workAgg struct {
	rows        int
	hours       decimal.Decimal
	hourPay     decimal.Decimal
	distance    decimal.Decimal
	dayCount    int
	withholding decimal.Decimal
}

type expenseAgg struct {
	rows          int
	hours         decimal.Decimal
	compensation  decimal.Decimal
	dxSubsidy     decimal.Decimal
	reimbursement decimal.Decimal
}

func (e *Engine) Compute(s Snapshot) Result {
	var issues []Issue

	dayRate := categorySet(e.rules.DayRateCategories)
	withholding := categorySet(e.rules.WithholdingCategories)
	licensedIDs := make(map[string]struct{})
	for _, t := range s.WithholdingTargets {
		if c := strings.TrimSpace(t.WorkCategory); c != "" {
			withholding[c] = struct{}{}
		}
		if id := strings.TrimSpace(t.LicensedMemberID); id != "" {
			licensedIDs[id] = struct{}{}
		}
	}

	work, workIssues := e.aggregateWork(s.Work, dayRate, withholding)
	issues = append(issues, workIssues...)

	expenses, expenseIssues := aggregateExpenses(s.Expenses)
	issues = append(issues, expenseIssues...)

	keys := unionKeys(work, expenses)

	members, memberIssues := indexMembers(s.Members, licensedIDs)
	issues = append(issues, memberIssues...)

	records := make([]core.MonthlyCompensationRecord, 0, len(keys))
	missingReported := make(map[string]bool)
	for _, k := range keys {
		m, found := members[k.SourceID]
		if !found && !missingReported[k.SourceID] {
			missingReported[k.SourceID] = true
			issues = append(issues, Issue{
				Kind:     IssueMemberMissing,
				SourceID: k.SourceID,
				Key:      k,
				Detail:   "no member attributes for source",
			})
		}
		w, hasWork := work[k]
		x := expenses[k]
		records = append(records, e.calculate(k, m, found, w, hasWork, x))
	}

	return Result{Records: records, Issues: issues}
}

// Stage 1.
func (e *Engine) aggregateWork(rows []core.WorkReportRow, dayRate, withholding map[string]struct{}) (map[core.Key]*workAgg, []Issue) {
	out := make(map[core.Key]*workAgg)
	var issues []Issue
	for i, r := range rows {
		if r.SourceID == "" || !core.ValidYear(r.Year) || r.Date == nil {
			issues = append(issues, Issue{
				Kind:     IssueUnkeyedWorkRow,
				SourceID: r.SourceID,
				Detail:   fmt.Sprintf("row %d: missing source, year or date", i),
			})
			continue
		}
		k := core.Key{SourceID: r.SourceID, Year: r.Year, Month: int(r.Date.Month())}
		agg, ok := out[k]
		if !ok {
			agg = &workAgg{}
			out[k] = agg
		}
		agg.rows++

		category := strings.TrimSpace(r.WorkCategory)
		if _, isDayRate := dayRate[category]; isDayRate {
			agg.dayCount++
		} else {
			hours := decimal.NewFromFloat(r.WorkHours)
			agg.hours = agg.hours.Add(hours)
			agg.hourPay = agg.hourPay.Add(decimal.NewFromFloat(r.UnitPrice).Mul(hours))
		}
		agg.distance = agg.distance.Add(decimal.NewFromFloat(r.TravelDistanceKm))

		if _, eligible := withholding[category]; eligible {
			agg.withholding = agg.withholding.Add(decimal.NewFromFloat(r.Amount))
		}
	}
	return out, issues
}

// Stage 2.
func aggregateExpenses(rows []core.ExpenseReportRow) (map[core.Key]*expenseAgg, []Issue) {
	out := make(map[core.Key]*expenseAgg)
	var issues []Issue
	for i, r := range rows {
		k := core.Key{SourceID: r.SourceID, Year: r.Year, Month: r.Month}
		if k.Validate() != nil {
			issues = append(issues, Issue{
				Kind:     IssueUnkeyedExpenseRow,
				SourceID: r.SourceID,
				Detail:   fmt.Sprintf("row %d: missing source, year or month", i),
			})
			continue
		}
		agg, ok := out[k]
		if !ok {
			agg = &expenseAgg{}
			out[k] = agg
		}
		agg.rows++
		agg.hours = agg.hours.Add(decimal.NewFromFloat(r.Hours))
		agg.compensation = agg.compensation.Add(decimal.NewFromFloat(r.Compensation))
		agg.dxSubsidy = agg.dxSubsidy.Add(decimal.NewFromFloat(r.DXSubsidy))
		agg.reimbursement = agg.reimbursement.Add(decimal.NewFromFloat(r.Reimbursement))
	}
	return out, issues
}

// Stage 3. Keys come back sorted so output order never depends on map
// iteration.
func unionKeys(work map[core.Key]*workAgg, expenses map[core.Key]*expenseAgg) []core.Key {
	seen := make(map[core.Key]struct{}, len(work)+len(expenses))
	for k := range work {
		seen[k] = struct{}{}
	}
	for k := range expenses {
		seen[k] = struct{}{}
	}
	keys := make([]core.Key, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })
	return keys
}

// Stage 4 lookup table. The first row for a source wins.
func indexMembers(rows []core.MemberAttributes, licensedIDs map[string]struct{}) (map[string]core.MemberAttributes, []Issue) {
	out := make(map[string]core.MemberAttributes, len(rows))
	var issues []Issue
	for _, m := range rows {
		id := strings.TrimSpace(m.SourceID)
		if id == "" {
			continue
		}
		if _, dup := out[id]; dup {
			issues = append(issues, Issue{
				Kind:     IssueDuplicateMember,
				SourceID: id,
				Detail:   fmt.Sprintf("member %q ignored, source already mapped", m.MemberID),
			})
			continue
		}
		if _, ok := licensedIDs[strings.TrimSpace(m.MemberID)]; ok && m.MemberID != "" {
			m.IsLicensed = true
		}
		out[id] = m
	}
	return out, issues
}

// Stages 5 to 7 for one key.
func (e *Engine) calculate(k core.Key, m core.MemberAttributes, memberFound bool, w *workAgg, hasWork bool, x *expenseAgg) core.MonthlyCompensationRecord {
	if w == nil {
		w = &workAgg{}
	}
	if x == nil {
		x = &expenseAgg{}
	}

	rec := core.MonthlyCompensationRecord{
		Key:                    k,
		MemberMissing:          !memberFound,
		WorkHours:              w.hours,
		HourCompensation:       w.hourPay,
		TravelDistanceKm:       w.distance,
		DailyWageCount:         w.dayCount,
		DXSubsidy:              x.dxSubsidy,
		Reimbursement:          x.reimbursement,
		PositionRate:           decimal.Zero,
		QualificationAllowance: decimal.Zero,
	}
	if memberFound {
		rec.MemberID = m.MemberID
		rec.DisplayName = m.DisplayName
		rec.LegalName = m.LegalName
		rec.IsCorporate = m.IsCorporate
		rec.IsDonation = m.IsDonation
		rec.IsLicensed = m.IsLicensed
		rec.PositionRate = decimal.NewFromFloat(m.PositionRate)
		rec.QualificationAllowance = decimal.NewFromFloat(m.QualificationAllowance)
	}

	if !hasWork && e.rules.UseCompensationFallback && x.rows > 0 {
		rec.HourCompensation = x.compensation
		rec.WorkHours = x.hours
	}

	rec.DistanceCompensation = rec.TravelDistanceKm.Mul(e.rules.PerKmRate)
	dayCount := decimal.NewFromInt(int64(rec.DailyWageCount))
	rec.FullDayCompensation = dayCount.Mul(e.rules.DayRate)
	rec.TotalWorkHours = rec.WorkHours.Add(dayCount.Mul(e.rules.DayRateHours))

	// Stage 5.
	rec.SubtotalCompensation = rec.HourCompensation.Add(rec.DistanceCompensation).Add(rec.FullDayCompensation)
	rec.PositionAdjustedCompensation = rec.SubtotalCompensation.Mul(decimal.NewFromInt(1).Add(rec.PositionRate))
	rec.QualificationAdjustedCompensation = rec.PositionAdjustedCompensation.Add(rec.QualificationAllowance)

	// Stage 6. Exemption outranks the licensed override.
	switch {
	case rec.IsCorporate || rec.IsDonation:
		rec.WithholdingTargetAmount = decimal.Zero
	case rec.IsLicensed:
		rec.WithholdingTargetAmount = rec.QualificationAdjustedCompensation
	default:
		rec.WithholdingTargetAmount = w.withholding
	}
	rec.WithholdingTax = WithholdingTax(rec.WithholdingTargetAmount, e.rules.WithholdingRate)

	// Stage 7.
	rec.Payment = rec.QualificationAdjustedCompensation.
		Add(rec.WithholdingTax).
		Add(rec.DXSubsidy).
		Add(rec.Reimbursement)
	rec.DonationPayment = decimal.Zero
	if rec.IsDonation {
		rec.DonationPayment = rec.Payment
	}
	return rec
}

// WithholdingTax returns -floor(target * rate). A negative target yields no
// tax so the result is never positive.
func WithholdingTax(target, rate decimal.Decimal) decimal.Decimal {
	if !target.IsPositive() {
		return decimal.Zero
	}
	return target.Mul(rate).Floor().Neg()
}
