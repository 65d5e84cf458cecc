package compensation

import (
	"sort"

	"github.com/shopspring/decimal"

	"monthlypay/internal/core"
)

// Filter selects records for display. Zero values match everything.
type Filter struct {
	Year    int
	Month   int
	Members []string // display names or source ids
}

func (f Filter) Match(r core.MonthlyCompensationRecord) bool {
	if f.Year != 0 && r.Year != f.Year {
		return false
	}
	if f.Month != 0 && r.Month != f.Month {
		return false
	}
	if len(f.Members) == 0 {
		return true
	}
	for _, m := range f.Members {
		if m == r.DisplayName || m == r.SourceID {
			return true
		}
	}
	return false
}

func Apply(records []core.MonthlyCompensationRecord, f Filter) []core.MonthlyCompensationRecord {
	out := make([]core.MonthlyCompensationRecord, 0, len(records))
	for _, r := range records {
		if f.Match(r) {
			out = append(out, r)
		}
	}
	return out
}

// Summary holds the headline totals shown above the record table.
type Summary struct {
	Records        int             `json:"records"`
	Payment        decimal.Decimal `json:"payment"`
	Compensation   decimal.Decimal `json:"compensation"`
	WithholdingTax decimal.Decimal `json:"withholding_tax"`
	DXSubsidy      decimal.Decimal `json:"dx_subsidy"`
	Reimbursement  decimal.Decimal `json:"reimbursement"`
	Donation       decimal.Decimal `json:"donation_payment"`
}

func Summarize(records []core.MonthlyCompensationRecord) Summary {
	var s Summary
	for _, r := range records {
		s.Records++
		s.Payment = s.Payment.Add(r.Payment)
		s.Compensation = s.Compensation.Add(r.QualificationAdjustedCompensation)
		s.WithholdingTax = s.WithholdingTax.Add(r.WithholdingTax)
		s.DXSubsidy = s.DXSubsidy.Add(r.DXSubsidy)
		s.Reimbursement = s.Reimbursement.Add(r.Reimbursement)
		s.Donation = s.Donation.Add(r.DonationPayment)
	}
	return s
}

// MemberTotal is one row of the member by month payment pivot.
type MemberTotal struct {
	SourceID    string                  `json:"source_id"`
	DisplayName string                  `json:"display_name"`
	ByMonth     map[int]decimal.Decimal `json:"by_month"`
	Total       decimal.Decimal         `json:"total"`
}

// PaymentsByMember pivots payments per member and month, largest total
// first. Ties break on source id so the order is stable.
func PaymentsByMember(records []core.MonthlyCompensationRecord) []MemberTotal {
	idx := make(map[string]*MemberTotal)
	for _, r := range records {
		mt, ok := idx[r.SourceID]
		if !ok {
			mt = &MemberTotal{SourceID: r.SourceID, DisplayName: r.DisplayName, ByMonth: map[int]decimal.Decimal{}}
			idx[r.SourceID] = mt
		}
		mt.ByMonth[r.Month] = mt.ByMonth[r.Month].Add(r.Payment)
		mt.Total = mt.Total.Add(r.Payment)
	}
	out := make([]MemberTotal, 0, len(idx))
	for _, mt := range idx {
		out = append(out, *mt)
	}
	sort.Slice(out, func(i, j int) bool {
		if c := out[i].Total.Cmp(out[j].Total); c != 0 {
			return c > 0
		}
		return out[i].SourceID < out[j].SourceID
	})
	return out
}
