package compensation

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"monthlypay/internal/core"
)

func date(y, m, d int) *time.Time {
	t := time.Date(y, time.Month(m), d, 0, 0, 0, 0, time.UTC)
	return &t
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func assertDec(t *testing.T, name string, got decimal.Decimal, want string) {
	t.Helper()
	if !got.Equal(dec(want)) {
		t.Errorf("%s = %s, want %s", name, got, want)
	}
}

func testRules() Rules {
	r := DefaultRules()
	r.WithholdingCategories = []string{"相談"}
	return r
}

func baseMember() core.MemberAttributes {
	return core.MemberAttributes{
		SourceID:               "s1",
		MemberID:               "M001",
		DisplayName:            "たろう",
		LegalName:              "山田太郎",
		PositionRate:           0.1,
		QualificationAllowance: 3000,
	}
}

func scenario(m core.MemberAttributes) Snapshot {
	return Snapshot{
		Work: []core.WorkReportRow{{
			SourceID: "s1", Year: 2025, Date: date(2025, 4, 3),
			WorkCategory: "相談", UnitPrice: 2000, WorkHours: 5, TravelDistanceKm: 10, Amount: 10000,
		}},
		Expenses: []core.ExpenseReportRow{{
			SourceID: "s1", Year: 2025, Month: 4, DXSubsidy: 500, Reimbursement: 300,
		}},
		Members: []core.MemberAttributes{m},
	}
}

func only(t *testing.T, res Result) core.MonthlyCompensationRecord {
	t.Helper()
	if len(res.Records) != 1 {
		t.Fatalf("got %d records, want 1", len(res.Records))
	}
	return res.Records[0]
}

func TestComputeEndToEnd(t *testing.T) {
	rec := only(t, NewEngine(testRules()).Compute(scenario(baseMember())))

	if rec.Key != (core.Key{SourceID: "s1", Year: 2025, Month: 4}) {
		t.Fatalf("key = %+v", rec.Key)
	}
	assertDec(t, "work_hours", rec.WorkHours, "5")
	assertDec(t, "hour_compensation", rec.HourCompensation, "10000")
	assertDec(t, "travel_distance_km", rec.TravelDistanceKm, "10")
	assertDec(t, "distance_compensation", rec.DistanceCompensation, "200")
	assertDec(t, "subtotal_compensation", rec.SubtotalCompensation, "10200")
	assertDec(t, "position_adjusted_compensation", rec.PositionAdjustedCompensation, "11220")
	assertDec(t, "qualification_adjusted_compensation", rec.QualificationAdjustedCompensation, "14220")
	assertDec(t, "withholding_target_amount", rec.WithholdingTargetAmount, "10000")
	assertDec(t, "withholding_tax", rec.WithholdingTax, "-1021")
	assertDec(t, "dx_subsidy", rec.DXSubsidy, "500")
	assertDec(t, "reimbursement", rec.Reimbursement, "300")
	assertDec(t, "payment", rec.Payment, "13999")
	assertDec(t, "donation_payment", rec.DonationPayment, "0")
	assertDec(t, "total_work_hours", rec.TotalWorkHours, "5")
	if rec.DisplayName != "たろう" || rec.MemberID != "M001" || rec.MemberMissing {
		t.Fatalf("member fields not joined: %+v", rec)
	}
}

func TestComputeWithholdingExemptions(t *testing.T) {
	corporate := baseMember()
	corporate.IsCorporate = true
	rec := only(t, NewEngine(testRules()).Compute(scenario(corporate)))
	assertDec(t, "corporate target", rec.WithholdingTargetAmount, "0")
	assertDec(t, "corporate tax", rec.WithholdingTax, "0")
	assertDec(t, "corporate payment", rec.Payment, "15020")

	donation := baseMember()
	donation.IsDonation = true
	rec = only(t, NewEngine(testRules()).Compute(scenario(donation)))
	assertDec(t, "donation target", rec.WithholdingTargetAmount, "0")
	assertDec(t, "donation payment", rec.Payment, "15020")
	assertDec(t, "donation bucket", rec.DonationPayment, "15020")

	both := baseMember()
	both.IsCorporate = true
	both.IsLicensed = true
	rec = only(t, NewEngine(testRules()).Compute(scenario(both)))
	assertDec(t, "exempt licensed target", rec.WithholdingTargetAmount, "0")
}

func TestComputeLicensedOverride(t *testing.T) {
	licensed := baseMember()
	licensed.IsLicensed = true
	snap := scenario(licensed)
	snap.Work[0].WorkCategory = "研修" // not withholding-eligible

	rec := only(t, NewEngine(testRules()).Compute(snap))
	if !rec.WithholdingTargetAmount.Equal(rec.QualificationAdjustedCompensation) {
		t.Fatalf("target %s != qualification adjusted %s", rec.WithholdingTargetAmount, rec.QualificationAdjustedCompensation)
	}
	// floor(14220 * 0.1021) = floor(1451.862)
	assertDec(t, "licensed tax", rec.WithholdingTax, "-1451")
}

func TestComputeLicensedFromTargetTable(t *testing.T) {
	snap := scenario(baseMember())
	snap.Work[0].WorkCategory = "研修"
	snap.WithholdingTargets = []core.WithholdingTarget{{LicensedMemberID: "M001"}}

	rec := only(t, NewEngine(testRules()).Compute(snap))
	if !rec.IsLicensed {
		t.Fatalf("member listed in target table should be licensed")
	}
	assertDec(t, "target", rec.WithholdingTargetAmount, "14220")
}

func TestComputeWithholdingCategoriesFromTargetTable(t *testing.T) {
	snap := scenario(baseMember())
	snap.Work[0].WorkCategory = "講師"
	snap.WithholdingTargets = []core.WithholdingTarget{{WorkCategory: "講師"}}

	rec := only(t, NewEngine(DefaultRules()).Compute(snap))
	assertDec(t, "target", rec.WithholdingTargetAmount, "10000")
}

func TestComputeNonEligibleCategoryHasNoBase(t *testing.T) {
	snap := scenario(baseMember())
	snap.Work[0].WorkCategory = "研修"
	rec := only(t, NewEngine(testRules()).Compute(snap))
	assertDec(t, "target", rec.WithholdingTargetAmount, "0")
	assertDec(t, "hour pay still counted", rec.HourCompensation, "10000")
}

func TestComputeHourPayIsPerRow(t *testing.T) {
	snap := Snapshot{
		Work: []core.WorkReportRow{
			{SourceID: "s1", Year: 2025, Date: date(2025, 4, 1), UnitPrice: 1000, WorkHours: 1},
			{SourceID: "s1", Year: 2025, Date: date(2025, 4, 2), UnitPrice: 3000, WorkHours: 3},
		},
		Members: []core.MemberAttributes{baseMember()},
	}
	rec := only(t, NewEngine(testRules()).Compute(snap))
	assertDec(t, "work_hours", rec.WorkHours, "4")
	// An average price times total hours would give 8000.
	assertDec(t, "hour_compensation", rec.HourCompensation, "10000")
}

func TestComputeDayRate(t *testing.T) {
	rules := testRules()
	rules.DayRateCategories = []string{"一立て"}
	rules.DayRate = dec("8000")
	rules.DayRateHours = dec("6")

	snap := Snapshot{
		Work: []core.WorkReportRow{
			{SourceID: "s1", Year: 2025, Date: date(2025, 4, 1), WorkCategory: "相談", UnitPrice: 1000, WorkHours: 2},
			{SourceID: "s1", Year: 2025, Date: date(2025, 4, 2), WorkCategory: "一立て", UnitPrice: 1000, WorkHours: 8},
			{SourceID: "s1", Year: 2025, Date: date(2025, 4, 3), WorkCategory: " 一立て ", UnitPrice: 1000, WorkHours: 8},
		},
	}
	rec := only(t, NewEngine(rules).Compute(snap))
	assertDec(t, "work_hours", rec.WorkHours, "2")
	assertDec(t, "hour_compensation", rec.HourCompensation, "2000")
	if rec.DailyWageCount != 2 {
		t.Fatalf("daily_wage_count = %d, want 2", rec.DailyWageCount)
	}
	assertDec(t, "full_day_compensation", rec.FullDayCompensation, "16000")
	assertDec(t, "total_work_hours", rec.TotalWorkHours, "14")
	assertDec(t, "subtotal", rec.SubtotalCompensation, "18000")
}

func TestComputeCompensationFallback(t *testing.T) {
	snap := Snapshot{
		Work: []core.WorkReportRow{
			{SourceID: "s1", Year: 2025, Date: date(2025, 4, 1), UnitPrice: 1000, WorkHours: 1},
		},
		Expenses: []core.ExpenseReportRow{
			{SourceID: "s1", Year: 2025, Month: 4, Compensation: 99999, Hours: 40},
			{SourceID: "s1", Year: 2025, Month: 5, Compensation: 50000, Hours: 10},
		},
	}

	res := NewEngine(testRules()).Compute(snap)
	if len(res.Records) != 2 {
		t.Fatalf("got %d records, want 2", len(res.Records))
	}
	april, may := res.Records[0], res.Records[1]
	assertDec(t, "april hour pay ignores fallback", april.HourCompensation, "1000")
	assertDec(t, "april hours", april.WorkHours, "1")
	assertDec(t, "may fallback pay", may.HourCompensation, "50000")
	assertDec(t, "may fallback hours", may.WorkHours, "10")
	assertDec(t, "may subtotal", may.SubtotalCompensation, "50000")

	rules := testRules()
	rules.UseCompensationFallback = false
	res = NewEngine(rules).Compute(snap)
	assertDec(t, "fallback disabled", res.Records[1].HourCompensation, "0")
}

func TestComputeKeyUnionAndOrdering(t *testing.T) {
	snap := Snapshot{
		Work: []core.WorkReportRow{
			{SourceID: "s2", Year: 2025, Date: date(2025, 4, 1), UnitPrice: 1000, WorkHours: 1},
			{SourceID: "s1", Year: 2025, Date: date(2025, 5, 1), UnitPrice: 1000, WorkHours: 1},
		},
		Expenses: []core.ExpenseReportRow{
			{SourceID: "s1", Year: 2025, Month: 4, DXSubsidy: 700},
		},
	}
	res := NewEngine(testRules()).Compute(snap)
	want := []core.Key{
		{SourceID: "s1", Year: 2025, Month: 4},
		{SourceID: "s1", Year: 2025, Month: 5},
		{SourceID: "s2", Year: 2025, Month: 4},
	}
	if len(res.Records) != len(want) {
		t.Fatalf("got %d records, want %d", len(res.Records), len(want))
	}
	for i, k := range want {
		if res.Records[i].Key != k {
			t.Fatalf("record %d key = %+v, want %+v", i, res.Records[i].Key, k)
		}
	}
	expenseOnly := res.Records[0]
	assertDec(t, "expense-only hour pay", expenseOnly.HourCompensation, "0")
	assertDec(t, "expense-only payment", expenseOnly.Payment, "700")
}

func TestComputeMemberMissing(t *testing.T) {
	snap := Snapshot{
		Work: []core.WorkReportRow{
			{SourceID: "ghost", Year: 2025, Date: date(2025, 4, 1), UnitPrice: 1000, WorkHours: 1},
			{SourceID: "ghost", Year: 2025, Date: date(2025, 5, 1), UnitPrice: 1000, WorkHours: 1},
		},
	}
	res := NewEngine(testRules()).Compute(snap)
	if len(res.Records) != 2 {
		t.Fatalf("join miss must not drop rows, got %d", len(res.Records))
	}
	for _, r := range res.Records {
		if !r.MemberMissing || r.DisplayName != "" || !r.PositionRate.IsZero() {
			t.Fatalf("expected empty member fields, got %+v", r)
		}
	}
	if n := res.IssueCounts()[IssueMemberMissing]; n != 1 {
		t.Fatalf("member_missing issues = %d, want 1 per source", n)
	}
}

func TestComputeSkipsUnkeyedRows(t *testing.T) {
	snap := Snapshot{
		Work: []core.WorkReportRow{
			{SourceID: "s1", Year: 0, Date: date(2025, 4, 1), UnitPrice: 1000, WorkHours: 1},
			{SourceID: "s1", Year: 2025, Date: nil, UnitPrice: 1000, WorkHours: 1},
			{SourceID: "", Year: 2025, Date: date(2025, 4, 1), UnitPrice: 1000, WorkHours: 1},
		},
		Expenses: []core.ExpenseReportRow{
			{SourceID: "s1", Year: 2025, Month: 0},
		},
	}
	res := NewEngine(testRules()).Compute(snap)
	if len(res.Records) != 0 {
		t.Fatalf("expected no records, got %d", len(res.Records))
	}
	counts := res.IssueCounts()
	if counts[IssueUnkeyedWorkRow] != 3 || counts[IssueUnkeyedExpenseRow] != 1 {
		t.Fatalf("issue counts = %v", counts)
	}
}

func TestComputeDuplicateMemberFirstWins(t *testing.T) {
	second := baseMember()
	second.MemberID = "M999"
	second.DisplayName = "dup"
	snap := scenario(baseMember())
	snap.Members = append(snap.Members, second)

	res := NewEngine(testRules()).Compute(snap)
	if only(t, res).MemberID != "M001" {
		t.Fatalf("first member row should win")
	}
	if res.IssueCounts()[IssueDuplicateMember] != 1 {
		t.Fatalf("expected duplicate member issue")
	}
}

func TestComputeEmptySnapshot(t *testing.T) {
	res := NewEngine(testRules()).Compute(Snapshot{Members: []core.MemberAttributes{baseMember()}})
	if len(res.Records) != 0 || len(res.Issues) != 0 {
		t.Fatalf("expected empty result, got %+v", res)
	}
}

func TestComputeIsIdempotent(t *testing.T) {
	snap := scenario(baseMember())
	snap.Work = append(snap.Work,
		core.WorkReportRow{SourceID: "s2", Year: 2025, Date: date(2025, 6, 9), UnitPrice: 1234.5, WorkHours: 1.25, TravelDistanceKm: 3.3},
		core.WorkReportRow{SourceID: "s1", Year: 2025, Date: date(2025, 4, 20), UnitPrice: 999, WorkHours: 0.5},
	)
	e := NewEngine(testRules())

	first, err := json.Marshal(e.Compute(snap))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	second, err := json.Marshal(e.Compute(snap))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Fatalf("outputs differ:\n%s\n%s", first, second)
	}
}

func TestComputeKeepsFractions(t *testing.T) {
	snap := Snapshot{
		Work: []core.WorkReportRow{
			{SourceID: "s1", Year: 2025, Date: date(2025, 4, 1), UnitPrice: 1001, WorkHours: 0.5},
		},
		Members: []core.MemberAttributes{{SourceID: "s1", PositionRate: 0.15}},
	}
	rec := only(t, NewEngine(testRules()).Compute(snap))
	assertDec(t, "hour pay", rec.HourCompensation, "500.5")
	assertDec(t, "position adjusted", rec.PositionAdjustedCompensation, "575.575")
}

func TestWithholdingTax(t *testing.T) {
	rate := dec("0.1021")
	cases := []struct {
		target string
		want   string
	}{
		{"10000", "-1021"},
		{"14220", "-1451"},
		{"9", "0"},
		{"10", "-1"},
		{"0", "0"},
		{"-500", "0"},
	}
	for _, tc := range cases {
		got := WithholdingTax(dec(tc.target), rate)
		if !got.Equal(dec(tc.want)) {
			t.Errorf("WithholdingTax(%s) = %s, want %s", tc.target, got, tc.want)
		}
		if got.IsPositive() {
			t.Errorf("WithholdingTax(%s) = %s is positive", tc.target, got)
		}
	}
}
