package core

import "strings"

// RawRow is one collected spreadsheet row exactly as read: the report it
// came from and the cell values starting at column B. Raw rows are stored
// unmodified and decoded on read.
type RawRow struct {
	SourceID string
	Cells    []string
}

// RawColumns is the number of cells kept per raw row (columns B..K).
const RawColumns = 10

// Cell returns the trimmed cell at index i, or "" past the end of the row.
func (r RawRow) Cell(i int) string {
	if i < 0 || i >= len(r.Cells) {
		return ""
	}
	return strings.TrimSpace(r.Cells[i])
}

// Normalize pads or truncates the row to RawColumns cells.
func (r RawRow) Normalize() RawRow {
	cells := make([]string, RawColumns)
	copy(cells, r.Cells)
	return RawRow{SourceID: strings.TrimSpace(r.SourceID), Cells: cells}
}

// Work report columns, relative to column B.
const (
	workColYear = iota
	workColDate
	workColActivityCategory
	workColWorkCategory
	workColSponsor
	workColDescription
	workColUnitPrice
	workColWorkHours
	workColTravelDistance
	workColAmount
)

// Expense report columns, relative to column B.
const (
	expenseColYear = iota
	expenseColMonth
	expenseColHours
	expenseColCompensation
	expenseColDXSubsidy
	expenseColReimbursement
	expenseColTotalAmount
	expenseColMonthlyComplete
)

// Member master columns, relative to column B. Column A is the report URL
// and becomes the source id.
const (
	memberColMemberID = iota
	memberColNickname
	memberColFullName
	memberColPositionRate
	memberColQualificationAllowance
	memberColCorporateSheet
	memberColDonationSheet
	memberColLicensedSheet
)

// DecodeWorkReport never fails. An unusable year decodes to 0 and an
// unreadable date to nil; numeric cells fall back to zero.
func DecodeWorkReport(r RawRow) WorkReportRow {
	year, _ := ParseYear(r.Cell(workColYear))
	return WorkReportRow{
		SourceID:         strings.TrimSpace(r.SourceID),
		Year:             year,
		Date:             ParseReportDate(r.Cell(workColDate), year),
		ActivityCategory: r.Cell(workColActivityCategory),
		WorkCategory:     r.Cell(workColWorkCategory),
		Sponsor:          r.Cell(workColSponsor),
		Description:      r.Cell(workColDescription),
		UnitPrice:        CleanNumeric(r.Cell(workColUnitPrice)),
		WorkHours:        nonNegative(CleanNumeric(r.Cell(workColWorkHours))),
		TravelDistanceKm: nonNegative(CleanNumeric(r.Cell(workColTravelDistance))),
		Amount:           CleanNumeric(r.Cell(workColAmount)),
	}
}

// nonNegative substitutes 0 for a negative quantity. Hours and distances
// cannot be negative; a minus sign in those cells is a data-entry error.
func nonNegative(f float64) float64 {
	if f < 0 {
		return 0
	}
	return f
}

func DecodeExpenseReport(r RawRow) ExpenseReportRow {
	year, _ := ParseYear(r.Cell(expenseColYear))
	month, _ := ParseMonth(r.Cell(expenseColMonth))
	return ExpenseReportRow{
		SourceID:        strings.TrimSpace(r.SourceID),
		Year:            year,
		Month:           month,
		Hours:           CleanNumeric(r.Cell(expenseColHours)),
		Compensation:    CleanNumeric(r.Cell(expenseColCompensation)),
		DXSubsidy:       CleanNumeric(r.Cell(expenseColDXSubsidy)),
		Reimbursement:   CleanNumeric(r.Cell(expenseColReimbursement)),
		TotalAmount:     CleanNumeric(r.Cell(expenseColTotalAmount)),
		MonthlyComplete: IsMonthlyComplete(r.Cell(expenseColMonthlyComplete)),
	}
}

func DecodeMember(r RawRow) MemberAttributes {
	return MemberAttributes{
		SourceID:               strings.TrimSpace(r.SourceID),
		MemberID:               r.Cell(memberColMemberID),
		DisplayName:            r.Cell(memberColNickname),
		LegalName:              r.Cell(memberColFullName),
		PositionRate:           ParseRate(r.Cell(memberColPositionRate)).Or(0),
		QualificationAllowance: CleanNumeric(r.Cell(memberColQualificationAllowance)),
		IsCorporate:            r.Cell(memberColCorporateSheet) != "",
		IsDonation:             r.Cell(memberColDonationSheet) != "",
		IsLicensed:             r.Cell(memberColLicensedSheet) != "",
	}
}

func DecodeWorkReports(rows []RawRow) []WorkReportRow {
	out := make([]WorkReportRow, 0, len(rows))
	for _, r := range rows {
		out = append(out, DecodeWorkReport(r))
	}
	return out
}

func DecodeExpenseReports(rows []RawRow) []ExpenseReportRow {
	out := make([]ExpenseReportRow, 0, len(rows))
	for _, r := range rows {
		out = append(out, DecodeExpenseReport(r))
	}
	return out
}

func DecodeMembers(rows []RawRow) []MemberAttributes {
	out := make([]MemberAttributes, 0, len(rows))
	for _, r := range rows {
		if strings.TrimSpace(r.SourceID) == "" {
			continue
		}
		out = append(out, DecodeMember(r))
	}
	return out
}

// WithholdingTarget is one line of the manually maintained withholding
// list. A line names either a work category whose amounts count toward the
// withholding base, or a member treated as a licensed professional.
type WithholdingTarget struct {
	WorkCategory     string `db:"work_category"`
	LicensedMemberID string `db:"licensed_member_id"`
}
