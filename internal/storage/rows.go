package storage

import (
	"time"

	"github.com/shopspring/decimal"

	"monthlypay/internal/core"
	"monthlypay/internal/ledger"
)

// RawRecord is the stored shape of a raw row, shared by the SQL backends.
type RawRecord struct {
	SourceID   string    `db:"source_id"`
	ColB       string    `db:"col_b"`
	ColC       string    `db:"col_c"`
	ColD       string    `db:"col_d"`
	ColE       string    `db:"col_e"`
	ColF       string    `db:"col_f"`
	ColG       string    `db:"col_g"`
	ColH       string    `db:"col_h"`
	ColI       string    `db:"col_i"`
	ColJ       string    `db:"col_j"`
	ColK       string    `db:"col_k"`
	IngestedAt time.Time `db:"ingested_at"`
}

// RawColumnNames lists the stored columns in insert order.
var RawColumnNames = []string{
	"source_id", "col_b", "col_c", "col_d", "col_e", "col_f",
	"col_g", "col_h", "col_i", "col_j", "col_k", "ingested_at",
}

func NewRawRecord(r core.RawRow, ingestedAt time.Time) RawRecord {
	n := r.Normalize()
	c := n.Cells
	return RawRecord{
		SourceID:   n.SourceID,
		ColB:       c[0],
		ColC:       c[1],
		ColD:       c[2],
		ColE:       c[3],
		ColF:       c[4],
		ColG:       c[5],
		ColH:       c[6],
		ColI:       c[7],
		ColJ:       c[8],
		ColK:       c[9],
		IngestedAt: ingestedAt.UTC(),
	}
}

func (r RawRecord) Values() []any {
	return []any{
		r.SourceID, r.ColB, r.ColC, r.ColD, r.ColE, r.ColF,
		r.ColG, r.ColH, r.ColI, r.ColJ, r.ColK, r.IngestedAt,
	}
}

func (r RawRecord) Row() core.RawRow {
	return core.RawRow{
		SourceID: r.SourceID,
		Cells:    []string{r.ColB, r.ColC, r.ColD, r.ColE, r.ColF, r.ColG, r.ColH, r.ColI, r.ColJ, r.ColK},
	}
}

// CompensationRow stores amounts as decimal text so they round-trip
// exactly.
type CompensationRow struct {
	SourceID                          string          `db:"source_id"`
	Year                              int             `db:"year"`
	Month                             int             `db:"month"`
	MemberID                          string          `db:"member_id"`
	DisplayName                       string          `db:"display_name"`
	LegalName                         string          `db:"legal_name"`
	IsCorporate                       bool            `db:"is_corporate"`
	IsDonation                        bool            `db:"is_donation"`
	IsLicensed                        bool            `db:"is_licensed"`
	MemberMissing                     bool            `db:"member_missing"`
	PositionRate                      decimal.Decimal `db:"position_rate"`
	QualificationAllowance            decimal.Decimal `db:"qualification_allowance"`
	WorkHours                         decimal.Decimal `db:"work_hours"`
	HourCompensation                  decimal.Decimal `db:"hour_compensation"`
	TravelDistanceKm                  decimal.Decimal `db:"travel_distance_km"`
	DistanceCompensation              decimal.Decimal `db:"distance_compensation"`
	DailyWageCount                    int             `db:"daily_wage_count"`
	FullDayCompensation               decimal.Decimal `db:"full_day_compensation"`
	TotalWorkHours                    decimal.Decimal `db:"total_work_hours"`
	SubtotalCompensation              decimal.Decimal `db:"subtotal_compensation"`
	PositionAdjustedCompensation      decimal.Decimal `db:"position_adjusted_compensation"`
	QualificationAdjustedCompensation decimal.Decimal `db:"qualification_adjusted_compensation"`
	WithholdingTargetAmount           decimal.Decimal `db:"withholding_target_amount"`
	WithholdingTax                    decimal.Decimal `db:"withholding_tax"`
	DXSubsidy                         decimal.Decimal `db:"dx_subsidy"`
	Reimbursement                     decimal.Decimal `db:"reimbursement"`
	Payment                           decimal.Decimal `db:"payment"`
	DonationPayment                   decimal.Decimal `db:"donation_payment"`
	ComputedAt                        time.Time       `db:"computed_at"`
}

// CompensationColumnNames lists the stored columns in insert order.
var CompensationColumnNames = []string{
	"source_id", "year", "month", "member_id", "display_name", "legal_name",
	"is_corporate", "is_donation", "is_licensed", "member_missing",
	"position_rate", "qualification_allowance", "work_hours", "hour_compensation",
	"travel_distance_km", "distance_compensation", "daily_wage_count",
	"full_day_compensation", "total_work_hours", "subtotal_compensation",
	"position_adjusted_compensation", "qualification_adjusted_compensation",
	"withholding_target_amount", "withholding_tax", "dx_subsidy", "reimbursement",
	"payment", "donation_payment", "computed_at",
}

func NewCompensationRow(r core.MonthlyCompensationRecord, computedAt time.Time) CompensationRow {
	return CompensationRow{
		SourceID:                          r.SourceID,
		Year:                              r.Year,
		Month:                             r.Month,
		MemberID:                          r.MemberID,
		DisplayName:                       r.DisplayName,
		LegalName:                         r.LegalName,
		IsCorporate:                       r.IsCorporate,
		IsDonation:                        r.IsDonation,
		IsLicensed:                        r.IsLicensed,
		MemberMissing:                     r.MemberMissing,
		PositionRate:                      r.PositionRate,
		QualificationAllowance:            r.QualificationAllowance,
		WorkHours:                         r.WorkHours,
		HourCompensation:                  r.HourCompensation,
		TravelDistanceKm:                  r.TravelDistanceKm,
		DistanceCompensation:              r.DistanceCompensation,
		DailyWageCount:                    r.DailyWageCount,
		FullDayCompensation:               r.FullDayCompensation,
		TotalWorkHours:                    r.TotalWorkHours,
		SubtotalCompensation:              r.SubtotalCompensation,
		PositionAdjustedCompensation:      r.PositionAdjustedCompensation,
		QualificationAdjustedCompensation: r.QualificationAdjustedCompensation,
		WithholdingTargetAmount:           r.WithholdingTargetAmount,
		WithholdingTax:                    r.WithholdingTax,
		DXSubsidy:                         r.DXSubsidy,
		Reimbursement:                     r.Reimbursement,
		Payment:                           r.Payment,
		DonationPayment:                   r.DonationPayment,
		ComputedAt:                        computedAt.UTC(),
	}
}

func (c CompensationRow) Values() []any {
	return []any{
		c.SourceID, c.Year, c.Month, c.MemberID, c.DisplayName, c.LegalName,
		c.IsCorporate, c.IsDonation, c.IsLicensed, c.MemberMissing,
		c.PositionRate.String(), c.QualificationAllowance.String(), c.WorkHours.String(), c.HourCompensation.String(),
		c.TravelDistanceKm.String(), c.DistanceCompensation.String(), c.DailyWageCount,
		c.FullDayCompensation.String(), c.TotalWorkHours.String(), c.SubtotalCompensation.String(),
		c.PositionAdjustedCompensation.String(), c.QualificationAdjustedCompensation.String(),
		c.WithholdingTargetAmount.String(), c.WithholdingTax.String(), c.DXSubsidy.String(), c.Reimbursement.String(),
		c.Payment.String(), c.DonationPayment.String(), c.ComputedAt,
	}
}

func (c CompensationRow) Record() core.MonthlyCompensationRecord {
	return core.MonthlyCompensationRecord{
		Key:                               core.Key{SourceID: c.SourceID, Year: c.Year, Month: c.Month},
		MemberID:                          c.MemberID,
		DisplayName:                       c.DisplayName,
		LegalName:                         c.LegalName,
		IsCorporate:                       c.IsCorporate,
		IsDonation:                        c.IsDonation,
		IsLicensed:                        c.IsLicensed,
		MemberMissing:                     c.MemberMissing,
		PositionRate:                      c.PositionRate,
		QualificationAllowance:            c.QualificationAllowance,
		WorkHours:                         c.WorkHours,
		HourCompensation:                  c.HourCompensation,
		TravelDistanceKm:                  c.TravelDistanceKm,
		DistanceCompensation:              c.DistanceCompensation,
		DailyWageCount:                    c.DailyWageCount,
		FullDayCompensation:               c.FullDayCompensation,
		TotalWorkHours:                    c.TotalWorkHours,
		SubtotalCompensation:              c.SubtotalCompensation,
		PositionAdjustedCompensation:      c.PositionAdjustedCompensation,
		QualificationAdjustedCompensation: c.QualificationAdjustedCompensation,
		WithholdingTargetAmount:           c.WithholdingTargetAmount,
		WithholdingTax:                    c.WithholdingTax,
		DXSubsidy:                         c.DXSubsidy,
		Reimbursement:                     c.Reimbursement,
		Payment:                           c.Payment,
		DonationPayment:                   c.DonationPayment,
	}
}

// CheckRow is the stored check record. UpdatedAtMicros is the version in
// Unix microseconds, compared exactly by conditional updates.
type CheckRow struct {
	SourceID        string `db:"source_id"`
	Year            int    `db:"year"`
	Month           int    `db:"month"`
	Status          string `db:"status"`
	Checker         string `db:"checker"`
	Memo            string `db:"memo"`
	ActionLog       string `db:"action_log"`
	UpdatedAtMicros int64  `db:"updated_at"`
}

func NewCheckRow(c ledger.StoredCheck) CheckRow {
	return CheckRow{
		SourceID:        c.Key.SourceID,
		Year:            c.Key.Year,
		Month:           c.Key.Month,
		Status:          string(c.Status),
		Checker:         c.Checker,
		Memo:            c.Memo,
		ActionLog:       c.ActionLog,
		UpdatedAtMicros: c.UpdatedAt.UnixMicro(),
	}
}

func (r CheckRow) Stored() ledger.StoredCheck {
	return ledger.StoredCheck{
		Key:       core.Key{SourceID: r.SourceID, Year: r.Year, Month: r.Month},
		Status:    core.CheckStatus(r.Status),
		Checker:   r.Checker,
		Memo:      r.Memo,
		ActionLog: r.ActionLog,
		UpdatedAt: time.UnixMicro(r.UpdatedAtMicros).UTC(),
	}
}
