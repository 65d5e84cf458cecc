package core

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	StatusUnconfirmed CheckStatus = "unconfirmed"
	StatusInReview    CheckStatus = "in_review"
	StatusConfirmed   CheckStatus = "confirmed"
	StatusReturned    CheckStatus = "returned"
)

const (
	RoleViewer  Role = "viewer"
	RoleChecker Role = "checker"
	RoleAdmin   Role = "admin"
)

// MaxMemoLength is counted in characters, not bytes.
const MaxMemoLength = 1000

type (
	CheckStatus string

	Role string

	// Key identifies one member-month.
	Key struct {
		SourceID string `json:"source_id"`
		Year     int    `json:"year"`
		Month    int    `json:"month"`
	}

	WorkReportRow struct {
		SourceID         string
		Year             int
		Date             *time.Time
		ActivityCategory string
		WorkCategory     string
		Sponsor          string
		Description      string
		UnitPrice        float64
		WorkHours        float64
		TravelDistanceKm float64
		Amount           float64
	}

	ExpenseReportRow struct {
		SourceID        string
		Year            int
		Month           int
		Hours           float64
		Compensation    float64
		DXSubsidy       float64
		Reimbursement   float64
		TotalAmount     float64
		MonthlyComplete bool
	}

	MemberAttributes struct {
		SourceID               string  `json:"source_id"`
		MemberID               string  `json:"member_id"`
		DisplayName            string  `json:"display_name"`
		LegalName              string  `json:"legal_name"`
		QualificationAllowance float64 `json:"qualification_allowance"`
		PositionRate           float64 `json:"position_rate"`
		IsCorporate            bool    `json:"is_corporate"`
		IsDonation             bool    `json:"is_donation"`
		IsLicensed             bool    `json:"is_licensed"`
	}

	// MonthlyCompensationRecord carries unrounded amounts. Rounding to whole
	// currency units happens only when the record is rendered.
	MonthlyCompensationRecord struct {
		Key
		MemberID                          string          `json:"member_id"`
		DisplayName                       string          `json:"display_name"`
		LegalName                         string          `json:"legal_name"`
		IsCorporate                       bool            `json:"is_corporate"`
		IsDonation                        bool            `json:"is_donation"`
		IsLicensed                        bool            `json:"is_licensed"`
		PositionRate                      decimal.Decimal `json:"position_rate"`
		QualificationAllowance            decimal.Decimal `json:"qualification_allowance"`
		WorkHours                         decimal.Decimal `json:"work_hours"`
		HourCompensation                  decimal.Decimal `json:"hour_compensation"`
		TravelDistanceKm                  decimal.Decimal `json:"travel_distance_km"`
		DistanceCompensation              decimal.Decimal `json:"distance_compensation"`
		DailyWageCount                    int             `json:"daily_wage_count"`
		FullDayCompensation               decimal.Decimal `json:"full_day_compensation"`
		TotalWorkHours                    decimal.Decimal `json:"total_work_hours"`
		SubtotalCompensation              decimal.Decimal `json:"subtotal_compensation"`
		PositionAdjustedCompensation      decimal.Decimal `json:"position_adjusted_compensation"`
		QualificationAdjustedCompensation decimal.Decimal `json:"qualification_adjusted_compensation"`
		WithholdingTargetAmount           decimal.Decimal `json:"withholding_target_amount"`
		WithholdingTax                    decimal.Decimal `json:"withholding_tax"`
		DXSubsidy                         decimal.Decimal `json:"dx_subsidy"`
		Reimbursement                     decimal.Decimal `json:"reimbursement"`
		Payment                           decimal.Decimal `json:"payment"`
		DonationPayment                   decimal.Decimal `json:"donation_payment"`
		MemberMissing                     bool            `json:"member_missing"`
	}

	ActionLogEntry struct {
		Timestamp time.Time `json:"ts"`
		Actor     string    `json:"user"`
		Action    string    `json:"action"`
	}

	CheckRecord struct {
		Key
		Status    CheckStatus      `json:"status"`
		Checker   string           `json:"checker"`
		Memo      string           `json:"memo"`
		ActionLog []ActionLogEntry `json:"action_log"`
		UpdatedAt time.Time        `json:"updated_at"`
	}

	DashboardUser struct {
		Email       string    `json:"email" db:"email"`
		Role        Role      `json:"role" db:"role"`
		DisplayName string    `json:"display_name" db:"display_name"`
		AddedBy     string    `json:"added_by" db:"added_by"`
		CreatedAt   time.Time `json:"created_at" db:"created_at"`
		UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
	}
)

var (
	ErrEmptySourceID = errors.New("empty source id")
	ErrInvalidYear   = errors.New("invalid year")
	ErrInvalidMonth  = errors.New("invalid month")
	ErrInvalidStatus = errors.New("invalid check status")
	ErrInvalidRole   = errors.New("invalid role")
	ErrMemoTooLong   = fmt.Errorf("memo too long (max %d characters)", MaxMemoLength)
	ErrMissingActor  = errors.New("missing actor")
	ErrInvalidEmail  = errors.New("invalid email")
)

func (k Key) Validate() error {
	if strings.TrimSpace(k.SourceID) == "" {
		return ErrEmptySourceID
	}
	if !ValidYear(k.Year) {
		return ErrInvalidYear
	}
	if k.Month < 1 || k.Month > 12 {
		return ErrInvalidMonth
	}
	return nil
}

func (k Key) String() string {
	return fmt.Sprintf("%s@%04d-%02d", k.SourceID, k.Year, k.Month)
}

// Less orders keys by source id, then year, then month.
func (k Key) Less(o Key) bool {
	if k.SourceID != o.SourceID {
		return k.SourceID < o.SourceID
	}
	if k.Year != o.Year {
		return k.Year < o.Year
	}
	return k.Month < o.Month
}

func (s CheckStatus) Valid() bool {
	switch s {
	case StatusUnconfirmed, StatusInReview, StatusConfirmed, StatusReturned:
		return true
	}
	return false
}

// Label returns the Japanese label used by the review screens and exports.
func (s CheckStatus) Label() string {
	switch s {
	case StatusUnconfirmed:
		return "未確認"
	case StatusInReview:
		return "確認中"
	case StatusConfirmed:
		return "確認完了"
	case StatusReturned:
		return "差戻し"
	}
	return string(s)
}

// CheckStatuses lists every status in workflow order.
func CheckStatuses() []CheckStatus {
	return []CheckStatus{StatusUnconfirmed, StatusInReview, StatusConfirmed, StatusReturned}
}

func ParseRole(s string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	switch r {
	case RoleViewer, RoleChecker, RoleAdmin:
		return r, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidRole, s)
}

// NormalizeEmail lower-cases and trims an address and performs a minimal
// shape check.
func NormalizeEmail(s string) (string, error) {
	e := strings.ToLower(strings.TrimSpace(s))
	at := strings.LastIndex(e, "@")
	if at <= 0 || at == len(e)-1 || strings.ContainsAny(e, " \t\r\n") {
		return "", fmt.Errorf("%w: %q", ErrInvalidEmail, s)
	}
	return e, nil
}
