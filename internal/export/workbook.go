package export

import (
	"errors"
	"fmt"
	"io"

	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"

	"monthlypay/internal/compensation"
	"monthlypay/internal/core"
)

const (
	DetailSheet = "報酬明細"
	PivotSheet  = "メンバー別"

	ContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

type numberKind int

const (
	kindYen numberKind = iota
	kindHours
	kindCount
)

type detailColumn struct {
	header string
	kind   numberKind
	value  func(core.MonthlyCompensationRecord) decimal.Decimal
}

var detailColumns = []detailColumn{
	{"時間", kindHours, func(r core.MonthlyCompensationRecord) decimal.Decimal { return r.WorkHours }},
	{"時間報酬", kindYen, func(r core.MonthlyCompensationRecord) decimal.Decimal { return r.HourCompensation }},
	{"距離", kindHours, func(r core.MonthlyCompensationRecord) decimal.Decimal { return r.TravelDistanceKm }},
	{"距離報酬", kindYen, func(r core.MonthlyCompensationRecord) decimal.Decimal { return r.DistanceCompensation }},
	{"小計", kindYen, func(r core.MonthlyCompensationRecord) decimal.Decimal { return r.SubtotalCompensation }},
	{"役職手当後", kindYen, func(r core.MonthlyCompensationRecord) decimal.Decimal { return r.PositionAdjustedCompensation }},
	{"資格手当加算後", kindYen, func(r core.MonthlyCompensationRecord) decimal.Decimal { return r.QualificationAdjustedCompensation }},
	{"源泉対象額", kindYen, func(r core.MonthlyCompensationRecord) decimal.Decimal { return r.WithholdingTargetAmount }},
	{"源泉徴収", kindYen, func(r core.MonthlyCompensationRecord) decimal.Decimal { return r.WithholdingTax }},
	{"DX補助", kindYen, func(r core.MonthlyCompensationRecord) decimal.Decimal { return r.DXSubsidy }},
	{"立替", kindYen, func(r core.MonthlyCompensationRecord) decimal.Decimal { return r.Reimbursement }},
	{"支払い", kindYen, func(r core.MonthlyCompensationRecord) decimal.Decimal { return r.Payment }},
	{"寄付支払い", kindYen, func(r core.MonthlyCompensationRecord) decimal.Decimal { return r.DonationPayment }},
	{"一立て件数", kindCount, func(r core.MonthlyCompensationRecord) decimal.Decimal { return decimal.NewFromInt(int64(r.DailyWageCount)) }},
	{"一立て報酬", kindYen, func(r core.MonthlyCompensationRecord) decimal.Decimal { return r.FullDayCompensation }},
	{"総稼働時間", kindHours, func(r core.MonthlyCompensationRecord) decimal.Decimal { return r.TotalWorkHours }},
}

var detailKeyHeaders = []string{"メンバー", "本名", "年", "月"}

// Filename names the download for a year and optional month.
func Filename(year, month int) string {
	switch {
	case year == 0:
		return "monthly_compensation.xlsx"
	case month == 0:
		return fmt.Sprintf("monthly_compensation_%d.xlsx", year)
	}
	return fmt.Sprintf("monthly_compensation_%d-%02d.xlsx", year, month)
}

// WriteWorkbook renders records as a detail sheet and a member by month
// payment pivot. Amounts are stored unrounded; rounding is left to the
// cell format.
func WriteWorkbook(w io.Writer, records []core.MonthlyCompensationRecord) error {
	if w == nil {
		return errors.New("writer is nil")
	}
	wb := excelize.NewFile()
	defer wb.Close()

	styles, err := newStyles(wb)
	if err != nil {
		return err
	}
	if err := wb.SetSheetName("Sheet1", DetailSheet); err != nil {
		return fmt.Errorf("rename sheet: %w", err)
	}
	if err := writeDetail(wb, styles, records); err != nil {
		return err
	}
	if _, err := wb.NewSheet(PivotSheet); err != nil {
		return fmt.Errorf("create sheet %s: %w", PivotSheet, err)
	}
	if err := writePivot(wb, styles, records); err != nil {
		return err
	}
	if _, err := wb.WriteTo(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}

type styleSet struct {
	header int
	byKind map[numberKind]int
}

func newStyles(wb *excelize.File) (styleSet, error) {
	header, err := wb.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Pattern: 1, Color: []string{"DDEBF7"}},
	})
	if err != nil {
		return styleSet{}, fmt.Errorf("header style: %w", err)
	}
	formats := map[numberKind]string{
		kindYen:   `"¥"#,##0`,
		kindHours: `#,##0.0`,
		kindCount: `#,##0`,
	}
	s := styleSet{header: header, byKind: make(map[numberKind]int, len(formats))}
	for kind, format := range formats {
		f := format
		id, err := wb.NewStyle(&excelize.Style{CustomNumFmt: &f})
		if err != nil {
			return styleSet{}, fmt.Errorf("number style: %w", err)
		}
		s.byKind[kind] = id
	}
	return s, nil
}

func writeDetail(wb *excelize.File, s styleSet, records []core.MonthlyCompensationRecord) error {
	headers := append([]string(nil), detailKeyHeaders...)
	for _, c := range detailColumns {
		headers = append(headers, c.header)
	}
	if err := writeHeader(wb, DetailSheet, s, headers); err != nil {
		return err
	}

	for i, r := range records {
		row := i + 2
		values := []any{displayName(r), r.LegalName, r.Year, r.Month}
		for _, c := range detailColumns {
			values = append(values, c.value(r).InexactFloat64())
		}
		if err := setRow(wb, DetailSheet, row, values); err != nil {
			return err
		}
		for j, c := range detailColumns {
			col := len(detailKeyHeaders) + j + 1
			if err := styleCell(wb, DetailSheet, col, row, s.byKind[c.kind]); err != nil {
				return err
			}
		}
	}
	return wb.SetPanes(DetailSheet, &excelize.Panes{
		Freeze:      true,
		XSplit:      1,
		YSplit:      1,
		TopLeftCell: "B2",
		ActivePane:  "bottomRight",
	})
}

func writePivot(wb *excelize.File, s styleSet, records []core.MonthlyCompensationRecord) error {
	months := monthsOf(records)
	headers := []string{"メンバー"}
	for _, m := range months {
		headers = append(headers, fmt.Sprintf("%d月", m))
	}
	headers = append(headers, "年間合計")
	if err := writeHeader(wb, PivotSheet, s, headers); err != nil {
		return err
	}

	names := make(map[string]string, len(records))
	for _, r := range records {
		if _, ok := names[r.SourceID]; !ok || r.DisplayName != "" {
			names[r.SourceID] = displayName(r)
		}
	}
	for i, mt := range compensation.PaymentsByMember(records) {
		row := i + 2
		values := []any{names[mt.SourceID]}
		for _, m := range months {
			values = append(values, mt.ByMonth[m].InexactFloat64())
		}
		values = append(values, mt.Total.InexactFloat64())
		if err := setRow(wb, PivotSheet, row, values); err != nil {
			return err
		}
		for col := 2; col <= len(values); col++ {
			if err := styleCell(wb, PivotSheet, col, row, s.byKind[kindYen]); err != nil {
				return err
			}
		}
	}
	return nil
}

func writeHeader(wb *excelize.File, sheet string, s styleSet, headers []string) error {
	values := make([]any, len(headers))
	for i, h := range headers {
		values[i] = h
	}
	if err := setRow(wb, sheet, 1, values); err != nil {
		return err
	}
	first, _ := excelize.CoordinatesToCellName(1, 1)
	last, _ := excelize.CoordinatesToCellName(len(headers), 1)
	if err := wb.SetCellStyle(sheet, first, last, s.header); err != nil {
		return fmt.Errorf("style header of %s: %w", sheet, err)
	}
	return nil
}

func setRow(wb *excelize.File, sheet string, row int, values []any) error {
	cell, err := excelize.CoordinatesToCellName(1, row)
	if err != nil {
		return err
	}
	if err := wb.SetSheetRow(sheet, cell, &values); err != nil {
		return fmt.Errorf("write %s row %d: %w", sheet, row, err)
	}
	return nil
}

func styleCell(wb *excelize.File, sheet string, col, row, style int) error {
	cell, err := excelize.CoordinatesToCellName(col, row)
	if err != nil {
		return err
	}
	return wb.SetCellStyle(sheet, cell, cell, style)
}

func monthsOf(records []core.MonthlyCompensationRecord) []int {
	var seen [13]bool
	for _, r := range records {
		if r.Month >= 1 && r.Month <= 12 {
			seen[r.Month] = true
		}
	}
	var out []int
	for m := 1; m <= 12; m++ {
		if seen[m] {
			out = append(out, m)
		}
	}
	return out
}

func displayName(r core.MonthlyCompensationRecord) string {
	if r.DisplayName != "" {
		return r.DisplayName
	}
	return r.SourceID
}
