package sheets

import (
	"context"

	"monthlypay/internal/core"
)

// Report sheet names inside every member spreadsheet, and the first data
// row of each (1-indexed). Columns B..K are read.
const (
	WorkReportSheet       = "【都度入力】業務報告"
	WorkReportStartRow    = 7
	ExpenseReportSheet    = "【月１入力】補助＆立替報告＋月締め"
	ExpenseReportStartRow = 4

	// MasterStartRow is the first data row of the master sheet.
	MasterStartRow = 2
)

// Collection is the result of one full pass over every report spreadsheet.
type Collection struct {
	WorkReports    []core.RawRow
	ExpenseReports []core.RawRow
	Members        []core.RawRow

	// WithholdingTargets is nil when the source does not carry the
	// allow-list; the stored table is then left untouched.
	WithholdingTargets []core.WithholdingTarget

	// Sources is the number of report spreadsheets read.
	Sources int
	// Skipped lists report URLs that could not be read.
	Skipped []string
}

// Ports for outbound adapters.
type (
	// Collector reads all report spreadsheets listed on the master sheet.
	Collector interface {
		Collect(ctx context.Context) (Collection, error)
	}
)
