package http

import (
	"bytes"
	"fmt"
	"net/http"

	"monthlypay/internal/compensation"
	"monthlypay/internal/core"
	"monthlypay/internal/export"
	applog "monthlypay/internal/log"
)

type compensationResponse struct {
	Year    int                              `json:"year,omitempty"`
	Month   int                              `json:"month,omitempty"`
	Records []core.MonthlyCompensationRecord `json:"records"`
	Summary compensation.Summary             `json:"summary"`
	Members []compensation.MemberTotal       `json:"members"`
}

func (s *Server) compensationFilter(r *http.Request) (compensation.Filter, error) {
	period, err := ParsePeriod(r.URL.Query())
	if err != nil {
		return compensation.Filter{}, err
	}
	return compensation.Filter{
		Year:    period.Year,
		Month:   period.Month,
		Members: ParseMembers(r.URL.Query()),
	}, nil
}

func (s *Server) handleListCompensation(w http.ResponseWriter, r *http.Request) {
	f, err := s.compensationFilter(r)
	if err != nil {
		BadRequestError(err.Error()).Write(w)
		return
	}

	records, err := s.deps.Compensation.List(r.Context(), f)
	if err != nil {
		s.fail(w, r, applog.OpList, err)
		return
	}
	if records == nil {
		records = []core.MonthlyCompensationRecord{}
	}

	NewResponse().JSON(compensationResponse{
		Year:    f.Year,
		Month:   f.Month,
		Records: records,
		Summary: compensation.Summarize(records),
		Members: compensation.PaymentsByMember(records),
	}).Write(w)
}

// handleExportCompensation streams the filtered records as an xlsx
// workbook. The workbook is rendered fully before any byte is sent so a
// failure still yields a JSON error.
func (s *Server) handleExportCompensation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	f, err := s.compensationFilter(r)
	if err != nil {
		BadRequestError(err.Error()).Write(w)
		return
	}

	records, err := s.deps.Compensation.List(ctx, f)
	if err != nil {
		s.fail(w, r, applog.OpExport, err)
		return
	}

	var buf bytes.Buffer
	if err := export.WriteWorkbook(&buf, records); err != nil {
		s.fail(w, r, applog.OpExport, err)
		return
	}

	id, _ := IdentityFrom(ctx)
	applog.FromContext(ctx).InfoContext(ctx, "Compensation exported",
		applog.FieldActor, id.Email,
		applog.FieldOperation, applog.OpExport,
		"records", len(records),
		"bytes", buf.Len())

	w.Header().Set("Content-Type", export.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", export.Filename(f.Year, f.Month)))
	w.Header().Set("Content-Length", fmt.Sprint(buf.Len()))
	w.WriteHeader(http.StatusOK)
	_, _ = buf.WriteTo(w)
}
