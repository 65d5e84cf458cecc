package http

import (
	"net/http"
	"strings"
	"time"

	"monthlypay/internal/core"
	"monthlypay/internal/ledger"
	applog "monthlypay/internal/log"
)

type submitCheckRequest struct {
	SourceID          string           `json:"source_id"`
	Year              int              `json:"year"`
	Month             int              `json:"month"`
	Status            core.CheckStatus `json:"status"`
	Memo              string           `json:"memo"`
	ExpectedUpdatedAt *time.Time       `json:"expected_updated_at"`
	Action            string           `json:"action,omitempty"`
}

// handleCheckOverview lists every member expected to report in a month,
// optionally narrowed to one status. Counts always cover the whole month.
func (s *Server) handleCheckOverview(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	params, err := ParseMonthParams(q, s.deps.Now())
	if err != nil {
		BadRequestError(err.Error()).Write(w)
		return
	}
	status := core.CheckStatus(strings.TrimSpace(q.Get("status")))
	if status != "" && !status.Valid() {
		BadRequestError("invalid status").Write(w)
		return
	}

	ov, err := s.deps.Ledger.Overview(r.Context(), params.Year, params.Month)
	if err != nil {
		s.fail(w, r, applog.OpList, err)
		return
	}
	ov.Rows = ov.Filter(status)
	if ov.Rows == nil {
		ov.Rows = []ledger.OverviewRow{}
	}
	NewResponse().JSON(ov).Write(w)
}

func (s *Server) handleGetCheck(w http.ResponseWriter, r *http.Request) {
	params, err := ParsePathMonth(r)
	if err != nil {
		BadRequestError(err.Error()).Write(w)
		return
	}
	key := core.Key{
		SourceID: sanitizeInput(r.URL.Query().Get("source_id")),
		Year:     params.Year,
		Month:    params.Month,
	}

	rec, err := s.deps.Ledger.GetCheckRecord(r.Context(), key)
	if err != nil {
		s.fail(w, r, applog.OpRead, err)
		return
	}
	NewResponse().JSON(rec).Write(w)
}

// handleSubmitCheck records a reviewer decision. The checker is always the
// authenticated caller.
func (s *Server) handleSubmitCheck(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var body submitCheckRequest
	if err := DecodeJSON(r, &body); err != nil {
		BadRequestError(err.Error()).Write(w)
		return
	}
	id, _ := IdentityFrom(ctx)

	rec, err := s.deps.Ledger.SubmitCheck(ctx, ledger.SubmitRequest{
		Key: core.Key{
			SourceID: sanitizeInput(body.SourceID),
			Year:     body.Year,
			Month:    body.Month,
		},
		Status:            body.Status,
		Memo:              sanitizeInput(body.Memo),
		Actor:             id.Email,
		ExpectedUpdatedAt: body.ExpectedUpdatedAt,
		Action:            sanitizeInput(body.Action),
	})
	if err != nil {
		s.fail(w, r, applog.OpSubmit, err)
		return
	}
	NewResponse().JSON(rec).Write(w)
}
