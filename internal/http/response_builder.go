// Package http serves the dashboard JSON API.
//
// This file implements the response side: a small builder for JSON
// responses and the mapping from domain errors to status codes.

package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"monthlypay/internal/core"
	"monthlypay/internal/ledger"
	"monthlypay/internal/services"
)

// Messages shown to dashboard users.
const (
	msgConflict     = "別のチェック者が先に更新しました。ページを再読み込みしてください。"
	msgNoAccess     = "アクセス権限がありません。管理者にお問い合わせください。"
	msgUnauthorized = "ログインが必要です。"
	msgInternal     = "内部エラーが発生しました。"
)

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	Reload    bool   `json:"reload,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// ResponseBuilder collects status, headers and a JSON payload.
type ResponseBuilder struct {
	statusCode int
	headers    map[string]string
	payload    any
}

func NewResponse() *ResponseBuilder {
	return &ResponseBuilder{
		statusCode: http.StatusOK,
		headers:    make(map[string]string),
	}
}

func (b *ResponseBuilder) Status(code int) *ResponseBuilder {
	b.statusCode = code
	return b
}

func (b *ResponseBuilder) Header(name, value string) *ResponseBuilder {
	b.headers[name] = value
	return b
}

// JSON sets the payload; nil sends no body.
func (b *ResponseBuilder) JSON(v any) *ResponseBuilder {
	b.payload = v
	return b
}

// Write sends the built response to the http.ResponseWriter.
func (b *ResponseBuilder) Write(w http.ResponseWriter) {
	for name, value := range b.headers {
		w.Header().Set(name, value)
	}
	if b.payload == nil {
		w.WriteHeader(b.statusCode)
		return
	}
	body, err := json.Marshal(b.payload)
	if err != nil {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"` + msgInternal + `","code":"internal"}`))
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(b.statusCode)
	_, _ = w.Write(body)
	_, _ = w.Write([]byte("\n"))
}

// ErrorResponse creates a JSON error response.
func ErrorResponse(statusCode int, code, message string) *ResponseBuilder {
	return NewResponse().Status(statusCode).JSON(ErrorBody{Error: message, Code: code})
}

func BadRequestError(message string) *ResponseBuilder {
	return ErrorResponse(http.StatusBadRequest, "bad_request", message)
}

func UnprocessableEntityError(message string) *ResponseBuilder {
	return ErrorResponse(http.StatusUnprocessableEntity, "validation", message)
}

func NotFoundError(message string) *ResponseBuilder {
	return ErrorResponse(http.StatusNotFound, "not_found", message)
}

func ForbiddenError(message string) *ResponseBuilder {
	return ErrorResponse(http.StatusForbidden, "forbidden", message)
}

func UnauthorizedError() *ResponseBuilder {
	return ErrorResponse(http.StatusUnauthorized, "unauthenticated", msgUnauthorized)
}

func InternalServerError() *ResponseBuilder {
	return ErrorResponse(http.StatusInternalServerError, "internal", msgInternal)
}

// ConflictError tells the client to reload before retrying.
func ConflictError() *ResponseBuilder {
	return NewResponse().
		Status(http.StatusConflict).
		JSON(ErrorBody{Error: msgConflict, Code: "conflict", Reload: true})
}

var validationErrors = []error{
	ledger.ErrInvalidKey,
	ledger.ErrTransitionRejected,
	core.ErrEmptySourceID,
	core.ErrInvalidYear,
	core.ErrInvalidMonth,
	core.ErrInvalidStatus,
	core.ErrInvalidRole,
	core.ErrMemoTooLong,
	core.ErrMissingActor,
	core.ErrInvalidEmail,
	services.ErrDomainNotAllowed,
	services.ErrProtectedUser,
	services.ErrSelfDelete,
}

// ErrorFor maps a service error to its response. Unknown errors become an
// opaque 500; the caller logs the detail.
func ErrorFor(err error) *ResponseBuilder {
	switch {
	case errors.Is(err, ledger.ErrConflict):
		return ConflictError()
	case errors.Is(err, services.ErrUserExists):
		return ErrorResponse(http.StatusConflict, "exists", err.Error())
	case errors.Is(err, ledger.ErrNotFound), errors.Is(err, services.ErrUserNotFound):
		return NotFoundError(err.Error())
	}
	for _, target := range validationErrors {
		if errors.Is(err, target) {
			return UnprocessableEntityError(err.Error())
		}
	}
	return InternalServerError()
}
