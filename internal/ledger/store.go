package ledger

import (
	"context"
	"errors"
	"time"

	"monthlypay/internal/core"
)

var (
	// ErrConflict means another reviewer wrote the record first. Callers
	// re-read the record and resubmit with its UpdatedAt.
	ErrConflict = errors.New("check record was updated by someone else")

	ErrNotFound           = errors.New("check record not found")
	ErrInvalidKey         = errors.New("invalid check key")
	ErrTransitionRejected = errors.New("status transition rejected")
)

// StoredCheck is a check record as persisted. ActionLog holds the raw JSON
// payload so that malformed history can be repaired on the next write.
type StoredCheck struct {
	Key       core.Key
	Status    core.CheckStatus
	Checker   string
	Memo      string
	ActionLog string
	UpdatedAt time.Time
}

// Store persists check records. UpdateCheck and InsertCheck are the only
// writes and both are conditional.
type Store interface {
	GetCheck(ctx context.Context, key core.Key) (StoredCheck, bool, error)

	// InsertCheck reports false when a record for the key already exists.
	InsertCheck(ctx context.Context, c StoredCheck) (bool, error)

	// UpdateCheck writes c only if the stored updated_at equals expected and
	// returns the number of rows affected.
	UpdateCheck(ctx context.Context, c StoredCheck, expected time.Time) (int64, error)

	ListChecks(ctx context.Context, year, month int) ([]StoredCheck, error)
}

// Decode turns a stored record into its domain form, dropping unreadable
// history.
func (s StoredCheck) Decode() core.CheckRecord {
	return core.CheckRecord{
		Key:       s.Key,
		Status:    s.Status,
		Checker:   s.Checker,
		Memo:      s.Memo,
		ActionLog: DecodeActionLog(s.ActionLog),
		UpdatedAt: s.UpdatedAt,
	}
}
