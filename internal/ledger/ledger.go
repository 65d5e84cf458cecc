// Package ledger records reviewer decisions per member-month. Every write
// is a compare-and-swap on updated_at and appends exactly one entry to the
// record's action log.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"monthlypay/internal/cache"
	"monthlypay/internal/core"
	applog "monthlypay/internal/log"
)

// maxUnversionedAttempts bounds re-reads for submits without an expected
// version that lose a race.
const maxUnversionedAttempts = 3

type SubmitRequest struct {
	Key    core.Key
	Status core.CheckStatus
	Memo   string
	Actor  string

	// ExpectedUpdatedAt is the version the caller last observed, nil when
	// the caller believes no record exists.
	ExpectedUpdatedAt *time.Time

	// Action overrides the generated audit text.
	Action string
}

func (r SubmitRequest) validate() error {
	if err := r.Key.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidKey, err)
	}
	if !r.Status.Valid() {
		return fmt.Errorf("%w: %q", core.ErrInvalidStatus, r.Status)
	}
	if utf8.RuneCountInString(r.Memo) > core.MaxMemoLength {
		return core.ErrMemoTooLong
	}
	if strings.TrimSpace(r.Actor) == "" {
		return core.ErrMissingActor
	}
	return nil
}

type Service struct {
	store    Store
	roster   RosterReader
	policy   TransitionPolicy
	now      func() time.Time
	strict   bool
	overview cache.Cache[Overview]
	logger   *applog.Logger
}

type Option func(*Service)

// WithClock replaces the wall clock used for updated_at and log entries.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithPolicy(p TransitionPolicy) Option {
	return func(s *Service) {
		if p != nil {
			s.policy = p
		}
	}
}

// WithStrictVersioning makes a submit without an expected version fail
// with ErrConflict when a record already exists.
func WithStrictVersioning(strict bool) Option {
	return func(s *Service) { s.strict = strict }
}

// WithOverviewCache memoizes Overview per month. Entries for a month are
// dropped whenever a record in that month is written.
func WithOverviewCache(c cache.Cache[Overview]) Option {
	return func(s *Service) { s.overview = c }
}

// WithRoster supplies the member and expense figures Overview joins with.
func WithRoster(r RosterReader) Option {
	return func(s *Service) { s.roster = r }
}

func NewService(store Store, opts ...Option) *Service {
	s := &Service{
		store:  store,
		policy: AllowAll{},
		now:    time.Now,
		logger: applog.NewComponentLogger(applog.ComponentLedger),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GetCheckRecord returns ErrNotFound when no record exists for key.
func (s *Service) GetCheckRecord(ctx context.Context, key core.Key) (core.CheckRecord, error) {
	if err := key.Validate(); err != nil {
		return core.CheckRecord{}, fmt.Errorf("%w: %w", ErrInvalidKey, err)
	}
	stored, found, err := s.store.GetCheck(ctx, key)
	if err != nil {
		return core.CheckRecord{}, fmt.Errorf("get check record: %w", err)
	}
	if !found {
		return core.CheckRecord{}, ErrNotFound
	}
	return stored.Decode(), nil
}

// SubmitCheck writes a status and memo for a member-month.
//
// With ExpectedUpdatedAt set the write only lands if the stored record
// still carries that version; otherwise ErrConflict is returned and
// nothing changes. Without it a missing record is created and an existing
// one is overwritten, unless strict versioning is enabled.
func (s *Service) SubmitCheck(ctx context.Context, req SubmitRequest) (core.CheckRecord, error) {
	if err := req.validate(); err != nil {
		return core.CheckRecord{}, err
	}
	req.Actor = strings.TrimSpace(req.Actor)

	for attempt := 1; ; attempt++ {
		current, found, err := s.store.GetCheck(ctx, req.Key)
		if err != nil {
			return core.CheckRecord{}, fmt.Errorf("read check record: %w", err)
		}

		var rec core.CheckRecord
		if !found {
			rec, err = s.insert(ctx, req)
		} else {
			rec, err = s.update(ctx, req, current)
		}

		switch {
		case err == nil:
			s.invalidate(req.Key)
			s.logger.InfoContext(ctx, "Check record saved",
				applog.FieldSourceID, req.Key.SourceID,
				applog.FieldYear, req.Key.Year,
				applog.FieldMonth, req.Key.Month,
				applog.FieldStatus, string(rec.Status),
				applog.FieldActor, req.Actor,
				"created", !found)
			return rec, nil
		case errors.Is(err, errLostRace) && req.ExpectedUpdatedAt == nil && attempt < maxUnversionedAttempts:
			s.logger.DebugContext(ctx, "Unversioned submit lost a race, re-reading",
				applog.FieldSourceID, req.Key.SourceID, "attempt", attempt)
			continue
		case errors.Is(err, errLostRace):
			fields := applog.NewFields().WithMemberMonth(req.Key.SourceID, req.Key.Year, req.Key.Month)
			fields[applog.FieldActor] = req.Actor
			s.logger.WarnContext(ctx, "Check record conflict", fields.ToSlice()...)
			return core.CheckRecord{}, ErrConflict
		default:
			return core.CheckRecord{}, err
		}
	}
}

// errLostRace marks a conditional write that affected nothing.
var errLostRace = errors.New("conditional write affected no rows")

func (s *Service) insert(ctx context.Context, req SubmitRequest) (core.CheckRecord, error) {
	if err := s.checkTransition(core.StatusUnconfirmed, req.Status); err != nil {
		return core.CheckRecord{}, err
	}

	stamp := s.stamp(time.Time{})
	action := req.Action
	if action == "" {
		action = DescribeChange(core.StatusUnconfirmed, req.Status, req.Memo != "")
	}
	next, err := s.build(req, "", core.ActionLogEntry{Timestamp: stamp, Actor: req.Actor, Action: action})
	if err != nil {
		return core.CheckRecord{}, err
	}
	inserted, err := s.store.InsertCheck(ctx, next)
	if err != nil {
		return core.CheckRecord{}, fmt.Errorf("insert check record: %w", err)
	}
	if !inserted {
		// Someone created the record between our read and write.
		return core.CheckRecord{}, errLostRace
	}
	return next.Decode(), nil
}

func (s *Service) update(ctx context.Context, req SubmitRequest, current StoredCheck) (core.CheckRecord, error) {
	if req.ExpectedUpdatedAt != nil {
		expected := req.ExpectedUpdatedAt.UTC().Truncate(time.Microsecond)
		if !current.UpdatedAt.Equal(expected) {
			return core.CheckRecord{}, errLostRace
		}
	} else if s.strict {
		return core.CheckRecord{}, ErrConflict
	}

	if err := s.checkTransition(current.Status, req.Status); err != nil {
		return core.CheckRecord{}, err
	}

	stamp := s.stamp(current.UpdatedAt)
	action := req.Action
	if action == "" {
		action = DescribeChange(current.Status, req.Status, current.Memo != req.Memo)
	}
	next, err := s.build(req, current.ActionLog, core.ActionLogEntry{Timestamp: stamp, Actor: req.Actor, Action: action})
	if err != nil {
		return core.CheckRecord{}, err
	}
	n, err := s.store.UpdateCheck(ctx, next, current.UpdatedAt)
	if err != nil {
		return core.CheckRecord{}, fmt.Errorf("update check record: %w", err)
	}
	if n == 0 {
		return core.CheckRecord{}, errLostRace
	}
	return next.Decode(), nil
}

// build appends entry to the prior stored log; the entry's timestamp is
// the new version.
func (s *Service) build(req SubmitRequest, priorLog string, entry core.ActionLogEntry) (StoredCheck, error) {
	payload, err := AppendActionLog(priorLog, entry)
	if err != nil {
		return StoredCheck{}, err
	}
	return StoredCheck{
		Key:       req.Key,
		Status:    req.Status,
		Checker:   req.Actor,
		Memo:      req.Memo,
		ActionLog: payload,
		UpdatedAt: entry.Timestamp,
	}, nil
}

func (s *Service) checkTransition(from, to core.CheckStatus) error {
	ok, err := s.policy.Allow(from, to)
	if err != nil {
		return fmt.Errorf("check transition: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %s → %s", ErrTransitionRejected, from, to)
	}
	return nil
}

// stamp returns the next version. Versions are UTC with microsecond
// precision and always move forward, even if the clock does not.
func (s *Service) stamp(prev time.Time) time.Time {
	t := s.now().UTC().Truncate(time.Microsecond)
	if !prev.IsZero() && !t.After(prev) {
		t = prev.UTC().Add(time.Microsecond)
	}
	return t
}

func (s *Service) invalidate(key core.Key) {
	if s.overview != nil {
		s.overview.Delete(overviewKey(key.Year, key.Month))
	}
}

// InvalidateOverviews drops every memoized overview.
func (s *Service) InvalidateOverviews() {
	if s.overview != nil {
		s.overview.Purge()
	}
}
