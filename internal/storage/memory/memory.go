package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"monthlypay/internal/core"
	"monthlypay/internal/ledger"
	"monthlypay/internal/storage"
)

// Store keeps every table in process memory. It honours the same
// conditional-write contract as the SQL backends.
type Store struct {
	mu           sync.Mutex
	raw          map[storage.RawTable][]core.RawRow
	targets      []core.WithholdingTarget
	compensation []core.MonthlyCompensationRecord
	checks       map[core.Key]ledger.StoredCheck
	users        map[string]core.DashboardUser
}

var _ storage.Repository = (*Store)(nil)

func New() *Store {
	return &Store{
		raw:    make(map[storage.RawTable][]core.RawRow),
		checks: make(map[core.Key]ledger.StoredCheck),
		users:  make(map[string]core.DashboardUser),
	}
}

func (s *Store) Ping(context.Context) error { return nil }
func (s *Store) Close() error               { return nil }

func (s *Store) ReplaceRaw(_ context.Context, table storage.RawTable, rows []core.RawRow, _ time.Time) error {
	if err := table.Validate(); err != nil {
		return err
	}
	out := make([]core.RawRow, len(rows))
	for i, r := range rows {
		out[i] = r.Normalize()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.raw[table] = out
	return nil
}

func (s *Store) ReadRaw(_ context.Context, table storage.RawTable) ([]core.RawRow, error) {
	if err := table.Validate(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]core.RawRow(nil), s.raw[table]...), nil
}

func (s *Store) ReplaceWithholdingTargets(_ context.Context, targets []core.WithholdingTarget) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.targets = append([]core.WithholdingTarget(nil), targets...)
	return nil
}

func (s *Store) ListWithholdingTargets(context.Context) ([]core.WithholdingTarget, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]core.WithholdingTarget(nil), s.targets...), nil
}

func (s *Store) ReplaceCompensation(_ context.Context, records []core.MonthlyCompensationRecord, _ time.Time) error {
	out := append([]core.MonthlyCompensationRecord(nil), records...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Key.Less(out[j].Key) })
	s.mu.Lock()
	defer s.mu.Unlock()
	s.compensation = out
	return nil
}

func (s *Store) ListCompensation(_ context.Context, year, month int) ([]core.MonthlyCompensationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []core.MonthlyCompensationRecord
	for _, r := range s.compensation {
		if (year == 0 || r.Year == year) && (month == 0 || r.Month == month) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *Store) GetCheck(_ context.Context, key core.Key) (ledger.StoredCheck, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.checks[key]
	return c, ok, nil
}

func (s *Store) InsertCheck(_ context.Context, c ledger.StoredCheck) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.checks[c.Key]; exists {
		return false, nil
	}
	s.checks[c.Key] = c
	return true, nil
}

func (s *Store) UpdateCheck(_ context.Context, c ledger.StoredCheck, expected time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.checks[c.Key]
	if !ok || !cur.UpdatedAt.Equal(expected) {
		return 0, nil
	}
	s.checks[c.Key] = c
	return 1, nil
}

func (s *Store) ListChecks(_ context.Context, year, month int) ([]ledger.StoredCheck, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ledger.StoredCheck
	for k, c := range s.checks {
		if k.Year == year && k.Month == month {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.SourceID < out[j].Key.SourceID })
	return out, nil
}

func (s *Store) GetUser(_ context.Context, email string) (core.DashboardUser, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[email]
	return u, ok, nil
}

func (s *Store) ListUsers(context.Context) ([]core.DashboardUser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]core.DashboardUser, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Email < out[j].Email })
	return out, nil
}

func (s *Store) AddUser(_ context.Context, u core.DashboardUser) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.users[u.Email]; exists {
		return false, nil
	}
	s.users[u.Email] = u
	return true, nil
}

func (s *Store) UpdateUserRole(_ context.Context, email string, role core.Role, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[email]
	if !ok {
		return false, nil
	}
	u.Role = role
	u.UpdatedAt = at
	s.users[email] = u
	return true, nil
}

func (s *Store) DeleteUser(_ context.Context, email string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[email]; !ok {
		return false, nil
	}
	delete(s.users, email)
	return true, nil
}
