package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"monthlypay/internal/cache"
	"monthlypay/internal/core"
	"monthlypay/internal/log"
	"monthlypay/internal/storage"
)

var (
	ErrUserExists       = errors.New("user already registered")
	ErrUserNotFound     = errors.New("user not found")
	ErrProtectedUser    = errors.New("the initial administrator cannot be removed or demoted")
	ErrSelfDelete       = errors.New("you cannot delete yourself")
	ErrDomainNotAllowed = errors.New("email domain not allowed")
)

// RoleResolver maps an authenticated email to its dashboard role. Lookups
// are cached; an empty role means the address is not registered.
type RoleResolver struct {
	users        storage.UserStore
	cache        cache.Cache[core.Role]
	initialAdmin string
	logger       *log.Logger
}

// NewRoleResolver accepts a nil cache. initialAdmin is granted admin when
// it is not registered, and when the user store cannot be reached.
func NewRoleResolver(users storage.UserStore, c cache.Cache[core.Role], initialAdmin string) *RoleResolver {
	admin, _ := core.NormalizeEmail(initialAdmin)
	return &RoleResolver{
		users:        users,
		cache:        c,
		initialAdmin: admin,
		logger:       log.NewComponentLogger(log.ComponentAuthz),
	}
}

func (r *RoleResolver) Resolve(ctx context.Context, email string) (core.Role, error) {
	email, err := core.NormalizeEmail(email)
	if err != nil {
		return "", err
	}
	if r.cache != nil {
		if role, ok := r.cache.Get(email); ok {
			return role, nil
		}
	}

	var role core.Role
	u, found, err := r.users.GetUser(ctx, email)
	switch {
	case err != nil:
		if email != r.initialAdmin {
			return "", fmt.Errorf("lookup user: %w", err)
		}
		r.logger.ErrorContext(ctx, "User lookup failed, granting initial administrator", log.FieldActor, email, "error", err)
		role = core.RoleAdmin
	case found:
		role = u.Role
	case email == r.initialAdmin:
		role = core.RoleAdmin
	}

	if r.cache != nil {
		r.cache.Set(email, role)
	}
	return role, nil
}

// Forget drops cached roles; with no arguments the whole cache.
func (r *RoleResolver) Forget(emails ...string) {
	if r.cache == nil {
		return
	}
	if len(emails) == 0 {
		r.cache.Purge()
		return
	}
	for _, e := range emails {
		if n, err := core.NormalizeEmail(e); err == nil {
			r.cache.Delete(n)
		}
	}
}

// UserService manages the dashboard allow-list.
type UserService struct {
	users         storage.UserStore
	roles         *RoleResolver
	initialAdmin  string
	allowedDomain string
	now           func() time.Time
	logger        *log.Logger
}

func NewUserService(users storage.UserStore, roles *RoleResolver, initialAdmin, allowedDomain string) *UserService {
	admin, _ := core.NormalizeEmail(initialAdmin)
	return &UserService{
		users:         users,
		roles:         roles,
		initialAdmin:  admin,
		allowedDomain: strings.ToLower(strings.TrimSpace(allowedDomain)),
		now:           time.Now,
		logger:        log.NewComponentLogger(log.ComponentAuthz),
	}
}

// CheckDomain rejects addresses outside the allowed domain, if one is set.
func (s *UserService) CheckDomain(email string) error {
	if s.allowedDomain == "" {
		return nil
	}
	if !strings.HasSuffix(strings.ToLower(email), "@"+s.allowedDomain) {
		return fmt.Errorf("%w: only @%s addresses", ErrDomainNotAllowed, s.allowedDomain)
	}
	return nil
}

func (s *UserService) List(ctx context.Context) ([]core.DashboardUser, error) {
	return s.users.ListUsers(ctx)
}

func (s *UserService) Add(ctx context.Context, email string, role core.Role, displayName, actor string) (core.DashboardUser, error) {
	email, err := core.NormalizeEmail(email)
	if err != nil {
		return core.DashboardUser{}, err
	}
	if err := s.CheckDomain(email); err != nil {
		return core.DashboardUser{}, err
	}
	if role, err = core.ParseRole(string(role)); err != nil {
		return core.DashboardUser{}, err
	}

	now := s.now().UTC()
	u := core.DashboardUser{
		Email:       email,
		Role:        role,
		DisplayName: strings.TrimSpace(displayName),
		AddedBy:     actor,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	added, err := s.users.AddUser(ctx, u)
	if err != nil {
		return core.DashboardUser{}, fmt.Errorf("add user: %w", err)
	}
	if !added {
		return core.DashboardUser{}, fmt.Errorf("%w: %s", ErrUserExists, email)
	}
	s.roles.Forget(email)
	s.logger.InfoContext(ctx, "User added", "email", email, log.FieldRole, role, log.FieldActor, actor)
	return u, nil
}

func (s *UserService) ChangeRole(ctx context.Context, email string, role core.Role, actor string) error {
	email, err := core.NormalizeEmail(email)
	if err != nil {
		return err
	}
	if role, err = core.ParseRole(string(role)); err != nil {
		return err
	}
	if email == s.initialAdmin && role != core.RoleAdmin {
		return ErrProtectedUser
	}
	ok, err := s.users.UpdateUserRole(ctx, email, role, s.now().UTC())
	if err != nil {
		return fmt.Errorf("update user role: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrUserNotFound, email)
	}
	s.roles.Forget(email)
	s.logger.InfoContext(ctx, "User role changed", "email", email, log.FieldRole, role, log.FieldActor, actor)
	return nil
}

func (s *UserService) Delete(ctx context.Context, email, actor string) error {
	email, err := core.NormalizeEmail(email)
	if err != nil {
		return err
	}
	if email == s.initialAdmin {
		return ErrProtectedUser
	}
	if self, _ := core.NormalizeEmail(actor); self == email {
		return ErrSelfDelete
	}
	ok, err := s.users.DeleteUser(ctx, email)
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrUserNotFound, email)
	}
	s.roles.Forget(email)
	s.logger.InfoContext(ctx, "User deleted", "email", email, log.FieldActor, actor)
	return nil
}
