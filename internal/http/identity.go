package http

import (
	"context"
	"net/http"
	"strings"

	"monthlypay/internal/authz"
	"monthlypay/internal/core"
	applog "monthlypay/internal/log"
)

const (
	// HeaderIAPEmail is set by Identity-Aware Proxy in front of the service.
	HeaderIAPEmail = "X-Goog-Authenticated-User-Email"
	// HeaderDevEmail is accepted for local development without a proxy.
	HeaderDevEmail = "X-User-Email"

	iapEmailPrefix = "accounts.google.com:"
)

// Identity is the authenticated caller of a request.
type Identity struct {
	Email string    `json:"email"`
	Role  core.Role `json:"role"`
}

type identityKey struct{}

func contextWithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFrom returns the caller stored by the identity middleware.
func IdentityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}

// RoleResolver maps an email to a dashboard role; empty means none.
type RoleResolver interface {
	Resolve(ctx context.Context, email string) (core.Role, error)
}

// emailFromRequest prefers the proxy header.
func emailFromRequest(r *http.Request, allowDevHeader bool) string {
	if v := strings.TrimSpace(r.Header.Get(HeaderIAPEmail)); v != "" {
		return strings.TrimPrefix(v, iapEmailPrefix)
	}
	if allowDevHeader {
		return strings.TrimSpace(r.Header.Get(HeaderDevEmail))
	}
	return ""
}

// withIdentity authenticates the caller and resolves their role. Callers
// outside the allowed domain are rejected before any lookup.
func (s *Server) withIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		logger := applog.FromContext(ctx).WithComponent(applog.ComponentAuthz)

		email, err := core.NormalizeEmail(emailFromRequest(r, s.deps.AllowDevHeader))
		if err != nil {
			UnauthorizedError().Write(w)
			return
		}
		if s.deps.Users != nil {
			if err := s.deps.Users.CheckDomain(email); err != nil {
				logger.WarnContext(ctx, "Rejected caller outside allowed domain", applog.FieldActor, email)
				ForbiddenError(msgNoAccess).Write(w)
				return
			}
		}

		role, err := s.deps.Roles.Resolve(ctx, email)
		if err != nil {
			logger.ErrorContext(ctx, "Role lookup failed", applog.FieldActor, email, "error", err)
			InternalServerError().Write(w)
			return
		}

		ctx = contextWithIdentity(ctx, Identity{Email: email, Role: role})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// withAuthz gates a route on object and action. In shadow mode denials
// are only logged.
func (s *Server) withAuthz(object, action string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		id, _ := IdentityFrom(ctx)
		subject := authz.SubjectFromRole(id.Role)

		allowed, enforced, err := s.deps.Authorizer.Authorize(subject, object, action)
		if err != nil {
			applog.FromContext(ctx).ErrorContext(ctx, "Authorization failed", "subject", subject, "object", object, "action", action, "error", err)
			InternalServerError().Write(w)
			return
		}
		if !allowed {
			applog.FromContext(ctx).WarnContext(ctx, "Access denied",
				applog.FieldActor, id.Email,
				applog.FieldRole, id.Role,
				"object", object,
				"action", action,
				"enforced", enforced)
			if enforced {
				ForbiddenError(msgNoAccess).Write(w)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}
