package http

import (
	"fmt"
	"net/http"
	"net/url"
	"slices"

	"monthlypay/internal/core"
	applog "monthlypay/internal/log"
)

type addUserRequest struct {
	Email       string    `json:"email"`
	Role        core.Role `json:"role"`
	DisplayName string    `json:"display_name"`
}

type updateUserRequest struct {
	Role core.Role `json:"role"`
}

type clearCacheRequest struct {
	Caches []string `json:"caches"`
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.deps.Users.List(r.Context())
	if err != nil {
		s.fail(w, r, applog.OpList, err)
		return
	}
	if users == nil {
		users = []core.DashboardUser{}
	}
	NewResponse().JSON(map[string]any{"users": users}).Write(w)
}

func (s *Server) handleAddUser(w http.ResponseWriter, r *http.Request) {
	var body addUserRequest
	if err := DecodeJSON(r, &body); err != nil {
		BadRequestError(err.Error()).Write(w)
		return
	}
	id, _ := IdentityFrom(r.Context())

	u, err := s.deps.Users.Add(r.Context(), body.Email, body.Role, sanitizeInput(body.DisplayName), id.Email)
	if err != nil {
		s.fail(w, r, "add_user", err)
		return
	}
	NewResponse().
		Status(http.StatusCreated).
		Header("Location", "/api/admin/users?email="+url.QueryEscape(u.Email)).
		JSON(u).
		Write(w)
}

func (s *Server) handleUpdateUser(w http.ResponseWriter, r *http.Request) {
	email := r.URL.Query().Get("email")
	if email == "" {
		BadRequestError("email is required").Write(w)
		return
	}
	var body updateUserRequest
	if err := DecodeJSON(r, &body); err != nil {
		BadRequestError(err.Error()).Write(w)
		return
	}
	id, _ := IdentityFrom(r.Context())

	if err := s.deps.Users.ChangeRole(r.Context(), email, body.Role, id.Email); err != nil {
		s.fail(w, r, "change_role", err)
		return
	}
	NewResponse().Status(http.StatusNoContent).Write(w)
}

func (s *Server) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	email := r.URL.Query().Get("email")
	if email == "" {
		BadRequestError("email is required").Write(w)
		return
	}
	id, _ := IdentityFrom(r.Context())

	if err := s.deps.Users.Delete(r.Context(), email, id.Email); err != nil {
		s.fail(w, r, "delete_user", err)
		return
	}
	NewResponse().Status(http.StatusNoContent).Write(w)
}

// handleClearCache purges the named caches, or all of them for an empty
// body.
func (s *Server) handleClearCache(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var body clearCacheRequest
	if r.ContentLength != 0 {
		if err := DecodeJSON(r, &body); err != nil {
			BadRequestError(err.Error()).Write(w)
			return
		}
	}
	known := s.deps.Caches.Names()
	for _, name := range body.Caches {
		if !slices.Contains(known, name) {
			UnprocessableEntityError(fmt.Sprintf("unknown cache %q", name)).Write(w)
			return
		}
	}

	cleared := s.deps.Caches.Clear(body.Caches...)
	if cleared == nil {
		cleared = []string{}
	}
	id, _ := IdentityFrom(ctx)
	applog.FromContext(ctx).InfoContext(ctx, "Caches cleared", applog.FieldActor, id.Email, "caches", cleared)
	NewResponse().JSON(map[string]any{"cleared": cleared}).Write(w)
}

func (s *Server) handleRecompute(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	res, err := s.deps.Compensation.Recompute(ctx)
	if err != nil {
		s.fail(w, r, applog.OpRecompute, err)
		return
	}
	id, _ := IdentityFrom(ctx)
	applog.FromContext(ctx).InfoContext(ctx, "Recompute triggered", applog.FieldActor, id.Email, "records", res.Records)
	NewResponse().JSON(res).Write(w)
}
