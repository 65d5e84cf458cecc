package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"monthlypay/internal/authz"
	"monthlypay/internal/cache"
	"monthlypay/internal/compensation"
	"monthlypay/internal/core"
	"monthlypay/internal/export"
	"monthlypay/internal/ledger"
	"monthlypay/internal/services"
	"monthlypay/internal/storage"
	"monthlypay/internal/storage/memory"
)

const (
	viewerEmail  = "viewer@example.org"
	checkerEmail = "checker@example.org"
	adminEmail   = "admin@example.org"
	rootEmail    = "root@example.org"
)

type fakeCompensation struct {
	records    []core.MonthlyCompensationRecord
	gotFilter  compensation.Filter
	recomputes int
	err        error
}

func (f *fakeCompensation) List(_ context.Context, filter compensation.Filter) ([]core.MonthlyCompensationRecord, error) {
	f.gotFilter = filter
	if f.err != nil {
		return nil, f.err
	}
	return compensation.Apply(f.records, filter), nil
}

func (f *fakeCompensation) Recompute(context.Context) (services.RecomputeResult, error) {
	f.recomputes++
	if f.err != nil {
		return services.RecomputeResult{}, f.err
	}
	return services.RecomputeResult{Records: len(f.records)}, nil
}

type failingPinger struct{}

func (failingPinger) Ping(context.Context) error { return errors.New("connection refused") }

type testEnv struct {
	server *Server
	store  *memory.Store
	comp   *fakeCompensation
	caches *cache.Manager
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()
	now := time.Date(2025, 6, 15, 9, 0, 0, 0, time.UTC)

	store := memory.New()
	members := []core.RawRow{
		{SourceID: "src-1", Cells: []string{"M001", "たろう", "山田太郎"}},
		{SourceID: "src-2", Cells: []string{"M002", "はなこ", "佐藤花子"}},
	}
	if err := store.ReplaceRaw(ctx, storage.TableMembers, members, now); err != nil {
		t.Fatalf("seed members: %v", err)
	}
	for email, role := range map[string]core.Role{
		viewerEmail:  core.RoleViewer,
		checkerEmail: core.RoleChecker,
		adminEmail:   core.RoleAdmin,
	} {
		if _, err := store.AddUser(ctx, core.DashboardUser{Email: email, Role: role, AddedBy: rootEmail, CreatedAt: now, UpdatedAt: now}); err != nil {
			t.Fatalf("seed user: %v", err)
		}
	}

	roleCache := cache.NewLRUCache[core.Role](100, time.Minute)
	roles := services.NewRoleResolver(store, roleCache, rootEmail)
	users := services.NewUserService(store, roles, rootEmail, "example.org")

	overviewCache := cache.NewLRUCache[ledger.Overview](10, time.Minute)
	checks := ledger.NewService(store,
		ledger.WithRoster(storage.NewRoster(store)),
		ledger.WithOverviewCache(overviewCache))

	manager := cache.NewManager()
	manager.Register("roles", roleCache)
	manager.Register("overview", overviewCache)

	az, err := authz.NewAuthorizer(authz.ModeEnforce)
	if err != nil {
		t.Fatalf("NewAuthorizer: %v", err)
	}

	comp := &fakeCompensation{records: []core.MonthlyCompensationRecord{
		{Key: core.Key{SourceID: "src-1", Year: 2025, Month: 5}, DisplayName: "たろう", Payment: decimal.NewFromInt(12000)},
		{Key: core.Key{SourceID: "src-1", Year: 2025, Month: 6}, DisplayName: "たろう", Payment: decimal.NewFromInt(8000)},
		{Key: core.Key{SourceID: "src-2", Year: 2025, Month: 6}, DisplayName: "はなこ", Payment: decimal.NewFromInt(5000)},
	}}

	s := NewServer(":0", Deps{
		Compensation:   comp,
		Ledger:         checks,
		Users:          users,
		Roles:          roles,
		Authorizer:     az,
		Caches:         manager,
		Store:          store,
		AllowDevHeader: true,
		Now:            func() time.Time { return now },
	})
	t.Cleanup(s.limiter.Stop)

	return &testEnv{server: s, store: store, comp: comp, caches: manager}
}

func (e *testEnv) do(method, target, email, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if email != "" {
		req.Header.Set(HeaderDevEmail, email)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	e.server.Handler.ServeHTTP(w, req)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return v
}

func TestHealthEndpoints(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodGet, "/healthz", "", "")
	if w.Code != http.StatusOK {
		t.Errorf("healthz = %d", w.Code)
	}
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("missing X-Request-ID")
	}
	if w.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("missing security headers")
	}
	health := decodeBody[map[string]any](t, w)
	if health["status"] != "ok" {
		t.Errorf("health status = %v", health["status"])
	}
	if _, ok := health["requests"]; !ok {
		t.Error("missing request counter")
	}
	if caches, ok := health["caches"].(map[string]any); !ok || caches["roles"] == nil {
		t.Errorf("caches = %v", health["caches"])
	}

	if w := env.do(http.MethodGet, "/readyz", "", ""); w.Code != http.StatusOK {
		t.Errorf("readyz = %d", w.Code)
	}

	env.server.deps.Store = failingPinger{}
	if w := env.do(http.MethodGet, "/readyz", "", ""); w.Code != http.StatusServiceUnavailable {
		t.Errorf("readyz with broken store = %d", w.Code)
	}
}

func TestIdentity(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name     string
		header   string
		value    string
		want     int
		wantRole core.Role
	}{
		{"no identity", "", "", http.StatusUnauthorized, ""},
		{"malformed", HeaderDevEmail, "not-an-email", http.StatusUnauthorized, ""},
		{"other domain", HeaderDevEmail, "viewer@elsewhere.org", http.StatusForbidden, ""},
		{"unregistered", HeaderDevEmail, "stranger@example.org", http.StatusForbidden, ""},
		{"viewer via dev header", HeaderDevEmail, viewerEmail, http.StatusOK, core.RoleViewer},
		{"proxy header", HeaderIAPEmail, "accounts.google.com:Checker@Example.org", http.StatusOK, core.RoleChecker},
		{"initial admin without record", HeaderDevEmail, rootEmail, http.StatusOK, core.RoleAdmin},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/me", nil)
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}
			w := httptest.NewRecorder()
			env.server.Handler.ServeHTTP(w, req)

			if w.Code != tt.want {
				t.Fatalf("status = %d, want %d (%s)", w.Code, tt.want, w.Body.String())
			}
			if tt.want == http.StatusOK {
				id := decodeBody[Identity](t, w)
				if id.Role != tt.wantRole {
					t.Errorf("role = %q, want %q", id.Role, tt.wantRole)
				}
				if id.Email != strings.ToLower(id.Email) {
					t.Errorf("email not normalized: %q", id.Email)
				}
			}
		})
	}
}

func TestDevHeaderDisabled(t *testing.T) {
	env := newTestEnv(t)
	env.server.deps.AllowDevHeader = false

	if w := env.do(http.MethodGet, "/api/me", viewerEmail, ""); w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

func TestRoutePermissions(t *testing.T) {
	tests := []struct {
		method, target, email string
		want                  int
	}{
		{http.MethodGet, "/api/compensation", viewerEmail, http.StatusOK},
		{http.MethodGet, "/api/checks?year=2025&month=6", viewerEmail, http.StatusForbidden},
		{http.MethodGet, "/api/checks?year=2025&month=6", checkerEmail, http.StatusOK},
		{http.MethodGet, "/api/admin/users", checkerEmail, http.StatusForbidden},
		{http.MethodGet, "/api/admin/users", adminEmail, http.StatusOK},
		{http.MethodPost, "/api/admin/cache/clear", checkerEmail, http.StatusForbidden},
		{http.MethodPost, "/api/admin/recompute", viewerEmail, http.StatusForbidden},
		{http.MethodPost, "/api/admin/recompute", adminEmail, http.StatusOK},
		{http.MethodGet, "/api/checks?year=2025&month=6", adminEmail, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.target+" as "+tt.email, func(t *testing.T) {
			env := newTestEnv(t)
			w := env.do(tt.method, tt.target, tt.email, "")
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d (%s)", w.Code, tt.want, w.Body.String())
			}
		})
	}
}

func TestShadowModeLogsOnly(t *testing.T) {
	env := newTestEnv(t)
	az, err := authz.NewAuthorizer(authz.ModeShadow)
	if err != nil {
		t.Fatal(err)
	}
	env.server.deps.Authorizer = az

	if w := env.do(http.MethodGet, "/api/checks?year=2025&month=6", viewerEmail, ""); w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 in shadow mode", w.Code)
	}
}

func TestListCompensation(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodGet, "/api/compensation?year=2025&month=6&member=src-1", viewerEmail, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d (%s)", w.Code, w.Body.String())
	}
	got := decodeBody[compensationResponse](t, w)
	if len(got.Records) != 1 || got.Records[0].SourceID != "src-1" || got.Records[0].Month != 6 {
		t.Errorf("records = %+v", got.Records)
	}
	if !got.Summary.Payment.Equal(decimal.NewFromInt(8000)) {
		t.Errorf("summary payment = %s", got.Summary.Payment)
	}
	if env.comp.gotFilter.Year != 2025 || env.comp.gotFilter.Month != 6 {
		t.Errorf("filter = %+v", env.comp.gotFilter)
	}

	w = env.do(http.MethodGet, "/api/compensation?year=2025", viewerEmail, "")
	got = decodeBody[compensationResponse](t, w)
	if len(got.Records) != 3 || len(got.Members) != 2 {
		t.Errorf("records = %d members = %d", len(got.Records), len(got.Members))
	}
	if got.Members[0].SourceID != "src-1" || !got.Members[0].Total.Equal(decimal.NewFromInt(20000)) {
		t.Errorf("top member = %+v", got.Members[0])
	}

	if w := env.do(http.MethodGet, "/api/compensation?month=6", viewerEmail, ""); w.Code != http.StatusBadRequest {
		t.Errorf("month without year = %d", w.Code)
	}

	env.comp.err = errors.New("disk full")
	w = env.do(http.MethodGet, "/api/compensation", viewerEmail, "")
	if w.Code != http.StatusInternalServerError {
		t.Errorf("store failure = %d", w.Code)
	}
	if strings.Contains(w.Body.String(), "disk full") {
		t.Error("internal error detail leaked")
	}
	if body := decodeBody[ErrorBody](t, w); body.RequestID == "" || body.RequestID != w.Header().Get("X-Request-ID") {
		t.Errorf("request_id = %q, header %q", body.RequestID, w.Header().Get("X-Request-ID"))
	}
}

func TestExportCompensation(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodGet, "/api/compensation/export?year=2025&month=6", viewerEmail, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d (%s)", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != export.ContentType {
		t.Errorf("Content-Type = %q", ct)
	}
	if cd := w.Header().Get("Content-Disposition"); !strings.Contains(cd, export.Filename(2025, 6)) {
		t.Errorf("Content-Disposition = %q", cd)
	}
	// xlsx files are zip archives
	if !strings.HasPrefix(w.Body.String(), "PK") {
		t.Error("body is not a workbook")
	}
}

func TestCheckWorkflow(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodGet, "/api/checks?year=2025&month=6", checkerEmail, "")
	ov := decodeBody[ledger.Overview](t, w)
	if len(ov.Rows) != 2 || ov.StatusCounts[core.StatusUnconfirmed] != 2 {
		t.Fatalf("initial overview = %+v", ov)
	}

	w = env.do(http.MethodPost, "/api/checks", checkerEmail,
		`{"source_id":"src-1","year":2025,"month":6,"status":"confirmed","memo":"ok","expected_updated_at":null}`)
	if w.Code != http.StatusOK {
		t.Fatalf("submit = %d (%s)", w.Code, w.Body.String())
	}
	rec := decodeBody[core.CheckRecord](t, w)
	if rec.Checker != checkerEmail || rec.Status != core.StatusConfirmed || len(rec.ActionLog) != 1 {
		t.Errorf("record = %+v", rec)
	}

	// Overview is refreshed after a submit.
	w = env.do(http.MethodGet, "/api/checks?year=2025&month=6&status=confirmed", checkerEmail, "")
	ov = decodeBody[ledger.Overview](t, w)
	if len(ov.Rows) != 1 || ov.Rows[0].SourceID != "src-1" || ov.StatusCounts[core.StatusConfirmed] != 1 {
		t.Errorf("confirmed overview = %+v", ov)
	}
	w = env.do(http.MethodGet, "/api/checks?year=2025&month=6&status=returned", checkerEmail, "")
	if !strings.Contains(w.Body.String(), `"rows":[]`) {
		t.Errorf("empty filter should encode an empty list: %s", w.Body.String())
	}

	w = env.do(http.MethodGet, "/api/checks/2025/6?source_id=src-1", checkerEmail, "")
	if got := decodeBody[core.CheckRecord](t, w); !got.UpdatedAt.Equal(rec.UpdatedAt) {
		t.Errorf("get = %+v", got)
	}

	// A second reviewer working from the original version loses.
	w = env.do(http.MethodPost, "/api/checks", adminEmail,
		`{"source_id":"src-1","year":2025,"month":6,"status":"returned","memo":"","expected_updated_at":"2025-06-01T00:00:00Z"}`)
	if w.Code != http.StatusConflict {
		t.Fatalf("stale submit = %d (%s)", w.Code, w.Body.String())
	}
	if body := decodeBody[ErrorBody](t, w); !body.Reload {
		t.Errorf("conflict body = %+v", body)
	}

	stamp, _ := json.Marshal(rec.UpdatedAt)
	w = env.do(http.MethodPost, "/api/checks", adminEmail,
		`{"source_id":"src-1","year":2025,"month":6,"status":"returned","memo":"","expected_updated_at":`+string(stamp)+`}`)
	if w.Code != http.StatusOK {
		t.Fatalf("fresh submit = %d (%s)", w.Code, w.Body.String())
	}
	rec = decodeBody[core.CheckRecord](t, w)
	if rec.Checker != adminEmail || len(rec.ActionLog) != 2 {
		t.Errorf("record after second submit = %+v", rec)
	}
}

func TestCheckValidation(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name   string
		method string
		target string
		body   string
		want   int
	}{
		{"unknown record", http.MethodGet, "/api/checks/2025/6?source_id=src-9", "", http.StatusNotFound},
		{"bad path month", http.MethodGet, "/api/checks/2025/13?source_id=src-1", "", http.StatusBadRequest},
		{"missing source", http.MethodGet, "/api/checks/2025/6", "", http.StatusUnprocessableEntity},
		{"bad status filter", http.MethodGet, "/api/checks?status=done", "", http.StatusBadRequest},
		{"unknown field", http.MethodPost, "/api/checks", `{"source_id":"src-1","year":2025,"month":6,"status":"confirmed","checker":"x"}`, http.StatusBadRequest},
		{"bad status", http.MethodPost, "/api/checks", `{"source_id":"src-1","year":2025,"month":6,"status":"done"}`, http.StatusUnprocessableEntity},
		{"bad year", http.MethodPost, "/api/checks", `{"source_id":"src-1","year":1999,"month":6,"status":"confirmed"}`, http.StatusUnprocessableEntity},
		{"long memo", http.MethodPost, "/api/checks", `{"source_id":"src-1","year":2025,"month":6,"status":"confirmed","memo":"` + strings.Repeat("あ", core.MaxMemoLength+1) + `"}`, http.StatusUnprocessableEntity},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(tt.method, tt.target, checkerEmail, tt.body)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d (%s)", w.Code, tt.want, w.Body.String())
			}
		})
	}
}

func TestUserAdministration(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodPost, "/api/admin/users", adminEmail, `{"email":"New@Example.org","role":"checker","display_name":"新人"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("add = %d (%s)", w.Code, w.Body.String())
	}
	if u := decodeBody[core.DashboardUser](t, w); u.Email != "new@example.org" || u.AddedBy != adminEmail {
		t.Errorf("added = %+v", u)
	}
	if w := env.do(http.MethodGet, "/api/checks?year=2025&month=6", "new@example.org", ""); w.Code != http.StatusOK {
		t.Errorf("new checker access = %d", w.Code)
	}

	steps := []struct {
		name   string
		method string
		target string
		body   string
		want   int
	}{
		{"duplicate", http.MethodPost, "/api/admin/users", `{"email":"new@example.org","role":"viewer"}`, http.StatusConflict},
		{"foreign domain", http.MethodPost, "/api/admin/users", `{"email":"x@other.org","role":"viewer"}`, http.StatusUnprocessableEntity},
		{"bad role", http.MethodPost, "/api/admin/users", `{"email":"y@example.org","role":"owner"}`, http.StatusUnprocessableEntity},
		{"demote", http.MethodPut, "/api/admin/users?email=new@example.org", `{"role":"viewer"}`, http.StatusNoContent},
		{"demote root", http.MethodPut, "/api/admin/users?email=" + rootEmail, `{"role":"viewer"}`, http.StatusUnprocessableEntity},
		{"update unknown", http.MethodPut, "/api/admin/users?email=ghost@example.org", `{"role":"viewer"}`, http.StatusNotFound},
		{"update without email", http.MethodPut, "/api/admin/users", `{"role":"viewer"}`, http.StatusBadRequest},
		{"delete self", http.MethodDelete, "/api/admin/users?email=" + adminEmail, "", http.StatusUnprocessableEntity},
		{"delete root", http.MethodDelete, "/api/admin/users?email=" + rootEmail, "", http.StatusUnprocessableEntity},
		{"delete", http.MethodDelete, "/api/admin/users?email=new@example.org", "", http.StatusNoContent},
		{"delete again", http.MethodDelete, "/api/admin/users?email=new@example.org", "", http.StatusNotFound},
	}
	for _, st := range steps {
		w := env.do(st.method, st.target, adminEmail, st.body)
		if w.Code != st.want {
			t.Errorf("%s: status = %d, want %d (%s)", st.name, w.Code, st.want, w.Body.String())
		}
	}

	if w := env.do(http.MethodGet, "/api/me", "new@example.org", ""); w.Code != http.StatusForbidden {
		t.Errorf("deleted user access = %d", w.Code)
	}

	w = env.do(http.MethodGet, "/api/admin/users", adminEmail, "")
	list := decodeBody[map[string][]core.DashboardUser](t, w)
	if len(list["users"]) != 3 {
		t.Errorf("users = %+v", list["users"])
	}
}

func TestClearCache(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodPost, "/api/admin/cache/clear", adminEmail, `{"caches":["overview"]}`)
	if w.Code != http.StatusOK {
		t.Fatalf("clear = %d (%s)", w.Code, w.Body.String())
	}
	got := decodeBody[map[string][]string](t, w)
	if strings.Join(got["cleared"], ",") != "overview" {
		t.Errorf("cleared = %v", got["cleared"])
	}

	w = env.do(http.MethodPost, "/api/admin/cache/clear", adminEmail, "")
	got = decodeBody[map[string][]string](t, w)
	if strings.Join(got["cleared"], ",") != "roles,overview" {
		t.Errorf("cleared all = %v", got["cleared"])
	}

	if w := env.do(http.MethodPost, "/api/admin/cache/clear", adminEmail, `{"caches":["nope"]}`); w.Code != http.StatusUnprocessableEntity {
		t.Errorf("unknown cache = %d", w.Code)
	}
}

func TestRecompute(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodPost, "/api/admin/recompute", adminEmail, "")
	if w.Code != http.StatusOK || env.comp.recomputes != 1 {
		t.Fatalf("status = %d recomputes = %d", w.Code, env.comp.recomputes)
	}
	if res := decodeBody[services.RecomputeResult](t, w); res.Records != 3 {
		t.Errorf("result = %+v", res)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	env := newTestEnv(t)
	if w := env.do(http.MethodPatch, "/api/checks", checkerEmail, ""); w.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d", w.Code)
	}
}

func TestSuspiciousRequestRejected(t *testing.T) {
	env := newTestEnv(t)
	if w := env.do(http.MethodGet, "/api/compensation?member=../../etc/passwd", viewerEmail, ""); w.Code != http.StatusBadRequest {
		t.Errorf("status = %d", w.Code)
	}
}
