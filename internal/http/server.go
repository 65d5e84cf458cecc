package http

import (
	"context"
	"net/http"
	"time"

	"monthlypay/internal/authz"
	"monthlypay/internal/cache"
	"monthlypay/internal/compensation"
	"monthlypay/internal/core"
	"monthlypay/internal/ledger"
	applog "monthlypay/internal/log"
	"monthlypay/internal/middleware/ratelimit"
	"monthlypay/internal/middleware/security"
	"monthlypay/internal/middleware/trace"
	"monthlypay/internal/services"
)

// CompensationService reads and rebuilds the compensation table.
type CompensationService interface {
	List(ctx context.Context, f compensation.Filter) ([]core.MonthlyCompensationRecord, error)
	Recompute(ctx context.Context) (services.RecomputeResult, error)
}

// CheckLedger is the review workflow.
type CheckLedger interface {
	Overview(ctx context.Context, year, month int) (ledger.Overview, error)
	GetCheckRecord(ctx context.Context, key core.Key) (core.CheckRecord, error)
	SubmitCheck(ctx context.Context, req ledger.SubmitRequest) (core.CheckRecord, error)
}

// UserAdmin manages the dashboard allow-list.
type UserAdmin interface {
	CheckDomain(email string) error
	List(ctx context.Context) ([]core.DashboardUser, error)
	Add(ctx context.Context, email string, role core.Role, displayName, actor string) (core.DashboardUser, error)
	ChangeRole(ctx context.Context, email string, role core.Role, actor string) error
	Delete(ctx context.Context, email, actor string) error
}

type Authorizer interface {
	Authorize(subject, object, action string) (allowed bool, enforced bool, err error)
}

// CacheClearer purges named caches.
type CacheClearer interface {
	Names() []string
	Clear(names ...string) []string
	Stats() map[string]cache.Stats
}

type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the collaborators of the API server.
type Deps struct {
	Compensation CompensationService
	Ledger       CheckLedger
	Users        UserAdmin
	Roles        RoleResolver
	Authorizer   Authorizer
	Caches       CacheClearer
	Store        Pinger

	// AllowDevHeader accepts X-User-Email when no proxy header is present.
	AllowDevHeader bool
	// TrustedProxies are CIDRs, beyond the private ranges, whose
	// X-Forwarded-For is believed.
	TrustedProxies []string
	RateLimit      ratelimit.Config
	Now            func() time.Time
}

type Server struct {
	http.Server
	deps     Deps
	limiter  *ratelimit.Limiter
	detector *security.Detector
	tracer   *trace.Middleware
	started  time.Time
	logger   *applog.Logger
}

type route struct {
	pattern string
	object  string
	action  string
	handler http.HandlerFunc
}

// NewServer configures routes and middleware, returning a ready-to-run
// http.Server. Call Shutdown to release the rate limiter.
func NewServer(addr string, deps Deps) *Server {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	s := &Server{
		deps:     deps,
		limiter:  ratelimit.NewLimiter(deps.RateLimit),
		detector: security.NewDetector(),
		started:  deps.Now(),
		logger:   applog.NewComponentLogger(applog.ComponentHTTP),
	}
	for _, cidr := range deps.TrustedProxies {
		if err := s.detector.AddTrustedProxy(cidr); err != nil {
			s.logger.Error("Ignoring trusted proxy", "cidr", cidr, "error", err)
		}
	}
	s.tracer = trace.NewMiddleware(s.detector.ExtractClientIP)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /readyz", s.handleReady)
	for _, rt := range s.routes() {
		mux.Handle(rt.pattern, s.withIdentity(s.withAuthz(rt.object, rt.action, rt.handler)))
	}

	var h http.Handler = mux
	h = s.limiter.Middleware(s.detector.ExtractClientIP, func(w http.ResponseWriter, r *http.Request) {
		ErrorResponse(http.StatusTooManyRequests, "rate_limited", "リクエストが多すぎます。しばらくしてから再度お試しください。").Write(w)
	})(h)
	h = s.detector.Middleware(h)
	h = security.NewHeadersMiddleware(security.DefaultHeadersConfig()).Middleware(h)
	h = s.tracer.Middleware(h)

	s.Server = http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      2 * time.Minute,
		IdleTimeout:       2 * time.Minute,
	}
	return s
}

// routes lists every API endpoint with the permission it requires.
func (s *Server) routes() []route {
	return []route{
		{"GET /api/me", authz.ObjectSession, authz.ActionRead, s.handleMe},
		{"GET /api/compensation", authz.ObjectCompensation, authz.ActionRead, s.handleListCompensation},
		{"GET /api/compensation/export", authz.ObjectCompensation, authz.ActionRead, s.handleExportCompensation},
		{"GET /api/checks", authz.ObjectChecks, authz.ActionRead, s.handleCheckOverview},
		{"GET /api/checks/{year}/{month}", authz.ObjectChecks, authz.ActionRead, s.handleGetCheck},
		{"POST /api/checks", authz.ObjectChecks, authz.ActionWrite, s.handleSubmitCheck},
		{"GET /api/admin/users", authz.ObjectUsers, authz.ActionRead, s.handleListUsers},
		{"POST /api/admin/users", authz.ObjectUsers, authz.ActionWrite, s.handleAddUser},
		{"PUT /api/admin/users", authz.ObjectUsers, authz.ActionWrite, s.handleUpdateUser},
		{"DELETE /api/admin/users", authz.ObjectUsers, authz.ActionWrite, s.handleDeleteUser},
		{"POST /api/admin/cache/clear", authz.ObjectCache, authz.ActionAdmin, s.handleClearCache},
		{"POST /api/admin/recompute", authz.ObjectRecompute, authz.ActionAdmin, s.handleRecompute},
	}
}

// Shutdown gracefully shuts down the server and its cleanup routines
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.InfoContext(ctx, "Shutting down HTTP server", applog.FieldOperation, applog.OpShutdown)
	s.limiter.Stop()
	return s.Server.Shutdown(ctx)
}

// fail writes the response for err and logs it at a level matching the
// status. Internal errors carry the request id so users can report them.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	resp := ErrorFor(err)
	logger := applog.FromContext(r.Context())
	fields := applog.NewFields().WithOperation(op).WithError(err)
	if resp.statusCode >= http.StatusInternalServerError {
		logger.ErrorContext(r.Context(), "Request failed", fields.ToSlice()...)
		resp.JSON(ErrorBody{Error: msgInternal, Code: "internal", RequestID: trace.GetRequestID(r.Context())})
	} else {
		fields[applog.FieldStatusCode] = resp.statusCode
		logger.WarnContext(r.Context(), "Request rejected", fields.ToSlice()...)
	}
	resp.Write(w)
}
