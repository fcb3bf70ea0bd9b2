package api

import (
	"net/http"

	"docmd/internal/auth"
	"docmd/internal/convert"
	"docmd/internal/health"
	"docmd/internal/observability"
)

// RouterConfig holds dependencies for the router.
type RouterConfig struct {
	Service       *convert.Service
	Metrics       *observability.Metrics
	HealthChecker *health.Checker
	Readiness     *convert.Readiness
	JWTSecret     string
	UploadDir     string
	MaxUploadSize int64
}

// NewRouter creates a new HTTP router with all routes configured, per the
// endpoint table of spec.md §6.1.
func NewRouter(cfg RouterConfig) http.Handler {
	handler := NewHandler(cfg.Service, cfg.Metrics, cfg.HealthChecker, cfg.Readiness, cfg.UploadDir, cfg.MaxUploadSize)
	verifier := auth.NewVerifier(cfg.JWTSecret)

	mux := http.NewServeMux()

	// Liveness/readiness/health probes - no auth required.
	mux.HandleFunc("GET /livez", handler.Livez)
	mux.HandleFunc("GET /readyz", handler.Readyz)
	mux.HandleFunc("GET /health", handler.Health)

	// Conversion endpoints - bearer JWT required (auth.Middleware resolves
	// to an anonymous owner when JWTSecret is unset).
	authMiddleware := auth.Middleware(verifier)
	protected := func(fn http.HandlerFunc) http.Handler {
		return authMiddleware(fn)
	}

	mux.Handle("POST /upload", protected(handler.Upload))
	mux.Handle("POST /convert", protected(handler.Convert))
	mux.Handle("GET /jobs", protected(handler.ListJobs))
	mux.Handle("GET /jobs/{id}", protected(handler.GetJob))
	mux.Handle("GET /jobs/{id}/result", protected(handler.GetResult))
	mux.Handle("GET /jobs/{id}/pages", protected(handler.ListPages))
	mux.Handle("GET /jobs/{id}/pages/{n}/status", protected(handler.PageStatus))
	mux.Handle("GET /jobs/{id}/pages/{n}/result", protected(handler.PageResult))
	mux.Handle("POST /jobs/{id}/pages/{n}/retry", protected(handler.RetryPage))
	mux.Handle("DELETE /jobs/{id}", protected(handler.DeleteJob))

	// Apply middleware chain (order matters: innermost first, so Recovery
	// ends up outermost).
	var h http.Handler = mux
	h = ContentTypeMiddleware()(h)
	h = CORSMiddleware()(h)
	if cfg.Metrics != nil {
		h = MetricsMiddleware(cfg.Metrics)(h)
	}
	h = LoggingMiddleware()(h)
	h = RecoveryMiddleware()(h)

	return h
}
