package api

import (
	"jobflow/internal/health"
	"jobflow/internal/observability"
	"jobflow/internal/run"
	"net/http"
)

// RouterConfig holds dependencies for the router.
type RouterConfig struct {
	RunService    *run.Service
	Platforms     PlatformLister
	Metrics       *observability.Metrics // nil disables request metrics
	HealthChecker *health.Checker
	APIKey        string // empty disables auth
}

// NewRouter wires the run API behind the middleware chain. Probes are open;
// everything under /v1 requires the API key.
func NewRouter(cfg RouterConfig) http.Handler {
	h := NewHandler(cfg.RunService, cfg.Platforms, cfg.HealthChecker)
	auth := AuthMiddleware(cfg.APIKey)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /livez", h.Livez)
	mux.HandleFunc("GET /readyz", h.Readyz)

	v1 := map[string]http.HandlerFunc{
		"POST /v1/orchestrators/{platform}": h.StartRun,
		"GET /v1/runs":                      h.ListRuns,
		"GET /v1/runs/{runId}":              h.GetRun,
		"GET /v1/platforms":                 h.ListPlatforms,
	}
	for pattern, fn := range v1 {
		mux.Handle(pattern, auth(fn))
	}

	// Innermost first; RequestIDMiddleware ends up outermost so every other
	// layer can log the ID.
	chain := []func(http.Handler) http.Handler{
		ContentTypeMiddleware(),
		CORSMiddleware(),
	}
	if cfg.Metrics != nil {
		chain = append(chain, MetricsMiddleware(cfg.Metrics))
	}
	chain = append(chain, LoggingMiddleware(), RecoveryMiddleware(), RequestIDMiddleware())

	var handler http.Handler = mux
	for _, mw := range chain {
		handler = mw(handler)
	}
	return handler
}
