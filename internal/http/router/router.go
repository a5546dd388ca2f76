package router

import (
	"context"
	"log/slog"
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/replaysMike/binner-auth/internal/http/handler"
	"github.com/replaysMike/binner-auth/internal/http/middleware"
	"github.com/replaysMike/binner-auth/internal/http/response"
)

// ReadinessCheck reports whether one dependency can serve traffic.
type ReadinessCheck func(ctx context.Context) error

type Dependencies struct {
	AuthHandler *handler.AuthHandler
	UserHandler *handler.UserHandler
	AccessToken middleware.AccessTokenParser
	ImagesToken middleware.ImagesTokenAuthenticator
	// AssetHandler serves /api/v1/assets/*. Defaults to a 404 responder.
	AssetHandler   http.Handler
	Readiness      map[string]ReadinessCheck
	Logger         *slog.Logger
	EnableOTelHTTP bool
}

type checkResult struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Error   string `json:"error,omitempty"`
}

func NewRouter(dep Dependencies) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.StructuredRequestLogger(dep.Logger))
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.BodyLimit(1 << 20))

	r.Get("/health/live", func(w http.ResponseWriter, r *http.Request) {
		response.JSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/health/ready", func(w http.ResponseWriter, r *http.Request) {
		ready, results := runReadiness(r.Context(), dep.Readiness)
		if ready {
			response.JSON(w, r, http.StatusOK, map[string]any{"status": "ready", "checks": results})
			return
		}
		response.Error(w, r, http.StatusServiceUnavailable, "DEPENDENCY_UNREADY", "dependencies are not ready", map[string]any{"checks": results})
	})

	assets := dep.AssetHandler
	if assets == nil {
		assets = http.HandlerFunc(dep.UserHandler.Assets)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/auth", func(r chi.Router) {
			r.Post("/login", dep.AuthHandler.Login)
			r.Post("/refresh", dep.AuthHandler.Refresh)
			r.Post("/logout", dep.AuthHandler.Logout)
			r.Post("/register", dep.AuthHandler.Register)
			r.Post("/confirm-email", dep.AuthHandler.ConfirmEmail)
			r.Post("/password/forgot", dep.AuthHandler.ForgotPassword)
			r.Post("/password/validate", dep.AuthHandler.ValidateResetToken)
			r.Post("/password/reset", dep.AuthHandler.ResetPassword)
		})
		r.With(middleware.AuthMiddleware(dep.AccessToken)).Get("/me", dep.UserHandler.Me)
		r.With(middleware.ImagesTokenMiddleware(dep.ImagesToken)).Handle("/assets/*", assets)
	})

	var h http.Handler = r
	if dep.EnableOTelHTTP {
		h = otelhttp.NewHandler(r, "http.server")
	}
	return h
}

func runReadiness(ctx context.Context, checks map[string]ReadinessCheck) (bool, []checkResult) {
	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)
	ready := true
	results := make([]checkResult, 0, len(names))
	for _, name := range names {
		res := checkResult{Name: name, Healthy: true}
		if err := checks[name](ctx); err != nil {
			ready = false
			res.Healthy = false
			res.Error = err.Error()
		}
		results = append(results, res)
	}
	return ready, results
}
