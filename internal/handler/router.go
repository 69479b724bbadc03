// Package handler exposes the expense dashboard over HTTP: the sync
// summary, the live feed, the OAuth connect/disconnect flow and the
// operational endpoints.
package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/furquan101/expense-dashboard/internal/infra/monzo"
	"github.com/furquan101/expense-dashboard/internal/infra/observability"
	"github.com/furquan101/expense-dashboard/internal/service"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("handler")

// stateCookie carries the OAuth CSRF state between the redirect and the
// callback.
const stateCookie = "oauth_state"

// NewRouter creates the HTTP router with all routes and middleware.
func NewRouter(syncSvc *service.Sync, auth *monzo.Auth, defaultWindowDays int, metrics *observability.Metrics, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()

	// --- Middleware ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(observability.ZapLoggerMiddleware(logger))
	r.Use(observability.TracingMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Heartbeat("/ping"))

	// --- Operational endpoints ---
	r.Get("/healthz", healthzHandler(auth))
	r.Get("/readyz", readyzHandler())
	r.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

	// --- API v1 ---
	r.Route("/v1", func(r chi.Router) {
		r.Get("/expenses", getExpensesHandler(syncSvc, defaultWindowDays, logger))
		r.Get("/expenses/live", getLiveExpensesHandler(syncSvc, defaultWindowDays, logger))

		r.Route("/auth", func(r chi.Router) {
			r.Get("/monzo", authRedirectHandler(auth, logger))
			r.Get("/monzo/callback", authCallbackHandler(auth, logger))
			r.Get("/status", authStatusHandler(auth))
			r.Post("/disconnect", authDisconnectHandler(auth, logger))
		})

		r.Get("/metrics/sync", syncMetricsHandler(metrics))
	})

	return r
}

// windowDays reads the windowDays query parameter, defaulting when
// absent. Range validation belongs to the service.
func windowDays(r *http.Request, fallback int) int {
	v := r.URL.Query().Get("windowDays")
	if v == "" {
		return fallback
	}
	days, err := strconv.Atoi(v)
	if err != nil {
		return -1 // let the service reject it
	}
	return days
}

// ============================================================
// Expenses — GET /v1/expenses, GET /v1/expenses/live
// ============================================================

func getExpensesHandler(syncSvc *service.Sync, defaultWindowDays int, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "GET /v1/expenses")
		defer span.End()

		days := windowDays(r, defaultWindowDays)
		skipCache := r.URL.Query().Get("skipCache") == "true"
		span.SetAttributes(
			attribute.Int("window_days", days),
			attribute.Bool("skip_cache", skipCache),
		)

		summary, err := syncSvc.Sync(ctx, days, skipCache)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, summary)
	}
}

func getLiveExpensesHandler(syncSvc *service.Sync, defaultWindowDays int, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "GET /v1/expenses/live")
		defer span.End()

		days := windowDays(r, defaultWindowDays)
		expenses, err := syncSvc.LiveExpenses(ctx, days)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"expenses": expenses,
			"count":    len(expenses),
		})
	}
}

// ============================================================
// OAuth flow — /v1/auth/*
// ============================================================

func authRedirectHandler(auth *monzo.Auth, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_, span := tracer.Start(r.Context(), "GET /v1/auth/monzo")
		defer span.End()

		authURL, state, err := auth.AuthorizationURL()
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}

		http.SetCookie(w, &http.Cookie{
			Name:     stateCookie,
			Value:    state,
			Path:     "/",
			MaxAge:   int((10 * time.Minute).Seconds()),
			HttpOnly: true,
			SameSite: http.SameSiteLaxMode,
		})
		http.Redirect(w, r, authURL, http.StatusFound)
	}
}

func authCallbackHandler(auth *monzo.Auth, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "GET /v1/auth/monzo/callback")
		defer span.End()

		code := r.URL.Query().Get("code")
		state := r.URL.Query().Get("state")
		if code == "" || state == "" {
			writeError(w, http.StatusBadRequest, "code and state are required")
			return
		}

		cookie, err := r.Cookie(stateCookie)
		if err != nil || cookie.Value != state {
			logger.Warn("oauth state mismatch")
			writeError(w, http.StatusBadRequest, "oauth state mismatch")
			return
		}
		if err := auth.ValidateState(state); err != nil {
			logger.Warn("oauth state rejected", zap.Error(err))
			writeError(w, http.StatusBadRequest, "invalid oauth state")
			return
		}

		if _, err := auth.ExchangeCode(ctx, code); err != nil {
			handleServiceError(w, err, logger)
			return
		}

		// One-shot cookie, drop it after a successful exchange.
		http.SetCookie(w, &http.Cookie{
			Name:     stateCookie,
			Value:    "",
			Path:     "/",
			MaxAge:   -1,
			HttpOnly: true,
		})
		http.Redirect(w, r, "/", http.StatusFound)
	}
}

func authStatusHandler(auth *monzo.Auth) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"connected": auth.Connected(),
		})
	}
}

func authDisconnectHandler(auth *monzo.Auth, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_, span := tracer.Start(r.Context(), "POST /v1/auth/disconnect")
		defer span.End()

		if err := auth.Disconnect(); err != nil {
			handleServiceError(w, err, logger)
			return
		}
		logger.Info("provider disconnected, vault cleared")
		writeJSON(w, http.StatusOK, map[string]any{"connected": false})
	}
}

// ============================================================
// Metrics & health
// ============================================================

func syncMetricsHandler(metrics *observability.Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, metrics.GetSyncSnapshot())
	}
}

func healthzHandler(auth *monzo.Auth) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":    "healthy",
			"connected": auth.Connected(),
			"checkedAt": time.Now().Format(time.RFC3339),
		})
	}
}

func readyzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}
