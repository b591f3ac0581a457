// ABOUTME: Serve command runs the HTTP turn API, WebSocket delivery, and the background scheduler
// ABOUTME: Also exposes Prometheus metrics and bearer-token admin endpoints for policy reload and reopen
package commands

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/harper/concierge/internal/core"
	"github.com/harper/concierge/internal/delivery"
	"github.com/harper/concierge/internal/logging"
	"github.com/harper/concierge/internal/metrics"
	"github.com/harper/concierge/internal/policy"
)

var (
	serveAddr        string
	followupInterval time.Duration
)

// NewServeCmd creates the serve command
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the concierge HTTP and WebSocket service",
		Long: `Run the concierge service.

Endpoints:
  POST /turn                                  process one user message
  POST /interrupt?conversation_id=ID          cancel undelivered parts
  GET  /ws?conversation_id=ID                 stream paced reply parts
  POST /admin/policy/reload                   re-read the configured policy bundle
  POST /admin/conversations/{id}/reopen       lift a human handoff
  GET  /metrics                               Prometheus metrics
  GET  /healthz                               liveness

Admin routes require "Authorization: Bearer $CONCIERGE_ADMIN_TOKEN" and
are disabled when the token is not set.

On a fixed interval the scheduler fires due follow-ups, removes expired
facts, and closes conversations idle past the policy retention windows.`,
		RunE: runServe,
		Example: `  concierge serve
  concierge serve --addr :9000 --followup-interval 1m`,
	}

	cmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (default from CONCIERGE_HTTP_ADDR)")
	cmd.Flags().DurationVar(&followupInterval, "followup-interval", 30*time.Second, "How often due follow-ups are fired")

	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hub := delivery.NewHub(logging.Component("ws"))
	sink := delivery.Multi{hub, delivery.NewLogSink(logging.Component("delivery"))}

	a, err := newApp(ctx, sink)
	if err != nil {
		return err
	}
	defer a.Close()
	defer hub.Close()

	addr := serveAddr
	if addr == "" {
		addr = a.cfg.HTTPAddr
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           newHandler(a.orch, a.metrics, hub, a.cfg.AdminToken, logging.Component("http")),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if a.cfg.AdminToken == "" {
		a.log.Warn().Msg("CONCIERGE_ADMIN_TOKEN not set, admin endpoints disabled")
	}

	go runScheduler(ctx, a.orch, followupInterval, logging.Component("scheduler"))

	serverErr := make(chan error, 1)
	go func() {
		a.log.Info().Str("addr", addr).Str("policy_version", a.orch.Policy().Version).Msg("concierge listening")
		serverErr <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		a.log.Info().Msg("shutdown signal received, draining")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.log.Warn().Err(err).Msg("http shutdown")
		}
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
	}
	return nil
}

// runScheduler runs the periodic follow-up and retention work until ctx is done
func runScheduler(ctx context.Context, orch *core.Orchestrator, every time.Duration, log zerolog.Logger) {
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if _, err := orch.RunDueFollowups(ctx, now); err != nil {
				log.Error().Err(err).Msg("follow-up pass failed")
			}
			if n, err := orch.SweepExpiredFacts(ctx); err != nil {
				log.Error().Err(err).Msg("fact sweep failed")
			} else if n > 0 {
				log.Info().Int64("deleted", n).Msg("expired facts removed")
			}
			if _, err := orch.ArchiveInactive(ctx, now); err != nil {
				log.Error().Err(err).Msg("retention pass failed")
			}
		}
	}
}

// newHandler routes the HTTP API onto the orchestrator. Admin routes require adminToken.
func newHandler(orch *core.Orchestrator, m *metrics.Metrics, hub *delivery.Hub, adminToken string, log zerolog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "policy_version": orch.Policy().Version})
	})
	if m != nil {
		mux.Handle("GET /metrics", m.Handler())
	}
	if hub != nil {
		mux.Handle("GET /ws", hub)
	}

	mux.HandleFunc("POST /turn", func(w http.ResponseWriter, r *http.Request) {
		var req core.TurnRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid JSON body: %w", err))
			return
		}
		result, err := orch.ProcessTurn(r.Context(), req)
		if err != nil {
			log.Warn().Err(err).Str("conversation_id", req.ConversationID).Msg("turn failed")
			writeError(w, turnStatus(err), err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	})

	mux.HandleFunc("POST /interrupt", func(w http.ResponseWriter, r *http.Request) {
		convID := r.URL.Query().Get("conversation_id")
		if convID == "" {
			writeError(w, http.StatusBadRequest, errors.New("conversation_id is required"))
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"cancelled": orch.Interrupt(convID)})
	})

	// Reload only re-reads the directory the service was started with
	mux.HandleFunc("POST /admin/policy/reload", requireAdmin(adminToken, log, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Has("dir") {
			writeError(w, http.StatusBadRequest, errors.New("dir is not accepted; reload re-reads the configured policy bundle"))
			return
		}
		p, err := orch.ReloadPolicy("")
		if err != nil {
			status := http.StatusInternalServerError
			var loadErr *policy.PolicyLoadError
			if errors.As(err, &loadErr) {
				status = http.StatusUnprocessableEntity
			}
			writeError(w, status, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"version": p.Version})
	}))

	mux.HandleFunc("POST /admin/conversations/{id}/reopen", requireAdmin(adminToken, log, func(w http.ResponseWriter, r *http.Request) {
		conv, err := orch.ReopenConversation(r.Context(), r.PathValue("id"))
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, core.ErrConversationNotFound) {
				status = http.StatusNotFound
			}
			writeError(w, status, err)
			return
		}
		writeJSON(w, http.StatusOK, conv)
	}))

	return mux
}

// requireAdmin checks the bearer token of admin requests: 401 when none is sent, 403 when it is wrong.
// With no token configured every admin request is refused.
func requireAdmin(token string, log zerolog.Logger, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if token == "" {
			writeError(w, http.StatusForbidden, errors.New("admin API disabled: CONCIERGE_ADMIN_TOKEN is not set"))
			return
		}
		got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || got == "" {
			w.Header().Set("WWW-Authenticate", `Bearer realm="concierge-admin"`)
			writeError(w, http.StatusUnauthorized, errors.New("admin bearer token required"))
			return
		}
		if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			log.Warn().Str("path", r.URL.Path).Str("remote", r.RemoteAddr).Msg("admin request with invalid token")
			writeError(w, http.StatusForbidden, errors.New("invalid admin token"))
			return
		}
		next(w, r)
	}
}

// turnStatus maps pipeline errors onto HTTP statuses
func turnStatus(err error) int {
	var modelErr *core.ModelCallError
	switch {
	case errors.Is(err, core.ErrInvalidTurn):
		return http.StatusBadRequest
	case errors.Is(err, core.ErrConversationOwner):
		return http.StatusForbidden
	case errors.Is(err, core.ErrConversationBusy):
		return http.StatusConflict
	case errors.As(err, &modelErr):
		if modelErr.Retryable() {
			return http.StatusServiceUnavailable
		}
		return http.StatusBadGateway
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
