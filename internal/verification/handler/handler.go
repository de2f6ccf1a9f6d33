package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"veridoc/internal/analytics"
	"veridoc/internal/platform/middleware"
	"veridoc/internal/verification"
	"veridoc/internal/verification/service"
	dErrors "veridoc/pkg/domain-errors"
	"veridoc/pkg/platform/httputil"
	"veridoc/pkg/requestcontext"
)

// VerificationService is the orchestrator surface this handler needs.
type VerificationService interface {
	StartVerification(ctx context.Context, req service.StartRequest) (*verification.Verification, error)
	GetStatus(ctx context.Context, id string) (*service.StatusView, error)
	Cancel(ctx context.Context, id string) (*verification.Verification, error)
	HandleWebhook(ctx context.Context, backend verification.Subsystem, payload []byte) error
}

// AnalyticsService produces the reporting summary.
type AnalyticsService interface {
	Summarize(ctx context.Context, window time.Duration) (*analytics.Summary, error)
}

// Handler is the thin HTTP layer over the orchestrator. It delegates to the
// service without embedding business logic so transport concerns stay
// isolated.
type Handler struct {
	logger     *slog.Logger
	service    VerificationService
	analytics  AnalyticsService
	webhookKey []byte
}

// New creates the verification Handler. webhookKey signs inbound backend
// webhook assertions.
func New(svc VerificationService, analyticsSvc AnalyticsService, logger *slog.Logger, webhookKey string) *Handler {
	return &Handler{
		logger:     logger,
		service:    svc,
		analytics:  analyticsSvc,
		webhookKey: []byte(webhookKey),
	}
}

// Register wires the verification routes with the shared middleware chain.
func (h *Handler) Register(r chi.Router) {
	router := chi.NewRouter()
	router.Use(middleware.Recovery(h.logger))
	router.Use(middleware.RequestID)
	router.Use(middleware.ClientMetadata)
	router.Use(middleware.Logger(h.logger))
	router.Use(middleware.Timeout(30 * time.Second))

	router.Post("/verifications", h.handleStart)
	router.Get("/verifications/{id}", h.handleStatus)
	router.Post("/verifications/{id}/cancel", h.handleCancel)
	router.Post("/webhooks/{backend}", h.requireWebhookAuth(h.handleWebhook))
	router.Get("/analytics/summary", h.handleAnalyticsSummary)

	r.Mount("/", router)
}

type startRequestBody struct {
	DocumentID     string `json:"documentId"`
	UserID         string `json:"userId"`
	OrganizationID string `json:"organizationId"`
	Type           string `json:"type"`
	Priority       string `json:"priority"`
	WebhookURL     string `json:"webhookUrl"`
	SkipExisting   bool   `json:"skipExisting"`
	TTLSeconds     int64  `json:"ttlSeconds"`
}

func (h *Handler) handleStart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var body startRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid request body"))
		return
	}

	rec, err := h.service.StartVerification(ctx, service.StartRequest{
		DocumentID:     body.DocumentID,
		UserID:         body.UserID,
		OrganizationID: body.OrganizationID,
		Type:           verification.Type(body.Type),
		Priority:       verification.Priority(body.Priority),
		WebhookURL:     body.WebhookURL,
		SkipExisting:   body.SkipExisting,
		TTL:            time.Duration(body.TTLSeconds) * time.Second,
	})
	if err != nil {
		h.logger.WarnContext(ctx, "start verification rejected",
			"request_id", requestcontext.RequestID(ctx),
			"client_ip", requestcontext.ClientIP(ctx),
			"user_agent", requestcontext.UserAgent(ctx),
			"error", err.Error(),
		)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusAccepted, rec)
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	view, err := h.service.GetStatus(ctx, id)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if view.Expired {
		// Past the hard TTL without completing: the record is dead.
		httputil.WriteJSON(w, http.StatusGone, view)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, view)
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	rec, err := h.service.Cancel(ctx, id)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, rec)
}

func (h *Handler) handleAnalyticsSummary(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	window := time.Duration(0)
	if raw := r.URL.Query().Get("window"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed < 0 {
			httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid window"))
			return
		}
		window = parsed
	}

	summary, err := h.analytics.Summarize(ctx, window)
	if err != nil {
		h.logger.ErrorContext(ctx, "analytics summary failed",
			"request_id", requestcontext.RequestID(ctx), "error", err.Error())
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, summary)
}
