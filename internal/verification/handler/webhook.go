package handler

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"

	"veridoc/internal/verification"
	dErrors "veridoc/pkg/domain-errors"
	"veridoc/pkg/platform/httputil"
	"veridoc/pkg/requestcontext"
)

// maxWebhookBody bounds inbound webhook payloads.
const maxWebhookBody = 1 << 20

var backendSubsystems = map[string]verification.Subsystem{
	"forensics":     verification.SubsystemForensics,
	"ledger":        verification.SubsystemLedger,
	"content-store": verification.SubsystemContentStore,
}

// requireWebhookAuth validates the HS256 bearer assertion backends attach to
// their callbacks. The subject must name the backend the webhook claims to
// come from, so a compromised key for one backend cannot speak for another.
func (h *Handler) requireWebhookAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if raw == "" || raw == r.Header.Get("Authorization") {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		token, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return h.webhookKey, nil
		}, jwt.WithValidMethods([]string{"HS256"}))
		if err != nil || !token.Valid {
			h.logger.WarnContext(r.Context(), "webhook auth rejected",
				"backend", chi.URLParam(r, "backend"),
				"request_id", requestcontext.RequestID(r.Context()),
			)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		subject, err := token.Claims.GetSubject()
		if err != nil || subject != chi.URLParam(r, "backend") {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		next(w, r)
	}
}

func (h *Handler) handleWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	backendName := chi.URLParam(r, "backend")

	subsys, ok := backendSubsystems[backendName]
	if !ok {
		httputil.WriteError(w, dErrors.Newf(dErrors.CodeNotFound, "unknown backend %q", backendName))
		return
	}

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "read webhook body"))
		return
	}

	if err := h.service.HandleWebhook(ctx, subsys, payload); err != nil {
		h.logger.WarnContext(ctx, "webhook rejected",
			"backend", backendName,
			"request_id", requestcontext.RequestID(ctx),
			"error", err.Error(),
		)
		httputil.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
