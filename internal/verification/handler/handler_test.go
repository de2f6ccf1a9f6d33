package handler_test

//go:generate mockgen -source=handler.go -destination=mocks/mocks.go -package=mocks VerificationService,AnalyticsService

import (
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"veridoc/internal/analytics"
	"veridoc/internal/verification"
	"veridoc/internal/verification/handler"
	"veridoc/internal/verification/handler/mocks"
	"veridoc/internal/verification/service"
	dErrors "veridoc/pkg/domain-errors"
	"veridoc/pkg/testutil"
)

const testWebhookKey = "test-signing-key"

type HandlerSuite struct {
	suite.Suite
	ctrl      *gomock.Controller
	svc       *mocks.MockVerificationService
	analytics *mocks.MockAnalyticsService
	router    chi.Router
}

func TestHandlerSuite(t *testing.T) {
	suite.Run(t, new(HandlerSuite))
}

func (s *HandlerSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())
	s.svc = mocks.NewMockVerificationService(s.ctrl)
	s.analytics = mocks.NewMockAnalyticsService(s.ctrl)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := handler.New(s.svc, s.analytics, logger, testWebhookKey)
	s.router = chi.NewRouter()
	h.Register(s.router)
}

func (s *HandlerSuite) TearDownTest() {
	s.ctrl.Finish()
}

func (s *HandlerSuite) TestStartVerification() {
	s.Run("accepted", func() {
		rec := verification.New("doc-1", "user-1", verification.TypeForensics)
		s.svc.EXPECT().
			StartVerification(gomock.Any(), gomock.Any()).
			DoAndReturn(func(_ any, req service.StartRequest) (*verification.Verification, error) {
				s.Equal("doc-1", req.DocumentID)
				s.Equal(verification.TypeForensics, req.Type)
				s.True(req.SkipExisting)
				s.Equal(30*time.Minute, req.TTL)
				return rec, nil
			})

		req := testutil.NewJSONRequest(s.T(), http.MethodPost, "/verifications", map[string]any{
			"documentId":   "doc-1",
			"userId":       "user-1",
			"type":         "FORENSICS",
			"skipExisting": true,
			"ttlSeconds":   1800,
		})
		rr := testutil.DoRequest(s.router, req)

		testutil.AssertStatus(s.T(), rr, http.StatusAccepted)
		got := testutil.UnmarshalResponse[verification.Verification](s.T(), rr)
		s.Equal(rec.ID, got.ID)
		s.Equal(verification.StatusPending, got.Status)
	})

	s.Run("malformed body", func() {
		req := testutil.NewRequestWithBody(s.T(), http.MethodPost, "/verifications", `{{`)
		rr := testutil.DoRequest(s.router, req)

		testutil.AssertStatusAndError(s.T(), rr, http.StatusBadRequest, "bad_request")
	})

	s.Run("unknown document", func() {
		s.svc.EXPECT().
			StartVerification(gomock.Any(), gomock.Any()).
			Return(nil, dErrors.Newf(dErrors.CodeNotFound, "document doc-9 not found"))

		req := testutil.NewJSONRequest(s.T(), http.MethodPost, "/verifications", map[string]any{
			"documentId": "doc-9", "type": "FORENSICS",
		})
		rr := testutil.DoRequest(s.router, req)

		testutil.AssertStatusAndError(s.T(), rr, http.StatusNotFound, "not_found")
	})
}

func (s *HandlerSuite) TestGetStatus() {
	s.Run("ok", func() {
		s.svc.EXPECT().
			GetStatus(gomock.Any(), "ver-1").
			Return(&service.StatusView{
				VerificationID: "ver-1",
				Status:         verification.StatusInProgress,
				Progress:       50,
			}, nil)

		req := testutil.NewRequest(s.T(), http.MethodGet, "/verifications/ver-1")
		rr := testutil.DoRequest(s.router, req)

		testutil.AssertStatus(s.T(), rr, http.StatusOK)
		testutil.AssertJSONContains(s.T(), rr, "status", "IN_PROGRESS")
		testutil.AssertJSONContains(s.T(), rr, "progress", float64(50))
	})

	s.Run("expired record answers gone with a body", func() {
		s.svc.EXPECT().
			GetStatus(gomock.Any(), "ver-2").
			Return(&service.StatusView{
				VerificationID: "ver-2",
				Status:         verification.StatusFailed,
				Error:          service.ReasonExpired,
				Expired:        true,
			}, nil)

		req := testutil.NewRequest(s.T(), http.MethodGet, "/verifications/ver-2")
		rr := testutil.DoRequest(s.router, req)

		testutil.AssertStatus(s.T(), rr, http.StatusGone)
		testutil.AssertJSONContains(s.T(), rr, "status", "FAILED")
		testutil.AssertJSONContains(s.T(), rr, "error", service.ReasonExpired)
	})

	s.Run("not found", func() {
		s.svc.EXPECT().
			GetStatus(gomock.Any(), "ver-9").
			Return(nil, dErrors.Newf(dErrors.CodeNotFound, "verification ver-9 not found"))

		req := testutil.NewRequest(s.T(), http.MethodGet, "/verifications/ver-9")
		rr := testutil.DoRequest(s.router, req)

		testutil.AssertStatusAndError(s.T(), rr, http.StatusNotFound, "not_found")
	})
}

func (s *HandlerSuite) TestCancel() {
	s.Run("ok", func() {
		rec := verification.New("doc-1", "user-1", verification.TypeManual)
		rec.Status = verification.StatusCancelled
		s.svc.EXPECT().Cancel(gomock.Any(), rec.ID).Return(rec, nil)

		req := testutil.NewRequest(s.T(), http.MethodPost, "/verifications/"+rec.ID+"/cancel")
		rr := testutil.DoRequest(s.router, req)

		testutil.AssertStatus(s.T(), rr, http.StatusOK)
		testutil.AssertJSONContains(s.T(), rr, "status", "CANCELLED")
	})

	s.Run("already terminal conflicts", func() {
		s.svc.EXPECT().
			Cancel(gomock.Any(), "ver-1").
			Return(nil, dErrors.Newf(dErrors.CodeConflict, "verification ver-1 already COMPLETED"))

		req := testutil.NewRequest(s.T(), http.MethodPost, "/verifications/ver-1/cancel")
		rr := testutil.DoRequest(s.router, req)

		testutil.AssertStatusAndError(s.T(), rr, http.StatusConflict, "conflict")
	})
}

func (s *HandlerSuite) TestAnalyticsSummary() {
	s.Run("ok with window", func() {
		s.analytics.EXPECT().
			Summarize(gomock.Any(), 24*time.Hour).
			Return(&analytics.Summary{Total: 3, SuccessRate: 0.5}, nil)

		req := testutil.NewRequest(s.T(), http.MethodGet, "/analytics/summary?window=24h")
		rr := testutil.DoRequest(s.router, req)

		testutil.AssertStatus(s.T(), rr, http.StatusOK)
		testutil.AssertJSONContains(s.T(), rr, "total", float64(3))
		testutil.AssertJSONContains(s.T(), rr, "successRate", 0.5)
	})

	s.Run("invalid window", func() {
		req := testutil.NewRequest(s.T(), http.MethodGet, "/analytics/summary?window=yesterday")
		rr := testutil.DoRequest(s.router, req)

		testutil.AssertStatusAndError(s.T(), rr, http.StatusBadRequest, "bad_request")
	})

	s.Run("no window covers everything", func() {
		s.analytics.EXPECT().
			Summarize(gomock.Any(), time.Duration(0)).
			Return(&analytics.Summary{}, nil)

		req := testutil.NewRequest(s.T(), http.MethodGet, "/analytics/summary")
		rr := testutil.DoRequest(s.router, req)

		testutil.AssertStatus(s.T(), rr, http.StatusOK)
	})
}
