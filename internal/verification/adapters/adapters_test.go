package adapters

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"veridoc/pkg/platform/sentinel"
)

type ForensicsAdapterSuite struct {
	suite.Suite
}

func TestForensicsAdapterSuite(t *testing.T) {
	suite.Run(t, new(ForensicsAdapterSuite))
}

func (s *ForensicsAdapterSuite) TestSubmit() {
	s.Run("returns the backend job handle", func() {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			s.Equal(http.MethodPost, r.Method)
			s.Equal("/v1/analyses", r.URL.Path)

			var body map[string]any
			s.Require().NoError(json.NewDecoder(r.Body).Decode(&body))
			s.Equal("doc-1", body["documentId"])
			s.Equal("sha256:abc", body["documentHash"])

			json.NewEncoder(w).Encode(map[string]string{"jobId": "analysis-9"})
		}))
		defer srv.Close()

		a := NewForensicsAdapter(srv.URL, time.Second, 3)
		jobID, err := a.Submit(context.Background(), Job{
			VerificationID: "ver-1", DocumentID: "doc-1", DocumentHash: "sha256:abc",
		})
		s.Require().NoError(err)
		s.Equal("analysis-9", jobID)
	})

	s.Run("empty job id is an error", func() {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(map[string]string{})
		}))
		defer srv.Close()

		a := NewForensicsAdapter(srv.URL, time.Second, 3)
		_, err := a.Submit(context.Background(), Job{DocumentID: "doc-1"})
		s.Require().Error(err)
		s.Contains(err.Error(), "empty jobId")
	})

	s.Run("rejection is not a backend outage", func() {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "unsupported mime type", http.StatusUnprocessableEntity)
		}))
		defer srv.Close()

		a := NewForensicsAdapter(srv.URL, time.Second, 3)
		_, err := a.Submit(context.Background(), Job{DocumentID: "doc-1"})
		s.Require().Error(err)
		s.NotErrorIs(err, ErrBackendUnavailable)
		s.Contains(err.Error(), "unsupported mime type")
	})
}

func (s *ForensicsAdapterSuite) TestPoll() {
	s.Run("completed analysis carries the forensic result", func() {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			s.Equal("/v1/analyses/analysis-9", r.URL.Path)
			json.NewEncoder(w).Encode(map[string]any{
				"status":     "completed",
				"confidence": 0.97,
				"flags":      []string{"metadata-clean"},
				"riskScore":  0.03,
			})
		}))
		defer srv.Close()

		a := NewForensicsAdapter(srv.URL, time.Second, 3)
		update, err := a.Poll(context.Background(), "analysis-9")
		s.Require().NoError(err)
		s.Equal(JobCompleted, update.State)
		s.Equal("analysis-9", update.ExternalJobID)
		s.Equal(0.97, update.Result["confidence"])
		s.Equal(true, update.Result["isAuthentic"], "derived from confidence above 0.5")
	})

	s.Run("backend verdict overrides the derived one", func() {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(map[string]any{
				"status":      "completed",
				"confidence":  0.8,
				"isAuthentic": false,
			})
		}))
		defer srv.Close()

		a := NewForensicsAdapter(srv.URL, time.Second, 3)
		update, err := a.Poll(context.Background(), "analysis-10")
		s.Require().NoError(err)
		s.Equal(false, update.Result["isAuthentic"])
	})

	s.Run("processing maps to pending", func() {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(map[string]any{"status": "processing"})
		}))
		defer srv.Close()

		a := NewForensicsAdapter(srv.URL, time.Second, 3)
		update, err := a.Poll(context.Background(), "analysis-9")
		s.Require().NoError(err)
		s.Equal(JobPending, update.State)
	})
}

func (s *ForensicsAdapterSuite) TestParseWebhook() {
	s.Run("valid payload", func() {
		a := NewForensicsAdapter("http://unused", time.Second, 3)
		update, err := a.ParseWebhook([]byte(`{"jobId":"analysis-9","status":"failed","error":"model crashed"}`))
		s.Require().NoError(err)
		s.Equal(JobFailed, update.State)
		s.Equal("model crashed", update.Err)
	})

	s.Run("missing job id rejected", func() {
		a := NewForensicsAdapter("http://unused", time.Second, 3)
		_, err := a.ParseWebhook([]byte(`{"status":"completed"}`))
		s.Require().Error(err)
	})

	s.Run("unknown status rejected", func() {
		a := NewForensicsAdapter("http://unused", time.Second, 3)
		_, err := a.ParseWebhook([]byte(`{"jobId":"analysis-9","status":"paused"}`))
		s.Require().Error(err)
	})

	s.Run("malformed json rejected", func() {
		a := NewForensicsAdapter("http://unused", time.Second, 3)
		_, err := a.ParseWebhook([]byte(`{{`))
		s.Require().Error(err)
	})
}

type LedgerAdapterSuite struct {
	suite.Suite
}

func TestLedgerAdapterSuite(t *testing.T) {
	suite.Run(t, new(LedgerAdapterSuite))
}

func (s *LedgerAdapterSuite) TestSubmit() {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.Equal("/v1/anchors", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]string{"transactionHash": "0xdeadbeef"})
	}))
	defer srv.Close()

	a := NewLedgerAdapter(srv.URL, time.Second, 3)
	txHash, err := a.Submit(context.Background(), Job{DocumentHash: "sha256:abc"})
	s.Require().NoError(err)
	s.Equal("0xdeadbeef", txHash)
}

func (s *LedgerAdapterSuite) TestPoll() {
	s.Run("confirming maps to pending", func() {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(map[string]any{"status": "confirming", "confirmations": 2})
		}))
		defer srv.Close()

		a := NewLedgerAdapter(srv.URL, time.Second, 3)
		update, err := a.Poll(context.Background(), "0xdeadbeef")
		s.Require().NoError(err)
		s.Equal(JobPending, update.State)
	})

	s.Run("confirmed carries anchoring details", func() {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(map[string]any{
				"status": "confirmed", "blockNumber": 812345, "confirmations": 12,
			})
		}))
		defer srv.Close()

		a := NewLedgerAdapter(srv.URL, time.Second, 3)
		update, err := a.Poll(context.Background(), "0xdeadbeef")
		s.Require().NoError(err)
		s.Equal(JobCompleted, update.State)
		s.Equal("0xdeadbeef", update.Result["transactionHash"])
		s.Equal(int64(812345), update.Result["blockNumber"])
		s.Equal(12, update.Result["confirmations"])
	})
}

func (s *LedgerAdapterSuite) TestParseWebhook() {
	a := NewLedgerAdapter("http://unused", time.Second, 3)

	update, err := a.ParseWebhook([]byte(`{"transactionHash":"0xdeadbeef","status":"confirmed","blockNumber":7}`))
	s.Require().NoError(err)
	s.Equal(JobCompleted, update.State)
	s.Equal("0xdeadbeef", update.ExternalJobID)

	_, err = a.ParseWebhook([]byte(`{"status":"confirmed"}`))
	s.Require().Error(err, "transaction hash is required")
}

type ContentStoreAdapterSuite struct {
	suite.Suite
}

func TestContentStoreAdapterSuite(t *testing.T) {
	suite.Run(t, new(ContentStoreAdapterSuite))
}

func (s *ContentStoreAdapterSuite) TestSubmit() {
	s.Run("accepts the expected content address", func() {
		expected := ContentAddress("sha256:abc")
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			s.Equal("/v1/objects", r.URL.Path)
			json.NewEncoder(w).Encode(map[string]any{"hash": expected})
		}))
		defer srv.Close()

		a := NewContentStoreAdapter(srv.URL, time.Second, 3)
		hash, err := a.Submit(context.Background(), Job{DocumentHash: "sha256:abc"})
		s.Require().NoError(err)
		s.Equal(expected, hash)
	})

	s.Run("rejects a mismatched address", func() {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(map[string]any{"hash": "somebody-elses-object"})
		}))
		defer srv.Close()

		a := NewContentStoreAdapter(srv.URL, time.Second, 3)
		_, err := a.Submit(context.Background(), Job{DocumentHash: "sha256:abc"})
		s.Require().Error(err)
		s.Contains(err.Error(), "address mismatch")
	})
}

func (s *ContentStoreAdapterSuite) TestPoll() {
	s.Run("synchronous pin completes without a status field", func() {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(map[string]any{"pinned": true, "size": 2048})
		}))
		defer srv.Close()

		a := NewContentStoreAdapter(srv.URL, time.Second, 3)
		update, err := a.Poll(context.Background(), "addr-1")
		s.Require().NoError(err)
		s.Equal(JobCompleted, update.State)
		s.Equal(true, update.Result["pinned"])
		s.Equal(int64(2048), update.Result["size"])
	})

	s.Run("unpinned without status is still pending", func() {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(map[string]any{"pinned": false})
		}))
		defer srv.Close()

		a := NewContentStoreAdapter(srv.URL, time.Second, 3)
		update, err := a.Poll(context.Background(), "addr-1")
		s.Require().NoError(err)
		s.Equal(JobPending, update.State)
	})
}

func (s *ContentStoreAdapterSuite) TestContentAddressIsStable() {
	a := ContentAddress("sha256:abc")
	b := ContentAddress("sha256:abc")
	c := ContentAddress("sha256:abd")

	s.Equal(a, b)
	s.NotEqual(a, c)
	s.Len(a, 64)
}

type TransportSuite struct {
	suite.Suite
}

func TestTransportSuite(t *testing.T) {
	suite.Run(t, new(TransportSuite))
}

// TestCircuitOpensOnServerErrors drives a backend through repeated 5xx
// responses and checks the shared transport starts short-circuiting.
func (s *TransportSuite) TestCircuitOpensOnServerErrors() {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	a := NewForensicsAdapter(srv.URL, time.Second, 3)
	for i := 0; i < 5; i++ {
		_, err := a.Poll(context.Background(), "analysis-9")
		s.Require().ErrorIs(err, ErrBackendUnavailable)
	}
	s.True(a.breaker.IsOpen())

	// Short-circuited calls never reach the backend, and the failure still
	// matches the infrastructure sentinel.
	_, err := a.Poll(context.Background(), "analysis-9")
	s.Require().ErrorIs(err, ErrBackendUnavailable)
	s.ErrorIs(err, sentinel.ErrUnavailable)
	s.Contains(err.Error(), "circuit open")
}

func (s *TransportSuite) TestSuccessClosesCircuitAgain() {
	fail := true
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"status": "processing"})
	}))
	defer srv.Close()

	a := NewForensicsAdapter(srv.URL, time.Second, 3)
	for i := 0; i < 5; i++ {
		_, _ = a.Poll(context.Background(), "analysis-9")
	}
	s.Require().True(a.breaker.IsOpen())

	// Recovered backend: enough probes eventually close the circuit.
	fail = false
	for i := 0; i < 40 && a.breaker.IsOpen(); i++ {
		_, _ = a.Poll(context.Background(), "analysis-9")
	}
	s.False(a.breaker.IsOpen())
}

func (s *TransportSuite) TestNormalizeState() {
	for raw, want := range map[string]JobState{
		"pending": JobPending, "processing": JobPending, "queued": JobPending, "confirming": JobPending,
		"completed": JobCompleted, "confirmed": JobCompleted, "pinned": JobCompleted,
		"failed": JobFailed, "rejected": JobFailed, "error": JobFailed,
	} {
		state, err := normalizeState(raw)
		s.Require().NoError(err, raw)
		s.Equal(want, state, raw)
	}

	_, err := normalizeState("paused")
	s.Require().Error(err)
}
