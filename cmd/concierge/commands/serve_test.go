// ABOUTME: Tests for the HTTP API served by the serve command
// ABOUTME: Runs the real pipeline over in-memory SQLite with a scripted model
package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harper/concierge/internal/core"
	"github.com/harper/concierge/internal/llm"
	"github.com/harper/concierge/internal/logging"
	"github.com/harper/concierge/internal/metrics"
	"github.com/harper/concierge/internal/models"
	"github.com/harper/concierge/internal/policy"
	"github.com/harper/concierge/internal/storage/sqlite"
)

const testPolicyDir = "../../../policy"

type scriptedModel struct {
	mu    sync.Mutex
	err   error
	calls int
}

func (m *scriptedModel) Generate(ctx context.Context, req llm.Request) (*llm.Completion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	return &llm.Completion{Text: `{"reply": "Chào bạn, mình có thể giúp gì cho bạn?", "signals": []}`, Model: "test", TokensUsed: 12}, nil
}

func newTestOrchestrator(t *testing.T, model core.ModelService) *core.Orchestrator {
	t.Helper()
	store, err := sqlite.NewStorageInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	policies, err := policy.Open(testPolicyDir)
	require.NoError(t, err)

	orch, err := core.New(context.Background(), core.Options{
		Store:        store,
		Model:        model,
		Policies:     policies,
		Metrics:      metrics.New(),
		Logger:       logging.Nop(),
		ModelTimeout: time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(orch.Close)
	return orch
}

func postJSON(t *testing.T, h http.Handler, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case string:
		buf.WriteString(b)
	case nil:
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}
	req := httptest.NewRequest(http.MethodPost, path, &buf)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandler_Turn(t *testing.T) {
	h := newHandler(newTestOrchestrator(t, &scriptedModel{}), metrics.New(), nil, "", logging.Nop())

	rec := postJSON(t, h, "/turn", core.TurnRequest{UserID: "u1", Text: "xin chào"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var result core.TurnResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.NotEmpty(t, result.ConversationID)
	assert.NotEmpty(t, result.Reply)
	assert.NotEmpty(t, result.Parts)
	assert.Equal(t, models.ConversationActive, result.State)

	// the same user can continue; another user cannot
	rec = postJSON(t, h, "/turn", core.TurnRequest{ConversationID: result.ConversationID, UserID: "u1", Text: "cảm ơn"})
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = postJSON(t, h, "/turn", core.TurnRequest{ConversationID: result.ConversationID, UserID: "u2", Text: "hi"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestHandler_TurnErrors(t *testing.T) {
	tests := []struct {
		name   string
		model  *scriptedModel
		body   interface{}
		status int
	}{
		{name: "malformed body", model: &scriptedModel{}, body: "{not json", status: http.StatusBadRequest},
		{name: "missing user", model: &scriptedModel{}, body: core.TurnRequest{Text: "hi"}, status: http.StatusBadRequest},
		{name: "model failure", model: &scriptedModel{err: errors.New("upstream 500")}, body: core.TurnRequest{UserID: "u1", Text: "xin chào"}, status: http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHandler(newTestOrchestrator(t, tt.model), nil, nil, "", logging.Nop())
			rec := postJSON(t, h, "/turn", tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())

			var payload map[string]string
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
			assert.NotEmpty(t, payload["error"])
		})
	}
}

const testAdminToken = "test-admin-token-0001"

// adminPost sends an admin request, with a bearer token when token is set
func adminPost(t *testing.T, h http.Handler, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandler_Admin(t *testing.T) {
	orch := newTestOrchestrator(t, &scriptedModel{})
	h := newHandler(orch, metrics.New(), nil, testAdminToken, logging.Nop())

	rec := adminPost(t, h, "/admin/policy/reload", testAdminToken)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), orch.Policy().Version)

	// The bundle location is fixed at startup
	rec = adminPost(t, h, "/admin/policy/reload?dir=/tmp", testAdminToken)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = adminPost(t, h, "/admin/conversations/conv_missing/reopen", testAdminToken)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	turn := postJSON(t, h, "/turn", core.TurnRequest{UserID: "u1", Text: "xin chào"})
	var result core.TurnResult
	require.NoError(t, json.Unmarshal(turn.Body.Bytes(), &result))

	rec = adminPost(t, h, fmt.Sprintf("/admin/conversations/%s/reopen", result.ConversationID), testAdminToken)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestHandler_AdminAuth(t *testing.T) {
	tests := []struct {
		name       string
		configured string
		header     string
		status     int
	}{
		{name: "no token configured", configured: "", header: "Bearer " + testAdminToken, status: http.StatusForbidden},
		{name: "missing header", configured: testAdminToken, header: "", status: http.StatusUnauthorized},
		{name: "wrong scheme", configured: testAdminToken, header: "Basic " + testAdminToken, status: http.StatusUnauthorized},
		{name: "empty bearer", configured: testAdminToken, header: "Bearer ", status: http.StatusUnauthorized},
		{name: "wrong token", configured: testAdminToken, header: "Bearer not-the-admin-token", status: http.StatusForbidden},
		{name: "valid token", configured: testAdminToken, header: "Bearer " + testAdminToken, status: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			orch := newTestOrchestrator(t, &scriptedModel{})
			h := newHandler(orch, nil, nil, tt.configured, logging.Nop())
			before := orch.Policy()

			req := httptest.NewRequest(http.MethodPost, "/admin/policy/reload", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			if tt.status == http.StatusUnauthorized {
				assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "Bearer")
			}
			if tt.status != http.StatusOK {
				assert.Same(t, before, orch.Policy(), "a refused request reloads nothing")
			}

			rec = adminPost(t, h, "/admin/conversations/conv_1/reopen", "")
			if tt.configured == "" {
				assert.Equal(t, http.StatusForbidden, rec.Code)
			} else {
				assert.Equal(t, http.StatusUnauthorized, rec.Code)
			}
		})
	}
}

func TestHandler_InterruptAndProbes(t *testing.T) {
	h := newHandler(newTestOrchestrator(t, &scriptedModel{}), metrics.New(), nil, "", logging.Nop())

	rec := postJSON(t, h, "/interrupt", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = postJSON(t, h, "/interrupt?conversation_id=conv_1", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"cancelled": false}`, rec.Body.String())

	for _, path := range []string{"/healthz", "/metrics"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}
}

func TestTurnStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{err: core.ErrInvalidTurn, want: http.StatusBadRequest},
		{err: fmt.Errorf("wrap: %w", core.ErrConversationOwner), want: http.StatusForbidden},
		{err: core.ErrConversationBusy, want: http.StatusConflict},
		{err: &core.ModelCallError{Tier: models.TierFast, Err: errors.New("boom")}, want: http.StatusServiceUnavailable},
		{err: &core.ModelCallError{Tier: models.TierFast, Err: context.Canceled}, want: http.StatusBadGateway},
		{err: context.DeadlineExceeded, want: http.StatusGatewayTimeout},
		{err: errors.New("disk full"), want: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		if got := turnStatus(tt.err); got != tt.want {
			t.Errorf("turnStatus(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
