package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"escrow-engine/config"
	"escrow-engine/internal/adapter/http/middleware"
	"escrow-engine/internal/core/ports"
	"escrow-engine/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const railSecret = "e2e-rail-secret"

type envelope struct {
	Data      json.RawMessage `json:"data"`
	ErrorCode string          `json:"error_code"`
}

type harness struct {
	t   *testing.T
	app *App
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Storage.Driver = config.DriverMemory
	cfg.Redis.Enabled = false
	cfg.JWT.Secret = "e2e-jwt-secret"
	cfg.Rail.HMACSecret = railSecret

	a, err := New(context.Background(), cfg, []byte("openapi: 3.0.3\n"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = a.Close(ctx)
	})
	return &harness{t: t, app: a}
}

func (h *harness) do(method, path string, body any, roles ...string) (int, envelope) {
	h.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(h.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if len(roles) > 0 {
		token, _, err := h.app.Tokens.Generate("ops-e2e", roles)
		require.NoError(h.t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return h.serve(req)
}

func (h *harness) rail(nonce string, body map[string]any) (int, envelope) {
	h.t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(h.t, err)

	path := "/api/v1/rail/notifications"
	ts := time.Now().Unix()
	sig := service.NewHMACSignatureService()
	signature := sig.Sign(railSecret, sig.BuildCanonicalString(http.MethodPost, path, ts, nonce, string(raw)))

	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(middleware.HeaderRailSource, "mpesa")
	req.Header.Set(middleware.HeaderTimestamp, strconv.FormatInt(ts, 10))
	req.Header.Set(middleware.HeaderNonce, nonce)
	req.Header.Set(middleware.HeaderSignature, signature)
	return h.serve(req)
}

func (h *harness) serve(req *http.Request) (int, envelope) {
	w := httptest.NewRecorder()
	h.app.Router.ServeHTTP(w, req)
	var env envelope
	if w.Body.Len() > 0 {
		require.NoError(h.t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	}
	return w.Code, env
}

func decode[T any](t *testing.T, env envelope) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(env.Data, &v))
	return v
}

type subwalletView struct {
	ID           string `json:"id"`
	BalanceMinor int64  `json:"balance_minor"`
}

type escrowView struct {
	ID               string `json:"id"`
	Status           string `json:"status"`
	FundedMinor      int64  `json:"funded_minor"`
	ReleasedMinor    int64  `json:"released_minor"`
	HeldMinor        int64  `json:"held_minor"`
	HoldingAccountID string `json:"holding_account_id"`
	Milestones       []struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	} `json:"milestones"`
}

func TestEngine_EscrowLifecycleOverHTTP(t *testing.T) {
	h := newHarness(t)
	op := ports.RoleOperator

	code, env := h.do(http.MethodPost, "/api/v1/subwallets", map[string]any{
		"owner_type": "BUSINESS",
		"owner_id":   "studio-42",
		"currency":   "KES",
	}, op)
	require.Equal(t, http.StatusCreated, code, env.ErrorCode)
	payee := decode[subwalletView](t, env)

	code, env = h.do(http.MethodPost, "/api/v1/escrows", map[string]any{
		"currency":                  "KES",
		"amount_minor":              100000,
		"initiator_id":              "buyer-7",
		"counterparty_id":           "studio-42",
		"counterparty_subwallet_id": payee.ID,
		"milestones": []map[string]any{
			{"title": "wireframes", "amount_minor": 40000},
			{"title": "delivery", "amount_minor": 60000},
		},
	}, op)
	require.Equal(t, http.StatusCreated, code, env.ErrorCode)
	agreement := decode[escrowView](t, env)
	assert.Equal(t, "PENDING_FUNDING", agreement.Status)
	require.Len(t, agreement.Milestones, 2)

	// Partial funding from the rail, then a replay of the same reference.
	code, env = h.rail("n-1", map[string]any{"escrow_id": agreement.ID, "amount_minor": 40000, "reference": "mpesa:QX1"})
	require.Equal(t, http.StatusOK, code, env.ErrorCode)

	code, env = h.rail("n-2", map[string]any{"escrow_id": agreement.ID, "amount_minor": 40000, "reference": "mpesa:QX1"})
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "LEDGER_006", env.ErrorCode)

	code, env = h.do(http.MethodPost, "/api/v1/escrows/"+agreement.ID+"/fund", map[string]any{
		"amount_minor": 60000,
		"reference":    "bank:TT-2",
	}, op)
	require.Equal(t, http.StatusOK, code, env.ErrorCode)
	agreement = decode[escrowView](t, env)
	assert.Equal(t, "FUNDED", agreement.Status)
	assert.Equal(t, int64(100000), agreement.HeldMinor)

	// Releasing before the milestone has started is refused.
	first := agreement.Milestones[0].ID
	code, env = h.do(http.MethodPost, "/api/v1/milestones/"+first+"/complete", nil, op)
	assert.Equal(t, http.StatusConflict, code)

	for _, m := range agreement.Milestones {
		code, env = h.do(http.MethodPost, "/api/v1/milestones/"+m.ID+"/start", nil, op)
		require.Equal(t, http.StatusOK, code, env.ErrorCode)
		code, env = h.do(http.MethodPost, "/api/v1/milestones/"+m.ID+"/complete", nil, op)
		require.Equal(t, http.StatusOK, code, env.ErrorCode)
	}
	agreement = decode[escrowView](t, env)
	assert.Equal(t, "RELEASED", agreement.Status)
	assert.Equal(t, int64(100000), agreement.ReleasedMinor)
	assert.Zero(t, agreement.HeldMinor)

	code, env = h.do(http.MethodGet, "/api/v1/subwallets/"+payee.ID, nil, ports.RoleAuditor)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, int64(100000), decode[subwalletView](t, env).BalanceMinor)

	code, env = h.do(http.MethodGet, "/api/v1/accounts/"+agreement.HoldingAccountID+"/verify", nil, ports.RoleAuditor)
	require.Equal(t, http.StatusOK, code)
	rec := decode[ports.Reconciliation](t, env)
	assert.True(t, rec.Consistent)
	assert.Zero(t, rec.Balance)

	// Terminal agreements accept no further funding.
	code, env = h.do(http.MethodPost, "/api/v1/escrows/"+agreement.ID+"/fund", map[string]any{
		"amount_minor": 1,
		"reference":    "bank:TT-3",
	}, op)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "STATE_001", env.ErrorCode)

	auditReq := authed(t, h, http.MethodGet, "/api/v1/audit?entity_id="+agreement.ID)
	assert.Eventually(t, func() bool {
		w := httptest.NewRecorder()
		h.app.Router.ServeHTTP(w, auditReq)
		if w.Code != http.StatusOK {
			return false
		}
		var page struct {
			Data struct {
				Pagination struct {
					TotalItems int64 `json:"total_items"`
				} `json:"pagination"`
			} `json:"data"`
		}
		if err := json.Unmarshal(w.Body.Bytes(), &page); err != nil {
			return false
		}
		return page.Data.Pagination.TotalItems >= 5
	}, 2*time.Second, 20*time.Millisecond)
}

func TestEngine_HealthAndDocs(t *testing.T) {
	h := newHarness(t)

	w := httptest.NewRecorder()
	h.app.Router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "memory")

	w = httptest.NewRecorder()
	h.app.Router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/swagger/spec", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "openapi")
}

func TestEngine_SweepCancelsOverdueAgreements(t *testing.T) {
	h := newHarness(t)
	op := ports.RoleOperator

	code, env := h.do(http.MethodPost, "/api/v1/subwallets", map[string]any{
		"owner_type": "USER", "owner_id": "freelancer-3", "currency": "USD",
	}, op)
	require.Equal(t, http.StatusCreated, code, env.ErrorCode)
	payee := decode[subwalletView](t, env)

	deadline := time.Now().Add(50 * time.Millisecond).UTC()
	code, env = h.do(http.MethodPost, "/api/v1/escrows", map[string]any{
		"currency":                  "USD",
		"amount_minor":              5000,
		"initiator_id":              "buyer-9",
		"counterparty_id":           "freelancer-3",
		"counterparty_subwallet_id": payee.ID,
		"deadline":                  deadline,
		"milestones":                []map[string]any{{"title": "logo", "amount_minor": 5000}},
	}, op)
	require.Equal(t, http.StatusCreated, code, env.ErrorCode)
	agreement := decode[escrowView](t, env)

	time.Sleep(100 * time.Millisecond)
	h.app.sweepOnce(context.Background(), time.Now(), zerolog.Nop())

	code, env = h.do(http.MethodGet, "/api/v1/escrows/"+agreement.ID, nil, ports.RoleAuditor)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "CANCELLED", decode[escrowView](t, env).Status)
}

func TestRunSweeper_ZeroIntervalReturns(t *testing.T) {
	h := newHarness(t)
	done := make(chan struct{})
	go func() {
		h.app.RunSweeper(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper should not run without an interval")
	}
}

func TestNew_PostgresUnreachable(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Storage.Driver = config.DriverPostgres
	cfg.Database.Host = "127.0.0.1"
	cfg.Database.Port = 1

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, err = New(ctx, cfg, nil, zerolog.Nop())
	assert.Error(t, err)
}
