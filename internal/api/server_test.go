package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/mixer_core/internal/chain"
	"github.com/R3E-Network/mixer_core/internal/coinjoin"
	"github.com/R3E-Network/mixer_core/internal/config"
	"github.com/R3E-Network/mixer_core/internal/domain"
	"github.com/R3E-Network/mixer_core/internal/engine"
	"github.com/R3E-Network/mixer_core/internal/events"
	"github.com/R3E-Network/mixer_core/internal/registry"
	"github.com/R3E-Network/mixer_core/internal/ring"
	"github.com/R3E-Network/mixer_core/internal/security"
	"github.com/R3E-Network/mixer_core/internal/storage"
	"github.com/R3E-Network/mixer_core/internal/vault"
	"github.com/R3E-Network/mixer_core/internal/wallet"
	"github.com/R3E-Network/mixer_core/pkg/logger"
)

// newTestServer assembles the API over the in-memory stack. The engine
// background loops stay off; handler behavior is what is under test.
func newTestServer(t *testing.T, mutate func(*config.Config)) *Server {
	t.Helper()

	cfg := config.Default()
	cfg.Server.JWTSecret = ""
	if mutate != nil {
		mutate(cfg)
	}

	store := storage.NewMemory()
	log := logger.NewNop()
	ev := events.NewRingBuffer(256)

	v, err := vault.NewLocal("api-test-secret", "api-test-salt", 1024)
	require.NoError(t, err)
	wallets := wallet.NewManager(store, store, nil, v, ev, log, cfg.Wallet)

	chains := chain.NewRegistry(chain.NewSimulated(domain.CurrencyBTC), chain.NewSimulated(domain.CurrencyETH))

	images := registry.NewKeyImages(store, log, 256)
	bans := registry.NewBans(store, log)
	coord := coinjoin.New(cfg.CoinJoin, store, images, bans, ev, log,
		coinjoin.WithBroadcaster(chains), coinjoin.WithFeeEstimator(chains))

	mixer, err := ring.NewMixer(cfg.Ring, images, ring.NewSyntheticSource(2000, cfg.Ring.ConfidentialOutputs), log)
	require.NoError(t, err)

	validator := security.NewValidator(cfg.Security, security.NewAddressLists(), store, nil, ev, log)

	eng := engine.New(cfg.Engine, config.ChainsConfig{}, store, wallets, validator, chains, coord, mixer, ev, nil, log)

	return New(cfg.Server, eng, coord, wallets, nil, ev, log)
}

func doJSON(t *testing.T, h http.Handler, method, path string, body interface{}, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, val := range header {
		req.Header.Set(k, val)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func testBTCAddr(tag string) string {
	return "bc1q" + tag + strings.Repeat("0", 38-len(tag))
}

func TestHealthWithoutMonitor(t *testing.T) {
	s := newTestServer(t, nil)
	w := doJSON(t, s.Router(), http.MethodGet, "/api/v1/health", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)
}

func TestCreateMixReturnsDepositAddress(t *testing.T) {
	s := newTestServer(t, nil)
	r := s.Router()

	w := doJSON(t, r, http.MethodPost, "/api/v1/mix", map[string]interface{}{
		"currency": "BTC",
		"amount":   "0.5",
		"outputs": []map[string]interface{}{
			{"address": testBTCAddr("alpha"), "percentage": 60},
			{"address": testBTCAddr("beta"), "percentage": 40},
		},
	}, map[string]string{"X-User-ID": "user-1"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var view mixView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &view))
	assert.NotEmpty(t, view.ID)
	assert.Equal(t, "pending", view.Status)
	assert.True(t, strings.HasPrefix(view.DepositAddress, "bc1"), view.DepositAddress)

	got := doJSON(t, r, http.MethodGet, "/api/v1/mix/"+view.ID, nil, map[string]string{"X-User-ID": "user-1"})
	assert.Equal(t, http.StatusOK, got.Code)
}

func TestCreateMixRejectsBadInput(t *testing.T) {
	s := newTestServer(t, nil)
	r := s.Router()

	// Unsupported currency.
	w := doJSON(t, r, http.MethodPost, "/api/v1/mix", map[string]interface{}{
		"currency": "DOGE",
		"amount":   "1",
		"outputs":  []map[string]interface{}{{"address": testBTCAddr("x"), "percentage": 100}},
	}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Percentages not summing to 100.
	w = doJSON(t, r, http.MethodPost, "/api/v1/mix", map[string]interface{}{
		"currency": "BTC",
		"amount":   "0.5",
		"outputs":  []map[string]interface{}{{"address": testBTCAddr("x"), "percentage": 70}},
	}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Amount over the BTC maximum maps to a policy rejection.
	w = doJSON(t, r, http.MethodPost, "/api/v1/mix", map[string]interface{}{
		"currency": "BTC",
		"amount":   "10.00000001",
		"outputs":  []map[string]interface{}{{"address": testBTCAddr("x"), "percentage": 100}},
	}, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestCancelMix(t *testing.T) {
	s := newTestServer(t, nil)
	r := s.Router()

	w := doJSON(t, r, http.MethodPost, "/api/v1/mix", map[string]interface{}{
		"currency": "BTC",
		"amount":   "0.5",
		"outputs":  []map[string]interface{}{{"address": testBTCAddr("cx"), "percentage": 100}},
	}, map[string]string{"X-User-ID": "user-2"})
	require.Equal(t, http.StatusCreated, w.Code)
	var view mixView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &view))

	c := doJSON(t, r, http.MethodDelete, "/api/v1/mix/"+view.ID, nil, map[string]string{"X-User-ID": "user-2"})
	require.Equal(t, http.StatusOK, c.Code)
	var cancelled mixView
	require.NoError(t, json.Unmarshal(c.Body.Bytes(), &cancelled))
	assert.Equal(t, "cancelled", cancelled.Status)
}

func TestListRequiresUser(t *testing.T) {
	s := newTestServer(t, nil)
	r := s.Router()

	w := doJSON(t, r, http.MethodGet, "/api/v1/mix", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, r, http.MethodGet, "/api/v1/mix", nil, map[string]string{"X-User-ID": "user-3"})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestJWTAuthGatesRoutes(t *testing.T) {
	s := newTestServer(t, func(cfg *config.Config) {
		cfg.Server.JWTSecret = "test-secret"
	})
	r := s.Router()

	w := doJSON(t, r, http.MethodGet, "/api/v1/mix", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doJSON(t, r, http.MethodGet, "/api/v1/mix", nil, map[string]string{"Authorization": "Bearer bogus"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	token, err := GenerateToken("test-secret", "user-4", "", time.Minute)
	require.NoError(t, err)
	w = doJSON(t, r, http.MethodGet, "/api/v1/mix", nil, map[string]string{"Authorization": "Bearer " + token})
	assert.Equal(t, http.StatusOK, w.Code)

	expired, err := GenerateToken("test-secret", "user-4", "", -time.Minute)
	require.NoError(t, err)
	w = doJSON(t, r, http.MethodGet, "/api/v1/mix", nil, map[string]string{"Authorization": "Bearer " + expired})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAdminRoutesRequireRole(t *testing.T) {
	s := newTestServer(t, nil)
	r := s.Router()

	w := doJSON(t, r, http.MethodGet, "/api/v1/admin/wallets", nil, map[string]string{"X-User-ID": "user-5"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	admin := map[string]string{"X-User-ID": "op-1", "X-User-Role": "admin"}
	w = doJSON(t, r, http.MethodGet, "/api/v1/admin/wallets", nil, admin)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, r, http.MethodPost, "/api/v1/admin/wallets", map[string]interface{}{
		"currency": "BTC", "type": "pool",
	}, admin)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var view walletView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &view))
	assert.Equal(t, "pool", view.Type)
	assert.True(t, strings.HasPrefix(view.Address, "bc1"), view.Address)

	// Alerts degrade gracefully with no monitor wired.
	w = doJSON(t, r, http.MethodGet, "/api/v1/admin/alerts", nil, admin)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRateLimitReturns429(t *testing.T) {
	s := newTestServer(t, func(cfg *config.Config) {
		cfg.Server.RateLimitRPS = 1
		cfg.Server.RateLimitBurst = 1
	})
	r := s.Router()
	hdr := map[string]string{"X-User-ID": "user-6"}

	first := doJSON(t, r, http.MethodGet, "/api/v1/mix", nil, hdr)
	assert.Equal(t, http.StatusOK, first.Code)
	second := doJSON(t, r, http.MethodGet, "/api/v1/mix", nil, hdr)
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
}

func TestCORSPolicy(t *testing.T) {
	s := newTestServer(t, func(cfg *config.Config) {
		cfg.Server.AllowedOrigins = "https://app.example.com"
	})
	r := s.Router()

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/mix", nil)
	req.Header.Set("Origin", "https://app.example.com")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "https://app.example.com", w.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)
}
