package server

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	memcache "github.com/0xrin1/flippening/internal/cache/memory"
	"github.com/0xrin1/flippening/internal/commitment"
	"github.com/0xrin1/flippening/internal/crypto"
	"github.com/0xrin1/flippening/internal/domain"
	"github.com/0xrin1/flippening/internal/ledger"
	"github.com/0xrin1/flippening/internal/metrics"
	"github.com/0xrin1/flippening/internal/server/handler"
	"github.com/0xrin1/flippening/internal/service"
	memstore "github.com/0xrin1/flippening/internal/store/memory"
)

var (
	escrow     = common.HexToAddress("0x00000000000000000000000000000000000000e5")
	stakeToken = common.HexToAddress("0x00000000000000000000000000000000000005a1")
	rewardAddr = common.HexToAddress("0x0000000000000000000000000000000000000f11")
	apiKey     = "admin-key"
)

type simCollaborators struct {
	ledger *ledger.Ledger
	amm    *ledger.AMM
}

func (s simCollaborators) RewardToken(addr common.Address) domain.RewardToken {
	return ledger.NewRewardToken(s.ledger, addr)
}
func (s simCollaborators) Router(common.Address) domain.AMMRouter   { return s.amm }
func (s simCollaborators) Factory(common.Address) domain.AMMFactory { return s.amm }

type testServer struct {
	t       *testing.T
	handler http.Handler
	ledger  *ledger.Ledger
	creator *crypto.Signer
	guesser *crypto.Signer
	owner   *crypto.Signer
}

func newSigner(t *testing.T) *crypto.Signer {
	t.Helper()
	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	return crypto.NewSigner(key)
}

func newTestServer(t *testing.T, rateLimit int) *testServer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ts := &testServer{t: t, ledger: ledger.New(escrow), creator: newSigner(t), guesser: newSigner(t), owner: newSigner(t)}
	for _, s := range []*crypto.Signer{ts.creator, ts.guesser} {
		ts.ledger.Mint(stakeToken, s.Address(), big.NewInt(1_000_000))
		ts.ledger.Approve(stakeToken, s.Address(), escrow, big.NewInt(1_000_000))
	}

	amm := ledger.NewAMM(ts.ledger)
	wagers := memstore.NewWagerStore()
	audit := memstore.NewAuditStore()
	m := metrics.New()
	econ := service.Economics{KeeperRewardBps: 100, RewardMultiplier: decimal.NewFromInt(1)}
	fees := memstore.NewFeeStore()
	locks := memcache.NewLockManager()
	settlement := service.NewSettlementEngine(wagers, memstore.NewSupplyStore(), fees, ts.ledger,
		ledger.NewRewardToken(ts.ledger, rewardAddr), locks, econ, m, logger)
	liquidity := service.NewLiquidityManager(fees, ts.ledger, settlement, amm, amm, nil, m,
		service.LiquidityConfig{}, logger)
	events := service.NewEventPublisher(audit, nil, nil, logger)
	controller := service.NewController(wagers, ts.ledger, settlement, liquidity, locks, events, m,
		service.ControllerConfig{ExpirationWindow: time.Hour, GraceWindow: time.Hour}, logger)
	admin := service.NewAdmin(ts.owner.Address(), settlement, liquidity, audit, logger)

	ts.handler = Routes(Config{APIKey: apiKey, RateLimitPerMin: rateLimit}, Handlers{
		Health:  handler.NewHealthHandler(nil),
		Wagers:  handler.NewWagerHandler(controller, logger),
		Fees:    handler.NewFeeHandler(liquidity, settlement, logger),
		Admin:   handler.NewAdminHandler(admin, simCollaborators{ledger: ts.ledger, amm: amm}, logger),
		History: handler.NewHistoryHandler(wagers, audit, logger),
		Metrics: m.Handler(),
	}, Deps{
		Verifier: crypto.NewVerifier(time.Minute),
		Limiter:  memcache.NewRateLimiter(),
	}, logger)
	return ts
}

func (ts *testServer) do(method, path string, signer *crypto.Signer, body any) *httptest.ResponseRecorder {
	ts.t.Helper()
	var raw []byte
	if body != nil {
		var err error
		raw, err = json.Marshal(body)
		require.NoError(ts.t, err)
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	if signer != nil {
		now := time.Now()
		sig, err := signer.SignRequest(method, path, raw, now)
		require.NoError(ts.t, err)
		req.Header.Set(crypto.HeaderAddress, signer.Address().Hex())
		req.Header.Set(crypto.HeaderTimestamp, strconv.FormatInt(now.Unix(), 10))
		req.Header.Set(crypto.HeaderSignature, sig)
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (ts *testServer) create(secret string) handler.WagerView {
	ts.t.Helper()
	rec := ts.do(http.MethodPost, "/api/wagers", ts.creator, map[string]string{
		"commitment": commitment.Commit(secret).Hex(),
		"asset":      stakeToken.Hex(),
		"amount":     "1000",
	})
	require.Equal(ts.t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[handler.WagerView](ts.t, rec)
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, 0)
	rec := ts.do(http.MethodGet, "/api/health", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode[map[string]any](t, rec)["status"])
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestUnsignedMutationRejected(t *testing.T) {
	ts := newTestServer(t, 0)
	rec := ts.do(http.MethodPost, "/api/wagers", nil, map[string]string{"amount": "1"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestWagerLifecycleOverHTTP(t *testing.T) {
	ts := newTestServer(t, 0)
	secret := commitment.Secret("pepper", true)
	w := ts.create(secret)
	assert.Equal(t, "created", w.Status)
	assert.Equal(t, "1000", w.Stake.Units)

	path := "/api/wagers/" + strconv.FormatUint(w.ID, 10)
	rec := ts.do(http.MethodPost, path+"/guess", ts.guesser, map[string]string{"choice": "true"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = ts.do(http.MethodPost, path+"/guess", ts.guesser, map[string]string{"choice": "false"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "already_guessed", decode[map[string]string](t, rec)["code"])

	rec = ts.do(http.MethodPost, path+"/settle", ts.creator, map[string]string{"secret": "pepper false"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "secret_mismatch", decode[map[string]string](t, rec)["code"])

	rec = ts.do(http.MethodPost, path+"/settle", ts.creator, map[string]string{"secret": secret})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	settled := decode[handler.WagerView](t, rec)
	assert.Equal(t, "settled", settled.Status)
	require.NotNil(t, settled.GuesserWon)
	assert.True(t, *settled.GuesserWon)
	assert.Equal(t, big.NewInt(1_001_000), ts.ledger.Balance(stakeToken, ts.guesser.Address()))

	rec = ts.do(http.MethodGet, path, nil, nil)
	assert.Equal(t, "settled", decode[handler.WagerView](t, rec).Status)

	rec = ts.do(http.MethodGet, "/api/history", nil, nil)
	hist := decode[map[string][]handler.WagerView](t, rec)
	require.Len(t, hist["wagers"], 1)

	rec = ts.do(http.MethodGet, "/api/wagers/99", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelRequiresCreator(t *testing.T) {
	ts := newTestServer(t, 0)
	secret := commitment.Secret("salt", false)
	w := ts.create(secret)
	path := "/api/wagers/" + strconv.FormatUint(w.ID, 10) + "/cancel"
	body := map[string]string{"secret": secret, "asset": stakeToken.Hex()}

	rec := ts.do(http.MethodPost, path, ts.guesser, body)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = ts.do(http.MethodPost, path, ts.creator, body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "cancelled", decode[handler.WagerView](t, rec).Status)
	assert.Equal(t, big.NewInt(1_000_000), ts.ledger.Balance(stakeToken, ts.creator.Address()))
}

func TestCommitmentHelperIsPublic(t *testing.T) {
	ts := newTestServer(t, 0)
	rec := ts.do(http.MethodPost, "/api/commitments", nil, map[string]string{"secret": "abc true"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got := decode[map[string]any](t, rec)
	assert.Equal(t, commitment.Commit("abc true").Hex(), got["commitment"])
	assert.Equal(t, true, got["outcome"])
}

func TestAdminSetters(t *testing.T) {
	ts := newTestServer(t, 0)
	body := map[string]string{"address": rewardAddr.Hex()}

	rec := ts.do(http.MethodPut, "/api/admin/reward-token", ts.owner, body)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	withKey := func(signer *crypto.Signer, setting string) *httptest.ResponseRecorder {
		raw, _ := json.Marshal(body)
		path := "/api/admin/" + setting
		now := time.Now()
		sig, err := signer.SignRequest(http.MethodPut, path, raw, now)
		require.NoError(t, err)
		req := httptest.NewRequest(http.MethodPut, path, bytes.NewReader(raw))
		req.Header.Set("X-API-Key", apiKey)
		req.Header.Set(crypto.HeaderAddress, signer.Address().Hex())
		req.Header.Set(crypto.HeaderTimestamp, strconv.FormatInt(now.Unix(), 10))
		req.Header.Set(crypto.HeaderSignature, sig)
		out := httptest.NewRecorder()
		ts.handler.ServeHTTP(out, req)
		return out
	}

	assert.Equal(t, http.StatusForbidden, withKey(ts.creator, "reward-token").Code)
	assert.Equal(t, http.StatusOK, withKey(ts.owner, "reward-token").Code)
	assert.Equal(t, http.StatusOK, withKey(ts.owner, "reserve-asset").Code)
	assert.Equal(t, http.StatusNotFound, withKey(ts.owner, "bogus").Code)

	rec = ts.do(http.MethodGet, "/api/liquidity", nil, nil)
	got := decode[map[string]any](t, rec)
	assert.Equal(t, rewardAddr.Hex(), got["reward_token"])
	assert.Equal(t, rewardAddr.Hex(), got["reserve_asset"])
}

func TestRateLimit(t *testing.T) {
	ts := newTestServer(t, 2)
	for i := 0; i < 2; i++ {
		assert.Equal(t, http.StatusOK, ts.do(http.MethodGet, "/api/wagers", nil, nil).Code)
	}
	rec := ts.do(http.MethodGet, "/api/wagers", nil, nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t, 0)
	ts.create(commitment.Secret("m", true))
	rec := ts.do(http.MethodGet, "/metrics", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "flippening_")
}
