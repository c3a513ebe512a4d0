package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"cdpledger/config"
	"cdpledger/native/fixed"
	"cdpledger/native/oracle"
	"cdpledger/services/lending/engine"
)

var (
	vaultAddr  = common.HexToAddress("0x00000000000000000000000000000000000000a0")
	marketAddr = common.HexToAddress("0x00000000000000000000000000000000000000b1")
	treasury   = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	coll       = common.HexToAddress("0x00000000000000000000000000000000000000c1")
	debt       = common.HexToAddress("0x00000000000000000000000000000000000000d1")
	adminAcct  = common.HexToAddress("0x0000000000000000000000000000000000000ad1")
	lender     = common.HexToAddress("0x0000000000000000000000000000000000000100")
	alice      = common.HexToAddress("0x0000000000000000000000000000000000000a11")
)

const (
	adminToken  = "admin-token"
	aliceToken  = "alice-token"
	lenderToken = "lender-token"
)

type harness struct {
	t      *testing.T
	eng    *engine.Engine
	server *Server
	h      http.Handler
}

func newHarness(t *testing.T, auth AuthConfig, limit RateLimit) *harness {
	t.Helper()
	store, err := config.NewStore(config.Risk{
		Treasury: treasury.Hex(),
		Markets: []config.Market{{
			Address:                marketAddr.Hex(),
			Collateral:             coll.Hex(),
			Debt:                   debt.Hex(),
			Oracle:                 "COLL/DEBT",
			CollateralFactor:       75_000,
			LiquidationPenalty:     108_000,
			LiquidationTreasuryBps: 1000,
		}},
	})
	require.NoError(t, err)
	eng, err := engine.New(engine.Options{
		Vault:        vaultAddr,
		Risk:         store,
		EventHistory: 32,
		NowFn:        func() int64 { return 1_700_000_000 },
	})
	require.NoError(t, err)
	require.NoError(t, eng.AddFeed("COLL/DEBT", coll, []oracle.Source{eng.Manual()}, [][]byte{[]byte("COLL/DEBT")}, fixed.WadUnit()))
	require.NoError(t, eng.SetManualPrice("COLL/DEBT", "1", time.Time{}))
	for _, b := range store.Markets() {
		require.NoError(t, eng.AddMarket(b))
	}
	eng.Start()

	srv, err := New(Config{Engine: eng, Auth: auth, RateLimit: limit})
	require.NoError(t, err)
	return &harness{t: t, eng: eng, server: srv, h: srv.Handler()}
}

func defaultAuth() AuthConfig {
	return AuthConfig{Tokens: []APIToken{
		{Token: adminToken, Account: adminAcct.Hex(), Admin: true},
		{Token: aliceToken, Account: alice.Hex()},
		{Token: lenderToken, Account: lender.Hex()},
	}}
}

func (h *harness) do(method, path, token string, body any) *httptest.ResponseRecorder {
	h.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(h.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	res := httptest.NewRecorder()
	h.h.ServeHTTP(res, req)
	return res
}

func (h *harness) ok(method, path, token string, body any) *httptest.ResponseRecorder {
	h.t.Helper()
	res := h.do(method, path, token, body)
	require.Less(h.t, res.Code, 300, "%s %s: %s", method, path, res.Body.String())
	return res
}

// fund mints amount to the token's account and deposits it into the vault.
func (h *harness) fund(token string, owner common.Address, tok common.Address, amount string) {
	h.t.Helper()
	h.ok(http.MethodPost, "/tokens/mint", adminToken, mintRequest{Token: tok.Hex(), To: owner.Hex(), Amount: amount})
	h.ok(http.MethodPost, "/tokens/approve", token, approveRequest{Token: tok.Hex(), Amount: amount})
	h.ok(http.MethodPost, "/vault/deposit", token, depositRequest{Token: tok.Hex(), Amount: amount})
}

func (h *harness) seed() {
	h.t.Helper()
	h.fund(lenderToken, lender, debt, "100000")
	h.ok(http.MethodPost, "/vault/transfer", lenderToken, transferRequest{
		Token:      debt.Hex(),
		Recipients: []transferLeg{{To: marketAddr.Hex(), Share: "100000"}},
	})
	h.fund(aliceToken, alice, coll, "10000")
	h.ok(http.MethodPost, "/vault/operator", aliceToken, operatorRequest{Operator: marketAddr.Hex(), Approved: true})
	h.ok(http.MethodPost, fmt.Sprintf("/markets/%s/collateral/add", marketAddr.Hex()), aliceToken, collateralRequest{Share: "10000"})
}

func decodeBody[T any](t *testing.T, res *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &out))
	return out
}

func TestBorrowRepayFlow(t *testing.T) {
	h := newHarness(t, defaultAuth(), RateLimit{})
	h.seed()
	base := "/markets/" + marketAddr.Hex()

	res := h.ok(http.MethodPost, base+"/borrow", aliceToken, borrowRequest{Amount: "7500"})
	require.Equal(t, "7500", decodeBody[partResponse](t, res).DebtShare)

	res = h.do(http.MethodPost, base+"/borrow", aliceToken, borrowRequest{Amount: "1"})
	require.Equal(t, http.StatusUnprocessableEntity, res.Code)
	require.Equal(t, "market: !safe", decodeBody[errorResponse](t, res).Error)

	res = h.ok(http.MethodGet, base+"/positions/"+alice.Hex(), "", nil)
	pos := decodeBody[positionResponse](t, res)
	require.Equal(t, "10000", pos.CollateralShare)
	require.Equal(t, "7500", pos.DebtValue)
	require.True(t, pos.Safe)

	res = h.ok(http.MethodPost, base+"/repay", aliceToken, repayRequest{Amount: "all"})
	require.Equal(t, "7500", decodeBody[partResponse](t, res).DebtShare)

	res = h.ok(http.MethodGet, base, "", nil)
	g := decodeBody[globalsResponse](t, res)
	require.Equal(t, "0", g.TotalDebtShare)
	require.Equal(t, "10000", g.TotalCollateralShare)

	res = h.ok(http.MethodGet, "/vault/"+debt.Hex()+"/"+alice.Hex(), "", nil)
	require.Equal(t, "0", decodeBody[vaultBalanceResponse](t, res).Share)
}

func TestSlippageBandRejected(t *testing.T) {
	h := newHarness(t, defaultAuth(), RateLimit{})
	h.seed()
	res := h.do(http.MethodPost, "/markets/"+marketAddr.Hex()+"/borrow", aliceToken,
		borrowRequest{Amount: "100", bandFields: bandFields{MinPrice: "2"}})
	require.Equal(t, http.StatusBadRequest, res.Code)
	require.Equal(t, "market: slippage", decodeBody[errorResponse](t, res).Error)
}

func TestAuthentication(t *testing.T) {
	h := newHarness(t, defaultAuth(), RateLimit{})
	body := depositRequest{Token: coll.Hex(), Amount: "1"}

	require.Equal(t, http.StatusUnauthorized, h.do(http.MethodPost, "/vault/deposit", "", body).Code)
	require.Equal(t, http.StatusUnauthorized, h.do(http.MethodPost, "/vault/deposit", "wrong", body).Code)
	require.Equal(t, http.StatusForbidden,
		h.do(http.MethodPost, "/tokens/mint", aliceToken, mintRequest{Token: coll.Hex(), To: alice.Hex(), Amount: "1"}).Code)

	req := httptest.NewRequest(http.MethodPost, "/tokens/mint",
		strings.NewReader(fmt.Sprintf(`{"token":%q,"to":%q,"amount":"5"}`, coll.Hex(), alice.Hex())))
	req.Header.Set("X-API-Token", adminToken)
	res := httptest.NewRecorder()
	h.h.ServeHTTP(res, req)
	require.Equal(t, http.StatusNoContent, res.Code)
	require.Equal(t, "5", h.eng.Wallet(coll, alice).Balance.Dec())

	require.Equal(t, http.StatusOK, h.do(http.MethodGet, "/markets", "", nil).Code)
}

func TestMutationsRefusedWithoutTokens(t *testing.T) {
	h := newHarness(t, AuthConfig{}, RateLimit{})
	res := h.do(http.MethodPost, "/vault/deposit", aliceToken, depositRequest{Token: coll.Hex(), Amount: "1"})
	require.Equal(t, http.StatusForbidden, res.Code)
	require.Equal(t, errAuthDisabled.Error(), decodeBody[errorResponse](t, res).Error)
}

func TestNewRejectsBadTokenAccount(t *testing.T) {
	_, err := New(Config{Auth: AuthConfig{Tokens: []APIToken{{Token: "x", Account: "nope"}}}})
	require.Error(t, err)
	_, err = New(Config{Auth: AuthConfig{Tokens: []APIToken{
		{Token: "x", Account: alice.Hex()}, {Token: "x", Account: lender.Hex()},
	}}})
	require.Error(t, err)
}

func TestRequestValidation(t *testing.T) {
	h := newHarness(t, defaultAuth(), RateLimit{})

	res := h.do(http.MethodPost, "/vault/deposit", aliceToken, map[string]string{"token": coll.Hex(), "bogus": "1"})
	require.Equal(t, http.StatusBadRequest, res.Code)

	res = h.do(http.MethodPost, "/vault/deposit", aliceToken, depositRequest{Token: "0x12", Amount: "1"})
	require.Equal(t, http.StatusBadRequest, res.Code)

	res = h.do(http.MethodPost, "/markets/"+marketAddr.Hex()+"/borrow", aliceToken, borrowRequest{Amount: "-3"})
	require.Equal(t, http.StatusBadRequest, res.Code)

	res = h.do(http.MethodGet, "/markets/"+alice.Hex()+"/positions/"+alice.Hex(), "", nil)
	require.Equal(t, http.StatusNotFound, res.Code)

	res = h.do(http.MethodPost, "/markets/"+marketAddr.Hex()+"/cook", aliceToken, cookRequest{Action: "juggle"})
	require.Equal(t, http.StatusBadRequest, res.Code)
}

func TestOracleRoutes(t *testing.T) {
	h := newHarness(t, defaultAuth(), RateLimit{})

	res := h.ok(http.MethodGet, "/oracle/price?feed=COLL/DEBT", "", nil)
	feed := decodeBody[feedResponse](t, res)
	require.Equal(t, "1", feed.Price)
	require.Equal(t, "manual", feed.Source)

	h.ok(http.MethodPost, "/oracle/prices", adminToken, priceRequest{Key: "COLL/DEBT", Price: "0.5"})
	res = h.ok(http.MethodGet, "/markets/"+marketAddr.Hex()+"/price", "", nil)
	require.Equal(t, "0.5", decodeBody[map[string]string](t, res)["price"])

	require.Equal(t, http.StatusNotFound, h.do(http.MethodGet, "/oracle/price?feed=NOPE", "", nil).Code)
	require.Equal(t, http.StatusBadRequest, h.do(http.MethodPost, "/oracle/prices", adminToken, priceRequest{Key: "COLL/DEBT", Price: "x"}).Code)
	require.Equal(t, http.StatusForbidden, h.do(http.MethodPost, "/oracle/prices", aliceToken, priceRequest{Key: "COLL/DEBT", Price: "2"}).Code)

	res = h.ok(http.MethodGet, "/oracle/feeds", "", nil)
	require.Equal(t, []string{"COLL/DEBT"}, decodeBody[map[string][]string](t, res)["feeds"])
}

func TestLiquidateRoute(t *testing.T) {
	h := newHarness(t, defaultAuth(), RateLimit{})
	h.seed()
	base := "/markets/" + marketAddr.Hex()
	h.ok(http.MethodPost, base+"/borrow", aliceToken, borrowRequest{Amount: "7500"})
	h.ok(http.MethodPost, "/oracle/prices", adminToken, priceRequest{Key: "COLL/DEBT", Price: "0.5"})

	// The lender liquidates from its own debt balance.
	h.fund(lenderToken, lender, debt, "1000")
	h.ok(http.MethodPost, "/vault/operator", lenderToken, operatorRequest{Operator: marketAddr.Hex(), Approved: true})
	res := h.ok(http.MethodPost, base+"/liquidate", lenderToken, liquidateRequest{
		Users:    []string{alice.Hex()},
		MaxDebts: []string{"300"},
	})
	kill := decodeBody[killResponse](t, res)
	require.Equal(t, "300", kill.DebtValue)
	require.Equal(t, "648", kill.CollateralShare)
	require.Equal(t, "64", kill.TreasuryShare)

	res = h.do(http.MethodPost, base+"/liquidate", lenderToken, liquidateRequest{Users: []string{alice.Hex()}})
	require.Equal(t, http.StatusBadRequest, res.Code)

	res = h.ok(http.MethodGet, "/events?limit=50", "", nil)
	var types []string
	for _, evt := range decodeBody[map[string][]eventResponse](t, res)["events"] {
		types = append(types, evt.Type)
	}
	require.Contains(t, types, "market.liquidate")
}

func TestRateLimitPerClient(t *testing.T) {
	h := newHarness(t, defaultAuth(), RateLimit{RequestsPerMinute: 1, Burst: 1})

	require.Equal(t, http.StatusOK, h.do(http.MethodGet, "/markets", aliceToken, nil).Code)
	res := h.do(http.MethodGet, "/markets", aliceToken, nil)
	require.Equal(t, http.StatusTooManyRequests, res.Code)
	require.Equal(t, "1", res.Header().Get("Retry-After"))

	// Another token has its own bucket.
	require.Equal(t, http.StatusOK, h.do(http.MethodGet, "/markets", lenderToken, nil).Code)
}

func TestRequestIDHeader(t *testing.T) {
	h := newHarness(t, defaultAuth(), RateLimit{})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(requestIDHeader, "abc-123")
	res := httptest.NewRecorder()
	h.h.ServeHTTP(res, req)
	require.Equal(t, "abc-123", res.Header().Get(requestIDHeader))

	res = h.do(http.MethodGet, "/healthz", "", nil)
	require.Len(t, res.Header().Get(requestIDHeader), 36)
}
