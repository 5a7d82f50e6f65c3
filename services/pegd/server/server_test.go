package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"pegkeeper/services/pegd/controller"
	"pegkeeper/services/pegd/ledger"
	"pegkeeper/services/pegd/oracle"
	"pegkeeper/services/pegd/storage"
	"pegkeeper/services/pegd/twamm"
)

var (
	controllerAddr = common.HexToAddress("0x00000000000000000000000000000000000c0de1")
	poolAddr       = common.HexToAddress("0x00000000000000000000000000000000000f00d5")
	ownerAddr      = common.HexToAddress("0x0000000000000000000000000000000000000a11")
	lpAddr         = common.HexToAddress("0x0000000000000000000000000000000000000b01")
	userAddr       = common.HexToAddress("0x0000000000000000000000000000000000000b02")

	e18 = uint256.NewInt(1_000_000_000_000_000_000)
)

const (
	ownerToken = "owner-token"
	jwtSecret  = "jwt-secret"
)

func tokens(n uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(n), e18)
}

type stubJournal struct {
	filter storage.EventFilter
	events []storage.EventRecord
}

func (s *stubJournal) ListEvents(_ context.Context, filter storage.EventFilter) ([]storage.EventRecord, error) {
	s.filter = filter
	return s.events, nil
}

type harness struct {
	srv     *httptest.Server
	ctrl    *controller.Controller
	ledger  *ledger.Ledger
	journal *stubJournal
	user    string
}

func newHarness(t *testing.T, burst int) *harness {
	t.Helper()
	now := time.Unix(1_699_999_200, 0).UTC()
	clock := func() time.Time { return now }

	balances := ledger.New()
	require.NoError(t, balances.Apply(
		ledger.Mint(ledger.FRAX, lpAddr, tokens(1_000_000)),
		ledger.Mint(ledger.FPI, lpAddr, tokens(1_000_000)),
		ledger.Mint(ledger.FRAX, userAddr, tokens(1_000)),
		ledger.Mint(ledger.FRAX, controllerAddr, tokens(1_000)),
	))
	pool, err := twamm.NewPool(balances, poolAddr, twamm.WithClock(clock))
	require.NoError(t, err)
	require.NoError(t, pool.AddLiquidity(context.Background(), lpAddr, tokens(1_000_000), tokens(1_000_000)))

	tracker, err := oracle.NewTracker(e18, 0, 0)
	require.NoError(t, err)
	prices, err := oracle.NewPrices(tracker)
	require.NoError(t, err)

	hub := NewHub(8, time.Second, nil)
	ctrl, err := controller.New(controller.Params{
		Address: controllerAddr,
		Owner:   ownerAddr,
		Fees: controller.FeePolicy{
			Mint:   controller.ManualFee{Fee: 3_000},
			Redeem: controller.ManualFee{Fee: 3_000},
		},
		Bands: controller.PegBands{Mint: 50_000, Redeem: 50_000, TWAMM: 100_000},
		Caps: controller.SafetyCaps{
			MintCap:       tokens(1_000),
			FRAXBorrowCap: tokens(500),
			MaxSwapIn:     [2]*uint256.Int{tokens(1_000), tokens(1_000)},
		},
	}, balances, pool, prices, controller.WithClock(clock), controller.WithEventSink(hub))
	require.NoError(t, err)

	journal := &stubJournal{}
	server, err := New(Config{
		Auth:      AuthConfig{OwnerToken: ownerToken, OwnerAddress: ownerAddr, JWTSecret: jwtSecret},
		RateLimit: 0.01,
		RateBurst: burst,
	}, ctrl, balances, journal, hub, WithMarket(pool))
	require.NoError(t, err)

	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)

	user, err := IssueToken(jwtSecret, "", controller.RoleUser, userAddr, time.Hour, time.Now())
	require.NoError(t, err)
	return &harness{srv: srv, ctrl: ctrl, ledger: balances, journal: journal, user: user}
}

func (h *harness) do(t *testing.T, method, path, token string, body any) (int, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, h.srv.URL+path, reader)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := h.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	out := make(map[string]any)
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func TestHealthAndStatus(t *testing.T) {
	h := newHarness(t, 10)
	status, body := h.do(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "ok", body["status"])

	status, body = h.do(t, http.MethodGet, "/v1/status", "", nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "1", body["cpi_peg_price"])
	require.Equal(t, "1", body["fpi_price"])
	require.Equal(t, true, body["within_mint_band"])
	require.Equal(t, ownerAddr.Hex(), body["owner"])
	require.Nil(t, body["pending_order"])
}

func TestMintRequiresAuth(t *testing.T) {
	h := newHarness(t, 10)
	status, _ := h.do(t, http.MethodPost, "/v1/mint", "", mintRequest{Amount: "100"})
	require.Equal(t, http.StatusUnauthorized, status)

	status, _ = h.do(t, http.MethodPost, "/v1/mint", "not-a-token", mintRequest{Amount: "100"})
	require.Equal(t, http.StatusUnauthorized, status)
}

func TestMintAndRedeemOverHTTP(t *testing.T) {
	h := newHarness(t, 10)
	status, body := h.do(t, http.MethodPost, "/v1/mint", h.user, mintRequest{Amount: "100", MinOut: "99"})
	require.Equal(t, http.StatusOK, status, body)
	require.Equal(t, "99.7", body["amount_out"])

	status, body = h.do(t, http.MethodGet, "/v1/balances/"+userAddr.Hex(), "", nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "900", body["frax"])
	require.Equal(t, "99.7", body["fpi"])

	status, body = h.do(t, http.MethodPost, "/v1/redeem", h.user, mintRequest{Amount: "10"})
	require.Equal(t, http.StatusOK, status, body)
	require.Equal(t, "9.97", body["amount_out"])

	status, body = h.do(t, http.MethodPost, "/v1/mint", h.user, mintRequest{Amount: "10", MinOut: "10"})
	require.Equal(t, http.StatusUnprocessableEntity, status)
	require.Contains(t, body["error"], "slippage")
}

func TestGovernanceRoutes(t *testing.T) {
	h := newHarness(t, 10)
	status, _ := h.do(t, http.MethodPost, "/v1/admin/toggle/mints", h.user, nil)
	require.Equal(t, http.StatusForbidden, status)

	status, body := h.do(t, http.MethodPost, "/v1/admin/toggle/mints", ownerToken, nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, true, body["paused"])

	status, _ = h.do(t, http.MethodPost, "/v1/mint", h.user, mintRequest{Amount: "1"})
	require.Equal(t, http.StatusConflict, status)

	status, _ = h.do(t, http.MethodPost, "/v1/admin/toggle/everything", ownerToken, nil)
	require.Equal(t, http.StatusNotFound, status)

	status, _ = h.do(t, http.MethodPost, "/v1/admin/caps", ownerToken, capsRequest{MintCap: "5", MaxSwapFPI: "7"})
	require.Equal(t, http.StatusOK, status)
	caps := h.ctrl.Snapshot().Caps
	require.True(t, caps.MintCap.Eq(tokens(5)))
	require.True(t, caps.MaxSwapIn[ledger.FPI].Eq(tokens(7)))
	require.True(t, caps.MaxSwapIn[ledger.FRAX].Eq(tokens(1_000)))

	status, _ = h.do(t, http.MethodPost, "/v1/admin/swap-period", ownerToken, periodRequest{Period: "10m"})
	require.Equal(t, http.StatusBadRequest, status)
	status, _ = h.do(t, http.MethodPost, "/v1/admin/swap-period", ownerToken, periodRequest{Period: "48h"})
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, 48*time.Hour, h.ctrl.Snapshot().SwapPeriod)
}

func TestOwnerTokenFollowsOwnershipTransfer(t *testing.T) {
	h := newHarness(t, 10)
	status, _ := h.do(t, http.MethodPost, "/v1/admin/nominate", ownerToken, addressRequest{Address: userAddr.Hex()})
	require.Equal(t, http.StatusOK, status)
	status, _ = h.do(t, http.MethodPost, "/v1/admin/accept", h.user, nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, userAddr, h.ctrl.CurrentOwner())

	status, body := h.do(t, http.MethodPost, "/v1/admin/toggle/redeems", ownerToken, nil)
	require.Equal(t, http.StatusOK, status, body)
	require.Equal(t, true, body["paused"])

	status, body = h.do(t, http.MethodGet, "/v1/status", "", nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, userAddr.Hex(), body["owner"])
}

func TestMarketSwapRoute(t *testing.T) {
	h := newHarness(t, 10)
	status, body := h.do(t, http.MethodPost, "/v1/swap", h.user, marketSwapRequest{Sell: "frax", Amount: "100", MinOut: "99"})
	require.Equal(t, http.StatusOK, status, body)
	require.Equal(t, "FRAX", body["sell"])
	require.Equal(t, "FPI", body["buy"])
	require.True(t, strings.HasPrefix(body["amount_out"].(string), "99."), body["amount_out"])
	require.True(t, h.ledger.Balance(ledger.FRAX, userAddr).Eq(tokens(900)))
	require.True(t, h.ledger.Balance(ledger.FPI, userAddr).Gt(tokens(99)))
	require.True(t, h.ledger.Balance(ledger.FPI, userAddr).Lt(tokens(100)))

	status, body = h.do(t, http.MethodPost, "/v1/swap", h.user, marketSwapRequest{Sell: "FPI", Amount: "50", MinOut: "50"})
	require.Equal(t, http.StatusUnprocessableEntity, status, body)

	status, _ = h.do(t, http.MethodPost, "/v1/swap", h.user, marketSwapRequest{Sell: "BTC", Amount: "1"})
	require.Equal(t, http.StatusBadRequest, status)

	status, _ = h.do(t, http.MethodPost, "/v1/swap", "", marketSwapRequest{Sell: "FRAX", Amount: "1"})
	require.Equal(t, http.StatusUnauthorized, status)
}

func TestTwammRoutes(t *testing.T) {
	h := newHarness(t, 10)
	status, body := h.do(t, http.MethodPost, "/v1/twamm/manual", ownerToken, twammManualRequest{FRAXSold: "100", Intervals: 4})
	require.Equal(t, http.StatusOK, status, body)
	require.Equal(t, "FRAX", body["sell"])
	require.Equal(t, "100", body["amount_in"])

	status, _ = h.do(t, http.MethodPost, "/v1/twamm/to-peg", ownerToken, twammToPegRequest{})
	require.Equal(t, http.StatusConflict, status)

	status, _ = h.do(t, http.MethodPost, "/v1/twamm/cancel", ownerToken, indexRequest{Index: 1})
	require.Equal(t, http.StatusBadRequest, status)

	status, body = h.do(t, http.MethodPost, "/v1/twamm/cancel", ownerToken, indexRequest{})
	require.Equal(t, http.StatusOK, status, body)
	// the sales rate floors, so the refund can fall short of the input by dust
	require.True(t, strings.HasPrefix(body["unsold"].(string), "99.9999"), body["unsold"])

	status, _ = h.do(t, http.MethodPost, "/v1/twamm/collect", ownerToken, indexRequest{})
	require.Equal(t, http.StatusConflict, status)
}

func TestEventsRouteForwardsFilter(t *testing.T) {
	h := newHarness(t, 10)
	h.journal.events = []storage.EventRecord{{Kind: "mint", Actor: userAddr.Hex()}}
	status, body := h.do(t, http.MethodGet, "/v1/events?kind=mint&limit=5&since=2024-01-02T03:04:05Z", ownerToken, nil)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, body["events"], 1)
	require.Equal(t, "mint", h.journal.filter.Kind)
	require.Equal(t, 5, h.journal.filter.Limit)
	require.Equal(t, 2024, h.journal.filter.Since.Year())

	status, _ = h.do(t, http.MethodGet, "/v1/events?limit=-1", ownerToken, nil)
	require.Equal(t, http.StatusBadRequest, status)
}

func TestBadRequests(t *testing.T) {
	h := newHarness(t, 10)
	status, _ := h.do(t, http.MethodGet, "/v1/balances/nope", "", nil)
	require.Equal(t, http.StatusBadRequest, status)

	status, _ = h.do(t, http.MethodPost, "/v1/mint", h.user, map[string]string{"amount": "1", "extra": "x"})
	require.Equal(t, http.StatusBadRequest, status)

	status, _ = h.do(t, http.MethodPost, "/v1/mint", h.user, mintRequest{Amount: "-1"})
	require.Equal(t, http.StatusBadRequest, status)
}

func TestRateLimitPerCaller(t *testing.T) {
	h := newHarness(t, 1)
	status, _ := h.do(t, http.MethodPost, "/v1/mint", h.user, mintRequest{Amount: "1"})
	require.Equal(t, http.StatusOK, status)
	status, _ = h.do(t, http.MethodPost, "/v1/mint", h.user, mintRequest{Amount: "1"})
	require.Equal(t, http.StatusTooManyRequests, status)
}

func TestJWTRejectsGovernanceRole(t *testing.T) {
	auth := NewAuthenticator(AuthConfig{JWTSecret: jwtSecret})
	token, err := IssueToken(jwtSecret, "", controller.RoleOwner, userAddr, time.Hour, time.Now())
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	_, err = auth.Resolve(req)
	require.ErrorIs(t, err, errInvalidToken)

	amoToken, err := IssueToken(jwtSecret, "", controller.RoleAMO, userAddr, time.Hour, time.Now())
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+amoToken)
	p, err := auth.Resolve(req)
	require.NoError(t, err)
	require.Equal(t, controller.AMOMember(userAddr), p)

	expired, err := IssueToken(jwtSecret, "", controller.RoleUser, userAddr, time.Minute, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+expired)
	_, err = auth.Resolve(req)
	require.ErrorIs(t, err, errInvalidToken)
}

func TestStatusMapping(t *testing.T) {
	cases := map[error]int{
		controller.ErrNotOwnerOrTimelock:       http.StatusForbidden,
		controller.ErrOrderPending:             http.StatusConflict,
		controller.ErrMintCap:                  http.StatusUnprocessableEntity,
		controller.ErrInvalidFee:               http.StatusBadRequest,
		ledger.ErrInsufficientBalance:          http.StatusUnprocessableEntity,
		fmt.Errorf("wrap: %w", controller.ErrAtPeg): http.StatusConflict,
		errors.New("boom"):                     http.StatusInternalServerError,
	}
	for err, want := range cases {
		require.Equal(t, want, statusFor(err), err.Error())
	}
}

func TestDecimalHelpers(t *testing.T) {
	v, err := ParseE18(" 12.5 ")
	require.NoError(t, err)
	require.Equal(t, "12500000000000000000", v.Dec())
	require.Equal(t, "12.5", FormatE18(v))
	require.Equal(t, "0", FormatE18(nil))
	_, err = ParseE18("twelve")
	require.Error(t, err)
}

func TestHubStreamsEvents(t *testing.T) {
	hub := NewHub(4, time.Second, nil)
	srv := httptest.NewServer(hub)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"?kind=mint", nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	require.Eventually(t, func() bool { return hub.Subscribers() == 1 }, 2*time.Second, 10*time.Millisecond)
	hub.Publish(ctx, controller.Event{Kind: "redeem", Actor: "a"})
	hub.Publish(ctx, controller.Event{Kind: "mint", Actor: "b", Fields: map[string]string{"frax_in": "1"}})

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var payload EventPayload
	require.NoError(t, json.Unmarshal(data, &payload))
	require.Equal(t, "mint", payload.Kind)
	require.Equal(t, "b", payload.Actor)
	require.Equal(t, "1", payload.Fields["frax_in"])
}

func TestHubDropsForSlowSubscriber(t *testing.T) {
	hub := NewHub(1, time.Second, nil)
	events, unsubscribe := hub.Subscribe()
	hub.Publish(context.Background(), controller.Event{Kind: "mint"})
	hub.Publish(context.Background(), controller.Event{Kind: "redeem"})
	require.Equal(t, "mint", (<-events).Kind)
	unsubscribe()
	unsubscribe()
	require.Equal(t, 0, hub.Subscribers())
}
