package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"pegkeeper/services/pegd/controller"
	"pegkeeper/services/pegd/ledger"
	"pegkeeper/services/pegd/oracle"
	"pegkeeper/services/pegd/storage"
	"pegkeeper/services/pegd/twamm"
)

const maxBodyBytes = 1 << 16

// BalanceReader exposes ledger balances.
type BalanceReader interface {
	Balance(asset ledger.Asset, account common.Address) *uint256.Int
}

// EventLister reads the event journal.
type EventLister interface {
	ListEvents(ctx context.Context, filter storage.EventFilter) ([]storage.EventRecord, error)
}

// Market is the pool's instant-swap surface.
type Market interface {
	Swap(ctx context.Context, trader common.Address, sell ledger.Asset, amountIn, minOut *uint256.Int) (*uint256.Int, error)
}

// Config wires the HTTP surface.
type Config struct {
	Auth      AuthConfig
	RateLimit float64
	RateBurst int
}

// Server exposes the controller over HTTP.
type Server struct {
	ctrl     *controller.Controller
	balances BalanceReader
	journal  EventLister
	hub      *Hub
	market   Market
	auth     *Authenticator
	limiter  *RateLimiter
	logger   *slog.Logger
	clock    func() time.Time
}

// Option customises a Server.
type Option func(*Server)

// WithMarket enables the instant swap route against the pool.
func WithMarket(m Market) Option {
	return func(s *Server) {
		s.market = m
	}
}

// New constructs a server. journal and hub may be nil.
func New(cfg Config, ctrl *controller.Controller, balances BalanceReader, journal EventLister, hub *Hub, opts ...Option) (*Server, error) {
	if ctrl == nil {
		return nil, fmt.Errorf("server: controller required")
	}
	if balances == nil {
		return nil, fmt.Errorf("server: balances required")
	}
	s := &Server{
		ctrl:     ctrl,
		balances: balances,
		journal:  journal,
		hub:      hub,
		auth:     NewAuthenticator(cfg.Auth).WithOwnerLookup(ctrl.CurrentOwner),
		limiter:  NewRateLimiter(cfg.RateLimit, cfg.RateBurst),
		logger:   slog.Default().With("component", "pegd/server"),
		clock:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// Handler returns the instrumented router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/balances/{address}", s.handleBalances)
		if s.hub != nil {
			r.Handle("/stream", s.hub)
		}

		r.Group(func(r chi.Router) {
			r.Use(s.auth.Middleware)
			r.Get("/events", s.handleEvents)

			r.Group(func(r chi.Router) {
				r.Use(s.limiter.Middleware)
				r.Post("/mint", s.handleMint)
				r.Post("/redeem", s.handleRedeem)
				if s.market != nil {
					r.Post("/swap", s.handleMarketSwap)
				}
			})

			r.Post("/twamm/manual", s.handleTwammManual)
			r.Post("/twamm/to-peg", s.handleTwammToPeg)
			r.Post("/twamm/cancel", s.handleCancel)
			r.Post("/twamm/collect", s.handleCollect)

			r.Post("/amo/give", s.handleGiveToAMO)
			r.Post("/amo/receive", s.handleReceiveFromAMO)

			r.Route("/admin", func(r chi.Router) {
				r.Post("/amos", s.handleAddAMO)
				r.Delete("/amos/{address}", s.handleRemoveAMO)
				r.Post("/fees", s.handleSetFees)
				r.Post("/bands", s.handleSetBands)
				r.Post("/caps", s.handleSetCaps)
				r.Post("/swap-period", s.handleSetSwapPeriod)
				r.Post("/timelock", s.handleSetTimelock)
				r.Post("/toggle/{what}", s.handleToggle)
				r.Post("/nominate", s.handleNominate)
				r.Post("/accept", s.handleAccept)
			})
		})
	})
	return otelhttp.NewHandler(r, "pegd")
}

type statusResponse struct {
	Time             time.Time          `json:"time"`
	CPIPegPrice      string             `json:"cpi_peg_price"`
	FPIPrice         string             `json:"fpi_price"`
	FPIPriceUSD      string             `json:"fpi_price_usd"`
	FRAXPriceUSD     string             `json:"frax_price_usd"`
	PriceDiffFracAbs uint64             `json:"price_diff_frac_abs"`
	CollatImbalance  int64              `json:"collat_imbalance"`
	WithinMintBand   bool               `json:"within_mint_band"`
	WithinRedeemBand bool               `json:"within_redeem_band"`
	MintsPaused      bool               `json:"mints_paused"`
	RedeemsPaused    bool               `json:"redeems_paused"`
	FPIMinted        string             `json:"fpi_minted"`
	FRAXBorrowed     string             `json:"frax_borrowed"`
	Fees             map[string]any     `json:"fees"`
	Bands            controller.PegBands `json:"bands"`
	Caps             map[string]string  `json:"caps"`
	SwapPeriod       string             `json:"swap_period"`
	Owner            string             `json:"owner"`
	Timelock         string             `json:"timelock"`
	AMOs             map[string]string  `json:"amos"`
	PendingOrder     *orderResponse     `json:"pending_order,omitempty"`
}

type orderResponse struct {
	ID          uint64    `json:"id"`
	Sell        string    `json:"sell"`
	AmountIn    string    `json:"amount_in"`
	Remaining   string    `json:"remaining"`
	Collected   string    `json:"collected"`
	Intervals   uint64    `json:"intervals"`
	SubmittedAt time.Time `json:"submitted_at"`
	Expiry      time.Time `json:"expiry"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	info, err := s.ctrl.PriceInfo(ctx)
	if err != nil {
		s.writeControllerError(w, err)
		return
	}
	status, err := s.ctrl.PegStatusMntRdm(ctx)
	if err != nil {
		s.writeControllerError(w, err)
		return
	}
	usd, err := s.ctrl.GetFPIPriceE18(ctx)
	if err != nil {
		s.writeControllerError(w, err)
		return
	}
	snap := s.ctrl.Snapshot()
	amos := make(map[string]string, len(snap.AMOs))
	for addr, borrowed := range snap.AMOs {
		amos[addr.Hex()] = FormatE18(borrowed)
	}
	now := s.clock()
	resp := statusResponse{
		Time:             now,
		CPIPegPrice:      FormatE18(info.CPIPegPrice),
		FPIPrice:         FormatE18(info.FPIPrice),
		FPIPriceUSD:      FormatE18(usd),
		FRAXPriceUSD:     FormatE18(s.ctrl.GetFRAXPriceE18()),
		PriceDiffFracAbs: info.PriceDiffFracAbs,
		CollatImbalance:  info.CollatImbalance,
		WithinMintBand:   status.WithinMintBand,
		WithinRedeemBand: status.WithinRedeemBand,
		MintsPaused:      snap.MintsPaused,
		RedeemsPaused:    snap.RedeemsPaused,
		FPIMinted:        FormatE18(snap.FPIMinted),
		FRAXBorrowed:     FormatE18(snap.FRAXBorrowed),
		Fees:             map[string]any{"mint": describeFee(snap.Fees.Mint), "redeem": describeFee(snap.Fees.Redeem)},
		Bands:            snap.Bands,
		Caps: map[string]string{
			"mint_cap":        FormatE18(snap.Caps.MintCap),
			"frax_borrow_cap": FormatE18(snap.Caps.FRAXBorrowCap),
			"max_swap_frax":   FormatE18(snap.Caps.MaxSwapIn[ledger.FRAX]),
			"max_swap_fpi":    FormatE18(snap.Caps.MaxSwapIn[ledger.FPI]),
		},
		SwapPeriod: snap.SwapPeriod.String(),
		Owner:      snap.Owner.Hex(),
		Timelock:   snap.Timelock.Hex(),
		AMOs:       amos,
	}
	if snap.Order != nil {
		order := toOrderResponse(*snap.Order, now)
		resp.PendingOrder = &order
	}
	writeJSON(w, http.StatusOK, resp)
}

func describeFee(mode controller.FeeMode) map[string]any {
	switch m := mode.(type) {
	case controller.ManualFee:
		return map[string]any{"mode": "manual", "fee": m.Fee}
	case controller.DeltaFee:
		return map[string]any{"mode": "delta", "min": m.Min, "max": m.Max}
	default:
		return map[string]any{"mode": "unset"}
	}
}

func toOrderResponse(order controller.PendingOrder, now time.Time) orderResponse {
	return orderResponse{
		ID:          order.ID,
		Sell:        order.Sell.String(),
		AmountIn:    FormatE18(order.AmountIn),
		Remaining:   FormatE18(order.Remaining(now)),
		Collected:   FormatE18(order.Collected),
		Intervals:   order.Intervals,
		SubmittedAt: order.SubmittedAt,
		Expiry:      order.Expiry,
	}
}

func (s *Server) handleBalances(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "address")
	if !common.IsHexAddress(raw) {
		writeError(w, http.StatusBadRequest, errors.New("invalid address"))
		return
	}
	addr := common.HexToAddress(raw)
	writeJSON(w, http.StatusOK, map[string]string{
		"address": addr.Hex(),
		"frax":    FormatE18(s.balances.Balance(ledger.FRAX, addr)),
		"fpi":     FormatE18(s.balances.Balance(ledger.FPI, addr)),
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("event journal unavailable"))
		return
	}
	query := r.URL.Query()
	filter := storage.EventFilter{Kind: strings.TrimSpace(query.Get("kind"))}
	if raw := strings.TrimSpace(query.Get("since")); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid since: %w", err))
			return
		}
		filter.Since = since
	}
	if raw := strings.TrimSpace(query.Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, errors.New("invalid limit"))
			return
		}
		filter.Limit = limit
	}
	events, err := s.journal.ListEvents(r.Context(), filter)
	if err != nil {
		s.logger.Error("list events", "error", err)
		writeError(w, http.StatusInternalServerError, errors.New("list events failed"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

type mintRequest struct {
	Amount string `json:"amount"`
	MinOut string `json:"min_out"`
}

func (s *Server) handleMint(w http.ResponseWriter, r *http.Request) {
	s.handleSwap(w, r, s.ctrl.Mint)
}

func (s *Server) handleRedeem(w http.ResponseWriter, r *http.Request) {
	s.handleSwap(w, r, s.ctrl.Redeem)
}

type marketSwapRequest struct {
	Sell   string `json:"sell"`
	Amount string `json:"amount"`
	MinOut string `json:"min_out"`
}

func (s *Server) handleMarketSwap(w http.ResponseWriter, r *http.Request) {
	var req marketSwapRequest
	if !decodeBody(w, r, &req) {
		return
	}
	sell, err := ledger.ParseAsset(req.Sell)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("sell: %w", err))
		return
	}
	amount, err := ParseE18(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("amount: %w", err))
		return
	}
	minOut, err := parseOptionalE18(req.MinOut)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("min_out: %w", err))
		return
	}
	out, err := s.market.Swap(r.Context(), mustPrincipal(r).Address, sell, amount, minOut)
	if err != nil {
		s.writeControllerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"sell":       sell.String(),
		"buy":        sell.Other().String(),
		"amount_in":  FormatE18(amount),
		"amount_out": FormatE18(out),
	})
}

type swapFunc func(ctx context.Context, p controller.Principal, in, minOut *uint256.Int) (*uint256.Int, error)

func (s *Server) handleSwap(w http.ResponseWriter, r *http.Request, fn swapFunc) {
	var req mintRequest
	if !decodeBody(w, r, &req) {
		return
	}
	amount, err := ParseE18(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("amount: %w", err))
		return
	}
	var minOut *uint256.Int
	if strings.TrimSpace(req.MinOut) != "" {
		if minOut, err = ParseE18(req.MinOut); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("min_out: %w", err))
			return
		}
	}
	out, err := fn(r.Context(), mustPrincipal(r), amount, minOut)
	if err != nil {
		s.writeControllerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"amount_in": FormatE18(amount), "amount_out": FormatE18(out)})
}

type twammManualRequest struct {
	FRAXSold  string `json:"frax_sold"`
	FPISold   string `json:"fpi_sold"`
	Intervals uint64 `json:"intervals"`
}

func (s *Server) handleTwammManual(w http.ResponseWriter, r *http.Request) {
	var req twammManualRequest
	if !decodeBody(w, r, &req) {
		return
	}
	fraxSold, err := parseOptionalE18(req.FRAXSold)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("frax_sold: %w", err))
		return
	}
	fpiSold, err := parseOptionalE18(req.FPISold)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("fpi_sold: %w", err))
		return
	}
	order, err := s.ctrl.TwammManual(r.Context(), mustPrincipal(r), fraxSold, fpiSold, req.Intervals)
	if err != nil {
		s.writeControllerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponse(order, order.SubmittedAt))
}

type twammToPegRequest struct {
	Override string `json:"override"`
}

func (s *Server) handleTwammToPeg(w http.ResponseWriter, r *http.Request) {
	var req twammToPegRequest
	if !decodeBody(w, r, &req) {
		return
	}
	override, err := parseOptionalE18(req.Override)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("override: %w", err))
		return
	}
	order, err := s.ctrl.TwammToPeg(r.Context(), mustPrincipal(r), override)
	if err != nil {
		s.writeControllerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponse(order, order.SubmittedAt))
}

type indexRequest struct {
	Index uint64 `json:"index"`
}

type settlementResponse struct {
	OrderID  uint64 `json:"order_id"`
	Sell     string `json:"sell"`
	Unsold   string `json:"unsold"`
	Proceeds string `json:"proceeds"`
	Closed   bool   `json:"closed"`
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	s.handleSettle(w, r, s.ctrl.CancelCurrentOrder)
}

func (s *Server) handleCollect(w http.ResponseWriter, r *http.Request) {
	s.handleSettle(w, r, s.ctrl.CollectCurrentProceeds)
}

func (s *Server) handleSettle(w http.ResponseWriter, r *http.Request, fn func(context.Context, controller.Principal, uint64) (twamm.Settlement, error)) {
	var req indexRequest
	if !decodeBody(w, r, &req) {
		return
	}
	settlement, err := fn(r.Context(), mustPrincipal(r), req.Index)
	if err != nil {
		s.writeControllerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, settlementResponse{
		OrderID:  settlement.OrderID,
		Sell:     settlement.Sell.String(),
		Unsold:   FormatE18(settlement.Unsold),
		Proceeds: FormatE18(settlement.Proceeds),
		Closed:   settlement.Closed,
	})
}

type amoRequest struct {
	AMO    string `json:"amo"`
	Amount string `json:"amount"`
}

func (s *Server) handleGiveToAMO(w http.ResponseWriter, r *http.Request) {
	var req amoRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if !common.IsHexAddress(req.AMO) {
		writeError(w, http.StatusBadRequest, errors.New("amo: invalid address"))
		return
	}
	amount, err := ParseE18(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("amount: %w", err))
		return
	}
	if err := s.ctrl.GiveFRAXToAMO(r.Context(), mustPrincipal(r), common.HexToAddress(req.AMO), amount); err != nil {
		s.writeControllerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"amo": common.HexToAddress(req.AMO).Hex(), "amount": FormatE18(amount)})
}

func (s *Server) handleReceiveFromAMO(w http.ResponseWriter, r *http.Request) {
	var req amoRequest
	if !decodeBody(w, r, &req) {
		return
	}
	amount, err := ParseE18(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("amount: %w", err))
		return
	}
	p := mustPrincipal(r)
	if err := s.ctrl.ReceiveFRAXFromAMO(r.Context(), p, amount); err != nil {
		s.writeControllerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"amo": p.Address.Hex(), "amount": FormatE18(amount)})
}

type addressRequest struct {
	Address string `json:"address"`
}

func (s *Server) handleAddAMO(w http.ResponseWriter, r *http.Request) {
	var req addressRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if !common.IsHexAddress(req.Address) {
		writeError(w, http.StatusBadRequest, errors.New("invalid address"))
		return
	}
	s.respondMutation(w, s.ctrl.AddAMO(r.Context(), mustPrincipal(r), common.HexToAddress(req.Address)))
}

func (s *Server) handleRemoveAMO(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "address")
	if !common.IsHexAddress(raw) {
		writeError(w, http.StatusBadRequest, errors.New("invalid address"))
		return
	}
	s.respondMutation(w, s.ctrl.RemoveAMO(r.Context(), mustPrincipal(r), common.HexToAddress(raw)))
}

type feesRequest struct {
	MintManual   bool   `json:"mint_manual"`
	MintFee      uint64 `json:"mint_fee"`
	MintFeeMax   uint64 `json:"mint_fee_max"`
	RedeemManual bool   `json:"redeem_manual"`
	RedeemFee    uint64 `json:"redeem_fee"`
	RedeemFeeMax uint64 `json:"redeem_fee_max"`
}

func (s *Server) handleSetFees(w http.ResponseWriter, r *http.Request) {
	var req feesRequest
	if !decodeBody(w, r, &req) {
		return
	}
	s.respondMutation(w, s.ctrl.SetMintRedeemFees(r.Context(), mustPrincipal(r),
		req.MintManual, req.MintFee, req.MintFeeMax,
		req.RedeemManual, req.RedeemFee, req.RedeemFeeMax))
}

func (s *Server) handleSetBands(w http.ResponseWriter, r *http.Request) {
	var req controller.PegBands
	if !decodeBody(w, r, &req) {
		return
	}
	s.respondMutation(w, s.ctrl.SetPegBands(r.Context(), mustPrincipal(r), req))
}

type capsRequest struct {
	MintCap       string `json:"mint_cap"`
	FRAXBorrowCap string `json:"frax_borrow_cap"`
	MaxSwapFRAX   string `json:"max_swap_frax"`
	MaxSwapFPI    string `json:"max_swap_fpi"`
}

// handleSetCaps applies every cap present in the body.
func (s *Server) handleSetCaps(w http.ResponseWriter, r *http.Request) {
	var req capsRequest
	if !decodeBody(w, r, &req) {
		return
	}
	ctx, p := r.Context(), mustPrincipal(r)
	if req.MintCap != "" {
		v, err := ParseE18(req.MintCap)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("mint_cap: %w", err))
			return
		}
		if err := s.ctrl.SetMintCap(ctx, p, v); err != nil {
			s.writeControllerError(w, err)
			return
		}
	}
	if req.FRAXBorrowCap != "" {
		v, err := ParseE18(req.FRAXBorrowCap)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("frax_borrow_cap: %w", err))
			return
		}
		if err := s.ctrl.SetFRAXBorrowCap(ctx, p, v); err != nil {
			s.writeControllerError(w, err)
			return
		}
	}
	if req.MaxSwapFRAX != "" || req.MaxSwapFPI != "" {
		current := s.ctrl.Snapshot().Caps.MaxSwapIn
		maxFRAX, maxFPI := current[ledger.FRAX], current[ledger.FPI]
		var err error
		if req.MaxSwapFRAX != "" {
			if maxFRAX, err = ParseE18(req.MaxSwapFRAX); err != nil {
				writeError(w, http.StatusBadRequest, fmt.Errorf("max_swap_frax: %w", err))
				return
			}
		}
		if req.MaxSwapFPI != "" {
			if maxFPI, err = ParseE18(req.MaxSwapFPI); err != nil {
				writeError(w, http.StatusBadRequest, fmt.Errorf("max_swap_fpi: %w", err))
				return
			}
		}
		if err := s.ctrl.SetTWAMMMaxSwapIn(ctx, p, maxFRAX, maxFPI); err != nil {
			s.writeControllerError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type periodRequest struct {
	Period string `json:"period"`
}

func (s *Server) handleSetSwapPeriod(w http.ResponseWriter, r *http.Request) {
	var req periodRequest
	if !decodeBody(w, r, &req) {
		return
	}
	period, err := time.ParseDuration(strings.TrimSpace(req.Period))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("period: %w", err))
		return
	}
	s.respondMutation(w, s.ctrl.SetSwapPeriod(r.Context(), mustPrincipal(r), period))
}

func (s *Server) handleSetTimelock(w http.ResponseWriter, r *http.Request) {
	var req addressRequest
	if !decodeBody(w, r, &req) {
		return
	}
	var addr common.Address
	if req.Address != "" {
		if !common.IsHexAddress(req.Address) {
			writeError(w, http.StatusBadRequest, errors.New("invalid address"))
			return
		}
		addr = common.HexToAddress(req.Address)
	}
	s.respondMutation(w, s.ctrl.SetTimelock(r.Context(), mustPrincipal(r), addr))
}

func (s *Server) handleToggle(w http.ResponseWriter, r *http.Request) {
	var (
		paused bool
		err    error
	)
	switch chi.URLParam(r, "what") {
	case "mints":
		paused, err = s.ctrl.ToggleMints(r.Context(), mustPrincipal(r))
	case "redeems":
		paused, err = s.ctrl.ToggleRedeems(r.Context(), mustPrincipal(r))
	default:
		writeError(w, http.StatusNotFound, errors.New("unknown toggle"))
		return
	}
	if err != nil {
		s.writeControllerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"paused": paused})
}

func (s *Server) handleNominate(w http.ResponseWriter, r *http.Request) {
	var req addressRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if !common.IsHexAddress(req.Address) {
		writeError(w, http.StatusBadRequest, errors.New("invalid address"))
		return
	}
	s.respondMutation(w, s.ctrl.NominateNewOwner(r.Context(), mustPrincipal(r), common.HexToAddress(req.Address)))
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	s.respondMutation(w, s.ctrl.AcceptOwnership(r.Context(), mustPrincipal(r)))
}

func (s *Server) respondMutation(w http.ResponseWriter, err error) {
	if err != nil {
		s.writeControllerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) writeControllerError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("controller call failed", "error", err)
	}
	writeError(w, status, err)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, controller.ErrNotOwnerOrTimelock),
		errors.Is(err, controller.ErrNotNominated),
		errors.Is(err, controller.ErrInvalidAMO):
		return http.StatusForbidden
	case errors.Is(err, controller.ErrMintsPaused),
		errors.Is(err, controller.ErrRedeemsPaused),
		errors.Is(err, controller.ErrPegBandMint),
		errors.Is(err, controller.ErrPegBandRedeem),
		errors.Is(err, controller.ErrPegBandTWAMM),
		errors.Is(err, controller.ErrOrderPending),
		errors.Is(err, controller.ErrNoPendingOrder),
		errors.Is(err, controller.ErrAtPeg),
		errors.Is(err, controller.ErrAMOExists):
		return http.StatusConflict
	case errors.Is(err, controller.ErrSlippageMint),
		errors.Is(err, controller.ErrSlippageRedeem),
		errors.Is(err, controller.ErrMintCap),
		errors.Is(err, controller.ErrBorrowCap),
		errors.Is(err, controller.ErrTooMuchFPISold),
		errors.Is(err, controller.ErrTooMuchFRAXSold),
		errors.Is(err, controller.ErrInsufficientFRAX),
		errors.Is(err, ledger.ErrInsufficientBalance),
		errors.Is(err, twamm.ErrSlippage),
		errors.Is(err, twamm.ErrInsufficientLiquidity):
		return http.StatusUnprocessableEntity
	case errors.Is(err, controller.ErrInvalidAmount),
		errors.Is(err, controller.ErrInvalidOrder),
		errors.Is(err, controller.ErrInvalidIndex),
		errors.Is(err, controller.ErrInvalidFee),
		errors.Is(err, controller.ErrInvalidBand),
		errors.Is(err, controller.ErrInvalidSwapPeriod),
		errors.Is(err, controller.ErrInvalidAccount),
		errors.Is(err, twamm.ErrInvalidAmount),
		errors.Is(err, twamm.ErrInvalidAsset):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func mustPrincipal(r *http.Request) controller.Principal {
	p, _ := principalFrom(r.Context())
	return p
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid body: %w", err))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// ParseE18 converts a human decimal such as "12.5" into 1e18 fixed point.
func ParseE18(raw string) (*uint256.Int, error) {
	value, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return nil, err
	}
	return oracle.ToE18(value)
}

func parseOptionalE18(raw string) (*uint256.Int, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	return ParseE18(raw)
}

// FormatE18 renders a 1e18 fixed point amount as a human decimal.
func FormatE18(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return decimal.NewFromBigInt(v.ToBig(), -18).String()
}
