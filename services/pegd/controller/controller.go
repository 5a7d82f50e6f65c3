package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pegkeeper/observability"
	"pegkeeper/services/pegd/ledger"
	"pegkeeper/services/pegd/twamm"
)

// PricePrecision is the scale of fee, band and deviation fractions.
const PricePrecision = 1_000_000

const (
	// DefaultSwapPeriod is the duration of an order submitted without an interval count.
	DefaultSwapPeriod = 7 * 24 * time.Hour
	// DefaultCallTimeout bounds each order book and oracle call.
	DefaultCallTimeout = 5 * time.Second
)

var (
	ErrMintsPaused        = errors.New("mints paused")
	ErrRedeemsPaused      = errors.New("redeems paused")
	ErrMintCap            = errors.New("fpi mint cap")
	ErrPegBandMint        = errors.New("peg band [mint]")
	ErrPegBandRedeem      = errors.New("peg band [redeem]")
	ErrPegBandTWAMM       = errors.New("peg band [twamm]")
	ErrSlippageMint       = errors.New("slippage [mint]")
	ErrSlippageRedeem     = errors.New("slippage [redeem]")
	ErrTooMuchFPISold     = errors.New("too much fpi sold")
	ErrTooMuchFRAXSold    = errors.New("too much frax sold")
	ErrInvalidAMO         = errors.New("invalid amo")
	ErrAMOExists          = errors.New("amo already whitelisted")
	ErrBorrowCap          = errors.New("borrow cap")
	ErrNotOwnerOrTimelock = errors.New("not owner or timelock")
	ErrNotNominated       = errors.New("not nominated owner")
	ErrOrderPending       = errors.New("twamm order already pending")
	ErrNoPendingOrder     = errors.New("no pending twamm order")
	ErrInvalidIndex       = errors.New("invalid twamm order index")
	ErrInvalidOrder       = errors.New("exactly one of frax or fpi must be sold")
	ErrAtPeg              = errors.New("already at peg")
	ErrInvalidAmount      = errors.New("amount must be positive")
	ErrInvalidFee         = errors.New("invalid fee")
	ErrInvalidBand        = errors.New("invalid peg band")
	ErrInvalidSwapPeriod  = errors.New("invalid swap period")
	ErrInsufficientFRAX   = errors.New("insufficient frax")
	ErrInvalidAccount     = errors.New("invalid account")
)

// OrderBook is the TWAMM venue the controller trades through.
type OrderBook interface {
	Reserves(ctx context.Context) (twamm.Reserves, error)
	SubmitOrder(ctx context.Context, owner common.Address, sell ledger.Asset, amount *uint256.Int, intervals uint64) (twamm.Order, error)
	CancelOrder(ctx context.Context, owner common.Address, id uint64) (twamm.Settlement, error)
	WithdrawProceeds(ctx context.Context, owner common.Address, id uint64) (twamm.Settlement, error)
	OrderInterval() time.Duration
	FeeBps() uint64
}

// PriceOracle supplies the CPI peg and the FRAX dollar price.
type PriceOracle interface {
	CPIPegPrice(now time.Time) *uint256.Int
	FRAXPriceE18() *uint256.Int
}

// Ledger moves token balances.
type Ledger interface {
	Apply(ops ...ledger.Op) error
	Balance(asset ledger.Asset, account common.Address) *uint256.Int
}

// Store persists controller state. SaveState is called before a state change is
// acknowledged.
type Store interface {
	SaveState(ctx context.Context, state State) error
}

// EventSink receives an event after each successful mutation.
type EventSink interface {
	Publish(ctx context.Context, event Event)
}

// Params configures a new controller.
type Params struct {
	Address     common.Address
	Owner       common.Address
	Timelock    common.Address
	Fees        FeePolicy
	Bands       PegBands
	Caps        SafetyCaps
	SwapPeriod  time.Duration
	CallTimeout time.Duration
	AMOs        []common.Address
}

// Controller keeps FPI on its CPI peg: it mints and redeems against FRAX, streams
// rebalancing sales through a TWAMM order book, and lends FRAX to whitelisted AMOs.
// All operations are serialized by a single mutex.
type Controller struct {
	mu          sync.Mutex
	address     common.Address
	ledger      Ledger
	book        OrderBook
	oracle      PriceOracle
	store       Store
	sinks       []EventSink
	clock       func() time.Time
	callTimeout time.Duration
	metrics     *observability.PegControllerMetrics
	tracer      trace.Tracer

	owner          common.Address
	nominatedOwner common.Address
	timelock       common.Address
	mintsPaused    bool
	redeemsPaused  bool
	fees           FeePolicy
	bands          PegBands
	caps           SafetyCaps
	swapPeriod     time.Duration
	amos           map[common.Address]*uint256.Int
	fpiMinted      *uint256.Int
	fraxBorrowed   *uint256.Int
	slot           OrderSlot
}

// Option customises a Controller.
type Option func(*Controller)

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(c *Controller) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// WithStore persists state changes through store.
func WithStore(store Store) Option {
	return func(c *Controller) {
		c.store = store
	}
}

// WithEventSink adds an event subscriber.
func WithEventSink(sink EventSink) Option {
	return func(c *Controller) {
		if sink != nil {
			c.sinks = append(c.sinks, sink)
		}
	}
}

// WithMetrics overrides the metrics registry.
func WithMetrics(metrics *observability.PegControllerMetrics) Option {
	return func(c *Controller) {
		c.metrics = metrics
	}
}

// New constructs a controller around its collaborators.
func New(params Params, balances Ledger, book OrderBook, oracle PriceOracle, opts ...Option) (*Controller, error) {
	if balances == nil {
		return nil, fmt.Errorf("controller: ledger required")
	}
	if book == nil {
		return nil, fmt.Errorf("controller: order book required")
	}
	if oracle == nil {
		return nil, fmt.Errorf("controller: price oracle required")
	}
	if params.Address == (common.Address{}) {
		return nil, fmt.Errorf("controller: address required")
	}
	if params.Owner == (common.Address{}) {
		return nil, fmt.Errorf("controller: owner required")
	}
	if err := params.Fees.validate(); err != nil {
		return nil, fmt.Errorf("controller: %w", err)
	}
	if err := params.Bands.validate(); err != nil {
		return nil, fmt.Errorf("controller: %w", err)
	}
	swapPeriod := params.SwapPeriod
	if swapPeriod <= 0 {
		swapPeriod = DefaultSwapPeriod
	}
	if swapPeriod < book.OrderInterval() {
		return nil, fmt.Errorf("controller: swap period %s shorter than order interval %s", swapPeriod, book.OrderInterval())
	}
	callTimeout := params.CallTimeout
	if callTimeout <= 0 {
		callTimeout = DefaultCallTimeout
	}
	c := &Controller{
		address:      params.Address,
		ledger:       balances,
		book:         book,
		oracle:       oracle,
		clock:        time.Now,
		callTimeout:  callTimeout,
		metrics:      observability.PegController(),
		tracer:       otel.Tracer("pegd/controller"),
		owner:        params.Owner,
		timelock:     params.Timelock,
		fees:         params.Fees,
		bands:        params.Bands,
		caps:         params.Caps.clone(),
		swapPeriod:   swapPeriod,
		amos:         make(map[common.Address]*uint256.Int),
		fpiMinted:    new(uint256.Int),
		fraxBorrowed: new(uint256.Int),
		slot:         EmptySlot{},
	}
	for _, amo := range params.AMOs {
		c.amos[amo] = new(uint256.Int)
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// Address returns the ledger account of the controller.
func (c *Controller) Address() common.Address { return c.address }

func (c *Controller) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.callTimeout)
}

func (c *Controller) fail(span trace.Span, op string, start time.Time, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	c.metrics.Observe(op, c.clock().Sub(start), err)
	return err
}

func (c *Controller) succeed(span trace.Span, op string, start time.Time) {
	span.SetStatus(codes.Ok, op)
	c.metrics.Observe(op, c.clock().Sub(start), nil)
}

// persistLocked saves the current state and restores prev when the store rejects it.
func (c *Controller) persistLocked(ctx context.Context, prev State) error {
	if c.store == nil {
		return nil
	}
	if err := c.store.SaveState(ctx, c.snapshotLocked()); err != nil {
		c.restoreLocked(prev)
		slog.Error("pegd/controller: persist state", "error", err)
		return fmt.Errorf("persist state: %w", err)
	}
	return nil
}

// journalLocked saves state after an order book side effect that cannot be undone.
// Failures are logged and the in-memory state keeps mirroring the book.
func (c *Controller) journalLocked(ctx context.Context, op string) {
	if c.store == nil {
		return
	}
	if err := c.store.SaveState(ctx, c.snapshotLocked()); err != nil {
		slog.Error("pegd/controller: journal state", "error", err, "operation", op)
		c.metrics.Observe(op+".journal", 0, err)
	}
}

// compensate reverses ledger operations after a later step failed.
func (c *Controller) compensate(op string, ops ...ledger.Op) {
	reversed := make([]ledger.Op, 0, len(ops))
	for i := len(ops) - 1; i >= 0; i-- {
		reversed = append(reversed, invert(ops[i]))
	}
	if err := c.ledger.Apply(reversed...); err != nil {
		slog.Error("pegd/controller: compensation failed", "error", err, "operation", op)
	}
}

func invert(op ledger.Op) ledger.Op {
	switch op.Kind {
	case ledger.OpMint:
		return ledger.Burn(op.Asset, op.To, op.Amount)
	case ledger.OpBurn:
		return ledger.Mint(op.Asset, op.From, op.Amount)
	default:
		return ledger.Transfer(op.Asset, op.To, op.From, op.Amount)
	}
}

func (c *Controller) emit(ctx context.Context, event Event) {
	if event.Time.IsZero() {
		event.Time = c.clock().UTC()
	}
	observability.Events().RecordEmitted(event.Kind)
	for _, sink := range c.sinks {
		sink.Publish(ctx, event)
	}
}

func isZero(v *uint256.Int) bool {
	return v == nil || v.IsZero()
}
