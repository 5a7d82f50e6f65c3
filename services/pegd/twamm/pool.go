package twamm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"pegkeeper/services/pegd/ledger"
)

const (
	// DefaultOrderInterval is the granularity of long-term order expiries.
	DefaultOrderInterval = time.Hour
	// DefaultFeeBps is the swap fee charged on instant and virtual trades.
	DefaultFeeBps = 30
)

var (
	ErrOrderNotFound = errors.New("twamm: order not found")
	ErrNotOrderOwner = errors.New("twamm: caller does not own order")
	ErrInvalidAmount = errors.New("twamm: amount must be positive")
	ErrInvalidAsset  = errors.New("twamm: asset not in pair")
	ErrSlippage      = errors.New("twamm: output below minimum")
	ErrOrderTooShort = errors.New("twamm: order sells nothing over its duration")
	ErrPoolNotSeeded = errors.New("twamm: pool has no liquidity")
	errNilLedger     = errors.New("twamm: ledger not configured")
)

// Order is a long-term virtual order selling one asset of the pair for the other.
type Order struct {
	ID          uint64
	Owner       common.Address
	Sell        ledger.Asset
	AmountIn    *uint256.Int
	SalesRate   *uint256.Int
	SubmittedAt time.Time
	Expiry      time.Time
	Intervals   uint64

	rewardFactorAt *uint256.Int
}

// Buy returns the asset the order accumulates.
func (o Order) Buy() ledger.Asset { return o.Sell.Other() }

// Expired reports whether the order sells nothing more after now.
func (o Order) Expired(now time.Time) bool { return !now.Before(o.Expiry) }

// Settlement describes the balances returned to the owner by a cancel or withdrawal.
type Settlement struct {
	OrderID  uint64
	Sell     ledger.Asset
	Unsold   *uint256.Int
	Proceeds *uint256.Int
	// Closed is set when the order no longer exists in the pool.
	Closed bool
}

// Reserves is the AMM side of the pool after executing virtual orders.
type Reserves struct {
	FRAX      *uint256.Int
	FPI       *uint256.Int
	Timestamp time.Time
}

// Of returns the reserve of the given asset.
func (r Reserves) Of(asset ledger.Asset) *uint256.Int {
	if asset == ledger.FPI {
		return r.FPI
	}
	return r.FRAX
}

// Cumulative holds reserve-seconds accumulators used for time-weighted balances.
type Cumulative struct {
	FRAX      *uint256.Int
	FPI       *uint256.Int
	Timestamp time.Time
}

// PoolOption customises a Pool.
type PoolOption func(*Pool)

// WithFeeBps overrides the pool fee.
func WithFeeBps(fee uint64) PoolOption {
	return func(p *Pool) {
		if fee < FeeDenominator {
			p.feeBps = fee
		}
	}
}

// WithOrderInterval overrides the expiry granularity.
func WithOrderInterval(interval time.Duration) PoolOption {
	return func(p *Pool) {
		if interval >= time.Second {
			p.interval = int64(interval / time.Second)
		}
	}
}

// WithClock overrides the time source.
func WithClock(clock func() time.Time) PoolOption {
	return func(p *Pool) {
		if clock != nil {
			p.clock = clock
		}
	}
}

type orderPool struct {
	currentSalesRate *uint256.Int
	rewardFactor     *uint256.Int
	endingAt         map[int64]*uint256.Int
	rewardAtExpiry   map[int64]*uint256.Int
}

func newOrderPool() *orderPool {
	return &orderPool{
		currentSalesRate: new(uint256.Int),
		rewardFactor:     new(uint256.Int),
		endingAt:         make(map[int64]*uint256.Int),
		rewardAtExpiry:   make(map[int64]*uint256.Int),
	}
}

// Pool is a FRAX/FPI constant product pool that executes long-term orders continuously.
// Token balances live in the ledger under the pool address.
type Pool struct {
	mu       sync.Mutex
	ledger   *ledger.Ledger
	address  common.Address
	feeBps   uint64
	interval int64
	clock    func() time.Time

	reserves    [2]*uint256.Int
	cumulative  [2]*uint256.Int
	lastVirtual int64
	orderPools  [2]*orderPool
	orders      map[uint64]*Order
	nextID      uint64
}

// NewPool constructs an empty pool holding its tokens at address.
func NewPool(book *ledger.Ledger, address common.Address, opts ...PoolOption) (*Pool, error) {
	if book == nil {
		return nil, errNilLedger
	}
	p := &Pool{
		ledger:     book,
		address:    address,
		feeBps:     DefaultFeeBps,
		interval:   int64(DefaultOrderInterval / time.Second),
		clock:      time.Now,
		reserves:   [2]*uint256.Int{new(uint256.Int), new(uint256.Int)},
		cumulative: [2]*uint256.Int{new(uint256.Int), new(uint256.Int)},
		orderPools: [2]*orderPool{newOrderPool(), newOrderPool()},
		orders:     make(map[uint64]*Order),
		nextID:     1,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.lastVirtual = p.clock().Unix()
	return p, nil
}

// Address returns the ledger account holding the pool's tokens.
func (p *Pool) Address() common.Address { return p.address }

// FeeBps returns the pool fee in basis points of FeeDenominator.
func (p *Pool) FeeBps() uint64 { return p.feeBps }

// OrderInterval returns the expiry granularity.
func (p *Pool) OrderInterval() time.Duration { return time.Duration(p.interval) * time.Second }

// AddLiquidity deposits both assets into the AMM reserves.
func (p *Pool) AddLiquidity(ctx context.Context, provider common.Address, fraxAmount, fpiAmount *uint256.Int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.executeLocked(p.clock().Unix())
	if err := p.ledger.Apply(
		ledger.Transfer(ledger.FRAX, provider, p.address, fraxAmount),
		ledger.Transfer(ledger.FPI, provider, p.address, fpiAmount),
	); err != nil {
		return fmt.Errorf("twamm: add liquidity: %w", err)
	}
	addTo(p.reserves[ledger.FRAX], fraxAmount)
	addTo(p.reserves[ledger.FPI], fpiAmount)
	return nil
}

// Swap performs an instant constant product trade.
func (p *Pool) Swap(ctx context.Context, trader common.Address, sell ledger.Asset, amountIn, minOut *uint256.Int) (*uint256.Int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if sell > ledger.FPI {
		return nil, ErrInvalidAsset
	}
	if amountIn == nil || amountIn.IsZero() {
		return nil, ErrInvalidAmount
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.executeLocked(p.clock().Unix())
	buy := sell.Other()
	out, err := GetAmountOut(amountIn, p.reserves[sell], p.reserves[buy], p.feeBps)
	if err != nil {
		return nil, err
	}
	if minOut != nil && out.Lt(minOut) {
		return nil, ErrSlippage
	}
	if !out.Lt(p.reserves[buy]) {
		return nil, ErrInsufficientLiquidity
	}
	if err := p.ledger.Apply(
		ledger.Transfer(sell, trader, p.address, amountIn),
		ledger.Transfer(buy, p.address, trader, out),
	); err != nil {
		return nil, fmt.Errorf("twamm: swap: %w", err)
	}
	p.reserves[sell].Add(p.reserves[sell], amountIn)
	p.reserves[buy].Sub(p.reserves[buy], out)
	return out, nil
}

// Reserves executes pending virtual orders and reports the AMM reserves.
func (p *Pool) Reserves(ctx context.Context) (Reserves, error) {
	if err := ctx.Err(); err != nil {
		return Reserves{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.clock().Unix()
	p.executeLocked(now)
	return Reserves{
		FRAX:      new(uint256.Int).Set(p.reserves[ledger.FRAX]),
		FPI:       new(uint256.Int).Set(p.reserves[ledger.FPI]),
		Timestamp: time.Unix(now, 0).UTC(),
	}, nil
}

// Cumulative executes pending virtual orders and returns the reserve accumulators.
func (p *Pool) Cumulative(ctx context.Context) (Cumulative, error) {
	if err := ctx.Err(); err != nil {
		return Cumulative{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.clock().Unix()
	p.executeLocked(now)
	return Cumulative{
		FRAX:      new(uint256.Int).Set(p.cumulative[ledger.FRAX]),
		FPI:       new(uint256.Int).Set(p.cumulative[ledger.FPI]),
		Timestamp: time.Unix(now, 0).UTC(),
	}, nil
}

// ExecuteVirtualOrders advances long-term orders up to ts. Timestamps in the past or in
// the future relative to the pool clock are clamped.
func (p *Pool) ExecuteVirtualOrders(ctx context.Context, ts time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	target := ts.Unix()
	if now := p.clock().Unix(); target > now {
		target = now
	}
	p.executeLocked(target)
	return nil
}

// SubmitOrder escrows amount of sell and streams it into the pool until the expiry
// boundary at least intervals order intervals away.
func (p *Pool) SubmitOrder(ctx context.Context, owner common.Address, sell ledger.Asset, amount *uint256.Int, intervals uint64) (Order, error) {
	if err := ctx.Err(); err != nil {
		return Order{}, err
	}
	if sell > ledger.FPI {
		return Order{}, ErrInvalidAsset
	}
	if amount == nil || amount.IsZero() {
		return Order{}, ErrInvalidAmount
	}
	if intervals == 0 {
		intervals = 1
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.reserves[ledger.FRAX].IsZero() || p.reserves[ledger.FPI].IsZero() {
		return Order{}, ErrPoolNotSeeded
	}

	now := p.clock().Unix()
	p.executeLocked(now)

	expiry := alignUp(now+int64(intervals)*p.interval, p.interval)
	duration := uint256.NewInt(uint64(expiry - now))
	rate := new(uint256.Int).Mul(amount, SalesRatePrecision)
	rate.Div(rate, duration)
	if rate.IsZero() {
		return Order{}, ErrOrderTooShort
	}

	if err := p.ledger.Apply(ledger.Transfer(sell, owner, p.address, amount)); err != nil {
		return Order{}, fmt.Errorf("twamm: escrow order: %w", err)
	}

	pool := p.orderPools[sell]
	pool.currentSalesRate.Add(pool.currentSalesRate, rate)
	ending, ok := pool.endingAt[expiry]
	if !ok {
		ending = new(uint256.Int)
		pool.endingAt[expiry] = ending
	}
	ending.Add(ending, rate)

	order := &Order{
		ID:             p.nextID,
		Owner:          owner,
		Sell:           sell,
		AmountIn:       new(uint256.Int).Set(amount),
		SalesRate:      rate,
		SubmittedAt:    time.Unix(now, 0).UTC(),
		Expiry:         time.Unix(expiry, 0).UTC(),
		Intervals:      intervals,
		rewardFactorAt: new(uint256.Int).Set(pool.rewardFactor),
	}
	p.orders[order.ID] = order
	p.nextID++
	return order.clone(), nil
}

// CancelOrder stops an order and returns its unsold principal and accrued proceeds.
// Cancelling an expired order settles it like a final withdrawal.
func (p *Pool) CancelOrder(ctx context.Context, owner common.Address, id uint64) (Settlement, error) {
	if err := ctx.Err(); err != nil {
		return Settlement{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	order, err := p.lookupLocked(owner, id)
	if err != nil {
		return Settlement{}, err
	}
	now := p.clock().Unix()
	p.executeLocked(now)
	if order.Expired(time.Unix(now, 0)) {
		return p.withdrawLocked(order, now)
	}

	pool := p.orderPools[order.Sell]
	remaining := uint256.NewInt(uint64(order.Expiry.Unix() - now))
	unsold := new(uint256.Int).Mul(order.SalesRate, remaining)
	unsold.Div(unsold, SalesRatePrecision)
	proceeds := p.proceedsLocked(order, pool.rewardFactor)

	if err := p.ledger.Apply(
		ledger.Transfer(order.Sell, p.address, owner, unsold),
		ledger.Transfer(order.Buy(), p.address, owner, proceeds),
	); err != nil {
		return Settlement{}, fmt.Errorf("twamm: cancel order: %w", err)
	}
	pool.currentSalesRate.Sub(pool.currentSalesRate, order.SalesRate)
	if ending, ok := pool.endingAt[order.Expiry.Unix()]; ok {
		ending.Sub(ending, order.SalesRate)
		if ending.IsZero() {
			delete(pool.endingAt, order.Expiry.Unix())
		}
	}
	delete(p.orders, id)
	return Settlement{OrderID: id, Sell: order.Sell, Unsold: unsold, Proceeds: proceeds, Closed: true}, nil
}

// WithdrawProceeds pays out the proceeds accrued since the previous withdrawal. Once
// the order has expired the final withdrawal also removes it.
func (p *Pool) WithdrawProceeds(ctx context.Context, owner common.Address, id uint64) (Settlement, error) {
	if err := ctx.Err(); err != nil {
		return Settlement{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	order, err := p.lookupLocked(owner, id)
	if err != nil {
		return Settlement{}, err
	}
	now := p.clock().Unix()
	p.executeLocked(now)
	return p.withdrawLocked(order, now)
}

// Order returns a copy of a live order.
func (p *Pool) Order(id uint64) (Order, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	order, ok := p.orders[id]
	if !ok {
		return Order{}, false
	}
	return order.clone(), true
}

func (p *Pool) lookupLocked(owner common.Address, id uint64) (*Order, error) {
	order, ok := p.orders[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrOrderNotFound, id)
	}
	if order.Owner != owner {
		return nil, ErrNotOrderOwner
	}
	return order, nil
}

func (p *Pool) withdrawLocked(order *Order, now int64) (Settlement, error) {
	pool := p.orderPools[order.Sell]
	expired := order.Expired(time.Unix(now, 0))
	factor := pool.rewardFactor
	if expired {
		if atExpiry, ok := pool.rewardAtExpiry[order.Expiry.Unix()]; ok {
			factor = atExpiry
		}
	}
	proceeds := p.proceedsLocked(order, factor)
	if err := p.ledger.Apply(ledger.Transfer(order.Buy(), p.address, order.Owner, proceeds)); err != nil {
		return Settlement{}, fmt.Errorf("twamm: withdraw proceeds: %w", err)
	}
	if expired {
		delete(p.orders, order.ID)
	} else {
		order.rewardFactorAt = new(uint256.Int).Set(factor)
	}
	return Settlement{
		OrderID:  order.ID,
		Sell:     order.Sell,
		Unsold:   new(uint256.Int),
		Proceeds: proceeds,
		Closed:   expired,
	}, nil
}

func (p *Pool) proceedsLocked(order *Order, factor *uint256.Int) *uint256.Int {
	if factor.Lt(order.rewardFactorAt) {
		return new(uint256.Int)
	}
	delta := new(uint256.Int).Sub(factor, order.rewardFactorAt)
	out, overflow := new(uint256.Int).MulDivOverflow(order.SalesRate, delta, rewardFactorPrecision)
	if overflow {
		return new(uint256.Int)
	}
	return out
}

// executeLocked streams both order pools into the AMM from the last execution up to ts,
// stopping at every interval boundary so expiring sales rates leave at the right time.
func (p *Pool) executeLocked(ts int64) {
	if ts <= p.lastVirtual {
		return
	}
	next := alignDown(p.lastVirtual, p.interval) + p.interval
	for next <= ts {
		p.executeSegment(next - p.lastVirtual)
		for _, pool := range p.orderPools {
			if ending, ok := pool.endingAt[next]; ok {
				pool.currentSalesRate.Sub(pool.currentSalesRate, ending)
				delete(pool.endingAt, next)
				pool.rewardAtExpiry[next] = new(uint256.Int).Set(pool.rewardFactor)
			}
		}
		p.lastVirtual = next
		next += p.interval
	}
	if p.lastVirtual < ts {
		p.executeSegment(ts - p.lastVirtual)
		p.lastVirtual = ts
	}
}

func (p *Pool) executeSegment(seconds int64) {
	if seconds <= 0 {
		return
	}
	dt := uint256.NewInt(uint64(seconds))
	res0, res1 := p.reserves[ledger.FRAX], p.reserves[ledger.FPI]
	addTo(p.cumulative[ledger.FRAX], new(uint256.Int).Mul(res0, dt))
	addTo(p.cumulative[ledger.FPI], new(uint256.Int).Mul(res1, dt))

	pool0, pool1 := p.orderPools[ledger.FRAX], p.orderPools[ledger.FPI]
	if pool0.currentSalesRate.IsZero() && pool1.currentSalesRate.IsZero() {
		return
	}
	in0 := new(uint256.Int).Mul(pool0.currentSalesRate, dt)
	in0.Div(in0, SalesRatePrecision)
	in1 := new(uint256.Int).Mul(pool1.currentSalesRate, dt)
	in1.Div(in1, SalesRatePrecision)
	if res0.IsZero() || res1.IsZero() {
		return
	}
	out0, out1 := ComputeVirtualBalances(res0, res1, in0, in1, p.feeBps)

	res0.Add(res0, in0).Sub(res0, out0)
	res1.Add(res1, in1).Sub(res1, out1)

	if !pool0.currentSalesRate.IsZero() {
		inc, _ := new(uint256.Int).MulDivOverflow(out1, rewardFactorPrecision, pool0.currentSalesRate)
		pool0.rewardFactor.Add(pool0.rewardFactor, inc)
	}
	if !pool1.currentSalesRate.IsZero() {
		inc, _ := new(uint256.Int).MulDivOverflow(out0, rewardFactorPrecision, pool1.currentSalesRate)
		pool1.rewardFactor.Add(pool1.rewardFactor, inc)
	}
}

func (o *Order) clone() Order {
	out := *o
	out.AmountIn = new(uint256.Int).Set(o.AmountIn)
	out.SalesRate = new(uint256.Int).Set(o.SalesRate)
	out.rewardFactorAt = new(uint256.Int).Set(o.rewardFactorAt)
	return out
}

func addTo(dst, amount *uint256.Int) {
	if amount != nil {
		dst.Add(dst, amount)
	}
}

func alignDown(ts, interval int64) int64 {
	return ts - ts%interval
}

func alignUp(ts, interval int64) int64 {
	if rem := ts % interval; rem != 0 {
		return ts + interval - rem
	}
	return ts
}
