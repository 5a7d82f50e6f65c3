package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/holiman/uint256"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"pegkeeper/services/pegd/ledger"
	"pegkeeper/services/pegd/twamm"
)

// TwammManual submits a long-term order selling exactly one of fraxSold or fpiSold.
// A zero intervals count spans the configured swap period. FPI sold this way is
// minted to the controller first and counts against the mint cap.
func (c *Controller) TwammManual(ctx context.Context, p Principal, fraxSold, fpiSold *uint256.Int, intervals uint64) (PendingOrder, error) {
	const op = "twamm_manual"
	start := c.clock()
	ctx, span := c.tracer.Start(ctx, "controller.twamm_manual", trace.WithAttributes(
		attribute.String("caller", p.String()),
		attribute.String("frax_sold", decString(fraxSold)),
		attribute.String("fpi_sold", decString(fpiSold)),
		attribute.Int64("intervals", int64(intervals)),
	))
	defer span.End()

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.authorizeGovernanceLocked(p); err != nil {
		return PendingOrder{}, c.fail(span, op, start, err)
	}
	if _, pending := c.slot.(ActiveSlot); pending {
		return PendingOrder{}, c.fail(span, op, start, ErrOrderPending)
	}
	var (
		sell   ledger.Asset
		amount *uint256.Int
	)
	switch {
	case !isZero(fraxSold) && isZero(fpiSold):
		sell, amount = ledger.FRAX, fraxSold
	case isZero(fraxSold) && !isZero(fpiSold):
		sell, amount = ledger.FPI, fpiSold
	default:
		return PendingOrder{}, c.fail(span, op, start, ErrInvalidOrder)
	}

	info, _, err := c.priceInfoLocked(ctx)
	if err != nil {
		return PendingOrder{}, c.fail(span, op, start, err)
	}
	if info.PriceDiffFracAbs > c.bands.TWAMM {
		return PendingOrder{}, c.fail(span, op, start, ErrPegBandTWAMM)
	}
	order, err := c.submitLocked(ctx, op, sell, amount, intervals)
	if err != nil {
		return PendingOrder{}, c.fail(span, op, start, err)
	}
	span.SetAttributes(attribute.Int64("order_id", int64(order.ID)))
	c.succeed(span, op, start)
	return order.clone(), nil
}

// TwammToPeg streams the trade that moves the pool price back onto the peg. The
// direction follows the collateral imbalance; a non-nil override replaces the
// computed amount.
func (c *Controller) TwammToPeg(ctx context.Context, p Principal, override *uint256.Int) (PendingOrder, error) {
	const op = "twamm_to_peg"
	start := c.clock()
	ctx, span := c.tracer.Start(ctx, "controller.twamm_to_peg", trace.WithAttributes(
		attribute.String("caller", p.String()),
		attribute.String("override", decString(override)),
	))
	defer span.End()

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.authorizeGovernanceLocked(p); err != nil {
		return PendingOrder{}, c.fail(span, op, start, err)
	}
	if _, pending := c.slot.(ActiveSlot); pending {
		return PendingOrder{}, c.fail(span, op, start, ErrOrderPending)
	}
	info, reserves, err := c.priceInfoLocked(ctx)
	if err != nil {
		return PendingOrder{}, c.fail(span, op, start, err)
	}
	if info.PriceDiffFracAbs > c.bands.TWAMM {
		return PendingOrder{}, c.fail(span, op, start, ErrPegBandTWAMM)
	}
	if info.CollatImbalance == 0 {
		return PendingOrder{}, c.fail(span, op, start, ErrAtPeg)
	}
	sell := ledger.FRAX
	if info.CollatImbalance > 0 {
		sell = ledger.FPI
	}
	amount := override
	if isZero(amount) {
		amount, err = toPegAmount(reserves, info.CPIPegPrice, sell == ledger.FPI, c.book.FeeBps())
		if err != nil {
			return PendingOrder{}, c.fail(span, op, start, err)
		}
	}
	if amount.IsZero() {
		return PendingOrder{}, c.fail(span, op, start, ErrAtPeg)
	}
	span.SetAttributes(sellAssetLabel(sell), attribute.String("amount", amount.Dec()))

	order, err := c.submitLocked(ctx, op, sell, amount, 0)
	if err != nil {
		return PendingOrder{}, c.fail(span, op, start, err)
	}
	span.SetAttributes(attribute.Int64("order_id", int64(order.ID)))
	c.succeed(span, op, start)
	return order.clone(), nil
}

// submitLocked funds and places an order and fills the slot. Callers have checked
// authorization, the band and the empty slot.
func (c *Controller) submitLocked(ctx context.Context, op string, sell ledger.Asset, amount *uint256.Int, intervals uint64) (PendingOrder, error) {
	if limit := c.caps.MaxSwapIn[sell]; limit != nil && amount.Gt(limit) {
		if sell == ledger.FPI {
			return PendingOrder{}, ErrTooMuchFPISold
		}
		return PendingOrder{}, ErrTooMuchFRAXSold
	}
	if intervals == 0 {
		intervals = uint64(c.swapPeriod / c.book.OrderInterval())
	}

	var funding []ledger.Op
	minted := c.fpiMinted
	switch sell {
	case ledger.FPI:
		minted = new(uint256.Int).Add(c.fpiMinted, amount)
		if minted.Gt(c.caps.MintCap) {
			return PendingOrder{}, ErrMintCap
		}
		funding = append(funding, ledger.Mint(ledger.FPI, c.address, amount))
		if err := c.ledger.Apply(funding...); err != nil {
			return PendingOrder{}, fmt.Errorf("mint fpi for order: %w", err)
		}
	case ledger.FRAX:
		if c.ledger.Balance(ledger.FRAX, c.address).Lt(amount) {
			return PendingOrder{}, ErrInsufficientFRAX
		}
	}

	callCtx, cancel := c.callContext(ctx)
	defer cancel()
	placed, err := c.book.SubmitOrder(callCtx, c.address, sell, amount, intervals)
	if err != nil {
		if len(funding) > 0 {
			c.compensate(op, funding...)
		}
		return PendingOrder{}, fmt.Errorf("submit order: %w", err)
	}

	c.fpiMinted = minted
	order := PendingOrder{
		ID:          placed.ID,
		Sell:        placed.Sell,
		AmountIn:    new(uint256.Int).Set(placed.AmountIn),
		Intervals:   placed.Intervals,
		SubmittedAt: placed.SubmittedAt,
		Expiry:      placed.Expiry,
		Collected:   new(uint256.Int),
	}
	c.slot = ActiveSlot{Order: order}
	c.journalLocked(ctx, op)
	c.metrics.SetPendingOrder(true)
	c.metrics.RecordOutstanding("fpi_minted", c.fpiMinted.ToBig())

	slog.InfoContext(ctx, "twamm order submitted",
		slog.Uint64("order_id", order.ID),
		slog.String("sell", sell.String()),
		slog.String("amount", amount.Dec()),
		slog.Uint64("intervals", order.Intervals),
		slog.Time("expiry", order.Expiry),
	)
	c.emit(ctx, Event{Kind: op, Actor: c.address.Hex(), Fields: map[string]string{
		"order_id":  fmt.Sprint(order.ID),
		"sell":      sell.String(),
		"amount":    amount.Dec(),
		"intervals": fmt.Sprint(order.Intervals),
		"expiry":    order.Expiry.Format(time.RFC3339),
	}})
	return order, nil
}

// CancelCurrentOrder cancels the pending order. The unsold principal and the accrued
// proceeds return to the controller and the slot is cleared.
func (c *Controller) CancelCurrentOrder(ctx context.Context, p Principal, index uint64) (twamm.Settlement, error) {
	const op = "twamm_cancel"
	start := c.clock()
	ctx, span := c.tracer.Start(ctx, "controller.twamm_cancel", trace.WithAttributes(
		attribute.String("caller", p.String()),
	))
	defer span.End()

	c.mu.Lock()
	defer c.mu.Unlock()

	order, err := c.currentOrderLocked(p, index)
	if err != nil {
		return twamm.Settlement{}, c.fail(span, op, start, err)
	}
	callCtx, cancel := c.callContext(ctx)
	defer cancel()
	settlement, err := c.book.CancelOrder(callCtx, c.address, order.ID)
	if err != nil {
		if c.dropMissingLocked(ctx, op, order, err) {
			return twamm.Settlement{}, c.fail(span, op, start, ErrNoPendingOrder)
		}
		return twamm.Settlement{}, c.fail(span, op, start, fmt.Errorf("cancel order: %w", err))
	}
	c.slot = EmptySlot{}
	c.journalLocked(ctx, op)
	c.metrics.SetPendingOrder(false)

	c.succeed(span, op, start)
	slog.InfoContext(ctx, "twamm order cancelled",
		slog.Uint64("order_id", order.ID),
		slog.String("unsold", settlement.Unsold.Dec()),
		slog.String("proceeds", settlement.Proceeds.Dec()),
	)
	c.emit(ctx, Event{Kind: op, Actor: p.String(), Fields: map[string]string{
		"order_id": fmt.Sprint(order.ID),
		"sell":     order.Sell.String(),
		"unsold":   settlement.Unsold.Dec(),
		"proceeds": settlement.Proceeds.Dec(),
	}})
	return settlement, nil
}

// CollectCurrentProceeds withdraws the proceeds of the pending order. The slot is
// cleared once the order has expired and been fully withdrawn.
func (c *Controller) CollectCurrentProceeds(ctx context.Context, p Principal, index uint64) (twamm.Settlement, error) {
	const op = "twamm_collect"
	start := c.clock()
	ctx, span := c.tracer.Start(ctx, "controller.twamm_collect", trace.WithAttributes(
		attribute.String("caller", p.String()),
	))
	defer span.End()

	c.mu.Lock()
	defer c.mu.Unlock()

	order, err := c.currentOrderLocked(p, index)
	if err != nil {
		return twamm.Settlement{}, c.fail(span, op, start, err)
	}
	callCtx, cancel := c.callContext(ctx)
	defer cancel()
	settlement, err := c.book.WithdrawProceeds(callCtx, c.address, order.ID)
	if err != nil {
		if c.dropMissingLocked(ctx, op, order, err) {
			return twamm.Settlement{}, c.fail(span, op, start, ErrNoPendingOrder)
		}
		return twamm.Settlement{}, c.fail(span, op, start, fmt.Errorf("withdraw proceeds: %w", err))
	}
	if settlement.Closed {
		c.slot = EmptySlot{}
		c.metrics.SetPendingOrder(false)
	} else {
		order.Collected = new(uint256.Int).Add(order.Collected, settlement.Proceeds)
		c.slot = ActiveSlot{Order: order}
	}
	c.journalLocked(ctx, op)

	c.succeed(span, op, start)
	slog.InfoContext(ctx, "twamm proceeds collected",
		slog.Uint64("order_id", order.ID),
		slog.String("proceeds", settlement.Proceeds.Dec()),
		slog.Bool("closed", settlement.Closed),
	)
	c.emit(ctx, Event{Kind: op, Actor: p.String(), Fields: map[string]string{
		"order_id": fmt.Sprint(order.ID),
		"buy":      order.Sell.Other().String(),
		"proceeds": settlement.Proceeds.Dec(),
		"closed":   fmt.Sprint(settlement.Closed),
	}})
	return settlement, nil
}

func (c *Controller) currentOrderLocked(p Principal, index uint64) (PendingOrder, error) {
	if err := c.authorizeGovernanceLocked(p); err != nil {
		return PendingOrder{}, err
	}
	if index != 0 {
		return PendingOrder{}, ErrInvalidIndex
	}
	active, ok := c.slot.(ActiveSlot)
	if !ok {
		return PendingOrder{}, ErrNoPendingOrder
	}
	return active.Order.clone(), nil
}

// dropMissingLocked clears the slot when the book no longer knows the order.
func (c *Controller) dropMissingLocked(ctx context.Context, op string, order PendingOrder, err error) bool {
	if !errors.Is(err, twamm.ErrOrderNotFound) {
		return false
	}
	slog.WarnContext(ctx, "pending twamm order missing from book, clearing slot",
		slog.Uint64("order_id", order.ID),
		slog.String("operation", op),
	)
	c.slot = EmptySlot{}
	c.journalLocked(ctx, op)
	c.metrics.SetPendingOrder(false)
	return true
}
