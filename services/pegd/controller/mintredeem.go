package controller

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/holiman/uint256"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"pegkeeper/services/pegd/ledger"
)

// Mint swaps fraxIn FRAX from the caller for freshly minted FPI at the CPI peg, net of
// the mint fee.
func (c *Controller) Mint(ctx context.Context, p Principal, fraxIn, minFPIOut *uint256.Int) (*uint256.Int, error) {
	const op = "mint"
	start := c.clock()
	ctx, span := c.tracer.Start(ctx, "controller.mint", trace.WithAttributes(
		attribute.String("account", p.Address.Hex()),
		attribute.String("frax_in", decString(fraxIn)),
	))
	defer span.End()

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := authorizeAccount(p); err != nil {
		return nil, c.fail(span, op, start, err)
	}
	if isZero(fraxIn) {
		return nil, c.fail(span, op, start, ErrInvalidAmount)
	}
	if c.mintsPaused {
		return nil, c.fail(span, op, start, ErrMintsPaused)
	}
	info, _, err := c.priceInfoLocked(ctx)
	if err != nil {
		return nil, c.fail(span, op, start, err)
	}

	gross, overflow := new(uint256.Int).MulDivOverflow(fraxIn, e18, info.CPIPegPrice)
	if overflow {
		return nil, c.fail(span, op, start, ErrInvalidAmount)
	}
	fee := ComputeFee(c.fees.Mint, info.PriceDiffFracAbs)
	fpiOut := applyFee(gross, fee)

	minted := new(uint256.Int).Add(c.fpiMinted, fpiOut)
	if minted.Gt(c.caps.MintCap) {
		return nil, c.fail(span, op, start, ErrMintCap)
	}
	if info.PriceDiffFracAbs > c.bands.Mint {
		return nil, c.fail(span, op, start, ErrPegBandMint)
	}
	if minFPIOut != nil && fpiOut.Lt(minFPIOut) {
		return nil, c.fail(span, op, start, ErrSlippageMint)
	}

	ops := []ledger.Op{
		ledger.Transfer(ledger.FRAX, p.Address, c.address, fraxIn),
		ledger.Mint(ledger.FPI, p.Address, fpiOut),
	}
	if err := c.ledger.Apply(ops...); err != nil {
		return nil, c.fail(span, op, start, fmt.Errorf("settle mint: %w", err))
	}
	prev := c.snapshotLocked()
	c.fpiMinted = minted
	if err := c.persistLocked(ctx, prev); err != nil {
		c.compensate(op, ops...)
		return nil, c.fail(span, op, start, err)
	}

	c.metrics.RecordOutstanding("fpi_minted", c.fpiMinted.ToBig())
	c.succeed(span, op, start)
	slog.InfoContext(ctx, "fpi minted",
		slog.String("account", p.Address.Hex()),
		slog.String("frax_in", fraxIn.Dec()),
		slog.String("fpi_out", fpiOut.Dec()),
		slog.Uint64("fee", fee),
	)
	c.emit(ctx, Event{Kind: "mint", Actor: p.String(), Fields: map[string]string{
		"frax_in": fraxIn.Dec(),
		"fpi_out": fpiOut.Dec(),
		"fee":     fmt.Sprint(fee),
	}})
	return fpiOut, nil
}

// Redeem burns fpiIn FPI from the caller and pays FRAX at the CPI peg, net of the
// redeem fee.
func (c *Controller) Redeem(ctx context.Context, p Principal, fpiIn, minFRAXOut *uint256.Int) (*uint256.Int, error) {
	const op = "redeem"
	start := c.clock()
	ctx, span := c.tracer.Start(ctx, "controller.redeem", trace.WithAttributes(
		attribute.String("account", p.Address.Hex()),
		attribute.String("fpi_in", decString(fpiIn)),
	))
	defer span.End()

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := authorizeAccount(p); err != nil {
		return nil, c.fail(span, op, start, err)
	}
	if isZero(fpiIn) {
		return nil, c.fail(span, op, start, ErrInvalidAmount)
	}
	if c.redeemsPaused {
		return nil, c.fail(span, op, start, ErrRedeemsPaused)
	}
	info, _, err := c.priceInfoLocked(ctx)
	if err != nil {
		return nil, c.fail(span, op, start, err)
	}

	gross, overflow := new(uint256.Int).MulDivOverflow(fpiIn, info.CPIPegPrice, e18)
	if overflow {
		return nil, c.fail(span, op, start, ErrInvalidAmount)
	}
	fee := ComputeFee(c.fees.Redeem, info.PriceDiffFracAbs)
	fraxOut := applyFee(gross, fee)

	if info.PriceDiffFracAbs > c.bands.Redeem {
		return nil, c.fail(span, op, start, ErrPegBandRedeem)
	}
	if minFRAXOut != nil && fraxOut.Lt(minFRAXOut) {
		return nil, c.fail(span, op, start, ErrSlippageRedeem)
	}
	if c.ledger.Balance(ledger.FRAX, c.address).Lt(fraxOut) {
		return nil, c.fail(span, op, start, ErrInsufficientFRAX)
	}

	ops := []ledger.Op{
		ledger.Burn(ledger.FPI, p.Address, fpiIn),
		ledger.Transfer(ledger.FRAX, c.address, p.Address, fraxOut),
	}
	if err := c.ledger.Apply(ops...); err != nil {
		return nil, c.fail(span, op, start, fmt.Errorf("settle redeem: %w", err))
	}
	prev := c.snapshotLocked()
	if c.fpiMinted.Lt(fpiIn) {
		c.fpiMinted = new(uint256.Int)
	} else {
		c.fpiMinted = new(uint256.Int).Sub(c.fpiMinted, fpiIn)
	}
	if err := c.persistLocked(ctx, prev); err != nil {
		c.compensate(op, ops...)
		return nil, c.fail(span, op, start, err)
	}

	c.metrics.RecordOutstanding("fpi_minted", c.fpiMinted.ToBig())
	c.succeed(span, op, start)
	slog.InfoContext(ctx, "fpi redeemed",
		slog.String("account", p.Address.Hex()),
		slog.String("fpi_in", fpiIn.Dec()),
		slog.String("frax_out", fraxOut.Dec()),
		slog.Uint64("fee", fee),
	)
	c.emit(ctx, Event{Kind: "redeem", Actor: p.String(), Fields: map[string]string{
		"fpi_in":   fpiIn.Dec(),
		"frax_out": fraxOut.Dec(),
		"fee":      fmt.Sprint(fee),
	}})
	return fraxOut, nil
}

func applyFee(gross *uint256.Int, fee uint64) *uint256.Int {
	cut, _ := new(uint256.Int).MulDivOverflow(gross, uint256.NewInt(fee), pricePrecision)
	return new(uint256.Int).Sub(gross, cut)
}

func decString(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}
