package controller

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// mutate runs a governance setter: authorize, apply fn, persist and emit. fn runs
// under the lock and must leave state untouched when it returns an error.
func (c *Controller) mutate(ctx context.Context, p Principal, op string, fields map[string]string, fn func() error) error {
	start := c.clock()
	ctx, span := c.tracer.Start(ctx, "controller."+op, trace.WithAttributes(attribute.String("caller", p.String())))
	defer span.End()

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.authorizeGovernanceLocked(p); err != nil {
		return c.fail(span, op, start, err)
	}
	prev := c.snapshotLocked()
	if err := fn(); err != nil {
		return c.fail(span, op, start, err)
	}
	if err := c.persistLocked(ctx, prev); err != nil {
		return c.fail(span, op, start, err)
	}
	c.succeed(span, op, start)
	slog.InfoContext(ctx, "controller parameters updated", slog.String("operation", op), slog.String("caller", p.String()))
	c.emit(ctx, Event{Kind: op, Actor: p.String(), Fields: fields})
	return nil
}

// SetMintRedeemFees replaces both fee modes. For each side the manual flag selects a
// fixed fee (capped by the max) or a deviation fee bounded by [fee, max].
func (c *Controller) SetMintRedeemFees(ctx context.Context, p Principal, mintManual bool, mintFee, mintFeeMax uint64, redeemManual bool, redeemFee, redeemFeeMax uint64) error {
	fields := map[string]string{
		"mint_manual":    fmt.Sprint(mintManual),
		"mint_fee":       fmt.Sprint(mintFee),
		"mint_fee_max":   fmt.Sprint(mintFeeMax),
		"redeem_manual":  fmt.Sprint(redeemManual),
		"redeem_fee":     fmt.Sprint(redeemFee),
		"redeem_fee_max": fmt.Sprint(redeemFeeMax),
	}
	return c.mutate(ctx, p, "set_fees", fields, func() error {
		mint, err := NewFeeMode(mintManual, mintFee, mintFeeMax)
		if err != nil {
			return err
		}
		redeem, err := NewFeeMode(redeemManual, redeemFee, redeemFeeMax)
		if err != nil {
			return err
		}
		c.fees = FeePolicy{Mint: mint, Redeem: redeem}
		return nil
	})
}

// SetPegBands replaces the mint, redeem and TWAMM bands.
func (c *Controller) SetPegBands(ctx context.Context, p Principal, bands PegBands) error {
	fields := map[string]string{
		"mint":   fmt.Sprint(bands.Mint),
		"redeem": fmt.Sprint(bands.Redeem),
		"twamm":  fmt.Sprint(bands.TWAMM),
	}
	return c.mutate(ctx, p, "set_peg_bands", fields, func() error {
		if err := bands.validate(); err != nil {
			return err
		}
		c.bands = bands
		return nil
	})
}

// SetTWAMMMaxSwapIn caps the amount a single order may sell of each asset.
func (c *Controller) SetTWAMMMaxSwapIn(ctx context.Context, p Principal, maxFRAX, maxFPI *uint256.Int) error {
	fields := map[string]string{"max_frax": decString(maxFRAX), "max_fpi": decString(maxFPI)}
	return c.mutate(ctx, p, "set_max_swap_in", fields, func() error {
		c.caps.MaxSwapIn = [2]*uint256.Int{cloneOrZero(maxFRAX), cloneOrZero(maxFPI)}
		return nil
	})
}

// SetMintCap sets the ceiling on net FPI minted. Lowering it below the current net
// mint only blocks further mints.
func (c *Controller) SetMintCap(ctx context.Context, p Principal, limit *uint256.Int) error {
	return c.mutate(ctx, p, "set_mint_cap", map[string]string{"mint_cap": decString(limit)}, func() error {
		c.caps.MintCap = cloneOrZero(limit)
		return nil
	})
}

// SetFRAXBorrowCap sets the ceiling on FRAX lent to AMOs.
func (c *Controller) SetFRAXBorrowCap(ctx context.Context, p Principal, limit *uint256.Int) error {
	return c.mutate(ctx, p, "set_borrow_cap", map[string]string{"borrow_cap": decString(limit)}, func() error {
		c.caps.FRAXBorrowCap = cloneOrZero(limit)
		return nil
	})
}

// SetSwapPeriod sets the duration of orders submitted without an interval count.
func (c *Controller) SetSwapPeriod(ctx context.Context, p Principal, period time.Duration) error {
	return c.mutate(ctx, p, "set_swap_period", map[string]string{"swap_period": period.String()}, func() error {
		if period < c.book.OrderInterval() {
			return fmt.Errorf("%w: %s shorter than order interval %s", ErrInvalidSwapPeriod, period, c.book.OrderInterval())
		}
		c.swapPeriod = period
		return nil
	})
}

// SetTimelock replaces the timelock address. The zero address disables it.
func (c *Controller) SetTimelock(ctx context.Context, p Principal, timelock common.Address) error {
	return c.mutate(ctx, p, "set_timelock", map[string]string{"timelock": timelock.Hex()}, func() error {
		c.timelock = timelock
		return nil
	})
}

// ToggleMints flips the mint pause and returns the new paused state.
func (c *Controller) ToggleMints(ctx context.Context, p Principal) (bool, error) {
	var paused bool
	err := c.mutate(ctx, p, "toggle_mints", nil, func() error {
		c.mintsPaused = !c.mintsPaused
		paused = c.mintsPaused
		return nil
	})
	return paused, err
}

// ToggleRedeems flips the redeem pause and returns the new paused state.
func (c *Controller) ToggleRedeems(ctx context.Context, p Principal) (bool, error) {
	var paused bool
	err := c.mutate(ctx, p, "toggle_redeems", nil, func() error {
		c.redeemsPaused = !c.redeemsPaused
		paused = c.redeemsPaused
		return nil
	})
	return paused, err
}

// NominateNewOwner starts a two-step ownership transfer. Only the owner may nominate.
func (c *Controller) NominateNewOwner(ctx context.Context, p Principal, nominee common.Address) error {
	return c.mutate(ctx, p, "nominate_owner", map[string]string{"nominee": nominee.Hex()}, func() error {
		if p.Role != RoleOwner {
			return ErrNotOwnerOrTimelock
		}
		c.nominatedOwner = nominee
		return nil
	})
}

// AcceptOwnership completes a transfer started by NominateNewOwner.
func (c *Controller) AcceptOwnership(ctx context.Context, p Principal) error {
	const op = "accept_ownership"
	start := c.clock()
	ctx, span := c.tracer.Start(ctx, "controller.accept_ownership", trace.WithAttributes(attribute.String("caller", p.String())))
	defer span.End()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.nominatedOwner == (common.Address{}) || p.Address != c.nominatedOwner {
		return c.fail(span, op, start, ErrNotNominated)
	}
	prev := c.snapshotLocked()
	previous := c.owner
	c.owner = c.nominatedOwner
	c.nominatedOwner = common.Address{}
	if err := c.persistLocked(ctx, prev); err != nil {
		return c.fail(span, op, start, err)
	}
	c.succeed(span, op, start)
	slog.InfoContext(ctx, "ownership transferred", slog.String("from", previous.Hex()), slog.String("to", c.owner.Hex()))
	c.emit(ctx, Event{Kind: op, Actor: p.String(), Fields: map[string]string{
		"previous": previous.Hex(),
		"owner":    c.owner.Hex(),
	}})
	return nil
}
