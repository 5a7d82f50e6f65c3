package controller

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"pegkeeper/services/pegd/ledger"
)

// AMOPosition is the outstanding FRAX borrow of one AMO.
type AMOPosition struct {
	Address  common.Address
	Borrowed *uint256.Int
}

// GiveFRAXToAMO lends FRAX held by the controller to a whitelisted AMO.
func (c *Controller) GiveFRAXToAMO(ctx context.Context, p Principal, amo common.Address, amount *uint256.Int) error {
	const op = "amo_give"
	start := c.clock()
	ctx, span := c.tracer.Start(ctx, "controller.amo_give", trace.WithAttributes(
		attribute.String("caller", p.String()),
		attribute.String("amo", amo.Hex()),
		attribute.String("amount", decString(amount)),
	))
	defer span.End()

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.authorizeGovernanceLocked(p); err != nil {
		return c.fail(span, op, start, err)
	}
	borrowed, ok := c.amos[amo]
	if !ok {
		return c.fail(span, op, start, ErrInvalidAMO)
	}
	if isZero(amount) {
		return c.fail(span, op, start, ErrInvalidAmount)
	}
	total := new(uint256.Int).Add(c.fraxBorrowed, amount)
	if total.Gt(c.caps.FRAXBorrowCap) {
		return c.fail(span, op, start, ErrBorrowCap)
	}
	if c.ledger.Balance(ledger.FRAX, c.address).Lt(amount) {
		return c.fail(span, op, start, ErrInsufficientFRAX)
	}

	transfer := ledger.Transfer(ledger.FRAX, c.address, amo, amount)
	if err := c.ledger.Apply(transfer); err != nil {
		return c.fail(span, op, start, fmt.Errorf("lend frax: %w", err))
	}
	prev := c.snapshotLocked()
	c.fraxBorrowed = total
	c.amos[amo] = new(uint256.Int).Add(borrowed, amount)
	if err := c.persistLocked(ctx, prev); err != nil {
		c.compensate(op, transfer)
		return c.fail(span, op, start, err)
	}

	c.metrics.RecordOutstanding("frax_borrowed", c.fraxBorrowed.ToBig())
	c.succeed(span, op, start)
	slog.InfoContext(ctx, "frax lent to amo",
		slog.String("amo", amo.Hex()),
		slog.String("amount", amount.Dec()),
		slog.String("borrowed_total", c.fraxBorrowed.Dec()),
	)
	c.emit(ctx, Event{Kind: op, Actor: p.String(), Fields: map[string]string{
		"amo":    amo.Hex(),
		"amount": amount.Dec(),
	}})
	return nil
}

// ReceiveFRAXFromAMO takes FRAX back from the calling AMO. Repayments beyond the
// AMO's outstanding borrow are accepted but only reduce the borrow to zero.
func (c *Controller) ReceiveFRAXFromAMO(ctx context.Context, p Principal, amount *uint256.Int) error {
	const op = "amo_receive"
	start := c.clock()
	ctx, span := c.tracer.Start(ctx, "controller.amo_receive", trace.WithAttributes(
		attribute.String("amo", p.Address.Hex()),
		attribute.String("amount", decString(amount)),
	))
	defer span.End()

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.authorizeAMOLocked(p); err != nil {
		return c.fail(span, op, start, err)
	}
	if isZero(amount) {
		return c.fail(span, op, start, ErrInvalidAmount)
	}
	transfer := ledger.Transfer(ledger.FRAX, p.Address, c.address, amount)
	if err := c.ledger.Apply(transfer); err != nil {
		return c.fail(span, op, start, fmt.Errorf("repay frax: %w", err))
	}
	prev := c.snapshotLocked()
	borrowed := c.amos[p.Address]
	repaid := amount
	if repaid.Gt(borrowed) {
		repaid = borrowed
	}
	c.amos[p.Address] = new(uint256.Int).Sub(borrowed, repaid)
	if c.fraxBorrowed.Lt(repaid) {
		c.fraxBorrowed = new(uint256.Int)
	} else {
		c.fraxBorrowed = new(uint256.Int).Sub(c.fraxBorrowed, repaid)
	}
	if err := c.persistLocked(ctx, prev); err != nil {
		c.compensate(op, transfer)
		return c.fail(span, op, start, err)
	}

	c.metrics.RecordOutstanding("frax_borrowed", c.fraxBorrowed.ToBig())
	c.succeed(span, op, start)
	slog.InfoContext(ctx, "frax received from amo",
		slog.String("amo", p.Address.Hex()),
		slog.String("amount", amount.Dec()),
		slog.String("borrowed_total", c.fraxBorrowed.Dec()),
	)
	c.emit(ctx, Event{Kind: op, Actor: p.String(), Fields: map[string]string{
		"amo":    p.Address.Hex(),
		"amount": amount.Dec(),
	}})
	return nil
}

// AddAMO whitelists an AMO.
func (c *Controller) AddAMO(ctx context.Context, p Principal, amo common.Address) error {
	return c.mutate(ctx, p, "amo_add", map[string]string{"amo": amo.Hex()}, func() error {
		if amo == (common.Address{}) {
			return ErrInvalidAMO
		}
		if _, ok := c.amos[amo]; ok {
			return ErrAMOExists
		}
		c.amos[amo] = new(uint256.Int)
		return nil
	})
}

// RemoveAMO drops an AMO from the whitelist. Its outstanding borrow stays in the
// controller-wide total.
func (c *Controller) RemoveAMO(ctx context.Context, p Principal, amo common.Address) error {
	return c.mutate(ctx, p, "amo_remove", map[string]string{"amo": amo.Hex()}, func() error {
		if _, ok := c.amos[amo]; !ok {
			return ErrInvalidAMO
		}
		delete(c.amos, amo)
		return nil
	})
}

// AMOs lists the whitelist with outstanding borrows, ordered by address.
func (c *Controller) AMOs() []AMOPosition {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]AMOPosition, 0, len(c.amos))
	for addr, borrowed := range c.amos {
		out = append(out, AMOPosition{Address: addr, Borrowed: new(uint256.Int).Set(borrowed)})
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].Address.Bytes(), out[j].Address.Bytes()) < 0
	})
	return out
}
