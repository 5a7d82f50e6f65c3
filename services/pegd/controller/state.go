package controller

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"pegkeeper/services/pegd/ledger"
)

// OrderSlot holds the controller's single TWAMM order: EmptySlot or ActiveSlot.
type OrderSlot interface {
	orderSlot()
}

// EmptySlot means no order is pending.
type EmptySlot struct{}

// ActiveSlot carries the pending order.
type ActiveSlot struct {
	Order PendingOrder
}

func (EmptySlot) orderSlot()  {}
func (ActiveSlot) orderSlot() {}

// PendingOrder is the controller's view of its in-flight TWAMM order.
type PendingOrder struct {
	ID          uint64
	Sell        ledger.Asset
	AmountIn    *uint256.Int
	Intervals   uint64
	SubmittedAt time.Time
	Expiry      time.Time
	// Collected is the total proceeds withdrawn so far.
	Collected *uint256.Int
}

// Remaining returns the principal not yet streamed into the pool at now.
func (o PendingOrder) Remaining(now time.Time) *uint256.Int {
	if !now.Before(o.Expiry) {
		return new(uint256.Int)
	}
	if !now.After(o.SubmittedAt) {
		return new(uint256.Int).Set(o.AmountIn)
	}
	left := uint256.NewInt(uint64(o.Expiry.Sub(now) / time.Second))
	total := uint256.NewInt(uint64(o.Expiry.Sub(o.SubmittedAt) / time.Second))
	out, _ := new(uint256.Int).MulDivOverflow(o.AmountIn, left, total)
	return out
}

func (o PendingOrder) clone() PendingOrder {
	out := o
	out.AmountIn = cloneOrZero(o.AmountIn)
	out.Collected = cloneOrZero(o.Collected)
	return out
}

// State is a complete copy of the controller's mutable state.
type State struct {
	Owner          common.Address
	NominatedOwner common.Address
	Timelock       common.Address
	MintsPaused    bool
	RedeemsPaused  bool
	Fees           FeePolicy
	Bands          PegBands
	Caps           SafetyCaps
	SwapPeriod     time.Duration
	FPIMinted      *uint256.Int
	FRAXBorrowed   *uint256.Int
	// AMOs maps each whitelisted AMO to its outstanding FRAX borrow.
	AMOs map[common.Address]*uint256.Int
	// Order is nil when no order is pending.
	Order     *PendingOrder
	UpdatedAt time.Time
}

// Event describes a completed controller mutation.
type Event struct {
	Kind   string
	Actor  string
	Fields map[string]string
	Time   time.Time
}

// Snapshot returns a copy of the controller state.
func (c *Controller) Snapshot() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Restore replaces the controller state, typically with one loaded from storage at
// startup.
func (c *Controller) Restore(state State) error {
	if err := state.Fees.validate(); err != nil {
		return err
	}
	if err := state.Bands.validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.restoreLocked(state)
	c.metrics.SetPendingOrder(state.Order != nil)
	return nil
}

// CurrentOwner returns the address that currently holds the owner role.
func (c *Controller) CurrentOwner() common.Address {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.owner
}

// PendingOrder returns the active order, if any.
func (c *Controller) PendingOrder() (PendingOrder, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if active, ok := c.slot.(ActiveSlot); ok {
		return active.Order.clone(), true
	}
	return PendingOrder{}, false
}

func (c *Controller) snapshotLocked() State {
	amos := make(map[common.Address]*uint256.Int, len(c.amos))
	for addr, borrowed := range c.amos {
		amos[addr] = new(uint256.Int).Set(borrowed)
	}
	state := State{
		Owner:          c.owner,
		NominatedOwner: c.nominatedOwner,
		Timelock:       c.timelock,
		MintsPaused:    c.mintsPaused,
		RedeemsPaused:  c.redeemsPaused,
		Fees:           c.fees,
		Bands:          c.bands,
		Caps:           c.caps.clone(),
		SwapPeriod:     c.swapPeriod,
		FPIMinted:      new(uint256.Int).Set(c.fpiMinted),
		FRAXBorrowed:   new(uint256.Int).Set(c.fraxBorrowed),
		AMOs:           amos,
		UpdatedAt:      c.clock().UTC(),
	}
	if active, ok := c.slot.(ActiveSlot); ok {
		order := active.Order.clone()
		state.Order = &order
	}
	return state
}

func (c *Controller) restoreLocked(state State) {
	c.owner = state.Owner
	c.nominatedOwner = state.NominatedOwner
	c.timelock = state.Timelock
	c.mintsPaused = state.MintsPaused
	c.redeemsPaused = state.RedeemsPaused
	c.fees = state.Fees
	c.bands = state.Bands
	c.caps = state.Caps.clone()
	if state.SwapPeriod > 0 {
		c.swapPeriod = state.SwapPeriod
	}
	c.fpiMinted = cloneOrZero(state.FPIMinted)
	c.fraxBorrowed = cloneOrZero(state.FRAXBorrowed)
	c.amos = make(map[common.Address]*uint256.Int, len(state.AMOs))
	for addr, borrowed := range state.AMOs {
		c.amos[addr] = cloneOrZero(borrowed)
	}
	if state.Order != nil {
		c.slot = ActiveSlot{Order: state.Order.clone()}
	} else {
		c.slot = EmptySlot{}
	}
}
