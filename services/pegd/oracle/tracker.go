package oracle

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

const (
	// DefaultRampPeriod spreads each CPI adjustment of the peg over roughly a month.
	DefaultRampPeriod = 30 * 24 * time.Hour
	// DefaultMaxDeltaFrac rejects month-over-month CPI moves above 2.5% (1e6 scale).
	DefaultMaxDeltaFrac = 25_000

	deltaPrecision = 1_000_000
)

var (
	// ErrInvalidCPI is returned for non-positive index values.
	ErrInvalidCPI = errors.New("oracle: cpi must be positive")
	// ErrCPIDelta is returned when a new index value moves too far from the last one.
	ErrCPIDelta = errors.New("oracle: cpi delta too large")
)

// Tracker derives the CPI peg price. Each accepted CPI observation schedules a new target
// peg and the current peg ramps linearly towards it.
type Tracker struct {
	mu           sync.RWMutex
	rampPeriod   time.Duration
	maxDeltaFrac uint64
	pegLast      *uint256.Int
	pegTarget    *uint256.Int
	rampStart    time.Time
	lastCPI      decimal.Decimal
	observedAt   time.Time
}

// TrackerState is a point-in-time view of the tracker.
type TrackerState struct {
	PegLast    *uint256.Int
	PegTarget  *uint256.Int
	RampStart  time.Time
	RampPeriod time.Duration
	LastCPI    decimal.Decimal
	ObservedAt time.Time
}

// NewTracker constructs a tracker starting at initialPeg. maxDeltaFrac of zero disables
// the CPI move check.
func NewTracker(initialPeg *uint256.Int, rampPeriod time.Duration, maxDeltaFrac uint64) (*Tracker, error) {
	if initialPeg == nil || initialPeg.IsZero() {
		return nil, fmt.Errorf("oracle: initial peg must be positive")
	}
	if rampPeriod <= 0 {
		rampPeriod = DefaultRampPeriod
	}
	return &Tracker{
		rampPeriod:   rampPeriod,
		maxDeltaFrac: maxDeltaFrac,
		pegLast:      new(uint256.Int).Set(initialPeg),
		pegTarget:    new(uint256.Int).Set(initialPeg),
	}, nil
}

// CurrPegPrice returns the peg price at now, 1e18 scale.
func (t *Tracker) CurrPegPrice(now time.Time) *uint256.Int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.pegAtLocked(now)
}

func (t *Tracker) pegAtLocked(now time.Time) *uint256.Int {
	if t.rampStart.IsZero() || !now.After(t.rampStart) {
		return new(uint256.Int).Set(t.pegLast)
	}
	elapsed := now.Sub(t.rampStart)
	if elapsed >= t.rampPeriod {
		return new(uint256.Int).Set(t.pegTarget)
	}
	num := uint256.NewInt(uint64(elapsed / time.Second))
	den := uint256.NewInt(uint64(t.rampPeriod / time.Second))
	if t.pegTarget.Lt(t.pegLast) {
		gap := new(uint256.Int).Sub(t.pegLast, t.pegTarget)
		step, _ := new(uint256.Int).MulDivOverflow(gap, num, den)
		return step.Sub(t.pegLast, step)
	}
	gap := new(uint256.Int).Sub(t.pegTarget, t.pegLast)
	step, _ := new(uint256.Int).MulDivOverflow(gap, num, den)
	return step.Add(t.pegLast, step)
}

// Observe records a CPI index value. The first value only seeds the tracker; later
// distinct values restart the ramp from the current peg towards peg*cpi/lastCPI.
// It reports whether a new ramp was scheduled.
func (t *Tracker) Observe(now time.Time, cpi decimal.Decimal) (bool, error) {
	if !cpi.IsPositive() {
		return false, ErrInvalidCPI
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.lastCPI.IsZero() {
		t.lastCPI = cpi
		t.observedAt = now
		return false, nil
	}
	if cpi.Equal(t.lastCPI) {
		return false, nil
	}
	if t.maxDeltaFrac > 0 {
		delta := cpi.Sub(t.lastCPI).Abs().Mul(decimal.NewFromInt(deltaPrecision)).Div(t.lastCPI)
		if delta.GreaterThan(decimal.NewFromInt(int64(t.maxDeltaFrac))) {
			return false, fmt.Errorf("%w: %s", ErrCPIDelta, delta.StringFixed(0))
		}
	}
	current := t.pegAtLocked(now)
	target := decimal.NewFromBigInt(current.ToBig(), 0).Mul(cpi).Div(t.lastCPI).Floor()
	next, overflow := uint256.FromBig(target.BigInt())
	if overflow || next.IsZero() {
		return false, fmt.Errorf("oracle: peg target out of range")
	}
	t.pegLast = current
	t.pegTarget = next
	t.rampStart = now
	t.lastCPI = cpi
	t.observedAt = now
	return true, nil
}

// State returns a copy of the tracker internals.
func (t *Tracker) State() TrackerState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return TrackerState{
		PegLast:    new(uint256.Int).Set(t.pegLast),
		PegTarget:  new(uint256.Int).Set(t.pegTarget),
		RampStart:  t.rampStart,
		RampPeriod: t.rampPeriod,
		LastCPI:    t.lastCPI,
		ObservedAt: t.observedAt,
	}
}

// Restore replaces the tracker internals with a previously captured state.
func (t *Tracker) Restore(state TrackerState) error {
	if state.PegLast == nil || state.PegLast.IsZero() || state.PegTarget == nil || state.PegTarget.IsZero() {
		return fmt.Errorf("oracle: restored peg must be positive")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pegLast = new(uint256.Int).Set(state.PegLast)
	t.pegTarget = new(uint256.Int).Set(state.PegTarget)
	t.rampStart = state.RampStart
	if state.RampPeriod > 0 {
		t.rampPeriod = state.RampPeriod
	}
	t.lastCPI = state.LastCPI
	t.observedAt = state.ObservedAt
	return nil
}
