package controller

import (
	"fmt"

	"github.com/holiman/uint256"

	"pegkeeper/services/pegd/ledger"
)

// FeeMode selects how a mint or redeem fee is derived.
type FeeMode interface {
	feeMode()
}

// ManualFee charges a fixed fraction.
type ManualFee struct {
	Fee uint64
}

// DeltaFee charges the current peg deviation, clamped to [Min, Max].
type DeltaFee struct {
	Min uint64
	Max uint64
}

func (ManualFee) feeMode() {}
func (DeltaFee) feeMode()  {}

// ComputeFee returns the fee fraction (PricePrecision scale) for the given deviation.
func ComputeFee(mode FeeMode, diffFracAbs uint64) uint64 {
	switch m := mode.(type) {
	case ManualFee:
		return min(m.Fee, PricePrecision)
	case DeltaFee:
		return min(max(diffFracAbs, m.Min), m.Max, PricePrecision)
	default:
		return 0
	}
}

// NewFeeMode builds a mode from the manual flag and its two parameters. In manual mode
// feeMax caps the fixed fee; otherwise fee and feeMax bound the deviation fee.
func NewFeeMode(manual bool, fee, feeMax uint64) (FeeMode, error) {
	if fee > PricePrecision || feeMax > PricePrecision {
		return nil, fmt.Errorf("%w: fee above 100%%", ErrInvalidFee)
	}
	if manual {
		return ManualFee{Fee: min(fee, feeMax)}, nil
	}
	if fee > feeMax {
		return nil, fmt.Errorf("%w: min %d above max %d", ErrInvalidFee, fee, feeMax)
	}
	return DeltaFee{Min: fee, Max: feeMax}, nil
}

// FeePolicy holds the mint and redeem fee modes.
type FeePolicy struct {
	Mint   FeeMode
	Redeem FeeMode
}

func (p FeePolicy) validate() error {
	for _, mode := range []FeeMode{p.Mint, p.Redeem} {
		switch m := mode.(type) {
		case ManualFee:
			if m.Fee > PricePrecision {
				return ErrInvalidFee
			}
		case DeltaFee:
			if m.Min > m.Max || m.Max > PricePrecision {
				return ErrInvalidFee
			}
		default:
			return fmt.Errorf("%w: fee mode not set", ErrInvalidFee)
		}
	}
	return nil
}

// PegBands are half-widths around the peg, PricePrecision scale.
type PegBands struct {
	Mint   uint64
	Redeem uint64
	TWAMM  uint64
}

func (b PegBands) validate() error {
	if b.Mint > PricePrecision || b.Redeem > PricePrecision || b.TWAMM > PricePrecision {
		return ErrInvalidBand
	}
	return nil
}

// SafetyCaps are owner-set ceilings. MaxSwapIn is indexed by the sold asset.
type SafetyCaps struct {
	MintCap       *uint256.Int
	FRAXBorrowCap *uint256.Int
	MaxSwapIn     [2]*uint256.Int
}

func (s SafetyCaps) clone() SafetyCaps {
	return SafetyCaps{
		MintCap:       cloneOrZero(s.MintCap),
		FRAXBorrowCap: cloneOrZero(s.FRAXBorrowCap),
		MaxSwapIn:     [2]*uint256.Int{cloneOrZero(s.MaxSwapIn[ledger.FRAX]), cloneOrZero(s.MaxSwapIn[ledger.FPI])},
	}
}

func cloneOrZero(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return new(uint256.Int).Set(v)
}
