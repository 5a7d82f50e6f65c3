package twamm

import (
	"errors"

	"github.com/holiman/uint256"
)

// FeeDenominator is the scale of pool fees: a fee of 30 is 0.30%.
const FeeDenominator = 10_000

var (
	// SalesRatePrecision scales sales rates so slow orders keep sub-wei resolution.
	SalesRatePrecision = uint256.NewInt(1_000_000)

	rewardFactorPrecision = uint256.MustFromDecimal("1000000000000000000000000000000")
	feeDenominator        = uint256.NewInt(FeeDenominator)
	two                   = uint256.NewInt(2)
)

var (
	// ErrZeroInterval is returned when a time-weighted average is requested over no time.
	ErrZeroInterval = errors.New("twamm: interval must be positive")
	// ErrInsufficientLiquidity is returned when a reserve is empty.
	ErrInsufficientLiquidity = errors.New("twamm: insufficient liquidity")
	// ErrInvalidFee is returned for fees at or above the denominator.
	ErrInvalidFee = errors.New("twamm: invalid fee")
)

// GetAmountOut quotes a constant product swap of amountIn against the reserves.
func GetAmountOut(amountIn, reserveIn, reserveOut *uint256.Int, feeBps uint64) (*uint256.Int, error) {
	if feeBps >= FeeDenominator {
		return nil, ErrInvalidFee
	}
	if reserveIn == nil || reserveOut == nil || reserveIn.IsZero() || reserveOut.IsZero() {
		return nil, ErrInsufficientLiquidity
	}
	if amountIn == nil || amountIn.IsZero() {
		return new(uint256.Int), nil
	}
	withFee := new(uint256.Int).Mul(amountIn, uint256.NewInt(FeeDenominator-feeBps))
	num := new(uint256.Int).Mul(withFee, reserveOut)
	den := new(uint256.Int).Mul(reserveIn, feeDenominator)
	den.Add(den, withFee)
	return num.Div(num, den), nil
}

// ComputeVirtualBalances settles one segment of long-term orders against the pool.
// token0Out is the amount of token0 paid to token1 sellers and token1Out the amount of
// token1 paid to token0 sellers. When only one side sells the segment is a plain constant
// product swap; when both sides sell, each side is first credited net of fees and the
// cross amounts are taken from the combined balances.
func ComputeVirtualBalances(token0Start, token1Start, token0In, token1In *uint256.Int, feeBps uint64) (token0Out, token1Out *uint256.Int) {
	token0Out, token1Out = new(uint256.Int), new(uint256.Int)
	minusFee := uint256.NewInt(FeeDenominator - feeBps)
	switch {
	case token0In.Lt(two) && token1In.Lt(two):
	case token0In.Lt(two):
		withFee := new(uint256.Int).Mul(token1In, minusFee)
		num := new(uint256.Int).Mul(token0Start, withFee)
		den := new(uint256.Int).Mul(token1Start, feeDenominator)
		den.Add(den, withFee)
		token0Out.Div(num, den)
	case token1In.Lt(two):
		withFee := new(uint256.Int).Mul(token0In, minusFee)
		num := new(uint256.Int).Mul(token1Start, withFee)
		den := new(uint256.Int).Mul(token0Start, feeDenominator)
		den.Add(den, withFee)
		token1Out.Div(num, den)
	default:
		newToken0 := new(uint256.Int).Mul(token0In, minusFee)
		newToken0.Div(newToken0, feeDenominator).Add(newToken0, token0Start)
		newToken1 := new(uint256.Int).Mul(token1In, minusFee)
		newToken1.Div(newToken1, feeDenominator).Add(newToken1, token1Start)

		cross0, _ := new(uint256.Int).MulDivOverflow(token1Start, newToken0, newToken1)
		token0Out.Sub(newToken0, cross0)
		cross1, _ := new(uint256.Int).MulDivOverflow(token0Start, newToken1, newToken0)
		token1Out.Sub(newToken1, cross1)
	}
	return token0Out, token1Out
}

// TwapBalances converts cumulative balance accumulators, measured over dt seconds, into
// the time-weighted average balances of the window.
func TwapBalances(cum0, cum1 *uint256.Int, dt uint64) (balance0, balance1 *uint256.Int, err error) {
	if dt == 0 {
		return nil, nil, ErrZeroInterval
	}
	if cum0 == nil || cum1 == nil {
		return nil, nil, errors.New("twamm: nil accumulator")
	}
	window := uint256.NewInt(dt)
	balance0 = new(uint256.Int).Div(cum0, window)
	balance1 = new(uint256.Int).Div(cum1, window)
	return balance0, balance1, nil
}

// SpotPrice returns reserveOf(quote)/reserveOf(base) scaled by 1e18.
func SpotPrice(baseReserve, quoteReserve *uint256.Int) (*uint256.Int, error) {
	if baseReserve == nil || baseReserve.IsZero() {
		return nil, ErrInsufficientLiquidity
	}
	price, overflow := new(uint256.Int).MulDivOverflow(quoteReserve, e18, baseReserve)
	if overflow {
		return nil, errors.New("twamm: price overflow")
	}
	return price, nil
}

var e18 = uint256.NewInt(1_000_000_000_000_000_000)
