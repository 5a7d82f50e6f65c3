package controller

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/big"

	"github.com/holiman/uint256"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"pegkeeper/services/pegd/ledger"
	"pegkeeper/services/pegd/twamm"
)

var (
	e18            = uint256.NewInt(1_000_000_000_000_000_000)
	pricePrecision = uint256.NewInt(PricePrecision)
	bpsDenominator = uint256.NewInt(twamm.FeeDenominator)
)

// PriceInfo is a fresh reading of the pool against the peg.
type PriceInfo struct {
	// CollatImbalance is the FRAX surplus of the pool relative to its FPI reserve valued
	// at the peg, as a signed fraction of the FRAX reserve (PricePrecision scale).
	// Positive means FPI trades above the peg.
	CollatImbalance int64
	CPIPegPrice     *uint256.Int
	FPIPrice        *uint256.Int
	// PriceDiffFracAbs is |FPIPrice-CPIPegPrice|/CPIPegPrice, PricePrecision scale.
	PriceDiffFracAbs uint64
}

// PegStatus reports whether mint and redeem are inside their bands.
type PegStatus struct {
	CPIPegPrice      *uint256.Int
	DiffFracAbs      uint64
	WithinMintBand   bool
	WithinRedeemBand bool
}

// PriceInfo reads the order book and oracle.
func (c *Controller) PriceInfo(ctx context.Context) (PriceInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	info, _, err := c.priceInfoLocked(ctx)
	return info, err
}

// PegStatusMntRdm reports the peg deviation against the mint and redeem bands.
func (c *Controller) PegStatusMntRdm(ctx context.Context) (PegStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	info, _, err := c.priceInfoLocked(ctx)
	if err != nil {
		return PegStatus{}, err
	}
	return PegStatus{
		CPIPegPrice:      info.CPIPegPrice,
		DiffFracAbs:      info.PriceDiffFracAbs,
		WithinMintBand:   info.PriceDiffFracAbs <= c.bands.Mint,
		WithinRedeemBand: info.PriceDiffFracAbs <= c.bands.Redeem,
	}, nil
}

// GetFRAXPriceE18 returns the oracle FRAX/USD price.
func (c *Controller) GetFRAXPriceE18() *uint256.Int {
	return c.oracle.FRAXPriceE18()
}

// GetFPIPriceE18 returns the FPI dollar price: pool spot in FRAX times FRAX/USD.
func (c *Controller) GetFPIPriceE18(ctx context.Context) (*uint256.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	info, _, err := c.priceInfoLocked(ctx)
	if err != nil {
		return nil, err
	}
	usd, overflow := new(uint256.Int).MulDivOverflow(info.FPIPrice, c.oracle.FRAXPriceE18(), e18)
	if overflow {
		return nil, errors.New("fpi price overflow")
	}
	return usd, nil
}

// GetTwammToPegAmt returns how much of the sold asset a constant product trade needs
// to move the pool spot price onto the peg, grossed up for the pool fee. Zero means
// selling that asset moves the price away from the peg.
func (c *Controller) GetTwammToPegAmt(ctx context.Context, sellingFPI bool) (*uint256.Int, error) {
	ctx, span := c.tracer.Start(ctx, "controller.twamm_to_peg_amount", trace.WithAttributes(attribute.Bool("selling_fpi", sellingFPI)))
	defer span.End()
	c.mu.Lock()
	defer c.mu.Unlock()
	info, reserves, err := c.priceInfoLocked(ctx)
	if err != nil {
		return nil, err
	}
	return toPegAmount(reserves, info.CPIPegPrice, sellingFPI, c.book.FeeBps())
}

func (c *Controller) priceInfoLocked(ctx context.Context) (PriceInfo, twamm.Reserves, error) {
	callCtx, cancel := c.callContext(ctx)
	defer cancel()
	reserves, err := c.book.Reserves(callCtx)
	if err != nil {
		return PriceInfo{}, twamm.Reserves{}, fmt.Errorf("read reserves: %w", err)
	}
	peg := c.oracle.CPIPegPrice(c.clock())
	info, err := computePriceInfo(reserves, peg)
	if err != nil {
		return PriceInfo{}, twamm.Reserves{}, err
	}
	c.metrics.SetDeviation(info.PriceDiffFracAbs, PricePrecision)
	return info, reserves, nil
}

func computePriceInfo(reserves twamm.Reserves, peg *uint256.Int) (PriceInfo, error) {
	if peg == nil || peg.IsZero() {
		return PriceInfo{}, errors.New("peg price unavailable")
	}
	fpiPrice, err := twamm.SpotPrice(reserves.FPI, reserves.FRAX)
	if err != nil {
		return PriceInfo{}, err
	}
	var diff *uint256.Int
	if fpiPrice.Gt(peg) {
		diff = new(uint256.Int).Sub(fpiPrice, peg)
	} else {
		diff = new(uint256.Int).Sub(peg, fpiPrice)
	}
	diffFrac, _ := new(uint256.Int).MulDivOverflow(diff, pricePrecision, peg)
	if !diffFrac.IsUint64() {
		diffFrac.SetUint64(^uint64(0))
	}

	// Signed arithmetic on big.Int: the FPI side valued at the peg may exceed the FRAX side.
	fpiValue := new(big.Int).Mul(reserves.FPI.ToBig(), peg.ToBig())
	fpiValue.Quo(fpiValue, e18.ToBig())
	imbalance := new(big.Int).Sub(reserves.FRAX.ToBig(), fpiValue)
	imbalance.Mul(imbalance, big.NewInt(PricePrecision))
	imbalance.Quo(imbalance, reserves.FRAX.ToBig())

	return PriceInfo{
		CollatImbalance:  clampInt64(imbalance),
		CPIPegPrice:      peg,
		FPIPrice:         fpiPrice,
		PriceDiffFracAbs: diffFrac.Uint64(),
	}, nil
}

// clampInt64 saturates v to the int64 range, keeping its sign.
func clampInt64(v *big.Int) int64 {
	if v.IsInt64() {
		return v.Int64()
	}
	if v.Sign() < 0 {
		return math.MinInt64
	}
	return math.MaxInt64
}

// toPegAmount solves x'*y' = x*y with x'/y' = peg for the side being sold.
func toPegAmount(reserves twamm.Reserves, peg *uint256.Int, sellingFPI bool, feeBps uint64) (*uint256.Int, error) {
	x, y := reserves.FRAX, reserves.FPI
	if x.IsZero() || y.IsZero() {
		return nil, twamm.ErrInsufficientLiquidity
	}
	k, overflow := new(uint256.Int).MulOverflow(x, y)
	if overflow {
		return nil, errors.New("reserve product overflow")
	}
	var target, current *uint256.Int
	if sellingFPI {
		sq, overflow := new(uint256.Int).MulDivOverflow(k, e18, peg)
		if overflow {
			return nil, errors.New("target reserve overflow")
		}
		target, current = new(uint256.Int).Sqrt(sq), y
	} else {
		sq, overflow := new(uint256.Int).MulDivOverflow(k, peg, e18)
		if overflow {
			return nil, errors.New("target reserve overflow")
		}
		target, current = new(uint256.Int).Sqrt(sq), x
	}
	if !target.Gt(current) {
		return new(uint256.Int), nil
	}
	amount := new(uint256.Int).Sub(target, current)
	gross, _ := new(uint256.Int).MulDivOverflow(amount, bpsDenominator, uint256.NewInt(twamm.FeeDenominator-feeBps))
	return gross, nil
}

func sellAssetLabel(asset ledger.Asset) attribute.KeyValue {
	return attribute.String("sell", asset.String())
}
