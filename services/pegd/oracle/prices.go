package oracle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

var e18 = decimal.New(1, 18)

// Prices holds the latest aggregated oracle values. It implements Publisher so a
// Manager can feed it directly.
type Prices struct {
	mu        sync.RWMutex
	tracker   *Tracker
	fraxUSD   *uint256.Int
	updatedAt map[string]time.Time
}

// NewPrices constructs a price holder around tracker. The FRAX price starts at $1.
func NewPrices(tracker *Tracker) (*Prices, error) {
	if tracker == nil {
		return nil, fmt.Errorf("oracle: tracker required")
	}
	return &Prices{
		tracker:   tracker,
		fraxUSD:   uint256.NewInt(1_000_000_000_000_000_000),
		updatedAt: make(map[string]time.Time),
	}, nil
}

// Tracker exposes the CPI peg tracker.
func (p *Prices) Tracker() *Tracker { return p.tracker }

// CPIPegPrice returns the ramped peg at now.
func (p *Prices) CPIPegPrice(now time.Time) *uint256.Int {
	return p.tracker.CurrPegPrice(now)
}

// FRAXPriceE18 returns the last aggregated FRAX/USD price.
func (p *Prices) FRAXPriceE18() *uint256.Int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return new(uint256.Int).Set(p.fraxUSD)
}

// UpdatedAt returns when feed last changed, zero if never.
func (p *Prices) UpdatedAt(feed string) time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.updatedAt[feed]
}

// PublishOracleUpdate implements Publisher.
func (p *Prices) PublishOracleUpdate(ctx context.Context, update Update) error {
	_ = ctx
	switch update.Feed {
	case FeedCPI:
		if _, err := p.tracker.Observe(update.Time, update.Median); err != nil {
			return err
		}
	case FeedFRAXUSD:
		price, err := ToE18(update.Median)
		if err != nil {
			return err
		}
		p.mu.Lock()
		p.fraxUSD = price
		p.mu.Unlock()
	default:
		return fmt.Errorf("oracle: unknown feed %q", update.Feed)
	}
	p.mu.Lock()
	p.updatedAt[update.Feed] = update.Time
	p.mu.Unlock()
	return nil
}

// ToE18 converts a human decimal into 1e18 fixed point, truncating extra precision.
func ToE18(value decimal.Decimal) (*uint256.Int, error) {
	if value.IsNegative() {
		return nil, fmt.Errorf("oracle: negative value %s", value)
	}
	scaled := value.Mul(e18).Truncate(0)
	out, overflow := uint256.FromBig(scaled.BigInt())
	if overflow {
		return nil, fmt.Errorf("oracle: value %s overflows", value)
	}
	return out, nil
}
