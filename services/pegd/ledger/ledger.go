package ledger

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Asset identifies one of the two tokens tracked by the ledger.
type Asset uint8

const (
	FRAX Asset = iota
	FPI
)

func (a Asset) String() string {
	switch a {
	case FRAX:
		return "FRAX"
	case FPI:
		return "FPI"
	default:
		return fmt.Sprintf("asset(%d)", uint8(a))
	}
}

// Other returns the counter asset of the pair.
func (a Asset) Other() Asset {
	if a == FRAX {
		return FPI
	}
	return FRAX
}

// ParseAsset resolves a ticker into an Asset.
func ParseAsset(symbol string) (Asset, error) {
	switch strings.ToUpper(strings.TrimSpace(symbol)) {
	case "FRAX":
		return FRAX, nil
	case "FPI":
		return FPI, nil
	default:
		return 0, fmt.Errorf("ledger: unknown asset %q", symbol)
	}
}

var (
	// ErrInsufficientBalance is returned when a debit exceeds the available balance.
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")
	// ErrInvalidAsset is returned for assets outside the pair.
	ErrInvalidAsset = errors.New("ledger: invalid asset")
	// ErrOverflow is returned when a credit would overflow 256 bits.
	ErrOverflow = errors.New("ledger: amount overflow")
)

// OpKind enumerates ledger operations.
type OpKind uint8

const (
	OpTransfer OpKind = iota
	OpMint
	OpBurn
)

// Op is a single balance movement. Mint ignores From and Burn ignores To.
type Op struct {
	Kind   OpKind
	Asset  Asset
	From   common.Address
	To     common.Address
	Amount *uint256.Int
}

// Transfer builds a transfer operation.
func Transfer(asset Asset, from, to common.Address, amount *uint256.Int) Op {
	return Op{Kind: OpTransfer, Asset: asset, From: from, To: to, Amount: amount}
}

// Mint builds a mint operation.
func Mint(asset Asset, to common.Address, amount *uint256.Int) Op {
	return Op{Kind: OpMint, Asset: asset, To: to, Amount: amount}
}

// Burn builds a burn operation.
func Burn(asset Asset, from common.Address, amount *uint256.Int) Op {
	return Op{Kind: OpBurn, Asset: asset, From: from, Amount: amount}
}

// Ledger is a two-asset balance book. It is safe for concurrent use.
type Ledger struct {
	mu       sync.RWMutex
	balances [2]map[common.Address]*uint256.Int
	supply   [2]*uint256.Int
}

// New constructs an empty ledger.
func New() *Ledger {
	l := &Ledger{}
	for i := range l.balances {
		l.balances[i] = make(map[common.Address]*uint256.Int)
		l.supply[i] = new(uint256.Int)
	}
	return l
}

// Balance returns a copy of the account balance.
func (l *Ledger) Balance(asset Asset, account common.Address) *uint256.Int {
	if l == nil || asset > FPI {
		return new(uint256.Int)
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	if bal, ok := l.balances[asset][account]; ok {
		return new(uint256.Int).Set(bal)
	}
	return new(uint256.Int)
}

// Supply returns the total supply of the asset.
func (l *Ledger) Supply(asset Asset) *uint256.Int {
	if l == nil || asset > FPI {
		return new(uint256.Int)
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return new(uint256.Int).Set(l.supply[asset])
}

// Apply validates every operation against a scratch copy of the touched balances and
// commits them together. Either all operations take effect or none do.
func (l *Ledger) Apply(ops ...Op) error {
	if l == nil {
		return fmt.Errorf("ledger not configured")
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	type key struct {
		asset   Asset
		account common.Address
	}
	scratch := make(map[key]*uint256.Int)
	supply := [2]*uint256.Int{new(uint256.Int).Set(l.supply[FRAX]), new(uint256.Int).Set(l.supply[FPI])}
	load := func(asset Asset, account common.Address) *uint256.Int {
		k := key{asset, account}
		if bal, ok := scratch[k]; ok {
			return bal
		}
		bal := new(uint256.Int)
		if cur, ok := l.balances[asset][account]; ok {
			bal.Set(cur)
		}
		scratch[k] = bal
		return bal
	}

	for i, op := range ops {
		if op.Asset > FPI {
			return fmt.Errorf("op %d: %w", i, ErrInvalidAsset)
		}
		if op.Amount == nil || op.Amount.IsZero() {
			continue
		}
		switch op.Kind {
		case OpTransfer, OpBurn:
			from := load(op.Asset, op.From)
			if from.Lt(op.Amount) {
				return fmt.Errorf("op %d: %s %s: %w", i, op.Asset, op.From.Hex(), ErrInsufficientBalance)
			}
			from.Sub(from, op.Amount)
			if op.Kind == OpBurn {
				supply[op.Asset].Sub(supply[op.Asset], op.Amount)
				continue
			}
			to := load(op.Asset, op.To)
			to.Add(to, op.Amount)
		case OpMint:
			if _, overflow := new(uint256.Int).AddOverflow(supply[op.Asset], op.Amount); overflow {
				return fmt.Errorf("op %d: %w", i, ErrOverflow)
			}
			supply[op.Asset].Add(supply[op.Asset], op.Amount)
			to := load(op.Asset, op.To)
			to.Add(to, op.Amount)
		default:
			return fmt.Errorf("op %d: unknown kind %d", i, op.Kind)
		}
	}

	for k, bal := range scratch {
		if bal.IsZero() {
			delete(l.balances[k.asset], k.account)
			continue
		}
		l.balances[k.asset][k.account] = bal
	}
	l.supply = supply
	return nil
}
