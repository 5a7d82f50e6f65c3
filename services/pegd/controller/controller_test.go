package controller

import (
	"context"
	"errors"
	"math"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"pegkeeper/services/pegd/ledger"
	"pegkeeper/services/pegd/twamm"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixedOracle struct {
	peg  *uint256.Int
	frax *uint256.Int
}

func (o *fixedOracle) CPIPegPrice(time.Time) *uint256.Int { return new(uint256.Int).Set(o.peg) }
func (o *fixedOracle) FRAXPriceE18() *uint256.Int        { return new(uint256.Int).Set(o.frax) }

type failingStore struct {
	fail  bool
	saves int
	last  State
}

func (s *failingStore) SaveState(_ context.Context, state State) error {
	if s.fail {
		return errors.New("disk full")
	}
	s.saves++
	s.last = state
	return nil
}

type recordingSink struct {
	events []Event
}

func (s *recordingSink) Publish(_ context.Context, event Event) {
	s.events = append(s.events, event)
}

var (
	controllerAddr = common.HexToAddress("0x00000000000000000000000000000000000c0de1")
	poolAddr       = common.HexToAddress("0x00000000000000000000000000000000000f00d5")
	ownerAddr      = common.HexToAddress("0x0000000000000000000000000000000000000a11")
	timelockAddr   = common.HexToAddress("0x0000000000000000000000000000000000000a12")
	lpAddr         = common.HexToAddress("0x0000000000000000000000000000000000000b01")
	userAddr       = common.HexToAddress("0x0000000000000000000000000000000000000b02")
	amoAddr        = common.HexToAddress("0x0000000000000000000000000000000000000c01")
)

func tokens(n uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(n), e18)
}

type fixture struct {
	ctrl   *Controller
	ledger *ledger.Ledger
	pool   *twamm.Pool
	oracle *fixedOracle
	clock  *testClock
	store  *failingStore
	sink   *recordingSink
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := &testClock{now: time.Unix(1_699_999_200, 0).UTC()}
	balances := ledger.New()
	require.NoError(t, balances.Apply(
		ledger.Mint(ledger.FRAX, lpAddr, tokens(1_000_000)),
		ledger.Mint(ledger.FPI, lpAddr, tokens(1_000_000)),
		ledger.Mint(ledger.FRAX, userAddr, tokens(10_000)),
		ledger.Mint(ledger.FPI, userAddr, tokens(10_000)),
		ledger.Mint(ledger.FRAX, controllerAddr, tokens(1_000)),
		ledger.Mint(ledger.FRAX, amoAddr, tokens(100)),
	))
	pool, err := twamm.NewPool(balances, poolAddr, twamm.WithClock(clock.Now))
	require.NoError(t, err)
	require.NoError(t, pool.AddLiquidity(context.Background(), lpAddr, tokens(1_000_000), tokens(1_000_000)))

	oracle := &fixedOracle{peg: new(uint256.Int).Set(e18), frax: new(uint256.Int).Set(e18)}
	store := &failingStore{}
	sink := &recordingSink{}
	ctrl, err := New(Params{
		Address:  controllerAddr,
		Owner:    ownerAddr,
		Timelock: timelockAddr,
		Fees: FeePolicy{
			Mint:   ManualFee{Fee: 3000},
			Redeem: ManualFee{Fee: 3000},
		},
		Bands: PegBands{Mint: 50_000, Redeem: 50_000, TWAMM: 100_000},
		Caps: SafetyCaps{
			MintCap:       tokens(1_000),
			FRAXBorrowCap: tokens(500),
			MaxSwapIn:     [2]*uint256.Int{tokens(1_000), tokens(1_000)},
		},
		AMOs: []common.Address{amoAddr},
	}, balances, pool, oracle, WithClock(clock.Now), WithStore(store), WithEventSink(sink))
	require.NoError(t, err)
	return &fixture{ctrl: ctrl, ledger: balances, pool: pool, oracle: oracle, clock: clock, store: store, sink: sink}
}

// requireClose asserts |got-want| <= tolerance wei.
func requireClose(t *testing.T, want, got *uint256.Int, tolerance uint64) {
	t.Helper()
	diff := new(uint256.Int)
	if got.Gt(want) {
		diff.Sub(got, want)
	} else {
		diff.Sub(want, got)
	}
	if diff.Gt(uint256.NewInt(tolerance)) {
		t.Fatalf("expected %s within %d of %s", got.Dec(), tolerance, want.Dec())
	}
}

func TestTwammManualSellFPICancelHalfway(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := Owner(ownerAddr)

	order, err := f.ctrl.TwammManual(ctx, owner, nil, tokens(100), 50)
	require.NoError(t, err)
	require.Equal(t, ledger.FPI, order.Sell)
	require.Equal(t, uint64(50), order.Intervals)
	require.True(t, order.Expiry.Equal(f.clock.Now().Add(50*time.Hour)))
	require.Equal(t, tokens(100), f.ctrl.Snapshot().FPIMinted)

	f.clock.Advance(25 * time.Hour)
	settlement, err := f.ctrl.CancelCurrentOrder(ctx, owner, 0)
	require.NoError(t, err)
	require.True(t, settlement.Closed)

	requireClose(t, tokens(50), f.ledger.Balance(ledger.FPI, controllerAddr), 1_000_000)
	require.False(t, settlement.Proceeds.IsZero())
	_, pending := f.ctrl.PendingOrder()
	require.False(t, pending)
}

func TestTwammManualSellFRAXDefaultPeriod(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := Owner(ownerAddr)

	order, err := f.ctrl.TwammManual(ctx, owner, tokens(100), nil, 0)
	require.NoError(t, err)
	require.Equal(t, uint64(168), order.Intervals)
	require.Equal(t, tokens(900), f.ledger.Balance(ledger.FRAX, controllerAddr))

	f.clock.Advance(6 * time.Hour)
	_, err = f.ctrl.CancelCurrentOrder(ctx, owner, 0)
	require.NoError(t, err)

	sold, _ := new(uint256.Int).MulDivOverflow(tokens(100), uint256.NewInt(6), uint256.NewInt(168))
	want := new(uint256.Int).Sub(tokens(1_000), sold)
	requireClose(t, want, f.ledger.Balance(ledger.FRAX, controllerAddr), 1_000_000)
}

func TestCollectAfterExpiryClearsSlot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := Owner(ownerAddr)

	_, err := f.ctrl.TwammManual(ctx, owner, tokens(100), nil, 0)
	require.NoError(t, err)

	f.clock.Advance(3 * 24 * time.Hour)
	partial, err := f.ctrl.CollectCurrentProceeds(ctx, owner, 0)
	require.NoError(t, err)
	require.False(t, partial.Closed)
	order, pending := f.ctrl.PendingOrder()
	require.True(t, pending)
	require.Equal(t, partial.Proceeds, order.Collected)

	f.clock.Advance(4 * 24 * time.Hour)
	final, err := f.ctrl.CollectCurrentProceeds(ctx, owner, 0)
	require.NoError(t, err)
	require.True(t, final.Closed)
	_, pending = f.ctrl.PendingOrder()
	require.False(t, pending)

	_, err = f.ctrl.CollectCurrentProceeds(ctx, owner, 0)
	require.ErrorIs(t, err, ErrNoPendingOrder)
}

func TestSingleOrderSlot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := Owner(ownerAddr)

	_, err := f.ctrl.TwammManual(ctx, owner, tokens(10), nil, 10)
	require.NoError(t, err)
	_, err = f.ctrl.TwammManual(ctx, owner, tokens(10), nil, 10)
	require.ErrorIs(t, err, ErrOrderPending)
	_, err = f.ctrl.TwammToPeg(ctx, owner, tokens(1))
	require.ErrorIs(t, err, ErrOrderPending)

	_, err = f.ctrl.CancelCurrentOrder(ctx, owner, 1)
	require.ErrorIs(t, err, ErrInvalidIndex)
}

func TestTwammManualValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := Owner(ownerAddr)

	_, err := f.ctrl.TwammManual(ctx, owner, tokens(1), tokens(1), 10)
	require.ErrorIs(t, err, ErrInvalidOrder)
	_, err = f.ctrl.TwammManual(ctx, owner, nil, nil, 10)
	require.ErrorIs(t, err, ErrInvalidOrder)
	_, err = f.ctrl.TwammManual(ctx, owner, tokens(1_001), nil, 10)
	require.ErrorIs(t, err, ErrTooMuchFRAXSold)
	_, err = f.ctrl.TwammManual(ctx, owner, nil, tokens(1_001), 10)
	require.ErrorIs(t, err, ErrTooMuchFPISold)
	_, err = f.ctrl.TwammManual(ctx, User(userAddr), tokens(1), nil, 10)
	require.ErrorIs(t, err, ErrNotOwnerOrTimelock)

	f.oracle.peg = new(uint256.Int).Mul(uint256.NewInt(12), uint256.NewInt(100_000_000_000_000_000))
	_, err = f.ctrl.TwammManual(ctx, owner, tokens(1), nil, 10)
	require.ErrorIs(t, err, ErrPegBandTWAMM)

	_, pending := f.ctrl.PendingOrder()
	require.False(t, pending)
	require.True(t, f.ctrl.Snapshot().FPIMinted.IsZero())
}

func TestTwammToPegDirection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.ctrl.TwammToPeg(ctx, Timelock(timelockAddr), nil)
	require.ErrorIs(t, err, ErrAtPeg)

	// Peg below spot: the pool holds surplus FRAX, so FPI is sold.
	f.oracle.peg = new(uint256.Int).Mul(uint256.NewInt(95), uint256.NewInt(10_000_000_000_000_000))
	info, err := f.ctrl.PriceInfo(ctx)
	require.NoError(t, err)
	require.Positive(t, info.CollatImbalance)

	order, err := f.ctrl.TwammToPeg(ctx, Timelock(timelockAddr), tokens(5))
	require.NoError(t, err)
	require.Equal(t, ledger.FPI, order.Sell)
	require.Equal(t, tokens(5), order.AmountIn)
}

func TestGetTwammToPegAmt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.oracle.peg = new(uint256.Int).Mul(uint256.NewInt(99), uint256.NewInt(10_000_000_000_000_000))
	amount, err := f.ctrl.GetTwammToPegAmt(ctx, true)
	require.NoError(t, err)
	require.False(t, amount.IsZero())

	wrongWay, err := f.ctrl.GetTwammToPegAmt(ctx, false)
	require.NoError(t, err)
	require.True(t, wrongWay.IsZero())
}

func TestMintAndRedeem(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := User(userAddr)

	out, err := f.ctrl.Mint(ctx, user, tokens(100), nil)
	require.NoError(t, err)
	want := new(uint256.Int).Mul(uint256.NewInt(997), uint256.NewInt(100_000_000_000_000_000))
	require.Equal(t, want, out)
	require.Equal(t, tokens(1_100), f.ledger.Balance(ledger.FRAX, controllerAddr))
	require.Equal(t, want, f.ctrl.Snapshot().FPIMinted)

	back, err := f.ctrl.Redeem(ctx, user, tokens(10), nil)
	require.NoError(t, err)
	require.Equal(t, new(uint256.Int).Mul(uint256.NewInt(997), uint256.NewInt(10_000_000_000_000_000)), back)
	require.Equal(t, new(uint256.Int).Sub(want, tokens(10)), f.ctrl.Snapshot().FPIMinted)

	require.Len(t, f.sink.events, 2)
	require.Equal(t, "mint", f.sink.events[0].Kind)
	require.Equal(t, "redeem", f.sink.events[1].Kind)
}

func TestMintOutsideBandLeavesBalances(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := User(userAddr)

	f.oracle.peg = new(uint256.Int).Mul(uint256.NewInt(11), uint256.NewInt(100_000_000_000_000_000))
	fraxBefore := f.ledger.Balance(ledger.FRAX, userAddr)
	fpiBefore := f.ledger.Balance(ledger.FPI, userAddr)

	_, err := f.ctrl.Mint(ctx, user, tokens(100), nil)
	require.ErrorIs(t, err, ErrPegBandMint)
	_, err = f.ctrl.Redeem(ctx, user, tokens(100), nil)
	require.ErrorIs(t, err, ErrPegBandRedeem)

	require.Equal(t, fraxBefore, f.ledger.Balance(ledger.FRAX, userAddr))
	require.Equal(t, fpiBefore, f.ledger.Balance(ledger.FPI, userAddr))
	require.Empty(t, f.sink.events)
}

func TestMintGuards(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := User(userAddr)

	_, err := f.ctrl.Mint(ctx, user, tokens(100), tokens(100))
	require.ErrorIs(t, err, ErrSlippageMint)
	_, err = f.ctrl.Redeem(ctx, user, tokens(100), tokens(100))
	require.ErrorIs(t, err, ErrSlippageRedeem)

	_, err = f.ctrl.Mint(ctx, user, tokens(2_000), nil)
	require.ErrorIs(t, err, ErrMintCap)

	_, err = f.ctrl.Mint(ctx, user, nil, nil)
	require.ErrorIs(t, err, ErrInvalidAmount)

	paused, err := f.ctrl.ToggleMints(ctx, Owner(ownerAddr))
	require.NoError(t, err)
	require.True(t, paused)
	_, err = f.ctrl.Mint(ctx, user, tokens(1), nil)
	require.ErrorIs(t, err, ErrMintsPaused)

	paused, err = f.ctrl.ToggleRedeems(ctx, Owner(ownerAddr))
	require.NoError(t, err)
	require.True(t, paused)
	_, err = f.ctrl.Redeem(ctx, user, tokens(1), nil)
	require.ErrorIs(t, err, ErrRedeemsPaused)
}

func TestRedeemNeedsControllerFRAX(t *testing.T) {
	f := newFixture(t)
	_, err := f.ctrl.Redeem(context.Background(), User(userAddr), tokens(5_000), nil)
	require.ErrorIs(t, err, ErrInsufficientFRAX)
}

func TestPersistFailureRollsBack(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.store.fail = true

	fraxBefore := f.ledger.Balance(ledger.FRAX, userAddr)
	_, err := f.ctrl.Mint(ctx, User(userAddr), tokens(100), nil)
	require.Error(t, err)
	require.Equal(t, fraxBefore, f.ledger.Balance(ledger.FRAX, userAddr))
	require.True(t, f.ledger.Balance(ledger.FPI, userAddr).Eq(tokens(10_000)))
	require.True(t, f.ctrl.Snapshot().FPIMinted.IsZero())

	err = f.ctrl.SetPegBands(ctx, Owner(ownerAddr), PegBands{Mint: 1, Redeem: 1, TWAMM: 1})
	require.Error(t, err)
	require.Equal(t, uint64(50_000), f.ctrl.Snapshot().Bands.Mint)
}

func TestAMOLending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := Owner(ownerAddr)

	require.NoError(t, f.ctrl.GiveFRAXToAMO(ctx, owner, amoAddr, tokens(200)))
	require.Equal(t, tokens(300), f.ledger.Balance(ledger.FRAX, amoAddr))
	require.ErrorIs(t, f.ctrl.GiveFRAXToAMO(ctx, owner, amoAddr, tokens(301)), ErrBorrowCap)
	require.ErrorIs(t, f.ctrl.GiveFRAXToAMO(ctx, owner, userAddr, tokens(1)), ErrInvalidAMO)
	require.ErrorIs(t, f.ctrl.GiveFRAXToAMO(ctx, User(userAddr), amoAddr, tokens(1)), ErrNotOwnerOrTimelock)

	require.ErrorIs(t, f.ctrl.ReceiveFRAXFromAMO(ctx, AMOMember(userAddr), tokens(1)), ErrInvalidAMO)
	require.ErrorIs(t, f.ctrl.ReceiveFRAXFromAMO(ctx, User(amoAddr), tokens(1)), ErrInvalidAMO)

	require.NoError(t, f.ctrl.ReceiveFRAXFromAMO(ctx, AMOMember(amoAddr), tokens(250)))
	snap := f.ctrl.Snapshot()
	require.True(t, snap.FRAXBorrowed.IsZero())
	require.True(t, snap.AMOs[amoAddr].IsZero())
	require.Equal(t, tokens(1_050), f.ledger.Balance(ledger.FRAX, controllerAddr))
}

func TestAMOWhitelist(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := Owner(ownerAddr)
	other := common.HexToAddress("0x0000000000000000000000000000000000000c02")

	require.ErrorIs(t, f.ctrl.AddAMO(ctx, owner, amoAddr), ErrAMOExists)
	require.NoError(t, f.ctrl.AddAMO(ctx, owner, other))
	require.Len(t, f.ctrl.AMOs(), 2)

	require.NoError(t, f.ctrl.GiveFRAXToAMO(ctx, owner, other, tokens(10)))
	require.NoError(t, f.ctrl.RemoveAMO(ctx, owner, other))
	require.ErrorIs(t, f.ctrl.RemoveAMO(ctx, owner, other), ErrInvalidAMO)
	require.ErrorIs(t, f.ctrl.GiveFRAXToAMO(ctx, owner, other, tokens(1)), ErrInvalidAMO)
	require.Equal(t, tokens(10), f.ctrl.Snapshot().FRAXBorrowed)
	require.Equal(t, tokens(10), f.ledger.Balance(ledger.FRAX, other))
}

func TestOwnershipTransfer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	next := common.HexToAddress("0x0000000000000000000000000000000000000a13")

	require.ErrorIs(t, f.ctrl.NominateNewOwner(ctx, Timelock(timelockAddr), next), ErrNotOwnerOrTimelock)
	require.NoError(t, f.ctrl.NominateNewOwner(ctx, Owner(ownerAddr), next))
	require.ErrorIs(t, f.ctrl.AcceptOwnership(ctx, Owner(userAddr)), ErrNotNominated)
	require.NoError(t, f.ctrl.AcceptOwnership(ctx, Owner(next)))

	require.ErrorIs(t, f.ctrl.SetMintCap(ctx, Owner(ownerAddr), tokens(1)), ErrNotOwnerOrTimelock)
	require.NoError(t, f.ctrl.SetMintCap(ctx, Owner(next), tokens(1)))
	require.Equal(t, next, f.store.last.Owner)
}

func TestSetters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := Owner(ownerAddr)

	require.NoError(t, f.ctrl.SetMintRedeemFees(ctx, owner, false, 1_000, 10_000, true, 2_000, 5_000))
	snap := f.ctrl.Snapshot()
	require.Equal(t, DeltaFee{Min: 1_000, Max: 10_000}, snap.Fees.Mint)
	require.Equal(t, ManualFee{Fee: 2_000}, snap.Fees.Redeem)

	require.ErrorIs(t, f.ctrl.SetMintRedeemFees(ctx, owner, false, 10_000, 1_000, true, 0, 0), ErrInvalidFee)
	require.ErrorIs(t, f.ctrl.SetPegBands(ctx, owner, PegBands{Mint: PricePrecision + 1}), ErrInvalidBand)
	require.ErrorIs(t, f.ctrl.SetSwapPeriod(ctx, owner, time.Minute), ErrInvalidSwapPeriod)

	require.NoError(t, f.ctrl.SetSwapPeriod(ctx, owner, 24*time.Hour))
	require.NoError(t, f.ctrl.SetTWAMMMaxSwapIn(ctx, owner, tokens(5), tokens(6)))
	require.NoError(t, f.ctrl.SetFRAXBorrowCap(ctx, owner, tokens(7)))
	require.NoError(t, f.ctrl.SetTimelock(ctx, owner, common.Address{}))
	snap = f.ctrl.Snapshot()
	require.Equal(t, 24*time.Hour, snap.SwapPeriod)
	require.Equal(t, tokens(6), snap.Caps.MaxSwapIn[ledger.FPI])
	require.Equal(t, tokens(7), snap.Caps.FRAXBorrowCap)

	// Timelock disabled.
	require.ErrorIs(t, f.ctrl.SetMintCap(ctx, Timelock(timelockAddr), tokens(1)), ErrNotOwnerOrTimelock)

	order, err := f.ctrl.TwammManual(ctx, owner, tokens(5), nil, 0)
	require.NoError(t, err)
	require.Equal(t, uint64(24), order.Intervals)
}

func TestComputeFee(t *testing.T) {
	cases := []struct {
		name string
		mode FeeMode
		diff uint64
		want uint64
	}{
		{"manual ignores deviation", ManualFee{Fee: 3_000}, 90_000, 3_000},
		{"delta floored", DeltaFee{Min: 1_000, Max: 10_000}, 10, 1_000},
		{"delta tracks deviation", DeltaFee{Min: 1_000, Max: 10_000}, 4_200, 4_200},
		{"delta capped", DeltaFee{Min: 1_000, Max: 10_000}, 90_000, 10_000},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ComputeFee(tc.mode, tc.diff); got != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, got)
			}
		})
	}
}

func TestPriceInfoIsReadOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.oracle.peg = new(uint256.Int).Mul(uint256.NewInt(102), uint256.NewInt(10_000_000_000_000_000))

	first, err := f.ctrl.PriceInfo(ctx)
	require.NoError(t, err)
	second, err := f.ctrl.PriceInfo(ctx)
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Equal(t, uint64(19_607), first.PriceDiffFracAbs)
	require.Negative(t, first.CollatImbalance)
	require.Zero(t, f.store.saves)

	status, err := f.ctrl.PegStatusMntRdm(ctx)
	require.NoError(t, err)
	require.True(t, status.WithinMintBand)
}

func TestCollatImbalanceSaturates(t *testing.T) {
	peg := uint256.NewInt(1_000_000_000_000_000_000)
	huge := new(uint256.Int).Mul(uint256.NewInt(100_000_000), peg)

	info, err := computePriceInfo(twamm.Reserves{FRAX: uint256.NewInt(1), FPI: huge}, peg)
	require.NoError(t, err)
	require.Equal(t, int64(math.MinInt64), info.CollatImbalance)
	require.Equal(t, uint64(PricePrecision), info.PriceDiffFracAbs)

	info, err = computePriceInfo(twamm.Reserves{FRAX: huge, FPI: uint256.NewInt(1)}, peg)
	require.NoError(t, err)
	require.Equal(t, int64(999_999), info.CollatImbalance)

	info, err = computePriceInfo(twamm.Reserves{FRAX: tokens(1_000), FPI: tokens(1_000)}, peg)
	require.NoError(t, err)
	require.Zero(t, info.CollatImbalance)
	require.Zero(t, info.PriceDiffFracAbs)

	require.Equal(t, int64(math.MaxInt64), clampInt64(new(big.Int).Lsh(big.NewInt(1), 80)))
	require.Equal(t, int64(-7), clampInt64(big.NewInt(-7)))
}

func TestRestoreRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.ctrl.TwammManual(ctx, Owner(ownerAddr), tokens(10), nil, 5)
	require.NoError(t, err)
	saved := f.store.last
	require.NotNil(t, saved.Order)

	g := newFixture(t)
	require.NoError(t, g.ctrl.Restore(saved))
	order, pending := g.ctrl.PendingOrder()
	require.True(t, pending)
	require.Equal(t, saved.Order.ID, order.ID)
	_, err = g.ctrl.TwammManual(ctx, Owner(ownerAddr), tokens(10), nil, 5)
	require.ErrorIs(t, err, ErrOrderPending)
}

func TestCancelMissingOrderClearsSlot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := Owner(ownerAddr)
	_, err := f.ctrl.TwammManual(ctx, owner, tokens(10), nil, 5)
	require.NoError(t, err)

	g := newFixture(t)
	require.NoError(t, g.ctrl.Restore(f.store.last))
	_, err = g.ctrl.CancelCurrentOrder(ctx, owner, 0)
	require.ErrorIs(t, err, ErrNoPendingOrder)
	_, pending := g.ctrl.PendingOrder()
	require.False(t, pending)
}

func TestLoweredCapsBlockUntilRestored(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := Owner(ownerAddr)

	require.NoError(t, f.ctrl.SetMintCap(ctx, owner, tokens(1)))
	_, err := f.ctrl.Mint(ctx, User(userAddr), tokens(10), nil)
	require.ErrorIs(t, err, ErrMintCap)
	require.True(t, f.ledger.Balance(ledger.FRAX, userAddr).Eq(tokens(10_000)))
	require.NoError(t, f.ctrl.SetMintCap(ctx, owner, tokens(1_000)))
	out, err := f.ctrl.Mint(ctx, User(userAddr), tokens(10), nil)
	require.NoError(t, err)
	require.Equal(t, out, f.ctrl.Snapshot().FPIMinted)

	require.NoError(t, f.ctrl.SetTWAMMMaxSwapIn(ctx, owner, tokens(10), tokens(10)))
	_, err = f.ctrl.TwammManual(ctx, owner, tokens(100), nil, 4)
	require.ErrorIs(t, err, ErrTooMuchFRAXSold)
	require.Equal(t, tokens(1_010), f.ledger.Balance(ledger.FRAX, controllerAddr))

	require.NoError(t, f.ctrl.SetFRAXBorrowCap(ctx, owner, tokens(10)))
	require.ErrorIs(t, f.ctrl.GiveFRAXToAMO(ctx, owner, amoAddr, tokens(50)), ErrBorrowCap)

	require.NoError(t, f.ctrl.SetTWAMMMaxSwapIn(ctx, owner, tokens(1_000), tokens(1_000)))
	require.NoError(t, f.ctrl.SetFRAXBorrowCap(ctx, owner, tokens(500)))
	_, err = f.ctrl.TwammManual(ctx, owner, tokens(100), nil, 4)
	require.NoError(t, err)
	require.NoError(t, f.ctrl.GiveFRAXToAMO(ctx, owner, amoAddr, tokens(50)))
	require.Equal(t, tokens(50), f.ctrl.Snapshot().FRAXBorrowed)
}
