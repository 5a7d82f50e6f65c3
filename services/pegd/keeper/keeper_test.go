package keeper

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"pegkeeper/services/pegd/controller"
	"pegkeeper/services/pegd/twamm"
)

type fakeController struct {
	order     *controller.PendingOrder
	status    controller.PegStatus
	bands     controller.PegBands
	collects  int
	toPeg     int
	toPegErr  error
	principal controller.Principal
}

func (f *fakeController) PendingOrder() (controller.PendingOrder, bool) {
	if f.order == nil {
		return controller.PendingOrder{}, false
	}
	return *f.order, true
}

func (f *fakeController) Snapshot() controller.State {
	return controller.State{Bands: f.bands}
}

func (f *fakeController) PegStatusMntRdm(context.Context) (controller.PegStatus, error) {
	return f.status, nil
}

func (f *fakeController) CollectCurrentProceeds(_ context.Context, p controller.Principal, _ uint64) (twamm.Settlement, error) {
	f.collects++
	f.principal = p
	f.order = nil
	return twamm.Settlement{Proceeds: uint256.NewInt(1), Closed: true}, nil
}

func (f *fakeController) TwammToPeg(_ context.Context, p controller.Principal, _ *uint256.Int) (controller.PendingOrder, error) {
	f.toPeg++
	f.principal = p
	if f.toPegErr != nil {
		return controller.PendingOrder{}, f.toPegErr
	}
	return controller.PendingOrder{ID: 1, AmountIn: uint256.NewInt(10)}, nil
}

type fakeExecutor struct {
	calls []time.Time
}

func (f *fakeExecutor) ExecuteVirtualOrders(_ context.Context, ts time.Time) error {
	f.calls = append(f.calls, ts)
	return nil
}

var keeperPrincipal = controller.Timelock(common.HexToAddress("0x0000000000000000000000000000000000000a12"))

func newTestKeeper(t *testing.T, ctrl *fakeController, now time.Time) (*Keeper, *fakeExecutor) {
	t.Helper()
	book := &fakeExecutor{}
	k, err := New(Config{
		ExecuteSpec:   "@every 1m",
		CollectSpec:   "@every 5m",
		RebalanceSpec: "*/15 * * * *",
		Principal:     keeperPrincipal,
	}, ctrl, book, WithClock(func() time.Time { return now }))
	require.NoError(t, err)
	return k, book
}

func TestNewRejectsBadSpec(t *testing.T) {
	_, err := New(Config{ExecuteSpec: "every minute"}, &fakeController{}, &fakeExecutor{})
	require.Error(t, err)
}

func TestExecuteVirtualOrdersUsesClock(t *testing.T) {
	now := time.Unix(1_700_000_000, 0).UTC()
	k, book := newTestKeeper(t, &fakeController{}, now)
	require.NoError(t, k.ExecuteVirtualOrders(context.Background()))
	require.Equal(t, []time.Time{now}, book.calls)
}

func TestCollectExpired(t *testing.T) {
	now := time.Unix(1_700_000_000, 0).UTC()
	ctrl := &fakeController{order: &controller.PendingOrder{ID: 3, Expiry: now.Add(time.Hour)}}
	k, _ := newTestKeeper(t, ctrl, now)

	require.NoError(t, k.CollectExpired(context.Background()))
	require.Zero(t, ctrl.collects)

	ctrl.order.Expiry = now.Add(-time.Second)
	require.NoError(t, k.CollectExpired(context.Background()))
	require.Equal(t, 1, ctrl.collects)
	require.Equal(t, keeperPrincipal, ctrl.principal)

	require.NoError(t, k.CollectExpired(context.Background()))
	require.Equal(t, 1, ctrl.collects)
}

func TestRebalance(t *testing.T) {
	now := time.Unix(1_700_000_000, 0).UTC()
	ctrl := &fakeController{
		bands:  controller.PegBands{Mint: 1_000, Redeem: 1_000, TWAMM: 50_000},
		status: controller.PegStatus{DiffFracAbs: 500, WithinMintBand: true},
	}
	k, _ := newTestKeeper(t, ctrl, now)
	ctx := context.Background()

	require.NoError(t, k.Rebalance(ctx))
	require.Zero(t, ctrl.toPeg)

	ctrl.status = controller.PegStatus{DiffFracAbs: 80_000}
	require.NoError(t, k.Rebalance(ctx))
	require.Zero(t, ctrl.toPeg)

	ctrl.status = controller.PegStatus{DiffFracAbs: 20_000}
	require.NoError(t, k.Rebalance(ctx))
	require.Equal(t, 1, ctrl.toPeg)

	ctrl.toPegErr = controller.ErrAtPeg
	require.NoError(t, k.Rebalance(ctx))

	ctrl.toPegErr = errors.New("book unavailable")
	require.Error(t, k.Rebalance(ctx))

	ctrl.order = &controller.PendingOrder{ID: 9, Expiry: now.Add(time.Hour)}
	calls := ctrl.toPeg
	require.NoError(t, k.Rebalance(ctx))
	require.Equal(t, calls, ctrl.toPeg)
}

func TestStartStop(t *testing.T) {
	k, _ := newTestKeeper(t, &fakeController{}, time.Now())
	k.Start(context.Background())
	k.Stop()
}
