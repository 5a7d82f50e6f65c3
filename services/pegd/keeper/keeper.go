package keeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/holiman/uint256"
	"github.com/robfig/cron/v3"

	"pegkeeper/observability"
	"pegkeeper/services/pegd/controller"
	"pegkeeper/services/pegd/twamm"
)

const (
	JobExecute   = "execute_virtual_orders"
	JobCollect   = "collect_expired"
	JobRebalance = "rebalance"
)

// Controller is the subset of the peg controller the keeper drives.
type Controller interface {
	PendingOrder() (controller.PendingOrder, bool)
	Snapshot() controller.State
	PegStatusMntRdm(ctx context.Context) (controller.PegStatus, error)
	CollectCurrentProceeds(ctx context.Context, p controller.Principal, index uint64) (twamm.Settlement, error)
	TwammToPeg(ctx context.Context, p controller.Principal, override *uint256.Int) (controller.PendingOrder, error)
}

// Executor advances the order book's virtual orders.
type Executor interface {
	ExecuteVirtualOrders(ctx context.Context, ts time.Time) error
}

// Config holds the cron specs of each job. An empty spec disables the job.
type Config struct {
	ExecuteSpec   string
	CollectSpec   string
	RebalanceSpec string
	// Principal is the governance identity used to collect and rebalance.
	Principal controller.Principal
	Timeout   time.Duration
}

// Keeper runs periodic maintenance against the controller and its order book.
type Keeper struct {
	cfg     Config
	ctrl    Controller
	book    Executor
	cron    *cron.Cron
	clock   func() time.Time
	metrics *observability.KeeperMetrics
	logger  *slog.Logger

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

// Option customises a Keeper.
type Option func(*Keeper)

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(k *Keeper) {
		if clock != nil {
			k.clock = clock
		}
	}
}

// WithLogger installs a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(k *Keeper) {
		if l != nil {
			k.logger = l
		}
	}
}

// New validates the schedules and registers the jobs.
func New(cfg Config, ctrl Controller, book Executor, opts ...Option) (*Keeper, error) {
	if ctrl == nil {
		return nil, fmt.Errorf("keeper: controller required")
	}
	if book == nil {
		return nil, fmt.Errorf("keeper: executor required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	k := &Keeper{
		cfg:     cfg,
		ctrl:    ctrl,
		book:    book,
		clock:   time.Now,
		metrics: observability.Keeper(),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(k)
		}
	}
	k.cron = cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(cronLogger{k.logger}),
		cron.WithChain(cron.Recover(cronLogger{k.logger}), cron.SkipIfStillRunning(cronLogger{k.logger})),
	)
	jobs := []struct {
		name string
		spec string
		run  func(context.Context) error
	}{
		{JobExecute, cfg.ExecuteSpec, k.ExecuteVirtualOrders},
		{JobCollect, cfg.CollectSpec, k.CollectExpired},
		{JobRebalance, cfg.RebalanceSpec, k.Rebalance},
	}
	for _, job := range jobs {
		if job.spec == "" {
			continue
		}
		job := job
		if _, err := k.cron.AddFunc(job.spec, func() { k.run(job.name, job.run) }); err != nil {
			return nil, fmt.Errorf("keeper: schedule %s: %w", job.name, err)
		}
	}
	return k, nil
}

// Start begins running jobs until ctx is cancelled or Stop is called.
func (k *Keeper) Start(ctx context.Context) {
	k.mu.Lock()
	k.ctx, k.cancel = context.WithCancel(ctx)
	k.mu.Unlock()
	k.cron.Start()
	k.logger.Info("keeper started", "entries", len(k.cron.Entries()))
}

// Stop halts the scheduler and waits for running jobs.
func (k *Keeper) Stop() {
	done := k.cron.Stop()
	k.mu.Lock()
	if k.cancel != nil {
		k.cancel()
	}
	k.mu.Unlock()
	<-done.Done()
}

func (k *Keeper) run(name string, fn func(context.Context) error) {
	k.mu.Lock()
	parent := k.ctx
	k.mu.Unlock()
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithTimeout(parent, k.cfg.Timeout)
	defer cancel()
	err := fn(ctx)
	k.metrics.RecordRun(name, k.clock(), err)
	if err != nil {
		k.logger.Warn("keeper job failed", "job", name, "error", err)
	}
}

// ExecuteVirtualOrders advances the order book to now.
func (k *Keeper) ExecuteVirtualOrders(ctx context.Context) error {
	return k.book.ExecuteVirtualOrders(ctx, k.clock())
}

// CollectExpired withdraws the final proceeds of an expired order, clearing the slot.
func (k *Keeper) CollectExpired(ctx context.Context) error {
	order, pending := k.ctrl.PendingOrder()
	if !pending || k.clock().Before(order.Expiry) {
		return nil
	}
	settlement, err := k.ctrl.CollectCurrentProceeds(ctx, k.cfg.Principal, 0)
	if err != nil {
		if errors.Is(err, controller.ErrNoPendingOrder) {
			return nil
		}
		return err
	}
	k.logger.Info("keeper collected expired order",
		"order_id", order.ID,
		"proceeds", settlement.Proceeds.Dec(),
		"closed", settlement.Closed,
	)
	return nil
}

// Rebalance submits a to-peg order when mints are out of band but the deviation is
// still inside the TWAMM band and no order is pending.
func (k *Keeper) Rebalance(ctx context.Context) error {
	if _, pending := k.ctrl.PendingOrder(); pending {
		return nil
	}
	status, err := k.ctrl.PegStatusMntRdm(ctx)
	if err != nil {
		return err
	}
	if status.WithinMintBand {
		return nil
	}
	if status.DiffFracAbs > k.ctrl.Snapshot().Bands.TWAMM {
		return nil
	}
	order, err := k.ctrl.TwammToPeg(ctx, k.cfg.Principal, nil)
	if err != nil {
		if errors.Is(err, controller.ErrAtPeg) || errors.Is(err, controller.ErrOrderPending) {
			return nil
		}
		return err
	}
	k.logger.Info("keeper submitted to-peg order",
		"order_id", order.ID,
		"sell", order.Sell.String(),
		"amount", order.AmountIn.Dec(),
		"deviation", status.DiffFracAbs,
	)
	return nil
}

// cronLogger adapts slog to the scheduler's logger.
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error("cron: "+msg, append([]interface{}{"error", err}, keysAndValues...)...)
}
