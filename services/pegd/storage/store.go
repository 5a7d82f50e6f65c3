package storage

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"lukechampine.com/blake3"

	"pegkeeper/services/pegd/controller"
	"pegkeeper/services/pegd/ledger"
	"pegkeeper/services/pegd/oracle"
)

const (
	defaultEventLimit = 100
	maxEventLimit     = 5000
)

// Open connects to a postgres:// DSN or, for anything else, a SQLite file or memory DSN.
func Open(dsn string) (*gorm.DB, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("storage: dsn required")
	}
	var dialector gorm.Dialector
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		dialector = postgres.Open(dsn)
	} else {
		dialector = sqlite.Open(dsn)
	}
	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("storage: open: %w", err)
	}
	return db, nil
}

// Store persists controller state, the event journal and oracle rounds.
type Store struct {
	db    *gorm.DB
	clock func() time.Time
}

// New migrates db and wraps it.
func New(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("storage: db required")
	}
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("storage: migrate: %w", err)
	}
	return &Store{db: db, clock: time.Now}, nil
}

// DB exposes the underlying handle.
func (s *Store) DB() *gorm.DB { return s.db }

// SaveState implements controller.Store. The controller row, the AMO whitelist and the
// active order are replaced in one transaction.
func (s *Store) SaveState(ctx context.Context, state controller.State) error {
	record := encodeState(state)
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&record).Error; err != nil {
			return fmt.Errorf("storage: save controller: %w", err)
		}

		addrs := make([]string, 0, len(state.AMOs))
		amos := make([]AMORecord, 0, len(state.AMOs))
		for addr, borrowed := range state.AMOs {
			addrs = append(addrs, addr.Hex())
			amos = append(amos, AMORecord{Address: addr.Hex(), Borrowed: encodeAmount(borrowed), UpdatedAt: record.UpdatedAt})
		}
		prune := tx.Where("1 = 1")
		if len(addrs) > 0 {
			prune = tx.Where("address NOT IN ?", addrs)
		}
		if err := prune.Delete(&AMORecord{}).Error; err != nil {
			return fmt.Errorf("storage: prune amos: %w", err)
		}
		if len(amos) > 0 {
			if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&amos).Error; err != nil {
				return fmt.Errorf("storage: save amos: %w", err)
			}
		}

		if err := tx.Model(&OrderRecord{}).Where("active = ?", true).Update("active", false).Error; err != nil {
			return fmt.Errorf("storage: retire orders: %w", err)
		}
		if state.Order != nil {
			order := encodeOrder(*state.Order)
			if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&order).Error; err != nil {
				return fmt.Errorf("storage: save order: %w", err)
			}
		}
		return nil
	})
}

// LoadState returns the persisted controller state. The boolean is false when nothing
// has been saved yet.
func (s *Store) LoadState(ctx context.Context) (controller.State, bool, error) {
	db := s.db.WithContext(ctx)
	var record ControllerRecord
	if err := db.First(&record, singletonID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return controller.State{}, false, nil
		}
		return controller.State{}, false, fmt.Errorf("storage: load controller: %w", err)
	}
	state, err := decodeState(record)
	if err != nil {
		return controller.State{}, false, err
	}

	var amos []AMORecord
	if err := db.Find(&amos).Error; err != nil {
		return controller.State{}, false, fmt.Errorf("storage: load amos: %w", err)
	}
	state.AMOs = make(map[common.Address]*uint256.Int, len(amos))
	for _, amo := range amos {
		borrowed, err := decodeAmount(amo.Borrowed)
		if err != nil {
			return controller.State{}, false, fmt.Errorf("storage: amo %s: %w", amo.Address, err)
		}
		state.AMOs[common.HexToAddress(amo.Address)] = borrowed
	}

	var orders []OrderRecord
	if err := db.Where("active = ?", true).Limit(1).Find(&orders).Error; err != nil {
		return controller.State{}, false, fmt.Errorf("storage: load order: %w", err)
	}
	if len(orders) == 1 {
		order, err := decodeOrder(orders[0])
		if err != nil {
			return controller.State{}, false, err
		}
		state.Order = &order
	}
	return state, true, nil
}

// Orders lists every order placed, newest first.
func (s *Store) Orders(ctx context.Context, limit int) ([]OrderRecord, error) {
	if limit <= 0 || limit > maxEventLimit {
		limit = defaultEventLimit
	}
	var orders []OrderRecord
	if err := s.db.WithContext(ctx).Order("submitted_at DESC").Limit(limit).Find(&orders).Error; err != nil {
		return nil, fmt.Errorf("storage: list orders: %w", err)
	}
	return orders, nil
}

// Publish implements controller.EventSink by appending to the journal. Journal failures
// are logged; the mutation they describe has already been persisted.
func (s *Store) Publish(ctx context.Context, event controller.Event) {
	if _, err := s.AppendEvent(ctx, event); err != nil {
		slog.ErrorContext(ctx, "pegd/storage: append event", "error", err, "kind", event.Kind)
	}
}

// AppendEvent writes event to the journal and returns the stored record.
func (s *Store) AppendEvent(ctx context.Context, event controller.Event) (EventRecord, error) {
	details, err := json.Marshal(event.Fields)
	if err != nil {
		return EventRecord{}, fmt.Errorf("storage: encode event: %w", err)
	}
	at := event.Time
	if at.IsZero() {
		at = s.clock()
	}
	record := EventRecord{
		ID:        uuid.New(),
		Kind:      event.Kind,
		Actor:     event.Actor,
		Details:   string(details),
		CreatedAt: at.UTC(),
	}
	record.Digest = eventDigest(record)
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		return EventRecord{}, fmt.Errorf("storage: append event: %w", err)
	}
	return record, nil
}

// EventFilter narrows ListEvents.
type EventFilter struct {
	Kind  string
	Since time.Time
	Limit int
}

// ListEvents returns journal entries in chronological order.
func (s *Store) ListEvents(ctx context.Context, filter EventFilter) ([]EventRecord, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultEventLimit
	}
	if limit > maxEventLimit {
		limit = maxEventLimit
	}
	query := s.db.WithContext(ctx).Model(&EventRecord{})
	if kind := strings.TrimSpace(filter.Kind); kind != "" {
		query = query.Where("kind = ?", kind)
	}
	if !filter.Since.IsZero() {
		query = query.Where("created_at >= ?", filter.Since.UTC())
	}
	var events []EventRecord
	if err := query.Order("created_at ASC").Limit(limit).Find(&events).Error; err != nil {
		return nil, fmt.Errorf("storage: list events: %w", err)
	}
	return events, nil
}

// Verify reports whether the record's digest matches its contents.
func (r EventRecord) Verify() bool {
	return r.Digest == eventDigest(r)
}

func eventDigest(r EventRecord) string {
	payload := strings.Join([]string{
		r.Kind,
		r.Actor,
		strconv.FormatInt(r.CreatedAt.UTC().UnixNano(), 10),
		r.Details,
	}, "|")
	sum := blake3.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

// RecordOracleRound implements oracle.Recorder.
func (s *Store) RecordOracleRound(ctx context.Context, update oracle.Update) error {
	round := OracleRound{
		ID:         uuid.New(),
		Feed:       update.Feed,
		Median:     update.Median.String(),
		Feeders:    strings.Join(update.Feeders, ","),
		ProofID:    update.ProofID,
		ObservedAt: update.Time.UTC(),
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&round).Error
	if err != nil {
		return fmt.Errorf("storage: record round: %w", err)
	}
	return nil
}

// RecentRounds returns the newest rounds of feed.
func (s *Store) RecentRounds(ctx context.Context, feed string, limit int) ([]OracleRound, error) {
	if limit <= 0 || limit > maxEventLimit {
		limit = defaultEventLimit
	}
	var rounds []OracleRound
	err := s.db.WithContext(ctx).
		Where("feed = ?", strings.ToUpper(strings.TrimSpace(feed))).
		Order("observed_at DESC").
		Limit(limit).
		Find(&rounds).Error
	if err != nil {
		return nil, fmt.Errorf("storage: recent rounds: %w", err)
	}
	return rounds, nil
}

// SaveTracker persists the CPI ramp.
func (s *Store) SaveTracker(ctx context.Context, state oracle.TrackerState) error {
	record := TrackerRecord{
		ID:                singletonID,
		PegLast:           encodeAmount(state.PegLast),
		PegTarget:         encodeAmount(state.PegTarget),
		RampStart:         state.RampStart.UTC(),
		RampPeriodSeconds: int64(state.RampPeriod / time.Second),
		LastCPI:           state.LastCPI.String(),
		ObservedAt:        state.ObservedAt.UTC(),
		UpdatedAt:         s.clock().UTC(),
	}
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&record).Error; err != nil {
		return fmt.Errorf("storage: save tracker: %w", err)
	}
	return nil
}

// LoadTracker returns the persisted CPI ramp, if any.
func (s *Store) LoadTracker(ctx context.Context) (oracle.TrackerState, bool, error) {
	var record TrackerRecord
	if err := s.db.WithContext(ctx).First(&record, singletonID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return oracle.TrackerState{}, false, nil
		}
		return oracle.TrackerState{}, false, fmt.Errorf("storage: load tracker: %w", err)
	}
	pegLast, err := decodeAmount(record.PegLast)
	if err != nil {
		return oracle.TrackerState{}, false, fmt.Errorf("storage: tracker peg: %w", err)
	}
	pegTarget, err := decodeAmount(record.PegTarget)
	if err != nil {
		return oracle.TrackerState{}, false, fmt.Errorf("storage: tracker target: %w", err)
	}
	lastCPI, err := decimal.NewFromString(record.LastCPI)
	if err != nil {
		return oracle.TrackerState{}, false, fmt.Errorf("storage: tracker cpi: %w", err)
	}
	return oracle.TrackerState{
		PegLast:    pegLast,
		PegTarget:  pegTarget,
		RampStart:  record.RampStart,
		RampPeriod: time.Duration(record.RampPeriodSeconds) * time.Second,
		LastCPI:    lastCPI,
		ObservedAt: record.ObservedAt,
	}, true, nil
}

func encodeState(state controller.State) ControllerRecord {
	mintManual, mintFee, mintFeeMax := encodeFee(state.Fees.Mint)
	redeemManual, redeemFee, redeemFeeMax := encodeFee(state.Fees.Redeem)
	updated := state.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	return ControllerRecord{
		ID:                singletonID,
		Owner:             state.Owner.Hex(),
		NominatedOwner:    state.NominatedOwner.Hex(),
		Timelock:          state.Timelock.Hex(),
		MintsPaused:       state.MintsPaused,
		RedeemsPaused:     state.RedeemsPaused,
		MintFeeManual:     mintManual,
		MintFee:           mintFee,
		MintFeeMax:        mintFeeMax,
		RedeemFeeManual:   redeemManual,
		RedeemFee:         redeemFee,
		RedeemFeeMax:      redeemFeeMax,
		BandMint:          state.Bands.Mint,
		BandRedeem:        state.Bands.Redeem,
		BandTWAMM:         state.Bands.TWAMM,
		MintCap:           encodeAmount(state.Caps.MintCap),
		FRAXBorrowCap:     encodeAmount(state.Caps.FRAXBorrowCap),
		MaxSwapInFRAX:     encodeAmount(state.Caps.MaxSwapIn[ledger.FRAX]),
		MaxSwapInFPI:      encodeAmount(state.Caps.MaxSwapIn[ledger.FPI]),
		SwapPeriodSeconds: int64(state.SwapPeriod / time.Second),
		FPIMinted:         encodeAmount(state.FPIMinted),
		FRAXBorrowed:      encodeAmount(state.FRAXBorrowed),
		UpdatedAt:         updated.UTC(),
	}
}

func decodeState(record ControllerRecord) (controller.State, error) {
	mint, err := controller.NewFeeMode(record.MintFeeManual, record.MintFee, record.MintFeeMax)
	if err != nil {
		return controller.State{}, fmt.Errorf("storage: mint fee: %w", err)
	}
	redeem, err := controller.NewFeeMode(record.RedeemFeeManual, record.RedeemFee, record.RedeemFeeMax)
	if err != nil {
		return controller.State{}, fmt.Errorf("storage: redeem fee: %w", err)
	}
	amounts := map[string]string{
		"mint_cap":      record.MintCap,
		"borrow_cap":    record.FRAXBorrowCap,
		"max_swap_frax": record.MaxSwapInFRAX,
		"max_swap_fpi":  record.MaxSwapInFPI,
		"fpi_minted":    record.FPIMinted,
		"frax_borrowed": record.FRAXBorrowed,
	}
	decoded := make(map[string]*uint256.Int, len(amounts))
	for name, raw := range amounts {
		value, err := decodeAmount(raw)
		if err != nil {
			return controller.State{}, fmt.Errorf("storage: %s: %w", name, err)
		}
		decoded[name] = value
	}
	return controller.State{
		Owner:          common.HexToAddress(record.Owner),
		NominatedOwner: common.HexToAddress(record.NominatedOwner),
		Timelock:       common.HexToAddress(record.Timelock),
		MintsPaused:    record.MintsPaused,
		RedeemsPaused:  record.RedeemsPaused,
		Fees:           controller.FeePolicy{Mint: mint, Redeem: redeem},
		Bands: controller.PegBands{
			Mint:   record.BandMint,
			Redeem: record.BandRedeem,
			TWAMM:  record.BandTWAMM,
		},
		Caps: controller.SafetyCaps{
			MintCap:       decoded["mint_cap"],
			FRAXBorrowCap: decoded["borrow_cap"],
			MaxSwapIn:     [2]*uint256.Int{decoded["max_swap_frax"], decoded["max_swap_fpi"]},
		},
		SwapPeriod:   time.Duration(record.SwapPeriodSeconds) * time.Second,
		FPIMinted:    decoded["fpi_minted"],
		FRAXBorrowed: decoded["frax_borrowed"],
		UpdatedAt:    record.UpdatedAt,
	}, nil
}

func encodeFee(mode controller.FeeMode) (bool, uint64, uint64) {
	switch m := mode.(type) {
	case controller.ManualFee:
		return true, m.Fee, m.Fee
	case controller.DeltaFee:
		return false, m.Min, m.Max
	default:
		return true, 0, 0
	}
}

func encodeOrder(order controller.PendingOrder) OrderRecord {
	return OrderRecord{
		ID:          order.ID,
		Sell:        order.Sell.String(),
		AmountIn:    encodeAmount(order.AmountIn),
		Collected:   encodeAmount(order.Collected),
		Intervals:   order.Intervals,
		SubmittedAt: order.SubmittedAt.UTC(),
		Expiry:      order.Expiry.UTC(),
		Active:      true,
	}
}

func decodeOrder(record OrderRecord) (controller.PendingOrder, error) {
	sell, err := ledger.ParseAsset(record.Sell)
	if err != nil {
		return controller.PendingOrder{}, fmt.Errorf("storage: order %d: %w", record.ID, err)
	}
	amountIn, err := decodeAmount(record.AmountIn)
	if err != nil {
		return controller.PendingOrder{}, fmt.Errorf("storage: order %d amount: %w", record.ID, err)
	}
	collected, err := decodeAmount(record.Collected)
	if err != nil {
		return controller.PendingOrder{}, fmt.Errorf("storage: order %d collected: %w", record.ID, err)
	}
	return controller.PendingOrder{
		ID:          record.ID,
		Sell:        sell,
		AmountIn:    amountIn,
		Intervals:   record.Intervals,
		SubmittedAt: record.SubmittedAt.UTC(),
		Expiry:      record.Expiry.UTC(),
		Collected:   collected,
	}, nil
}

func encodeAmount(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}

func decodeAmount(raw string) (*uint256.Int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return new(uint256.Int), nil
	}
	return uint256.FromDecimal(raw)
}
