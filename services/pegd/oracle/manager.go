package oracle

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"lukechampine.com/blake3"

	"pegkeeper/observability"
)

const (
	// FeedCPI is the consumer price index level.
	FeedCPI = "CPI"
	// FeedFRAXUSD is the FRAX dollar price.
	FeedFRAXUSD = "FRAXUSD"
)

// Quote is a single observation from a source.
type Quote struct {
	Value     decimal.Decimal
	Timestamp time.Time
}

// Source resolves the latest value of a feed.
type Source interface {
	Name() string
	Fetch(ctx context.Context, feed string) (Quote, error)
}

// Publisher receives aggregated rounds.
type Publisher interface {
	PublishOracleUpdate(ctx context.Context, update Update) error
}

// Recorder persists aggregated rounds.
type Recorder interface {
	RecordOracleRound(ctx context.Context, update Update) error
}

// Update is one aggregated round for a feed.
type Update struct {
	Feed    string
	Median  decimal.Decimal
	Feeders []string
	ProofID string
	Time    time.Time
}

// Manager polls every source for every feed on an interval and publishes medians.
type Manager struct {
	logger    *slog.Logger
	sources   []Source
	feeds     []string
	minFeeds  int
	maxAge    time.Duration
	interval  time.Duration
	publisher Publisher
	recorder  Recorder
	clock     func() time.Time
	once      sync.Once
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger installs a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = l
	}
}

// WithRecorder persists every published round.
func WithRecorder(r Recorder) Option {
	return func(m *Manager) {
		m.recorder = r
	}
}

// WithManagerClock overrides the time source.
func WithManagerClock(clock func() time.Time) Option {
	return func(m *Manager) {
		m.clock = clock
	}
}

// NewManager constructs a manager publishing to publisher.
func NewManager(publisher Publisher, sources []Source, feeds []string, interval, maxAge time.Duration, minFeeds int, opts ...Option) (*Manager, error) {
	if publisher == nil {
		return nil, fmt.Errorf("publisher required")
	}
	if len(sources) == 0 {
		return nil, fmt.Errorf("at least one source required")
	}
	if len(feeds) == 0 {
		return nil, fmt.Errorf("at least one feed required")
	}
	if interval <= 0 {
		return nil, fmt.Errorf("interval must be positive")
	}
	if maxAge <= 0 {
		maxAge = time.Hour
	}
	if minFeeds <= 0 {
		minFeeds = 1
	}
	mgr := &Manager{
		logger:    slog.Default(),
		sources:   append([]Source{}, sources...),
		feeds:     append([]string{}, feeds...),
		interval:  interval,
		maxAge:    maxAge,
		minFeeds:  minFeeds,
		publisher: publisher,
		clock:     time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(mgr)
		}
	}
	if mgr.logger == nil {
		mgr.logger = slog.Default()
	}
	if mgr.clock == nil {
		mgr.clock = time.Now
	}
	return mgr, nil
}

// Run blocks, polling feeds until the context is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	if m == nil {
		return fmt.Errorf("manager not configured")
	}
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	m.once.Do(func() {
		m.logger.Info("pegd/oracle: manager started", "sources", len(m.sources), "feeds", strings.Join(m.feeds, ","))
	})
	for {
		if err := m.Tick(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			m.logger.Warn("pegd/oracle: tick failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick aggregates every feed once. Feeds are independent: a failing feed does not stop
// the others, and the first error is returned.
func (m *Manager) Tick(ctx context.Context) error {
	if m == nil {
		return fmt.Errorf("manager not configured")
	}
	var firstErr error
	for _, feed := range m.feeds {
		if err := m.processFeed(ctx, feed); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m *Manager) processFeed(ctx context.Context, feed string) error {
	feed = strings.ToUpper(strings.TrimSpace(feed))
	if feed == "" {
		return fmt.Errorf("invalid feed configuration")
	}
	now := m.clock()
	values := make([]decimal.Decimal, 0, len(m.sources))
	feeders := make([]string, 0, len(m.sources))
	oldest := now
	for _, src := range m.sources {
		if src == nil {
			continue
		}
		quote, err := src.Fetch(ctx, feed)
		if err != nil {
			m.logger.Warn("pegd/oracle: source failed", "source", src.Name(), "feed", feed, "error", err)
			continue
		}
		if !quote.Value.IsPositive() {
			m.logger.Warn("pegd/oracle: source returned invalid value", "source", src.Name(), "feed", feed)
			continue
		}
		if quote.Timestamp.After(now.Add(5 * time.Second)) {
			m.logger.Warn("pegd/oracle: source produced future timestamp", "source", src.Name(), "feed", feed)
			continue
		}
		if quote.Timestamp.Before(now.Add(-m.maxAge)) {
			m.logger.Warn("pegd/oracle: source quote expired", "source", src.Name(), "feed", feed)
			continue
		}
		feeders = append(feeders, src.Name())
		values = append(values, quote.Value)
		if quote.Timestamp.Before(oldest) {
			oldest = quote.Timestamp
		}
	}
	if len(values) < m.minFeeds {
		return fmt.Errorf("insufficient oracle feeds for %s", feed)
	}
	update := Update{
		Feed:    feed,
		Median:  median(values),
		Feeders: feeders,
		ProofID: proofID(feed, feeders, now),
		Time:    now,
	}
	if m.recorder != nil {
		if err := m.recorder.RecordOracleRound(ctx, update); err != nil {
			m.logger.Error("pegd/oracle: record round", "error", err, "feed", feed)
		}
	}
	if err := m.publisher.PublishOracleUpdate(ctx, update); err != nil {
		return fmt.Errorf("publish %s: %w", feed, err)
	}
	observability.Oracle().RecordRound(feed, now.Sub(oldest))
	return nil
}

func median(values []decimal.Decimal) decimal.Decimal {
	sorted := append([]decimal.Decimal{}, values...)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].LessThan(sorted[j])
	})
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return sorted[mid-1].Add(sorted[mid]).Div(decimal.NewFromInt(2))
}

func proofID(feed string, feeders []string, ts time.Time) string {
	digest := blake3.New(32, nil)
	digest.Write([]byte(feed))
	digest.Write([]byte(ts.UTC().Format(time.RFC3339Nano)))
	sorted := append([]string{}, feeders...)
	sort.Strings(sorted)
	for _, f := range sorted {
		digest.Write([]byte(strings.ToLower(strings.TrimSpace(f))))
	}
	return hex.EncodeToString(digest.Sum(nil))
}

// PublisherFunc adapts ordinary functions to Publisher.
type PublisherFunc func(ctx context.Context, update Update) error

// PublishOracleUpdate implements Publisher.
func (f PublisherFunc) PublishOracleUpdate(ctx context.Context, update Update) error {
	if f == nil {
		return nil
	}
	return f(ctx, update)
}
