package oracle

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

type fakeSource struct {
	name  string
	quote Quote
	err   error
}

func (f *fakeSource) Name() string { return f.name }

func (f *fakeSource) Fetch(ctx context.Context, feed string) (Quote, error) {
	_ = ctx
	if f.err != nil {
		return Quote{}, f.err
	}
	return f.quote, nil
}

type capturingPublisher struct {
	updates []Update
}

func (c *capturingPublisher) PublishOracleUpdate(ctx context.Context, update Update) error {
	_ = ctx
	c.updates = append(c.updates, update)
	return nil
}

type capturingRecorder struct {
	rounds []Update
}

func (c *capturingRecorder) RecordOracleRound(ctx context.Context, update Update) error {
	_ = ctx
	c.rounds = append(c.rounds, update)
	return nil
}

func peg(value string) *uint256.Int {
	return uint256.MustFromDecimal(value)
}

func TestTrackerRampsTowardsTarget(t *testing.T) {
	tracker, err := NewTracker(peg("1000000000000000000"), 30*24*time.Hour, DefaultMaxDeltaFrac)
	if err != nil {
		t.Fatalf("new tracker: %v", err)
	}
	t0 := time.Unix(1_700_000_000, 0)
	if changed, err := tracker.Observe(t0, decimal.NewFromInt(300)); err != nil || changed {
		t.Fatalf("seed observation: changed=%v err=%v", changed, err)
	}
	if changed, err := tracker.Observe(t0, decimal.NewFromInt(303)); err != nil || !changed {
		t.Fatalf("second observation: changed=%v err=%v", changed, err)
	}

	cases := []struct {
		at   time.Duration
		want string
	}{
		{0, "1000000000000000000"},
		{15 * 24 * time.Hour, "1005000000000000000"},
		{30 * 24 * time.Hour, "1010000000000000000"},
		{90 * 24 * time.Hour, "1010000000000000000"},
	}
	for _, tc := range cases {
		if got := tracker.CurrPegPrice(t0.Add(tc.at)).Dec(); got != tc.want {
			t.Fatalf("peg at +%s = %s, want %s", tc.at, got, tc.want)
		}
	}

	if _, err := tracker.Observe(t0.Add(time.Hour), decimal.NewFromInt(330)); !errors.Is(err, ErrCPIDelta) {
		t.Fatalf("expected ErrCPIDelta, got %v", err)
	}
	if _, err := tracker.Observe(t0, decimal.Zero); !errors.Is(err, ErrInvalidCPI) {
		t.Fatalf("expected ErrInvalidCPI, got %v", err)
	}
}

func TestTrackerHandlesDeflation(t *testing.T) {
	tracker, err := NewTracker(peg("1000000000000000000"), 10*time.Second, 0)
	if err != nil {
		t.Fatalf("new tracker: %v", err)
	}
	t0 := time.Unix(1_700_000_000, 0)
	_, _ = tracker.Observe(t0, decimal.NewFromInt(200))
	if _, err := tracker.Observe(t0, decimal.NewFromInt(190)); err != nil {
		t.Fatalf("observe: %v", err)
	}
	if got := tracker.CurrPegPrice(t0.Add(5 * time.Second)).Dec(); got != "975000000000000000" {
		t.Fatalf("unexpected mid-ramp peg %s", got)
	}
}

func TestManagerTickAggregatesMedian(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	srcA := &fakeSource{name: "alpha", quote: Quote{Value: decimal.RequireFromString("0.998"), Timestamp: now}}
	srcB := &fakeSource{name: "beta", quote: Quote{Value: decimal.RequireFromString("1.000"), Timestamp: now}}
	srcC := &fakeSource{name: "gamma", quote: Quote{Value: decimal.RequireFromString("1.004"), Timestamp: now}}
	stale := &fakeSource{name: "delta", quote: Quote{Value: decimal.RequireFromString("5"), Timestamp: now.Add(-2 * time.Hour)}}
	broken := &fakeSource{name: "epsilon", err: errors.New("boom")}

	publisher := &capturingPublisher{}
	recorder := &capturingRecorder{}
	mgr, err := NewManager(publisher, []Source{srcA, srcB, srcC, stale, broken}, []string{FeedFRAXUSD}, time.Second, time.Hour, 2,
		WithRecorder(recorder), WithManagerClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	if err := mgr.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(publisher.updates) != 1 {
		t.Fatalf("expected one update, got %d", len(publisher.updates))
	}
	update := publisher.updates[0]
	if !update.Median.Equal(decimal.RequireFromString("1.000")) {
		t.Fatalf("unexpected median %s", update.Median)
	}
	if len(update.Feeders) != 3 {
		t.Fatalf("expected three feeders, got %v", update.Feeders)
	}
	if len(update.ProofID) != 64 {
		t.Fatalf("unexpected proof id %q", update.ProofID)
	}
	if len(recorder.rounds) != 1 || recorder.rounds[0].ProofID != update.ProofID {
		t.Fatalf("round not recorded: %+v", recorder.rounds)
	}
}

func TestManagerRequiresQuorum(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	src := &fakeSource{name: "alpha", quote: Quote{Value: decimal.NewFromInt(300), Timestamp: now}}
	mgr, err := NewManager(&capturingPublisher{}, []Source{src}, []string{FeedCPI}, time.Second, time.Hour, 2,
		WithManagerClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	if err := mgr.Tick(context.Background()); err == nil {
		t.Fatalf("expected quorum error")
	}
}

func TestPricesApplyUpdates(t *testing.T) {
	tracker, _ := NewTracker(peg("1000000000000000000"), time.Hour, 0)
	prices, err := NewPrices(tracker)
	if err != nil {
		t.Fatalf("new prices: %v", err)
	}
	now := time.Unix(1_700_000_000, 0)
	if err := prices.PublishOracleUpdate(context.Background(), Update{Feed: FeedFRAXUSD, Median: decimal.RequireFromString("0.9985"), Time: now}); err != nil {
		t.Fatalf("publish frax: %v", err)
	}
	if got := prices.FRAXPriceE18().Dec(); got != "998500000000000000" {
		t.Fatalf("unexpected FRAX price %s", got)
	}
	if !prices.UpdatedAt(FeedFRAXUSD).Equal(now) {
		t.Fatalf("update time not tracked")
	}
	if err := prices.PublishOracleUpdate(context.Background(), Update{Feed: "BTC", Median: decimal.NewFromInt(1)}); err == nil {
		t.Fatalf("expected unknown feed error")
	}
}

func TestHTTPSourceSelectsPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/feeds/cpi" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":{"series":[{"value":"301.836","ts":1700000000}]}}`))
	}))
	defer srv.Close()

	registry := &Registry{HTTPClient: srv.Client()}
	src, err := registry.Build(SourceConfig{
		Name:          "bls",
		Type:          "http",
		Endpoint:      srv.URL + "/feeds/{feed}",
		Paths:         map[string]string{"cpi": "data.series.0.value"},
		TimestampPath: "data.series.0.ts",
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	quote, err := src.Fetch(context.Background(), FeedCPI)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if !quote.Value.Equal(decimal.RequireFromString("301.836")) {
		t.Fatalf("unexpected value %s", quote.Value)
	}
	if quote.Timestamp.Unix() != 1_700_000_000 {
		t.Fatalf("unexpected timestamp %s", quote.Timestamp)
	}
	if _, err := src.Fetch(context.Background(), FeedFRAXUSD); err == nil {
		t.Fatalf("expected error for unserved feed")
	}
}

func TestStaticSource(t *testing.T) {
	registry := NewRegistry()
	if _, err := registry.Build(SourceConfig{Type: "static", Paths: map[string]string{"cpi": "abc"}}); err == nil {
		t.Fatalf("expected parse error")
	}
	src, err := registry.Build(SourceConfig{Name: "pinned", Type: "static", Paths: map[string]string{"fraxusd": "1"}})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	quote, err := src.Fetch(context.Background(), FeedFRAXUSD)
	if err != nil || !quote.Value.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("unexpected quote %v err=%v", quote, err)
	}
}
