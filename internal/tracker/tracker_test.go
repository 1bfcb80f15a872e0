package tracker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"depthtracker/pkg/types"
)

// fakeSource is a minimal DataSource double: its snapshot/diff/trade
// methods simply block until ctx is cancelled (callers drive the tracker
// entirely by pushing onto the exported channels below), and
// GetNewOrderBook returns a canned snapshot per pair.
type fakeSource struct {
	mu        sync.Mutex
	snapshots map[string]types.OrderBookMessage
	lastPrice map[string]decimal.Decimal

	resubscribed [][]string

	diffsOut chan<- types.OrderBookMessage
	snapsOut chan<- types.OrderBookMessage
	tradeOut chan<- types.OrderBookMessage
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		snapshots: make(map[string]types.OrderBookMessage),
		lastPrice: make(map[string]decimal.Decimal),
	}
}

func (f *fakeSource) ListenForSubscriptions(ctx context.Context, pairs []string) error {
	<-ctx.Done()
	return ctx.Err()
}

func (f *fakeSource) ListenForOrderBookDiffs(ctx context.Context, out chan<- types.OrderBookMessage) error {
	f.diffsOut = out
	<-ctx.Done()
	return ctx.Err()
}

func (f *fakeSource) ListenForOrderBookSnapshots(ctx context.Context, out chan<- types.OrderBookMessage) error {
	f.snapsOut = out
	<-ctx.Done()
	return ctx.Err()
}

func (f *fakeSource) ListenForTrades(ctx context.Context, out chan<- types.OrderBookMessage) error {
	f.tradeOut = out
	<-ctx.Done()
	return ctx.Err()
}

func (f *fakeSource) GetNewOrderBook(ctx context.Context, pair string) (types.OrderBookMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if msg, ok := f.snapshots[pair]; ok {
		return msg, nil
	}
	return types.OrderBookMessage{Kind: types.Snapshot, TradingPair: pair, UpdateID: 0}, nil
}

func (f *fakeSource) GetLastTradedPrices(ctx context.Context, pairs []string) (map[string]decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]decimal.Decimal, len(pairs))
	for _, p := range pairs {
		if price, ok := f.lastPrice[p]; ok {
			out[p] = price
		}
	}
	return out, nil
}

func (f *fakeSource) Resubscribe(pairs []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resubscribed = append(f.resubscribed, pairs)
}

func lvl(price, size string) types.PriceLevel {
	return types.PriceLevel{Price: decimal.RequireFromString(price), Size: decimal.RequireFromString(size)}
}

func waitForCondition(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

// Late snapshot reconciliation: diffs 10, 11, 12 are applied first,
// then a snapshot at update_id=11 arrives; only diff 12 should replay atop
// it, leaving last_diff_uid at 12.
func TestLateSnapshotReconciliation(t *testing.T) {
	src := newFakeSource()
	tr := New(src, nil, Config{InitPairDelay: time.Millisecond}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := tr.Start(ctx, []string{"BTC-USDT"}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer tr.Stop()

	if !waitForCondition(t, time.Second, func() bool { return src.diffsOut != nil && src.snapsOut != nil }) {
		t.Fatal("drain channels never wired")
	}

	if err := tr.WaitReady(ctx); err != nil {
		t.Fatalf("WaitReady() error = %v", err)
	}

	src.diffsOut <- types.OrderBookMessage{Kind: types.Diff, TradingPair: "BTC-USDT", UpdateID: 10}
	src.diffsOut <- types.OrderBookMessage{Kind: types.Diff, TradingPair: "BTC-USDT", UpdateID: 11}
	src.diffsOut <- types.OrderBookMessage{Kind: types.Diff, TradingPair: "BTC-USDT", UpdateID: 12,
		Asks: []types.PriceLevel{lvl("102", "3")}}

	waitForCondition(t, time.Second, func() bool {
		books := tr.OrderBooks()
		b, ok := books["BTC-USDT"]
		return ok && b.LastDiffUID() == 12
	})

	src.snapsOut <- types.OrderBookMessage{
		Kind: types.Snapshot, TradingPair: "BTC-USDT", UpdateID: 11,
		Bids: []types.PriceLevel{lvl("100", "1")}, Asks: []types.PriceLevel{lvl("101", "1")},
	}

	ok := waitForCondition(t, time.Second, func() bool {
		b := tr.OrderBooks()["BTC-USDT"]
		return b != nil && b.SnapshotUID() == 11 && b.LastDiffUID() == 12
	})
	if !ok {
		b := tr.OrderBooks()["BTC-USDT"]
		t.Fatalf("after late snapshot: snapshot_uid=%d last_diff_uid=%d, want 11/12", b.SnapshotUID(), b.LastDiffUID())
	}
}

// Stale diff drop: a diff below the book's snapshot_uid never reaches the
// pair's worker.
func TestStaleDiffRejectedByRouter(t *testing.T) {
	src := newFakeSource()
	src.snapshots["BTC-USDT"] = types.OrderBookMessage{Kind: types.Snapshot, TradingPair: "BTC-USDT", UpdateID: 50}

	tr := New(src, nil, Config{InitPairDelay: time.Millisecond}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := tr.Start(ctx, []string{"BTC-USDT"}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer tr.Stop()

	if err := tr.WaitReady(ctx); err != nil {
		t.Fatalf("WaitReady() error = %v", err)
	}
	if !waitForCondition(t, time.Second, func() bool { return src.diffsOut != nil }) {
		t.Fatal("diff channel never wired")
	}

	src.diffsOut <- types.OrderBookMessage{Kind: types.Diff, TradingPair: "BTC-USDT", UpdateID: 49}

	time.Sleep(100 * time.Millisecond)
	b := tr.OrderBooks()["BTC-USDT"]
	if b.LastDiffUID() != 50 {
		t.Errorf("LastDiffUID() = %d, want unchanged 50 (stale diff must be dropped)", b.LastDiffUID())
	}
}

// Dynamic pair removal: a diff for a just-removed pair must be
// dropped by the router, not buffered, and must not mutate any book.
func TestRemovedPairDiffIsDropped(t *testing.T) {
	src := newFakeSource()
	tr := New(src, nil, Config{InitPairDelay: time.Millisecond}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := tr.Start(ctx, []string{"A", "B"}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer tr.Stop()

	if err := tr.WaitReady(ctx); err != nil {
		t.Fatalf("WaitReady() error = %v", err)
	}

	tr.RemoveTradingPair("B")

	waitForCondition(t, time.Second, func() bool {
		_, ok := tr.OrderBooks()["B"]
		return !ok
	})
	if _, ok := tr.OrderBooks()["B"]; ok {
		t.Fatal("book for removed pair B still present")
	}
	if !waitForCondition(t, time.Second, func() bool { return src.diffsOut != nil }) {
		t.Fatal("diff channel never wired")
	}

	src.diffsOut <-types.OrderBookMessage{Kind: types.Diff, TradingPair: "B", UpdateID: 1}
	time.Sleep(100 * time.Millisecond)

	if _, ok := tr.OrderBooks()["B"]; ok {
		t.Fatal("diff for removed pair resurrected its book")
	}
}

// A snapshot older than the oldest retained past-diff cannot be reconciled
// by replay once the window has evicted entries; the worker must instead
// re-fetch a fresh REST snapshot and reset the window.
func TestSnapshotOlderThanPastDiffsWindowForcesResync(t *testing.T) {
	src := newFakeSource()
	src.snapshots["BTC-USDT"] = types.OrderBookMessage{Kind: types.Snapshot, TradingPair: "BTC-USDT", UpdateID: 9}

	tr := New(src, nil, Config{InitPairDelay: time.Millisecond, PastDiffsWindowSize: 2}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := tr.Start(ctx, []string{"BTC-USDT"}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer tr.Stop()

	if err := tr.WaitReady(ctx); err != nil {
		t.Fatalf("WaitReady() error = %v", err)
	}
	if !waitForCondition(t, time.Second, func() bool { return src.diffsOut != nil && src.snapsOut != nil }) {
		t.Fatal("drain channels never wired")
	}

	// Fill and overflow the 2-deep window: diff 10 is evicted, 11/12 retained.
	for _, id := range []uint64{10, 11, 12} {
		src.diffsOut <- types.OrderBookMessage{Kind: types.Diff, TradingPair: "BTC-USDT", UpdateID: id}
	}
	if !waitForCondition(t, time.Second, func() bool {
		b := tr.OrderBooks()["BTC-USDT"]
		return b != nil && b.LastDiffUID() == 12
	}) {
		t.Fatal("diffs never applied")
	}

	// The resync path re-fetches from REST; make that fetch distinguishable.
	src.mu.Lock()
	src.snapshots["BTC-USDT"] = types.OrderBookMessage{Kind: types.Snapshot, TradingPair: "BTC-USDT", UpdateID: 100}
	src.mu.Unlock()

	// Snapshot at 5 leaves a gap to the oldest retained diff (11).
	src.snapsOut <- types.OrderBookMessage{Kind: types.Snapshot, TradingPair: "BTC-USDT", UpdateID: 5}

	if !waitForCondition(t, time.Second, func() bool {
		b := tr.OrderBooks()["BTC-USDT"]
		return b != nil && b.SnapshotUID() == 100
	}) {
		b := tr.OrderBooks()["BTC-USDT"]
		t.Fatalf("snapshot_uid = %d, want 100 from the REST resync", b.SnapshotUID())
	}
}

func TestReadyBecomesTrueOnlyAfterAllPairsInitialized(t *testing.T) {
	src := newFakeSource()
	tr := New(src, nil, Config{InitPairDelay: time.Millisecond}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if tr.Ready() {
		t.Fatal("Ready() true before Start")
	}

	if err := tr.Start(ctx, []string{"A", "B", "C"}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer tr.Stop()

	if err := tr.WaitReady(ctx); err != nil {
		t.Fatalf("WaitReady() error = %v", err)
	}
	if !tr.Ready() {
		t.Fatal("Ready() false after WaitReady returned")
	}
	books := tr.OrderBooks()
	for _, p := range []string{"A", "B", "C"} {
		if _, ok := books[p]; !ok {
			t.Errorf("missing book for pair %s after ready", p)
		}
	}
}

// Trade REST fallback: a pair whose live trade stream has gone quiet
// past OutdatedTradeAge gets its price refreshed over REST, advancing
// LastTradePriceRestUpdated.
func TestRestFallbackRefreshesQuietPairs(t *testing.T) {
	src := newFakeSource()
	src.lastPrice["BTC-USDT"] = decimal.RequireFromString("42000.5")

	tr := New(src, nil, Config{
		InitPairDelay:            time.Millisecond,
		OutdatedTradeAge:         50 * time.Millisecond,
		TradeRestRefreshMin:      time.Millisecond,
		RestFallbackPollInterval: 10 * time.Millisecond,
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := tr.Start(ctx, []string{"BTC-USDT"}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer tr.Stop()

	if err := tr.WaitReady(ctx); err != nil {
		t.Fatalf("WaitReady() error = %v", err)
	}
	if !waitForCondition(t, time.Second, func() bool { return src.tradeOut != nil }) {
		t.Fatal("trade channel never wired")
	}

	// One live trade; the pair counts as quiet once OutdatedTradeAge passes
	// with no further trade.
	src.tradeOut <- types.OrderBookMessage{
		Kind: types.Trade, TradingPair: "BTC-USDT",
		Timestamp: time.Now().Add(-100 * time.Millisecond),
		Content:   &types.TradeContent{Price: decimal.RequireFromString("41000")},
	}

	ok := waitForCondition(t, time.Second, func() bool {
		b := tr.OrderBooks()["BTC-USDT"]
		return b != nil && !b.LastTradePriceRestUpdated().IsZero()
	})
	if !ok {
		t.Fatal("REST fallback never refreshed the quiet pair")
	}
	b := tr.OrderBooks()["BTC-USDT"]
	if !b.LastTradePrice().Equal(decimal.RequireFromString("42000.5")) {
		t.Errorf("LastTradePrice() = %s, want the REST-fetched 42000.5", b.LastTradePrice())
	}
}

func TestStartStopStartYieldsConsistentState(t *testing.T) {
	src := newFakeSource()
	tr := New(src, nil, Config{InitPairDelay: time.Millisecond}, nil)
	ctx := context.Background()

	if err := tr.Start(ctx, []string{"A"}); err != nil {
		t.Fatalf("first Start() error = %v", err)
	}
	if err := tr.WaitReady(ctx); err != nil {
		t.Fatalf("first WaitReady() error = %v", err)
	}
	tr.Stop()

	if tr.Ready() {
		t.Fatal("Ready() true after Stop")
	}
	if len(tr.OrderBooks()) != 0 {
		t.Fatal("OrderBooks() non-empty after Stop")
	}

	if err := tr.Start(ctx, []string{"A"}); err != nil {
		t.Fatalf("second Start() error = %v", err)
	}
	defer tr.Stop()
	if err := tr.WaitReady(ctx); err != nil {
		t.Fatalf("second WaitReady() error = %v", err)
	}
	if _, ok := tr.OrderBooks()["A"]; !ok {
		t.Fatal("missing book for A after restart")
	}
}
