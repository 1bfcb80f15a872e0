package orderbook

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"depthtracker/pkg/types"
)

func lvl(price, size string) types.PriceLevel {
	return types.PriceLevel{Price: decimal.RequireFromString(price), Size: decimal.RequireFromString(size)}
}

func TestApplyDiffsRequiresIncreasingUpdateID(t *testing.T) {
	t.Parallel()
	b := New("BTC-USDT")

	b.ApplyDiffs([]types.PriceLevel{lvl("100", "1")}, nil, 10)
	if got := b.LastDiffUID(); got != 10 {
		t.Fatalf("LastDiffUID() = %d, want 10", got)
	}

	// Equal or lower update id: dropped silently, no state change.
	b.ApplyDiffs([]types.PriceLevel{lvl("200", "9")}, nil, 10)
	if got := b.LastDiffUID(); got != 10 {
		t.Errorf("LastDiffUID() after stale diff = %d, want unchanged 10", got)
	}
	bids, _ := b.Snapshot()
	if len(bids) != 1 {
		t.Errorf("stale diff mutated the book: bids = %v", bids)
	}

	b.ApplyDiffs([]types.PriceLevel{lvl("101", "2")}, nil, 11)
	if got := b.LastDiffUID(); got != 11 {
		t.Errorf("LastDiffUID() = %d, want 11", got)
	}
}

func TestApplyDiffsZeroSizeRemoves(t *testing.T) {
	t.Parallel()
	b := New("BTC-USDT")
	b.ApplyDiffs([]types.PriceLevel{lvl("100", "1")}, nil, 1)
	b.ApplyDiffs([]types.PriceLevel{lvl("100", "0")}, nil, 2)

	bids, _ := b.Snapshot()
	if len(bids) != 0 {
		t.Errorf("bids = %v, want empty after size-0 removal", bids)
	}
}

// Late snapshot reconciliation.
func TestRestoreFromSnapshotAndDiffsReplaysOnlyNewerDiffs(t *testing.T) {
	t.Parallel()
	b := New("BTC-USDT")

	pastDiffs := []types.OrderBookMessage{
		{Kind: types.Diff, UpdateID: 11, Bids: []types.PriceLevel{lvl("100", "1")}},
		{Kind: types.Diff, UpdateID: 12, Asks: []types.PriceLevel{lvl("102", "3")}},
	}

	snapshot := types.OrderBookMessage{
		Kind:     types.Snapshot,
		UpdateID: 11,
		Bids:     []types.PriceLevel{lvl("100", "1")},
		Asks:     []types.PriceLevel{lvl("101", "1")},
	}

	b.RestoreFromSnapshotAndDiffs(snapshot, pastDiffs)

	if got := b.SnapshotUID(); got != 11 {
		t.Errorf("SnapshotUID() = %d, want 11", got)
	}
	if got := b.LastDiffUID(); got != 12 {
		t.Errorf("LastDiffUID() = %d, want 12 (diff 12 replayed atop the snapshot)", got)
	}

	_, asks := b.Snapshot()
	found := false
	for _, a := range asks {
		if a.Price.Equal(decimal.RequireFromString("102")) {
			found = true
		}
	}
	if !found {
		t.Errorf("asks = %v, want replayed level at 102", asks)
	}
}

func TestApplySnapshotTwiceIsNoOp(t *testing.T) {
	t.Parallel()
	b := New("BTC-USDT")
	snapshot := types.OrderBookMessage{
		UpdateID: 5,
		Bids:     []types.PriceLevel{lvl("100", "1")},
		Asks:     []types.PriceLevel{lvl("101", "1")},
	}
	b.RestoreFromSnapshotAndDiffs(snapshot, nil)
	first, _ := b.Snapshot()

	b.RestoreFromSnapshotAndDiffs(snapshot, nil)
	second, _ := b.Snapshot()

	if len(first) != len(second) || !first[0].Price.Equal(second[0].Price) {
		t.Errorf("applying the same snapshot twice changed book state: %v vs %v", first, second)
	}
}

func TestApplyTradeUpdatesLastTradePrice(t *testing.T) {
	t.Parallel()
	b := New("BTC-USDT")
	now := time.Now()
	b.ApplyTrade(types.TradeContent{Price: decimal.RequireFromString("123.45"), Amount: decimal.RequireFromString("1")}, now)

	if !b.LastTradePrice().Equal(decimal.RequireFromString("123.45")) {
		t.Errorf("LastTradePrice() = %v, want 123.45", b.LastTradePrice())
	}
	if !b.LastAppliedTrade().Equal(now) {
		t.Errorf("LastAppliedTrade() = %v, want %v", b.LastAppliedTrade(), now)
	}
}

func TestBestBidAskOrdering(t *testing.T) {
	t.Parallel()
	b := New("BTC-USDT")
	b.ApplyDiffs([]types.PriceLevel{lvl("100", "1"), lvl("99", "1")}, []types.PriceLevel{lvl("102", "1"), lvl("101", "1")}, 1)

	bid, ask, ok := b.BestBidAsk()
	if !ok {
		t.Fatal("BestBidAsk() ok = false")
	}
	if !bid.Price.Equal(decimal.RequireFromString("100")) {
		t.Errorf("best bid = %v, want 100", bid.Price)
	}
	if !ask.Price.Equal(decimal.RequireFromString("101")) {
		t.Errorf("best ask = %v, want 101", ask.Price)
	}
}
