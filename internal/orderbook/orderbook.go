// Package orderbook implements the per-symbol in-memory bid/ask ladder with
// monotonic update-id application.
//
// An OrderBook is owned by exactly one tracker worker goroutine (see
// internal/tracker); its mutex exists only so read-only accessors such as
// Snapshot can observe a consistent point-in-time view concurrently with
// the owner's writes, not to arbitrate between multiple writers.
package orderbook

import (
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"depthtracker/pkg/types"
)

// OrderBook is the bid/ask ladder for a single trading pair.
type OrderBook struct {
	mu sync.RWMutex

	tradingPair string
	bids        map[string]types.PriceLevel // price string key -> level
	asks        map[string]types.PriceLevel

	snapshotUID uint64
	lastDiffUID uint64

	lastTradePrice            decimal.Decimal
	lastAppliedTrade          time.Time
	lastTradePriceRestUpdated time.Time
}

// New creates an empty book for a trading pair.
func New(tradingPair string) *OrderBook {
	return &OrderBook{
		tradingPair: tradingPair,
		bids:        make(map[string]types.PriceLevel),
		asks:        make(map[string]types.PriceLevel),
	}
}

// TradingPair returns the symbol this book tracks.
func (b *OrderBook) TradingPair() string { return b.tradingPair }

// ApplyDiffs upserts each bid/ask level (a zero size removes the level) and
// advances last_diff_uid, provided updateID is strictly greater than the
// book's current last_diff_uid. A diff at or below the current id is
// dropped silently — this is the precondition that makes per-symbol
// update-id application monotonic.
func (b *OrderBook) ApplyDiffs(bids, asks []types.PriceLevel, updateID uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.applyDiffsLocked(bids, asks, updateID)
}

func (b *OrderBook) applyDiffsLocked(bids, asks []types.PriceLevel, updateID uint64) bool {
	if updateID <= b.lastDiffUID {
		return false
	}
	upsert(b.bids, bids)
	upsert(b.asks, asks)
	b.lastDiffUID = updateID
	return true
}

func upsert(side map[string]types.PriceLevel, levels []types.PriceLevel) {
	for _, lvl := range levels {
		key := lvl.Price.String()
		if lvl.Size.IsZero() {
			delete(side, key)
			continue
		}
		side[key] = lvl
	}
}

// RestoreFromSnapshotAndDiffs replaces both ladders with the snapshot's
// levels, sets snapshot_uid = last_diff_uid = snapshot.UpdateID, then
// re-applies every diff in pastDiffs whose UpdateID is greater than the
// snapshot's, in ascending id order. This reconciles a snapshot that
// arrives after diffs the tracker already buffered.
func (b *OrderBook) RestoreFromSnapshotAndDiffs(snapshot types.OrderBookMessage, pastDiffs []types.OrderBookMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.bids = make(map[string]types.PriceLevel, len(snapshot.Bids))
	b.asks = make(map[string]types.PriceLevel, len(snapshot.Asks))
	upsert(b.bids, snapshot.Bids)
	upsert(b.asks, snapshot.Asks)
	b.snapshotUID = snapshot.UpdateID
	b.lastDiffUID = snapshot.UpdateID

	replay := make([]types.OrderBookMessage, 0, len(pastDiffs))
	for _, d := range pastDiffs {
		if d.UpdateID > snapshot.UpdateID {
			replay = append(replay, d)
		}
	}
	sort.Slice(replay, func(i, j int) bool { return replay[i].UpdateID < replay[j].UpdateID })
	for _, d := range replay {
		b.applyDiffsLocked(d.Bids, d.Asks, d.UpdateID)
	}
}

// ApplyTrade records the execution's price and the time it was applied.
// Trades carry no update id and are always applied.
func (b *OrderBook) ApplyTrade(content types.TradeContent, at time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastTradePrice = content.Price
	b.lastAppliedTrade = at
}

// ApplyRESTTradePrice records a trade price learned from the REST fallback
// loop rather than the live trade stream, advancing
// last_trade_price_rest_updated but not last_applied_trade.
func (b *OrderBook) ApplyRESTTradePrice(price decimal.Decimal, at time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastTradePrice = price
	b.lastTradePriceRestUpdated = at
}

// Snapshot returns a consistent point-in-time view of both ladders, bids
// sorted descending by price and asks ascending.
func (b *OrderBook) Snapshot() (bids, asks []types.PriceLevel) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	bids = sortedLevels(b.bids, true)
	asks = sortedLevels(b.asks, false)
	return bids, asks
}

func sortedLevels(side map[string]types.PriceLevel, descending bool) []types.PriceLevel {
	out := make([]types.PriceLevel, 0, len(side))
	for _, lvl := range side {
		out = append(out, lvl)
	}
	sort.Slice(out, func(i, j int) bool {
		if descending {
			return out[i].Price.GreaterThan(out[j].Price)
		}
		return out[i].Price.LessThan(out[j].Price)
	})
	return out
}

// SnapshotUID returns the update id the book was last fully reset to.
func (b *OrderBook) SnapshotUID() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.snapshotUID
}

// LastDiffUID returns the most recently applied diff's update id.
func (b *OrderBook) LastDiffUID() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastDiffUID
}

// LastTradePrice returns the most recently observed trade price.
func (b *OrderBook) LastTradePrice() decimal.Decimal {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastTradePrice
}

// LastAppliedTrade returns when the live trade stream last updated this
// book, the zero time if never.
func (b *OrderBook) LastAppliedTrade() time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastAppliedTrade
}

// LastTradePriceRestUpdated returns when the REST fallback loop last
// refreshed this book's trade price.
func (b *OrderBook) LastTradePriceRestUpdated() time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastTradePriceRestUpdated
}

// BestBidAsk returns the top of book, ok=false if either side is empty.
func (b *OrderBook) BestBidAsk() (bid, ask types.PriceLevel, ok bool) {
	bids, asks := b.Snapshot()
	if len(bids) == 0 || len(asks) == 0 {
		return types.PriceLevel{}, types.PriceLevel{}, false
	}
	return bids[0], asks[0], true
}
