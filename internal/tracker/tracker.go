// Package tracker maintains one exchange's order books: it initializes a
// book per trading pair, routes the market data source's diff/snapshot/
// trade streams to the per-pair worker that owns that book, and supports
// adding or removing pairs at runtime without losing in-flight messages.
//
// Diffs that arrive before a pair finishes initializing are buffered in a
// bounded saved queue and drained first once its worker starts; diffs
// applied since the last snapshot are retained in a small replay window so
// a snapshot that arrives late can be reconciled without dropping the
// book. Pairs whose live trade stream goes quiet fall back to a periodic
// REST price refresh.
package tracker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"depthtracker/internal/eventhub"
	"depthtracker/internal/orderbook"
	"depthtracker/internal/ring"
	"depthtracker/pkg/types"
)

const (
	defaultPastDiffsWindowSize = 32
	defaultSavedQueueSize      = 1000
	defaultInitPairDelay       = time.Second
	defaultOutdatedTradeAge    = 180 * time.Second
	defaultTradeRestRefreshMin = 5 * time.Second
	defaultRestFallbackPoll    = time.Second
	statsLogInterval           = time.Minute
	perPairInboxDepth          = 256
	globalStreamDepth          = 2048
)

// DataSource is everything the tracker needs from a market data source.
// marketdata.Source implements it; tests substitute a fake.
type DataSource interface {
	ListenForSubscriptions(ctx context.Context, pairs []string) error
	ListenForOrderBookDiffs(ctx context.Context, out chan<- types.OrderBookMessage) error
	ListenForOrderBookSnapshots(ctx context.Context, out chan<- types.OrderBookMessage) error
	ListenForTrades(ctx context.Context, out chan<- types.OrderBookMessage) error
	GetNewOrderBook(ctx context.Context, pair string) (types.OrderBookMessage, error)
	GetLastTradedPrices(ctx context.Context, pairs []string) (map[string]decimal.Decimal, error)
	Resubscribe(pairs []string)
}

// Config tunes the tracker's buffering and fallback thresholds.
type Config struct {
	PastDiffsWindowSize      int
	SavedQueueSize           int
	InitPairDelay            time.Duration
	OutdatedTradeAge         time.Duration
	TradeRestRefreshMin      time.Duration
	RestFallbackPollInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.PastDiffsWindowSize == 0 {
		c.PastDiffsWindowSize = defaultPastDiffsWindowSize
	}
	if c.SavedQueueSize == 0 {
		c.SavedQueueSize = defaultSavedQueueSize
	}
	if c.InitPairDelay == 0 {
		c.InitPairDelay = defaultInitPairDelay
	}
	if c.OutdatedTradeAge == 0 {
		c.OutdatedTradeAge = defaultOutdatedTradeAge
	}
	if c.TradeRestRefreshMin == 0 {
		c.TradeRestRefreshMin = defaultTradeRestRefreshMin
	}
	if c.RestFallbackPollInterval == 0 {
		c.RestFallbackPollInterval = defaultRestFallbackPoll
	}
	return c
}

// pairState is everything one trading pair's worker owns: its book, its
// live inbox, its past-diffs replay window, and the cancellation the
// worker observes (its own sub-context of the tracker's run, so Stop or a
// targeted RemoveTradingPair can tear down just this one goroutine).
type pairState struct {
	book      *orderbook.OrderBook
	inbox     chan types.OrderBookMessage
	pastDiffs *ring.Buffer[types.OrderBookMessage] // worker-owned only, no lock needed
	ctx       context.Context
	cancel    context.CancelFunc
}

// Tracker owns one exchange's order books, their ingress routing, and the
// per-pair workers that apply updates to them.
type Tracker struct {
	source DataSource
	hub    *eventhub.Hub // optional; nil means no event publication
	logger *slog.Logger
	cfg    Config

	mu    sync.RWMutex
	pairs map[string]*pairState
	known map[string]struct{} // currently-desired trading pairs, whether initialized yet or not

	savedMu sync.Mutex
	saved   map[string]*ring.Buffer[types.OrderBookMessage] // pre-init diff buffer, keyed by pair

	readyMu sync.RWMutex
	readyCh chan struct{}

	diffStream     chan types.OrderBookMessage
	snapshotStream chan types.OrderBookMessage
	tradeStream    chan types.OrderBookMessage

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	stopped bool
}

// New builds a Tracker over source. hub may be nil if no strategy needs
// trade/diff events published.
func New(source DataSource, hub *eventhub.Hub, cfg Config, logger *slog.Logger) *Tracker {
	return &Tracker{
		source:  source,
		hub:     hub,
		logger:  logger,
		cfg:     cfg.withDefaults(),
		pairs:   make(map[string]*pairState),
		known:   make(map[string]struct{}),
		saved:   make(map[string]*ring.Buffer[types.OrderBookMessage]),
		readyCh: make(chan struct{}),
		stopped: true,
	}
}

// Start cancels any prior run, then spawns the full task set: init, the
// four source-drain listeners, the two routers, the trade loop, and the
// REST trade-price fallback loop.
func (t *Tracker) Start(ctx context.Context, tradingPairs []string) error {
	t.Stop()

	t.ctx, t.cancel = context.WithCancel(ctx)
	t.stopped = false

	t.mu.Lock()
	t.pairs = make(map[string]*pairState)
	t.known = make(map[string]struct{}, len(tradingPairs))
	for _, p := range tradingPairs {
		t.known[p] = struct{}{}
	}
	t.mu.Unlock()

	t.savedMu.Lock()
	t.saved = make(map[string]*ring.Buffer[types.OrderBookMessage])
	t.savedMu.Unlock()

	t.readyMu.Lock()
	t.readyCh = make(chan struct{})
	t.readyMu.Unlock()

	t.diffStream = make(chan types.OrderBookMessage, globalStreamDepth)
	t.snapshotStream = make(chan types.OrderBookMessage, globalStreamDepth)
	t.tradeStream = make(chan types.OrderBookMessage, globalStreamDepth)

	t.spawn(func() { t.initOrderBooks(t.ctx, tradingPairs) })
	t.spawn(func() { t.runDrain("subscriptions", func() error { return t.source.ListenForSubscriptions(t.ctx, tradingPairs) }) })
	t.spawn(func() { t.runDrain("diffs", func() error { return t.source.ListenForOrderBookDiffs(t.ctx, t.diffStream) }) })
	t.spawn(func() { t.runDrain("snapshots", func() error { return t.source.ListenForOrderBookSnapshots(t.ctx, t.snapshotStream) }) })
	t.spawn(func() { t.runDrain("trades", func() error { return t.source.ListenForTrades(t.ctx, t.tradeStream) }) })
	t.spawn(func() { t.diffRouter(t.ctx) })
	t.spawn(func() { t.snapshotRouter(t.ctx) })
	t.spawn(func() { t.tradeLoop(t.ctx) })
	t.spawn(func() { t.restFallbackLoop(t.ctx) })

	return nil
}

func (t *Tracker) spawn(fn func()) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		fn()
	}()
}

// runDrain runs fn once and logs a non-cancellation error. A drain task
// failing is not fatal to the tracker: only Start surfaces errors, and
// this task simply stops (its underlying WS/REST layer already retries
// internally).
func (t *Tracker) runDrain(name string, fn func() error) {
	if err := fn(); err != nil && t.ctx.Err() == nil && t.logger != nil {
		t.logger.Error("tracker drain task stopped", "task", name, "error", err)
	}
}

// Stop cancels every task this tracker spawned and clears ready state. It
// is safe to call multiple times and safe to call before Start.
func (t *Tracker) Stop() {
	if t.stopped {
		return
	}
	t.stopped = true
	if t.cancel != nil {
		t.cancel()
	}
	t.wg.Wait()

	t.readyMu.Lock()
	t.readyCh = make(chan struct{})
	t.readyMu.Unlock()

	t.mu.Lock()
	for _, ps := range t.pairs {
		ps.cancel()
	}
	t.pairs = make(map[string]*pairState)
	t.known = make(map[string]struct{})
	t.mu.Unlock()
}

// Ready reports whether every initial pair has a book.
func (t *Tracker) Ready() bool {
	t.readyMu.RLock()
	ch := t.readyCh
	t.readyMu.RUnlock()
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

// WaitReady blocks until Ready() would return true or ctx is cancelled.
func (t *Tracker) WaitReady(ctx context.Context) error {
	t.readyMu.RLock()
	ch := t.readyCh
	t.readyMu.RUnlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OrderBooks returns a snapshot of the current pair->book map. Callers
// receive the live *orderbook.OrderBook pointers; OrderBook's own API is
// read-only from a strategy's perspective (Snapshot/BestBidAsk/etc.).
func (t *Tracker) OrderBooks() map[string]*orderbook.OrderBook {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]*orderbook.OrderBook, len(t.pairs))
	for pair, ps := range t.pairs {
		out[pair] = ps.book
	}
	return out
}

// initOrderBooks fetches each pair's initial REST snapshot in order,
// spawns its worker, then fires ready. A REST failure is retried with a
// short backoff rather than abandoning the pair; ready only fires once
// every initial pair has a book.
func (t *Tracker) initOrderBooks(ctx context.Context, pairs []string) {
	for i, pair := range pairs {
		msg, ok := t.fetchInitialSnapshot(ctx, pair)
		if !ok {
			return // ctx cancelled while retrying
		}

		ps := t.newPairState(pair, msg)

		t.mu.Lock()
		t.pairs[pair] = ps
		t.mu.Unlock()

		t.spawn(func() { t.trackSingleBook(ps.ctx, pair, ps) })

		if t.logger != nil {
			t.logger.Info("initialized order book", "pair", pair, "progress", fmt.Sprintf("%d/%d", i+1, len(pairs)))
		}

		if i < len(pairs)-1 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(t.cfg.InitPairDelay):
			}
		}
	}

	t.readyMu.RLock()
	ch := t.readyCh
	t.readyMu.RUnlock()
	close(ch)
}

func (t *Tracker) fetchInitialSnapshot(ctx context.Context, pair string) (types.OrderBookMessage, bool) {
	backoff := time.Second
	for {
		msg, err := t.source.GetNewOrderBook(ctx, pair)
		if err == nil {
			return msg, true
		}
		if t.logger != nil {
			t.logger.Warn("failed to fetch initial order book, retrying", "pair", pair, "error", err, "backoff", backoff)
		}
		select {
		case <-ctx.Done():
			return types.OrderBookMessage{}, false
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

func (t *Tracker) newPairState(pair string, snapshot types.OrderBookMessage) *pairState {
	book := orderbook.New(pair)
	book.RestoreFromSnapshotAndDiffs(snapshot, nil)

	ctx, cancel := context.WithCancel(t.ctx)
	return &pairState{
		book:      book,
		inbox:     make(chan types.OrderBookMessage, perPairInboxDepth),
		pastDiffs: ring.New[types.OrderBookMessage](t.cfg.PastDiffsWindowSize),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// diffRouter pops from the global diff stream and fans out by pair:
// desired-but-not-yet-initialized pairs buffer into the saved ring,
// tracked pairs with a stale update id are dropped, everything else
// reaches the pair's worker inbox.
//
// A pair absent from both "tracked" and "known" is dropped outright: it
// can only be a pair removed at runtime or never configured, and its
// stragglers must not be re-buffered forever.
func (t *Tracker) diffRouter(ctx context.Context) {
	var queued, accepted, rejected int
	lastLog := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-t.diffStream:
			ps, tracked := t.lookupPair(msg.TradingPair)
			switch {
			case !tracked && t.isKnown(msg.TradingPair):
				t.pushSaved(msg.TradingPair, msg)
				queued++
			case !tracked:
				// Not a currently-desired pair: drop outright.
			case ps.book.SnapshotUID() > msg.UpdateID:
				rejected++
			default:
				select {
				case ps.inbox <- msg:
					accepted++
				default:
					if t.logger != nil {
						t.logger.Warn("tracking queue full, dropping diff", "pair", msg.TradingPair)
					}
				}
			}

			if now := time.Now(); now.Sub(lastLog) >= statsLogInterval {
				if t.logger != nil {
					t.logger.Debug("diff router stats", "accepted", accepted, "rejected", rejected, "queued", queued)
				}
				accepted, rejected, queued = 0, 0, 0
				lastLog = now
			}
		}
	}
}

// snapshotRouter waits for init, then fans snapshots out by pair,
// dropping anything for a pair with no worker.
func (t *Tracker) snapshotRouter(ctx context.Context) {
	if err := t.WaitReady(ctx); err != nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-t.snapshotStream:
			ps, ok := t.lookupPair(msg.TradingPair)
			if !ok {
				continue
			}
			select {
			case ps.inbox <- msg:
			default:
				if t.logger != nil {
					t.logger.Warn("tracking queue full, dropping snapshot", "pair", msg.TradingPair)
				}
			}
		}
	}
}

// trackSingleBook is the per-pair worker: drain the saved (pre-init) ring
// first, then the live inbox, applying diffs and reconciling snapshots
// against the past-diffs window.
func (t *Tracker) trackSingleBook(ctx context.Context, pair string, ps *pairState) {
	var accepted int
	lastLog := time.Now()

	for {
		if ctx.Err() != nil {
			return
		}

		var msg types.OrderBookMessage
		if saved, ok := t.popSaved(pair); ok {
			msg = saved
		} else {
			select {
			case <-ctx.Done():
				return
			case msg = <-ps.inbox:
			}
		}

		switch msg.Kind {
		case types.Diff:
			ps.book.ApplyDiffs(msg.Bids, msg.Asks, msg.UpdateID)
			ps.pastDiffs.Push(msg)
			accepted++
			if t.hub != nil {
				t.hub.Publish(types.TopicOrderBookDiff, msg)
			}
		case types.Snapshot:
			if snapshotPredatesWindow(msg, ps.pastDiffs) {
				t.resyncBook(ctx, pair, ps)
				continue
			}
			ps.book.RestoreFromSnapshotAndDiffs(msg, ps.pastDiffs.Values())
		}

		if now := time.Now(); now.Sub(lastLog) >= statsLogInterval {
			if t.logger != nil {
				t.logger.Debug("order book diffs processed", "pair", pair, "count", accepted)
			}
			accepted = 0
			lastLog = now
		}
	}
}

// snapshotPredatesWindow reports whether a snapshot is too old for the
// past-diffs ring to reconcile: the ring has already evicted diffs, and the
// oldest one it still holds is not contiguous with the snapshot. Replaying
// from here would leave a gap, so the canonical recovery is a fresh REST
// snapshot.
func snapshotPredatesWindow(snapshot types.OrderBookMessage, pastDiffs *ring.Buffer[types.OrderBookMessage]) bool {
	if pastDiffs.Len() < pastDiffs.Cap() {
		return false // nothing evicted yet; replay covers everything
	}
	vals := pastDiffs.Values()
	return vals[0].UpdateID > snapshot.UpdateID+1
}

// resyncBook discards the pair's book state, re-issues the REST snapshot,
// and resets the past-diffs window.
func (t *Tracker) resyncBook(ctx context.Context, pair string, ps *pairState) {
	if t.logger != nil {
		t.logger.Warn("snapshot predates past-diffs window, resynchronizing from REST", "pair", pair)
	}
	msg, ok := t.fetchInitialSnapshot(ctx, pair)
	if !ok {
		return
	}
	ps.pastDiffs.Reset()
	ps.book.RestoreFromSnapshotAndDiffs(msg, nil)
}

// tradeLoop waits for init, then applies every trade to its pair's book
// and republishes it on the event hub.
func (t *Tracker) tradeLoop(ctx context.Context) {
	if err := t.WaitReady(ctx); err != nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-t.tradeStream:
			ps, ok := t.lookupPair(msg.TradingPair)
			if !ok || msg.Content == nil {
				continue
			}
			ps.book.ApplyTrade(*msg.Content, time.Now())
			if t.hub != nil {
				t.hub.Publish(types.TopicOrderBookTrade, types.TradeEvent{
					TradingPair: msg.TradingPair,
					Price:       msg.Content.Price,
					Amount:      msg.Content.Amount,
					TradeType:   msg.Content.TradeType,
					Timestamp:   msg.Timestamp,
				})
			}
		}
	}
}

// restFallbackLoop refreshes trade prices for pairs whose live trade
// stream has gone quiet past OutdatedTradeAge, at most once per
// TradeRestRefreshMin per pair.
func (t *Tracker) restFallbackLoop(ctx context.Context) {
	if err := t.WaitReady(ctx); err != nil {
		return
	}
	ticker := time.NewTicker(t.cfg.RestFallbackPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			outdated := t.outdatedPairs()
			if len(outdated) == 0 {
				continue
			}
			prices, err := t.source.GetLastTradedPrices(ctx, outdated)
			if err != nil {
				if t.logger != nil {
					t.logger.Warn("rest trade price fallback failed", "error", err)
				}
				continue
			}
			now := time.Now()
			for pair, price := range prices {
				if ps, ok := t.lookupPair(pair); ok {
					ps.book.ApplyRESTTradePrice(price, now)
				}
			}
		}
	}
}

func (t *Tracker) outdatedPairs() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	now := time.Now()
	var out []string
	for pair, ps := range t.pairs {
		if ps.book.LastAppliedTrade().IsZero() {
			continue // never traded yet over WS; nothing to refresh from a gap
		}
		if now.Sub(ps.book.LastAppliedTrade()) < t.cfg.OutdatedTradeAge {
			continue
		}
		if now.Sub(ps.book.LastTradePriceRestUpdated()) < t.cfg.TradeRestRefreshMin {
			continue
		}
		out = append(out, pair)
	}
	return out
}

func (t *Tracker) lookupPair(pair string) (*pairState, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ps, ok := t.pairs[pair]
	return ps, ok
}

func (t *Tracker) isKnown(pair string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.known[pair]
	return ok
}

func (t *Tracker) pushSaved(pair string, msg types.OrderBookMessage) {
	t.savedMu.Lock()
	defer t.savedMu.Unlock()
	buf, ok := t.saved[pair]
	if !ok {
		buf = ring.New[types.OrderBookMessage](t.cfg.SavedQueueSize)
		t.saved[pair] = buf
	}
	buf.Push(msg)
}

func (t *Tracker) popSaved(pair string) (types.OrderBookMessage, bool) {
	t.savedMu.Lock()
	defer t.savedMu.Unlock()
	buf, ok := t.saved[pair]
	if !ok {
		return types.OrderBookMessage{}, false
	}
	return buf.PopFront()
}

// AddTradingPair starts tracking one more pair: fetch its initial book,
// spawn its worker, mark it known, and resubscribe the websocket.
func (t *Tracker) AddTradingPair(ctx context.Context, pair string) error {
	if t.isKnown(pair) {
		return nil
	}

	t.mu.Lock()
	t.known[pair] = struct{}{}
	t.mu.Unlock()

	msg, ok := t.fetchInitialSnapshot(ctx, pair)
	if !ok {
		return fmt.Errorf("tracker: add trading pair %s: %w", pair, ctx.Err())
	}

	ps := t.newPairState(pair, msg)
	t.mu.Lock()
	t.pairs[pair] = ps
	t.mu.Unlock()

	t.spawn(func() { t.trackSingleBook(ps.ctx, pair, ps) })

	t.source.Resubscribe(t.knownPairsList())
	return nil
}

// RemoveTradingPair stops the pair's worker, drops its book/queues, and
// resubscribes. Messages already in flight for this pair on the global
// streams are dropped by the routers' membership test once known[pair] is
// gone.
func (t *Tracker) RemoveTradingPair(pair string) {
	t.mu.Lock()
	ps, ok := t.pairs[pair]
	if ok {
		delete(t.pairs, pair)
	}
	delete(t.known, pair)
	remaining := t.knownPairsListLocked()
	t.mu.Unlock()

	if ok {
		ps.cancel()
	}

	t.savedMu.Lock()
	delete(t.saved, pair)
	t.savedMu.Unlock()

	t.source.Resubscribe(remaining)
}

func (t *Tracker) knownPairsList() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.knownPairsListLocked()
}

func (t *Tracker) knownPairsListLocked() []string {
	out := make([]string, 0, len(t.known))
	for p := range t.known {
		out = append(out, p)
	}
	return out
}
