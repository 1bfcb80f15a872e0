package marketdata

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"depthtracker/internal/exchangeadapter"
	"depthtracker/pkg/types"
)

// fakeAdapter classifies frames by a literal prefix and parses them into
// messages whose UpdateID is the remainder of the frame, so tests can
// follow a frame end to end without real wire formats.
type fakeAdapter struct{}

func (fakeAdapter) Name() string                      { return "fake" }
func (fakeAdapter) WSURL() string                     { return "" }
func (fakeAdapter) SubscribePayload(p []string) any   { return p }
func (fakeAdapter) ExchangeSymbol(pair string) string { return pair }
func (fakeAdapter) PairForExchangeSymbol(symbol string) (string, bool) {
	return symbol, true
}

func (fakeAdapter) ClassifyChannel(raw []byte) exchangeadapter.Channel {
	switch {
	case len(raw) > 5 && string(raw[:5]) == "diff:":
		return exchangeadapter.ChannelDiff
	case len(raw) > 5 && string(raw[:5]) == "snap:":
		return exchangeadapter.ChannelSnapshot
	case len(raw) > 6 && string(raw[:6]) == "trade:":
		return exchangeadapter.ChannelTrade
	default:
		return exchangeadapter.ChannelUnknown
	}
}

func parseFake(raw []byte, kind types.MessageKind) (types.OrderBookMessage, error) {
	var id uint64
	body := string(raw[5:])
	if kind == types.Trade {
		body = string(raw[6:])
	}
	if _, err := fmt.Sscanf(body, "%d", &id); err != nil {
		return types.OrderBookMessage{}, fmt.Errorf("fake: bad frame %q", raw)
	}
	msg := types.OrderBookMessage{Kind: kind, TradingPair: "BTC-USDT", UpdateID: id}
	if kind == types.Trade {
		msg.Content = &types.TradeContent{Price: decimal.NewFromInt(int64(id))}
	}
	return msg, nil
}

func (fakeAdapter) ParseSnapshot(raw []byte) (types.OrderBookMessage, error) {
	return parseFake(raw, types.Snapshot)
}
func (fakeAdapter) ParseDiff(raw []byte) (types.OrderBookMessage, error) {
	return parseFake(raw, types.Diff)
}
func (fakeAdapter) ParseTrade(raw []byte) (types.OrderBookMessage, error) {
	return parseFake(raw, types.Trade)
}

func (fakeAdapter) RESTSnapshotURL(pair string) string { return "/snapshot/" + pair }
func (fakeAdapter) ParseRESTSnapshot(raw []byte, pair string) (types.OrderBookMessage, error) {
	return types.OrderBookMessage{Kind: types.Snapshot, TradingPair: pair, UpdateID: 42}, nil
}
func (fakeAdapter) RESTLastTradedPricesURL(pairs []string) string { return "/prices" }
func (fakeAdapter) ParseRESTLastTradedPrices(raw []byte) (map[string]decimal.Decimal, error) {
	return map[string]decimal.Decimal{"BTC-USDT": decimal.NewFromInt(7)}, nil
}
func (fakeAdapter) RateLimits() []types.RateLimit { return nil }
func (fakeAdapter) OrderBookRESTLimitID() string  { return "rest" }
func (fakeAdapter) WSConnectLimitID() string      { return "ws" }

type fakeRest struct {
	calls []string
}

func (f *fakeRest) ExecuteRequestRaw(ctx context.Context, method, path string, params map[string]string, throttlerLimitID string) ([]byte, error) {
	f.calls = append(f.calls, path)
	return []byte("{}"), nil
}

type fakeWS struct {
	out    chan []byte
	closed bool
}

func newFakeWS() *fakeWS                        { return &fakeWS{out: make(chan []byte, 16)} }
func (w *fakeWS) SetSubscribePayload(p any)     {}
func (w *fakeWS) Run(ctx context.Context) error { <-ctx.Done(); return ctx.Err() }
func (w *fakeWS) Messages() <-chan []byte       { return w.out }
func (w *fakeWS) Close() error                  { w.closed = true; return nil }

func TestDispatchRoutesFramesToDrainMethods(t *testing.T) {
	t.Parallel()
	ws := newFakeWS()
	src := New(fakeAdapter{}, &fakeRest{}, ws, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go src.ListenForSubscriptions(ctx, []string{"BTC-USDT"})

	diffs := make(chan types.OrderBookMessage, 4)
	snaps := make(chan types.OrderBookMessage, 4)
	trades := make(chan types.OrderBookMessage, 4)
	go src.ListenForOrderBookDiffs(ctx, diffs)
	go src.ListenForOrderBookSnapshots(ctx, snaps)
	go src.ListenForTrades(ctx, trades)

	ws.out <- []byte("diff:10")
	ws.out <- []byte("snap:11")
	ws.out <- []byte("trade:12")
	ws.out <- []byte("garbage") // must be dropped, not crash anything

	expect := func(name string, ch chan types.OrderBookMessage, kind types.MessageKind, id uint64) {
		select {
		case msg := <-ch:
			if msg.Kind != kind || msg.UpdateID != id {
				t.Errorf("%s: got kind=%v id=%d, want kind=%v id=%d", name, msg.Kind, msg.UpdateID, kind, id)
			}
		case <-time.After(time.Second):
			t.Fatalf("%s: no message delivered", name)
		}
	}
	expect("diff", diffs, types.Diff, 10)
	expect("snapshot", snaps, types.Snapshot, 11)
	expect("trade", trades, types.Trade, 12)
}

func TestDrainDropsUnparseableFrames(t *testing.T) {
	t.Parallel()
	ws := newFakeWS()
	src := New(fakeAdapter{}, &fakeRest{}, ws, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	diffs := make(chan types.OrderBookMessage, 4)
	go src.ListenForOrderBookDiffs(ctx, diffs)

	src.dispatch([]byte("diff:notanumber"))
	src.dispatch([]byte("diff:99"))

	select {
	case msg := <-diffs:
		if msg.UpdateID != 99 {
			t.Errorf("UpdateID = %d, want 99 (bad frame should be skipped)", msg.UpdateID)
		}
	case <-time.After(time.Second):
		t.Fatal("parseable frame never delivered")
	}
}

func TestGetNewOrderBookUsesAdapterURLAndParser(t *testing.T) {
	t.Parallel()
	rest := &fakeRest{}
	src := New(fakeAdapter{}, rest, newFakeWS(), nil)

	msg, err := src.GetNewOrderBook(context.Background(), "BTC-USDT")
	if err != nil {
		t.Fatalf("GetNewOrderBook() error = %v", err)
	}
	if msg.UpdateID != 42 || msg.Kind != types.Snapshot {
		t.Errorf("got kind=%v id=%d, want Snapshot/42", msg.Kind, msg.UpdateID)
	}
	if len(rest.calls) != 1 || rest.calls[0] != "/snapshot/BTC-USDT" {
		t.Errorf("REST calls = %v, want [/snapshot/BTC-USDT]", rest.calls)
	}
}

func TestResubscribeForcesReconnect(t *testing.T) {
	t.Parallel()
	ws := newFakeWS()
	src := New(fakeAdapter{}, &fakeRest{}, ws, nil)

	src.Resubscribe([]string{"BTC-USDT", "ETH-USDT"})
	if !ws.closed {
		t.Error("Resubscribe did not close the live connection")
	}
}
