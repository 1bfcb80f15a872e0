// Package fundingrate maintains a per-exchange funding-rate cache kept
// fresh by wall-clock-aligned REST polling, with an optional websocket
// push path layered on top.
//
// All rates are normalized to a configured standardization window so
// exchanges with different funding intervals stay comparable: an 8h rate
// standardized to 24h is tripled.
package fundingrate

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"depthtracker/internal/eventhub"
	"depthtracker/internal/exchangeadapter"
	"depthtracker/pkg/types"
)

const defaultRestUpdateInterval = 10 * time.Second

// restFetcher is the subset of webassistant.RESTAssistant a Feed needs,
// narrowed to an interface so tests can substitute a fake.
type restFetcher interface {
	ExecuteRequestRaw(ctx context.Context, method, path string, params map[string]string, throttlerLimitID string) ([]byte, error)
}

// wsTransport is the subset of webassistant.WSAssistant a Feed needs.
type wsTransport interface {
	SetSubscribePayload(payload any)
	Run(ctx context.Context) error
	Messages() <-chan []byte
	Send(ctx context.Context, payload any) error
}

// Config tunes the feed's poll cadence and normalization window.
type Config struct {
	RestUpdateInterval         time.Duration
	StandardizationDurationHrs int
}

func (c Config) withDefaults() Config {
	if c.RestUpdateInterval == 0 {
		c.RestUpdateInterval = defaultRestUpdateInterval
	}
	if c.StandardizationDurationHrs == 0 {
		c.StandardizationDurationHrs = 24
	}
	return c
}

// Feed maintains one exchange's normalized funding-rate cache.
type Feed struct {
	adapter exchangeadapter.FundingAdapter
	rest    restFetcher
	ws      wsTransport   // optional, nil if the exchange has no funding WS push
	hub     *eventhub.Hub // optional
	logger  *slog.Logger
	cfg     Config

	tradingPairs []string

	mu             sync.RWMutex
	rates          map[string]decimal.Decimal
	intervalHours  map[string]int
	lastUpdateTime time.Time

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	stopped bool
}

// New builds a Feed. ws may be nil if the exchange has no funding-rate
// websocket push.
func New(adapter exchangeadapter.FundingAdapter, rest restFetcher, ws wsTransport, hub *eventhub.Hub, tradingPairs []string, cfg Config, logger *slog.Logger) *Feed {
	return &Feed{
		adapter:       adapter,
		rest:          rest,
		ws:            ws,
		hub:           hub,
		logger:        logger,
		cfg:           cfg.withDefaults(),
		tradingPairs:  tradingPairs,
		rates:         make(map[string]decimal.Decimal),
		intervalHours: make(map[string]int),
		stopped:       true,
	}
}

// StartNetwork cancels any prior run, resets the rate cache, then spawns
// the poll loop and (if configured) the websocket listener.
func (f *Feed) StartNetwork(ctx context.Context) error {
	f.StopNetwork()

	f.ctx, f.cancel = context.WithCancel(ctx)
	f.stopped = false

	f.mu.Lock()
	f.rates = make(map[string]decimal.Decimal)
	f.mu.Unlock()

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		f.fetchFundingRatesLoop(f.ctx)
	}()

	if f.ws != nil {
		f.wg.Add(1)
		go func() {
			defer f.wg.Done()
			f.listenWS(f.ctx)
		}()
	}

	return nil
}

// StopNetwork cancels the feed's tasks. Safe to call repeatedly.
func (f *Feed) StopNetwork() {
	if f.stopped {
		return
	}
	f.stopped = true
	if f.cancel != nil {
		f.cancel()
	}
	f.wg.Wait()
}

// Ready reports whether the cache holds at least as many rates as there are
// configured pairs. It does not check that each configured pair is present.
func (f *Feed) Ready() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.rates) >= len(f.tradingPairs)
}

// FundingRates returns a copy of the current normalized rate cache.
func (f *Feed) FundingRates() map[string]decimal.Decimal {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make(map[string]decimal.Decimal, len(f.rates))
	for k, v := range f.rates {
		out[k] = v
	}
	return out
}

// LastUpdateTime returns when the cache was last refreshed.
func (f *Feed) LastUpdateTime() time.Time {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.lastUpdateTime
}

// fetchFundingRatesLoop sleeps until the next wall-clock multiple of
// RestUpdateInterval, then polls funding info and funding rates. Aligning
// to wall-clock boundaries (rather than a fixed-delay ticker) keeps polls
// from every exchange instance roughly synchronized.
func (f *Feed) fetchFundingRatesLoop(ctx context.Context) {
	for {
		if err := f.fetchOnce(ctx); err != nil && ctx.Err() == nil && f.logger != nil {
			f.logger.Warn("funding rate poll failed", "exchange", f.adapter.Name(), "error", err)
		}

		interval := f.cfg.RestUpdateInterval
		delta := interval - time.Duration(time.Now().UnixNano())%interval
		select {
		case <-ctx.Done():
			return
		case <-time.After(delta):
		}
	}
}

func (f *Feed) fetchOnce(ctx context.Context) error {
	intervalHours := f.intervalHoursSnapshot()
	if f.adapter.HasFundingInfoEndpoint() {
		raw, err := f.rest.ExecuteRequestRaw(ctx, "GET", f.adapter.FundingInfoRESTURL(), nil, f.adapter.FundingInfoRESTLimitID())
		if err != nil {
			return fmt.Errorf("fundingrate: fetch funding info: %w", err)
		}
		parsed, err := f.adapter.ParseFundingInfoREST(raw)
		if err != nil {
			return fmt.Errorf("fundingrate: parse funding info: %w", err)
		}
		f.mu.Lock()
		for pair, hrs := range parsed {
			f.intervalHours[pair] = hrs
		}
		intervalHours = parsed
		f.mu.Unlock()
	}

	raw, err := f.rest.ExecuteRequestRaw(ctx, "GET", f.adapter.FundingRESTURL(), nil, f.adapter.FundingRESTLimitID())
	if err != nil {
		return fmt.Errorf("fundingrate: fetch funding rates: %w", err)
	}
	rates, err := f.adapter.ParseFundingRatesREST(raw, intervalHours, f.cfg.StandardizationDurationHrs)
	if err != nil {
		return fmt.Errorf("fundingrate: parse funding rates: %w", err)
	}

	f.merge(rates)
	return nil
}

func (f *Feed) intervalHoursSnapshot() map[string]int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make(map[string]int, len(f.intervalHours))
	for k, v := range f.intervalHours {
		out[k] = v
	}
	return out
}

func (f *Feed) merge(rates map[string]decimal.Decimal) {
	now := time.Now()
	f.mu.Lock()
	for pair, rate := range rates {
		f.rates[pair] = rate
	}
	f.lastUpdateTime = now
	f.mu.Unlock()

	if f.hub != nil {
		for pair, rate := range rates {
			f.hub.Publish(types.TopicFundingUpdate, types.FundingUpdateEvent{Symbol: pair, Rate: rate, Time: now})
		}
	}
}

// listenWS subscribes to the funding-rate push channel and merges every
// data frame into the cache; control frames the adapter answers (pings)
// get their reply sent back on the same connection. Frames that are
// neither (subscribe acks) are ignored.
func (f *Feed) listenWS(ctx context.Context) {
	f.ws.SetSubscribePayload(f.adapter.FundingSubscribePayload(f.tradingPairs))
	go func() {
		if err := f.ws.Run(ctx); err != nil && ctx.Err() == nil && f.logger != nil {
			f.logger.Error("funding rate websocket stopped", "exchange", f.adapter.Name(), "error", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case raw := <-f.ws.Messages():
			intervalHours := f.intervalHoursSnapshot()
			rates, reply, err := f.adapter.ParseFundingWS(raw, intervalHours, f.cfg.StandardizationDurationHrs)
			if err != nil {
				if f.logger != nil {
					f.logger.Debug("dropping unparseable funding ws frame", "exchange", f.adapter.Name(), "error", err)
				}
				continue
			}
			if reply != nil {
				if err := f.ws.Send(ctx, reply); err != nil && f.logger != nil {
					f.logger.Warn("failed to answer funding ws control frame", "exchange", f.adapter.Name(), "error", err)
				}
			}
			if len(rates) > 0 {
				f.merge(rates)
			}
		}
	}
}
