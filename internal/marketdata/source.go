// Package marketdata handles per-exchange subscription, classification,
// and parsing of raw order-book/trade frames into typed OrderBookMessages,
// plus REST fallbacks when the websocket goes quiet.
//
// Raw frames are routed to one of three internal queues by the exchange
// adapter's classifier, then drained and parsed by dedicated methods the
// tracker calls; a parse failure drops the frame without stopping the
// drain.
package marketdata

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/shopspring/decimal"

	"depthtracker/internal/exchangeadapter"
	"depthtracker/pkg/types"
)

const queueDepth = 1024

// restFetcher is the subset of webassistant.RESTAssistant a Source needs,
// narrowed to an interface so tests can substitute a fake.
type restFetcher interface {
	ExecuteRequestRaw(ctx context.Context, method, path string, params map[string]string, throttlerLimitID string) ([]byte, error)
}

// wsTransport is the subset of webassistant.WSAssistant a Source needs.
type wsTransport interface {
	SetSubscribePayload(payload any)
	Run(ctx context.Context) error
	Messages() <-chan []byte
	Close() error
}

// Source is a generic market data source for one exchange, parameterized
// by an ExchangeAdapter.
type Source struct {
	adapter exchangeadapter.OrderBookAdapter
	rest    restFetcher
	ws      wsTransport
	logger  *slog.Logger

	snapshotQueue chan []byte
	diffQueue     chan []byte
	tradeQueue    chan []byte
}

// New builds a Source. The REST and WS assistants are expected to already
// be gated by a shared ratelimit.Limiter registered with the adapter's
// RateLimits().
func New(adapter exchangeadapter.OrderBookAdapter, rest restFetcher, ws wsTransport, logger *slog.Logger) *Source {
	return &Source{
		adapter:       adapter,
		rest:          rest,
		ws:            ws,
		logger:        logger,
		snapshotQueue: make(chan []byte, queueDepth),
		diffQueue:     make(chan []byte, queueDepth),
		tradeQueue:    make(chan []byte, queueDepth),
	}
}

// ListenForSubscriptions subscribes to the given pairs and runs the
// classify/dispatch loop until ctx is cancelled. The websocket connection
// itself (dial, ping, reconnect-with-backoff) is owned by the underlying
// WSAssistant; this loop only classifies and routes frames.
func (s *Source) ListenForSubscriptions(ctx context.Context, pairs []string) error {
	s.ws.SetSubscribePayload(s.adapter.SubscribePayload(pairs))

	go func() {
		if err := s.ws.Run(ctx); err != nil && ctx.Err() == nil && s.logger != nil {
			s.logger.Error("market data websocket stopped", "exchange", s.adapter.Name(), "error", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw := <-s.ws.Messages():
			s.dispatch(raw)
		}
	}
}

func (s *Source) dispatch(raw []byte) {
	switch s.adapter.ClassifyChannel(raw) {
	case exchangeadapter.ChannelSnapshot:
		s.push(s.snapshotQueue, raw)
	case exchangeadapter.ChannelDiff:
		s.push(s.diffQueue, raw)
	case exchangeadapter.ChannelTrade:
		s.push(s.tradeQueue, raw)
	default:
		if s.logger != nil {
			s.logger.Debug("dropping unclassified frame", "exchange", s.adapter.Name())
		}
	}
}

func (s *Source) push(queue chan []byte, raw []byte) {
	select {
	case queue <- raw:
	default:
		if s.logger != nil {
			s.logger.Warn("internal queue full, dropping frame", "exchange", s.adapter.Name())
		}
	}
}

// Resubscribe updates the subscribe payload for pairs and forces the live
// websocket connection closed so the transport redials and resubscribes
// with the new set. It is a no-op if the connection is already down; the
// next dial picks up the new payload regardless.
func (s *Source) Resubscribe(pairs []string) {
	s.ws.SetSubscribePayload(s.adapter.SubscribePayload(pairs))
	s.ws.Close()
}

// ListenForOrderBookDiffs drains parsed diffs into out until ctx is
// cancelled.
func (s *Source) ListenForOrderBookDiffs(ctx context.Context, out chan<- types.OrderBookMessage) error {
	return s.drainAndParse(ctx, s.diffQueue, s.adapter.ParseDiff, out)
}

// ListenForOrderBookSnapshots drains parsed snapshots into out until ctx is
// cancelled.
func (s *Source) ListenForOrderBookSnapshots(ctx context.Context, out chan<- types.OrderBookMessage) error {
	return s.drainAndParse(ctx, s.snapshotQueue, s.adapter.ParseSnapshot, out)
}

// ListenForTrades drains parsed trades into out until ctx is cancelled.
func (s *Source) ListenForTrades(ctx context.Context, out chan<- types.OrderBookMessage) error {
	return s.drainAndParse(ctx, s.tradeQueue, s.adapter.ParseTrade, out)
}

func (s *Source) drainAndParse(ctx context.Context, queue chan []byte, parse func([]byte) (types.OrderBookMessage, error), out chan<- types.OrderBookMessage) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw := <-queue:
			msg, err := parse(raw)
			if err != nil {
				if s.logger != nil {
					s.logger.Debug("dropping unparseable frame", "exchange", s.adapter.Name(), "error", err)
				}
				continue
			}
			select {
			case out <- msg:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// GetNewOrderBook fetches a REST snapshot for pair, gated by the adapter's
// order-book REST rate limit. The tracker's init sequence calls this once
// per pair on Start.
func (s *Source) GetNewOrderBook(ctx context.Context, pair string) (types.OrderBookMessage, error) {
	raw, err := s.rest.ExecuteRequestRaw(ctx, http.MethodGet, s.adapter.RESTSnapshotURL(pair), nil, s.adapter.OrderBookRESTLimitID())
	if err != nil {
		return types.OrderBookMessage{}, fmt.Errorf("marketdata: get order book for %s: %w", pair, err)
	}
	return s.adapter.ParseRESTSnapshot(raw, pair)
}

// GetLastTradedPrices fetches and parses last-traded prices for the given
// pairs, for the tracker's REST fallback loop.
func (s *Source) GetLastTradedPrices(ctx context.Context, pairs []string) (map[string]decimal.Decimal, error) {
	raw, err := s.rest.ExecuteRequestRaw(ctx, http.MethodGet, s.adapter.RESTLastTradedPricesURL(pairs), nil, s.adapter.OrderBookRESTLimitID())
	if err != nil {
		return nil, fmt.Errorf("marketdata: get last traded prices: %w", err)
	}
	return s.adapter.ParseRESTLastTradedPrices(raw)
}
