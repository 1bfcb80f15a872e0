// Package exchangeadapter defines the seam between the exchange-agnostic
// market-data pipeline and exchange-specific wire formats: URL builders,
// frame classifiers, parsers, symbol translation, and rate-limit tables.
// The generic marketdata source and funding feed are parameterized over
// these interfaces, so adding an exchange means implementing them and
// nothing else.
package exchangeadapter

import (
	"github.com/shopspring/decimal"

	"depthtracker/pkg/types"
)

// Channel tags which internal queue a raw inbound WS frame belongs to.
type Channel int

const (
	ChannelUnknown Channel = iota
	ChannelSnapshot
	ChannelDiff
	ChannelTrade
)

// OrderBookAdapter supplies everything the market data source and tracker
// need to speak one exchange's order-book/trade wire protocol.
type OrderBookAdapter interface {
	Name() string

	// WSURL is the base websocket endpoint for order book + trade streams.
	WSURL() string
	// SubscribePayload builds the subscribe frame for the given pairs.
	SubscribePayload(pairs []string) any
	// ClassifyChannel inspects a raw inbound frame and says which queue it
	// belongs to, or ChannelUnknown if it should be dropped.
	ClassifyChannel(raw []byte) Channel

	ParseSnapshot(raw []byte) (types.OrderBookMessage, error)
	ParseDiff(raw []byte) (types.OrderBookMessage, error)
	ParseTrade(raw []byte) (types.OrderBookMessage, error)

	// RESTSnapshotURL/ParseRESTSnapshot back the source's REST snapshot
	// fetch (GetNewOrderBook), which the tracker calls for each pair's
	// initial book, for pairs added later, and on resync. No timer issues
	// this call when the websocket delivers no snapshot.
	RESTSnapshotURL(pair string) string
	ParseRESTSnapshot(raw []byte, pair string) (types.OrderBookMessage, error)

	// RESTLastTradedPricesURL/ParseRESTLastTradedPrices back the tracker's
	// REST fallback loop for pairs whose trade stream has gone quiet.
	RESTLastTradedPricesURL(pairs []string) string
	ParseRESTLastTradedPrices(raw []byte) (map[string]decimal.Decimal, error)

	ExchangeSymbol(pair string) string
	PairForExchangeSymbol(symbol string) (pair string, ok bool)

	// RateLimits is this adapter's full rate-limit table (own limits plus
	// whatever they link to), registered with the shared ratelimit.Limiter.
	RateLimits() []types.RateLimit

	// OrderBookRESTLimitID / WSConnectLimitID name the RateLimit that REST
	// order book calls and websocket connects are billed against.
	OrderBookRESTLimitID() string
	WSConnectLimitID() string
}

// FundingAdapter supplies the funding-rate wire protocol for one exchange.
// Exchanges usually implement both interfaces on one type.
type FundingAdapter interface {
	Name() string

	FundingRESTURL() string
	// HasFundingInfoEndpoint reports whether this exchange exposes a
	// separate per-symbol funding-interval-hours endpoint (Binance does;
	// OKX derives the interval from the funding-rate response itself).
	HasFundingInfoEndpoint() bool
	FundingInfoRESTURL() string
	ParseFundingInfoREST(raw []byte) (map[string]int, error)
	ParseFundingRatesREST(raw []byte, intervalHours map[string]int, stdHours int) (map[string]decimal.Decimal, error)

	FundingWSURL() string
	FundingSubscribePayload(pairs []string) any
	// ParseFundingWS parses one inbound frame. A non-nil rates map is merged
	// into the cache. A non-nil reply (e.g. the pong for an exchange-level
	// ping request) is sent back on the same connection. A frame that needs
	// neither — a subscribe acknowledgment, say — returns nil for both.
	ParseFundingWS(raw []byte, intervalHours map[string]int, stdHours int) (rates map[string]decimal.Decimal, reply any, err error)

	HealthCheckURL() string
	HealthCheckLimitID() string
	RateLimits() []types.RateLimit
	FundingRESTLimitID() string
	FundingInfoRESTLimitID() string
}
