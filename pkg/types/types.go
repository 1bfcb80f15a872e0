// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the market-data pipeline — order
// book messages, rate-limit records, funding rates, and the seam the
// strategy/executor layer is expected to implement against. It has no
// dependencies on internal packages, so it can be imported by any layer.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Order book wire model
// ————————————————————————————————————————————————————————————————————————

// MessageKind tags an OrderBookMessage with the channel it came from.
type MessageKind int

const (
	Snapshot MessageKind = iota
	Diff
	Trade
)

func (k MessageKind) String() string {
	switch k {
	case Snapshot:
		return "snapshot"
	case Diff:
		return "diff"
	case Trade:
		return "trade"
	default:
		return "unknown"
	}
}

// TradeType distinguishes the taker side of an executed trade.
type TradeType string

const (
	TradeBuy  TradeType = "BUY"
	TradeSell TradeType = "SELL"
)

// PriceLevel is one rung of a bid or ask ladder. A Size of zero means the
// level is removed by a diff.
type PriceLevel struct {
	Price decimal.Decimal
	Size  decimal.Decimal
}

// TradeContent carries the single execution a TRADE message describes.
type TradeContent struct {
	Price     decimal.Decimal
	Amount    decimal.Decimal
	TradeType TradeType
	TradeID   string
}

// OrderBookMessage is an immutable record produced by an ExchangeAdapter
// parser and consumed by the order book tracker. Snapshots always carry the
// full book state as of UpdateID; diffs carry absolute levels (Size zero
// removes the level); trades carry a single execution and no update id.
type OrderBookMessage struct {
	Kind          MessageKind
	TradingPair   string
	Timestamp     time.Time
	UpdateID      uint64
	FirstUpdateID uint64 // 0 if the exchange does not publish one
	Bids          []PriceLevel
	Asks          []PriceLevel
	Content       *TradeContent // non-nil only when Kind == Trade
}

// ————————————————————————————————————————————————————————————————————————
// Rate limiter
// ————————————————————————————————————————————————————————————————————————

// LinkedLimit ties a request's admission to a shared pool limit at a given
// weight, e.g. Binance's per-endpoint limits that also consume the account's
// overall REQUEST_WEIGHT budget.
type LinkedLimit struct {
	ID     string
	Weight int
}

// RateLimit describes one admission budget: at most Limit weighted units
// per Interval, identified by ID. A request against this limit also debits
// every entry in LinkedLimits at its own weight.
type RateLimit struct {
	ID           string
	Limit        int
	Interval     time.Duration
	Weight       int
	LinkedLimits []LinkedLimit
}

// TaskLog is one admitted request recorded against a rate limit. Entries
// age out once older than Interval*(1+safetyMargin) for their own limit.
type TaskLog struct {
	Timestamp   time.Time
	RateLimitID string
	Weight      int
}

// ————————————————————————————————————————————————————————————————————————
// Funding rates
// ————————————————————————————————————————————————————————————————————————

// FundingRate is one symbol's normalized funding rate, standardized to a
// configured window (see fundingrate.Feed for the normalization formula).
type FundingRate struct {
	Symbol             string
	Rate               decimal.Decimal
	LastUpdateTime     time.Time
	FundingIntervalHrs int
}

// ————————————————————————————————————————————————————————————————————————
// Event hub
// ————————————————————————————————————————————————————————————————————————

// EventTopic names a subject on the event hub.
type EventTopic string

const (
	TopicOrderBookTrade EventTopic = "order_book_trade"
	TopicOrderBookDiff  EventTopic = "order_book_diff"
	TopicFundingUpdate  EventTopic = "funding_update"
	TopicExecutorEvent  EventTopic = "executor_event"
)

// TradeEvent is published on TopicOrderBookTrade whenever the tracker
// applies a trade to a book.
type TradeEvent struct {
	TradingPair string
	Price       decimal.Decimal
	Amount      decimal.Decimal
	TradeType   TradeType
	Timestamp   time.Time
}

// FundingUpdateEvent is published on TopicFundingUpdate whenever a funding
// feed refreshes a symbol's rate.
type FundingUpdateEvent struct {
	Symbol string
	Rate   decimal.Decimal
	Time   time.Time
}

// SubscriptionHandle is returned by an event hub's Subscribe call. The
// caller owns its lifetime; Cancel removes the listener. Dropping the
// handle without calling Cancel leaves the subscription registered.
type SubscriptionHandle interface {
	Cancel()
}

// ————————————————————————————————————————————————————————————————————————
// Strategy/executor seam
// ————————————————————————————————————————————————————————————————————————

// TradeExecutor is the one contract the strategy/executor layer is allowed
// to implement against this repository. It is declared, not implemented —
// order placement, signing, and trading-algorithm logic all live outside
// this module.
type TradeExecutor interface {
	PlaceOrder(pair string, side TradeType, price, size decimal.Decimal) (orderID string, err error)
	CancelOrder(pair, orderID string) error
}
