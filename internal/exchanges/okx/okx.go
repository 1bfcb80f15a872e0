// Package okx implements exchangeadapter.OrderBookAdapter and
// exchangeadapter.FundingAdapter for OKX v5 perpetual swaps.
//
// The funding-rate shape differs from Binance in two ways: OKX has no
// separate funding-info endpoint — the funding interval is derived per row
// from nextFundingTime - fundingTime — and the REST poll passes instId=ANY
// so one call covers every symbol. Order books use the v5 public "books"
// channel, which pushes a full snapshot on subscribe and seqId-sequenced
// updates after it.
package okx

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"depthtracker/internal/exchangeadapter"
	"depthtracker/pkg/types"
)

// Adapter implements both exchangeadapter interfaces for OKX v5 swaps.
type Adapter struct {
	pairToInstID map[string]string
	instIDToPair map[string]string
}

// New builds an OKX adapter for the given trading pairs, e.g. "BTC-USDT" ->
// instrument id "BTC-USDT-SWAP".
func New(tradingPairs []string) *Adapter {
	a := &Adapter{
		pairToInstID: make(map[string]string, len(tradingPairs)),
		instIDToPair: make(map[string]string, len(tradingPairs)),
	}
	for _, pair := range tradingPairs {
		inst := strings.ToUpper(pair) + instIDSuffix
		a.pairToInstID[pair] = inst
		a.instIDToPair[inst] = pair
	}
	return a
}

func (a *Adapter) Name() string { return "okx_perpetual" }

func (a *Adapter) ExchangeSymbol(pair string) string {
	if inst, ok := a.pairToInstID[pair]; ok {
		return inst
	}
	return strings.ToUpper(pair) + instIDSuffix
}

func (a *Adapter) PairForExchangeSymbol(symbol string) (string, bool) {
	pair, ok := a.instIDToPair[strings.ToUpper(symbol)]
	return pair, ok
}

// --- OrderBookAdapter ---

func (a *Adapter) WSURL() string { return wssPublicURL }

type wsSubscribeArg struct {
	Channel string `json:"channel"`
	InstID  string `json:"instId"`
}

type wsSubscribePayload struct {
	ID   string           `json:"id"`
	Op   string           `json:"op"`
	Args []wsSubscribeArg `json:"args"`
}

func (a *Adapter) SubscribePayload(pairs []string) any {
	args := make([]wsSubscribeArg, 0, len(pairs)*2)
	for _, pair := range pairs {
		inst := a.ExchangeSymbol(pair)
		args = append(args,
			wsSubscribeArg{Channel: booksChannel, InstID: inst},
			wsSubscribeArg{Channel: tradesChannel, InstID: inst},
		)
	}
	return wsSubscribePayload{ID: "1", Op: "subscribe", Args: args}
}

type wsFrame struct {
	Event  string `json:"event"`
	Action string `json:"action"`
	Arg    struct {
		Channel string `json:"channel"`
		InstID  string `json:"instId"`
	} `json:"arg"`
	Data json.RawMessage `json:"data"`
}

func (a *Adapter) ClassifyChannel(raw []byte) exchangeadapter.Channel {
	var frame wsFrame
	if err := json.Unmarshal(raw, &frame); err != nil || frame.Event != "" {
		// event frames are subscribe acks and errors, not data
		return exchangeadapter.ChannelUnknown
	}
	switch frame.Arg.Channel {
	case booksChannel:
		if frame.Action == "snapshot" {
			return exchangeadapter.ChannelSnapshot
		}
		return exchangeadapter.ChannelDiff
	case tradesChannel:
		return exchangeadapter.ChannelTrade
	default:
		return exchangeadapter.ChannelUnknown
	}
}

// books rows carry levels as [price, size, liquidatedOrders, orderCount];
// only the first two matter here.
type booksRow struct {
	Asks      [][]string `json:"asks"`
	Bids      [][]string `json:"bids"`
	TS        string     `json:"ts"`
	SeqID     uint64     `json:"seqId"`
	PrevSeqID int64      `json:"prevSeqId"`
}

func (a *Adapter) ParseSnapshot(raw []byte) (types.OrderBookMessage, error) {
	return a.parseBooks(raw, types.Snapshot)
}

func (a *Adapter) ParseDiff(raw []byte) (types.OrderBookMessage, error) {
	return a.parseBooks(raw, types.Diff)
}

func (a *Adapter) parseBooks(raw []byte, kind types.MessageKind) (types.OrderBookMessage, error) {
	var frame wsFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return types.OrderBookMessage{}, fmt.Errorf("okx: unmarshal books frame: %w", err)
	}
	var rows []booksRow
	if err := json.Unmarshal(frame.Data, &rows); err != nil {
		return types.OrderBookMessage{}, fmt.Errorf("okx: unmarshal books data: %w", err)
	}
	if len(rows) == 0 {
		return types.OrderBookMessage{}, fmt.Errorf("okx: empty books data")
	}
	row := rows[0]

	bids, err := parseLevels(row.Bids)
	if err != nil {
		return types.OrderBookMessage{}, fmt.Errorf("okx: parse bids: %w", err)
	}
	asks, err := parseLevels(row.Asks)
	if err != nil {
		return types.OrderBookMessage{}, fmt.Errorf("okx: parse asks: %w", err)
	}

	pair, _ := a.PairForExchangeSymbol(frame.Arg.InstID)
	return types.OrderBookMessage{
		Kind:        kind,
		TradingPair: pair,
		Timestamp:   parseMillis(row.TS),
		UpdateID:    row.SeqID,
		Bids:        bids,
		Asks:        asks,
	}, nil
}

type tradeRow struct {
	InstID  string `json:"instId"`
	TradeID string `json:"tradeId"`
	Px      string `json:"px"`
	Sz      string `json:"sz"`
	Side    string `json:"side"`
	TS      string `json:"ts"`
}

func (a *Adapter) ParseTrade(raw []byte) (types.OrderBookMessage, error) {
	var frame wsFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return types.OrderBookMessage{}, fmt.Errorf("okx: unmarshal trades frame: %w", err)
	}
	var rows []tradeRow
	if err := json.Unmarshal(frame.Data, &rows); err != nil {
		return types.OrderBookMessage{}, fmt.Errorf("okx: unmarshal trades data: %w", err)
	}
	if len(rows) == 0 {
		return types.OrderBookMessage{}, fmt.Errorf("okx: empty trades data")
	}
	row := rows[0]

	price, err := decimal.NewFromString(row.Px)
	if err != nil {
		return types.OrderBookMessage{}, fmt.Errorf("okx: parse trade price: %w", err)
	}
	size, err := decimal.NewFromString(row.Sz)
	if err != nil {
		return types.OrderBookMessage{}, fmt.Errorf("okx: parse trade size: %w", err)
	}

	side := types.TradeBuy
	if row.Side == "sell" {
		side = types.TradeSell
	}

	pair, _ := a.PairForExchangeSymbol(row.InstID)
	return types.OrderBookMessage{
		Kind:        types.Trade,
		TradingPair: pair,
		Timestamp:   parseMillis(row.TS),
		Content: &types.TradeContent{
			Price:     price,
			Amount:    size,
			TradeType: side,
			TradeID:   row.TradeID,
		},
	}, nil
}

func (a *Adapter) RESTSnapshotURL(pair string) string {
	return fmt.Sprintf("%s%s?instId=%s&sz=400", restURL, booksPath, a.ExchangeSymbol(pair))
}

type restEnvelope struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// ParseRESTSnapshot synthesizes a SNAPSHOT message with update id 0: the
// REST books response carries no seqId, so the bootstrap book accepts any
// subsequent diff and is replaced wholesale by the seqId-bearing snapshot
// the books channel pushes right after subscribing.
func (a *Adapter) ParseRESTSnapshot(raw []byte, pair string) (types.OrderBookMessage, error) {
	var env restEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return types.OrderBookMessage{}, fmt.Errorf("okx: unmarshal REST snapshot: %w", err)
	}
	if env.Code != "0" {
		return types.OrderBookMessage{}, fmt.Errorf("okx: REST snapshot error code %s: %s", env.Code, env.Msg)
	}
	var rows []booksRow
	if err := json.Unmarshal(env.Data, &rows); err != nil {
		return types.OrderBookMessage{}, fmt.Errorf("okx: unmarshal REST snapshot data: %w", err)
	}
	if len(rows) == 0 {
		return types.OrderBookMessage{}, fmt.Errorf("okx: empty REST snapshot data")
	}
	row := rows[0]

	bids, err := parseLevels(row.Bids)
	if err != nil {
		return types.OrderBookMessage{}, fmt.Errorf("okx: parse snapshot bids: %w", err)
	}
	asks, err := parseLevels(row.Asks)
	if err != nil {
		return types.OrderBookMessage{}, fmt.Errorf("okx: parse snapshot asks: %w", err)
	}
	return types.OrderBookMessage{
		Kind:        types.Snapshot,
		TradingPair: pair,
		Timestamp:   parseMillis(row.TS),
		UpdateID:    0,
		Bids:        bids,
		Asks:        asks,
	}, nil
}

func (a *Adapter) RESTLastTradedPricesURL(pairs []string) string {
	// One tickers call covers every SWAP instrument, the same
	// one-call-for-all tradeoff the funding poll's instId=ANY makes.
	return restURL + tickersPath + "?instType=SWAP"
}

type tickerRow struct {
	InstID string `json:"instId"`
	Last   string `json:"last"`
}

func (a *Adapter) ParseRESTLastTradedPrices(raw []byte) (map[string]decimal.Decimal, error) {
	var env restEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("okx: unmarshal tickers: %w", err)
	}
	if env.Code != "0" {
		return nil, fmt.Errorf("okx: tickers error code %s: %s", env.Code, env.Msg)
	}
	var rows []tickerRow
	if err := json.Unmarshal(env.Data, &rows); err != nil {
		return nil, fmt.Errorf("okx: unmarshal tickers data: %w", err)
	}
	out := make(map[string]decimal.Decimal)
	for _, row := range rows {
		pair, ok := a.PairForExchangeSymbol(row.InstID)
		if !ok {
			continue
		}
		price, err := decimal.NewFromString(row.Last)
		if err != nil {
			return nil, fmt.Errorf("okx: parse last price for %s: %w", row.InstID, err)
		}
		out[pair] = price
	}
	return out, nil
}

func (a *Adapter) RateLimits() []types.RateLimit {
	return []types.RateLimit{
		{ID: rawLimitID, Limit: 500, Interval: 2 * time.Second},
		{ID: fundingRatePath, Limit: 10, Interval: 2 * time.Second,
			LinkedLimits: []types.LinkedLimit{{ID: rawLimitID, Weight: 1}}},
		{ID: healthCheckEndpoint, Limit: 10, Interval: 2 * time.Second,
			LinkedLimits: []types.LinkedLimit{{ID: rawLimitID, Weight: 1}}},
		{ID: booksPath, Limit: 40, Interval: 2 * time.Second,
			LinkedLimits: []types.LinkedLimit{{ID: rawLimitID, Weight: 1}}},
		{ID: tickersPath, Limit: 20, Interval: 2 * time.Second,
			LinkedLimits: []types.LinkedLimit{{ID: rawLimitID, Weight: 1}}},
		{ID: wsConnectLimitID, Limit: 3, Interval: time.Second},
	}
}

func (a *Adapter) OrderBookRESTLimitID() string { return booksPath }
func (a *Adapter) WSConnectLimitID() string     { return wsConnectLimitID }

// --- FundingAdapter ---

func (a *Adapter) FundingRESTURL() string {
	// instId=ANY fetches every instrument's funding rate in one request.
	return restURL + fundingRatePath + "?instId=ANY"
}

// HasFundingInfoEndpoint is false: OKX has no per-symbol funding-interval
// endpoint; the interval is derived from each funding-rate row's
// nextFundingTime - fundingTime delta instead.
func (a *Adapter) HasFundingInfoEndpoint() bool { return false }
func (a *Adapter) FundingInfoRESTURL() string   { return "" }

func (a *Adapter) ParseFundingInfoREST(raw []byte) (map[string]int, error) {
	return nil, fmt.Errorf("okx: no funding info endpoint")
}

type fundingRow struct {
	InstID          string `json:"instId"`
	FundingRate     string `json:"fundingRate"`
	FundingTime     string `json:"fundingTime"`
	NextFundingTime string `json:"nextFundingTime"`
}

func (a *Adapter) ParseFundingRatesREST(raw []byte, intervalHours map[string]int, stdHours int) (map[string]decimal.Decimal, error) {
	var env restEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("okx: unmarshal funding rates: %w", err)
	}
	if env.Code != "0" {
		return nil, fmt.Errorf("okx: funding rates error code %s: %s", env.Code, env.Msg)
	}
	var rows []fundingRow
	if err := json.Unmarshal(env.Data, &rows); err != nil {
		return nil, fmt.Errorf("okx: unmarshal funding rate data: %w", err)
	}
	return a.normalizeRows(rows, stdHours)
}

// normalizeRows standardizes each raw rate to the stdHours window using the
// interval implied by the row's own funding timestamps:
// normalized = raw * (stdHours*3600 / (nextFundingTime - fundingTime in s)).
// Rates are keyed by trading pair for configured instruments; the rest
// (instId=ANY returns everything) keep their instrument id.
func (a *Adapter) normalizeRows(rows []fundingRow, stdHours int) (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal, len(rows))
	for _, row := range rows {
		raw, err := decimal.NewFromString(row.FundingRate)
		if err != nil {
			return nil, fmt.Errorf("okx: parse fundingRate for %s: %w", row.InstID, err)
		}
		key := row.InstID
		if pair, ok := a.PairForExchangeSymbol(row.InstID); ok {
			key = pair
		}
		intervalSecs := millisToSecs(row.NextFundingTime) - millisToSecs(row.FundingTime)
		if intervalSecs <= 0 {
			out[key] = raw
			continue
		}
		out[key] = raw.
			Mul(decimal.NewFromInt(int64(stdHours) * 3600)).
			Div(decimal.NewFromInt(intervalSecs))
	}
	return out, nil
}

func (a *Adapter) FundingWSURL() string { return wssPublicURL }

func (a *Adapter) FundingSubscribePayload(pairs []string) any {
	args := make([]wsSubscribeArg, 0, len(pairs))
	for _, pair := range pairs {
		args = append(args, wsSubscribeArg{Channel: fundingRateChannel, InstID: a.ExchangeSymbol(pair)})
	}
	return wsSubscribePayload{ID: "101", Op: "subscribe", Args: args}
}

// ParseFundingWS merges funding-rate channel data frames; event frames
// (subscribe acks, errors) carry no rates and need no reply. OKX keepalive
// runs the other way — the client pings — so no inbound frame ever asks for
// an echo.
func (a *Adapter) ParseFundingWS(raw []byte, intervalHours map[string]int, stdHours int) (map[string]decimal.Decimal, any, error) {
	var frame wsFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, nil, fmt.Errorf("okx: unmarshal funding ws frame: %w", err)
	}
	if frame.Event != "" || frame.Arg.Channel != fundingRateChannel {
		return nil, nil, nil
	}
	var rows []fundingRow
	if err := json.Unmarshal(frame.Data, &rows); err != nil {
		return nil, nil, fmt.Errorf("okx: unmarshal funding ws data: %w", err)
	}
	rates, err := a.normalizeRows(rows, stdHours)
	if err != nil {
		return nil, nil, err
	}
	return rates, nil, nil
}

func (a *Adapter) HealthCheckURL() string         { return restURL + healthCheckEndpoint }
func (a *Adapter) HealthCheckLimitID() string     { return healthCheckEndpoint }
func (a *Adapter) FundingRESTLimitID() string     { return fundingRatePath }
func (a *Adapter) FundingInfoRESTLimitID() string { return "" }

func parseLevels(raw [][]string) ([]types.PriceLevel, error) {
	out := make([]types.PriceLevel, 0, len(raw))
	for _, row := range raw {
		if len(row) < 2 {
			return nil, fmt.Errorf("okx: malformed price level %v", row)
		}
		price, err := decimal.NewFromString(row[0])
		if err != nil {
			return nil, fmt.Errorf("okx: parse price: %w", err)
		}
		size, err := decimal.NewFromString(row[1])
		if err != nil {
			return nil, fmt.Errorf("okx: parse size: %w", err)
		}
		out = append(out, types.PriceLevel{Price: price, Size: size})
	}
	return out, nil
}

func parseMillis(ts string) time.Time {
	return time.UnixMilli(millisAsInt(ts))
}

func millisAsInt(ts string) int64 {
	ms, _ := strconv.ParseInt(ts, 10, 64)
	return ms
}

func millisToSecs(ts string) int64 {
	return millisAsInt(ts) / 1000
}
