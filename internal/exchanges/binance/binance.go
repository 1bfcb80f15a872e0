// Package binance implements exchangeadapter.OrderBookAdapter and
// exchangeadapter.FundingAdapter for Binance USDS-M Futures.
//
// Order books come from the combined depth@100ms stream reconciled
// against the REST depth snapshot (buffer diffs, fetch snapshot, drop
// anything at or before the snapshot's lastUpdateId). Funding rates come
// from the premiumIndex endpoint, with per-symbol interval hours fetched
// separately from fundingInfo. Every REST call except fundingInfo also
// debits the shared REQUEST_WEIGHT pool via a linked limit; fundingInfo has
// only its own 500-per-5-minutes budget.
package binance

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

// Adapter implements both exchangeadapter interfaces for Binance USDS-M
// Futures. It is built once per running instance with the full set of
// configured trading pairs, so exchange<->pair symbol translation never
// needs a network round trip.
type Adapter struct {
	pairToSymbol map[string]string
	symbolToPair map[string]string
}

// New builds a Binance adapter for the given trading pairs, e.g.
// "BTC-USDT" -> exchange symbol "BTCUSDT".
func New(tradingPairs []string) *Adapter {
	a := &Adapter{
		pairToSymbol: make(map[string]string, len(tradingPairs)),
		symbolToPair: make(map[string]string, len(tradingPairs)),
	}
	for _, pair := range tradingPairs {
		sym := strings.ToUpper(strings.ReplaceAll(pair, "-", ""))
		a.pairToSymbol[pair] = sym
		a.symbolToPair[sym] = pair
	}
	return a
}

func (a *Adapter) Name() string { return "binance_perpetual" }

func (a *Adapter) ExchangeSymbol(pair string) string {
	if sym, ok := a.pairToSymbol[pair]; ok {
		return sym
	}
	return strings.ToUpper(strings.ReplaceAll(pair, "-", ""))
}

func (a *Adapter) PairForExchangeSymbol(symbol string) (string, bool) {
	pair, ok := a.symbolToPair[strings.ToUpper(symbol)]
	return pair, ok
}

// --- OrderBookAdapter ---

func (a *Adapter) WSURL() string { return wssURL }

// depthStreamName builds one stream name for a pair's depth diffs.
func (a *Adapter) depthStreamName(pair string) string {
	return strings.ToLower(a.ExchangeSymbol(pair)) + "@depth@100ms"
}

func (a *Adapter) tradeStreamName(pair string) string {
	return strings.ToLower(a.ExchangeSymbol(pair)) + "@aggTrade"
}

type subscribePayload struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int      `json:"id"`
}

func (a *Adapter) SubscribePayload(pairs []string) any {
	params := make([]string, 0, len(pairs)*2)
	for _, pair := range pairs {
		params = append(params, a.depthStreamName(pair), a.tradeStreamName(pair))
	}
	return subscribePayload{Method: "SUBSCRIBE", Params: params, ID: 1}
}

type combinedStreamFrame struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

func (a *Adapter) ClassifyChannel(raw []byte) exchangeadapter.Channel {
	var frame combinedStreamFrame
	if err := json.Unmarshal(raw, &frame); err != nil || frame.Stream == "" {
		return exchangeadapter.ChannelUnknown
	}
	switch {
	case strings.Contains(frame.Stream, "@depth"):
		return exchangeadapter.ChannelDiff
	case strings.Contains(frame.Stream, "@aggTrade"):
		return exchangeadapter.ChannelTrade
	default:
		return exchangeadapter.ChannelUnknown
	}
}

type depthUpdateEvent struct {
	EventType     string     `json:"e"`
	EventTime     int64      `json:"E"`
	Symbol        string     `json:"s"`
	FirstUpdateID uint64     `json:"U"`
	FinalUpdateID uint64     `json:"u"`
	Bids          [][]string `json:"b"`
	Asks          [][]string `json:"a"`
}

// ParseSnapshot is unreachable: Binance never pushes an order-book snapshot
// over the combined websocket stream, only diffs and trades; the tracker
// gets its snapshot from GetNewOrderBook's REST call instead.
func (a *Adapter) ParseSnapshot(raw []byte) (types.OrderBookMessage, error) {
	return types.OrderBookMessage{}, fmt.Errorf("binance: order book snapshots are not delivered over websocket")
}

func (a *Adapter) ParseDiff(raw []byte) (types.OrderBookMessage, error) {
	var frame combinedStreamFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return types.OrderBookMessage{}, fmt.Errorf("binance: unmarshal depth frame: %w", err)
	}
	var evt depthUpdateEvent
	if err := json.Unmarshal(frame.Data, &evt); err != nil {
		return types.OrderBookMessage{}, fmt.Errorf("binance: unmarshal depth event: %w", err)
	}

	bids, err := parseLevels(evt.Bids)
	if err != nil {
		return types.OrderBookMessage{}, fmt.Errorf("binance: parse bids: %w", err)
	}
	asks, err := parseLevels(evt.Asks)
	if err != nil {
		return types.OrderBookMessage{}, fmt.Errorf("binance: parse asks: %w", err)
	}

	pair, _ := a.PairForExchangeSymbol(evt.Symbol)
	return types.OrderBookMessage{
		Kind:          types.Diff,
		TradingPair:   pair,
		Timestamp:     time.UnixMilli(evt.EventTime),
		UpdateID:      evt.FinalUpdateID,
		FirstUpdateID: evt.FirstUpdateID,
		Bids:          bids,
		Asks:          asks,
	}, nil
}

type aggTradeEvent struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	TradeID   int64  `json:"a"`
	Price     string `json:"p"`
	Quantity  string `json:"q"`
	// BuyerIsMaker mirrors Binance's "m" field: true when the buyer is the
	// resting (maker) side, meaning the aggressor/taker was a seller.
	BuyerIsMaker bool `json:"m"`
}

func (a *Adapter) ParseTrade(raw []byte) (types.OrderBookMessage, error) {
	var frame combinedStreamFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return types.OrderBookMessage{}, fmt.Errorf("binance: unmarshal trade frame: %w", err)
	}
	var evt aggTradeEvent
	if err := json.Unmarshal(frame.Data, &evt); err != nil {
		return types.OrderBookMessage{}, fmt.Errorf("binance: unmarshal trade event: %w", err)
	}

	price, err := decimal.NewFromString(evt.Price)
	if err != nil {
		return types.OrderBookMessage{}, fmt.Errorf("binance: parse trade price: %w", err)
	}
	qty, err := decimal.NewFromString(evt.Quantity)
	if err != nil {
		return types.OrderBookMessage{}, fmt.Errorf("binance: parse trade quantity: %w", err)
	}

	side := types.TradeBuy
	if evt.BuyerIsMaker {
		side = types.TradeSell
	}

	pair, _ := a.PairForExchangeSymbol(evt.Symbol)
	return types.OrderBookMessage{
		Kind:        types.Trade,
		TradingPair: pair,
		Timestamp:   time.UnixMilli(evt.EventTime),
		Content: &types.TradeContent{
			Price:     price,
			Amount:    qty,
			TradeType: side,
			TradeID:   strconv.FormatInt(evt.TradeID, 10),
		},
	}, nil
}

func (a *Adapter) RESTSnapshotURL(pair string) string {
	return fmt.Sprintf("%s%s?symbol=%s&limit=1000", restURL, depthSnapshotPath, a.ExchangeSymbol(pair))
}

type restDepthSnapshot struct {
	LastUpdateID uint64     `json:"lastUpdateId"`
	Bids         [][]string `json:"bids"`
	Asks         [][]string `json:"asks"`
}

func (a *Adapter) ParseRESTSnapshot(raw []byte, pair string) (types.OrderBookMessage, error) {
	var snap restDepthSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return types.OrderBookMessage{}, fmt.Errorf("binance: unmarshal REST snapshot: %w", err)
	}
	bids, err := parseLevels(snap.Bids)
	if err != nil {
		return types.OrderBookMessage{}, fmt.Errorf("binance: parse snapshot bids: %w", err)
	}
	asks, err := parseLevels(snap.Asks)
	if err != nil {
		return types.OrderBookMessage{}, fmt.Errorf("binance: parse snapshot asks: %w", err)
	}
	return types.OrderBookMessage{
		Kind:        types.Snapshot,
		TradingPair: pair,
		Timestamp:   time.Now(),
		UpdateID:    snap.LastUpdateID,
		Bids:        bids,
		Asks:        asks,
	}, nil
}

func (a *Adapter) RESTLastTradedPricesURL(pairs []string) string {
	// No symbol filter: fetching the full ticker list in one call avoids
	// one REST round trip per pair.
	return restURL + tickerPricePath
}

type tickerPrice struct {
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
}

func (a *Adapter) ParseRESTLastTradedPrices(raw []byte) (map[string]decimal.Decimal, error) {
	var tickers []tickerPrice
	if err := json.Unmarshal(raw, &tickers); err != nil {
		return nil, fmt.Errorf("binance: unmarshal ticker prices: %w", err)
	}
	out := make(map[string]decimal.Decimal)
	for _, t := range tickers {
		pair, ok := a.PairForExchangeSymbol(t.Symbol)
		if !ok {
			continue
		}
		price, err := decimal.NewFromString(t.Price)
		if err != nil {
			return nil, fmt.Errorf("binance: parse ticker price for %s: %w", t.Symbol, err)
		}
		out[pair] = price
	}
	return out, nil
}

func (a *Adapter) RateLimits() []types.RateLimit {
	return []types.RateLimit{
		{ID: requestWeightLimitID, Limit: 1200, Interval: 60 * time.Second},
		{ID: depthSnapshotPath, Limit: 1200, Interval: 60 * time.Second, Weight: 1,
			LinkedLimits: []types.LinkedLimit{{ID: requestWeightLimitID, Weight: 1}}},
		{ID: fundingInfoPath, Limit: 500, Interval: 300 * time.Second, Weight: 1},
		{ID: markPricePath, Limit: 1200, Interval: 60 * time.Second, Weight: 1,
			LinkedLimits: []types.LinkedLimit{{ID: requestWeightLimitID, Weight: 1}}},
		{ID: healthCheckEndpoint, Limit: 1200, Interval: 60 * time.Second,
			LinkedLimits: []types.LinkedLimit{{ID: requestWeightLimitID, Weight: 1}}},
		{ID: wsConnectLimitID, Limit: 300, Interval: 5 * 60 * time.Second},
	}
}

func (a *Adapter) OrderBookRESTLimitID() string { return orderBookRESTLimitID }
func (a *Adapter) WSConnectLimitID() string     { return wsConnectLimitID }

// --- FundingAdapter ---

func (a *Adapter) FundingRESTURL() string         { return restURL + markPricePath }
func (a *Adapter) HasFundingInfoEndpoint() bool   { return true }
func (a *Adapter) FundingInfoRESTURL() string     { return restURL + fundingInfoPath }
func (a *Adapter) HealthCheckURL() string         { return restURL + healthCheckEndpoint }
func (a *Adapter) HealthCheckLimitID() string     { return healthCheckEndpoint }
func (a *Adapter) FundingRESTLimitID() string     { return fundingRESTLimitID }
func (a *Adapter) FundingInfoRESTLimitID() string { return fundingInfoLimitID }

type fundingInfoRow struct {
	Symbol              string `json:"symbol"`
	FundingIntervalHours int   `json:"fundingIntervalHours"`
}

func (a *Adapter) ParseFundingInfoREST(raw []byte) (map[string]int, error) {
	var rows []fundingInfoRow
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, fmt.Errorf("binance: unmarshal funding info: %w", err)
	}
	out := make(map[string]int, len(rows))
	for _, r := range rows {
		out[r.Symbol] = r.FundingIntervalHours
	}
	return out, nil
}

type markPriceRow struct {
	Symbol          string `json:"symbol"`
	LastFundingRate string `json:"lastFundingRate"`
}

func (a *Adapter) ParseFundingRatesREST(raw []byte, intervalHours map[string]int, stdHours int) (map[string]decimal.Decimal, error) {
	var rows []markPriceRow
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, fmt.Errorf("binance: unmarshal mark price rows: %w", err)
	}
	return a.normalizeRates(rows, intervalHours, stdHours)
}

// normalizeRates standardizes each raw rate to the stdHours window using the
// per-symbol interval hours from the funding-info endpoint; symbols with no
// known interval pass through unnormalized. Rates are keyed by trading pair
// for configured symbols, by exchange symbol otherwise.
func (a *Adapter) normalizeRates(rows []markPriceRow, intervalHours map[string]int, stdHours int) (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal, len(rows))
	for _, row := range rows {
		raw, err := decimal.NewFromString(row.LastFundingRate)
		if err != nil {
			return nil, fmt.Errorf("binance: parse lastFundingRate for %s: %w", row.Symbol, err)
		}
		key := row.Symbol
		if pair, ok := a.PairForExchangeSymbol(row.Symbol); ok {
			key = pair
		}
		hrs, ok := intervalHours[row.Symbol]
		if !ok || hrs == 0 {
			out[key] = raw
			continue
		}
		out[key] = raw.Mul(decimal.NewFromInt(int64(stdHours))).Div(decimal.NewFromInt(int64(hrs)))
	}
	return out, nil
}

func (a *Adapter) FundingWSURL() string { return wssURL }

type fundingSubscribePayload struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int      `json:"id"`
}

func (a *Adapter) FundingSubscribePayload(pairs []string) any {
	return fundingSubscribePayload{Method: "SUBSCRIBE", Params: []string{"!markPrice@arr"}, ID: 101}
}

type markPriceUpdateRow struct {
	EventType       string `json:"e"`
	Symbol          string `json:"s"`
	LastFundingRate string `json:"r"`
}

// ParseFundingWS handles both the array-of-markPriceUpdate data frames and
// Binance's subscribe acknowledgment ({"result":null,...}). The ack needs no
// reply — Binance keepalives are protocol-level ping frames the transport
// answers itself — so no frame here ever produces a reply payload.
func (a *Adapter) ParseFundingWS(raw []byte, intervalHours map[string]int, stdHours int) (map[string]decimal.Decimal, any, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err == nil {
		if _, isAck := probe["result"]; isAck {
			return nil, nil, nil
		}
	}

	var rows []markPriceUpdateRow
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, nil, fmt.Errorf("binance: unmarshal markPriceUpdate: %w", err)
	}

	plainRows := make([]markPriceRow, 0, len(rows))
	for _, r := range rows {
		if r.EventType != "markPriceUpdate" {
			continue
		}
		plainRows = append(plainRows, markPriceRow{Symbol: r.Symbol, LastFundingRate: r.LastFundingRate})
	}
	rates, err := a.normalizeRates(plainRows, intervalHours, stdHours)
	if err != nil {
		return nil, nil, err
	}
	return rates, nil, nil
}

func parseLevels(raw [][]string) ([]types.PriceLevel, error) {
	out := make([]types.PriceLevel, 0, len(raw))
	for _, pair := range raw {
		if len(pair) != 2 {
			return nil, fmt.Errorf("binance: malformed price level %v", pair)
		}
		price, err := decimal.NewFromString(pair[0])
		if err != nil {
			return nil, fmt.Errorf("binance: parse price: %w", err)
		}
		size, err := decimal.NewFromString(pair[1])
		if err != nil {
			return nil, fmt.Errorf("binance: parse size: %w", err)
		}
		out = append(out, types.PriceLevel{Price: price, Size: size})
	}
	return out, nil
}
