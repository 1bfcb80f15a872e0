package okx

const (
	restURL      = "https://www.okx.com"
	wssPublicURL = "wss://ws.okx.com:8443/ws/v5/public"

	healthCheckEndpoint = "/api/v5/public/time"
	fundingRatePath     = "/api/v5/public/funding-rate"
	booksPath           = "/api/v5/market/books"
	tickersPath         = "/api/v5/market/tickers"

	booksChannel       = "books"
	tradesChannel      = "trades"
	fundingRateChannel = "funding-rate"

	// rawLimitID is the shared IP-level pool every public endpoint also
	// debits, alongside its own per-endpoint budget.
	rawLimitID       = "raw"
	wsConnectLimitID = "ws_connect"

	instIDSuffix = "-SWAP"
)
