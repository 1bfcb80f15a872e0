package binance

const (
	restURL = "https://fapi.binance.com"
	wssURL  = "wss://fstream.binance.com/stream"

	healthCheckEndpoint  = "/fapi/v1/ping"
	depthSnapshotPath    = "/fapi/v1/depth"
	markPricePath        = "/fapi/v1/premiumIndex"
	fundingInfoPath      = "/fapi/v1/fundingInfo"
	tickerPricePath      = "/fapi/v1/ticker/price"

	requestWeightLimitID = "REQUEST_WEIGHT"

	orderBookRESTLimitID = depthSnapshotPath
	wsConnectLimitID     = "ws_connect"
	fundingRESTLimitID = markPricePath
	fundingInfoLimitID = fundingInfoPath
)
