package upstream

// ItemRef is the nested item reference in listing payloads.
type ItemRef struct {
	ID int64 `json:"id"`
}

// RawAuction is one realm auction as returned upstream. Optional fields are
// pointers so absence can be told apart from zero.
type RawAuction struct {
	ID       int64   `json:"id"`
	Item     ItemRef `json:"item"`
	Quantity *int64  `json:"quantity"`
	Buyout   *int64  `json:"buyout"`
	Bid      *int64  `json:"bid"`
	TimeLeft string  `json:"time_left"`
}

// RawCommodity is one region-wide commodity listing.
type RawCommodity struct {
	ID        int64   `json:"id"`
	Item      ItemRef `json:"item"`
	Quantity  *int64  `json:"quantity"`
	UnitPrice *int64  `json:"unit_price"`
	TimeLeft  string  `json:"time_left"`
}

// AuctionsPayload is the connected-realm auctions response.
type AuctionsPayload struct {
	Auctions []RawAuction `json:"auctions"`
}

// CommoditiesPayload is the commodities response.
type CommoditiesPayload struct {
	Auctions []RawCommodity `json:"auctions"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

type itemResponse struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Media struct {
		Key struct {
			Href string `json:"href"`
		} `json:"key"`
	} `json:"media"`
}

type mediaResponse struct {
	Assets []struct {
		Key   string `json:"key"`
		Value string `json:"value"`
	} `json:"assets"`
}
