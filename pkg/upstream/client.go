// Package upstream talks to the marketplace API: OAuth client-credentials
// tokens, the realm auctions and commodities snapshots, and item lookups.
package upstream

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/nicktill/tinyauction/pkg/config"
	"github.com/nicktill/tinyauction/pkg/logging"
	"github.com/nicktill/tinyauction/pkg/market"
)

// Config configures a Client.
type Config struct {
	Region         string
	Locale         string
	ConnectedRealm int64
	ClientID       string
	ClientSecret   string
	Timeout        time.Duration

	// APIBaseURL and TokenURL default to the regional endpoints.
	APIBaseURL string
	TokenURL   string

	Logger *zap.Logger
}

// FromConfig maps the shared configuration.
func FromConfig(c config.UpstreamConfig, log *zap.Logger) Config {
	return Config{
		Region:         c.Region,
		Locale:         c.Locale,
		ConnectedRealm: c.ConnectedRealm,
		ClientID:       c.ClientID,
		ClientSecret:   c.ClientSecret,
		Timeout:        c.Timeout,
		APIBaseURL:     c.APIBaseURL,
		TokenURL:       c.TokenURL,
		Logger:         log,
	}
}

// Client is safe for concurrent use.
type Client struct {
	cfg  Config
	http *resty.Client
	log  *zap.Logger

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
	now         func() time.Time
}

// New builds a Client.
func New(cfg Config) *Client {
	if cfg.Region == "" {
		cfg.Region = config.DefaultRegion
	}
	if cfg.Locale == "" {
		cfg.Locale = config.DefaultLocale
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = config.UpstreamTimeout
	}
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = fmt.Sprintf("https://%s.api.blizzard.com", cfg.Region)
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = fmt.Sprintf("https://%s.battle.net/oauth/token", cfg.Region)
	}

	rc := resty.New().
		SetTimeout(cfg.Timeout).
		SetRetryCount(config.UpstreamMaxRetries).
		SetRetryWaitTime(config.UpstreamRetryWait).
		SetRetryMaxWaitTime(config.UpstreamRetryMaxWait).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() == http.StatusTooManyRequests || r.StatusCode() >= 500
		}).
		SetHeader("Accept", "application/json")

	return &Client{
		cfg:  cfg,
		http: rc,
		log:  logging.OrNop(cfg.Logger).Named("upstream"),
		now:  time.Now,
	}
}

// accessToken returns a cached token, fetching a new one near expiry.
func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && c.now().Before(c.tokenExpiry) {
		return c.token, nil
	}

	var tok tokenResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBasicAuth(c.cfg.ClientID, c.cfg.ClientSecret).
		SetFormData(map[string]string{"grant_type": "client_credentials"}).
		SetResult(&tok).
		Post(c.cfg.TokenURL)
	if err != nil {
		return "", market.Fail("token", market.ErrUpstream, 0, err)
	}
	if resp.IsError() {
		return "", market.Fail("token", market.ErrUpstream, 0, statusError(resp))
	}
	if tok.AccessToken == "" {
		return "", market.Fail("token", market.ErrUpstream, 0, errors.New("empty access token"))
	}

	c.token = tok.AccessToken
	c.tokenExpiry = c.now().Add(time.Duration(tok.ExpiresIn)*time.Second - config.UpstreamTokenMargin)
	c.log.Debug("Fetched access token", zap.Time("expires", c.tokenExpiry))
	return c.token, nil
}

func (c *Client) dynamicNamespace() string { return "dynamic-" + c.cfg.Region }
func (c *Client) staticNamespace() string  { return "static-" + c.cfg.Region }

// get issues an authenticated GET and decodes into out.
func (c *Client) get(ctx context.Context, op, url, namespace string, out any) error {
	token, err := c.accessToken(ctx)
	if err != nil {
		return err
	}
	req := c.http.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetResult(out)
	if namespace != "" {
		req.SetQueryParams(map[string]string{"namespace": namespace, "locale": c.cfg.Locale})
	}
	resp, err := req.Get(url)
	if err != nil {
		return market.Fail(op, market.ErrUpstream, 0, err)
	}
	if resp.IsError() {
		if resp.StatusCode() == http.StatusUnauthorized {
			c.invalidateToken()
		}
		return market.Fail(op, market.ErrUpstream, 0, statusError(resp))
	}
	return nil
}

func (c *Client) invalidateToken() {
	c.mu.Lock()
	c.token = ""
	c.mu.Unlock()
}

// FetchAuctions downloads the connected-realm auction snapshot.
func (c *Client) FetchAuctions(ctx context.Context) (*AuctionsPayload, error) {
	var out AuctionsPayload
	url := fmt.Sprintf("%s/data/wow/connected-realm/%d/auctions", c.cfg.APIBaseURL, c.cfg.ConnectedRealm)
	if err := c.get(ctx, "fetch auctions", url, c.dynamicNamespace(), &out); err != nil {
		return nil, err
	}
	c.log.Info("Fetched auctions", zap.Int("count", len(out.Auctions)))
	return &out, nil
}

// FetchCommodities downloads the region-wide commodity snapshot.
func (c *Client) FetchCommodities(ctx context.Context) (*CommoditiesPayload, error) {
	var out CommoditiesPayload
	url := c.cfg.APIBaseURL + "/data/wow/auctions/commodities"
	if err := c.get(ctx, "fetch commodities", url, c.dynamicNamespace(), &out); err != nil {
		return nil, err
	}
	c.log.Info("Fetched commodities", zap.Int("count", len(out.Auctions)))
	return &out, nil
}

// LookupItem resolves an item name and icon. A missing icon is not an error.
func (c *Client) LookupItem(ctx context.Context, id int64) (market.Item, error) {
	var item itemResponse
	url := c.cfg.APIBaseURL + "/data/wow/item/" + strconv.FormatInt(id, 10)
	if err := c.get(ctx, "lookup item", url, c.staticNamespace(), &item); err != nil {
		return market.Item{}, err
	}
	if item.Name == "" {
		return market.Item{}, market.Fail("lookup item", market.ErrUpstream, 0, errors.Errorf("item %d has no name", id))
	}

	out := market.Item{ID: id, Name: item.Name}
	if href := item.Media.Key.Href; href != "" {
		var media mediaResponse
		// The media href already carries namespace and locale.
		if err := c.get(ctx, "lookup item media", href, "", &media); err != nil {
			c.log.Warn("Item media unavailable", zap.Int64("item_id", id), zap.Error(err))
			return out, nil
		}
		for _, a := range media.Assets {
			if a.Key == "icon" {
				out.IconURL = a.Value
				break
			}
		}
	}
	return out, nil
}

func statusError(resp *resty.Response) error {
	body := resp.String()
	if len(body) > 200 {
		body = body[:200]
	}
	return errors.Errorf("HTTP %d: %s", resp.StatusCode(), body)
}
