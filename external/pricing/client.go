package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stakeops/taxledger/entities"
)

var two = decimal.NewFromInt(2)

// Client fetches asset prices in the reference currency from a
// CoinGecko-compatible API. Historical prices are cached indefinitely (they
// never change); the spot price is cached briefly to stay under rate limits.
type Client struct {
	baseURL    string
	assetID    string
	currency   string
	httpClient *http.Client
	cache      *ttlcache.Cache[string, decimal.Decimal]
}

func NewClient(baseURL, assetID, currency string, timeout time.Duration, spotTTL time.Duration) *Client {
	cache := ttlcache.New[string, decimal.Decimal](
		ttlcache.WithTTL[string, decimal.Decimal](spotTTL),
		ttlcache.WithDisableTouchOnHit[string, decimal.Decimal](),
	)
	go cache.Start() // evict expired spot entries
	return &Client{
		baseURL:    baseURL,
		assetID:    assetID,
		currency:   currency,
		httpClient: &http.Client{Timeout: timeout},
		cache:      cache,
	}
}

type marketData struct {
	CurrentPrice map[string]decimal.Decimal `json:"current_price"`
}

type historyResponse struct {
	ID         string      `json:"id"`
	MarketData *marketData `json:"market_data"`
}

// HistoricalPrice returns the reference-currency unit price for the day of
// the given time: the midpoint of that day's opening price and the next
// day's opening price.
func (c *Client) HistoricalPrice(ctx context.Context, at time.Time) (decimal.Decimal, error) {
	day := at.UTC().Truncate(24 * time.Hour)
	key := "hist:" + day.Format(time.DateOnly)
	if item := c.cache.Get(key); item != nil {
		return item.Value(), nil
	}

	open, err := c.openingPrice(ctx, day)
	if err != nil {
		return decimal.Zero, err
	}
	nextOpen, err := c.openingPrice(ctx, day.AddDate(0, 0, 1))
	if err != nil {
		return decimal.Zero, err
	}
	price := open.Add(nextOpen).Div(two)
	c.cache.Set(key, price, ttlcache.NoTTL)
	return price, nil
}

// SpotPrice returns the current unit price.
func (c *Client) SpotPrice(ctx context.Context) (decimal.Decimal, error) {
	const key = "spot"
	if item := c.cache.Get(key); item != nil {
		return item.Value(), nil
	}
	price, err := c.openingPrice(ctx, time.Now().UTC())
	if err != nil {
		return decimal.Zero, err
	}
	c.cache.Set(key, price, ttlcache.DefaultTTL)
	return price, nil
}

func (c *Client) openingPrice(ctx context.Context, day time.Time) (decimal.Decimal, error) {
	url := fmt.Sprintf("%s/api/v3/coins/%s/history?date=%02d-%02d-%d&localization=false",
		c.baseURL, c.assetID, day.Day(), int(day.Month()), day.Year())

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return decimal.Zero, errors.Wrap(err, "creating request")
	}
	response, err := c.httpClient.Do(request)
	if err != nil {
		return decimal.Zero, errors.Wrapf(entities.ErrUnavailable, "requesting price: %v", err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return decimal.Zero, errors.Wrapf(entities.ErrUnavailable,
			"price request returned status [%d]", response.StatusCode)
	}

	var history historyResponse
	if err := json.NewDecoder(response.Body).Decode(&history); err != nil {
		return decimal.Zero, errors.Wrap(err, "decoding price response")
	}
	if history.MarketData == nil {
		return decimal.Zero, errors.Wrapf(entities.ErrUnavailable,
			"no market data for [%s]", day.Format(time.DateOnly))
	}
	price, ok := history.MarketData.CurrentPrice[c.currency]
	if !ok {
		return decimal.Zero, errors.Errorf("no [%s] price in response", c.currency)
	}
	return price, nil
}
