package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stakeops/taxledger/entities"
)

// Client talks to the exchange/custody orchestrator that places orders and
// moves funds on our behalf. Requests are authenticated with an HMAC-SHA256
// signature over the query string.
type Client struct {
	baseURL    string
	apiKey     string
	secretKey  []byte
	httpClient *http.Client
}

func NewClient(baseURL, apiKey, secretKey string, timeout time.Duration) *Client {
	return &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		secretKey:  []byte(secretKey),
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *Client) sign(query url.Values) string {
	mac := hmac.New(sha256.New, c.secretKey)
	mac.Write([]byte(query.Encode()))
	return hex.EncodeToString(mac.Sum(nil))
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, result any) error {
	query.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	query.Set("signature", c.sign(query))

	request, err := http.NewRequestWithContext(ctx, method,
		fmt.Sprintf("%s%s?%s", c.baseURL, path, query.Encode()), nil)
	if err != nil {
		return errors.Wrap(err, "creating request")
	}
	request.Header.Set("X-API-KEY", c.apiKey)

	response, err := c.httpClient.Do(request)
	if err != nil {
		return errors.Wrapf(entities.ErrUnavailable, "calling [%s]: %v", path, err)
	}
	defer response.Body.Close()

	if response.StatusCode == http.StatusTooManyRequests || response.StatusCode >= http.StatusInternalServerError {
		return errors.Wrapf(entities.ErrUnavailable, "[%s] returned status [%d]", path, response.StatusCode)
	}
	if response.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(response.Body)
		return errors.Errorf("[%s] returned status [%d]: %s", path, response.StatusCode, body)
	}
	if result == nil {
		return nil
	}
	return errors.Wrap(json.NewDecoder(response.Body).Decode(result), "decoding response")
}

type orderResponse struct {
	OrderID        string          `json:"orderId"`
	Status         string          `json:"status"` // open, filled, cancelled
	Side           string          `json:"side"`
	Price          decimal.Decimal `json:"price"`
	Quantity       uint64          `json:"quantity"`
	FilledQuantity uint64          `json:"filledQuantity"`
	UpdatedAt      int64           `json:"updatedAt"` // unix millis
}

// PlaceOrder submits a limit order and returns the exchange order id. The
// client order id makes resubmission after a crash idempotent.
func (c *Client) PlaceOrder(ctx context.Context, clientOrderID, pair string, side entities.OrderSide,
	price decimal.Decimal, quantity uint64) (string, error) {

	query := url.Values{}
	query.Set("clientOrderId", clientOrderID)
	query.Set("pair", pair)
	query.Set("side", string(side))
	query.Set("type", "limit")
	query.Set("price", price.String())
	query.Set("quantity", strconv.FormatUint(quantity, 10))

	var order orderResponse
	err := c.do(ctx, http.MethodPost, "/v1/order", query, &order)
	if err != nil {
		return "", errors.Wrap(err, "placing order")
	}
	return order.OrderID, nil
}

func (c *Client) OrderStatus(ctx context.Context, pair, orderID string) (*entities.OrderStatus, error) {
	query := url.Values{}
	query.Set("pair", pair)
	query.Set("orderId", orderID)

	var order orderResponse
	err := c.do(ctx, http.MethodGet, "/v1/order", query, &order)
	if err != nil {
		return nil, errors.Wrapf(err, "getting order [%s]", orderID)
	}
	return &entities.OrderStatus{
		OrderID:        order.OrderID,
		Open:           order.Status == "open",
		Cancelled:      order.Status == "cancelled",
		Side:           entities.OrderSide(order.Side),
		Price:          order.Price,
		Quantity:       order.Quantity,
		FilledQuantity: order.FilledQuantity,
		LastUpdate:     time.UnixMilli(order.UpdatedAt).UTC(),
	}, nil
}

func (c *Client) CancelOrder(ctx context.Context, pair, orderID string) error {
	query := url.Values{}
	query.Set("pair", pair)
	query.Set("orderId", orderID)
	err := c.do(ctx, http.MethodDelete, "/v1/order", query, nil)
	return errors.Wrapf(err, "cancelling order [%s]", orderID)
}

type transferResponse struct {
	Signature string `json:"signature"`
}

// InitiateTransfer moves funds between on-chain accounts through the
// orchestrator and returns the transaction signature. The call is safe to
// repeat: the orchestrator replays the recorded result for a correlation id
// it has already executed instead of moving funds again.
func (c *Client) InitiateTransfer(ctx context.Context, correlationID, from, to string, quantity uint64) (string, error) {
	query := url.Values{}
	query.Set("correlationId", correlationID)
	query.Set("from", from)
	query.Set("to", to)
	query.Set("quantity", strconv.FormatUint(quantity, 10))

	var transfer transferResponse
	err := c.do(ctx, http.MethodPost, "/v1/transfer", query, &transfer)
	if err != nil {
		return "", errors.Wrapf(err, "initiating transfer [%s]", correlationID)
	}
	return transfer.Signature, nil
}

// ActivateStake delegates the deposited quantity on the stake account.
// Idempotent on the correlation id like InitiateTransfer.
func (c *Client) ActivateStake(ctx context.Context, correlationID, stakeAccount string, quantity uint64) error {
	query := url.Values{}
	query.Set("correlationId", correlationID)
	query.Set("account", stakeAccount)
	query.Set("quantity", strconv.FormatUint(quantity, 10))
	err := c.do(ctx, http.MethodPost, "/v1/stake", query, nil)
	return errors.Wrapf(err, "activating stake [%s]", correlationID)
}

// DepositAddress returns the exchange deposit address for the asset.
func (c *Client) DepositAddress(ctx context.Context, asset string) (string, error) {
	query := url.Values{}
	query.Set("asset", asset)

	var result struct {
		Address string `json:"address"`
	}
	err := c.do(ctx, http.MethodGet, "/v1/deposit-address", query, &result)
	if err != nil {
		return "", errors.Wrap(err, "getting deposit address")
	}
	return result.Address, nil
}
