package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/stakeops/taxledger/entities"
)

// Client observes chain state over JSON-RPC: balances, epoch reward credits
// and transaction confirmations.
type Client struct {
	rpcURL     string
	httpClient *http.Client
	requestID  atomic.Uint64
}

func NewClient(rpcURL string, timeout time.Duration) *Client {
	return &Client{
		rpcURL:     rpcURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type rpcRequest struct {
	JsonRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

func (c *Client) call(ctx context.Context, method string, params []any, result any) error {
	payload, err := json.Marshal(rpcRequest{
		JsonRPC: "2.0",
		ID:      c.requestID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return errors.Wrap(err, "marshalling request")
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.rpcURL, bytes.NewReader(payload))
	if err != nil {
		return errors.Wrap(err, "creating request")
	}
	request.Header.Set("Content-Type", "application/json")

	response, err := c.httpClient.Do(request)
	if err != nil {
		return errors.Wrapf(entities.ErrUnavailable, "calling [%s]: %v", method, err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return errors.Wrapf(entities.ErrUnavailable, "[%s] returned status [%d]", method, response.StatusCode)
	}

	var rpcResp rpcResponse
	if err := json.NewDecoder(response.Body).Decode(&rpcResp); err != nil {
		return errors.Wrap(err, "decoding response")
	}
	if rpcResp.Error != nil {
		return errors.Errorf("[%s] failed: %s (code %d)", method, rpcResp.Error.Message, rpcResp.Error.Code)
	}
	return errors.Wrap(json.Unmarshal(rpcResp.Result, result), "unmarshalling result")
}

type valueResult struct {
	Value uint64 `json:"value"`
}

// Balance returns the spendable balance of the account in base units.
func (c *Client) Balance(ctx context.Context, account string) (uint64, error) {
	var result valueResult
	err := c.call(ctx, "getBalance", []any{account}, &result)
	if err != nil {
		return 0, errors.Wrapf(err, "getting balance of [%s]", account)
	}
	return result.Value, nil
}

type epochInfo struct {
	Epoch uint64 `json:"epoch"`
}

// CurrentEpoch returns the epoch the chain is currently in.
func (c *Client) CurrentEpoch(ctx context.Context) (uint64, error) {
	var info epochInfo
	err := c.call(ctx, "getEpochInfo", nil, &info)
	if err != nil {
		return 0, errors.Wrap(err, "getting epoch info")
	}
	return info.Epoch, nil
}

type inflationReward struct {
	Epoch         uint64 `json:"epoch"`
	EffectiveSlot uint64 `json:"effectiveSlot"`
	Amount        uint64 `json:"amount"`
	PostBalance   uint64 `json:"postBalance"`
}

// RewardEvents returns the account's reward credits for every completed
// epoch after sinceEpoch, in increasing epoch order. The kind tags the
// stream the account is credited from; the RPC surface is the same for all.
func (c *Client) RewardEvents(ctx context.Context, account string, kind entities.RewardKind,
	sinceEpoch uint64) ([]entities.RewardEvent, error) {
	current, err := c.CurrentEpoch(ctx)
	if err != nil {
		return nil, err
	}

	var events []entities.RewardEvent
	for epoch := sinceEpoch + 1; epoch < current; epoch++ {
		var rewards []*inflationReward
		err := c.call(ctx, "getInflationReward", []any{[]string{account}, map[string]any{"epoch": epoch}}, &rewards)
		if err != nil {
			return nil, errors.Wrapf(err, "getting inflation reward for epoch [%d]", epoch)
		}
		if len(rewards) == 0 || rewards[0] == nil || rewards[0].Amount == 0 {
			continue
		}
		creditedAt, err := c.blockTime(ctx, rewards[0].EffectiveSlot)
		if err != nil {
			return nil, errors.Wrapf(err, "getting credit time for epoch [%d]", epoch)
		}
		events = append(events, entities.RewardEvent{
			Account:   account,
			Epoch:     epoch,
			Quantity:  rewards[0].Amount,
			Kind:      kind,
			Timestamp: creditedAt,
		})
	}
	return events, nil
}

func (c *Client) blockTime(ctx context.Context, slot uint64) (time.Time, error) {
	var unix int64
	err := c.call(ctx, "getBlockTime", []any{slot}, &unix)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(unix, 0).UTC(), nil
}

type signatureStatus struct {
	ConfirmationStatus string `json:"confirmationStatus"`
	Err                any    `json:"err"`
}

type signatureStatusResult struct {
	Value []*signatureStatus `json:"value"`
}

// TransferConfirmed reports whether the transaction with the given signature
// reached finalized commitment.
func (c *Client) TransferConfirmed(ctx context.Context, signature string) (bool, error) {
	var result signatureStatusResult
	err := c.call(ctx, "getSignatureStatuses",
		[]any{[]string{signature}, map[string]any{"searchTransactionHistory": true}}, &result)
	if err != nil {
		return false, errors.Wrapf(err, "getting status of [%s]", signature)
	}
	if len(result.Value) == 0 || result.Value[0] == nil {
		return false, nil
	}
	if result.Value[0].Err != nil {
		return false, errors.Errorf("transaction [%s] failed on chain", signature)
	}
	return result.Value[0].ConfirmationStatus == "finalized", nil
}

type stakeActivation struct {
	State string `json:"state"`
}

// StakeActivated reports whether the stake account's delegation is active.
func (c *Client) StakeActivated(ctx context.Context, stakeAccount string) (bool, error) {
	var activation stakeActivation
	err := c.call(ctx, "getStakeActivation", []any{stakeAccount}, &activation)
	if err != nil {
		return false, errors.Wrapf(err, "getting stake activation of [%s]", stakeAccount)
	}
	return activation.State == "active", nil
}
