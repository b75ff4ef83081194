package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// HTTPClient talks to a ledger gateway over HTTP.
//
// The gateway exposes one endpoint per ledger:
//
//	POST {base}/v1/ledgers/{ledgerID}/transfer_from
//	POST {base}/v1/ledgers/{ledgerID}/transfer
//
// Success responses carry {"blockIndex": n}; failures carry a TransferError
// JSON body with a non-2xx status.
type HTTPClient struct {
	baseURL string
	http    *http.Client
}

// NewHTTPClient creates a ledger gateway client for the given base URL.
func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

type transferFromRequest struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Amount uint64 `json:"amount"`
}

type transferRequest struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Amount uint64 `json:"amount"`
}

type transferResponse struct {
	BlockIndex uint64 `json:"blockIndex"`
}

// TransferFrom pulls amount from the payer's account into to.
func (c *HTTPClient) TransferFrom(ctx context.Context, ledgerID, from, to string, amount uint64) (uint64, error) {
	url := fmt.Sprintf("%s/v1/ledgers/%s/transfer_from", c.baseURL, ledgerID)
	return c.post(ctx, url, transferFromRequest{From: from, To: to, Amount: amount})
}

// Transfer pushes amount from the gateway-held unit account to the recipient.
func (c *HTTPClient) Transfer(ctx context.Context, ledgerID, from, to string, amount uint64) (uint64, error) {
	url := fmt.Sprintf("%s/v1/ledgers/%s/transfer", c.baseURL, ledgerID)
	return c.post(ctx, url, transferRequest{From: from, To: to, Amount: amount})
}

func (c *HTTPClient) post(ctx context.Context, url string, body any) (uint64, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return 0, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, &TransferError{Code: CodeTemporarilyUnavailable, Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		var out transferResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return 0, fmt.Errorf("decode response: %w", err)
		}
		return out.BlockIndex, nil
	}

	var terr TransferError
	if err := json.NewDecoder(resp.Body).Decode(&terr); err != nil || terr.Code == "" {
		terr = TransferError{
			Code:    CodeGeneric,
			Message: fmt.Sprintf("unexpected status %d", resp.StatusCode),
		}
	}
	return 0, &terr
}

var _ Client = (*HTTPClient)(nil)
