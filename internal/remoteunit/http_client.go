package remoteunit

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPClient manages units on a remote host over its management API.
//
// Endpoints:
//
//	POST {base}/v1/units                         create a unit
//	PUT  {base}/v1/units/{id}/package            install/upgrade a package
//	GET  {base}/v1/units/{id}/status             query status
//	PUT  {base}/v1/units/{id}/settings           update settings
//
// Failure statuses map onto reasons: 402 means the resource budget was
// insufficient, 429 and 503 are transient, other 4xx are rejections, and
// 5xx are host-internal failures.
type HTTPClient struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewHTTPClient creates a host client authenticating with a bearer token.
func NewHTTPClient(baseURL, token string) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 60 * time.Second},
	}
}

type createUnitRequest struct {
	Budget uint64 `json:"budget"`
}

type createUnitResponse struct {
	UnitID UnitID `json:"unitId"`
}

type installRequest struct {
	Package  string      `json:"package"` // base64
	InitArgs string      `json:"initArgs,omitempty"`
	Mode     InstallMode `json:"mode"`
}

// CreateUnit provisions a fresh unit funded with the given resource budget.
func (c *HTTPClient) CreateUnit(ctx context.Context, budget uint64) (UnitID, error) {
	var out createUnitResponse
	err := c.call(ctx, "create_unit", http.MethodPost, c.baseURL+"/v1/units",
		createUnitRequest{Budget: budget}, &out)
	if err != nil {
		return "", err
	}
	return out.UnitID, nil
}

// InstallPackage lands a package on the unit in the given mode.
func (c *HTTPClient) InstallPackage(ctx context.Context, id UnitID, pkg []byte, initArgs []byte, mode InstallMode) error {
	url := fmt.Sprintf("%s/v1/units/%s/package", c.baseURL, id)
	req := installRequest{
		Package: base64.StdEncoding.EncodeToString(pkg),
		Mode:    mode,
	}
	if len(initArgs) > 0 {
		req.InitArgs = base64.StdEncoding.EncodeToString(initArgs)
	}
	return c.call(ctx, "install_package", http.MethodPut, url, req, nil)
}

// QueryStatus fetches the unit's current status.
func (c *HTTPClient) QueryStatus(ctx context.Context, id UnitID) (*Status, error) {
	url := fmt.Sprintf("%s/v1/units/%s/status", c.baseURL, id)
	var out Status
	if err := c.call(ctx, "query_status", http.MethodGet, url, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateSettings replaces the unit's host-side settings.
func (c *HTTPClient) UpdateSettings(ctx context.Context, id UnitID, settings Settings) error {
	url := fmt.Sprintf("%s/v1/units/%s/settings", c.baseURL, id)
	return c.call(ctx, "update_settings", http.MethodPut, url, settings, nil)
}

func (c *HTTPClient) call(ctx context.Context, method, httpMethod, url string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return &CallError{Method: method, Reason: ReasonInternal, Message: "encode request: " + err.Error()}
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, httpMethod, url, reader)
	if err != nil {
		return &CallError{Method: method, Reason: ReasonInternal, Message: err.Error()}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return &CallError{Method: method, Reason: ReasonTransient, Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return &CallError{Method: method, Reason: ReasonInternal, Message: "decode response: " + err.Error()}
		}
		return nil
	}

	msg := readErrorMessage(resp.Body)
	return &CallError{Method: method, Reason: classify(resp.StatusCode), Message: msg}
}

// classify maps host HTTP statuses onto call reasons.
func classify(status int) Reason {
	switch {
	case status == http.StatusPaymentRequired:
		return ReasonOutOfResources
	case status == http.StatusTooManyRequests || status == http.StatusServiceUnavailable:
		return ReasonTransient
	case status == http.StatusUnprocessableEntity:
		return ReasonUnitError
	case status >= 400 && status < 500:
		return ReasonRejected
	default:
		return ReasonInternal
	}
}

func readErrorMessage(body io.Reader) string {
	var envelope struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	raw, err := io.ReadAll(io.LimitReader(body, 4096))
	if err != nil {
		return ""
	}
	if json.Unmarshal(raw, &envelope) == nil {
		if envelope.Message != "" {
			return envelope.Message
		}
		return envelope.Error
	}
	return string(bytes.TrimSpace(raw))
}

var _ Client = (*HTTPClient)(nil)
