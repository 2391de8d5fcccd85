package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"QuickCashEngine/internal/currency"
)

// HTTPClient talks to one processor endpoint over its REST API:
//
//	POST /v1/holds                 place a hold
//	POST /v1/holds/{key}/capture   capture the hold placed with key
//	POST /v1/holds/{key}/reverse   release the hold placed with key
//
// The idempotency key travels in the Idempotency-Key header on every call.
type HTTPClient struct {
	baseURL    string
	apiKey     string
	currencies currency.Table
	client     *http.Client
}

func NewHTTPClient(baseURL, apiKey string, currencies currency.Table, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		currencies: currencies,
		client:     &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClient) BaseURL() string {
	return c.baseURL
}

func (c *HTTPClient) PlaceHold(ctx context.Context, req HoldRequest) (Result, error) {
	body := holdRequest{
		Amount:      c.currencies.MajorUnits(req.Amount, req.Currency),
		Currency:    req.Currency,
		Source:      req.Source,
		Destination: req.Destination,
	}
	return c.post(ctx, "/v1/holds", req.IdempotencyKey, body)
}

func (c *HTTPClient) Capture(ctx context.Context, idempotencyKey string) (Result, error) {
	return c.post(ctx, "/v1/holds/"+url.PathEscape(idempotencyKey)+"/capture", idempotencyKey, nil)
}

func (c *HTTPClient) Reverse(ctx context.Context, idempotencyKey string) (Result, error) {
	return c.post(ctx, "/v1/holds/"+url.PathEscape(idempotencyKey)+"/reverse", idempotencyKey, nil)
}

func (c *HTTPClient) post(ctx context.Context, path, idempotencyKey string, body any) (Result, error) {
	var payload io.Reader = http.NoBody
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return Result{}, err
		}
		payload = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, payload)
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", idempotencyKey)
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return Result{}, TransientError("network", err)
	}
	defer resp.Body.Close()

	var out processorResponse
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, TransientError("read_body", err)
	}
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil && resp.StatusCode < 300 {
			return Result{}, TransientError("decode", err)
		}
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		code := out.Code
		if code == "" {
			code = strconv.Itoa(resp.StatusCode)
		}
		return Result{Reference: out.ID, Code: code, Replayed: out.Replayed}, nil
	}
	return Result{}, classify(resp.StatusCode, out, raw)
}

// classify maps a non-2xx processor answer onto the transient/permanent split.
func classify(status int, out processorResponse, raw []byte) error {
	code := out.Code
	if code == "" {
		code = strconv.Itoa(status)
	}
	msg := out.Message
	if msg == "" {
		msg = strings.TrimSpace(string(raw))
	}
	switch {
	case status == http.StatusTooManyRequests,
		status == http.StatusConflict, // key still in flight on the processor side
		status == http.StatusRequestTimeout,
		status >= 500:
		return TransientError(code, fmt.Errorf("processor http status %d: %s", status, msg))
	default:
		return PermanentError(code, msg)
	}
}

type holdRequest struct {
	Amount      string `json:"amount"`
	Currency    string `json:"currency"`
	Source      string `json:"source"`
	Destination string `json:"destination"`
}

type processorResponse struct {
	ID       string `json:"id"`
	Status   string `json:"status"`
	Code     string `json:"code"`
	Message  string `json:"message"`
	Replayed bool   `json:"replayed"`
}
