// Package apex is the internal client for the privileged local backend.
// The relay is the only component allowed to talk to it; workers reach it
// exclusively through the relay's validated proxy endpoints.
package apex

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Per-class timeouts. Trades confirm on-chain and can take a while; status
// probes must not.
const (
	StatusTimeout   = 15 * time.Second
	BuyTimeout      = 90 * time.Second
	SellTimeout     = 30 * time.Second
	TransferTimeout = 90 * time.Second
	NotifyTimeout   = 10 * time.Second
	FeedTimeout     = 15 * time.Second
)

// Response is a raw upstream reply, passed through proxy endpoints
// verbatim with its status code.
type Response struct {
	StatusCode int
	Body       []byte
}

// JSON decodes the body into a generic map, tolerating non-JSON replies.
func (r *Response) JSON() map[string]interface{} {
	var out map[string]interface{}
	if err := json.Unmarshal(r.Body, &out); err != nil {
		return map[string]interface{}{"error": string(r.Body)}
	}
	return out
}

// OK reports a 200 upstream status.
func (r *Response) OK() bool { return r.StatusCode == http.StatusOK }

// Token is one SPL holding in a worker wallet.
type Token struct {
	Mint     string  `json:"mint"`
	UIAmount float64 `json:"ui_amount"`
}

// Holdings is the wallet status payload the capital-flow engine consumes.
type Holdings struct {
	Success    bool    `json:"success"`
	SOLBalance float64 `json:"sol_balance"`
	Tokens     []Token `json:"tokens"`
}

// TransferResult is the outcome of a SOL transfer.
type TransferResult struct {
	Success   bool   `json:"success"`
	Signature string `json:"signature"`
	Error     string `json:"error"`
}

// Client talks to the apex API with a bearer token.
type Client struct {
	base  string
	token string
	http  *http.Client
}

// New builds a client for the apex API at base.
func New(base, token string) *Client {
	return &Client{base: base, token: token, http: &http.Client{}}
}

// Configured reports whether the apex token is present. Without it every
// proxy call is rejected before leaving the relay.
func (c *Client) Configured() bool { return c.token != "" }

// Get proxies a read to the apex API.
func (c *Client) Get(ctx context.Context, path string, query url.Values, timeout time.Duration) (*Response, error) {
	u := c.base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return c.do(ctx, http.MethodGet, u, nil, timeout)
}

// Post proxies a write to the apex API.
func (c *Client) Post(ctx context.Context, path string, body interface{}, timeout time.Duration) (*Response, error) {
	var buf io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal apex request: %w", err)
		}
		buf = bytes.NewReader(raw)
	}
	return c.do(ctx, http.MethodPost, c.base+path, buf, timeout)
}

func (c *Client) do(ctx context.Context, method, u string, body io.Reader, timeout time.Duration) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("apex unreachable: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("apex read: %w", err)
	}
	return &Response{StatusCode: resp.StatusCode, Body: raw}, nil
}

// Status probes a worker wallet: SOL balance plus token holdings.
func (c *Client) Status(ctx context.Context, worker string) (*Holdings, error) {
	resp, err := c.Get(ctx, "/api/agent-wallet/status/"+worker, nil, StatusTimeout)
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return nil, fmt.Errorf("apex status %d: %s", resp.StatusCode, resp.Body)
	}
	var h Holdings
	if err := json.Unmarshal(resp.Body, &h); err != nil {
		return nil, fmt.Errorf("decode holdings: %w", err)
	}
	return &h, nil
}

// TransferSOL moves SOL between worker wallets. A nil amount means
// "everything minus the upstream fee buffer".
func (c *Client) TransferSOL(ctx context.Context, from, to string, amountSOL *float64) (*TransferResult, error) {
	payload := map[string]interface{}{"to_agent": to}
	if amountSOL != nil {
		payload["amount_sol"] = *amountSOL
	}
	resp, err := c.Post(ctx, "/api/agent-wallet/transfer-sol/"+from, payload, TransferTimeout)
	if err != nil {
		return nil, err
	}
	var out TransferResult
	if resp.OK() {
		if err := json.Unmarshal(resp.Body, &out); err != nil {
			return nil, fmt.Errorf("decode transfer result: %w", err)
		}
	} else {
		out = TransferResult{Success: false, Error: string(resp.Body)}
	}
	return &out, nil
}

// Notify delivers a message to the operator channel.
func (c *Client) Notify(ctx context.Context, operatorID, message string) error {
	resp, err := c.Post(ctx, "/api/notify",
		map[string]string{"user_id": operatorID, "message": message}, NotifyTimeout)
	if err != nil {
		return err
	}
	if !resp.OK() {
		return fmt.Errorf("notify status %d", resp.StatusCode)
	}
	return nil
}
