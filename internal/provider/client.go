package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/akl7777777/imei-intel/internal/config"
	"github.com/akl7777777/imei-intel/internal/model"
)

const (
	defaultTimeout = 15 * time.Second
	maxBodyBytes   = 1 << 20
	maxErrorBody   = 512
)

// HTTPClient speaks the JSON order API:
//
//	POST {base}/checks        {"deviceId": ..., "serviceId": ...} -> {"id", "status", ...}
//	GET  {base}/checks/{id}   -> {"status", ...payload}
//	GET  {base}/account       -> {"balance": ...}
type HTTPClient struct {
	name         string
	baseURL      string
	apiKey       string
	basicService string
	fullService  string
	client       *http.Client
}

func NewHTTPClient(cfg config.ProviderConfig) *HTTPClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &HTTPClient{
		name:         cfg.Name,
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:       cfg.APIKey,
		basicService: cfg.BasicServiceID,
		fullService:  cfg.FullServiceID,
		client:       &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClient) Name() string { return c.name }

// HasKey reports whether an API key is configured.
func (c *HTTPClient) HasKey() bool { return c.apiKey != "" }

func (c *HTTPClient) ServiceID(mode model.Mode) string {
	if mode == model.ModeFull {
		return c.fullService
	}
	return c.basicService
}

func (c *HTTPClient) CreateOrder(ctx context.Context, identifier, serviceID string) (*Order, error) {
	body := map[string]string{"deviceId": identifier, "serviceId": serviceID}

	var resp map[string]any
	if err := c.doJSON(ctx, http.MethodPost, "/checks", body, &resp); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &Error{Provider: c.name, Kind: KindOrderFailed, Message: err.Error()}
	}

	id := stringify(resp["id"])
	if id == "" {
		return nil, &Error{Provider: c.name, Kind: KindOrderFailed, Message: "response has no order id"}
	}
	status, _ := resp["status"].(string)
	return &Order{ID: id, Status: status, Payload: resp}, nil
}

func (c *HTTPClient) PollResult(ctx context.Context, orderID string) (map[string]any, error) {
	var resp map[string]any
	if err := c.doJSON(ctx, http.MethodGet, "/checks/"+orderID, nil, &resp); err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, errors.New("empty response body")
	}
	return resp, nil
}

// Balance returns the account balance.
func (c *HTTPClient) Balance(ctx context.Context) (float64, error) {
	var resp struct {
		Balance float64 `json:"balance"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/account", nil, &resp); err != nil {
		return 0, fmt.Errorf("%s balance: %w", c.name, err)
	}
	return resp.Balance, nil
}

func (c *HTTPClient) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(excerpt)))
	}

	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(out); err != nil {
		return fmt.Errorf("malformed response: %w", err)
	}
	return nil
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return fmt.Sprintf("%.0f", t)
	case json.Number:
		return t.String()
	default:
		return ""
	}
}
