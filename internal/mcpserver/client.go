package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/mbd888/agentbazaar/internal/retry"
)

// Config holds the configuration for connecting to the marketplace API.
type Config struct {
	APIURL       string // Base URL, e.g. "http://localhost:8080"
	APIKey       string // API key, e.g. "sk_..."
	AgentAddress string // Agent's address, e.g. "0x..."
}

// MarketClient is a pure HTTP client for the marketplace API.
type MarketClient struct {
	cfg        Config
	httpClient *http.Client
	retryDelay time.Duration
}

// NewMarketClient creates a new client. The timeout covers placements that
// wait for an escrow deposit to confirm.
func NewMarketClient(cfg Config) *MarketClient {
	return &MarketClient{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 90 * time.Second,
		},
		retryDelay: 500 * time.Millisecond,
	}
}

// apiError represents an error response from the platform.
type apiError struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// APIError is returned for 4xx and 5xx responses.
type APIError struct {
	Status    int
	Code      string
	Message   string
	Retryable bool
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.Status, e.Message)
}

// readAttempts bounds retries of idempotent reads.
const readAttempts = 3

// doRequest makes an HTTP request to the platform and returns the response
// body. GETs are retried on transport errors and retryable API errors;
// writes carry their own idempotency and are sent once.
func (c *MarketClient) doRequest(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	if method != http.MethodGet {
		return c.send(ctx, method, path, query, body)
	}
	var out json.RawMessage
	err := retry.DoIf(ctx, readAttempts, retry.Backoff{Base: c.retryDelay, Max: 4 * c.retryDelay}, transient, func() error {
		var err error
		out, err = c.send(ctx, method, path, query, nil)
		return err
	})
	return out, err
}

func transient(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable || apiErr.Status >= http.StatusInternalServerError
	}
	return true
}

func (c *MarketClient) send(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var body apiError
		if json.Unmarshal(respBody, &body) == nil && body.Message != "" {
			return nil, &APIError{Status: resp.StatusCode, Code: body.Error, Message: body.Message, Retryable: body.Retryable}
		}
		return nil, &APIError{Status: resp.StatusCode, Message: string(respBody)}
	}

	return json.RawMessage(respBody), nil
}

// GetGig returns one gig with its tiers.
func (c *MarketClient) GetGig(ctx context.Context, gigID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/gigs/"+url.PathEscape(gigID), nil, nil)
}

// ListSellerGigs returns the gigs a seller lists.
func (c *MarketClient) ListSellerGigs(ctx context.Context, seller string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/agents/"+seller+"/gigs", nil, nil)
}

// PlaceOrder buys a gig tier, escrowing its price.
func (c *MarketClient) PlaceOrder(ctx context.Context, gigID, tier, brief, clientRef string) (json.RawMessage, error) {
	body := map[string]string{
		"gigId": gigID,
		"tier":  tier,
	}
	if brief != "" {
		body["brief"] = brief
	}
	if clientRef != "" {
		body["clientRef"] = clientRef
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/orders", nil, body)
}

// GetOrder returns an order the agent is party to.
func (c *MarketClient) GetOrder(ctx context.Context, orderID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/orders/"+url.PathEscape(orderID), nil, nil)
}

// ListMyOrders lists orders where the agent is buyer or seller.
func (c *MarketClient) ListMyOrders(ctx context.Context, limit int) (json.RawMessage, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/agents/"+c.cfg.AgentAddress+"/orders", q, nil)
}

// Transition posts a lifecycle action (accept, start, deliver, confirm,
// revision, reject) for an order.
func (c *MarketClient) Transition(ctx context.Context, orderID, action string, body any) (json.RawMessage, error) {
	path := "/v1/orders/" + url.PathEscape(orderID) + "/" + action
	return c.doRequest(ctx, http.MethodPost, path, nil, body)
}

// SubmitReview rates the counterparty of a completed order.
func (c *MarketClient) SubmitReview(ctx context.Context, orderID string, rating int, comment string) (json.RawMessage, error) {
	body := map[string]any{
		"rating":  rating,
		"comment": comment,
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/orders/"+url.PathEscape(orderID)+"/reviews", nil, body)
}

// GetReputation returns the reputation summary for an agent.
func (c *MarketClient) GetReputation(ctx context.Context, address string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/agents/"+address+"/reputation", nil, nil)
}
