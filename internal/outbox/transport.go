package outbox

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

	"github.com/MarcoPoloResearchLab/cradle/internal/entities"
)

const defaultTransportTimeout = 15 * time.Second

// Pusher sends a batch of mutations to the server.
type Pusher interface {
	Push(ctx context.Context, mutations []entities.Mutation) (entities.PushResponse, error)
}

type HTTPClientConfig struct {
	BaseURL string
	Token   string
	Timeout time.Duration
	Client  *http.Client
}

// HTTPClient talks to the sync endpoints with a bearer session token.
type HTTPClient struct {
	baseURL string
	token   string
	hc      *http.Client
}

func NewHTTPClient(cfg HTTPClientConfig) (*HTTPClient, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("outbox: server url required")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("outbox: invalid server url: %w", err)
	}
	hc := cfg.Client
	if hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTransportTimeout
		}
		hc = &http.Client{Timeout: timeout}
	}
	return &HTTPClient{baseURL: baseURL, token: cfg.Token, hc: hc}, nil
}

// Push posts the batch to /sync/push.
func (c *HTTPClient) Push(ctx context.Context, mutations []entities.Mutation) (entities.PushResponse, error) {
	if mutations == nil {
		mutations = []entities.Mutation{}
	}
	body, err := json.Marshal(entities.PushRequest{Mutations: mutations})
	if err != nil {
		return entities.PushResponse{}, err
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/sync/push", bytes.NewReader(body))
	if err != nil {
		return entities.PushResponse{}, err
	}
	request.Header.Set("Content-Type", "application/json")

	var response entities.PushResponse
	if err := c.do(request, "push", &response); err != nil {
		return entities.PushResponse{}, err
	}
	return response, nil
}

// Pull fetches events after the cursor from /sync/events.
func (c *HTTPClient) Pull(ctx context.Context, after int64, limit int) (entities.PullResponse, error) {
	query := url.Values{}
	query.Set("after", strconv.FormatInt(after, 10))
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/sync/events?"+query.Encode(), http.NoBody)
	if err != nil {
		return entities.PullResponse{}, err
	}

	var response entities.PullResponse
	if err := c.do(request, "pull", &response); err != nil {
		return entities.PullResponse{}, err
	}
	return response, nil
}

func (c *HTTPClient) do(request *http.Request, op string, out any) error {
	if c.token != "" {
		request.Header.Set("Authorization", "Bearer "+c.token)
	}
	response, err := c.hc.Do(request)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrNetworkFailure, op, err)
	}
	defer func() {
		_ = response.Body.Close()
	}()

	switch {
	case response.StatusCode == http.StatusOK:
	case response.StatusCode == http.StatusUnauthorized:
		return fmt.Errorf("%w: %s: %s", ErrUnauthorized, op, readDetail(response.Body))
	case response.StatusCode == http.StatusTooManyRequests || response.StatusCode >= http.StatusInternalServerError:
		return fmt.Errorf("%w: %s: %s %s", ErrServerError, op, response.Status, readDetail(response.Body))
	default:
		return fmt.Errorf("%w: %s: %s %s", ErrRejected, op, response.Status, readDetail(response.Body))
	}

	if err := json.NewDecoder(response.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: %s: decode response: %v", ErrServerError, op, err)
	}
	return nil
}

func readDetail(body io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(body, 1024))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(raw))
}
