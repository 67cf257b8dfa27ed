package anchor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"
)

// HTTPClient talks to an anchor ledger over its JSON API. All calls are
// bounded by the configured timeout and pass through a circuit breaker
// so a dead anchor fails fast instead of tying up batcher cycles.
type HTTPClient struct {
	baseURL string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker[*http.Response]
	logger  zerolog.Logger
}

// HTTPClientOption configures an HTTPClient.
type HTTPClientOption func(*HTTPClient)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(c *http.Client) HTTPClientOption {
	return func(a *HTTPClient) { a.http = c }
}

// NewHTTPClient creates an anchor client for the service at baseURL.
func NewHTTPClient(baseURL string, timeout time.Duration, logger zerolog.Logger, opts ...HTTPClientOption) *HTTPClient {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	c := &HTTPClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}

	c.breaker = gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        "anchor",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("anchor circuit breaker state change")
		},
	})

	for _, o := range opts {
		o(c)
	}
	return c
}

type submitRequest struct {
	MerkleRoot string `json:"merkle_root"`
	EntryCount int    `json:"entry_count"`
}

type submitResponse struct {
	Proof string `json:"proof"`
}

type confirmRequest struct {
	Proof      string `json:"proof"`
	MerkleRoot string `json:"merkle_root"`
}

type confirmResponse struct {
	Covered bool `json:"covered"`
}

// SubmitBatch implements Client.
func (c *HTTPClient) SubmitBatch(ctx context.Context, merkleRoot string, entryCount int) (string, error) {
	var out submitResponse
	err := c.post(ctx, "/v1/batches", submitRequest{MerkleRoot: merkleRoot, EntryCount: entryCount}, &out)
	if err != nil {
		return "", err
	}
	if out.Proof == "" {
		return "", fmt.Errorf("anchor submit: empty proof in response")
	}
	return out.Proof, nil
}

// ConfirmRoot implements Client.
func (c *HTTPClient) ConfirmRoot(ctx context.Context, proof, merkleRoot string) (bool, error) {
	var out confirmResponse
	err := c.post(ctx, "/v1/confirm", confirmRequest{Proof: proof, MerkleRoot: merkleRoot}, &out)
	if err != nil {
		return false, err
	}
	return out.Covered, nil
}

func (c *HTTPClient) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("anchor: marshal request: %w", err)
	}

	resp, err := c.breaker.Execute(func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 500 {
			resp.Body.Close()
			return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
		}
		return resp, nil
	})
	if err != nil {
		if isUnavailable(err) {
			return fmt.Errorf("anchor %s: %v: %w", path, err, ErrUnavailable)
		}
		return fmt.Errorf("anchor %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("anchor %s: status %d: %s", path, resp.StatusCode, payload)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("anchor %s: decode response: %w", path, err)
	}
	return nil
}

// isUnavailable classifies transport-level failures, timeouts, and open
// breakers as availability errors per the retry policy.
func isUnavailable(err error) bool {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	// 5xx responses are wrapped with ErrUnavailable inside Execute.
	return errors.Is(err, ErrUnavailable)
}
