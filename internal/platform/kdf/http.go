package kdf

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// HTTPBackend talks to a remote derivation service over its JSON API.
// Every call is bounded by the configured timeout; any transport or
// backend failure surfaces as ErrDerivation so callers treat it as a
// single retryable class.
type HTTPBackend struct {
	baseURL string
	http    *http.Client
	logger  zerolog.Logger
}

// NewHTTPBackend creates a backend client for the service at baseURL.
func NewHTTPBackend(baseURL string, timeout time.Duration, logger zerolog.Logger) *HTTPBackend {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPBackend{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

type deriveRequest struct {
	Context string `json:"context"`
	Salt    string `json:"salt"`
	Length  int    `json:"length"`
}

type deriveResponse struct {
	Material string `json:"material"`
}

type signRequest struct {
	Data  string `json:"data"`
	KeyID string `json:"key_id"`
}

type signResponse struct {
	Signature string `json:"signature"`
}

// Derive implements Backend.
func (b *HTTPBackend) Derive(ctx context.Context, kctx string, salt []byte, length int) ([]byte, error) {
	var out deriveResponse
	req := deriveRequest{
		Context: kctx,
		Salt:    base64.StdEncoding.EncodeToString(salt),
		Length:  length,
	}
	if err := b.post(ctx, "/v1/derive", req, &out); err != nil {
		return nil, err
	}

	material, err := base64.StdEncoding.DecodeString(out.Material)
	if err != nil {
		return nil, fmt.Errorf("%w: decode material: %v", ErrDerivation, err)
	}
	if len(material) != length {
		return nil, fmt.Errorf("%w: backend returned %d bytes, want %d", ErrDerivation, len(material), length)
	}
	return material, nil
}

// Sign implements Backend.
func (b *HTTPBackend) Sign(ctx context.Context, data []byte, keyID string) ([]byte, error) {
	var out signResponse
	req := signRequest{
		Data:  base64.StdEncoding.EncodeToString(data),
		KeyID: keyID,
	}
	if err := b.post(ctx, "/v1/sign", req, &out); err != nil {
		return nil, err
	}

	sig, err := base64.StdEncoding.DecodeString(out.Signature)
	if err != nil {
		return nil, fmt.Errorf("%w: decode signature: %v", ErrDerivation, err)
	}
	return sig, nil
}

func (b *HTTPBackend) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("%w: marshal request: %v", ErrDerivation, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDerivation, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDerivation, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: backend status %d", ErrDerivation, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode response: %v", ErrDerivation, err)
	}
	return nil
}
