package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	x402 "github.com/x402x/facilitator"
)

// ============================================================================
// HTTP Facilitator Client
// ============================================================================

// FacilitatorClient talks to a facilitator over HTTP
type FacilitatorClient struct {
	url          string
	httpClient   *http.Client
	authProvider AuthProvider
}

// AuthProvider generates authentication headers for facilitator requests
type AuthProvider interface {
	// GetAuthHeaders returns authentication headers for each endpoint
	GetAuthHeaders(ctx context.Context) (AuthHeaders, error)
}

// AuthHeaders contains authentication headers for facilitator endpoints
type AuthHeaders struct {
	Verify    map[string]string
	Settle    map[string]string
	Supported map[string]string
}

// FacilitatorConfig configures the HTTP facilitator client
type FacilitatorConfig struct {
	// URL is the base URL of the facilitator service
	URL string

	// HTTPClient is the HTTP client to use (optional)
	HTTPClient *http.Client

	// AuthProvider provides authentication headers (optional)
	AuthProvider AuthProvider

	// Timeout for requests (optional, defaults to 2m: settle waits for a receipt)
	Timeout time.Duration
}

// getSupportedRetries is the number of retry attempts for GetSupported on 429 rate limit errors
const getSupportedRetries = 3

// getSupportedRetryBaseDelay is the base delay for exponential backoff on retries
var getSupportedRetryBaseDelay = 1 * time.Second

// NewFacilitatorClient creates a new HTTP facilitator client
func NewFacilitatorClient(config FacilitatorConfig) *FacilitatorClient {
	httpClient := config.HTTPClient
	if httpClient == nil {
		timeout := config.Timeout
		if timeout == 0 {
			timeout = 2 * time.Minute
		}
		httpClient = &http.Client{
			Timeout: timeout,
		}
	}

	return &FacilitatorClient{
		url:          strings.TrimSuffix(config.URL, "/"),
		httpClient:   httpClient,
		authProvider: config.AuthProvider,
	}
}

// Verify checks a payment without settling it. A refusal comes back as a
// *x402.PaymentError together with the facilitator's response.
func (c *FacilitatorClient) Verify(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) (*x402.VerifyResponse, error) {
	status, body, err := c.post(ctx, "/verify", payload, requirements, func(h AuthHeaders) map[string]string { return h.Verify })
	if err != nil {
		return nil, err
	}

	if status == http.StatusOK {
		var resp x402.VerifyResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, fmt.Errorf("failed to decode verify response: %w", err)
		}
		return &resp, nil
	}

	var refused VerifyErrorResponse
	if err := json.Unmarshal(body, &refused); err != nil || refused.Error == nil {
		return nil, fmt.Errorf("facilitator verify failed (%d): %s", status, string(body))
	}
	return &refused.VerifyResponse, refused.Error
}

// Settle settles a payment. A chain failure is a response with
// Success=false and a nil error; a refusal is a *x402.PaymentError.
func (c *FacilitatorClient) Settle(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) (*x402.SettleResponse, error) {
	status, body, err := c.post(ctx, "/settle", payload, requirements, func(h AuthHeaders) map[string]string { return h.Settle })
	if err != nil {
		return nil, err
	}

	if status == http.StatusOK {
		var resp x402.SettleResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, fmt.Errorf("failed to decode settle response: %w", err)
		}
		return &resp, nil
	}

	var refused SettleErrorResponse
	if err := json.Unmarshal(body, &refused); err != nil || refused.Error == nil {
		return nil, fmt.Errorf("facilitator settle failed (%d): %s", status, string(body))
	}
	return &refused.SettleResponse, refused.Error
}

// GetSupported gets supported payment kinds.
// Retries up to 3 times with exponential backoff on 429 rate limit errors.
func (c *FacilitatorClient) GetSupported(ctx context.Context) (x402.SupportedResponse, error) {
	var lastErr error

	for attempt := range getSupportedRetries {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url+"/supported", nil)
		if err != nil {
			return x402.SupportedResponse{}, fmt.Errorf("failed to create supported request: %w", err)
		}
		if err := c.authorize(ctx, req, func(h AuthHeaders) map[string]string { return h.Supported }); err != nil {
			return x402.SupportedResponse{}, err
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return x402.SupportedResponse{}, fmt.Errorf("supported request failed: %w", err)
		}

		responseBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return x402.SupportedResponse{}, fmt.Errorf("failed to read response body: %w", err)
		}

		if resp.StatusCode == http.StatusOK {
			var supportedResponse x402.SupportedResponse
			if err := json.Unmarshal(responseBody, &supportedResponse); err != nil {
				return x402.SupportedResponse{}, fmt.Errorf("failed to decode supported response: %w", err)
			}
			return supportedResponse, nil
		}

		lastErr = fmt.Errorf("facilitator supported failed (%d): %s", resp.StatusCode, string(responseBody))

		// Retry on 429 with exponential backoff, except on the last attempt
		if resp.StatusCode == http.StatusTooManyRequests && attempt < getSupportedRetries-1 {
			delay := getSupportedRetryBaseDelay * time.Duration(1<<uint(attempt))
			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
				return x402.SupportedResponse{}, ctx.Err()
			}
		}

		return x402.SupportedResponse{}, lastErr
	}

	return x402.SupportedResponse{}, lastErr
}

// Ready fetches the readiness snapshot; a not-ready facilitator is not an error
func (c *FacilitatorClient) Ready(ctx context.Context) (x402.ReadinessResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url+"/ready", nil)
	if err != nil {
		return x402.ReadinessResponse{}, fmt.Errorf("failed to create ready request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return x402.ReadinessResponse{}, fmt.Errorf("ready request failed: %w", err)
	}
	defer resp.Body.Close()

	var readiness x402.ReadinessResponse
	if err := json.NewDecoder(resp.Body).Decode(&readiness); err != nil {
		return x402.ReadinessResponse{}, fmt.Errorf("failed to decode ready response (%d): %w", resp.StatusCode, err)
	}
	return readiness, nil
}

func (c *FacilitatorClient) post(
	ctx context.Context,
	path string,
	payload x402.PaymentPayload,
	requirements x402.PaymentRequirements,
	headers func(AuthHeaders) map[string]string,
) (int, []byte, error) {
	body, err := json.Marshal(x402.SettleRequest{
		X402Version:         payload.X402Version,
		PaymentPayload:      payload,
		PaymentRequirements: requirements,
	})
	if err != nil {
		return 0, nil, fmt.Errorf("failed to marshal %s request: %w", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+path, bytes.NewReader(body))
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if err := c.authorize(ctx, req, headers); err != nil {
		return 0, nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("%s request failed: %w", path, err)
	}
	defer resp.Body.Close()

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to read response body: %w", err)
	}
	return resp.StatusCode, responseBody, nil
}

func (c *FacilitatorClient) authorize(ctx context.Context, req *http.Request, headers func(AuthHeaders) map[string]string) error {
	if c.authProvider == nil {
		return nil
	}
	authHeaders, err := c.authProvider.GetAuthHeaders(ctx)
	if err != nil {
		return fmt.Errorf("failed to get auth headers: %w", err)
	}
	for k, v := range headers(authHeaders) {
		req.Header.Set(k, v)
	}
	return nil
}
