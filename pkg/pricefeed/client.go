// Package pricefeed reads native token USD prices from a CoinGecko-style
// simple price API.
package pricefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	x402 "github.com/x402x/facilitator"
	"github.com/x402x/facilitator/mechanisms/evm/gas"
)

// DefaultBaseURL is the default URL of the price API
const DefaultBaseURL = "https://api.coingecko.com/api/v3"

// DefaultTimeout is the default HTTP client timeout
const DefaultTimeout = 10 * time.Second

// Config contains configuration for the price feed client
type Config struct {
	// BaseURL is the API root; /simple/price is appended.
	// Defaults to the public CoinGecko API if not set
	BaseURL string `yaml:"baseUrl"`

	// APIKey is sent as x-cg-pro-api-key when set
	APIKey string `yaml:"-"`

	// Timeout is the HTTP client timeout.
	// Defaults to 10 seconds if not set
	Timeout time.Duration `yaml:"timeout"`
}

// Client is an HTTP client for the simple price API
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a new price feed client
func NewClient(config Config) *Client {
	baseURL := config.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	timeout := config.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}

	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  config.APIKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// PriceUSD fetches the USD price of the asset with the given API identifier
// (e.g. "ethereum")
func (c *Client) PriceUSD(ctx context.Context, id string) (float64, error) {
	id = strings.ToLower(strings.TrimSpace(id))
	if id == "" {
		return 0, fmt.Errorf("empty price id")
	}

	values := url.Values{}
	values.Set("ids", id)
	values.Set("vs_currencies", "usd")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/simple/price?"+values.Encode(), nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("x-cg-pro-api-key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch price of %s: %w", id, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return 0, fmt.Errorf("price API returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var payload map[string]map[string]json.Number
	decoder := json.NewDecoder(resp.Body)
	decoder.UseNumber()
	if err := decoder.Decode(&payload); err != nil {
		return 0, fmt.Errorf("failed to decode price response: %w", err)
	}

	raw, ok := payload[id]["usd"]
	if !ok {
		return 0, fmt.Errorf("price of %s missing from response", id)
	}
	price, err := decimal.NewFromString(raw.String())
	if err != nil || !price.IsPositive() {
		return 0, fmt.Errorf("invalid price %q for %s", raw, id)
	}
	return price.InexactFloat64(), nil
}

// TokenPriceFetcher adapts the client to gas.TokenPriceFetcher. ids maps each
// network to the price identifier of its native token.
func (c *Client) TokenPriceFetcher(ids map[x402.Network]string) gas.TokenPriceFetcher {
	return func(ctx context.Context, network x402.Network) (float64, error) {
		id, ok := ids[network]
		if !ok || id == "" {
			return 0, fmt.Errorf("no price id for %s", network)
		}
		return c.PriceUSD(ctx, id)
	}
}
