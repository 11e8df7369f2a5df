package pricefeed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	x402 "github.com/x402x/facilitator"
)

func TestPriceUSD(t *testing.T) {
	var gotQuery, gotKey string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/simple/price", r.URL.Path)
		gotQuery = r.URL.RawQuery
		gotKey = r.Header.Get("x-cg-pro-api-key")
		switch r.URL.Query().Get("ids") {
		case "ethereum":
			_, _ = w.Write([]byte(`{"ethereum":{"usd":3012.55}}`))
		case "zero":
			_, _ = w.Write([]byte(`{"zero":{"usd":0}}`))
		case "broken":
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`rate limited`))
		default:
			_, _ = w.Write([]byte(`{}`))
		}
	}))
	defer server.Close()

	client := NewClient(Config{BaseURL: server.URL + "/", APIKey: "secret"})
	ctx := context.Background()

	price, err := client.PriceUSD(ctx, "Ethereum")
	require.NoError(t, err)
	assert.Equal(t, 3012.55, price)
	assert.Equal(t, "ids=ethereum&vs_currencies=usd", gotQuery)
	assert.Equal(t, "secret", gotKey)

	_, err = client.PriceUSD(ctx, "zero")
	assert.ErrorContains(t, err, "invalid price")

	_, err = client.PriceUSD(ctx, "missing")
	assert.ErrorContains(t, err, "missing")

	_, err = client.PriceUSD(ctx, "broken")
	assert.ErrorContains(t, err, "429")

	_, err = client.PriceUSD(ctx, " ")
	assert.Error(t, err)
}

func TestTokenPriceFetcher(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ethereum":{"usd":2500}}`))
	}))
	defer server.Close()

	fetch := NewClient(Config{BaseURL: server.URL}).TokenPriceFetcher(map[x402.Network]string{
		"eip155:8453": "ethereum",
	})

	price, err := fetch(context.Background(), "eip155:8453")
	require.NoError(t, err)
	assert.Equal(t, 2500.0, price)

	_, err = fetch(context.Background(), "eip155:1")
	assert.ErrorContains(t, err, "no price id")
}
