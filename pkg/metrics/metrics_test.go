package metrics

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	x402 "github.com/x402x/facilitator"
	"github.com/x402x/facilitator/mechanisms/evm/exact/facilitator"
	"github.com/x402x/facilitator/pkg/accountpool"
)

var (
	_ accountpool.Observer = (*Metrics)(nil)
	_ facilitator.Observer = (*Metrics)(nil)
)

func TestSettlementMetrics(t *testing.T) {
	m := New()
	network := x402.Network("eip155:84532")

	m.SettlementState(network, facilitator.ModeRouter, facilitator.StateReceived)
	m.SettlementState(network, facilitator.ModeRouter, facilitator.StateConfirmed)
	m.SettlementState(network, facilitator.ModeRouter, facilitator.StateConfirmed)

	assert.Equal(t, 2.0, testutil.ToFloat64(
		m.settlementStates.WithLabelValues(string(network), facilitator.ModeRouter, string(facilitator.StateConfirmed))))

	m.SettlementGas(network, x402.GasMetrics{
		GasUsed:           120_000,
		ActualGasCostUSD:  "0.36",
		FacilitatorFeeUSD: "1",
		Profitable:        true,
	})
	m.SettlementGas(network, x402.GasMetrics{
		GasUsed:           300_000,
		ActualGasCostUSD:  "3",
		FacilitatorFeeUSD: "1",
		Profitable:        false,
	})

	assert.InDelta(t, 3.36, testutil.ToFloat64(m.gasCostUSD.WithLabelValues(string(network))), 1e-9)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.feeUSD.WithLabelValues(string(network))))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.unprofitable.WithLabelValues(string(network))))
	assert.Equal(t, 1, testutil.CollectAndCount(m.gasUsed))
}

func TestPoolMetrics(t *testing.T) {
	m := New()

	m.QueueDepth("eip155:8453", "0xabc", 3)
	m.QueueDepth("eip155:8453", "0xabc", 1)
	m.JobDone("eip155:8453", "0xabc", 20*time.Millisecond, nil)
	m.JobDone("eip155:8453", "0xabc", 20*time.Millisecond, errors.New("reverted"))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.queueDepth.WithLabelValues("eip155:8453", "0xabc")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.jobs.WithLabelValues("eip155:8453", "0xabc", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.jobs.WithLabelValues("eip155:8453", "0xabc", "error")))
}

func TestHandler(t *testing.T) {
	m := New()
	m.ObserveHTTP("POST", "/settle", 200, 5*time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	require.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `x402_http_requests_total{code="200",method="POST",route="/settle"} 1`))
	assert.Contains(t, body, "go_goroutines")
}

type stubScheme struct {
	verify    x402.VerifyResponse
	settle    x402.SettleResponse
	settleErr error
}

func (s *stubScheme) Scheme() string                               { return "exact" }
func (s *stubScheme) CaipFamily() string                           { return "eip155:*" }
func (s *stubScheme) GetExtra(x402.Network) map[string]interface{} { return nil }
func (s *stubScheme) GetSigners(x402.Network) []string             { return nil }

func (s *stubScheme) Verify(context.Context, x402.PaymentPayload, x402.PaymentRequirements) (x402.VerifyResponse, error) {
	return s.verify, nil
}

func (s *stubScheme) Settle(context.Context, x402.PaymentPayload, x402.PaymentRequirements) (x402.SettleResponse, error) {
	return s.settle, s.settleErr
}

func TestInstrumentCountsOutcomes(t *testing.T) {
	network := x402.Network("eip155:84532")
	scheme := &stubScheme{
		verify: x402.VerifyResponse{IsValid: true},
		settle: x402.SettleResponse{Success: false, ErrorReason: "invalid_exact_evm_transaction_failed"},
	}
	f := x402.Newx402Facilitator()
	f.Register(network, scheme)

	m := New()
	m.Instrument(f)

	req := x402.PaymentRequirements{
		Scheme:  "exact",
		Network: network,
		Asset:   "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
		Amount:  "1000000",
		PayTo:   "0x817e4f0ee2fbdaac426f1178e149f7dc98873ecb",
	}
	payload := x402.PaymentPayload{X402Version: 2, Accepted: req, Payload: map[string]interface{}{"signature": "0x"}}

	_, err := f.Verify(context.Background(), payload, req)
	require.NoError(t, err)
	_, err = f.Settle(context.Background(), payload, req)
	require.NoError(t, err)

	scheme.settleErr = x402.NewValidationError("settlement_duplicate_in_flight", "duplicate", nil)
	_, err = f.Settle(context.Background(), payload, req)
	require.Error(t, err)

	n := string(network)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.paymentRequests.WithLabelValues("verify", n)))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.paymentRequests.WithLabelValues("settle", n)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.paymentOutcomes.WithLabelValues("verify", n, "valid")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.paymentOutcomes.WithLabelValues("settle", n, "failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.paymentOutcomes.WithLabelValues("settle", n, "rejected")))
	assert.Equal(t, 2, testutil.CollectAndCount(m.paymentDuration))
}
