package x402

import (
	"context"
	"errors"
	"reflect"
	"testing"
)

// Mock facilitator for testing
type mockSchemeNetworkFacilitator struct {
	scheme   string
	signers  []string
	accounts []AccountInfo
	verify   func(ctx context.Context, payload PaymentPayload, requirements PaymentRequirements) (VerifyResponse, error)
	settle   func(ctx context.Context, payload PaymentPayload, requirements PaymentRequirements) (SettleResponse, error)
}

func (m *mockSchemeNetworkFacilitator) Scheme() string {
	return m.scheme
}

func (m *mockSchemeNetworkFacilitator) CaipFamily() string {
	return "eip155:*"
}

func (m *mockSchemeNetworkFacilitator) GetExtra(Network) map[string]interface{} {
	return map[string]interface{}{"settlementRouter": "0xrouter"}
}

func (m *mockSchemeNetworkFacilitator) GetSigners(Network) []string {
	return m.signers
}

func (m *mockSchemeNetworkFacilitator) Verify(ctx context.Context, payload PaymentPayload, requirements PaymentRequirements) (VerifyResponse, error) {
	if m.verify != nil {
		return m.verify(ctx, payload, requirements)
	}
	return VerifyResponse{
		IsValid: true,
		Payer:   "0xmockpayer",
	}, nil
}

func (m *mockSchemeNetworkFacilitator) Settle(ctx context.Context, payload PaymentPayload, requirements PaymentRequirements) (SettleResponse, error) {
	if m.settle != nil {
		return m.settle(ctx, payload, requirements)
	}
	return SettleResponse{
		Success:     true,
		Transaction: "0xmocktx",
		Payer:       "0xmockpayer",
		Network:     payload.Accepted.Network,
	}, nil
}

type mockPooledFacilitator struct {
	mockSchemeNetworkFacilitator
}

func (m *mockPooledFacilitator) AccountsInfo() []AccountInfo {
	return m.accounts
}

func testRequirements(network Network) PaymentRequirements {
	return PaymentRequirements{
		Scheme:  "exact",
		Network: network,
		Asset:   "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
		Amount:  "1000000",
		PayTo:   "0x817e4f0ee2fbdaac426f1178e149f7dc98873ecb",
	}
}

func testPayload(requirements PaymentRequirements) PaymentPayload {
	return PaymentPayload{
		X402Version: 2,
		Payload:     map[string]interface{}{"signature": "0xsig"},
		Accepted:    requirements,
	}
}

func TestNewx402Facilitator(t *testing.T) {
	facilitator := Newx402Facilitator()
	if facilitator == nil {
		t.Fatal("Expected facilitator to be created")
	}
	if facilitator.schemes == nil {
		t.Fatal("Expected schemes map to be initialized")
	}
	if facilitator.extensions == nil {
		t.Fatal("Expected extensions slice to be initialized")
	}
}

func TestFacilitatorRegister(t *testing.T) {
	facilitator := Newx402Facilitator()
	mock := &mockSchemeNetworkFacilitator{scheme: "exact"}

	facilitator.Register("eip155:8453", mock, map[string]interface{}{"feeModel": "dynamic"})

	if len(facilitator.schemes) != 1 {
		t.Fatalf("Expected 1 network, got %d", len(facilitator.schemes))
	}
	if facilitator.schemes["eip155:8453"]["exact"] != mock {
		t.Fatal("Expected mock facilitator to be registered")
	}
	if facilitator.extras["eip155:8453"]["exact"] == nil {
		t.Fatal("Expected registration extra to be kept")
	}
}

func TestFacilitatorRegisterExtension(t *testing.T) {
	facilitator := Newx402Facilitator()

	facilitator.RegisterExtension("settlement-router")
	facilitator.RegisterExtension("settlement-router")
	if len(facilitator.extensions) != 1 {
		t.Fatal("Expected extension to not be duplicated")
	}

	facilitator.RegisterExtension("bazaar")
	if len(facilitator.extensions) != 2 {
		t.Fatal("Expected 2 extensions")
	}
}

func TestFacilitatorVerify(t *testing.T) {
	ctx := context.Background()
	facilitator := Newx402Facilitator()
	facilitator.Register("eip155:8453", &mockSchemeNetworkFacilitator{scheme: "exact"})

	requirements := testRequirements("eip155:8453")
	resp, err := facilitator.Verify(ctx, testPayload(requirements), requirements)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !resp.IsValid {
		t.Fatal("Expected valid payment")
	}
	if resp.Payer != "0xmockpayer" {
		t.Fatalf("Expected payer 0xmockpayer, got %s", resp.Payer)
	}
}

func TestFacilitatorVerifyValidation(t *testing.T) {
	ctx := context.Background()
	facilitator := Newx402Facilitator()
	facilitator.Register("eip155:8453", &mockSchemeNetworkFacilitator{scheme: "exact"})

	requirements := testRequirements("eip155:8453")

	badVersion := testPayload(requirements)
	badVersion.X402Version = 1
	_, err := facilitator.Verify(ctx, badVersion, requirements)
	var validationErr *ValidationError
	if !errors.As(err, &validationErr) || validationErr.Code != ErrCodeInvalidPayment {
		t.Fatalf("Expected invalid_payment validation error, got %v", err)
	}

	missingAmount := requirements
	missingAmount.Amount = ""
	_, err = facilitator.Verify(ctx, testPayload(requirements), missingAmount)
	if !errors.As(err, &validationErr) || validationErr.Code != ErrCodeInvalidRequest {
		t.Fatalf("Expected invalid_request validation error, got %v", err)
	}
}

func TestFacilitatorUnsupportedNetworkAndScheme(t *testing.T) {
	ctx := context.Background()
	facilitator := Newx402Facilitator()
	facilitator.Register("eip155:8453", &mockSchemeNetworkFacilitator{scheme: "exact"})

	requirements := testRequirements("eip155:1")
	resp, err := facilitator.Settle(ctx, testPayload(requirements), requirements)
	var validationErr *ValidationError
	if !errors.As(err, &validationErr) || validationErr.Code != ErrCodeUnsupportedNetwork {
		t.Fatalf("Expected unsupported_network, got %v", err)
	}
	if resp.Success || resp.ErrorReason != ErrCodeUnsupportedNetwork {
		t.Fatalf("Expected negative response, got %+v", resp)
	}

	requirements = testRequirements("eip155:8453")
	requirements.Scheme = "upto"
	_, err = facilitator.Verify(ctx, testPayload(requirements), requirements)
	if !errors.As(err, &validationErr) || validationErr.Code != ErrCodeUnsupportedScheme {
		t.Fatalf("Expected unsupported_scheme, got %v", err)
	}
}

func TestFacilitatorSettle(t *testing.T) {
	ctx := context.Background()
	facilitator := Newx402Facilitator()
	facilitator.Register("eip155:8453", &mockSchemeNetworkFacilitator{scheme: "exact"})

	var afterCalled bool
	facilitator.OnAfterSettle(func(c FacilitatorSettleResultContext) error {
		afterCalled = true
		if c.Result.Transaction != "0xmocktx" {
			t.Errorf("Expected result in callback, got %+v", c.Result)
		}
		return errors.New("ignored")
	})

	requirements := testRequirements("eip155:8453")
	resp, err := facilitator.Settle(ctx, testPayload(requirements), requirements)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !resp.Success || resp.Transaction != "0xmocktx" {
		t.Fatalf("Expected successful settlement, got %+v", resp)
	}
	if !afterCalled {
		t.Fatal("Expected after settle callback")
	}
}

func TestFacilitatorSettleChainFailureIsAResult(t *testing.T) {
	ctx := context.Background()
	facilitator := Newx402Facilitator()
	facilitator.Register("eip155:8453", &mockSchemeNetworkFacilitator{
		scheme: "exact",
		settle: func(context.Context, PaymentPayload, PaymentRequirements) (SettleResponse, error) {
			return SettleResponse{Success: false, ErrorReason: "transaction_failed", Transaction: "0xdead"}, nil
		},
	})

	var failureCalled bool
	facilitator.OnSettleFailure(func(FacilitatorSettleFailureContext) (*FacilitatorSettleFailureHookResult, error) {
		failureCalled = true
		return nil, nil
	})

	requirements := testRequirements("eip155:8453")
	resp, err := facilitator.Settle(ctx, testPayload(requirements), requirements)
	if err != nil {
		t.Fatalf("Expected nil error for a chain failure, got %v", err)
	}
	if resp.Success || resp.Transaction != "0xdead" {
		t.Fatalf("Expected failed settlement with its transaction, got %+v", resp)
	}
	if failureCalled {
		t.Fatal("Failure callbacks are for errors only")
	}
}

func TestFacilitatorSettleCallbacks(t *testing.T) {
	ctx := context.Background()
	requirements := testRequirements("eip155:8453")

	t.Run("before hook aborts", func(t *testing.T) {
		settled := false
		facilitator := Newx402Facilitator()
		facilitator.Register("eip155:8453", &mockSchemeNetworkFacilitator{
			scheme: "exact",
			settle: func(context.Context, PaymentPayload, PaymentRequirements) (SettleResponse, error) {
				settled = true
				return SettleResponse{Success: true}, nil
			},
		})
		facilitator.OnBeforeSettle(func(FacilitatorSettleContext) (*FacilitatorBeforeHookResult, error) {
			return &FacilitatorBeforeHookResult{Abort: true, Reason: "payer_blocked"}, nil
		})

		resp, err := facilitator.Settle(ctx, testPayload(requirements), requirements)
		var validationErr *ValidationError
		if !errors.As(err, &validationErr) || validationErr.Code != "payer_blocked" {
			t.Fatalf("Expected payer_blocked, got %v", err)
		}
		if resp.ErrorReason != "payer_blocked" || settled {
			t.Fatalf("Expected abort before settlement, got %+v", resp)
		}
	})

	t.Run("failure hook recovers", func(t *testing.T) {
		facilitator := Newx402Facilitator()
		facilitator.Register("eip155:8453", &mockSchemeNetworkFacilitator{
			scheme: "exact",
			settle: func(context.Context, PaymentPayload, PaymentRequirements) (SettleResponse, error) {
				return SettleResponse{}, errors.New("rpc down")
			},
		})
		facilitator.OnSettleFailure(func(c FacilitatorSettleFailureContext) (*FacilitatorSettleFailureHookResult, error) {
			if c.Error == nil {
				t.Error("Expected error in failure context")
			}
			return &FacilitatorSettleFailureHookResult{Recovered: true, Result: SettleResponse{Success: true, Transaction: "0xrecovered"}}, nil
		})

		resp, err := facilitator.Settle(ctx, testPayload(requirements), requirements)
		if err != nil {
			t.Fatalf("Expected recovered settlement, got %v", err)
		}
		if resp.Transaction != "0xrecovered" {
			t.Fatalf("Expected recovered transaction, got %+v", resp)
		}
	})
}

func TestFacilitatorGetSupported(t *testing.T) {
	facilitator := Newx402Facilitator()
	facilitator.Register("eip155:8453", &mockSchemeNetworkFacilitator{scheme: "exact", signers: []string{"0xa", "0xb"}})
	facilitator.Register("eip155:84532", &mockSchemeNetworkFacilitator{scheme: "exact", signers: []string{"0xb", "0xc"}},
		map[string]interface{}{"testnet": true})
	facilitator.RegisterExtension("settlement-router")

	supported := facilitator.GetSupported()
	if len(supported.Kinds) != 2 {
		t.Fatalf("Expected 2 kinds, got %d", len(supported.Kinds))
	}
	if supported.Kinds[0].Network != "eip155:8453" || supported.Kinds[1].Network != "eip155:84532" {
		t.Fatalf("Expected kinds sorted by network, got %+v", supported.Kinds)
	}
	if supported.Kinds[1].Extra["testnet"] != true || supported.Kinds[1].Extra["settlementRouter"] != "0xrouter" {
		t.Fatalf("Expected merged extra, got %+v", supported.Kinds[1].Extra)
	}
	if !reflect.DeepEqual(supported.Signers["eip155:*"], []string{"0xa", "0xb", "0xc"}) {
		t.Fatalf("Expected unique signers, got %v", supported.Signers)
	}
	if !reflect.DeepEqual(supported.Extensions, []string{"settlement-router"}) {
		t.Fatalf("Expected extensions, got %v", supported.Extensions)
	}
}

func TestFacilitatorGetReadiness(t *testing.T) {
	if Newx402Facilitator().GetReadiness().Ready {
		t.Fatal("Expected a facilitator without networks to not be ready")
	}

	facilitator := Newx402Facilitator()
	pooled := &mockPooledFacilitator{mockSchemeNetworkFacilitator{
		scheme:   "exact",
		accounts: []AccountInfo{{Address: "0xa", QueueDepth: 2, TotalProcessed: 10}},
	}}
	facilitator.Register("eip155:8453", pooled)

	readiness := facilitator.GetReadiness()
	if !readiness.Ready {
		t.Fatal("Expected ready facilitator")
	}
	if got := readiness.Networks["eip155:8453"]; len(got) != 1 || got[0].QueueDepth != 2 {
		t.Fatalf("Expected account snapshot, got %+v", got)
	}

	pooled.accounts = nil
	if facilitator.GetReadiness().Ready {
		t.Fatal("Expected a network without accounts to not be ready")
	}
}

func TestFacilitatorNetworkPatternMatching(t *testing.T) {
	ctx := context.Background()
	facilitator := Newx402Facilitator()
	facilitator.Register("eip155:*", &mockSchemeNetworkFacilitator{scheme: "exact"})

	requirements := testRequirements("eip155:10")
	resp, err := facilitator.Verify(ctx, testPayload(requirements), requirements)
	if err != nil {
		t.Fatalf("Expected wildcard registration to match, got %v", err)
	}
	if !resp.IsValid {
		t.Fatal("Expected valid payment")
	}
}
