package x402

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// X402Facilitator routes verify and settle requests to the mechanism
// registered for the requested network and scheme.
type X402Facilitator struct {
	mu sync.RWMutex

	schemes map[Network]map[string]SchemeNetworkFacilitator
	extras  map[Network]map[string]interface{}

	extensions []string
	logger     *zap.Logger
	now        func() time.Time

	// Lifecycle callbacks
	beforeVerifyHooks    []FacilitatorBeforeVerifyHook
	afterVerifyHooks     []FacilitatorAfterVerifyHook
	onVerifyFailureHooks []FacilitatorOnVerifyFailureHook
	beforeSettleHooks    []FacilitatorBeforeSettleHook
	afterSettleHooks     []FacilitatorAfterSettleHook
	onSettleFailureHooks []FacilitatorOnSettleFailureHook
}

// FacilitatorOption configures an X402Facilitator
type FacilitatorOption func(*X402Facilitator)

// WithFacilitatorLogger sets the logger used for callback errors
func WithFacilitatorLogger(logger *zap.Logger) FacilitatorOption {
	return func(f *X402Facilitator) {
		if logger != nil {
			f.logger = logger
		}
	}
}

func Newx402Facilitator(opts ...FacilitatorOption) *X402Facilitator {
	f := &X402Facilitator{
		schemes:    make(map[Network]map[string]SchemeNetworkFacilitator),
		extras:     make(map[Network]map[string]interface{}),
		extensions: []string{},
		logger:     zap.NewNop(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Register registers a facilitator mechanism for a network
func (f *X402Facilitator) Register(network Network, facilitator SchemeNetworkFacilitator, extra ...interface{}) *X402Facilitator {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.schemes[network] == nil {
		f.schemes[network] = make(map[string]SchemeNetworkFacilitator)
	}
	f.schemes[network][facilitator.Scheme()] = facilitator

	if len(extra) > 0 {
		if f.extras[network] == nil {
			f.extras[network] = make(map[string]interface{})
		}
		f.extras[network][facilitator.Scheme()] = extra[0]
	}
	return f
}

// RegisterExtension registers a protocol extension
func (f *X402Facilitator) RegisterExtension(extension string) *X402Facilitator {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, ext := range f.extensions {
		if ext == extension {
			return f
		}
	}

	f.extensions = append(f.extensions, extension)
	return f
}

// ============================================================================
// Callback Registration Methods
// ============================================================================

func (f *X402Facilitator) OnBeforeVerify(hook FacilitatorBeforeVerifyHook) *X402Facilitator {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.beforeVerifyHooks = append(f.beforeVerifyHooks, hook)
	return f
}

func (f *X402Facilitator) OnAfterVerify(hook FacilitatorAfterVerifyHook) *X402Facilitator {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.afterVerifyHooks = append(f.afterVerifyHooks, hook)
	return f
}

func (f *X402Facilitator) OnVerifyFailure(hook FacilitatorOnVerifyFailureHook) *X402Facilitator {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onVerifyFailureHooks = append(f.onVerifyFailureHooks, hook)
	return f
}

func (f *X402Facilitator) OnBeforeSettle(hook FacilitatorBeforeSettleHook) *X402Facilitator {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.beforeSettleHooks = append(f.beforeSettleHooks, hook)
	return f
}

func (f *X402Facilitator) OnAfterSettle(hook FacilitatorAfterSettleHook) *X402Facilitator {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.afterSettleHooks = append(f.afterSettleHooks, hook)
	return f
}

func (f *X402Facilitator) OnSettleFailure(hook FacilitatorOnSettleFailureHook) *X402Facilitator {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onSettleFailureHooks = append(f.onSettleFailureHooks, hook)
	return f
}

// ============================================================================
// Core Payment Methods
// ============================================================================

// Verify verifies a payment against its requirements
func (f *X402Facilitator) Verify(ctx context.Context, payload PaymentPayload, requirements PaymentRequirements) (VerifyResponse, error) {
	if err := ValidatePaymentPayload(payload); err != nil {
		return VerifyResponse{IsValid: false, InvalidReason: ErrCodeInvalidPayment}, NewValidationError(ErrCodeInvalidPayment, err.Error(), nil)
	}
	if err := ValidatePaymentRequirements(requirements); err != nil {
		return VerifyResponse{IsValid: false, InvalidReason: ErrCodeInvalidRequest}, NewValidationError(ErrCodeInvalidRequest, err.Error(), nil)
	}

	f.mu.RLock()
	before := append([]FacilitatorBeforeVerifyHook(nil), f.beforeVerifyHooks...)
	after := append([]FacilitatorAfterVerifyHook(nil), f.afterVerifyHooks...)
	onFailure := append([]FacilitatorOnVerifyFailureHook(nil), f.onVerifyFailureHooks...)
	f.mu.RUnlock()

	start := f.now()
	hookCtx := FacilitatorVerifyContext{
		Ctx:          ctx,
		Payload:      payload,
		Requirements: requirements,
		Timestamp:    start,
	}
	for _, hook := range before {
		result, err := hook(hookCtx)
		if err != nil {
			return VerifyResponse{IsValid: false, InvalidReason: err.Error()}, err
		}
		if result != nil && result.Abort {
			return VerifyResponse{IsValid: false, InvalidReason: result.Reason}, nil
		}
	}

	mechanism, err := f.lookup(requirements.Scheme, requirements.Network)
	var verifyResult VerifyResponse
	if err == nil {
		verifyResult, err = mechanism.Verify(ctx, payload, requirements)
	}

	if err != nil {
		failureCtx := FacilitatorVerifyFailureContext{FacilitatorVerifyContext: hookCtx, Error: err, Duration: f.now().Sub(start)}
		for _, hook := range onFailure {
			if hookErr := hook(failureCtx); hookErr != nil {
				f.logger.Warn("verify failure callback returned error", zap.Error(hookErr))
			}
		}
		return verifyResult, err
	}

	resultCtx := FacilitatorVerifyResultContext{FacilitatorVerifyContext: hookCtx, Result: verifyResult, Duration: f.now().Sub(start)}
	for _, hook := range after {
		if hookErr := hook(resultCtx); hookErr != nil {
			f.logger.Warn("after verify callback returned error", zap.Error(hookErr))
		}
	}

	return verifyResult, nil
}

// Settle settles a payment through the mechanism registered for its network.
// Rejections are returned as a ValidationError together with a negative
// response. Chain failures come back as a negative response with a nil error.
func (f *X402Facilitator) Settle(ctx context.Context, payload PaymentPayload, requirements PaymentRequirements) (SettleResponse, error) {
	if err := ValidatePaymentPayload(payload); err != nil {
		return SettleResponse{Success: false, ErrorReason: ErrCodeInvalidPayment, Network: requirements.Network}, NewValidationError(ErrCodeInvalidPayment, err.Error(), nil)
	}
	if err := ValidatePaymentRequirements(requirements); err != nil {
		return SettleResponse{Success: false, ErrorReason: ErrCodeInvalidRequest, Network: requirements.Network}, NewValidationError(ErrCodeInvalidRequest, err.Error(), nil)
	}

	f.mu.RLock()
	before := append([]FacilitatorBeforeSettleHook(nil), f.beforeSettleHooks...)
	after := append([]FacilitatorAfterSettleHook(nil), f.afterSettleHooks...)
	onFailure := append([]FacilitatorOnSettleFailureHook(nil), f.onSettleFailureHooks...)
	f.mu.RUnlock()

	start := f.now()
	hookCtx := FacilitatorSettleContext{
		Ctx:          ctx,
		Payload:      payload,
		Requirements: requirements,
		Timestamp:    start,
	}
	for _, hook := range before {
		result, err := hook(hookCtx)
		if err != nil {
			return SettleResponse{Success: false, ErrorReason: err.Error(), Network: requirements.Network}, err
		}
		if result != nil && result.Abort {
			return SettleResponse{Success: false, ErrorReason: result.Reason, Network: requirements.Network},
				NewValidationError(result.Reason, "settlement aborted", nil)
		}
	}

	mechanism, err := f.lookup(requirements.Scheme, requirements.Network)
	var settleResult SettleResponse
	if err != nil {
		settleResult = SettleResponse{Success: false, ErrorReason: ErrCodeUnsupportedNetwork, Network: requirements.Network}
	} else {
		settleResult, err = mechanism.Settle(ctx, payload, requirements)
	}

	if err != nil {
		failureCtx := FacilitatorSettleFailureContext{
			FacilitatorSettleContext: hookCtx,
			Result:                   settleResult,
			Error:                    err,
			Duration:                 f.now().Sub(start),
		}
		for _, hook := range onFailure {
			result, hookErr := hook(failureCtx)
			if hookErr != nil {
				f.logger.Warn("settle failure callback returned error", zap.Error(hookErr))
				continue
			}
			if result != nil && result.Recovered {
				return result.Result, nil
			}
		}
		return settleResult, err
	}

	resultCtx := FacilitatorSettleResultContext{FacilitatorSettleContext: hookCtx, Result: settleResult, Duration: f.now().Sub(start)}
	for _, hook := range after {
		if hookErr := hook(resultCtx); hookErr != nil {
			f.logger.Warn("after settle callback returned error", zap.Error(hookErr))
		}
	}

	return settleResult, nil
}

func (f *X402Facilitator) lookup(scheme string, network Network) (SchemeNetworkFacilitator, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	schemes := findSchemesByNetwork(f.schemes, network)
	if schemes == nil {
		return nil, NewValidationError(ErrCodeUnsupportedNetwork, fmt.Sprintf("no facilitator for network %s", network), nil)
	}

	facilitator := schemes[scheme]
	if facilitator == nil {
		return nil, NewValidationError(ErrCodeUnsupportedScheme, fmt.Sprintf("no facilitator for %s on %s", scheme, network), nil)
	}
	return facilitator, nil
}

// GetSupported returns supported payment kinds and the signer addresses per network
func (f *X402Facilitator) GetSupported() SupportedResponse {
	f.mu.RLock()
	defer f.mu.RUnlock()

	kinds := []SupportedKind{}
	signers := make(map[string][]string)

	for network, schemeMap := range f.schemes {
		for scheme, mechanism := range schemeMap {
			kind := SupportedKind{
				X402Version: 2,
				Scheme:      scheme,
				Network:     network,
				Extra:       mechanism.GetExtra(network),
			}
			if extra := f.extras[network][scheme]; extra != nil {
				if extraMap, ok := extra.(map[string]interface{}); ok {
					if kind.Extra == nil {
						kind.Extra = make(map[string]interface{})
					}
					for k, v := range extraMap {
						kind.Extra[k] = v
					}
				}
			}
			kinds = append(kinds, kind)

			family := mechanism.CaipFamily()
			signers[family] = appendUnique(signers[family], mechanism.GetSigners(network)...)
		}
	}

	sort.Slice(kinds, func(i, j int) bool {
		if kinds[i].Network == kinds[j].Network {
			return kinds[i].Scheme < kinds[j].Scheme
		}
		return kinds[i].Network < kinds[j].Network
	})

	return SupportedResponse{
		Kinds:      kinds,
		Extensions: append([]string(nil), f.extensions...),
		Signers:    signers,
	}
}

// GetReadiness collects the account snapshots of every pool-backed mechanism.
// The facilitator is ready when every such network has at least one account.
func (f *X402Facilitator) GetReadiness() ReadinessResponse {
	f.mu.RLock()
	defer f.mu.RUnlock()

	resp := ReadinessResponse{Ready: len(f.schemes) > 0, Networks: make(map[Network][]AccountInfo)}
	for network, schemeMap := range f.schemes {
		for _, mechanism := range schemeMap {
			reporter, ok := mechanism.(AccountReporter)
			if !ok {
				continue
			}
			info := reporter.AccountsInfo()
			resp.Networks[network] = append(resp.Networks[network], info...)
		}
		if _, ok := resp.Networks[network]; ok && len(resp.Networks[network]) == 0 {
			resp.Ready = false
		}
	}
	return resp
}

func appendUnique(dst []string, values ...string) []string {
	for _, v := range values {
		found := false
		for _, existing := range dst {
			if existing == v {
				found = true
				break
			}
		}
		if !found {
			dst = append(dst, v)
		}
	}
	return dst
}
