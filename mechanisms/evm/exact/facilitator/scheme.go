package facilitator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	x402 "github.com/x402x/facilitator"
	"github.com/x402x/facilitator/mechanisms/evm"
	"github.com/x402x/facilitator/mechanisms/evm/gas"
	"github.com/x402x/facilitator/mechanisms/evm/hooks"
	"github.com/x402x/facilitator/pkg/accountpool"
)

// DefaultSettlementCacheTTL is how long a confirmed settlement is replayed
// to retries of the same request
const DefaultSettlementCacheTTL = 10 * time.Minute

// ExactEvmScheme verifies and settles exact EIP-3009 payments on one EVM
// network. Settlements run on a pool of signing accounts; router settlements
// pass the hook whitelist and the fee economics before they are queued.
type ExactEvmScheme struct {
	network    x402.Network
	config     evm.NetworkConfig
	pool       *accountpool.Pool[evm.FacilitatorEvmSigner]
	hooks      *hooks.Validator
	calculator *gas.Calculator
	verifier   x402.PaymentVerifier
	cache      *x402.SettlementCache
	clock      clock.Clock
	logger     *zap.Logger
	observer   Observer
}

// Option configures an ExactEvmScheme
type Option func(*ExactEvmScheme)

// WithLogger sets the scheme logger
func WithLogger(logger *zap.Logger) Option {
	return func(s *ExactEvmScheme) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithObserver registers an observer of settlement states and gas metrics
func WithObserver(obs Observer) Option {
	return func(s *ExactEvmScheme) { s.observer = obs }
}

// WithClock sets the clock of the default verifier and settlement cache
func WithClock(clk clock.Clock) Option {
	return func(s *ExactEvmScheme) {
		if clk != nil {
			s.clock = clk
		}
	}
}

// WithVerifier replaces the EIP-3009 verifier
func WithVerifier(v x402.PaymentVerifier) Option {
	return func(s *ExactEvmScheme) { s.verifier = v }
}

// WithSettlementCache replaces the duplicate settlement guard
func WithSettlementCache(cache *x402.SettlementCache) Option {
	return func(s *ExactEvmScheme) { s.cache = cache }
}

// NewExactEvmScheme creates the exact scheme of a network
func NewExactEvmScheme(
	network x402.Network,
	config evm.NetworkConfig,
	pool *accountpool.Pool[evm.FacilitatorEvmSigner],
	validator *hooks.Validator,
	calculator *gas.Calculator,
	opts ...Option,
) (*ExactEvmScheme, error) {
	if pool.Len() == 0 {
		return nil, x402.NewConfigurationError(fmt.Sprintf("no signing accounts for %s", network), nil)
	}
	if validator == nil || calculator == nil {
		return nil, x402.NewConfigurationError(fmt.Sprintf("%s needs a hook validator and a gas calculator", network), nil)
	}
	if config.SettlementRouter != "" && !evm.IsValidAddress(config.SettlementRouter) {
		return nil, x402.NewConfigurationError(fmt.Sprintf("invalid settlement router %q for %s", config.SettlementRouter, network), nil)
	}

	s := &ExactEvmScheme{
		network:    network,
		config:     config,
		pool:       pool,
		hooks:      validator,
		calculator: calculator,
		clock:      clock.New(),
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(zap.String("network", string(network)))

	if s.verifier == nil {
		s.verifier = evm.NewEIP3009Verifier(network, config, pool.Accounts()[0], evm.WithVerifierClock(s.clock))
	}
	if s.cache == nil {
		s.cache = x402.NewSettlementCache(DefaultSettlementCacheTTL, s.clock)
	}
	return s, nil
}

// Scheme returns the scheme identifier
func (s *ExactEvmScheme) Scheme() string {
	return evm.SchemeExact
}

// CaipFamily returns the CAIP family pattern this facilitator supports
func (s *ExactEvmScheme) CaipFamily() string {
	return evm.CaipFamily
}

// GetExtra returns the router and built-in hooks clients need to build
// router settlements, plus the EIP-712 domain of the default asset
func (s *ExactEvmScheme) GetExtra(_ x402.Network) map[string]interface{} {
	extra := map[string]interface{}{
		"name":    s.config.DefaultAsset.Name,
		"version": s.config.DefaultAsset.Version,
	}
	if s.config.SettlementRouter != "" {
		extra[evm.ExtraSettlementRouter] = s.config.SettlementRouter
	}
	if len(s.config.Hooks) > 0 {
		known := make(map[string]interface{}, len(s.config.Hooks))
		for hookType, address := range s.config.Hooks {
			known[hookType] = address
		}
		extra["hooks"] = known
	}
	return extra
}

// GetSigners returns the addresses of the pooled accounts
func (s *ExactEvmScheme) GetSigners(_ x402.Network) []string {
	return s.pool.Addresses()
}

// AccountsInfo returns the readiness snapshot of the pooled accounts
func (s *ExactEvmScheme) AccountsInfo() []x402.AccountInfo {
	return s.pool.AccountsInfo()
}

// Verify checks a payment without settling it. Router payments must also
// name a whitelisted hook.
func (s *ExactEvmScheme) Verify(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) (x402.VerifyResponse, error) {
	resp, err := s.verifier.Verify(ctx, payload, requirements)
	if err != nil || !resp.IsValid {
		return resp, err
	}

	mode, err := evm.ParseSettlementMode(requirements.Extra)
	if err != nil {
		return x402.VerifyResponse{IsValid: false, InvalidReason: evm.ErrInvalidSettlementExtra, Payer: resp.Payer}, nil
	}
	if m, ok := mode.(evm.RouterSettlement); ok && !s.hooks.IsAllowed(s.network, m.Hook.Hex()) {
		return x402.VerifyResponse{IsValid: false, InvalidReason: hooks.ErrHookNotAllowed, Payer: resp.Payer}, nil
	}
	return resp, nil
}

// Settle verifies a payment and executes it on chain.
//
// Requests refused before any chain write return a *x402.ValidationError (or
// *x402.EconomicGuardError) whose details explain the refusal, such as the
// full fee breakdown. A chain interaction that did not succeed is a normal
// outcome: Settle returns Success=false with a reason and a nil error.
func (s *ExactEvmScheme) Settle(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) (x402.SettleResponse, error) {
	r := s.newRun(requirements)
	defer r.enter(StateReported)

	// A confirmed settlement no longer verifies (its nonce is spent), so
	// retries of the identical request are answered from the cache first
	fingerprint := requestFingerprint(payload, requirements)
	if key, ok := s.requestKey(payload, requirements); ok {
		if cached := s.cache.Get(key, fingerprint); cached != nil {
			r.log.Info("replaying confirmed settlement", zap.String("tx", cached.Transaction))
			return *cached, nil
		}
	}

	r.enter(StateValidating)
	verifyResp, err := s.verifier.Verify(ctx, payload, requirements)
	if err != nil {
		return r.fail(x402.NewChainError(ErrFailedToVerify, "failed to verify payment", err))
	}
	r.payer = verifyResp.Payer
	if !verifyResp.IsValid {
		return r.reject(x402.NewValidationError(verifyResp.InvalidReason, "payment verification failed", nil))
	}

	st, err := s.prepare(ctx, payload, requirements)
	if err != nil {
		return r.reject(err)
	}

	key := st.cacheKey(s.network)
	status, cached, done := s.cache.CheckAndMark(key, fingerprint)
	switch status {
	case x402.StatusCached:
		r.log.Info("replaying confirmed settlement", zap.String("tx", cached.Transaction))
		return *cached, nil
	case x402.StatusConflict:
		return r.reject(x402.NewValidationError(ErrAlreadySettled,
			"authorization was already settled for a different request", nil))
	case x402.StatusInFlight:
		r.log.Info("waiting for identical settlement in flight")
		resp, err := s.cache.WaitForResult(ctx, key, fingerprint, done)
		if err != nil {
			return r.pending(), err
		}
		if resp == nil {
			return r.reject(x402.NewValidationError(ErrDuplicateSettlement,
				"the same authorization was submitted concurrently and did not confirm for this request", nil))
		}
		return *resp, nil
	}

	r.enter(StateQueued)
	resp, err := accountpool.Submit(ctx, s.pool, func(ctx context.Context, signer evm.FacilitatorEvmSigner) (resp x402.SettleResponse, err error) {
		// the marker is released even when the job panics
		settled := false
		defer func() {
			if !settled {
				s.cache.Fail(key, done)
			}
		}()
		resp, err = s.execute(ctx, r, signer, st)
		if err == nil && resp.Success {
			s.cache.Complete(key, fingerprint, &resp, done)
			settled = true
		}
		return resp, err
	})

	switch {
	case err == nil:
		return resp, nil
	case !accountpool.Queued(err):
		s.cache.Fail(key, done)
		r.log.Error("settlement not queued", zap.Error(err))
		return x402.SettleResponse{Success: false, ErrorReason: x402.ErrCodeSettlementFailed, Network: s.network, Payer: r.payer},
			fmt.Errorf("failed to queue settlement: %w", err)
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		r.log.Warn("caller stopped waiting; settlement continues", zap.Error(err))
		return r.pending(), err
	case x402.IsRejection(err):
		return resp, err
	default:
		return r.fail(x402.NewChainError(ErrFailedToExecuteTransfer, "settlement job failed", err))
	}
}

// settlement is a verified request ready to be sent
type settlement struct {
	payer       string
	from        common.Address
	to          common.Address
	token       common.Address
	value       *big.Int
	validAfter  *big.Int
	validBefore *big.Int
	nonce       [32]byte
	signature   []byte
	decimals    int32

	mode     evm.SettlementMode
	gasLimit uint64
	quote    *gas.FeeCalculationResult
}

func (st *settlement) cacheKey(network x402.Network) string {
	_, router := st.mode.(evm.RouterSettlement)
	return settlementKey(network, router, st.token, st.from, st.nonce)
}

// settlementKey identifies one settlement. A router nonce is the commitment
// over every settlement parameter, so it identifies the settlement alone.
func settlementKey(network x402.Network, router bool, token, from common.Address, nonce [32]byte) string {
	if router {
		return x402.GenerateSettlementKey(string(network), "router", common.Hash(nonce).Hex())
	}
	return x402.GenerateSettlementKey(string(network), token.Hex(), from.Hex(), common.Hash(nonce).Hex())
}

// requestFingerprint identifies the exact request a cached result answers:
// the full requirements and the signed payload
func requestFingerprint(payload x402.PaymentPayload, requirements x402.PaymentRequirements) string {
	reqJSON, err := json.Marshal(requirements)
	if err != nil {
		return uuid.NewString()
	}
	payloadJSON, err := json.Marshal(payload.Payload)
	if err != nil {
		return uuid.NewString()
	}
	return x402.GenerateSettlementKey(string(reqJSON), string(payloadJSON))
}

// requestKey derives the settlement key of an unverified request, if it is
// well-formed enough to have one
func (s *ExactEvmScheme) requestKey(payload x402.PaymentPayload, requirements x402.PaymentRequirements) (string, bool) {
	evmPayload, err := evm.PayloadFromMap(payload.Payload)
	if err != nil {
		return "", false
	}
	nonce, err := evm.ParseBytes32(evmPayload.Authorization.Nonce)
	if err != nil {
		return "", false
	}
	asset, err := s.config.AssetInfo(requirements.Asset)
	if err != nil {
		return "", false
	}
	mode, err := evm.ParseSettlementMode(requirements.Extra)
	if err != nil {
		return "", false
	}
	_, router := mode.(evm.RouterSettlement)
	return settlementKey(s.network, router, common.HexToAddress(asset.Address), common.HexToAddress(evmPayload.Authorization.From), nonce), true
}

func (s *ExactEvmScheme) prepare(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) (*settlement, error) {
	invalid := func(msg string, err error) error {
		return x402.NewValidationError(ErrInvalidSettlementPayload, fmt.Sprintf("%s: %v", msg, err), nil)
	}

	evmPayload, err := evm.PayloadFromMap(payload.Payload)
	if err != nil {
		return nil, invalid("invalid payload", err)
	}
	auth := evmPayload.Authorization

	asset, err := s.config.AssetInfo(requirements.Asset)
	if err != nil {
		return nil, invalid("invalid asset", err)
	}

	st := &settlement{
		payer:    auth.From,
		from:     common.HexToAddress(auth.From),
		to:       common.HexToAddress(auth.To),
		token:    common.HexToAddress(asset.Address),
		decimals: int32(asset.Decimals),
	}
	if st.value, err = evm.ParseUint256(auth.Value); err != nil {
		return nil, invalid("invalid value", err)
	}
	if st.validAfter, err = evm.ParseUint256(auth.ValidAfter); err != nil {
		return nil, invalid("invalid validAfter", err)
	}
	if st.validBefore, err = evm.ParseUint256(auth.ValidBefore); err != nil {
		return nil, invalid("invalid validBefore", err)
	}
	if st.nonce, err = evm.ParseBytes32(auth.Nonce); err != nil {
		return nil, invalid("invalid nonce", err)
	}
	if st.signature, err = evm.HexToBytes(evmPayload.Signature); err != nil {
		return nil, invalid("invalid signature", err)
	}

	if st.mode, err = evm.ParseSettlementMode(requirements.Extra); err != nil {
		return nil, err
	}
	if m, ok := st.mode.(evm.RouterSettlement); ok {
		if err := s.planRouter(ctx, st, m); err != nil {
			return nil, err
		}
	}
	return st, nil
}

// planRouter applies the hook whitelist and the fee economics and fixes the
// gas limit of a router settlement
func (s *ExactEvmScheme) planRouter(ctx context.Context, st *settlement, m evm.RouterSettlement) error {
	hook := m.Hook.Hex()
	if !s.hooks.IsAllowed(s.network, hook) {
		return x402.NewValidationError(hooks.ErrHookNotAllowed,
			fmt.Sprintf("hook %s is not whitelisted on %s", hook, s.network),
			map[string]interface{}{"hook": hook, "network": string(s.network)})
	}

	if s.hooks.Classify(s.network, hook) == evm.HookTypeTransfer {
		hookAmount := new(big.Int).Sub(st.value, m.FacilitatorFee)
		if err := hooks.ValidateTransferHookData(m.HookData, hookAmount); err != nil {
			return err
		}
	}

	quote, err := s.calculator.MinFacilitatorFee(ctx, s.network, hook, m.HookData, st.decimals)
	if err != nil {
		return err
	}
	if !s.calculator.IsFeeSufficient(m.FacilitatorFee, quote.MinFacilitatorFee) {
		details := quote.Details()
		details["facilitatorFee"] = m.FacilitatorFee.String()
		return x402.NewValidationError(ErrFeeBelowMinimum,
			fmt.Sprintf("facilitator fee %s is below the minimum %s", m.FacilitatorFee, quote.MinFacilitatorFee),
			details)
	}

	st.quote = quote
	st.gasLimit = s.calculator.EffectiveGasLimit(m.FacilitatorFee, st.decimals, quote.GasPrice, quote.NativeTokenPriceUSD)
	if st.gasLimit < quote.GasLimit {
		st.gasLimit = quote.GasLimit
	}
	return nil
}

func (s *ExactEvmScheme) execute(ctx context.Context, r *run, signer evm.FacilitatorEvmSigner, st *settlement) (x402.SettleResponse, error) {
	r.enter(StateExecuting)
	r = r.withAccount(signer.Address())

	switch m := st.mode.(type) {
	case evm.RouterSettlement:
		return s.executeRouter(ctx, r, signer, st, m)
	default:
		return s.executeStandard(ctx, r, signer, st)
	}
}

func (s *ExactEvmScheme) executeStandard(ctx context.Context, r *run, signer evm.FacilitatorEvmSigner, st *settlement) (x402.SettleResponse, error) {
	v, rr, ss, err := evm.SplitSignature(st.signature)
	if err != nil {
		return r.reject(x402.NewValidationError(evm.ErrInvalidSignatureFormat, err.Error(), nil))
	}
	txHash, err := signer.WriteContract(ctx, st.token.Hex(),
		evm.TransferWithAuthorizationVRSABI, evm.FunctionTransferWithAuthorization, evm.TxOptions{},
		st.from, st.to, st.value, st.validAfter, st.validBefore, st.nonce, v, rr, ss)
	if err != nil {
		return r.fail(x402.NewChainError(ErrFailedToExecuteTransfer, "failed to send transfer", err))
	}

	receipt, resp, err := s.confirm(ctx, r, signer, txHash)
	if receipt == nil {
		return resp, err
	}
	return r.confirmed(txHash, nil)
}

func (s *ExactEvmScheme) executeRouter(ctx context.Context, r *run, signer evm.FacilitatorEvmSigner, st *settlement, m evm.RouterSettlement) (x402.SettleResponse, error) {
	r = r.withSalt(m.Salt)

	// The signed nonce must still commit to exactly what is about to be sent
	commitment, err := evm.CalculateCommitment(evm.CommitmentParams{
		ChainID:        s.config.ChainID,
		Router:         m.Router,
		Token:          st.token,
		From:           st.from,
		Value:          st.value,
		ValidAfter:     st.validAfter,
		ValidBefore:    st.validBefore,
		Salt:           m.Salt,
		PayTo:          m.PayTo,
		FacilitatorFee: m.FacilitatorFee,
		Hook:           m.Hook,
		HookData:       m.HookData,
	})
	if err != nil || commitment != common.Hash(st.nonce) {
		return r.reject(x402.NewValidationError(evm.ErrCommitmentMismatch,
			"authorization nonce does not commit to the settlement parameters", nil))
	}

	contextKey := evm.SettlementContextKey(st.from, st.token, st.nonce)
	settled, err := signer.ReadContract(ctx, m.Router.Hex(), evm.SettlementRouterABI, evm.FunctionIsSettled, [32]byte(contextKey))
	if err != nil {
		return r.fail(x402.NewChainError(ErrFailedToCheckSettled, "failed to read settlement state", err))
	}
	if done, _ := settled.(bool); done {
		return r.reject(x402.NewValidationError(ErrAlreadySettled,
			"settlement was already executed", map[string]interface{}{"contextKey": contextKey.Hex()}))
	}

	txHash, err := signer.WriteContract(ctx, m.Router.Hex(),
		evm.SettlementRouterABI, evm.FunctionSettleAndExecute, evm.TxOptions{GasLimit: st.gasLimit},
		st.token, st.from, st.value, st.validAfter, st.validBefore, st.nonce, st.signature,
		m.Salt, m.PayTo, m.FacilitatorFee, m.Hook, m.HookData)
	if err != nil {
		return r.fail(x402.NewChainError(ErrFailedToExecuteTransfer, "failed to send settlement", err))
	}

	receipt, resp, err := s.confirm(ctx, r, signer, txHash)
	if receipt == nil {
		return resp, err
	}

	metrics := realizedGas(st, m, receipt)
	if s.observer != nil {
		s.observer.SettlementGas(s.network, *metrics)
	}
	if !metrics.Profitable {
		r.log.Warn("unprofitable settlement",
			zap.String("tx", txHash),
			zap.Uint64("gas_used", metrics.GasUsed),
			zap.String("gas_cost_usd", metrics.ActualGasCostUSD),
			zap.String("fee_usd", metrics.FacilitatorFeeUSD))
	}
	return r.confirmed(txHash, metrics)
}

// confirm waits for a receipt. A nil receipt means the settlement failed and
// resp/err are the response to return.
func (s *ExactEvmScheme) confirm(ctx context.Context, r *run, signer evm.FacilitatorEvmSigner, txHash string) (*evm.TransactionReceipt, x402.SettleResponse, error) {
	receipt, err := signer.WaitForTransactionReceipt(ctx, txHash)
	if err != nil {
		chainErr := x402.NewChainError(ErrFailedToGetReceipt, "failed to get receipt", err)
		chainErr.Transaction = txHash
		resp, err := r.fail(chainErr)
		return nil, resp, err
	}
	if receipt.Status != evm.TxStatusSuccess {
		chainErr := x402.NewChainError(ErrTransactionFailed, "transaction reverted", nil)
		chainErr.Transaction = txHash
		resp, err := r.fail(chainErr)
		return nil, resp, err
	}
	return receipt, x402.SettleResponse{}, nil
}

// realizedGas compares the gas a settlement burnt with the fee it collected.
// The fee token is taken to be worth one USD per whole unit.
func realizedGas(st *settlement, m evm.RouterSettlement, receipt *evm.TransactionReceipt) *x402.GasMetrics {
	price := receipt.EffectiveGasPrice
	if price == nil {
		price = st.quote.GasPrice
	}
	costWei := new(big.Int).Mul(new(big.Int).SetUint64(receipt.GasUsed), price)
	costUSD := decimal.NewFromBigInt(costWei, -evm.NativeTokenDecimals).
		Mul(decimal.NewFromFloat(st.quote.NativeTokenPriceUSD))
	feeUSD := decimal.NewFromBigInt(m.FacilitatorFee, -st.decimals)
	profit := feeUSD.Sub(costUSD)

	return &x402.GasMetrics{
		GasLimit:            st.gasLimit,
		GasUsed:             receipt.GasUsed,
		EffectiveGasPrice:   price.String(),
		ActualGasCostNative: costWei.String(),
		ActualGasCostUSD:    costUSD.String(),
		FacilitatorFee:      m.FacilitatorFee.String(),
		FacilitatorFeeUSD:   feeUSD.String(),
		ProfitUSD:           profit.String(),
		Profitable:          !profit.IsNegative(),
	}
}

// run carries the identity of one settle request through its states
type run struct {
	scheme *ExactEvmScheme
	mode   string
	payer  string
	log    *zap.Logger
}

func (s *ExactEvmScheme) newRun(requirements x402.PaymentRequirements) *run {
	// a malformed router request still reads as router mode
	mode := ModeRouter
	if m, err := evm.ParseSettlementMode(requirements.Extra); err == nil {
		if _, ok := m.(evm.StandardSettlement); ok {
			mode = ModeStandard
		}
	}
	r := &run{
		scheme: s,
		mode:   mode,
		log:    s.logger.With(zap.String("settlement_id", uuid.NewString()), zap.String("mode", mode)),
	}
	r.enter(StateReceived)
	return r
}

func (r *run) withAccount(account string) *run {
	c := *r
	c.log = r.log.With(zap.String("account", account))
	return &c
}

func (r *run) withSalt(salt [32]byte) *run {
	c := *r
	c.log = r.log.With(zap.String("salt", common.Hash(salt).Hex()))
	return &c
}

func (r *run) enter(state SettlementState) {
	r.log.Debug("settlement state", zap.String("state", string(state)))
	if r.scheme.observer != nil {
		r.scheme.observer.SettlementState(r.scheme.network, r.mode, state)
	}
}

func (r *run) reject(err error) (x402.SettleResponse, error) {
	r.enter(StateRejected)
	reason := ErrInvalidSettlementPayload
	var ve *x402.ValidationError
	var ge *x402.EconomicGuardError
	switch {
	case errors.As(err, &ve):
		reason = ve.Code
	case errors.As(err, &ge):
		reason = ge.Code
	default:
		err = x402.NewValidationError(reason, err.Error(), nil)
	}
	r.log.Info("settlement rejected", zap.String("reason", reason), zap.Error(err))
	return x402.SettleResponse{
		Success:     false,
		ErrorReason: reason,
		Network:     r.scheme.network,
		Payer:       r.payer,
	}, err
}

func (r *run) fail(chainErr *x402.ChainError) (x402.SettleResponse, error) {
	r.enter(StateFailed)
	r.log.Warn("settlement failed",
		zap.String("reason", chainErr.Code),
		zap.String("tx", chainErr.Transaction),
		zap.Error(chainErr))
	return x402.SettleResponse{
		Success:     false,
		ErrorReason: chainErr.Code,
		Transaction: chainErr.Transaction,
		Network:     r.scheme.network,
		Payer:       r.payer,
	}, nil
}

func (r *run) confirmed(txHash string, metrics *x402.GasMetrics) (x402.SettleResponse, error) {
	r.enter(StateConfirmed)
	r.log.Info("settlement confirmed", zap.String("tx", txHash))
	return x402.SettleResponse{
		Success:     true,
		Transaction: txHash,
		Network:     r.scheme.network,
		Payer:       r.payer,
		GasMetrics:  metrics,
	}, nil
}

func (r *run) pending() x402.SettleResponse {
	return x402.SettleResponse{
		Success:     false,
		ErrorReason: ErrSettlementPending,
		Network:     r.scheme.network,
		Payer:       r.payer,
	}
}
