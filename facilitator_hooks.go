package x402

import (
	"context"
	"time"
)

// ============================================================================
// Facilitator Lifecycle Callback Context Types
// ============================================================================
//
// These are request lifecycle callbacks of the facilitator itself. They are
// unrelated to on-chain settlement hooks.

// FacilitatorVerifyContext contains information passed to verify callbacks
type FacilitatorVerifyContext struct {
	Ctx          context.Context
	Payload      PaymentPayload
	Requirements PaymentRequirements
	Timestamp    time.Time
}

// FacilitatorVerifyResultContext contains the verify result and context
type FacilitatorVerifyResultContext struct {
	FacilitatorVerifyContext
	Result   VerifyResponse
	Duration time.Duration
}

// FacilitatorVerifyFailureContext contains the verify failure and context
type FacilitatorVerifyFailureContext struct {
	FacilitatorVerifyContext
	Error    error
	Duration time.Duration
}

// FacilitatorSettleContext contains information passed to settle callbacks
type FacilitatorSettleContext struct {
	Ctx          context.Context
	Payload      PaymentPayload
	Requirements PaymentRequirements
	Timestamp    time.Time
}

// FacilitatorSettleResultContext contains the settle result and context.
// Result.Success may be false: a failed on-chain attempt is still a result.
type FacilitatorSettleResultContext struct {
	FacilitatorSettleContext
	Result   SettleResponse
	Duration time.Duration
}

// FacilitatorSettleFailureContext contains the settle error and context
type FacilitatorSettleFailureContext struct {
	FacilitatorSettleContext
	Result   SettleResponse
	Error    error
	Duration time.Duration
}

// ============================================================================
// Callback Result Types
// ============================================================================

// FacilitatorBeforeHookResult represents the result of a "before" callback
// If Abort is true, the operation will be aborted with the given Reason
type FacilitatorBeforeHookResult struct {
	Abort  bool
	Reason string
}

// FacilitatorSettleFailureHookResult represents the result of a settle failure callback
type FacilitatorSettleFailureHookResult struct {
	Recovered bool
	Result    SettleResponse
}

// ============================================================================
// Callback Function Types
// ============================================================================

// FacilitatorBeforeVerifyHook is called before payment verification.
// Abort=true skips verification and returns an invalid VerifyResponse.
type FacilitatorBeforeVerifyHook func(FacilitatorVerifyContext) (*FacilitatorBeforeHookResult, error)

// FacilitatorAfterVerifyHook is called after verification completes without error.
// Returned errors are ignored.
type FacilitatorAfterVerifyHook func(FacilitatorVerifyResultContext) error

// FacilitatorOnVerifyFailureHook is called when verification returns an error
type FacilitatorOnVerifyFailureHook func(FacilitatorVerifyFailureContext) error

// FacilitatorBeforeSettleHook is called before settlement.
// Abort=true rejects the settlement with a ValidationError carrying Reason.
type FacilitatorBeforeSettleHook func(FacilitatorSettleContext) (*FacilitatorBeforeHookResult, error)

// FacilitatorAfterSettleHook is called after the mechanism returned a response
// without error. Returned errors are ignored.
type FacilitatorAfterSettleHook func(FacilitatorSettleResultContext) error

// FacilitatorOnSettleFailureHook is called when settlement returns an error.
// If it returns Recovered=true, the provided SettleResponse is returned instead.
type FacilitatorOnSettleFailureHook func(FacilitatorSettleFailureContext) (*FacilitatorSettleFailureHookResult, error)
