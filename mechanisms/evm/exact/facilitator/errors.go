package facilitator

// Settlement reason codes of the exact EVM scheme. Verify reason codes live in
// the evm package next to the verifier.
const (
	// Rejections: no chain interaction happened
	ErrInvalidSettlementPayload = "invalid_exact_evm_payload"
	ErrFeeBelowMinimum          = "facilitator_fee_below_minimum"
	ErrAlreadySettled           = "settlement_already_settled"
	ErrDuplicateSettlement      = "settlement_duplicate_in_flight"

	// Failures: a chain interaction was attempted and did not succeed
	ErrFailedToVerify          = "invalid_exact_evm_failed_to_verify"
	ErrFailedToCheckSettled    = "settlement_failed_to_check_settled"
	ErrFailedToExecuteTransfer = "invalid_exact_evm_failed_to_execute_transfer"
	ErrFailedToGetReceipt      = "invalid_exact_evm_failed_to_get_receipt"
	ErrTransactionFailed       = "invalid_exact_evm_transaction_failed"
	ErrSettlementPending       = "settlement_pending"
)
