package facilitator

import (
	x402 "github.com/x402x/facilitator"
)

// SettlementState is the lifecycle state of one settle request:
//
//	Received → Validating → {Rejected | Queued} → Executing → {Confirmed | Failed} → Reported
//
// Rejected means nothing was sent to the chain. Failed means a chain
// interaction was attempted and did not succeed.
type SettlementState string

const (
	StateReceived   SettlementState = "received"
	StateValidating SettlementState = "validating"
	StateRejected   SettlementState = "rejected"
	StateQueued     SettlementState = "queued"
	StateExecuting  SettlementState = "executing"
	StateConfirmed  SettlementState = "confirmed"
	StateFailed     SettlementState = "failed"
	StateReported   SettlementState = "reported"
)

// Terminal reports whether no further transition other than Reported follows
func (s SettlementState) Terminal() bool {
	return s == StateRejected || s == StateFailed || s == StateConfirmed
}

// Observer is notified of every state a settle request enters and of the
// realized gas cost of every confirmed router settlement
type Observer interface {
	SettlementState(network x402.Network, mode string, state SettlementState)
	SettlementGas(network x402.Network, metrics x402.GasMetrics)
}

// Settlement mode labels passed to Observer
const (
	ModeStandard = "standard"
	ModeRouter   = "router"
)
