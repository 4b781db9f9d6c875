package server

import "orderline/internal/domain"

// Request payloads

type IntakeTransactionRequest struct {
	Counterparty string `json:"counterparty"`
	Kind         string `json:"kind" enum:"PRODUCT,SERVICE"`
	ItemCode     string `json:"item_code"`
	Quantity     string `json:"quantity"`
	UnitPrice    string `json:"unit_price"`
	Currency     string `json:"currency"`
}

type FailTransactionRequest struct {
	Reason string `json:"reason" enum:"SHORTAGE_UNRESOLVED,POLICY_BLOCKED"`
	Detail string `json:"detail,omitempty"`
}

type ReceiveStockRequest struct {
	ItemCode string `json:"item_code"`
	Quantity string `json:"quantity"`
	UnitCost string `json:"unit_cost"`
}

type DecideEscalationRequest struct {
	Decision string `json:"decision" enum:"APPROVED,REJECTED,FROZEN"`
	Note     string `json:"note,omitempty"`
}

type SetThresholdRequest struct {
	ActionType    string `json:"action_type"`
	MaxAutoAmount string `json:"max_auto_amount"`
	Currency      string `json:"currency"`
	Active        bool   `json:"active"`
}

type SetFreezeRequest struct {
	ActionType string `json:"action_type"`
	Frozen     bool   `json:"frozen"`
	Reason     string `json:"reason,omitempty"`
}

type AdjustStockRequest struct {
	ItemCode string `json:"item_code"`
	Quantity string `json:"quantity" doc:"Signed delta applied to on-hand"`
	Reason   string `json:"reason,omitempty"`
}

type VoidInvoiceRequest struct {
	Reason string `json:"reason,omitempty"`
}

type CancelObligationRequest struct {
	Reason string `json:"reason,omitempty"`
}

type ApplyReceiptRequest struct {
	Amount    string `json:"amount"`
	Currency  string `json:"currency,omitempty" doc:"Must match the invoice currency when set"`
	Reference string `json:"reference,omitempty"`
}

type RecordCostRequest struct {
	SourceType    string  `json:"source_type" enum:"TOKEN_USAGE,CLOUD_COST,SUBSCRIPTION"`
	TransactionID *string `json:"transaction_id,omitempty"`
	AgentID       *string `json:"agent_id,omitempty"`
	SkillID       *string `json:"skill_id,omitempty"`
	TotalCost     string  `json:"total_cost"`
	Currency      string  `json:"currency"`
	OccurredAt    string  `json:"occurred_at,omitempty" format:"date-time"`
}

type PeriodRequest struct {
	PeriodStart string `json:"period_start" format:"date-time"`
	PeriodEnd   string `json:"period_end" format:"date-time"`
}

type CreateAgentRequest struct {
	ID         string `json:"id"`
	Name       string `json:"name,omitempty"`
	Governance bool   `json:"governance"`
}

type CreateAPIKeyRequest struct {
	AgentID string `json:"agent_id"`
	Name    string `json:"name,omitempty"`
}

// Response payloads that do not map 1:1 onto a domain row

type APIKeyCreatedResponse struct {
	ID      string `json:"id"`
	AgentID string `json:"agent_id"`
	Name    string `json:"name,omitempty"`
	Key     string `json:"key"`
}

type StatusResponse struct {
	Ledger             string         `json:"ledger"`
	TransactionCounts  map[string]int `json:"transaction_counts"`
	PendingEscalations int            `json:"pending_escalations"`
}

// TransactionExecution wraps a transaction with how the run ended: DONE
// when terminal, PARKED when still waiting on governance or stock.
type TransactionExecution struct {
	Transaction domain.Transaction `json:"transaction"`
	Outcome     string             `json:"outcome" enum:"DONE,PARKED"`
	Detail      string             `json:"detail,omitempty"`
}
