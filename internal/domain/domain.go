package domain

type Transaction struct {
	ID            string  `json:"id"`
	Counterparty  string  `json:"counterparty"`
	Kind          string  `json:"kind" enum:"PRODUCT,SERVICE"`
	ItemCode      string  `json:"item_code"`
	Quantity      string  `json:"quantity"`
	UnitPrice     string  `json:"unit_price"`
	Currency      string  `json:"currency"`
	Status        string  `json:"status" enum:"NEW,IN_PROGRESS,FULFILLED,FAILED"`
	FailureReason *string `json:"failure_reason,omitempty"`
	RequestedBy   string  `json:"requested_by"`
	CreatedAt     string  `json:"created_at" format:"date-time"`
	UpdatedAt     string  `json:"updated_at" format:"date-time"`
	FulfilledAt   *string `json:"fulfilled_at,omitempty" format:"date-time"`
}

type StockPosition struct {
	ItemCode  string `json:"item_code"`
	OnHand    string `json:"on_hand"`
	Reserved  string `json:"reserved"`
	AvgCost   string `json:"avg_cost"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

type StockMovement struct {
	ID            string  `json:"id"`
	ItemCode      string  `json:"item_code"`
	TransactionID *string `json:"transaction_id,omitempty"`
	Type          string  `json:"type" enum:"RECEIPT,RESERVATION,RELEASE,ISSUE,ADJUSTMENT"`
	Quantity      string  `json:"quantity"`
	UnitCost      string  `json:"unit_cost"`
	CreatedAt     string  `json:"created_at" format:"date-time"`
}

type GovernanceThreshold struct {
	ActionType    string `json:"action_type"`
	MaxAutoAmount string `json:"max_auto_amount"`
	Currency      string `json:"currency"`
	Active        bool   `json:"active"`
	Version       int64  `json:"version"`
	UpdatedBy     string `json:"updated_by"`
	UpdatedAt     string `json:"updated_at" format:"date-time"`
}

type FreezeControl struct {
	ActionType string `json:"action_type"`
	Frozen     bool   `json:"frozen"`
	Reason     string `json:"reason,omitempty"`
	Version    int64  `json:"version"`
	UpdatedBy  string `json:"updated_by"`
	UpdatedAt  string `json:"updated_at" format:"date-time"`
}

type Escalation struct {
	ID            string  `json:"id"`
	ActionType    string  `json:"action_type"`
	ReferenceKind string  `json:"reference_kind"`
	ReferenceID   string  `json:"reference_id"`
	Status        string  `json:"status" enum:"PENDING,APPROVED,REJECTED,FROZEN"`
	ReasonCode    string  `json:"reason_code"`
	Amount        string  `json:"amount"`
	Currency      string  `json:"currency"`
	ConfigVersion int64   `json:"config_version"`
	RequestedBy   string  `json:"requested_by"`
	CreatedAt     string  `json:"created_at" format:"date-time"`
	DecidedAt     *string `json:"decided_at,omitempty" format:"date-time"`
	DecidedBy     *string `json:"decided_by,omitempty"`
	DecisionNote  *string `json:"decision_note,omitempty"`
}

type JournalEntry struct {
	ID            string  `json:"id"`
	TransactionID *string `json:"transaction_id,omitempty"`
	Account       string  `json:"account"`
	Debit         string  `json:"debit"`
	Credit        string  `json:"credit"`
	Currency      string  `json:"currency"`
	Memo          string  `json:"memo,omitempty"`
	PostedAt      string  `json:"posted_at" format:"date-time"`
}

type Invoice struct {
	ID            string  `json:"id"`
	TransactionID string  `json:"transaction_id"`
	Number        string  `json:"number"`
	Counterparty  string  `json:"counterparty"`
	Amount        string  `json:"amount"`
	Currency      string  `json:"currency"`
	Status        string  `json:"status" enum:"ISSUED,PARTIALLY_PAID,PAID,VOID"`
	IssuedAt      string  `json:"issued_at" format:"date-time"`
	DueAt         string  `json:"due_at" format:"date-time"`
	SettledAt     *string `json:"settled_at,omitempty" format:"date-time"`
	UpdatedAt     string  `json:"updated_at" format:"date-time"`
}

type ARSubledgerEntry struct {
	ID            string `json:"id"`
	InvoiceID     string `json:"invoice_id"`
	TransactionID string `json:"transaction_id"`
	EntryType     string `json:"entry_type" enum:"ISSUE,RECEIPT,VOID"`
	Debit         string `json:"debit"`
	Credit        string `json:"credit"`
	BalanceAfter  string `json:"balance_after"`
	Currency      string `json:"currency"`
	Memo          string `json:"memo,omitempty"`
	PostedAt      string `json:"posted_at" format:"date-time"`
}

type APObligation struct {
	ID            string  `json:"id"`
	TransactionID *string `json:"transaction_id,omitempty"`
	SourceType    string  `json:"source_type" enum:"PROCUREMENT,SERVICE_DELIVERY,AUTONOMY_PAYROLL"`
	Counterparty  string  `json:"counterparty"`
	Amount        string  `json:"amount"`
	Currency      string  `json:"currency"`
	Status        string  `json:"status" enum:"OPEN,SETTLED,CANCELLED"`
	DueAt         string  `json:"due_at" format:"date-time"`
	SettledAt     *string `json:"settled_at,omitempty" format:"date-time"`
	CreatedAt     string  `json:"created_at" format:"date-time"`
	UpdatedAt     string  `json:"updated_at" format:"date-time"`
}

type APSubledgerEntry struct {
	ID            string  `json:"id"`
	ObligationID  string  `json:"obligation_id"`
	TransactionID *string `json:"transaction_id,omitempty"`
	EntryType     string  `json:"entry_type" enum:"ACCRUAL,PAYMENT,CANCEL"`
	Debit         string  `json:"debit"`
	Credit        string  `json:"credit"`
	BalanceAfter  string  `json:"balance_after"`
	Currency      string  `json:"currency"`
	Memo          string  `json:"memo,omitempty"`
	PostedAt      string  `json:"posted_at" format:"date-time"`
}

type Settlement struct {
	ID            string `json:"id"`
	TransactionID string `json:"transaction_id"`
	InvoiceID     string `json:"invoice_id"`
	Amount        string `json:"amount"`
	Currency      string `json:"currency"`
	Reference     string `json:"reference,omitempty"`
	ReceivedAt    string `json:"received_at" format:"date-time"`
}

type CostSourceRecord struct {
	ID            string  `json:"id"`
	SourceType    string  `json:"source_type" enum:"TOKEN_USAGE,CLOUD_COST,SUBSCRIPTION"`
	TransactionID *string `json:"transaction_id,omitempty"`
	AgentID       *string `json:"agent_id,omitempty"`
	SkillID       *string `json:"skill_id,omitempty"`
	TotalCost     string  `json:"total_cost"`
	Currency      string  `json:"currency"`
	OccurredAt    string  `json:"occurred_at" format:"date-time"`
	CreatedAt     string  `json:"created_at" format:"date-time"`
}

type CostAllocation struct {
	ID            string `json:"id"`
	PeriodStart   string `json:"period_start" format:"date-time"`
	PeriodEnd     string `json:"period_end" format:"date-time"`
	SourceType    string `json:"source_type"`
	SourceID      string `json:"source_id"`
	TransactionID string `json:"transaction_id"`
	AgentID       string `json:"agent_id,omitempty"`
	SkillID       string `json:"skill_id,omitempty"`
	Basis         string `json:"basis" enum:"DIRECT_ORDER,REVENUE_SHARE"`
	Amount        string `json:"amount"`
	Currency      string `json:"currency"`
	CreatedAt     string `json:"created_at" format:"date-time"`
}

type PeriodReconciliation struct {
	ID             string  `json:"id"`
	PeriodStart    string  `json:"period_start" format:"date-time"`
	PeriodEnd      string  `json:"period_end" format:"date-time"`
	SourceTotal    string  `json:"source_total"`
	AllocatedTotal string  `json:"allocated_total"`
	JournalTotal   string  `json:"journal_total"`
	VarianceAmount string  `json:"variance_amount"`
	VariancePct    string  `json:"variance_pct"`
	Status         string  `json:"status" enum:"BALANCED,OUT_OF_TOLERANCE,NO_SOURCE_COSTS"`
	CompletedAt    string  `json:"completed_at" format:"date-time"`
	Note           *string `json:"note,omitempty"`
}

type SkillRegistration struct {
	SkillID      string   `json:"skill_id"`
	Version      string   `json:"version"`
	Capability   string   `json:"capability"`
	Status       string   `json:"status" enum:"APPROVED,DRAFT,REVOKED"`
	Inputs       []string `json:"inputs,omitempty"`
	Outputs      []string `json:"outputs,omitempty"`
	RegisteredAt string   `json:"registered_at" format:"date-time"`
}

type RoutingPolicy struct {
	Intent          string  `json:"intent"`
	Kind            string  `json:"kind" enum:"PRODUCT,SERVICE,ANY"`
	PrimarySkill    string  `json:"primary_skill"`
	PrimaryVersion  string  `json:"primary_version"`
	FallbackSkill   *string `json:"fallback_skill,omitempty"`
	FallbackVersion *string `json:"fallback_version,omitempty"`
	MaxRetries      int     `json:"max_retries"`
	EscalationType  string  `json:"escalation_type"`
	UpdatedAt       string  `json:"updated_at" format:"date-time"`
}

type SkillInvocation struct {
	ID            string  `json:"id"`
	TransactionID string  `json:"transaction_id"`
	Intent        string  `json:"intent"`
	SkillID       string  `json:"skill_id"`
	SkillVersion  string  `json:"skill_version"`
	Attempt       int     `json:"attempt"`
	Status        string  `json:"status" enum:"SUCCEEDED,FAILED"`
	FailureReason *string `json:"failure_reason,omitempty"`
	Fallback      bool    `json:"fallback"`
	InputHash     string  `json:"input_hash"`
	OutputHash    *string `json:"output_hash,omitempty"`
	LatencyMS     int64   `json:"latency_ms"`
	StartedAt     string  `json:"started_at" format:"date-time"`
	CompletedAt   string  `json:"completed_at" format:"date-time"`
}

type Agent struct {
	ID         string `json:"id"`
	Name       string `json:"name,omitempty"`
	Governance bool   `json:"governance"`
	CreatedAt  string `json:"created_at" format:"date-time"`
}

type APIKey struct {
	ID        string `json:"id"`
	AgentID   string `json:"agent_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
