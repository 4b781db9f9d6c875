package orderlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal Orderline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Transaction represents the API transaction model (partial).
type Transaction struct {
	ID            string `json:"id"`
	Counterparty  string `json:"counterparty"`
	Kind          string `json:"kind"`
	ItemCode      string `json:"item_code"`
	Quantity      string `json:"quantity"`
	UnitPrice     string `json:"unit_price"`
	Currency      string `json:"currency"`
	Status        string `json:"status"`
	FailureReason string `json:"failure_reason,omitempty"`
}

// TransactionExecution wraps an execute call's result; Outcome is DONE
// or PARKED (pending escalation or stock shortage).
type TransactionExecution struct {
	Transaction Transaction `json:"transaction"`
	Outcome     string      `json:"outcome"`
	Detail      string      `json:"detail,omitempty"`
}

// Escalation represents a governance escalation.
type Escalation struct {
	ID            string `json:"id"`
	ActionType    string `json:"action_type"`
	ReferenceKind string `json:"reference_kind"`
	ReferenceID   string `json:"reference_id"`
	Status        string `json:"status"`
	ReasonCode    string `json:"reason_code"`
	Amount        string `json:"amount"`
	Currency      string `json:"currency"`
}

// Invoice represents an issued invoice.
type Invoice struct {
	ID            string `json:"id"`
	TransactionID string `json:"transaction_id"`
	Number        string `json:"number"`
	Counterparty  string `json:"counterparty"`
	Amount        string `json:"amount"`
	Currency      string `json:"currency"`
	Status        string `json:"status"`
	DueAt         string `json:"due_at"`
}

// Settlement represents a matched cash receipt.
type Settlement struct {
	ID        string `json:"id"`
	InvoiceID string `json:"invoice_id"`
	Amount    string `json:"amount"`
	Reference string `json:"reference,omitempty"`
	SettledAt string `json:"settled_at"`
}

// StockMovement represents a stock ledger entry.
type StockMovement struct {
	ID       string `json:"id"`
	ItemCode string `json:"item_code"`
	Type     string `json:"type"`
	Quantity string `json:"quantity"`
	UnitCost string `json:"unit_cost"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// AllocationRun summarizes a cost allocation pass.
type AllocationRun struct {
	PeriodStart string `json:"period_start"`
	PeriodEnd   string `json:"period_end"`
	Records     int    `json:"records"`
	Inserted    int    `json:"inserted"`
	Replayed    int    `json:"replayed"`
	Unallocable int    `json:"unallocable"`
	Total       string `json:"total"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IntakeTransaction creates a transaction.
func (c *Client) IntakeTransaction(ctx context.Context, counterparty, kind, itemCode, quantity, unitPrice, currency string) (Transaction, error) {
	body := map[string]any{
		"counterparty": counterparty,
		"kind":         kind,
		"item_code":    itemCode,
		"quantity":     quantity,
		"unit_price":   unitPrice,
		"currency":     currency,
	}
	var resp Transaction
	err := c.do(ctx, http.MethodPost, "v0/transactions", body, &resp)
	return resp, err
}

// GetTransaction fetches a transaction by id.
func (c *Client) GetTransaction(ctx context.Context, id string) (Transaction, error) {
	var resp Transaction
	err := c.do(ctx, http.MethodGet, "v0/transactions/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// ExecuteTransaction drives a transaction forward, waiting up to
// waitSeconds on a pending escalation before returning PARKED.
func (c *Client) ExecuteTransaction(ctx context.Context, id string, waitSeconds int) (TransactionExecution, error) {
	endpoint := "v0/transactions/" + url.PathEscape(id) + "/execute"
	if waitSeconds > 0 {
		endpoint += "?wait_seconds=" + strconv.Itoa(waitSeconds)
	}
	var resp TransactionExecution
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// ReceiveStock records incoming stock at a unit cost.
func (c *Client) ReceiveStock(ctx context.Context, itemCode, quantity, unitCost string) (StockMovement, error) {
	body := map[string]any{
		"item_code": itemCode,
		"quantity":  quantity,
		"unit_cost": unitCost,
	}
	var resp StockMovement
	err := c.do(ctx, http.MethodPost, "v0/stock/receipts", body, &resp)
	return resp, err
}

// Escalations returns escalations, optionally filtered by status.
func (c *Client) Escalations(ctx context.Context, status string) ([]Escalation, error) {
	endpoint := "v0/escalations"
	if status != "" {
		endpoint += "?status=" + url.QueryEscape(status)
	}
	var resp []Escalation
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// DecideEscalation records a governance decision. Requires a
// governance-flagged credential.
func (c *Client) DecideEscalation(ctx context.Context, id, decision, note string) (Escalation, error) {
	body := map[string]any{
		"decision": decision,
		"note":     note,
	}
	var resp Escalation
	err := c.do(ctx, http.MethodPost, "v0/escalations/"+url.PathEscape(id)+"/decision", body, &resp)
	return resp, err
}

// GetInvoice fetches an invoice by id.
func (c *Client) GetInvoice(ctx context.Context, id string) (Invoice, error) {
	var resp Invoice
	err := c.do(ctx, http.MethodGet, "v0/invoices/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// ApplyReceipt matches a cash receipt against a transaction's invoice.
// An empty currency defers to the invoice's.
func (c *Client) ApplyReceipt(ctx context.Context, transactionID, amount, currency, reference string) (Settlement, error) {
	body := map[string]any{
		"amount":    amount,
		"reference": reference,
	}
	if currency != "" {
		body["currency"] = currency
	}
	var resp Settlement
	err := c.do(ctx, http.MethodPost, "v0/transactions/"+url.PathEscape(transactionID)+"/receipts", body, &resp)
	return resp, err
}

// RecordCost records a cost source for later allocation.
func (c *Client) RecordCost(ctx context.Context, sourceType, totalCost, currency string, attribution map[string]string) error {
	body := map[string]any{
		"source_type": sourceType,
		"total_cost":  totalCost,
		"currency":    currency,
	}
	for k, v := range attribution {
		body[k] = v
	}
	return c.do(ctx, http.MethodPost, "v0/costs", body, nil)
}

// RunAllocation allocates a period's costs over fulfilled transactions.
func (c *Client) RunAllocation(ctx context.Context, periodStart, periodEnd string) (AllocationRun, error) {
	body := map[string]any{
		"period_start": periodStart,
		"period_end":   periodEnd,
	}
	var resp AllocationRun
	err := c.do(ctx, http.MethodPost, "v0/allocations/run", body, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	endpoint := "v0/events"
	if limit > 0 {
		endpoint += "?limit=" + strconv.Itoa(limit)
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
