package report

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"orderline/internal/config"
	"orderline/internal/domain"
	"orderline/internal/repo"
)

// Reporter builds read-only views over the ledger and the evidence trail.
type Reporter struct {
	Repo   repo.Repo
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Reporter {
	return Reporter{Repo: repo.Repo{DB: db}, Config: cfg, Now: time.Now}
}

// BoardSummary is the single-screen view of a period.
type BoardSummary struct {
	PeriodStart        string         `json:"period_start"`
	PeriodEnd          string         `json:"period_end"`
	Revenue            string         `json:"revenue"`
	COGS               string         `json:"cogs"`
	AutonomyExpense    string         `json:"autonomy_expense"`
	GrossMargin        string         `json:"gross_margin"`
	NetResult          string         `json:"net_result"`
	TransactionCounts  map[string]int `json:"transaction_counts"`
	FulfilledInPeriod  int            `json:"fulfilled_in_period"`
	PendingEscalations int            `json:"pending_escalations"`
	OpenARAmount       string         `json:"open_ar_amount"`
	OpenAPAmount       string         `json:"open_ap_amount"`
}

func net(totals map[string][2]string, account string) (decimal.Decimal, error) {
	t, ok := totals[account]
	if !ok {
		return decimal.Zero, nil
	}
	debit, err := decimal.NewFromString(t[0])
	if err != nil {
		return decimal.Zero, err
	}
	credit, err := decimal.NewFromString(t[1])
	if err != nil {
		return decimal.Zero, err
	}
	return debit.Sub(credit), nil
}

func (r Reporter) BoardSummary(ctx context.Context, periodStart, periodEnd string) (BoardSummary, error) {
	s := BoardSummary{PeriodStart: periodStart, PeriodEnd: periodEnd}
	totals, err := r.Repo.AccountTotals(ctx, periodStart, periodEnd)
	if err != nil {
		return s, err
	}
	revenueNet, err := net(totals, r.Config.Accounts.Revenue)
	if err != nil {
		return s, err
	}
	revenue := revenueNet.Neg() // revenue accrues on the credit side
	cogs, err := net(totals, r.Config.Accounts.COGS)
	if err != nil {
		return s, err
	}
	autonomy, err := net(totals, r.Config.Accounts.AutonomyExpense)
	if err != nil {
		return s, err
	}
	gross := revenue.Sub(cogs)
	s.Revenue = revenue.String()
	s.COGS = cogs.String()
	s.AutonomyExpense = autonomy.String()
	s.GrossMargin = gross.String()
	s.NetResult = gross.Sub(autonomy).String()

	if s.TransactionCounts, err = r.Repo.CountTransactionsByStatus(ctx); err != nil {
		return s, err
	}
	fulfilled, err := r.Repo.FulfilledTransactionsBetween(ctx, periodStart, periodEnd)
	if err != nil {
		return s, err
	}
	s.FulfilledInPeriod = len(fulfilled)

	pending, err := r.Repo.ListEscalations(ctx, repo.EscalationFilters{Status: "PENDING"})
	if err != nil {
		return s, err
	}
	s.PendingEscalations = len(pending)

	openAR, err := r.openARTotal(ctx)
	if err != nil {
		return s, err
	}
	s.OpenARAmount = openAR.String()
	openAP, err := r.openAPTotal(ctx)
	if err != nil {
		return s, err
	}
	s.OpenAPAmount = openAP.String()
	return s, nil
}

func (r Reporter) openARTotal(ctx context.Context) (decimal.Decimal, error) {
	total := decimal.Zero
	for _, status := range []string{"ISSUED", "PARTIALLY_PAID"} {
		invoices, err := r.Repo.ListInvoices(ctx, repo.InvoiceFilters{Status: status})
		if err != nil {
			return total, err
		}
		for _, inv := range invoices {
			bal, err := r.Repo.LatestARBalance(ctx, nil, inv.ID)
			if err != nil {
				return total, err
			}
			d, err := decimal.NewFromString(bal)
			if err != nil {
				return total, err
			}
			total = total.Add(d)
		}
	}
	return total, nil
}

func (r Reporter) openAPTotal(ctx context.Context) (decimal.Decimal, error) {
	obligations, err := r.Repo.ListAPObligations(ctx, repo.APObligationFilters{Status: "OPEN"})
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, o := range obligations {
		amt, err := decimal.NewFromString(o.Amount)
		if err != nil {
			return total, err
		}
		total = total.Add(amt)
	}
	return total, nil
}

// TrialBalanceLine is one account row of the trial balance.
type TrialBalanceLine struct {
	Account string `json:"account"`
	Debit   string `json:"debit"`
	Credit  string `json:"credit"`
	Net     string `json:"net"`
}

// TrialBalance holds per-account totals over a window plus the balance check.
type TrialBalance struct {
	PeriodStart string             `json:"period_start"`
	PeriodEnd   string             `json:"period_end"`
	Lines       []TrialBalanceLine `json:"lines"`
	TotalDebit  string             `json:"total_debit"`
	TotalCredit string             `json:"total_credit"`
	Balanced    bool               `json:"balanced"`
}

func (r Reporter) TrialBalance(ctx context.Context, periodStart, periodEnd string) (TrialBalance, error) {
	tb := TrialBalance{PeriodStart: periodStart, PeriodEnd: periodEnd}
	totals, err := r.Repo.AccountTotals(ctx, periodStart, periodEnd)
	if err != nil {
		return tb, err
	}
	accounts := make([]string, 0, len(totals))
	for account := range totals {
		accounts = append(accounts, account)
	}
	sort.Strings(accounts)
	totalDebit, totalCredit := decimal.Zero, decimal.Zero
	for _, account := range accounts {
		debit, err := decimal.NewFromString(totals[account][0])
		if err != nil {
			return tb, err
		}
		credit, err := decimal.NewFromString(totals[account][1])
		if err != nil {
			return tb, err
		}
		totalDebit = totalDebit.Add(debit)
		totalCredit = totalCredit.Add(credit)
		tb.Lines = append(tb.Lines, TrialBalanceLine{
			Account: account,
			Debit:   debit.String(),
			Credit:  credit.String(),
			Net:     debit.Sub(credit).String(),
		})
	}
	tb.TotalDebit = totalDebit.String()
	tb.TotalCredit = totalCredit.String()
	tb.Balanced = totalDebit.Equal(totalCredit)
	return tb, nil
}

// AgingBucket labels, oldest last.
var agingBuckets = []string{"current", "1-30", "31-60", "61-90", "90+"}

// AgingLine places one open item in its overdue bucket.
type AgingLine struct {
	ID           string `json:"id"`
	Counterparty string `json:"counterparty"`
	Amount       string `json:"amount"`
	Currency     string `json:"currency"`
	DueAt        string `json:"due_at"`
	DaysOverdue  int    `json:"days_overdue"`
	Bucket       string `json:"bucket"`
}

// Aging groups open receivables or payables by how far past due they are.
type Aging struct {
	AsOf    string            `json:"as_of"`
	Lines   []AgingLine       `json:"lines"`
	Buckets map[string]string `json:"buckets"`
	Total   string            `json:"total"`
}

func bucketFor(daysOverdue int) string {
	switch {
	case daysOverdue <= 0:
		return "current"
	case daysOverdue <= 30:
		return "1-30"
	case daysOverdue <= 60:
		return "31-60"
	case daysOverdue <= 90:
		return "61-90"
	default:
		return "90+"
	}
}

func newAging(asOf string) Aging {
	a := Aging{AsOf: asOf, Buckets: make(map[string]string, len(agingBuckets)), Total: "0"}
	for _, b := range agingBuckets {
		a.Buckets[b] = "0"
	}
	return a
}

func (a *Aging) add(line AgingLine) error {
	amt, err := decimal.NewFromString(line.Amount)
	if err != nil {
		return err
	}
	bucket, err := decimal.NewFromString(a.Buckets[line.Bucket])
	if err != nil {
		return err
	}
	total, err := decimal.NewFromString(a.Total)
	if err != nil {
		return err
	}
	a.Buckets[line.Bucket] = bucket.Add(amt).String()
	a.Total = total.Add(amt).String()
	a.Lines = append(a.Lines, line)
	return nil
}

func daysOverdue(asOf time.Time, dueAt string) int {
	due, err := time.Parse(time.RFC3339, dueAt)
	if err != nil {
		return 0
	}
	return int(asOf.Sub(due).Hours() / 24)
}

// ARAging buckets the remaining balances of unsettled invoices by days
// past due as of now.
func (r Reporter) ARAging(ctx context.Context) (Aging, error) {
	asOf := r.Now().UTC()
	aging := newAging(asOf.Format(time.RFC3339))
	for _, status := range []string{"ISSUED", "PARTIALLY_PAID"} {
		invoices, err := r.Repo.ListInvoices(ctx, repo.InvoiceFilters{Status: status})
		if err != nil {
			return aging, err
		}
		for _, inv := range invoices {
			balance, err := r.Repo.LatestARBalance(ctx, nil, inv.ID)
			if err != nil {
				return aging, err
			}
			overdue := daysOverdue(asOf, inv.DueAt)
			if err := aging.add(AgingLine{
				ID:           inv.ID,
				Counterparty: inv.Counterparty,
				Amount:       balance,
				Currency:     inv.Currency,
				DueAt:        inv.DueAt,
				DaysOverdue:  overdue,
				Bucket:       bucketFor(overdue),
			}); err != nil {
				return aging, err
			}
		}
	}
	return aging, nil
}

// APAging buckets open obligations by days past due as of now.
func (r Reporter) APAging(ctx context.Context) (Aging, error) {
	asOf := r.Now().UTC()
	aging := newAging(asOf.Format(time.RFC3339))
	obligations, err := r.Repo.ListAPObligations(ctx, repo.APObligationFilters{Status: "OPEN"})
	if err != nil {
		return aging, err
	}
	for _, o := range obligations {
		overdue := daysOverdue(asOf, o.DueAt)
		if err := aging.add(AgingLine{
			ID:           o.ID,
			Counterparty: o.Counterparty,
			Amount:       o.Amount,
			Currency:     o.Currency,
			DueAt:        o.DueAt,
			DaysOverdue:  overdue,
			Bucket:       bucketFor(overdue),
		}); err != nil {
			return aging, err
		}
	}
	return aging, nil
}

// SkillEconomicsLine aggregates invocation outcomes and allocated cost
// for one skill over a period.
type SkillEconomicsLine struct {
	SkillID       string  `json:"skill_id"`
	Invocations   int     `json:"invocations"`
	Succeeded     int     `json:"succeeded"`
	Failed        int     `json:"failed"`
	SuccessRate   string  `json:"success_rate"`
	AvgLatencyMS  float64 `json:"avg_latency_ms"`
	AllocatedCost string  `json:"allocated_cost"`
}

// SkillEconomics reports per-skill reliability and cost over a period.
func (r Reporter) SkillEconomics(ctx context.Context, periodStart, periodEnd string) ([]SkillEconomicsLine, error) {
	stats, err := r.Repo.SkillInvocationStatsBetween(ctx, periodStart, periodEnd)
	if err != nil {
		return nil, err
	}
	allocations, err := r.Repo.ListCostAllocations(ctx, repo.AllocationFilters{PeriodStart: periodStart, PeriodEnd: periodEnd})
	if err != nil {
		return nil, err
	}
	costs := map[string]decimal.Decimal{}
	for _, al := range allocations {
		if al.SkillID == "" {
			continue
		}
		amt, err := decimal.NewFromString(al.Amount)
		if err != nil {
			return nil, err
		}
		costs[al.SkillID] = costs[al.SkillID].Add(amt)
	}
	lines := make([]SkillEconomicsLine, 0, len(stats))
	for _, s := range stats {
		line := SkillEconomicsLine{
			SkillID:       s.SkillID,
			Invocations:   s.Invocations,
			Succeeded:     s.Succeeded,
			Failed:        s.Failed,
			SuccessRate:   "0",
			AvgLatencyMS:  s.AvgLatency,
			AllocatedCost: costs[s.SkillID].String(),
		}
		if s.Invocations > 0 {
			line.SuccessRate = decimal.NewFromInt(int64(s.Succeeded)).
				Div(decimal.NewFromInt(int64(s.Invocations))).Round(4).String()
		}
		lines = append(lines, line)
		delete(costs, s.SkillID)
	}
	// Skills with allocated cost but no invocations in the window still show.
	remaining := make([]string, 0, len(costs))
	for skillID := range costs {
		remaining = append(remaining, skillID)
	}
	sort.Strings(remaining)
	for _, skillID := range remaining {
		lines = append(lines, SkillEconomicsLine{SkillID: skillID, SuccessRate: "0", AllocatedCost: costs[skillID].String()})
	}
	return lines, nil
}

// EvidencePackage collects everything recorded about one transaction.
type EvidencePackage struct {
	Transaction domain.Transaction       `json:"transaction"`
	Events      []domain.Event           `json:"events"`
	Movements   []domain.StockMovement   `json:"movements,omitempty"`
	Invocations []domain.SkillInvocation `json:"invocations,omitempty"`
	Escalations []domain.Escalation      `json:"escalations,omitempty"`
	Journal     []domain.JournalEntry    `json:"journal,omitempty"`
	Invoice     *domain.Invoice          `json:"invoice,omitempty"`
	Settlements []domain.Settlement      `json:"settlements,omitempty"`
	Allocations []domain.CostAllocation  `json:"allocations,omitempty"`
}

// EvidencePackage assembles the full decision and ledger trail for a
// transaction, in the order things happened.
func (r Reporter) EvidencePackage(ctx context.Context, transactionID string) (EvidencePackage, error) {
	var pkg EvidencePackage
	txn, err := r.Repo.GetTransaction(ctx, transactionID)
	if err != nil {
		return pkg, err
	}
	pkg.Transaction = txn

	if pkg.Events, err = r.Repo.EventsForEntity(ctx, "transaction", transactionID); err != nil {
		return pkg, err
	}
	if pkg.Movements, err = r.Repo.ListStockMovements(ctx, repo.MovementFilters{TransactionID: transactionID}); err != nil {
		return pkg, err
	}
	if pkg.Invocations, err = r.Repo.ListSkillInvocations(ctx, transactionID); err != nil {
		return pkg, err
	}
	escalations, err := r.Repo.ListEscalations(ctx, repo.EscalationFilters{})
	if err != nil {
		return pkg, err
	}
	for _, e := range escalations {
		if e.ReferenceKind == "transaction" && e.ReferenceID == transactionID {
			pkg.Escalations = append(pkg.Escalations, e)
		}
	}
	if pkg.Journal, err = r.Repo.ListJournalEntries(ctx, repo.JournalFilters{TransactionID: transactionID}); err != nil {
		return pkg, err
	}
	inv, err := r.Repo.GetInvoiceByTransaction(ctx, transactionID)
	switch {
	case err == nil:
		pkg.Invoice = &inv
	case !errors.Is(err, repo.ErrNotFound):
		return pkg, err
	}
	if pkg.Settlements, err = r.Repo.ListSettlementsForTransaction(ctx, transactionID); err != nil {
		return pkg, err
	}
	if pkg.Allocations, err = r.Repo.ListCostAllocations(ctx, repo.AllocationFilters{TransactionID: transactionID}); err != nil {
		return pkg, err
	}
	return pkg, nil
}
