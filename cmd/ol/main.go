package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"orderline/internal/app"
	"orderline/internal/config"
	"orderline/internal/db"
	"orderline/internal/domain"
	"orderline/internal/engine"
	"orderline/internal/policy"
	"orderline/internal/repo"
	"orderline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "ol",
	Short: "Orderline CLI",
	Long: `Orderline runs order-to-cash for autonomous agents: intake, policy
gate, stock reservation, skill routing, double-entry posting, settlement
and cost allocation, all against a local SQLite ledger.

Workspace: a directory with orderline.yml and a .orderline database.
Start with 'ol init', then 'ol order intake' and 'ol order execute'.`,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("OL")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("agent-id", "ops-agent", "acting agent identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("agent-id", rootCmd.PersistentFlags().Lookup("agent-id"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(orderCmd())
	rootCmd.AddCommand(stockCmd())
	rootCmd.AddCommand(governanceCmd())
	rootCmd.AddCommand(invoiceCmd())
	rootCmd.AddCommand(receiptCmd())
	rootCmd.AddCommand(obligationCmd())
	rootCmd.AddCommand(journalCmd())
	rootCmd.AddCommand(finopsCmd())
	rootCmd.AddCommand(reportCmd())
	rootCmd.AddCommand(agentCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			path := config.Path(workspace)
			if _, err := os.Stat(path); os.IsNotExist(err) {
				if err := os.WriteFile(path, []byte(config.GenerateDefault(name)), 0o644); err != nil {
					return err
				}
				fmt.Printf("Wrote %s\n", path)
			} else {
				fmt.Printf("Keeping existing %s\n", path)
			}
			a, err := app.Open(cmd.Context(), workspace)
			if err != nil {
				return err
			}
			defer a.Close()
			fmt.Printf("Initialized ledger %q in %s\n", a.Config.Ledger.Name, db.Path(workspace))
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "orderline", "ledger name")
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show ledger status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				counts, err := a.Repo.CountTransactionsByStatus(ctx)
				if err != nil {
					return err
				}
				pending, err := a.Repo.ListEscalations(ctx, repo.EscalationFilters{Status: "PENDING"})
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"ledger":              a.Config.Ledger.Name,
					"transaction_counts":  counts,
					"pending_escalations": len(pending),
				})
			})
		},
	}
	return cmd
}

func orderCmd() *cobra.Command {
	order := &cobra.Command{Use: "order", Short: "Manage order transactions"}
	order.AddCommand(orderIntakeCmd())
	order.AddCommand(orderListCmd())
	order.AddCommand(orderGetCmd())
	order.AddCommand(orderExecuteCmd())
	order.AddCommand(orderFailCmd())
	order.AddCommand(orderEvidenceCmd())
	return order
}

func orderIntakeCmd() *cobra.Command {
	var counterparty, kind, item, qty, price, currency string
	cmd := &cobra.Command{
		Use:   "intake",
		Short: "Intake an order transaction",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				t, err := a.Engine.Intake(ctx, engine.IntakeRequest{
					Counterparty: counterparty,
					Kind:         kind,
					ItemCode:     item,
					Quantity:     qty,
					UnitPrice:    price,
					Currency:     currency,
					RequestedBy:  viper.GetString("agent-id"),
				})
				if err != nil {
					if errors.Is(err, engine.ErrInvalidPayload) && t.ID != "" {
						fmt.Printf("rejected: %v\n", err)
						return printJSONOrTable(t)
					}
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&counterparty, "counterparty", "", "counterparty")
	cmd.Flags().StringVar(&kind, "kind", "PRODUCT", "PRODUCT or SERVICE")
	cmd.Flags().StringVar(&item, "item", "", "item code")
	cmd.Flags().StringVar(&qty, "qty", "", "quantity")
	cmd.Flags().StringVar(&price, "price", "", "unit price")
	cmd.Flags().StringVar(&currency, "currency", "USD", "currency")
	_ = cmd.MarkFlagRequired("counterparty")
	_ = cmd.MarkFlagRequired("item")
	_ = cmd.MarkFlagRequired("qty")
	_ = cmd.MarkFlagRequired("price")
	return cmd
}

func orderListCmd() *cobra.Command {
	var f repo.TransactionFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List order transactions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Repo.ListTransactions(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Counterparty", "Kind", "Item", "Qty", "Price", "Status"})
				for _, t := range items {
					tw.AppendRow(table.Row{t.ID, t.Counterparty, t.Kind, t.ItemCode, t.Quantity, t.UnitPrice, t.Status})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.Kind, "kind", "", "kind filter")
	cmd.Flags().StringVar(&f.Counterparty, "counterparty", "", "counterparty filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "limit")
	return cmd
}

func orderGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Get order transaction",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				t, err := a.Repo.GetTransaction(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func orderExecuteCmd() *cobra.Command {
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "execute <id>",
		Short: "Execute an order transaction",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				runCtx := ctx
				if wait > 0 {
					var cancel context.CancelFunc
					runCtx, cancel = context.WithTimeout(ctx, wait)
					defer cancel()
				}
				t, err := a.Engine.Execute(runCtx, args[0], viper.GetString("agent-id"))
				switch {
				case errors.Is(err, policy.ErrDecisionPending):
					fmt.Println("parked: awaiting governance decision (run 'ol governance decide', then execute again)")
				case errors.Is(err, engine.ErrAwaitingStock):
					fmt.Printf("parked: %v (run 'ol stock receive', then execute again)\n", err)
				case err != nil:
					return err
				}
				if t.ID != "" {
					if refreshed, gerr := a.Repo.GetTransaction(ctx, t.ID); gerr == nil {
						t = refreshed
					}
					return printJSONOrTable(t)
				}
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", 0, "how long to wait on a pending escalation (0 = forever)")
	return cmd
}

func orderFailCmd() *cobra.Command {
	var reason, detail string
	cmd := &cobra.Command{
		Use:   "fail <id>",
		Short: "Fail a parked order transaction",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				t, err := a.Engine.Fail(ctx, args[0], reason, detail, viper.GetString("agent-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "SHORTAGE_UNRESOLVED", "failure reason (SHORTAGE_UNRESOLVED or POLICY_BLOCKED)")
	cmd.Flags().StringVar(&detail, "detail", "", "failure detail")
	return cmd
}

func orderEvidenceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "evidence <id>",
		Short: "Show the evidence package for a transaction",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("transaction id required")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				pkg, err := a.Reporter.EvidencePackage(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(pkg)
			})
		},
	}
	return cmd
}

func stockCmd() *cobra.Command {
	stockCmd := &cobra.Command{Use: "stock", Short: "Manage stock"}
	stockCmd.AddCommand(stockReceiveCmd())
	stockCmd.AddCommand(stockAdjustCmd())
	stockCmd.AddCommand(stockPositionsCmd())
	stockCmd.AddCommand(stockMovementsCmd())
	return stockCmd
}

func stockReceiveCmd() *cobra.Command {
	var item, qty, cost string
	cmd := &cobra.Command{
		Use:   "receive",
		Short: "Receive stock into inventory",
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := decimal.NewFromString(qty)
			if err != nil {
				return fmt.Errorf("--qty: %w", err)
			}
			c, err := decimal.NewFromString(cost)
			if err != nil {
				return fmt.Errorf("--cost: %w", err)
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				m, err := a.Engine.ReceiveStock(ctx, item, q, c, viper.GetString("agent-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&item, "item", "", "item code")
	cmd.Flags().StringVar(&qty, "qty", "", "quantity")
	cmd.Flags().StringVar(&cost, "cost", "", "unit cost")
	_ = cmd.MarkFlagRequired("item")
	_ = cmd.MarkFlagRequired("qty")
	_ = cmd.MarkFlagRequired("cost")
	return cmd
}

func stockAdjustCmd() *cobra.Command {
	var item, qty, reason string
	cmd := &cobra.Command{
		Use:   "adjust",
		Short: "Correct an on-hand quantity by a signed delta",
		RunE: func(cmd *cobra.Command, args []string) error {
			delta, err := decimal.NewFromString(qty)
			if err != nil {
				return fmt.Errorf("--qty: %w", err)
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				m, err := a.Engine.AdjustStock(ctx, item, delta, reason, viper.GetString("agent-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&item, "item", "", "item code")
	cmd.Flags().StringVar(&qty, "qty", "", "signed quantity delta")
	cmd.Flags().StringVar(&reason, "reason", "", "adjustment reason")
	_ = cmd.MarkFlagRequired("item")
	_ = cmd.MarkFlagRequired("qty")
	return cmd
}

func stockPositionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "positions",
		Short: "List stock positions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Repo.ListStockPositions(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Item", "On hand", "Reserved", "Avg cost"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ItemCode, p.OnHand, p.Reserved, p.AvgCost})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func stockMovementsCmd() *cobra.Command {
	var f repo.MovementFilters
	cmd := &cobra.Command{
		Use:   "movements",
		Short: "List stock movements",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Repo.ListStockMovements(ctx, f)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&f.ItemCode, "item", "", "item code filter")
	cmd.Flags().StringVar(&f.TransactionID, "transaction", "", "transaction filter")
	cmd.Flags().StringVar(&f.Type, "type", "", "movement type filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "limit")
	return cmd
}

func governanceCmd() *cobra.Command {
	gov := &cobra.Command{Use: "governance", Short: "Governance controls"}
	gov.AddCommand(escalationsCmd())
	gov.AddCommand(decideCmd())
	gov.AddCommand(thresholdCmd())
	gov.AddCommand(freezeCmd())
	return gov
}

func escalationsCmd() *cobra.Command {
	var f repo.EscalationFilters
	cmd := &cobra.Command{
		Use:   "escalations",
		Short: "List escalations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Repo.ListEscalations(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Action", "Reason", "Amount", "Status"})
				for _, e := range items {
					tw.AppendRow(table.Row{e.ID, e.ActionType, e.ReasonCode, e.Amount + " " + e.Currency, e.Status})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.ActionType, "action", "", "action type filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "limit")
	return cmd
}

func decideCmd() *cobra.Command {
	var decision, note string
	cmd := &cobra.Command{
		Use:   "decide <escalation-id>",
		Short: "Decide an escalation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := requireGovernanceAgent(ctx, a); err != nil {
					return err
				}
				esc, err := a.Engine.Gate.Decide(ctx, args[0], decision, note, viper.GetString("agent-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(esc)
			})
		},
	}
	cmd.Flags().StringVar(&decision, "decision", "", "APPROVED, REJECTED or FROZEN")
	cmd.Flags().StringVar(&note, "note", "", "decision note")
	_ = cmd.MarkFlagRequired("decision")
	return cmd
}

func thresholdCmd() *cobra.Command {
	var action, amount, currency string
	var active bool
	cmd := &cobra.Command{
		Use:   "threshold",
		Short: "Set a governance threshold",
		RunE: func(cmd *cobra.Command, args []string) error {
			amt, err := decimal.NewFromString(amount)
			if err != nil {
				return fmt.Errorf("--amount: %w", err)
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := requireGovernanceAgent(ctx, a); err != nil {
					return err
				}
				t, err := a.Engine.Gate.SetThreshold(ctx, action, amt, currency, active, viper.GetString("agent-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&action, "action", "", "action type")
	cmd.Flags().StringVar(&amount, "amount", "", "max auto-approved amount")
	cmd.Flags().StringVar(&currency, "currency", "USD", "currency")
	cmd.Flags().BoolVar(&active, "active", true, "threshold active")
	_ = cmd.MarkFlagRequired("action")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func freezeCmd() *cobra.Command {
	var action, reason string
	var frozen bool
	cmd := &cobra.Command{
		Use:   "freeze",
		Short: "Freeze or unfreeze an action type",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := requireGovernanceAgent(ctx, a); err != nil {
					return err
				}
				f, err := a.Engine.Gate.SetFreeze(ctx, action, frozen, reason, viper.GetString("agent-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(f)
			})
		},
	}
	cmd.Flags().StringVar(&action, "action", "", "action type")
	cmd.Flags().BoolVar(&frozen, "frozen", true, "freeze (true) or unfreeze (false)")
	cmd.Flags().StringVar(&reason, "reason", "", "freeze reason")
	_ = cmd.MarkFlagRequired("action")
	return cmd
}

func invoiceCmd() *cobra.Command {
	inv := &cobra.Command{Use: "invoice", Short: "Manage invoices"}
	var f repo.InvoiceFilters
	list := &cobra.Command{
		Use:   "list",
		Short: "List invoices",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Repo.ListInvoices(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Number", "Counterparty", "Amount", "Status", "Due"})
				for _, i := range items {
					tw.AppendRow(table.Row{i.Number, i.Counterparty, i.Amount + " " + i.Currency, i.Status, i.DueAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&f.Status, "status", "", "status filter")
	list.Flags().StringVar(&f.Counterparty, "counterparty", "", "counterparty filter")
	list.Flags().IntVar(&f.Limit, "limit", 0, "limit")
	get := &cobra.Command{
		Use:   "get <id>",
		Short: "Get invoice",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				i, err := a.Repo.GetInvoice(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(i)
			})
		},
	}
	var voidReason string
	void := &cobra.Command{
		Use:   "void <id>",
		Short: "Void an unsettled invoice",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				i, err := a.Engine.Ledger.VoidInvoice(ctx, args[0], voidReason, viper.GetString("agent-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(i)
			})
		},
	}
	void.Flags().StringVar(&voidReason, "reason", "", "void reason")
	inv.AddCommand(list, get, void)
	return inv
}

func receiptCmd() *cobra.Command {
	var amount, currency, reference string
	cmd := &cobra.Command{
		Use:   "receipt <transaction-id>",
		Short: "Apply a cash receipt to a transaction's invoice",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			amt, err := decimal.NewFromString(amount)
			if err != nil {
				return fmt.Errorf("--amount: %w", err)
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				s, err := a.Engine.Ledger.ApplyReceipt(ctx, args[0], amt, currency, reference, viper.GetString("agent-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&amount, "amount", "", "receipt amount")
	cmd.Flags().StringVar(&currency, "currency", "", "receipt currency (defaults to the invoice's)")
	cmd.Flags().StringVar(&reference, "reference", "", "bank reference")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func obligationCmd() *cobra.Command {
	ob := &cobra.Command{Use: "obligation", Short: "Manage payable obligations"}
	var f repo.APObligationFilters
	list := &cobra.Command{
		Use:   "list",
		Short: "List obligations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Repo.ListAPObligations(ctx, f)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	list.Flags().StringVar(&f.Status, "status", "", "status filter")
	list.Flags().StringVar(&f.SourceType, "source-type", "", "source type filter")
	list.Flags().IntVar(&f.Limit, "limit", 0, "limit")
	settle := &cobra.Command{
		Use:   "settle <id>",
		Short: "Settle an obligation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				o, err := a.Engine.Ledger.SettleObligation(ctx, args[0], viper.GetString("agent-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(o)
			})
		},
	}
	var cancelReason string
	cancel := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel an open obligation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				o, err := a.Engine.Ledger.CancelObligation(ctx, args[0], cancelReason, viper.GetString("agent-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(o)
			})
		},
	}
	cancel.Flags().StringVar(&cancelReason, "reason", "", "cancellation reason")
	ob.AddCommand(list, settle, cancel)
	return ob
}

func journalCmd() *cobra.Command {
	var f repo.JournalFilters
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "List journal entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Repo.ListJournalEntries(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Account", "Debit", "Credit", "Memo", "Posted"})
				for _, e := range items {
					tw.AppendRow(table.Row{e.Account, e.Debit, e.Credit, e.Memo, e.PostedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.TransactionID, "transaction", "", "transaction filter")
	cmd.Flags().StringVar(&f.Account, "account", "", "account filter")
	cmd.Flags().StringVar(&f.From, "from", "", "posted-at lower bound (RFC3339)")
	cmd.Flags().StringVar(&f.To, "to", "", "posted-at upper bound (RFC3339)")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "limit")
	return cmd
}

func finopsCmd() *cobra.Command {
	fin := &cobra.Command{Use: "finops", Short: "Cost allocation and reconciliation"}
	fin.AddCommand(finopsCostCmd())
	fin.AddCommand(finopsAllocateCmd())
	fin.AddCommand(finopsAllocationsCmd())
	fin.AddCommand(finopsReconcileCmd())
	fin.AddCommand(finopsReconciliationsCmd())
	return fin
}

func finopsCostCmd() *cobra.Command {
	var sourceType, transactionID, agentID, skillID, total, currency, occurredAt string
	cmd := &cobra.Command{
		Use:   "cost",
		Short: "Record a cost source",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				rec, err := a.Allocator.RecordCost(ctx, costRecord(sourceType, transactionID, agentID, skillID, total, currency, occurredAt))
				if err != nil {
					return err
				}
				return printJSONOrTable(rec)
			})
		},
	}
	cmd.Flags().StringVar(&sourceType, "source-type", "TOKEN_USAGE", "TOKEN_USAGE, CLOUD_COST or SUBSCRIPTION")
	cmd.Flags().StringVar(&transactionID, "transaction", "", "attributed transaction id")
	cmd.Flags().StringVar(&agentID, "agent", "", "attributed agent id")
	cmd.Flags().StringVar(&skillID, "skill", "", "attributed skill id")
	cmd.Flags().StringVar(&total, "total", "", "total cost")
	cmd.Flags().StringVar(&currency, "currency", "USD", "currency")
	cmd.Flags().StringVar(&occurredAt, "occurred-at", "", "occurrence timestamp (RFC3339, default now)")
	_ = cmd.MarkFlagRequired("total")
	return cmd
}

func finopsAllocateCmd() *cobra.Command {
	var from, to string
	cmd := &cobra.Command{
		Use:   "allocate",
		Short: "Allocate a period's costs over transactions",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := checkPeriod(from, to); err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				run, err := a.Allocator.Allocate(ctx, from, to, viper.GetString("agent-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(run)
			})
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "period start (RFC3339)")
	cmd.Flags().StringVar(&to, "to", "", "period end (RFC3339)")
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func finopsAllocationsCmd() *cobra.Command {
	var f repo.AllocationFilters
	cmd := &cobra.Command{
		Use:   "allocations",
		Short: "List cost allocations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Repo.ListCostAllocations(ctx, f)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&f.PeriodStart, "from", "", "period start (RFC3339)")
	cmd.Flags().StringVar(&f.PeriodEnd, "to", "", "period end (RFC3339)")
	cmd.Flags().StringVar(&f.TransactionID, "transaction", "", "transaction filter")
	cmd.Flags().StringVar(&f.SkillID, "skill", "", "skill filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "limit")
	return cmd
}

func finopsReconcileCmd() *cobra.Command {
	var from, to string
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Reconcile a period",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := checkPeriod(from, to); err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, err := a.Allocator.Reconcile(ctx, from, to, viper.GetString("agent-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "period start (RFC3339)")
	cmd.Flags().StringVar(&to, "to", "", "period end (RFC3339)")
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func finopsReconciliationsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "reconciliations",
		Short: "List period reconciliations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Repo.ListPeriodReconciliations(ctx, limit)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "limit")
	return cmd
}

func reportCmd() *cobra.Command {
	rep := &cobra.Command{Use: "report", Short: "Reports"}
	rep.AddCommand(reportBoardCmd())
	rep.AddCommand(reportTrialBalanceCmd())
	rep.AddCommand(reportARAgingCmd())
	rep.AddCommand(reportAPAgingCmd())
	rep.AddCommand(reportSkillsCmd())
	return rep
}

func reportBoardCmd() *cobra.Command {
	var from, to string
	cmd := &cobra.Command{
		Use:   "board",
		Short: "Board summary for a period",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := checkPeriod(from, to); err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				s, err := a.Reporter.BoardSummary(ctx, from, to)
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "period start (RFC3339)")
	cmd.Flags().StringVar(&to, "to", "", "period end (RFC3339)")
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func reportTrialBalanceCmd() *cobra.Command {
	var from, to string
	cmd := &cobra.Command{
		Use:   "trial-balance",
		Short: "Trial balance for a period",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := checkPeriod(from, to); err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				tb, err := a.Reporter.TrialBalance(ctx, from, to)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tb)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Account", "Debit", "Credit", "Net"})
				for _, l := range tb.Lines {
					tw.AppendRow(table.Row{l.Account, l.Debit, l.Credit, l.Net})
				}
				tw.AppendFooter(table.Row{"Total", tb.TotalDebit, tb.TotalCredit, fmt.Sprintf("balanced=%v", tb.Balanced)})
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "period start (RFC3339)")
	cmd.Flags().StringVar(&to, "to", "", "period end (RFC3339)")
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func reportARAgingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ar-aging",
		Short: "Receivables aging",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				aging, err := a.Reporter.ARAging(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(aging)
			})
		},
	}
	return cmd
}

func reportAPAgingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ap-aging",
		Short: "Payables aging",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				aging, err := a.Reporter.APAging(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(aging)
			})
		},
	}
	return cmd
}

func reportSkillsCmd() *cobra.Command {
	var from, to string
	cmd := &cobra.Command{
		Use:   "skills",
		Short: "Skill reliability and cost for a period",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := checkPeriod(from, to); err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				lines, err := a.Reporter.SkillEconomics(ctx, from, to)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(lines)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Skill", "Invocations", "Succeeded", "Failed", "Success rate", "Avg latency ms", "Allocated cost"})
				for _, l := range lines {
					tw.AppendRow(table.Row{l.SkillID, l.Invocations, l.Succeeded, l.Failed, l.SuccessRate, l.AvgLatencyMS, l.AllocatedCost})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "period start (RFC3339)")
	cmd.Flags().StringVar(&to, "to", "", "period end (RFC3339)")
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func agentCmd() *cobra.Command {
	agent := &cobra.Command{Use: "agent", Short: "Manage agents"}
	list := &cobra.Command{
		Use:   "list",
		Short: "List agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Repo.ListAgents(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	agent.AddCommand(list)
	return agent
}

func apikeyCmd() *cobra.Command {
	key := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	key.AddCommand(apikeyCreateCmd())
	key.AddCommand(apikeyListCmd())
	key.AddCommand(apikeyDeleteCmd())
	return key
}

func apikeyCreateCmd() *cobra.Command {
	var agentID, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for an agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if _, err := a.Repo.GetAgent(ctx, agentID); err != nil {
					return err
				}
				secret, k, err := newAPIKey(ctx, a, agentID, name)
				if err != nil {
					return err
				}
				fmt.Printf("API key (store it now, it is not shown again): %s\n", secret)
				return printJSONOrTable(k)
			})
		},
	}
	cmd.Flags().StringVar(&agentID, "agent", "", "agent id")
	cmd.Flags().StringVar(&name, "name", "", "key name")
	_ = cmd.MarkFlagRequired("agent")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var agentID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Repo.ListAPIKeys(ctx, agentID)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&agentID, "agent", "", "agent filter")
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return a.Repo.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	logCmd := &cobra.Command{
		Use:   "log",
		Short: "Event log",
	}
	var f repo.EventFilters
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				events, err := a.Repo.LatestEvents(ctx, f)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	tail.Flags().IntVar(&f.Limit, "n", 20, "number of events")
	tail.Flags().StringVar(&f.Type, "type", "", "event type filter")
	tail.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind")
	tail.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id")
	logCmd.AddCommand(tail)
	return logCmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowLegacy bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			a, err := app.Open(cmd.Context(), workspace)
			if err != nil {
				return err
			}
			defer a.Close()
			authCfg := server.AuthConfig{
				JWTSecret:              os.Getenv("OL_JWT_SECRET"),
				AllowLegacyAgentHeader: allowLegacy,
			}
			if authCfg.JWTSecret == "" && !allowLegacy {
				return fmt.Errorf("OL_JWT_SECRET is required for bearer auth (or pass --allow-agent-header for local use)")
			}
			handler, err := server.New(server.Config{App: a, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Orderline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&allowLegacy, "allow-agent-header", false, "accept unauthenticated X-Agent-Id (local dev only)")
	return cmd
}

// --- helpers ---

func costRecord(sourceType, transactionID, agentID, skillID, total, currency, occurredAt string) domain.CostSourceRecord {
	return domain.CostSourceRecord{
		SourceType:    sourceType,
		TransactionID: optionalString(transactionID),
		AgentID:       optionalString(agentID),
		SkillID:       optionalString(skillID),
		TotalCost:     total,
		Currency:      currency,
		OccurredAt:    occurredAt,
	}
}

func newAPIKey(ctx context.Context, a *app.App, agentID, name string) (string, domain.APIKey, error) {
	secret := uuid.NewString()
	key := domain.APIKey{
		ID:        uuid.NewString(),
		AgentID:   agentID,
		Name:      name,
		KeyHash:   repo.HashAPIKey(secret),
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}
	if err := a.Repo.InsertAPIKey(ctx, key); err != nil {
		return "", domain.APIKey{}, err
	}
	return secret, key, nil
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	workspace := viper.GetString("workspace")
	a, err := app.Open(ctx, workspace)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func requireGovernanceAgent(ctx context.Context, a *app.App) error {
	agentID := viper.GetString("agent-id")
	agent, err := a.Repo.GetAgent(ctx, agentID)
	if err != nil {
		return fmt.Errorf("agent %s: %w", agentID, err)
	}
	if !agent.Governance {
		return fmt.Errorf("agent %s is not a governance agent", agentID)
	}
	return nil
}

func checkPeriod(from, to string) error {
	for _, v := range []string{from, to} {
		if _, err := time.Parse(time.RFC3339, v); err != nil {
			return fmt.Errorf("--from and --to must be RFC3339 timestamps: %w", err)
		}
	}
	if to <= from {
		return fmt.Errorf("--to must be after --from")
	}
	return nil
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
