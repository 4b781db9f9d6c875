package skills

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"orderline/internal/domain"
	"orderline/internal/events"
	"orderline/internal/policy"
	"orderline/internal/repo"
)

// Route outcomes handed back to the orchestrator.
const (
	RouteSucceeded = "SUCCEEDED"
	RouteEscalated = "ESCALATED"
)

type RouteResult struct {
	Status     string
	Output     map[string]any
	SkillID    string
	Version    string
	Escalation domain.Escalation
}

// Router resolves a transaction's intent to a registered skill and walks
// the retry ladder: primary with retries, then the fallback once.
// Exhaustion raises an escalation instead of failing outright so that
// governance gets a chance to intervene.
type Router struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Gate   policy.Gate
	Now    func() time.Time

	executors map[string]Skill
}

func NewRouter(db *sql.DB, gate policy.Gate) *Router {
	return &Router{
		DB:        db,
		Repo:      repo.Repo{DB: db},
		Events:    events.Writer{DB: db},
		Gate:      gate,
		Now:       time.Now,
		executors: map[string]Skill{},
	}
}

// Bind attaches an executable implementation to a registered skill version.
func (r *Router) Bind(ref Ref, s Skill) {
	r.executors[ref.String()] = s
}

func (r *Router) now() string {
	return r.Now().UTC().Format(time.RFC3339)
}

type candidate struct {
	ref      Ref
	fallback bool
}

func (r *Router) ladder(p domain.RoutingPolicy) []candidate {
	var out []candidate
	for i := 0; i <= p.MaxRetries; i++ {
		out = append(out, candidate{ref: Ref{SkillID: p.PrimarySkill, Version: p.PrimaryVersion}})
	}
	if p.FallbackSkill != nil && p.FallbackVersion != nil {
		out = append(out, candidate{ref: Ref{SkillID: *p.FallbackSkill, Version: *p.FallbackVersion}, fallback: true})
	}
	return out
}

func (r *Router) recordInvocation(ctx context.Context, inv domain.SkillInvocation, actorID string) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := r.Repo.InsertSkillInvocation(ctx, tx, inv); err != nil {
		return err
	}
	payload := events.EventPayload{
		"skill_id": inv.SkillID, "version": inv.SkillVersion, "attempt": inv.Attempt,
		"status": inv.Status, "fallback": inv.Fallback, "input_hash": inv.InputHash,
	}
	if inv.FailureReason != nil {
		payload["failure_reason"] = *inv.FailureReason
	}
	if err := r.Events.Append(ctx, tx, "skill.invoked", "transaction", inv.TransactionID, actorID, payload); err != nil {
		return err
	}
	return tx.Commit()
}

// Execute runs the routing ladder for one transaction. It never holds a
// database transaction across a skill invocation; each attempt is recorded
// in its own commit so the trail survives later failures.
func (r *Router) Execute(ctx context.Context, txn domain.Transaction, intent string, payload map[string]any, actorID string) (RouteResult, error) {
	pol, err := r.Repo.GetRoutingPolicy(ctx, intent, txn.Kind)
	if errors.Is(err, repo.ErrNotFound) {
		// A kind-specific policy wins; the intent's ANY policy catches
		// the rest.
		pol, err = r.Repo.GetRoutingPolicy(ctx, intent, "ANY")
	}
	if errors.Is(err, repo.ErrNotFound) {
		return RouteResult{}, fmt.Errorf("%w: intent %s kind %s", ErrNoRouteFound, intent, txn.Kind)
	}
	if err != nil {
		return RouteResult{}, err
	}

	inputHash := Hash(payload)
	attempts := map[string]int{}
	var lastReason string

	for _, c := range r.ladder(pol) {
		attempts[c.ref.String()]++
		attempt := attempts[c.ref.String()]
		inv := domain.SkillInvocation{
			ID:            uuid.NewString(),
			TransactionID: txn.ID,
			Intent:        intent,
			SkillID:       c.ref.SkillID,
			SkillVersion:  c.ref.Version,
			Attempt:       attempt,
			Fallback:      c.fallback,
			InputHash:     inputHash,
			StartedAt:     r.now(),
		}

		reason := ""
		reg, err := r.Repo.GetSkillRegistration(ctx, c.ref.SkillID, c.ref.Version)
		switch {
		case errors.Is(err, repo.ErrNotFound):
			reason = "SKILL_NOT_REGISTERED"
		case err != nil:
			return RouteResult{}, err
		case reg.Status != "APPROVED":
			reason = "SKILL_NOT_APPROVED"
		}

		// Registered skills declare the fields they require and produce.
		if reason == "" {
			for _, field := range reg.Inputs {
				if _, ok := payload[field]; !ok {
					reason = "MISSING_INPUT:" + field
					break
				}
			}
		}

		var executor Skill
		if reason == "" {
			var ok bool
			executor, ok = r.executors[c.ref.String()]
			if !ok {
				reason = "EXECUTOR_MISSING"
			}
		}
		if reason == "" && !executor.Accepts(payload) {
			reason = "PAYLOAD_REJECTED"
		}

		var output map[string]any
		if reason == "" {
			start := r.Now()
			res, err := executor.Invoke(ctx, payload)
			inv.LatencyMS = r.Now().Sub(start).Milliseconds()
			if err != nil {
				reason = err.Error()
			} else {
				output = res.Output
				for _, field := range reg.Outputs {
					if _, ok := output[field]; !ok {
						reason = "MISSING_OUTPUT:" + field
						output = nil
						break
					}
				}
			}
		}

		inv.CompletedAt = r.now()
		if reason == "" {
			inv.Status = "SUCCEEDED"
			outputHash := Hash(output)
			inv.OutputHash = &outputHash
		} else {
			inv.Status = "FAILED"
			inv.FailureReason = &reason
			lastReason = reason
		}
		if err := r.recordInvocation(ctx, inv, actorID); err != nil {
			return RouteResult{}, err
		}
		if inv.Status == "SUCCEEDED" {
			return RouteResult{Status: RouteSucceeded, Output: output, SkillID: c.ref.SkillID, Version: c.ref.Version}, nil
		}
	}

	// Ladder exhausted: hand the transaction to governance.
	amount := transactionAmount(txn)
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return RouteResult{}, err
	}
	defer tx.Rollback()
	esc, err := r.Gate.Raise(ctx, tx, pol.EscalationType, "transaction", txn.ID, "SKILL_EXHAUSTED", amount, txn.Currency, 0, actorID)
	if err != nil {
		return RouteResult{}, err
	}
	if err := r.Events.Append(ctx, tx, "skill.exhausted", "transaction", txn.ID, actorID, events.EventPayload{
		"intent": intent, "last_failure": lastReason, "escalation_id": esc.ID,
	}); err != nil {
		return RouteResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return RouteResult{}, err
	}
	return RouteResult{Status: RouteEscalated, Escalation: esc}, nil
}

func transactionAmount(txn domain.Transaction) decimal.Decimal {
	qty, err := decimal.NewFromString(txn.Quantity)
	if err != nil {
		return decimal.Zero
	}
	price, err := decimal.NewFromString(txn.UnitPrice)
	if err != nil {
		return decimal.Zero
	}
	return qty.Mul(price)
}
