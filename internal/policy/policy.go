package policy

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"orderline/internal/config"
	"orderline/internal/domain"
	"orderline/internal/events"
	"orderline/internal/repo"
)

var (
	// ErrAlreadyDecided is returned when deciding an escalation that has
	// already left PENDING.
	ErrAlreadyDecided = errors.New("escalation already decided")
	// ErrDecisionPending is returned when a wait for a governance decision
	// ran out of time; the referencing work stays parked.
	ErrDecisionPending = errors.New("governance decision pending")
)

// Verdicts of a gate evaluation.
const (
	VerdictAllowed  = "ALLOWED"
	VerdictEscalate = "ESCALATE"
	VerdictBlocked  = "BLOCKED"
)

type Outcome struct {
	Verdict       string
	ReasonCode    string
	ConfigVersion int64
}

// Gate checks every money-moving action against freeze controls and
// amount thresholds before it is allowed to proceed.
type Gate struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
}

func NewGate(db *sql.DB, cfg *config.Config) Gate {
	return Gate{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (g Gate) now() string {
	return g.Now().UTC().Format(time.RFC3339)
}

// Evaluate decides whether an action may run unattended. Freezes win over
// thresholds; an inactive or missing threshold falls back to the
// configured default ceiling.
func (g Gate) Evaluate(ctx context.Context, tx *sql.Tx, actionType string, amount decimal.Decimal, currency string) (Outcome, error) {
	fc, err := g.Repo.GetFreezeControl(ctx, tx, actionType)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return Outcome{}, err
	}
	if err == nil && fc.Frozen {
		return Outcome{Verdict: VerdictBlocked, ReasonCode: "ACTION_FROZEN", ConfigVersion: fc.Version}, nil
	}

	limit := g.Config.DefaultMaxAutoAmount()
	limitCurrency := g.Config.Ledger.BaseCurrency
	var version int64
	th, err := g.Repo.GetThreshold(ctx, tx, actionType)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return Outcome{}, err
	}
	if err == nil && th.Active {
		parsed, perr := decimal.NewFromString(th.MaxAutoAmount)
		if perr != nil {
			return Outcome{}, fmt.Errorf("threshold %s: %w", actionType, perr)
		}
		limit = parsed
		limitCurrency = th.Currency
		version = th.Version
	}

	if currency != limitCurrency {
		return Outcome{Verdict: VerdictEscalate, ReasonCode: "CURRENCY_MISMATCH", ConfigVersion: version}, nil
	}
	if amount.GreaterThan(limit) {
		return Outcome{Verdict: VerdictEscalate, ReasonCode: "AMOUNT_ABOVE_THRESHOLD", ConfigVersion: version}, nil
	}
	return Outcome{Verdict: VerdictAllowed, ConfigVersion: version}, nil
}

// SetThreshold upserts an amount ceiling for an action type.
func (g Gate) SetThreshold(ctx context.Context, actionType string, maxAutoAmount decimal.Decimal, currency string, active bool, actorID string) (domain.GovernanceThreshold, error) {
	tx, err := g.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.GovernanceThreshold{}, err
	}
	defer tx.Rollback()
	now := g.now()
	t := domain.GovernanceThreshold{
		ActionType:    actionType,
		MaxAutoAmount: maxAutoAmount.String(),
		Currency:      currency,
		Active:        active,
		UpdatedBy:     actorID,
		UpdatedAt:     now,
	}
	if err := g.Repo.UpsertThreshold(ctx, tx, t); err != nil {
		return t, err
	}
	if err := g.Events.Append(ctx, tx, "governance.threshold_set", "governance", actionType, actorID, events.EventPayload{
		"max_auto_amount": t.MaxAutoAmount, "currency": currency, "active": active,
	}); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	return g.Repo.GetThreshold(ctx, nil, actionType)
}

// SetFreeze freezes or unfreezes an action type.
func (g Gate) SetFreeze(ctx context.Context, actionType string, frozen bool, reason, actorID string) (domain.FreezeControl, error) {
	tx, err := g.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.FreezeControl{}, err
	}
	defer tx.Rollback()
	f := domain.FreezeControl{
		ActionType: actionType,
		Frozen:     frozen,
		Reason:     reason,
		UpdatedBy:  actorID,
		UpdatedAt:  g.now(),
	}
	if err := g.Repo.UpsertFreezeControl(ctx, tx, f); err != nil {
		return f, err
	}
	evtType := "governance.unfrozen"
	if frozen {
		evtType = "governance.frozen"
	}
	if err := g.Events.Append(ctx, tx, evtType, "governance", actionType, actorID, events.EventPayload{"reason": reason}); err != nil {
		return f, err
	}
	if err := tx.Commit(); err != nil {
		return f, err
	}
	return g.Repo.GetFreezeControl(ctx, nil, actionType)
}

// Raise opens a PENDING escalation inside the caller's transaction.
func (g Gate) Raise(ctx context.Context, tx *sql.Tx, actionType, referenceKind, referenceID, reasonCode string, amount decimal.Decimal, currency string, configVersion int64, requestedBy string) (domain.Escalation, error) {
	e := domain.Escalation{
		ID:            uuid.NewString(),
		ActionType:    actionType,
		ReferenceKind: referenceKind,
		ReferenceID:   referenceID,
		Status:        "PENDING",
		ReasonCode:    reasonCode,
		Amount:        amount.String(),
		Currency:      currency,
		ConfigVersion: configVersion,
		RequestedBy:   requestedBy,
		CreatedAt:     g.now(),
	}
	if err := g.Repo.InsertEscalation(ctx, tx, e); err != nil {
		return e, err
	}
	return e, g.Events.Append(ctx, tx, "escalation.raised", "escalation", e.ID, requestedBy, events.EventPayload{
		"action_type": actionType, "reference_kind": referenceKind, "reference_id": referenceID,
		"reason_code": reasonCode, "amount": e.Amount, "currency": currency,
	})
}

// Decide records a governance decision on a PENDING escalation. A FROZEN
// decision also freezes the underlying action type so nothing else of that
// kind proceeds until it is lifted.
func (g Gate) Decide(ctx context.Context, escalationID, status, note, actorID string) (domain.Escalation, error) {
	switch status {
	case "APPROVED", "REJECTED", "FROZEN":
	default:
		return domain.Escalation{}, fmt.Errorf("invalid decision status %s", status)
	}
	tx, err := g.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Escalation{}, err
	}
	defer tx.Rollback()
	esc, err := g.Repo.GetEscalationTx(ctx, tx, escalationID)
	if err != nil {
		return domain.Escalation{}, err
	}
	if esc.Status != "PENDING" {
		return esc, ErrAlreadyDecided
	}
	now := g.now()
	if err := g.Repo.DecideEscalation(ctx, tx, escalationID, status, actorID, now, note); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return esc, ErrAlreadyDecided
		}
		return esc, err
	}
	if status == "FROZEN" {
		if err := g.Repo.UpsertFreezeControl(ctx, tx, domain.FreezeControl{
			ActionType: esc.ActionType,
			Frozen:     true,
			Reason:     "frozen via escalation " + escalationID,
			UpdatedBy:  actorID,
			UpdatedAt:  now,
		}); err != nil {
			return esc, err
		}
	}
	if err := g.Events.Append(ctx, tx, "escalation.decided", "escalation", escalationID, actorID, events.EventPayload{
		"status": status, "note": note, "action_type": esc.ActionType, "reference_id": esc.ReferenceID,
	}); err != nil {
		return esc, err
	}
	if err := tx.Commit(); err != nil {
		return esc, err
	}
	return g.Repo.GetEscalation(ctx, escalationID)
}

// WaitForDecision polls an escalation until it leaves PENDING or the
// context runs out, in which case ErrDecisionPending is returned and the
// caller stays parked.
func (g Gate) WaitForDecision(ctx context.Context, escalationID string) (domain.Escalation, error) {
	interval := g.Config.PollInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		esc, err := g.Repo.GetEscalation(ctx, escalationID)
		if err != nil {
			return esc, err
		}
		if esc.Status != "PENDING" {
			return esc, nil
		}
		select {
		case <-ctx.Done():
			return esc, ErrDecisionPending
		case <-ticker.C:
		}
	}
}
