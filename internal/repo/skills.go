package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"orderline/internal/domain"
)

func (r Repo) UpsertSkillRegistration(ctx context.Context, s domain.SkillRegistration) error {
	inputs, err := json.Marshal(s.Inputs)
	if err != nil {
		return err
	}
	outputs, err := json.Marshal(s.Outputs)
	if err != nil {
		return err
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO skill_registrations(skill_id,version,capability,status,inputs_json,outputs_json,registered_at) VALUES (?,?,?,?,?,?,?)
ON CONFLICT(skill_id,version) DO UPDATE SET capability=excluded.capability, status=excluded.status, inputs_json=excluded.inputs_json, outputs_json=excluded.outputs_json`,
		s.SkillID, s.Version, s.Capability, s.Status, string(inputs), string(outputs), s.RegisteredAt)
	return err
}

func (r Repo) GetSkillRegistration(ctx context.Context, skillID, version string) (domain.SkillRegistration, error) {
	var s domain.SkillRegistration
	var inputs, outputs string
	err := r.DB.QueryRowContext(ctx, `SELECT skill_id,version,capability,status,inputs_json,outputs_json,registered_at FROM skill_registrations WHERE skill_id=? AND version=?`, skillID, version).
		Scan(&s.SkillID, &s.Version, &s.Capability, &s.Status, &inputs, &outputs, &s.RegisteredAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	if err := json.Unmarshal([]byte(inputs), &s.Inputs); err != nil {
		return s, err
	}
	if err := json.Unmarshal([]byte(outputs), &s.Outputs); err != nil {
		return s, err
	}
	return s, nil
}

func (r Repo) ListSkillRegistrations(ctx context.Context) ([]domain.SkillRegistration, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT skill_id,version,capability,status,inputs_json,outputs_json,registered_at FROM skill_registrations ORDER BY skill_id ASC, version ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.SkillRegistration
	for rows.Next() {
		var s domain.SkillRegistration
		var inputs, outputs string
		if err := rows.Scan(&s.SkillID, &s.Version, &s.Capability, &s.Status, &inputs, &outputs, &s.RegisteredAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(inputs), &s.Inputs); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(outputs), &s.Outputs); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func (r Repo) UpsertRoutingPolicy(ctx context.Context, p domain.RoutingPolicy) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO routing_policies(intent,kind,primary_skill,primary_version,fallback_skill,fallback_version,max_retries,escalation_type,updated_at) VALUES (?,?,?,?,?,?,?,?,?)
ON CONFLICT(intent,kind) DO UPDATE SET primary_skill=excluded.primary_skill, primary_version=excluded.primary_version, fallback_skill=excluded.fallback_skill, fallback_version=excluded.fallback_version, max_retries=excluded.max_retries, escalation_type=excluded.escalation_type, updated_at=excluded.updated_at`,
		p.Intent, p.Kind, p.PrimarySkill, p.PrimaryVersion, nullableStringPtr(p.FallbackSkill), nullableStringPtr(p.FallbackVersion), p.MaxRetries, p.EscalationType, p.UpdatedAt)
	return err
}

func scanRoutingPolicy(row *sql.Row) (domain.RoutingPolicy, error) {
	var p domain.RoutingPolicy
	var fallbackSkill, fallbackVersion sql.NullString
	err := row.Scan(&p.Intent, &p.Kind, &p.PrimarySkill, &p.PrimaryVersion, &fallbackSkill, &fallbackVersion, &p.MaxRetries, &p.EscalationType, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if fallbackSkill.Valid {
		p.FallbackSkill = &fallbackSkill.String
	}
	if fallbackVersion.Valid {
		p.FallbackVersion = &fallbackVersion.String
	}
	return p, err
}

func (r Repo) GetRoutingPolicy(ctx context.Context, intent, kind string) (domain.RoutingPolicy, error) {
	return scanRoutingPolicy(r.DB.QueryRowContext(ctx, `SELECT intent,kind,primary_skill,primary_version,fallback_skill,fallback_version,max_retries,escalation_type,updated_at FROM routing_policies WHERE intent=? AND kind=?`, intent, kind))
}

func (r Repo) ListRoutingPolicies(ctx context.Context) ([]domain.RoutingPolicy, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT intent,kind,primary_skill,primary_version,fallback_skill,fallback_version,max_retries,escalation_type,updated_at FROM routing_policies ORDER BY intent ASC, kind ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.RoutingPolicy
	for rows.Next() {
		var p domain.RoutingPolicy
		var fallbackSkill, fallbackVersion sql.NullString
		if err := rows.Scan(&p.Intent, &p.Kind, &p.PrimarySkill, &p.PrimaryVersion, &fallbackSkill, &fallbackVersion, &p.MaxRetries, &p.EscalationType, &p.UpdatedAt); err != nil {
			return nil, err
		}
		if fallbackSkill.Valid {
			p.FallbackSkill = &fallbackSkill.String
		}
		if fallbackVersion.Valid {
			p.FallbackVersion = &fallbackVersion.String
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) InsertSkillInvocation(ctx context.Context, tx *sql.Tx, inv domain.SkillInvocation) error {
	fallback := 0
	if inv.Fallback {
		fallback = 1
	}
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO skill_invocations(id,transaction_id,intent,skill_id,skill_version,attempt,status,failure_reason,fallback,input_hash,output_hash,latency_ms,started_at,completed_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		inv.ID, inv.TransactionID, inv.Intent, inv.SkillID, inv.SkillVersion, inv.Attempt, inv.Status,
		nullableStringPtr(inv.FailureReason), fallback, inv.InputHash, nullableStringPtr(inv.OutputHash), inv.LatencyMS, inv.StartedAt, inv.CompletedAt)
	return err
}

func (r Repo) ListSkillInvocations(ctx context.Context, transactionID string) ([]domain.SkillInvocation, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,transaction_id,intent,skill_id,skill_version,attempt,status,failure_reason,fallback,input_hash,output_hash,latency_ms,started_at,completed_at FROM skill_invocations WHERE transaction_id=? ORDER BY started_at ASC, id ASC`, transactionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSkillInvocations(rows)
}

// SkillInvocationStats aggregates attempts per skill for the economics report.
type SkillInvocationStats struct {
	SkillID     string
	Invocations int
	Succeeded   int
	Failed      int
	AvgLatency  float64
}

func (r Repo) SkillInvocationStatsBetween(ctx context.Context, start, end string) ([]SkillInvocationStats, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT skill_id, count(*),
SUM(CASE WHEN status='SUCCEEDED' THEN 1 ELSE 0 END),
SUM(CASE WHEN status='FAILED' THEN 1 ELSE 0 END),
COALESCE(AVG(latency_ms),0)
FROM skill_invocations WHERE started_at >= ? AND started_at < ? GROUP BY skill_id ORDER BY skill_id ASC`, start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []SkillInvocationStats
	for rows.Next() {
		var s SkillInvocationStats
		if err := rows.Scan(&s.SkillID, &s.Invocations, &s.Succeeded, &s.Failed, &s.AvgLatency); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func scanSkillInvocations(rows *sql.Rows) ([]domain.SkillInvocation, error) {
	var res []domain.SkillInvocation
	for rows.Next() {
		var inv domain.SkillInvocation
		var failureReason, outputHash sql.NullString
		var fallback int
		if err := rows.Scan(&inv.ID, &inv.TransactionID, &inv.Intent, &inv.SkillID, &inv.SkillVersion, &inv.Attempt, &inv.Status,
			&failureReason, &fallback, &inv.InputHash, &outputHash, &inv.LatencyMS, &inv.StartedAt, &inv.CompletedAt); err != nil {
			return nil, err
		}
		if failureReason.Valid {
			inv.FailureReason = &failureReason.String
		}
		if outputHash.Valid {
			inv.OutputHash = &outputHash.String
		}
		inv.Fallback = fallback != 0
		res = append(res, inv)
	}
	return res, rows.Err()
}
