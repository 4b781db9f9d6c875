package app

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"orderline/internal/config"
	"orderline/internal/db"
	"orderline/internal/domain"
	"orderline/internal/engine"
	"orderline/internal/finops"
	"orderline/internal/migrate"
	"orderline/internal/repo"
	"orderline/internal/report"
	"orderline/internal/skills"
)

// App wires the database, config and engines together for the CLI and
// the API server.
type App struct {
	DB        *sql.DB
	Config    *config.Config
	Repo      repo.Repo
	Engine    *engine.Engine
	Allocator finops.Allocator
	Reporter  report.Reporter
}

// Open opens the workspace database, applies migrations, loads
// orderline.yml and registers the configured skills, routing and agents.
func Open(ctx context.Context, workspace string) (*App, error) {
	cfg, err := config.Load(workspace)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	a := New(conn, cfg)
	if err := a.SyncConfig(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return a, nil
}

// New assembles an App over an already migrated database.
func New(conn *sql.DB, cfg *config.Config) *App {
	return &App{
		DB:        conn,
		Config:    cfg,
		Repo:      repo.Repo{DB: conn},
		Engine:    engine.New(conn, cfg),
		Allocator: finops.New(conn, cfg),
		Reporter:  report.New(conn, cfg),
	}
}

// SyncConfig upserts the config's skills, routing policies and agents
// into the database and binds built-in executors to the skills.
func (a *App) SyncConfig(ctx context.Context) error {
	now := a.Engine.Now().UTC().Format(time.RFC3339)
	for _, s := range a.Config.Skills {
		if err := a.Repo.UpsertSkillRegistration(ctx, domain.SkillRegistration{
			SkillID:      s.ID,
			Version:      s.Version,
			Capability:   s.Capability,
			Status:       "APPROVED",
			Inputs:       s.Inputs,
			Outputs:      s.Outputs,
			RegisteredAt: now,
		}); err != nil {
			return fmt.Errorf("register skill %s@%s: %w", s.ID, s.Version, err)
		}
		a.bindBuiltin(s)
	}
	for _, r := range a.Config.Routing {
		p := domain.RoutingPolicy{
			Intent:         r.Intent,
			Kind:           r.Kind,
			PrimarySkill:   r.PrimarySkill,
			PrimaryVersion: r.PrimaryVersion,
			MaxRetries:     r.MaxRetries,
			EscalationType: r.EscalationType,
			UpdatedAt:      now,
		}
		if r.FallbackSkill != "" {
			fs, fv := r.FallbackSkill, r.FallbackVersion
			p.FallbackSkill = &fs
			p.FallbackVersion = &fv
		}
		if err := a.Repo.UpsertRoutingPolicy(ctx, p); err != nil {
			return fmt.Errorf("register routing %s/%s: %w", r.Intent, r.Kind, err)
		}
	}
	for _, ag := range a.Config.Agents {
		if err := a.Repo.UpsertAgent(ctx, domain.Agent{
			ID:         ag.ID,
			Name:       ag.Name,
			Governance: ag.Governance,
			CreatedAt:  now,
		}); err != nil {
			return fmt.Errorf("register agent %s: %w", ag.ID, err)
		}
	}
	return nil
}

// bindBuiltin attaches the built-in executor matching a skill's declared
// capability kind.
func (a *App) bindBuiltin(s config.SkillDef) {
	ref := skills.Ref{SkillID: s.ID, Version: s.Version}
	switch {
	case strings.HasSuffix(s.Capability, "/PRODUCT"):
		a.Engine.Router.Bind(ref, skills.ShipProduct{Carrier: s.ID})
	case strings.HasSuffix(s.Capability, "/SERVICE"):
		a.Engine.Router.Bind(ref, skills.DeliverService{})
	}
}

// Bind exposes executor binding for callers that supply their own skills.
func (a *App) Bind(skillID, version string, s skills.Skill) {
	a.Engine.Router.Bind(skills.Ref{SkillID: skillID, Version: version}, s)
}

func (a *App) Close() error {
	return a.DB.Close()
}
