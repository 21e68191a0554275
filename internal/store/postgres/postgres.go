package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/rakunlabs/concierge/internal/config"
	"github.com/rakunlabs/concierge/internal/service"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/doug-martin/goqu/v9/exp"
)

var (
	ConnMaxLifetime = 15 * time.Minute
	MaxIdleConns    = 3
	MaxOpenConns    = 3

	DefaultTablePrefix = "concierge_"
)

// Postgres is the relational session store for multi-pod deployments. Two
// tables hold the per-session stage slot and the keyed state; writes upsert
// via ON CONFLICT and Clear runs both deletes in one transaction.
type Postgres struct {
	db   *sql.DB
	goqu *goqu.Database

	tableStages exp.IdentifierExpression
	tableState  exp.IdentifierExpression

	stagesName string
	stateName  string
}

func New(ctx context.Context, cfg config.Store) (*Postgres, error) {
	if cfg.URL == "" {
		return nil, errors.New("postgres datasource is required")
	}

	tablePrefix := DefaultTablePrefix
	if cfg.TablePrefix != nil {
		tablePrefix = *cfg.TablePrefix
	}

	db, err := sql.Open("pgx", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()

		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	// /////////////////////////////////////////////
	// Run migrations.
	migrate := cfg.Migrate
	if migrate.Table == "" {
		migrate.Table = "migrations"
	}

	migrate.Table = tablePrefix + migrate.Table
	if migrate.Values == nil {
		migrate.Values = make(map[string]string)
	}
	migrate.Values["TABLE_PREFIX"] = tablePrefix

	if err := MigrateDB(ctx, &migrate, db); err != nil {
		db.Close()

		return nil, fmt.Errorf("migrate state postgres: %w", err)
	}
	// /////////////////////////////////////////////

	if cfg.ConnMaxLifetime != nil {
		ConnMaxLifetime = *cfg.ConnMaxLifetime
	}
	if cfg.MaxIdleConns != nil {
		MaxIdleConns = *cfg.MaxIdleConns
	}
	if cfg.MaxOpenConns != nil {
		MaxOpenConns = *cfg.MaxOpenConns
	}

	db.SetConnMaxLifetime(ConnMaxLifetime)
	db.SetMaxIdleConns(MaxIdleConns)
	db.SetMaxOpenConns(MaxOpenConns)

	slog.Info("connected to state postgres")

	return &Postgres{
		db:          db,
		goqu:        goqu.New("postgres", db),
		tableStages: goqu.T(tablePrefix + "session_stages"),
		tableState:  goqu.T(tablePrefix + "session_state"),
		stagesName:  tablePrefix + "session_stages",
		stateName:   tablePrefix + "session_state",
	}, nil
}

func (p *Postgres) Close() {
	if p.db != nil {
		if err := p.db.Close(); err != nil {
			slog.Error("close state postgres connection", "error", err)
		}
	}
}

// ─── Stage slot ───

func (p *Postgres) GetStage(ctx context.Context, sessionID string) (string, error) {
	query, _, err := p.goqu.From(p.tableStages).
		Select("stage").
		Where(goqu.I("session_id").Eq(sessionID)).
		ToSQL()
	if err != nil {
		return "", fmt.Errorf("build stage query: %w", err)
	}

	var stage string
	err = p.db.QueryRowContext(ctx, query).Scan(&stage)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get stage for %q: %w", sessionID, err)
	}

	return stage, nil
}

func (p *Postgres) SetStage(ctx context.Context, sessionID, stage string) error {
	now := time.Now().UTC()

	query, _, err := p.goqu.Insert(p.tableStages).Rows(
		goqu.Record{
			"session_id": sessionID,
			"stage":      stage,
			"updated_at": now,
		},
	).OnConflict(goqu.DoUpdate("session_id", goqu.Record{
		"stage":      stage,
		"updated_at": now,
	})).ToSQL()
	if err != nil {
		return fmt.Errorf("build stage upsert: %w", err)
	}

	if _, err := p.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("set stage for %q: %w", sessionID, err)
	}

	return nil
}

func (p *Postgres) DeleteStage(ctx context.Context, sessionID string) error {
	query, _, err := p.goqu.Delete(p.tableStages).
		Where(goqu.I("session_id").Eq(sessionID)).
		ToSQL()
	if err != nil {
		return fmt.Errorf("build stage delete: %w", err)
	}

	if _, err := p.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("delete stage for %q: %w", sessionID, err)
	}

	return nil
}

// ─── Keyed state ───

func (p *Postgres) Get(ctx context.Context, sessionID, key string) (any, error) {
	query, _, err := p.goqu.From(p.tableState).
		Select("value").
		Where(goqu.I("session_id").Eq(sessionID), goqu.I("key").Eq(key)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build state query: %w", err)
	}

	var raw []byte
	err = p.db.QueryRowContext(ctx, query).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get state %s/%s: %w", sessionID, key, err)
	}

	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, fmt.Errorf("unmarshal state %s/%s: %w", sessionID, key, err)
	}

	return value, nil
}

func (p *Postgres) Set(ctx context.Context, sessionID, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("%w: %s", service.ErrSerialization, err)
	}

	now := time.Now().UTC()

	query, _, err := p.goqu.Insert(p.tableState).Rows(
		goqu.Record{
			"session_id": sessionID,
			"key":        key,
			"value":      raw,
			"updated_at": now,
		},
	).OnConflict(goqu.DoUpdate("session_id, key", goqu.Record{
		"value":      raw,
		"updated_at": now,
	})).ToSQL()
	if err != nil {
		return fmt.Errorf("build state upsert: %w", err)
	}

	if _, err := p.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("set state %s/%s: %w", sessionID, key, err)
	}

	return nil
}

func (p *Postgres) Delete(ctx context.Context, sessionID, key string) error {
	query, _, err := p.goqu.Delete(p.tableState).
		Where(goqu.I("session_id").Eq(sessionID), goqu.I("key").Eq(key)).
		ToSQL()
	if err != nil {
		return fmt.Errorf("build state delete: %w", err)
	}

	if _, err := p.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("delete state %s/%s: %w", sessionID, key, err)
	}

	return nil
}

func (p *Postgres) Keys(ctx context.Context, sessionID string) ([]string, error) {
	query, _, err := p.goqu.From(p.tableState).
		Select("key").
		Where(goqu.I("session_id").Eq(sessionID)).
		Order(goqu.I("key").Asc()).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build keys query: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list keys for %q: %w", sessionID, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scan key row: %w", err)
		}
		keys = append(keys, key)
	}

	return keys, rows.Err()
}

// ─── Session lifecycle ───

func (p *Postgres) Clear(ctx context.Context, sessionID string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	deleteStages, _, err := p.goqu.Delete(p.tableStages).
		Where(goqu.I("session_id").Eq(sessionID)).
		ToSQL()
	if err != nil {
		return fmt.Errorf("build stage delete: %w", err)
	}

	deleteState, _, err := p.goqu.Delete(p.tableState).
		Where(goqu.I("session_id").Eq(sessionID)).
		ToSQL()
	if err != nil {
		return fmt.Errorf("build state delete: %w", err)
	}

	if _, err := tx.ExecContext(ctx, deleteStages); err != nil {
		return fmt.Errorf("clear stage for %q: %w", sessionID, err)
	}

	if _, err := tx.ExecContext(ctx, deleteState); err != nil {
		return fmt.Errorf("clear state for %q: %w", sessionID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit clear for %q: %w", sessionID, err)
	}

	return nil
}

func (p *Postgres) EvictBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	// A session is stale when its newest write across both tables is older
	// than the cutoff.
	staleQuery := fmt.Sprintf(`
		SELECT session_id FROM (
			SELECT session_id, MAX(updated_at) AS last_write FROM (
				SELECT session_id, updated_at FROM %s
				UNION ALL
				SELECT session_id, updated_at FROM %s
			) writes GROUP BY session_id
		) sessions WHERE last_write < $1`, p.stagesName, p.stateName)

	rows, err := tx.QueryContext(ctx, staleQuery, cutoff)
	if err != nil {
		return 0, fmt.Errorf("list stale sessions: %w", err)
	}

	var stale []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan stale session row: %w", err)
		}
		stale = append(stale, id)
	}
	rows.Close()

	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate stale session rows: %w", err)
	}

	if len(stale) == 0 {
		return 0, tx.Commit()
	}

	deleteStages, _, err := p.goqu.Delete(p.tableStages).
		Where(goqu.I("session_id").In(stale)).
		ToSQL()
	if err != nil {
		return 0, fmt.Errorf("build stage eviction: %w", err)
	}

	deleteState, _, err := p.goqu.Delete(p.tableState).
		Where(goqu.I("session_id").In(stale)).
		ToSQL()
	if err != nil {
		return 0, fmt.Errorf("build state eviction: %w", err)
	}

	if _, err := tx.ExecContext(ctx, deleteStages); err != nil {
		return 0, fmt.Errorf("evict stale stages: %w", err)
	}

	if _, err := tx.ExecContext(ctx, deleteState); err != nil {
		return 0, fmt.Errorf("evict stale state: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit eviction: %w", err)
	}

	return int64(len(stale)), nil
}
