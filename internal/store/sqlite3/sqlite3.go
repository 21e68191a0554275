package sqlite3

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/rakunlabs/concierge/internal/config"
	"github.com/rakunlabs/concierge/internal/service"

	_ "modernc.org/sqlite"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	"github.com/doug-martin/goqu/v9/exp"
)

var DefaultTablePrefix = "concierge_"

// SQLite is the embedded session store for single-node deployments that need
// persistence across restarts. Same table shape as the postgres backend.
type SQLite struct {
	db   *sql.DB
	goqu *goqu.Database

	tableStages exp.IdentifierExpression
	tableState  exp.IdentifierExpression

	stagesName string
	stateName  string
}

func New(ctx context.Context, cfg config.Store) (*SQLite, error) {
	datasource := strings.TrimPrefix(cfg.URL, "sqlite://")
	if datasource == "" {
		return nil, errors.New("sqlite datasource is required")
	}

	tablePrefix := DefaultTablePrefix
	if cfg.TablePrefix != nil {
		tablePrefix = *cfg.TablePrefix
	}

	db, err := sql.Open("sqlite", datasource)
	if err != nil {
		return nil, fmt.Errorf("open sqlite connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()

		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()

		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	// SQLite is single-writer; limit connections accordingly.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

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

		return nil, fmt.Errorf("migrate state sqlite: %w", err)
	}
	// /////////////////////////////////////////////

	slog.Info("connected to state sqlite")

	return &SQLite{
		db:          db,
		goqu:        goqu.New("sqlite3", db),
		tableStages: goqu.T(tablePrefix + "session_stages"),
		tableState:  goqu.T(tablePrefix + "session_state"),
		stagesName:  tablePrefix + "session_stages",
		stateName:   tablePrefix + "session_state",
	}, nil
}

func (s *SQLite) Close() {
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			slog.Error("close state sqlite connection", "error", err)
		}
	}
}

// ─── Stage slot ───

func (s *SQLite) GetStage(ctx context.Context, sessionID string) (string, error) {
	query, _, err := s.goqu.From(s.tableStages).
		Select("stage").
		Where(goqu.I("session_id").Eq(sessionID)).
		ToSQL()
	if err != nil {
		return "", fmt.Errorf("build stage query: %w", err)
	}

	var stage string
	err = s.db.QueryRowContext(ctx, query).Scan(&stage)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get stage for %q: %w", sessionID, err)
	}

	return stage, nil
}

func (s *SQLite) SetStage(ctx context.Context, sessionID, stage string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)

	query, _, err := s.goqu.Insert(s.tableStages).Rows(
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

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("set stage for %q: %w", sessionID, err)
	}

	return nil
}

func (s *SQLite) DeleteStage(ctx context.Context, sessionID string) error {
	query, _, err := s.goqu.Delete(s.tableStages).
		Where(goqu.I("session_id").Eq(sessionID)).
		ToSQL()
	if err != nil {
		return fmt.Errorf("build stage delete: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("delete stage for %q: %w", sessionID, err)
	}

	return nil
}

// ─── Keyed state ───

func (s *SQLite) Get(ctx context.Context, sessionID, key string) (any, error) {
	query, _, err := s.goqu.From(s.tableState).
		Select("value").
		Where(goqu.I("session_id").Eq(sessionID), goqu.I("key").Eq(key)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build state query: %w", err)
	}

	var raw string
	err = s.db.QueryRowContext(ctx, query).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get state %s/%s: %w", sessionID, key, err)
	}

	var value any
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		return nil, fmt.Errorf("unmarshal state %s/%s: %w", sessionID, key, err)
	}

	return value, nil
}

func (s *SQLite) Set(ctx context.Context, sessionID, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("%w: %s", service.ErrSerialization, err)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)

	query, _, err := s.goqu.Insert(s.tableState).Rows(
		goqu.Record{
			"session_id": sessionID,
			"key":        key,
			"value":      string(raw),
			"updated_at": now,
		},
	).OnConflict(goqu.DoUpdate("session_id, key", goqu.Record{
		"value":      string(raw),
		"updated_at": now,
	})).ToSQL()
	if err != nil {
		return fmt.Errorf("build state upsert: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("set state %s/%s: %w", sessionID, key, err)
	}

	return nil
}

func (s *SQLite) Delete(ctx context.Context, sessionID, key string) error {
	query, _, err := s.goqu.Delete(s.tableState).
		Where(goqu.I("session_id").Eq(sessionID), goqu.I("key").Eq(key)).
		ToSQL()
	if err != nil {
		return fmt.Errorf("build state delete: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("delete state %s/%s: %w", sessionID, key, err)
	}

	return nil
}

func (s *SQLite) Keys(ctx context.Context, sessionID string) ([]string, error) {
	query, _, err := s.goqu.From(s.tableState).
		Select("key").
		Where(goqu.I("session_id").Eq(sessionID)).
		Order(goqu.I("key").Asc()).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build keys query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query)
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

func (s *SQLite) Clear(ctx context.Context, sessionID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	deleteStages, _, err := s.goqu.Delete(s.tableStages).
		Where(goqu.I("session_id").Eq(sessionID)).
		ToSQL()
	if err != nil {
		return fmt.Errorf("build stage delete: %w", err)
	}

	deleteState, _, err := s.goqu.Delete(s.tableState).
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

func (s *SQLite) EvictBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	// RFC3339Nano timestamps in UTC compare as text in time order down to the
	// second; RFC3339Nano drops trailing zeros of the fraction, so within one
	// second the text order can differ from the time order.
	staleQuery := fmt.Sprintf(`
		SELECT session_id FROM (
			SELECT session_id, MAX(updated_at) AS last_write FROM (
				SELECT session_id, updated_at FROM %s
				UNION ALL
				SELECT session_id, updated_at FROM %s
			) GROUP BY session_id
		) WHERE last_write < ?`, s.stagesName, s.stateName)

	rows, err := tx.QueryContext(ctx, staleQuery, cutoff.UTC().Format(time.RFC3339Nano))
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

	deleteStages, _, err := s.goqu.Delete(s.tableStages).
		Where(goqu.I("session_id").In(stale)).
		ToSQL()
	if err != nil {
		return 0, fmt.Errorf("build stage eviction: %w", err)
	}

	deleteState, _, err := s.goqu.Delete(s.tableState).
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
