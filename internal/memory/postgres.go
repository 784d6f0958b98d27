package memory

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

//go:embed migrations/*.up.sql
var migrations embed.FS

// PostgresStore keeps turns in PostgreSQL, ordered by a serial column.
type PostgresStore struct {
	db        *pgxpool.Pool
	namespace string
	logger    *zap.Logger
}

// NewPostgresStore creates a store with a pgx connection pool.
func NewPostgresStore(ctx context.Context, dsn, namespace string, logger *zap.Logger) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	logger.Info("PostgreSQL memory connected", zap.String("namespace", namespace))
	return &PostgresStore{db: pool, namespace: namespace, logger: logger}, nil
}

// Migrate executes the embedded .up.sql files in name order.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	entries, err := fs.ReadDir(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".up.sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, f := range files {
		data, err := migrations.ReadFile("migrations/" + f)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}
		if _, err := s.db.Exec(ctx, string(data)); err != nil {
			return fmt.Errorf("exec migration %s: %w", f, err)
		}
		s.logger.Info("Migration applied", zap.String("file", f))
	}
	return nil
}

const upsertSession = `
	INSERT INTO memory_sessions (namespace, id) VALUES ($1, $2)
	ON CONFLICT (namespace, id) DO NOTHING`

// CreateIfAbsent implements Store.
func (s *PostgresStore) CreateIfAbsent(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return ErrEmptySessionID
	}
	if _, err := s.db.Exec(ctx, upsertSession, s.namespace, sessionID); err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// Append implements Store. All turns are written in one transaction.
func (s *PostgresStore) Append(ctx context.Context, sessionID string, turns ...Turn) error {
	turns = append([]Turn(nil), turns...)
	if err := prepare(sessionID, turns); err != nil {
		return err
	}

	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, upsertSession, s.namespace, sessionID); err != nil {
			return fmt.Errorf("create session: %w", err)
		}
		for _, t := range turns {
			_, err := tx.Exec(ctx, `
				INSERT INTO memory_turns (id, namespace, session_id, role, text, created_at)
				VALUES ($1, $2, $3, $4, $5, $6)`,
				t.ID, s.namespace, sessionID, string(t.Role), t.Text, t.Timestamp,
			)
			if err != nil {
				return fmt.Errorf("insert turn: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("append turns: %w", err)
	}
	return nil
}

// Recall implements Store.
func (s *PostgresStore) Recall(ctx context.Context, sessionID string, limit int) (History, error) {
	query := `
		SELECT id, role, text, created_at FROM (
			SELECT seq, id, role, text, created_at
			FROM memory_turns
			WHERE namespace = $1 AND session_id = $2
			ORDER BY seq DESC
			LIMIT $3
		) recent ORDER BY seq ASC`
	var lim interface{}
	if limit > 0 {
		lim = limit
	}

	rows, err := s.db.Query(ctx, query, s.namespace, sessionID, lim)
	if err != nil {
		return History{}, fmt.Errorf("recall turns: %w", err)
	}
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		var t Turn
		var role string
		if err := rows.Scan(&t.ID, &role, &t.Text, &t.Timestamp); err != nil {
			return History{}, fmt.Errorf("scan turn: %w", err)
		}
		t.Role = Role(role)
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return History{}, fmt.Errorf("recall turns: %w", err)
	}
	return History{turns: turns}, nil
}

// Close shuts down the connection pool.
func (s *PostgresStore) Close() {
	s.db.Close()
}
