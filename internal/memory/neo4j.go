package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"
)

// Neo4jStore keeps each session as a (:Session)-[:HAS_TURN]->(:Turn) graph
// with a per-session sequence number on every turn.
type Neo4jStore struct {
	driver    neo4j.DriverWithContext
	namespace string
	logger    *zap.Logger
}

// NewNeo4jStore creates a new Neo4j-backed store.
func NewNeo4jStore(ctx context.Context, uri, user, password, namespace string, logger *zap.Logger) (*Neo4jStore, error) {
	auth := neo4j.NoAuth()
	if user != "" {
		auth = neo4j.BasicAuth(user, password, "")
	}
	driver, err := neo4j.NewDriverWithContext(uri, auth)
	if err != nil {
		return nil, fmt.Errorf("create neo4j driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		driver.Close(ctx)
		return nil, fmt.Errorf("verify neo4j: %w", err)
	}
	logger.Info("Neo4j memory connected", zap.String("namespace", namespace))
	return &Neo4jStore{driver: driver, namespace: namespace, logger: logger}, nil
}

// Close shuts down the Neo4j driver.
func (s *Neo4jStore) Close(ctx context.Context) error {
	return s.driver.Close(ctx)
}

// CreateIfAbsent implements Store.
func (s *Neo4jStore) CreateIfAbsent(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return ErrEmptySessionID
	}
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		_, err := tx.Run(ctx,
			`MERGE (s:Session {namespace: $ns, id: $id})
			 ON CREATE SET s.next_seq = 0, s.created_at = datetime()`,
			map[string]interface{}{"ns": s.namespace, "id": sessionID})
		return nil, err
	})
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// Append implements Store. The session's next_seq counter is advanced in the
// same write transaction, which serializes concurrent appends to a session.
func (s *Neo4jStore) Append(ctx context.Context, sessionID string, turns ...Turn) error {
	turns = append([]Turn(nil), turns...)
	if err := prepare(sessionID, turns); err != nil {
		return err
	}
	if len(turns) == 0 {
		return s.CreateIfAbsent(ctx, sessionID)
	}
	rows := make([]map[string]interface{}, len(turns))
	for i, t := range turns {
		rows[i] = map[string]interface{}{
			"id":   t.ID,
			"role": string(t.Role),
			"text": t.Text,
			"ts":   t.Timestamp.UnixNano(),
			"off":  int64(i),
		}
	}

	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		_, err := tx.Run(ctx,
			`MERGE (s:Session {namespace: $ns, id: $id})
			 ON CREATE SET s.next_seq = 0, s.created_at = datetime()
			 SET s._lock = true
			 WITH s, s.next_seq AS base
			 UNWIND $turns AS t
			 CREATE (s)-[:HAS_TURN]->(:Turn {
			   id: t.id, role: t.role, text: t.text, ts: t.ts, seq: base + t.off
			 })
			 WITH s, base, count(*) AS n
			 SET s.next_seq = base + n
			 REMOVE s._lock`,
			map[string]interface{}{"ns": s.namespace, "id": sessionID, "turns": rows})
		return nil, err
	})
	if err != nil {
		return fmt.Errorf("append turns: %w", err)
	}
	return nil
}

// Recall implements Store.
func (s *Neo4jStore) Recall(ctx context.Context, sessionID string, limit int) (History, error) {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	query := `MATCH (:Session {namespace: $ns, id: $id})-[:HAS_TURN]->(t:Turn)
		RETURN t.id AS id, t.role AS role, t.text AS text, t.ts AS ts, t.seq AS seq
		ORDER BY t.seq DESC`
	params := map[string]interface{}{"ns": s.namespace, "id": sessionID}
	if limit > 0 {
		query += ` LIMIT $limit`
		params["limit"] = int64(limit)
	}

	out, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, query, params)
		if err != nil {
			return nil, err
		}
		var turns []Turn
		for result.Next(ctx) {
			rec := result.Record()
			var t Turn
			if v, ok := rec.Get("id"); ok && v != nil {
				t.ID = v.(string)
			}
			if v, ok := rec.Get("role"); ok && v != nil {
				t.Role = Role(v.(string))
			}
			if v, ok := rec.Get("text"); ok && v != nil {
				t.Text = v.(string)
			}
			if v, ok := rec.Get("ts"); ok && v != nil {
				t.Timestamp = time.Unix(0, v.(int64)).UTC()
			}
			turns = append(turns, t)
		}
		return turns, result.Err()
	})
	if err != nil {
		return History{}, fmt.Errorf("recall turns: %w", err)
	}

	turns, _ := out.([]Turn)
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return History{turns: turns}, nil
}
