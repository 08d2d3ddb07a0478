package assign

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fieldtrial-io/fieldtrial/internal/api"
)

// RedisStore implements Store using Redis SETNX for atomic
// first-write-wins. Assignments never expire (they are immutable while
// the experiment exists), so keys are written without TTL.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a Redis-backed assignment store.
func NewRedisStore(addr, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return &RedisStore{client: client}, nil
}

func redisKey(subjectID, experimentID string) string {
	return fmt.Sprintf("assign:%s:%s", experimentID, subjectID)
}

func (r *RedisStore) Get(ctx context.Context, subjectID, experimentID string) (*api.Assignment, error) {
	data, err := r.client.Get(ctx, redisKey(subjectID, experimentID)).Result()
	if err == redis.Nil {
		return nil, nil // not found
	}
	if err != nil {
		return nil, fmt.Errorf("redis GET failed: %w", err)
	}

	var a api.Assignment
	if err := json.Unmarshal([]byte(data), &a); err != nil {
		return nil, fmt.Errorf("failed to unmarshal assignment: %w", err)
	}
	return &a, nil
}

func (r *RedisStore) Put(ctx context.Context, a *api.Assignment) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to marshal assignment: %w", err)
	}

	// SETNX without expiry: atomic first-write-wins. A false result
	// means a concurrent writer won the race; both writers computed the
	// same deterministic variant, so losing is not an error.
	if err := r.client.SetNX(ctx, redisKey(a.SubjectID, a.ExperimentID), data, 0).Err(); err != nil {
		return fmt.Errorf("redis SETNX failed: %w", err)
	}
	return nil
}

func (r *RedisStore) List(ctx context.Context, experimentID string) ([]*api.Assignment, error) {
	pattern := "assign:*"
	if experimentID != "" {
		pattern = fmt.Sprintf("assign:%s:*", experimentID)
	}

	var out []*api.Assignment
	iter := r.client.Scan(ctx, 0, pattern, 1000).Iterator()
	for iter.Next(ctx) {
		data, err := r.client.Get(ctx, iter.Val()).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("redis GET during scan failed: %w", err)
		}
		var a api.Assignment
		if err := json.Unmarshal([]byte(data), &a); err != nil {
			return nil, fmt.Errorf("failed to unmarshal assignment: %w", err)
		}
		out = append(out, &a)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis SCAN failed: %w", err)
	}
	return out, nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}

// Client exposes the underlying connection so other Redis-backed layers
// (the shared aggregator) can reuse it.
func (r *RedisStore) Client() *redis.Client {
	return r.client
}

// PostgresStore implements Store using a primary-key constraint with
// ON CONFLICT DO NOTHING for atomic first-write-wins.
//
// Schema:
//
//	CREATE TABLE assignments (
//	  experiment_id VARCHAR(255) NOT NULL,
//	  subject_id    VARCHAR(255) NOT NULL,
//	  variant_id    VARCHAR(255) NOT NULL,
//	  assigned_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
//	  PRIMARY KEY (experiment_id, subject_id)
//	);
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a Postgres-backed assignment store.
func NewPostgresStore(connStr string) (*PostgresStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping failed: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) Get(ctx context.Context, subjectID, experimentID string) (*api.Assignment, error) {
	query := `
		SELECT experiment_id, subject_id, variant_id, assigned_at
		FROM assignments
		WHERE experiment_id = $1 AND subject_id = $2
	`

	var a api.Assignment
	err := p.pool.QueryRow(ctx, query, experimentID, subjectID).
		Scan(&a.ExperimentID, &a.SubjectID, &a.VariantID, &a.AssignedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres query failed: %w", err)
	}
	return &a, nil
}

func (p *PostgresStore) Put(ctx context.Context, a *api.Assignment) error {
	// ON CONFLICT DO NOTHING: atomic first-write-wins via the composite
	// primary key.
	query := `
		INSERT INTO assignments (experiment_id, subject_id, variant_id, assigned_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (experiment_id, subject_id) DO NOTHING
	`

	_, err := p.pool.Exec(ctx, query, a.ExperimentID, a.SubjectID, a.VariantID, a.AssignedAt)
	if err != nil {
		return fmt.Errorf("postgres insert failed: %w", err)
	}
	return nil
}

func (p *PostgresStore) List(ctx context.Context, experimentID string) ([]*api.Assignment, error) {
	query := `
		SELECT experiment_id, subject_id, variant_id, assigned_at
		FROM assignments
	`
	args := []any{}
	if experimentID != "" {
		query += ` WHERE experiment_id = $1`
		args = append(args, experimentID)
	}

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres query failed: %w", err)
	}
	defer rows.Close()

	var out []*api.Assignment
	for rows.Next() {
		var a api.Assignment
		if err := rows.Scan(&a.ExperimentID, &a.SubjectID, &a.VariantID, &a.AssignedAt); err != nil {
			return nil, fmt.Errorf("postgres scan failed: %w", err)
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Close() error {
	p.pool.Close()
	return nil
}
