package lookup

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fpang/shipment-bundler/internal/fault"
)

// Querier is the subset of pgxpool.Pool used here.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PostgresStore resolves ids over a direct Postgres connection pool.
type PostgresStore struct {
	db Querier
}

// NewPostgresStore wraps a pool or connection.
func NewPostgresStore(db Querier) *PostgresStore {
	return &PostgresStore{db: db}
}

// OpenPostgres connects a pool to dsn and verifies it with a ping.
func OpenPostgres(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

// Resolve implements Resolver.
func (s *PostgresStore) Resolve(ctx context.Context, ids []string) (map[string][]string, error) {
	found := make(map[string][]string)
	sql := fmt.Sprintf(Query, "$1")
	for _, group := range chunks(ids, chunkSize) {
		rows, err := s.db.Query(ctx, sql, group)
		if err != nil {
			return nil, fault.Transient("lookup images", err)
		}
		type row struct {
			ID   string
			Path string
		}
		got, err := pgx.CollectRows(rows, func(r pgx.CollectableRow) (row, error) {
			var out row
			err := r.Scan(&out.ID, &out.Path)
			return out, err
		})
		if err != nil {
			return nil, fault.Transient("scan image rows", err)
		}
		for _, r := range got {
			if r.Path != "" {
				found[r.ID] = append(found[r.ID], r.Path)
			}
		}
	}
	return complete(ids, found), nil
}
