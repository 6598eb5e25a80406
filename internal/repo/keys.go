package repo

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"sensornet/auth-gateway/internal/model"
)

// PgApiKeyRepository reads sensor api keys from PostgreSQL.
type PgApiKeyRepository struct {
	pool *pgxpool.Pool
}

// NewPgApiKeyRepository wraps a connection pool.
func NewPgApiKeyRepository(pool *pgxpool.Pool) *PgApiKeyRepository {
	return &PgApiKeyRepository{pool: pool}
}

const selectKeys = `SELECT api_key, revoked FROM api_keys`

// GetAllKeys fetches every sensor key.
func (r *PgApiKeyRepository) GetAllKeys(ctx context.Context) ([]model.ApiKey, error) {
	rows, err := r.pool.Query(ctx, selectKeys)
	if err != nil {
		return nil, fmt.Errorf("query api keys: %w", err)
	}
	defer rows.Close()

	var keys []model.ApiKey
	for rows.Next() {
		var k model.ApiKey
		if err := rows.Scan(&k.Key, &k.Revoked); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, k)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read api keys: %w", err)
	}

	return keys, nil
}

// GetKey fetches one sensor key; a missing row yields (nil, nil).
func (r *PgApiKeyRepository) GetKey(ctx context.Context, key string) (*model.ApiKey, error) {
	var k model.ApiKey

	row := r.pool.QueryRow(ctx, selectKeys+` WHERE api_key = $1`, key)
	if err := row.Scan(&k.Key, &k.Revoked); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query api key: %w", err)
	}

	return &k, nil
}
