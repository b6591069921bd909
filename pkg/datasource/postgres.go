package datasource

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrConversationNotFound = errors.New("conversation not found")

// StoreConfig holds the configuration for the postgres-backed datasource and
// conversation repositories.
type StoreConfig struct {
	Logger  *slog.Logger
	ConnStr string

	MaxConns int32
}

func (cfg *StoreConfig) Validate() error {
	if cfg.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	if cfg.ConnStr == "" {
		return fmt.Errorf("postgres connection string is required")
	}
	if cfg.MaxConns == 0 {
		cfg.MaxConns = 10
	}
	return nil
}

// Store implements Loader and Conversations backed by postgres. The
// datasources and conversations tables are owned by the chat application;
// this layer only ever reads them.
type Store struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

func NewStore(ctx context.Context, cfg StoreConfig) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.ConnStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres config: %w", err)
	}
	poolConfig.MaxConns = cfg.MaxConns
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	return &Store{log: cfg.Logger, pool: pool}, nil
}

func (s *Store) LoadDatasources(ctx context.Context, ids []string) ([]Datasource, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, provider, display_name, config
		FROM datasources
		WHERE id = ANY($1)
	`, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to query datasources: %w", err)
	}
	defer rows.Close()

	byID := make(map[string]Datasource, len(ids))
	for rows.Next() {
		var (
			ds     Datasource
			config []byte
		)
		if err := rows.Scan(&ds.ID, &ds.Provider, &ds.DisplayName, &config); err != nil {
			return nil, fmt.Errorf("failed to scan datasource row: %w", err)
		}
		if len(config) > 0 {
			if err := json.Unmarshal(config, &ds.Config); err != nil {
				return nil, fmt.Errorf("failed to decode config for datasource %s: %w", ds.ID, err)
			}
		}
		byID[ds.ID] = ds
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating datasource rows: %w", err)
	}

	// Preserve the caller's ordering; unknown ids are skipped, not errors.
	out := make([]Datasource, 0, len(ids))
	for _, id := range ids {
		ds, ok := byID[id]
		if !ok {
			s.log.Warn("datasource not found, skipping", "id", id)
			continue
		}
		out = append(out, ds)
	}
	return out, nil
}

func (s *Store) GetConversationBySlug(ctx context.Context, slug string) (Conversation, error) {
	var conv Conversation
	err := s.pool.QueryRow(ctx, `
		SELECT slug, datasource_ids
		FROM conversations
		WHERE slug = $1
	`, slug).Scan(&conv.Slug, &conv.DatasourceIDs)
	if errors.Is(err, pgx.ErrNoRows) {
		return Conversation{}, fmt.Errorf("%w: %s", ErrConversationNotFound, slug)
	}
	if err != nil {
		return Conversation{}, fmt.Errorf("failed to query conversation %s: %w", slug, err)
	}
	return conv, nil
}

func (s *Store) Close() {
	s.pool.Close()
}
