package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/karst-storage/karst/internal/model"
)

// PostgresNodeTable persists datanode details in a PostgreSQL table. Details
// are stored as a JSONB document keyed by node ID so schema changes in the
// descriptive fields never require a migration.
type PostgresNodeTable struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresNodeTable creates the node table store and verifies the
// connection.
func NewPostgresNodeTable(
	host string,
	port int,
	database string,
	user string,
	password string,
	maxConns int,
	minConns int,
	logger *zap.Logger,
) (*PostgresNodeTable, error) {
	connString := fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?pool_max_conns=%d&pool_min_conns=%d",
		user, password, host, port, database, maxConns, minConns,
	)

	pool, err := pgxpool.New(context.Background(), connString)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("Connected to node table database",
		zap.String("host", host),
		zap.Int("port", port),
		zap.String("database", database))

	return &PostgresNodeTable{pool: pool, logger: logger}, nil
}

// Get retrieves the persisted details for a node.
func (s *PostgresNodeTable) Get(ctx context.Context, id model.DatanodeID) (*model.DatanodeDetails, error) {
	query := `SELECT details FROM datanodes WHERE node_id = $1`

	var raw []byte
	err := s.pool.QueryRow(ctx, query, string(id)).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get node %s: %w", id, err)
	}

	return decodeDetails(raw)
}

// Put inserts or replaces the persisted details for a node.
func (s *PostgresNodeTable) Put(ctx context.Context, details *model.DatanodeDetails) error {
	raw, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("failed to encode node %s: %w", details.ID, err)
	}

	query := `
		INSERT INTO datanodes (node_id, details, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (node_id) DO UPDATE SET details = $2, updated_at = NOW()
	`

	if _, err := s.pool.Exec(ctx, query, string(details.ID), raw); err != nil {
		return fmt.Errorf("failed to put node %s: %w", details.ID, err)
	}
	return nil
}

// Delete removes the persisted details for a node.
func (s *PostgresNodeTable) Delete(ctx context.Context, id model.DatanodeID) error {
	query := `DELETE FROM datanodes WHERE node_id = $1`

	if _, err := s.pool.Exec(ctx, query, string(id)); err != nil {
		return fmt.Errorf("failed to delete node %s: %w", id, err)
	}
	return nil
}

// Iterator opens an ordered forward-only scan over all persisted nodes.
func (s *PostgresNodeTable) Iterator(ctx context.Context) (NodeIterator, error) {
	query := `SELECT details FROM datanodes ORDER BY node_id`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to open node iterator: %w", err)
	}
	return &pgNodeIterator{rows: rows}, nil
}

// Count returns the number of persisted nodes.
func (s *PostgresNodeTable) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM datanodes`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count nodes: %w", err)
	}
	return count, nil
}

// Ping checks the database connection.
func (s *PostgresNodeTable) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the connection pool.
func (s *PostgresNodeTable) Close() {
	s.pool.Close()
}

type pgNodeIterator struct {
	rows pgx.Rows
}

func (it *pgNodeIterator) Next() bool { return it.rows.Next() }

func (it *pgNodeIterator) Value() (*model.DatanodeDetails, error) {
	var raw []byte
	if err := it.rows.Scan(&raw); err != nil {
		return nil, fmt.Errorf("failed to scan node row: %w", err)
	}
	return decodeDetails(raw)
}

func (it *pgNodeIterator) Err() error { return it.rows.Err() }

func (it *pgNodeIterator) Close() error {
	it.rows.Close()
	return nil
}

func decodeDetails(raw []byte) (*model.DatanodeDetails, error) {
	var details model.DatanodeDetails
	if err := json.Unmarshal(raw, &details); err != nil {
		return nil, fmt.Errorf("failed to decode node details: %w", err)
	}
	return &details, nil
}
