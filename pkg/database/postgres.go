package database

import (
	"context"
	"fmt"
	"strings"
	"time"

	tx "github.com/Thiht/transactor/pgx"
	pgxdecimal "github.com/jackc/pgx-shopspring-decimal"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coinloft/crypto-custody-app/backend/config"
)

// Postgres wraps the connection pool together with the transactor used to
// demarcate atomic multi-statement operations.
type Postgres struct {
	Pool       *pgxpool.Pool
	DBGetter   tx.DBGetter
	Transactor *tx.Transactor
}

type Option func(*settings)

type settings struct {
	maxPoolSize       int32
	connTimeout       time.Duration
	healthCheckPeriod time.Duration
	isolation         pgx.TxIsoLevel
}

func MaxPoolSize(size int32) Option {
	return func(s *settings) {
		s.maxPoolSize = size
	}
}

func ConnTimeout(seconds int) Option {
	return func(s *settings) {
		s.connTimeout = time.Duration(seconds) * time.Second
	}
}

func HealthCheckPeriod(minutes int) Option {
	return func(s *settings) {
		s.healthCheckPeriod = time.Duration(minutes) * time.Minute
	}
}

func Isolation(level pgx.TxIsoLevel) Option {
	return func(s *settings) {
		s.isolation = level
	}
}

// New connects to Postgres and builds the transactor on top of the pool.
func New(cfg *config.Config, opts ...Option) (*Postgres, error) {
	s := &settings{
		maxPoolSize:       10,
		connTimeout:       5 * time.Second,
		healthCheckPeriod: time.Minute,
		isolation:         pgx.ReadCommitted,
	}
	for _, opt := range opts {
		opt(s)
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DB.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	poolConfig.MaxConns = s.maxPoolSize
	poolConfig.ConnConfig.ConnectTimeout = s.connTimeout
	poolConfig.HealthCheckPeriod = s.healthCheckPeriod
	poolConfig.ConnConfig.RuntimeParams["default_transaction_isolation"] =
		strings.ToLower(string(s.isolation))

	// NUMERIC columns scan straight into shopspring decimals
	poolConfig.AfterConnect = func(_ context.Context, conn *pgx.Conn) error {
		pgxdecimal.Register(conn.TypeMap())
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.connTimeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err = pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	transactor, dbGetter := tx.NewTransactorFromPool(pool)

	return &Postgres{
		Pool:       pool,
		DBGetter:   dbGetter,
		Transactor: transactor,
	}, nil
}

// Close releases the connection pool.
func (p *Postgres) Close() {
	p.Pool.Close()
}
