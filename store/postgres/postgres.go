// Package postgres implements the store repositories on PostgreSQL through a
// shared pgx connection pool. Amount columns are NUMERIC(78) so a full
// uint256 accumulated amount survives the round trip; they are bound and
// scanned as decimal strings.
package postgres

import (
	"context"
	"fmt"
	"math/big"

	"github.com/jackc/pgx/v4/pgxpool"
	"go.uber.org/zap"

	"github.com/nuwa-protocol/payment-kit-go/store"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS channel_metadata (
		channel_id TEXT PRIMARY KEY,
		payer_did  TEXT NOT NULL,
		payee_did  TEXT NOT NULL,
		asset_id   TEXT NOT NULL,
		epoch      BIGINT NOT NULL,
		status     SMALLINT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS sub_channel_states (
		channel_id           TEXT NOT NULL,
		vm_id_fragment       TEXT NOT NULL,
		epoch                BIGINT NOT NULL,
		public_key           BYTEA NOT NULL,
		method_type          TEXT NOT NULL,
		last_claimed_amount  NUMERIC(78) NOT NULL DEFAULT 0,
		last_confirmed_nonce BIGINT NOT NULL DEFAULT 0,
		updated_at           TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (channel_id, vm_id_fragment)
	)`,
	`CREATE TABLE IF NOT EXISTS signed_subravs (
		channel_id         TEXT NOT NULL,
		vm_id_fragment     TEXT NOT NULL,
		nonce              BIGINT NOT NULL,
		chain_id           BIGINT NOT NULL,
		channel_epoch      BIGINT NOT NULL,
		accumulated_amount NUMERIC(78) NOT NULL,
		signature          BYTEA NOT NULL,
		claimed            BOOLEAN NOT NULL DEFAULT FALSE,
		created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (channel_id, vm_id_fragment, nonce)
	)`,
	`CREATE INDEX IF NOT EXISTS signed_subravs_unclaimed_idx
		ON signed_subravs (channel_id, claimed)`,
	`CREATE TABLE IF NOT EXISTS pending_subravs (
		channel_id         TEXT NOT NULL,
		vm_id_fragment     TEXT NOT NULL,
		nonce              BIGINT NOT NULL,
		chain_id           BIGINT NOT NULL,
		channel_epoch      BIGINT NOT NULL,
		accumulated_amount NUMERIC(78) NOT NULL,
		created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (channel_id, vm_id_fragment)
	)`,
	`CREATE INDEX IF NOT EXISTS pending_subravs_created_at_idx
		ON pending_subravs (created_at)`,
}

// Backend owns the connection pool the repositories share.
type Backend struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// Connect opens a pool against dsn and pings it once.
func Connect(ctx context.Context, dsn string, logger *zap.Logger) (*Backend, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing postgres dsn: %w", err)
	}

	pool, err := pgxpool.ConnectConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}

	logger.Info("connected to postgres store", zap.String("database", config.ConnConfig.Database))
	return &Backend{pool: pool, logger: logger}, nil
}

// Migrate creates the tables and indexes when they do not exist yet. It is
// safe to run on every startup.
func (b *Backend) Migrate(ctx context.Context) error {
	for _, statement := range schema {
		if _, err := b.pool.Exec(ctx, statement); err != nil {
			return fmt.Errorf("applying schema: %w", err)
		}
	}
	return nil
}

// Store exposes the repositories over the backend's pool.
func (b *Backend) Store() *store.Store {
	return &store.Store{
		Channels: NewChannelRepository(b.pool),
		RAVs:     NewRAVRepository(b.pool),
		Pending:  NewPendingSubRAVRepository(b.pool),
	}
}

func (b *Backend) Close() {
	b.pool.Close()
}

// bigFromNumeric parses a NUMERIC column scanned as text.
func bigFromNumeric(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid numeric value %q", s)
	}
	return v, nil
}

// numericArg binds a big.Int as a NUMERIC parameter. A nil amount becomes 0,
// matching the in-memory repository defaults.
func numericArg(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
