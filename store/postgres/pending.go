package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"github.com/nuwa-protocol/payment-kit-go/store"
	"github.com/nuwa-protocol/payment-kit-go/subrav"
)

// PendingSubRAVRepository keeps the single outstanding proposal per
// sub-channel in the pending_subravs table.
type PendingSubRAVRepository struct {
	pool *pgxpool.Pool
}

func NewPendingSubRAVRepository(pool *pgxpool.Pool) *PendingSubRAVRepository {
	return &PendingSubRAVRepository{pool: pool}
}

// Save overwrites whatever proposal was pending for the sub-channel.
func (r *PendingSubRAVRepository) Save(ctx context.Context, proposal *subrav.SubRAV) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO pending_subravs (channel_id, vm_id_fragment, nonce, chain_id, channel_epoch, accumulated_amount, created_at)
		VALUES ($1, $2, $3, $4, $5, $6::numeric, now())
		ON CONFLICT (channel_id, vm_id_fragment) DO UPDATE SET
			nonce              = EXCLUDED.nonce,
			chain_id           = EXCLUDED.chain_id,
			channel_epoch      = EXCLUDED.channel_epoch,
			accumulated_amount = EXCLUDED.accumulated_amount,
			created_at         = now()`,
		proposal.ChannelID.String(),
		proposal.VMIDFragment,
		int64(proposal.Nonce),
		int64(proposal.ChainID),
		int64(proposal.ChannelEpoch),
		numericArg(proposal.AccumulatedAmount),
	)
	if err != nil {
		return fmt.Errorf("saving pending subrav: %w", err)
	}
	return nil
}

func (r *PendingSubRAVRepository) Find(ctx context.Context, channelID subrav.ChannelID, nonce uint64) (*subrav.SubRAV, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT vm_id_fragment, chain_id, channel_epoch, accumulated_amount::text
		FROM pending_subravs
		WHERE channel_id = $1 AND nonce = $2
		LIMIT 1`,
		channelID.String(), int64(nonce),
	)
	return scanPending(row, channelID, nonce)
}

func (r *PendingSubRAVRepository) FindLatestBySubChannel(ctx context.Context, channelID subrav.ChannelID, vmIDFragment string) (*subrav.SubRAV, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT nonce, chain_id, channel_epoch, accumulated_amount::text
		FROM pending_subravs
		WHERE channel_id = $1 AND vm_id_fragment = $2`,
		channelID.String(), vmIDFragment,
	)

	proposal := &subrav.SubRAV{
		Version:      subrav.SupportedVersion,
		ChannelID:    channelID,
		VMIDFragment: vmIDFragment,
	}
	var nonce, chainID, epoch int64
	var amount string
	err := row.Scan(&nonce, &chainID, &epoch, &amount)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading pending subrav: %w", err)
	}

	if proposal.AccumulatedAmount, err = bigFromNumeric(amount); err != nil {
		return nil, fmt.Errorf("reading pending subrav: %w", err)
	}
	proposal.Nonce = uint64(nonce)
	proposal.ChainID = uint64(chainID)
	proposal.ChannelEpoch = uint64(epoch)
	return proposal, nil
}

// Remove deletes the proposal only when its nonce still matches; a proposal
// that was already replaced is left alone and no error is reported.
func (r *PendingSubRAVRepository) Remove(ctx context.Context, channelID subrav.ChannelID, vmIDFragment string, nonce uint64) error {
	_, err := r.pool.Exec(ctx, `
		DELETE FROM pending_subravs
		WHERE channel_id = $1 AND vm_id_fragment = $2 AND nonce = $3`,
		channelID.String(), vmIDFragment, int64(nonce),
	)
	if err != nil {
		return fmt.Errorf("removing pending subrav: %w", err)
	}
	return nil
}

func (r *PendingSubRAVRepository) Cleanup(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxAge)
	tag, err := r.pool.Exec(ctx, `DELETE FROM pending_subravs WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleaning up pending subravs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func scanPending(row pgx.Row, channelID subrav.ChannelID, nonce uint64) (*subrav.SubRAV, error) {
	proposal := &subrav.SubRAV{
		Version:   subrav.SupportedVersion,
		ChannelID: channelID,
		Nonce:     nonce,
	}

	var chainID, epoch int64
	var amount string
	err := row.Scan(&proposal.VMIDFragment, &chainID, &epoch, &amount)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading pending subrav: %w", err)
	}

	if proposal.AccumulatedAmount, err = bigFromNumeric(amount); err != nil {
		return nil, fmt.Errorf("reading pending subrav: %w", err)
	}
	proposal.ChainID = uint64(chainID)
	proposal.ChannelEpoch = uint64(epoch)
	return proposal, nil
}

var _ store.PendingSubRAVRepository = (*PendingSubRAVRepository)(nil)
