package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"github.com/nuwa-protocol/payment-kit-go/store"
	"github.com/nuwa-protocol/payment-kit-go/subrav"
)

// RAVRepository archives signed SubRAVs in the signed_subravs table.
type RAVRepository struct {
	pool *pgxpool.Pool
}

func NewRAVRepository(pool *pgxpool.Pool) *RAVRepository {
	return &RAVRepository{pool: pool}
}

// Save inserts the signed SubRAV; a nonce that is already stored is left
// untouched so replayed persists stay harmless.
func (r *RAVRepository) Save(ctx context.Context, signed *subrav.SignedSubRAV) error {
	rav := &signed.SubRAV
	_, err := r.pool.Exec(ctx, `
		INSERT INTO signed_subravs (channel_id, vm_id_fragment, nonce, chain_id, channel_epoch, accumulated_amount, signature, created_at)
		VALUES ($1, $2, $3, $4, $5, $6::numeric, $7, now())
		ON CONFLICT (channel_id, vm_id_fragment, nonce) DO NOTHING`,
		rav.ChannelID.String(),
		rav.VMIDFragment,
		int64(rav.Nonce),
		int64(rav.ChainID),
		int64(rav.ChannelEpoch),
		numericArg(rav.AccumulatedAmount),
		signed.Signature,
	)
	if err != nil {
		return fmt.Errorf("saving signed subrav: %w", err)
	}
	return nil
}

func (r *RAVRepository) GetLatest(ctx context.Context, channelID subrav.ChannelID, vmIDFragment string) (*subrav.SignedSubRAV, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT nonce, chain_id, channel_epoch, accumulated_amount::text, signature
		FROM signed_subravs
		WHERE channel_id = $1 AND vm_id_fragment = $2
		ORDER BY nonce DESC
		LIMIT 1`,
		channelID.String(), vmIDFragment,
	)

	signed, err := scanSignedSubRAV(row, channelID, vmIDFragment)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return signed, err
}

func (r *RAVRepository) List(ctx context.Context, channelID subrav.ChannelID) ([]*subrav.SignedSubRAV, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT vm_id_fragment, nonce, chain_id, channel_epoch, accumulated_amount::text, signature
		FROM signed_subravs
		WHERE channel_id = $1
		ORDER BY vm_id_fragment, nonce`,
		channelID.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("listing signed subravs: %w", err)
	}
	defer rows.Close()

	var out []*subrav.SignedSubRAV
	for rows.Next() {
		signed := &subrav.SignedSubRAV{SubRAV: subrav.SubRAV{Version: subrav.SupportedVersion, ChannelID: channelID}}
		var nonce, chainID, epoch int64
		var amount string
		if err := rows.Scan(&signed.SubRAV.VMIDFragment, &nonce, &chainID, &epoch, &amount, &signed.Signature); err != nil {
			return nil, fmt.Errorf("scanning signed subrav: %w", err)
		}
		if signed.SubRAV.AccumulatedAmount, err = bigFromNumeric(amount); err != nil {
			return nil, fmt.Errorf("scanning signed subrav: %w", err)
		}
		signed.SubRAV.Nonce = uint64(nonce)
		signed.SubRAV.ChainID = uint64(chainID)
		signed.SubRAV.ChannelEpoch = uint64(epoch)
		out = append(out, signed)
	}
	return out, rows.Err()
}

// MarkAsClaimed flags every stored receipt of the sub-channel with a nonce at
// or below upToNonce.
func (r *RAVRepository) MarkAsClaimed(ctx context.Context, channelID subrav.ChannelID, vmIDFragment string, upToNonce uint64) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE signed_subravs
		SET claimed = TRUE
		WHERE channel_id = $1 AND vm_id_fragment = $2 AND nonce <= $3`,
		channelID.String(), vmIDFragment, int64(upToNonce),
	)
	if err != nil {
		return fmt.Errorf("marking subravs claimed: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	// Nothing updated: distinguish an unknown sub-channel from one whose
	// receipts all sit above upToNonce.
	row := r.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM signed_subravs WHERE channel_id = $1 AND vm_id_fragment = $2)`,
		channelID.String(), vmIDFragment,
	)
	var exists bool
	if err := row.Scan(&exists); err != nil {
		return fmt.Errorf("marking subravs claimed: %w", err)
	}
	if !exists {
		return store.ErrNotFound
	}
	return nil
}

func (r *RAVRepository) GetUnclaimed(ctx context.Context, channelID subrav.ChannelID) (map[string]*subrav.SignedSubRAV, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT DISTINCT ON (vm_id_fragment)
			vm_id_fragment, nonce, chain_id, channel_epoch, accumulated_amount::text, signature
		FROM signed_subravs
		WHERE channel_id = $1 AND claimed = FALSE
		ORDER BY vm_id_fragment, nonce DESC`,
		channelID.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("listing unclaimed subravs: %w", err)
	}
	defer rows.Close()

	out := make(map[string]*subrav.SignedSubRAV)
	for rows.Next() {
		signed := &subrav.SignedSubRAV{SubRAV: subrav.SubRAV{Version: subrav.SupportedVersion, ChannelID: channelID}}
		var nonce, chainID, epoch int64
		var amount string
		if err := rows.Scan(&signed.SubRAV.VMIDFragment, &nonce, &chainID, &epoch, &amount, &signed.Signature); err != nil {
			return nil, fmt.Errorf("scanning unclaimed subrav: %w", err)
		}
		if signed.SubRAV.AccumulatedAmount, err = bigFromNumeric(amount); err != nil {
			return nil, fmt.Errorf("scanning unclaimed subrav: %w", err)
		}
		signed.SubRAV.Nonce = uint64(nonce)
		signed.SubRAV.ChainID = uint64(chainID)
		signed.SubRAV.ChannelEpoch = uint64(epoch)
		out[signed.SubRAV.VMIDFragment] = signed
	}
	return out, rows.Err()
}

func scanSignedSubRAV(row pgx.Row, channelID subrav.ChannelID, vmIDFragment string) (*subrav.SignedSubRAV, error) {
	signed := &subrav.SignedSubRAV{SubRAV: subrav.SubRAV{
		Version:      subrav.SupportedVersion,
		ChannelID:    channelID,
		VMIDFragment: vmIDFragment,
	}}

	var nonce, chainID, epoch int64
	var amount string
	if err := row.Scan(&nonce, &chainID, &epoch, &amount, &signed.Signature); err != nil {
		return nil, err
	}

	value, err := bigFromNumeric(amount)
	if err != nil {
		return nil, fmt.Errorf("scanning signed subrav: %w", err)
	}
	signed.SubRAV.AccumulatedAmount = value
	signed.SubRAV.Nonce = uint64(nonce)
	signed.SubRAV.ChainID = uint64(chainID)
	signed.SubRAV.ChannelEpoch = uint64(epoch)
	return signed, nil
}

var _ store.RAVRepository = (*RAVRepository)(nil)
