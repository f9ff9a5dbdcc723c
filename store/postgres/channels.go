package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"github.com/nuwa-protocol/payment-kit-go/contract"
	"github.com/nuwa-protocol/payment-kit-go/store"
	"github.com/nuwa-protocol/payment-kit-go/subrav"
)

// ChannelRepository persists channel metadata and sub-channel state in the
// channel_metadata and sub_channel_states tables.
type ChannelRepository struct {
	pool *pgxpool.Pool
}

func NewChannelRepository(pool *pgxpool.Pool) *ChannelRepository {
	return &ChannelRepository{pool: pool}
}

func (r *ChannelRepository) SetChannelMetadata(ctx context.Context, metadata *store.ChannelMetadata) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO channel_metadata (channel_id, payer_did, payee_did, asset_id, epoch, status, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (channel_id) DO UPDATE SET
			payer_did  = EXCLUDED.payer_did,
			payee_did  = EXCLUDED.payee_did,
			asset_id   = EXCLUDED.asset_id,
			epoch      = EXCLUDED.epoch,
			status     = EXCLUDED.status,
			updated_at = now()`,
		metadata.ChannelID.String(),
		metadata.PayerDID,
		metadata.PayeeDID,
		metadata.AssetID,
		int64(metadata.Epoch),
		int16(metadata.Status),
	)
	if err != nil {
		return fmt.Errorf("upserting channel metadata: %w", err)
	}
	return nil
}

func (r *ChannelRepository) GetChannelMetadata(ctx context.Context, channelID subrav.ChannelID) (*store.ChannelMetadata, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT payer_did, payee_did, asset_id, epoch, status, updated_at
		FROM channel_metadata
		WHERE channel_id = $1`,
		channelID.String(),
	)

	metadata := &store.ChannelMetadata{ChannelID: channelID}
	var epoch int64
	var status int16
	err := row.Scan(&metadata.PayerDID, &metadata.PayeeDID, &metadata.AssetID, &epoch, &status, &metadata.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading channel metadata: %w", err)
	}

	metadata.Epoch = uint64(epoch)
	metadata.Status = contract.ChannelStatus(status)
	return metadata, nil
}

func (r *ChannelRepository) ListChannelMetadata(ctx context.Context, filter *store.ChannelFilter, page *store.Page) ([]*store.ChannelMetadata, error) {
	query := `
		SELECT channel_id, payer_did, payee_did, asset_id, epoch, status, updated_at
		FROM channel_metadata`

	var conditions []string
	var args []interface{}
	if filter != nil {
		if filter.PayerDID != "" {
			args = append(args, filter.PayerDID)
			conditions = append(conditions, fmt.Sprintf("payer_did = $%d", len(args)))
		}
		if filter.PayeeDID != "" {
			args = append(args, filter.PayeeDID)
			conditions = append(conditions, fmt.Sprintf("payee_did = $%d", len(args)))
		}
		if filter.Status != nil {
			args = append(args, int16(*filter.Status))
			conditions = append(conditions, fmt.Sprintf("status = $%d", len(args)))
		}
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}

	query += " ORDER BY channel_id"
	if page != nil {
		if page.Limit > 0 {
			args = append(args, page.Limit)
			query += fmt.Sprintf(" LIMIT $%d", len(args))
		}
		if page.Offset > 0 {
			args = append(args, page.Offset)
			query += fmt.Sprintf(" OFFSET $%d", len(args))
		}
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing channel metadata: %w", err)
	}
	defer rows.Close()

	var out []*store.ChannelMetadata
	for rows.Next() {
		metadata := &store.ChannelMetadata{}
		var rawID string
		var epoch int64
		var status int16
		if err := rows.Scan(&rawID, &metadata.PayerDID, &metadata.PayeeDID, &metadata.AssetID, &epoch, &status, &metadata.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning channel metadata: %w", err)
		}
		if metadata.ChannelID, err = subrav.ParseChannelID(rawID); err != nil {
			return nil, fmt.Errorf("scanning channel metadata: %w", err)
		}
		metadata.Epoch = uint64(epoch)
		metadata.Status = contract.ChannelStatus(status)
		out = append(out, metadata)
	}
	return out, rows.Err()
}

func (r *ChannelRepository) SetSubChannelState(ctx context.Context, state *store.SubChannelState) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO sub_channel_states (channel_id, vm_id_fragment, epoch, public_key, method_type, last_claimed_amount, last_confirmed_nonce, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6::numeric, $7, now())
		ON CONFLICT (channel_id, vm_id_fragment) DO UPDATE SET
			epoch                = EXCLUDED.epoch,
			public_key           = EXCLUDED.public_key,
			method_type          = EXCLUDED.method_type,
			last_claimed_amount  = EXCLUDED.last_claimed_amount,
			last_confirmed_nonce = EXCLUDED.last_confirmed_nonce,
			updated_at           = now()`,
		state.ChannelID.String(),
		state.VMIDFragment,
		int64(state.Epoch),
		state.PublicKey,
		state.MethodType,
		numericArg(state.LastClaimedAmount),
		int64(state.LastConfirmedNonce),
	)
	if err != nil {
		return fmt.Errorf("upserting sub-channel state: %w", err)
	}
	return nil
}

func (r *ChannelRepository) GetSubChannelState(ctx context.Context, channelID subrav.ChannelID, vmIDFragment string) (*store.SubChannelState, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT epoch, public_key, method_type, last_claimed_amount::text, last_confirmed_nonce, updated_at
		FROM sub_channel_states
		WHERE channel_id = $1 AND vm_id_fragment = $2`,
		channelID.String(), vmIDFragment,
	)

	state := &store.SubChannelState{ChannelID: channelID, VMIDFragment: vmIDFragment}
	var epoch, nonce int64
	var claimed string
	err := row.Scan(&epoch, &state.PublicKey, &state.MethodType, &claimed, &nonce, &state.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading sub-channel state: %w", err)
	}

	if state.LastClaimedAmount, err = bigFromNumeric(claimed); err != nil {
		return nil, fmt.Errorf("reading sub-channel state: %w", err)
	}
	state.Epoch = uint64(epoch)
	state.LastConfirmedNonce = uint64(nonce)
	return state, nil
}

func (r *ChannelRepository) UpdateSubChannelState(ctx context.Context, channelID subrav.ChannelID, vmIDFragment string, patch *store.SubChannelPatch) error {
	assignments := []string{"updated_at = now()"}
	args := []interface{}{channelID.String(), vmIDFragment}

	if patch != nil {
		if patch.LastClaimedAmount != nil {
			args = append(args, patch.LastClaimedAmount.String())
			assignments = append(assignments, fmt.Sprintf("last_claimed_amount = $%d::numeric", len(args)))
		}
		if patch.LastConfirmedNonce != nil {
			args = append(args, int64(*patch.LastConfirmedNonce))
			assignments = append(assignments, fmt.Sprintf("last_confirmed_nonce = $%d", len(args)))
		}
		if patch.Epoch != nil {
			args = append(args, int64(*patch.Epoch))
			assignments = append(assignments, fmt.Sprintf("epoch = $%d", len(args)))
		}
	}

	query := fmt.Sprintf(
		"UPDATE sub_channel_states SET %s WHERE channel_id = $1 AND vm_id_fragment = $2",
		strings.Join(assignments, ", "),
	)
	tag, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("patching sub-channel state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

var _ store.ChannelRepository = (*ChannelRepository)(nil)
