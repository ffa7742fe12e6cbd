package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/hostedeth/deployer/internal/repository"
)

// NextNonce returns the next transaction sequence number for a chain. Ledger
// rows are created out-of-band; a missing chain is a configuration error
// surfaced as ErrNotFound.
func (r *Repository) NextNonce(ctx context.Context, chain string) (uint64, error) {
	const query = `SELECT next_nonce FROM nonce_ledger WHERE chain = $1`
	var nonce uint64
	if err := r.pool.QueryRow(ctx, query, chain).Scan(&nonce); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, repository.ErrNotFound
		}
		return 0, err
	}
	return nonce, nil
}

// AdvanceNonce moves the counter past usedNonce. The WHERE clause makes the
// advance a compare-and-swap: if another submission already advanced the
// counter the update matches zero rows and ErrConflict is returned.
func (r *Repository) AdvanceNonce(ctx context.Context, chain string, usedNonce uint64) error {
	const query = `UPDATE nonce_ledger SET next_nonce = next_nonce + 1, updated_at = $3
		WHERE chain = $1 AND next_nonce = $2`
	tag, err := r.pool.Exec(ctx, query, chain, usedNonce, time.Now().UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.NextNonce(ctx, chain); errors.Is(err, repository.ErrNotFound) {
			return repository.ErrNotFound
		}
		return repository.ErrConflict
	}
	return nil
}
