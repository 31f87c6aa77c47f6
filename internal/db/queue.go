package db

import (
	"context"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// Enqueue adds a transaction to the broadcast queue unless it is already
// queued.
func (s *SQLStore) Enqueue(ctx context.Context, tx *wire.MsgTx,
	now time.Time) (bool, error) {

	raw, err := serializeTx(tx)
	if err != nil {
		return false, fmt.Errorf("serialize tx: %w", err)
	}

	hash := tx.TxHash()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO broadcast_queue (tx_hash, raw_tx, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (tx_hash) DO NOTHING`,
		hash[:], raw, now.Unix(),
	)
	if err != nil {
		return false, fmt.Errorf("enqueue tx %v: %w", hash, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}

	return n > 0, nil
}

// Dequeue removes a transaction from the broadcast queue.
func (s *SQLStore) Dequeue(ctx context.Context,
	hash chainhash.Hash) (bool, error) {

	res, err := s.db.ExecContext(ctx, `
		DELETE FROM broadcast_queue WHERE tx_hash = $1`, hash[:],
	)
	if err != nil {
		return false, fmt.Errorf("dequeue tx %v: %w", hash, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}

	return n > 0, nil
}

// ListQueued returns the queued transactions, oldest first.
func (s *SQLStore) ListQueued(ctx context.Context) ([]QueueEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tx_hash, raw_tx, attempts, created_at, last_attempt
		FROM broadcast_queue
		ORDER BY created_at, tx_hash`,
	)
	if err != nil {
		return nil, fmt.Errorf("list queue: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []QueueEntry
	for rows.Next() {
		var (
			hash        []byte
			raw         []byte
			attempts    int64
			createdAt   int64
			lastAttempt int64
			entry       QueueEntry
		)
		err := rows.Scan(&hash, &raw, &attempts, &createdAt,
			&lastAttempt)
		if err != nil {
			return nil, err
		}

		if err := entry.Hash.SetBytes(hash); err != nil {
			return nil, fmt.Errorf("queued tx hash: %w", err)
		}
		entry.MsgTx, err = deserializeTx(raw)
		if err != nil {
			return nil, fmt.Errorf("queued tx %v: %w", entry.Hash,
				err)
		}
		entry.Attempts = uint32(attempts)
		entry.CreatedAt = unixTime(createdAt)
		entry.LastAttempt = unixTime(lastAttempt)

		entries = append(entries, entry)
	}

	return entries, rows.Err()
}

// MarkAttempt bumps the attempt counter of a queued transaction.
func (s *SQLStore) MarkAttempt(ctx context.Context, hash chainhash.Hash,
	at time.Time) error {

	_, err := s.db.ExecContext(ctx, `
		UPDATE broadcast_queue
		SET attempts = attempts + 1, last_attempt = $2
		WHERE tx_hash = $1`,
		hash[:], at.Unix(),
	)
	if err != nil {
		return fmt.Errorf("mark attempt %v: %w", hash, err)
	}

	return nil
}
