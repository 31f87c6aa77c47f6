package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// CreateTx records a transaction and the outpoints it spends for a client.
func (s *SQLStore) CreateTx(ctx context.Context,
	params CreateTxParams) (*TxInfo, error) {

	raw, err := serializeTx(params.MsgTx)
	if err != nil {
		return nil, fmt.Errorf("serialize tx: %w", err)
	}

	hash := params.MsgTx.TxHash()
	clientKey := params.ClientPubKey.SerializeCompressed()

	var inserted bool
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO txs (
				client_pub_key, tx_hash, raw_tx, lock_time,
				approved, created_at
			) VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (client_pub_key, tx_hash) DO NOTHING`,
			clientKey, hash[:], raw, int64(params.MsgTx.LockTime),
			params.Approved, params.CreatedAt.Unix(),
		)
		if err != nil {
			return fmt.Errorf("insert tx: %w", err)
		}

		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		inserted = true

		for _, in := range params.MsgTx.TxIn {
			prev := in.PreviousOutPoint
			_, err := tx.ExecContext(ctx, `
				INSERT INTO tx_inputs (
					client_pub_key, tx_hash, prev_hash,
					prev_index
				) VALUES ($1, $2, $3, $4)
				ON CONFLICT DO NOTHING`,
				clientKey, hash[:], prev.Hash[:],
				int64(prev.Index),
			)
			if err != nil {
				return fmt.Errorf("insert tx input: %w", err)
			}
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	if !inserted {
		log.Debugf("Tx %v already stored for client %x", hash,
			clientKey)

		return s.GetTx(ctx, GetTxQuery{
			ClientPubKey: params.ClientPubKey,
			Hash:         hash,
		})
	}

	return &TxInfo{
		ClientPubKey: params.ClientPubKey,
		Hash:         hash,
		MsgTx:        params.MsgTx,
		LockTime:     params.MsgTx.LockTime,
		Approved:     params.Approved,
		CreatedAt:    unixTime(params.CreatedAt.Unix()),
	}, nil
}

const selectTxColumns = `
	SELECT t.tx_hash, t.raw_tx, t.lock_time, t.approved, t.created_at
	FROM txs t`

// GetTx returns one stored transaction.
func (s *SQLStore) GetTx(ctx context.Context, query GetTxQuery) (*TxInfo,
	error) {

	row := s.db.QueryRowContext(ctx, selectTxColumns+`
		WHERE t.client_pub_key = $1 AND t.tx_hash = $2`,
		query.ClientPubKey.SerializeCompressed(), query.Hash[:],
	)

	info, err := scanTx(row, query.ClientPubKey)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, fmt.Errorf("tx %v: %w", query.Hash, ErrNotFound)

	case err != nil:
		return nil, err
	}

	return info, nil
}

// ListTxns returns the stored transactions of a client, oldest first.
func (s *SQLStore) ListTxns(ctx context.Context,
	query ListTxnsQuery) ([]TxInfo, error) {

	stmt := selectTxColumns + ` WHERE t.client_pub_key = $1`
	if query.ApprovedOnly {
		stmt += ` AND t.approved = TRUE`
	}
	stmt += ` ORDER BY t.created_at, t.tx_hash`

	return s.queryTxns(ctx, query.ClientPubKey, stmt,
		query.ClientPubKey.SerializeCompressed(),
	)
}

// ListSpenders returns the stored transactions of a client spending an
// outpoint.
func (s *SQLStore) ListSpenders(ctx context.Context,
	query SpendersQuery) ([]TxInfo, error) {

	stmt := selectTxColumns + `
		JOIN tx_inputs i
			ON i.client_pub_key = t.client_pub_key
			AND i.tx_hash = t.tx_hash
		WHERE i.client_pub_key = $1
			AND i.prev_hash = $2
			AND i.prev_index = $3`
	if query.ApprovedOnly {
		stmt += ` AND t.approved = TRUE`
	}
	stmt += ` ORDER BY t.created_at, t.tx_hash`

	return s.queryTxns(ctx, query.ClientPubKey, stmt,
		query.ClientPubKey.SerializeCompressed(),
		query.OutPoint.Hash[:], int64(query.OutPoint.Index),
	)
}

func (s *SQLStore) queryTxns(ctx context.Context, client *btcec.PublicKey,
	stmt string, args ...any) ([]TxInfo, error) {

	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("query txs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var txns []TxInfo
	for rows.Next() {
		info, err := scanTx(rows, client)
		if err != nil {
			return nil, err
		}
		txns = append(txns, *info)
	}

	return txns, rows.Err()
}

// ApproveTx sets the approved flag if it is still unset.
func (s *SQLStore) ApproveTx(ctx context.Context,
	params ApproveTxParams) (bool, error) {

	res, err := s.db.ExecContext(ctx, `
		UPDATE txs SET approved = TRUE
		WHERE client_pub_key = $1 AND tx_hash = $2
			AND approved = FALSE`,
		params.ClientPubKey.SerializeCompressed(), params.Hash[:],
	)
	if err != nil {
		return false, fmt.Errorf("approve tx: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}

	// Nothing changed, either the row is missing or another caller
	// approved it first.
	_, err = s.GetTx(ctx, GetTxQuery(params))
	if err != nil {
		return false, err
	}

	return false, nil
}

// RemoveConfirmedTx forgets a transaction that reached the confirmation
// threshold.
func (s *SQLStore) RemoveConfirmedTx(ctx context.Context,
	hash chainhash.Hash) (bool, error) {

	var removed int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, stmt := range []string{
			`DELETE FROM tx_inputs WHERE tx_hash = $1`,
			`DELETE FROM txs WHERE tx_hash = $1`,
			`DELETE FROM broadcast_queue WHERE tx_hash = $1`,
		} {
			res, err := tx.ExecContext(ctx, stmt, hash[:])
			if err != nil {
				return err
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			removed += n
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("remove confirmed tx %v: %w", hash, err)
	}

	return removed > 0, nil
}

func scanTx(row rowScanner, client *btcec.PublicKey) (*TxInfo, error) {
	var (
		hash      []byte
		raw       []byte
		lockTime  int64
		createdAt int64
		info      TxInfo
	)
	err := row.Scan(&hash, &raw, &lockTime, &info.Approved, &createdAt)
	if err != nil {
		return nil, err
	}

	if err := info.Hash.SetBytes(hash); err != nil {
		return nil, fmt.Errorf("stored tx hash: %w", err)
	}

	info.MsgTx, err = deserializeTx(raw)
	if err != nil {
		return nil, fmt.Errorf("stored tx %v: %w", info.Hash, err)
	}

	info.ClientPubKey = client
	info.LockTime = uint32(lockTime)
	info.CreatedAt = unixTime(createdAt)

	return &info, nil
}
