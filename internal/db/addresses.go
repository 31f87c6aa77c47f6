package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// CreateAddress stores a new time-locked address or returns the existing row
// with the same script hash.
func (s *SQLStore) CreateAddress(ctx context.Context,
	params CreateAddressParams) (*TimeLockedAddress, error) {

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO time_locked_addresses (
			address_hash, client_pub_key, lock_time, redeem_script,
			created_at
		) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (address_hash) DO NOTHING`,
		params.AddressHash[:], params.ClientPubKey.SerializeCompressed(),
		params.LockTime, params.RedeemScript, params.CreatedAt.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("insert address: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return s.GetAddress(ctx, params.AddressHash)
	}

	return &TimeLockedAddress{
		AddressHash:  params.AddressHash,
		ClientPubKey: params.ClientPubKey,
		LockTime:     params.LockTime,
		RedeemScript: params.RedeemScript,
		CreatedAt:    unixTime(params.CreatedAt.Unix()),
	}, nil
}

const selectAddressColumns = `
	SELECT address_hash, client_pub_key, lock_time, redeem_script, created_at
	FROM time_locked_addresses`

// GetAddress returns the address with the given script hash.
func (s *SQLStore) GetAddress(ctx context.Context,
	addressHash [20]byte) (*TimeLockedAddress, error) {

	row := s.db.QueryRowContext(ctx,
		selectAddressColumns+` WHERE address_hash = $1`, addressHash[:],
	)

	addr, err := scanAddress(row)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, fmt.Errorf("address %x: %w", addressHash, ErrNotFound)

	case err != nil:
		return nil, err
	}

	return addr, nil
}

// ListAddresses returns the addresses of one client, or of every client if
// the query has no client key.
func (s *SQLStore) ListAddresses(ctx context.Context,
	query ListAddressesQuery) ([]TimeLockedAddress, error) {

	var (
		rows *sql.Rows
		err  error
	)
	if query.ClientPubKey == nil {
		rows, err = s.db.QueryContext(ctx,
			selectAddressColumns+` ORDER BY created_at, address_hash`,
		)
	} else {
		rows, err = s.db.QueryContext(ctx,
			selectAddressColumns+` WHERE client_pub_key = $1
			ORDER BY created_at, address_hash`,
			query.ClientPubKey.SerializeCompressed(),
		)
	}
	if err != nil {
		return nil, fmt.Errorf("list addresses: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var addrs []TimeLockedAddress
	for rows.Next() {
		addr, err := scanAddress(rows)
		if err != nil {
			return nil, err
		}
		addrs = append(addrs, *addr)
	}

	return addrs, rows.Err()
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanAddress(row rowScanner) (*TimeLockedAddress, error) {
	var (
		hash      []byte
		clientKey []byte
		addr      TimeLockedAddress
		createdAt int64
	)
	err := row.Scan(&hash, &clientKey, &addr.LockTime, &addr.RedeemScript,
		&createdAt)
	if err != nil {
		return nil, err
	}

	if len(hash) != len(addr.AddressHash) {
		return nil, fmt.Errorf("stored address hash has length %d",
			len(hash))
	}
	copy(addr.AddressHash[:], hash)

	addr.ClientPubKey, err = parsePubKey(clientKey)
	if err != nil {
		return nil, err
	}
	addr.CreatedAt = unixTime(createdAt)

	return &addr, nil
}
