package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
)

// CreateAccount stores a new account or returns the existing one for the same
// client key.
func (s *SQLStore) CreateAccount(ctx context.Context,
	params CreateAccountParams) (*Account, error) {

	clientKey := params.ClientPubKey.SerializeCompressed()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (
			client_pub_key, server_pub_key, server_priv_key_enc,
			created_at
		) VALUES ($1, $2, $3, $4)
		ON CONFLICT (client_pub_key) DO NOTHING`,
		clientKey, params.ServerPubKey.SerializeCompressed(),
		params.EncryptedServerPrivKey, params.CreatedAt.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("insert account: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		log.Debugf("Account for client %x already exists", clientKey)
		return s.GetAccount(ctx, params.ClientPubKey)
	}

	return &Account{
		ClientPubKey:           params.ClientPubKey,
		ServerPubKey:           params.ServerPubKey,
		EncryptedServerPrivKey: params.EncryptedServerPrivKey,
		CreatedAt:              unixTime(params.CreatedAt.Unix()),
	}, nil
}

// GetAccount returns the account of a client key.
func (s *SQLStore) GetAccount(ctx context.Context,
	clientPubKey *btcec.PublicKey) (*Account, error) {

	var (
		serverKey []byte
		encPriv   []byte
		createdAt int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT server_pub_key, server_priv_key_enc, created_at
		FROM accounts WHERE client_pub_key = $1`,
		clientPubKey.SerializeCompressed(),
	).Scan(&serverKey, &encPriv, &createdAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, fmt.Errorf("account %x: %w",
			clientPubKey.SerializeCompressed(), ErrNotFound)

	case err != nil:
		return nil, fmt.Errorf("select account: %w", err)
	}

	serverPub, err := parsePubKey(serverKey)
	if err != nil {
		return nil, err
	}

	return &Account{
		ClientPubKey:           clientPubKey,
		ServerPubKey:           serverPub,
		EncryptedServerPrivKey: encPriv,
		CreatedAt:              unixTime(createdAt),
	}, nil
}
