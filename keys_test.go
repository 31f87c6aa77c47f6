package main

import (
	"context"
	"errors"
	"testing"

	"github.com/instapay/instapayd/internal/db"
	"github.com/instapay/instapayd/internal/sqltest"
	"github.com/instapay/instapayd/snacl"
	"github.com/stretchr/testify/require"
)

func init() {
	// Cheap key derivation keeps the tests fast.
	scryptParams.N, scryptParams.R, scryptParams.P = 16, 8, 1
}

func newSettingsStore(t *testing.T) *db.SQLStore {
	t.Helper()

	testDB := sqltest.NewSQLiteDB(t)
	store, err := db.New(context.Background(), testDB.DB, testDB.Driver)
	require.NoError(t, err)

	return store
}

func noPrompt(t *testing.T) passphraseFunc {
	return func(bool) ([]byte, error) {
		t.Fatal("unexpected passphrase prompt")
		return nil, nil
	}
}

func TestOpenKeyCrypterCreatesAndUnlocks(t *testing.T) {
	ctx := context.Background()
	store := newSettingsStore(t)

	created, err := openKeyCrypter(
		ctx, store, []byte("hunter2"), noPrompt(t),
	)
	require.NoError(t, err)

	sealed, err := created.Encrypt([]byte("server key"))
	require.NoError(t, err)

	stored, err := store.GetSetting(ctx, keyParamsSetting)
	require.NoError(t, err)
	require.Equal(t, created.Marshal(), stored)

	// A restart with the same passphrase reads what the first run
	// sealed.
	opened, err := openKeyCrypter(
		ctx, store, []byte("hunter2"), noPrompt(t),
	)
	require.NoError(t, err)

	plain, err := opened.Decrypt(sealed)
	require.NoError(t, err)
	require.Equal(t, []byte("server key"), plain)

	_, err = openKeyCrypter(ctx, store, []byte("wrong"), noPrompt(t))
	require.ErrorIs(t, err, snacl.ErrInvalidPassword)
}

func TestOpenKeyCrypterPrompts(t *testing.T) {
	ctx := context.Background()
	store := newSettingsStore(t)

	var prompts []bool
	getPass := func(create bool) ([]byte, error) {
		prompts = append(prompts, create)
		return []byte("from terminal"), nil
	}

	_, err := openKeyCrypter(ctx, store, nil, getPass)
	require.NoError(t, err)

	_, err = openKeyCrypter(ctx, store, nil, getPass)
	require.NoError(t, err)

	require.Equal(t, []bool{true, false}, prompts)

	// A declined prompt leaves no parameters behind.
	empty := newSettingsStore(t)
	errDeclined := errors.New("declined")
	_, err = openKeyCrypter(ctx, empty, nil,
		func(bool) ([]byte, error) { return nil, errDeclined })
	require.ErrorIs(t, err, errDeclined)

	_, err = empty.GetSetting(ctx, keyParamsSetting)
	require.ErrorIs(t, err, db.ErrNotFound)
}
