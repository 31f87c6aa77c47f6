package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/instapay/instapayd/internal/db"
	"github.com/instapay/instapayd/internal/prompt"
	"github.com/instapay/instapayd/internal/zero"
	"github.com/instapay/instapayd/snacl"
)

// keyParamsSetting names the settings row holding the marshalled scrypt
// parameters and digest of the key store passphrase.
const keyParamsSetting = "keyparams"

// scryptParams are the key derivation costs of a new key store. Tests
// lower them.
var scryptParams = struct{ N, R, P int }{
	snacl.DefaultN, snacl.DefaultR, snacl.DefaultP,
}

// passphraseFunc supplies the key store passphrase when none is configured.
// create is set when the key store does not exist yet.
type passphraseFunc func(create bool) ([]byte, error)

// promptPassphrase reads the passphrase from the terminal.
func promptPassphrase(create bool) ([]byte, error) {
	return prompt.KeyPassphrase(bufio.NewReader(os.Stdin), create)
}

// openKeyCrypter derives the key protecting the server private keys. The
// first start generates new parameters and stores them, later starts check
// the passphrase against the stored digest.
func openKeyCrypter(ctx context.Context, settings db.SettingsStore,
	pass []byte, getPass passphraseFunc) (*snacl.SecretKey, error) {

	marshalled, err := settings.GetSetting(ctx, keyParamsSetting)
	switch {
	case errors.Is(err, db.ErrNotFound):
		return createKeyCrypter(ctx, settings, pass, getPass)

	case err != nil:
		return nil, err
	}

	if len(pass) == 0 {
		pass, err = getPass(false)
		if err != nil {
			return nil, err
		}
		defer zero.Bytes(pass)
	}

	var key snacl.SecretKey
	if err := key.Unmarshal(marshalled); err != nil {
		return nil, fmt.Errorf("key store parameters: %w", err)
	}
	if err := key.DeriveKey(&pass); err != nil {
		return nil, fmt.Errorf("unlock key store: %w", err)
	}

	return &key, nil
}

func createKeyCrypter(ctx context.Context, settings db.SettingsStore,
	pass []byte, getPass passphraseFunc) (*snacl.SecretKey, error) {

	if len(pass) == 0 {
		var err error
		pass, err = getPass(true)
		if err != nil {
			return nil, err
		}
		defer zero.Bytes(pass)
	}

	key, err := snacl.NewSecretKey(
		&pass, scryptParams.N, scryptParams.R, scryptParams.P,
	)
	if err != nil {
		return nil, err
	}

	err = settings.PutSetting(ctx, keyParamsSetting, key.Marshal())
	if err != nil {
		key.Zero()
		return nil, err
	}

	log.Infof("Created new key store")

	return key, nil
}
