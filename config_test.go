package main

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/btcsuite/btclog"
	"github.com/instapay/instapayd/netparams"
	"github.com/stretchr/testify/require"
)

func TestParseAndSetDebugLevels(t *testing.T) {
	tests := []struct {
		name    string
		level   string
		wantErr bool
	}{
		{"global", "debug", false},
		{"per subsystem", "WLLT=trace,VRFY=warn", false},
		{"invalid level", "loud", true},
		{"unknown subsystem", "NOPE=debug", true},
		{"missing pair", "WLLT=debug,info", true},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			err := parseAndSetDebugLevels(test.level)
			if test.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
		})
	}

	require.NoError(t, parseAndSetDebugLevels("WLLT=trace,VRFY=warn"))
	require.Equal(t, btclog.LevelTrace, walletLog.Level())
	require.Equal(t, btclog.LevelWarn, vrfyLog.Level())
}

func TestNetworkDir(t *testing.T) {
	t.Parallel()

	require.Equal(t, filepath.Join("data", "testnet"),
		networkDir("data", &netparams.TestNet3Params))
	require.Equal(t, filepath.Join("data", "regtest"),
		networkDir("data", &netparams.RegressionNetParams))
	require.Equal(t, filepath.Join("data", "mainnet"),
		networkDir("data", &netparams.MainNetParams))
}

func TestValidatePolicy(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		modify  func(*config)
		wantErr bool
	}{
		{"defaults", func(*config) {}, false},
		{"zero minconf", func(c *config) { c.MinConf = 0 }, true},
		{"inverted window", func(c *config) {
			c.MinLockTime = 48 * time.Hour
			c.MaxLockTime = 24 * time.Hour
		}, true},
		{"zero threshold", func(c *config) {
			c.InstantThreshold = 0
		}, true},
		{"zero rebroadcast", func(c *config) { c.Rebroadcast = 0 }, true},
		{"negative workers", func(c *config) { c.ConfWorkers = -1 }, true},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			cfg := defaultConfig()
			test.modify(&cfg)

			err := validatePolicy(&cfg)
			if test.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
		})
	}
}
