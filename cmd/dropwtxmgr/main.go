// Copyright (c) 2015-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Command dropwtxmgr deletes the transaction view of a stopped instapayd so
// that the next start rebuilds it from a rescan of the watched addresses.
// It is the way out of corrupted local chain state.
package main

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/instapay/instapayd/wallet"
	"github.com/jessevdk/go-flags"
)

var appDataDir = btcutil.AppDataDir("instapayd", false)

// Flags.
var opts = struct {
	Force   bool          `short:"f" description:"Force removal without prompt"`
	AppData string        `short:"A" long:"appdata" description:"Application data directory of instapayd"`
	Network string        `long:"network" description:"Network of the wallet database" choice:"mainnet" choice:"testnet" choice:"regtest" choice:"simnet"`
	DBPath  string        `long:"db" description:"Path to the wallet database, overrides --appdata and --network"`
	Timeout time.Duration `long:"dbtimeout" description:"Timeout for opening the database"`
}{
	AppData: appDataDir,
	Network: "mainnet",
	Timeout: wallet.DefaultDBTimeout,
}

func init() {
	_, err := flags.Parse(&opts)
	if err != nil {
		os.Exit(1)
	}
}

func yes(s string) bool {
	switch s {
	case "y", "Y", "yes", "Yes":
		return true
	default:
		return false
	}
}

func no(s string) bool {
	switch s {
	case "n", "N", "no", "No":
		return true
	default:
		return false
	}
}

func main() {
	os.Exit(mainInt())
}

func mainInt() int {
	dbPath := opts.DBPath
	if dbPath == "" {
		dbPath = filepath.Join(
			opts.AppData, opts.Network, "chain", wallet.WalletDBName,
		)
	}

	fmt.Println("Database path:", dbPath)
	_, err := os.Stat(dbPath)
	if os.IsNotExist(err) {
		fmt.Println("Database file does not exist")
		return 1
	}

	for !opts.Force {
		fmt.Print("Drop the instapayd transaction view? [y/N] ")

		scanner := bufio.NewScanner(bufio.NewReader(os.Stdin))
		if !scanner.Scan() {
			// Exit on EOF.
			return 0
		}
		err := scanner.Err()
		if err != nil {
			fmt.Println()
			fmt.Println(err)
			return 1
		}
		resp := scanner.Text()
		if yes(resp) {
			break
		}
		if no(resp) || resp == "" {
			return 0
		}

		fmt.Println("Enter yes or no.")
	}

	db, err := wallet.OpenDB(filepath.Dir(dbPath), opts.Timeout)
	if err != nil {
		fmt.Println("Failed to open database:", err)
		return 1
	}
	defer db.Close()

	fmt.Println("Dropping wtxmgr namespace")
	if err := wallet.DropTxView(db); err != nil {
		fmt.Println("Failed to drop namespace:", err)
		return 1
	}

	return 0
}
