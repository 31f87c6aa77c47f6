// Copyright (c) 2013-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btclog"
	"github.com/btcsuite/btcwallet/wallet/txrules"
	"github.com/instapay/instapayd/internal/cfgutil"
	"github.com/instapay/instapayd/internal/db"
	"github.com/instapay/instapayd/keystore"
	"github.com/instapay/instapayd/netparams"
	"github.com/instapay/instapayd/verifier"
	"github.com/instapay/instapayd/wallet"
	flags "github.com/jessevdk/go-flags"
)

const (
	defaultConfigFilename = "instapayd.conf"
	defaultLogLevel       = "info"
	defaultLogDirname     = "logs"
	defaultLogFilename    = "instapayd.log"
	defaultLedgerFilename = "ledger.db"
	defaultDBDriver       = db.DriverSQLite
)

var (
	defaultAppDataDir = btcutil.AppDataDir("instapayd", false)
	defaultConfigFile = filepath.Join(defaultAppDataDir, defaultConfigFilename)
	defaultLogDir     = filepath.Join(defaultAppDataDir, defaultLogDirname)
)

type dbConfig struct {
	Driver string `long:"driver" description:"Ledger database driver {sqlite, pgx}"`
	DSN    string `long:"dsn" description:"Ledger data source name (default: ledger.db in the network directory for sqlite)"`
}

type config struct {
	// General application behavior
	ConfigFile  *cfgutil.ExplicitString `short:"C" long:"configfile" description:"Path to configuration file"`
	ShowVersion bool                    `short:"V" long:"version" description:"Display version information and exit"`
	AppDataDir  *cfgutil.ExplicitString `short:"A" long:"appdata" description:"Application data directory for chain state, ledger and logs"`
	TestNet3    bool                    `long:"testnet" description:"Use the test Bitcoin network (version 3) (default mainnet)"`
	RegTest     bool                    `long:"regtest" description:"Use the regression test network"`
	SimNet      bool                    `long:"simnet" description:"Use the simulation test network (default mainnet)"`
	DebugLevel  string                  `short:"d" long:"debuglevel" description:"Logging level {trace, debug, info, warn, error, critical}"`
	LogDir      string                  `long:"logdir" description:"Directory to log output."`
	DBTimeout   time.Duration           `long:"dbtimeout" description:"The timeout value to use when opening the chain state database."`

	// SPV options
	ConnectPeers []string `long:"connect" description:"Connect only to the specified peers at startup"`
	AddPeers     []string `short:"a" long:"addpeer" description:"Add a peer to connect with at startup"`

	// Policy options
	MinConf          int32               `long:"minconf" description:"Confirmations after which a transaction is final"`
	MinLockTime      time.Duration       `long:"minlocktime" description:"Minimum distance between now and the lock time of a new address"`
	MaxLockTime      time.Duration       `long:"maxlocktime" description:"Maximum distance between now and the lock time of a new address"`
	InstantThreshold time.Duration       `long:"instantthreshold" description:"Time a funding lock must outlast for a payment to be instant"`
	Rebroadcast      time.Duration       `long:"rebroadcast" description:"Interval between broadcast retries of unconfirmed transactions"`
	ConfWorkers      int                 `long:"confworkers" description:"Workers handling confirmation events (default: number of CPUs)"`
	ConfQueue        int                 `long:"confqueue" description:"Pending confirmation events before events run on the notifying goroutine"`
	DustRelayFee     *cfgutil.AmountFlag `long:"dustrelayfee" description:"Relay fee per kilobyte in BTC used to classify dust outputs"`

	// Key options
	KeyPass     string `long:"keypass" default-mask:"-" description:"Passphrase protecting the server keys (prompted when unset)"`
	PotKey      string `long:"potkey" default-mask:"-" description:"WIF private key of the collection address"`
	PotBirthday int64  `long:"potbirthday" description:"UNIX time the collection address was created, bounding its initial scan"`

	// Ledger options
	DB dbConfig `group:"Ledger" namespace:"db"`

	// API server options
	APIListeners  []string `long:"apilisten" description:"Listen for payment API connections on this interface/port"`
	APIMaxClients int64    `long:"apimaxclients" description:"Max number of concurrently served API requests"`
}

// cleanAndExpandPath expands environement variables and leading ~ in the
// passed path, cleans the result, and returns it.
func cleanAndExpandPath(path string) string {
	// Expand initial ~ to OS specific home directory.
	if strings.HasPrefix(path, "~") {
		homeDir := filepath.Dir(defaultAppDataDir)
		path = strings.Replace(path, "~", homeDir, 1)
	}

	// NOTE: The os.ExpandEnv doesn't work with Windows-style %VARIABLE%,
	// but they variables can still be expanded via POSIX-style $VARIABLE.
	return filepath.Clean(os.ExpandEnv(path))
}

// validLogLevel returns whether or not logLevel is a valid debug log level.
func validLogLevel(logLevel string) bool {
	_, ok := btclog.LevelFromString(logLevel)
	return ok
}

// supportedSubsystems returns a sorted slice of the supported subsystems for
// logging purposes.
func supportedSubsystems() []string {
	// Convert the subsystemLoggers map keys to a slice.
	subsystems := make([]string, 0, len(subsystemLoggers))
	for subsysID := range subsystemLoggers {
		subsystems = append(subsystems, subsysID)
	}

	// Sort the subsytems for stable display.
	sort.Strings(subsystems)
	return subsystems
}

// parseAndSetDebugLevels attempts to parse the specified debug level and set
// the levels accordingly.  An appropriate error is returned if anything is
// invalid.
func parseAndSetDebugLevels(debugLevel string) error {
	// When the specified string doesn't have any delimters, treat it as
	// the log level for all subsystems.
	if !strings.Contains(debugLevel, ",") && !strings.Contains(debugLevel, "=") {
		// Validate debug log level.
		if !validLogLevel(debugLevel) {
			str := "The specified debug level [%v] is invalid"
			return fmt.Errorf(str, debugLevel)
		}

		// Change the logging level for all subsystems.
		setLogLevels(debugLevel)

		return nil
	}

	// Split the specified string into subsystem/level pairs while detecting
	// issues and update the log levels accordingly.
	for _, logLevelPair := range strings.Split(debugLevel, ",") {
		if !strings.Contains(logLevelPair, "=") {
			str := "The specified debug level contains an invalid " +
				"subsystem/level pair [%v]"
			return fmt.Errorf(str, logLevelPair)
		}

		// Extract the specified subsystem and log level.
		fields := strings.Split(logLevelPair, "=")
		subsysID, logLevel := fields[0], fields[1]

		// Validate subsystem.
		if _, exists := subsystemLoggers[subsysID]; !exists {
			str := "The specified subsystem [%v] is invalid -- " +
				"supported subsytems %v"
			return fmt.Errorf(str, subsysID, supportedSubsystems())
		}

		// Validate log level.
		if !validLogLevel(logLevel) {
			str := "The specified debug level [%v] is invalid"
			return fmt.Errorf(str, logLevel)
		}

		setLogLevel(subsysID, logLevel)
	}

	return nil
}

// networkDir returns the directory name of a network directory to hold
// chain state and the SQLite ledger.
func networkDir(dataDir string, params *netparams.Params) string {
	netname := params.Name

	// For now, we must always name the testnet data directory as "testnet"
	// and not "testnet3" or any other version, as the chaincfg testnet3
	// paramaters will likely be switched to being named "testnet3" in the
	// future.  This is done to future proof that change, and an upgrade
	// plan to move the testnet3 data directory can be worked out later.
	if params.Params == netparams.TestNet3Params.Params {
		netname = "testnet"
	}

	return filepath.Join(dataDir, netname)
}

// defaultConfig returns the configuration used before the config file and
// command line are applied.
func defaultConfig() config {
	return config{
		DebugLevel:       defaultLogLevel,
		ConfigFile:       cfgutil.NewExplicitString(defaultConfigFile),
		AppDataDir:       cfgutil.NewExplicitString(defaultAppDataDir),
		LogDir:           defaultLogDir,
		DBTimeout:        wallet.DefaultDBTimeout,
		MinConf:          wallet.DefaultMinConf,
		MinLockTime:      keystore.DefaultMinLockTime,
		MaxLockTime:      keystore.DefaultMaxLockTime,
		InstantThreshold: verifier.DefaultLockThreshold,
		Rebroadcast:      wallet.DefaultRebroadcastInterval,
		ConfQueue:        wallet.DefaultConfirmQueueSize,
		DustRelayFee:     cfgutil.NewAmountFlag(txrules.DefaultRelayFeePerKb),
		DB: dbConfig{
			Driver: defaultDBDriver,
		},
	}
}

// loadConfig initializes and parses the config using a config file and command
// line options.
//
// The configuration proceeds as follows:
//  1. Start with a default config with sane settings
//  2. Pre-parse the command line to check for an alternative config file
//  3. Load configuration file overwriting defaults with any specified options
//  4. Parse CLI options and overwrite/add any specified options
//
// The above results in instapayd functioning properly without any config
// settings while still allowing the user to override settings with config
// files and command line options.  Command line options always take
// precedence.
func loadConfig() (*config, []string, error) {
	cfg := defaultConfig()

	// Pre-parse the command line options to see if an alternative config
	// file or the version flag was specified.
	preCfg := cfg
	preParser := flags.NewParser(&preCfg, flags.Default)
	_, err := preParser.Parse()
	if err != nil {
		var e *flags.Error
		if !errors.As(err, &e) || e.Type != flags.ErrHelp {
			preParser.WriteHelp(os.Stderr)
		}
		return nil, nil, err
	}

	// Show the version and exit if the version flag was specified.
	funcName := "loadConfig"
	appName := filepath.Base(os.Args[0])
	appName = strings.TrimSuffix(appName, filepath.Ext(appName))
	usageMessage := fmt.Sprintf("Use %s -h to show usage", appName)
	if preCfg.ShowVersion {
		fmt.Println(appName, "version", version())
		os.Exit(0)
	}

	// Load additional config from file.
	var configFileError error
	parser := flags.NewParser(&cfg, flags.Default)
	configFilePath := preCfg.ConfigFile.Value
	if preCfg.ConfigFile.ExplicitlySet() {
		configFilePath = cleanAndExpandPath(configFilePath)
	} else {
		appDataDir := preCfg.AppDataDir.Value
		if appDataDir != defaultAppDataDir {
			configFilePath = filepath.Join(appDataDir,
				defaultConfigFilename)
		}
	}
	err = flags.NewIniParser(parser).ParseFile(configFilePath)
	if err != nil {
		var pathErr *os.PathError
		if !errors.As(err, &pathErr) {
			fmt.Fprintln(os.Stderr, err)
			parser.WriteHelp(os.Stderr)
			return nil, nil, err
		}
		configFileError = err
	}

	// Parse command line options again to ensure they take precedence.
	remainingArgs, err := parser.Parse()
	if err != nil {
		var e *flags.Error
		if !errors.As(err, &e) || e.Type != flags.ErrHelp {
			parser.WriteHelp(os.Stderr)
		}
		return nil, nil, err
	}

	// If an alternate data directory was specified, and paths with defaults
	// relative to the data dir are unchanged, modify each path to be
	// relative to the new data dir.
	if cfg.AppDataDir.ExplicitlySet() {
		cfg.AppDataDir.Value = cleanAndExpandPath(cfg.AppDataDir.Value)
		if cfg.LogDir == defaultLogDir {
			cfg.LogDir = filepath.Join(cfg.AppDataDir.Value,
				defaultLogDirname)
		}
	}

	// Choose the active network params based on the selected network.
	// Multiple networks can't be selected simultaneously.
	numNets := 0
	if cfg.TestNet3 {
		activeNet = &netparams.TestNet3Params
		numNets++
	}
	if cfg.RegTest {
		activeNet = &netparams.RegressionNetParams
		numNets++
	}
	if cfg.SimNet {
		activeNet = &netparams.SimNetParams
		numNets++
	}
	if numNets > 1 {
		str := "%s: The testnet, regtest and simnet params can't be " +
			"used together -- choose one"
		err := fmt.Errorf(str, funcName)
		fmt.Fprintln(os.Stderr, err)
		parser.WriteHelp(os.Stderr)
		return nil, nil, err
	}

	// Append the network type to the log directory so it is "namespaced"
	// per network.
	cfg.LogDir = cleanAndExpandPath(cfg.LogDir)
	cfg.LogDir = filepath.Join(cfg.LogDir, activeNet.Params.Name)

	// Special show command to list supported subsystems and exit.
	if cfg.DebugLevel == "show" {
		fmt.Println("Supported subsystems", supportedSubsystems())
		os.Exit(0)
	}

	// Initialize log rotation.  After log rotation has been initialized,
	// the logger variables may be used.
	initLogRotator(filepath.Join(cfg.LogDir, defaultLogFilename))

	// Parse, validate, and set debug log level(s).
	if err := parseAndSetDebugLevels(cfg.DebugLevel); err != nil {
		err := fmt.Errorf("%s: %v", funcName, err.Error())
		fmt.Fprintln(os.Stderr, err)
		parser.WriteHelp(os.Stderr)
		return nil, nil, err
	}

	// Warn about missing config file after the final command line parse
	// succeeds.  This prevents the warning on help messages and invalid
	// options.
	if configFileError != nil {
		log.Warnf("%v", configFileError)
	}

	if err := validatePolicy(&cfg); err != nil {
		err := fmt.Errorf("%s: %v", funcName, err)
		fmt.Fprintln(os.Stderr, err)
		fmt.Fprintln(os.Stderr, usageMessage)
		return nil, nil, err
	}

	switch cfg.DB.Driver {
	case db.DriverSQLite:
		if cfg.DB.DSN == "" {
			netDir := networkDir(cfg.AppDataDir.Value, activeNet)
			if err := os.MkdirAll(netDir, 0700); err != nil {
				return nil, nil, err
			}
			cfg.DB.DSN = filepath.Join(netDir, defaultLedgerFilename)
		}

	case db.DriverPostgres:
		if cfg.DB.DSN == "" {
			err := fmt.Errorf("%s: --db.dsn is required for the "+
				"postgres driver", funcName)
			fmt.Fprintln(os.Stderr, err)
			return nil, nil, err
		}

	default:
		err := fmt.Errorf("%s: unknown ledger driver %q", funcName,
			cfg.DB.Driver)
		fmt.Fprintln(os.Stderr, err)
		fmt.Fprintln(os.Stderr, usageMessage)
		return nil, nil, err
	}

	if len(cfg.APIListeners) == 0 {
		addrs, err := net.LookupHost("localhost")
		if err != nil {
			return nil, nil, err
		}
		cfg.APIListeners = make([]string, 0, len(addrs))
		for _, addr := range addrs {
			addr = net.JoinHostPort(addr, activeNet.APIPort)
			cfg.APIListeners = append(cfg.APIListeners, addr)
		}
	}

	// Add default port to all listener addresses if needed and remove
	// duplicate addresses.
	cfg.APIListeners, err = cfgutil.NormalizeAddresses(
		cfg.APIListeners, activeNet.APIPort)
	if err != nil {
		fmt.Fprintf(os.Stderr,
			"Invalid network address in API listeners: %v\n", err)
		return nil, nil, err
	}
	if !cfgutil.IsLoopback(cfg.APIListeners) {
		log.Warnf("Payment API listens on non-loopback addresses %v "+
			"without TLS", cfg.APIListeners)
	}

	return &cfg, remainingArgs, nil
}

// validatePolicy checks the numeric policy options.
func validatePolicy(cfg *config) error {
	switch {
	case cfg.MinConf < 1:
		return fmt.Errorf("--minconf must be at least 1")

	case cfg.MinLockTime < 0 || cfg.MaxLockTime < cfg.MinLockTime:
		return fmt.Errorf("--minlocktime %v and --maxlocktime %v do "+
			"not form a window", cfg.MinLockTime, cfg.MaxLockTime)

	case cfg.InstantThreshold <= 0:
		return fmt.Errorf("--instantthreshold must be positive")

	case cfg.Rebroadcast <= 0:
		return fmt.Errorf("--rebroadcast must be positive")

	case cfg.ConfWorkers < 0 || cfg.ConfQueue < 0:
		return fmt.Errorf("--confworkers and --confqueue must not " +
			"be negative")

	case cfg.PotBirthday < 0:
		return fmt.Errorf("--potbirthday must not be negative")
	}

	return nil
}
