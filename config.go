// Copyright (c) 2026 The Stemnet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/decred/dcrd/dcrutil/v4"
	"github.com/decred/go-socks/socks"
	flags "github.com/jessevdk/go-flags"

	"github.com/stemnet/stemd/internal/version"
)

const (
	defaultConfigFilename = "stemd.conf"
	defaultLogDirname     = "logs"
	defaultLogFilename    = "stemd.log"
	defaultLogLevel       = "info"
	defaultMaxPeers       = 125
	defaultDialTimeout    = time.Second * 30
)

var (
	defaultHomeDir    = dcrutil.AppDataDir("stemd", false)
	defaultConfigFile = filepath.Join(defaultHomeDir, defaultConfigFilename)
	defaultLogDir     = filepath.Join(defaultHomeDir, defaultLogDirname)
)

// config defines the configuration options for stemd.
//
// See loadConfig for details on the configuration load process.
type config struct {
	AddPeers       []string      `long:"addpeer" description:"Add a peer to connect with at startup"`
	ConnectPeers   []string      `long:"connect" description:"Connect only to the specified peers at startup"`
	ConfigFile     string        `short:"C" long:"configfile" description:"Path to configuration file"`
	DebugLevel     string        `short:"d" long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical} -- You may also specify <subsystem>=<level>,<subsystem2>=<level>,... to set the log level for individual subsystems -- Use show to list available subsystems"`
	DialTimeout    time.Duration `long:"dialtimeout" description:"How long to wait for TCP connection completion.  Valid time units are {s, m, h}.  Minimum 1 second"`
	DisableListen  bool          `long:"nolisten" description:"Disable listening for incoming connections"`
	DisableSeeders bool          `long:"noseeders" description:"Disable seeding for peer discovery"`
	HomeDir        string        `short:"A" long:"appdata" description:"Path to application home directory"`
	Listeners      []string      `long:"listen" description:"Add an interface/port to listen for connections (default all interfaces port: 9108, testnet: 19108)"`
	LogDir         string        `long:"logdir" description:"Directory to log output"`
	MaxPeers       int           `long:"maxpeers" description:"Max number of inbound and outbound peers"`
	NoFileLogging  bool          `long:"nofilelogging" description:"Disable file logging"`
	NoStem         bool          `long:"nostem" description:"Disable stem-phase relay and broadcast all transactions immediately"`
	Proxy          string        `long:"proxy" description:"Connect via SOCKS5 proxy (eg. 127.0.0.1:9050)"`
	ProxyPass      string        `long:"proxypass" default-mask:"-" description:"Password for proxy server"`
	ProxyUser      string        `long:"proxyuser" description:"Username for proxy server"`
	ShowVersion    bool          `short:"V" long:"version" description:"Display version information and exit"`
	SimNet         bool          `long:"simnet" description:"Use the simulation test network"`
	TestNet        bool          `long:"testnet" description:"Use the test network"`

	// lookup and dial provide the functions to use for resolving host
	// names and making outbound connections, respectively.  They are set
	// during config load based on the proxy settings.
	lookup func(string) ([]net.IP, error)
	dial   func(context.Context, string, string) (net.Conn, error)
}

// errSuppressUsage signifies that an error that happened during the initial
// configuration phase should suppress the usage output since it was not
// caused by the user.
type errSuppressUsage string

// Error implements the error interface.
func (e errSuppressUsage) Error() string {
	return string(e)
}

// normalizeAddress returns addr with the passed default port appended if
// there is not already a port specified.
func normalizeAddress(addr, defaultPort string) string {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return net.JoinHostPort(addr, defaultPort)
	}
	return addr
}

// normalizeAddresses returns a new slice with all the passed peer addresses
// normalized with the given default port, and all duplicates removed.
func normalizeAddresses(addrs []string, defaultPort string) []string {
	result := make([]string, 0, len(addrs))
	seen := map[string]struct{}{}
	for _, addr := range addrs {
		addr = normalizeAddress(addr, defaultPort)
		if _, ok := seen[addr]; !ok {
			result = append(result, addr)
			seen[addr] = struct{}{}
		}
	}
	return result
}

// cleanAndExpandPath expands environment variables and leading ~ in the
// passed path, cleans the result, and returns it.
func cleanAndExpandPath(path string) string {
	// Nothing to do when no path is given.
	if path == "" {
		return path
	}

	// NOTE: The os.ExpandEnv doesn't work with Windows cmd.exe-style
	// %VARIABLE%, but the variables can still be expanded via POSIX-style
	// $VARIABLE.
	path = os.ExpandEnv(path)

	if !strings.HasPrefix(path, "~") {
		return filepath.Clean(path)
	}

	// Expand initial ~ to the parent directory of the default application
	// home directory.  A ~otheruser prefix is not resolved to another
	// user's home directory; the name is kept as a path element under it.
	homeDir := filepath.Dir(defaultHomeDir)
	path = strings.TrimPrefix(path, "~")
	return filepath.Join(homeDir, path)
}

// loadConfig initializes and parses the config using a config file and
// command line options.
//
// The configuration proceeds as follows:
//  1. Start with a default config with sane settings
//  2. Pre-parse the command line to check for an alternative config file
//  3. Load configuration file overwriting defaults with any specified options
//  4. Parse CLI options and overwrite/add any specified options
//
// The above results in stemd functioning properly without any config
// settings while still allowing the user to override settings with config
// files and command line options.
func loadConfig(appName string) (*config, []string, error) {
	// Default config.
	cfg := config{
		ConfigFile:  defaultConfigFile,
		DebugLevel:  defaultLogLevel,
		DialTimeout: defaultDialTimeout,
		HomeDir:     defaultHomeDir,
		LogDir:      defaultLogDir,
		MaxPeers:    defaultMaxPeers,
	}

	// Pre-parse the command line options to see if an alternative config
	// file or the version flag was specified.  Any errors aside from the
	// help message error can be ignored here since they will be caught by
	// the final parse below.
	preCfg := cfg
	preParser := flags.NewParser(&preCfg, flags.HelpFlag)
	_, err := preParser.Parse()
	if err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			fmt.Fprintln(os.Stdout, err)
			os.Exit(0)
		}
	}

	// Show the version and exit if the version flag was specified.
	if preCfg.ShowVersion {
		fmt.Printf("%s version %s (Go version %s %s/%s)\n", appName,
			version.String(), runtime.Version(), runtime.GOOS,
			runtime.GOARCH)
		os.Exit(0)
	}

	// Update the home directory if specified.  Since the home directory is
	// updated, other variables need to be updated to reflect the new
	// location.
	if preCfg.HomeDir != "" {
		cfg.HomeDir = cleanAndExpandPath(preCfg.HomeDir)

		if preCfg.ConfigFile == defaultConfigFile {
			cfg.ConfigFile = filepath.Join(cfg.HomeDir,
				defaultConfigFilename)
		} else {
			cfg.ConfigFile = preCfg.ConfigFile
		}
		if preCfg.LogDir == defaultLogDir {
			cfg.LogDir = filepath.Join(cfg.HomeDir, defaultLogDirname)
		}
	}

	// Load additional config from file.
	parser := flags.NewParser(&cfg, flags.Default)
	err = flags.NewIniParser(parser).ParseFile(cfg.ConfigFile)
	if err != nil {
		var pathErr *os.PathError
		if !errors.As(err, &pathErr) {
			return nil, nil, errSuppressUsage(fmt.Sprintf("error "+
				"parsing config file: %v", err))
		}
	}

	// Parse command line options again to ensure they take precedence.
	remainingArgs, err := parser.Parse()
	if err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			fmt.Fprintln(os.Stdout, err)
			os.Exit(0)
		}
		return nil, nil, err
	}

	// Multiple networks can't be selected simultaneously.
	numNets := 0
	if cfg.TestNet {
		numNets++
		activeNetParams = &testNet3Params
	}
	if cfg.SimNet {
		numNets++
		activeNetParams = &simNetParams
	}
	if numNets > 1 {
		return nil, nil, errors.New("the testnet and simnet params can't " +
			"be used together -- choose one of the two")
	}

	// Append the network type to the home and log directories so they are
	// "namespaced" per network.
	cfg.HomeDir = cleanAndExpandPath(cfg.HomeDir)
	cfg.HomeDir = filepath.Join(cfg.HomeDir, activeNetParams.Name)
	cfg.LogDir = cleanAndExpandPath(cfg.LogDir)
	cfg.LogDir = filepath.Join(cfg.LogDir, activeNetParams.Name)

	// Create the home directory if it doesn't already exist.
	err = os.MkdirAll(cfg.HomeDir, 0700)
	if err != nil {
		return nil, nil, errSuppressUsage(fmt.Sprintf("unable to create "+
			"home directory: %v", err))
	}

	// Special show command to list supported subsystems and exit.
	if cfg.DebugLevel == "show" {
		fmt.Println("Supported subsystems", supportedSubsystems())
		os.Exit(0)
	}

	// Initialize log rotation.  After the log rotation has been
	// initialized, the logger variables may be used.
	if !cfg.NoFileLogging {
		initLogRotator(filepath.Join(cfg.LogDir, defaultLogFilename))
	}

	// Parse, validate, and set debug log level(s).
	if err := parseAndSetDebugLevels(cfg.DebugLevel); err != nil {
		return nil, nil, fmt.Errorf("%s: %w", "loadConfig", err)
	}

	// Enforce a sane dial timeout.
	if cfg.DialTimeout < time.Second {
		return nil, nil, errors.New("the dialtimeout option may not be " +
			"less than 1 second")
	}

	// --connect implies --nolisten and --noseeders since the node is
	// intended to only establish the requested connections.
	if len(cfg.ConnectPeers) > 0 {
		cfg.DisableListen = true
		cfg.DisableSeeders = true
	}

	// The simulation network is only intended to connect to specified
	// peers and to actively avoid advertising and connecting to discovered
	// peers in order to prevent it from becoming a public network.
	if cfg.SimNet {
		cfg.DisableSeeders = true
	}

	// Add the default listener to the listen addresses when none are
	// specified.
	if len(cfg.Listeners) == 0 {
		cfg.Listeners = []string{
			net.JoinHostPort("", activeNetParams.DefaultPort),
		}
	}

	// Add default ports to all peer and listener addresses.
	cfg.AddPeers = normalizeAddresses(cfg.AddPeers,
		activeNetParams.DefaultPort)
	cfg.ConnectPeers = normalizeAddresses(cfg.ConnectPeers,
		activeNetParams.DefaultPort)
	cfg.Listeners = normalizeAddresses(cfg.Listeners,
		activeNetParams.DefaultPort)

	// Setup dial and DNS resolution functions depending on the proxy
	// configuration.  When a proxy is specified, all outbound connections
	// are established through it.
	cfg.lookup = net.LookupIP
	cfg.dial = new(net.Dialer).DialContext
	if cfg.Proxy != "" {
		_, _, err := net.SplitHostPort(cfg.Proxy)
		if err != nil {
			return nil, nil, fmt.Errorf("proxy address %q is invalid: "+
				"%w", cfg.Proxy, err)
		}

		proxy := &socks.Proxy{
			Addr:     cfg.Proxy,
			Username: cfg.ProxyUser,
			Password: cfg.ProxyPass,
		}
		cfg.dial = proxy.DialContext
	}

	return &cfg, remainingArgs, nil
}
