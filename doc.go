// Copyright (c) 2026 The Stemnet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

/*
stemd is a transaction-relay daemon with Dandelion stem-phase propagation.

The default options are sane for most users.  This means stemd will work 'out
of the box' for most users.  However, there are also a wide variety of flags
that can be used to control it.

The long form of all of these options (except -C) can be specified in a
configuration file that is automatically parsed when stemd starts up.  By
default, the configuration file is located at ~/.stemd/stemd.conf on
POSIX-style operating systems and %LOCALAPPDATA%\stemd\stemd.conf on Windows.
The -C (--configfile) flag can be used to override this location.

Usage:

	stemd [OPTIONS]

Application Options:

	-V, --version         Display version information and exit
	-A, --appdata=        Path to application home directory
	-C, --configfile=     Path to configuration file
	    --logdir=         Directory to log output
	    --nofilelogging   Disable file logging
	    --addpeer=        Add a peer to connect with at startup
	    --connect=        Connect only to the specified peers at startup
	    --nolisten        Disable listening for incoming connections
	    --listen=         Add an interface/port to listen for connections
	    --maxpeers=       Max number of inbound and outbound peers
	    --nostem          Disable stem-phase relay and broadcast all
	                      transactions immediately
	    --noseeders       Disable seeding for peer discovery
	    --proxy=          Connect via SOCKS5 proxy (eg. 127.0.0.1:9050)
	    --proxyuser=      Username for proxy server
	    --proxypass=      Password for proxy server
	    --testnet         Use the test network
	    --simnet          Use the simulation test network
	    --dialtimeout=    How long to wait for TCP connection completion
	-d, --debuglevel=     Logging level for all subsystems {trace, debug,
	                      info, warn, error, critical}
*/
package main
