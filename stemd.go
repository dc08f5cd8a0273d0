// Copyright (c) 2026 The Stemnet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/stemnet/stemd/internal/version"
)

// cfg houses the loaded configuration and is used throughout the main
// package.
var cfg *config

// stemdMain is the real main function for stemd.  It is necessary to work
// around the fact that deferred functions do not run when os.Exit() is
// called.
func stemdMain() error {
	// Load configuration and parse command line.  This function also
	// initializes logging and configures it accordingly.
	appName := filepath.Base(os.Args[0])
	appName = strings.TrimSuffix(appName, filepath.Ext(appName))
	tcfg, _, err := loadConfig(appName)
	if err != nil {
		usageMessage := fmt.Sprintf("Use %s -h to show usage", appName)
		fmt.Fprintln(os.Stderr, err)
		var e errSuppressUsage
		if !errors.As(err, &e) {
			fmt.Fprintln(os.Stderr, usageMessage)
		}
		return err
	}
	cfg = tcfg
	defer func() {
		if logRotator != nil {
			logRotator.Close()
		}
	}()

	// Get a context that will be canceled when a shutdown signal has been
	// triggered from an OS signal such as SIGINT (Ctrl+C).
	ctx := shutdownListener()
	defer stemdLog.Info("Shutdown complete")

	// Show version at startup.
	stemdLog.Infof("Version %s (Go version %s %s/%s)", version.String(),
		runtime.Version(), runtime.GOOS, runtime.GOARCH)
	stemdLog.Infof("Home dir: %s", cfg.HomeDir)
	if cfg.NoFileLogging {
		stemdLog.Info("File logging disabled")
	}

	// Create the server and start it.
	svr, err := newServer(ctx, cfg.Listeners, activeNetParams.Params)
	if err != nil {
		stemdLog.Errorf("Unable to start server: %v", err)
		return err
	}
	svr.Run(ctx)

	return nil
}

func main() {
	// Work around defer not working after os.Exit()
	if err := stemdMain(); err != nil {
		os.Exit(1)
	}
}
