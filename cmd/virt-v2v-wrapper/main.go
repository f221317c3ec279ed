// Copyright (c) 2018 Red Hat, Inc.
//
// SPDX-License-Identifier: Apache-2.0
//

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/oVirt/v2v-conversion-host/pkg/config"
	"github.com/oVirt/v2v-conversion-host/pkg/version"
	"github.com/oVirt/v2v-conversion-host/pkg/wrapper"
)

// name is the name of the wrapper binary.
const name = "virt-v2v-wrapper"

const usage = `helper to start and monitor virt-v2v

The conversion request is read as a JSON document from standard input.
The wrapper prints one JSON document with the paths to its log files
and to the state file on standard output, then runs the conversion,
publishing progress through the state file.`

var mainLog = logrus.WithField("source", "main")

// fatal reports an error that prevented the wrapper from starting.
func fatal(err error) {
	mainLog.Error(err)
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}

// handleChecks intercepts the conversion host sanity check options.
// They do not follow regular option syntax, --check-<name> selects the
// check by name, so they are handled before command line parsing.
func handleChecks(args []string) {
	if len(args) < 2 {
		return
	}
	switch {
	case args[1] == "--checks":
		for _, check := range wrapper.CheckNames() {
			fmt.Println(check)
		}
		os.Exit(0)
	case strings.HasPrefix(args[1], "--check-"):
		if wrapper.RunCheck(strings.TrimPrefix(args[1], "--check-")) {
			os.Exit(0)
		}
		os.Exit(1)
	}
}

func setCLIGlobals() {
	// Callers parse the version output, keep the format stable.
	cli.VersionPrinter = func(c *cli.Context) {
		fmt.Printf("%s %s\n", c.App.Name, c.App.Version)
	}
}

// setupSignalHandler cancels the conversion context on the first
// termination signal. The wrapper then stops the converter and cleans
// up before exiting.
func setupSignalHandler(cancel context.CancelFunc) {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		sig := <-sigCh
		mainLog.WithField("signal", sig).Info("Received signal, canceling conversion")
		cancel()
	}()
}

func createWrapperApp(ctx context.Context, args []string) error {
	app := cli.NewApp()

	app.Name = name
	app.Usage = usage
	app.Version = version.Version

	app.Action = func(c *cli.Context) error {
		cfg, err := config.Load()
		if err != nil {
			return cli.NewExitError(err.Error(), 1)
		}
		if code := wrapper.Run(ctx, cfg); code != 0 {
			return cli.NewExitError("", code)
		}
		return nil
	}

	return app.Run(args)
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	setupSignalHandler(cancel)
	setCLIGlobals()
	handleChecks(os.Args)

	if err := createWrapperApp(ctx, os.Args); err != nil {
		fatal(err)
	}
}
