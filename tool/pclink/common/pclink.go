/*
Copyright 2025 BYTEDz

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package common implements the pclink command line interface.
package common

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gravitational/kingpin"
	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"

	"github.com/BYTEDz/pclink/lib/defaults"
	"github.com/BYTEDz/pclink/lib/service"
	"github.com/BYTEDz/pclink/lib/utils"
)

// ExitCodeError carries a process exit code through the error chain.
type ExitCodeError struct {
	Code int
	Err  error
}

func (e *ExitCodeError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("exit code %d", e.Code)
}

func (e *ExitCodeError) Unwrap() error { return e.Err }

// GlobalCLIFlags are shared by all pclink commands.
type GlobalCLIFlags struct {
	// Debug enables verbose logging.
	Debug bool
	// DataDir overrides the default data directory.
	DataDir string
}

// Run parses the command line and executes the selected command,
// translating errors into the documented exit codes.
func Run(args []string) {
	if err := TryRun(args); err != nil {
		var exitErr *ExitCodeError
		if errors.As(err, &exitErr) {
			if exitErr.Err != nil {
				fmt.Fprintln(os.Stderr, utils.UserMessageFromError(exitErr.Err))
			}
			os.Exit(exitErr.Code)
		}
		utils.FatalError(err)
	}
}

// TryRun executes one CLI invocation and returns its error, which keeps
// the command logic testable.
func TryRun(args []string) error {
	var ccf GlobalCLIFlags

	app := kingpin.New("pclink", "PCLink remote control server.")
	app.Flag("debug", "Enable verbose logging.").Short('d').BoolVar(&ccf.Debug)
	app.Flag("data-dir", "Override the data directory.").StringVar(&ccf.DataDir)

	startCmd := app.Command("start", "Start the server daemon.").Default()
	startupMode := startCmd.Flag("startup", "Run for login autostart: log to file only and do not open a browser.").Bool()

	stopCmd := app.Command("stop", "Stop a running server.")
	restartCmd := app.Command("restart", "Restart the listener of a running server.")
	statusCmd := app.Command("status", "Show the status of a running server.")
	logsCmd := app.Command("logs", "Print the server log.")
	logsLines := logsCmd.Flag("lines", "Number of trailing lines to print.").Short('n').Default("50").Int()
	qrCmd := app.Command("qr", "Render the pairing QR code in the terminal.")
	setupCmd := app.Command("setup", "Run first-time setup: choose the operator password.")
	pairCmd := app.Command("pair", "List and decide pending pairing requests.")
	pairApprove := pairCmd.Flag("approve", "Approve the pairing request with this id.").String()
	pairDeny := pairCmd.Flag("deny", "Deny the pairing request with this id.").String()

	selected, err := app.Parse(args)
	if err != nil {
		return trace.Wrap(err)
	}

	level := log.InfoLevel
	if ccf.Debug {
		level = log.DebugLevel
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaults.HTTPRequestTimeout)
	defer cancel()

	switch selected {
	case startCmd.FullCommand():
		return onStart(&ccf, level, *startupMode)
	case stopCmd.FullCommand():
		return onStop(ctx, &ccf, level)
	case restartCmd.FullCommand():
		return onRestart(ctx, &ccf, level)
	case statusCmd.FullCommand():
		return onStatus(ctx, &ccf, level)
	case logsCmd.FullCommand():
		return onLogs(&ccf, level, *logsLines)
	case qrCmd.FullCommand():
		return onQR(ctx, &ccf, level)
	case setupCmd.FullCommand():
		return onSetup(ctx, &ccf, level)
	case pairCmd.FullCommand():
		return onPair(&ccf, level, *pairApprove, *pairDeny)
	}
	return trace.BadParameter("unknown command %q", selected)
}

// onStart runs the daemon until it is told to shut down.
func onStart(ccf *GlobalCLIFlags, level log.Level, startupMode bool) error {
	dataDir, err := resolveDataDir(ccf)
	if err != nil {
		return trace.Wrap(err)
	}
	logFile := logFilePath(dataDir)
	if err := utils.InitLogger(utils.LoggingForDaemon, level, logFile, startupMode); err != nil {
		return trace.Wrap(err)
	}

	process, err := service.New(service.Config{DataDir: dataDir})
	if err != nil {
		if trace.IsBadParameter(err) {
			return &ExitCodeError{Code: defaults.ExitInvalidConfig, Err: err}
		}
		return trace.Wrap(err)
	}
	if err := process.Start(); err != nil {
		if errors.Is(err, service.ErrAlreadyRunning) {
			return &ExitCodeError{Code: defaults.ExitAlreadyRunning, Err: err}
		}
		if trace.IsBadParameter(err) {
			return &ExitCodeError{Code: defaults.ExitInvalidConfig, Err: err}
		}
		return trace.Wrap(err)
	}

	// Shut down cleanly on SIGINT and SIGTERM.
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-signals
		log.WithField("signal", sig).Info("Shutting down.")
		process.ShutdownProcess()
	}()

	process.Wait()
	return nil
}
