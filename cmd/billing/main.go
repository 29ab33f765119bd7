package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/orionX123/billing/internal/connectors/registry"
	"github.com/orionX123/billing/internal/db"
	"github.com/orionX123/billing/internal/logging"
	"github.com/orionX123/billing/internal/sync"
)

// Exit codes follow sysexits(3) where one fits, so cron wrappers around
// `billing sync` can tell a busy connector from a broken one.
const (
	exitFailure     = 1
	exitUsage       = 64
	exitNotFound    = 66
	exitTempFailure = 75
	exitConfig      = 78
	exitCanceled    = 130
)

func main() {
	if code := runMain(Execute, os.Stderr); code != 0 {
		os.Exit(code)
	}
}

func runMain(execute func() error, stderr io.Writer) int {
	err := execute()
	if err == nil {
		return 0
	}
	return exitCodeForError(err, stderr)
}

// classifyError maps command errors onto an exit code and a short reason
// recorded with structured failures.
func classifyError(err error) (code int, reason string) {
	var verrs registry.ValidationErrors
	switch {
	case errors.Is(err, context.Canceled):
		return exitCanceled, "canceled"
	case errors.As(err, &verrs):
		return exitUsage, "invalid_input"
	case errors.Is(err, db.ErrNotFound):
		return exitNotFound, "not_found"
	case errors.Is(err, sync.ErrSyncAlreadyRunning), errors.Is(err, sync.ErrQueueFull):
		return exitTempFailure, "busy"
	case errors.Is(err, sync.ErrConnectorInactive):
		return exitConfig, "connector_inactive"
	}
	return exitFailure, ""
}

func exitCodeForError(err error, stderr io.Writer) int {
	var ee *exitError
	if errors.As(err, &ee) {
		if !ee.silent {
			cause := err
			if ee.err != nil {
				cause = ee.err
			}
			_, reason := classifyError(cause)
			emitCommandError(cause, reason, ee.code, stderr)
		}
		return ee.code
	}
	code, reason := classifyError(err)
	emitCommandError(err, reason, code, stderr)
	return code
}

func emitCommandError(err error, reason string, exitCode int, stderr io.Writer) {
	ctx := currentCommandExecutionContext()
	if !ctx.UsesStructuredLog {
		if exitCode == exitCanceled {
			fmt.Fprintln(stderr, "canceled")
			return
		}
		fmt.Fprintln(stderr, err)
		return
	}

	msg := "command failed"
	if exitCode == exitCanceled {
		msg = "command canceled"
	}
	attrs := []any{"exit_code", exitCode, "error", err}
	if reason != "" {
		attrs = append(attrs, "reason", reason)
	}
	fatalLogger(ctx, stderr).Error(msg, attrs...)
}

// fatalLogger rebuilds the command logger for the exit path. A bad
// LOG_FORMAT or LOG_LEVEL must not hide the original failure.
func fatalLogger(ctx commandExecutionContext, stderr io.Writer) *slog.Logger {
	cfg, err := logging.LoadConfigFromEnv()
	if err != nil {
		cfg = logging.DefaultConfig()
	}
	return logging.NewLogger(cfg, stderr, ctx.CommandPath)
}
