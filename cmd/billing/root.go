package main

import (
	stdsync "sync"

	"github.com/spf13/cobra"

	"github.com/orionX123/billing/internal/logging"
)

// annotationPlainOutput marks commands whose output is meant for humans or
// pipes rather than log collectors.
const annotationPlainOutput = "billing/plain-output"

var rootCmd = &cobra.Command{
	Use:           "billing",
	Short:         "Connector integration engine for multi-tenant billing.",
	SilenceErrors: true,
	SilenceUsage:  true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentPreRunE = bootstrapCommand
	rootCmd.AddCommand(serveCmd, workerCmd, syncCmd, migrateCmd, seedCatalogCmd, connectorsCmd, keygenCmd)
}

type commandExecutionContext struct {
	CommandPath       string
	UsesStructuredLog bool
}

var (
	execCtxMu stdsync.Mutex
	execCtx   commandExecutionContext
)

func setCommandExecutionContext(c commandExecutionContext) {
	execCtxMu.Lock()
	defer execCtxMu.Unlock()
	execCtx = c
}

func resetCommandExecutionContext() {
	setCommandExecutionContext(commandExecutionContext{})
}

func currentCommandExecutionContext() commandExecutionContext {
	execCtxMu.Lock()
	defer execCtxMu.Unlock()
	return execCtx
}

func commandUsesStructuredLogging(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations[annotationPlainOutput] == "true" {
			return false
		}
	}
	return cmd != rootCmd
}

func bootstrapCommand(cmd *cobra.Command, _ []string) error {
	structured := commandUsesStructuredLogging(cmd)
	setCommandExecutionContext(commandExecutionContext{
		CommandPath:       cmd.CommandPath(),
		UsesStructuredLog: structured,
	})
	if !structured {
		return nil
	}
	_, err := logging.BootstrapFromEnv(logging.BootstrapOptions{Command: cmd.CommandPath(), Writer: cmd.ErrOrStderr()})
	return err
}
