package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/orionX123/billing/internal/secrets"
)

var keygenCmd = &cobra.Command{
	Use:         "keygen",
	Short:       "Print a new base64 credential encryption key for ENCRYPTION_KEY.",
	Args:        cobra.NoArgs,
	Annotations: map[string]string{annotationPlainOutput: "true"},
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := secrets.GenerateKey()
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(cmd.OutOrStdout(), key)
		return err
	},
}
