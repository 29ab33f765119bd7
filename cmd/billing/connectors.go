package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/orionX123/billing/internal/config"
)

var connectorsCmd = &cobra.Command{
	Use:         "connectors",
	Short:       "Inspect the built-in provider adapters.",
	Annotations: map[string]string{annotationPlainOutput: "true"},
}

var connectorsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the connector types this build supports.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadOptionalDB()
		if err != nil {
			return err
		}
		reg, err := buildRegistry(cfg)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tDISPLAY NAME\tCATEGORY\tWEBHOOK EVENTS")
		for _, ct := range reg.Catalog() {
			events := "-"
			if ct.SupportsWebhook && len(ct.WebhookEvents) > 0 {
				events = strings.Join(ct.WebhookEvents, ",")
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", ct.Name, ct.DisplayName, ct.Category, events)
		}
		return w.Flush()
	},
}

func init() {
	connectorsCmd.AddCommand(connectorsListCmd)
}
