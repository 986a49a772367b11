package cmd

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/topvine/cmsync/cmsync"
	"github.com/topvine/cmsync/internal/ezhttp"
)

func NewIntegrationsCmd(parent *cobra.Command) {
	cmd := &cobra.Command{
		Use:     "integrations",
		GroupID: "actions",
		Short:   "Manages CMS integrations",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "Lists the integrations of a tenant",
		Args:  cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return viper.BindPFlag("tenant", cmd.Flags().Lookup("tenant"))
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant := viper.GetString("tenant")
			if tenant == "" {
				return fmt.Errorf("no tenant id provided")
			}
			rs, err := ezhttp.Get("/integrations?tenant_id=" + url.QueryEscape(tenant))
			if err != nil {
				return fmt.Errorf("failed to list integrations: %w", err)
			}
			var integrations []cmsync.IntegrationResponse
			if err = ezhttp.ProcessBody(rs, &integrations); err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "ID\tNAME\tTYPE\tMODE\tACTIVE\tLAST SYNC\tDOCS")
			for _, integration := range integrations {
				lastSync := "never"
				if integration.LastSyncAt != nil {
					lastSync = fmt.Sprintf("%s (%s)", integration.LastSyncStatus, humanize.Time(*integration.LastSyncAt))
				}
				_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\t%s\t%d\n",
					integration.ID, integration.Name, integration.Type, integration.SyncMode, integration.Active, lastSync, integration.LastSyncDocuments)
			}
			return w.Flush()
		},
	}
	listCmd.Flags().String("tenant", "", "tenant id to list integrations for")

	getCmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Shows one integration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rs, err := ezhttp.Get("/integrations/" + args[0])
			if err != nil {
				return fmt.Errorf("failed to get integration: %w", err)
			}
			var integration cmsync.IntegrationResponse
			if err = ezhttp.ProcessBody(rs, &integration); err != nil {
				return err
			}
			cmd.Printf("ID:\t\t%s\nName:\t\t%s\nType:\t\t%s\nIndex:\t\t%s\nSync Mode:\t%s\nActive:\t\t%t\nDocuments:\t%d\nMappings:\t%d\n",
				integration.ID, integration.Name, integration.Type, integration.IndexName, integration.SyncMode, integration.Active, integration.DocumentCount, len(integration.FieldMappings))
			if integration.WebhookURL != "" {
				cmd.Printf("Webhook:\t%s (secret set: %t)\n", integration.WebhookURL, integration.WebhookSecretSet)
			}
			return nil
		},
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Creates an integration from a JSON definition file",
		Args:  cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return viper.BindPFlag("file", cmd.Flags().Lookup("file"))
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			file := viper.GetString("file")
			if file == "" {
				return fmt.Errorf("no definition file provided")
			}
			body, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("failed to read definition file: %w", err)
			}
			rs, err := ezhttp.Post("/integrations", bytes.NewReader(body))
			if err != nil {
				return fmt.Errorf("failed to create integration: %w", err)
			}
			var integration cmsync.IntegrationResponse
			if err = ezhttp.ProcessBody(rs, &integration); err != nil {
				return err
			}
			cmd.Printf("Created integration %s (%s)\n", integration.ID, integration.Name)
			return nil
		},
	}
	createCmd.Flags().StringP("file", "f", "", "path to the integration definition JSON")

	deleteCmd := &cobra.Command{
		Use:   "rm <id>",
		Short: "Deletes an integration and its synced documents",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rs, err := ezhttp.Delete("/integrations/" + args[0])
			if err != nil {
				return fmt.Errorf("failed to delete integration: %w", err)
			}
			if err = ezhttp.ProcessBody(rs, nil); err != nil {
				return err
			}
			cmd.Printf("Deleted integration %s\n", args[0])
			return nil
		},
	}

	testCmd := &cobra.Command{
		Use:   "test <id>",
		Short: "Tests the upstream connection of an integration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rs, err := ezhttp.Post("/integrations/"+args[0]+"/test", nil)
			if err != nil {
				return fmt.Errorf("failed to test integration: %w", err)
			}
			var result cmsync.TestConnectionResponse
			if err = ezhttp.ProcessBody(rs, &result); err != nil {
				return err
			}
			if result.Success {
				cmd.Println("Connection OK")
				return nil
			}
			return fmt.Errorf("connection failed: %s", result.Message)
		},
	}

	fieldsCmd := &cobra.Command{
		Use:   "fields <id>",
		Short: "Lists the fields the upstream CMS exposes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rs, err := ezhttp.Get("/integrations/" + args[0] + "/fields")
			if err != nil {
				return fmt.Errorf("failed to get fields: %w", err)
			}
			var fields cmsync.FieldsResponse
			if err = ezhttp.ProcessBody(rs, &fields); err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "NAME\tTYPE\tLABEL")
			for _, field := range fields.Fields {
				_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", field.Name, field.Type, field.Label)
			}
			return w.Flush()
		},
	}

	webhookCmd := &cobra.Command{
		Use:   "webhook <id>",
		Short: "Registers the inbound webhook for an integration and prints the secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rs, err := ezhttp.Post("/integrations/"+args[0]+"/webhook", nil)
			if err != nil {
				return fmt.Errorf("failed to setup webhook: %w", err)
			}
			var webhook cmsync.WebhookSetupResponse
			if err = ezhttp.ProcessBody(rs, &webhook); err != nil {
				return err
			}
			cmd.Printf("Webhook URL:\t%s\nSecret:\t\t%s\n", webhook.URL, webhook.Secret)
			cmd.Println("The secret is shown only once, store it now.")
			return nil
		},
	}

	cmd.AddCommand(listCmd, getCmd, createCmd, deleteCmd, testCmd, fieldsCmd, webhookCmd)
	parent.AddCommand(cmd)
}
