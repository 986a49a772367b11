package cmd

import (
	"bytes"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/topvine/cmsync/cmsync"
	"github.com/topvine/cmsync/internal/ezhttp"
)

func NewSyncCmd(parent *cobra.Command) {
	cmd := &cobra.Command{
		Use:     "sync <integration-id>",
		GroupID: "actions",
		Short:   "Triggers a sync run for an integration",
		Args:    cobra.ExactArgs(1),
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return viper.BindPFlag("full", cmd.Flags().Lookup("full"))
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			var body io.Reader
			if viper.GetBool("full") {
				body = bytes.NewReader([]byte(`{"full":true}`))
			}
			rs, err := ezhttp.Post("/integrations/"+args[0]+"/sync", body)
			if err != nil {
				return fmt.Errorf("failed to trigger sync: %w", err)
			}
			var run cmsync.SyncRunResponse
			if err = ezhttp.ProcessBody(rs, &run); err != nil {
				return err
			}
			cmd.Printf("Started sync run %s (%s)\n", run.ID, run.Status)
			return nil
		},
	}
	cmd.Flags().Bool("full", false, "force a full sync even on incremental integrations")

	docCmd := &cobra.Command{
		Use:   "document <integration-id> <native-id>",
		Short: "Syncs a single document by its upstream id",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			rs, err := ezhttp.Post("/integrations/"+args[0]+"/sync/documents/"+args[1], nil)
			if err != nil {
				return fmt.Errorf("failed to sync document: %w", err)
			}
			var result cmsync.SyncDocumentResponse
			if err = ezhttp.ProcessBody(rs, &result); err != nil {
				return err
			}
			switch {
			case result.Deleted:
				cmd.Printf("Document %s no longer exists upstream, removed from index\n", result.NativeID)
			case result.Synced:
				cmd.Printf("Document %s synced\n", result.NativeID)
			default:
				return fmt.Errorf("document %s failed: %s", result.NativeID, result.Error)
			}
			return nil
		},
	}
	cmd.AddCommand(docCmd)

	parent.AddCommand(cmd)
}
