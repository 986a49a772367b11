package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/topvine/cmsync/cmsync"
	"github.com/topvine/cmsync/internal/ezhttp"
)

func NewRunsCmd(parent *cobra.Command) {
	cmd := &cobra.Command{
		Use:     "runs <integration-id>",
		GroupID: "actions",
		Short:   "Lists sync runs of an integration",
		Args:    cobra.ExactArgs(1),
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return viper.BindPFlag("limit", cmd.Flags().Lookup("limit"))
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			rs, err := ezhttp.Get(fmt.Sprintf("/integrations/%s/runs?limit=%d", args[0], viper.GetInt("limit")))
			if err != nil {
				return fmt.Errorf("failed to list sync runs: %w", err)
			}
			var runs []cmsync.SyncRunResponse
			if err = ezhttp.ProcessBody(rs, &runs); err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "ID\tMODE\tSTATUS\tSTARTED\tFETCHED\tSYNCED\tFAILED\tERROR")
			for _, run := range runs {
				_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
					run.ID, run.Mode, run.Status, humanize.Time(run.StartedAt), run.DocumentsFetched, run.DocumentsSynced, run.DocumentsFailed, run.Error)
			}
			return w.Flush()
		},
	}
	cmd.Flags().Int("limit", 20, "maximum number of runs to list")

	parent.AddCommand(cmd)
}

func NewEventsCmd(parent *cobra.Command) {
	cmd := &cobra.Command{
		Use:     "events <integration-id>",
		GroupID: "actions",
		Short:   "Lists received webhook events of an integration",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rs, err := ezhttp.Get("/integrations/" + args[0] + "/events")
			if err != nil {
				return fmt.Errorf("failed to list webhook events: %w", err)
			}
			var events []cmsync.WebhookEventResponse
			if err = ezhttp.ProcessBody(rs, &events); err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "ID\tTYPE\tRECEIVED\tPROCESSED\tRESULT\tERROR")
			for _, event := range events {
				_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\t%s\n",
					event.ID, event.EventType, humanize.Time(event.ReceivedAt), event.Processed, event.Result, event.ProcessingError)
			}
			return w.Flush()
		},
	}

	parent.AddCommand(cmd)
}
