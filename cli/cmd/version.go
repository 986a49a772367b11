package cmd

import (
	"github.com/spf13/cobra"

	"github.com/topvine/cmsync/internal/ezhttp"
	"github.com/topvine/cmsync/internal/ver"
)

func NewVersionCmd(parent *cobra.Command, version ver.Version) {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Prints the client and server version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.Printf("Client: %s\n", version.Format())

			rs, err := ezhttp.Get("/version")
			if err != nil {
				cmd.Printf("Server: unreachable (%s)\n", err)
				return nil
			}
			defer func() {
				_ = rs.Body.Close()
			}()
			buf := make([]byte, 256)
			n, _ := rs.Body.Read(buf)
			cmd.Printf("Server: %s\n", string(buf[:n]))
			return nil
		},
	}

	parent.AddCommand(cmd)
}
