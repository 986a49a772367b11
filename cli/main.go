package main

import (
	"github.com/topvine/cmsync/cli/cmd"
	"github.com/topvine/cmsync/internal/ver"
)

func main() {
	version := ver.Load()

	rootCmd := cmd.NewRootCmd()
	cmd.NewIntegrationsCmd(rootCmd)
	cmd.NewSyncCmd(rootCmd)
	cmd.NewRunsCmd(rootCmd)
	cmd.NewEventsCmd(rootCmd)
	cmd.NewVersionCmd(rootCmd, version)
	cmd.Execute(rootCmd)
}
