package cmd

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "cmsync",
		Short:        "cmsync manages CMS integrations and sync runs on a cmsync server",
		Long:         "",
		SilenceUsage: true,
	}
	cmd.AddGroup(&cobra.Group{
		ID:    "actions",
		Title: "Actions",
	})

	var cfgFile string
	cmd.PersistentFlags().StringVar(&cfgFile, "config", os.Getenv("CMSYNC_CONFIG"), "config file (default is $HOME/.cmsync)")
	cmd.PersistentFlags().String("server", "", "cmsync server address")
	cmd.PersistentFlags().BoolP("help", "h", false, "help for cmsync")
	cmd.CompletionOptions.DisableDescriptions = true
	cobra.OnInitialize(initConfig(cfgFile))

	return cmd
}

func Execute(command *cobra.Command) {
	if err := command.Execute(); err != nil {
		os.Exit(1)
	}
}

func initConfig(cfgFile string) func() {
	return func() {
		viper.SetDefault("server", "http://localhost:8080")
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
		} else {
			home, err := os.UserHomeDir()
			cobra.CheckErr(err)

			viper.SetConfigName(".cmsync")
			viper.SetConfigType("env")
			viper.AddConfigPath(home)
		}
		viper.SetEnvPrefix("cmsync")
		viper.AutomaticEnv()

		_ = viper.ReadInConfig()
	}
}
