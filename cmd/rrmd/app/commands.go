// Package app provides the command-line interface of the broker daemon.
package app

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/viznode/rrm/pkg/logger"
	"github.com/viznode/rrm/pkg/versions"
)

var rootCmd = &cobra.Command{
	Use:               "rrmd",
	DisableAutoGenTag: true,
	Short:             "Rendering resource broker",
	Long: `rrmd brokers remote rendering resources for interactive visualization.
It creates cookie-backed user sessions, provisions rendering applications on a
SLURM cluster, a UNICORE grid or as local processes, and proxies client HTTP
traffic to the allocated backend once it is running.`,
	Run: func(cmd *cobra.Command, _ []string) {
		if err := cmd.Help(); err != nil {
			logger.Errorf("Error displaying help: %v", err)
		}
	},
}

// NewRootCmd creates the root command of the rrmd CLI.
func NewRootCmd() *cobra.Command {
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging")
	if err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug")); err != nil {
		logger.Errorf("Error binding debug flag: %v", err)
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to configuration file")
	if err := viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config")); err != nil {
		logger.Errorf("Error binding config flag: %v", err)
	}

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newVersionCmd())

	rootCmd.SilenceUsage = true
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(_ *cobra.Command, _ []string) {
			info := versions.GetVersionInfo()
			logger.Infof("rrmd version %s (commit %s, built %s)", info.Version, info.Commit, info.BuildDate)
		},
	}
}
