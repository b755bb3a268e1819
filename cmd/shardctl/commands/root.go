// Package commands implements the shardctl command line.
package commands

import (
	"fmt"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	// Version and Commit are set by main.
	Version = "dev"
	Commit  = "none"

	configFile string
)

var rootCmd = &cobra.Command{
	Use:   "shardctl",
	Short: "Run and inspect a single index shard",
	Long: `shardctl hosts one index shard copy: it recovers the shard from its
store and translog, serves reads and writes over HTTP, and closes it
cleanly on shutdown. The check and translog commands inspect a shard's
files offline.

Configuration is read from --config and may be overridden by environment
variables prefixed with INDEXSHARD_, for example
INDEXSHARD_INDEX_REFRESH_INTERVAL=5s. A .env file in the working
directory is loaded first.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		_ = godotenv.Load(".env")
		_ = godotenv.Load(".env.local")
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "shardctl %s (%s)\n", Version, Commit)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "shard.yaml", "Path to the configuration file")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(translogCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
