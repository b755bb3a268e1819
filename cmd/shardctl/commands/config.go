package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/hupe1980/indexshard/config"
)

var configForce bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the configuration file",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the default configuration to --config",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := os.Stat(configFile); err == nil && !configForce {
			return fmt.Errorf("%s already exists, use --force to overwrite", configFile)
		}
		if err := config.Save(config.Default(), configFile); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", configFile)
		return nil
	},
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Load and validate the configuration, including environment overrides",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configFile)
		if err != nil {
			return err
		}
		if _, err := cfg.Index.Settings(); err != nil {
			return err
		}
		if _, err := cfg.Translog.Options(cfg.TranslogDir()); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (shard %s, storage %s)\n", configFile, cfg.Shard.ID, cfg.Storage.Backend)
		return nil
	},
}

func init() {
	configInitCmd.Flags().BoolVarP(&configForce, "force", "f", false, "Overwrite an existing file")
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configValidateCmd)
}
