package main

import (
	"errors"
	"os"

	"github.com/MarcoPoloResearchLab/cradle/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "cradle",
		Short:         "Caregiver device client: local writes, outbox flush and catch-up",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(
		newRecordCommand(),
		newFlushCommand(),
		newPullCommand(),
		newStatusCommand(),
		newRetryCommand(),
		newPruneCommand(),
		newConflictsCommand(),
		newResolveCommand(),
		newShowCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("server-url", "", "Sync server base URL")
	cmd.PersistentFlags().String("token", "", "Session token")
	cmd.PersistentFlags().String("outbox-path", defaults.GetString("client.outbox_path"), "Outbox database path")
	cmd.PersistentFlags().String("cache-path", defaults.GetString("client.cache_path"), "Local cache path")
	cmd.PersistentFlags().Int("batch-size", defaults.GetInt("client.batch_size"), "Mutations per push")
	cmd.PersistentFlags().String("log-level", "warn", "Log level (debug, info, warn, error)")

	bindFlag(cmd, "client.server_url", "server-url")
	bindFlag(cmd, "client.token", "token")
	bindFlag(cmd, "client.outbox_path", "outbox-path")
	bindFlag(cmd, "client.cache_path", "cache-path")
	bindFlag(cmd, "client.batch_size", "batch-size")
	bindFlag(cmd, "log.level", "log-level")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}
