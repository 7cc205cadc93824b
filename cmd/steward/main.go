package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "steward",
	Short: "Tool-orchestrated inference with credit metering",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setupLogging()
	},
}

func setupLogging() error {
	level, err := zerolog.ParseLevel(viper.GetString("log-level"))
	if err != nil {
		return err
	}
	zerolog.SetGlobalLevel(level)
	if viper.GetBool("log-pretty") {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	return nil
}

func initConfig() {
	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("steward")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("$HOME/.steward")
	}
	viper.SetEnvPrefix("STEWARD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Fprintf(os.Stderr, "could not read config: %v\n", err)
			os.Exit(1)
		}
	}
}

func main() {
	cobra.OnInitialize(initConfig)

	pf := rootCmd.PersistentFlags()
	pf.String("config", "", "config file path")
	pf.String("log-level", "info", "log level (trace, debug, info, warn, error)")
	pf.Bool("log-pretty", true, "human-readable log output")
	pf.String("store", "memory", "credit store backend (memory, sqlite)")
	pf.String("dsn", "steward.db", "sqlite DSN for the credit store")
	pf.String("redis-addr", "", "redis address for reservation holds (empty uses the credit store)")
	_ = viper.BindPFlags(pf)

	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newGrantCommand())
	rootCmd.AddCommand(newBalanceCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
