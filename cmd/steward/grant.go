package main

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/go-go-golems/steward/pkg/credits"
)

func newGrantCommand() *cobra.Command {
	var (
		balance   int64
		maxOutput int
		features  []string
		models    []string
	)

	cmd := &cobra.Command{
		Use:   "grant [workspace]",
		Short: "Install or replace a workspace credit allocation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if viper.GetString("store") != "sqlite" {
				return errors.New("grant requires --store sqlite")
			}
			ledger, err := credits.NewSQLiteLedger(viper.GetString("dsn"), credits.DefaultPricing())
			if err != nil {
				return err
			}
			defer func() { _ = ledger.Close() }()

			err = ledger.SetAllocation(cmd.Context(), args[0], credits.Allocation{
				Balance:         balance,
				MaxOutputUnits:  maxOutput,
				AllowedFeatures: features,
				AllowedModels:   models,
			})
			if err != nil {
				return err
			}
			fmt.Printf("granted %d credits to %s\n", balance, args[0])
			return nil
		},
	}

	cmd.Flags().Int64Var(&balance, "balance", 1000, "credit balance to install")
	cmd.Flags().IntVar(&maxOutput, "max-output-units", 4096, "per-turn output unit ceiling")
	cmd.Flags().StringSliceVar(&features, "features", nil, "allowed features (empty allows all)")
	cmd.Flags().StringSliceVar(&models, "models", nil, "allowed models (empty allows all)")
	return cmd
}

func newBalanceCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "balance [workspace]",
		Short: "Show the remaining credit balance for a workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if viper.GetString("store") != "sqlite" {
				return errors.New("balance requires --store sqlite")
			}
			ledger, err := credits.NewSQLiteLedger(viper.GetString("dsn"), credits.DefaultPricing())
			if err != nil {
				return err
			}
			defer func() { _ = ledger.Close() }()

			balance, err := ledger.Balance(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("%s: %d credits\n", args[0], balance)
			return nil
		},
	}
}
