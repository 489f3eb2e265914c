package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/huncho416/MythicPrisonCore/internal/economy/currency"
	"github.com/huncho416/MythicPrisonCore/internal/economy/ledger"
	"github.com/huncho416/MythicPrisonCore/internal/engine"
)

func newBalanceCmd(rf *rootFlags) *cobra.Command {
	var player, cur string
	cmd := &cobra.Command{
		Use:   "balance",
		Short: "Print a player's balance from the configured store",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, flush, err := rf.load()
			if err != nil {
				return err
			}
			defer flush()
			ctx := cmd.Context()
			e, err := engine.New(ctx, cfg, engine.Options{Logger: log})
			if err != nil {
				return err
			}
			defer e.Close(context.Background())

			ids := []string{currency.Normalize(cur)}
			if cur == "all" {
				ids = currency.IDs()
			}
			for _, id := range ids {
				b, err := e.Balance(ctx, ledger.Account{Player: player, Currency: id})
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\tv%d\n", player, id, currency.Format(id, b.Balance), b.Version)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&player, "player", "", "player id")
	cmd.Flags().StringVar(&cur, "currency", currency.Default, "currency id, or all")
	_ = cmd.MarkFlagRequired("player")
	return cmd
}

func newPayCmd(rf *rootFlags) *cobra.Command {
	var from, to, cur, key string
	var amount int64
	cmd := &cobra.Command{
		Use:   "pay",
		Short: "Transfer currency between two players",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, flush, err := rf.load()
			if err != nil {
				return err
			}
			defer flush()
			ctx := cmd.Context()
			e, err := engine.New(ctx, cfg, engine.Options{Logger: log})
			if err != nil {
				return err
			}
			defer e.Close(context.Background())

			res, err := e.Transfer(ctx, ledger.Account{Player: from, Currency: cur}, ledger.Account{Player: to, Currency: cur}, amount, key)
			if err != nil {
				return err
			}
			id := currency.Normalize(cur)
			note := ""
			if res.From.Duplicate {
				note = " (already applied)"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s -> %s %s%s\n%s\t%s\n%s\t%s\n", from, to, currency.Format(id, amount), note,
				from, currency.Format(id, res.From.Balance), to, currency.Format(id, res.To.Balance))
			return nil
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "paying player")
	cmd.Flags().StringVar(&to, "to", "", "receiving player")
	cmd.Flags().StringVar(&cur, "currency", currency.Default, "currency id")
	cmd.Flags().Int64Var(&amount, "amount", 0, "amount in minor units")
	cmd.Flags().StringVar(&key, "key", "", "idempotency key; re-running with the same key never pays twice")
	for _, f := range []string{"from", "to", "amount", "key"} {
		_ = cmd.MarkFlagRequired(f)
	}
	return cmd
}

func newGrantCmd(rf *rootFlags) *cobra.Command {
	var player, cur, key string
	var amount int64
	cmd := &cobra.Command{
		Use:   "grant",
		Short: "Apply an admin adjustment to a player's balance (negative amounts deduct)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, flush, err := rf.load()
			if err != nil {
				return err
			}
			defer flush()
			ctx := cmd.Context()
			e, err := engine.New(ctx, cfg, engine.Options{Logger: log})
			if err != nil {
				return err
			}
			defer e.Close(context.Background())

			res, err := e.Apply(ctx, ledger.Transaction{
				Account:        ledger.Account{Player: player, Currency: cur},
				Delta:          amount,
				Source:         ledger.SourceAdmin,
				IdempotencyKey: key,
			})
			if err != nil {
				return err
			}
			id := currency.Normalize(cur)
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\tv%d\tduplicate=%t\n", player, id, currency.Format(id, res.Balance), res.Version, res.Duplicate)
			return nil
		},
	}
	cmd.Flags().StringVar(&player, "player", "", "player id")
	cmd.Flags().StringVar(&cur, "currency", currency.Default, "currency id")
	cmd.Flags().Int64Var(&amount, "amount", 0, "signed amount in minor units")
	cmd.Flags().StringVar(&key, "key", "", "idempotency key")
	for _, f := range []string{"player", "amount", "key"} {
		_ = cmd.MarkFlagRequired(f)
	}
	return cmd
}
