package main

import (
	"context"
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"escrowline/internal/engine"
	"escrowline/internal/ledger"
)

func walletCmd() *cobra.Command {
	w := &cobra.Command{
		Use:   "wallet",
		Short: "Manage balances and escrow allowances",
		Long:  "Creating a task locks its reward (plus the premium when insured) from the creator's balance, within the allowance approved for escrow.",
	}
	w.AddCommand(amountCmd("deposit", "Deposit funds into your wallet", func(e engine.Engine) amountFunc { return e.Deposit }))
	w.AddCommand(amountCmd("approve", "Set how much escrow may lock from your wallet", func(e engine.Engine) amountFunc { return e.Approve }))
	w.AddCommand(walletBalanceCmd())
	w.AddCommand(walletEntriesCmd())
	return w
}

func poolCmd() *cobra.Command {
	p := &cobra.Command{
		Use:   "pool",
		Short: "Inspect and fund the insurance pool",
	}
	p.AddCommand(amountCmd("fund", "Contribute to the insurance pool", func(e engine.Engine) amountFunc { return e.FundPool }))
	p.AddCommand(&cobra.Command{
		Use:   "balance",
		Short: "Show the insurance pool balance",
		RunE: func(cmd *cobra.Command, args []string) error {
			token, _ := cmd.Flags().GetString("token")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				w, err := e.PoolBalance(ctx, token)
				if err != nil {
					return err
				}
				return printWallet(w)
			})
		},
	})
	p.PersistentFlags().String("token", "", "token (defaults to config escrow.default_token)")
	return p
}

type amountFunc func(ctx context.Context, identity, token string, amount decimal.Decimal) (engine.Wallet, error)

func amountCmd(use, short string, pick func(engine.Engine) amountFunc) *cobra.Command {
	var amount, token string
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := parseAmount("amount", amount)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				w, err := pick(e)(ctx, actorID(), token, d)
				if err != nil {
					return err
				}
				return printWallet(w)
			})
		},
	}
	cmd.Flags().StringVar(&amount, "amount", "", "amount")
	cmd.Flags().StringVar(&token, "token", "", "token (defaults to config escrow.default_token)")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func walletBalanceCmd() *cobra.Command {
	var identity, token string
	cmd := &cobra.Command{
		Use:   "balance",
		Short: "Show balance and allowance",
		RunE: func(cmd *cobra.Command, args []string) error {
			if identity == "" {
				identity = actorID()
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				w, err := e.Wallet(ctx, identity, token)
				if err != nil {
					return err
				}
				return printWallet(w)
			})
		},
	}
	cmd.Flags().StringVar(&identity, "identity", "", "wallet owner (defaults to the actor)")
	cmd.Flags().StringVar(&token, "token", "", "token (defaults to config escrow.default_token)")
	return cmd
}

func walletEntriesCmd() *cobra.Command {
	var identity string
	var limit int
	cmd := &cobra.Command{
		Use:   "entries",
		Short: "List ledger entries of a wallet",
		RunE: func(cmd *cobra.Command, args []string) error {
			if identity == "" {
				identity = actorID()
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				f := entryFilters(identity, 0)
				f.Limit = limit
				items, err := e.Entries(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable(table.Row{"When", "Type", "Task", "Amount", "Balance", "Token"})
				for _, en := range items {
					task := "-"
					if en.TaskID != nil {
						task = fmt.Sprintf("#%d", *en.TaskID)
					}
					tw.AppendRow(table.Row{en.CreatedAt, en.EntryType, task, en.Amount.String(), en.BalanceAfter.String(), en.Token})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&identity, "identity", "", "wallet owner (defaults to the actor)")
	cmd.Flags().IntVar(&limit, "limit", 50, "max entries")
	return cmd
}

func entryFilters(account string, taskID int64) ledger.EntryFilters {
	return ledger.EntryFilters{Account: account, TaskID: taskID}
}

func printWallet(w engine.Wallet) error {
	if viper.GetBool("json") {
		return printJSON(w)
	}
	tw := newTable(table.Row{"Identity", "Token", "Balance", "Allowance"})
	tw.AppendRow(table.Row{w.Identity, w.Token, w.Balance.String(), w.Allowance.String()})
	tw.Render()
	return nil
}

func statsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats [identity]",
		Short: "Show completed tasks and earnings",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			identity := actorID()
			if len(args) == 1 {
				identity = args[0]
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.GetStats(ctx, identity)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(s)
				}
				tw := newTable(table.Row{"Token", "Earned"})
				for _, earn := range s.TotalEarnings {
					tw.AppendRow(table.Row{earn.Token, earn.Amount.String()})
				}
				tw.AppendFooter(table.Row{"tasks completed", s.TasksCompleted})
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func arbiterCmd() *cobra.Command {
	a := &cobra.Command{
		Use:   "arbiter",
		Short: "Manage the arbiters who resolve disputes",
		Long:  "Arbiters listed in escrowline.yml are seeded on open. Existing arbiters may grant or revoke the role.",
	}
	a.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List arbiters",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListArbiters(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable(table.Row{"Identity", "Granted by", "Since"})
				for _, it := range items {
					tw.AppendRow(table.Row{it.Identity, it.GrantedBy, it.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	})
	a.AddCommand(&cobra.Command{
		Use:   "grant <identity>",
		Short: "Grant the arbiter role",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				arb, err := e.GrantArbiter(ctx, actorID(), args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(arb)
			})
		},
	})
	a.AddCommand(&cobra.Command{
		Use:   "revoke <identity>",
		Short: "Revoke the arbiter role",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.RevokeArbiter(ctx, actorID(), args[0]); err != nil {
					return err
				}
				fmt.Println("revoked", args[0])
				return nil
			})
		},
	})
	return a
}

func apiKeyCmd() *cobra.Command {
	k := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys for the HTTP API",
	}
	var name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Issue an API key for the actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				secret, key, err := e.CreateAPIKey(ctx, actorID(), name)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": key.ID, "actor_id": key.ActorID, "name": key.Name, "key": secret})
				}
				fmt.Printf("API key for %s (shown once): %s\n", key.ActorID, secret)
				return nil
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "label for the key")
	k.AddCommand(create)
	k.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List the actor's API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				keys, err := e.ListAPIKeys(ctx, actorID())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := newTable(table.Row{"ID", "Name", "Created", "Revoked"})
				for _, key := range keys {
					tw.AppendRow(table.Row{key.ID, stringOrDash(&key.Name), key.CreatedAt, stringOrDash(key.RevokedAt)})
				}
				tw.Render()
				return nil
			})
		},
	})
	k.AddCommand(&cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Revoke one of the actor's API keys",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				key, err := e.RevokeAPIKey(ctx, actorID(), args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(key)
			})
		},
	})
	return k
}
