package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/warp/usage-credits/credit"
	"github.com/warp/usage-credits/settlement"
)

// withApp runs fn against a freshly wired app and closes it afterwards.
func withApp(configPath string, fn func(ctx context.Context, a *app) error) error {
	a, err := newApp(configPath)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(context.Background(), a)
}

func newBalanceCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "balance <principal>",
		Short: "Print a principal's balance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(*configPath, func(ctx context.Context, a *app) error {
				b, err := a.ledger.Balance(ctx, credit.PrincipalID(args[0]))
				if err != nil {
					return err
				}
				fmt.Printf("%s\t%ds\t%s\n", b.PrincipalID, b.BalanceSeconds, credit.FormatHMS(b.BalanceSeconds))
				return nil
			})
		},
	}
}

func newOpenCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "open <principal>",
		Short: "Provision a zero balance for a new principal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(*configPath, func(ctx context.Context, a *app) error {
				b, err := a.ledger.Open(ctx, credit.PrincipalID(args[0]))
				if err != nil {
					return err
				}
				fmt.Printf("opened %s (balance %ds)\n", b.PrincipalID, b.BalanceSeconds)
				return nil
			})
		},
	}
}

func newSettleCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "settle <payload.json>",
		Short: "Apply a webhook payload without checking its signature",
		Long: "Replays a payment notification, for example one pulled from the dead-letter list " +
			"after fixing it. The event id still deduplicates, so replaying an applied event is a no-op.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			ev, err := settlement.ParseWebhook(raw)
			if err != nil {
				return err
			}
			return withApp(*configPath, func(ctx context.Context, a *app) error {
				res, err := a.payments.Settle(ctx, ev)
				if err != nil {
					return err
				}
				status := settlement.StatusApplied
				if !res.Applied {
					status = settlement.StatusDuplicate
				}
				fmt.Printf("%s %s: balance %ds\n", ev.ID, status, res.NewBalance)
				return nil
			})
		},
	}
}

func newRejectedCmd(configPath *string) *cobra.Command {
	var (
		limit   int
		payload bool
	)
	cmd := &cobra.Command{
		Use:   "rejected",
		Short: "List dead-lettered webhook payloads",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(*configPath, func(ctx context.Context, a *app) error {
				events, err := a.store.ListRejectedEvents(ctx, limit)
				if err != nil {
					return err
				}
				if len(events) == 0 {
					fmt.Println("No rejected events.")
					return nil
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "RECEIVED\tEVENT\tREASON")
				for _, ev := range events {
					fmt.Fprintf(w, "%s\t%s\t%s\n", ev.ReceivedAt.Format("2006-01-02 15:04:05"), ev.EventID, ev.Reason)
					if payload {
						fmt.Fprintf(w, "\t\t%s\n", ev.Payload)
					}
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of events")
	cmd.Flags().BoolVar(&payload, "payload", false, "print raw payloads")
	return cmd
}

func newBudgetCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "budget",
		Short: "Evaluate spend against budget limits",
	}

	var window int
	evaluateCmd := &cobra.Command{
		Use:   "evaluate <principal>",
		Short: "Evaluate one principal's spend without recording anything",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(*configPath, func(ctx context.Context, a *app) error {
				if window == 0 {
					window = a.cfg.Budget.WindowDays
				}
				alert, err := a.monitor.Evaluate(ctx, credit.PrincipalID(args[0]), window)
				if err != nil {
					return err
				}
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(map[string]any{"alert": alert})
			})
		},
	}
	evaluateCmd.Flags().IntVar(&window, "window", 0, "window in days (config budget.window_days when 0)")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the scheduled budget check once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(*configPath, func(ctx context.Context, a *app) error {
				fmt.Printf("raised %d alert(s)\n", a.scheduler.RunNow(ctx))
				return nil
			})
		},
	}

	cmd.AddCommand(evaluateCmd, runCmd)
	return cmd
}
