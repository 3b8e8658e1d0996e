package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/brojonat/solmarket/service/db"
	"github.com/brojonat/solmarket/service/token"
	"github.com/itchyny/gojq"
	"github.com/urfave/cli/v2"
)

func listMarketsCommand() *cli.Command {
	return &cli.Command{
		Name:    "list-markets",
		Usage:   "List prediction markets",
		Aliases: []string{"ls"},
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "status",
				Aliases: []string{"s"},
				Usage:   "Filter by status (open, closed)",
			},
		},
		Action: func(c *cli.Context) error {
			status := db.PredictionStatus(c.String("status"))
			if status != "" && status != db.StatusOpen && status != db.StatusClosed {
				return fmt.Errorf("invalid status %q: must be open or closed", status)
			}

			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			markets, err := store.ListPredictions(context.Background(), status)
			if err != nil {
				return fmt.Errorf("failed to list markets: %w", err)
			}

			if wantsJSON(c) {
				return output(c, markets)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATUS\tTITLE\tOPTIONS\tENDS\tWINNER")
			for _, m := range markets {
				winner := "-"
				if m.WinningOption != nil {
					winner = m.Options[*m.WinningOption-1]
				}
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n",
					m.ID,
					m.Status,
					m.Title,
					strings.Join(m.Options, " / "),
					m.EndTime.Format(time.RFC3339),
					winner,
				)
			}
			w.Flush()

			fmt.Fprintf(os.Stderr, "\nTotal: %d markets\n", len(markets))
			return nil
		},
	}
}

func listWagersCommand() *cli.Command {
	return &cli.Command{
		Name:      "list-wagers",
		Usage:     "List the wagers on a market",
		Aliases:   []string{"wagers"},
		ArgsUsage: "<market-id>",
		Action: func(c *cli.Context) error {
			id, err := marketIDArg(c)
			if err != nil {
				return err
			}

			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			wagers, err := store.ListWagers(context.Background(), id)
			if err != nil {
				return fmt.Errorf("failed to list wagers: %w", err)
			}

			if wantsJSON(c) {
				return output(c, wagers)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tUSER\tOPTION\tAMOUNT\tWALLET\tTX")
			for _, wager := range wagers {
				fmt.Fprintf(w, "%d\t%d\t%d\t%s\t%s\t%s\n",
					wager.ID,
					wager.UserID,
					wager.Option,
					formatAmount(wager.Token, wager.Amount),
					wager.Wallet,
					wager.TxID,
				)
			}
			w.Flush()

			fmt.Fprintf(os.Stderr, "\nTotal: %d wagers\n", len(wagers))
			return nil
		},
	}
}

func listPayoutsCommand() *cli.Command {
	return &cli.Command{
		Name:      "list-payouts",
		Usage:     "List the payouts of a settled market",
		Aliases:   []string{"payouts"},
		ArgsUsage: "<market-id>",
		Action: func(c *cli.Context) error {
			id, err := marketIDArg(c)
			if err != nil {
				return err
			}

			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			payouts, err := store.ListPayouts(context.Background(), id)
			if err != nil {
				return fmt.Errorf("failed to list payouts: %w", err)
			}

			if wantsJSON(c) {
				return output(c, payouts)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tUSER\tWAGER\tAMOUNT\tTX\tPAID")
			for _, p := range payouts {
				fmt.Fprintf(w, "%d\t%d\t%d\t%s\t%s\t%s\n",
					p.ID,
					p.UserID,
					p.WagerID,
					formatAmount(p.Token, p.Amount),
					p.TxID,
					p.CreatedAt.Format(time.RFC3339),
				)
			}
			w.Flush()

			fmt.Fprintf(os.Stderr, "\nTotal: %d payouts\n", len(payouts))
			return nil
		},
	}
}

func listAlertsCommand() *cli.Command {
	return &cli.Command{
		Name:    "list-alerts",
		Usage:   "List pending price alerts",
		Aliases: []string{"alerts"},
		Action: func(c *cli.Context) error {
			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			alerts, err := store.ListAlerts(context.Background())
			if err != nil {
				return fmt.Errorf("failed to list alerts: %w", err)
			}

			if wantsJSON(c) {
				return output(c, alerts)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tUSER\tTOKEN\tCONDITION\tVALUE\tCREATED")
			for _, a := range alerts {
				fmt.Fprintf(w, "%d\t%d\t%s\t%s\t%g\t%s\n",
					a.ID, a.UserID, a.Token, a.Condition, a.Value, a.CreatedAt.Format(time.RFC3339))
			}
			w.Flush()

			fmt.Fprintf(os.Stderr, "\nTotal: %d alerts\n", len(alerts))
			return nil
		},
	}
}

func listTrackingCommand() *cli.Command {
	return &cli.Command{
		Name:    "list-tracking",
		Usage:   "List tracked wallets",
		Aliases: []string{"tracking"},
		Action: func(c *cli.Context) error {
			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			tracked, err := store.ListWalletTracking(context.Background())
			if err != nil {
				return fmt.Errorf("failed to list tracked wallets: %w", err)
			}

			if wantsJSON(c) {
				return output(c, tracked)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ADDRESS\tUSER\tCHANNEL\tUPDATED")
			for _, t := range tracked {
				fmt.Fprintf(w, "%s\t%d\t%s\t%s\n",
					t.WalletAddress, t.UserID, t.ChannelID, t.UpdatedAt.Format(time.RFC3339))
			}
			w.Flush()

			fmt.Fprintf(os.Stderr, "\nTotal: %d tracked wallets\n", len(tracked))
			return nil
		},
	}
}

// Helper function to connect to database
func getStore(c *cli.Context) (*db.Store, func(), error) {
	dbURL := c.String("database-url")
	if dbURL == "" {
		dbURL = os.Getenv("DATABASE_URL")
	}
	if dbURL == "" {
		return nil, nil, fmt.Errorf("database-url is required (set DATABASE_URL env var or use --database-url)")
	}

	store, err := db.Open(context.Background(), dbURL)
	if err != nil {
		return nil, nil, err
	}
	return store, store.Close, nil
}

func marketIDArg(c *cli.Context) (int64, error) {
	if c.NArg() != 1 {
		return 0, fmt.Errorf("requires exactly one argument: market ID")
	}
	id, err := strconv.ParseInt(c.Args().First(), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid market ID %q", c.Args().First())
	}
	return id, nil
}

func formatAmount(symbol string, amount uint64) string {
	tok, err := token.Lookup(symbol)
	if err != nil {
		return fmt.Sprintf("%d %s", amount, symbol)
	}
	return tok.Format(amount)
}

func wantsJSON(c *cli.Context) bool {
	return c.Bool("json") || c.String("jq") != ""
}

// output writes v as indented JSON, or the results of the --jq expression
// applied to it.
func output(c *cli.Context, v interface{}) error {
	if expr := c.String("jq"); expr != "" {
		return outputJQ(os.Stdout, expr, v)
	}
	return outputJSON(os.Stdout, v)
}

func outputJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func outputJQ(w io.Writer, expr string, v interface{}) error {
	query, err := gojq.Parse(expr)
	if err != nil {
		return fmt.Errorf("failed to parse jq filter %q: %w", expr, err)
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return fmt.Errorf("failed to compile jq filter %q: %w", expr, err)
	}

	// gojq only walks plain maps and slices.
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var input interface{}
	if err := json.Unmarshal(raw, &input); err != nil {
		return err
	}

	iter := code.Run(input)
	for {
		result, ok := iter.Next()
		if !ok {
			return nil
		}
		if err, isErr := result.(error); isErr {
			return fmt.Errorf("jq filter failed: %w", err)
		}
		if err := outputJSON(w, result); err != nil {
			return err
		}
	}
}
