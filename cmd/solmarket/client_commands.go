package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/brojonat/solmarket/client"
	"github.com/brojonat/solmarket/service/solana"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/urfave/cli/v2"
)

var keypairFlags = []cli.Flag{
	&cli.StringFlag{
		Name:    "keypair",
		Usage:   "Base58 private key used to sign the wager transaction",
		EnvVars: []string{"SOLMARKET_KEYPAIR"},
	},
	&cli.StringFlag{
		Name:    "keypair-file",
		Usage:   "solana-keygen JSON file used to sign the wager transaction",
		EnvVars: []string{"SOLMARKET_KEYPAIR_FILE"},
	},
	&cli.DurationFlag{
		Name:  "timeout",
		Usage: "How long to wait for the sign session",
		Value: 5 * time.Minute,
	},
}

func clientCommands() *cli.Command {
	return &cli.Command{
		Name:  "client",
		Usage: "HTTP client commands for interacting with the solmarket service",
		Subcommands: []*cli.Command{
			linkWalletCommand(),
			marketsCommand(),
			marketCommand(),
			createMarketCommand(),
			wagerCommand(),
			sessionCommand(),
			signCommand(),
			settleCommand(),
			priceCommand(),
		},
	}
}

func linkWalletCommand() *cli.Command {
	return &cli.Command{
		Name:      "link-wallet",
		Usage:     "Link a Solana wallet to a user",
		ArgsUsage: "<address>",
		Flags: []cli.Flag{
			&cli.Int64Flag{Name: "user", Aliases: []string{"u"}, Usage: "User ID", Required: true},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: wallet address")
			}
			if err := newClient(c).LinkWallet(c.Context, c.Int64("user"), c.Args().First()); err != nil {
				return fmt.Errorf("failed to link wallet: %w", err)
			}
			fmt.Fprintf(os.Stderr, "✓ Linked %s to user %d\n", c.Args().First(), c.Int64("user"))
			return nil
		},
	}
}

func marketsCommand() *cli.Command {
	return &cli.Command{
		Name:  "markets",
		Usage: "List open markets",
		Action: func(c *cli.Context) error {
			markets, err := newClient(c).ListMarkets(c.Context)
			if err != nil {
				return fmt.Errorf("failed to list markets: %w", err)
			}
			if wantsJSON(c) {
				return output(c, markets)
			}
			for _, m := range markets {
				fmt.Printf("#%d  %s  (ends %s)\n", m.ID, m.Title, m.EndTime.Format(time.RFC3339))
				for i, opt := range m.Options {
					fmt.Printf("     %d. %s\n", i+1, opt)
				}
			}
			fmt.Fprintf(os.Stderr, "\nTotal: %d open markets\n", len(markets))
			return nil
		},
	}
}

func marketCommand() *cli.Command {
	return &cli.Command{
		Name:      "market",
		Usage:     "Show a market with its pools",
		ArgsUsage: "<market-id>",
		Action: func(c *cli.Context) error {
			id, err := marketIDArg(c)
			if err != nil {
				return err
			}
			detail, err := newClient(c).GetMarket(c.Context, id)
			if err != nil {
				return fmt.Errorf("failed to get market: %w", err)
			}
			if wantsJSON(c) {
				return output(c, detail)
			}

			m := detail.Market
			fmt.Printf("Market:   #%d %s\n", m.ID, m.Title)
			fmt.Printf("Status:   %s\n", m.Status)
			fmt.Printf("Creator:  %d (%s)\n", m.CreatorID, m.CreatorWallet)
			fmt.Printf("Ends:     %s\n", m.EndTime.Format(time.RFC3339))
			fmt.Printf("Options:  %s\n", strings.Join(m.Options, " / "))
			if m.WinningOption != nil {
				fmt.Printf("Winner:   %s\n", m.Options[*m.WinningOption-1])
			}
			fmt.Printf("Wagers:   %d\n", detail.Wagers)
			fmt.Printf("Payouts:  %d\n", detail.Payouts)
			for _, p := range detail.Pools {
				fmt.Printf("Pool:     %s\n", p.Display)
			}
			return nil
		},
	}
}

func createMarketCommand() *cli.Command {
	return &cli.Command{
		Name:  "create-market",
		Usage: "Create a prediction market",
		Flags: []cli.Flag{
			&cli.Int64Flag{Name: "creator", Usage: "Creator user ID", Required: true},
			&cli.StringFlag{Name: "title", Aliases: []string{"t"}, Usage: "Market question", Required: true},
			&cli.StringSliceFlag{Name: "option", Aliases: []string{"o"}, Usage: "Option label (repeat for each option)", Required: true},
			&cli.DurationFlag{Name: "duration", Aliases: []string{"d"}, Usage: "How long the market accepts wagers", Value: 24 * time.Hour},
			&cli.StringFlag{Name: "image-url", Usage: "Optional image shown with the market"},
		},
		Action: func(c *cli.Context) error {
			m, err := newClient(c).CreateMarket(c.Context, client.CreateMarketParams{
				CreatorID: c.Int64("creator"),
				Title:     c.String("title"),
				Options:   c.StringSlice("option"),
				Duration:  c.Duration("duration"),
				ImageURL:  c.String("image-url"),
			})
			if err != nil {
				return fmt.Errorf("failed to create market: %w", err)
			}
			if wantsJSON(c) {
				return output(c, m)
			}
			fmt.Printf("✓ Created market #%d: %s\n", m.ID, m.Title)
			fmt.Printf("  Payments go to: %s\n", m.CreatorWallet)
			fmt.Printf("  Ends:           %s\n", m.EndTime.Format(time.RFC3339))
			return nil
		},
	}
}

func wagerCommand() *cli.Command {
	return &cli.Command{
		Name:      "wager",
		Usage:     "Place a wager; with a keypair the transaction is signed and submitted too",
		ArgsUsage: "<market-id>",
		Flags: append([]cli.Flag{
			&cli.Int64Flag{Name: "user", Aliases: []string{"u"}, Usage: "User ID", Required: true},
			&cli.IntFlag{Name: "option", Aliases: []string{"o"}, Usage: "Option number (1-based)", Required: true},
			&cli.Float64Flag{Name: "amount", Aliases: []string{"a"}, Usage: "Amount in display units", Required: true},
			&cli.StringFlag{Name: "token", Usage: "Token symbol", Value: "SOL"},
		}, keypairFlags...),
		Action: func(c *cli.Context) error {
			id, err := marketIDArg(c)
			if err != nil {
				return err
			}
			cl := newClient(c)
			ticket, err := cl.PlaceWager(c.Context, id, client.WagerParams{
				UserID: c.Int64("user"),
				Token:  strings.ToUpper(c.String("token")),
				Amount: c.Float64("amount"),
				Option: c.Int("option"),
			})
			if err != nil {
				return fmt.Errorf("failed to place wager: %w", err)
			}
			fmt.Fprintf(os.Stderr, "Sign session: %s\n", ticket.SessionID)

			if c.String("keypair") == "" && c.String("keypair-file") == "" {
				if wantsJSON(c) {
					return output(c, ticket)
				}
				fmt.Printf("Sign the transaction with: solmarket client sign %s\n", ticket.SessionID)
				return nil
			}
			return signAndSubmit(c, cl, ticket.SessionID)
		},
	}
}

func sessionCommand() *cli.Command {
	return &cli.Command{
		Name:      "session",
		Usage:     "Show a sign session",
		ArgsUsage: "<session-id>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: session ID")
			}
			s, err := newClient(c).GetSignSession(c.Context, c.Args().First())
			if err != nil {
				return fmt.Errorf("failed to get sign session: %w", err)
			}
			if wantsJSON(c) {
				return output(c, s)
			}
			printSession(s)
			return nil
		},
	}
}

func signCommand() *cli.Command {
	return &cli.Command{
		Name:      "sign",
		Usage:     "Sign a session's transaction locally and submit it",
		ArgsUsage: "<session-id>",
		Flags:     keypairFlags,
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: session ID")
			}
			return signAndSubmit(c, newClient(c), c.Args().First())
		},
	}
}

func settleCommand() *cli.Command {
	return &cli.Command{
		Name:      "settle",
		Usage:     "Settle a market and pay its winners",
		ArgsUsage: "<market-id>",
		Flags: []cli.Flag{
			&cli.Int64Flag{Name: "user", Aliases: []string{"u"}, Usage: "Creator user ID", Required: true},
			&cli.IntFlag{Name: "winner", Aliases: []string{"w"}, Usage: "Winning option number (1-based)", Required: true},
		},
		Action: func(c *cli.Context) error {
			id, err := marketIDArg(c)
			if err != nil {
				return err
			}
			s, err := newClient(c).Settle(c.Context, id, c.Int64("user"), c.Int("winner"))
			if err != nil {
				return fmt.Errorf("failed to settle market: %w", err)
			}
			if wantsJSON(c) {
				return output(c, s)
			}

			fmt.Printf("✓ Market #%d settled: %s wins\n", s.Market.ID, s.WinningLabel)
			fmt.Printf("  Policy:  %s\n", s.Policy)
			fmt.Printf("  Winners: %d\n", s.Winners)
			for _, p := range s.Payouts {
				fmt.Printf("  Paid user %d: %s (%s)\n", p.UserID, formatAmount(p.Token, p.Amount), p.TxID)
			}
			for _, f := range s.Failures {
				fmt.Printf("  ✗ user %d: %s (%s)\n", f.UserID, formatAmount(f.Token, f.Amount), f.Reason)
			}
			if len(s.Failures) > 0 {
				return fmt.Errorf("%d payouts failed", len(s.Failures))
			}
			return nil
		},
	}
}

func priceCommand() *cli.Command {
	return &cli.Command{
		Name:      "price",
		Usage:     "Show a token's USD price",
		ArgsUsage: "<symbol>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: token symbol")
			}
			symbol := strings.ToUpper(c.Args().First())
			usd, err := newClient(c).Price(c.Context, symbol)
			if err != nil {
				return fmt.Errorf("failed to get price: %w", err)
			}
			if wantsJSON(c) {
				return output(c, map[string]interface{}{"symbol": symbol, "usd": usd})
			}
			fmt.Printf("%s: $%s\n", symbol, strconv.FormatFloat(usd, 'f', -1, 64))
			return nil
		},
	}
}

// signAndSubmit waits for the session's unsigned transaction, signs it with
// the configured keypair and waits for confirmation.
func signAndSubmit(c *cli.Context, cl *client.Client, sessionID string) error {
	key, err := solana.LoadKeypair(c.String("keypair"), c.String("keypair-file"))
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(c.Context, c.Duration("timeout"))
	defer cancel()

	s, err := cl.AwaitSession(ctx, sessionID, "awaiting_signature", time.Second)
	if err != nil {
		return fmt.Errorf("sign session did not become ready: %w", err)
	}
	if s.Status != "awaiting_signature" {
		return fmt.Errorf("sign session is %s", s.Status)
	}

	signed, err := signBlob(s.UnsignedTx, key)
	if err != nil {
		return err
	}
	if _, err := cl.SubmitSignature(ctx, sessionID, signed); err != nil {
		return fmt.Errorf("failed to submit signature: %w", err)
	}
	fmt.Fprintf(os.Stderr, "Submitted, waiting for confirmation...\n")

	s, err = cl.AwaitSession(ctx, sessionID, "confirmed", time.Second)
	if err != nil {
		return fmt.Errorf("wager was not confirmed: %w", err)
	}
	if wantsJSON(c) {
		return output(c, s)
	}
	printSession(s)
	return nil
}

func signBlob(blob string, key solanago.PrivateKey) (string, error) {
	if blob == "" {
		return "", fmt.Errorf("sign session has no transaction")
	}
	return solana.SignTransaction(blob, key)
}

func printSession(s *client.SignSession) {
	fmt.Printf("Session:    %s\n", s.ID)
	fmt.Printf("Status:     %s\n", s.Status)
	if s.Description != "" {
		fmt.Printf("About:      %s\n", s.Description)
	}
	if s.Recipient != "" {
		fmt.Printf("Recipient:  %s\n", s.Recipient)
		fmt.Printf("Amount:     %s\n", formatAmount(s.Token, s.Amount))
	}
	if s.Signature != "" {
		fmt.Printf("Signature:  %s\n", s.Signature)
	}
	if s.Error != "" {
		fmt.Printf("Error:      %s\n", s.Error)
	}
	if s.ExpiresAt != nil {
		fmt.Printf("Expires:    %s\n", s.ExpiresAt.Format(time.RFC3339))
	}
}

func newClient(c *cli.Context) *client.Client {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError, // Only errors to stderr
	}))
	return client.NewClient(c.String("server-url"), nil, logger)
}
