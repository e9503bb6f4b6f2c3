package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/brojonat/swapper/client"
	"github.com/brojonat/swapper/service/solana"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/itchyny/gojq"
	"github.com/urfave/cli/v2"
)

func quoteCommand() *cli.Command {
	return &cli.Command{
		Name:  "quote",
		Usage: "Fetch a quote for the configured swap without submitting anything",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "jq",
				Usage: "jq expression applied to the raw quote (e.g., '.outAmount')",
			},
		},
		Action: func(c *cli.Context) error {
			env, err := loadEnvironment(c, nil)
			if err != nil {
				return err
			}

			var code *gojq.Code
			if expr := c.String("jq"); expr != "" {
				if code, err = compileJQ(expr); err != nil {
					return err
				}
			}

			quote, err := env.swapAPI().Quote(c.Context, client.QuoteRequest{
				InputMint:   env.cfg.InputMint,
				OutputMint:  env.cfg.OutputMint,
				Amount:      env.cfg.InputAmount,
				SlippageBps: env.cfg.SlippageBps,
			})
			if err != nil {
				return fmt.Errorf("failed to get quote: %w", err)
			}

			if code == nil {
				return printJSON(c.App.Writer, quote.Raw)
			}
			return runJQ(c.App.Writer, code, quote.Raw)
		},
	}
}

func statusCommand() *cli.Command {
	return &cli.Command{
		Name:      "status",
		Usage:     "Check the ledger status of a transaction signature",
		ArgsUsage: "SIGNATURE",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "json",
				Aliases: []string{"j"},
				Usage:   "Output as JSON",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() < 1 {
				return fmt.Errorf("signature is required")
			}
			sig, err := solanago.SignatureFromBase58(c.Args().Get(0))
			if err != nil {
				return fmt.Errorf("invalid signature: %w", err)
			}

			env, err := loadEnvironment(c, nil)
			if err != nil {
				return err
			}

			status, err := env.rpc.SignatureStatus(c.Context, sig)
			if err != nil {
				return fmt.Errorf("failed to get signature status: %w", err)
			}

			out := map[string]interface{}{
				"signature": sig.String(),
				"explorer":  explorerURL(sig.String(), env.endpoint),
				"found":     status != nil,
			}
			if status != nil {
				out["slot"] = status.Slot
				out["confirmation_status"] = string(status.ConfirmationStatus)
				if status.Err != nil {
					out["error"] = status.Err
				}
			}

			if c.Bool("json") {
				data, _ := json.Marshal(out)
				fmt.Fprintln(c.App.Writer, string(data))
				return nil
			}

			w := c.App.Writer
			if status == nil {
				fmt.Fprintf(w, "Signature not found: %s\n", sig)
				fmt.Fprintf(w, "  It was never received, or its blockhash expired before it landed.\n")
				return nil
			}
			fmt.Fprintf(w, "Signature: %s\n", sig)
			fmt.Fprintf(w, "  Slot: %d\n", status.Slot)
			fmt.Fprintf(w, "  Confirmation: %s\n", status.ConfirmationStatus)
			if status.Err != nil {
				fmt.Fprintf(w, "  Error: %v\n", status.Err)
			}
			fmt.Fprintf(w, "  Explorer: %s\n", out["explorer"])
			return nil
		},
	}
}

func tableCommand() *cli.Command {
	return &cli.Command{
		Name:      "table",
		Usage:     "Decode an address lookup table account",
		ArgsUsage: "TABLE_ADDRESS",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "json",
				Aliases: []string{"j"},
				Usage:   "Output as JSON",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() < 1 {
				return fmt.Errorf("table address is required")
			}
			address, err := solanago.PublicKeyFromBase58(c.Args().Get(0))
			if err != nil {
				return fmt.Errorf("invalid table address: %w", err)
			}

			env, err := loadEnvironment(c, nil)
			if err != nil {
				return err
			}

			data, err := env.rpc.AccountData(c.Context, address)
			if err != nil {
				return fmt.Errorf("failed to fetch lookup table: %w", err)
			}
			table, err := solana.DecodeLookupTable(data)
			if err != nil {
				return err
			}

			if c.Bool("json") {
				out := map[string]interface{}{
					"address":            address.String(),
					"active":             table.IsActive(),
					"last_extended_slot": table.LastExtendedSlot,
					"addresses":          table.Addresses,
				}
				if table.Authority != nil {
					out["authority"] = table.Authority.String()
				}
				data, _ := json.Marshal(out)
				fmt.Fprintln(c.App.Writer, string(data))
				return nil
			}

			w := c.App.Writer
			fmt.Fprintf(w, "Lookup table: %s\n", address)
			fmt.Fprintf(w, "  Active: %t\n", table.IsActive())
			if table.Authority != nil {
				fmt.Fprintf(w, "  Authority: %s\n", table.Authority)
			} else {
				fmt.Fprintf(w, "  Authority: none (frozen)\n")
			}
			fmt.Fprintf(w, "  Addresses: %d\n", len(table.Addresses))
			for i, addr := range table.Addresses {
				fmt.Fprintf(w, "  %3d  %s\n", i, addr)
			}
			return nil
		},
	}
}

// compileJQ parses and compiles a jq expression.
func compileJQ(expr string) (*gojq.Code, error) {
	query, err := gojq.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse jq filter %q: %w", expr, err)
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return nil, fmt.Errorf("failed to compile jq filter %q: %w", expr, err)
	}
	return code, nil
}

// runJQ evaluates code against raw JSON and prints one line per result.
func runJQ(w io.Writer, code *gojq.Code, raw []byte) error {
	var input interface{}
	if err := json.Unmarshal(raw, &input); err != nil {
		return fmt.Errorf("failed to parse JSON: %w", err)
	}

	iter := code.Run(input)
	for {
		v, ok := iter.Next()
		if !ok {
			return nil
		}
		if err, ok := v.(error); ok {
			return fmt.Errorf("jq evaluation failed: %w", err)
		}
		if s, ok := v.(string); ok {
			fmt.Fprintln(w, s)
			continue
		}
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		fmt.Fprintln(w, string(data))
	}
}

func printJSON(w io.Writer, raw []byte) error {
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("failed to parse JSON: %w", err)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(w, string(data))
	return nil
}
