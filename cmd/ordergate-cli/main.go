package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"ordergate/pkg/ordergate"
)

const version = "0.1.0"

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: ordergate-cli <command> [options]\n\n")
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "  version    Print the CLI version\n")
		fmt.Fprintf(os.Stderr, "  health     Probe the gateway health endpoint\n")
		fmt.Fprintf(os.Stderr, "  account    Show the brokerage account snapshot\n")
		fmt.Fprintf(os.Stderr, "  order      Submit a bracket order\n")
		fmt.Fprintf(os.Stderr, "\nEnvironment:\n")
		fmt.Fprintf(os.Stderr, "  ORDERGATE_URL     Gateway base URL (default https://127.0.0.1:8080)\n")
		fmt.Fprintf(os.Stderr, "  GATEWAY_PASSWORD  Shared secret for guarded endpoints\n")
		fmt.Fprintf(os.Stderr, "\n")
	}

	if len(os.Args) < 2 {
		flag.Usage()
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch os.Args[1] {
	case "version":
		fmt.Printf("ordergate-cli %s\n", version)

	case "health":
		if err := newClient().Health(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "health: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("ok")

	case "account":
		account, err := newClient().GetAccount(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "account: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("unrealized pnl:   %12.2f\n", account.UnrealizedPnL)
		fmt.Printf("available funds:  %12.2f\n", account.AvailableFunds)
		fmt.Printf("buying power:     %12.2f\n", account.BuyingPower)
		fmt.Printf("equity with loan: %12.2f\n", account.EquityWithLoan)
		fmt.Printf("open orders:      %12d\n", account.OpenOrders)
		fmt.Printf("positions:        %12d\n", account.Positions)

	case "order":
		fs := flag.NewFlagSet("order", flag.ExitOnError)
		ticker := fs.String("ticker", "", "stock ticker (required)")
		contracts := fs.Float64("contracts", 0, "number of shares (required)")
		limit := fs.Float64("limit", 0, "entry limit price (required)")
		takeProfit := fs.Float64("take-profit", 0, "take-profit price (required)")
		stopLoss := fs.Float64("stop-loss", 0, "stop-loss price (required)")
		dryRun := fs.Bool("dry-run", false, "validate without committing capital")
		fs.Parse(os.Args[2:])

		if *ticker == "" || *contracts == 0 || *limit == 0 || *takeProfit == 0 || *stopLoss == 0 {
			fs.Usage()
			os.Exit(1)
		}

		err := newClient().SubmitOrder(ctx, ordergate.OrderRequest{
			Ticker:          *ticker,
			Contracts:       *contracts,
			LimitPrice:      *limit,
			TakeProfitPrice: *takeProfit,
			StopLossPrice:   *stopLoss,
			Simulate:        *dryRun,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "order: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("order placed")

	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		flag.Usage()
		os.Exit(1)
	}
}

func newClient() *ordergate.Client {
	baseURL := os.Getenv("ORDERGATE_URL")
	if baseURL == "" {
		baseURL = "https://127.0.0.1:8080"
	}
	// Local gateways serve self-signed certificates.
	return ordergate.NewClient(baseURL, os.Getenv("GATEWAY_PASSWORD"), ordergate.WithInsecureTLS())
}
