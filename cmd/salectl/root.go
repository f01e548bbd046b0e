package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/mbd888/swapsale/pkg/saleclient"
)

// GlobalFlags are shared by every subcommand.
type GlobalFlags struct {
	APIURL       string
	Caller       string
	AdminSecret  string
	Timeout      time.Duration
	OutputFormat string
}

var globalFlags GlobalFlags

var rootCmd = &cobra.Command{
	Use:   "salectl",
	Short: "Operate a swapsale sale",
	Long: `salectl talks to a swapsale server over its HTTP API.

Connection settings default to the SWAPSALE_API_URL, SWAPSALE_CALLER and
SWAPSALE_ADMIN_SECRET environment variables.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		switch globalFlags.OutputFormat {
		case "text", "json":
			return nil
		default:
			return fmt.Errorf("unknown output format %q (want text or json)", globalFlags.OutputFormat)
		}
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&globalFlags.APIURL, "api-url", envOrDefault("SWAPSALE_API_URL", "http://localhost:8080"), "sale API base URL")
	pf.StringVar(&globalFlags.Caller, "caller", os.Getenv("SWAPSALE_CALLER"), "principal sent as the caller")
	pf.StringVar(&globalFlags.AdminSecret, "admin-secret", os.Getenv("SWAPSALE_ADMIN_SECRET"), "secret for admin commands")
	pf.DurationVar(&globalFlags.Timeout, "timeout", saleclient.DefaultTimeout, "per-request timeout")
	pf.StringVarP(&globalFlags.OutputFormat, "output", "o", "text", "output format: text|json")

	rootCmd.AddCommand(stateCmd)
	rootCmd.AddCommand(buyerCmd)
	rootCmd.AddCommand(openCmd)
	rootCmd.AddCommand(refreshTokensCmd)
	rootCmd.AddCommand(refreshBuyerCmd)
	rootCmd.AddCommand(finalizeCmd)
	rootCmd.AddCommand(advanceCmd)
	rootCmd.AddCommand(resetCmd)
}

func getClient() *saleclient.Client {
	return saleclient.New(saleclient.Config{
		BaseURL:     globalFlags.APIURL,
		Caller:      globalFlags.Caller,
		AdminSecret: globalFlags.AdminSecret,
		Timeout:     globalFlags.Timeout,
	})
}

// render prints v as indented JSON, or calls text when the text format is selected.
func render(w io.Writer, v any, text func(io.Writer)) error {
	if globalFlags.OutputFormat == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(w)
	return nil
}

func envOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
