package main

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	gatewayURL string
	token      string
	output     string
)

var rootCmd = &cobra.Command{
	Use:   "wosctl",
	Short: "WOS CLI - Workspace Orchestration Service command line tool",
	Long:  `wosctl is a command line interface for the Workspace Orchestration Service (WOS).`,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&gatewayURL, "gateway-url", "g", "http://localhost:8080", "WOS gateway URL")
	rootCmd.PersistentFlags().StringVarP(&token, "token", "t", os.Getenv("WOS_TOKEN"), "Auth token (defaults to $WOS_TOKEN)")
	rootCmd.PersistentFlags().StringVarP(&output, "output", "o", "table", "Output format (table, json)")
}
