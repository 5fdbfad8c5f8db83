package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/dgellow/estate-session/internal/apperr"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

var BuildVersion = "dev"

var configPath string

var rootCmd = &cobra.Command{
	Use:   "estate-session",
	Short: "Session client for the estate marketplace",
	Long: `estate-session keeps a marketplace session in step with the identity
provider. It signs in through the browser, exchanges the provider session for
a backend credential, refreshes it in the background and serves a small UI
shell that guards routes and proxies authenticated API calls.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if configPath == "" {
			configPath = os.Getenv("ESTATE_SESSION_CONFIG")
		}
	},
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		printError(err)
		os.Exit(1)
	}
}

func printError(err error) {
	var ae *apperr.Error
	if errors.As(err, &ae) {
		pterm.Error.Println(ae.UserMessage())
		fmt.Fprintln(os.Stderr, err)
		return
	}
	fmt.Fprintln(os.Stderr, err)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file (also set via ESTATE_SESSION_CONFIG)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(apiCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), BuildVersion)
	},
}

func main() {
	Execute()
}
