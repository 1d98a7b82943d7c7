// Package cli implements the fieldledger command line interface.
// Mutating commands talk to the local daemon API; read commands fall
// back to the on-device store when the daemon is not running.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fieldledger/fieldledger/internal/api"
	"github.com/fieldledger/fieldledger/internal/daemon"
)

var rootCmd = &cobra.Command{
	Use:   "fieldledger",
	Short: "Offline-first expense capture for field crews",
	Long: `FieldLedger captures job expenses on the device, mirrors them in a
local store, and syncs them to the finance backend whenever a
connection is available. Approval happens through the same tool once
records are synced.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().String("addr", "", "daemon API address (default from config)")
	rootCmd.PersistentFlags().String("user", "", "acting user id (default from config)")
	rootCmd.PersistentFlags().String("role", "field_staff", "acting user role")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(configCmd)
}

// Execute runs the CLI.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the fieldledger version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(os.Stdout, "fieldledger %s\n", api.Version)
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the config file location",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(os.Stdout, daemon.ConfigPath())
	},
}
