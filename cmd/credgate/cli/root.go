// Package cli implements the credgate command-line interface.
package cli

import (
	"github.com/spf13/cobra"

	"github.com/skylark-labs/credgate/internal/log"
)

var (
	verbose    bool
	jsonOut    bool
	configPath string
)

var rootCmd = &cobra.Command{
	Use:   "credgate",
	Short: "Local credential-vending proxy for the instance metadata service",
	Long: `credgate sits between local processes and the instance metadata service
on a shared host. It identifies each caller from the kernel connection
table, maps the caller's OS identity to an IAM role under a hot-reloadable
mapping policy, and vends cached temporary credentials for that role.
Unmapped callers never see the instance role's credentials.`,
	SilenceUsage:  true,
	SilenceErrors: false,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return log.Init(log.Options{Verbose: verbose, JSONFormat: jsonOut})
	},
}

// Execute runs the root command.
func Execute() error {
	defer log.Close()
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "log in JSON format")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "/etc/credgate/credgate.yaml", "config file path")
}
