// Package cmd implements the durabled command line.
package cmd

import (
	"fmt"
	"os"

	"github.com/nvcnvn/durable/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Execute runs durabled with os.Args.
func Execute() error {
	root := NewRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return err
	}
	return nil
}

// NewRootCmd builds the command tree. Every call gets its own viper
// instance, so commands can be executed repeatedly in one process.
func NewRootCmd() *cobra.Command {
	var cfgFile string
	v := viper.New()
	loader := config.NewLoaderWithViper(v)
	cfg := &config.Config{}

	rootCmd := &cobra.Command{
		Use:   "durabled",
		Short: "Run and drive durable workflows",
		Long: `durabled runs workers for the durable workflow engine and lets you queue
workflows, raise external events and inspect workflow state.

It ships the demo mail workflows: "send" mails an address once and
"verify" mails a verification request until a matching "verify" event
arrives.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			loaded, err := loader.WithConfigFile(cfgFile).Load()
			if err != nil {
				return err
			}
			if err := loaded.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			*cfg = *loaded
			return nil
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default: ./durable.yaml)")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.String("log-format", "json", "log format (json, console)")
	flags.String("store-driver", "sqlite", "store driver (sqlite, postgres)")
	flags.String("store-dsn", "durable.db", "sqlite file or postgres connection string")
	flags.String("store-schema", "durable", "postgres schema")

	// Bind flags to viper (errors are nil when flag exists)
	_ = v.BindPFlag("log.level", flags.Lookup("log-level"))
	_ = v.BindPFlag("log.format", flags.Lookup("log-format"))
	_ = v.BindPFlag("store.driver", flags.Lookup("store-driver"))
	_ = v.BindPFlag("store.dsn", flags.Lookup("store-dsn"))
	_ = v.BindPFlag("store.schema", flags.Lookup("store-schema"))

	rootCmd.AddCommand(
		newSeedCmd(cfg),
		newWorkerCmd(cfg, v),
		newQueueCmd(cfg),
		newRaiseCmd(cfg),
		newGetCmd(cfg),
	)
	return rootCmd
}
