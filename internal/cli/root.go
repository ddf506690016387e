// Package cli wires the service's commands.
package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gitlab.com/distributed_lab/kit/kv"

	"atomic-pek/internal/config"
)

// RootOptions holds what every command shares.
type RootOptions struct {
	// NewConfig builds the config. Defaults to the file named by KV_VIPER_FILE.
	NewConfig func() config.Config
}

// NewRootCommand creates the root command.
func NewRootCommand(opts *RootOptions) *cobra.Command {
	if opts.NewConfig == nil {
		opts.NewConfig = func() config.Config {
			return config.New(kv.MustFromEnv())
		}
	}

	cmd := &cobra.Command{
		Use:           "atomic-pek",
		Short:         "Swap orchestration service",
		Long:          "Runs swaps of a deposited token into PEK through the settlement market.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewMigrateCommand(opts))

	return cmd
}

// Run executes the command line and reports success.
func Run(args []string) bool {
	cmd := NewRootCommand(&RootOptions{})
	cmd.SetArgs(args[1:])
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return false
	}
	return true
}

// withConfig builds the config and turns its panics into errors.
func withConfig(opts *RootOptions, fn func(cfg config.Config) error) (err error) {
	defer func() {
		if rvr := recover(); rvr != nil {
			err = fmt.Errorf("invalid configuration: %v", rvr)
		}
	}()

	cfg := opts.NewConfig()
	defer func() {
		if cerr := cfg.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(cfg)
}
