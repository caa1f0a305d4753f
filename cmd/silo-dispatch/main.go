package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var AppVersion string

// exitCodeError carries a remote command's exit code to the process.
type exitCodeError struct {
	code int
}

func (e *exitCodeError) Error() string {
	return fmt.Sprintf("remote command exited with code %d", e.code)
}

func newRootCommand() *cobra.Command {
	var (
		configFile string
		verbose    bool
	)

	cmd := &cobra.Command{
		Use:   "silo-dispatch",
		Short: "Send end-to-end encrypted commands to silo-dispatch agents",
		Long: `silo-dispatch seals shell commands to an agent's signed prekey and
submits them through an untrusted relay. Only the target agent can read a
job and only this operator identity can read its result.`,
		Example: `  # List agents and check their prekeys
  silo-dispatch agents

  # Run a command and wait for the result
  silo-dispatch exec --agent 7b0c... -- uname -a

  # Submit without waiting, fetch later
  silo-dispatch exec --agent 7b0c... --wait=false whoami
  silo-dispatch result <job-id>`,
		Version:       AppVersion,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := InitConfig(configFile); err != nil {
				return err
			}
			if verbose {
				initLogger(LOG_LEVEL_DEBUG)
			}
			return nil
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVarP(&configFile, "config", "c", "", "configuration file (default: application.yaml)")
	flags.BoolVarP(&verbose, "verbose", "v", false, "log at DEBUG level")
	flags.String("server", "", "relay URL (server.url)")
	flags.String("api-key", "", "operator API key (server.api_key)")
	flags.String("identity", "", "operator identity key file (client.identity_path)")
	_ = viper.BindPFlag("server.url", flags.Lookup("server"))
	_ = viper.BindPFlag("server.api_key", flags.Lookup("api-key"))
	_ = viper.BindPFlag("client.identity_path", flags.Lookup("identity"))

	cmd.AddCommand(
		newAgentsCommand(),
		newExecCommand(),
		newResultCommand(),
		newJobsCommand(),
		newIdentityCommand(),
	)
	return cmd
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCommand().ExecuteContext(ctx)
	stop()
	if err != nil {
		var exitErr *exitCodeError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.code)
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
