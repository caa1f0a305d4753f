package main

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/EternisAI/silo-dispatch/internal/apiclient"
	"github.com/EternisAI/silo-dispatch/internal/identity"
	"github.com/EternisAI/silo-dispatch/internal/job"
	"github.com/EternisAI/silo-dispatch/internal/operator"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

const defaultWaitTimeout = 2 * time.Minute

// session is an operator bound to the configured relay, identity and ledger.
type session struct {
	op     *operator.Operator
	ledger *operator.Ledger
}

func (s *session) Close() error {
	if s.ledger == nil {
		return nil
	}
	return s.ledger.Close()
}

func openSession(withLedger bool) (*session, error) {
	id, err := identity.LoadOrCreate(config.Client.IdentityPath)
	if err != nil {
		return nil, err
	}

	client, err := apiclient.New(apiclient.Config{
		BaseURL:   config.Server.Url,
		APIKey:    config.Server.ApiKey,
		UserAgent: "silo-dispatch-client/" + AppVersion,
		Timeout:   config.Server.Timeout,
	})
	if err != nil {
		return nil, err
	}

	s := &session{}
	if withLedger {
		s.ledger, err = operator.OpenLedger(config.Client.LedgerPath)
		if err != nil {
			return nil, err
		}
	}
	s.op = operator.New(id, client, s.ledger)
	return s, nil
}

func newAgentsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "agents",
		Short: "List registered agents and verify their prekeys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := openSession(false)
			if err != nil {
				return err
			}
			defer s.Close()

			agents, err := s.op.ListAgents(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), renderAgents(agents))
			return nil
		},
	}
}

func newExecCommand() *cobra.Command {
	var (
		agentID  string
		wait     bool
		timeout  time.Duration
		interval time.Duration
	)

	cmd := &cobra.Command{
		Use:   "exec --agent <id> <command>",
		Short: "Seal a shell command to an agent and submit it",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(agentID)
			if err != nil {
				return fmt.Errorf("invalid agent id %q: %w", agentID, err)
			}

			s, err := openSession(true)
			if err != nil {
				return err
			}
			defer s.Close()

			jobID, err := s.op.Exec(cmd.Context(), id, job.Shell(strings.Join(args, " ")))
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if !wait {
				fmt.Fprintf(out, "Submitted job %s\n", jobID)
				return nil
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			res, err := s.op.WaitResult(ctx, jobID, interval)
			if errors.Is(err, context.DeadlineExceeded) {
				return fmt.Errorf("no result for job %s after %s, fetch it later with `silo-dispatch result %s`",
					jobID, timeout, jobID)
			}
			if err != nil {
				return err
			}
			printResult(out, res)
			return resultError(res)
		},
	}

	cmd.Flags().StringVarP(&agentID, "agent", "a", "", "target agent id")
	cmd.Flags().BoolVarP(&wait, "wait", "w", true, "wait for the result")
	cmd.Flags().DurationVar(&timeout, "timeout", defaultWaitTimeout, "how long to wait for the result")
	cmd.Flags().DurationVar(&interval, "interval", operator.DefaultWaitInterval, "result polling interval")
	_ = cmd.MarkFlagRequired("agent")
	return cmd
}

func newResultCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "result <job-id>",
		Short: "Fetch and decrypt the result of a submitted job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jobID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid job id %q: %w", args[0], err)
			}

			s, err := openSession(true)
			if err != nil {
				return err
			}
			defer s.Close()

			res, err := s.op.FetchResult(cmd.Context(), jobID)
			if errors.Is(err, operator.ErrResultPending) {
				fmt.Fprintf(cmd.OutOrStdout(), "Job %s has no result yet\n", jobID)
				return nil
			}
			if err != nil {
				return err
			}
			printResult(cmd.OutOrStdout(), res)
			return resultError(res)
		},
	}
}

func newJobsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "jobs",
		Short: "List jobs submitted from this machine",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ledger, err := operator.OpenLedger(config.Client.LedgerPath)
			if err != nil {
				return err
			}
			defer ledger.Close()

			entries, err := ledger.List()
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), renderLedger(entries))
			return nil
		},
	}
}

func newIdentityCommand() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "identity",
		Short: "Show the operator identity, generating it if missing",
		Long: `Show the operator identity, generating it if missing.

Agents pin the operator public key in agent.trusted_operators. Regenerating
with --force invalidates those pins and makes results of jobs already
submitted unreadable.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var (
				id  *identity.Identity
				err error
			)
			if force {
				id, err = identity.GenerateNew(config.Client.IdentityPath)
			} else {
				id, err = identity.LoadOrCreate(config.Client.IdentityPath)
			}
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Path:        %s\n", config.Client.IdentityPath)
			fmt.Fprintf(out, "Fingerprint: %s\n", id.Fingerprint())
			fmt.Fprintf(out, "Public key:  %s\n", base64.StdEncoding.EncodeToString(id.PublicKey()))
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "replace the existing identity")
	return cmd
}

func resultError(res *job.Result) error {
	if res.Succeeded() {
		return nil
	}
	code := res.ExitCode
	if code <= 0 {
		code = 1
	}
	return &exitCodeError{code: code}
}
