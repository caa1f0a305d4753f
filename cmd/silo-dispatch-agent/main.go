package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/EternisAI/silo-dispatch/internal/agent"
	"github.com/EternisAI/silo-dispatch/internal/apiclient"
	"github.com/EternisAI/silo-dispatch/internal/instance"
)

var AppVersion string

func main() {
	InitConfig()

	slog.Info("Silo Dispatch Agent", "version", AppVersion)

	if err := run(); err != nil {
		slog.Error("Agent failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	stateDir := config.Agent.StateDir
	if stateDir == "" {
		dir, err := agent.DefaultStateDir()
		if err != nil {
			return err
		}
		stateDir = dir
	}

	release, ok, err := instance.Acquire(agent.LockPath(stateDir))
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("another agent is already running with state dir %s", stateDir)
	}
	defer func() {
		if err := release(); err != nil {
			slog.Warn("Failed to release instance lock", "error", err)
		}
	}()

	trusted, err := ParseTrustedOperators(config.Agent.TrustedOperators)
	if err != nil {
		return err
	}
	if len(trusted) == 0 {
		slog.Warn("No trusted operators configured, accepting jobs from any signed sender")
	}

	hostName := config.Agent.HostName
	if hostName == "" {
		hostName, _ = os.Hostname()
	}

	client, err := apiclient.New(apiclient.Config{
		BaseURL:   config.Server.Url,
		UserAgent: "silo-dispatch-agent/" + AppVersion,
		Timeout:   config.Server.Timeout,
	})
	if err != nil {
		return err
	}

	runner := agent.ShellRunner{Shell: config.Agent.Shell, Timeout: config.Agent.CommandTimeout}
	a, err := agent.New(agent.Config{
		StateDir:         stateDir,
		PollInterval:     config.Agent.PollInterval,
		PrekeyRotation:   config.Agent.PrekeyRotation,
		HostName:         hostName,
		TrustedOperators: trusted,
	}, client, runner)
	if err != nil {
		return err
	}
	slog.Info("Agent identity",
		"fingerprint", a.Identity().Fingerprint(),
		"state_dir", stateDir)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.Init(ctx); err != nil {
		return err
	}
	return a.Run(ctx)
}
