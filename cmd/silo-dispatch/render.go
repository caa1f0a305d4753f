package main

import (
	"encoding/base64"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/EternisAI/silo-dispatch/internal/job"
	"github.com/EternisAI/silo-dispatch/internal/operator"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

const timeLayout = "2006-01-02 15:04:05"

var (
	headerStyle    = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle      = lipgloss.NewStyle().Padding(0, 1)
	untrustedStyle = cellStyle.Foreground(lipgloss.Color("9")).Bold(true)
	stderrStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
)

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.NormalBorder()).
		Headers(headers...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
}

func renderAgents(agents []operator.AgentInfo) string {
	if len(agents) == 0 {
		return "No agents registered.\n"
	}

	const trustCol = 6
	t := newTable("ID", "HOST", "CREATED", "LAST SEEN", "IDENTITY KEY", "PREKEY", "PREKEY TRUST")
	for _, a := range agents {
		trust := "valid"
		if !a.PrekeyTrusted {
			trust = "INVALID"
		}
		t.Row(
			a.ID,
			a.HostName,
			a.CreatedAt.Local().Format(timeLayout),
			a.LastSeenAt.Local().Format(timeLayout),
			base64.StdEncoding.EncodeToString(a.IdentityPublicKey),
			base64.StdEncoding.EncodeToString(a.PublicPrekey),
			trust,
		)
	}
	t.StyleFunc(func(row, col int) lipgloss.Style {
		switch {
		case row == table.HeaderRow:
			return headerStyle
		case col == trustCol && !agents[row].PrekeyTrusted:
			return untrustedStyle
		default:
			return cellStyle
		}
	})
	return t.String() + "\n"
}

func renderLedger(entries []operator.Entry) string {
	if len(entries) == 0 {
		return "No jobs submitted from this machine.\n"
	}

	t := newTable("JOB", "AGENT", "HOST", "COMMAND", "SUBMITTED", "EXIT")
	for _, e := range entries {
		exit := "pending"
		switch {
		case e.ExitCode != nil:
			exit = strconv.Itoa(*e.ExitCode)
		case e.RejectReason != "":
			exit = "rejected: " + e.RejectReason
		}
		t.Row(
			e.JobID.String(),
			e.AgentID.String(),
			e.HostName,
			e.Command,
			e.SubmittedAt.Local().Format(timeLayout),
			exit,
		)
	}
	return t.String() + "\n"
}

func printResult(w io.Writer, res *job.Result) {
	if len(res.Stdout) > 0 {
		fmt.Fprint(w, string(res.Stdout))
		if res.Stdout[len(res.Stdout)-1] != '\n' {
			fmt.Fprintln(w)
		}
	}
	if len(res.Stderr) > 0 {
		fmt.Fprint(w, stderrStyle.Render(string(res.Stderr)))
		if res.Stderr[len(res.Stderr)-1] != '\n' {
			fmt.Fprintln(w)
		}
	}
	if res.Error != "" {
		fmt.Fprintf(w, "error: %s\n", res.Error)
	}
	fmt.Fprintf(w, "exit code %d (%s)\n", res.ExitCode, res.FinishedAt.Sub(res.StartedAt).Round(time.Millisecond))
}
