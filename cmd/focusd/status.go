package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/goodtune/focusd/internal/agent"
	"github.com/goodtune/focusd/internal/config"
	"github.com/goodtune/focusd/internal/session"
)

var statusUser string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the active session and streak for a user",
	Long:  `Query the focusd server for a user's active session and streak, and show the local agent record if there is one.`,
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusUser, "user", "", "User ID (defaults to agent.user_id)")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	userID := statusUser
	if userID == "" {
		userID = cfg.Agent.UserID
	}
	if userID == "" {
		return errors.New("no user: pass --user or set agent.user_id")
	}

	cyan := color.New(color.FgCyan, color.Bold)
	green := color.New(color.FgGreen, color.Bold)
	yellow := color.New(color.FgYellow, color.Bold)
	red := color.New(color.FgRed, color.Bold)

	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()

	client := agent.NewHTTPClient(cfg.Agent.ServerURL, userID, nil)

	_, _ = cyan.Printf("\n[session] %s\n", userID)
	active, err := client.ActiveSession(ctx)
	var apiErr *agent.APIError
	switch {
	case err == nil:
		s := active.Session
		statusColor := green
		if s.Status == "suspicious" {
			statusColor = yellow
		}
		fmt.Fprintf(os.Stdout, "  id         = %s\n", s.ID)
		_, _ = statusColor.Printf("  status     = %s\n", s.Status)
		fmt.Fprintf(os.Stdout, "  started    = %s\n", s.StartTime.Format(time.RFC3339))
		fmt.Fprintf(os.Stdout, "  elapsed    = %s\n", time.Duration(active.ElapsedMs)*time.Millisecond)
		fmt.Fprintf(os.Stdout, "  remaining  = %s\n", time.Duration(active.RemainingMs)*time.Millisecond)
		fmt.Fprintf(os.Stdout, "  heartbeats = %d\n", s.HeartbeatCount)
		if s.DriftAmountMs > 0 {
			_, _ = yellow.Printf("  last drift = %dms\n", s.DriftAmountMs)
		}
	case errors.As(err, &apiErr) && apiErr.Code == session.CodeNoActiveSession:
		fmt.Fprintln(os.Stdout, "  no active session")
	default:
		_, _ = red.Printf("  unavailable: %v\n", err)
	}

	_, _ = cyan.Println("\n[streak]")
	record, err := client.Streak(ctx)
	if err != nil {
		_, _ = red.Printf("  unavailable: %v\n", err)
	} else {
		_, _ = green.Printf("  current    = %d\n", record.CurrentStreak)
		fmt.Fprintf(os.Stdout, "  longest    = %d\n", record.LongestStreak)
		if record.LastCompletedDate != "" {
			fmt.Fprintf(os.Stdout, "  last day   = %s (%s)\n", record.LastCompletedDate, record.Timezone)
		}
	}

	_, _ = cyan.Println("\n[agent]")
	mirror, err := agent.OpenMirror(cfg.Agent.StatePath)
	if err != nil {
		_, _ = yellow.Printf("  local record locked or unreadable: %v\n", err)
		return nil
	}
	defer mirror.Close()

	local, err := mirror.Load()
	switch {
	case errors.Is(err, agent.ErrNoSession):
		fmt.Fprintln(os.Stdout, "  no local session")
	case err != nil:
		_, _ = red.Printf("  unreadable: %v\n", err)
	default:
		fmt.Fprintf(os.Stdout, "  session    = %s\n", local.SessionID)
		fmt.Fprintf(os.Stdout, "  started    = %s\n", local.LocalStart.Format(time.RFC3339))
		if local.PendingCompletion {
			_, _ = yellow.Println("  completion pending sync")
		}
	}

	return nil
}
