package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/goodtune/focusd/internal/agent"
	"github.com/goodtune/focusd/internal/config"
)

var (
	agentUser     string
	agentDuration time.Duration
	agentTimezone string
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run the client side focus timer",
	Long: `Run the client side countdown for a focus session. The session is mirrored
to a local file so a killed agent can resume, and a completion reached while
the server is unreachable is synced once it comes back.`,
}

var agentStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a focus session and run its countdown",
	Long: `Start a focus session and run its countdown in the foreground.
Interrupt (Ctrl-C) stops the session; SIGTERM leaves it for "agent resume".`,
	RunE: runAgentStart,
}

var agentResumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume the locally recorded session",
	RunE:  runAgentResume,
}

var agentStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Cancel the locally recorded session",
	RunE:  runAgentStop,
}

func init() {
	agentCmd.PersistentFlags().StringVar(&agentUser, "user", "", "User ID (defaults to agent.user_id)")
	agentStartCmd.Flags().DurationVar(&agentDuration, "duration", 25*time.Minute, "Session length")
	agentStartCmd.Flags().StringVar(&agentTimezone, "timezone", "", "IANA timezone for streak days (defaults to local)")

	agentCmd.AddCommand(agentStartCmd, agentResumeCmd, agentStopCmd)
	rootCmd.AddCommand(agentCmd)
}

// newAgent builds an agent from configuration. The caller closes the mirror.
func newAgent() (*agent.Agent, *agent.BoltMirror, zerolog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, zerolog.Nop(), fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := setupLogger(cfg.Logging)
	log.Logger = logger

	userID := agentUser
	if userID == "" {
		userID = cfg.Agent.UserID
	}
	if userID == "" {
		return nil, nil, logger, errors.New("no user: pass --user or set agent.user_id")
	}

	mirror, err := agent.OpenMirror(cfg.Agent.StatePath)
	if err != nil {
		return nil, nil, logger, fmt.Errorf("%w (is another agent running?)", err)
	}

	server := agent.NewHTTPClient(cfg.Agent.ServerURL, userID, nil)
	a := agent.New(agent.Config{
		HeartbeatInterval: config.ParseDuration(cfg.Agent.HeartbeatInterval, 30*time.Second),
		HeartbeatTimeout:  config.ParseDuration(cfg.Agent.HeartbeatTimeout, 10*time.Second),
		RetryInitial:      config.ParseDuration(cfg.Agent.RetryInitial, 2*time.Second),
		RetryMax:          config.ParseDuration(cfg.Agent.RetryMax, 5*time.Minute),
	}, server, mirror, nil, logger)

	return a, mirror, logger, nil
}

func runAgentStart(cmd *cobra.Command, args []string) error {
	a, mirror, logger, err := newAgent()
	if err != nil {
		return err
	}
	defer mirror.Close()

	tz := agentTimezone
	if tz == "" {
		tz = time.Local.String()
		if tz == "Local" {
			tz = "UTC"
		}
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	s, err := a.Start(ctx, int64(agentDuration.Seconds()), tz)
	cancel()
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stdout, "Started session %s (%s, %s)\n", s.SessionID, s.Target(), s.Timezone)
	return waitAgent(a, logger)
}

func runAgentResume(cmd *cobra.Command, args []string) error {
	a, mirror, logger, err := newAgent()
	if err != nil {
		return err
	}
	defer mirror.Close()

	s, err := a.Resume()
	if errors.Is(err, agent.ErrNoSession) {
		fmt.Fprintln(os.Stdout, "No session to resume")
		return nil
	}
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stdout, "Resumed session %s\n", s.SessionID)

	// Report in now rather than a full interval after the restart
	if !s.PendingCompletion {
		if err := a.HeartbeatOnce(cmd.Context()); err != nil && !errors.Is(err, agent.ErrSendInFlight) {
			logger.Warn().Err(err).Str("session_id", s.SessionID).Msg("Heartbeat after resume failed")
		}
	}

	return waitAgent(a, logger)
}

func runAgentStop(cmd *cobra.Command, args []string) error {
	a, mirror, _, err := newAgent()
	if err != nil {
		return err
	}
	defer mirror.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	if err := a.Stop(ctx); err != nil {
		if errors.Is(err, agent.ErrNoSession) {
			fmt.Fprintln(os.Stdout, "No session to stop")
			return nil
		}
		return err
	}

	fmt.Fprintln(os.Stdout, "Session stopped")
	return nil
}

// waitAgent blocks until the schedule ends or a signal arrives
func waitAgent(a *agent.Agent, logger zerolog.Logger) error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case <-a.Done():
		fmt.Fprintln(os.Stdout, "Session finished")
		return nil
	case sig := <-sigChan:
		if sig == syscall.SIGTERM {
			logger.Info().Msg("SIGTERM received, leaving session for resume")
			a.Close()
			return nil
		}

		logger.Info().Msg("Interrupt received, stopping session")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return a.Stop(ctx)
	}
}
