package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/stellarlinkco/warden/internal/channel"
	"github.com/stellarlinkco/warden/internal/config"
	"github.com/stellarlinkco/warden/internal/logger"
	"github.com/stellarlinkco/warden/internal/runtime"
	"github.com/stellarlinkco/warden/internal/service"
	"github.com/stellarlinkco/warden/internal/session"
	"github.com/stellarlinkco/warden/internal/store"
	"github.com/stellarlinkco/warden/internal/stream"
	"go.uber.org/zap"
)

const errNoAPIKey = "API key not set. Run 'warden onboard' or set WARDEN_API_KEY / ANTHROPIC_API_KEY"

// RunOptions for running a prompt with custom dependencies
type RunOptions struct {
	// Process replaces the agentsdk runtime (allows mocking in tests)
	Process runtime.Process
	Stdin   io.Reader
	Stdout  io.Writer
	Stderr  io.Writer
}

var rootCmd = &cobra.Command{
	Use:   "warden",
	Short: "warden - supervised agent sessions",
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one prompt in a new session, asking for consent on stdin",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPromptWithOptions(cmd.Context(), RunOptions{
			Stdin:  cmd.InOrStdin(),
			Stdout: cmd.OutOrStdout(),
			Stderr: cmd.ErrOrStderr(),
		})
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the session service (approvals + maintenance) until interrupted",
	RunE:  runServe,
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List recorded sessions",
	RunE:  runSessions,
}

var onboardCmd = &cobra.Command{
	Use:   "onboard",
	Short: "Initialize config, workspace and tool source directories",
	RunE:  runOnboard,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show warden status",
	RunE:  runStatus,
}

var (
	messageFlag   string
	modeFlag      string
	ownerFlag     string
	orgFlag       string
	noBuiltinFlag bool

	listOwnerFlag  string
	listStatusFlag []string
	listLimitFlag  int
)

func init() {
	runCmd.Flags().StringVarP(&messageFlag, "message", "m", "", "Prompt to send")
	runCmd.Flags().StringVar(&modeFlag, "mode", "", "Execution mode: interactive, background or forked")
	runCmd.Flags().StringVar(&ownerFlag, "owner", "local", "Owner id of the session")
	runCmd.Flags().StringVar(&orgFlag, "org", "", "Organization id of the session")
	runCmd.Flags().BoolVar(&noBuiltinFlag, "no-builtin", false, "Exclude the built-in tool sources")

	sessionsCmd.Flags().StringVar(&listOwnerFlag, "owner", "", "Only sessions of this owner")
	sessionsCmd.Flags().StringSliceVar(&listStatusFlag, "status", nil, "Only sessions in these statuses")
	sessionsCmd.Flags().IntVar(&listLimitFlag, "limit", 20, "Maximum number of sessions")

	rootCmd.AddCommand(runCmd, serveCmd, sessionsCmd, onboardCmd, statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// runPromptWithOptions runs one prompt with injectable dependencies for testing
func runPromptWithOptions(ctx context.Context, opts RunOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if strings.TrimSpace(messageFlag) == "" {
		return fmt.Errorf("a prompt is required (-m)")
	}
	mode, err := session.ParseMode(modeFlag)
	if err != nil {
		return err
	}
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if opts.Process == nil && cfg.Provider.APIKey == "" {
		return errors.New(errNoAPIKey)
	}

	stdin := opts.Stdin
	if stdin == nil {
		stdin = os.Stdin
	}
	stdout := opts.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}
	stderr := opts.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	svc, err := service.NewWithOptions(cfg, service.Options{
		Process: opts.Process,
		Asker:   channel.NewTerminalApprover(stdin, stderr),
		Logger:  log,
	})
	if err != nil {
		return fmt.Errorf("create service: %w", err)
	}
	defer func() {
		if err := svc.Shutdown(context.WithoutCancel(ctx)); err != nil {
			log.Warn("shutdown", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := svc.CreateSession(ctx, service.CreateRequest{
		OwnerID:        ownerFlag,
		OrganizationID: orgFlag,
		Mode:           mode,
	})
	if err != nil {
		return err
	}
	if err := svc.Connect(ctx, st.ID, service.ConnectOptions{ExcludeBuiltin: noBuiltinFlag}); err != nil {
		return fmt.Errorf("connect session %s: %w", st.ID, err)
	}
	run, err := svc.Send(ctx, st.ID, messageFlag)
	if err != nil {
		return err
	}

	for u := range run.Events() {
		printUpdate(stdout, stderr, u)
	}
	out, err := run.Wait(context.WithoutCancel(ctx))
	fmt.Fprintln(stdout)
	fmt.Fprintf(stderr, "session %s: %d messages, %d tool calls (%d denied), %d/%d tokens\n",
		run.SessionID(), out.Messages, out.ToolCalls, out.Denied, out.InputTokens, out.OutputTokens)
	if err != nil {
		return fmt.Errorf("query failed: %w", err)
	}
	return nil
}

func printUpdate(stdout, stderr io.Writer, u stream.Update) {
	switch u.Kind {
	case stream.UpdateText:
		fmt.Fprint(stdout, u.Text)
	case stream.UpdateDecision:
		if d := u.Decision; d != nil {
			fmt.Fprintf(stderr, "\n[permission] %s: %s (%s)\n", d.ToolName, d.Outcome, d.Reason)
		}
	case stream.UpdateToolCall:
		if tc := u.ToolCall; tc != nil && tc.Status.Final() {
			fmt.Fprintf(stderr, "[tool] %s %s\n", tc.ToolName, tc.Status)
		}
	case stream.UpdateStatus:
		if u.Error != "" {
			fmt.Fprintf(stderr, "\n[session] %s: %s\n", u.Status, u.Error)
		}
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Provider.APIKey == "" {
		return errors.New(errNoAPIKey)
	}
	log, err := logger.New(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	svc, err := service.NewWithOptions(cfg, service.Options{Logger: log})
	if err != nil {
		return fmt.Errorf("create service: %w", err)
	}
	return svc.Run(cmd.Context())
}

func runSessions(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	statuses := make([]session.Status, 0, len(listStatusFlag))
	for _, s := range listStatusFlag {
		st := session.Status(strings.ToLower(strings.TrimSpace(s)))
		if !st.Valid() {
			return fmt.Errorf("unknown status %q", s)
		}
		statuses = append(statuses, st)
	}

	db, err := store.Open(cfg.Store.DBPath)
	if err != nil {
		return err
	}
	defer db.Close()

	states, err := db.ListSessions(cmd.Context(), store.Filter{
		OwnerID:  listOwnerFlag,
		Statuses: statuses,
		Limit:    listLimitFlag,
	})
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(states) == 0 {
		fmt.Fprintln(out, "No sessions.")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tOWNER\tMODE\tSTATUS\tMESSAGES\tTOOLS\tCREATED\tERROR")
	for _, st := range states {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
			st.ID, st.OwnerID, st.Mode, st.Status, st.MessageCount, st.ToolCallCount,
			st.CreatedAt.Local().Format("2006-01-02 15:04"), truncate(st.ErrorMessage, 40))
	}
	return w.Flush()
}

func runOnboard(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	cfgDir := config.ConfigDir()
	cfgPath := config.ConfigPath()

	if err := os.MkdirAll(cfgDir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		if err := config.SaveConfig(config.DefaultConfig()); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Fprintf(out, "Created config: %s\n", cfgPath)
	} else {
		fmt.Fprintf(out, "Config already exists: %s\n", cfgPath)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	for _, dir := range []string{
		cfg.Agent.Workspace,
		filepath.Join(cfg.Sources.Dir, "owners"),
		filepath.Join(cfg.Sources.Dir, "organizations"),
		filepath.Dir(cfg.Store.DBPath),
	} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	writeIfNotExists(out, filepath.Join(cfg.Sources.Dir, "owners", "local.yaml"), defaultOwnerSources)

	fmt.Fprintf(out, "Workspace ready: %s\n", cfg.Agent.Workspace)
	fmt.Fprintln(out, "\nNext steps:")
	fmt.Fprintf(out, "  1. Edit %s to set your API key\n", cfgPath)
	fmt.Fprintln(out, "  2. Or set WARDEN_API_KEY environment variable")
	fmt.Fprintln(out, "  3. Run 'warden run -m \"Hello\"' to test")
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(out, "Config: error (%v)\n", err)
		return nil
	}

	fmt.Fprintf(out, "Config: %s\n", config.ConfigPath())
	fmt.Fprintf(out, "Workspace: %s\n", cfg.Agent.Workspace)
	fmt.Fprintf(out, "Model: %s\n", cfg.Agent.Model)
	fmt.Fprintf(out, "Provider: %s\n", providerDisplay(cfg.Provider.Type))
	fmt.Fprintf(out, "API Key: %s\n", maskKey(cfg.Provider.APIKey))
	fmt.Fprintf(out, "Default mode: %s\n", cfg.Agent.DefaultMode)
	fmt.Fprintf(out, "Source precedence: %s\n", cfg.Sources.Precedence)
	fmt.Fprintf(out, "Ask timeout: %s (then %s)\n", cfg.Permissions.AskTimeoutDuration(), cfg.Permissions.AskTimeoutDefault)
	fmt.Fprintf(out, "Telegram: enabled=%v\n", cfg.Telegram.Enabled)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(out, "Validation: %v\n", err)
	}

	if _, err := os.Stat(cfg.Store.DBPath); err != nil {
		fmt.Fprintln(out, "Sessions: no database (run 'warden onboard')")
		return nil
	}
	db, err := store.Open(cfg.Store.DBPath)
	if err != nil {
		fmt.Fprintf(out, "Sessions: error (%v)\n", err)
		return nil
	}
	defer db.Close()
	states, err := db.ListSessions(cmd.Context(), store.Filter{})
	if err != nil {
		fmt.Fprintf(out, "Sessions: error (%v)\n", err)
		return nil
	}
	counts := make(map[session.Status]int)
	for _, st := range states {
		counts[st.Status]++
	}
	fmt.Fprintf(out, "Sessions: %d", len(states))
	for _, st := range []session.Status{
		session.StatusActive, session.StatusProcessing, session.StatusCompleted,
		session.StatusFailed, session.StatusTerminated, session.StatusArchived,
	} {
		if n := counts[st]; n > 0 {
			fmt.Fprintf(out, " %s=%d", st, n)
		}
	}
	fmt.Fprintln(out)
	return nil
}

func providerDisplay(t string) string {
	if t == "" {
		return "anthropic (default)"
	}
	return t
}

func maskKey(key string) string {
	switch {
	case key == "":
		return "not set"
	case len(key) > 8:
		return key[:4] + "..." + key[len(key)-4:]
	default:
		return "set"
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func writeIfNotExists(out io.Writer, path, content string) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		_ = os.WriteFile(path, []byte(content), 0644)
		fmt.Fprintf(out, "  Created: %s\n", path)
	}
}

const defaultOwnerSources = `# Tool sources for owner "local". Organization documents live in
# ../organizations/<id>.yaml and use the same layout.
servers: {}
#  notes:
#    type: stdio
#    command: notes-mcp
#    args: ["--root", "~/notes"]
`
