// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/jeranaias/sessionguard/internal/clock"
	"github.com/jeranaias/sessionguard/internal/config"
	"github.com/jeranaias/sessionguard/internal/logging"
	"github.com/jeranaias/sessionguard/internal/metrics"
	"github.com/jeranaias/sessionguard/internal/provider"
	"github.com/jeranaias/sessionguard/internal/security"
	"github.com/jeranaias/sessionguard/internal/security/audit"
	"github.com/jeranaias/sessionguard/internal/store"
	"github.com/jeranaias/sessionguard/internal/ui/styles"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/term"
)

// Version is reported by --version.
var Version = "dev"

// skipConfig marks commands that load (or create) the config themselves.
const skipConfig = "skip-config"

// Exit codes.
const (
	ExitOK        = 0
	ExitError     = 1
	ExitLockedOut = 2
)

// ExitCodeError carries a process exit code.
type ExitCodeError struct {
	Code int
	Err  error
}

func (e *ExitCodeError) Error() string {
	return e.Err.Error()
}

func (e *ExitCodeError) Unwrap() error {
	return e.Err
}

// App holds the state shared by all commands.
type App struct {
	in     io.Reader
	out    io.Writer
	errOut io.Writer
	reader *bufio.Reader

	cfgPath  string
	logLevel string
	jsonOut  bool
	noColor  bool

	cfg      *config.Config
	logger   *zap.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics

	clock      clock.Clock
	runProgram func(m tea.Model, opts ...tea.ProgramOption) (tea.Model, error)
}

// New returns an App reading from in and writing to out and errOut.
func New(in io.Reader, out, errOut io.Writer) *App {
	return &App{
		in:     in,
		out:    out,
		errOut: errOut,
		logger: zap.NewNop(),
		clock:  clock.Real(),
		runProgram: func(m tea.Model, opts ...tea.ProgramOption) (tea.Model, error) {
			return tea.NewProgram(m, opts...).Run()
		},
	}
}

// Command builds the root command.
func (a *App) Command() *cobra.Command {
	root := &cobra.Command{
		Use:   "sessionguard",
		Short: "Inactivity timeout and login lockout for terminal sessions",
		Long: `sessionguard logs a user out after a period of inactivity, warning them
first, and locks out logins after repeated failures. State is shared through a
store so that several terminals stay in step.

Examples:
  sessionguard session watch             # Track this terminal's session
  sessionguard login --user alice        # Log in through the lockout guard
  sessionguard lockout status --json     # Lockout state for scripts
  sessionguard config init               # Write a default config file`,
		Version:           Version,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.setup,
		PersistentPostRun: func(*cobra.Command, []string) {
			_ = a.logger.Sync()
		},
	}

	root.PersistentFlags().StringVar(&a.cfgPath, "config", "", "config file (default ~/.sessionguard/config.toml)")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "log level override (debug, info, warn, error)")
	root.PersistentFlags().BoolVar(&a.jsonOut, "json", false, "machine-readable JSON output")
	root.PersistentFlags().BoolVar(&a.noColor, "no-color", false, "disable colored output")

	root.AddCommand(
		a.sessionCommand(),
		a.loginCommand(),
		a.lockoutCommand(),
		a.configCommand(),
		a.auditCommand(),
	)
	root.SetIn(a.in)
	root.SetOut(a.out)
	root.SetErr(a.errOut)
	return root
}

// setup configures output, then loads config and builds the logger.
func (a *App) setup(cmd *cobra.Command, _ []string) error {
	if a.jsonOut || a.noColor || os.Getenv("NO_COLOR") != "" {
		styles.DisableColor()
	} else {
		styles.ForWriter(a.out).Apply()
	}

	if cmd.Annotations[skipConfig] != "" {
		return nil
	}

	path, err := a.configPath()
	if err != nil {
		return err
	}
	cfg, err := config.LoadFromPath(path)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}
	logger, err := logging.New(cfg.LoggingConfig())
	if err != nil {
		return err
	}

	a.cfg = cfg
	a.logger = logger
	a.registry = prometheus.NewRegistry()
	a.metrics = metrics.New(a.registry)
	return nil
}

func (a *App) configPath() (string, error) {
	if a.cfgPath != "" {
		return a.cfgPath, nil
	}
	return config.Path()
}

// =============================================================================
// SHARED RESOURCES
// =============================================================================

func (a *App) openStore() (store.Store, error) {
	st, err := store.Open(a.cfg.StoreConfig(), store.WithLogger(a.logger.Named("store")))
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", a.cfg.Storage.Driver, err)
	}
	return st, nil
}

// openAudit returns the configured audit sink, or a nil Sink when auditing
// is disabled.
func (a *App) openAudit() (audit.Sink, func(), error) {
	if !a.cfg.Audit.Enabled {
		return nil, func() {}, nil
	}
	key, err := a.cfg.AuditKey()
	if err != nil {
		return nil, nil, err
	}

	opts := []audit.Option{
		audit.WithOnFailure(func(err error) {
			a.logger.Warn("audit write failed", zap.Error(err))
		}),
	}
	if key != nil {
		opts = append(opts, audit.WithHMACKey(key))
	}
	if a.cfg.Audit.MaxSizeMB > 0 {
		opts = append(opts, audit.WithMaxSize(a.cfg.Audit.MaxSizeMB*1024*1024))
	}

	l, err := audit.NewLogger(a.cfg.Audit.Path, opts...)
	if err != nil {
		return nil, nil, err
	}
	return l, func() { _ = l.Close() }, nil
}

func (a *App) openLockout(st store.Store, sink audit.Sink) (*security.LockoutTracker, error) {
	return security.NewLockoutTracker(a.cfg.LockoutPolicy(),
		security.WithLockoutClock(a.clock),
		security.WithLockoutStore(st),
		security.WithLockoutLogger(a.logger.Named("lockout")),
		security.WithLockoutAudit(sink),
		security.WithLockoutMetrics(a.metrics),
	)
}

func (a *App) verifier() (*provider.StaticVerifier, error) {
	v := provider.NewStaticVerifier()
	for _, u := range a.cfg.Users {
		if err := v.Add(u.Name, u.PasswordHash, u.TOTPSecret); err != nil {
			return nil, err
		}
	}
	return v, nil
}

// =============================================================================
// INPUT
// =============================================================================

// readSecret prompts without echo on a terminal, or reads a line otherwise.
func (a *App) readSecret(prompt string) (string, error) {
	if f, ok := a.in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(a.errOut, prompt)
		b, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(a.errOut)
		if err != nil {
			return "", fmt.Errorf("read input: %w", err)
		}
		return string(b), nil
	}
	return a.readLine(prompt)
}

func (a *App) readLine(prompt string) (string, error) {
	if a.reader == nil {
		a.reader = bufio.NewReader(a.in)
	}
	if f, ok := a.in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(a.errOut, prompt)
	}
	line, err := a.reader.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", fmt.Errorf("read input: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// =============================================================================
// ENTRY POINT
// =============================================================================

// Execute runs the command line and returns the process exit code.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	app := New(os.Stdin, os.Stdout, os.Stderr)
	err := app.Command().ExecuteContext(ctx)
	if err == nil {
		return ExitOK
	}

	if app.jsonOut {
		_ = app.printJSON(NewJSONErrorResponse("sessionguard", err))
	} else {
		fmt.Fprintln(os.Stderr, styles.RenderError(err.Error()))
	}

	var exitErr *ExitCodeError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitError
}
