// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/jeranaias/sessionguard/internal/metrics"
	"github.com/jeranaias/sessionguard/internal/provider"
	"github.com/jeranaias/sessionguard/internal/session"
	"github.com/jeranaias/sessionguard/internal/store"
	"github.com/jeranaias/sessionguard/internal/ui"
	"github.com/jeranaias/sessionguard/internal/ui/styles"
	"github.com/jeranaias/sessionguard/internal/util"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func (a *App) sessionCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Inactivity timeout tracking",
	}

	watch := &cobra.Command{
		Use:   "watch",
		Short: "Track activity in this terminal and log out when idle",
		Long: `Runs an interactive screen that counts key presses and mouse input as
activity. A warning appears before logout; press s or enter to stay logged in
or l to log out. Terminals sharing a file, redis or sqlite store stay in step.`,
		RunE: a.runSessionWatch,
	}

	status := &cobra.Command{
		Use:   "status",
		Short: "Show the last recorded activity and time remaining",
		RunE:  a.runSessionStatus,
	}

	cmd.AddCommand(watch, status)
	return cmd
}

func (a *App) runSessionWatch(cmd *cobra.Command, _ []string) error {
	st, err := a.openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	sink, closeAudit, err := a.openAudit()
	if err != nil {
		return err
	}
	defer closeAudit()

	stopMetrics := a.serveMetrics()
	defer stopMetrics()

	bridge := ui.NewBridge()
	sp, err := provider.NewSessionProvider(a.cfg.SessionPolicy(), bridge, bridge,
		provider.WithLogger(a.logger.Named("provider")),
		provider.WithTrackerOptions(
			session.WithClock(a.clock),
			session.WithStore(st),
			session.WithLogger(a.logger.Named("session")),
			session.WithAudit(sink),
			session.WithMetrics(a.metrics),
		),
	)
	if err != nil {
		return err
	}
	defer sp.Close()

	if err := sp.Login(); err != nil {
		return err
	}

	final, err := a.runProgram(ui.NewWatchModel(sp, bridge),
		tea.WithContext(cmd.Context()),
		tea.WithInput(a.in),
		tea.WithOutput(a.out),
		tea.WithAltScreen(),
		tea.WithMouseAllMotion(),
	)
	if err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return fmt.Errorf("session screen: %w", err)
	}

	if m, ok := final.(ui.WatchModel); ok && m.Expired() {
		fmt.Fprintln(a.out, styles.RenderWarning("Logged out due to inactivity."))
	}
	return nil
}

type sessionStatusOutput struct {
	Active        bool          `json:"active"`
	LastActivity  time.Time     `json:"last_activity,omitempty"`
	TimeRemaining time.Duration `json:"time_remaining"`
	Countdown     string        `json:"countdown"`
	Timeout       time.Duration `json:"timeout"`
	Origin        string        `json:"origin,omitempty"`
}

func (a *App) runSessionStatus(cmd *cobra.Command, _ []string) error {
	st, err := a.openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	rec, err := session.ReadRecord(cmd.Context(), st, a.cfg.Session.StorageKey)
	if errors.Is(err, store.ErrNotFound) {
		return a.emit("session status", sessionStatusOutput{Countdown: util.FormatCountdown(0)}, func() {
			fmt.Fprintln(a.out, styles.RenderInfo("No recorded session activity."))
		})
	}
	if err != nil {
		return fmt.Errorf("read session record: %w", err)
	}

	remaining := rec.Remaining(a.clock.Now())
	out := sessionStatusOutput{
		Active:        remaining > 0,
		LastActivity:  rec.LastActivity(),
		TimeRemaining: remaining,
		Countdown:     util.FormatCountdown(remaining),
		Timeout:       rec.Timeout(),
		Origin:        rec.Origin,
	}
	return a.emit("session status", out, func() {
		printTitle(a.out, "Session")
		if out.Active {
			printField(a.out, "State", "active")
		} else {
			printField(a.out, "State", "expired")
		}
		printField(a.out, "Last activity", out.LastActivity.Format(time.RFC3339))
		printField(a.out, "Time remaining", out.Countdown)
		printField(a.out, "Timeout", out.Timeout.String())
	})
}

// serveMetrics starts the Prometheus endpoint when enabled and returns a
// function that stops it.
func (a *App) serveMetrics() func() {
	if !a.cfg.Metrics.Enabled {
		return func() {}
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.HandlerFor(a.registry))
	srv := &http.Server{
		Addr:              a.cfg.Metrics.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Warn("metrics server stopped", zap.Error(err))
		}
	}()
	a.logger.Info("serving metrics", zap.String("addr", a.cfg.Metrics.Addr))

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}
