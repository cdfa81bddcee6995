// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"fmt"
	"strconv"
	"time"

	"github.com/jeranaias/sessionguard/internal/ui/styles"
	"github.com/spf13/cobra"
)

func (a *App) lockoutCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "lockout",
		Aliases: []string{"lock"},
		Short:   "Failed-login lockout state",
	}

	status := &cobra.Command{
		Use:   "status",
		Short: "Show attempts and any active lockout",
		RunE:  a.runLockoutStatus,
	}

	reset := &cobra.Command{
		Use:   "reset",
		Short: "Clear the failed-attempt counter and any lockout",
		RunE:  a.runLockoutReset,
	}

	cmd.AddCommand(status, reset)
	return cmd
}

func (a *App) runLockoutStatus(*cobra.Command, []string) error {
	st, err := a.openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	lockout, err := a.openLockout(st, nil)
	if err != nil {
		return err
	}
	defer lockout.Close()

	status := lockout.Status()
	return a.emit("lockout status", status, func() {
		printTitle(a.out, "Lockout")
		if status.IsLockedOut {
			printField(a.out, "State", styles.RenderError("locked"))
			printField(a.out, "Unlocks in", status.FormattedTimeRemaining)
			printField(a.out, "Locked until", status.LockedUntil.Format(time.RFC3339))
		} else {
			printField(a.out, "State", styles.RenderSuccess("unlocked"))
		}
		printField(a.out, "Failed attempts", strconv.Itoa(status.Attempts)+"/"+strconv.Itoa(status.MaxAttempts))
		printField(a.out, "Remaining", strconv.Itoa(status.RemainingAttempts))
		if status.ShouldShowWarning {
			fmt.Fprintln(a.out, styles.RenderWarning("Few attempts remain before lockout."))
		}
	})
}

func (a *App) runLockoutReset(*cobra.Command, []string) error {
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

	lockout, err := a.openLockout(st, sink)
	if err != nil {
		return err
	}
	defer lockout.Close()

	lockout.ResetAttempts()
	return a.emit("lockout reset", lockout.Status(), func() {
		fmt.Fprintln(a.out, styles.RenderSuccess("Lockout state cleared."))
	})
}
