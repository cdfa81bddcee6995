// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"errors"
	"fmt"

	"github.com/jeranaias/sessionguard/internal/provider"
	"github.com/jeranaias/sessionguard/internal/ui/styles"
	"github.com/spf13/cobra"
)

type loginOutput struct {
	User    string          `json:"user"`
	Success bool            `json:"success"`
	Banner  provider.Banner `json:"banner"`
	Message string          `json:"message,omitempty"`
}

func (a *App) loginCommand() *cobra.Command {
	var username string

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Authenticate a configured user through the lockout guard",
		Long: `Prompts for the password (and a TOTP code when the user has one) and
checks it against the configured bcrypt hash. Repeated failures lock out all
logins on this device for the configured duration.

Input is read from stdin without echo on a terminal, or line by line when
piped.`,
		Example: `  sessionguard login --user alice
  printf 'secret\n' | sessionguard login --user alice --json`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runLogin(cmd, username)
		},
	}
	cmd.Flags().StringVarP(&username, "user", "u", "", "user name")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func (a *App) runLogin(cmd *cobra.Command, username string) error {
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

	v, err := a.verifier()
	if err != nil {
		return err
	}
	guard := provider.NewLoginGuard(lockout, v,
		provider.WithGuardLogger(a.logger.Named("login")),
		provider.WithGuardAudit(sink),
	)

	// Refuse before prompting so a locked-out user is not asked for secrets.
	if banner := guard.Banner(); banner.IsLockedOut {
		return a.loginResult(username, guard, &provider.LockedOutError{Remaining: lockout.LockoutTimeRemaining()})
	}

	password, err := a.readSecret("Password: ")
	if err != nil {
		return err
	}
	var code string
	if v.RequiresCode(username) {
		if code, err = a.readLine("Authentication code: "); err != nil {
			return err
		}
	}

	return a.loginResult(username, guard, guard.Attempt(cmd.Context(), username, password, code))
}

func (a *App) loginResult(username string, guard *provider.LoginGuard, attemptErr error) error {
	banner := guard.Banner()
	out := loginOutput{
		User:    username,
		Success: attemptErr == nil,
		Banner:  banner,
		Message: banner.Message(),
	}

	if a.jsonOut {
		if err := a.printJSON(NewJSONResponse("login", out)); err != nil {
			return err
		}
	} else {
		switch {
		case attemptErr == nil:
			fmt.Fprintln(a.out, styles.RenderSuccess("Login successful."))
		case banner.IsLockedOut:
			fmt.Fprintln(a.out, styles.RenderError(banner.Message()))
		default:
			fmt.Fprintln(a.out, styles.RenderError("Invalid credentials."))
			if msg := banner.Message(); msg != "" {
				fmt.Fprintln(a.out, styles.RenderWarning(msg))
			}
		}
	}

	switch {
	case attemptErr == nil:
		return nil
	case errors.Is(attemptErr, provider.ErrLockedOut):
		return &ExitCodeError{Code: ExitLockedOut, Err: attemptErr}
	default:
		return &ExitCodeError{Code: ExitError, Err: attemptErr}
	}
}
