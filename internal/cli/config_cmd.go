// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/jeranaias/sessionguard/internal/config"
	"github.com/jeranaias/sessionguard/internal/provider"
	"github.com/jeranaias/sessionguard/internal/ui/styles"
	"github.com/spf13/cobra"
)

func (a *App) configCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show, validate or create the configuration",
	}

	show := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with secrets masked",
		RunE: func(*cobra.Command, []string) error {
			return a.emit("config show", a.cfg.Redacted(), func() {
				fmt.Fprint(a.out, a.cfg.String())
			})
		},
	}

	validate := &cobra.Command{
		Use:         "validate",
		Short:       "Check the configuration file",
		Annotations: map[string]string{skipConfig: "true"},
		RunE:        a.runConfigValidate,
	}

	var force bool
	initCmd := &cobra.Command{
		Use:         "init",
		Short:       "Write a default configuration file",
		Annotations: map[string]string{skipConfig: "true"},
		RunE: func(*cobra.Command, []string) error {
			return a.runConfigInit(force)
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")

	var withTOTP bool
	addUser := &cobra.Command{
		Use:   "add-user NAME",
		Short: "Add or replace a login user",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return a.runConfigAddUser(args[0], withTOTP)
		},
	}
	addUser.Flags().BoolVar(&withTOTP, "totp", false, "generate a TOTP second factor")

	cmd.AddCommand(show, validate, initCmd, addUser)
	return cmd
}

type validateOutput struct {
	Path   string                   `json:"path"`
	Valid  bool                     `json:"valid"`
	Errors []config.ValidationError `json:"errors,omitempty"`
}

func (a *App) runConfigValidate(*cobra.Command, []string) error {
	path, err := a.configPath()
	if err != nil {
		return err
	}

	_, loadErr := config.LoadFromPath(path)
	out := validateOutput{Path: path, Valid: loadErr == nil}
	var verrs config.ValidateErrors
	if errors.As(loadErr, &verrs) {
		out.Errors = verrs
	}

	if err := a.emit("config validate", out, func() {
		switch {
		case loadErr == nil:
			fmt.Fprintln(a.out, styles.RenderSuccess("Configuration is valid: "+path))
		case len(verrs) > 0:
			fmt.Fprintln(a.out, styles.RenderError("Configuration is invalid: "+path))
			for _, e := range verrs {
				fmt.Fprintf(a.out, "  %s: %s\n", e.Field, e.Message)
			}
		default:
			fmt.Fprintln(a.out, styles.RenderError(loadErr.Error()))
		}
	}); err != nil {
		return err
	}

	if loadErr != nil {
		return &ExitCodeError{Code: ExitError, Err: loadErr}
	}
	return nil
}

func (a *App) runConfigInit(force bool) error {
	path, err := a.configPath()
	if err != nil {
		return err
	}
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}

	if err := config.Save(config.Default(), path); err != nil {
		return err
	}
	return a.emit("config init", map[string]string{"path": path}, func() {
		fmt.Fprintln(a.out, styles.RenderSuccess("Wrote "+path))
	})
}

type addUserOutput struct {
	User    string `json:"user"`
	TOTPURL string `json:"totp_url,omitempty"`
}

func (a *App) runConfigAddUser(name string, withTOTP bool) error {
	path, err := a.configPath()
	if err != nil {
		return err
	}

	password, err := a.readSecret("New password: ")
	if err != nil {
		return err
	}
	confirm, err := a.readSecret("Repeat password: ")
	if err != nil {
		return err
	}
	if password == "" {
		return fmt.Errorf("password must not be empty")
	}
	if password != confirm {
		return fmt.Errorf("passwords do not match")
	}

	hash, err := provider.HashPassword(password)
	if err != nil {
		return err
	}
	user := config.UserConfig{Name: name, PasswordHash: hash}

	out := addUserOutput{User: name}
	if withTOTP {
		key, err := provider.GenerateTOTPSecret("sessionguard", name)
		if err != nil {
			return fmt.Errorf("generate TOTP secret: %w", err)
		}
		user.TOTPSecret = key.Secret()
		out.TOTPURL = key.URL()
	}

	a.cfg.SetUser(user)
	if err := a.cfg.Validate(); err != nil {
		return err
	}
	if err := config.Save(a.cfg, path); err != nil {
		return err
	}

	return a.emit("config add-user", out, func() {
		fmt.Fprintln(a.out, styles.RenderSuccess("Saved user "+name+" to "+path))
		if out.TOTPURL != "" {
			fmt.Fprintln(a.out, styles.RenderInfo("Add this to your authenticator app:"))
			fmt.Fprintln(a.out, "  "+out.TOTPURL)
		}
	})
}
