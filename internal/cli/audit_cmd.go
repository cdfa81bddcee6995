// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"fmt"
	"strconv"

	"github.com/jeranaias/sessionguard/internal/config"
	"github.com/jeranaias/sessionguard/internal/security/audit"
	"github.com/jeranaias/sessionguard/internal/ui/styles"
	"github.com/spf13/cobra"
)

func (a *App) auditCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Audit trail tools",
	}

	var path string
	verify := &cobra.Command{
		Use:   "verify",
		Short: "Check the HMAC chain of the audit log",
		RunE: func(*cobra.Command, []string) error {
			return a.runAuditVerify(path)
		},
	}
	verify.Flags().StringVar(&path, "path", "", "log file (default from config)")

	var keyPath string
	var force bool
	keygen := &cobra.Command{
		Use:   "keygen",
		Short: "Generate an HMAC key file for chaining the audit log",
		RunE: func(*cobra.Command, []string) error {
			return a.runAuditKeygen(keyPath, force)
		},
	}
	keygen.Flags().StringVar(&keyPath, "path", "", "key file (default ~/.sessionguard/audit.key)")
	keygen.Flags().BoolVar(&force, "force", false, "replace an existing key file")

	cmd.AddCommand(verify, keygen)
	return cmd
}

type keygenOutput struct {
	Path string `json:"path"`
	Bits int    `json:"bits"`
}

func (a *App) runAuditKeygen(path string, force bool) error {
	if path == "" {
		var err error
		if path, err = config.DefaultKeyFile(); err != nil {
			return err
		}
	}
	key, err := audit.GenerateKeyFile(path, force)
	if err != nil {
		return err
	}

	return a.emit("audit keygen", keygenOutput{Path: path, Bits: len(key) * 8}, func() {
		fmt.Fprintln(a.out, styles.RenderSuccess("Wrote audit key to "+path))
		fmt.Fprintf(a.out, "Add to [audit]: key_file = %q\n", path)
	})
}

func (a *App) runAuditVerify(path string) error {
	if path == "" {
		path = a.cfg.Audit.Path
	}
	key, err := a.cfg.AuditKey()
	if err != nil {
		return err
	}
	if key == nil {
		return fmt.Errorf("neither audit.hmac_key nor audit.key_file is set; the log is not chained")
	}

	report, err := audit.Verify(path, key)
	if err != nil {
		return err
	}

	if err := a.emit("audit verify", report, func() {
		if report.Valid {
			fmt.Fprintln(a.out, styles.RenderSuccess("Audit log verified: "+strconv.Itoa(report.Entries)+" entries"))
			return
		}
		fmt.Fprintln(a.out, styles.RenderError("Audit log failed verification"))
		for _, issue := range report.Issues {
			fmt.Fprintln(a.out, "  "+issue)
		}
	}); err != nil {
		return err
	}

	if !report.Valid {
		return &ExitCodeError{Code: ExitError, Err: fmt.Errorf("audit chain broken at %d place(s)", len(report.Issues))}
	}
	return nil
}
