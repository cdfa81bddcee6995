//go:build windows

// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package audit

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/windows"
)

// Mode bits mean little on Windows, so the DACL is inspected instead.
func checkKeyFilePermissions(_ os.FileInfo, path string) error {
	sd, err := windows.GetNamedSecurityInfo(
		path,
		windows.SE_FILE_OBJECT,
		windows.DACL_SECURITY_INFORMATION|windows.OWNER_SECURITY_INFORMATION,
	)
	if err != nil {
		return fmt.Errorf("failed to get security info: %w", err)
	}

	owner, _, err := sd.Owner()
	if err != nil {
		return fmt.Errorf("failed to get owner SID: %w", err)
	}

	token, err := windows.OpenCurrentProcessToken()
	if err != nil {
		return fmt.Errorf("failed to open process token: %w", err)
	}
	defer token.Close()

	user, err := token.GetTokenUser()
	if err != nil {
		return fmt.Errorf("failed to get current user: %w", err)
	}

	dacl, _, err := sd.DACL()
	if err != nil {
		return fmt.Errorf("failed to get DACL: %w", err)
	}

	if err := checkDACL(dacl, owner, user.User.Sid); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrKeyFilePermissions, path, err)
	}
	return nil
}

// checkDACL rejects broad groups and unexpected owners.
func checkDACL(dacl *windows.ACL, owner, current *windows.SID) error {
	if dacl == nil {
		return fmt.Errorf("NULL DACL grants full access to everyone")
	}

	admins, err := windows.CreateWellKnownSid(windows.WinBuiltinAdministratorsSid)
	if err != nil {
		return fmt.Errorf("failed to get Administrators SID: %w", err)
	}
	system, err := windows.CreateWellKnownSid(windows.WinLocalSystemSid)
	if err != nil {
		return fmt.Errorf("failed to get SYSTEM SID: %w", err)
	}

	broad := []struct {
		kind windows.WELL_KNOWN_SID_TYPE
		name string
	}{
		{windows.WinWorldSid, "Everyone"},
		{windows.WinBuiltinUsersSid, "Users"},
		{windows.WinAuthenticatedUserSid, "Authenticated Users"},
	}
	for _, b := range broad {
		sid, err := windows.CreateWellKnownSid(b.kind)
		if err != nil {
			continue
		}
		if grantsAccess(dacl, sid) {
			return fmt.Errorf("%s has access to key file", b.name)
		}
	}

	if owner != nil && !owner.Equals(current) && !owner.Equals(admins) && !owner.Equals(system) {
		return fmt.Errorf("key file owned by unexpected principal")
	}
	return nil
}

func grantsAccess(dacl *windows.ACL, sid *windows.SID) bool {
	var entries *windows.EXPLICIT_ACCESS
	var count uint32

	proc := windows.NewLazySystemDLL("advapi32.dll").NewProc("GetExplicitEntriesFromAclW")
	ret, _, _ := proc.Call(
		uintptr(unsafe.Pointer(dacl)),
		uintptr(unsafe.Pointer(&count)),
		uintptr(unsafe.Pointer(&entries)),
	)
	if ret != 0 || count == 0 || entries == nil {
		return false
	}
	defer windows.LocalFree(windows.Handle(unsafe.Pointer(entries)))

	for _, e := range unsafe.Slice(entries, count) {
		if e.AccessMode != windows.GRANT_ACCESS && e.AccessMode != windows.SET_ACCESS {
			continue
		}
		if e.Trustee.TrusteeForm != windows.TRUSTEE_IS_SID {
			continue
		}
		if s := (*windows.SID)(unsafe.Pointer(e.Trustee.TrusteeValue)); s != nil && s.Equals(sid) {
			return true
		}
	}
	return false
}
