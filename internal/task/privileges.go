package task

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Default unprivileged credential ("nobody" on most Linux distributions).
const (
	unprivilegedUID = 65534
	unprivilegedGID = 65534
)

// DropPrivileges permanently lowers the process credential to uid/gid.
// Group must be dropped before user: once the uid changes, setgid is no
// longer permitted. Irreversible, which is the point.
func DropPrivileges(uid, gid int) error {
	if unix.Geteuid() != 0 {
		return nil
	}
	if err := unix.Setgroups([]int{gid}); err != nil {
		return fmt.Errorf("failed to drop supplementary groups: %w", err)
	}
	if err := unix.Setresgid(gid, gid, gid); err != nil {
		return fmt.Errorf("failed to drop gid: %w", err)
	}
	if err := unix.Setresuid(uid, uid, uid); err != nil {
		return fmt.Errorf("failed to drop uid: %w", err)
	}
	return nil
}

// DefaultDropCredential returns the uid/gid used when no credential is
// configured.
func DefaultDropCredential() (uid, gid int) {
	return unprivilegedUID, unprivilegedGID
}
