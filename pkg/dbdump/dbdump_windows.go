//go:build windows

package dbdump

import (
	"os/exec"

	"golang.org/x/sys/windows"
)

// setProcessGroup starts the client in a new process group so a cancelled
// context terminates the whole process tree.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &windows.SysProcAttr{CreationFlags: windows.CREATE_NEW_PROCESS_GROUP}
}
