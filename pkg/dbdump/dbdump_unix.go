//go:build !windows

package dbdump

import (
	"os/exec"

	"golang.org/x/sys/unix"
)

// setProcessGroup puts the client into its own process group so a cancelled
// context terminates it together with any children.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &unix.SysProcAttr{Setpgid: true}
}
