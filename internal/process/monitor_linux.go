//go:build linux

package process

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// setupParentDeathSignal asks the kernel to send SIGTERM when our parent dies
func setupParentDeathSignal() error {
	if err := unix.Prctl(unix.PR_SET_PDEATHSIG, uintptr(unix.SIGTERM), 0, 0, 0); err != nil {
		return fmt.Errorf("prctl(PR_SET_PDEATHSIG) failed: %w", err)
	}
	return nil
}
