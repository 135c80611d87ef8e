//go:build unix

package watchdog

import (
	"os"
	"syscall"
)

// killProcess asks the process to terminate gracefully so the server's
// shutdown path still runs. The supervisor is expected to restart it.
func killProcess() {
	p, err := os.FindProcess(os.Getpid())
	if err != nil {
		os.Exit(1)
	}
	if err := p.Signal(syscall.SIGTERM); err != nil {
		os.Exit(1)
	}
}
