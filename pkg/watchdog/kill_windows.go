//go:build windows

package watchdog

import "os"

// killProcess terminates immediately. Windows has no SIGTERM to route
// through the graceful shutdown path.
func killProcess() {
	os.Exit(1)
}
