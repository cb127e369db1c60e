// +build darwin linux netbsd openbsd

package repo

import "syscall"

// desiredOpenFileLimit is comfortably above what a node with many
// mail servers configured across many accounts will open at once
// during a fetch or transmit fan-out.
const desiredOpenFileLimit = 4096

// CheckAndSetUlimit raises the process's open file descriptor limit so
// that transmit's and fetch's per-server connection fan-out doesn't run
// out of file descriptors on a default-configured system.
func CheckAndSetUlimit() error {
	var rLimit syscall.Rlimit
	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &rLimit); err != nil {
		return err
	}

	if rLimit.Cur >= desiredOpenFileLimit {
		return nil
	}

	want := desiredOpenFileLimit
	if rLimit.Max < uint64(want) {
		want = int(rLimit.Max)
	}
	rLimit.Cur = uint64(want)
	return syscall.Setrlimit(syscall.RLIMIT_NOFILE, &rLimit)
}
