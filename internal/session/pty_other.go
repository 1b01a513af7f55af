//go:build unix && !linux

package session

import (
	"errors"
	"os"
	"syscall"
)

var errUnsupported = errors.New("pseudo-terminals are only supported on Linux")

func openPTY() (*os.File, string, error) {
	return nil, "", errUnsupported
}

func setWindowSize(*os.File, Size) error {
	return errUnsupported
}

func signalGroup(pid int, sig syscall.Signal) error {
	return syscall.Kill(-pid, sig)
}
