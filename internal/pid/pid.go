package pid

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"codeberg.org/mutker/npuctl/internal/errors"
)

const (
	pidFile = "npuctl.pid"
)

// Dir is where the PID file lives. Tests point it at a temporary directory.
var Dir = os.TempDir()

// Path returns the location of the PID file.
func Path() string {
	return filepath.Join(Dir, pidFile)
}

// Write records the current process ID, refusing if a live daemon already
// owns the PID file.
func Write() error {
	errFactory := errors.New()
	path := Path()

	if bytes, err := os.ReadFile(path); err == nil {
		other, err := strconv.Atoi(strings.TrimSpace(string(bytes)))
		if err == nil && other != os.Getpid() && alive(other) {
			return errFactory.WithData(errors.ErrAlreadyRunning, other)
		}
	} else if !os.IsNotExist(err) {
		return errFactory.Wrap(errors.ErrInternal, err)
	}

	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o600); err != nil {
		return errFactory.Wrap(errors.ErrInternal, err)
	}

	return nil
}

// Remove removes the PID file.
func Remove() error {
	errFactory := errors.New()

	if err := os.Remove(Path()); err != nil && !os.IsNotExist(err) {
		return errFactory.Wrap(errors.ErrInternal, err)
	}

	return nil
}

func alive(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}

	return process.Signal(syscall.Signal(0)) == nil
}
