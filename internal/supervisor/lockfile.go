package supervisor

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/strikeline/strikeline/errs"
	"github.com/strikeline/strikeline/internal/observability"
)

// AcquireLock takes an exclusive pidfile lock at path, guarding against two
// pipeline instances sharing one bus root. The returned release function is
// safe to call more than once. A lock whose owning process is gone is
// treated as stale and reclaimed.
func AcquireLock(path string) (func(), error) {
	if err := tryLock(path); err != nil {
		if !errors.Is(err, fs.ErrExist) {
			return nil, err
		}
		if !lockIsStale(path) {
			return nil, errs.New("supervisor", errs.CodeConfig,
				errs.WithMessage("another instance holds the lock"),
				errs.WithContext("path", path))
		}
		observability.Log().Warn("reclaiming stale lockfile",
			observability.F("path", path))
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, errs.New("supervisor", errs.CodeTransientIO,
				errs.WithMessage("remove stale lockfile"), errs.WithCause(err))
		}
		if err := tryLock(path); err != nil {
			return nil, errs.New("supervisor", errs.CodeConfig,
				errs.WithMessage("lockfile contended"), errs.WithCause(err),
				errs.WithContext("path", path))
		}
	}

	var once func()
	released := false
	once = func() {
		if released {
			return
		}
		released = true
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			observability.Log().Warn("lockfile release failed",
				observability.F("path", path),
				observability.F("error", err.Error()))
		}
	}
	return once, nil
}

func tryLock(path string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	_, werr := fmt.Fprintf(f, "%d\n", os.Getpid())
	cerr := f.Close()
	if werr != nil {
		return werr
	}
	return cerr
}

func lockIsStale(path string) bool {
	raw, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil || pid <= 0 {
		// Unparseable owner, assume stale.
		return true
	}
	if pid == os.Getpid() {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return true
	}
	return proc.Signal(syscall.Signal(0)) != nil
}
