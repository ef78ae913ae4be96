//go:build windows

package daemon

import (
	"os"
	"os/exec"
)

type daemonLock struct {
	f    *os.File
	path string
}

// acquireLock creates the file exclusively. A file left behind by a crashed
// daemon has to be removed by hand.
func acquireLock(path string) (*daemonLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o644)
	if err != nil {
		if os.IsExist(err) {
			holder := 0
			if old, err := os.Open(path); err == nil {
				holder = lockHolder(old)
				_ = old.Close()
			}
			return nil, &AlreadyRunningError{PID: holder}
		}
		return nil, err
	}
	stampLock(f)
	return &daemonLock{f: f, path: path}, nil
}

func (l *daemonLock) release() {
	if l == nil || l.f == nil {
		return
	}
	_ = l.f.Close()
	_ = os.Remove(l.path)
}

func detach(cmd *exec.Cmd) {}

// processExists cannot probe without x/sys/windows; a dead daemon shows up as
// a refused connection instead.
func processExists(pid int) bool {
	return pid > 0
}

func signalTerm(proc *os.Process) error {
	return proc.Kill()
}
