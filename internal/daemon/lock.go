package daemon

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// AlreadyRunningError is returned when another daemon holds the home lock.
type AlreadyRunningError struct {
	PID int // 0 when the holder is unknown
}

func (e *AlreadyRunningError) Error() string {
	if e.PID > 0 {
		return fmt.Sprintf("chirality is already running (pid %d)", e.PID)
	}
	return "chirality is already running (could not acquire lock)"
}

// lockHolder reads the pid a daemon wrote into the lock file.
func lockHolder(f *os.File) int {
	b := make([]byte, 32)
	n, _ := f.ReadAt(b, 0)
	pid, _ := strconv.Atoi(strings.TrimSpace(string(b[:n])))
	return pid
}

func stampLock(f *os.File) {
	_ = f.Truncate(0)
	_, _ = f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0)
	_ = f.Sync()
}
