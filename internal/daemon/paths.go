package daemon

import (
	"os"
	"path/filepath"
	"strconv"
)

// layout is a chirality home directory. Daemon runtime files live under
// protected/, which agents never see through the workspace tools.
type layout string

func (l layout) protected() string { return filepath.Join(string(l), "protected") }
func (l layout) pidFile() string   { return filepath.Join(l.protected(), "daemon.pid") }
func (l layout) lockFile() string  { return filepath.Join(l.protected(), "daemon.lock") }
func (l layout) addrFile() string  { return filepath.Join(l.protected(), "daemon.addr") }
func (l layout) logFile() string   { return filepath.Join(l.protected(), "daemon.log") }
func (l layout) briefs() string    { return filepath.Join(string(l), "briefs") }
func (l layout) workspace() string { return filepath.Join(string(l), "workspace") }

// prepare creates the protected directory.
func (l layout) prepare() error {
	return os.MkdirAll(l.protected(), 0o755)
}

// publish records the running daemon's pid and listen address. The returned
// func removes both.
func (l layout) publish(pid int, addr string) (func(), error) {
	if err := os.WriteFile(l.pidFile(), []byte(strconv.Itoa(pid)+"\n"), 0o644); err != nil {
		return nil, err
	}
	_ = os.WriteFile(l.addrFile(), []byte(addr+"\n"), 0o644)
	return func() {
		_ = os.Remove(l.pidFile())
		_ = os.Remove(l.addrFile())
	}, nil
}
