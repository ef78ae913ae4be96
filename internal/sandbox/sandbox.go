package sandbox

import (
	"context"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
)

// Jail describes the filesystem view of a wrapped process: Root is mounted
// read-only and each Writable directory under it is mounted read-write.
type Jail struct {
	Root     string
	Writable []string
}

// WrapCommand returns an *exec.Cmd running binary inside bubblewrap when Root is
// set, the host is Linux and bwrap is installed. Otherwise it runs binary directly.
func WrapCommand(ctx context.Context, j Jail, binary string, args []string) *exec.Cmd {
	if j.Root == "" || runtime.GOOS != "linux" {
		return exec.CommandContext(ctx, binary, args...)
	}
	bwrap, err := exec.LookPath("bwrap")
	if err != nil {
		return exec.CommandContext(ctx, binary, args...)
	}
	root, err := filepath.Abs(j.Root)
	if err != nil {
		return exec.CommandContext(ctx, binary, args...)
	}
	bwrapArgs := []string{"--ro-bind", root, root}
	for _, w := range j.Writable {
		abs, err := filepath.Abs(w)
		if err != nil || !within(root, abs) {
			continue
		}
		bwrapArgs = append(bwrapArgs, "--bind", abs, abs)
	}
	bwrapArgs = append(bwrapArgs,
		"--ro-bind", "/usr", "/usr",
		"--ro-bind", "/lib", "/lib",
		"--ro-bind", "/lib64", "/lib64",
		"--dev", "/dev",
		"--proc", "/proc",
		"--tmpfs", "/tmp",
		"--unshare-pid",
		"--chdir", root,
		"--", binary,
	)
	bwrapArgs = append(bwrapArgs, args...)
	return exec.CommandContext(ctx, bwrap, bwrapArgs...)
}

func within(root, p string) bool {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
