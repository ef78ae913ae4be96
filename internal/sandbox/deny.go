package sandbox

import (
	"fmt"
	"path/filepath"
	"strings"
)

// shellDenyList holds substrings that must not appear in a command line an
// agent asks to run.
var shellDenyList = []string{
	"sqlite3",
	"rm -rf .git",
	"rm -rf /",
	"chmod 777",
	"| sh",
	"| bash",
	"eval $(",
	"> /dev/sd",
	"mkfs.",
	":(){ :|:& };:",
}

// gitDenyList are git subcommands that change history or branch topology.
// Commits, branches and merges are made by the orchestrator through the git port only.
var gitDenyList = []string{
	"git add",
	"git commit",
	"git rebase",
	"git merge",
	"git pull",
	"git push",
	"git fetch",
	"git checkout",
	"git switch",
	"git reset",
	"git restore",
	"git stash",
	"git tag",
	"git worktree",
	"git branch",
	"git remote",
	"git filter-branch",
	"git reflog",
	"git update-ref",
	"git gc",
}

// BlockedShellCommand reports whether cmdLine contains a denied substring (case-insensitive).
func BlockedShellCommand(cmdLine string) bool {
	lower := strings.ToLower(strings.TrimSpace(cmdLine))
	for _, deny := range shellDenyList {
		if strings.Contains(lower, strings.ToLower(deny)) {
			return true
		}
	}
	return false
}

// BlockedGitCommand reports whether args (argv after "git") is a history-changing command.
func BlockedGitCommand(args []string) bool {
	if len(args) == 0 {
		return false
	}
	lower := strings.ToLower("git " + strings.TrimSpace(strings.Join(args, " ")))
	for _, deny := range gitDenyList {
		if lower == deny || strings.HasPrefix(lower, deny+" ") {
			return true
		}
	}
	return false
}

// CheckCommand rejects an agent-requested argv when it is denied outright.
func CheckCommand(argv []string) error {
	if len(argv) == 0 {
		return fmt.Errorf("empty command")
	}
	if filepath.Base(argv[0]) == "git" && BlockedGitCommand(argv[1:]) {
		return fmt.Errorf("git command not allowed for agents: %s", strings.Join(argv, " "))
	}
	if BlockedShellCommand(strings.Join(argv, " ")) {
		return fmt.Errorf("command not allowed for agents: %s", strings.Join(argv, " "))
	}
	return nil
}
