// Package identity resolves the human operator recorded as the actor of
// CLI and API requests.
package identity

import (
	"bufio"
	"bytes"
	"errors"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/sgttomas/chirality-runtime/internal/domain"
)

// Human is an operator who seals turns and approves reviews.
type Human struct {
	Name   string `yaml:"name"`
	Email  string `yaml:"email"`
	Source string `yaml:"source,omitempty"` // git, env, member or os
}

func slug(s string) string {
	return strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), " ", "_"))
}

// Username is the member name a Human is saved under: the slugged name, else
// the email local part, else "default".
func (h Human) Username() string {
	if u := slug(h.Name); u != "" {
		return u
	}
	if local, _, ok := strings.Cut(h.Email, "@"); ok && local != "" {
		return strings.ToLower(local)
	}
	return "default"
}

func (h Human) Actor() domain.ActorID {
	return domain.Human(h.Username())
}

// Members is the <home>/members directory of saved identities, one YAML file
// per username.
type Members string

func MembersOf(home string) Members { return Members(filepath.Join(home, "members")) }

func (m Members) Path(username string) string {
	name := slug(username)
	if name == "" {
		name = "default"
	}
	return filepath.Join(string(m), name+".yaml")
}

// Load returns nil, nil when the member has no file.
func (m Members) Load(username string) (*Human, error) {
	data, err := os.ReadFile(m.Path(username))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var h Human
	if err := yaml.Unmarshal(data, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

func (m Members) Save(h Human) (string, error) {
	if err := os.MkdirAll(string(m), 0o755); err != nil {
		return "", err
	}
	data, err := yaml.Marshal(h)
	if err != nil {
		return "", err
	}
	path := m.Path(h.Username())
	return path, os.WriteFile(path, data, 0o644)
}

// List returns the saved usernames, sorted.
func (m Members) List() ([]string, error) {
	entries, err := os.ReadDir(string(m))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if name, ok := strings.CutSuffix(e.Name(), ".yaml"); ok && !e.IsDir() {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out, nil
}

// FromGit reads user.name and user.email from git config, scoped to repoDir
// when given. Missing keys are left empty.
func FromGit(repoDir string) Human {
	h := Human{Source: "git"}
	cmd := exec.Command("git", "config", "--get-regexp", `^user\.(name|email)$`)
	cmd.Dir = repoDir
	out, err := cmd.Output()
	if err != nil {
		return h
	}
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		key, val, _ := strings.Cut(sc.Text(), " ")
		switch key {
		case "user.name":
			h.Name = strings.TrimSpace(val)
		case "user.email":
			h.Email = strings.TrimSpace(val)
		}
	}
	return h
}

// Resolve finds the operator, first match wins: CHIRALITY_USER, the only
// saved member, git config in repoDir, then $USER.
func Resolve(home, repoDir string) Human {
	if u := strings.TrimSpace(os.Getenv("CHIRALITY_USER")); u != "" {
		return Human{Name: u, Source: "env"}
	}
	members := MembersOf(home)
	if names, err := members.List(); err == nil && len(names) == 1 {
		if h, err := members.Load(names[0]); err == nil && h != nil {
			h.Source = "member"
			return *h
		}
	}
	if h := FromGit(repoDir); h.Name != "" || h.Email != "" {
		return h
	}
	return Human{Name: os.Getenv("USER"), Source: "os"}
}

// CurrentActor is the audit identity of Resolve.
func CurrentActor(home, repoDir string) domain.ActorID {
	return Resolve(home, repoDir).Actor()
}

// DetectAndSave saves the git identity as a member and returns its file.
func DetectAndSave(home, repoDir string) (Human, string, error) {
	h := FromGit(repoDir)
	if h.Name == "" && h.Email == "" {
		return h, "", errors.New("git config has no user.name or user.email")
	}
	path, err := MembersOf(home).Save(h)
	return h, path, err
}
