package identity

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/sgttomas/chirality-runtime/internal/domain"
)

func TestMembers_Path(t *testing.T) {
	t.Parallel()
	m := MembersOf("/home")
	if string(m) != filepath.Join("/home", "members") {
		t.Fatalf("MembersOf: got %q", m)
	}
	tests := []struct {
		username string
		want     string
	}{
		{"alice", "alice.yaml"},
		{"Alice Bob", "alice_bob.yaml"},
		{"  ", "default.yaml"},
	}
	for _, tt := range tests {
		if got := filepath.Base(m.Path(tt.username)); got != tt.want {
			t.Errorf("Path(%q) = %q, want %q", tt.username, got, tt.want)
		}
	}
}

func TestMembers_SaveLoadList(t *testing.T) {
	t.Parallel()
	m := MembersOf(t.TempDir())
	if names, err := m.List(); err != nil || names != nil {
		t.Fatalf("List on missing dir = %v, %v", names, err)
	}
	path, err := m.Save(Human{Name: "Test User", Email: "test@example.com", Source: "git"})
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if filepath.Base(path) != "test_user.yaml" {
		t.Fatalf("Save path = %s", path)
	}
	loaded, err := m.Load("Test User")
	if err != nil || loaded == nil || loaded.Email != "test@example.com" {
		t.Fatalf("Load = %+v, %v", loaded, err)
	}
	if missing, err := m.Load("nobody"); err != nil || missing != nil {
		t.Fatalf("Load missing = %+v, %v", missing, err)
	}
	names, err := m.List()
	if err != nil || len(names) != 1 || names[0] != "test_user" {
		t.Fatalf("List = %v, %v", names, err)
	}
}

func TestMembers_LoadInvalidYAML(t *testing.T) {
	t.Parallel()
	m := MembersOf(t.TempDir())
	if err := os.MkdirAll(string(m), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(m.Path("bad"), []byte("name: [\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Load("bad"); err == nil {
		t.Fatal("expected error for invalid YAML")
	}
}

func TestHuman_Actor(t *testing.T) {
	t.Parallel()
	tests := []struct {
		h    Human
		want string
	}{
		{Human{Name: "Alice Bob"}, "HUMAN:alice_bob"},
		{Human{Email: "Carol@example.com"}, "HUMAN:carol"},
		{Human{}, "HUMAN:default"},
	}
	for _, tt := range tests {
		if got := tt.h.Actor().String(); got != tt.want {
			t.Errorf("Actor(%+v) = %q, want %q", tt.h, got, tt.want)
		}
	}
}

func TestResolve(t *testing.T) {
	home := t.TempDir()
	t.Setenv("CHIRALITY_USER", "ops")
	if h := Resolve(home, ""); h.Source != "env" || h.Actor() != domain.Human("ops") {
		t.Fatalf("env override: got %+v", h)
	}
	t.Setenv("CHIRALITY_USER", "")
	if _, err := MembersOf(home).Save(Human{Name: "Dana", Email: "dana@example.com"}); err != nil {
		t.Fatal(err)
	}
	h := Resolve(home, "")
	if h.Source != "member" || h.Email != "dana@example.com" {
		t.Fatalf("single member: got %+v", h)
	}
	if got := CurrentActor(home, ""); got != domain.Human("dana") {
		t.Fatalf("CurrentActor = %v", got)
	}
}

func TestFromGit_repoConfig(t *testing.T) {
	dir := t.TempDir()
	for _, args := range [][]string{
		{"init", "-q"},
		{"config", "user.name", "Erin Ops"},
		{"config", "user.email", "erin@example.com"},
	} {
		if err := runGit(dir, args...); err != nil {
			t.Skipf("git unavailable: %v", err)
		}
	}
	h := FromGit(dir)
	if h.Name != "Erin Ops" || h.Email != "erin@example.com" || h.Username() != "erin_ops" {
		t.Fatalf("FromGit = %+v", h)
	}
}

func runGit(dir string, args ...string) error {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	return cmd.Run()
}
