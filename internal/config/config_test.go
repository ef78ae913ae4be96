package config

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sgttomas/chirality-runtime/internal/domain"
)

func TestWithHome_HomeFrom(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	if _, ok := HomeFrom(ctx); ok {
		t.Fatal("expected no home in empty context")
	}
	ctx = WithHome(ctx, "/foo/bar")
	got, ok := HomeFrom(ctx)
	if !ok || got != "/foo/bar" {
		t.Fatalf("HomeFrom: got %q, ok=%v; want /foo/bar, true", got, ok)
	}
}

func TestMustHomeFrom(t *testing.T) {
	t.Parallel()
	ctx := WithHome(context.Background(), "/chirality")
	if got := MustHomeFrom(ctx); got != "/chirality" {
		t.Fatalf("MustHomeFrom: got %q", got)
	}
}

func TestMustHomeFrom_panic(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected panic when home missing")
		}
	}()
	MustHomeFrom(context.Background())
}

func TestResolveHome_override(t *testing.T) {
	t.Parallel()
	got, err := ResolveHome("/custom/home")
	if err != nil {
		t.Fatalf("ResolveHome: %v", err)
	}
	if got != filepath.Clean("/custom/home") {
		t.Fatalf("ResolveHome: got %q", got)
	}
}

func TestResolveHome_env(t *testing.T) {
	t.Setenv("CHIRALITY_HOME", "/env/home")
	got, err := ResolveHome("")
	if err != nil {
		t.Fatalf("ResolveHome: %v", err)
	}
	if got != filepath.Clean("/env/home") {
		t.Fatalf("ResolveHome from env: got %q", got)
	}
}

func TestResolveHome_default(t *testing.T) {
	t.Setenv("CHIRALITY_HOME", "")
	// Override empty so we use UserHomeDir
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skipf("UserHomeDir: %v", err)
	}
	got, err := ResolveHome("")
	if err != nil {
		t.Fatalf("ResolveHome: %v", err)
	}
	want := filepath.Join(home, ".chirality")
	if got != want {
		t.Fatalf("ResolveHome default: got %q, want %q", got, want)
	}
}

func TestFindProjectHome(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	project := filepath.Join(root, HomeDirName)
	nested := filepath.Join(root, "deliverables", "DEL-01")
	if err := os.MkdirAll(project, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatal(err)
	}
	if _, ok := FindProjectHome(nested); ok {
		t.Fatal("a .chirality dir without config.yaml should not count")
	}
	if err := os.WriteFile(Path(project), []byte("base_branch: main\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	got, ok := FindProjectHome(nested)
	if !ok || got != project {
		t.Fatalf("FindProjectHome = %q, %v; want %q", got, ok, project)
	}
}

func TestLoad_missingFileUsesDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("SLACK_WEBHOOK_URL", "")
	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.BaseBranch != "main" || cfg.DB.Driver != "sqlite" || cfg.Conversation.Runtime != "stub" {
		t.Fatalf("defaults: %+v", cfg)
	}
	if !cfg.WatchEnabled() {
		t.Error("drift watcher should default to on")
	}
}

func TestLoad_fileAndEnv(t *testing.T) {
	home := t.TempDir()
	data := `
workspace: /srv/docs
base_branch: trunk
standards_dirs: [_Standards]
log_level: debug
watch_drift: false
merge:
  interval: 30s
scope_profiles:
  task:
    - pattern: "_References/**"
      permission: allow
      ops: [create]
`
	if err := os.WriteFile(Path(home), []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("DATABASE_URL", "postgres://localhost/chirality")
	t.Setenv("SLACK_WEBHOOK_URL", "")
	cfg, err := Load(home)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Workspace != "/srv/docs" || cfg.BaseBranch != "trunk" || cfg.Merge.Interval != 30*time.Second {
		t.Fatalf("file values: %+v", cfg)
	}
	if cfg.DB.Driver != "postgres" || cfg.DB.DSN != "postgres://localhost/chirality" {
		t.Fatalf("DATABASE_URL not applied: %+v", cfg.DB)
	}
	if cfg.WatchEnabled() {
		t.Error("watch_drift: false ignored")
	}
	if l := cfg.Layout(); l.MetadataDir != ".chirality" || len(l.StandardsDirs) != 1 {
		t.Errorf("Layout = %+v", l)
	}
	profiles, err := cfg.Profiles()
	if err != nil {
		t.Fatal(err)
	}
	rules := profiles[domain.AgentTask]
	if len(rules) != 1 || rules[0].Permission != domain.Allow || rules[0].Ops[0] != domain.OpCreate {
		t.Errorf("profiles = %+v", profiles)
	}
	if ParseLevel(cfg.LogLevel) != slog.LevelDebug {
		t.Errorf("level = %v", ParseLevel(cfg.LogLevel))
	}
}

func TestLoad_rejectsBadSettings(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	for name, data := range map[string]string{
		"driver":  "db:\n  driver: mysql\n",
		"runtime": "conversation:\n  runtime: grpc\n",
		"profile": "scope_profiles:\n  robot: []\n",
		"yaml":    "workspace: [",
	} {
		home := t.TempDir()
		if err := os.WriteFile(Path(home), []byte(data), 0o644); err != nil {
			t.Fatal(err)
		}
		if _, err := Load(home); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestSave_roundTrip(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	home := t.TempDir()
	cfg := Default()
	cfg.Workspace = "/w"
	if err := Save(home, cfg); err != nil {
		t.Fatal(err)
	}
	got, err := Load(home)
	if err != nil || got.Workspace != "/w" || got.Merge.Interval != cfg.Merge.Interval {
		t.Fatalf("Load after Save: %+v, %v", got, err)
	}
}
