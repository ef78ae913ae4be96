package sandbox

import (
	"sync"
	"testing"

	"github.com/sgttomas/chirality-runtime/internal/domain"
)

func allow(p string) domain.Rule { return domain.Rule{Pattern: p, Permission: domain.Allow} }
func deny(p string) domain.Rule  { return domain.Rule{Pattern: p, Permission: domain.Deny} }

func TestEvaluate_SpecificDenyOutranksBroadAllow(t *testing.T) {
	t.Parallel()
	scope := MustScope(allow("/docs/**"), deny("/docs/secrets/**"))

	d := Evaluate(scope, "/docs/secrets/key.md", domain.OpModify)
	if d.Allowed || d.Reason != domain.DenyExplicit {
		t.Fatalf("secrets: got %s", d)
	}
	if d.Rule != 1 {
		t.Errorf("deciding rule = %d, want 1", d.Rule)
	}
	d = Evaluate(scope, "/docs/readme.md", domain.OpModify)
	if !d.Allowed {
		t.Fatalf("readme: got %s", d)
	}
	// Declaration order does not matter when specificity differs.
	rev := MustScope(deny("/docs/secrets/**"), allow("/docs/**"))
	if Evaluate(rev, "docs/secrets/key.md", domain.OpCreate).Allowed {
		t.Error("reversed rules should still deny secrets")
	}
}

func TestEvaluate_NoMatchDenies(t *testing.T) {
	t.Parallel()
	scope := MustScope(allow("docs/**"))
	d := Evaluate(scope, "src/main.go", domain.OpCreate)
	if d.Allowed || d.Reason != domain.DenyNoMatchingRule || d.Rule != -1 {
		t.Fatalf("got %s", d)
	}
	if !domain.IsKind(d.Err(), domain.KindWriteDenied) {
		t.Fatalf("Err() = %v", d.Err())
	}
	empty := MustScope()
	if Evaluate(empty, "anything", domain.OpCreate).Allowed {
		t.Error("empty scope must deny")
	}
}

func TestEvaluate_Ties(t *testing.T) {
	t.Parallel()
	// Equal specificity, opposite permissions: deny wins regardless of order.
	for _, scope := range []domain.WriteScope{
		MustScope(allow("docs/*.md"), deny("docs/*.txt"), deny("docs/**")),
		MustScope(deny("docs/**"), allow("docs/*.md")),
	} {
		d := Evaluate(scope, "docs/a.md", domain.OpModify)
		if d.Allowed {
			t.Errorf("tie should deny, got %s", d)
		}
	}
	// Equal specificity, same permission: first declared is reported.
	scope := MustScope(allow("docs/*.md"), allow("docs/**"))
	d := Evaluate(scope, "docs/a.md", domain.OpModify)
	if !d.Allowed || d.Rule != 0 {
		t.Errorf("want first rule, got %s", d)
	}
	// Exact path outranks a glob sharing its prefix.
	scope = MustScope(deny("docs/a.md*"), allow("docs/a.md"))
	if d := Evaluate(scope, "docs/a.md", domain.OpModify); !d.Allowed || d.Rule != 1 {
		t.Errorf("exact rule should win, got %s", d)
	}
}

func TestEvaluate_Operations(t *testing.T) {
	t.Parallel()
	scope := MustScope(
		allow("docs/**"),
		domain.Rule{Pattern: "docs/**", Permission: domain.Deny, Ops: []domain.Operation{domain.OpDelete}},
	)
	if !Evaluate(scope, "docs/a.md", domain.OpModify).Allowed {
		t.Error("modify should be allowed")
	}
	if Evaluate(scope, "docs/a.md", domain.OpDelete).Allowed {
		t.Error("delete should be denied")
	}
}

func TestEvaluate_InvalidPaths(t *testing.T) {
	t.Parallel()
	scope := MustScope(allow("**"))
	for _, p := range []string{"", "/", "../etc/passwd", "docs/../../x", "a\x00b"} {
		d := Evaluate(scope, p, domain.OpCreate)
		if d.Allowed || d.Reason != domain.DenyInvalidPath {
			t.Errorf("%q: got %s", p, d)
		}
	}
	d := Evaluate(scope, `docs\sub\file.md`, domain.OpCreate)
	if !d.Allowed || d.Path != "docs/sub/file.md" {
		t.Errorf("backslashes: got %s", d)
	}
}

func TestEvaluate_DeterministicUnderConcurrency(t *testing.T) {
	t.Parallel()
	scope := MustScope(allow("docs/**"), deny("docs/secrets/**"), allow("docs/secrets/public/*.md"))
	paths := []string{"docs/a.md", "docs/secrets/k", "docs/secrets/public/x.md", "other/y", "docs/secrets/public/deep/z.md"}
	want := make([]Decision, len(paths))
	for i, p := range paths {
		want[i] = Evaluate(scope, p, domain.OpModify)
	}
	var wg sync.WaitGroup
	errs := make(chan string, 64)
	for g := 0; g < 16; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for n := 0; n < 200; n++ {
				i := (g + n) % len(paths)
				if got := Evaluate(scope, paths[i], domain.OpModify); got != want[i] {
					select {
					case errs <- paths[i]:
					default:
					}
				}
			}
		}(g)
	}
	wg.Wait()
	close(errs)
	for p := range errs {
		t.Errorf("non-deterministic decision for %s", p)
	}
}

func TestNewScopeRejectsBadRules(t *testing.T) {
	t.Parallel()
	bad := [][]domain.Rule{
		{{Pattern: "", Permission: domain.Allow}},
		{{Pattern: "docs/[", Permission: domain.Allow}},
		{{Pattern: "docs/../x", Permission: domain.Allow}},
		{{Pattern: "docs/**", Permission: "maybe"}},
		{{Pattern: "docs/**", Permission: domain.Allow, Ops: []domain.Operation{"chmod"}}},
	}
	for i, rules := range bad {
		if _, err := NewScope(rules...); err == nil {
			t.Errorf("case %d: expected error", i)
		}
	}
}

func TestDefaultScopes(t *testing.T) {
	t.Parallel()
	l := DefaultLayout()
	sid := domain.NewSessionID()

	task, err := DefaultScope(l, ScopeInput{Agent: domain.AgentTask, Session: sid, Roots: []string{"deliverables/DEL-01.01"}})
	if err != nil {
		t.Fatalf("DefaultScope(task): %v", err)
	}
	if !Evaluate(task, "deliverables/DEL-01.01/Datasheet.md", domain.OpModify).Allowed {
		t.Error("task should write its deliverable")
	}
	if Evaluate(task, "deliverables/DEL-01.02/Datasheet.md", domain.OpModify).Allowed {
		t.Error("task must not write another deliverable")
	}
	if Evaluate(task, "_Standards/style.md", domain.OpModify).Allowed {
		t.Error("task must not write standards")
	}

	arch, err := DefaultScope(l, ScopeInput{Agent: domain.AgentArchitect, Session: sid})
	if err != nil {
		t.Fatalf("DefaultScope(architect): %v", err)
	}
	if !Evaluate(arch, "_Contracts/api.md", domain.OpCreate).Allowed {
		t.Error("architect should write contracts")
	}
	if Evaluate(arch, "deliverables/DEL-01.01/Datasheet.md", domain.OpModify).Allowed {
		t.Error("architect is read-only on deliverables")
	}

	mgr, err := DefaultScope(l, ScopeInput{Agent: domain.AgentPersona, Session: sid})
	if err != nil {
		t.Fatalf("DefaultScope(persona): %v", err)
	}
	if !Evaluate(mgr, ".chirality/sessions/"+sid.Short()+"/notes.md", domain.OpCreate).Allowed {
		t.Error("manager should write own session metadata")
	}
	if Evaluate(mgr, ".chirality/sessions/other/notes.md", domain.OpCreate).Allowed {
		t.Error("manager must not write another session's metadata")
	}
	if Evaluate(mgr, "deliverables/DEL-01.01/Datasheet.md", domain.OpModify).Allowed {
		t.Error("manager is read-only on deliverable content")
	}
	for _, s := range []domain.WriteScope{task, arch, mgr} {
		if Evaluate(s, ".git/config", domain.OpModify).Allowed {
			t.Error(".git must always be denied")
		}
	}
}

func TestDefaultScopeQuotesRoots(t *testing.T) {
	t.Parallel()
	s, err := DefaultScope(DefaultLayout(), ScopeInput{Agent: domain.AgentTask, Roots: []string{"deliverables/[draft]"}})
	if err != nil {
		t.Fatalf("DefaultScope: %v", err)
	}
	if !Evaluate(s, "deliverables/[draft]/a.md", domain.OpCreate).Allowed {
		t.Error("literal brackets should match")
	}
	if Evaluate(s, "deliverables/d/a.md", domain.OpCreate).Allowed {
		t.Error("brackets must not act as a character class")
	}
}
