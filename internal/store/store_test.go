package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"testing/fstest"
	"time"

	"github.com/sgttomas/chirality-runtime/internal/domain"
)

func openTestStore(t *testing.T) Store {
	t.Helper()
	home := filepath.Join(t.TempDir(), "home")
	if err := os.MkdirAll(home, 0o755); err != nil {
		t.Fatal(err)
	}
	st, err := Open(home)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func seed(t *testing.T, st Store) (domain.Deliverable, domain.AgentSession) {
	t.Helper()
	ctx := context.Background()
	d := domain.NewDeliverable("deliverables/DEL-01.01", "Pump sizing", testNow)
	if err := st.CreateDeliverable(ctx, d); err != nil {
		t.Fatalf("CreateDeliverable: %v", err)
	}
	id := domain.NewSessionID()
	s := domain.AgentSession{
		ID:        id,
		AgentType: domain.AgentTask,
		Agent:     "4_DOCUMENTS",
		Branch:    domain.SessionBranch(domain.AgentTask, id),
		BaseRef:   "main",
		Status:    domain.SessionActive,
		Scope: domain.ScopeOf([]domain.Rule{
			{Pattern: ".git/**", Permission: domain.Deny},
			{Pattern: d.Root + "/**", Permission: domain.Allow},
		}),
		Deliverables: []domain.DeliverableID{d.ID},
		Actor:        domain.Agent("4_DOCUMENTS"),
		Version:      1,
		CreatedAt:    testNow,
		UpdatedAt:    testNow,
	}
	if err := st.CreateSession(ctx, s); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	return d, s
}

func commitOf(c byte) string { return strings.Repeat(string(c), 40) }

// sealBatch moves d to target within session s, sealed on commit.
func sealBatch(t *testing.T, d domain.Deliverable, s domain.AgentSession, target domain.DeliverableState, commit string) SealBatch {
	t.Helper()
	v := domain.NewValidator(nil)
	at := testNow.Add(time.Minute)
	next, err := v.ApplyDeliverable(d, d.Version, target, s, s.Actor, commit, at)
	if err != nil {
		t.Fatalf("ApplyDeliverable: %v", err)
	}
	ns := s
	ns.LastCommit = commit
	ns.UpdatedAt = at
	return SealBatch{
		Deliverables: []DeliverableUpdate{{Next: next, ExpectedVersion: d.Version}},
		Session:      SessionUpdate{Next: ns, ExpectedVersion: s.Version, ExpectedStatus: s.Status},
		Record: domain.AuditRecord{
			ID:           domain.NewAuditID(),
			TurnID:       domain.NewTurnID(),
			SessionID:    s.ID,
			Deliverables: []domain.DeliverableID{d.ID},
			CommitHash:   commit,
			Actor:        s.Actor,
			Paths:        []string{d.Root + "/Datasheet.md"},
			Hashes:       map[string]domain.ContentHash{d.Root + "/Datasheet.md": domain.HashBytes([]byte("x"))},
			Transitions:  next.History[len(next.History)-1:],
			CreatedAt:    at,
		},
	}
}

func TestDeliverableAndSessionRoundTrip(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	d, s := seed(t, st)

	got, err := st.GetDeliverable(ctx, d.ID)
	if err != nil {
		t.Fatalf("GetDeliverable: %v", err)
	}
	if got.Root != d.Root || got.Status != domain.DeliverableOpen || got.Version != 1 || !got.CreatedAt.Equal(testNow) {
		t.Fatalf("GetDeliverable: got %+v", got)
	}

	gs, err := st.GetSession(ctx, s.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if gs.Branch != s.Branch || gs.AgentType != domain.AgentTask || gs.Actor != s.Actor {
		t.Fatalf("GetSession: got %+v", gs)
	}
	if gs.Scope.Len() != 2 || gs.Scope.Rules()[0].Permission != domain.Deny {
		t.Fatalf("scope did not round-trip: %+v", gs.Scope.Rules())
	}
	if len(gs.Deliverables) != 1 || gs.Deliverables[0] != d.ID {
		t.Fatalf("linked deliverables: %v", gs.Deliverables)
	}

	list, err := st.ListSessions(ctx, domain.SessionActive)
	if err != nil || len(list) != 1 {
		t.Fatalf("ListSessions(active): %v %v", list, err)
	}
	list, _ = st.ListSessions(ctx, domain.SessionPaused)
	if len(list) != 0 {
		t.Fatalf("ListSessions(paused): expected none, got %d", len(list))
	}

	if _, err := st.GetDeliverable(ctx, "del:missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("GetDeliverable missing: want ErrNotFound, got %v", err)
	}
	if _, err := st.GetSession(ctx, "sess:missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("GetSession missing: want ErrNotFound, got %v", err)
	}
	dup := domain.NewDeliverable(d.Root, "again", testNow)
	if err := st.CreateDeliverable(ctx, dup); err == nil {
		t.Fatal("expected error for duplicate root")
	}
}

func TestSealAppliesTurnAtomically(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	d, s := seed(t, st)

	b := sealBatch(t, d, s, domain.DeliverableInitialized, commitOf('a'))
	if err := st.Seal(ctx, b); err != nil {
		t.Fatalf("Seal: %v", err)
	}

	got, _ := st.GetDeliverable(ctx, d.ID)
	if got.Status != domain.DeliverableInitialized || got.Version != 2 {
		t.Fatalf("after seal: got %s v%d", got.Status, got.Version)
	}
	if len(got.History) != 1 || got.History[0].CommitHash != commitOf('a') || got.History[0].SessionID != s.ID {
		t.Fatalf("history: %+v", got.History)
	}
	gs, _ := st.GetSession(ctx, s.ID)
	if gs.LastCommit != commitOf('a') {
		t.Fatalf("session last commit: %q", gs.LastCommit)
	}

	rec, err := st.GetAuditByCommit(ctx, commitOf('a'))
	if err != nil {
		t.Fatalf("GetAuditByCommit: %v", err)
	}
	if rec.DeliverableID() != d.ID || rec.SessionID != s.ID || len(rec.Paths) != 1 || len(rec.Transitions) != 1 {
		t.Fatalf("audit record: %+v", rec)
	}
	if rec.Hashes[d.Root+"/Datasheet.md"] != domain.HashBytes([]byte("x")) {
		t.Fatalf("audit hashes: %v", rec.Hashes)
	}

	recs, err := st.ListAudit(ctx, AuditFilter{DeliverableID: d.ID})
	if err != nil || len(recs) != 1 {
		t.Fatalf("ListAudit by deliverable: %v %v", recs, err)
	}
	recs, _ = st.ListAudit(ctx, AuditFilter{SessionID: "sess:other"})
	if len(recs) != 0 {
		t.Fatalf("ListAudit other session: expected none, got %d", len(recs))
	}

	// Same commit twice is a seal failure, and nothing changes.
	again := sealBatch(t, got, gs, domain.DeliverableSemanticReady, commitOf('a'))
	err = st.Seal(ctx, again)
	if !errors.Is(err, domain.ErrTurnSealFailure) {
		t.Fatalf("duplicate commit: want TurnSealFailure, got %v", err)
	}
	after, _ := st.GetDeliverable(ctx, d.ID)
	if after.Version != 2 {
		t.Fatalf("failed seal changed the deliverable: v%d", after.Version)
	}
}

func TestSealRejectsStaleVersion(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	d, s := seed(t, st)

	if err := st.Seal(ctx, sealBatch(t, d, s, domain.DeliverableInitialized, commitOf('b'))); err != nil {
		t.Fatalf("Seal: %v", err)
	}
	// d is now stale (version 1 in memory, 2 stored).
	stale := sealBatch(t, d, s, domain.DeliverableInitialized, commitOf('c'))
	err := st.Seal(ctx, stale)
	if !domain.IsKind(err, domain.KindConcurrentModification) {
		t.Fatalf("stale seal: want ConcurrentModification, got %v", err)
	}
	if _, err := st.GetAuditByCommit(ctx, commitOf('c')); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("rolled back seal left an audit record: %v", err)
	}
}

func TestConcurrentSealExactlyOneWins(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	d, s := seed(t, st)

	batches := []SealBatch{
		sealBatch(t, d, s, domain.DeliverableInitialized, commitOf('d')),
		sealBatch(t, d, s, domain.DeliverableInitialized, commitOf('e')),
	}
	errs := make([]error, len(batches))
	var wg sync.WaitGroup
	for i := range batches {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = st.Seal(ctx, batches[i])
		}(i)
	}
	wg.Wait()

	var ok, conflict int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case domain.IsKind(err, domain.KindConcurrentModification):
			conflict++
		default:
			t.Fatalf("unexpected seal error: %v", err)
		}
	}
	if ok != 1 || conflict != 1 {
		t.Fatalf("want one winner and one conflict, got ok=%d conflict=%d", ok, conflict)
	}
	got, _ := st.GetDeliverable(ctx, d.ID)
	if got.Version != 2 || len(got.History) != 1 {
		t.Fatalf("deliverable after race: v%d history=%d", got.Version, len(got.History))
	}
}

func TestUpdateSessionCompareAndSwap(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	_, s := seed(t, st)

	v := domain.NewValidator(nil)
	paused, err := v.ApplySession(s, s.Version, domain.SessionPaused, domain.Human("ops"), testNow.Add(time.Hour))
	if err == nil {
		t.Fatalf("task sessions cannot pause, got %+v", paused)
	}
	failed, err := v.ApplySession(s, s.Version, domain.SessionFailed, domain.System("runtime"), testNow.Add(time.Hour))
	if err != nil {
		t.Fatalf("ApplySession: %v", err)
	}
	if err := st.UpdateSession(ctx, SessionUpdate{Next: failed, ExpectedVersion: 1, ExpectedStatus: domain.SessionActive}); err != nil {
		t.Fatalf("UpdateSession: %v", err)
	}
	if err := st.UpdateSession(ctx, SessionUpdate{Next: failed, ExpectedVersion: 1}); !domain.IsKind(err, domain.KindConcurrentModification) {
		t.Fatalf("replayed update: want ConcurrentModification, got %v", err)
	}
	gs, _ := st.GetSession(ctx, s.ID)
	if gs.Status != domain.SessionFailed || gs.Version != 2 || len(gs.History) != 1 || gs.History[0].Actor != domain.System("runtime") {
		t.Fatalf("session after update: %+v", gs)
	}
}

func TestUnmergedSessions(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	d, s := seed(t, st)

	b := sealBatch(t, d, s, domain.DeliverableInitialized, commitOf('f'))
	b.Session.Next.Status = domain.SessionCompleted
	b.Session.Next.Version = s.Version + 1
	if err := st.Seal(ctx, b); err != nil {
		t.Fatalf("Seal: %v", err)
	}
	list, err := st.ListUnmergedSessions(ctx)
	if err != nil || len(list) != 1 || list[0].ID != s.ID {
		t.Fatalf("ListUnmergedSessions: %v %v", list, err)
	}
	if err := st.MarkSessionMerged(ctx, s.ID, commitOf('9')); err != nil {
		t.Fatalf("MarkSessionMerged: %v", err)
	}
	if err := st.MarkSessionMerged(ctx, s.ID, commitOf('9')); err == nil {
		t.Fatal("expected error merging twice")
	}
	list, _ = st.ListUnmergedSessions(ctx)
	if len(list) != 0 {
		t.Fatalf("expected no unmerged sessions, got %d", len(list))
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	t.Parallel()
	home := t.TempDir()
	st, err := Open(home)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	_ = st.Close()
	st, err = Open(home)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	_ = st.Close()

	migs, err := LoadMigrations(migrationsFS, "migrations")
	if err != nil || len(migs) == 0 || migs[0].Version != 1 {
		t.Fatalf("LoadMigrations: %v %v", migs, err)
	}
	if _, err := migrationVersion("x_bad.sql"); err == nil {
		t.Fatal("expected error for bad migration name")
	}
}

func TestPending(t *testing.T) {
	migs := []Migration{
		{Version: 1, Name: "001_init.sql", Checksum: "aaa"},
		{Version: 2, Name: "002_audit.sql", Checksum: "bbb"},
	}
	got, err := Pending(migs, map[int]string{1: "aaa"})
	if err != nil || len(got) != 1 || got[0].Version != 2 {
		t.Fatalf("Pending = %v, %v", got, err)
	}
	if got, err := Pending(migs, map[int]string{1: "", 2: "bbb"}); err != nil || len(got) != 0 {
		t.Fatalf("unrecorded checksum should be trusted: %v %v", got, err)
	}
	_, err = Pending(migs, map[int]string{1: "zzz"})
	var drift *ErrSchemaDrift
	if !errors.As(err, &drift) || drift.Name != "001_init.sql" {
		t.Fatalf("expected schema drift, got %v", err)
	}
}

func TestLoadMigrations_duplicateVersion(t *testing.T) {
	fsys := fstest.MapFS{
		"m/001_a.sql": {Data: []byte("SELECT 1;")},
		"m/001_b.sql": {Data: []byte("SELECT 2;")},
	}
	if _, err := LoadMigrations(fsys, "m"); err == nil {
		t.Fatal("expected duplicate version error")
	}
}
