package merge

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/sgttomas/chirality-runtime/internal/domain"
	"github.com/sgttomas/chirality-runtime/internal/git"
	"github.com/sgttomas/chirality-runtime/internal/otel"
	"github.com/sgttomas/chirality-runtime/internal/store"
)

// Worker polls for Completed sessions whose branch has not been merged yet,
// merges each branch into its base ref in the base checkout and records the
// merge commit.
type Worker struct {
	Store store.Store
	Repo  *git.Repo // base checkout
	// BaseRef is used for sessions opened without one.
	BaseRef string
	// Interval between poll rounds
	Interval time.Duration
	// Quiet wraps each merge, typically Watcher.Quiet so merged files are not
	// reported as drift. nil runs the merge directly.
	Quiet    func(func() error) error
	OnMerged func(s domain.AgentSession, mergeCommit string)
	Logger   *slog.Logger

	mu        sync.Mutex
	conflicts map[domain.SessionID]string // last commit that conflicted
}

const defaultMergeInterval = 15 * time.Second

// Run runs the merge worker until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	interval := w.Interval
	if interval <= 0 {
		interval = defaultMergeInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.RunOnce(ctx); err != nil {
				w.logger().Error("merge worker round failed", "err", err)
			}
		}
	}
}

func (w *Worker) logger() *slog.Logger {
	if w.Logger != nil {
		return w.Logger
	}
	return slog.Default()
}

// RunOnce merges every pending session once and reports how many landed.
// A session whose branch conflicts is retried only after it gets a new commit.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	sessions, err := w.Store.ListUnmergedSessions(ctx)
	if err != nil {
		return 0, err
	}
	merged := 0
	for _, s := range sessions {
		if ctx.Err() != nil {
			return merged, ctx.Err()
		}
		if w.skip(s) {
			continue
		}
		if w.processSession(ctx, s) {
			merged++
		}
	}
	return merged, nil
}

func (w *Worker) skip(s domain.AgentSession) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	last, ok := w.conflicts[s.ID]
	return ok && last == s.LastCommit
}

func (w *Worker) processSession(ctx context.Context, s domain.AgentSession) bool {
	into := s.BaseRef
	if into == "" {
		into = w.BaseRef
	}
	if into == "" {
		into = "main"
	}
	var commit string
	merge := func() error {
		var err error
		commit, err = w.Repo.Merge(ctx, s.Branch, into, domain.System("merge"))
		return err
	}
	var err error
	if w.Quiet != nil {
		err = w.Quiet(merge)
	} else {
		err = merge()
	}
	if err != nil {
		var conflict *git.ConflictError
		if errors.As(err, &conflict) {
			w.mu.Lock()
			if w.conflicts == nil {
				w.conflicts = make(map[domain.SessionID]string)
			}
			w.conflicts[s.ID] = s.LastCommit
			w.mu.Unlock()
			otel.RecordMerge(ctx, "conflict")
			w.logger().Warn("merge worker conflict", "session", s.ID, "branch", s.Branch, "into", into, "paths", conflict.Paths)
			return false
		}
		otel.RecordMerge(ctx, "failed")
		w.logger().Error("merge worker merge failed", "session", s.ID, "branch", s.Branch, "err", err)
		return false
	}
	if err := w.Store.MarkSessionMerged(ctx, s.ID, commit); err != nil {
		w.logger().Error("merge worker record merge failed", "session", s.ID, "commit", commit, "err", err)
		return false
	}
	w.mu.Lock()
	delete(w.conflicts, s.ID)
	w.mu.Unlock()
	otel.RecordMerge(ctx, "merged")
	w.logger().Info("merge worker merged session", "session", s.ID, "branch", s.Branch, "into", into, "commit", commit)
	if w.OnMerged != nil {
		w.OnMerged(s, commit)
	}
	return true
}
