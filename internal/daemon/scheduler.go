package daemon

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sgttomas/chirality-runtime/internal/domain"
	"github.com/sgttomas/chirality-runtime/internal/orchestrator"
)

// briefRunner starts the session a brief describes and runs its first turn.
type briefRunner interface {
	StartFromBrief(ctx context.Context, brief domain.Brief, actor domain.ActorID) (domain.AgentSession, error)
	RunTurn(ctx context.Context, id domain.SessionID, input string) (orchestrator.TurnResult, error)
}

// briefScheduler polls <home>/briefs for *.yaml session briefs. Each brief is
// claimed by moving it to running/, started as a session whose first turn
// carries the task definition, then filed under done/ or failed/ next to a
// .result.json.
type briefScheduler struct {
	dir      string
	runner   briefRunner
	actor    domain.ActorID
	interval time.Duration
	max      int
	publish  func(v any)
	logger   *slog.Logger
}

type briefResult struct {
	Brief     string                   `json:"brief"`
	SessionID domain.SessionID         `json:"session_id,omitempty"`
	Turn      *orchestrator.TurnResult `json:"turn,omitempty"`
	Error     string                   `json:"error,omitempty"`
	At        time.Time                `json:"at"`
}

func (b *briefScheduler) run(ctx context.Context) {
	interval := b.interval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := b.runOnce(ctx); err != nil {
				b.logger.Error("brief scheduler round failed", "err", err)
			}
		}
	}
}

// runOnce claims every pending brief and runs them with at most max at once.
// It returns how many briefs were claimed.
func (b *briefScheduler) runOnce(ctx context.Context) (int, error) {
	for _, sub := range []string{"running", "done", "failed"} {
		if err := os.MkdirAll(filepath.Join(b.dir, sub), 0o755); err != nil {
			return 0, err
		}
	}
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return 0, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && (strings.HasSuffix(e.Name(), ".yaml") || strings.HasSuffix(e.Name(), ".yml")) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	max := b.max
	if max <= 0 {
		max = 4
	}
	sem := make(chan struct{}, max)
	var wg sync.WaitGroup
	claimed := 0
	for _, name := range names {
		running := filepath.Join(b.dir, "running", name)
		// Claim by rename so a brief runs once even with several pollers.
		if err := os.Rename(filepath.Join(b.dir, name), running); err != nil {
			continue
		}
		claimed++
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			return claimed, ctx.Err()
		}
		wg.Add(1)
		go func(name, path string) {
			defer wg.Done()
			defer func() { <-sem }()
			b.runBrief(ctx, name, path)
		}(name, running)
	}
	wg.Wait()
	return claimed, nil
}

func (b *briefScheduler) runBrief(ctx context.Context, name, path string) {
	res := briefResult{Brief: name}
	defer func() {
		res.At = time.Now().UTC()
		b.file(name, path, res)
	}()

	data, err := os.ReadFile(path)
	if err != nil {
		res.Error = err.Error()
		return
	}
	brief, err := domain.ParseBrief(data)
	if err != nil {
		res.Error = err.Error()
		return
	}
	s, err := b.runner.StartFromBrief(ctx, brief, b.actor)
	if err != nil {
		res.Error = err.Error()
		return
	}
	res.SessionID = s.ID
	b.publishUpdate(name, s.ID, "started", "")

	turn, err := b.runner.RunTurn(ctx, s.ID, brief.TaskDefinition)
	if err != nil {
		res.Error = err.Error()
		return
	}
	res.Turn = &turn
	if turn.Outcome == orchestrator.OutcomeFailed || turn.Outcome == orchestrator.OutcomeAborted {
		res.Error = "turn " + turn.Outcome
	}
}

func (b *briefScheduler) file(name, path string, res briefResult) {
	dest, state := "done", "done"
	if res.Error != "" {
		dest, state = "failed", "failed"
		b.logger.Warn("brief failed", "brief", name, "session", res.SessionID, "err", res.Error)
	} else {
		b.logger.Info("brief done", "brief", name, "session", res.SessionID)
	}
	target := filepath.Join(b.dir, dest, name)
	if err := os.Rename(path, target); err != nil {
		b.logger.Error("file brief", "brief", name, "err", err)
	}
	if data, err := json.MarshalIndent(res, "", "  "); err == nil {
		_ = os.WriteFile(target+".result.json", data, 0o644)
	}
	b.publishUpdate(name, res.SessionID, state, res.Error)
}

func (b *briefScheduler) publishUpdate(name string, session domain.SessionID, state, errMsg string) {
	if b.publish == nil {
		return
	}
	payload := map[string]any{"type": "brief_update", "brief": name, "state": state}
	if session != "" {
		payload["session_id"] = session
	}
	if errMsg != "" {
		payload["error"] = errMsg
	}
	b.publish(payload)
}
