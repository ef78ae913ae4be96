package domain

import (
	"fmt"
	"strings"
	"time"
)

// DeliverableState is the lifecycle status of a Deliverable.
type DeliverableState string

const (
	DeliverableOpen          DeliverableState = "OPEN"
	DeliverableInitialized   DeliverableState = "INITIALIZED"
	DeliverableSemanticReady DeliverableState = "SEMANTIC_READY"
	DeliverableInProgress    DeliverableState = "IN_PROGRESS"
	DeliverableChecking      DeliverableState = "CHECKING"
	DeliverableIssued        DeliverableState = "ISSUED"
)

var DeliverableStates = []DeliverableState{
	DeliverableOpen, DeliverableInitialized, DeliverableSemanticReady,
	DeliverableInProgress, DeliverableChecking, DeliverableIssued,
}

func ParseDeliverableState(s string) (DeliverableState, error) {
	norm := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), "-", "_"))
	switch norm {
	case "SEMANTICREADY":
		norm = string(DeliverableSemanticReady)
	case "INPROGRESS":
		norm = string(DeliverableInProgress)
	}
	for _, st := range DeliverableStates {
		if string(st) == norm {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown deliverable state %q", s)
}

// HistoryEntry records one accepted transition. Entries are append-only.
type HistoryEntry struct {
	From       string    `json:"from"`
	To         string    `json:"to"`
	Version    int64     `json:"version"` // entity version after the transition
	SessionID  SessionID `json:"session_id,omitempty"`
	Actor      ActorID   `json:"actor"`
	CommitHash string    `json:"commit_hash,omitempty"`
	At         time.Time `json:"at"`
}

// Deliverable is a snapshot of one unit of documentation work.
type Deliverable struct {
	ID        DeliverableID    `json:"id"`
	Root      string           `json:"root"` // workspace-relative folder
	Title     string           `json:"title"`
	ProjectID ProjectID        `json:"project_id,omitempty"`
	PackageID PackageID        `json:"package_id,omitempty"`
	Status    DeliverableState `json:"status"`
	Version   int64            `json:"version"`
	History   []HistoryEntry   `json:"history,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// Archived reports whether the deliverable is read-only.
func (d Deliverable) Archived() bool { return d.Status == DeliverableIssued }

// NewDeliverable returns an Open deliverable at version 1.
func NewDeliverable(root, title string, now time.Time) Deliverable {
	return Deliverable{
		ID:        NewDeliverableID(),
		Root:      root,
		Title:     title,
		Status:    DeliverableOpen,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
}
