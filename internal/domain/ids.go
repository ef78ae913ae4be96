package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// DeliverableID identifies a Deliverable. New ids are "del:<uuid>"; legacy
// workspaces use "DEL-##.##".
type DeliverableID string

// SessionID identifies an AgentSession ("sess:<uuid>").
type SessionID string

// ProjectID identifies a project ("proj:<slug>").
type ProjectID string

// PackageID identifies a work package ("PKG-###" or "pkg:<slug>").
type PackageID string

// TurnID identifies one bounded unit of agent work inside a session.
type TurnID string

const (
	deliverablePrefix = "del:"
	sessionPrefix     = "sess:"
	projectPrefix     = "proj:"
	packagePrefix     = "pkg:"
)

var (
	legacyDeliverableRe = regexp.MustCompile(`^DEL-\d{2}\.\d{2}$`)
	legacyPackageRe     = regexp.MustCompile(`^PKG-\d{3}$`)
	slugRe              = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)
	commitHashRe        = regexp.MustCompile(`^(?:[0-9a-f]{40}|[0-9a-f]{64})$`)
	contentHashRe       = regexp.MustCompile(`^sha256:[0-9a-f]{64}$`)
)

func NewDeliverableID() DeliverableID { return DeliverableID(deliverablePrefix + uuid.NewString()) }

func NewSessionID() SessionID { return SessionID(sessionPrefix + uuid.NewString()) }

func NewTurnID() TurnID { return TurnID("turn:" + uuid.NewString()) }

// NewAuditID returns a fresh audit record id.
func NewAuditID() string { return "audit:" + uuid.NewString() }

// ParseDeliverableID accepts both the prefixed uuid form and the legacy form.
func ParseDeliverableID(s string) (DeliverableID, error) {
	s = strings.TrimSpace(s)
	if legacyDeliverableRe.MatchString(s) {
		return DeliverableID(s), nil
	}
	if rest, ok := strings.CutPrefix(s, deliverablePrefix); ok {
		if _, err := uuid.Parse(rest); err == nil {
			return DeliverableID(s), nil
		}
	}
	return "", fmt.Errorf("invalid deliverable id %q", s)
}

func ParseSessionID(s string) (SessionID, error) {
	s = strings.TrimSpace(s)
	rest, ok := strings.CutPrefix(s, sessionPrefix)
	if !ok {
		return "", fmt.Errorf("invalid session id %q", s)
	}
	if _, err := uuid.Parse(rest); err != nil {
		return "", fmt.Errorf("invalid session id %q: %w", s, err)
	}
	return SessionID(s), nil
}

func ParseProjectID(s string) (ProjectID, error) {
	s = strings.TrimSpace(s)
	rest, ok := strings.CutPrefix(s, projectPrefix)
	if !ok || !slugRe.MatchString(rest) {
		return "", fmt.Errorf("invalid project id %q", s)
	}
	return ProjectID(s), nil
}

func ParsePackageID(s string) (PackageID, error) {
	s = strings.TrimSpace(s)
	if legacyPackageRe.MatchString(s) {
		return PackageID(s), nil
	}
	if rest, ok := strings.CutPrefix(s, packagePrefix); ok && slugRe.MatchString(rest) {
		return PackageID(s), nil
	}
	return "", fmt.Errorf("invalid package id %q", s)
}

// Short returns the id without its kind prefix, suitable for branch and directory names.
func (id SessionID) Short() string {
	s := strings.TrimPrefix(string(id), sessionPrefix)
	if len(s) > 8 {
		return s[:8]
	}
	return s
}

// ActorKind classifies who performed an action.
type ActorKind string

const (
	ActorHuman  ActorKind = "HUMAN"
	ActorAgent  ActorKind = "AGENT"
	ActorSystem ActorKind = "SYSTEM"
)

// ActorID names the human, agent or system component behind an action.
type ActorID struct {
	Kind ActorKind `json:"kind"`
	ID   string    `json:"id"`
}

func Human(id string) ActorID  { return ActorID{Kind: ActorHuman, ID: id} }
func Agent(id string) ActorID  { return ActorID{Kind: ActorAgent, ID: id} }
func System(id string) ActorID { return ActorID{Kind: ActorSystem, ID: id} }

func (a ActorID) String() string {
	if a.ID == "" {
		return ""
	}
	return string(a.Kind) + ":" + a.ID
}

func (a ActorID) IsZero() bool { return a.ID == "" }

// ParseActorID parses the "KIND:id" form produced by String.
func ParseActorID(s string) (ActorID, error) {
	kind, id, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok || id == "" {
		return ActorID{}, fmt.Errorf("invalid actor %q", s)
	}
	switch k := ActorKind(strings.ToUpper(kind)); k {
	case ActorHuman, ActorAgent, ActorSystem:
		return ActorID{Kind: k, ID: id}, nil
	default:
		return ActorID{}, fmt.Errorf("invalid actor kind %q", kind)
	}
}

// ContentHash is "sha256:<hex>" of a file's bytes.
type ContentHash string

func HashBytes(b []byte) ContentHash {
	sum := sha256.Sum256(b)
	return ContentHash("sha256:" + hex.EncodeToString(sum[:]))
}

func ParseContentHash(s string) (ContentHash, error) {
	if !contentHashRe.MatchString(s) {
		return "", fmt.Errorf("invalid content hash %q", s)
	}
	return ContentHash(s), nil
}

// ValidCommitHash reports whether s is a full sha1 or sha256 git object name.
func ValidCommitHash(s string) bool { return commitHashRe.MatchString(s) }
