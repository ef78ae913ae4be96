package httpapi

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/sgttomas/chirality-runtime/internal/domain"
	"github.com/sgttomas/chirality-runtime/pkg/models"
)

// actorOf converts a wire actor; nil yields the zero actor.
func actorOf(m *models.Actor) (domain.ActorID, error) {
	if m == nil || m.ID == "" {
		return domain.ActorID{}, nil
	}
	return domain.ParseActorID(m.Kind + ":" + m.ID)
}

// actor resolves who a request acts for: the body, then the
// X-Chirality-Actor header ("HUMAN:alice"), then the server default.
func (a *App) actor(r *http.Request, m *models.Actor) (domain.ActorID, error) {
	id, err := actorOf(m)
	if err != nil || !id.IsZero() {
		return id, err
	}
	if h := strings.TrimSpace(r.Header.Get("X-Chirality-Actor")); h != "" {
		return domain.ParseActorID(h)
	}
	return a.opts.Actor, nil
}

func wireActor(a domain.ActorID) models.Actor {
	return models.Actor{Kind: string(a.Kind), ID: a.ID}
}

func rulesOf(in []models.Rule) ([]domain.Rule, error) {
	out := make([]domain.Rule, 0, len(in))
	for _, r := range in {
		perm, err := domain.ParsePermission(r.Permission)
		if err != nil {
			return nil, err
		}
		rule := domain.Rule{Pattern: r.Pattern, Permission: perm}
		for _, o := range r.Ops {
			op, err := domain.ParseOperation(o)
			if err != nil {
				return nil, err
			}
			rule.Ops = append(rule.Ops, op)
		}
		out = append(out, rule)
	}
	return out, nil
}

func deliverableIDs(in []string) ([]domain.DeliverableID, error) {
	out := make([]domain.DeliverableID, 0, len(in))
	for _, s := range in {
		id, err := domain.ParseDeliverableID(s)
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, nil
}

func hashesOf(in map[string]string) (map[string]domain.ContentHash, error) {
	if len(in) == 0 {
		return nil, nil
	}
	out := make(map[string]domain.ContentHash, len(in))
	for p, h := range in {
		ch, err := domain.ParseContentHash(h)
		if err != nil {
			return nil, fmt.Errorf("hash of %s: %w", p, err)
		}
		out[p] = ch
	}
	return out, nil
}

// pathParts splits the path below prefix into its segments.
func pathParts(path, prefix string) []string {
	rest := strings.Trim(strings.TrimPrefix(path, prefix), "/")
	if rest == "" {
		return nil
	}
	return strings.Split(rest, "/")
}
