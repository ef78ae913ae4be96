package capabilities

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/sgttomas/chirality-runtime/internal/domain"
	"github.com/sgttomas/chirality-runtime/internal/workflow"
)

// DeliverableLookup resolves a deliverable for message text. It may be nil.
type DeliverableLookup func(ctx context.Context, id domain.DeliverableID) (domain.Deliverable, error)

// Notifier forwards sealed Issued transitions to every registered capability.
// Handle is safe to register with Engine.OnEvent: it never blocks, and events
// arriving while the queue is full are dropped with a warning.
type Notifier struct {
	Registry *Registry
	Lookup   DeliverableLookup
	Logger   *slog.Logger

	queue chan workflow.Event
}

func NewNotifier(reg *Registry, lookup DeliverableLookup, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{Registry: reg, Lookup: lookup, Logger: logger, queue: make(chan workflow.Event, 64)}
}

// Handle enqueues ev when it reports a deliverable issued by a sealed turn.
func (n *Notifier) Handle(ev workflow.Event) {
	if ev.Type != workflow.EventTransition || ev.To != string(domain.DeliverableIssued) || ev.CommitHash == "" {
		return
	}
	select {
	case n.queue <- ev:
	default:
		n.Logger.Warn("notification dropped", "deliverable", ev.EntityID)
	}
}

// Run delivers queued notifications until ctx is done.
func (n *Notifier) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-n.queue:
			n.deliver(ctx, ev)
		}
	}
}

func (n *Notifier) deliver(ctx context.Context, ev workflow.Event) {
	msg := n.message(ctx, ev)
	for _, name := range n.Registry.Names() {
		if err := n.Registry.Notify(ctx, name, msg); err != nil {
			n.Logger.Error("notification failed", "capability", name, "deliverable", ev.EntityID, "err", err)
			continue
		}
		n.Logger.Info("notification sent", "capability", name, "deliverable", ev.EntityID)
	}
}

func (n *Notifier) message(ctx context.Context, ev workflow.Event) Notice {
	label := ev.EntityID
	fields := []Field{{Name: "Version", Value: fmt.Sprint(ev.Version)}}
	if n.Lookup != nil {
		if d, err := n.Lookup(ctx, domain.DeliverableID(ev.EntityID)); err == nil {
			label = fmt.Sprintf("%s (%s)", d.Title, d.ID)
			fields = append(fields, Field{Name: "Root", Value: d.Root})
		}
	}
	commit := ev.CommitHash
	if len(commit) > 12 {
		commit = commit[:12]
	}
	fields = append(fields, Field{Name: "Commit", Value: commit})
	if ev.SessionID != "" {
		fields = append(fields, Field{Name: "Session", Value: ev.SessionID})
	}
	return Notice{
		Summary: fmt.Sprintf("Deliverable %s issued at version %d, commit %s", label, ev.Version, commit),
		Fields:  fields,
	}
}
