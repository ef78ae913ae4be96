package workspace

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/sgttomas/chirality-runtime/internal/domain"
)

// StatusDocument renders the _STATUS.md written into a new deliverable folder.
func StatusDocument(d domain.Deliverable) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", d.Title)
	fmt.Fprintf(&b, "- ID: %s\n", d.ID)
	if d.PackageID != "" {
		fmt.Fprintf(&b, "- Package: %s\n", d.PackageID)
	}
	if d.ProjectID != "" {
		fmt.Fprintf(&b, "- Project: %s\n", d.ProjectID)
	}
	fmt.Fprintf(&b, "- Status: %s\n", d.Status)
	fmt.Fprintf(&b, "- Created: %s\n", d.CreatedAt.Format("2006-01-02"))
	b.WriteString("\n## History\n\n")
	if len(d.History) == 0 {
		b.WriteString("_No transitions yet._\n")
	}
	for _, h := range d.History {
		fmt.Fprintf(&b, "- %s %s -> %s (%s)\n", h.At.Format("2006-01-02"), h.From, h.To, h.Actor)
	}
	return []byte(b.String())
}

// Scaffold creates the deliverable folder with its _STATUS.md. It returns the
// written paths for the turn seal.
func (f *FS) Scaffold(ctx context.Context, session domain.SessionID, branch string, d domain.Deliverable) ([]string, error) {
	p := path.Join(d.Root, domain.DocStatus.Filename())
	if _, err := f.Write(ctx, session, branch, p, StatusDocument(d)); err != nil {
		return nil, fmt.Errorf("scaffold %s: %w", d.Root, err)
	}
	return []string{p}, nil
}
