// Package workspace is the filesystem port over one working-tree checkout.
// Every mutation is authorized through the core before it touches disk.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/sgttomas/chirality-runtime/internal/domain"
	"github.com/sgttomas/chirality-runtime/internal/sandbox"
	"github.com/sgttomas/chirality-runtime/internal/workflow"
)

// Authorizer decides whether a write may proceed. *workflow.Engine implements it.
type Authorizer interface {
	AuthorizeWrite(ctx context.Context, req workflow.WriteRequest) (sandbox.Decision, error)
}

// Entry is one item of a directory listing.
type Entry struct {
	Name    string    `json:"name"`
	Path    string    `json:"path"` // workspace-relative
	IsDir   bool      `json:"is_dir"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
}

// FS reads and writes below Root. Writes go through Guard.
type FS struct {
	Root  string
	Guard Authorizer
}

// New returns an FS rooted at root, which must exist.
func New(root string, guard Authorizer) (*FS, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("workspace root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("workspace root %s is not a directory", abs)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}
	return &FS{Root: abs, Guard: guard}, nil
}

// resolve maps a workspace-relative path to an absolute one, refusing paths
// whose existing ancestors resolve outside Root through symlinks.
func (f *FS) resolve(p string) (string, string, error) {
	canon, err := sandbox.Canonicalize(p)
	if err != nil {
		return "", "", err
	}
	abs := filepath.Join(f.Root, filepath.FromSlash(canon))
	probe := abs
	for {
		if _, err := os.Lstat(probe); err == nil {
			break
		}
		parent := filepath.Dir(probe)
		if parent == probe {
			break
		}
		probe = parent
	}
	real, err := filepath.EvalSymlinks(probe)
	if err != nil {
		return "", "", err
	}
	rel, err := filepath.Rel(f.Root, real)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", "", fmt.Errorf("path %q resolves outside the workspace", p)
	}
	return canon, abs, nil
}

// Read returns the content of p, or an error wrapping domain.ErrNotFound.
func (f *FS) Read(p string) ([]byte, error) {
	canon, abs, err := f.resolve(p)
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(abs)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", canon, domain.ErrNotFound)
	}
	return b, err
}

// List returns the entries of dir sorted by name. "" or "." lists the root.
func (f *FS) List(dir string) ([]Entry, error) {
	canon, abs := "", f.Root
	if d := strings.Trim(dir, "/ "); d != "" && d != "." {
		var err error
		if canon, abs, err = f.resolve(d); err != nil {
			return nil, err
		}
	}
	des, err := os.ReadDir(abs)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", dir, domain.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(des))
	for _, de := range des {
		if canon == "" && de.Name() == ".git" {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		out = append(out, Entry{
			Name:    de.Name(),
			Path:    path.Join(canon, de.Name()),
			IsDir:   de.IsDir(),
			Size:    info.Size(),
			ModTime: info.ModTime().UTC(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Hash returns the content hash of p.
func (f *FS) Hash(p string) (domain.ContentHash, error) {
	b, err := f.Read(p)
	if err != nil {
		return "", err
	}
	return domain.HashBytes(b), nil
}

// HashAll hashes every existing path; deleted paths are omitted.
func (f *FS) HashAll(paths []string) (map[string]domain.ContentHash, error) {
	out := make(map[string]domain.ContentHash, len(paths))
	for _, p := range paths {
		h, err := f.Hash(p)
		if errors.Is(err, domain.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		canon, _ := sandbox.Canonicalize(p)
		out[canon] = h
	}
	return out, nil
}

// Write authorizes and then writes data to p on behalf of session on branch.
func (f *FS) Write(ctx context.Context, session domain.SessionID, branch, p string, data []byte) (sandbox.Decision, error) {
	canon, abs, err := f.resolve(p)
	if err != nil {
		return sandbox.Decision{}, domain.WriteDenied(domain.DenyInvalidPath, "%v", err)
	}
	op := domain.OpModify
	if _, err := os.Stat(abs); errors.Is(err, fs.ErrNotExist) {
		op = domain.OpCreate
	}
	d, err := f.authorize(ctx, session, branch, canon, op)
	if err != nil {
		return d, err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return d, err
	}
	tmp, err := os.CreateTemp(filepath.Dir(abs), ".chirality-write-*")
	if err != nil {
		return d, err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return d, err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return d, err
	}
	if err := os.Rename(tmp.Name(), abs); err != nil {
		_ = os.Remove(tmp.Name())
		return d, err
	}
	return d, nil
}

// Delete authorizes and then removes p.
func (f *FS) Delete(ctx context.Context, session domain.SessionID, branch, p string) (sandbox.Decision, error) {
	canon, abs, err := f.resolve(p)
	if err != nil {
		return sandbox.Decision{}, domain.WriteDenied(domain.DenyInvalidPath, "%v", err)
	}
	if _, err := os.Stat(abs); errors.Is(err, fs.ErrNotExist) {
		return sandbox.Decision{}, fmt.Errorf("%s: %w", canon, domain.ErrNotFound)
	}
	d, err := f.authorize(ctx, session, branch, canon, domain.OpDelete)
	if err != nil {
		return d, err
	}
	if err := os.Remove(abs); err != nil {
		return d, err
	}
	return d, nil
}

func (f *FS) authorize(ctx context.Context, session domain.SessionID, branch, canon string, op domain.Operation) (sandbox.Decision, error) {
	if f.Guard == nil {
		return sandbox.Decision{}, errors.New("workspace: no write guard configured")
	}
	return f.Guard.AuthorizeWrite(ctx, workflow.WriteRequest{SessionID: session, Branch: branch, Path: canon, Operation: op})
}
