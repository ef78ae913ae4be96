package store

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"
)

// Migration is one embedded schema file.
type Migration struct {
	Version  int
	Name     string
	SQL      string
	Checksum string // sha256 of SQL
}

// ErrSchemaDrift reports an applied migration whose file has since changed.
type ErrSchemaDrift struct {
	Name    string
	Applied string
	Current string
}

func (e *ErrSchemaDrift) Error() string {
	return fmt.Sprintf("migration %s changed after it was applied (recorded %.12s, embedded %.12s)", e.Name, e.Applied, e.Current)
}

// LoadMigrations reads dir/*.sql from fsys in version order.
func LoadMigrations(fsys fs.FS, dir string) ([]Migration, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, err
	}
	seen := make(map[int]string)
	var migs []Migration
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		v, err := migrationVersion(e.Name())
		if err != nil {
			return nil, err
		}
		if prev, dup := seen[v]; dup {
			return nil, fmt.Errorf("migrations %s and %s share version %d", prev, e.Name(), v)
		}
		seen[v] = e.Name()
		body, err := fs.ReadFile(fsys, path.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		sum := sha256.Sum256(body)
		migs = append(migs, Migration{Version: v, Name: e.Name(), SQL: string(body), Checksum: hex.EncodeToString(sum[:])})
	}
	sort.Slice(migs, func(i, j int) bool { return migs[i].Version < migs[j].Version })
	return migs, nil
}

// Pending returns the migrations missing from applied, which maps version to
// recorded checksum. Rows recorded without a checksum are trusted.
func Pending(migs []Migration, applied map[int]string) ([]Migration, error) {
	var out []Migration
	for _, m := range migs {
		sum, ok := applied[m.Version]
		if !ok {
			out = append(out, m)
			continue
		}
		if sum != "" && sum != m.Checksum {
			return nil, &ErrSchemaDrift{Name: m.Name, Applied: sum, Current: m.Checksum}
		}
	}
	return out, nil
}

func migrationVersion(filename string) (int, error) {
	prefix, _, _ := strings.Cut(strings.TrimSuffix(filename, ".sql"), "_")
	v, err := strconv.Atoi(prefix)
	if err != nil {
		return 0, fmt.Errorf("invalid migration version in %s", filename)
	}
	return v, nil
}
