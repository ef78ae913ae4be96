// Package config resolves the runtime home directory and loads config.yaml.
package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
)

// HomeDirName is the home directory name, both per user and per project.
const HomeDirName = ".chirality"

type homeKey struct{}

func WithHome(ctx context.Context, home string) context.Context {
	return context.WithValue(ctx, homeKey{}, home)
}

func HomeFrom(ctx context.Context) (string, bool) {
	s, ok := ctx.Value(homeKey{}).(string)
	return s, ok
}

// MustHomeFrom returns the home stored by the root command. Commands run
// outside it are a programming error.
func MustHomeFrom(ctx context.Context) string {
	if h, ok := HomeFrom(ctx); ok && h != "" {
		return h
	}
	panic("chirality home missing from context")
}

// ResolveHome picks the home directory, first match wins: the override, then
// CHIRALITY_HOME, then the nearest project .chirality/ holding a config.yaml
// above the working directory, then ~/.chirality.
func ResolveHome(override string) (string, error) {
	if override != "" {
		return filepath.Clean(override), nil
	}
	if env := os.Getenv("CHIRALITY_HOME"); env != "" {
		return filepath.Clean(env), nil
	}
	if wd, err := os.Getwd(); err == nil {
		if h, ok := FindProjectHome(wd); ok {
			return h, nil
		}
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.New("could not determine user home directory")
	}
	return filepath.Join(home, HomeDirName), nil
}

// FindProjectHome walks up from dir looking for .chirality/config.yaml.
func FindProjectHome(dir string) (string, bool) {
	dir = filepath.Clean(dir)
	for {
		candidate := filepath.Join(dir, HomeDirName)
		if fi, err := os.Stat(Path(candidate)); err == nil && fi.Mode().IsRegular() {
			return candidate, true
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", false
		}
		dir = parent
	}
}
