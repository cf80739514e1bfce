// Package datasource describes what a metadata source can do and holds the
// static registry of sources the bootstrap chooses from.
package datasource

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/cloudboss/metaboot/pkg/config"
	"github.com/cloudboss/metaboot/pkg/observe"
	"github.com/cloudboss/metaboot/pkg/password"
)

type Dependency string

const (
	DepFilesystem Dependency = "filesystem"
	DepNetwork    Dependency = "network"
)

// ParseDependencies parses a comma separated list such as "filesystem,network".
func ParseDependencies(s string) ([]Dependency, error) {
	deps := []Dependency{}
	for _, field := range strings.Split(s, ",") {
		field = strings.TrimSpace(field)
		if len(field) == 0 {
			continue
		}
		dep := Dependency(strings.ToLower(field))
		switch dep {
		case DepFilesystem, DepNetwork:
			deps = append(deps, dep)
		default:
			return nil, fmt.Errorf("unknown dependency %s", field)
		}
	}
	return deps, nil
}

// Source is a metadata source the bootstrap can run against.
type Source interface {
	Name() string
	Dependencies() []Dependency
	// WaitForService blocks until the service answers and returns the URL
	// that answered.
	WaitForService(ctx context.Context) (string, error)
	FetchMetadata(ctx context.Context) (map[string]any, error)
	FetchUserData(ctx context.Context) ([]byte, error)
}

// PasswordSource is implemented by sources that can hand out an initial
// account password.
type PasswordSource interface {
	FetchPassword(ctx context.Context) (password.Result, error)
}

type Factory func(cfg *config.Config, logger *slog.Logger, observer observe.Observer) (Source, error)

type Entry struct {
	Name         string
	Dependencies []Dependency
	New          Factory
}

type Registry []Entry

// Select returns the entries whose dependencies are exactly deps.
func (r Registry) Select(deps ...Dependency) Registry {
	want := depSet(deps)
	selected := Registry{}
	for _, e := range r {
		if slices.Equal(depSet(e.Dependencies), want) {
			selected = append(selected, e)
		}
	}
	return selected
}

func (r Registry) Lookup(name string) (Entry, bool) {
	for _, e := range r {
		if e.Name == name {
			return e, true
		}
	}
	return Entry{}, false
}

func (r Registry) Names() []string {
	names := make([]string, len(r))
	for i, e := range r {
		names[i] = e.Name
	}
	return names
}

func depSet(deps []Dependency) []Dependency {
	set := slices.Clone(deps)
	slices.Sort(set)
	return slices.Compact(set)
}
